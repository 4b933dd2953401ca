package profile

import (
	"errors"
	"fmt"
)

// ErrLockUnavailable reports that a group lock could not be taken within the retry budget.
var ErrLockUnavailable = errors.New("profile lock unavailable")

// LockError carries the lock file and attempt count of a failed lock acquisition.
type LockError struct {
	Path     string
	Attempts int
	Err      error
}

func (e *LockError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("lock %s: gave up after %d attempts", e.Path, e.Attempts)
	}
	return fmt.Sprintf("lock %s: gave up after %d attempts: %v", e.Path, e.Attempts, e.Err)
}

func (e *LockError) Unwrap() error { return e.Err }

// Is lets callers match any LockError against ErrLockUnavailable.
func (e *LockError) Is(target error) bool { return target == ErrLockUnavailable }
