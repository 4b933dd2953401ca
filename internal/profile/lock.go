package profile

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/JakeFAU/browser-fleet/internal/metrics"
)

const lockPollDelay = 10 * time.Millisecond

// locker takes the exclusive advisory lock on a group's context.lock file.
// A per-path in-memory monitor serializes callers inside this process, the
// file lock serializes across processes.
type locker struct {
	retries int
	wait    time.Duration
	backoff time.Duration
	logger  *zap.Logger

	mu       sync.Mutex
	monitors map[string]*sync.Mutex
}

func newLocker(retries int, wait, backoff time.Duration, logger *zap.Logger) *locker {
	return &locker{
		retries:  retries,
		wait:     wait,
		backoff:  backoff,
		logger:   logger,
		monitors: make(map[string]*sync.Mutex),
	}
}

func (l *locker) monitor(path string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.monitors[path]
	if !ok {
		m = &sync.Mutex{}
		l.monitors[path] = m
	}
	return m
}

// withLock runs fn while holding both the in-process monitor and the file
// lock for path. The lock is always released, even if fn panics.
func (l *locker) withLock(ctx context.Context, path string, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}

	m := l.monitor(path)
	m.Lock()
	defer m.Unlock()

	fl := flock.New(path)
	defer func() { _ = fl.Close() }()

	if err := l.acquire(ctx, fl); err != nil {
		return err
	}
	defer func() {
		if err := fl.Unlock(); err != nil {
			l.logger.Warn("failed to release profile lock", zap.String("path", path), zap.Error(err))
		}
	}()
	return fn()
}

func (l *locker) acquire(ctx context.Context, fl *flock.Flock) error {
	attempts := l.retries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, l.wait)
		locked, err := fl.TryLockContext(attemptCtx, lockPollDelay)
		cancel()
		if locked {
			metrics.ObserveLockAttempt("acquired")
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("lock %s: %w", fl.Path(), ctxErr)
		}
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			lastErr = err
		}
		if attempt == attempts {
			break
		}
		metrics.ObserveLockAttempt("retry")
		l.logger.Warn("profile lock busy, retrying",
			zap.String("path", fl.Path()),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Error(err),
		)
		if err := sleepCtx(ctx, jitter(l.backoff)); err != nil {
			return fmt.Errorf("lock %s: %w", fl.Path(), err)
		}
	}
	metrics.ObserveLockAttempt("failed")
	return &LockError{Path: fl.Path(), Attempts: attempts, Err: lastErr}
}

// jitter spreads d over [d/2, 3d/2).
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d/2 + rand.N(d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
