// Package profile allocates, locks, and reclaims on-disk browser profile
// directories so concurrent browser instances never share a user data dir.
//
// The on-disk tree looks like:
//
//	<root>/context/group/<group>/context.lock
//	<root>/context/group/<group>/<browserKind>/cx.<n>
//	<root>/context/tmp/groups/<group>/context.lock
//	<root>/context/tmp/groups/<group>/cx.<MMDD><rand5><ordinal>
//	<root>/browser/<browserKind>/{system-default,default,prototype}
//
// Each cx.* directory holds the browser's user data dir (named after the
// browser kind) plus the launcher.pid and port sentinel files.
package profile

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

const (
	// DirPrefix starts every pooled or temporary profile directory name.
	DirPrefix = "cx."
	// PIDFileName is written by the launcher once a browser was started in a profile.
	PIDFileName = "launcher.pid"
	// PortFileName exists while the browser in a profile is still listening.
	PortFileName = "port"
	// LockFileName is the zero-byte advisory lock file guarding a group's directory set.
	LockFileName = "context.lock"
)

// Layout computes every path of the profile tree from a single root.
type Layout struct {
	Root string
}

// ContextDir is the parent of both the pooled and the temporary trees.
func (l Layout) ContextDir() string {
	return filepath.Join(l.Root, "context")
}

// GroupDir returns the directory of a sequential pool.
func (l Layout) GroupDir(group string) string {
	return filepath.Join(l.ContextDir(), "group", group)
}

// GroupLockFile returns the lock file guarding a sequential pool.
func (l Layout) GroupLockFile(group string) string {
	return filepath.Join(l.GroupDir(group), LockFileName)
}

// SequentialBase returns the directory that holds the cx.<n> slots of a pool.
func (l Layout) SequentialBase(group, browserKind string) string {
	return filepath.Join(l.GroupDir(group), browserKind)
}

// TempRoot is the only tree reclamation is ever allowed to delete from.
func (l Layout) TempRoot() string {
	return filepath.Join(l.ContextDir(), "tmp")
}

// TempGroupDir returns the directory of a temporary group.
func (l Layout) TempGroupDir(group string) string {
	return filepath.Join(l.TempRoot(), "groups", group)
}

// TempGroupLockFile returns the lock file guarding a temporary group.
func (l Layout) TempGroupLockFile(group string) string {
	return filepath.Join(l.TempGroupDir(group), LockFileName)
}

// PermanentDir returns the path of a system, default, or prototype profile.
func (l Layout) PermanentDir(browserKind string, which Permanent) string {
	return filepath.Join(l.Root, "browser", browserKind, which.String())
}

// InsideTempRoot reports whether path lies strictly below the temp root.
func (l Layout) InsideTempRoot(path string) bool {
	root, err := filepath.Abs(l.TempRoot())
	if err != nil {
		return false
	}
	target, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return !filepath.IsAbs(rel)
}

var errBadName = errors.New("invalid profile path component")

func validateName(kind, name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("%s: %w: empty", kind, errBadName)
	case name == "." || name == "..":
		return fmt.Errorf("%s %q: %w", kind, name, errBadName)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("%s %q: %w: contains a path separator", kind, name, errBadName)
	}
	return nil
}
