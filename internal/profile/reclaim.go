package profile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/browser-fleet/internal/metrics"
)

// ReclaimReport summarizes one reclamation sweep.
type ReclaimReport struct {
	Scanned    int `json:"scanned"`
	Candidates int `json:"candidates"`
	Kept       int `json:"kept"`
	Deleted    int `json:"deleted"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

// Verdict explains why a user data dir was or was not deleted.
type Verdict string

// Reclamation verdicts.
const (
	VerdictDeleted        Verdict = "deleted"
	VerdictAbsent         Verdict = "absent"
	VerdictAlreadyCleaned Verdict = "already_cleaned"
	VerdictOutsideTemp    Verdict = "outside_temp_root"
	VerdictNotExpired     Verdict = "not_expired"
	VerdictNoLauncherPID  Verdict = "no_launcher_pid"
	VerdictLauncherAlive  Verdict = "launcher_alive"
	VerdictStillPresent   Verdict = "still_present"
)

type candidate struct {
	path    string
	modTime time.Time
}

// Reclaim deletes expired temporary profiles. Candidates are cx.* directories
// below the temp root that hold a launcher.pid and no port file; the
// keepRecent most recently modified are always kept.
func (a *Allocator) Reclaim(ctx context.Context, expiry time.Duration, keepRecent int) (ReclaimReport, error) {
	var report ReclaimReport
	if expiry <= 0 {
		expiry = DefaultTempExpiry
	}
	if keepRecent < 0 {
		keepRecent = 0
	}

	candidates, scanned, err := a.scanTemp()
	report.Scanned = scanned
	if err != nil {
		return report, err
	}
	report.Candidates = len(candidates)

	slices.SortFunc(candidates, func(x, y candidate) int {
		return y.modTime.Compare(x.modTime)
	})
	if keepRecent > len(candidates) {
		keepRecent = len(candidates)
	}
	report.Kept = keepRecent

	for _, c := range candidates[keepRecent:] {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("reclaim profiles: %w", err)
		}
		allGone := true
		for _, kind := range a.cfg.BrowserKinds {
			verdict, err := a.ReclaimDir(ctx, filepath.Join(c.path, kind), expiry)
			switch {
			case err != nil:
				report.Failed++
				allGone = false
				a.logger.Error("failed to reclaim profile", zap.String("path", c.path), zap.Error(err))
			case verdict == VerdictDeleted:
				report.Deleted++
			case verdict == VerdictAbsent || verdict == VerdictAlreadyCleaned:
			case verdict == VerdictStillPresent:
				report.Failed++
				allGone = false
			default:
				report.Skipped++
				allGone = false
			}
		}
		if allGone {
			a.markCleaned(c.path)
		}
	}

	metrics.ObserveReclaim(report.Deleted, report.Skipped, report.Failed)
	a.logger.Info("profile reclamation finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("candidates", report.Candidates),
		zap.Int("kept", report.Kept),
		zap.Int("deleted", report.Deleted),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

// ReclaimDir deletes a single temporary user data dir under its group lock
// once every guard passes. A directory that is already gone is cached as
// cleaned. A non-nil error means the lock could not be taken or the delete
// itself errored.
func (a *Allocator) ReclaimDir(ctx context.Context, userDataDir string, expiry time.Duration) (Verdict, error) {
	if !a.layout.InsideTempRoot(userDataDir) {
		return VerdictOutsideTemp, nil
	}
	group := filepath.Base(filepath.Dir(filepath.Dir(userDataDir)))

	var verdict Verdict
	err := a.LockTempGroup(ctx, group, func() error {
		var err error
		verdict, err = a.deleteGuarded(userDataDir, expiry)
		return err
	})
	if err != nil {
		return verdict, fmt.Errorf("reclaim %s: %w", userDataDir, err)
	}
	return verdict, nil
}

// deleteGuarded applies every deletion guard in order and deletes only if all pass.
func (a *Allocator) deleteGuarded(dir string, expiry time.Duration) (Verdict, error) {
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		a.markCleaned(dir)
		return VerdictAbsent, nil
	}
	if err != nil {
		return "", fmt.Errorf("stat: %w", err)
	}
	if a.isCleaned(dir) {
		return VerdictAlreadyCleaned, nil
	}
	if !a.layout.InsideTempRoot(dir) {
		return VerdictOutsideTemp, nil
	}
	if a.clock.Now().Sub(info.ModTime()) <= expiry {
		return VerdictNotExpired, nil
	}
	pidFile := filepath.Join(filepath.Dir(dir), PIDFileName)
	if _, err := os.Stat(pidFile); err != nil {
		return VerdictNoLauncherPID, nil
	}
	if a.cfg.VerifyLauncherDead && a.launcherAlive(pidFile) {
		return VerdictLauncherAlive, nil
	}

	if err := os.RemoveAll(dir); err != nil {
		a.logger.Warn("remove profile dir", zap.String("path", dir), zap.Error(err))
	}
	if _, err := os.Stat(dir); err == nil {
		a.logger.Error("profile dir still present after delete", zap.String("path", dir))
		return VerdictStillPresent, nil
	}
	a.markCleaned(dir)
	a.logger.Info("reclaimed profile dir", zap.String("path", dir))
	return VerdictDeleted, nil
}

// scanTemp walks the temp root to the configured depth and returns the
// directories eligible for reclamation.
func (a *Allocator) scanTemp() ([]candidate, int, error) {
	root := a.layout.TempRoot()
	if _, err := os.Stat(root); errors.Is(err, fs.ErrNotExist) {
		return nil, 0, nil
	}
	rootDepth := strings.Count(filepath.Clean(root), string(filepath.Separator))

	var (
		out     []candidate
		scanned int
	)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			a.logger.Warn("walk temp profiles", zap.String("path", path), zap.Error(err))
			return nil
		}
		if !d.IsDir() || path == root {
			return nil
		}
		depth := strings.Count(filepath.Clean(path), string(filepath.Separator)) - rootDepth
		if depth > a.cfg.WalkDepth {
			return filepath.SkipDir
		}
		scanned++
		if !strings.HasPrefix(d.Name(), DirPrefix) || a.isCleaned(path) {
			return nil
		}
		if !exists(filepath.Join(path, PIDFileName)) || exists(filepath.Join(path, PortFileName)) {
			return filepath.SkipDir
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		out = append(out, candidate{path: path, modTime: info.ModTime()})
		return filepath.SkipDir
	})
	if err != nil {
		return nil, scanned, fmt.Errorf("walk temp root: %w", err)
	}
	return out, scanned, nil
}

func (a *Allocator) launcherAlive(pidFile string) bool {
	raw, err := os.ReadFile(pidFile)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return false
	}
	return a.alive(pid)
}

func (a *Allocator) markCleaned(path string) {
	a.cleanedMu.Lock()
	defer a.cleanedMu.Unlock()
	a.cleaned[path] = struct{}{}
}

func (a *Allocator) isCleaned(path string) bool {
	a.cleanedMu.Lock()
	defer a.cleanedMu.Unlock()
	_, ok := a.cleaned[path]
	return ok
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
