package profile

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeTempProfile builds <temp>/groups/<group>/<name>/chrome with a launcher.pid
// and backdates both directories by age.
func makeTempProfile(t *testing.T, a *Allocator, group, name string, age time.Duration, withPort bool) string {
	t.Helper()
	cx := filepath.Join(a.Layout().TempGroupDir(group), name)
	udd := filepath.Join(cx, "chrome")
	require.NoError(t, os.MkdirAll(filepath.Join(udd, "Default"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cx, PIDFileName), []byte("4242"), 0o644))
	if withPort {
		require.NoError(t, os.WriteFile(filepath.Join(cx, PortFileName), []byte("9222"), 0o644))
	}
	stamp := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(udd, stamp, stamp))
	require.NoError(t, os.Chtimes(cx, stamp, stamp))
	return udd
}

// TestReclaimDirGuards checks that removing any single guard condition blocks deletion.
func TestReclaimDirGuards(t *testing.T) {
	t.Parallel()

	const expiry = 12 * time.Hour

	tests := []struct {
		name      string
		verify    bool
		alive     bool
		setup     func(t *testing.T, a *Allocator) string
		want      Verdict
		wantGone  bool
		wantError bool
	}{
		{
			name: "all guards pass",
			setup: func(t *testing.T, a *Allocator) string {
				return makeTempProfile(t, a, "g", "cx.0101abcde1", 13*time.Hour, false)
			},
			want:     VerdictDeleted,
			wantGone: true,
		},
		{
			name: "absent",
			setup: func(t *testing.T, a *Allocator) string {
				return filepath.Join(a.Layout().TempGroupDir("g"), "cx.gone", "chrome")
			},
			want:     VerdictAbsent,
			wantGone: true,
		},
		{
			name: "already cleaned",
			setup: func(t *testing.T, a *Allocator) string {
				udd := makeTempProfile(t, a, "g", "cx.0101abcde2", 13*time.Hour, false)
				a.markCleaned(udd)
				return udd
			},
			want: VerdictAlreadyCleaned,
		},
		{
			name: "outside temp root",
			setup: func(t *testing.T, a *Allocator) string {
				udd := filepath.Join(a.Layout().SequentialBase("g", "chrome"), "cx.1", "chrome")
				require.NoError(t, os.MkdirAll(udd, 0o755))
				require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(udd), PIDFileName), []byte("1"), 0o644))
				old := time.Now().Add(-48 * time.Hour)
				require.NoError(t, os.Chtimes(udd, old, old))
				return udd
			},
			want: VerdictOutsideTemp,
		},
		{
			name: "not expired",
			setup: func(t *testing.T, a *Allocator) string {
				return makeTempProfile(t, a, "g", "cx.0101abcde3", time.Hour, false)
			},
			want: VerdictNotExpired,
		},
		{
			name: "no launcher pid",
			setup: func(t *testing.T, a *Allocator) string {
				udd := makeTempProfile(t, a, "g", "cx.0101abcde4", 13*time.Hour, false)
				require.NoError(t, os.Remove(filepath.Join(filepath.Dir(udd), PIDFileName)))
				return udd
			},
			want: VerdictNoLauncherPID,
		},
		{
			name:   "launcher alive with verification",
			verify: true,
			alive:  true,
			setup: func(t *testing.T, a *Allocator) string {
				return makeTempProfile(t, a, "g", "cx.0101abcde5", 13*time.Hour, false)
			},
			want: VerdictLauncherAlive,
		},
		{
			name:   "launcher dead with verification",
			verify: true,
			alive:  false,
			setup: func(t *testing.T, a *Allocator) string {
				return makeTempProfile(t, a, "g", "cx.0101abcde6", 13*time.Hour, false)
			},
			want:     VerdictDeleted,
			wantGone: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			a := newTestAllocator(t, Config{VerifyLauncherDead: tt.verify},
				WithProcessProbe(func(int) bool { return tt.alive }))
			udd := tt.setup(t, a)

			got, err := a.ReclaimDir(context.Background(), udd, expiry)
			if tt.wantError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			if tt.wantGone {
				assert.NoDirExists(t, udd)
				assert.True(t, a.isCleaned(udd))
			} else {
				assert.DirExists(t, udd)
			}
		})
	}
}

// TestReclaimKeepsRecentAndLiveProfiles runs a full sweep over a mixed temp tree.
func TestReclaimKeepsRecentAndLiveProfiles(t *testing.T) {
	t.Parallel()

	a := newTestAllocator(t, Config{})

	var expired []string
	for i := range 4 {
		// Older profiles get larger ages, so index 0 is the most recent.
		age := time.Duration(20+i) * time.Hour
		expired = append(expired, makeTempProfile(t, a, "batch", "cx.0101aaaa"+strconv.Itoa(i), age, false))
	}
	listening := makeTempProfile(t, a, "batch", "cx.0101bbbb0", 30*time.Hour, true)
	fresh := makeTempProfile(t, a, "other", "cx.0101cccc0", time.Minute, false)

	report, err := a.Reclaim(context.Background(), 12*time.Hour, 2)
	require.NoError(t, err)

	assert.Equal(t, 5, report.Candidates, "four expired plus the fresh one")
	assert.Equal(t, 2, report.Kept)
	assert.Equal(t, 3, report.Deleted)
	assert.Zero(t, report.Skipped)
	assert.Zero(t, report.Failed)

	// fresh has the newest mtime so it is kept together with expired[0].
	assert.DirExists(t, fresh)
	assert.DirExists(t, expired[0])
	assert.NoDirExists(t, expired[1])
	assert.NoDirExists(t, expired[2])
	assert.NoDirExists(t, expired[3])
	assert.DirExists(t, listening)
	assert.FileExists(t, filepath.Join(filepath.Dir(expired[3]), PIDFileName), "only the user data dir is removed")

	again, err := a.Reclaim(context.Background(), 12*time.Hour, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, again.Candidates, "cleaned profiles are not rescanned")
	assert.Equal(t, 1, again.Deleted)
	assert.Equal(t, 1, again.Skipped, "fresh profile is not expired")
	assert.NoDirExists(t, expired[0])
	assert.DirExists(t, fresh)
}

// TestReclaimEmptyTree ensures a missing temp root is not an error.
func TestReclaimEmptyTree(t *testing.T) {
	t.Parallel()

	a := newTestAllocator(t, Config{})
	report, err := a.Reclaim(context.Background(), 0, DefaultKeepRecent)
	require.NoError(t, err)
	assert.Equal(t, ReclaimReport{}, report)
}
