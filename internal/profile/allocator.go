package profile

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/browser-fleet/internal/metrics"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultLockRetries = 3
	DefaultLockWait    = time.Second
	DefaultLockBackoff = time.Second
	DefaultTempExpiry  = 12 * time.Hour
	DefaultKeepRecent  = 10
	DefaultWalkDepth   = 3
)

const randAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Clock abstracts time so reclamation can be tested deterministically.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Config controls the allocator's paths, locking, and reclamation guards.
type Config struct {
	Root string
	// BrowserKinds lists the user data dir names reclamation may delete.
	BrowserKinds []string
	LockRetries  int
	LockWait     time.Duration
	LockBackoff  time.Duration
	// VerifyLauncherDead adds a guard that refuses to delete a profile whose
	// launcher.pid names a live process.
	VerifyLauncherDead bool
	WalkDepth          int
}

// Allocator hands out profile directories and reclaims expired temporary ones.
// All state is owned by the instance so tests can run several side by side.
type Allocator struct {
	cfg    Config
	layout Layout
	clock  Clock
	logger *zap.Logger
	locks  *locker
	alive  func(pid int) bool

	ringsMu sync.Mutex
	rings   map[string]*ring

	cleanedMu sync.Mutex
	cleaned   map[string]struct{}
}

// Option customizes an Allocator.
type Option func(*Allocator)

// WithClock overrides the wall clock.
func WithClock(c Clock) Option {
	return func(a *Allocator) {
		if c != nil {
			a.clock = c
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Allocator) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithProcessProbe overrides the launcher liveness check.
func WithProcessProbe(alive func(pid int) bool) Option {
	return func(a *Allocator) {
		if alive != nil {
			a.alive = alive
		}
	}
}

// New validates cfg and returns an Allocator rooted at cfg.Root.
func New(cfg Config, opts ...Option) (*Allocator, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, errors.New("profile root is required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve profile root: %w", err)
	}
	cfg.Root = root
	if cfg.LockRetries < 0 {
		return nil, errors.New("lock retries must be >= 0")
	}
	if cfg.LockRetries == 0 {
		cfg.LockRetries = DefaultLockRetries
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = DefaultLockWait
	}
	if cfg.LockBackoff <= 0 {
		cfg.LockBackoff = DefaultLockBackoff
	}
	if cfg.WalkDepth <= 0 {
		cfg.WalkDepth = DefaultWalkDepth
	}
	if len(cfg.BrowserKinds) == 0 {
		cfg.BrowserKinds = []string{"chrome"}
	}
	kinds := make([]string, 0, len(cfg.BrowserKinds))
	for _, k := range cfg.BrowserKinds {
		k = strings.ToLower(strings.TrimSpace(k))
		if err := validateName("browser kind", k); err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	cfg.BrowserKinds = kinds

	a := &Allocator{
		cfg:     cfg,
		layout:  Layout{Root: root},
		clock:   systemClock{},
		logger:  zap.NewNop(),
		alive:   processAlive,
		rings:   make(map[string]*ring),
		cleaned: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.locks = newLocker(cfg.LockRetries, cfg.LockWait, cfg.LockBackoff, a.logger)
	return a, nil
}

// Layout exposes the allocator's path scheme.
func (a *Allocator) Layout() Layout {
	return a.layout
}

// NextSequential returns the next cx.<n> slot of the group's pool in
// round-robin order. Slots cx.1..cx.maxSlots are created if missing, and
// the cycle is refreshed from the slots actually present on disk.
func (a *Allocator) NextSequential(ctx context.Context, group string, fp Fingerprint, maxSlots int) (Lease, error) {
	if err := validateName("group", group); err != nil {
		return Lease{}, err
	}
	kind := strings.ToLower(strings.TrimSpace(fp.BrowserKind))
	if err := validateName("browser kind", kind); err != nil {
		return Lease{}, err
	}
	if maxSlots <= 0 {
		return Lease{}, fmt.Errorf("max slots must be > 0, got %d", maxSlots)
	}

	var lease Lease
	err := a.locks.withLock(ctx, a.layout.GroupLockFile(group), func() error {
		base := a.layout.SequentialBase(group, kind)
		for i := 1; i <= maxSlots; i++ {
			if err := os.MkdirAll(filepath.Join(base, DirPrefix+strconv.Itoa(i)), 0o755); err != nil {
				return fmt.Errorf("create slot: %w", err)
			}
		}

		present, err := presentSlots(base, maxSlots)
		if err != nil {
			return err
		}
		if len(present) == 0 {
			return fmt.Errorf("no slots present under %s", base)
		}

		slot := a.ring(group, kind).next(present)
		lease = Lease{
			Group:       group,
			BrowserKind: kind,
			Path:        filepath.Join(base, DirPrefix+strconv.Itoa(slot)),
			Mode:        ModeSequential,
		}
		return nil
	})
	if err != nil {
		return Lease{}, fmt.Errorf("allocate sequential profile: %w", err)
	}
	metrics.ObserveProfileAllocation(ModeSequential.String())
	a.logger.Debug("allocated sequential profile",
		zap.String("group", group),
		zap.String("path", lease.Path),
		zap.String("user_agent", fp.UserAgent),
	)
	return lease, nil
}

// NextRandom returns a fresh, uniquely named path in the group's temporary
// area. Only the group directory is created; the profile directory itself
// is created by the launcher.
func (a *Allocator) NextRandom(ctx context.Context, group, browserKind string) (Lease, error) {
	if err := validateName("group", group); err != nil {
		return Lease{}, err
	}
	kind := strings.ToLower(strings.TrimSpace(browserKind))
	if err := validateName("browser kind", kind); err != nil {
		return Lease{}, err
	}

	var lease Lease
	err := a.locks.withLock(ctx, a.layout.TempGroupLockFile(group), func() error {
		base := a.layout.TempGroupDir(group)
		entries, err := os.ReadDir(base)
		if err != nil {
			return fmt.Errorf("list temp group: %w", err)
		}
		existing := 0
		for _, e := range entries {
			if e.IsDir() && strings.Contains(e.Name(), DirPrefix) {
				existing++
			}
		}

		now := a.clock.Now()
		name := fmt.Sprintf("%s%02d%02d%s%d", DirPrefix, int(now.Month()), now.Day(), randomString(5), existing+1)
		lease = Lease{
			Group:       group,
			BrowserKind: kind,
			Path:        filepath.Join(base, name),
			Mode:        ModeRandom,
		}
		return nil
	})
	if err != nil {
		return Lease{}, fmt.Errorf("allocate random profile: %w", err)
	}
	metrics.ObserveProfileAllocation(ModeRandom.String())
	a.logger.Debug("allocated random profile", zap.String("group", group), zap.String("path", lease.Path))
	return lease, nil
}

// Permanent returns one of the fixed per-kind profiles. They live outside
// the temp root and are never reclaimed.
func (a *Allocator) Permanent(browserKind string, which Permanent) (Lease, error) {
	kind := strings.ToLower(strings.TrimSpace(browserKind))
	if err := validateName("browser kind", kind); err != nil {
		return Lease{}, err
	}
	metrics.ObserveProfileAllocation(ModePermanent.String())
	return Lease{
		BrowserKind: kind,
		Path:        a.layout.PermanentDir(kind, which),
		Mode:        ModePermanent,
	}, nil
}

// LockGroup runs fn while holding the sequential pool lock of group.
func (a *Allocator) LockGroup(ctx context.Context, group string, fn func() error) error {
	if err := validateName("group", group); err != nil {
		return err
	}
	return a.locks.withLock(ctx, a.layout.GroupLockFile(group), fn)
}

// LockTempGroup runs fn while holding the temporary group lock of group.
func (a *Allocator) LockTempGroup(ctx context.Context, group string, fn func() error) error {
	if err := validateName("group", group); err != nil {
		return err
	}
	return a.locks.withLock(ctx, a.layout.TempGroupLockFile(group), fn)
}

func (a *Allocator) ring(group, kind string) *ring {
	a.ringsMu.Lock()
	defer a.ringsMu.Unlock()
	key := group + "/" + kind
	r, ok := a.rings[key]
	if !ok {
		r = &ring{}
		a.rings[key] = r
	}
	return r
}

// presentSlots lists the slot numbers in [1, maxSlots] that exist as directories under base.
func presentSlots(base string, maxSlots int) ([]int, error) {
	entries, err := os.ReadDir(base)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	slots := make([]int, 0, maxSlots)
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), DirPrefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), DirPrefix))
		if err != nil || n < 1 || n > maxSlots {
			continue
		}
		slots = append(slots, n)
	}
	slices.Sort(slots)
	return slots, nil
}

// ring remembers the last slot handed out so the next call continues the cycle.
type ring struct {
	last int
}

// next returns the smallest present slot after the last one, wrapping around.
// present must be sorted and non-empty.
func (r *ring) next(present []int) int {
	for _, n := range present {
		if n > r.last {
			r.last = n
			return n
		}
	}
	r.last = present[0]
	return r.last
}

func randomString(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = randAlphabet[rand.IntN(len(randAlphabet))]
	}
	return string(b)
}
