// Package fleet runs page fetches on a pool of profile-bound browsers and
// serializes fleet maintenance against them through the scheduler.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/browser-fleet/internal/clock/system"
	"github.com/JakeFAU/browser-fleet/internal/id/uuid"
	"github.com/JakeFAU/browser-fleet/internal/metrics"
	"github.com/JakeFAU/browser-fleet/internal/profile"
	"github.com/JakeFAU/browser-fleet/internal/scheduler"
	"github.com/JakeFAU/browser-fleet/internal/storage/local"
	"github.com/JakeFAU/browser-fleet/internal/telemetry"
)

const (
	defaultNavigationTimeout = 30 * time.Second
	defaultMaxIdle           = 10 * time.Minute
	defaultResultCapacity    = 1024
)

// Driver is a running browser bound to one profile.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	OuterHTML(ctx context.Context) (string, error)
	IsOpen() bool
	IdleFor() time.Duration
	Close() error
}

// Launcher starts a Driver on a profile lease.
type Launcher interface {
	Launch(ctx context.Context, lease profile.Lease) (Driver, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, lease profile.Lease) (Driver, error)

// Launch calls f.
func (f LauncherFunc) Launch(ctx context.Context, lease profile.Lease) (Driver, error) {
	return f(ctx, lease)
}

// Allocator is the subset of the profile allocator the fleet uses.
type Allocator interface {
	NextSequential(ctx context.Context, group string, fp profile.Fingerprint, maxSlots int) (profile.Lease, error)
	NextRandom(ctx context.Context, group, browserKind string) (profile.Lease, error)
	Permanent(browserKind string, which profile.Permanent) (profile.Lease, error)
	Reclaim(ctx context.Context, expiry time.Duration, keepRecent int) (profile.ReclaimReport, error)
}

// Limiter paces navigations per host. Prune drops hosts idle for at least
// the given duration.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
	Prune(idle time.Duration) int
}

// Clock times maintenance runs.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// PageSink persists fetched documents.
type PageSink interface {
	StorePage(ctx context.Context, rawURL string, html []byte) (local.Page, error)
}

// Config tunes the fleet.
//   - Mode: ModeSequential rotates through MaxSlots pooled profiles,
//     ModeRandom launches every fetch in a fresh temporary profile that is
//     closed afterwards and later reclaimed, ModePermanent reuses the
//     profile named by Permanent.
type Config struct {
	Group             string
	Fingerprint       profile.Fingerprint
	Mode              profile.Mode
	Permanent         profile.Permanent
	MaxSlots          int
	NavigationTimeout time.Duration
	MaxIdle           time.Duration
	TempExpiry        time.Duration
	KeepRecent        int
	// ResultCapacity bounds how many fetch results are kept for lookup.
	ResultCapacity int
}

// Deps are the collaborators a Service needs.
type Deps struct {
	Scheduler *scheduler.Scheduler
	Allocator Allocator
	Launcher  Launcher
	Limiter   Limiter
	Sink      PageSink
	Logger    *zap.Logger
	// Clock defaults to the system clock.
	Clock Clock
	// Tracer defaults to the global fleet tracer.
	Tracer trace.Tracer
}

// MaintenanceReport summarizes one rotate or maintain run.
type MaintenanceReport struct {
	Kind      string                `json:"kind"`
	Closed    int                   `json:"closed_drivers"`
	Pruned    int                   `json:"pruned_hosts"`
	Reclaim   profile.ReclaimReport `json:"reclaim"`
	Finished  time.Time             `json:"finished_at"`
	ReclaimOK bool                  `json:"reclaim_ok"`
}

// Stats is a snapshot of the fleet.
type Stats struct {
	Scheduler       scheduler.Stats    `json:"scheduler"`
	Drivers         int                `json:"drivers"`
	LastMaintenance *MaintenanceReport `json:"last_maintenance,omitempty"`
}

// slot is one profile's driver. sem admits one fetch at a time; mu guards
// the driver field for readers that do not hold sem.
type slot struct {
	sem *semaphore.Weighted

	mu     sync.Mutex
	driver Driver
}

func (sl *slot) get() Driver {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.driver
}

func (sl *slot) set(d Driver) {
	sl.mu.Lock()
	sl.driver = d
	sl.mu.Unlock()
}

// Service owns the drivers and submits all work through the scheduler.
type Service struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
	tracer trace.Tracer
	clock  Clock
	ids    *uuid.Generator

	mu    sync.Mutex
	slots map[string]*slot

	resultsMu   sync.Mutex
	results     map[string]local.Page
	resultOrder []string
	last        *MaintenanceReport
}

// New validates deps and fills config defaults.
func New(cfg Config, deps Deps) (*Service, error) {
	switch {
	case deps.Scheduler == nil:
		return nil, errors.New("fleet requires a scheduler")
	case deps.Allocator == nil:
		return nil, errors.New("fleet requires a profile allocator")
	case deps.Launcher == nil:
		return nil, errors.New("fleet requires a launcher")
	case deps.Sink == nil:
		return nil, errors.New("fleet requires a page sink")
	}
	if cfg.Group == "" {
		cfg.Group = "default"
	}
	if cfg.Fingerprint.BrowserKind == "" {
		cfg.Fingerprint.BrowserKind = "chrome"
	}
	switch cfg.Mode {
	case profile.ModeSequential, profile.ModeRandom, profile.ModePermanent:
	default:
		return nil, fmt.Errorf("unsupported profile mode %d", cfg.Mode)
	}
	if cfg.MaxSlots <= 0 {
		cfg.MaxSlots = 10
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = defaultMaxIdle
	}
	if cfg.TempExpiry <= 0 {
		cfg.TempExpiry = profile.DefaultTempExpiry
	}
	if cfg.KeepRecent < 0 {
		cfg.KeepRecent = 0
	}
	if cfg.ResultCapacity <= 0 {
		cfg.ResultCapacity = defaultResultCapacity
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = telemetry.Tracer()
	}
	var clock Clock = system.New()
	if deps.Clock != nil {
		clock = deps.Clock
	}
	return &Service{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.With(zap.String("component", "fleet")),
		tracer:  tracer,
		clock:   clock,
		ids:     uuid.New(),
		slots:   make(map[string]*slot),
		results: make(map[string]local.Page),
	}, nil
}

// Fetch queues a Normal task that loads rawURL in a pooled browser and
// stores its HTML. The returned handle tracks the task.
func (s *Service) Fetch(rawURL string, priority int) (*scheduler.Handle, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	id, err := s.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate task id: %w", err)
	}
	h, err := s.deps.Scheduler.Submit(scheduler.Task{
		ID:       id,
		Name:     "fetch " + rawURL,
		Priority: priority,
		Run: func(ctx context.Context) error {
			return s.fetch(ctx, id, rawURL)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("submit fetch: %w", err)
	}
	return h, nil
}

// Result returns the stored page for a completed fetch task.
func (s *Service) Result(taskID string) (local.Page, bool) {
	s.resultsMu.Lock()
	defer s.resultsMu.Unlock()
	p, ok := s.results[taskID]
	return p, ok
}

func (s *Service) fetch(ctx context.Context, taskID, rawURL string) error {
	ctx, span := s.tracer.Start(ctx, "fleet.fetch", trace.WithAttributes(
		attribute.String("task.id", taskID),
		attribute.String("url.full", rawURL),
	))
	defer span.End()

	site := metrics.SanitizeSite(rawURL)
	page, err := s.fetchPage(ctx, rawURL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.ObserveFetch(site, "error", 0)
		return err
	}
	span.SetAttributes(attribute.Int("page.bytes", page.Bytes), attribute.String("page.path", page.Path))
	metrics.ObserveFetch(site, "ok", page.Bytes)
	s.record(taskID, page)
	s.logger.Debug("page stored",
		zap.String("task_id", taskID),
		zap.String("url", rawURL),
		zap.String("path", page.Path),
		zap.Int("bytes", page.Bytes),
	)
	return nil
}

func (s *Service) fetchPage(ctx context.Context, rawURL string) (local.Page, error) {
	lease, err := s.lease(ctx)
	if err != nil {
		return local.Page{}, fmt.Errorf("allocate profile: %w", err)
	}
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("profile.path", lease.Path),
		attribute.String("profile.mode", lease.Mode.String()),
	)

	if lease.Mode == profile.ModeRandom {
		return s.fetchOnce(ctx, lease, rawURL)
	}

	sl := s.slotFor(lease.Path)
	if err := sl.sem.Acquire(ctx, 1); err != nil {
		return local.Page{}, fmt.Errorf("wait for profile %s: %w", lease.Path, err)
	}
	defer sl.sem.Release(1)

	drv, err := s.driverFor(ctx, sl, lease)
	if err != nil {
		return local.Page{}, err
	}
	html, err := s.load(ctx, drv, rawURL)
	if err != nil {
		s.dropIfDead(sl)
		return local.Page{}, err
	}
	return s.store(ctx, rawURL, html)
}

func (s *Service) lease(ctx context.Context) (profile.Lease, error) {
	switch s.cfg.Mode {
	case profile.ModeRandom:
		return s.deps.Allocator.NextRandom(ctx, s.cfg.Group, s.cfg.Fingerprint.BrowserKind)
	case profile.ModePermanent:
		return s.deps.Allocator.Permanent(s.cfg.Fingerprint.BrowserKind, s.cfg.Permanent)
	default:
		return s.deps.Allocator.NextSequential(ctx, s.cfg.Group, s.cfg.Fingerprint, s.cfg.MaxSlots)
	}
}

// fetchOnce runs a fetch in a browser that lives only for this call. Closing
// it removes the port sentinel so the profile becomes reclaimable.
func (s *Service) fetchOnce(ctx context.Context, lease profile.Lease, rawURL string) (local.Page, error) {
	drv, err := s.deps.Launcher.Launch(ctx, lease)
	if err != nil {
		return local.Page{}, fmt.Errorf("launch browser on %s: %w", lease.Path, err)
	}
	defer func() {
		if err := drv.Close(); err != nil {
			s.logger.Warn("close temporary driver", zap.String("path", lease.Path), zap.Error(err))
		}
	}()
	html, err := s.load(ctx, drv, rawURL)
	if err != nil {
		return local.Page{}, err
	}
	return s.store(ctx, rawURL, html)
}

func (s *Service) load(ctx context.Context, drv Driver, rawURL string) (string, error) {
	if s.deps.Limiter != nil {
		if err := s.deps.Limiter.Wait(ctx, rawURL); err != nil {
			return "", err
		}
	}
	navCtx, cancel := context.WithTimeout(ctx, s.cfg.NavigationTimeout)
	defer cancel()
	if err := drv.Navigate(navCtx, rawURL); err != nil {
		return "", err
	}
	return drv.OuterHTML(navCtx)
}

func (s *Service) store(ctx context.Context, rawURL, html string) (local.Page, error) {
	page, err := s.deps.Sink.StorePage(ctx, rawURL, []byte(html))
	if err != nil {
		return local.Page{}, fmt.Errorf("store page: %w", err)
	}
	return page, nil
}

func (s *Service) slotFor(path string) *slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[path]
	if !ok {
		sl = &slot{sem: semaphore.NewWeighted(1)}
		s.slots[path] = sl
	}
	return sl
}

// driverFor returns the slot's open driver, launching one if needed. The
// caller holds the slot semaphore.
func (s *Service) driverFor(ctx context.Context, sl *slot, lease profile.Lease) (Driver, error) {
	if drv := sl.get(); drv != nil {
		if drv.IsOpen() {
			return drv, nil
		}
		s.dropIfDead(sl)
	}
	drv, err := s.deps.Launcher.Launch(ctx, lease)
	if err != nil {
		return nil, fmt.Errorf("launch browser on %s: %w", lease.Path, err)
	}
	sl.set(drv)
	return drv, nil
}

func (s *Service) dropIfDead(sl *slot) {
	drv := sl.get()
	if drv == nil || drv.IsOpen() {
		return
	}
	sl.set(nil)
	if err := drv.Close(); err != nil {
		s.logger.Warn("close dead driver", zap.Error(err))
	}
}

func (s *Service) record(taskID string, page local.Page) {
	s.resultsMu.Lock()
	defer s.resultsMu.Unlock()
	s.results[taskID] = page
	s.resultOrder = append(s.resultOrder, taskID)
	for len(s.resultOrder) > s.cfg.ResultCapacity {
		delete(s.results, s.resultOrder[0])
		s.resultOrder = s.resultOrder[1:]
	}
}

// Drivers reports how many browsers are currently held.
func (s *Service) Drivers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sl := range s.slots {
		if sl.get() != nil {
			n++
		}
	}
	return n
}

// Stats returns a snapshot of scheduler and driver state.
func (s *Service) Stats() Stats {
	st := Stats{
		Scheduler: s.deps.Scheduler.Stats(),
		Drivers:   s.Drivers(),
	}
	s.resultsMu.Lock()
	if s.last != nil {
		last := *s.last
		st.LastMaintenance = &last
	}
	s.resultsMu.Unlock()
	return st
}

// Close closes every driver. Call it after the scheduler has shut down.
func (s *Service) Close() error {
	_, err := s.closeDrivers(func(Driver) bool { return true })
	return err
}

func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("url has no host")
	}
	return nil
}
