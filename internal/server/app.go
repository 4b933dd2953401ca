// Package server assembles the fleet and serves its HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/browser-fleet/internal/api"
	"github.com/JakeFAU/browser-fleet/internal/browser"
	"github.com/JakeFAU/browser-fleet/internal/cdp"
	"github.com/JakeFAU/browser-fleet/internal/clock/system"
	"github.com/JakeFAU/browser-fleet/internal/config"
	"github.com/JakeFAU/browser-fleet/internal/fleet"
	"github.com/JakeFAU/browser-fleet/internal/id/uuid"
	"github.com/JakeFAU/browser-fleet/internal/policy/ratelimit"
	"github.com/JakeFAU/browser-fleet/internal/profile"
	"github.com/JakeFAU/browser-fleet/internal/scheduler"
	"github.com/JakeFAU/browser-fleet/internal/storage/local"
	"github.com/JakeFAU/browser-fleet/internal/telemetry"
)

const (
	defaultShutdownTimeout = 15 * time.Second
	serviceName            = "browser-fleet"
)

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	scheduler *scheduler.Scheduler
	fleet     *fleet.Service
	apiServer *api.Server
	tracer    *sdktrace.TracerProvider
}

// Build creates the application's dependencies.
func Build(cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("profile_root", cfg.Profile.Root),
		zap.String("group", cfg.Profile.Group),
	)

	alloc, err := profile.New(profile.Config{
		Root:               cfg.Profile.Root,
		BrowserKinds:       []string{cfg.Profile.BrowserKind},
		LockRetries:        cfg.Profile.LockRetries,
		LockWait:           cfg.Profile.LockWait,
		LockBackoff:        cfg.Profile.LockBackoff,
		VerifyLauncherDead: cfg.Profile.VerifyLauncherDead,
	}, profile.WithClock(system.New()), profile.WithLogger(logger.Named("profile")))
	if err != nil {
		return nil, fmt.Errorf("profile allocator init failed: %w", err)
	}

	launcher, err := browser.NewLauncher(browser.Config{
		ExecPath:       cfg.Browser.ExecPath,
		Headless:       cfg.Browser.Headless,
		UserAgent:      cfg.Browser.UserAgent,
		StartupTimeout: cfg.Browser.StartupTimeout,
		CDP: cdp.Config{
			ReadTimeout:       cfg.CDP.ReadTimeout,
			EventBuffer:       cfg.CDP.EventBuffer,
			CloseDrainTimeout: cfg.CDP.CloseDrainTimeout,
			Logger:            logger.Named("cdp"),
		},
	}, alloc, browser.WithLogger(logger.Named("browser")))
	if err != nil {
		return nil, fmt.Errorf("launcher init failed: %w", err)
	}

	mode, permanent, err := profile.ParseMode(cfg.Profile.Mode)
	if err != nil {
		return nil, err
	}

	sink, err := local.New(local.Config{BaseDir: cfg.Fetch.OutputDir})
	if err != nil {
		return nil, fmt.Errorf("page store init failed: %w", err)
	}

	tp, err := telemetry.InitTracerProvider(context.Background(), serviceName)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	sched := scheduler.New(scheduler.Config{
		PollInterval:   cfg.Scheduler.PollInterval,
		MaxConcurrency: cfg.Scheduler.MaxConcurrency,
		Retention:      cfg.Scheduler.Retention,
		IDs:            uuid.New(),
		Clock:          system.New(),
		Logger:         logger.Named("scheduler"),
	})

	svc, err := fleet.New(fleet.Config{
		Group:             cfg.Profile.Group,
		Fingerprint:       profile.Fingerprint{BrowserKind: cfg.Profile.BrowserKind, UserAgent: cfg.Browser.UserAgent},
		Mode:              mode,
		Permanent:         permanent,
		MaxSlots:          cfg.Profile.MaxSlots,
		NavigationTimeout: cfg.Fetch.NavigationTimeout,
		MaxIdle:           cfg.Browser.MaxIdle,
		TempExpiry:        cfg.Profile.TempExpiry,
		KeepRecent:        cfg.Profile.KeepRecent,
	}, fleet.Deps{
		Scheduler: sched,
		Allocator: alloc,
		Launcher: fleet.LauncherFunc(func(ctx context.Context, lease profile.Lease) (fleet.Driver, error) {
			d, err := launcher.Launch(ctx, lease)
			if err != nil {
				return nil, err
			}
			return d, nil
		}),
		Limiter: ratelimit.New(ratelimit.Config{DefaultRPS: cfg.Fetch.RatePerHost, DefaultBurst: cfg.Fetch.Burst}),
		Sink:    sink,
		Logger:  logger.Named("fleet"),
		Clock:   system.New(),
		Tracer:  tp.Tracer(telemetry.InstrumentationName),
	})
	if err != nil {
		shutdownQuietly(sched)
		_ = tp.Shutdown(context.Background())
		return nil, fmt.Errorf("fleet init failed: %w", err)
	}

	apiServer := api.NewServer(svc, sched, cfg, logger.Named("api"), api.WithReadiness(func() error {
		if sched.Closed() {
			return scheduler.ErrClosed
		}
		return nil
	}))

	return &App{
		cfg:       cfg,
		logger:    logger,
		scheduler: sched,
		fleet:     svc,
		apiServer: apiServer,
		tracer:    tp,
	}, nil
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		a.logger.Info("maintenance loop started", zap.Duration("interval", a.cfg.Maintenance.Interval))
		a.fleet.Run(ctx, a.cfg.Maintenance.Interval)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// Close stops the scheduler, then closes every browser.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.scheduler.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("scheduler shutdown: %w", err))
	}
	if err := a.fleet.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close drivers: %w", err))
	}
	if err := a.tracer.Shutdown(ctx); err != nil {
		a.logger.Warn("tracer shutdown failed", zap.Error(err))
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func shutdownQuietly(s *scheduler.Scheduler) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.Shutdown(ctx)
}
