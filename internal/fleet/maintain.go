package fleet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/browser-fleet/internal/scheduler"
)

// Maintenance kinds.
const (
	KindRotate   = "rotate"
	KindMaintain = "maintain"
)

// ErrUnknownKind is returned for maintenance kinds other than rotate and maintain.
var ErrUnknownKind = errors.New("unknown maintenance kind")

// RotateProfiles submits a Management task that closes every driver and
// sweeps expired temporary profiles. It returns once the task is queued,
// which is after all running fetches have stopped.
func (s *Service) RotateProfiles(ctx context.Context) (*scheduler.Handle, error) {
	return s.submitMaintenance(ctx, KindRotate, func(Driver) bool { return true })
}

// Maintain submits a Management task that closes drivers idle longer than
// MaxIdle or whose connection has dropped, forgets rate limits of hosts
// idle as long, then sweeps expired profiles.
func (s *Service) Maintain(ctx context.Context) (*scheduler.Handle, error) {
	maxIdle := s.cfg.MaxIdle
	return s.submitMaintenance(ctx, KindMaintain, func(d Driver) bool {
		return !d.IsOpen() || d.IdleFor() > maxIdle
	})
}

// Trigger dispatches a maintenance kind by name.
func (s *Service) Trigger(ctx context.Context, kind string) (*scheduler.Handle, error) {
	switch kind {
	case KindRotate:
		return s.RotateProfiles(ctx)
	case KindMaintain:
		return s.Maintain(ctx)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// Run triggers Maintain every interval until ctx ends. A non-positive
// interval returns immediately.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h, err := s.Maintain(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("schedule maintenance", zap.Error(err))
				}
				continue
			}
			if err := h.Wait(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("maintenance failed", zap.String("task_id", h.ID()), zap.Error(err))
			}
		}
	}
}

func (s *Service) submitMaintenance(ctx context.Context, kind string, shouldClose func(Driver) bool) (*scheduler.Handle, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate task id: %w", err)
	}
	h, err := s.deps.Scheduler.SubmitManagement(ctx, scheduler.Task{
		ID:   id,
		Name: kind,
		Run: func(ctx context.Context) error {
			return s.maintain(ctx, kind, shouldClose)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("submit %s: %w", kind, err)
	}
	return h, nil
}

func (s *Service) maintain(ctx context.Context, kind string, shouldClose func(Driver) bool) (err error) {
	ctx, span := s.tracer.Start(ctx, "fleet.maintenance", trace.WithAttributes(attribute.String("maintenance.kind", kind)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	start := s.clock.Now()
	s.logger.Info("maintenance started", zap.String("kind", kind), zap.Int("drivers", s.Drivers()))

	closed, closeErr := s.closeDrivers(shouldClose)
	report := MaintenanceReport{Kind: kind, Closed: closed}
	if s.deps.Limiter != nil {
		report.Pruned = s.deps.Limiter.Prune(s.cfg.MaxIdle)
	}

	rep, reclaimErr := s.deps.Allocator.Reclaim(ctx, s.cfg.TempExpiry, s.cfg.KeepRecent)
	report.Reclaim = rep
	report.ReclaimOK = reclaimErr == nil
	report.Finished = s.clock.Now()

	s.resultsMu.Lock()
	s.last = &report
	s.resultsMu.Unlock()

	span.SetAttributes(
		attribute.Int("drivers.closed", closed),
		attribute.Int("profiles.reclaimed", rep.Deleted),
	)
	s.logger.Info("maintenance finished",
		zap.String("kind", kind),
		zap.Int("closed", closed),
		zap.Int("reclaimed", rep.Deleted),
		zap.Int("pruned_hosts", report.Pruned),
		zap.Duration("elapsed", s.clock.Since(start)),
	)
	if reclaimErr != nil {
		reclaimErr = fmt.Errorf("reclaim profiles: %w", reclaimErr)
	}
	return errors.Join(closeErr, reclaimErr)
}

// closeDrivers closes drivers matching pred whose slot is not in use.
func (s *Service) closeDrivers(pred func(Driver) bool) (int, error) {
	s.mu.Lock()
	slots := make([]*slot, 0, len(s.slots))
	for _, sl := range s.slots {
		slots = append(slots, sl)
	}
	s.mu.Unlock()

	var (
		closed int
		errs   []error
	)
	for _, sl := range slots {
		if !sl.sem.TryAcquire(1) {
			continue
		}
		drv := sl.get()
		if drv != nil && pred(drv) {
			sl.set(nil)
			if err := drv.Close(); err != nil {
				errs = append(errs, err)
			}
			closed++
		}
		sl.sem.Release(1)
	}
	return closed, errors.Join(errs...)
}
