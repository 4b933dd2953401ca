// Package scheduler runs fetch work with priority preemption: a Management
// task cancels and drains every running Normal task, runs alone, and then
// lets Normal work resume.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/browser-fleet/internal/clock/system"
	"github.com/JakeFAU/browser-fleet/internal/id/uuid"
	"github.com/JakeFAU/browser-fleet/internal/metrics"
)

var (
	// ErrClosed is returned for submissions after Shutdown, and set on tasks
	// that were still queued when it ran.
	ErrClosed = errors.New("scheduler closed")
	// ErrCancelled is set on tasks whose context was cancelled, for example
	// Normal tasks preempted by a Management task.
	ErrCancelled = errors.New("task cancelled")
)

const (
	defaultPollInterval   = 10 * time.Millisecond
	defaultMaxConcurrency = 8
	defaultRetention      = 10000
)

// IDGenerator produces task ids.
type IDGenerator interface {
	NewID() (string, error)
}

// Clock stamps submission and completion times and times drains.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// Config controls admission and bookkeeping.
//   - PollInterval: how often drain and admission predicates are rechecked (default 10ms).
//   - MaxConcurrency: bound on concurrently running Normal tasks (default 8).
//   - Retention: number of finished tasks kept for lookup (default 10000).
type Config struct {
	PollInterval   time.Duration
	MaxConcurrency int
	Retention      int
	IDs            IDGenerator
	Clock          Clock
	Logger         *zap.Logger
}

// Stats counts tasks per class and state.
type Stats struct {
	PendingNormal     int `json:"pending_normal"`
	RunningNormal     int `json:"running_normal"`
	PendingManagement int `json:"pending_management"`
	RunningManagement int `json:"running_management"`
	Preparing         int `json:"preparing"`
}

// Scheduler admits Normal tasks concurrently and Management tasks exclusively.
type Scheduler struct {
	cfg    Config
	logger *zap.Logger
	slots  *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}
	normal sync.WaitGroup

	// mu guards every field below; admission decisions and registration in
	// running happen in one critical section.
	mu                sync.Mutex
	queue             taskQueue
	seq               uint64
	running           map[string]*Handle
	preparing         int
	pendingManagement int
	managementRunning bool
	closed            bool
	tasks             map[string]*Handle
	finished          []string
}

// New starts a Scheduler's dispatcher goroutine.
func New(cfg Config) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaultMaxConcurrency
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.IDs == nil {
		cfg.IDs = uuid.New()
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:     cfg,
		logger:  logger,
		slots:   semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		ctx:     ctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		running: make(map[string]*Handle),
		tasks:   make(map[string]*Handle),
	}
	go s.dispatch()
	return s
}

// Submit enqueues a Normal task. It never blocks.
func (s *Scheduler) Submit(t Task) (*Handle, error) {
	h, err := s.newHandle(t, Normal)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.track(h)
	s.queue.push(h)
	s.publishLocked()
	s.mu.Unlock()
	s.signal()
	s.logger.Debug("normal task queued", zap.String("task_id", h.id), zap.String("name", h.name))
	return h, nil
}

// SubmitManagement cancels every running Normal task, waits until none is
// running, and only then enqueues t ahead of all Normal work. While it waits
// no Normal task is admitted. It returns once t is queued; use the Handle to
// wait for t itself.
func (s *Scheduler) SubmitManagement(ctx context.Context, t Task) (*Handle, error) {
	h, err := s.newHandle(t, Management)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.track(h)
	h.setStatus(StatusPreparing)
	s.preparing++
	victims := make([]*Handle, 0, len(s.running))
	for _, r := range s.running {
		if r.class == Normal {
			victims = append(victims, r)
		}
	}
	s.publishLocked()
	s.mu.Unlock()

	s.logger.Info("management task preparing",
		zap.String("task_id", h.id),
		zap.String("name", h.name),
		zap.Int("preempting", len(victims)),
	)
	for _, v := range victims {
		v.requestCancel()
	}

	start := s.cfg.Clock.Now()
	if err := s.pollUntil(ctx, func() bool { return s.runningNormal() == 0 }); err != nil {
		s.mu.Lock()
		s.preparing--
		s.publishLocked()
		s.mu.Unlock()
		h.finish(StatusCancelled, fmt.Errorf("%w: %w", ErrCancelled, err), s.cfg.Clock.Now())
		s.retire(h)
		return nil, fmt.Errorf("drain normal tasks: %w", err)
	}
	metrics.ObserveDrain(s.cfg.Clock.Since(start))

	s.mu.Lock()
	if s.closed {
		s.preparing--
		s.mu.Unlock()
		h.finish(StatusCancelled, ErrClosed, s.cfg.Clock.Now())
		s.retire(h)
		return nil, ErrClosed
	}
	h.setStatus(StatusQueued)
	s.queue.push(h)
	s.pendingManagement++
	s.preparing--
	s.publishLocked()
	s.mu.Unlock()
	s.signal()
	return h, nil
}

// Preempt runs fn as a Management task and waits for it to finish.
func (s *Scheduler) Preempt(ctx context.Context, name string, fn Func) error {
	h, err := s.SubmitManagement(ctx, Task{Name: name, Run: fn})
	if err != nil {
		return err
	}
	return h.Wait(ctx)
}

// Lookup returns the handle for id, if it is still retained.
func (s *Scheduler) Lookup(id string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.tasks[id]
	return h, ok
}

// Stats returns current queue and running counts.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsLocked()
}

// Closed reports whether Shutdown has been called.
func (s *Scheduler) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Shutdown stops the dispatcher, cancels running tasks cooperatively, and
// marks queued tasks cancelled with ErrClosed. It waits for running tasks to
// return or ctx to end.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s.wait(ctx)
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	err := s.wait(ctx)

	s.mu.Lock()
	var orphans []*Handle
	for h := s.queue.pop(); h != nil; h = s.queue.pop() {
		orphans = append(orphans, h)
	}
	s.pendingManagement = 0
	s.publishLocked()
	s.mu.Unlock()
	for _, h := range orphans {
		h.finish(StatusCancelled, ErrClosed, s.cfg.Clock.Now())
		s.retire(h)
	}
	return err
}

func (s *Scheduler) wait(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		<-s.done
		s.normal.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler shutdown wait: %w", ctx.Err())
	}
}

func (s *Scheduler) dispatch() {
	defer close(s.done)
	for {
		h, ok := s.next()
		if !ok {
			return
		}
		switch h.class {
		case Management:
			s.runManagement(h)
		case Normal:
			s.startNormal(h)
		}
	}
}

// next blocks until a task is queued or the scheduler shuts down.
func (s *Scheduler) next() (*Handle, bool) {
	for {
		s.mu.Lock()
		h := s.queue.pop()
		s.publishLocked()
		s.mu.Unlock()
		if h != nil {
			return h, true
		}
		select {
		case <-s.wake:
		case <-s.ctx.Done():
			return nil, false
		}
	}
}

// startNormal admits h once no Management task is preparing, queued, or
// running, and a concurrency slot is free. If admission is refused h goes
// back to the queue so a Management task queued behind it runs first.
func (s *Scheduler) startNormal(h *Handle) {
	if err := s.slots.Acquire(s.ctx, 1); err != nil {
		s.requeue(h)
		return
	}
	taskCtx, cancel := context.WithCancel(s.ctx)

	s.mu.Lock()
	if s.closed || s.preparing > 0 || s.pendingManagement > 0 || s.managementRunning {
		s.mu.Unlock()
		cancel()
		s.slots.Release(1)
		s.requeue(h)
		s.sleep(s.cfg.PollInterval)
		return
	}
	h.start(cancel, s.cfg.Clock.Now())
	s.running[h.id] = h
	s.publishLocked()
	s.mu.Unlock()

	s.normal.Add(1)
	go func() {
		defer s.normal.Done()
		defer s.slots.Release(1)
		s.execute(taskCtx, h)
	}()
}

// runManagement waits for normal work to vacate, then runs h inline so the
// dispatcher admits nothing else until it returns.
func (s *Scheduler) runManagement(h *Handle) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			s.requeue(h)
			return
		}
		if s.countRunningLocked(Normal) == 0 {
			s.pendingManagement--
			s.managementRunning = true
			taskCtx, cancel := context.WithCancel(s.ctx)
			h.start(cancel, s.cfg.Clock.Now())
			s.running[h.id] = h
			s.publishLocked()
			s.mu.Unlock()

			s.logger.Info("management task started", zap.String("task_id", h.id), zap.String("name", h.name))
			defer func() {
				s.mu.Lock()
				s.managementRunning = false
				s.publishLocked()
				s.mu.Unlock()
				s.logger.Info("management task finished",
					zap.String("task_id", h.id),
					zap.String("status", h.Status().String()),
				)
			}()
			s.execute(taskCtx, h)
			return
		}
		s.mu.Unlock()
		s.sleep(s.cfg.PollInterval)
	}
}

// execute runs the task body, converts panics into failures, and always
// removes the running entry.
func (s *Scheduler) execute(ctx context.Context, h *Handle) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
		status := StatusCompleted
		switch {
		case err == nil:
		case ctx.Err() != nil || errors.Is(err, context.Canceled):
			status = StatusCancelled
			if !errors.Is(err, ErrCancelled) {
				err = fmt.Errorf("%w: %w", ErrCancelled, err)
			}
		default:
			status = StatusFailed
			s.logger.Error("task failed",
				zap.String("task_id", h.id),
				zap.String("name", h.name),
				zap.String("class", h.class.String()),
				zap.Error(err),
			)
		}

		h.settle(status, err, s.cfg.Clock.Now())
		s.mu.Lock()
		delete(s.running, h.id)
		s.publishLocked()
		s.mu.Unlock()
		h.release()
		metrics.ObserveTask(h.class.String(), status.String())
		s.retire(h)
	}()
	if h.run == nil {
		err = errors.New("task has no body")
		return
	}
	err = h.run(ctx)
}

func (s *Scheduler) requeue(h *Handle) {
	s.mu.Lock()
	if s.closed {
		if h.class == Management {
			s.pendingManagement--
		}
		s.publishLocked()
		s.mu.Unlock()
		h.finish(StatusCancelled, ErrClosed, s.cfg.Clock.Now())
		s.retire(h)
		return
	}
	s.queue.push(h)
	s.publishLocked()
	s.mu.Unlock()
}

func (s *Scheduler) newHandle(t Task, class Class) (*Handle, error) {
	if t.Run == nil {
		return nil, errors.New("task has no body")
	}
	if t.ID == "" {
		id, err := s.cfg.IDs.NewID()
		if err != nil {
			return nil, fmt.Errorf("generate task id: %w", err)
		}
		t.ID = id
	}
	if t.Name == "" {
		t.Name = class.String()
	}
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()
	return newHandle(t, class, seq, s.cfg.Clock.Now()), nil
}

// track records h for Lookup. Callers hold mu.
func (s *Scheduler) track(h *Handle) {
	s.tasks[h.id] = h
}

// retire drops the oldest finished handles once more than Retention are kept.
func (s *Scheduler) retire(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = append(s.finished, h.id)
	for len(s.finished) > s.cfg.Retention {
		delete(s.tasks, s.finished[0])
		s.finished = s.finished[1:]
	}
}

func (s *Scheduler) runningNormal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countRunningLocked(Normal)
}

func (s *Scheduler) countRunningLocked(class Class) int {
	n := 0
	for _, h := range s.running {
		if h.class == class {
			n++
		}
	}
	return n
}

func (s *Scheduler) statsLocked() Stats {
	st := Stats{Preparing: s.preparing}
	for _, h := range s.queue {
		if h.class == Management {
			st.PendingManagement++
		} else {
			st.PendingNormal++
		}
	}
	st.RunningNormal = s.countRunningLocked(Normal)
	st.RunningManagement = s.countRunningLocked(Management)
	return st
}

func (s *Scheduler) publishLocked() {
	st := s.statsLocked()
	metrics.SetSchedulerQueue(Normal.String(), st.PendingNormal, st.RunningNormal)
	metrics.SetSchedulerQueue(Management.String(), st.PendingManagement+st.Preparing, st.RunningManagement)
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) pollUntil(ctx context.Context, cond func() bool) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return ErrClosed
		case <-ticker.C:
		}
	}
	return nil
}

func (s *Scheduler) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-s.ctx.Done():
	}
}
