package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Class separates ordinary fetch work from fleet maintenance.
type Class int

// Task classes.
const (
	Normal Class = iota
	Management
)

func (c Class) String() string {
	switch c {
	case Normal:
		return "normal"
	case Management:
		return "management"
	default:
		return "unknown"
	}
}

// Status is a task's position in its lifecycle.
type Status int32

// Task statuses. A Management task reports Preparing while normal work drains.
const (
	StatusQueued Status = iota
	StatusPreparing
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusPreparing:
		return "preparing"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Func is the body of a task. It must return promptly once ctx is cancelled.
type Func func(ctx context.Context) error

// Task describes a unit of work to submit.
type Task struct {
	// ID is optional; one is generated when empty.
	ID       string
	Name     string
	Priority int
	Run      Func
}

// Info is a point-in-time view of a task, suitable for JSON responses.
type Info struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Class     string    `json:"class"`
	Priority  int       `json:"priority"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Submitted time.Time `json:"submitted_at"`
	Started   time.Time `json:"started_at,omitzero"`
	Finished  time.Time `json:"finished_at,omitzero"`
}

// Handle tracks one submitted task.
type Handle struct {
	id        string
	name      string
	class     Class
	priority  int
	seq       uint64
	submitted time.Time
	run       Func

	status atomic.Int32
	done   chan struct{}

	mu       sync.Mutex
	err      error
	cancel   context.CancelFunc
	started  time.Time
	finished time.Time
}

func newHandle(t Task, class Class, seq uint64, now time.Time) *Handle {
	h := &Handle{
		id:        t.ID,
		name:      t.Name,
		class:     class,
		priority:  t.Priority,
		seq:       seq,
		submitted: now,
		run:       t.Run,
		done:      make(chan struct{}),
	}
	h.status.Store(int32(StatusQueued))
	return h
}

// ID returns the task id.
func (h *Handle) ID() string { return h.id }

// Name returns the display name.
func (h *Handle) Name() string { return h.name }

// Class returns Normal or Management.
func (h *Handle) Class() Class { return h.class }

// Status returns the current status.
func (h *Handle) Status() Status { return Status(h.status.Load()) }

// Done is closed once the task reaches a terminal status.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the task's error after Done is closed.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Wait blocks until the task finishes or ctx ends and returns the task error.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Info returns a snapshot of the task.
func (h *Handle) Info() Info {
	h.mu.Lock()
	defer h.mu.Unlock()
	info := Info{
		ID:        h.id,
		Name:      h.name,
		Class:     h.class.String(),
		Priority:  h.priority,
		Status:    h.Status().String(),
		Submitted: h.submitted,
		Started:   h.started,
		Finished:  h.finished,
	}
	if h.err != nil {
		info.Error = h.err.Error()
	}
	return info
}

func (h *Handle) setStatus(s Status) {
	h.status.Store(int32(s))
}

// requestCancel cancels a running task's context. It is a no-op before start.
func (h *Handle) requestCancel() {
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (h *Handle) start(cancel context.CancelFunc, now time.Time) {
	h.mu.Lock()
	h.cancel = cancel
	h.started = now
	h.mu.Unlock()
	h.setStatus(StatusRunning)
}

// settle records the terminal status. Done stays open until release so the
// scheduler can drop its bookkeeping in between.
func (h *Handle) settle(status Status, err error, now time.Time) {
	h.mu.Lock()
	h.err = err
	h.finished = now
	cancel := h.cancel
	h.cancel = nil
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	h.setStatus(status)
}

func (h *Handle) release() {
	close(h.done)
}

func (h *Handle) finish(status Status, err error, now time.Time) {
	h.settle(status, err, now)
	h.release()
}
