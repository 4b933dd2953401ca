package cdp

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-json-experiment/json/jsontext"
	"github.com/gobwas/glob"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/browser-fleet/internal/metrics"
)

const (
	defaultEventBuffer = 1024
	dropLogInterval    = 5 * time.Second
)

// Event is an unsolicited protocol message such as "Page.loadEventFired".
type Event struct {
	Channel   Channel
	Method    string
	SessionID string
	Params    jsontext.Value
}

// Handler receives events. Handlers run on the dispatcher goroutine, so a
// slow handler delays other events but never a pending call.
type Handler func(Event)

type subscription struct {
	id      int64
	pattern glob.Glob
	handler Handler
}

// dispatcher fans events out to subscribers from a single background
// goroutine. emit never blocks; when the buffer is full the event is
// dropped and a rate-limited warning is logged.
type dispatcher struct {
	events     chan Event
	stopCh     chan struct{}
	doneCh     chan struct{}
	logger     *zap.Logger
	dropLog    *rate.Sometimes
	dropped    atomic.Int64
	droppedAll atomic.Int64
	closed     atomic.Bool
	closeOnce  sync.Once

	mu     sync.RWMutex
	subs   []*subscription
	nextID int64
}

func newDispatcher(bufferSize int, logger *zap.Logger) *dispatcher {
	if bufferSize <= 0 {
		bufferSize = defaultEventBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &dispatcher{
		events:  make(chan Event, bufferSize),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		logger:  logger,
		dropLog: &rate.Sometimes{First: 1, Interval: dropLogInterval},
	}
	go d.run()
	return d
}

// subscribe registers h for every event whose method matches pattern.
// Patterns use '.' as the segment separator, so "Page.*" matches all Page
// events and "**" matches everything.
func (d *dispatcher) subscribe(pattern string, h Handler) (func(), error) {
	if h == nil {
		return nil, fmt.Errorf("subscribe %q: nil handler", pattern)
	}
	g, err := glob.Compile(pattern, '.')
	if err != nil {
		return nil, fmt.Errorf("subscribe %q: %w", pattern, err)
	}
	d.mu.Lock()
	d.nextID++
	sub := &subscription{id: d.nextID, pattern: g, handler: h}
	d.subs = append(d.subs, sub)
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { d.unsubscribe(sub.id) })
	}, nil
}

func (d *dispatcher) unsubscribe(id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, s := range d.subs {
		if s.id == id {
			d.subs = append(d.subs[:i:i], d.subs[i+1:]...)
			return
		}
	}
}

func (d *dispatcher) emit(evt Event) {
	if d.closed.Load() {
		return
	}
	select {
	case d.events <- evt:
		metrics.ObserveEvent("queued")
	default:
		metrics.ObserveEvent("dropped")
		d.droppedAll.Add(1)
		d.dropped.Add(1)
		d.dropLog.Do(func() {
			count := d.dropped.Swap(0)
			d.logger.Warn("protocol events dropped due to backpressure", zap.Int64("dropped", count))
		})
	}
}

// stop ends intake. Events already buffered are still delivered.
func (d *dispatcher) stop() {
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.stopCh)
	})
}

// wait blocks until the dispatcher goroutine exits or ctx expires.
func (d *dispatcher) wait(ctx context.Context) error {
	select {
	case <-d.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event dispatcher close wait: %w", ctx.Err())
	}
}

func (d *dispatcher) run() {
	defer close(d.doneCh)
	for {
		select {
		case evt := <-d.events:
			d.deliver(evt)
		case <-d.stopCh:
			for {
				select {
				case evt := <-d.events:
					d.deliver(evt)
				default:
					return
				}
			}
		}
	}
}

func (d *dispatcher) deliver(evt Event) {
	d.mu.RLock()
	matched := make([]*subscription, 0, len(d.subs))
	for _, s := range d.subs {
		if s.pattern.Match(evt.Method) {
			matched = append(matched, s)
		}
	}
	d.mu.RUnlock()

	for _, s := range matched {
		d.call(s, evt)
	}
}

func (d *dispatcher) call(s *subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event handler panicked", zap.String("method", evt.Method), zap.Any("panic", r))
		}
	}()
	s.handler(evt)
}
