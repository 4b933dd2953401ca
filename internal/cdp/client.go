// Package cdp is a request/response correlating client for the Chrome
// DevTools Protocol. Commands are matched to replies by id regardless of
// arrival order, and unsolicited events are fanned out to subscribers on a
// separate path that can never stall a pending call.
package cdp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"go.uber.org/zap"

	"github.com/JakeFAU/browser-fleet/internal/metrics"
)

// Channel names one of the two logical message channels.
type Channel string

// Channels. Methods in the Target domain go to the browser channel.
const (
	ChannelBrowser Channel = "browser"
	ChannelPage    Channel = "page"
)

const browserDomainPrefix = "Target."

const (
	defaultReadTimeout       = 30 * time.Second
	defaultCloseDrainTimeout = 5 * time.Second
	drainPollInterval        = 10 * time.Millisecond
)

// State is the connection lifecycle: Open, then Closing, then Closed.
type State int32

// Connection states.
const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config controls timeouts and buffering for a Client.
//   - ReadTimeout: how long Invoke waits for a reply (default 30s).
//   - EventBuffer: size of the event queue before events are dropped (default 1024).
//   - CloseDrainTimeout: how long Close waits for in-flight calls (default 5s).
//   - Logger: optional structured logger.
type Config struct {
	ReadTimeout       time.Duration
	EventBuffer       int
	CloseDrainTimeout time.Duration
	Logger            *zap.Logger
}

// Stats is a snapshot of a client's liveness counters.
type Stats struct {
	State         string    `json:"state"`
	Invocations   int64     `json:"invocations"`
	Timeouts      int64     `json:"timeouts"`
	Pending       int       `json:"pending"`
	DroppedEvents int64     `json:"dropped_events"`
	LastActive    time.Time `json:"last_active"`
}

type request struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type inbound struct {
	ID        int64          `json:"id,omitempty"`
	Method    string         `json:"method,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	Params    jsontext.Value `json:"params,omitempty"`
	Result    jsontext.Value `json:"result,omitempty"`
	Error     *RPCError      `json:"error,omitempty"`
}

type result struct {
	raw jsontext.Value
	err error
}

type pendingCall struct {
	method string
	ch     chan result
}

// Client issues protocol commands over a browser channel and a page channel.
// It is safe for concurrent use.
type Client struct {
	cfg     Config
	browser Conn
	page    Conn
	logger  *zap.Logger
	events  *dispatcher

	state       atomic.Int32
	seq         atomic.Int64
	timeouts    atomic.Int64
	lastActive  atomic.Int64
	inflight    atomic.Int64
	closeOnce   sync.Once
	terminated  chan struct{}
	loopCtx     context.Context
	cancelLoops context.CancelFunc
	readers     sync.WaitGroup

	mu      sync.Mutex
	pending map[int64]*pendingCall
}

// NewClient wraps already connected channels and starts reading from them.
// browser may be nil, in which case every method goes to page.
func NewClient(browser, page Conn, cfg Config) (*Client, error) {
	if page == nil {
		return nil, errors.New("page channel is required")
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.CloseDrainTimeout <= 0 {
		cfg.CloseDrainTimeout = defaultCloseDrainTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		cfg:        cfg,
		browser:    browser,
		page:       page,
		logger:     logger,
		events:     newDispatcher(cfg.EventBuffer, logger),
		terminated: make(chan struct{}),
		pending:    make(map[int64]*pendingCall),
	}
	c.lastActive.Store(time.Now().UnixNano())
	c.loopCtx, c.cancelLoops = context.WithCancel(context.Background())

	c.readers.Add(1)
	go c.readLoop(ChannelPage, page)
	if browser != nil && browser != page {
		c.readers.Add(1)
		go c.readLoop(ChannelBrowser, browser)
	}
	return c, nil
}

// Connect dials the browser-level and page-level websocket endpoints.
func Connect(ctx context.Context, browserURL, pageURL string, cfg Config) (*Client, error) {
	page, err := DialConn(ctx, pageURL)
	if err != nil {
		return nil, fmt.Errorf("connect page channel: %w", err)
	}
	var browser Conn
	if browserURL != "" {
		browser, err = DialConn(ctx, browserURL)
		if err != nil {
			_ = page.Close()
			return nil, fmt.Errorf("connect browser channel: %w", err)
		}
	}
	return NewClient(browser, page, cfg)
}

// Invoke sends method with params and waits for the correlated reply, the
// read timeout, or ctx, whichever comes first. A nil params is omitted.
func (c *Client) Invoke(ctx context.Context, method string, params any) (jsontext.Value, error) {
	if !c.IsOpen() {
		return nil, fmt.Errorf("invoke %s: %w", method, ErrNotOpen)
	}
	channel, conn := c.route(method)

	seq := c.seq.Add(1)
	c.lastActive.Store(time.Now().UnixNano())
	payload, err := json.Marshal(request{ID: seq, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}

	call := &pendingCall{method: method, ch: make(chan result, 1)}
	c.mu.Lock()
	if !c.IsOpen() {
		c.mu.Unlock()
		return nil, fmt.Errorf("invoke %s: %w", method, ErrNotOpen)
	}
	c.pending[seq] = call
	c.mu.Unlock()
	c.inflight.Add(1)
	defer c.inflight.Add(-1)

	start := time.Now()
	if err := conn.Write(ctx, payload); err != nil {
		c.forget(seq)
		metrics.ObserveInvocation(string(channel), method, "send_error", time.Since(start))
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	timer := time.NewTimer(c.cfg.ReadTimeout)
	defer timer.Stop()

	select {
	case res := <-call.ch:
		outcome := "ok"
		if res.err != nil {
			outcome = "error"
		}
		metrics.ObserveInvocation(string(channel), method, outcome, time.Since(start))
		if res.err != nil {
			return nil, fmt.Errorf("invoke %s: %w", method, res.err)
		}
		return res.raw, nil
	case <-timer.C:
		c.forget(seq)
		c.timeouts.Add(1)
		metrics.ObserveInvocation(string(channel), method, "timeout", time.Since(start))
		return nil, &TimeoutError{Method: method, Seq: seq, After: c.cfg.ReadTimeout}
	case <-ctx.Done():
		c.forget(seq)
		metrics.ObserveInvocation(string(channel), method, "cancelled", time.Since(start))
		return nil, fmt.Errorf("invoke %s: %w", method, ctx.Err())
	}
}

// Call invokes method and decodes the result into out. A nil out discards it.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	raw, err := c.Invoke(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// InvokeProperty invokes method and returns a single top-level member of the result.
func (c *Client) InvokeProperty(ctx context.Context, method string, params any, property string) (jsontext.Value, error) {
	raw, err := c.Invoke(ctx, method, params)
	if err != nil {
		return nil, err
	}
	var fields map[string]jsontext.Value
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", method, err)
	}
	v, ok := fields[property]
	if !ok {
		return nil, fmt.Errorf("%s result has no %q", method, property)
	}
	return v, nil
}

// Subscribe registers h for events whose method matches pattern, for example
// "Page.loadEventFired" or "Network.*". The returned func unsubscribes.
func (c *Client) Subscribe(pattern string, h Handler) (func(), error) {
	return c.events.subscribe(pattern, h)
}

// IsOpen reports whether new calls are accepted.
func (c *Client) IsOpen() bool {
	return State(c.state.Load()) == StateOpen
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Invocations returns the number of calls issued so far.
func (c *Client) Invocations() int64 {
	return c.seq.Load()
}

// IdleFor returns the time since the last call was issued.
func (c *Client) IdleFor() time.Duration {
	return time.Since(time.Unix(0, c.lastActive.Load()))
}

// Stats returns a snapshot of the liveness counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	pending := len(c.pending)
	c.mu.Unlock()
	return Stats{
		State:         c.State().String(),
		Invocations:   c.seq.Load(),
		Timeouts:      c.timeouts.Load(),
		Pending:       pending,
		DroppedEvents: c.events.droppedAll.Load(),
		LastActive:    time.Unix(0, c.lastActive.Load()),
	}
}

// Close stops accepting calls, waits a bounded time for in-flight calls,
// fails whatever is still pending with ErrConnectionLost, and closes both
// channels. It is idempotent and safe to call while Invoke is running.
func (c *Client) Close() error {
	if !c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		return nil
	}
	return c.shutdown(true)
}

// AwaitTermination blocks until the client is fully closed or ctx is done.
func (c *Client) AwaitTermination(ctx context.Context) error {
	select {
	case <-c.terminated:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("await termination: %w", ctx.Err())
	}
}

// Done is closed once the client reaches StateClosed.
func (c *Client) Done() <-chan struct{} {
	return c.terminated
}

func (c *Client) shutdown(drain bool) error {
	var err error
	c.closeOnce.Do(func() {
		if drain {
			c.waitIdle(c.cfg.CloseDrainTimeout)
		}
		c.failAll(ErrConnectionLost)

		var errs []error
		if e := c.page.Close(); e != nil {
			errs = append(errs, fmt.Errorf("close page channel: %w", e))
		}
		if c.browser != nil && c.browser != c.page {
			if e := c.browser.Close(); e != nil {
				errs = append(errs, fmt.Errorf("close browser channel: %w", e))
			}
		}
		c.cancelLoops()
		c.readers.Wait()

		// Close may run on the dispatcher goroutine from inside a handler, so
		// the dispatcher is only told to stop here and awaited elsewhere.
		c.events.stop()
		go c.terminate()

		err = errors.Join(errs...)
	})
	return err
}

// terminate waits for buffered events to be delivered, then marks the
// client closed.
func (c *Client) terminate() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CloseDrainTimeout)
	defer cancel()
	if err := c.events.wait(ctx); err != nil {
		c.logger.Warn("event dispatcher did not drain", zap.Error(err))
	}
	c.state.Store(int32(StateClosed))
	close(c.terminated)
}

func (c *Client) waitIdle(limit time.Duration) {
	deadline := time.Now().Add(limit)
	for c.inflight.Load() > 0 && time.Now().Before(deadline) {
		time.Sleep(drainPollInterval)
	}
}

func (c *Client) route(method string) (Channel, Conn) {
	if c.browser != nil && strings.HasPrefix(method, browserDomainPrefix) {
		return ChannelBrowser, c.browser
	}
	return ChannelPage, c.page
}

func (c *Client) readLoop(channel Channel, conn Conn) {
	defer c.readers.Done()
	for {
		data, err := conn.Read(c.loopCtx)
		if err != nil {
			if c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
				c.logger.Warn("protocol channel dropped", zap.String("channel", string(channel)), zap.Error(err))
				c.failAll(ErrConnectionLost)
				go func() { _ = c.shutdown(false) }()
			}
			return
		}
		c.handle(channel, data)
	}
}

func (c *Client) handle(channel Channel, data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn("malformed protocol message", zap.String("channel", string(channel)), zap.Error(err))
		return
	}
	switch {
	case msg.ID != 0:
		res := result{raw: msg.Result}
		if msg.Error != nil {
			res = result{err: msg.Error}
		}
		if !c.resolve(msg.ID, res) {
			c.logger.Debug("reply for unknown call", zap.Int64("id", msg.ID), zap.String("channel", string(channel)))
		}
	case msg.Method != "":
		c.events.emit(Event{Channel: channel, Method: msg.Method, SessionID: msg.SessionID, Params: msg.Params})
	default:
		c.logger.Debug("ignoring protocol message without id or method", zap.String("channel", string(channel)))
	}
}

// resolve delivers res to the call with id. The entry is removed under the
// lock so an id can be resolved at most once.
func (c *Client) resolve(id int64, res result) bool {
	c.mu.Lock()
	call, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	call.ch <- res
	return true
}

func (c *Client) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) failAll(err error) {
	c.mu.Lock()
	calls := c.pending
	c.pending = make(map[int64]*pendingCall)
	c.mu.Unlock()
	for id, call := range calls {
		c.logger.Debug("failing pending call", zap.Int64("id", id), zap.String("method", call.method), zap.Error(err))
		call.ch <- result{err: err}
	}
}
