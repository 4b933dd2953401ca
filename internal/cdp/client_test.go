package cdp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-f.in:
		return msg, nil
	case <-f.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeConn) Write(ctx context.Context, msg []byte) error {
	select {
	case <-f.closed:
		return io.ErrClosedPipe
	default:
	}
	select {
	case f.out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

type sentRequest struct {
	ID     int64          `json:"id"`
	Method string         `json:"method"`
	Params jsontext.Value `json:"params,omitempty"`
}

func nextRequest(t require.TestingT, f *fakeConn) sentRequest {
	select {
	case raw := <-f.out:
		var req sentRequest
		require.NoError(t, json.Unmarshal(raw, &req))
		return req
	case <-time.After(2 * time.Second):
		require.FailNow(t, "no request was sent")
		return sentRequest{}
	}
}

func reply(f *fakeConn, id int64, resultJSON string) {
	f.in <- []byte(fmt.Sprintf(`{"id":%d,"result":%s}`, id, resultJSON))
}

func newTestClient(t *testing.T, cfg Config) (*Client, *fakeConn, *fakeConn) {
	t.Helper()
	browser, page := newFakeConn(), newFakeConn()
	c, err := NewClient(browser, page, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, browser, page
}

// TestCallDecodesResult ensures a reply is decoded into the caller's struct.
func TestCallDecodesResult(t *testing.T) {
	t.Parallel()

	c, _, page := newTestClient(t, Config{})

	go func() {
		req := nextRequest(t, page)
		assert.Equal(t, "Page.navigate", req.Method)
		assert.JSONEq(t, `{"url":"https://example.com"}`, string(req.Params))
		reply(page, req.ID, `{"frameId":"F1","loaderId":"L1"}`)
	}()

	var out struct {
		FrameID string `json:"frameId"`
	}
	err := c.Call(context.Background(), "Page.navigate", map[string]string{"url": "https://example.com"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "F1", out.FrameID)
	assert.Equal(t, int64(1), c.Invocations())
}

// TestInvokeRoutesTargetDomainToBrowser ensures Target.* uses the browser channel.
func TestInvokeRoutesTargetDomainToBrowser(t *testing.T) {
	t.Parallel()

	c, browser, page := newTestClient(t, Config{})

	go func() {
		req := nextRequest(t, browser)
		reply(browser, req.ID, `{"targetId":"T1"}`)
	}()
	raw, err := c.InvokeProperty(context.Background(), "Target.createTarget", map[string]string{"url": "about:blank"}, "targetId")
	require.NoError(t, err)
	assert.JSONEq(t, `"T1"`, string(raw))

	go func() {
		req := nextRequest(t, page)
		reply(page, req.ID, `{}`)
	}()
	_, err = c.Invoke(context.Background(), "Runtime.enable", nil)
	require.NoError(t, err)
	assert.Empty(t, browser.out)
}

// TestShuffledRepliesResolveToTheirOwnCall replies to concurrent calls in a
// random order and checks every caller gets its own result.
func TestShuffledRepliesResolveToTheirOwnCall(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		m := rapid.IntRange(1, 24).Draw(rt, "calls")

		browser, page := newFakeConn(), newFakeConn()
		c, err := NewClient(browser, page, Config{ReadTimeout: 5 * time.Second})
		require.NoError(rt, err)
		defer func() { _ = c.Close() }()

		type outcome struct {
			want int
			got  int
			err  error
		}
		results := make(chan outcome, m)
		for i := range m {
			go func() {
				var out struct {
					N int `json:"n"`
				}
				err := c.Call(context.Background(), "Runtime.evaluate", map[string]int{"n": i}, &out)
				results <- outcome{want: i, got: out.N, err: err}
			}()
		}

		reqs := make([]sentRequest, 0, m)
		for range m {
			reqs = append(reqs, nextRequest(rt, page))
		}
		for _, req := range rapid.Permutation(reqs).Draw(rt, "order") {
			reply(page, req.ID, string(req.Params))
		}

		for range m {
			res := <-results
			require.NoError(rt, res.err)
			require.Equal(rt, res.want, res.got)
		}
		require.Zero(rt, c.Stats().Pending)
	})
}

// TestTimeoutIsIsolated ensures an unanswered call times out on its own.
func TestTimeoutIsIsolated(t *testing.T) {
	t.Parallel()

	const timeout = 200 * time.Millisecond
	c, _, page := newTestClient(t, Config{ReadTimeout: timeout})

	slowErr := make(chan error, 1)
	slowElapsed := make(chan time.Duration, 1)
	go func() {
		start := time.Now()
		_, err := c.Invoke(context.Background(), "DOM.getDocument", nil)
		slowElapsed <- time.Since(start)
		slowErr <- err
	}()
	slow := nextRequest(t, page)

	go func() {
		req := nextRequest(t, page)
		reply(page, req.ID, `{"ok":true}`)
	}()
	_, err := c.Invoke(context.Background(), "Page.enable", nil)
	require.NoError(t, err)

	err = <-slowErr
	elapsed := <-slowElapsed
	var te *TimeoutError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "DOM.getDocument", te.Method)
	assert.Equal(t, slow.ID, te.Seq)
	assert.Equal(t, timeout, te.After)
	assert.True(t, te.Timeout())
	assert.ErrorContains(t, err, "response timeout DOM.getDocument | #")
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+time.Second)

	// A late reply for the timed out call is ignored.
	reply(page, slow.ID, `{}`)

	assert.True(t, c.IsOpen())
	go func() {
		req := nextRequest(t, page)
		reply(page, req.ID, `{}`)
	}()
	_, err = c.Invoke(context.Background(), "Page.reload", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Stats().Timeouts)
	assert.Zero(t, c.Stats().Pending)
}

// TestRPCErrorIsReturned ensures protocol errors surface as *RPCError.
func TestRPCErrorIsReturned(t *testing.T) {
	t.Parallel()

	c, _, page := newTestClient(t, Config{})
	go func() {
		req := nextRequest(t, page)
		page.in <- []byte(fmt.Sprintf(`{"id":%d,"error":{"code":-32000,"message":"Cannot navigate","data":"invalid URL"}}`, req.ID))
	}()

	_, err := c.Invoke(context.Background(), "Page.navigate", map[string]string{"url": "::"})
	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, int64(-32000), rpcErr.Code)
	assert.ErrorContains(t, err, "Cannot navigate: invalid URL")
	assert.True(t, c.IsOpen(), "a protocol error does not close the connection")
}

// TestConnectionLossFailsPendingCalls ensures a dropped channel fails all calls at once.
func TestConnectionLossFailsPendingCalls(t *testing.T) {
	t.Parallel()

	c, _, page := newTestClient(t, Config{ReadTimeout: time.Minute})

	const calls = 3
	errs := make(chan error, calls)
	for range calls {
		go func() {
			_, err := c.Invoke(context.Background(), "Network.enable", nil)
			errs <- err
		}()
	}
	for range calls {
		nextRequest(t, page)
	}
	require.NoError(t, page.Close())

	for range calls {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrConnectionLost)
		case <-time.After(2 * time.Second):
			t.Fatal("pending call was not failed")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.AwaitTermination(ctx))
	assert.Equal(t, StateClosed, c.State())

	_, err := c.Invoke(context.Background(), "Network.enable", nil)
	assert.ErrorIs(t, err, ErrNotOpen)
}

// TestCloseDuringInvoke ensures Close from another goroutine unblocks a pending call.
func TestCloseDuringInvoke(t *testing.T) {
	t.Parallel()

	c, _, page := newTestClient(t, Config{ReadTimeout: time.Minute, CloseDrainTimeout: 50 * time.Millisecond})

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Invoke(context.Background(), "Page.captureScreenshot", nil)
		errCh <- err
	}()
	nextRequest(t, page)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrConnectionLost)
	case <-time.After(2 * time.Second):
		t.Fatal("invoke did not return after close")
	}
	<-c.Done()
	_, err := c.Invoke(context.Background(), "Page.enable", nil)
	assert.ErrorIs(t, err, ErrNotOpen)
	assert.Empty(t, page.out, "nothing is written once closed")
}

// TestCancelReleasesPendingEntry ensures a cancelled call leaves no correlation entry behind.
func TestCancelReleasesPendingEntry(t *testing.T) {
	t.Parallel()

	c, _, page := newTestClient(t, Config{ReadTimeout: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Invoke(ctx, "Page.navigate", map[string]string{"url": "https://example.com"})
		errCh <- err
	}()
	nextRequest(t, page)
	cancel()

	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Zero(t, c.Stats().Pending)
	assert.True(t, c.IsOpen())
}

// TestSlowSubscriberDoesNotStallInvoke ensures event handling is decoupled from replies.
func TestSlowSubscriberDoesNotStallInvoke(t *testing.T) {
	t.Parallel()

	c, _, page := newTestClient(t, Config{EventBuffer: 2, CloseDrainTimeout: 50 * time.Millisecond})

	release := make(chan struct{})
	unsubscribe, err := c.Subscribe("**", func(Event) { <-release })
	require.NoError(t, err)
	defer unsubscribe()

	for range 10 {
		page.in <- []byte(`{"method":"Network.dataReceived","params":{}}`)
	}

	go func() {
		req := nextRequest(t, page)
		reply(page, req.ID, `{}`)
	}()
	start := time.Now()
	_, err = c.Invoke(context.Background(), "Page.enable", nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	close(release)

	require.Eventually(t, func() bool { return c.Stats().DroppedEvents > 0 }, time.Second, 10*time.Millisecond)
}

// TestSubscribePatterns ensures glob patterns select events by domain and name.
func TestSubscribePatterns(t *testing.T) {
	t.Parallel()

	c, _, page := newTestClient(t, Config{})

	var (
		mu  sync.Mutex
		got []string
	)
	unsubscribe, err := c.Subscribe("Page.*", func(e Event) {
		mu.Lock()
		got = append(got, e.Method)
		mu.Unlock()
	})
	require.NoError(t, err)

	page.in <- []byte(`{"method":"Network.requestWillBeSent","params":{}}`)
	page.in <- []byte(`{"method":"Page.loadEventFired","params":{"timestamp":1}}`)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	unsubscribe()
	unsubscribe()
	page.in <- []byte(`{"method":"Page.frameNavigated","params":{}}`)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"Page.loadEventFired"}, got)

	_, err = c.Subscribe("[", func(Event) {})
	assert.Error(t, err)
}

// TestNewClientRequiresPage ensures a page channel is mandatory.
func TestNewClientRequiresPage(t *testing.T) {
	t.Parallel()

	_, err := NewClient(newFakeConn(), nil, Config{})
	require.Error(t, err)
}

// TestCloseFromEventHandler ensures a handler reacting to a detach can close
// the client without waiting on its own delivery goroutine.
func TestCloseFromEventHandler(t *testing.T) {
	t.Parallel()

	c, _, page := newTestClient(t, Config{CloseDrainTimeout: 2 * time.Second})

	type closeResult struct {
		err     error
		elapsed time.Duration
	}
	results := make(chan closeResult, 1)
	_, err := c.Subscribe("Inspector.detached", func(Event) {
		start := time.Now()
		err := c.Close()
		results <- closeResult{err: err, elapsed: time.Since(start)}
	})
	require.NoError(t, err)

	page.in <- []byte(`{"method":"Inspector.detached","params":{"reason":"target_closed"}}`)

	select {
	case res := <-results:
		require.NoError(t, res.err)
		assert.Less(t, res.elapsed, 500*time.Millisecond)
	case <-time.After(3 * time.Second):
		t.Fatal("handler never closed the client")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.AwaitTermination(ctx))
	assert.Equal(t, StateClosed, c.State())
	assert.False(t, c.IsOpen())
}
