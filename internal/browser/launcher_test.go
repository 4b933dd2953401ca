package browser

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/browser-fleet/internal/cdp"
	"github.com/JakeFAU/browser-fleet/internal/profile"
)

type command struct {
	Path   string
	Method string
}

// fakeChrome speaks just enough DevTools protocol for a driver: navigation
// with a load event, evaluation returning the last URL, and target creation.
type fakeChrome struct {
	port int

	mu       sync.Mutex
	commands []command
}

func newFakeChrome(t *testing.T) *fakeChrome {
	t.Helper()
	fc := &fakeChrome{}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprintf(w, `{"Browser":"HeadlessChrome/140.0","webSocketDebuggerUrl":"ws://127.0.0.1:%d/devtools/browser/fake"}`, fc.port)
	})
	mux.HandleFunc("/devtools/", fc.serveWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	_, portStr, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	fc.port, err = strconv.Atoi(portStr)
	require.NoError(t, err)
	return fc
}

func (fc *fakeChrome) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
	ctx := r.Context()
	lastURL := "about:blank"
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var req struct {
			ID     int64          `json:"id"`
			Method string         `json:"method"`
			Params jsontext.Value `json:"params"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return
		}
		fc.mu.Lock()
		fc.commands = append(fc.commands, command{Path: r.URL.Path, Method: req.Method})
		fc.mu.Unlock()

		result := `{}`
		var event string
		switch req.Method {
		case "Page.navigate":
			var p struct {
				URL string `json:"url"`
			}
			_ = json.Unmarshal(req.Params, &p)
			if strings.Contains(p.URL, "unresolvable") {
				result = `{"frameId":"F1","errorText":"net::ERR_NAME_NOT_RESOLVED"}`
				break
			}
			lastURL = p.URL
			result = `{"frameId":"F1","loaderId":"L1"}`
			event = `{"method":"Page.loadEventFired","params":{"timestamp":1}}`
		case "Runtime.evaluate":
			result = fmt.Sprintf(`{"result":{"type":"string","value":"<html><body>%s</body></html>"}}`, lastURL)
		case "Target.createTarget":
			result = `{"targetId":"T2"}`
		}
		resp := fmt.Sprintf(`{"id":%d,"result":%s}`, req.ID, result)
		if err := conn.Write(ctx, websocket.MessageText, []byte(resp)); err != nil {
			return
		}
		if event != "" {
			if err := conn.Write(ctx, websocket.MessageText, []byte(event)); err != nil {
				return
			}
		}
	}
}

func (fc *fakeChrome) methodsOn(pathPrefix string) []string {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	var out []string
	for _, c := range fc.commands {
		if strings.HasPrefix(c.Path, pathPrefix) {
			out = append(out, c.Method)
		}
	}
	return out
}

func (fc *fakeChrome) start(stopped *atomic.Bool) StartFunc {
	return func(_ context.Context, _ Config, userDataDir string) (Process, error) {
		if _, err := os.Stat(userDataDir); err != nil {
			return Process{}, err
		}
		return Process{
			PID:      os.Getpid(),
			Port:     fc.port,
			TargetID: "T1",
			Stop:     func() { stopped.Store(true) },
		}, nil
	}
}

func newLease(t *testing.T) (*profile.Allocator, profile.Lease) {
	t.Helper()
	alloc, err := profile.New(profile.Config{Root: t.TempDir(), LockWait: 100 * time.Millisecond, LockBackoff: 10 * time.Millisecond})
	require.NoError(t, err)
	lease, err := alloc.NextSequential(context.Background(), "default", profile.Fingerprint{BrowserKind: "chrome"}, 3)
	require.NoError(t, err)
	return alloc, lease
}

func readInt(t *testing.T, path string) int {
	t.Helper()
	// #nosec G304 -- test reads from the controlled temp directory.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	v, err := strconv.Atoi(string(data))
	require.NoError(t, err)
	return v
}

func TestLaunchWritesSentinelsAndDrivesPage(t *testing.T) {
	t.Parallel()

	fc := newFakeChrome(t)
	alloc, lease := newLease(t)
	var stopped atomic.Bool
	l, err := NewLauncher(Config{UserAgent: "fleet-test/1.0", CDP: cdp.Config{ReadTimeout: 2 * time.Second}}, alloc, WithStartFunc(fc.start(&stopped)))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d, err := l.Launch(ctx, lease)
	require.NoError(t, err)
	assert.True(t, d.IsOpen())
	assert.Equal(t, lease, d.Lease())
	assert.DirExists(t, lease.UserDataDir())
	assert.Equal(t, os.Getpid(), readInt(t, lease.PIDFile()))
	assert.Equal(t, fc.port, readInt(t, lease.PortFile()))
	assert.Equal(t, filepath.Dir(lease.UserDataDir()), filepath.Dir(lease.PortFile()))

	require.NoError(t, d.Navigate(ctx, "https://example.com/item"))
	html, err := d.OuterHTML(ctx)
	require.NoError(t, err)
	assert.Equal(t, "<html><body>https://example.com/item</body></html>", html)

	tab, err := d.NewTab(ctx, "about:blank")
	require.NoError(t, err)
	assert.EqualValues(t, "T2", tab)

	assert.Equal(t, []string{"Target.createTarget"}, fc.methodsOn("/devtools/browser/"))
	assert.Equal(t, []string{
		"Page.enable",
		"Network.enable",
		"Emulation.setUserAgentOverride",
		"Page.navigate",
		"Runtime.evaluate",
	}, fc.methodsOn("/devtools/page/T1"))

	require.NoError(t, d.Close())
	assert.True(t, stopped.Load())
	assert.False(t, d.IsOpen())
	assert.NoFileExists(t, lease.PortFile())
	assert.FileExists(t, lease.PIDFile(), "launcher.pid marks the profile as used")
	require.NoError(t, d.Close())
}

func TestNavigateReportsErrorText(t *testing.T) {
	t.Parallel()

	fc := newFakeChrome(t)
	alloc, lease := newLease(t)
	var stopped atomic.Bool
	l, err := NewLauncher(Config{CDP: cdp.Config{ReadTimeout: 2 * time.Second}}, alloc, WithStartFunc(fc.start(&stopped)))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d, err := l.Launch(ctx, lease)
	require.NoError(t, err)
	defer func() { _ = d.Close() }()

	err = d.Navigate(ctx, "https://unresolvable.invalid/")
	require.Error(t, err)
	assert.ErrorContains(t, err, "ERR_NAME_NOT_RESOLVED")
	assert.NotContains(t, fc.methodsOn("/devtools/page/"), "Emulation.setUserAgentOverride")
}

func TestLaunchFailsWhenStartFails(t *testing.T) {
	t.Parallel()

	alloc, lease := newLease(t)
	boom := errors.New("no chrome")
	l, err := NewLauncher(Config{}, alloc, WithStartFunc(func(context.Context, Config, string) (Process, error) {
		return Process{}, boom
	}))
	require.NoError(t, err)

	_, err = l.Launch(context.Background(), lease)
	require.ErrorIs(t, err, boom)
	assert.NoFileExists(t, lease.PortFile())
	assert.NoFileExists(t, lease.PIDFile())
}

func TestLaunchStopsBrowserWhenConnectFails(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadPort := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	alloc, lease := newLease(t)
	var stopped atomic.Bool
	l, err := NewLauncher(Config{StartupTimeout: time.Second}, alloc, WithStartFunc(func(context.Context, Config, string) (Process, error) {
		return Process{PID: os.Getpid(), Port: deadPort, TargetID: "T1", Stop: func() { stopped.Store(true) }}, nil
	}))
	require.NoError(t, err)

	_, err = l.Launch(context.Background(), lease)
	require.Error(t, err)
	assert.True(t, stopped.Load())
	assert.NoFileExists(t, lease.PortFile())
}

func TestNewLauncherRequiresLocker(t *testing.T) {
	t.Parallel()

	_, err := NewLauncher(Config{}, nil)
	require.Error(t, err)
}

func TestReadDevToolsPort(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	good := filepath.Join(dir, "good")
	require.NoError(t, os.WriteFile(good, []byte("41234\n/devtools/browser/abc\n"), 0o600))
	port, err := readDevToolsPort(good)
	require.NoError(t, err)
	assert.Equal(t, 41234, port)

	bad := filepath.Join(dir, "bad")
	require.NoError(t, os.WriteFile(bad, []byte("nope\n"), 0o600))
	_, err = readDevToolsPort(bad)
	require.Error(t, err)

	_, err = readDevToolsPort(filepath.Join(dir, "missing"))
	require.Error(t, err)
}
