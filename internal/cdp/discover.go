package cdp

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/go-json-experiment/json"
)

// VersionInfo is the payload of the DevTools /json/version endpoint.
type VersionInfo struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	V8Version            string `json:"V8-Version"`
	WebKitVersion        string `json:"WebKit-Version"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Discover asks a browser listening on host:port for its browser-level websocket URL.
func Discover(ctx context.Context, client *http.Client, host string, port int) (VersionInfo, error) {
	if client == nil {
		client = http.DefaultClient
	}
	endpoint := "http://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/json/version"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return VersionInfo{}, fmt.Errorf("build discovery request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return VersionInfo{}, fmt.Errorf("discover %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return VersionInfo{}, fmt.Errorf("discover %s: unexpected status %d", endpoint, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return VersionInfo{}, fmt.Errorf("read discovery response: %w", err)
	}
	var info VersionInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return VersionInfo{}, fmt.Errorf("decode discovery response: %w", err)
	}
	if info.WebSocketDebuggerURL == "" {
		return VersionInfo{}, fmt.Errorf("discover %s: no webSocketDebuggerUrl", endpoint)
	}
	return info, nil
}

// PageURL returns the page-level websocket URL for a target.
func PageURL(host string, port int, targetID string) string {
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/devtools/page/" + targetID
}
