package cdp

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-json-experiment/json/jsontext"
)

var (
	// ErrNotOpen is returned by Invoke once Close has started.
	ErrNotOpen = errors.New("protocol client not open")
	// ErrConnectionLost fails every pending call when the transport drops or the client closes.
	ErrConnectionLost = errors.New("protocol connection lost")
)

// TimeoutError reports a call whose response did not arrive before its deadline.
// The connection stays open.
type TimeoutError struct {
	Method string
	Seq    int64
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("response timeout %s | #%d, (%s)", e.Method, e.Seq, e.After)
}

// Timeout marks the error as a timeout for net.Error-style checks.
func (e *TimeoutError) Timeout() bool { return true }

// RPCError is an error object returned by the browser for a specific call.
type RPCError struct {
	Code    int64          `json:"code"`
	Message string         `json:"message"`
	Data    jsontext.Value `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	data := strings.Trim(strings.TrimSpace(string(e.Data)), `"`)
	if data == "" {
		return fmt.Sprintf("%s (%d)", e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s (%d)", e.Message, data, e.Code)
}
