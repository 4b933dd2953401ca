package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestObserveInvocationLabelsByDomain(t *testing.T) {
	before := testutil.ToFloat64(cdpInvocationsTotal.WithLabelValues("page", "ok"))
	ObserveInvocation("page", "Page.navigate", "ok", 10*time.Millisecond)
	ObserveInvocation("page", "", "ok", time.Millisecond)

	if got := testutil.ToFloat64(cdpInvocationsTotal.WithLabelValues("page", "ok")); got != before+2 {
		t.Errorf("expected invocation counter to grow by 2, got %f -> %f", before, got)
	}
	if n := testutil.CollectAndCount(cdpInvokeDurationSeconds); n < 2 {
		t.Errorf("expected at least two domain series, got %d", n)
	}
}

func TestSetSchedulerQueue(t *testing.T) {
	SetSchedulerQueue("management", 3, 1)
	if got := testutil.ToFloat64(schedulerTasksPending.WithLabelValues("management")); got != 3 {
		t.Errorf("pending gauge = %f; want 3", got)
	}
	if got := testutil.ToFloat64(schedulerTasksRunning.WithLabelValues("management")); got != 1 {
		t.Errorf("running gauge = %f; want 1", got)
	}
}

func TestObserveReclaim(t *testing.T) {
	before := testutil.ToFloat64(profileReclaimedTotal.WithLabelValues("deleted"))
	ObserveReclaim(4, 0, 1)
	if got := testutil.ToFloat64(profileReclaimedTotal.WithLabelValues("deleted")); got != before+4 {
		t.Errorf("deleted counter = %f; want %f", got, before+4)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
