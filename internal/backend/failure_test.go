package backend

import (
	"context"
	"net/http"
	"syscall"
	"testing"
	"time"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		header    http.Header
		wantKind  Kind
		retryable bool
	}{
		{"bad request", 400, nil, KindClientError, false},
		{"not found", 404, nil, KindClientError, false},
		{"rate limited", 429, nil, KindRateLimited, true},
		{"internal error", 500, nil, KindServerError, true},
		{"bad gateway", 502, nil, KindServerError, true},
		{"unavailable", 503, nil, KindServiceUnavailable, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := tt.header
			if h == nil {
				h = http.Header{}
			}
			f := classifyStatus(tt.status, h)
			if f.Kind != tt.wantKind {
				t.Errorf("Kind = %s, want %s", f.Kind, tt.wantKind)
			}
			if f.Retryable() != tt.retryable {
				t.Errorf("Retryable() = %v, want %v", f.Retryable(), tt.retryable)
			}
			if f.Status != tt.status {
				t.Errorf("Status = %d, want %d", f.Status, tt.status)
			}
		})
	}
}

func TestClassifyErr(t *testing.T) {
	if f := classifyErr(context.DeadlineExceeded); f.Kind != KindTimeout {
		t.Errorf("deadline exceeded classified as %s, want timeout", f.Kind)
	}
	if f := classifyErr(syscall.ECONNREFUSED); f.Kind != KindNetworkUnreachable {
		t.Errorf("ECONNREFUSED classified as %s, want network_unreachable", f.Kind)
	}
	if f := classifyErr(context.Canceled); f.Kind != KindUnknown {
		t.Errorf("cancellation classified as %s, want unknown", f.Kind)
	}
}

func TestParseRetryAfter_Seconds(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "7")
	if got := parseRetryAfter(h); got != 7*time.Second {
		t.Errorf("parseRetryAfter = %s, want 7s", got)
	}
}

func TestParseRetryAfter_HTTPDate(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", time.Now().Add(30*time.Second).UTC().Format(http.TimeFormat))
	got := parseRetryAfter(h)
	if got <= 0 || got > 31*time.Second {
		t.Errorf("parseRetryAfter = %s, want roughly 30s", got)
	}
}

func TestParseRetryAfter_Garbage(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "whenever")
	if got := parseRetryAfter(h); got != 0 {
		t.Errorf("parseRetryAfter = %s, want 0", got)
	}
}

func TestRetryAfter_OnClassifiedResponse(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "2")
	f := classifyStatus(http.StatusServiceUnavailable, h)
	if f.RetryAfter != 2*time.Second {
		t.Errorf("RetryAfter = %s, want 2s", f.RetryAfter)
	}
}
