package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"
)

// Kind classifies why a request failed. It drives the retry policy in
// Client: some kinds are worth retrying, some indicate a caller bug and
// propagate immediately.
type Kind int

const (
	KindUnknown Kind = iota
	KindTimeout
	KindNetworkUnreachable
	KindRateLimited
	KindServiceUnavailable
	KindClientError
	KindServerError
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindNetworkUnreachable:
		return "network_unreachable"
	case KindRateLimited:
		return "rate_limited"
	case KindServiceUnavailable:
		return "service_unavailable"
	case KindClientError:
		return "client_error"
	case KindServerError:
		return "server_error"
	default:
		return "unknown"
	}
}

// Failure is the classified form of a failed request.
type Failure struct {
	Kind   Kind
	Status int // HTTP status when the failure came from a response
	// RetryAfter is the server-supplied Retry-After delay, when present
	// on a 429 or 503 response. Zero means the server gave none.
	RetryAfter time.Duration
	Err        error
}

func (f *Failure) Error() string {
	if f.Status != 0 {
		return fmt.Sprintf("backend request failed: %s (HTTP %d)", f.Kind, f.Status)
	}
	if f.Err != nil {
		return fmt.Sprintf("backend request failed: %s: %v", f.Kind, f.Err)
	}
	return fmt.Sprintf("backend request failed: %s", f.Kind)
}

func (f *Failure) Unwrap() error { return f.Err }

// Retryable reports whether another attempt could plausibly succeed.
// Client errors are a logic or input problem; retrying them is noise.
func (f *Failure) Retryable() bool {
	switch f.Kind {
	case KindTimeout, KindNetworkUnreachable, KindRateLimited, KindServiceUnavailable, KindServerError:
		return true
	default:
		return false
	}
}

// classifyErr maps a transport-level error to a Failure.
func classifyErr(err error) *Failure {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Failure{Kind: KindTimeout, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &Failure{Kind: KindTimeout, Err: err}
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return &Failure{Kind: KindNetworkUnreachable, Err: err}
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return &Failure{Kind: KindNetworkUnreachable, Err: err}
	}
	return &Failure{Kind: KindUnknown, Err: err}
}

// classifyStatus maps a non-2xx HTTP response to a Failure.
func classifyStatus(status int, header http.Header) *Failure {
	switch {
	case status == http.StatusTooManyRequests:
		return &Failure{Kind: KindRateLimited, Status: status, RetryAfter: parseRetryAfter(header)}
	case status == http.StatusServiceUnavailable:
		return &Failure{Kind: KindServiceUnavailable, Status: status, RetryAfter: parseRetryAfter(header)}
	case status >= 500:
		return &Failure{Kind: KindServerError, Status: status}
	case status >= 400:
		return &Failure{Kind: KindClientError, Status: status}
	default:
		return &Failure{Kind: KindUnknown, Status: status}
	}
}

// parseRetryAfter handles both forms of the header: delta-seconds and an
// HTTP-date. Unparsable or absent values yield zero.
func parseRetryAfter(header http.Header) time.Duration {
	v := header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
