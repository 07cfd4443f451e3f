package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const maxResponseSize = 20 << 20 // 20MB

// Response is one settled HTTP exchange with the backend.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Transport issues a single HTTP request with a hard deadline. It never
// retries; retrying is its caller's decision.
type Transport struct {
	httpClient *http.Client
	timeout    time.Duration
}

// NewTransport creates a Transport whose requests are bounded by timeout.
// The deadline is enforced per request via context so an expired attempt
// is abandoned without waiting for the connection to settle.
func NewTransport(timeout time.Duration) *Transport {
	return &Transport{
		httpClient: &http.Client{Timeout: 0},
		timeout:    timeout,
	}
}

// Send performs one attempt. body is JSON-encoded when non-nil. A non-2xx
// status or a network error is returned as a *Failure.
func (t *Transport) Send(ctx context.Context, method, url string, body any) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, classifyErr(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, classifyErr(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyStatus(resp.StatusCode, resp.Header)
	}

	return &Response{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   data,
	}, nil
}
