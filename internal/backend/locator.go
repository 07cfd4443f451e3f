package backend

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ErrUnreachable means no backend candidate answered the health check.
// Callers should surface this as a "service offline" state rather than
// keep retrying at this layer.
var ErrUnreachable = errors.New("backend: no candidate endpoint is reachable")

// Locator resolves which backend endpoint is actually reachable. It holds
// an ordered candidate list and probes each with a short-timeout health
// check until one responds, caching the winner until Invalidate is called.
type Locator struct {
	candidates   []string
	probeTimeout time.Duration
	httpClient   *http.Client
	logger       *slog.Logger

	mu      sync.Mutex
	current string
}

// NewLocator creates a Locator over the given base URLs, probed in order.
func NewLocator(candidates []string, probeTimeout time.Duration) *Locator {
	return &Locator{
		candidates:   candidates,
		probeTimeout: probeTimeout,
		httpClient:   &http.Client{Timeout: 0},
		logger:       slog.Default(),
	}
}

// Resolve returns the cached endpoint, or probes the candidate list from
// the top. Re-probing always starts at the first candidate: backend
// restarts commonly come back on the primary port, so last-known-good is
// not a better guess.
func (l *Locator) Resolve(ctx context.Context) (string, error) {
	l.mu.Lock()
	if l.current != "" {
		endpoint := l.current
		l.mu.Unlock()
		return endpoint, nil
	}
	l.mu.Unlock()

	for _, candidate := range l.candidates {
		if l.probe(ctx, candidate) {
			l.mu.Lock()
			l.current = candidate
			l.mu.Unlock()
			l.logger.Info("backend endpoint resolved", "endpoint", candidate)
			return candidate, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}

	l.logger.Warn("all backend candidates unreachable", "candidates", len(l.candidates))
	return "", ErrUnreachable
}

// Invalidate drops the cached endpoint so the next Resolve re-probes.
func (l *Locator) Invalidate() {
	l.mu.Lock()
	if l.current != "" {
		l.logger.Debug("backend endpoint invalidated", "endpoint", l.current)
		l.current = ""
	}
	l.mu.Unlock()
}

// Current returns the cached endpoint without probing, empty if none.
func (l *Locator) Current() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// probe issues the health check with a deadline much shorter than a normal
// request so one dead candidate cannot stall discovery.
func (l *Locator) probe(ctx context.Context, base string) bool {
	ctx, cancel := context.WithTimeout(ctx, l.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
