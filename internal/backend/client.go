package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// RetryPolicy bounds how hard Client tries before giving up on one
// logical request.
type RetryPolicy struct {
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Client wraps Transport with retry-with-backoff driven by failure
// classification, resolving the endpoint through a Locator. One Client is
// constructed at startup and shared; it has no other lifecycle.
type Client struct {
	transport *Transport
	locator   *Locator
	policy    RetryPolicy
	logger    *slog.Logger
}

func NewClient(transport *Transport, locator *Locator, policy RetryPolicy) *Client {
	return &Client{
		transport: transport,
		locator:   locator,
		policy:    policy,
		logger:    slog.Default(),
	}
}

// do runs one logical request: resolve an endpoint, attempt, and on a
// retryable failure back off and try again up to the retry ceiling.
// A server-supplied Retry-After takes precedence over computed backoff.
// Non-retryable failures and ErrUnreachable propagate immediately.
func (c *Client) do(ctx context.Context, method, path string, body any) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.policy.MaxRetries; attempt++ {
		endpoint, err := c.locator.Resolve(ctx)
		if err != nil {
			return nil, err
		}

		resp, err := c.transport.Send(ctx, method, endpoint+path, body)
		if err == nil {
			return resp, nil
		}

		var failure *Failure
		if !errors.As(err, &failure) || !failure.Retryable() {
			return nil, err
		}
		lastErr = err

		// A connection-level failure means the cached endpoint is stale;
		// re-resolve from the top of the candidate list before retrying.
		if failure.Kind == KindNetworkUnreachable {
			c.locator.Invalidate()
		}

		if attempt == c.policy.MaxRetries {
			break
		}

		delay := c.backoff(attempt)
		if failure.RetryAfter > 0 {
			delay = failure.RetryAfter
		}
		c.logger.Debug("retrying backend request",
			"method", method, "path", path,
			"attempt", attempt+1, "failure", failure.Kind.String(), "delay", delay)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	c.logger.Warn("backend request exhausted retries",
		"method", method, "path", path, "attempts", c.policy.MaxRetries+1, "error", lastErr)
	return nil, lastErr
}

// backoff is exponential from the base delay, capped, and therefore
// non-decreasing across attempts.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.policy.BaseBackoff << attempt
	if d > c.policy.MaxBackoff || d <= 0 {
		return c.policy.MaxBackoff
	}
	return d
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	resp, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

// --- Typed backend operations ---

// SubmitRequest asks the backend to clone and analyze one repository.
type SubmitRequest struct {
	URL    string `json:"url"`
	Name   string `json:"name,omitempty"`
	Branch string `json:"branch,omitempty"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

// Status is the backend's view of one analysis job.
type Status struct {
	State    string          `json:"state"`
	Progress float64         `json:"progress"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// TreeEntry is one node of a repository file listing.
type TreeEntry struct {
	Path string `json:"path"`
	Type string `json:"type"`
	Size int64  `json:"size,omitempty"`
}

type treeResponse struct {
	Entries []TreeEntry `json:"entries"`
}

type fileResponse struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// ChatMessage is one turn of the per-repository chat.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Repository string        `json:"repository"`
	Messages   []ChatMessage `json:"messages"`
}

type chatResponse struct {
	Message ChatMessage `json:"message"`
}

// SubmitAnalysis submits a repository and returns the backend job ID.
func (c *Client) SubmitAnalysis(ctx context.Context, req SubmitRequest) (string, error) {
	var resp submitResponse
	if err := c.postJSON(ctx, "/api/v1/analyses", req, &resp); err != nil {
		return "", err
	}
	if resp.JobID == "" {
		return "", fmt.Errorf("backend returned empty job id")
	}
	return resp.JobID, nil
}

// JobStatus fetches the current state of an analysis job.
func (c *Client) JobStatus(ctx context.Context, jobID string) (Status, error) {
	var s Status
	if err := c.getJSON(ctx, "/api/v1/analyses/"+url.PathEscape(jobID), &s); err != nil {
		return Status{}, err
	}
	return s, nil
}

// FileTree fetches the (possibly partial) file listing of a repository.
func (c *Client) FileTree(ctx context.Context, repo string) ([]TreeEntry, error) {
	var resp treeResponse
	if err := c.getJSON(ctx, "/api/v1/repositories/"+url.PathEscape(repo)+"/tree", &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// FileContent fetches one file's content from an analyzed repository.
func (c *Client) FileContent(ctx context.Context, repo, path string) (string, error) {
	var resp fileResponse
	p := "/api/v1/repositories/" + url.PathEscape(repo) + "/files?path=" + url.QueryEscape(path)
	if err := c.getJSON(ctx, p, &resp); err != nil {
		return "", err
	}
	return resp.Content, nil
}

// Chat sends the conversation to the backend and returns its reply.
func (c *Client) Chat(ctx context.Context, repo string, messages []ChatMessage) (ChatMessage, error) {
	var resp chatResponse
	if err := c.postJSON(ctx, "/api/v1/chat", chatRequest{Repository: repo, Messages: messages}, &resp); err != nil {
		return ChatMessage{}, err
	}
	return resp.Message, nil
}
