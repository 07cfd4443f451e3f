package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/repoglass/repoglass/internal/backend"
)

var (
	ErrUnknownJob     = errors.New("poller: unknown job")
	ErrAlreadyPolling = errors.New("poller: job is already being polled")
)

// StatusFetcher abstracts the backend status endpoint.
type StatusFetcher interface {
	JobStatus(ctx context.Context, jobID string) (backend.Status, error)
}

// Observer receives a snapshot of the job after every observed change.
type Observer func(Job)

// Options tune one Poller. Zero values fall back to defaults.
type Options struct {
	// Interval between status polls. The timer restarts only after the
	// previous poll settles, so there is never more than one in-flight
	// status request per job.
	Interval time.Duration
	// Ceiling bounds the total wall-clock time for one job. Hitting it
	// forces the job to failed; this is a client-side fail-safe against
	// orphaned polling loops, not a backend signal.
	Ceiling time.Duration
	// PollRetries is how many times one failed poll is retried before the
	// job itself is marked failed.
	PollRetries int
	// RetryDelay is the base delay between per-poll retries; it grows
	// linearly with the attempt number.
	RetryDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 3 * time.Second
	}
	if o.Ceiling <= 0 {
		o.Ceiling = 5 * time.Minute
	}
	if o.PollRetries <= 0 {
		o.PollRetries = 2
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 500 * time.Millisecond
	}
	return o
}

// Poller drives analysis jobs to a terminal state by polling the backend
// status endpoint. Each job gets its own loop goroutine; all bookkeeping
// is behind one mutex.
type Poller struct {
	fetcher StatusFetcher
	opts    Options
	logger  *slog.Logger

	mu   sync.Mutex
	jobs map[string]*tracked
}

type tracked struct {
	job       Job
	observers []Observer
	cancel    context.CancelFunc
	done      chan struct{}
	cancelled bool
}

func New(fetcher StatusFetcher, opts Options) *Poller {
	return &Poller{
		fetcher: fetcher,
		opts:    opts.withDefaults(),
		logger:  slog.Default(),
		jobs:    make(map[string]*tracked),
	}
}

// Start begins polling the given job. Observers passed here are registered
// before the first poll is issued, so they see every update; Observe can
// attach more later. ctx bounds the poller's whole lifetime (typically the
// daemon's); per-job limits come from Options.
func (p *Poller) Start(ctx context.Context, job Job, observers ...Observer) error {
	if job.State == "" {
		job.State = StatePending
	}
	if job.StartedAt.IsZero() {
		job.StartedAt = time.Now().UTC()
	}

	jobCtx, cancel := context.WithDeadline(ctx, job.StartedAt.Add(p.opts.Ceiling))

	p.mu.Lock()
	if existing, ok := p.jobs[job.ID]; ok {
		select {
		case <-existing.done:
			// Previous loop finished; reattaching the same job ID is fine.
		default:
			p.mu.Unlock()
			cancel()
			return ErrAlreadyPolling
		}
	}
	t := &tracked{
		job:       job,
		observers: observers,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	p.jobs[job.ID] = t
	p.mu.Unlock()

	p.logger.Info("polling started", "job_id", job.ID, "source_url", job.SourceURL)
	go p.loop(jobCtx, t)
	return nil
}

// Observe registers fn to run on every subsequent observed change of the job.
func (p *Poller) Observe(jobID string, fn Observer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.jobs[jobID]
	if !ok {
		return ErrUnknownJob
	}
	t.observers = append(t.observers, fn)
	return nil
}

// Snapshot returns the last-observed state of the job.
func (p *Poller) Snapshot(jobID string) (Job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.jobs[jobID]
	if !ok {
		return Job{}, false
	}
	return t.job, true
}

// Jobs returns snapshots of every tracked job.
func (p *Poller) Jobs() []Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Job, 0, len(p.jobs))
	for _, t := range p.jobs {
		out = append(out, t.job)
	}
	return out
}

// Cancel stops the polling loop and is idempotent. The job keeps its
// last-observed state; an in-flight status request is abandoned and its
// response discarded on arrival.
func (p *Poller) Cancel(jobID string) {
	p.mu.Lock()
	t, ok := p.jobs[jobID]
	if !ok {
		p.mu.Unlock()
		return
	}
	t.cancelled = true
	cancel := t.cancel
	p.mu.Unlock()
	cancel()
}

// CancelAndMark stops polling and explicitly forces the job to cancelled,
// notifying observers once. Already-terminal jobs are left untouched.
func (p *Poller) CancelAndMark(jobID string) {
	p.Cancel(jobID)

	p.mu.Lock()
	t, ok := p.jobs[jobID]
	if !ok || t.job.State.Terminal() {
		p.mu.Unlock()
		return
	}
	t.job.State = StateCancelled
	t.job.Message = "cancelled"
	snapshot := t.job
	observers := append([]Observer(nil), t.observers...)
	p.mu.Unlock()

	p.logger.Info("job cancelled", "job_id", jobID)
	for _, fn := range observers {
		fn(snapshot)
	}
}

func (p *Poller) loop(ctx context.Context, t *tracked) {
	defer close(t.done)
	defer t.cancel()

	for {
		status, err := p.pollOnce(ctx, t)

		// A resumption handler may not assume the world is unchanged: the
		// job may have been cancelled or timed out while the request was
		// in flight. In that case the response is discarded.
		if ctx.Err() != nil {
			p.finishExpired(t)
			return
		}
		if err != nil {
			p.fail(t, fmt.Sprintf("status polling failed: %v", err))
			return
		}
		if terminal := p.apply(t, status); terminal {
			return
		}

		select {
		case <-ctx.Done():
			p.finishExpired(t)
			return
		case <-time.After(p.opts.Interval):
		}
	}
}

// pollOnce issues one status request, retrying transient failures a small
// fixed number of times with an increasing delay.
func (p *Poller) pollOnce(ctx context.Context, t *tracked) (backend.Status, error) {
	var lastErr error
	for attempt := 0; attempt <= p.opts.PollRetries; attempt++ {
		status, err := p.fetcher.JobStatus(ctx, t.job.ID)
		if err == nil {
			return status, nil
		}
		if ctx.Err() != nil {
			return backend.Status{}, ctx.Err()
		}
		lastErr = err

		p.mu.Lock()
		t.job.RetryCount++
		p.mu.Unlock()

		var failure *backend.Failure
		if errors.As(err, &failure) && !failure.Retryable() {
			return backend.Status{}, err
		}
		if attempt == p.opts.PollRetries {
			break
		}

		delay := time.Duration(attempt+1) * p.opts.RetryDelay
		p.logger.Debug("poll attempt failed, retrying",
			"job_id", t.job.ID, "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return backend.Status{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	return backend.Status{}, lastErr
}

// apply folds a status response into the job and notifies observers.
// Returns true when the job reached a terminal state.
func (p *Poller) apply(t *tracked, status backend.Status) bool {
	p.mu.Lock()
	if t.cancelled || t.job.State.Terminal() {
		p.mu.Unlock()
		return true
	}

	if next := parseState(status.State); next != "" {
		t.job.State = next
	} else {
		p.logger.Warn("backend reported unknown job state",
			"job_id", t.job.ID, "state", status.State)
	}
	t.job.Progress = status.Progress
	t.job.LastPolledAt = time.Now().UTC()
	if len(status.Result) > 0 {
		t.job.Result = status.Result
	}
	if t.job.State == StateFailed && status.Error != "" {
		// Backend-reported failures carry the backend's message verbatim.
		t.job.Message = status.Error
	}

	snapshot := t.job
	observers := append([]Observer(nil), t.observers...)
	p.mu.Unlock()

	for _, fn := range observers {
		fn(snapshot)
	}

	if snapshot.State.Terminal() {
		p.logger.Info("job reached terminal state",
			"job_id", snapshot.ID, "state", snapshot.State, "progress", snapshot.Progress)
		return true
	}
	return false
}

// fail marks the job failed with the given message and notifies once.
func (p *Poller) fail(t *tracked, msg string) {
	p.mu.Lock()
	if t.cancelled || t.job.State.Terminal() {
		p.mu.Unlock()
		return
	}
	t.job.State = StateFailed
	t.job.Message = msg
	snapshot := t.job
	observers := append([]Observer(nil), t.observers...)
	p.mu.Unlock()

	p.logger.Warn("job failed", "job_id", snapshot.ID, "message", msg)
	for _, fn := range observers {
		fn(snapshot)
	}
}

// finishExpired runs when the loop context ends. A user cancellation
// leaves the job in its last-observed state; hitting the wall-clock
// ceiling forces a failure with a timeout-specific message.
func (p *Poller) finishExpired(t *tracked) {
	p.mu.Lock()
	cancelled := t.cancelled
	p.mu.Unlock()
	if cancelled {
		return
	}
	p.fail(t, fmt.Sprintf("analysis timed out after %s; gave up waiting for the backend", p.opts.Ceiling))
}
