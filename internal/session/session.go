// Package session ties the backend client, the job poller, and the local
// cache together behind one facade. The HTTP API and the CLI both talk to
// a Session; neither touches the lower layers directly.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/repoglass/repoglass/internal/backend"
	"github.com/repoglass/repoglass/internal/cache"
	"github.com/repoglass/repoglass/internal/poller"
)

// prefetchConcurrency bounds parallel file-content fetches per request.
const prefetchConcurrency = 4

// Backend is the slice of the backend client a Session needs.
type Backend interface {
	SubmitAnalysis(ctx context.Context, req backend.SubmitRequest) (string, error)
	JobStatus(ctx context.Context, jobID string) (backend.Status, error)
	FileTree(ctx context.Context, repo string) ([]backend.TreeEntry, error)
	FileContent(ctx context.Context, repo, path string) (string, error)
	Chat(ctx context.Context, repo string, messages []backend.ChatMessage) (backend.ChatMessage, error)
}

// EntryStore is the durable cache surface a Session reads through; writes
// go through the debounced Saver.
type EntryStore interface {
	Get(sourceURL string) (cache.Entry, error)
	List() ([]cache.Entry, error)
	Delete(sourceURL string) error
	Export() (cache.ExportDoc, error)
	Import(doc cache.ExportDoc) (int, error)
}

// Session coordinates one daemon's analysis state.
type Session struct {
	backend Backend
	poller  *poller.Poller
	store   EntryStore
	saver   *cache.Saver
	logger  *slog.Logger

	// ctx bounds every polling loop the session starts. Request contexts
	// are unsuitable: they end when the submitting HTTP request does.
	ctx context.Context

	mu     sync.Mutex
	events map[string]*jobEvents // keyed by job ID
}

// jobEvents is the change feed for one job: a sequence number bumped on
// every update and a channel closed (and replaced) to wake waiters.
type jobEvents struct {
	seq  uint64
	job  poller.Job
	wake chan struct{}
}

func New(ctx context.Context, b Backend, p *poller.Poller, store EntryStore, saver *cache.Saver) *Session {
	return &Session{
		backend: b,
		poller:  p,
		store:   store,
		saver:   saver,
		logger:  slog.Default(),
		ctx:     ctx,
		events:  make(map[string]*jobEvents),
	}
}

// Submit sends the repository to the backend for analysis and starts
// polling the resulting job. The returned job is the initial pending
// snapshot; progress flows through WaitJob and the persisted cache entry.
func (s *Session) Submit(ctx context.Context, sourceURL, name, branch string) (poller.Job, error) {
	sourceURL = strings.TrimSuffix(strings.TrimSpace(sourceURL), "/")
	if sourceURL == "" {
		return poller.Job{}, fmt.Errorf("session: source url is required")
	}

	jobID, err := s.backend.SubmitAnalysis(ctx, backend.SubmitRequest{
		URL:    sourceURL,
		Name:   name,
		Branch: branch,
	})
	if err != nil {
		return poller.Job{}, err
	}

	job := poller.Job{
		ID:        jobID,
		SourceURL: sourceURL,
		State:     poller.StatePending,
		StartedAt: time.Now().UTC(),
	}
	s.track(job)
	s.saver.Save(cache.Entry{SourceURL: sourceURL, Job: jobMeta(job)})

	if err := s.poller.Start(s.ctx, job, s.onJobUpdate); err != nil {
		return poller.Job{}, fmt.Errorf("starting poll loop for job %s: %w", jobID, err)
	}
	s.logger.Info("analysis submitted", "source_url", sourceURL, "job_id", jobID)
	return job, nil
}

// Resume restarts polling for every cached job that never reached a
// terminal state, typically after a daemon restart.
func (s *Session) Resume() error {
	entries, err := s.store.List()
	if err != nil {
		return fmt.Errorf("listing cached entries: %w", err)
	}
	for _, e := range entries {
		if e.Job.ID == "" || poller.State(e.Job.State).Terminal() {
			continue
		}
		job := poller.Job{
			ID:        e.Job.ID,
			SourceURL: e.SourceURL,
			State:     poller.State(e.Job.State),
			Progress:  e.Job.Progress,
			StartedAt: time.Now().UTC(),
		}
		s.track(job)
		if err := s.poller.Start(s.ctx, job, s.onJobUpdate); err != nil {
			s.logger.Warn("could not resume job", "job_id", e.Job.ID, "error", err)
			continue
		}
		s.logger.Info("resumed polling", "job_id", e.Job.ID, "source_url", e.SourceURL)
	}
	return nil
}

// Cancel stops polling the job and marks it cancelled. Idempotent; a job
// already in a terminal state keeps that state.
func (s *Session) Cancel(jobID string) {
	s.poller.CancelAndMark(jobID)
}

// Job returns the last-observed snapshot of a tracked job.
func (s *Session) Job(jobID string) (poller.Job, bool) {
	return s.poller.Snapshot(jobID)
}

// Jobs returns snapshots of every tracked job.
func (s *Session) Jobs() []poller.Job {
	return s.poller.Jobs()
}

// WaitJob blocks until the job's change sequence exceeds after, then
// returns the latest snapshot and its sequence number. Passing the
// returned sequence back in gives long-poll semantics: the dashboard
// holds a request open and wakes exactly when something changed.
func (s *Session) WaitJob(ctx context.Context, jobID string, after uint64) (poller.Job, uint64, error) {
	for {
		s.mu.Lock()
		ev, ok := s.events[jobID]
		if !ok {
			s.mu.Unlock()
			return poller.Job{}, 0, poller.ErrUnknownJob
		}
		if ev.seq > after {
			job, seq := ev.job, ev.seq
			s.mu.Unlock()
			return job, seq, nil
		}
		wake := ev.wake
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return poller.Job{}, 0, ctx.Err()
		case <-wake:
		}
	}
}

// Entry returns the cached entry for a repository.
func (s *Session) Entry(sourceURL string) (cache.Entry, error) {
	return s.store.Get(sourceURL)
}

// Entries returns every cached entry.
func (s *Session) Entries() ([]cache.Entry, error) {
	return s.store.List()
}

// Forget drops the cached entry for a repository. Any live poll loop for
// it is cancelled first.
func (s *Session) Forget(sourceURL string) error {
	e, err := s.store.Get(sourceURL)
	if err == nil && e.Job.ID != "" {
		s.poller.Cancel(e.Job.ID)
	}
	return s.store.Delete(sourceURL)
}

// Export snapshots the whole cache into a portable document.
func (s *Session) Export() (cache.ExportDoc, error) {
	return s.store.Export()
}

// Import merges the document into the cache and returns how many entries
// were applied.
func (s *Session) Import(doc cache.ExportDoc) (int, error) {
	return s.store.Import(doc)
}

// FetchTree pulls the repository's file listing from the backend, records
// it in the cache with placeholders for unfetched files, and returns it.
func (s *Session) FetchTree(ctx context.Context, sourceURL string) ([]cache.FileNode, error) {
	entries, err := s.backend.FileTree(ctx, repoName(sourceURL))
	if err != nil {
		return nil, err
	}

	tree := make([]cache.FileNode, 0, len(entries))
	contents := make(map[string]string)
	for _, e := range entries {
		tree = append(tree, cache.FileNode{Path: e.Path, Type: e.Type, Size: e.Size})
		if e.Type == "file" {
			contents[e.Path] = cache.Placeholder
		}
	}
	s.saver.Save(cache.Entry{SourceURL: sourceURL, FileTree: tree, FileContents: contents})
	return tree, nil
}

// FetchFile returns one file's content, from cache when present, from the
// backend otherwise. A backend fetch is recorded in the cache.
func (s *Session) FetchFile(ctx context.Context, sourceURL, path string) (string, error) {
	if e, err := s.store.Get(sourceURL); err == nil {
		if content, ok := e.FileContents[path]; ok && content != "" && content != cache.Placeholder {
			return content, nil
		}
	}

	content, err := s.backend.FileContent(ctx, repoName(sourceURL), path)
	if err != nil {
		return "", err
	}
	s.saver.Save(cache.Entry{
		SourceURL:    sourceURL,
		FileContents: map[string]string{path: content},
	})
	return content, nil
}

// Prefetch pulls the given files in parallel, a few at a time, and records
// everything fetched. Paths already cached with real content are skipped.
// The first fetch error cancels the remaining fetches, but content fetched
// before the failure is still saved.
func (s *Session) Prefetch(ctx context.Context, sourceURL string, paths []string) error {
	var cached map[string]string
	if e, err := s.store.Get(sourceURL); err == nil {
		cached = e.FileContents
	}

	var (
		mu       sync.Mutex
		contents = make(map[string]string)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(prefetchConcurrency)
	for _, path := range paths {
		if c, ok := cached[path]; ok && c != "" && c != cache.Placeholder {
			continue
		}
		path := path
		g.Go(func() error {
			content, err := s.backend.FileContent(gctx, repoName(sourceURL), path)
			if err != nil {
				return fmt.Errorf("fetching %s: %w", path, err)
			}
			mu.Lock()
			contents[path] = content
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()

	if len(contents) > 0 {
		s.saver.Save(cache.Entry{SourceURL: sourceURL, FileContents: contents})
	}
	return err
}

// Chat sends the user's message, with the repository's persisted history
// as context, and returns the backend's reply. Both turns are appended to
// the cached chat history.
func (s *Session) Chat(ctx context.Context, sourceURL, content string) (cache.ChatMessage, error) {
	var history []cache.ChatMessage
	if e, err := s.store.Get(sourceURL); err == nil {
		history = e.ChatHistory
	}

	messages := make([]backend.ChatMessage, 0, len(history)+1)
	for _, m := range history {
		messages = append(messages, backend.ChatMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, backend.ChatMessage{Role: "user", Content: content})

	reply, err := s.backend.Chat(ctx, repoName(sourceURL), messages)
	if err != nil {
		return cache.ChatMessage{}, err
	}

	now := time.Now().UTC()
	userMsg := cache.ChatMessage{ID: uuid.New().String(), Role: "user", Content: content, CreatedAt: now}
	replyMsg := cache.ChatMessage{ID: uuid.New().String(), Role: reply.Role, Content: reply.Content, CreatedAt: now}
	if replyMsg.Role == "" {
		replyMsg.Role = "assistant"
	}
	s.saver.Save(cache.Entry{
		SourceURL:   sourceURL,
		ChatHistory: []cache.ChatMessage{userMsg, replyMsg},
	})
	return replyMsg, nil
}

// onJobUpdate is the observer attached to every polling loop: it persists
// the snapshot and wakes long-poll waiters.
func (s *Session) onJobUpdate(job poller.Job) {
	s.saver.Save(cache.Entry{SourceURL: job.SourceURL, Job: jobMeta(job)})
	s.publish(job)
}

// track seeds the change feed so WaitJob(after=0) returns the initial
// snapshot immediately instead of ErrUnknownJob.
func (s *Session) track(job poller.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[job.ID]; ok {
		return
	}
	s.events[job.ID] = &jobEvents{seq: 1, job: job, wake: make(chan struct{})}
}

func (s *Session) publish(job poller.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[job.ID]
	if !ok {
		ev = &jobEvents{wake: make(chan struct{})}
		s.events[job.ID] = ev
	}
	ev.seq++
	ev.job = job
	close(ev.wake)
	ev.wake = make(chan struct{})
}

// repoName derives the backend's repository identifier from a source URL:
// the last path segment with any .git suffix stripped.
func repoName(sourceURL string) string {
	trimmed := strings.TrimSuffix(sourceURL, "/")
	if u, err := url.Parse(trimmed); err == nil && u.Path != "" {
		trimmed = u.Path
	}
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	return strings.TrimSuffix(trimmed, ".git")
}

func jobMeta(job poller.Job) cache.JobMeta {
	return cache.JobMeta{
		ID:           job.ID,
		State:        string(job.State),
		Progress:     job.Progress,
		Message:      job.Message,
		Result:       job.Result,
		StartedAt:    job.StartedAt,
		LastPolledAt: job.LastPolledAt,
	}
}
