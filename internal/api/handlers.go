// Package api exposes the daemon's local HTTP surface for the dashboard:
// submitting analyses, watching job progress, browsing cached repository
// state, and moving the cache between machines.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/repoglass/repoglass/internal/backend"
	"github.com/repoglass/repoglass/internal/cache"
	"github.com/repoglass/repoglass/internal/poller"
	"github.com/repoglass/repoglass/internal/session"
)

const maxRequestBodySize = 1 << 20   // 1MB
const maxImportBodySize = 50 << 20   // 50MB, a whole exported cache
const longPollTimeout = 25 * time.Second

// Prober is the slice of the endpoint locator the health handler needs.
type Prober interface {
	Resolve(ctx context.Context) (string, error)
}

type Deps struct {
	Session *session.Session
	Locator Prober
}

func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))

	r.Post("/analyses", handleSubmit(deps))
	r.Get("/analyses", handleListJobs(deps))
	r.Get("/analyses/{id}", handleGetJob(deps))
	r.Delete("/analyses/{id}", handleCancelJob(deps))
	r.Get("/analyses/{id}/events", handleJobEvents(deps))

	r.Get("/entries", handleListEntries(deps))
	r.Get("/entries/show", handleGetEntry(deps))
	r.Delete("/entries", handleForgetEntry(deps))

	r.Get("/repos/tree", handleTree(deps))
	r.Get("/repos/file", handleFile(deps))
	r.Post("/repos/prefetch", handlePrefetch(deps))

	r.Post("/chat", handleChat(deps))

	r.Get("/export", handleExport(deps))
	r.Post("/import", handleImport(deps))

	return r
}

type healthResponse struct {
	Status  string `json:"status"`
	Backend struct {
		Endpoint  string `json:"endpoint,omitempty"`
		Reachable bool   `json:"reachable"`
	} `json:"backend"`
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var resp healthResponse
		resp.Status = "ok"

		endpoint, err := deps.Locator.Resolve(r.Context())
		if err == nil {
			resp.Backend.Endpoint = endpoint
			resp.Backend.Reachable = true
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

type submitRequest struct {
	URL    string `json:"url"`
	Name   string `json:"name,omitempty"`
	Branch string `json:"branch,omitempty"`
}

func handleSubmit(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.URL == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "url is required")
			return
		}

		job, err := deps.Session.Submit(r.Context(), req.URL, req.Name, req.Branch)
		if err != nil {
			backendError(w, "submitting analysis", err)
			return
		}
		writeJSON(w, http.StatusAccepted, job)
	}
}

func handleListJobs(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs := deps.Session.Jobs()
		if jobs == nil {
			jobs = []poller.Job{}
		}
		writeJSON(w, http.StatusOK, jobs)
	}
}

func handleGetJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, ok := deps.Session.Job(chi.URLParam(r, "id"))
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func handleCancelJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, ok := deps.Session.Job(id); !ok {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		deps.Session.Cancel(id)
		job, _ := deps.Session.Job(id)
		writeJSON(w, http.StatusOK, job)
	}
}

type jobEvent struct {
	Seq uint64     `json:"seq"`
	Job poller.Job `json:"job"`
}

// handleJobEvents is the dashboard's long-poll feed: the request blocks
// until the job changes past the caller's last-seen sequence number or
// the poll window elapses, whichever comes first. A timeout returns 204
// and the caller simply polls again with the same sequence.
func handleJobEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		after, _ := strconv.ParseUint(r.URL.Query().Get("after"), 10, 64)

		ctx, cancel := context.WithTimeout(r.Context(), longPollTimeout)
		defer cancel()

		job, seq, err := deps.Session.WaitJob(ctx, id, after)
		switch {
		case errors.Is(err, poller.ErrUnknownJob):
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		case errors.Is(err, context.DeadlineExceeded) && r.Context().Err() == nil:
			w.WriteHeader(http.StatusNoContent)
			return
		case err != nil:
			// Client went away; nothing sensible to write.
			return
		}
		writeJSON(w, http.StatusOK, jobEvent{Seq: seq, Job: job})
	}
}

func handleListEntries(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := deps.Session.Entries()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list entries: %v", err)
			return
		}
		if entries == nil {
			entries = []cache.Entry{}
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func handleGetEntry(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sourceURL := r.URL.Query().Get("url")
		if sourceURL == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "url query parameter is required")
			return
		}
		entry, err := deps.Session.Entry(sourceURL)
		if errors.Is(err, cache.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no cached entry for %s", sourceURL)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load entry: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, entry)
	}
}

func handleForgetEntry(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sourceURL := r.URL.Query().Get("url")
		if sourceURL == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "url query parameter is required")
			return
		}
		err := deps.Session.Forget(sourceURL)
		if errors.Is(err, cache.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no cached entry for %s", sourceURL)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete entry: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleTree(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sourceURL := r.URL.Query().Get("url")
		if sourceURL == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "url query parameter is required")
			return
		}
		tree, err := deps.Session.FetchTree(r.Context(), sourceURL)
		if err != nil {
			backendError(w, "fetching file tree", err)
			return
		}
		if tree == nil {
			tree = []cache.FileNode{}
		}
		writeJSON(w, http.StatusOK, tree)
	}
}

func handleFile(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sourceURL := r.URL.Query().Get("url")
		path := r.URL.Query().Get("path")
		if sourceURL == "" || path == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "url and path query parameters are required")
			return
		}
		content, err := deps.Session.FetchFile(r.Context(), sourceURL, path)
		if err != nil {
			backendError(w, "fetching file", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"path": path, "content": content})
	}
}

type prefetchRequest struct {
	URL   string   `json:"url"`
	Paths []string `json:"paths"`
}

func handlePrefetch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req prefetchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.URL == "" || len(req.Paths) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "url and paths are required")
			return
		}
		if err := deps.Session.Prefetch(r.Context(), req.URL, req.Paths); err != nil {
			backendError(w, "prefetching files", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "fetched"})
	}
}

type chatRequest struct {
	URL     string `json:"url"`
	Content string `json:"content"`
}

func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.URL == "" || req.Content == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "url and content are required")
			return
		}
		reply, err := deps.Session.Chat(r.Context(), req.URL, req.Content)
		if err != nil {
			backendError(w, "chatting with backend", err)
			return
		}
		writeJSON(w, http.StatusOK, reply)
	}
}

func handleExport(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, err := deps.Session.Export()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to export cache: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, doc)
	}
}

func handleImport(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxImportBodySize)
		var doc cache.ExportDoc
		if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid export document: %v", err)
			return
		}
		applied, err := deps.Session.Import(doc)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "import failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"imported": applied})
	}
}

// backendError maps a failure from the analysis backend onto the local
// API: an unreachable backend is 503 so the dashboard can show an offline
// banner, a backend-side rejection is relayed as 502 with the detail.
func backendError(w http.ResponseWriter, action string, err error) {
	if errors.Is(err, backend.ErrUnreachable) {
		httpError(w, http.StatusServiceUnavailable, "service_offline", "analysis backend is unreachable")
		return
	}
	var failure *backend.Failure
	if errors.As(err, &failure) && failure.Kind == backend.KindClientError {
		httpError(w, http.StatusBadGateway, "backend_rejected", "%s: %v", action, err)
		return
	}
	httpError(w, http.StatusBadGateway, "api_error", "%s: %v", action, err)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
