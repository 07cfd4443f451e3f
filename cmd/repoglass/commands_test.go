package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
}

type testServer struct {
	server *httptest.Server

	mu       sync.Mutex
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.mu.Lock()
		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
		})
		ts.mu.Unlock()

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		httpClient: ts.server.Client(),
	}
}

func (ts *testServer) recorded() []recordedRequest {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]recordedRequest(nil), ts.requests...)
}

var ctx = context.Background()

func TestAnalyzeSubmitRequest(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /analyses": `{"id":"job-1","source_url":"https://example.com/r.git","state":"pending"}`,
	})

	client := ts.client()
	resp, err := client.post(ctx, "/analyses", map[string]string{
		"url":    "https://example.com/r.git",
		"branch": "develop",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var job struct {
		ID    string `json:"id"`
		State string `json:"state"`
	}
	if err := decodeJSON(resp, &job); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if job.ID != "job-1" || job.State != "pending" {
		t.Errorf("job = %+v", job)
	}

	reqs := ts.recorded()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	var sent map[string]string
	if err := json.Unmarshal([]byte(reqs[0].Body), &sent); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if sent["url"] != "https://example.com/r.git" || sent["branch"] != "develop" {
		t.Errorf("body = %v", sent)
	}
}

func TestAnalyzeCommand_MissingArgs(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"analyze"})
	if err := rootCmd.Execute(); err == nil {
		t.Fatal("expected error for missing repository url")
	}
}

func TestWatchJobFollowsEvents(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch calls {
		case 0:
			w.Write([]byte(`{"seq":2,"job":{"state":"processing","progress":40}}`))
		case 1:
			// A poll window with no change.
			w.WriteHeader(http.StatusNoContent)
		default:
			w.Write([]byte(`{"seq":3,"job":{"state":"completed","progress":100}}`))
		}
		calls++
	}))
	defer srv.Close()

	client := &apiClient{baseURL: srv.URL, httpClient: srv.Client()}
	cmd := analyzeCmd
	cmd.SetContext(ctx)
	if err := watchJob(cmd, client, "job-1"); err != nil {
		t.Fatalf("watchJob: %v", err)
	}
	if calls != 3 {
		t.Errorf("event requests = %d, want the watcher to poll past the empty window", calls)
	}
}

func TestWatchJobReportsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"seq":2,"job":{"state":"failed","message":"clone failed"}}`))
	}))
	defer srv.Close()

	client := &apiClient{baseURL: srv.URL, httpClient: srv.Client()}
	cmd := analyzeCmd
	cmd.SetContext(ctx)
	err := watchJob(cmd, client, "job-1")
	if err == nil || !strings.Contains(err.Error(), "failed") {
		t.Errorf("watchJob = %v, want failure error", err)
	}
}

func TestCancelRequest(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"DELETE /analyses/job-1": `{"id":"job-1","state":"cancelled"}`,
	})

	client := ts.client()
	resp, err := client.delete(ctx, "/analyses/job-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var job struct {
		State string `json:"state"`
	}
	if err := decodeJSON(resp, &job); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if job.State != "cancelled" {
		t.Errorf("state = %q", job.State)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(503)
		w.Write([]byte(`{"error":{"message":"analysis backend is unreachable","type":"service_offline"}}`))
	}))
	defer srv.Close()

	client := &apiClient{baseURL: srv.URL, httpClient: srv.Client()}
	resp, err := client.get(ctx, "/analyses")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var out any
	err = decodeJSON(resp, &out)
	if err == nil {
		t.Fatal("expected error for 503 response")
	}
	if !strings.Contains(err.Error(), "503") || !strings.Contains(err.Error(), "service_offline") {
		t.Errorf("error = %q, want status and detail relayed", err.Error())
	}
}

func TestDaemonNotReachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	client := &apiClient{baseURL: srv.URL, httpClient: http.DefaultClient}
	_, err := client.get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped daemon")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	if got := colorize(colorGreen, "done"); got != "done" {
		t.Errorf("colorize with noColor = %q, want plain text", got)
	}

	noColor = false
	if got := colorize(colorGreen, "done"); !strings.Contains(got, "\033[") {
		t.Errorf("colorize without noColor = %q, want ANSI codes", got)
	}
}

func TestShortID(t *testing.T) {
	if got := shortID("0123456789abcdef"); got != "01234567" {
		t.Errorf("shortID = %q", got)
	}
	if got := shortID("abc"); got != "abc" {
		t.Errorf("shortID = %q", got)
	}
}
