package cache

import (
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:): %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_PutGetRoundtrip(t *testing.T) {
	s := openTestStore(t)

	e := Entry{
		SourceURL: "https://example.com/repoA.git",
		Job:       JobMeta{ID: "job-1", State: "completed", Progress: 100, StartedAt: time.Now().UTC()},
		FileTree:  []FileNode{{Path: "main.go", Type: "file", Size: 42}},
		FileContents: map[string]string{
			"main.go": "package main",
		},
		ChatHistory: []ChatMessage{{ID: "m1", Role: "user", Content: "hello", CreatedAt: time.Now().UTC()}},
	}
	if err := s.Put(e); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(e.SourceURL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Job.ID != "job-1" || got.Job.Progress != 100 {
		t.Errorf("Job = %+v", got.Job)
	}
	if got.FileContents["main.go"] != "package main" {
		t.Errorf("FileContents = %v", got.FileContents)
	}
	if len(got.ChatHistory) != 1 || got.ChatHistory[0].ID != "m1" {
		t.Errorf("ChatHistory = %v", got.ChatHistory)
	}
	if got.SavedAt.IsZero() {
		t.Error("SavedAt not stamped on Put")
	}
}

func TestStore_GetMissing(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Get("https://example.com/unknown.git"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get = %v, want ErrNotFound", err)
	}
}

func TestStore_CorruptEntryTreatedAsAbsent(t *testing.T) {
	s := openTestStore(t)

	_, err := s.db.Exec(`INSERT INTO entries (source_url, entry, saved_at) VALUES (?, ?, ?)`,
		"https://example.com/corrupt.git", "{not json", time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		t.Fatalf("inserting corrupt row: %v", err)
	}
	if err := s.Put(Entry{SourceURL: "https://example.com/fine.git"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if _, err := s.Get("https://example.com/corrupt.git"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get corrupt = %v, want ErrNotFound", err)
	}

	// The rest of the store is unaffected: List skips the corrupt row.
	entries, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].SourceURL != "https://example.com/fine.git" {
		t.Errorf("List = %v, want only the intact entry", entries)
	}
}

func TestStore_PutUpserts(t *testing.T) {
	s := openTestStore(t)
	key := "https://example.com/r.git"

	s.Put(Entry{SourceURL: key, Job: JobMeta{State: "pending"}})
	s.Put(Entry{SourceURL: key, Job: JobMeta{State: "completed"}})

	got, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Job.State != "completed" {
		t.Errorf("State = %q, want completed", got.Job.State)
	}

	keys, err := s.Keys()
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 1 {
		t.Errorf("Keys = %v, want a single key after upsert", keys)
	}
}

func TestStore_Delete(t *testing.T) {
	s := openTestStore(t)
	key := "https://example.com/r.git"
	s.Put(Entry{SourceURL: key})

	if err := s.Delete(key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(key); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete = %v, want ErrNotFound", err)
	}
}

func TestStore_MigrationsRecorded(t *testing.T) {
	s := openTestStore(t)
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&n); err != nil {
		t.Fatalf("querying schema_version: %v", err)
	}
	if n == 0 {
		t.Error("no migrations recorded")
	}
}
