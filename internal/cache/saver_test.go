package cache

import (
	"sync"
	"testing"
	"time"
)

// countingStore wraps an EntryStore and counts writes; an optional delay
// simulates slow durable storage.
type countingStore struct {
	inner EntryStore
	delay time.Duration

	mu   sync.Mutex
	puts int
}

func (c *countingStore) Get(sourceURL string) (Entry, error) {
	return c.inner.Get(sourceURL)
}

func (c *countingStore) Put(e Entry) error {
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	c.mu.Lock()
	c.puts++
	c.mu.Unlock()
	return c.inner.Put(e)
}

func (c *countingStore) putCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.puts
}

func TestSaver_CoalescesRapidSaves(t *testing.T) {
	store := &countingStore{inner: openTestStore(t)}
	saver := NewSaver(store, 50*time.Millisecond)
	key := "https://example.com/r.git"

	saver.Save(Entry{SourceURL: key, Job: JobMeta{State: "pending", Progress: 0}})
	saver.Save(Entry{SourceURL: key, Job: JobMeta{State: "processing", Progress: 20}})
	saver.Save(Entry{SourceURL: key, Job: JobMeta{State: "processing", Progress: 60}})
	saver.Close()

	if n := store.putCount(); n != 1 {
		t.Errorf("writes = %d, want 1 (rapid saves collapse to the latest state)", n)
	}
	got, err := store.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Job.Progress != 60 {
		t.Errorf("persisted progress = %v, want the last save's 60", got.Job.Progress)
	}
}

func TestSaver_QueuesBehindInFlightWrite(t *testing.T) {
	store := &countingStore{inner: openTestStore(t), delay: 60 * time.Millisecond}
	saver := NewSaver(store, 10*time.Millisecond)
	key := "https://example.com/r.git"

	saver.Save(Entry{SourceURL: key, Job: JobMeta{State: "processing", Progress: 30}})
	// Let the debounce fire and the (slow) write begin, then save again.
	time.Sleep(30 * time.Millisecond)
	saver.Save(Entry{SourceURL: key, Job: JobMeta{State: "completed", Progress: 100}})
	saver.Close()

	if n := store.putCount(); n != 2 {
		t.Errorf("writes = %d, want 2 (second save queued behind in-flight write)", n)
	}
	got, err := store.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Job.State != "completed" {
		t.Errorf("final state = %q, want completed (writes applied in save order)", got.Job.State)
	}
}

func TestSaver_IndependentKeys(t *testing.T) {
	store := &countingStore{inner: openTestStore(t)}
	saver := NewSaver(store, 20*time.Millisecond)

	saver.Save(Entry{SourceURL: "https://example.com/a.git", Job: JobMeta{State: "pending"}})
	saver.Save(Entry{SourceURL: "https://example.com/b.git", Job: JobMeta{State: "pending"}})
	saver.Close()

	if n := store.putCount(); n != 2 {
		t.Errorf("writes = %d, want one per key", n)
	}
}

func TestSaver_MergePreservesFetchedFiles(t *testing.T) {
	inner := openTestStore(t)
	key := "https://example.com/repoA.git"

	// Five files fetched in an earlier session.
	contents := map[string]string{
		"a.go": "package a", "b.go": "package b", "c.go": "package c",
		"d.go": "package d", "e.go": "package e",
	}
	if err := inner.Put(Entry{SourceURL: key, FileContents: contents}); err != nil {
		t.Fatalf("seeding store: %v", err)
	}

	// A fresh submission re-fetches only the tree, with contents still
	// pending. Saving it must not discard the earlier file contents.
	saver := NewSaver(inner, 10*time.Millisecond)
	saver.Save(Entry{
		SourceURL: key,
		Job:       JobMeta{ID: "job-2", State: "processing"},
		FileTree:  []FileNode{{Path: "a.go", Type: "file"}, {Path: "f.go", Type: "file"}},
		FileContents: map[string]string{
			"a.go": Placeholder,
			"f.go": Placeholder,
		},
	})
	saver.Close()

	got, err := inner.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	for path, want := range contents {
		if got.FileContents[path] != want {
			t.Errorf("FileContents[%q] = %q, want %q preserved across save", path, got.FileContents[path], want)
		}
	}
	if got.Job.ID != "job-2" {
		t.Errorf("Job.ID = %q, want fresh submission's metadata", got.Job.ID)
	}
	if len(got.FileTree) != 2 {
		t.Errorf("FileTree = %v, want the re-fetched tree", got.FileTree)
	}
}

func TestSaver_CloseFlushesPending(t *testing.T) {
	store := &countingStore{inner: openTestStore(t)}
	// Long debounce: without Close the write would not happen for minutes.
	saver := NewSaver(store, time.Minute)
	saver.Save(Entry{SourceURL: "https://example.com/r.git", Job: JobMeta{State: "completed"}})
	saver.Close()

	if n := store.putCount(); n != 1 {
		t.Errorf("writes = %d, want pending save flushed on Close", n)
	}
}
