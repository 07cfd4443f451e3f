package cache

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// EntryStore is the persistence surface Saver writes through.
type EntryStore interface {
	Get(sourceURL string) (Entry, error)
	Put(e Entry) error
}

// Saver is a debounced, merge-on-write persistence front. Rapid saves for
// the same key within the debounce window collapse to one write of the
// latest state; a save arriving while a write is in flight is queued
// behind it, never interleaved with it. Writes for a key are applied in
// the order Save was called.
type Saver struct {
	store    EntryStore
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingWrite
	wg      sync.WaitGroup
	closed  bool
}

// pendingWrite is the single-flight slot for one key: at most one timer
// or one in-flight write exists per key at any time.
type pendingWrite struct {
	entry    Entry
	timer    *time.Timer
	inFlight bool
	queued   bool
}

func NewSaver(store EntryStore, debounce time.Duration) *Saver {
	if debounce <= 0 {
		debounce = time.Second
	}
	return &Saver{
		store:    store,
		debounce: debounce,
		logger:   slog.Default(),
		pending:  make(map[string]*pendingWrite),
	}
}

// Save schedules the entry for persistence. It never blocks on storage.
func (s *Saver) Save(e Entry) {
	if e.SourceURL == "" {
		s.logger.Warn("ignoring save with empty source url")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.logger.Warn("save after close dropped", "source_url", e.SourceURL)
		return
	}

	pw, ok := s.pending[e.SourceURL]
	if !ok {
		key := e.SourceURL
		pw = &pendingWrite{entry: e.Clone()}
		s.pending[key] = pw
		s.wg.Add(1)
		pw.timer = time.AfterFunc(s.debounce, func() { s.flush(key) })
		return
	}

	// Timer not fired yet: replace the payload, keeping one write.
	// Write in flight: remember that one follow-up write is owed.
	pw.entry = e.Clone()
	if pw.inFlight {
		pw.queued = true
	}
}

// flush performs the debounced write for key and schedules the follow-up
// if a save arrived mid-write.
func (s *Saver) flush(key string) {
	defer s.wg.Done()

	s.mu.Lock()
	pw, ok := s.pending[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	entry := pw.entry.Clone()
	pw.inFlight = true
	s.mu.Unlock()

	s.write(entry)

	s.mu.Lock()
	pw.inFlight = false
	if pw.queued {
		pw.queued = false
		delay := s.debounce
		if s.closed {
			delay = 0
		}
		s.wg.Add(1)
		pw.timer = time.AfterFunc(delay, func() { s.flush(key) })
	} else {
		delete(s.pending, key)
	}
	s.mu.Unlock()
}

// write merges the snapshot over what is already stored so a partial
// snapshot can never clobber content persisted earlier.
func (s *Saver) write(e Entry) {
	merged := e
	existing, err := s.store.Get(e.SourceURL)
	switch {
	case err == nil:
		merged = Merge(existing, e)
	case !errors.Is(err, ErrNotFound):
		s.logger.Warn("loading entry before save", "source_url", e.SourceURL, "error", err)
	}

	if err := s.store.Put(merged); err != nil {
		s.logger.Error("cache save failed", "source_url", e.SourceURL, "error", err)
	}
}

// Close fires every pending write immediately and waits for all writes,
// including queued follow-ups, to finish. Saves arriving after Close are
// dropped.
func (s *Saver) Close() {
	s.mu.Lock()
	s.closed = true
	for key, pw := range s.pending {
		if pw.timer != nil && pw.timer.Stop() {
			// Timer hadn't fired; run its flush now.
			go s.flush(key)
		}
	}
	s.mu.Unlock()
	s.wg.Wait()
}
