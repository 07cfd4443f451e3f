package cache

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when no entry exists for a source URL. A stored
// entry whose JSON fails to parse is reported the same way: corruption is
// logged and the key treated as absent rather than failing the load path.
var ErrNotFound = errors.New("cache: entry not found")

// Store persists cache entries in SQLite, one row per source URL.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the cache database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "repoglass.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db, logger: slog.Default()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies embedded SQL migration files that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

// Get loads the entry for sourceURL.
func (s *Store) Get(sourceURL string) (Entry, error) {
	var data string
	err := s.db.QueryRow(`SELECT entry FROM entries WHERE source_url = ?`, sourceURL).Scan(&data)
	if err == sql.ErrNoRows {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}

	var e Entry
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		s.logger.Warn("dropping corrupt cache entry", "source_url", sourceURL, "error", err)
		return Entry{}, ErrNotFound
	}
	return e, nil
}

// Put stores the entry as-is, stamping SavedAt. Callers wanting merge
// semantics go through Saver or Import.
func (s *Store) Put(e Entry) error {
	if e.SourceURL == "" {
		return fmt.Errorf("cache: entry has no source url")
	}
	e.SavedAt = time.Now().UTC()

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding entry for %s: %w", e.SourceURL, err)
	}

	_, err = s.db.Exec(`
		INSERT INTO entries (source_url, entry, saved_at) VALUES (?, ?, ?)
		ON CONFLICT(source_url) DO UPDATE SET entry = excluded.entry, saved_at = excluded.saved_at`,
		e.SourceURL, string(data), e.SavedAt.Format(time.RFC3339),
	)
	return err
}

// Delete removes the entry for sourceURL.
func (s *Store) Delete(sourceURL string) error {
	res, err := s.db.Exec(`DELETE FROM entries WHERE source_url = ?`, sourceURL)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Keys returns all stored source URLs. There is no separate index table;
// enumeration is a scan.
func (s *Store) Keys() ([]string, error) {
	rows, err := s.db.Query(`SELECT source_url FROM entries ORDER BY source_url`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// List returns every decodable entry, skipping corrupt rows.
func (s *Store) List() ([]Entry, error) {
	rows, err := s.db.Query(`SELECT source_url, entry FROM entries ORDER BY source_url`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var key, data string
		if err := rows.Scan(&key, &data); err != nil {
			return nil, err
		}
		var e Entry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			s.logger.Warn("skipping corrupt cache entry", "source_url", key, "error", err)
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
