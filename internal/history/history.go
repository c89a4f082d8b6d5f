// Package history persists an optional log of executed buildah commands:
// which run, which command, whether it succeeded, and when. It exists to
// let an operator correlate a production deployment back to the exact
// build commands that produced it; buildalot never reads its own history
// back to skip work (incremental builds are out of scope).
package history

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Store is a sqlite-backed build history log.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and opens the history database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening history db %s: %w", path, err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying history schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Record is one executed command, logged after it finishes.
type Record struct {
	RunID       string
	Command     string
	Fingerprint string
	Succeeded   bool
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Insert appends a row to the history log.
func (s *Store) Insert(ctx context.Context, r Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(run_id, command, fingerprint, succeeded, started_at, finished_at) VALUES (?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Command, r.Fingerprint, r.Succeeded, r.StartedAt.UTC(), r.FinishedAt.UTC())
	if err != nil {
		return fmt.Errorf("inserting history row: %w", err)
	}
	return nil
}

// Fingerprint returns a stable identifier for a command's argv, so the
// same command run in two different invocations can be correlated.
func Fingerprint(argv []string) string {
	return digest.FromString(strings.Join(argv, "\x00")).String()
}
