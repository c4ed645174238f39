package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/danielpatrickdp/align-trainer/internal/faults"
	_ "modernc.org/sqlite"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS artifacts (
	key         TEXT PRIMARY KEY,
	payload     BLOB NOT NULL,
	written_at  TEXT NOT NULL
);
`

// #endregion schema

// Artifact is one keyed payload.
type Artifact struct {
	Key     string
	Payload []byte
}

// Artifacts is the durable key-value store ranks rendezvous through. Every
// failure it returns is classified faults.ErrIO.
type Artifacts interface {
	// Put writes every artifact or none of them.
	Put(ctx context.Context, arts ...Artifact) error
	// Get returns the payload under key and whether it exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, keys ...string) error
}

// #region sqlite

// SQLiteArtifacts keeps artifacts in one SQLite table.
type SQLiteArtifacts struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the artifact database at path. The
// pragmas ride on the DSN so every pooled connection gets them.
func OpenSQLite(path string) (*SQLiteArtifacts, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("%w: open db: %v", faults.ErrIO, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: migrate: %v", faults.ErrIO, err)
	}
	return &SQLiteArtifacts{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteArtifacts) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB so the epoch log can share the file.
func (s *SQLiteArtifacts) DB() *sql.DB {
	return s.db
}

func (s *SQLiteArtifacts) Put(ctx context.Context, arts ...Artifact) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", faults.ErrIO, err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, a := range arts {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO artifacts (key, payload, written_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET payload = excluded.payload, written_at = excluded.written_at`,
			a.Key, a.Payload, now,
		)
		if err != nil {
			return fmt.Errorf("%w: put %s: %v", faults.ErrIO, a.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", faults.ErrIO, err)
	}
	return nil
}

func (s *SQLiteArtifacts) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM artifacts WHERE key = ?`, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: get %s: %v", faults.ErrIO, key, err)
	}
	return payload, true, nil
}

func (s *SQLiteArtifacts) Delete(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE key = ?`, k); err != nil {
			return fmt.Errorf("%w: delete %s: %v", faults.ErrIO, k, err)
		}
	}
	return nil
}

// #endregion sqlite
