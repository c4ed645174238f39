// Package logging records training progress: a structured epoch_log table and
// the JSON-lines training log of published weight vectors.
package logging

import (
	"database/sql"
	"fmt"
	"time"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS epoch_log (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id       TEXT NOT NULL,
	version_id   TEXT NOT NULL,
	epoch        INTEGER NOT NULL,
	components   INTEGER NOT NULL,
	instances    INTEGER NOT NULL,
	changed      INTEGER NOT NULL,
	regularize   TEXT,
	precision    REAL,
	recall       REAL,
	fmeasure     REAL,
	elapsed_ms   INTEGER NOT NULL,
	created_at   TEXT NOT NULL
);
`

// Migrate creates the epoch_log table if it does not exist.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate epoch_log: %w", err)
	}
	return nil
}

// #endregion schema

// #region log-epoch
// LogEpoch writes one completed epoch to the epoch_log table.
func LogEpoch(db *sql.DB, entry EpochEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	var p, r, f interface{}
	if entry.Heldout != nil {
		p, r, f = entry.Heldout.Precision, entry.Heldout.Recall, entry.Heldout.F
	}

	_, err := db.Exec(
		`INSERT INTO epoch_log (run_id, version_id, epoch, components, instances, changed, regularize, precision, recall, fmeasure, elapsed_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RunID,
		entry.VersionID,
		entry.Epoch,
		entry.Components,
		entry.Instances,
		entry.Changed,
		nullIfEmpty(entry.Regularize),
		p, r, f,
		entry.ElapsedMS,
		entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log epoch: %w", err)
	}
	return nil
}

// #endregion log-epoch

// #region list-epochs
// ListEpochs returns epoch_log rows oldest first. An empty runID lists every run;
// limit <= 0 means no limit.
func ListEpochs(db *sql.DB, runID string, limit int) ([]EpochEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(
		`SELECT run_id, version_id, epoch, components, instances, changed, regularize, precision, recall, fmeasure, elapsed_ms, created_at
		 FROM epoch_log WHERE (? = '' OR run_id = ?) ORDER BY id ASC LIMIT ?`,
		runID, runID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list epochs: %w", err)
	}
	defer rows.Close()

	var out []EpochEntry
	for rows.Next() {
		var e EpochEntry
		var reg sql.NullString
		var p, r, f sql.NullFloat64
		var created string
		if err := rows.Scan(&e.RunID, &e.VersionID, &e.Epoch, &e.Components, &e.Instances, &e.Changed,
			&reg, &p, &r, &f, &e.ElapsedMS, &created); err != nil {
			return nil, fmt.Errorf("scan epoch: %w", err)
		}
		e.Regularize = reg.String
		if f.Valid {
			e.Heldout = &HeldoutScore{Precision: p.Float64, Recall: r.Float64, F: f.Float64}
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// #endregion list-epochs

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
