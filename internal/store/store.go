// Package store keeps samples in a DuckDB table so recent history can be
// served back over the API after the CSV file has rotated away.
package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/marcboeker/go-duckdb"
	"github.com/rs/zerolog/log"

	"github.com/shaunagostinho/obdlog/internal/acquire"
	"github.com/shaunagostinho/obdlog/internal/obd"
)

const schema = `CREATE TABLE IF NOT EXISTS samples (
	run_id VARCHAR NOT NULL,
	seq INTEGER NOT NULL,
	ts TIMESTAMPTZ NOT NULL,
	ordinal INTEGER NOT NULL,
	pid VARCHAR NOT NULL,
	label VARCHAR NOT NULL,
	text VARCHAR NOT NULL,
	raw DOUBLE,
	unit VARCHAR,
	valid BOOLEAN NOT NULL
)`

const insertReading = `INSERT INTO samples (run_id, seq, ts, ordinal, pid, label, text, raw, unit, valid) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectRecent = `SELECT run_id, seq, ts, pid, label, text, raw, unit, valid FROM samples
WHERE ts >= (SELECT min(ts) FROM (SELECT DISTINCT ts FROM samples ORDER BY ts DESC LIMIT ?))
ORDER BY ts, run_id, seq, ordinal`

// Store is an acquire.Sink backed by SQL.
type Store struct {
	db *sql.DB
}

// New wraps an open database. Call Migrate before use.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open opens (or creates) the DuckDB database at dsn and ensures the
// schema. An empty dsn gives an in-memory database.
func Open(ctx context.Context, dsn string) (*Store, error) {
	connector, err := duckdb.NewConnector(dsn, initConn)
	if err != nil {
		return nil, fmt.Errorf("store: duckdb connector: %w", err)
	}
	s := New(sql.OpenDB(connector))
	if err := s.Migrate(ctx); err != nil {
		s.db.Close()
		return nil, err
	}
	log.Info().Str("component", "store").Str("dsn", dsn).Msg("sample store ready")
	return s, nil
}

// initConn runs on every new pool connection, which may be opened long
// after Open returned, so it must not use Open's context.
func initConn(execer driver.ExecerContext) error {
	_, err := execer.ExecContext(context.Background(), "PRAGMA threads=2", nil)
	return err
}

// Migrate creates the samples table if needed.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: create table: %w", err)
	}
	return nil
}

// Accept stores every reading of sample in one transaction, so a sample
// is either fully stored or not at all.
func (s *Store) Accept(sample acquire.Sample) error {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertReading)
	if err != nil {
		return fmt.Errorf("store: prepare: %w", err)
	}
	defer stmt.Close()

	run := sample.RunID.String()
	for i, v := range sample.Readings {
		var raw sql.NullFloat64
		if v.Valid {
			raw = sql.NullFloat64{Float64: v.Raw, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, run, sample.Seq, sample.Timestamp, i, string(v.PID), v.Label, v.Text, raw, v.Unit, v.Valid); err != nil {
			return fmt.Errorf("store: insert %s: %w", v.PID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// Recent returns up to limit most recent samples, oldest first, with
// timestamps in loc (UTC when nil).
func (s *Store) Recent(ctx context.Context, limit int, loc *time.Location) ([]acquire.Sample, error) {
	if limit <= 0 {
		return nil, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	rows, err := s.db.QueryContext(ctx, selectRecent, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query recent: %w", err)
	}
	defer rows.Close()

	var out []acquire.Sample
	for rows.Next() {
		var (
			run, pid, label, text string
			seq                   int
			ts                    time.Time
			raw                   sql.NullFloat64
			unit                  sql.NullString
			valid                 bool
		)
		if err := rows.Scan(&run, &seq, &ts, &pid, &label, &text, &raw, &unit, &valid); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		id, err := uuid.Parse(run)
		if err != nil {
			return nil, fmt.Errorf("store: run id %q: %w", run, err)
		}
		if n := len(out); n == 0 || out[n-1].RunID != id || out[n-1].Seq != seq {
			out = append(out, acquire.Sample{Timestamp: ts.In(loc), RunID: id, Seq: seq})
		}
		last := &out[len(out)-1]
		last.Readings = append(last.Readings, acquire.Value{
			PID:   obd.PID(pid),
			Label: label,
			Text:  text,
			Raw:   raw.Float64,
			Unit:  unit.String,
			Valid: valid,
		})
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
