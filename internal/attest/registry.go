package attest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ppiankov/chainseal/internal/audit"
)

const driverName = "sqlite"

// Baselines are never updated or deleted; a new row supersedes the old.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS baselines (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		path        TEXT NOT NULL,
		digest      TEXT NOT NULL,
		recorded_at TEXT NOT NULL,
		reason      TEXT NOT NULL,
		record_id   TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS baselines_path ON baselines(path, seq)`,
	`CREATE TRIGGER IF NOT EXISTS baselines_no_update BEFORE UPDATE ON baselines
	BEGIN SELECT RAISE(ABORT, 'baselines are append-only'); END`,
	`CREATE TRIGGER IF NOT EXISTS baselines_no_delete BEFORE DELETE ON baselines
	BEGIN SELECT RAISE(ABORT, 'baselines are append-only'); END`,
	`CREATE TABLE IF NOT EXISTS ledger_heads (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		lines       INTEGER NOT NULL,
		hash        TEXT NOT NULL,
		recorded_at TEXT NOT NULL
	)`,
	`CREATE TRIGGER IF NOT EXISTS ledger_heads_no_update BEFORE UPDATE ON ledger_heads
	BEGIN SELECT RAISE(ABORT, 'ledger heads are append-only'); END`,
	`CREATE TRIGGER IF NOT EXISTS ledger_heads_no_delete BEFORE DELETE ON ledger_heads
	BEGIN SELECT RAISE(ABORT, 'ledger heads are append-only'); END`,
}

// Baseline is the expected digest of a tracked artifact.
type Baseline struct {
	Path       string    `json:"path"`
	Digest     string    `json:"digest"`
	RecordedAt time.Time `json:"recorded_at"`
	Reason     string    `json:"reason"`
	// RecordID is the id of the ledger record that established it.
	RecordID string `json:"record_id,omitempty"`
}

// Registry stores baselines in SQLite.
type Registry struct {
	db *sql.DB
}

// OpenRegistry opens or creates the registry at path.
func OpenRegistry(path string) (*Registry, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("attest: create registry directory: %w", err)
		}
	}
	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("attest: open registry: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("attest: init registry: %w", err)
		}
	}
	return &Registry{db: db}, nil
}

// Close closes the database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Insert appends a baseline row.
func (r *Registry) Insert(ctx context.Context, b Baseline) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO baselines (path, digest, recorded_at, reason, record_id) VALUES (?, ?, ?, ?, ?)`,
		b.Path, b.Digest, b.RecordedAt.UTC().Format(time.RFC3339Nano), b.Reason, b.RecordID,
	)
	if err != nil {
		return fmt.Errorf("attest: insert baseline: %w", err)
	}
	return nil
}

// Latest returns the current baseline for path.
func (r *Registry) Latest(ctx context.Context, path string) (Baseline, bool, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT path, digest, recorded_at, reason, record_id FROM baselines
		 WHERE path = ? ORDER BY seq DESC LIMIT 1`, path)
	b, err := scanBaseline(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Baseline{}, false, nil
	}
	if err != nil {
		return Baseline{}, false, err
	}
	return b, true, nil
}

// Baselines returns the current baseline of every tracked path, by path.
func (r *Registry) Baselines(ctx context.Context) ([]Baseline, error) {
	return r.query(ctx,
		`SELECT b.path, b.digest, b.recorded_at, b.reason, b.record_id
		 FROM baselines b
		 JOIN (SELECT path, MAX(seq) AS seq FROM baselines GROUP BY path) l ON b.seq = l.seq
		 ORDER BY b.path`)
}

// InsertHead records a ledger position the ledger must keep extending.
func (r *Registry) InsertHead(ctx context.Context, h audit.Head, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO ledger_heads (lines, hash, recorded_at) VALUES (?, ?, ?)`,
		h.Lines, h.Hash, at.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("attest: insert ledger head: %w", err)
	}
	return nil
}

// LatestHead returns the furthest anchored ledger position, or the zero
// Head when none was recorded.
func (r *Registry) LatestHead(ctx context.Context) (audit.Head, error) {
	var h audit.Head
	err := r.db.QueryRowContext(ctx,
		`SELECT lines, hash FROM ledger_heads ORDER BY lines DESC, seq DESC LIMIT 1`,
	).Scan(&h.Lines, &h.Hash)
	if errors.Is(err, sql.ErrNoRows) {
		return audit.Head{}, nil
	}
	if err != nil {
		return audit.Head{}, fmt.Errorf("attest: read ledger head: %w", err)
	}
	return h, nil
}

// History returns every baseline ever recorded for path, oldest first.
func (r *Registry) History(ctx context.Context, path string) ([]Baseline, error) {
	return r.query(ctx,
		`SELECT path, digest, recorded_at, reason, record_id FROM baselines
		 WHERE path = ? ORDER BY seq`, path)
}

func (r *Registry) query(ctx context.Context, q string, args ...any) ([]Baseline, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("attest: query baselines: %w", err)
	}
	defer rows.Close()

	var out []Baseline
	for rows.Next() {
		b, err := scanBaseline(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("attest: read baselines: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBaseline(s scanner) (Baseline, error) {
	var b Baseline
	var recorded string
	if err := s.Scan(&b.Path, &b.Digest, &recorded, &b.Reason, &b.RecordID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Baseline{}, err
		}
		return Baseline{}, fmt.Errorf("attest: scan baseline: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, recorded)
	if err != nil {
		return Baseline{}, fmt.Errorf("attest: baseline time %q: %w", recorded, err)
	}
	b.RecordedAt = t
	return b, nil
}
