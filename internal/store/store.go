// Package store persists the decisions of generation runs in SQLite:
// where each generic function finds its requirements, the slot layout of
// each protocol and the shape of each built witness table. A later run
// compares against them to report what changed.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/orizon-lang/witgen/internal/fulfillment"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	module     TEXT NOT NULL,
	started_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS decisions (
	run_id      TEXT NOT NULL REFERENCES runs(id),
	function    TEXT NOT NULL,
	position    INTEGER NOT NULL,
	requirement TEXT NOT NULL,
	explicit    INTEGER NOT NULL,
	source      INTEGER NOT NULL,
	path        BLOB,
	PRIMARY KEY (run_id, function, position)
);
CREATE TABLE IF NOT EXISTS protocol_layouts (
	run_id   TEXT NOT NULL REFERENCES runs(id),
	protocol TEXT NOT NULL,
	slot     INTEGER NOT NULL,
	entry    TEXT NOT NULL,
	PRIMARY KEY (run_id, protocol, slot)
);
CREATE TABLE IF NOT EXISTS witness_tables (
	run_id      TEXT NOT NULL REFERENCES runs(id),
	conformance TEXT NOT NULL,
	size        INTEGER NOT NULL,
	private     INTEGER NOT NULL,
	descriptor  BLOB NOT NULL,
	PRIMARY KEY (run_id, conformance)
);
`

// Decision records how one requirement of a function is satisfied: either
// passed explicitly, or derived from Source along Path.
type Decision struct {
	Requirement string
	Explicit    bool
	Source      int
	Path        fulfillment.MetadataPath
}

// WitnessTable records the shape of a built table.
type WitnessTable struct {
	Conformance string
	Size        int
	Private     int
	Descriptor  []byte
}

// Run identifies one generation run.
type Run struct {
	ID        uuid.UUID
	Module    string
	StartedAt time.Time
}

// Store is a SQLite database of generation runs.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open opens or creates the database at path. ":memory:" gives a private
// in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	// A single connection keeps an in-memory database alive and serializes
	// writers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema in %s: %w", path, err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}

	err := s.db.Close()
	s.db = nil

	return err
}

func (s *Store) conn() (*sql.DB, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not connected")
	}

	return s.db, nil
}

// BeginRun registers a new run of module.
func (s *Store) BeginRun(ctx context.Context, module string) (Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	db, err := s.conn()
	if err != nil {
		return Run{}, err
	}

	run := Run{ID: uuid.New(), Module: module, StartedAt: time.Now()}

	if _, err := db.ExecContext(ctx, `INSERT INTO runs (id, module, started_at) VALUES (?, ?, ?)`,
		run.ID.String(), module, run.StartedAt.UnixNano()); err != nil {
		return Run{}, fmt.Errorf("recording run: %w", err)
	}

	return run, nil
}

// LatestRun returns the most recent run of module other than exclude.
func (s *Store) LatestRun(ctx context.Context, module string, exclude uuid.UUID) (Run, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	db, err := s.conn()
	if err != nil {
		return Run{}, false, err
	}

	var (
		id      string
		started int64
	)

	err = db.QueryRowContext(ctx,
		`SELECT id, started_at FROM runs WHERE module = ? AND id <> ? ORDER BY started_at DESC, rowid DESC LIMIT 1`,
		module, exclude.String()).Scan(&id, &started)
	if err == sql.ErrNoRows {
		return Run{}, false, nil
	}

	if err != nil {
		return Run{}, false, fmt.Errorf("finding latest run of %s: %w", module, err)
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return Run{}, false, fmt.Errorf("run id %q: %w", id, err)
	}

	return Run{ID: parsed, Module: module, StartedAt: time.Unix(0, started)}, true, nil
}

// inTx runs fn in a transaction, committing when it succeeds.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	db, err := s.conn()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// SaveDecisions stores the decisions made for function in run, in
// requirement order.
func (s *Store) SaveDecisions(ctx context.Context, run uuid.UUID, function string, ds []Decision) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for i, d := range ds {
			var path []byte

			if !d.Explicit {
				var err error
				if path, err = d.Path.MarshalBinary(); err != nil {
					return fmt.Errorf("encoding path of %s in %s: %w", d.Requirement, function, err)
				}
			}

			if _, err := tx.ExecContext(ctx,
				`INSERT INTO decisions (run_id, function, position, requirement, explicit, source, path) VALUES (?, ?, ?, ?, ?, ?, ?)`,
				run.String(), function, i, d.Requirement, d.Explicit, d.Source, path); err != nil {
				return fmt.Errorf("storing decision for %s: %w", function, err)
			}
		}

		return nil
	})
}

// Decisions returns what run decided for function.
func (s *Store) Decisions(ctx context.Context, run uuid.UUID, function string) ([]Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		`SELECT requirement, explicit, source, path FROM decisions WHERE run_id = ? AND function = ? ORDER BY position`,
		run.String(), function)
	if err != nil {
		return nil, fmt.Errorf("loading decisions of %s: %w", function, err)
	}
	defer rows.Close()

	var out []Decision

	for rows.Next() {
		var (
			d    Decision
			path []byte
		)

		if err := rows.Scan(&d.Requirement, &d.Explicit, &d.Source, &path); err != nil {
			return nil, err
		}

		if !d.Explicit {
			if err := d.Path.UnmarshalBinary(path); err != nil {
				return nil, fmt.Errorf("decoding path of %s in %s: %w", d.Requirement, function, err)
			}
		}

		out = append(out, d)
	}

	return out, rows.Err()
}

// SaveProtocolLayout stores the entry descriptions of protocol's slots.
func (s *Store) SaveProtocolLayout(ctx context.Context, run uuid.UUID, protocol string, entries []string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for slot, e := range entries {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO protocol_layouts (run_id, protocol, slot, entry) VALUES (?, ?, ?, ?)`,
				run.String(), protocol, slot, e); err != nil {
				return fmt.Errorf("storing layout of %s: %w", protocol, err)
			}
		}

		return nil
	})
}

// ProtocolLayout returns the slot entries run stored for protocol.
func (s *Store) ProtocolLayout(ctx context.Context, run uuid.UUID, protocol string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		`SELECT entry FROM protocol_layouts WHERE run_id = ? AND protocol = ? ORDER BY slot`,
		run.String(), protocol)
	if err != nil {
		return nil, fmt.Errorf("loading layout of %s: %w", protocol, err)
	}
	defer rows.Close()

	var out []string

	for rows.Next() {
		var e string
		if err := rows.Scan(&e); err != nil {
			return nil, err
		}

		out = append(out, e)
	}

	return out, rows.Err()
}

// SaveWitnessTable stores the shape of a built table.
func (s *Store) SaveWitnessTable(ctx context.Context, run uuid.UUID, wt WitnessTable) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO witness_tables (run_id, conformance, size, private, descriptor) VALUES (?, ?, ?, ?, ?)`,
			run.String(), wt.Conformance, wt.Size, wt.Private, wt.Descriptor)
		if err != nil {
			return fmt.Errorf("storing table of %s: %w", wt.Conformance, err)
		}

		return nil
	})
}

// WitnessTables returns the tables stored by run, ordered by conformance.
func (s *Store) WitnessTables(ctx context.Context, run uuid.UUID) ([]WitnessTable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		`SELECT conformance, size, private, descriptor FROM witness_tables WHERE run_id = ? ORDER BY conformance`,
		run.String())
	if err != nil {
		return nil, fmt.Errorf("loading tables: %w", err)
	}
	defer rows.Close()

	var out []WitnessTable

	for rows.Next() {
		var wt WitnessTable
		if err := rows.Scan(&wt.Conformance, &wt.Size, &wt.Private, &wt.Descriptor); err != nil {
			return nil, err
		}

		out = append(out, wt)
	}

	return out, rows.Err()
}
