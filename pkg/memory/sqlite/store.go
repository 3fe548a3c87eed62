// Package sqlite provides an embedded [memory.Store] on modernc.org/sqlite,
// a pure-Go SQLite driver. It needs no external database and pairs with the
// file-backed vector index for single-process deployments.
//
// The database runs in WAL mode. Write transactions are serialised in
// process; read views run concurrently against the last committed snapshot.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/memoria/pkg/memory"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var (
	_ memory.Store = (*Store)(nil)
	_ memory.Tx    = (*tx)(nil)
)

// Store is a SQLite-backed [memory.Store]. It is safe for concurrent use.
type Store struct {
	db *sql.DB

	// writeMu serialises write transactions; SQLite allows one writer.
	writeMu sync.Mutex
}

// Open opens or creates the database at path and applies the schema. Use
// [MemoryPath] for a throwaway in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := MemoryPath
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite store: create db dir: %w", err)
		}
		dsn = path + "?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open db: %w", err)
	}
	if path == MemoryPath {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS characters (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		valence       REAL NOT NULL DEFAULT 0,
		arousal       REAL NOT NULL DEFAULT 0,
		dominance     REAL NOT NULL DEFAULT 0,
		emotion       TEXT,
		created_at    TEXT NOT NULL,
		last_updated  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_characters_last_updated ON characters(last_updated DESC);

	CREATE TABLE IF NOT EXISTS facts (
		id                TEXT PRIMARY KEY,
		entity            TEXT NOT NULL,
		attribute         TEXT NOT NULL,
		current_value     TEXT NOT NULL,
		confidence        REAL NOT NULL,
		importance_score  REAL NOT NULL,
		assertion_count   INTEGER NOT NULL DEFAULT 1,
		session_id        TEXT NOT NULL DEFAULT '',
		created_at        TEXT NOT NULL,
		last_updated      TEXT NOT NULL,
		UNIQUE (entity, attribute)
	);
	CREATE INDEX IF NOT EXISTS idx_facts_entity ON facts(entity);

	CREATE TABLE IF NOT EXISTS relationships (
		source_id   TEXT NOT NULL,
		target_id   TEXT NOT NULL,
		rel_type    TEXT NOT NULL,
		strength    REAL NOT NULL,
		confidence  REAL NOT NULL,
		session_id  TEXT NOT NULL DEFAULT '',
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL,
		PRIMARY KEY (source_id, target_id, rel_type)
	);
	CREATE INDEX IF NOT EXISTS idx_rel_target ON relationships(target_id);

	CREATE TABLE IF NOT EXISTS turns (
		id                  TEXT PRIMARY KEY,
		session_id          TEXT NOT NULL,
		speaker_id          TEXT NOT NULL DEFAULT '',
		character_id        TEXT NOT NULL DEFAULT '',
		text                TEXT NOT NULL,
		timestamp           TEXT NOT NULL,
		significance_score  REAL NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, timestamp);

	CREATE TABLE IF NOT EXISTS memory_operations (
		id                   TEXT PRIMARY KEY,
		kind                 TEXT NOT NULL,
		fact_id              TEXT NOT NULL,
		entity               TEXT NOT NULL,
		attribute            TEXT NOT NULL,
		previous_value       TEXT NOT NULL DEFAULT '',
		new_value            TEXT NOT NULL,
		previous_confidence  REAL NOT NULL DEFAULT 0,
		new_confidence       REAL NOT NULL,
		turn_id              TEXT NOT NULL DEFAULT '',
		session_id           TEXT NOT NULL DEFAULT '',
		at                   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_memory_operations_session ON memory_operations(session_id, at);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return err
	}
	return addColumn(ctx, db, "turns", "character_id", "TEXT NOT NULL DEFAULT ''")
}

// addColumn adds column to table unless it already exists. Databases
// created before the column was introduced are upgraded in place.
func addColumn(ctx context.Context, db *sql.DB, table, column, decl string) error {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT count(*) FROM pragma_table_info(?) WHERE name = ?`, table, column,
	).Scan(&n)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl)); err != nil {
		return fmt.Errorf("add %s.%s: %w", table, column, err)
	}
	return nil
}

// InTx implements [memory.Store]. Writers queue on an in-process mutex
// before beginning, so two write transactions of one Store never contend
// for the SQLite write lock. The transaction is rolled back when fn returns
// an error or panics.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx memory.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite store: begin: %w", err)
	}
	// Rollback after a successful Commit is a no-op returning ErrTxDone.
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(ctx, &tx{q: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("sqlite store: commit: %w", err)
	}
	return nil
}

// View implements [memory.Store]. The transaction is always rolled back.
func (s *Store) View(ctx context.Context, fn func(ctx context.Context, r memory.Reader) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite store: begin: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()
	return fn(ctx, &tx{q: sqlTx, readOnly: true})
}

// Ping implements [memory.Store].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite store: ping: %w", err)
	}
	return nil
}

// Close implements [memory.Store].
func (s *Store) Close() error {
	return s.db.Close()
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

// in appends vals to args and returns a parenthesised placeholder list.
func in(args *[]any, vals []string) string {
	ph := make([]byte, 0, 2*len(vals)+1)
	ph = append(ph, '(')
	for i, v := range vals {
		if i > 0 {
			ph = append(ph, ',')
		}
		ph = append(ph, '?')
		*args = append(*args, v)
	}
	return string(append(ph, ')'))
}
