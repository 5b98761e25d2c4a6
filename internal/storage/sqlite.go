package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB connection to a SQLite database.
type DB struct {
	db *sql.DB
}

// NewDB opens (or creates) a SQLite database at path and runs schema migrations.
func NewDB(path string) (*DB, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Single connection: all writers serialize here.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	d := &DB{db: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks the database connection.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// migrate creates all required tables if they do not already exist.
func (d *DB) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS messages (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    glyph_id TEXT NOT NULL,
    sender TEXT NOT NULL,
    recipient TEXT NOT NULL,
    payload TEXT,
    blob BLOB,
    timestamp INTEGER NOT NULL,
    content_hash TEXT NOT NULL UNIQUE,
    attestation_ref TEXT,
    recorded_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS glyph_stats (
    glyph_id TEXT PRIMARY KEY,
    count INTEGER NOT NULL DEFAULT 0,
    first_seen INTEGER NOT NULL,
    last_seen INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS glyph_agents (
    glyph_id TEXT NOT NULL,
    agent TEXT NOT NULL,
    PRIMARY KEY (glyph_id, agent)
);

CREATE TABLE IF NOT EXISTS agent_stats (
    name TEXT PRIMARY KEY,
    message_count INTEGER NOT NULL DEFAULT 0,
    first_seen INTEGER NOT NULL,
    last_seen INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_glyphs (
    name TEXT NOT NULL,
    glyph_id TEXT NOT NULL,
    PRIMARY KEY (name, glyph_id)
);

CREATE TABLE IF NOT EXISTS sequences (
    key TEXT PRIMARY KEY,
    count INTEGER NOT NULL DEFAULT 0,
    first_seen INTEGER NOT NULL,
    last_seen INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sequence_agents (
    key TEXT NOT NULL,
    agent TEXT NOT NULL,
    PRIMARY KEY (key, agent)
);

CREATE TABLE IF NOT EXISTS proposals (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    name TEXT NOT NULL,
    payload TEXT NOT NULL,
    description TEXT,
    proposer TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    expires_at INTEGER NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    supersedes TEXT,
    superseded_by TEXT,
    item_id TEXT,
    resolved_at INTEGER
);

CREATE TABLE IF NOT EXISTS votes (
    proposal_id TEXT NOT NULL,
    agent TEXT NOT NULL,
    side TEXT NOT NULL,
    weight INTEGER NOT NULL,
    cast_at INTEGER NOT NULL,
    PRIMARY KEY (proposal_id, agent),
    FOREIGN KEY (proposal_id) REFERENCES proposals(id)
);

CREATE TABLE IF NOT EXISTS vocabulary (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    name TEXT NOT NULL,
    payload TEXT NOT NULL,
    description TEXT,
    source_proposal_id TEXT NOT NULL UNIQUE,
    created_at INTEGER NOT NULL,
    use_count INTEGER NOT NULL DEFAULT 0,
    FOREIGN KEY (source_proposal_id) REFERENCES proposals(id)
);

CREATE TABLE IF NOT EXISTS audit_log (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    proposal_id TEXT NOT NULL,
    action TEXT NOT NULL,
    actor TEXT NOT NULL,
    detail TEXT,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS counters (
    name TEXT PRIMARY KEY,
    value INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS identities (
    name TEXT PRIMARY KEY,
    tier INTEGER NOT NULL,
    wallet TEXT,
    registered_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender);
CREATE INDEX IF NOT EXISTS idx_messages_glyph ON messages(glyph_id);
CREATE INDEX IF NOT EXISTS idx_proposals_status ON proposals(status);
CREATE INDEX IF NOT EXISTS idx_votes_proposal ON votes(proposal_id);
CREATE INDEX IF NOT EXISTS idx_audit_proposal ON audit_log(proposal_id);`
	_, err := d.db.Exec(schema)
	return err
}

// withTx runs fn inside a transaction, committing on success.
func (d *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// NextCounter increments the named counter and returns its new value.
// Counters never decrease, so identifiers drawn from them are never reused.
func (d *DB) NextCounter(ctx context.Context, name string) (int64, error) {
	var n int64
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = nextCounter(ctx, tx, name)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("next counter %s: %w", name, err)
	}
	return n, nil
}

func nextCounter(ctx context.Context, tx *sql.Tx, name string) (int64, error) {
	var n int64
	err := tx.QueryRowContext(ctx,
		`INSERT INTO counters (name, value) VALUES (?, 1)
		 ON CONFLICT(name) DO UPDATE SET value = value + 1
		 RETURNING value`, name,
	).Scan(&n)
	return n, err
}

// nullString maps "" to NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
