package buffer

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Kind tags the payload stored in an entry.
type Kind string

const (
	KindUsage Kind = "usage"
	KindAudit Kind = "audit"
)

// Entry is one undelivered event. Seq orders entries FIFO.
type Entry struct {
	Seq       int64
	Kind      Kind
	Key       string
	Payload   []byte
	CreatedAt time.Time
}

// Buffer is the runtime's durable spill store for events the authority has not yet acknowledged.
type Buffer struct {
	db *sql.DB
}

// Open opens (or creates) the buffer database at path.
func Open(path string) (*Buffer, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open buffer db: %w", err)
	}
	// SQLite allows one writer; serialize through a single connection.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate buffer db: %w", err)
	}
	return &Buffer{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS pending_events (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		kind       TEXT NOT NULL,
		dedup_key  TEXT NOT NULL UNIQUE,
		payload    BLOB NOT NULL,
		created_at INTEGER NOT NULL
	)`)
	return err
}

// Append persists an event. An entry with the same kind and key is stored once.
func (b *Buffer) Append(ctx context.Context, kind Kind, key string, payload []byte) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO pending_events (kind, dedup_key, payload, created_at) VALUES (?, ?, ?, ?)`,
		string(kind), string(kind)+":"+key, payload, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("append %s %s: %w", kind, key, err)
	}
	return nil
}

// Pending returns up to limit entries in insertion order.
func (b *Buffer) Pending(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT seq, kind, dedup_key, payload, created_at FROM pending_events ORDER BY seq ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var kind, key string
		var created int64
		if err := rows.Scan(&e.Seq, &kind, &key, &e.Payload, &created); err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		e.Kind = Kind(kind)
		e.Key = key[len(kind)+1:]
		e.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// Ack removes a delivered entry.
func (b *Buffer) Ack(ctx context.Context, seq int64) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM pending_events WHERE seq = ?`, seq); err != nil {
		return fmt.Errorf("ack %d: %w", seq, err)
	}
	return nil
}

// Count returns the number of pending entries.
func (b *Buffer) Count(ctx context.Context) (int, error) {
	var n int
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// Ping checks that the database file is reachable.
func (b *Buffer) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

// Close closes the underlying database.
func (b *Buffer) Close() error {
	return b.db.Close()
}
