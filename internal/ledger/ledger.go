// Package ledger records files accepted by the collector in a SQLite
// database.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS received_files (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	serial_number TEXT    NOT NULL,
	name          TEXT    NOT NULL,
	size          INTEGER NOT NULL,
	alias         TEXT    NOT NULL DEFAULT '',
	time_received INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS received_files_serial_name ON received_files (serial_number, name);
CREATE TABLE IF NOT EXISTS latest_times (
	serial_number TEXT PRIMARY KEY,
	time_received INTEGER NOT NULL
);
`

// Receipt describes one stored file.
type Receipt struct {
	Serial   string
	Name     string
	Size     int64
	Alias    string
	Received time.Time
}

// Ledger is safe for concurrent use.
type Ledger struct {
	db *sql.DB
}

// Open opens or creates the ledger at path with WAL journaling and a
// 5-second busy timeout.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One connection keeps the per-connection pragmas in force and
	// serializes writers.
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s on %s: %w", pragma, path, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema in %s: %w", path, err)
	}
	return &Ledger{db: db}, nil
}

// Record stores r and advances the serial's latest receive time.
func (l *Ledger) Record(ctx context.Context, r Receipt) error {
	if r.Received.IsZero() {
		r.Received = time.Now()
	}
	ts := r.Received.UnixNano()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO received_files (serial_number, name, size, alias, time_received) VALUES (?, ?, ?, ?, ?)`,
		r.Serial, r.Name, r.Size, r.Alias, ts); err != nil {
		return fmt.Errorf("insert receipt: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO latest_times (serial_number, time_received) VALUES (?, ?)
		 ON CONFLICT(serial_number) DO UPDATE SET time_received = max(time_received, excluded.time_received)`,
		r.Serial, ts); err != nil {
		return fmt.Errorf("update latest time: %w", err)
	}
	return tx.Commit()
}

// LatestTime returns the most recent receive time for serial. ok is false
// when nothing has been received from it.
func (l *Ledger) LatestTime(ctx context.Context, serial string) (t time.Time, ok bool, err error) {
	var ts int64
	err = l.db.QueryRowContext(ctx,
		`SELECT time_received FROM latest_times WHERE serial_number = ?`, serial).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query latest time: %w", err)
	}
	return time.Unix(0, ts), true, nil
}

// Count returns the number of files received from serial.
func (l *Ledger) Count(ctx context.Context, serial string) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM received_files WHERE serial_number = ?`, serial).Scan(&n); err != nil {
		return 0, fmt.Errorf("count receipts: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}
