package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS licenses (
	key                  TEXT PRIMARY KEY,
	domain               TEXT NOT NULL,
	status               TEXT NOT NULL,
	expires_at           INTEGER NOT NULL,
	tamper_count         INTEGER NOT NULL DEFAULT 0,
	last_heartbeat_token TEXT NOT NULL DEFAULT '',
	last_seen_at         INTEGER NOT NULL DEFAULT 0
);
`

// SQLiteStore persists license records in SQLite. The single-writer
// connection pool plus transactional updates give per-key serialization.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dsn and ensures the
// schema exists. Use ":memory:" for throwaway databases.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only allows one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Get returns the record for key, or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, key string) (*LicenseRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, domain, status, expires_at, tamper_count, last_heartbeat_token, last_seen_at
		 FROM licenses WHERE key = ?`, key)
	return scanRecord(row)
}

// Update applies mutate to the record inside a transaction so the
// read-modify-write is atomic per key.
func (s *SQLiteStore) Update(ctx context.Context, key string, mutate func(*LicenseRecord) error) (*LicenseRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin update: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT key, domain, status, expires_at, tamper_count, last_heartbeat_token, last_seen_at
		 FROM licenses WHERE key = ?`, key)
	rec, err := scanRecord(row)
	if err != nil {
		return nil, err
	}

	if err := mutate(rec); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE licenses
		 SET domain = ?, status = ?, expires_at = ?, tamper_count = ?, last_heartbeat_token = ?, last_seen_at = ?
		 WHERE key = ?`,
		rec.Domain, string(rec.Status), rec.ExpiresAt.UnixMilli(), rec.TamperCount,
		rec.LastHeartbeatToken, unixMilliOrZero(rec.LastSeenAt), rec.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to update license: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit update: %w", err)
	}

	return rec, nil
}

// Put inserts or replaces a record.
func (s *SQLiteStore) Put(ctx context.Context, rec *LicenseRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO licenses (key, domain, status, expires_at, tamper_count, last_heartbeat_token, last_seen_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
			domain = excluded.domain,
			status = excluded.status,
			expires_at = excluded.expires_at,
			tamper_count = excluded.tamper_count,
			last_heartbeat_token = excluded.last_heartbeat_token,
			last_seen_at = excluded.last_seen_at`,
		rec.Key, rec.Domain, string(rec.Status), rec.ExpiresAt.UnixMilli(),
		rec.TamperCount, rec.LastHeartbeatToken, unixMilliOrZero(rec.LastSeenAt))
	if err != nil {
		return fmt.Errorf("failed to put license: %w", err)
	}
	return nil
}

// Restore resets a record to ACTIVE with a cleared tamper counter.
func (s *SQLiteStore) Restore(ctx context.Context, key string) (*LicenseRecord, error) {
	return s.Update(ctx, key, func(rec *LicenseRecord) error {
		rec.Status = StatusActive
		rec.TamperCount = 0
		rec.LastHeartbeatToken = ""
		return nil
	})
}

// scanRecord reads one license row.
func scanRecord(row *sql.Row) (*LicenseRecord, error) {
	var (
		rec        LicenseRecord
		status     string
		expiresAt  int64
		lastSeenAt int64
	)

	err := row.Scan(&rec.Key, &rec.Domain, &status, &expiresAt,
		&rec.TamperCount, &rec.LastHeartbeatToken, &lastSeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan license: %w", err)
	}

	rec.Status = Status(status)
	rec.ExpiresAt = time.UnixMilli(expiresAt)
	if lastSeenAt > 0 {
		rec.LastSeenAt = time.UnixMilli(lastSeenAt)
	}

	return &rec, nil
}

func unixMilliOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
