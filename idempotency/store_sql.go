package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	x402 "github.com/x402-foundation/paygate"
	_ "modernc.org/sqlite"
)

const (
	createReplayTable = `CREATE TABLE IF NOT EXISTS x402_replay (
		nonce      TEXT PRIMARY KEY,
		state      TEXT NOT NULL,
		entry      TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	)`
	createReplayExpiryIndex = `CREATE INDEX IF NOT EXISTS idx_x402_replay_expires ON x402_replay(expires_at)`

	selectEntry = `SELECT state, entry, expires_at FROM x402_replay WHERE nonce = ?`
	upsertEntry = `INSERT INTO x402_replay (nonce, state, entry, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(nonce) DO UPDATE SET state = excluded.state, entry = excluded.entry, expires_at = excluded.expires_at`
	swapEntry = `UPDATE x402_replay SET state = ?, entry = ?, expires_at = ?
		WHERE nonce = ? AND state = ? AND expires_at > ?`
	deleteExpired = `DELETE FROM x402_replay WHERE expires_at <= ?`
)

// SQLStore is a x402.ReplayStore on database/sql. Entries are stored as JSON
// with their state and expiry in separate columns so CAS is a single
// conditional UPDATE.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLStore wraps an open database. Call Migrate before first use unless
// the table already exists.
func NewSQLStore(db *sql.DB, opts ...StoreOption) *SQLStore {
	cfg := buildStoreConfig(opts)
	return &SQLStore{db: db, now: cfg.now}
}

// OpenSQLite opens (creating if needed) a SQLite replay database at path
func OpenSQLite(path string, opts ...StoreOption) (*SQLStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", filepath.ToSlash(path))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open replay database: %w", err)
	}
	// sqlite has a single writer; one connection keeps CAS free of SQLITE_BUSY
	db.SetMaxOpenConns(1)

	store := NewSQLStore(db, opts...)
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Migrate creates the replay table and index
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range []string{createReplayTable, createReplayExpiryIndex} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate replay table: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Get returns the live entry for nonce or x402.ErrEntryNotFound
func (s *SQLStore) Get(ctx context.Context, nonce string) (x402.ReplayEntry, error) {
	var (
		state     string
		raw       string
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, selectEntry, nonce).Scan(&state, &raw, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return x402.ReplayEntry{}, x402.ErrEntryNotFound
	}
	if err != nil {
		return x402.ReplayEntry{}, fmt.Errorf("failed to read replay entry: %w", err)
	}
	if expiresAt <= s.now().UnixNano() {
		return x402.ReplayEntry{}, x402.ErrEntryNotFound
	}

	var entry x402.ReplayEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return x402.ReplayEntry{}, fmt.Errorf("corrupt replay entry %s: %w", nonce, err)
	}
	entry.State = x402.EntryState(state)
	return entry, nil
}

// Put stores entry unconditionally
func (s *SQLStore) Put(ctx context.Context, entry x402.ReplayEntry, ttl time.Duration) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode replay entry: %w", err)
	}
	expiresAt := s.now().Add(ttl).UnixNano()
	if _, err := s.db.ExecContext(ctx, upsertEntry, entry.Nonce, string(entry.State), string(raw), expiresAt); err != nil {
		return fmt.Errorf("failed to write replay entry: %w", err)
	}
	return nil
}

// CompareAndSwap replaces the entry only if it is live and in state expected
func (s *SQLStore) CompareAndSwap(ctx context.Context, nonce string, expected x402.EntryState, next x402.ReplayEntry, ttl time.Duration) (bool, error) {
	next.Nonce = nonce
	raw, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("failed to encode replay entry: %w", err)
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx, swapEntry,
		string(next.State), string(raw), now.Add(ttl).UnixNano(),
		nonce, string(expected), now.UnixNano())
	if err != nil {
		return false, fmt.Errorf("failed to swap replay entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to swap replay entry: %w", err)
	}
	return n == 1, nil
}

// Sweep deletes expired entries
func (s *SQLStore) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, deleteExpired, s.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep replay entries: %w", err)
	}
	return res.RowsAffected()
}

var _ x402.ReplayStore = (*SQLStore)(nil)
