/*
Package sqlite provides a SQLite-backed implementation of referral.Store.

PURPOSE:
  Persists the referral graph and the ledger in a single SQLite file. Used
  for local deployments and as the default backend of cmd/server.

INTERFACES IMPLEMENTED:
  referral.GraphStore:  users + referrals tables
  referral.LedgerStore: entries table
  referral.Store:       WithTx over *sql.Tx

APPEND-ONLY ENFORCEMENT:
  - No DELETE on entries (blocked by trigger)
  - The only UPDATE on entries is a PURCHASE status transition
  - Earnings are never edited; corrections would be new entries

KEY TABLES:
  users:     Nodes, earnings accumulators, optimistic-lock version
  referrals: Edges, ordered by position within a referrer
  entries:   Ledger of purchases and earnings, ordered by seq

INDEXES:
  - idx_unique_earning_level: At most one EARNING per (purchase, level)
  - idx_entries_user:         Transaction history (hot path)
  - idx_entries_status:       Reconciler scans

CONCURRENCY:
  SQLite has a single writer. The pool is capped at one connection, so a
  transaction owns the database until it commits and compound operations
  never interleave. ApplyEarning still compares the row version on update;
  a mismatch is reported as ErrPersistenceConflict.

  Decimals are stored as TEXT and added in Go; SQLite arithmetic on TEXT
  would go through REAL.

USAGE:
  store, err := sqlite.New("./data/referral.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := referral.NewEngine(store, referral.DefaultConfig())

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - referral/store.go: Interface definitions
  - referral/store/memory.go: In-memory implementation for testing
  - store/postgres: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/referral-engine/referral"
)

// timeFormat sorts lexically in UTC.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements referral.Store using SQLite.
type Store struct {
	conn
	db *sql.DB
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{conn: conn{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		referral_code TEXT NOT NULL UNIQUE,
		referred_by TEXT REFERENCES users(id),
		total_earnings TEXT NOT NULL DEFAULT '0',
		level1_earnings TEXT NOT NULL DEFAULT '0',
		level2_earnings TEXT NOT NULL DEFAULT '0',
		version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	-- Edges. referee_id is unique: a user has at most one referrer.
	CREATE TABLE IF NOT EXISTS referrals (
		referrer_id TEXT NOT NULL REFERENCES users(id),
		referee_id TEXT NOT NULL UNIQUE REFERENCES users(id),
		position INTEGER NOT NULL,
		PRIMARY KEY (referrer_id, position)
	);

	-- Ledger (append-only)
	CREATE TABLE IF NOT EXISTS entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL,
		referral_level INTEGER,
		source_user_id TEXT,
		purchase_id TEXT,
		description TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT UNIQUE,
		failure_reason TEXT NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- CRITICAL: one earning per purchase and level
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_earning_level
		ON entries(purchase_id, referral_level)
		WHERE kind = 'EARNING';

	CREATE INDEX IF NOT EXISTS idx_entries_user
		ON entries(user_id, seq DESC);

	CREATE INDEX IF NOT EXISTS idx_entries_status
		ON entries(kind, status, seq);

	CREATE TRIGGER IF NOT EXISTS entries_append_only
		BEFORE DELETE ON entries
		BEGIN
			SELECT RAISE(ABORT, 'ledger is append-only');
		END;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(referral.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{conn: conn{q: sqlTx}}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// atomic runs a compound operation in its own transaction.
func (s *Store) atomic(ctx context.Context, fn func(c conn) error) error {
	return s.WithTx(ctx, func(st referral.Store) error {
		return fn(st.(*txStore).conn)
	})
}

type txStore struct {
	conn
}

func (ts *txStore) WithTx(_ context.Context, fn func(referral.Store) error) error {
	return fn(ts)
}

// Compound operations on Store get their own transaction. Inside WithTx the
// conn versions run directly on the open *sql.Tx.

func (s *Store) CreateUser(ctx context.Context, in referral.NewUser, maxDirect int) (u referral.User, err error) {
	err = s.atomic(ctx, func(c conn) error {
		u, err = c.CreateUser(ctx, in, maxDirect)
		return err
	})
	return u, err
}

func (s *Store) ApplyEarning(ctx context.Context, id referral.UserID, level referral.Level, amount decimal.Decimal) (u referral.User, err error) {
	err = s.atomic(ctx, func(c conn) error {
		u, err = c.ApplyEarning(ctx, id, level, amount)
		return err
	})
	return u, err
}

func (s *Store) AppendEarning(ctx context.Context, in referral.NewEarning) (e referral.Entry, err error) {
	err = s.atomic(ctx, func(c conn) error {
		e, err = c.AppendEarning(ctx, in)
		return err
	})
	return e, err
}

func (s *Store) MarkCompleted(ctx context.Context, id referral.EntryID) error {
	return s.atomic(ctx, func(c conn) error { return c.MarkCompleted(ctx, id) })
}

func (s *Store) MarkFailed(ctx context.Context, id referral.EntryID, reason string) error {
	return s.atomic(ctx, func(c conn) error { return c.MarkFailed(ctx, id, reason) })
}

func (s *Store) MarkFailedPartial(ctx context.Context, id referral.EntryID, reason string) error {
	return s.atomic(ctx, func(c conn) error { return c.MarkFailedPartial(ctx, id, reason) })
}

// =============================================================================
// CONN - Queries shared by *sql.DB and *sql.Tx
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type conn struct {
	q querier
}

// =============================================================================
// GRAPH STORE
// =============================================================================

const userColumns = `id, username, email, password_hash, referral_code, referred_by,
	total_earnings, level1_earnings, level2_earnings, version, created_at`

// CreateUser assumes it runs inside a transaction.
func (c conn) CreateUser(ctx context.Context, in referral.NewUser, maxDirect int) (referral.User, error) {
	position := 0
	if in.ReferredBy != "" {
		if _, err := c.GetUser(ctx, in.ReferredBy); err != nil {
			if errors.Is(err, referral.ErrUserNotFound) {
				return referral.User{}, referral.ErrReferrerNotFound
			}
			return referral.User{}, err
		}
		if err := c.q.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM referrals WHERE referrer_id = ?", in.ReferredBy,
		).Scan(&position); err != nil {
			return referral.User{}, fmt.Errorf("failed to count referrals: %w", err)
		}
		if position >= maxDirect {
			return referral.User{}, &referral.CapacityError{ReferrerID: in.ReferredBy, Cap: maxDirect}
		}
	}

	u := in.Build()
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		u.ID, u.Username, u.Email, u.PasswordHash, u.ReferralCode, nullString(string(u.ReferredBy)),
		u.TotalEarnings.String(), u.Level1Earnings.String(), u.Level2Earnings.String(),
		u.Version, u.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return referral.User{}, mapUserInsertError(err)
	}

	if in.ReferredBy != "" {
		if _, err := c.q.ExecContext(ctx,
			"INSERT INTO referrals (referrer_id, referee_id, position) VALUES (?, ?, ?)",
			in.ReferredBy, u.ID, position,
		); err != nil {
			if isUniqueConstraintError(err) {
				return referral.User{}, referral.ErrPersistenceConflict
			}
			return referral.User{}, fmt.Errorf("failed to link referral: %w", err)
		}
	}
	return u, nil
}

func (c conn) GetUser(ctx context.Context, id referral.UserID) (referral.User, error) {
	return c.getUserWhere(ctx, "id = ?", id)
}

func (c conn) GetUserByCode(ctx context.Context, code string) (referral.User, error) {
	return c.getUserWhere(ctx, "referral_code = ?", code)
}

func (c conn) GetUserByEmail(ctx context.Context, email string) (referral.User, error) {
	return c.getUserWhere(ctx, "email = ?", email)
}

func (c conn) getUserWhere(ctx context.Context, where string, arg any) (referral.User, error) {
	row := c.q.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE "+where, arg)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return referral.User{}, referral.ErrUserNotFound
	}
	if err != nil {
		return referral.User{}, err
	}

	rows, err := c.q.QueryContext(ctx,
		"SELECT referee_id FROM referrals WHERE referrer_id = ? ORDER BY position", u.ID)
	if err != nil {
		return referral.User{}, fmt.Errorf("failed to query referrals: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id referral.UserID
		if err := rows.Scan(&id); err != nil {
			return referral.User{}, err
		}
		u.DirectReferrals = append(u.DirectReferrals, id)
	}
	return u, rows.Err()
}

func (c conn) GetUsers(ctx context.Context, ids []referral.UserID) ([]referral.User, error) {
	users := make([]referral.User, 0, len(ids))
	for _, id := range ids {
		u, err := c.GetUser(ctx, id)
		if errors.Is(err, referral.ErrUserNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, nil
}

func (c conn) CodeExists(ctx context.Context, code string) (bool, error) {
	var count int
	err := c.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM users WHERE referral_code = ?", code,
	).Scan(&count)
	return count > 0, err
}

// ApplyEarning is a versioned compare-and-swap on the user row.
func (c conn) ApplyEarning(ctx context.Context, id referral.UserID, level referral.Level, amount decimal.Decimal) (referral.User, error) {
	if !level.Valid() {
		return referral.User{}, referral.ErrInvalidEntry
	}
	cur, err := c.GetUser(ctx, id)
	if err != nil {
		return referral.User{}, err
	}
	next := referral.ApplyEarningDelta(cur, level, amount)

	res, err := c.q.ExecContext(ctx, `
		UPDATE users
		SET total_earnings = ?, level1_earnings = ?, level2_earnings = ?, version = ?
		WHERE id = ? AND version = ?
	`,
		next.TotalEarnings.String(), next.Level1Earnings.String(), next.Level2Earnings.String(),
		next.Version, id, cur.Version,
	)
	if err != nil {
		return referral.User{}, fmt.Errorf("failed to apply earning: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return referral.User{}, err
	} else if n == 0 {
		return referral.User{}, referral.ErrPersistenceConflict
	}
	return next, nil
}

func scanUser(row interface{ Scan(dest ...any) error }) (referral.User, error) {
	var (
		u                 referral.User
		referredBy        sql.NullString
		total, lvl1, lvl2 string
		createdAt         string
	)
	err := row.Scan(
		&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.ReferralCode, &referredBy,
		&total, &lvl1, &lvl2, &u.Version, &createdAt,
	)
	if err != nil {
		return u, err
	}
	u.ReferredBy = referral.UserID(referredBy.String)
	if u.TotalEarnings, err = decimal.NewFromString(total); err != nil {
		return u, fmt.Errorf("failed to parse total_earnings: %w", err)
	}
	if u.Level1Earnings, err = decimal.NewFromString(lvl1); err != nil {
		return u, fmt.Errorf("failed to parse level1_earnings: %w", err)
	}
	if u.Level2Earnings, err = decimal.NewFromString(lvl2); err != nil {
		return u, fmt.Errorf("failed to parse level2_earnings: %w", err)
	}
	u.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	return u, nil
}

// =============================================================================
// LEDGER STORE
// =============================================================================

const entryColumns = `id, user_id, kind, amount, status, referral_level, source_user_id,
	purchase_id, description, idempotency_key, failure_reason, attempts, created_at, updated_at`

func (c conn) AppendPurchase(ctx context.Context, p referral.NewPurchase) (referral.Entry, error) {
	e, err := referral.PurchaseEntry(p, time.Now().UTC())
	if err != nil {
		return referral.Entry{}, err
	}
	if err := c.insertEntry(ctx, e); err != nil {
		if isUniqueConstraintError(err) {
			return referral.Entry{}, referral.ErrDuplicateIdempotencyKey
		}
		return referral.Entry{}, fmt.Errorf("failed to append purchase: %w", err)
	}
	return e, nil
}

func (c conn) AppendEarning(ctx context.Context, in referral.NewEarning) (referral.Entry, error) {
	e, err := referral.EarningEntry(in, time.Now().UTC())
	if err != nil {
		return referral.Entry{}, err
	}
	var kind string
	err = c.q.QueryRowContext(ctx, "SELECT kind FROM entries WHERE id = ?", in.PurchaseID).Scan(&kind)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && kind != string(referral.KindPurchase)) {
		return referral.Entry{}, referral.ErrEntryNotFound
	}
	if err != nil {
		return referral.Entry{}, err
	}
	if err := c.insertEntry(ctx, e); err != nil {
		if isUniqueConstraintError(err) {
			return referral.Entry{}, referral.ErrPersistenceConflict
		}
		return referral.Entry{}, fmt.Errorf("failed to append earning: %w", err)
	}
	return e, nil
}

func (c conn) insertEntry(ctx context.Context, e referral.Entry) error {
	var level sql.NullInt64
	if e.Kind == referral.KindEarning {
		level = sql.NullInt64{Int64: int64(e.Level), Valid: true}
	}
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.UserID, e.Kind, e.Amount.String(), e.Status, level,
		nullString(string(e.SourceUserID)), nullString(string(e.PurchaseID)),
		e.Description, nullString(e.IdempotencyKey), e.FailureReason, e.Attempts,
		e.CreatedAt.UTC().Format(timeFormat), e.UpdatedAt.UTC().Format(timeFormat),
	)
	return err
}

func (c conn) MarkCompleted(ctx context.Context, id referral.EntryID) error {
	return c.transition(ctx, id, referral.StatusCompleted, "")
}

func (c conn) MarkFailed(ctx context.Context, id referral.EntryID, reason string) error {
	return c.transition(ctx, id, referral.StatusFailed, reason)
}

func (c conn) MarkFailedPartial(ctx context.Context, id referral.EntryID, reason string) error {
	return c.transition(ctx, id, referral.StatusFailedPartial, reason)
}

// transition guards on the status it read, so a concurrent finalisation
// cannot be overwritten.
func (c conn) transition(ctx context.Context, id referral.EntryID, to referral.EntryStatus, reason string) error {
	cur, err := c.GetEntry(ctx, id)
	if err != nil {
		return err
	}
	if cur.Kind != referral.KindPurchase {
		return referral.ErrInvalidEntry
	}
	if err := referral.Transition(cur.Status, to); err != nil {
		return err
	}

	failure, attempts := cur.FailureReason, cur.Attempts
	switch to {
	case referral.StatusFailedPartial:
		failure, attempts = reason, attempts+1
	case referral.StatusFailed:
		failure = reason
	}

	res, err := c.q.ExecContext(ctx, `
		UPDATE entries SET status = ?, failure_reason = ?, attempts = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, to, failure, attempts, time.Now().UTC().Format(timeFormat), id, cur.Status)
	if err != nil {
		return fmt.Errorf("failed to update entry status: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return referral.ErrPersistenceConflict
	}
	return nil
}

func (c conn) GetEntry(ctx context.Context, id referral.EntryID) (referral.Entry, error) {
	return c.getEntryWhere(ctx, "id = ?", id)
}

func (c conn) FindByIdempotencyKey(ctx context.Context, key string) (referral.Entry, error) {
	return c.getEntryWhere(ctx, "idempotency_key = ?", key)
}

func (c conn) getEntryWhere(ctx context.Context, where string, arg any) (referral.Entry, error) {
	row := c.q.QueryRowContext(ctx, "SELECT "+entryColumns+" FROM entries WHERE "+where, arg)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return referral.Entry{}, referral.ErrEntryNotFound
	}
	return e, err
}

func (c conn) ListByUser(ctx context.Context, userID referral.UserID, filter referral.EntryFilter) ([]referral.Entry, error) {
	query := "SELECT " + entryColumns + " FROM entries WHERE user_id = ?"
	args := []any{userID}
	if filter.Kind != "" {
		query += " AND kind = ?"
		args = append(args, filter.Kind)
	}
	query += " ORDER BY seq DESC LIMIT ? OFFSET ?"
	args = append(args, limitArg(filter.Limit), filter.Offset)
	return c.queryEntries(ctx, query, args...)
}

func (c conn) ListEarningsForPurchase(ctx context.Context, purchaseID referral.EntryID) ([]referral.Entry, error) {
	return c.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM entries
		WHERE purchase_id = ? AND kind = 'EARNING'
		ORDER BY referral_level
	`, purchaseID)
}

func (c conn) ListByStatus(ctx context.Context, status referral.EntryStatus, before time.Time, limit int) ([]referral.Entry, error) {
	return c.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM entries
		WHERE kind = 'PURCHASE' AND status = ? AND created_at < ?
		ORDER BY seq ASC
		LIMIT ?
	`, status, before.UTC().Format(timeFormat), limitArg(limit))
}

func (c conn) queryEntries(ctx context.Context, query string, args ...any) ([]referral.Entry, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	entries := []referral.Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(row interface{ Scan(dest ...any) error }) (referral.Entry, error) {
	var (
		e                    referral.Entry
		amount               string
		level                sql.NullInt64
		source, purchase     sql.NullString
		idempotencyKey       sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(
		&e.ID, &e.UserID, &e.Kind, &amount, &e.Status, &level, &source,
		&purchase, &e.Description, &idempotencyKey, &e.FailureReason, &e.Attempts,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return e, err
	}
	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return e, fmt.Errorf("failed to parse amount: %w", err)
	}
	e.Level = referral.Level(level.Int64)
	e.SourceUserID = referral.UserID(source.String)
	e.PurchaseID = referral.EntryID(purchase.String)
	e.IdempotencyKey = idempotencyKey.String
	e.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	e.UpdatedAt, _ = time.Parse(timeFormat, updatedAt)
	return e, nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// limitArg maps "no limit" to SQLite's -1.
func limitArg(n int) int {
	if n <= 0 {
		return -1
	}
	return n
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func mapUserInsertError(err error) error {
	if !isUniqueConstraintError(err) {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	if strings.Contains(err.Error(), "users.referral_code") {
		return referral.ErrDuplicateCode
	}
	return referral.ErrDuplicateUser
}
