/*
Package postgres provides a PostgreSQL implementation of referral.Store.

CONCURRENCY:
  - ApplyEarning is a single UPDATE ... SET x = x + $n RETURNING, so the
    row lock serialises credits to the same user and nothing else.
  - CreateUser locks the referrer row (SELECT ... FOR UPDATE) before
    counting its referrals, making the capacity check atomic with the insert.
  - Status transitions lock the purchase row.
  - Serialization failures and deadlocks surface as ErrPersistenceConflict.

MIGRATIONS:
  Embedded *.up.sql files, applied once each and tracked in
  schema_migrations.

SEE ALSO:
  - store/sqlite: SQLite implementation
  - referral/storetest: Contract suite
*/
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/warp/referral-engine/referral"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Store struct {
	conn
	pool *pgxpool.Pool
}

// New connects to dsn and applies pending migrations.
func New(ctx context.Context, dsn string, maxConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(connectCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	s := &Store{conn: conn{q: pool}, pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Truncate empties every table. For tests.
func (s *Store) Truncate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE entries, referrals, users`)
	return err
}

func (s *Store) migrate(ctx context.Context) error {
	files, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name() < files[j].Name() })

	if _, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version text PRIMARY KEY)`); err != nil {
		return err
	}
	for _, f := range files {
		name := f.Name()
		if !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, name,
		).Scan(&exists); err != nil {
			return err
		}
		if exists {
			continue
		}
		b, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}
		if _, err := s.pool.Exec(ctx, string(b)); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if _, err := s.pool.Exec(ctx, `INSERT INTO schema_migrations(version) VALUES($1)`, name); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (s *Store) WithTx(ctx context.Context, fn func(referral.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&txStore{conn: conn{q: tx}}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError(err)
	}
	return nil
}

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

func (s *Store) CreateUser(ctx context.Context, in referral.NewUser, maxDirect int) (u referral.User, err error) {
	err = s.atomic(ctx, func(c conn) error {
		u, err = c.CreateUser(ctx, in, maxDirect)
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
// CONN - Queries shared by the pool and pgx.Tx
// =============================================================================

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type conn struct {
	q querier
}

const userColumns = `id, username, email, password_hash, referral_code, COALESCE(referred_by, ''),
	total_earnings::text, level1_earnings::text, level2_earnings::text, version, created_at`

// CreateUser assumes it runs inside a transaction.
func (c conn) CreateUser(ctx context.Context, in referral.NewUser, maxDirect int) (referral.User, error) {
	position := 0
	if in.ReferredBy != "" {
		var locked string
		err := c.q.QueryRow(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, in.ReferredBy).Scan(&locked)
		if errors.Is(err, pgx.ErrNoRows) {
			return referral.User{}, referral.ErrReferrerNotFound
		}
		if err != nil {
			return referral.User{}, mapError(err)
		}
		if err := c.q.QueryRow(ctx,
			`SELECT COUNT(*) FROM referrals WHERE referrer_id = $1`, in.ReferredBy,
		).Scan(&position); err != nil {
			return referral.User{}, mapError(err)
		}
		if position >= maxDirect {
			return referral.User{}, &referral.CapacityError{ReferrerID: in.ReferredBy, Cap: maxDirect}
		}
	}

	u := in.Build()
	_, err := c.q.Exec(ctx, `
		INSERT INTO users (id, username, email, password_hash, referral_code, referred_by, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)
	`, u.ID, u.Username, u.Email, u.PasswordHash, u.ReferralCode, u.ReferredBy, u.CreatedAt)
	if err != nil {
		return referral.User{}, mapError(err)
	}

	if in.ReferredBy != "" {
		if _, err := c.q.Exec(ctx,
			`INSERT INTO referrals (referrer_id, referee_id, position) VALUES ($1, $2, $3)`,
			in.ReferredBy, u.ID, position,
		); err != nil {
			return referral.User{}, mapError(err)
		}
	}
	return u, nil
}

func (c conn) GetUser(ctx context.Context, id referral.UserID) (referral.User, error) {
	return c.getUserWhere(ctx, "id = $1", id)
}

func (c conn) GetUserByCode(ctx context.Context, code string) (referral.User, error) {
	return c.getUserWhere(ctx, "referral_code = $1", code)
}

func (c conn) GetUserByEmail(ctx context.Context, email string) (referral.User, error) {
	return c.getUserWhere(ctx, "email = $1", email)
}

func (c conn) getUserWhere(ctx context.Context, where string, arg any) (referral.User, error) {
	u, err := scanUser(c.q.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE "+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return referral.User{}, referral.ErrUserNotFound
	}
	if err != nil {
		return referral.User{}, mapError(err)
	}
	if u.DirectReferrals, err = c.directReferrals(ctx, u.ID); err != nil {
		return referral.User{}, err
	}
	return u, nil
}

func (c conn) directReferrals(ctx context.Context, id referral.UserID) ([]referral.UserID, error) {
	rows, err := c.q.Query(ctx,
		`SELECT referee_id FROM referrals WHERE referrer_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	var ids []referral.UserID
	for rows.Next() {
		var child string
		if err := rows.Scan(&child); err != nil {
			return nil, err
		}
		ids = append(ids, referral.UserID(child))
	}
	return ids, rows.Err()
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
	var exists bool
	err := c.q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE referral_code = $1)`, code).Scan(&exists)
	return exists, mapError(err)
}

// ApplyEarning increments in place; Postgres holds the row lock for the
// duration of the statement (or the enclosing transaction).
func (c conn) ApplyEarning(ctx context.Context, id referral.UserID, level referral.Level, amount decimal.Decimal) (referral.User, error) {
	if !level.Valid() {
		return referral.User{}, referral.ErrInvalidEntry
	}
	u, err := scanUser(c.q.QueryRow(ctx, `
		UPDATE users
		   SET level1_earnings = level1_earnings + CASE WHEN $2 = 1 THEN $3::numeric ELSE 0 END,
		       level2_earnings = level2_earnings + CASE WHEN $2 = 2 THEN $3::numeric ELSE 0 END,
		       total_earnings  = total_earnings + $3::numeric,
		       version         = version + 1
		 WHERE id = $1
		RETURNING `+userColumns,
		id, int(level), amount.String(),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return referral.User{}, referral.ErrUserNotFound
	}
	if err != nil {
		return referral.User{}, mapError(err)
	}
	if u.DirectReferrals, err = c.directReferrals(ctx, u.ID); err != nil {
		return referral.User{}, err
	}
	return u, nil
}

func scanUser(row pgx.Row) (referral.User, error) {
	var (
		u                 referral.User
		referredBy        string
		total, lvl1, lvl2 string
	)
	err := row.Scan(
		&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.ReferralCode, &referredBy,
		&total, &lvl1, &lvl2, &u.Version, &u.CreatedAt,
	)
	if err != nil {
		return u, err
	}
	u.ReferredBy = referral.UserID(referredBy)
	if u.TotalEarnings, err = decimal.NewFromString(total); err != nil {
		return u, err
	}
	if u.Level1Earnings, err = decimal.NewFromString(lvl1); err != nil {
		return u, err
	}
	if u.Level2Earnings, err = decimal.NewFromString(lvl2); err != nil {
		return u, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return u, nil
}

// =============================================================================
// LEDGER STORE
// =============================================================================

const entryColumns = `id, user_id, kind, amount::text, status, COALESCE(referral_level, 0),
	COALESCE(source_user_id, ''), COALESCE(purchase_id, ''), description,
	COALESCE(idempotency_key, ''), failure_reason, attempts, created_at, updated_at`

func (c conn) AppendPurchase(ctx context.Context, p referral.NewPurchase) (referral.Entry, error) {
	e, err := referral.PurchaseEntry(p, time.Now().UTC())
	if err != nil {
		return referral.Entry{}, err
	}
	if err := c.insertEntry(ctx, e); err != nil {
		return referral.Entry{}, err
	}
	return e, nil
}

func (c conn) AppendEarning(ctx context.Context, in referral.NewEarning) (referral.Entry, error) {
	e, err := referral.EarningEntry(in, time.Now().UTC())
	if err != nil {
		return referral.Entry{}, err
	}
	var kind string
	err = c.q.QueryRow(ctx, `SELECT kind FROM entries WHERE id = $1`, in.PurchaseID).Scan(&kind)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && kind != string(referral.KindPurchase)) {
		return referral.Entry{}, referral.ErrEntryNotFound
	}
	if err != nil {
		return referral.Entry{}, mapError(err)
	}
	if err := c.insertEntry(ctx, e); err != nil {
		return referral.Entry{}, err
	}
	return e, nil
}

func (c conn) insertEntry(ctx context.Context, e referral.Entry) error {
	var level any
	if e.Kind == referral.KindEarning {
		level = int(e.Level)
	}
	_, err := c.q.Exec(ctx, `
		INSERT INTO entries (id, user_id, kind, amount, status, referral_level, source_user_id,
		                     purchase_id, description, idempotency_key, failure_reason, attempts,
		                     created_at, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9, NULLIF($10, ''),
		        $11, $12, $13, $14)
	`,
		e.ID, e.UserID, e.Kind, e.Amount.String(), e.Status, level,
		e.SourceUserID, e.PurchaseID, e.Description, e.IdempotencyKey,
		e.FailureReason, e.Attempts, e.CreatedAt, e.UpdatedAt,
	)
	return mapError(err)
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

// transition assumes it runs inside a transaction.
func (c conn) transition(ctx context.Context, id referral.EntryID, to referral.EntryStatus, reason string) error {
	cur, err := scanEntry(c.q.QueryRow(ctx,
		"SELECT "+entryColumns+" FROM entries WHERE id = $1 FOR UPDATE", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return referral.ErrEntryNotFound
	}
	if err != nil {
		return mapError(err)
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
	_, err = c.q.Exec(ctx, `
		UPDATE entries SET status = $2, failure_reason = $3, attempts = $4, updated_at = now()
		 WHERE id = $1
	`, id, to, failure, attempts)
	return mapError(err)
}

func (c conn) GetEntry(ctx context.Context, id referral.EntryID) (referral.Entry, error) {
	return c.getEntryWhere(ctx, "id = $1", id)
}

func (c conn) FindByIdempotencyKey(ctx context.Context, key string) (referral.Entry, error) {
	return c.getEntryWhere(ctx, "idempotency_key = $1", key)
}

func (c conn) getEntryWhere(ctx context.Context, where string, arg any) (referral.Entry, error) {
	e, err := scanEntry(c.q.QueryRow(ctx, "SELECT "+entryColumns+" FROM entries WHERE "+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return referral.Entry{}, referral.ErrEntryNotFound
	}
	return e, mapError(err)
}

func (c conn) ListByUser(ctx context.Context, userID referral.UserID, filter referral.EntryFilter) ([]referral.Entry, error) {
	return c.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM entries
		 WHERE user_id = $1 AND ($2 = '' OR kind = $2)
		 ORDER BY seq DESC
		 LIMIT $3 OFFSET $4
	`, userID, string(filter.Kind), limitArg(filter.Limit), filter.Offset)
}

func (c conn) ListEarningsForPurchase(ctx context.Context, purchaseID referral.EntryID) ([]referral.Entry, error) {
	return c.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM entries
		 WHERE purchase_id = $1 AND kind = 'EARNING'
		 ORDER BY referral_level
	`, purchaseID)
}

func (c conn) ListByStatus(ctx context.Context, status referral.EntryStatus, before time.Time, limit int) ([]referral.Entry, error) {
	return c.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM entries
		 WHERE kind = 'PURCHASE' AND status = $1 AND created_at < $2
		 ORDER BY seq
		 LIMIT $3
	`, status, before, limitArg(limit))
}

func (c conn) queryEntries(ctx context.Context, query string, args ...any) ([]referral.Entry, error) {
	rows, err := c.q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
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

func scanEntry(row pgx.Row) (referral.Entry, error) {
	var (
		e                referral.Entry
		amount           string
		level            int
		source, purchase string
		userID, id, key  string
		kind, status     string
	)
	err := row.Scan(
		&id, &userID, &kind, &amount, &status, &level, &source, &purchase,
		&e.Description, &key, &e.FailureReason, &e.Attempts, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return e, err
	}
	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return e, err
	}
	e.ID = referral.EntryID(id)
	e.UserID = referral.UserID(userID)
	e.Kind = referral.EntryKind(kind)
	e.Status = referral.EntryStatus(status)
	e.Level = referral.Level(level)
	e.SourceUserID = referral.UserID(source)
	e.PurchaseID = referral.EntryID(purchase)
	e.IdempotencyKey = key
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return e, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// limitArg maps "no limit" to NULL.
func limitArg(n int) any {
	if n <= 0 {
		return nil
	}
	return n
}

// mapError translates constraint violations into domain errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505": // unique_violation
		switch pgErr.ConstraintName {
		case "users_referral_code_key":
			return referral.ErrDuplicateCode
		case "users_username_key", "users_email_key", "users_pkey":
			return referral.ErrDuplicateUser
		case "entries_idempotency_key_key":
			return referral.ErrDuplicateIdempotencyKey
		default:
			return referral.ErrPersistenceConflict
		}
	case "40001", "40P01": // serialization_failure, deadlock_detected
		return referral.ErrPersistenceConflict
	}
	return err
}
