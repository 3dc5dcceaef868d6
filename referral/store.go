/*
store.go - Persistence interfaces for the referral graph and the ledger

PURPOSE:
  Defines the interface between the engine and the database. Different
  implementations use SQLite, PostgreSQL, or in-memory storage; all of them
  must honour the same atomicity contract.

KEY INTERFACES:
  GraphStore:  User nodes and referral edges
  LedgerStore: Purchase and earning entries
  Store:       Both, plus WithTx for grouped writes

ATOMICITY CONTRACT:
  - CreateUser: node insert and append to the referrer's DirectReferrals
    succeed together or not at all. The capacity check happens inside the
    same atomic section.
  - ApplyEarning: a single per-user read-modify-write. It may fail with
    ErrPersistenceConflict, never silently lose an update.
  - WithTx: all writes made through the Store handed to fn commit together,
    or none do.

APPEND-ONLY LEDGER:
  Entries are never deleted. The only mutation is the status transition of
  a PURCHASE (see Transition in types.go).

IMPLEMENTATIONS:
  - referral/store/memory.go: In-memory, per-user locks
  - store/sqlite/sqlite.go: SQLite, versioned compare-and-swap
  - store/postgres/postgres.go: PostgreSQL, row locks and atomic increments

SEE ALSO:
  - storetest/: Contract suite run against every implementation
*/
package referral

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// GRAPH STORE
// =============================================================================

type GraphStore interface {
	// CreateUser inserts a node and links it under its referrer.
	// maxDirect is the referrer's capacity.
	CreateUser(ctx context.Context, u NewUser, maxDirect int) (User, error)

	GetUser(ctx context.Context, id UserID) (User, error)
	GetUserByCode(ctx context.Context, code string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)

	// GetUsers returns the users that exist, in the order of ids.
	GetUsers(ctx context.Context, ids []UserID) ([]User, error)

	CodeExists(ctx context.Context, code string) (bool, error)

	// ApplyEarning atomically adds amount to the level accumulator and the
	// total. Returns the updated user.
	ApplyEarning(ctx context.Context, id UserID, level Level, amount decimal.Decimal) (User, error)
}

// =============================================================================
// LEDGER STORE
// =============================================================================

type LedgerStore interface {
	// AppendPurchase records a PENDING purchase.
	AppendPurchase(ctx context.Context, p NewPurchase) (Entry, error)

	// AppendEarning records a COMPLETED earning. At most one earning per
	// purchase and level.
	AppendEarning(ctx context.Context, e NewEarning) (Entry, error)

	MarkCompleted(ctx context.Context, id EntryID) error
	MarkFailed(ctx context.Context, id EntryID, reason string) error

	// MarkFailedPartial records an outstanding commission and bumps Attempts.
	MarkFailedPartial(ctx context.Context, id EntryID, reason string) error

	GetEntry(ctx context.Context, id EntryID) (Entry, error)
	FindByIdempotencyKey(ctx context.Context, key string) (Entry, error)

	// ListByUser returns a user's entries, newest first.
	ListByUser(ctx context.Context, userID UserID, filter EntryFilter) ([]Entry, error)

	ListEarningsForPurchase(ctx context.Context, purchaseID EntryID) ([]Entry, error)

	// ListByStatus returns purchases in status created before the cutoff,
	// oldest first.
	ListByStatus(ctx context.Context, status EntryStatus, before time.Time, limit int) ([]Entry, error)
}

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	GraphStore
	LedgerStore

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the passed Store is
	// rolled back. If fn returns nil, the writes are committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// GRAPH HELPERS
// =============================================================================

// Ancestor returns the ancestor of id at level, or ok=false when the chain
// is shorter.
func Ancestor(ctx context.Context, g GraphStore, id UserID, level Level) (User, bool, error) {
	u, err := g.GetUser(ctx, id)
	if err != nil {
		return User{}, false, err
	}
	for i := Level(0); i < level; i++ {
		if !u.HasReferrer() {
			return User{}, false, nil
		}
		if u, err = g.GetUser(ctx, u.ReferredBy); err != nil {
			return User{}, false, err
		}
	}
	return u, true, nil
}

// Upline returns the purchaser's ancestors up to MaxLevel, nearest first.
func Upline(ctx context.Context, g GraphStore, u User) ([]User, error) {
	var chain []User
	cur := u
	for l := Level1; l <= MaxLevel && cur.HasReferrer(); l++ {
		next, err := g.GetUser(ctx, cur.ReferredBy)
		if err != nil {
			return nil, err
		}
		chain = append(chain, next)
		cur = next
	}
	return chain, nil
}
