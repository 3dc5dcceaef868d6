/*
Package referral provides the commission distribution engine.

PURPOSE:
  This package contains the domain types and algorithms for a two-level
  referral program. Users form a forest through a permanent "referred by"
  pointer. Every qualifying purchase credits a commission to the purchaser's
  direct referrer (level 1) and to that referrer's referrer (level 2).

KEY CONCEPTS IN THIS FILE (types.go):
  - User: A node in the referral forest, with earnings accumulators
  - Entry: An immutable ledger record (PURCHASE or EARNING)
  - Level: Distance from the purchaser to the credited ancestor
  - Identifiers: Type-safe user and entry IDs

DESIGN PRINCIPLES:
  1. Immutability: Completed entries are never edited
  2. Precision: Uses decimal.Decimal to avoid floating-point drift
  3. Type Safety: Strong typing for IDs prevents mixing users and entries
  4. Traceability: Every earning names its purchase, source user and level

USAGE:
  engine := referral.NewEngine(store, referral.DefaultConfig())
  purchase, err := engine.ProcessPurchase(ctx, referral.PurchaseRequest{
      UserID:      "3f6c...",
      Amount:      decimal.RequireFromString("1500.00"),
      Description: "Annual plan",
  })

SEE ALSO:
  - engine.go: ProcessPurchase and RegisterUser
  - commission.go: Pure commission math
  - store.go: Persistence interfaces
*/
package referral

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type EntryID string

func NewUserID() UserID   { return UserID(uuid.NewString()) }
func NewEntryID() EntryID { return EntryID(uuid.NewString()) }

// =============================================================================
// LEVEL - Distance between purchaser and credited ancestor
// =============================================================================

type Level int

const (
	Level1 Level = 1 // direct referrer
	Level2 Level = 2 // referrer's referrer

	// MaxLevel is the deepest ancestor that receives commission.
	MaxLevel = Level2
)

func (l Level) Valid() bool { return l >= Level1 && l <= MaxLevel }

// =============================================================================
// USER - Node in the referral forest
// =============================================================================

type User struct {
	ID           UserID
	Username     string
	Email        string
	PasswordHash string
	ReferralCode string

	// ReferredBy is empty for roots. Set once at creation, never reassigned.
	ReferredBy UserID

	// DirectReferrals is append-only, in the order referrals joined.
	DirectReferrals []UserID

	TotalEarnings  decimal.Decimal
	Level1Earnings decimal.Decimal
	Level2Earnings decimal.Decimal

	// Version increments on every earnings mutation (optimistic locking).
	Version   int64
	CreatedAt time.Time
}

func (u User) HasReferrer() bool { return u.ReferredBy != "" }

// EarningsFor returns the accumulator for a level.
func (u User) EarningsFor(level Level) decimal.Decimal {
	if level == Level1 {
		return u.Level1Earnings
	}
	return u.Level2Earnings
}

// NewUser is the input to GraphStore.CreateUser.
type NewUser struct {
	ID           UserID
	Username     string
	Email        string
	PasswordHash string
	ReferralCode string
	ReferredBy   UserID
	CreatedAt    time.Time
}

// Build returns the initial node for a NewUser.
func (n NewUser) Build() User {
	return User{
		ID:             n.ID,
		Username:       n.Username,
		Email:          n.Email,
		PasswordHash:   n.PasswordHash,
		ReferralCode:   n.ReferralCode,
		ReferredBy:     n.ReferredBy,
		TotalEarnings:  decimal.Zero,
		Level1Earnings: decimal.Zero,
		Level2Earnings: decimal.Zero,
		CreatedAt:      n.CreatedAt,
	}
}

// PublicProfile is what other users may see about a user.
type PublicProfile struct {
	ID           UserID
	Username     string
	Email        string
	ReferralCode string
}

func (u User) Public() PublicProfile {
	return PublicProfile{ID: u.ID, Username: u.Username, Email: u.Email, ReferralCode: u.ReferralCode}
}

// =============================================================================
// LEDGER ENTRY
// =============================================================================

type EntryKind string

const (
	KindPurchase EntryKind = "PURCHASE"
	KindEarning  EntryKind = "EARNING"
)

type EntryStatus string

const (
	StatusPending   EntryStatus = "PENDING"
	StatusCompleted EntryStatus = "COMPLETED"
	StatusFailed    EntryStatus = "FAILED"

	// StatusFailedPartial marks a recorded purchase whose commission is
	// still outstanding. Not terminal: the reconciler picks it up.
	StatusFailedPartial EntryStatus = "FAILED_PARTIAL"
)

func (s EntryStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type Entry struct {
	ID     EntryID
	UserID UserID
	Kind   EntryKind
	Amount decimal.Decimal
	Status EntryStatus

	// EARNING only.
	Level        Level
	SourceUserID UserID
	PurchaseID   EntryID

	Description    string
	IdempotencyKey string
	FailureReason  string
	Attempts       int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewPurchase is the input to LedgerStore.AppendPurchase.
type NewPurchase struct {
	UserID         UserID
	Amount         decimal.Decimal
	Description    string
	IdempotencyKey string
}

// NewEarning is the input to LedgerStore.AppendEarning.
type NewEarning struct {
	UserID       UserID
	Amount       decimal.Decimal
	Level        Level
	SourceUserID UserID
	PurchaseID   EntryID
	Description  string
}

// PurchaseEntry validates p and builds a PENDING entry.
func PurchaseEntry(p NewPurchase, now time.Time) (Entry, error) {
	if !p.Amount.IsPositive() {
		return Entry{}, ErrInvalidAmount
	}
	return Entry{
		ID:             NewEntryID(),
		UserID:         p.UserID,
		Kind:           KindPurchase,
		Amount:         p.Amount,
		Status:         StatusPending,
		Description:    p.Description,
		IdempotencyKey: p.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// EarningEntry validates e and builds a COMPLETED entry.
func EarningEntry(e NewEarning, now time.Time) (Entry, error) {
	if e.Amount.IsNegative() {
		return Entry{}, ErrInvalidAmount
	}
	if !e.Level.Valid() || e.SourceUserID == "" || e.PurchaseID == "" {
		return Entry{}, fmt.Errorf("%w: earning requires level, source user and purchase", ErrInvalidEntry)
	}
	return Entry{
		ID:           NewEntryID(),
		UserID:       e.UserID,
		Kind:         KindEarning,
		Amount:       e.Amount,
		Status:       StatusCompleted,
		Level:        e.Level,
		SourceUserID: e.SourceUserID,
		PurchaseID:   e.PurchaseID,
		Description:  e.Description,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// Transition checks that an entry may move from one status to another.
func Transition(from, to EntryStatus) error {
	if from.Terminal() {
		return ErrAlreadyFinalized
	}
	switch to {
	case StatusCompleted, StatusFailed, StatusFailedPartial:
		return nil
	}
	return fmt.Errorf("%w: cannot move to %s", ErrInvalidEntry, to)
}

// EntryFilter narrows ListByUser. Zero value lists everything.
type EntryFilter struct {
	Kind   EntryKind
	Limit  int
	Offset int
}

func (f EntryFilter) Match(e Entry) bool {
	return f.Kind == "" || f.Kind == e.Kind
}
