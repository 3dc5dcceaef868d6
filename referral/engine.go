/*
engine.go - Commission distribution engine

PURPOSE:
  Orchestrates the write path: registering users under a referrer and
  turning purchases into ledger entries and earnings credits.

PURCHASE FLOW (ProcessPurchase):
  1. Resolve purchaser                      -> ErrUserNotFound
  2. Validate amount (> 0, currency scale)  -> ErrInvalidAmount
  3. Replay on a known idempotency key      -> original entry
  4. Append PURCHASE (PENDING)              durable before any earning
  5. Plan credits (threshold, upline)       pure, see commission.go
  6. One unit of work (WithTx):
       for each outstanding level: ApplyEarning + AppendEarning
       MarkCompleted(purchase)
     retried as a whole on ErrPersistenceConflict
  7. On failure: MarkFailedPartial + *CommissionError

UNIT OF WORK:
  Level 1 and level 2 are both visible or neither is. Levels already
  credited for a purchase are skipped, so the unit can be re-run by a retry
  or by the reconciler without double-crediting.

IDEMPOTENCY:
  Keys are scoped per purchaser. First write wins; a replay returns the
  stored entry. A replay with a different amount is ErrIdempotencyMismatch.
  A replay of a PENDING purchase settles it before returning.

SEE ALSO:
  - commission.go: Credit planning
  - reporting.go: Read-only views
  - api/scheduler.go: Reconciler calling ResumePurchase
*/
package referral

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store    Store
	cfg      Config
	codes    *CodeAllocator
	observer Observer
	log      *zap.Logger
	backoff  time.Duration
}

type Option func(*Engine)

func WithObserver(o Observer) Option { return func(e *Engine) { e.observer = o } }

func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.log = l } }

// WithBackoff sets the base delay between conflict retries.
func WithBackoff(d time.Duration) Option { return func(e *Engine) { e.backoff = d } }

func WithCodeAllocator(a *CodeAllocator) Option {
	return func(e *Engine) { e.codes = a }
}

func NewEngine(store Store, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		cfg:      cfg,
		codes:    NewCodeAllocator(store),
		observer: nopObserver{},
		log:      zap.NewNop(),
		backoff:  5 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) Store() Store { return e.store }

// =============================================================================
// REGISTRATION
// =============================================================================

type Registration struct {
	Username     string
	Email        string
	PasswordHash string
	ReferralCode string // optional
}

// NormalizeCode canonicalises a user-typed referral code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// RegisterUser creates a user with a fresh referral code, linked under the
// owner of r.ReferralCode when given.
func (e *Engine) RegisterUser(ctx context.Context, r Registration) (User, error) {
	var referrer *User
	if code := NormalizeCode(r.ReferralCode); code != "" {
		ref, err := e.store.GetUserByCode(ctx, code)
		if errors.Is(err, ErrUserNotFound) {
			return User{}, ErrReferrerNotFound
		}
		if err != nil {
			return User{}, err
		}
		// Fast path only; CreateUser re-checks atomically.
		if len(ref.DirectReferrals) >= e.cfg.MaxDirectReferrals {
			return User{}, &CapacityError{ReferrerID: ref.ID, Cap: e.cfg.MaxDirectReferrals}
		}
		referrer = &ref
	}

	in := NewUser{
		Username:     strings.TrimSpace(r.Username),
		Email:        strings.ToLower(strings.TrimSpace(r.Email)),
		PasswordHash: r.PasswordHash,
	}
	if referrer != nil {
		in.ReferredBy = referrer.ID
	}

	for attempt := 0; attempt < e.codes.MaxAttempts; attempt++ {
		code, err := e.codes.Allocate(ctx)
		if err != nil {
			return User{}, err
		}
		in.ID = NewUserID()
		in.ReferralCode = code
		in.CreatedAt = time.Now().UTC()

		u, err := e.store.CreateUser(ctx, in, e.cfg.MaxDirectReferrals)
		if errors.Is(err, ErrDuplicateCode) {
			// Lost a race for the code.
			continue
		}
		if err != nil {
			return User{}, err
		}

		e.log.Info("user registered",
			zap.String("user_id", string(u.ID)),
			zap.String("referred_by", string(u.ReferredBy)))
		if referrer != nil {
			pub := u.Public()
			e.observer.Observe(ctx, Event{
				Type:     EventReferralAdded,
				UserID:   referrer.ID,
				Referral: &pub,
				At:       time.Now().UTC(),
			})
		}
		return u, nil
	}
	return User{}, ErrAllocationExhausted
}

// =============================================================================
// PURCHASE PROCESSING
// =============================================================================

type PurchaseRequest struct {
	UserID         UserID
	Amount         decimal.Decimal
	Description    string
	IdempotencyKey string // optional, scoped to UserID
}

// ProcessPurchase records a purchase and distributes its commission.
// It returns the PURCHASE entry. A *CommissionError means the purchase was
// recorded but the commission is still outstanding.
func (e *Engine) ProcessPurchase(ctx context.Context, req PurchaseRequest) (Entry, error) {
	purchaser, err := e.store.GetUser(ctx, req.UserID)
	if err != nil {
		return Entry{}, err
	}
	if !ValidAmount(req.Amount, e.cfg.CurrencyScale) {
		return Entry{}, ErrInvalidAmount
	}

	key := scopedKey(req.UserID, req.IdempotencyKey)
	if key != "" {
		if prior, ok, err := e.replay(ctx, key, purchaser, req); ok || err != nil {
			return prior, err
		}
	}

	purchase, err := e.store.AppendPurchase(ctx, NewPurchase{
		UserID:         req.UserID,
		Amount:         req.Amount,
		Description:    req.Description,
		IdempotencyKey: key,
	})
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		// Concurrent duplicate won the insert.
		prior, _, err := e.replay(ctx, key, purchaser, req)
		return prior, err
	}
	if err != nil {
		return Entry{}, fmt.Errorf("record purchase: %w", err)
	}

	return e.settle(ctx, purchaser, purchase)
}

// ResumePurchase re-runs the commission unit for a purchase left PENDING or
// FAILED_PARTIAL. Terminal purchases are returned unchanged.
func (e *Engine) ResumePurchase(ctx context.Context, id EntryID) (Entry, error) {
	purchase, err := e.store.GetEntry(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	if purchase.Kind != KindPurchase {
		return Entry{}, fmt.Errorf("%w: %s is not a purchase", ErrInvalidEntry, id)
	}
	if purchase.Status.Terminal() {
		return purchase, nil
	}
	purchaser, err := e.store.GetUser(ctx, purchase.UserID)
	if err != nil {
		return Entry{}, err
	}
	return e.settle(ctx, purchaser, purchase)
}

// AbandonPurchase marks a purchase FAILED. Credits already applied stay.
func (e *Engine) AbandonPurchase(ctx context.Context, id EntryID, reason string) error {
	return e.store.MarkFailed(ctx, id, reason)
}

func (e *Engine) settle(ctx context.Context, purchaser User, purchase Entry) (Entry, error) {
	credits, earnings, err := e.distribute(ctx, purchaser, purchase)
	if errors.Is(err, ErrAlreadyFinalized) {
		// Settled concurrently (reconciler or duplicate request).
		if fresh, gerr := e.store.GetEntry(ctx, purchase.ID); gerr == nil && fresh.Status == StatusCompleted {
			return fresh, nil
		}
	}
	if err != nil {
		return e.fail(ctx, purchase, credits, err)
	}

	if fresh, gerr := e.store.GetEntry(ctx, purchase.ID); gerr == nil {
		purchase = fresh
	} else {
		purchase.Status = StatusCompleted
	}

	e.log.Info("purchase processed",
		zap.String("purchase_id", string(purchase.ID)),
		zap.String("user_id", string(purchase.UserID)),
		zap.String("amount", purchase.Amount.String()),
		zap.Int("credits", len(earnings)))

	now := time.Now().UTC()
	p := purchase
	e.observer.Observe(ctx, Event{Type: EventPurchaseProcessed, UserID: purchase.UserID, Entry: &p, Earnings: earnings, At: now})
	for i := range earnings {
		earning := earnings[i]
		e.observer.Observe(ctx, Event{Type: EventEarningCredited, UserID: earning.UserID, Entry: &earning, At: now})
	}
	return purchase, nil
}

func (e *Engine) distribute(ctx context.Context, purchaser User, purchase Entry) ([]Credit, []Entry, error) {
	var credits []Credit
	if Qualifies(purchase.Amount, e.cfg.MinPurchaseAmount) {
		upline, err := Upline(ctx, e.store, purchaser)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve upline: %w", err)
		}
		ids := make([]UserID, len(upline))
		for i, u := range upline {
			ids[i] = u.ID
		}
		credits = PlanCommission(e.cfg, purchase.Amount, ids)
	}

	var earnings []Entry
	err := e.retry(ctx, func() error {
		earnings = earnings[:0]
		return e.store.WithTx(ctx, func(s Store) error {
			existing, err := s.ListEarningsForPurchase(ctx, purchase.ID)
			if err != nil {
				return err
			}
			outstanding := Outstanding(credits, existing)
			for _, c := range credits {
				if !containsLevel(outstanding, c.Level) {
					continue
				}
				if _, err := s.ApplyEarning(ctx, c.Recipient, c.Level, c.Amount); err != nil {
					return fmt.Errorf("credit level %d: %w", c.Level, err)
				}
				entry, err := s.AppendEarning(ctx, NewEarning{
					UserID:       c.Recipient,
					Amount:       c.Amount,
					Level:        c.Level,
					SourceUserID: purchaser.ID,
					PurchaseID:   purchase.ID,
					Description:  fmt.Sprintf("Level %d earning from %s's purchase", c.Level, purchaser.Username),
				})
				if err != nil {
					return fmt.Errorf("record level %d earning: %w", c.Level, err)
				}
				earnings = append(earnings, entry)
			}
			return s.MarkCompleted(ctx, purchase.ID)
		})
	})
	return credits, earnings, err
}

func (e *Engine) fail(ctx context.Context, purchase Entry, credits []Credit, cause error) (Entry, error) {
	// The caller may have given up; the bookkeeping must still land.
	bg := context.WithoutCancel(ctx)

	outstanding := make([]Level, 0, len(credits))
	for _, c := range credits {
		outstanding = append(outstanding, c.Level)
	}
	if existing, err := e.store.ListEarningsForPurchase(bg, purchase.ID); err == nil {
		outstanding = Outstanding(credits, existing)
	}

	if err := e.store.MarkFailedPartial(bg, purchase.ID, cause.Error()); err != nil {
		e.log.Error("mark purchase failed-partial",
			zap.String("purchase_id", string(purchase.ID)), zap.Error(err))
	} else {
		purchase.Status = StatusFailedPartial
		purchase.FailureReason = cause.Error()
		purchase.Attempts++
	}

	e.log.Warn("commission incomplete",
		zap.String("purchase_id", string(purchase.ID)),
		zap.Int("outstanding", len(outstanding)),
		zap.Error(cause))

	p := purchase
	e.observer.Observe(bg, Event{Type: EventCommissionFailed, UserID: purchase.UserID, Entry: &p, At: time.Now().UTC()})
	return purchase, &CommissionError{PurchaseID: purchase.ID, Outstanding: outstanding, Err: cause}
}

// replay returns the purchase already stored under key. ok is false when
// the key is unused. A purchase still PENDING is settled here, so a retry
// never reports success for commission that was not paid.
func (e *Engine) replay(ctx context.Context, key string, purchaser User, req PurchaseRequest) (Entry, bool, error) {
	prior, err := e.store.FindByIdempotencyKey(ctx, key)
	if errors.Is(err, ErrEntryNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	if !prior.Amount.Equal(req.Amount) {
		return Entry{}, true, ErrIdempotencyMismatch
	}
	if prior.Status == StatusFailedPartial || prior.Status == StatusFailed {
		return prior, true, &CommissionError{
			PurchaseID:  prior.ID,
			Outstanding: e.outstandingFor(ctx, prior),
			Err:         errors.New(prior.FailureReason),
		}
	}
	if prior.Status == StatusPending {
		settled, err := e.settle(ctx, purchaser, prior)
		return settled, true, err
	}
	return prior, true, nil
}

func (e *Engine) outstandingFor(ctx context.Context, purchase Entry) []Level {
	purchaser, err := e.store.GetUser(ctx, purchase.UserID)
	if err != nil || !Qualifies(purchase.Amount, e.cfg.MinPurchaseAmount) {
		return nil
	}
	upline, err := Upline(ctx, e.store, purchaser)
	if err != nil {
		return nil
	}
	ids := make([]UserID, len(upline))
	for i, u := range upline {
		ids[i] = u.ID
	}
	existing, err := e.store.ListEarningsForPurchase(ctx, purchase.ID)
	if err != nil {
		return nil
	}
	return Outstanding(PlanCommission(e.cfg, purchase.Amount, ids), existing)
}

// retry runs fn until it succeeds, fails with a non-retryable error, or the
// conflict budget is spent.
func (e *Engine) retry(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !IsRetryable(err) || attempt >= e.cfg.MaxConflictRetries {
			return err
		}
		delay := e.backoff << attempt
		if delay > 0 {
			delay += time.Duration(rand.Int64N(int64(delay)))
		}
		e.log.Debug("retrying after conflict", zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func scopedKey(user UserID, key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	return string(user) + "/" + key
}

func containsLevel(levels []Level, l Level) bool {
	for _, x := range levels {
		if x == l {
			return true
		}
	}
	return false
}
