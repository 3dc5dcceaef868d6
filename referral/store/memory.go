// Package store provides an in-memory referral.Store.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/referral-engine/referral"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps one mutex per user record. The index lock only guards the
// lookup maps and is never held while waiting on a record, so earnings for
// unrelated users never contend. Lock order: record, then index.
type Memory struct {
	mu         sync.RWMutex
	users      map[referral.UserID]*record
	byCode     map[string]referral.UserID
	byEmail    map[string]referral.UserID
	byUsername map[string]referral.UserID

	ledgerMu   sync.RWMutex
	entries    map[referral.EntryID]*referral.Entry
	order      []referral.EntryID
	byUser     map[referral.UserID][]referral.EntryID
	byKey      map[string]referral.EntryID
	byPurchase map[referral.EntryID][]referral.EntryID
}

type record struct {
	mu   sync.Mutex
	user referral.User
}

func NewMemory() *Memory {
	return &Memory{
		users:      make(map[referral.UserID]*record),
		byCode:     make(map[string]referral.UserID),
		byEmail:    make(map[string]referral.UserID),
		byUsername: make(map[string]referral.UserID),
		entries:    make(map[referral.EntryID]*referral.Entry),
		byUser:     make(map[referral.UserID][]referral.EntryID),
		byKey:      make(map[string]referral.EntryID),
		byPurchase: make(map[referral.EntryID][]referral.EntryID),
	}
}

func (m *Memory) lookup(id referral.UserID) (*record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.users[id]
	return rec, ok
}

// =============================================================================
// GRAPH
// =============================================================================

func (m *Memory) CreateUser(_ context.Context, in referral.NewUser, maxDirect int) (referral.User, error) {
	if in.ReferredBy == "" {
		return m.insertUser(in, nil, maxDirect)
	}
	ref, ok := m.lookup(in.ReferredBy)
	if !ok {
		return referral.User{}, referral.ErrReferrerNotFound
	}
	ref.mu.Lock()
	defer ref.mu.Unlock()
	return m.insertUser(in, ref, maxDirect)
}

// insertUser links the new node under ref. The caller holds ref.mu.
func (m *Memory) insertUser(in referral.NewUser, ref *record, maxDirect int) (referral.User, error) {
	if ref != nil && len(ref.user.DirectReferrals) >= maxDirect {
		return referral.User{}, &referral.CapacityError{ReferrerID: ref.user.ID, Cap: maxDirect}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.byCode[in.ReferralCode]; taken {
		return referral.User{}, referral.ErrDuplicateCode
	}
	if _, taken := m.byEmail[in.Email]; taken {
		return referral.User{}, referral.ErrDuplicateUser
	}
	if _, taken := m.byUsername[in.Username]; taken {
		return referral.User{}, referral.ErrDuplicateUser
	}
	if _, taken := m.users[in.ID]; taken {
		return referral.User{}, referral.ErrDuplicateUser
	}

	u := in.Build()
	m.users[u.ID] = &record{user: u}
	m.byCode[u.ReferralCode] = u.ID
	m.byEmail[u.Email] = u.ID
	m.byUsername[u.Username] = u.ID

	if ref != nil {
		ref.user.DirectReferrals = append(cloneIDs(ref.user.DirectReferrals), u.ID)
	}
	return cloneUser(u), nil
}

func (m *Memory) removeUser(u referral.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, u.ID)
	delete(m.byCode, u.ReferralCode)
	delete(m.byEmail, u.Email)
	delete(m.byUsername, u.Username)
}

func (m *Memory) GetUser(_ context.Context, id referral.UserID) (referral.User, error) {
	rec, ok := m.lookup(id)
	if !ok {
		return referral.User{}, referral.ErrUserNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return cloneUser(rec.user), nil
}

func (m *Memory) GetUserByCode(ctx context.Context, code string) (referral.User, error) {
	m.mu.RLock()
	id, ok := m.byCode[code]
	m.mu.RUnlock()
	if !ok {
		return referral.User{}, referral.ErrUserNotFound
	}
	return m.GetUser(ctx, id)
}

func (m *Memory) GetUserByEmail(ctx context.Context, email string) (referral.User, error) {
	m.mu.RLock()
	id, ok := m.byEmail[email]
	m.mu.RUnlock()
	if !ok {
		return referral.User{}, referral.ErrUserNotFound
	}
	return m.GetUser(ctx, id)
}

func (m *Memory) GetUsers(ctx context.Context, ids []referral.UserID) ([]referral.User, error) {
	users := make([]referral.User, 0, len(ids))
	for _, id := range ids {
		u, err := m.GetUser(ctx, id)
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

func (m *Memory) CodeExists(_ context.Context, code string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byCode[code]
	return ok, nil
}

func (m *Memory) ApplyEarning(_ context.Context, id referral.UserID, level referral.Level, amount decimal.Decimal) (referral.User, error) {
	if !level.Valid() {
		return referral.User{}, referral.ErrInvalidEntry
	}
	rec, ok := m.lookup(id)
	if !ok {
		return referral.User{}, referral.ErrUserNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.user = referral.ApplyEarningDelta(rec.user, level, amount)
	return cloneUser(rec.user), nil
}

// =============================================================================
// LEDGER
// =============================================================================

func (m *Memory) AppendPurchase(_ context.Context, p referral.NewPurchase) (referral.Entry, error) {
	e, err := referral.PurchaseEntry(p, time.Now().UTC())
	if err != nil {
		return referral.Entry{}, err
	}
	m.ledgerMu.Lock()
	defer m.ledgerMu.Unlock()
	if err := m.checkAppendLocked(e); err != nil {
		return referral.Entry{}, err
	}
	m.appendLocked(e)
	return e, nil
}

func (m *Memory) AppendEarning(_ context.Context, in referral.NewEarning) (referral.Entry, error) {
	e, err := referral.EarningEntry(in, time.Now().UTC())
	if err != nil {
		return referral.Entry{}, err
	}
	m.ledgerMu.Lock()
	defer m.ledgerMu.Unlock()
	if err := m.checkAppendLocked(e); err != nil {
		return referral.Entry{}, err
	}
	m.appendLocked(e)
	return e, nil
}

// checkAppendLocked enforces the ledger's uniqueness rules: one purchase per
// idempotency key, one earning per purchase and level.
func (m *Memory) checkAppendLocked(e referral.Entry) error {
	switch e.Kind {
	case referral.KindPurchase:
		if e.IdempotencyKey != "" {
			if _, taken := m.byKey[e.IdempotencyKey]; taken {
				return referral.ErrDuplicateIdempotencyKey
			}
		}
	case referral.KindEarning:
		p, ok := m.entries[e.PurchaseID]
		if !ok || p.Kind != referral.KindPurchase {
			return referral.ErrEntryNotFound
		}
		for _, id := range m.byPurchase[e.PurchaseID] {
			if m.entries[id].Level == e.Level {
				return referral.ErrPersistenceConflict
			}
		}
	}
	return nil
}

func (m *Memory) appendLocked(e referral.Entry) {
	stored := e
	m.entries[e.ID] = &stored
	m.order = append(m.order, e.ID)
	m.byUser[e.UserID] = append(m.byUser[e.UserID], e.ID)
	if e.IdempotencyKey != "" {
		m.byKey[e.IdempotencyKey] = e.ID
	}
	if e.Kind == referral.KindEarning {
		m.byPurchase[e.PurchaseID] = append(m.byPurchase[e.PurchaseID], e.ID)
	}
}

func (m *Memory) MarkCompleted(_ context.Context, id referral.EntryID) error {
	return m.transition(statusChange{id: id, to: referral.StatusCompleted})
}

func (m *Memory) MarkFailed(_ context.Context, id referral.EntryID, reason string) error {
	return m.transition(statusChange{id: id, to: referral.StatusFailed, reason: reason})
}

func (m *Memory) MarkFailedPartial(_ context.Context, id referral.EntryID, reason string) error {
	return m.transition(statusChange{id: id, to: referral.StatusFailedPartial, reason: reason})
}

func (m *Memory) transition(c statusChange) error {
	m.ledgerMu.Lock()
	defer m.ledgerMu.Unlock()
	e, ok := m.entries[c.id]
	if !ok {
		return referral.ErrEntryNotFound
	}
	if err := c.check(*e); err != nil {
		return err
	}
	c.apply(e, time.Now().UTC())
	return nil
}

func (m *Memory) GetEntry(_ context.Context, id referral.EntryID) (referral.Entry, error) {
	m.ledgerMu.RLock()
	defer m.ledgerMu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return referral.Entry{}, referral.ErrEntryNotFound
	}
	return *e, nil
}

func (m *Memory) FindByIdempotencyKey(_ context.Context, key string) (referral.Entry, error) {
	m.ledgerMu.RLock()
	defer m.ledgerMu.RUnlock()
	id, ok := m.byKey[key]
	if !ok {
		return referral.Entry{}, referral.ErrEntryNotFound
	}
	return *m.entries[id], nil
}

func (m *Memory) ListByUser(_ context.Context, userID referral.UserID, filter referral.EntryFilter) ([]referral.Entry, error) {
	m.ledgerMu.RLock()
	defer m.ledgerMu.RUnlock()
	ids := m.byUser[userID]
	matched := make([]referral.Entry, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		if e := m.entries[ids[i]]; filter.Match(*e) {
			matched = append(matched, *e)
		}
	}
	return page(matched, filter), nil
}

func (m *Memory) ListEarningsForPurchase(_ context.Context, purchaseID referral.EntryID) ([]referral.Entry, error) {
	m.ledgerMu.RLock()
	defer m.ledgerMu.RUnlock()
	ids := m.byPurchase[purchaseID]
	out := make([]referral.Entry, 0, len(ids))
	for _, id := range ids {
		out = append(out, *m.entries[id])
	}
	return out, nil
}

func (m *Memory) ListByStatus(_ context.Context, status referral.EntryStatus, before time.Time, limit int) ([]referral.Entry, error) {
	m.ledgerMu.RLock()
	defer m.ledgerMu.RUnlock()
	var out []referral.Entry
	for _, id := range m.order {
		e := m.entries[id]
		if e.Kind != referral.KindPurchase || e.Status != status || !e.CreatedAt.Before(before) {
			continue
		}
		out = append(out, *e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// =============================================================================
// HELPERS
// =============================================================================

type statusChange struct {
	id     referral.EntryID
	to     referral.EntryStatus
	reason string
}

func (c statusChange) check(e referral.Entry) error {
	if e.Kind != referral.KindPurchase {
		return referral.ErrInvalidEntry
	}
	return referral.Transition(e.Status, c.to)
}

func (c statusChange) apply(e *referral.Entry, now time.Time) {
	e.Status = c.to
	e.UpdatedAt = now
	switch c.to {
	case referral.StatusFailedPartial:
		e.FailureReason = c.reason
		e.Attempts++
	case referral.StatusFailed:
		e.FailureReason = c.reason
	}
}

func page(entries []referral.Entry, f referral.EntryFilter) []referral.Entry {
	if f.Offset > 0 {
		if f.Offset >= len(entries) {
			return []referral.Entry{}
		}
		entries = entries[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(entries) {
		entries = entries[:f.Limit]
	}
	return entries
}

func cloneIDs(ids []referral.UserID) []referral.UserID {
	return append([]referral.UserID(nil), ids...)
}

func cloneUser(u referral.User) referral.User {
	u.DirectReferrals = cloneIDs(u.DirectReferrals)
	return u
}
