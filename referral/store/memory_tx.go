package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/referral-engine/referral"
)

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
//
// User records touched by the transaction stay locked until it ends, and
// their prior values are restored on rollback. Ledger writes are buffered and
// validated again under the ledger lock at commit, so a concurrent writer
// that took the same (purchase, level) slot turns into ErrPersistenceConflict.
//
// Records are locked in the order they are first touched. Callers crediting
// an upline touch descendants before ancestors, which keeps the order acyclic.
func (m *Memory) WithTx(ctx context.Context, fn func(referral.Store) error) error {
	tx := &memoryTx{
		m:      m,
		held:   make(map[referral.UserID]*record),
		before: make(map[referral.UserID]referral.User),
	}
	defer tx.release()

	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	if err := tx.commit(); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

type memoryTx struct {
	m       *Memory
	held    map[referral.UserID]*record
	before  map[referral.UserID]referral.User
	created []referral.User
	pending []referral.Entry
	changes []statusChange
}

func (tx *memoryTx) acquire(id referral.UserID) (*record, bool) {
	if rec, ok := tx.held[id]; ok {
		return rec, true
	}
	rec, ok := tx.m.lookup(id)
	if !ok {
		return nil, false
	}
	rec.mu.Lock()
	tx.held[id] = rec
	tx.before[id] = cloneUser(rec.user)
	return rec, true
}

func (tx *memoryTx) rollback() {
	for id, rec := range tx.held {
		rec.user = tx.before[id]
	}
	for _, u := range tx.created {
		tx.m.removeUser(u)
	}
	tx.pending = nil
	tx.changes = nil
}

func (tx *memoryTx) release() {
	for id, rec := range tx.held {
		rec.mu.Unlock()
		delete(tx.held, id)
	}
}

func (tx *memoryTx) commit() error {
	m := tx.m
	m.ledgerMu.Lock()
	defer m.ledgerMu.Unlock()

	for _, e := range tx.pending {
		if err := tx.checkCommittedLocked(e); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	staged := make(map[referral.EntryID]referral.Entry)
	for _, c := range tx.changes {
		e, ok := staged[c.id]
		if !ok {
			if e, ok = tx.pendingEntry(c.id); !ok {
				committed, found := m.entries[c.id]
				if !found {
					return referral.ErrEntryNotFound
				}
				e = *committed
			}
		}
		if err := c.check(e); err != nil {
			return err
		}
		c.apply(&e, now)
		staged[c.id] = e
	}

	for _, e := range tx.pending {
		if s, ok := staged[e.ID]; ok {
			e = s
			delete(staged, e.ID)
		}
		m.appendLocked(e)
	}
	for id, e := range staged {
		*m.entries[id] = e
	}
	return nil
}

// checkCommittedLocked validates a buffered entry against the committed
// ledger. The caller holds ledgerMu.
func (tx *memoryTx) checkCommittedLocked(e referral.Entry) error {
	err := tx.m.checkAppendLocked(e)
	if errors.Is(err, referral.ErrEntryNotFound) && e.Kind == referral.KindEarning {
		if p, ok := tx.pendingEntry(e.PurchaseID); ok && p.Kind == referral.KindPurchase {
			return nil
		}
	}
	return err
}

func (tx *memoryTx) checkAppend(e referral.Entry) error {
	for _, p := range tx.pending {
		if e.Kind == referral.KindPurchase && e.IdempotencyKey != "" && p.IdempotencyKey == e.IdempotencyKey {
			return referral.ErrDuplicateIdempotencyKey
		}
		if e.Kind == referral.KindEarning && p.Kind == referral.KindEarning &&
			p.PurchaseID == e.PurchaseID && p.Level == e.Level {
			return referral.ErrPersistenceConflict
		}
	}
	tx.m.ledgerMu.RLock()
	defer tx.m.ledgerMu.RUnlock()
	return tx.checkCommittedLocked(e)
}

func (tx *memoryTx) pendingEntry(id referral.EntryID) (referral.Entry, bool) {
	for _, e := range tx.pending {
		if e.ID == id {
			return e, true
		}
	}
	return referral.Entry{}, false
}

// overlay applies this transaction's status changes to e.
func (tx *memoryTx) overlay(e referral.Entry) referral.Entry {
	now := time.Now().UTC()
	for _, c := range tx.changes {
		if c.id == e.ID {
			c.apply(&e, now)
		}
	}
	return e
}

func (tx *memoryTx) WithTx(_ context.Context, fn func(referral.Store) error) error {
	return fn(tx)
}

// =============================================================================
// GRAPH (transactional view)
// =============================================================================

func (tx *memoryTx) CreateUser(_ context.Context, in referral.NewUser, maxDirect int) (referral.User, error) {
	var ref *record
	if in.ReferredBy != "" {
		var ok bool
		if ref, ok = tx.acquire(in.ReferredBy); !ok {
			return referral.User{}, referral.ErrReferrerNotFound
		}
	}
	u, err := tx.m.insertUser(in, ref, maxDirect)
	if err != nil {
		return referral.User{}, err
	}
	tx.created = append(tx.created, u)
	return u, nil
}

func (tx *memoryTx) GetUser(ctx context.Context, id referral.UserID) (referral.User, error) {
	if rec, ok := tx.held[id]; ok {
		return cloneUser(rec.user), nil
	}
	return tx.m.GetUser(ctx, id)
}

func (tx *memoryTx) GetUserByCode(ctx context.Context, code string) (referral.User, error) {
	tx.m.mu.RLock()
	id, ok := tx.m.byCode[code]
	tx.m.mu.RUnlock()
	if !ok {
		return referral.User{}, referral.ErrUserNotFound
	}
	return tx.GetUser(ctx, id)
}

func (tx *memoryTx) GetUserByEmail(ctx context.Context, email string) (referral.User, error) {
	tx.m.mu.RLock()
	id, ok := tx.m.byEmail[email]
	tx.m.mu.RUnlock()
	if !ok {
		return referral.User{}, referral.ErrUserNotFound
	}
	return tx.GetUser(ctx, id)
}

func (tx *memoryTx) GetUsers(ctx context.Context, ids []referral.UserID) ([]referral.User, error) {
	users := make([]referral.User, 0, len(ids))
	for _, id := range ids {
		u, err := tx.GetUser(ctx, id)
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

func (tx *memoryTx) CodeExists(ctx context.Context, code string) (bool, error) {
	return tx.m.CodeExists(ctx, code)
}

func (tx *memoryTx) ApplyEarning(_ context.Context, id referral.UserID, level referral.Level, amount decimal.Decimal) (referral.User, error) {
	if !level.Valid() {
		return referral.User{}, referral.ErrInvalidEntry
	}
	rec, ok := tx.acquire(id)
	if !ok {
		return referral.User{}, referral.ErrUserNotFound
	}
	rec.user = referral.ApplyEarningDelta(rec.user, level, amount)
	return cloneUser(rec.user), nil
}

// =============================================================================
// LEDGER (transactional view)
// =============================================================================

func (tx *memoryTx) AppendPurchase(_ context.Context, p referral.NewPurchase) (referral.Entry, error) {
	e, err := referral.PurchaseEntry(p, time.Now().UTC())
	if err != nil {
		return referral.Entry{}, err
	}
	if err := tx.checkAppend(e); err != nil {
		return referral.Entry{}, err
	}
	tx.pending = append(tx.pending, e)
	return e, nil
}

func (tx *memoryTx) AppendEarning(_ context.Context, in referral.NewEarning) (referral.Entry, error) {
	e, err := referral.EarningEntry(in, time.Now().UTC())
	if err != nil {
		return referral.Entry{}, err
	}
	if err := tx.checkAppend(e); err != nil {
		return referral.Entry{}, err
	}
	tx.pending = append(tx.pending, e)
	return e, nil
}

func (tx *memoryTx) MarkCompleted(ctx context.Context, id referral.EntryID) error {
	return tx.stage(ctx, statusChange{id: id, to: referral.StatusCompleted})
}

func (tx *memoryTx) MarkFailed(ctx context.Context, id referral.EntryID, reason string) error {
	return tx.stage(ctx, statusChange{id: id, to: referral.StatusFailed, reason: reason})
}

func (tx *memoryTx) MarkFailedPartial(ctx context.Context, id referral.EntryID, reason string) error {
	return tx.stage(ctx, statusChange{id: id, to: referral.StatusFailedPartial, reason: reason})
}

func (tx *memoryTx) stage(ctx context.Context, c statusChange) error {
	e, err := tx.GetEntry(ctx, c.id)
	if err != nil {
		return err
	}
	if err := c.check(e); err != nil {
		return err
	}
	tx.changes = append(tx.changes, c)
	return nil
}

func (tx *memoryTx) GetEntry(ctx context.Context, id referral.EntryID) (referral.Entry, error) {
	if e, ok := tx.pendingEntry(id); ok {
		return tx.overlay(e), nil
	}
	e, err := tx.m.GetEntry(ctx, id)
	if err != nil {
		return referral.Entry{}, err
	}
	return tx.overlay(e), nil
}

func (tx *memoryTx) FindByIdempotencyKey(ctx context.Context, key string) (referral.Entry, error) {
	for _, e := range tx.pending {
		if e.IdempotencyKey == key {
			return tx.overlay(e), nil
		}
	}
	e, err := tx.m.FindByIdempotencyKey(ctx, key)
	if err != nil {
		return referral.Entry{}, err
	}
	return tx.overlay(e), nil
}

func (tx *memoryTx) ListByUser(ctx context.Context, userID referral.UserID, filter referral.EntryFilter) ([]referral.Entry, error) {
	var out []referral.Entry
	for i := len(tx.pending) - 1; i >= 0; i-- {
		if e := tx.pending[i]; e.UserID == userID && filter.Match(e) {
			out = append(out, tx.overlay(e))
		}
	}
	committed, err := tx.m.ListByUser(ctx, userID, referral.EntryFilter{Kind: filter.Kind})
	if err != nil {
		return nil, err
	}
	for _, e := range committed {
		out = append(out, tx.overlay(e))
	}
	return page(out, filter), nil
}

func (tx *memoryTx) ListEarningsForPurchase(ctx context.Context, purchaseID referral.EntryID) ([]referral.Entry, error) {
	out, err := tx.m.ListEarningsForPurchase(ctx, purchaseID)
	if err != nil {
		return nil, err
	}
	for _, e := range tx.pending {
		if e.Kind == referral.KindEarning && e.PurchaseID == purchaseID {
			out = append(out, e)
		}
	}
	return out, nil
}

// ListByStatus reads committed state only.
func (tx *memoryTx) ListByStatus(ctx context.Context, status referral.EntryStatus, before time.Time, limit int) ([]referral.Entry, error) {
	return tx.m.ListByStatus(ctx, status, before, limit)
}
