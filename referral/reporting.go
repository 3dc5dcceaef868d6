/*
reporting.go - Read-only views over the graph and the ledger

PURPOSE:
  Derives the referral tree, the earnings report and transaction listings
  for adapters. Nothing here writes.

CONSISTENCY:
  EarningsReport sums EARNING entries; the Graph Store keeps running
  accumulators. Audit cross-checks the two along with the traceability
  invariant (each earning's owner is the source user's ancestor at the
  earning's level).

SEE ALSO:
  - engine.go: Write path
  - api/handlers.go: Exposes these views over HTTP
*/
package referral

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// REFERRAL TREE
// =============================================================================

type ReferralSummary struct {
	PublicProfile
	TotalEarnings decimal.Decimal
}

type TreeView struct {
	User            User
	ReferredBy      *PublicProfile
	DirectReferrals []ReferralSummary
}

func (e *Engine) ReferralTree(ctx context.Context, id UserID) (TreeView, error) {
	u, err := e.store.GetUser(ctx, id)
	if err != nil {
		return TreeView{}, err
	}
	view := TreeView{User: u, DirectReferrals: []ReferralSummary{}}

	if u.HasReferrer() {
		ref, err := e.store.GetUser(ctx, u.ReferredBy)
		if err != nil {
			return TreeView{}, fmt.Errorf("load referrer: %w", err)
		}
		pub := ref.Public()
		view.ReferredBy = &pub
	}

	children, err := e.store.GetUsers(ctx, u.DirectReferrals)
	if err != nil {
		return TreeView{}, fmt.Errorf("load direct referrals: %w", err)
	}
	for _, c := range children {
		view.DirectReferrals = append(view.DirectReferrals, ReferralSummary{
			PublicProfile: c.Public(),
			TotalEarnings: c.TotalEarnings,
		})
	}
	return view, nil
}

// =============================================================================
// EARNINGS REPORT
// =============================================================================

type EarningDetail struct {
	ID          EntryID
	Amount      decimal.Decimal
	Level       Level
	PurchaseID  EntryID
	Source      *PublicProfile
	Description string
	CreatedAt   time.Time
}

type EarningsReport struct {
	Level1Earnings decimal.Decimal
	Level2Earnings decimal.Decimal
	TotalEarnings  decimal.Decimal
	Earnings       []EarningDetail // newest first
}

func (e *Engine) EarningsReport(ctx context.Context, id UserID) (EarningsReport, error) {
	if _, err := e.store.GetUser(ctx, id); err != nil {
		return EarningsReport{}, err
	}
	entries, err := e.store.ListByUser(ctx, id, EntryFilter{Kind: KindEarning})
	if err != nil {
		return EarningsReport{}, err
	}

	sources, err := e.profiles(ctx, entries)
	if err != nil {
		return EarningsReport{}, err
	}

	report := EarningsReport{
		Level1Earnings: decimal.Zero,
		Level2Earnings: decimal.Zero,
		TotalEarnings:  decimal.Zero,
		Earnings:       make([]EarningDetail, 0, len(entries)),
	}
	for _, en := range entries {
		switch en.Level {
		case Level1:
			report.Level1Earnings = report.Level1Earnings.Add(en.Amount)
		case Level2:
			report.Level2Earnings = report.Level2Earnings.Add(en.Amount)
		}
		report.TotalEarnings = report.TotalEarnings.Add(en.Amount)

		detail := EarningDetail{
			ID:          en.ID,
			Amount:      en.Amount,
			Level:       en.Level,
			PurchaseID:  en.PurchaseID,
			Description: en.Description,
			CreatedAt:   en.CreatedAt,
		}
		if p, ok := sources[en.SourceUserID]; ok {
			detail.Source = &p
		}
		report.Earnings = append(report.Earnings, detail)
	}
	return report, nil
}

func (e *Engine) profiles(ctx context.Context, entries []Entry) (map[UserID]PublicProfile, error) {
	seen := make(map[UserID]bool)
	var ids []UserID
	for _, en := range entries {
		if en.SourceUserID != "" && !seen[en.SourceUserID] {
			seen[en.SourceUserID] = true
			ids = append(ids, en.SourceUserID)
		}
	}
	users, err := e.store.GetUsers(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load source users: %w", err)
	}
	out := make(map[UserID]PublicProfile, len(users))
	for _, u := range users {
		out[u.ID] = u.Public()
	}
	return out, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// ListTransactions returns the user's ledger entries, newest first.
func (e *Engine) ListTransactions(ctx context.Context, id UserID, filter EntryFilter) ([]Entry, error) {
	if _, err := e.store.GetUser(ctx, id); err != nil {
		return nil, err
	}
	return e.store.ListByUser(ctx, id, filter)
}

// GetTransaction returns one of the user's entries. Entries owned by other
// users are reported as not found.
func (e *Engine) GetTransaction(ctx context.Context, userID UserID, id EntryID) (Entry, error) {
	en, err := e.store.GetEntry(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	if en.UserID != userID {
		return Entry{}, ErrEntryNotFound
	}
	return en, nil
}

// =============================================================================
// AUDIT
// =============================================================================

type AuditReport struct {
	UserID UserID

	// From the Graph Store accumulators.
	Level1Earnings decimal.Decimal
	Level2Earnings decimal.Decimal
	TotalEarnings  decimal.Decimal

	// Summed from EARNING entries.
	LedgerLevel1 decimal.Decimal
	LedgerLevel2 decimal.Decimal
	LedgerTotal  decimal.Decimal

	Violations []string
}

func (r AuditReport) Consistent() bool { return len(r.Violations) == 0 }

// Audit verifies a user's accumulators against the ledger.
func (e *Engine) Audit(ctx context.Context, id UserID) (AuditReport, error) {
	u, err := e.store.GetUser(ctx, id)
	if err != nil {
		return AuditReport{}, err
	}
	entries, err := e.store.ListByUser(ctx, id, EntryFilter{Kind: KindEarning})
	if err != nil {
		return AuditReport{}, err
	}

	r := AuditReport{
		UserID:         id,
		Level1Earnings: u.Level1Earnings,
		Level2Earnings: u.Level2Earnings,
		TotalEarnings:  u.TotalEarnings,
		LedgerLevel1:   decimal.Zero,
		LedgerLevel2:   decimal.Zero,
		LedgerTotal:    decimal.Zero,
	}
	for _, en := range entries {
		switch en.Level {
		case Level1:
			r.LedgerLevel1 = r.LedgerLevel1.Add(en.Amount)
		case Level2:
			r.LedgerLevel2 = r.LedgerLevel2.Add(en.Amount)
		}
		r.LedgerTotal = r.LedgerTotal.Add(en.Amount)

		anc, ok, err := Ancestor(ctx, e.store, en.SourceUserID, en.Level)
		if err != nil {
			return AuditReport{}, fmt.Errorf("trace earning %s: %w", en.ID, err)
		}
		if !ok || anc.ID != id {
			r.Violations = append(r.Violations,
				fmt.Sprintf("earning %s: %s is not the level %d ancestor of %s", en.ID, id, en.Level, en.SourceUserID))
		}
	}

	if !u.TotalEarnings.Equal(u.Level1Earnings.Add(u.Level2Earnings)) {
		r.Violations = append(r.Violations,
			fmt.Sprintf("total %s != level1 %s + level2 %s", u.TotalEarnings, u.Level1Earnings, u.Level2Earnings))
	}
	if !u.Level1Earnings.Equal(r.LedgerLevel1) {
		r.Violations = append(r.Violations,
			fmt.Sprintf("level1 accumulator %s != ledger %s", u.Level1Earnings, r.LedgerLevel1))
	}
	if !u.Level2Earnings.Equal(r.LedgerLevel2) {
		r.Violations = append(r.Violations,
			fmt.Sprintf("level2 accumulator %s != ledger %s", u.Level2Earnings, r.LedgerLevel2))
	}
	if !u.TotalEarnings.Equal(r.LedgerTotal) {
		r.Violations = append(r.Violations,
			fmt.Sprintf("total accumulator %s != ledger %s", u.TotalEarnings, r.LedgerTotal))
	}
	return r, nil
}
