/*
Package storetest is a contract suite for referral.Store implementations.

Every backend runs the same cases, so the engine can rely on identical
semantics for capacity checks, ledger uniqueness, status transitions and
transactional rollback regardless of where data lives.

USAGE:
  func TestSQLiteStore(t *testing.T) {
      storetest.Run(t, func(t *testing.T) referral.Store {
          s, err := sqlite.New(":memory:")
          require.NoError(t, err)
          t.Cleanup(func() { s.Close() })
          return s
      })
  }
*/
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/referral-engine/referral"
)

// Run executes the contract suite. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) referral.Store) {
	cases := []struct {
		name string
		fn   func(t *testing.T, s referral.Store)
	}{
		{"CreateUser_LinksUnderReferrer", testCreateUserLinks},
		{"CreateUser_DuplicateCode", testDuplicateCode},
		{"CreateUser_DuplicateEmail", testDuplicateEmail},
		{"CreateUser_UnknownReferrer", testUnknownReferrer},
		{"CreateUser_CapacityExceeded", testCapacity},
		{"CreateUser_ConcurrentLastSlot", testConcurrentLastSlot},
		{"Lookups", testLookups},
		{"ApplyEarning_Accumulates", testApplyEarning},
		{"ApplyEarning_Concurrent", testApplyEarningConcurrent},
		{"AppendPurchase", testAppendPurchase},
		{"AppendPurchase_DuplicateKey", testDuplicateKey},
		{"AppendEarning_OnePerLevel", testEarningUnique},
		{"AppendEarning_UnknownPurchase", testEarningUnknownPurchase},
		{"StatusTransitions", testTransitions},
		{"ListByUser_NewestFirst", testListByUser},
		{"ListByStatus_OldestFirst", testListByStatus},
		{"WithTx_Commit", testTxCommit},
		{"WithTx_Rollback", testTxRollback},
		{"WithTx_DuplicateEarningRollsBack", testTxDuplicateEarning},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func newUser(t *testing.T, s referral.Store, ref referral.UserID, maxDirect int) referral.User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), userInput(ref), maxDirect)
	require.NoError(t, err)
	return u
}

func userInput(ref referral.UserID) referral.NewUser {
	id := uuid.NewString()
	return referral.NewUser{
		ID:           referral.UserID(id),
		Username:     "user-" + id[:8],
		Email:        id[:8] + "@example.com",
		PasswordHash: "hash",
		ReferralCode: code(),
		ReferredBy:   ref,
		CreatedAt:    time.Now().UTC(),
	}
}

func code() string {
	return fmt.Sprintf("%08X", uuid.New().ID())
}

func purchase(t *testing.T, s referral.Store, user referral.UserID, amount string) referral.Entry {
	t.Helper()
	p, err := s.AppendPurchase(context.Background(), referral.NewPurchase{
		UserID: user,
		Amount: decimal.RequireFromString(amount),
	})
	require.NoError(t, err)
	return p
}

func earning(p referral.Entry, to referral.UserID, level referral.Level, amount string) referral.NewEarning {
	return referral.NewEarning{
		UserID:       to,
		Amount:       decimal.RequireFromString(amount),
		Level:        level,
		SourceUserID: p.UserID,
		PurchaseID:   p.ID,
		Description:  fmt.Sprintf("Level %d earning", level),
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// =============================================================================
// GRAPH
// =============================================================================

func testCreateUserLinks(t *testing.T, s referral.Store) {
	ctx := context.Background()

	// GIVEN: A root with two referrals
	root := newUser(t, s, "", 8)
	a := newUser(t, s, root.ID, 8)
	b := newUser(t, s, root.ID, 8)

	// THEN: The referrer lists them in join order
	got, err := s.GetUser(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, []referral.UserID{a.ID, b.ID}, got.DirectReferrals)
	assert.False(t, got.HasReferrer())

	child, err := s.GetUser(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, root.ID, child.ReferredBy)
	assert.True(t, child.TotalEarnings.IsZero())
	assert.Empty(t, child.DirectReferrals)
}

func testDuplicateCode(t *testing.T, s referral.Store) {
	first := newUser(t, s, "", 8)

	in := userInput("")
	in.ReferralCode = first.ReferralCode
	_, err := s.CreateUser(context.Background(), in, 8)
	assert.ErrorIs(t, err, referral.ErrDuplicateCode)
}

func testDuplicateEmail(t *testing.T, s referral.Store) {
	first := newUser(t, s, "", 8)

	in := userInput("")
	in.Email = first.Email
	_, err := s.CreateUser(context.Background(), in, 8)
	assert.ErrorIs(t, err, referral.ErrDuplicateUser)
}

func testUnknownReferrer(t *testing.T, s referral.Store) {
	_, err := s.CreateUser(context.Background(), userInput("missing"), 8)
	assert.ErrorIs(t, err, referral.ErrReferrerNotFound)
}

func testCapacity(t *testing.T, s referral.Store) {
	ctx := context.Background()

	// GIVEN: A referrer at capacity 2
	root := newUser(t, s, "", 2)
	newUser(t, s, root.ID, 2)
	newUser(t, s, root.ID, 2)

	// WHEN: A third referral registers
	_, err := s.CreateUser(ctx, userInput(root.ID), 2)

	// THEN: It is rejected and the referrer is unchanged
	require.ErrorIs(t, err, referral.ErrReferrerCapacityExceeded)
	var capErr *referral.CapacityError
	require.True(t, errors.As(err, &capErr))
	assert.Equal(t, root.ID, capErr.ReferrerID)

	got, err := s.GetUser(ctx, root.ID)
	require.NoError(t, err)
	assert.Len(t, got.DirectReferrals, 2)
}

func testConcurrentLastSlot(t *testing.T, s referral.Store) {
	ctx := context.Background()

	// GIVEN: A referrer with one slot left
	root := newUser(t, s, "", 3)
	newUser(t, s, root.ID, 3)
	newUser(t, s, root.ID, 3)

	// WHEN: Ten registrations race for it
	const n = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, full int
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CreateUser(ctx, userInput(root.ID), 3)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, referral.ErrReferrerCapacityExceeded):
				full++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	// THEN: Exactly one wins
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, full)
	got, err := s.GetUser(ctx, root.ID)
	require.NoError(t, err)
	assert.Len(t, got.DirectReferrals, 3)
}

func testLookups(t *testing.T, s referral.Store) {
	ctx := context.Background()
	a := newUser(t, s, "", 8)
	b := newUser(t, s, "", 8)

	byCode, err := s.GetUserByCode(ctx, a.ReferralCode)
	require.NoError(t, err)
	assert.Equal(t, a.ID, byCode.ID)

	byEmail, err := s.GetUserByEmail(ctx, b.Email)
	require.NoError(t, err)
	assert.Equal(t, b.ID, byEmail.ID)

	_, err = s.GetUser(ctx, "missing")
	assert.ErrorIs(t, err, referral.ErrUserNotFound)
	_, err = s.GetUserByCode(ctx, "ZZZZZZZZ")
	assert.ErrorIs(t, err, referral.ErrUserNotFound)

	users, err := s.GetUsers(ctx, []referral.UserID{b.ID, "missing", a.ID})
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, b.ID, users[0].ID)
	assert.Equal(t, a.ID, users[1].ID)

	exists, err := s.CodeExists(ctx, a.ReferralCode)
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = s.CodeExists(ctx, "NOPE0000")
	require.NoError(t, err)
	assert.False(t, exists)
}

func testApplyEarning(t *testing.T, s referral.Store) {
	ctx := context.Background()
	u := newUser(t, s, "", 8)

	_, err := s.ApplyEarning(ctx, u.ID, referral.Level1, dec("100.00"))
	require.NoError(t, err)
	got, err := s.ApplyEarning(ctx, u.ID, referral.Level2, dec("20.00"))
	require.NoError(t, err)

	assert.True(t, got.Level1Earnings.Equal(dec("100")))
	assert.True(t, got.Level2Earnings.Equal(dec("20")))
	assert.True(t, got.TotalEarnings.Equal(dec("120")))
	assert.Greater(t, got.Version, u.Version)

	_, err = s.ApplyEarning(ctx, "missing", referral.Level1, dec("1"))
	assert.ErrorIs(t, err, referral.ErrUserNotFound)
}

func testApplyEarningConcurrent(t *testing.T, s referral.Store) {
	ctx := context.Background()
	u := newUser(t, s, "", 8)

	// WHEN: 40 concurrent credits of 1.25 hit the same user
	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				_, err := s.ApplyEarning(ctx, u.ID, referral.Level1, dec("1.25"))
				if referral.IsRetryable(err) {
					continue
				}
				assert.NoError(t, err)
				return
			}
		}()
	}
	wg.Wait()

	// THEN: No update is lost
	got, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, got.Level1Earnings.Equal(dec("50")), "got %s", got.Level1Earnings)
	assert.True(t, got.TotalEarnings.Equal(dec("50")), "got %s", got.TotalEarnings)
}

// =============================================================================
// LEDGER
// =============================================================================

func testAppendPurchase(t *testing.T, s referral.Store) {
	ctx := context.Background()
	u := newUser(t, s, "", 8)

	p := purchase(t, s, u.ID, "1500.00")
	assert.Equal(t, referral.KindPurchase, p.Kind)
	assert.Equal(t, referral.StatusPending, p.Status)

	got, err := s.GetEntry(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, got.Amount.Equal(dec("1500")))
	assert.Equal(t, u.ID, got.UserID)

	_, err = s.AppendPurchase(ctx, referral.NewPurchase{UserID: u.ID, Amount: dec("0")})
	assert.ErrorIs(t, err, referral.ErrInvalidAmount)

	_, err = s.GetEntry(ctx, "missing")
	assert.ErrorIs(t, err, referral.ErrEntryNotFound)
}

func testDuplicateKey(t *testing.T, s referral.Store) {
	ctx := context.Background()
	u := newUser(t, s, "", 8)

	in := referral.NewPurchase{UserID: u.ID, Amount: dec("10"), IdempotencyKey: string(u.ID) + "/order-1"}
	first, err := s.AppendPurchase(ctx, in)
	require.NoError(t, err)

	_, err = s.AppendPurchase(ctx, in)
	assert.ErrorIs(t, err, referral.ErrDuplicateIdempotencyKey)

	found, err := s.FindByIdempotencyKey(ctx, in.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)

	_, err = s.FindByIdempotencyKey(ctx, "unknown")
	assert.ErrorIs(t, err, referral.ErrEntryNotFound)
}

func testEarningUnique(t *testing.T, s referral.Store) {
	ctx := context.Background()
	parent := newUser(t, s, "", 8)
	child := newUser(t, s, parent.ID, 8)
	p := purchase(t, s, child.ID, "2000")

	e, err := s.AppendEarning(ctx, earning(p, parent.ID, referral.Level1, "100"))
	require.NoError(t, err)
	assert.Equal(t, referral.StatusCompleted, e.Status)
	assert.Equal(t, p.ID, e.PurchaseID)

	_, err = s.AppendEarning(ctx, earning(p, parent.ID, referral.Level1, "100"))
	assert.ErrorIs(t, err, referral.ErrPersistenceConflict)

	list, err := s.ListEarningsForPurchase(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func testEarningUnknownPurchase(t *testing.T, s referral.Store) {
	u := newUser(t, s, "", 8)
	ghost := referral.Entry{ID: "ghost", UserID: u.ID}
	_, err := s.AppendEarning(context.Background(), earning(ghost, u.ID, referral.Level1, "1"))
	assert.ErrorIs(t, err, referral.ErrEntryNotFound)
}

func testTransitions(t *testing.T, s referral.Store) {
	ctx := context.Background()
	u := newUser(t, s, "", 8)

	// GIVEN: A purchase that failed partway
	p := purchase(t, s, u.ID, "1000")
	require.NoError(t, s.MarkFailedPartial(ctx, p.ID, "db down"))
	require.NoError(t, s.MarkFailedPartial(ctx, p.ID, "db still down"))

	got, err := s.GetEntry(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, referral.StatusFailedPartial, got.Status)
	assert.Equal(t, "db still down", got.FailureReason)
	assert.Equal(t, 2, got.Attempts)

	// WHEN: It completes
	require.NoError(t, s.MarkCompleted(ctx, p.ID))

	// THEN: It is final
	assert.ErrorIs(t, s.MarkFailed(ctx, p.ID, "late"), referral.ErrAlreadyFinalized)
	assert.ErrorIs(t, s.MarkCompleted(ctx, p.ID), referral.ErrAlreadyFinalized)

	q := purchase(t, s, u.ID, "1000")
	require.NoError(t, s.MarkFailed(ctx, q.ID, "gave up"))
	assert.ErrorIs(t, s.MarkCompleted(ctx, q.ID), referral.ErrAlreadyFinalized)

	assert.ErrorIs(t, s.MarkCompleted(ctx, "missing"), referral.ErrEntryNotFound)
}

func testListByUser(t *testing.T, s referral.Store) {
	ctx := context.Background()
	parent := newUser(t, s, "", 8)
	child := newUser(t, s, parent.ID, 8)

	p1 := purchase(t, s, parent.ID, "10")
	p2 := purchase(t, s, child.ID, "2000")
	e1, err := s.AppendEarning(ctx, earning(p2, parent.ID, referral.Level1, "100"))
	require.NoError(t, err)
	p3 := purchase(t, s, parent.ID, "30")

	all, err := s.ListByUser(ctx, parent.ID, referral.EntryFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []referral.EntryID{p3.ID, e1.ID, p1.ID}, ids(all))

	earnings, err := s.ListByUser(ctx, parent.ID, referral.EntryFilter{Kind: referral.KindEarning})
	require.NoError(t, err)
	assert.Equal(t, []referral.EntryID{e1.ID}, ids(earnings))

	paged, err := s.ListByUser(ctx, parent.ID, referral.EntryFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, []referral.EntryID{e1.ID}, ids(paged))

	beyond, err := s.ListByUser(ctx, parent.ID, referral.EntryFilter{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, beyond)
}

func testListByStatus(t *testing.T, s referral.Store) {
	ctx := context.Background()
	u := newUser(t, s, "", 8)

	p1 := purchase(t, s, u.ID, "1")
	p2 := purchase(t, s, u.ID, "2")
	p3 := purchase(t, s, u.ID, "3")
	require.NoError(t, s.MarkCompleted(ctx, p2.ID))

	cutoff := time.Now().Add(time.Minute)
	pending, err := s.ListByStatus(ctx, referral.StatusPending, cutoff, 0)
	require.NoError(t, err)
	assert.Equal(t, []referral.EntryID{p1.ID, p3.ID}, ids(pending))

	limited, err := s.ListByStatus(ctx, referral.StatusPending, cutoff, 1)
	require.NoError(t, err)
	assert.Equal(t, []referral.EntryID{p1.ID}, ids(limited))

	none, err := s.ListByStatus(ctx, referral.StatusPending, time.Now().Add(-time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func testTxCommit(t *testing.T, s referral.Store) {
	ctx := context.Background()
	parent := newUser(t, s, "", 8)
	child := newUser(t, s, parent.ID, 8)
	p := purchase(t, s, child.ID, "2000")

	err := s.WithTx(ctx, func(tx referral.Store) error {
		if _, err := tx.ApplyEarning(ctx, parent.ID, referral.Level1, dec("100")); err != nil {
			return err
		}
		if _, err := tx.AppendEarning(ctx, earning(p, parent.ID, referral.Level1, "100")); err != nil {
			return err
		}
		inside, err := tx.ListEarningsForPurchase(ctx, p.ID)
		if err != nil {
			return err
		}
		assert.Len(t, inside, 1)
		return tx.MarkCompleted(ctx, p.ID)
	})
	require.NoError(t, err)

	got, err := s.GetUser(ctx, parent.ID)
	require.NoError(t, err)
	assert.True(t, got.Level1Earnings.Equal(dec("100")))

	entry, err := s.GetEntry(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, referral.StatusCompleted, entry.Status)

	list, err := s.ListEarningsForPurchase(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func testTxRollback(t *testing.T, s referral.Store) {
	ctx := context.Background()
	parent := newUser(t, s, "", 8)
	child := newUser(t, s, parent.ID, 8)
	p := purchase(t, s, child.ID, "2000")
	boom := errors.New("boom")

	// WHEN: The unit fails after crediting
	err := s.WithTx(ctx, func(tx referral.Store) error {
		if _, err := tx.ApplyEarning(ctx, parent.ID, referral.Level1, dec("100")); err != nil {
			return err
		}
		if _, err := tx.AppendEarning(ctx, earning(p, parent.ID, referral.Level1, "100")); err != nil {
			return err
		}
		if err := tx.MarkCompleted(ctx, p.ID); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	// THEN: Nothing is visible
	got, err := s.GetUser(ctx, parent.ID)
	require.NoError(t, err)
	assert.True(t, got.TotalEarnings.IsZero())

	entry, err := s.GetEntry(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, referral.StatusPending, entry.Status)

	list, err := s.ListEarningsForPurchase(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func testTxDuplicateEarning(t *testing.T, s referral.Store) {
	ctx := context.Background()
	grand := newUser(t, s, "", 8)
	parent := newUser(t, s, grand.ID, 8)
	child := newUser(t, s, parent.ID, 8)
	p := purchase(t, s, child.ID, "2000")

	// GIVEN: Level 1 already recorded outside the unit
	_, err := s.AppendEarning(ctx, earning(p, parent.ID, referral.Level1, "100"))
	require.NoError(t, err)

	// WHEN: A unit credits level 2 and then level 1 again
	err = s.WithTx(ctx, func(tx referral.Store) error {
		if _, err := tx.ApplyEarning(ctx, grand.ID, referral.Level2, dec("20")); err != nil {
			return err
		}
		if _, err := tx.AppendEarning(ctx, earning(p, grand.ID, referral.Level2, "20")); err != nil {
			return err
		}
		_, err := tx.AppendEarning(ctx, earning(p, parent.ID, referral.Level1, "100"))
		return err
	})

	// THEN: The unit conflicts and level 2 is rolled back
	require.ErrorIs(t, err, referral.ErrPersistenceConflict)
	g, err := s.GetUser(ctx, grand.ID)
	require.NoError(t, err)
	assert.True(t, g.Level2Earnings.IsZero())

	list, err := s.ListEarningsForPurchase(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func ids(entries []referral.Entry) []referral.EntryID {
	out := make([]referral.EntryID, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}
