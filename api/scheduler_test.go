package api

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/referral-engine/referral"
	"github.com/warp/referral-engine/referral/store"
)

type reconcileFixture struct {
	store  *brokenTx
	engine *referral.Engine
	rc     *Reconciler
	parent referral.User
	child  referral.User
}

func newReconcileFixture(t *testing.T, cfg ReconcilerConfig) *reconcileFixture {
	t.Helper()
	st := &brokenTx{Store: store.NewMemory()}
	engine := referral.NewEngine(st, referral.DefaultConfig(), referral.WithBackoff(0))
	ctx := context.Background()
	parent, err := engine.RegisterUser(ctx, referral.Registration{Username: "parent", Email: "parent@example.com"})
	require.NoError(t, err)
	child, err := engine.RegisterUser(ctx, referral.Registration{Username: "child", Email: "child@example.com", ReferralCode: parent.ReferralCode})
	require.NoError(t, err)

	rc := NewReconciler(engine, cfg, nil)
	// Everything created so far counts as stale.
	rc.now = func() time.Time { return time.Now().Add(time.Hour) }
	return &reconcileFixture{store: st, engine: engine, rc: rc, parent: parent, child: child}
}

// failedPurchase records a purchase whose commission did not land.
func (f *reconcileFixture) failedPurchase(t *testing.T) referral.Entry {
	t.Helper()
	f.store.broken.Store(true)
	defer f.store.broken.Store(false)
	p, err := f.engine.ProcessPurchase(context.Background(), referral.PurchaseRequest{UserID: f.child.ID, Amount: decimal.NewFromInt(1000)})
	require.Error(t, err)
	return p
}

func (f *reconcileFixture) status(t *testing.T, id referral.EntryID) referral.EntryStatus {
	t.Helper()
	e, err := f.store.GetEntry(context.Background(), id)
	require.NoError(t, err)
	return e.Status
}

func (f *reconcileFixture) parentEarnings(t *testing.T) decimal.Decimal {
	t.Helper()
	u, err := f.store.GetUser(context.Background(), f.parent.ID)
	require.NoError(t, err)
	return u.TotalEarnings
}

func TestReconciler_ResumesFailedPartial(t *testing.T) {
	f := newReconcileFixture(t, ReconcilerConfig{MaxAttempts: 3})
	p := f.failedPurchase(t)
	require.Equal(t, referral.StatusFailedPartial, f.status(t, p.ID))

	// WHEN: a pass runs with a healthy store
	rep := f.rc.RunNow(context.Background())

	// THEN: the purchase completes and the commission lands once
	assert.Equal(t, ReconcileReport{Scanned: 1, Resumed: 1}, rep)
	assert.Equal(t, referral.StatusCompleted, f.status(t, p.ID))
	assert.True(t, f.parentEarnings(t).Equal(decimal.NewFromInt(50)))

	// AND: a second pass finds nothing
	assert.Equal(t, ReconcileReport{}, f.rc.RunNow(context.Background()))
}

func TestReconciler_CountsFailuresAndAbandons(t *testing.T) {
	f := newReconcileFixture(t, ReconcilerConfig{MaxAttempts: 2})
	p := f.failedPurchase(t) // attempt 1

	// GIVEN: the store is still broken
	f.store.broken.Store(true)

	// WHEN: a pass runs
	rep := f.rc.RunNow(context.Background())

	// THEN: reported failed, attempt 2 recorded
	assert.Equal(t, 1, rep.Failed)
	e, err := f.store.GetEntry(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, e.Attempts)

	// WHEN: the next pass sees the attempt budget spent
	rep = f.rc.RunNow(context.Background())

	// THEN: the purchase is abandoned and nothing is credited
	assert.Equal(t, 1, rep.Abandoned)
	f.store.broken.Store(false)
	e, err = f.store.GetEntry(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, referral.StatusFailed, e.Status)
	assert.Contains(t, e.FailureReason, "abandoned after 2 attempts")
	assert.True(t, f.parentEarnings(t).IsZero())
}

func TestReconciler_ResumesStalePending(t *testing.T) {
	f := newReconcileFixture(t, ReconcilerConfig{MaxAttempts: 3, StaleAfter: time.Minute})

	// GIVEN: a purchase recorded by a process that died before settling
	p, err := f.store.AppendPurchase(context.Background(), referral.NewPurchase{UserID: f.child.ID, Amount: decimal.NewFromInt(2000)})
	require.NoError(t, err)

	rep := f.rc.RunNow(context.Background())

	assert.Equal(t, 1, rep.Resumed)
	assert.Equal(t, referral.StatusCompleted, f.status(t, p.ID))
	assert.True(t, f.parentEarnings(t).Equal(decimal.NewFromInt(100)))
}

func TestReconciler_IgnoresFreshPending(t *testing.T) {
	f := newReconcileFixture(t, ReconcilerConfig{MaxAttempts: 3, StaleAfter: 2 * time.Hour})
	p, err := f.store.AppendPurchase(context.Background(), referral.NewPurchase{UserID: f.child.ID, Amount: decimal.NewFromInt(2000)})
	require.NoError(t, err)

	rep := f.rc.RunNow(context.Background())

	assert.Zero(t, rep.Scanned)
	assert.Equal(t, referral.StatusPending, f.status(t, p.ID))
}

func TestReconciler_StartStop(t *testing.T) {
	f := newReconcileFixture(t, ReconcilerConfig{Interval: 10 * time.Millisecond, MaxAttempts: 3})
	p := f.failedPurchase(t)

	f.rc.Start()
	f.rc.Start()

	assert.Eventually(t, func() bool {
		return f.status(t, p.ID) == referral.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	f.rc.Stop()
	f.rc.Stop()
}
