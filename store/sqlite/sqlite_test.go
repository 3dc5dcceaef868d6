package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/referral-engine/referral"
	"github.com/warp/referral-engine/referral/storetest"
	"github.com/warp/referral-engine/store/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) referral.Store {
		return newTestStore(t)
	})
}

func TestSQLiteStore_ReopenKeepsBalances(t *testing.T) {
	// GIVEN: A file-backed store with a credited user
	path := filepath.Join(t.TempDir(), "referral.db")
	ctx := context.Background()

	store, err := sqlite.New(path)
	require.NoError(t, err)
	engine := referral.NewEngine(store, referral.DefaultConfig())

	parent, err := engine.RegisterUser(ctx, referral.Registration{Username: "parent", Email: "parent@example.com", PasswordHash: "x"})
	require.NoError(t, err)
	child, err := engine.RegisterUser(ctx, referral.Registration{Username: "child", Email: "child@example.com", PasswordHash: "x", ReferralCode: parent.ReferralCode})
	require.NoError(t, err)
	_, err = engine.ProcessPurchase(ctx, referral.PurchaseRequest{UserID: child.ID, Amount: decimal.RequireFromString("1234.56")})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// WHEN: The database is reopened
	reopened, err := sqlite.New(path)
	require.NoError(t, err)
	defer reopened.Close()

	// THEN: Decimal balances survive exactly
	got, err := reopened.GetUser(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, "61.73", got.Level1Earnings.StringFixed(2))
	assert.Equal(t, []referral.UserID{child.ID}, got.DirectReferrals)
	assert.NoError(t, reopened.Ping(ctx))
}
