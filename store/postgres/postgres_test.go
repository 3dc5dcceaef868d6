package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/warp/referral-engine/referral"
	"github.com/warp/referral-engine/referral/storetest"
	"github.com/warp/referral-engine/store/postgres"
)

// Runs against a disposable database named by REFERRAL_TEST_POSTGRES_DSN.
// Each case truncates the tables first.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("REFERRAL_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("REFERRAL_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()

	store, err := postgres.New(ctx, dsn, 10)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	storetest.Run(t, func(t *testing.T) referral.Store {
		require.NoError(t, store.Truncate(ctx))
		return store
	})
}
