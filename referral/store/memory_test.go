package store_test

import (
	"testing"

	"github.com/warp/referral-engine/referral"
	"github.com/warp/referral-engine/referral/store"
	"github.com/warp/referral-engine/referral/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) referral.Store {
		return store.NewMemory()
	})
}
