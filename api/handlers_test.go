/*
handlers_test.go - Tests for API handlers

Tests for:
- Registration, login and authentication
- Purchases, commission distribution and idempotency over HTTP
- History, transaction detail, profile and earnings views
- Admin audit, reconcile and scenarios
- Error to status mapping
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/referral-engine/referral"
	"github.com/warp/referral-engine/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const testAdminToken = "admin-secret"

// brokenTx fails every unit of work while broken is set.
type brokenTx struct {
	referral.Store
	broken atomic.Bool
}

func (b *brokenTx) WithTx(ctx context.Context, fn func(referral.Store) error) error {
	if b.broken.Load() {
		return errors.New("database is locked")
	}
	return b.Store.WithTx(ctx, fn)
}

type testEnv struct {
	t      *testing.T
	h      *Handler
	router http.Handler
	store  *brokenTx
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	st := &brokenTx{Store: s}
	engine := referral.NewEngine(st, referral.DefaultConfig(), referral.WithBackoff(0))
	h := NewHandler(engine, NewTokenManager("test-secret", time.Hour), nil)
	h.AdminToken = testAdminToken
	h.Reconciler = NewReconciler(engine, ReconcilerConfig{MaxAttempts: 3}, nil)

	return &testEnv{t: t, h: h, router: NewRouter(h, RouterOptions{}), store: st}
}

func (e *testEnv) do(method, path, token string, body any, headers ...string) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(e.t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

var seq atomic.Int64

// register creates a user and returns its auth response.
func (e *testEnv) register(code string) AuthResponse {
	e.t.Helper()
	n := seq.Add(1)
	rec := e.do("POST", "/api/users/register", "", RegisterRequest{
		Username:     fmt.Sprintf("user%d", n),
		Email:        fmt.Sprintf("user%d@example.com", n),
		Password:     "secret123",
		ReferralCode: code,
	})
	require.Equal(e.t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp AuthResponse
	decode(e.t, rec, &resp)
	return resp
}

func (e *testEnv) purchase(token, amount string, headers ...string) *httptest.ResponseRecorder {
	e.t.Helper()
	return e.do("POST", "/api/transactions/purchase", token, fmt.Sprintf(`{"amount": %q, "description": "Test purchase"}`, amount), headers...)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

// =============================================================================
// USERS
// =============================================================================

func TestRegisterAndLogin(t *testing.T) {
	env := newTestEnv(t)

	// GIVEN: a registered user
	reg := env.register("")
	assert.NotEmpty(t, reg.Token)
	assert.Len(t, reg.User.ReferralCode, referral.CodeLength)
	assert.Equal(t, "0.00", reg.User.TotalEarnings)

	// WHEN: logging in with the right password
	rec := env.do("POST", "/api/users/login", "", LoginRequest{Email: reg.User.Email, Password: "secret123"})

	// THEN: a token for the same user
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var login AuthResponse
	decode(t, rec, &login)
	assert.Equal(t, reg.User.ID, login.User.ID)

	id, err := env.h.Tokens.Parse(login.Token)
	require.NoError(t, err)
	assert.Equal(t, referral.UserID(reg.User.ID), id)

	// AND: wrong password or unknown email are rejected alike
	rec = env.do("POST", "/api/users/login", "", LoginRequest{Email: reg.User.Email, Password: "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = env.do("POST", "/api/users/login", "", LoginRequest{Email: "ghost@example.com", Password: "secret123"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegister_Validation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body any
	}{
		{"ShortUsername", RegisterRequest{Username: "ab", Email: "a@example.com", Password: "secret123"}},
		{"BadEmail", RegisterRequest{Username: "alice", Email: "not-an-email", Password: "secret123"}},
		{"DisplayNameEmail", RegisterRequest{Username: "alice", Email: "Alice <a@example.com>", Password: "secret123"}},
		{"ShortPassword", RegisterRequest{Username: "alice", Email: "a@example.com", Password: "123"}},
		{"LongPassword", RegisterRequest{Username: "alice", Email: "a@example.com", Password: strings.Repeat("p", 73)}},
		{"MalformedJSON", "{"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do("POST", "/api/users/register", "", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestRegister_WithReferralCode(t *testing.T) {
	env := newTestEnv(t)
	parent := env.register("")

	// WHEN: a user registers with the parent's code
	child := env.register(parent.User.ReferralCode)

	// THEN: the parent's profile lists the child
	rec := env.do("GET", "/api/users/profile", parent.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var tree TreeDTO
	decode(t, rec, &tree)
	require.Len(t, tree.DirectReferrals, 1)
	assert.Equal(t, child.User.ID, tree.DirectReferrals[0].ID)
	assert.Equal(t, 7, tree.Slots)

	// AND: the child's profile names the parent
	rec = env.do("GET", "/api/users/profile", child.Token, nil)
	decode(t, rec, &tree)
	require.NotNil(t, tree.ReferredBy)
	assert.Equal(t, parent.User.ID, tree.ReferredBy.ID)
}

func TestRegister_Errors(t *testing.T) {
	env := newTestEnv(t)
	root := env.register("")

	t.Run("UnknownCode", func(t *testing.T) {
		rec := env.do("POST", "/api/users/register", "", RegisterRequest{
			Username: "orphan", Email: "orphan@example.com", Password: "secret123", ReferralCode: "ZZZZZZZZ",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("DuplicateEmail", func(t *testing.T) {
		rec := env.do("POST", "/api/users/register", "", RegisterRequest{
			Username: "copycat", Email: root.User.Email, Password: "secret123",
		})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("NinthReferral", func(t *testing.T) {
		for i := 0; i < 8; i++ {
			env.register(root.User.ReferralCode)
		}
		rec := env.do("POST", "/api/users/register", "", RegisterRequest{
			Username: "ninth", Email: "ninth@example.com", Password: "secret123", ReferralCode: root.User.ReferralCode,
		})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		var resp ErrorResponse
		decode(t, rec, &resp)
		assert.Contains(t, resp.Details, "already has 8 direct referrals")
	})
}

func TestAuthentication(t *testing.T) {
	env := newTestEnv(t)

	assert.Equal(t, http.StatusUnauthorized, env.do("GET", "/api/users/profile", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, env.do("GET", "/api/users/profile", "garbage", nil).Code)

	// A valid token for a user that does not exist.
	token, _, err := env.h.Tokens.Issue("ghost")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, env.do("GET", "/api/users/earnings", token, nil).Code)
}

func TestProfile_EmptyReferralsRenderAsArray(t *testing.T) {
	env := newTestEnv(t)
	u := env.register("")

	rec := env.do("GET", "/api/users/profile", u.Token, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"directReferrals":[]`)
	assert.Contains(t, rec.Body.String(), `"referredBy":null`)
}

// =============================================================================
// PURCHASES
// =============================================================================

func TestPurchase_DistributesCommission(t *testing.T) {
	env := newTestEnv(t)
	u1 := env.register("")
	u2 := env.register(u1.User.ReferralCode)
	u3 := env.register(u2.User.ReferralCode)

	// WHEN: U3 buys 2000
	rec := env.purchase(u3.Token, "2000")

	// THEN: created and completed
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp PurchaseResponse
	decode(t, rec, &resp)
	assert.Equal(t, "COMPLETED", resp.Transaction.Status)
	assert.Equal(t, "2000.00", resp.Transaction.Amount)

	// AND: U2 sees 100.00 at level 1 with U3 as the source
	rec = env.do("GET", "/api/users/earnings", u2.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var e2 EarningsDTO
	decode(t, rec, &e2)
	assert.Equal(t, "100.00", e2.Level1Earnings)
	assert.Equal(t, "0.00", e2.Level2Earnings)
	assert.Equal(t, "100.00", e2.TotalEarnings)
	require.Len(t, e2.Earnings, 1)
	require.NotNil(t, e2.Earnings[0].Source)
	assert.Equal(t, u3.User.Username, e2.Earnings[0].Source.Username)
	assert.Equal(t, resp.Transaction.ID, e2.Earnings[0].PurchaseID)

	// AND: U1 sees 20.00 at level 2
	rec = env.do("GET", "/api/users/earnings", u1.Token, nil)
	var e1 EarningsDTO
	decode(t, rec, &e1)
	assert.Equal(t, "0.00", e1.Level1Earnings)
	assert.Equal(t, "20.00", e1.Level2Earnings)
	require.Len(t, e1.Earnings, 1)
	assert.Equal(t, 2, e1.Earnings[0].ReferralLevel)
}

func TestPurchase_BelowMinimum(t *testing.T) {
	env := newTestEnv(t)
	a := env.register("")
	b := env.register(a.User.ReferralCode)

	rec := env.purchase(b.Token, "999")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do("GET", "/api/users/earnings", a.Token, nil)
	var e EarningsDTO
	decode(t, rec, &e)
	assert.Equal(t, "0.00", e.TotalEarnings)
	assert.Empty(t, e.Earnings)
}

func TestPurchase_InvalidAmount(t *testing.T) {
	env := newTestEnv(t)
	u := env.register("")

	for _, amount := range []string{"0", "-1", "10.001"} {
		rec := env.purchase(u.Token, amount)
		assert.Equal(t, http.StatusBadRequest, rec.Code, amount)
	}
	rec := env.do("POST", "/api/transactions/purchase", u.Token, `{"amount": "abc"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPurchase_RequiresDescription(t *testing.T) {
	env := newTestEnv(t)
	u := env.register("")

	for _, body := range []string{`{"amount": "1000"}`, `{"amount": "1000", "description": "   "}`} {
		rec := env.do("POST", "/api/transactions/purchase", u.Token, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}

	// Nothing was recorded.
	rec := env.do("GET", "/api/transactions/history", u.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var hist HistoryResponse
	decode(t, rec, &hist)
	assert.Empty(t, hist.Transactions)
}

func TestPurchase_IdempotencyKey(t *testing.T) {
	env := newTestEnv(t)
	a := env.register("")
	b := env.register(a.User.ReferralCode)

	// WHEN: the same request is sent twice
	first := env.purchase(b.Token, "1000", "Idempotency-Key", "order-42")
	second := env.purchase(b.Token, "1000", "Idempotency-Key", "order-42")

	// THEN: one purchase
	require.Equal(t, http.StatusCreated, first.Code)
	require.Equal(t, http.StatusCreated, second.Code)
	var p1, p2 PurchaseResponse
	decode(t, first, &p1)
	decode(t, second, &p2)
	assert.Equal(t, p1.Transaction.ID, p2.Transaction.ID)

	rec := env.do("GET", "/api/users/earnings", a.Token, nil)
	var e EarningsDTO
	decode(t, rec, &e)
	assert.Equal(t, "50.00", e.TotalEarnings)

	// AND: reusing the key for another amount conflicts
	rec = env.purchase(b.Token, "1200", "Idempotency-Key", "order-42")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPurchase_CommissionPending(t *testing.T) {
	env := newTestEnv(t)
	a := env.register("")
	b := env.register(a.User.ReferralCode)

	// GIVEN: the store cannot run the commission unit
	env.store.broken.Store(true)

	// WHEN: purchasing
	rec := env.purchase(b.Token, "1000")

	// THEN: accepted, not created, with the outstanding level named
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp PurchaseResponse
	decode(t, rec, &resp)
	assert.Equal(t, "FAILED_PARTIAL", resp.Transaction.Status)
	assert.Equal(t, []int{1}, resp.Outstanding)

	// WHEN: the store recovers and an admin runs the reconciler
	env.store.broken.Store(false)
	rec = env.do("POST", "/api/admin/reconcile", "", nil, "X-Admin-Token", testAdminToken)
	require.Equal(t, http.StatusOK, rec.Code)
	var rep ReconcileDTO
	decode(t, rec, &rep)
	assert.Equal(t, 1, rep.Resumed)

	// THEN: the commission landed
	rec = env.do("GET", "/api/transactions/"+resp.Transaction.ID, b.Token, nil)
	var tx TransactionDTO
	decode(t, rec, &tx)
	assert.Equal(t, "COMPLETED", tx.Status)

	rec = env.do("GET", "/api/users/earnings", a.Token, nil)
	var e EarningsDTO
	decode(t, rec, &e)
	assert.Equal(t, "50.00", e.TotalEarnings)
}

// =============================================================================
// HISTORY
// =============================================================================

func TestHistory(t *testing.T) {
	env := newTestEnv(t)
	a := env.register("")
	b := env.register(a.User.ReferralCode)
	require.Equal(t, http.StatusCreated, env.purchase(b.Token, "1000").Code)
	require.Equal(t, http.StatusCreated, env.purchase(a.Token, "20").Code)
	require.Equal(t, http.StatusCreated, env.purchase(a.Token, "30").Code)

	t.Run("All", func(t *testing.T) {
		rec := env.do("GET", "/api/transactions/history", a.Token, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var h HistoryResponse
		decode(t, rec, &h)
		require.Len(t, h.Transactions, 3)
		assert.Equal(t, "30.00", h.Transactions[0].Amount)
		assert.Equal(t, "EARNING", h.Transactions[2].Type)
		require.NotNil(t, h.Transactions[2].Source)
		assert.Equal(t, b.User.ID, h.Transactions[2].Source.ID)
	})

	t.Run("FilterByType", func(t *testing.T) {
		rec := env.do("GET", "/api/transactions/history?type=earning", a.Token, nil)
		var h HistoryResponse
		decode(t, rec, &h)
		require.Len(t, h.Transactions, 1)
		assert.Equal(t, "50.00", h.Transactions[0].Amount)
	})

	t.Run("Paging", func(t *testing.T) {
		rec := env.do("GET", "/api/transactions/history?limit=1&offset=1", a.Token, nil)
		var h HistoryResponse
		decode(t, rec, &h)
		require.Len(t, h.Transactions, 1)
		assert.Equal(t, "20.00", h.Transactions[0].Amount)
	})

	t.Run("InvalidQuery", func(t *testing.T) {
		for _, q := range []string{"?type=REFUND", "?limit=0", "?limit=x", "?offset=-1"} {
			rec := env.do("GET", "/api/transactions/history"+q, a.Token, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code, q)
		}
	})
}

func TestTransaction_ScopedToOwner(t *testing.T) {
	env := newTestEnv(t)
	a := env.register("")
	b := env.register("")
	rec := env.purchase(a.Token, "10")
	var p PurchaseResponse
	decode(t, rec, &p)

	assert.Equal(t, http.StatusOK, env.do("GET", "/api/transactions/"+p.Transaction.ID, a.Token, nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do("GET", "/api/transactions/"+p.Transaction.ID, b.Token, nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do("GET", "/api/transactions/missing", a.Token, nil).Code)
}

// =============================================================================
// ADMIN
// =============================================================================

func TestAdmin_RequiresToken(t *testing.T) {
	env := newTestEnv(t)

	assert.Equal(t, http.StatusForbidden, env.do("POST", "/api/admin/reconcile", "", nil).Code)
	assert.Equal(t, http.StatusForbidden, env.do("POST", "/api/admin/reconcile", "", nil, "X-Admin-Token", "wrong").Code)

	// An unset admin token disables the routes.
	env.h.AdminToken = ""
	assert.Equal(t, http.StatusForbidden, env.do("POST", "/api/admin/reconcile", "", nil, "X-Admin-Token", "").Code)
}

func TestAdmin_Audit(t *testing.T) {
	env := newTestEnv(t)
	a := env.register("")
	b := env.register(a.User.ReferralCode)
	require.Equal(t, http.StatusCreated, env.purchase(b.Token, "1234.56").Code)

	rec := env.do("GET", "/api/admin/users/"+a.User.ID+"/audit", "", nil, "X-Admin-Token", testAdminToken)

	require.Equal(t, http.StatusOK, rec.Code)
	var audit AuditDTO
	decode(t, rec, &audit)
	assert.True(t, audit.Consistent)
	assert.Equal(t, "61.73", audit.Level1Earnings)
	assert.Equal(t, "61.73", audit.LedgerTotal)
	assert.Empty(t, audit.Violations)

	rec = env.do("GET", "/api/admin/users/ghost/audit", "", nil, "X-Admin-Token", testAdminToken)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmin_Scenarios(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do("GET", "/api/admin/scenarios", "", nil, "X-Admin-Token", testAdminToken)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []ScenarioDTO
	decode(t, rec, &list)
	assert.Len(t, list, len(scenarios))

	rec = env.do("POST", "/api/admin/scenarios/load", "", map[string]string{"scenario_id": "three-generations"}, "X-Admin-Token", testAdminToken)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var res ScenarioResult
	decode(t, rec, &res)
	require.Len(t, res.Users, 3)
	assert.Equal(t, "20.00", res.Users[0].Level2Earnings)
	assert.Equal(t, "100.00", res.Users[1].Level1Earnings)

	// Demo users can log in.
	rec = env.do("POST", "/api/users/login", "", LoginRequest{Email: res.Users[2].Email, Password: DemoPassword})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do("POST", "/api/admin/scenarios/load", "", map[string]string{"scenario_id": "nope"}, "X-Admin-Token", testAdminToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do("GET", "/health", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{referral.ErrInvalidAmount, http.StatusBadRequest},
		{referral.ErrReferrerNotFound, http.StatusBadRequest},
		{&referral.CapacityError{ReferrerID: "r", Cap: 8}, http.StatusBadRequest},
		{referral.ErrDuplicateUser, http.StatusConflict},
		{referral.ErrIdempotencyMismatch, http.StatusConflict},
		{referral.ErrUserNotFound, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", referral.ErrEntryNotFound), http.StatusNotFound},
		{referral.ErrAllocationExhausted, http.StatusServiceUnavailable},
		{referral.ErrPersistenceConflict, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
