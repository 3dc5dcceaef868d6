package metrics_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/referral-engine/metrics"
	"github.com/warp/referral-engine/referral"
)

func TestObserve_CountsEvents(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry(), nil)
	ctx := context.Background()

	earning := referral.Entry{Level: referral.Level1, Amount: decimal.RequireFromString("50.00")}
	m.Observe(ctx, referral.Event{Type: referral.EventPurchaseProcessed})
	m.Observe(ctx, referral.Event{Type: referral.EventEarningCredited, Entry: &earning})
	m.Observe(ctx, referral.Event{Type: referral.EventCommissionFailed})
	m.Observe(ctx, referral.Event{Type: referral.EventReferralAdded})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Purchases.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Purchases.WithLabelValues("commission_pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Commissions.WithLabelValues("1")))
	assert.Equal(t, 50.0, testutil.ToFloat64(m.CommissionAmount.WithLabelValues("1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Referrals))
}

func TestMiddleware_RecordsRoutePattern(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry(), nil)

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/users/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	r.Handle("/metrics", m.Handler())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/users/42", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `route="/api/users/{id}"`), body)
	assert.True(t, strings.Contains(body, `status="418"`), body)
}
