/*
metrics.go - Prometheus instrumentation

PURPOSE:
  Counts engine outcomes by observing domain events and measures HTTP
  latency per chi route. Collectors live on a caller-supplied registry so
  tests can build as many instances as they like.

EXPORTED SERIES:
  referral_purchases_total{outcome}        completed | commission_pending
  referral_commissions_total{level}        earnings credited
  referral_commission_amount_total{level}  money credited (float, for dashboards only)
  referral_referrals_total                 users joined under a referrer
  referral_notify_queue_depth              pending notification jobs
  http_requests_latency_seconds{method,route,status}
*/
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/referral-engine/referral"
	"go.uber.org/zap"
)

type Metrics struct {
	Purchases        *prometheus.CounterVec
	Commissions      *prometheus.CounterVec
	CommissionAmount *prometheus.CounterVec
	Referrals        prometheus.Counter
	QueueDepth       prometheus.Gauge
	HTTPLatency      *prometheus.HistogramVec

	gatherer prometheus.Gatherer
	log      *zap.Logger
}

// New registers the collectors on reg. A nil reg uses a fresh registry.
func New(reg *prometheus.Registry, log *zap.Logger) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if log == nil {
		log = zap.NewNop()
	}
	m := &Metrics{
		Purchases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "referral_purchases_total",
			Help: "Purchases processed, by outcome.",
		}, []string{"outcome"}),
		Commissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "referral_commissions_total",
			Help: "Earnings credited, by level.",
		}, []string{"level"}),
		CommissionAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "referral_commission_amount_total",
			Help: "Commission amount credited, by level.",
		}, []string{"level"}),
		Referrals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "referral_referrals_total",
			Help: "Users registered under a referrer.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "referral_notify_queue_depth",
			Help: "Notification jobs waiting for a worker.",
		}),
		HTTPLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_requests_latency_seconds",
			Help:    "Latency of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		gatherer: reg,
		log:      log,
	}
	reg.MustRegister(m.Purchases, m.Commissions, m.CommissionAmount, m.Referrals, m.QueueDepth, m.HTTPLatency)
	return m
}

// Observe implements referral.Observer.
func (m *Metrics) Observe(_ context.Context, ev referral.Event) {
	switch ev.Type {
	case referral.EventPurchaseProcessed:
		m.Purchases.WithLabelValues("completed").Inc()
	case referral.EventCommissionFailed:
		m.Purchases.WithLabelValues("commission_pending").Inc()
	case referral.EventEarningCredited:
		if ev.Entry == nil {
			return
		}
		level := strconv.Itoa(int(ev.Entry.Level))
		m.Commissions.WithLabelValues(level).Inc()
		m.CommissionAmount.WithLabelValues(level).Add(ev.Entry.Amount.InexactFloat64())
	case referral.EventReferralAdded:
		m.Referrals.Inc()
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Middleware records latency per route pattern and writes a zap access line.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		route := routePattern(r)
		m.HTTPLatency.WithLabelValues(r.Method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
		m.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("elapsed", elapsed),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if patt := rc.RoutePattern(); patt != "" {
			return patt
		}
	}
	return r.URL.Path
}
