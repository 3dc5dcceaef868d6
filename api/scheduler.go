/*
scheduler.go - Automated commission reconciliation

PURPOSE:
  Periodically finishes purchases whose commission did not fully land:
  FAILED_PARTIAL purchases and PENDING purchases older than StaleAfter
  (a process that died between recording and settling).

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Resumes each purchase through Engine.ResumePurchase, which skips levels
    already credited, so a purchase is never credited twice
  - Gives up after MaxAttempts by marking the purchase FAILED
  - RunNow backs the admin endpoint and tests

USAGE:
  r := NewReconciler(engine, ReconcilerConfig{Interval: time.Minute}, log)
  r.Start()
  // ... later
  r.Stop()

SEE ALSO:
  - handlers.go: Reconcile endpoint (manual run)
  - referral/engine.go: ResumePurchase, AbandonPurchase
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/warp/referral-engine/referral"
	"go.uber.org/zap"
)

type ReconcilerConfig struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
	StaleAfter  time.Duration
}

// ReconcileReport summarises one pass.
type ReconcileReport struct {
	Scanned   int
	Resumed   int
	Abandoned int
	Failed    int
}

// Reconciler handles automated commission recovery.
type Reconciler struct {
	Engine *referral.Engine
	Config ReconcilerConfig

	log    *zap.Logger
	now    func() time.Time
	ticker *time.Ticker
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex

	// run serialises passes between the ticker and RunNow.
	run sync.Mutex
}

func NewReconciler(engine *referral.Engine, cfg ReconcilerConfig, log *zap.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{
		Engine: engine,
		Config: cfg,
		log:    log.Named("reconciler"),
		now:    time.Now,
	}
}

// Start begins the background loop. Calling Start twice is a no-op.
func (rc *Reconciler) Start() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.ticker != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	rc.cancel = cancel
	rc.stop = make(chan struct{})
	rc.ticker = time.NewTicker(rc.Config.Interval)
	rc.wg.Add(1)

	go rc.loop(ctx)

	rc.log.Info("started", zap.Duration("interval", rc.Config.Interval))
}

// Stop halts the loop and waits for an in-flight pass to return.
func (rc *Reconciler) Stop() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.ticker == nil {
		return
	}
	rc.ticker.Stop()
	rc.cancel()
	close(rc.stop)
	rc.wg.Wait()
	rc.ticker = nil
	rc.log.Info("stopped")
}

func (rc *Reconciler) loop(ctx context.Context) {
	defer rc.wg.Done()

	rc.RunNow(ctx)

	for {
		select {
		case <-rc.ticker.C:
			rc.RunNow(ctx)
		case <-rc.stop:
			return
		}
	}
}

// RunNow performs one pass immediately.
func (rc *Reconciler) RunNow(ctx context.Context) ReconcileReport {
	rc.run.Lock()
	defer rc.run.Unlock()

	var report ReconcileReport
	now := rc.now().UTC()

	partial, err := rc.Engine.Store().ListByStatus(ctx, referral.StatusFailedPartial, now, rc.Config.BatchSize)
	if err != nil {
		rc.log.Error("list failed-partial purchases", zap.Error(err))
	}
	pending, err := rc.Engine.Store().ListByStatus(ctx, referral.StatusPending, now.Add(-rc.Config.StaleAfter), rc.Config.BatchSize)
	if err != nil {
		rc.log.Error("list stale pending purchases", zap.Error(err))
	}

	for _, p := range append(partial, pending...) {
		if ctx.Err() != nil {
			break
		}
		report.Scanned++
		rc.process(ctx, p, &report)
	}

	if report.Scanned > 0 {
		rc.log.Info("pass completed",
			zap.Int("scanned", report.Scanned),
			zap.Int("resumed", report.Resumed),
			zap.Int("abandoned", report.Abandoned),
			zap.Int("failed", report.Failed))
	}
	return report
}

func (rc *Reconciler) process(ctx context.Context, p referral.Entry, report *ReconcileReport) {
	log := rc.log.With(zap.String("purchase_id", string(p.ID)), zap.Int("attempts", p.Attempts))

	if p.Attempts >= rc.Config.MaxAttempts {
		reason := fmt.Sprintf("abandoned after %d attempts", p.Attempts)
		if p.FailureReason != "" {
			reason += ": " + p.FailureReason
		}
		err := rc.Engine.AbandonPurchase(ctx, p.ID, reason)
		if errors.Is(err, referral.ErrAlreadyFinalized) {
			return
		}
		if err != nil {
			log.Error("abandon purchase", zap.Error(err))
			report.Failed++
			return
		}
		log.Warn("purchase abandoned", zap.String("reason", reason))
		report.Abandoned++
		return
	}

	_, err := rc.Engine.ResumePurchase(ctx, p.ID)
	if err != nil {
		log.Warn("resume purchase", zap.Error(err))
		report.Failed++
		return
	}
	report.Resumed++
}
