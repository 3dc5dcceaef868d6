/*
events.go - Domain events

PURPOSE:
  Events the engine emits after its writes commit: purchase processed,
  earning credited, referral added, commission failed. Observers turn them
  into notifications and metrics; the engine does not know who listens.

SEE ALSO:
  - api/notify.go: Per-user notifications
  - metrics/metrics.go: Prometheus counters
*/
package referral

import (
	"context"
	"time"
)

// EventType names a domain event emitted by the engine.
type EventType string

const (
	EventPurchaseProcessed EventType = "purchase_processed"
	EventEarningCredited   EventType = "earning_credited"
	EventReferralAdded     EventType = "referral_added"
	EventCommissionFailed  EventType = "commission_failed"
)

// Event is emitted after the corresponding writes are committed.
// UserID is the user whose view changed.
type Event struct {
	Type     EventType
	UserID   UserID
	Entry    *Entry
	Earnings []Entry
	Referral *PublicProfile
	At       time.Time
}

// Observer receives domain events. Implementations must not block; the
// engine calls them on the request path.
type Observer interface {
	Observe(ctx context.Context, ev Event)
}

type ObserverFunc func(ctx context.Context, ev Event)

func (f ObserverFunc) Observe(ctx context.Context, ev Event) { f(ctx, ev) }

// Observers fans an event out to every member in order.
type Observers []Observer

func (os Observers) Observe(ctx context.Context, ev Event) {
	for _, o := range os {
		if o != nil {
			o.Observe(ctx, ev)
		}
	}
}

type nopObserver struct{}

func (nopObserver) Observe(context.Context, Event) {}
