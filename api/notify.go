/*
notify.go - Per-user real-time notifications

PURPOSE:
  Turns engine events into the client-facing notifications
  (earningsUpdate, referralUpdate, transactionUpdate) and fans them out to
  every open stream of the affected user.

DELIVERY:
  Observe runs on the engine's request path, so it only enqueues a job on the
  worker pool. Each subscriber has a bounded buffer; a slow stream loses
  notifications rather than stalling others. Notifications are hints, the
  REST endpoints remain the source of truth.

SEE ALSO:
  - handlers.go: Events streams these over SSE
  - worker/pool.go: Delivery workers
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/warp/referral-engine/referral"
	"github.com/warp/referral-engine/worker"
	"go.uber.org/zap"
)

const (
	NotifyEarnings    = "earningsUpdate"
	NotifyReferral    = "referralUpdate"
	NotifyTransaction = "transactionUpdate"
)

type Notification struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type EarningNotification struct {
	Earning TransactionDTO `json:"earning"`
}

type ReferralNotification struct {
	Referral ProfileDTO `json:"referral"`
}

type TransactionNotification struct {
	Transaction TransactionDTO `json:"transaction"`
}

type subscriber struct {
	ch chan Notification
}

// Hub is a registry of open notification streams keyed by user.
type Hub struct {
	mu     sync.RWMutex
	subs   map[referral.UserID]map[*subscriber]struct{}
	closed bool
	pool   *worker.Pool
	buffer int
	scale  int32
	log    *zap.Logger

	// OnQueue reports the delivery queue depth after each enqueue.
	OnQueue func(depth int)
}

func NewHub(pool *worker.Pool, buffer int, scale int32, log *zap.Logger) *Hub {
	if buffer < 1 {
		buffer = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		subs:   make(map[referral.UserID]map[*subscriber]struct{}),
		pool:   pool,
		buffer: buffer,
		scale:  scale,
		log:    log,
	}
}

// Subscribe opens a stream for id. cancel must be called when the stream
// ends. The channel is closed by cancel or by Close.
func (h *Hub) Subscribe(id referral.UserID) (<-chan Notification, func()) {
	s := &subscriber{ch: make(chan Notification, h.buffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	if h.subs[id] == nil {
		h.subs[id] = make(map[*subscriber]struct{})
	}
	h.subs[id][s] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[id][s]; !ok {
			return
		}
		delete(h.subs[id], s)
		if len(h.subs[id]) == 0 {
			delete(h.subs, id)
		}
		close(s.ch)
	}
	return s.ch, cancel
}

// Close ends every open stream and refuses new ones. Streams see their
// channel closed and return, which lets http.Server.Shutdown finish.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	n := 0
	for id, subs := range h.subs {
		for s := range subs {
			close(s.ch)
			n++
		}
		delete(h.subs, id)
	}
	h.log.Info("hub closed", zap.Int("streams", n))
}

// Subscribers returns the number of open streams for id.
func (h *Hub) Subscribers(id referral.UserID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[id])
}

// Observe implements referral.Observer.
func (h *Hub) Observe(_ context.Context, ev referral.Event) {
	n, ok := h.notification(ev)
	if !ok || h.Subscribers(ev.UserID) == 0 {
		return
	}
	user := ev.UserID
	if !h.pool.TrySubmit(func() { h.Publish(user, n) }) {
		h.log.Warn("notification queue full, dropping",
			zap.String("user_id", string(user)), zap.String("type", n.Type))
		return
	}
	if h.OnQueue != nil {
		h.OnQueue(h.pool.Len())
	}
}

// Publish delivers n to every stream of id without blocking.
func (h *Hub) Publish(id referral.UserID, n Notification) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs[id] {
		select {
		case s.ch <- n:
		default:
			h.log.Debug("subscriber buffer full, dropping",
				zap.String("user_id", string(id)), zap.String("type", n.Type))
		}
	}
}

func (h *Hub) notification(ev referral.Event) (Notification, bool) {
	switch ev.Type {
	case referral.EventEarningCredited:
		if ev.Entry == nil {
			return Notification{}, false
		}
		return Notification{Type: NotifyEarnings, Data: EarningNotification{
			Earning: toTransactionDTO(*ev.Entry, nil, h.scale),
		}}, true
	case referral.EventReferralAdded:
		if ev.Referral == nil {
			return Notification{}, false
		}
		return Notification{Type: NotifyReferral, Data: ReferralNotification{
			Referral: toProfileDTO(*ev.Referral),
		}}, true
	case referral.EventPurchaseProcessed, referral.EventCommissionFailed:
		if ev.Entry == nil {
			return Notification{}, false
		}
		return Notification{Type: NotifyTransaction, Data: TransactionNotification{
			Transaction: toTransactionDTO(*ev.Entry, nil, h.scale),
		}}, true
	}
	return Notification{}, false
}

// heartbeat is how often idle SSE streams send a comment line.
var heartbeat = 25 * time.Second
