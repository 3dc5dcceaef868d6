package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/referral-engine/referral"
	"github.com/warp/referral-engine/referral/store"
	"github.com/warp/referral-engine/worker"
)

func newTestHub(t *testing.T, buffer int) *Hub {
	t.Helper()
	pool := worker.NewPool(2, 16)
	t.Cleanup(pool.Stop)
	return NewHub(pool, buffer, 2, nil)
}

func receive(t *testing.T, ch <-chan Notification) Notification {
	t.Helper()
	select {
	case n, ok := <-ch:
		require.True(t, ok, "channel closed")
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("no notification")
		return Notification{}
	}
}

func TestHub_DeliversToUser(t *testing.T) {
	hub := newTestHub(t, 4)
	ch, cancel := hub.Subscribe("alice")
	defer cancel()
	other, cancelOther := hub.Subscribe("bob")
	defer cancelOther()

	// WHEN: alice is credited
	earning := referral.Entry{
		ID: "e1", UserID: "alice", Kind: referral.KindEarning, Status: referral.StatusCompleted,
		Amount: decimal.RequireFromString("50"), Level: referral.Level1, PurchaseID: "p1", SourceUserID: "carol",
	}
	hub.Observe(context.Background(), referral.Event{Type: referral.EventEarningCredited, UserID: "alice", Entry: &earning})

	// THEN: only alice hears about it
	n := receive(t, ch)
	assert.Equal(t, NotifyEarnings, n.Type)
	data, ok := n.Data.(EarningNotification)
	require.True(t, ok)
	assert.Equal(t, "50.00", data.Earning.Amount)
	assert.Equal(t, 1, data.Earning.ReferralLevel)

	select {
	case n := <-other:
		t.Fatalf("bob received %v", n)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_EventMapping(t *testing.T) {
	hub := newTestHub(t, 4)
	purchase := referral.Entry{ID: "p1", UserID: "u", Kind: referral.KindPurchase, Amount: decimal.NewFromInt(10)}
	profile := referral.PublicProfile{ID: "child", Username: "child"}

	tests := []struct {
		ev   referral.Event
		want string
	}{
		{referral.Event{Type: referral.EventPurchaseProcessed, Entry: &purchase}, NotifyTransaction},
		{referral.Event{Type: referral.EventCommissionFailed, Entry: &purchase}, NotifyTransaction},
		{referral.Event{Type: referral.EventReferralAdded, Referral: &profile}, NotifyReferral},
	}
	for _, tt := range tests {
		n, ok := hub.notification(tt.ev)
		require.True(t, ok, tt.ev.Type)
		assert.Equal(t, tt.want, n.Type)
	}

	_, ok := hub.notification(referral.Event{Type: referral.EventEarningCredited})
	assert.False(t, ok, "earning event without entry")
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	hub := newTestHub(t, 1)
	_, cancel := hub.Subscribe("alice")
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			hub.Publish("alice", Notification{Type: NotifyEarnings})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}

func TestHub_CancelUnsubscribes(t *testing.T) {
	hub := newTestHub(t, 1)
	ch, cancel := hub.Subscribe("alice")
	assert.Equal(t, 1, hub.Subscribers("alice"))

	cancel()
	cancel()

	assert.Equal(t, 0, hub.Subscribers("alice"))
	_, ok := <-ch
	assert.False(t, ok)
}

func TestEvents_StreamsOverSSE(t *testing.T) {
	// GIVEN: an engine wired to a hub and a running server
	pool := worker.NewPool(2, 16)
	t.Cleanup(pool.Stop)
	hub := NewHub(pool, 8, 2, nil)
	engine := referral.NewEngine(store.NewMemory(), referral.DefaultConfig(), referral.WithObserver(hub))
	h := NewHandler(engine, NewTokenManager("s", time.Hour), nil)
	h.Hub = hub
	srv := httptest.NewServer(NewRouter(h, RouterOptions{}))
	t.Cleanup(srv.Close)

	ctx := context.Background()
	parent, err := engine.RegisterUser(ctx, referral.Registration{Username: "parent", Email: "parent@example.com"})
	require.NoError(t, err)
	child, err := engine.RegisterUser(ctx, referral.Registration{Username: "child", Email: "child@example.com", ReferralCode: parent.ReferralCode})
	require.NoError(t, err)
	token, _, err := h.Tokens.Issue(parent.ID)
	require.NoError(t, err)

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, "GET", srv.URL+"/api/events?token="+token, nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 16)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	// WHEN: the child buys above the minimum
	_, err = engine.ProcessPurchase(ctx, referral.PurchaseRequest{UserID: child.ID, Amount: decimal.NewFromInt(1000)})
	require.NoError(t, err)

	// THEN: the parent's stream carries an earningsUpdate
	deadline := time.After(3 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			require.True(t, ok, "stream closed")
			if line != "event: "+NotifyEarnings {
				continue
			}
			data := <-lines
			require.True(t, strings.HasPrefix(data, "data: "), data)
			var payload EarningNotification
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(data, "data: ")), &payload))
			assert.Equal(t, "50.00", payload.Earning.Amount)
			assert.Equal(t, string(child.ID), payload.Earning.SourceUserID)
			return
		case <-deadline:
			t.Fatal("no earningsUpdate received")
		}
	}
}

func TestHub_CloseEndsStreams(t *testing.T) {
	hub := newTestHub(t, 1)
	ch, cancel := hub.Subscribe("alice")

	hub.Close()
	hub.Close()

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, hub.Subscribers("alice"))
	cancel()

	// New streams end immediately.
	late, cancelLate := hub.Subscribe("alice")
	defer cancelLate()
	_, ok = <-late
	assert.False(t, ok)
	assert.Equal(t, 0, hub.Subscribers("alice"))
}

func TestEvents_ShutdownWithOpenStream(t *testing.T) {
	// GIVEN: a server whose shutdown closes the hub
	pool := worker.NewPool(1, 4)
	t.Cleanup(pool.Stop)
	hub := NewHub(pool, 4, 2, nil)
	engine := referral.NewEngine(store.NewMemory(), referral.DefaultConfig(), referral.WithObserver(hub))
	h := NewHandler(engine, NewTokenManager("s", time.Hour), nil)
	h.Hub = hub
	srv := httptest.NewUnstartedServer(NewRouter(h, RouterOptions{}))
	srv.Config.RegisterOnShutdown(hub.Close)
	srv.Start()
	t.Cleanup(srv.Close)

	u, err := engine.RegisterUser(context.Background(), referral.Registration{Username: "watcher", Email: "watcher@example.com"})
	require.NoError(t, err)
	token, _, err := h.Tokens.Issue(u.ID)
	require.NoError(t, err)

	// AND: one client holding a stream open
	resp, err := srv.Client().Get(srv.URL + "/api/events?token=" + token)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Eventually(t, func() bool { return hub.Subscribers(u.ID) == 1 }, time.Second, 5*time.Millisecond)

	// WHEN: the server shuts down
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	err = srv.Config.Shutdown(ctx)

	// THEN: it returns promptly instead of waiting on the stream
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
}
