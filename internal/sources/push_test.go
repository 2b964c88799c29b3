package sources

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashendes/payment-reconciler/internal/models"
	"github.com/ashendes/payment-reconciler/internal/patterns"
	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// pushServer is a scripted websocket endpoint. Each connection's subscribe
// message is forwarded on subs; messages sent to outbound are written to the
// most recent connection.
type pushServer struct {
	srv      *httptest.Server
	subs     chan string
	outbound chan models.PushMessage
	// dropAfterSubscribe closes the first N connections right after the
	// subscribe message arrives, forcing the client to reconnect.
	dropAfterSubscribe int32
	conns              int32
}

func newPushServer(t *testing.T) *pushServer {
	t.Helper()
	ps := &pushServer{
		subs:     make(chan string, 16),
		outbound: make(chan models.PushMessage, 16),
	}
	ps.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		atomic.AddInt32(&ps.conns, 1)

		var sub models.PushMessage
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		if sub.Type == models.PushTypeSubscribe {
			ps.subs <- sub.CheckoutRequestID
		}

		if atomic.AddInt32(&ps.dropAfterSubscribe, -1) >= 0 {
			return // close immediately, client should reconnect
		}

		for msg := range ps.outbound {
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(func() {
		// Unblock any handler waiting on outbound before closing.
		close(ps.outbound)
		ps.srv.Close()
	})
	return ps
}

func (ps *pushServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ps.srv.URL, "http")
}

func waitSubscribe(t *testing.T, ps *pushServer) string {
	t.Helper()
	select {
	case id := <-ps.subs:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("no subscribe message received")
		return ""
	}
}

func waitCandidates(t *testing.T, log *candidateLog, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for log.count() < n && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if log.count() < n {
		t.Fatalf("expected %d candidates, got %d", n, log.count())
	}
}

func TestPushListener_SubscribesAndForwards(t *testing.T) {
	ps := newPushServer(t)
	log := &candidateLog{}

	l := NewPushListener(ps.wsURL(), "CR1", patterns.FixedBackoff{Delay: time.Millisecond}, log.sink)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	if id := waitSubscribe(t, ps); id != "CR1" {
		t.Fatalf("subscribed with %q, want CR1", id)
	}

	ps.outbound <- models.PushMessage{
		Type:        models.PushTypePaymentUpdate,
		Transaction: &models.TransactionPayload{CheckoutRequestID: "CR1", Status: "pending"},
	}
	ps.outbound <- models.PushMessage{
		Type: models.PushTypePaymentUpdate,
		Transaction: &models.TransactionPayload{
			CheckoutRequestID:  "CR1",
			Status:             "completed",
			MpesaReceiptNumber: "MPX001",
		},
	}

	waitCandidates(t, log, 2)
	log.mu.Lock()
	defer log.mu.Unlock()
	if log.items[0].Status != models.StatusPending {
		t.Errorf("first candidate %+v, want pending", log.items[0])
	}
	if log.items[1].Status != models.StatusCompleted || log.items[1].ReceiptReference != "MPX001" {
		t.Errorf("second candidate %+v, want completed/MPX001", log.items[1])
	}
}

func TestPushListener_ResubscribesOnReconnect(t *testing.T) {
	ps := newPushServer(t)
	ps.dropAfterSubscribe = 1
	log := &candidateLog{}

	l := NewPushListener(ps.wsURL(), "CR2", patterns.FixedBackoff{Delay: time.Millisecond}, log.sink)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	// First connection is dropped right after subscribing; the listener
	// must reconnect and subscribe again.
	if id := waitSubscribe(t, ps); id != "CR2" {
		t.Fatalf("first subscribe %q, want CR2", id)
	}
	if id := waitSubscribe(t, ps); id != "CR2" {
		t.Fatalf("resubscribe %q, want CR2", id)
	}
	if n := atomic.LoadInt32(&ps.conns); n < 2 {
		t.Fatalf("expected at least 2 connections, got %d", n)
	}

	ps.outbound <- models.PushMessage{
		Type:        models.PushTypePaymentUpdate,
		Transaction: &models.TransactionPayload{Status: "completed", MpesaReceiptNumber: "MPX002"},
	}
	waitCandidates(t, log, 1)
}

func TestPushListener_DropsMalformedAndForeignUpdates(t *testing.T) {
	ps := newPushServer(t)
	log := &candidateLog{}

	l := NewPushListener(ps.wsURL(), "CR3", patterns.FixedBackoff{Delay: time.Millisecond}, log.sink)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	waitSubscribe(t, ps)

	// Malformed status, foreign correlation id, wrong type, missing
	// transaction: all dropped before the sink.
	ps.outbound <- models.PushMessage{
		Type:        models.PushTypePaymentUpdate,
		Transaction: &models.TransactionPayload{CheckoutRequestID: "CR3", Status: "bogus"},
	}
	ps.outbound <- models.PushMessage{
		Type:        models.PushTypePaymentUpdate,
		Transaction: &models.TransactionPayload{CheckoutRequestID: "OTHER", Status: "completed"},
	}
	ps.outbound <- models.PushMessage{Type: "connection", Message: "Connected"}
	ps.outbound <- models.PushMessage{Type: models.PushTypePaymentUpdate}
	ps.outbound <- models.PushMessage{
		Type:        models.PushTypePaymentUpdate,
		Transaction: &models.TransactionPayload{CheckoutRequestID: "CR3", Status: "pending"},
	}

	waitCandidates(t, log, 1)
	// Give any stray forwards a moment to land.
	time.Sleep(20 * time.Millisecond)
	if log.count() != 1 {
		t.Errorf("expected exactly 1 forwarded candidate, got %d", log.count())
	}
}

func TestPushListener_StopsOnCancel(t *testing.T) {
	ps := newPushServer(t)
	l := NewPushListener(ps.wsURL(), "CR4", patterns.FixedBackoff{Delay: time.Millisecond}, (&candidateLog{}).sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	waitSubscribe(t, ps)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop after cancellation")
	}
}
