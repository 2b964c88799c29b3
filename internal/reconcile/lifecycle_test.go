package reconcile

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashendes/payment-reconciler/internal/models"
)

// fakeProvider serves scripted responses for submit/poll/query.
type fakeProvider struct {
	mu         sync.Mutex
	nextID     int
	submitErr  error
	submitHook func()
	pollCand   models.Candidate
	pollErr    error
	queryCand  models.Candidate
	queryErr   error
	pollCalls  int32
	queryCalls int32
}

func (f *fakeProvider) Submit(ctx context.Context, req models.PaymentRequest) (string, error) {
	f.mu.Lock()
	hook := f.submitHook
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.nextID++
	return fmt.Sprintf("CR%d", f.nextID), nil
}

func (f *fakeProvider) CheckStatus(ctx context.Context, correlationID string) (models.Candidate, error) {
	atomic.AddInt32(&f.pollCalls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pollCand, f.pollErr
}

func (f *fakeProvider) QueryStatus(ctx context.Context, req models.QueryStatusRequest) (models.Candidate, error) {
	atomic.AddInt32(&f.queryCalls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queryCand, f.queryErr
}

func (f *fakeProvider) setPoll(c models.Candidate, err error) {
	f.mu.Lock()
	f.pollCand = c
	f.pollErr = err
	f.mu.Unlock()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("timed out waiting for ", msg)
}

func testOptions() Options {
	return Options{
		PollInterval:  5 * time.Millisecond,
		AttemptBudget: time.Minute,
	}
}

var testRequest = models.PaymentRequest{
	Amount:       500,
	PayerContact: "254712345678",
	PayeeID:      "S1",
	Memo:         "order#1",
}

func TestController_DoubleStartFailsFast(t *testing.T) {
	p := &fakeProvider{pollCand: models.Candidate{Status: models.StatusPending}}
	c := NewController(p, nil, testOptions())
	defer c.Abort()

	if _, err := c.Start(context.Background(), testRequest); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if _, err := c.Start(context.Background(), testRequest); err == nil {
		t.Fatal("expected second start while armed to fail fast")
	}
	if c.State() != StateArmed {
		t.Errorf("expected armed after rejected restart, got %s", c.State())
	}
}

func TestController_SubmitFailureReturnsToIdle(t *testing.T) {
	p := &fakeProvider{submitErr: fmt.Errorf("connection refused")}
	c := NewController(p, nil, testOptions())

	if _, err := c.Start(context.Background(), testRequest); err == nil {
		t.Fatal("expected submit failure to surface")
	}
	if c.State() != StateIdle {
		t.Errorf("expected idle after failed submit, got %s", c.State())
	}

	// The attempt budget must not be armed either.
	p.mu.Lock()
	p.submitErr = nil
	p.mu.Unlock()
	if _, err := c.Start(context.Background(), testRequest); err != nil {
		t.Fatalf("restart after failed submit: %v", err)
	}
	c.Abort()
}

func TestController_TerminalViaPollSettles(t *testing.T) {
	p := &fakeProvider{pollCand: models.Candidate{Status: models.StatusPending}}
	events := &recorder{}
	c := NewController(p, events.callback, testOptions())
	defer c.Abort()

	if _, err := c.Start(context.Background(), testRequest); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor(t, time.Second, func() bool { return len(events.all()) >= 1 }, "first progress event")

	p.setPoll(models.Candidate{Status: models.StatusCompleted, ReceiptReference: "MPX001"}, nil)
	waitFor(t, time.Second, func() bool { return events.terminalCount() == 1 }, "terminal event")

	if c.State() != StateSettled {
		t.Errorf("expected settled, got %s", c.State())
	}
	if c.Cause() != CauseCompleted {
		t.Errorf("expected cause completed, got %s", c.Cause())
	}

	// The poller must stop promptly after settlement.
	waitFor(t, time.Second, func() bool {
		before := atomic.LoadInt32(&p.pollCalls)
		time.Sleep(25 * time.Millisecond)
		return atomic.LoadInt32(&p.pollCalls) == before
	}, "poller to stop")

	if n := events.terminalCount(); n != 1 {
		t.Errorf("expected exactly 1 terminal event, got %d", n)
	}

	txn, _ := c.Snapshot()
	if txn.Status != models.StatusCompleted || txn.ReceiptReference != "MPX001" {
		t.Errorf("unexpected final snapshot: %+v", txn)
	}
}

func TestController_TimeoutLeavesTransactionPending(t *testing.T) {
	p := &fakeProvider{pollCand: models.Candidate{Status: models.StatusPending}}
	events := &recorder{}
	opts := testOptions()
	opts.AttemptBudget = 40 * time.Millisecond
	c := NewController(p, events.callback, opts)
	defer c.Abort()

	if _, err := c.Start(context.Background(), testRequest); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		for _, ev := range events.all() {
			if ev.TimedOut {
				return true
			}
		}
		return false
	}, "timeout event")

	// Exactly one timeout event, and the transaction's real status is
	// untouched: it might still complete server-side.
	time.Sleep(60 * time.Millisecond)
	timeouts := 0
	for _, ev := range events.all() {
		if ev.TimedOut {
			timeouts++
			if ev.Transaction.Status != models.StatusPending {
				t.Errorf("timeout event mutated status to %s", ev.Transaction.Status)
			}
			if ev.Display.Text != "Payment cancelled or timed out" {
				t.Errorf("unexpected timeout display %q", ev.Display.Text)
			}
		}
	}
	if timeouts != 1 {
		t.Errorf("expected exactly 1 timeout event, got %d", timeouts)
	}
	if c.State() != StateSettled || c.Cause() != CauseTimedOut {
		t.Errorf("expected settled(timed_out), got %s(%s)", c.State(), c.Cause())
	}
	if n := events.terminalCount(); n != 0 {
		t.Errorf("expected no terminal events on timeout, got %d", n)
	}
}

func TestController_TeardownIdempotent(t *testing.T) {
	p := &fakeProvider{pollCand: models.Candidate{Status: models.StatusPending}}
	c := NewController(p, nil, testOptions())
	defer c.Abort()

	if _, err := c.Start(context.Background(), testRequest); err != nil {
		t.Fatalf("start: %v", err)
	}

	c.mu.Lock()
	scope := c.scope
	c.mu.Unlock()

	// Simulate a near-simultaneous terminal candidate and timeout: only the
	// first cause wins, the second release is a no-op.
	if won := c.settle(scope, CauseCompleted); !won {
		t.Fatal("expected first settle to win")
	}
	if won := c.settle(scope, CauseTimedOut); won {
		t.Fatal("expected second settle to be a no-op")
	}
	if c.Cause() != CauseCompleted {
		t.Errorf("second settle overwrote cause: %s", c.Cause())
	}
}

func TestController_AbortForcesIdle(t *testing.T) {
	p := &fakeProvider{pollCand: models.Candidate{Status: models.StatusPending}}
	events := &recorder{}
	c := NewController(p, events.callback, testOptions())

	if _, err := c.Start(context.Background(), testRequest); err != nil {
		t.Fatalf("start: %v", err)
	}
	c.Abort()

	if c.State() != StateIdle {
		t.Errorf("expected idle after abort, got %s", c.State())
	}
	if n := events.terminalCount(); n != 0 {
		t.Errorf("abort emitted %d terminal events", n)
	}

	// Abort is safe to repeat.
	c.Abort()

	// A fresh attempt can be started afterwards.
	id, err := c.Start(context.Background(), testRequest)
	if err != nil {
		t.Fatalf("restart after abort: %v", err)
	}
	if id == "" {
		t.Fatal("expected a new correlation id")
	}
	c.Abort()
}

// An abort landing while the submit call is still in flight must leave the
// controller idle with no sources armed, and the start must report it.
func TestController_AbortDuringSubmit(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	p := &fakeProvider{pollCand: models.Candidate{Status: models.StatusPending}}
	p.submitHook = func() {
		close(entered)
		<-release
	}

	events := &recorder{}
	c := NewController(p, events.callback, testOptions())
	defer c.Abort()

	startErr := make(chan error, 1)
	go func() {
		_, err := c.Start(context.Background(), testRequest)
		startErr <- err
	}()

	<-entered
	c.Abort()
	close(release)

	if err := <-startErr; err == nil {
		t.Fatal("expected start to report the abort")
	}
	if c.State() != StateIdle {
		t.Fatalf("expected idle after abort during submit, got %s", c.State())
	}

	// The aborted attempt must never have armed its poller.
	time.Sleep(25 * time.Millisecond)
	if n := atomic.LoadInt32(&p.pollCalls); n != 0 {
		t.Errorf("aborted attempt issued %d polls", n)
	}

	// A fresh attempt starts cleanly afterwards.
	p.mu.Lock()
	p.submitHook = nil
	p.mu.Unlock()
	if _, err := c.Start(context.Background(), testRequest); err != nil {
		t.Fatalf("restart after aborted submit: %v", err)
	}
	if c.State() != StateArmed {
		t.Errorf("expected armed after restart, got %s", c.State())
	}
}

func TestController_RefreshStatus(t *testing.T) {
	t.Run("armed attempt accepts query candidate", func(t *testing.T) {
		p := &fakeProvider{
			pollCand:  models.Candidate{Status: models.StatusPending},
			queryCand: models.Candidate{Status: models.StatusCompleted, ReceiptReference: "MPX005"},
		}
		events := &recorder{}
		c := NewController(p, events.callback, testOptions())
		defer c.Abort()

		if _, err := c.Start(context.Background(), testRequest); err != nil {
			t.Fatalf("start: %v", err)
		}
		c.RefreshStatus(context.Background())

		waitFor(t, time.Second, func() bool { return events.terminalCount() == 1 }, "terminal via query")
		for _, ev := range events.all() {
			if ev.Terminal && ev.Source != "query" {
				t.Errorf("terminal event from %s, want query", ev.Source)
			}
		}
	})

	t.Run("no-op while idle", func(t *testing.T) {
		p := &fakeProvider{}
		c := NewController(p, nil, testOptions())
		c.RefreshStatus(context.Background())
		if n := atomic.LoadInt32(&p.queryCalls); n != 0 {
			t.Errorf("expected no query while idle, got %d", n)
		}
	})

	t.Run("check again after timeout", func(t *testing.T) {
		p := &fakeProvider{
			pollCand:  models.Candidate{Status: models.StatusPending},
			queryCand: models.Candidate{Status: models.StatusCompleted, ReceiptReference: "MPX006"},
		}
		events := &recorder{}
		opts := testOptions()
		opts.AttemptBudget = 20 * time.Millisecond
		c := NewController(p, events.callback, opts)
		defer c.Abort()

		if _, err := c.Start(context.Background(), testRequest); err != nil {
			t.Fatalf("start: %v", err)
		}
		waitFor(t, time.Second, func() bool { return c.Cause() == CauseTimedOut }, "timeout settlement")

		c.RefreshStatus(context.Background())
		waitFor(t, time.Second, func() bool { return events.terminalCount() == 1 }, "late completion via query")

		txn, _ := c.Snapshot()
		if txn.Status != models.StatusCompleted || txn.ReceiptReference != "MPX006" {
			t.Errorf("unexpected snapshot after late completion: %+v", txn)
		}
	})
}

func TestController_RestartAfterSettlement(t *testing.T) {
	p := &fakeProvider{pollCand: models.Candidate{Status: models.StatusCompleted, ReceiptReference: "MPX007"}}
	events := &recorder{}
	c := NewController(p, events.callback, testOptions())
	defer c.Abort()

	first, err := c.Start(context.Background(), testRequest)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, time.Second, func() bool { return c.State() == StateSettled }, "first settlement")

	second, err := c.Start(context.Background(), testRequest)
	if err != nil {
		t.Fatalf("restart after settlement: %v", err)
	}
	if second == first {
		t.Errorf("correlation id %s reused across attempts", second)
	}
}

func TestController_SnapshotBeforeStart(t *testing.T) {
	c := NewController(&fakeProvider{}, nil, testOptions())
	txn, tuple := c.Snapshot()
	if txn.Status != models.StatusUninitiated {
		t.Errorf("expected uninitiated, got %s", txn.Status)
	}
	if tuple.Text != "Ready to process payment" {
		t.Errorf("unexpected display %q", tuple.Text)
	}
}
