package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ashendes/payment-reconciler/internal/config"
	"github.com/ashendes/payment-reconciler/internal/display"
	"github.com/ashendes/payment-reconciler/internal/metrics"
	"github.com/ashendes/payment-reconciler/internal/models"
	"github.com/ashendes/payment-reconciler/internal/patterns"
	"github.com/ashendes/payment-reconciler/internal/sources"
	log "github.com/sirupsen/logrus"
)

// State is the lifecycle controller's state for the current attempt.
type State string

// Lifecycle states
const (
	StateIdle    State = "idle"
	StateArmed   State = "armed"
	StateSettled State = "settled"
)

// Cause records why an attempt settled.
type Cause string

// Settlement causes
const (
	CauseCompleted Cause = "completed"
	CauseFailed    Cause = "failed"
	CauseTimedOut  Cause = "timed_out"
	CauseAborted   Cause = "aborted"
)

// Submitter initiates a payment and returns the provider-assigned
// correlation id.
type Submitter interface {
	Submit(ctx context.Context, req models.PaymentRequest) (string, error)
}

// Provider is the full set of provider operations the controller consumes.
type Provider interface {
	Submitter
	sources.StatusChecker
	sources.StatusQuerier
}

// Options tune one controller. Zero values fall back to the defaults the
// storefront uses: 5s polls, 120s budget, fixed 3s reconnects.
type Options struct {
	PushURL          string
	PollInterval     time.Duration
	AttemptBudget    time.Duration
	ReconnectBackoff patterns.BackoffPolicy
}

// OptionsFromConfig builds controller options from environment config.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		PushURL:          cfg.PushURL,
		PollInterval:     cfg.PollInterval,
		AttemptBudget:    cfg.AttemptBudget,
		ReconnectBackoff: patterns.FixedBackoff{Delay: cfg.ReconnectDelay},
	}
}

// attemptScope owns every resource tied to one armed attempt: the cancel
// context feeding the sources and the budget timer. Release runs at most
// once; later calls are no-ops regardless of cause.
type attemptScope struct {
	ctx       context.Context
	cancel    context.CancelFunc
	timer     *time.Timer
	startedAt time.Time
	once      sync.Once
}

func (s *attemptScope) release() bool {
	won := false
	s.once.Do(func() {
		won = true
		s.cancel()
		if s.timer != nil {
			s.timer.Stop()
		}
	})
	return won
}

// Controller owns one payment attempt at a time: it submits the request,
// arms the status sources and the wall-clock budget, and guarantees every
// resource is released exactly once on whichever exit fires first
// (terminal candidate, timeout, or abort). Exactly one attempt may be
// armed at a time.
type Controller struct {
	provider Submitter
	checker  sources.StatusChecker
	querier  sources.StatusQuerier
	notify   Callback
	opts     Options

	mu    sync.Mutex
	state State
	cause Cause
	rec   *Reconciler
	scope *attemptScope
}

// NewController wires a controller to a provider and a caller callback.
func NewController(p Provider, notify Callback, opts Options) *Controller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = patterns.DefaultPollInterval
	}
	if opts.AttemptBudget <= 0 {
		opts.AttemptBudget = patterns.DefaultAttemptBudget
	}
	if opts.ReconnectBackoff == nil {
		opts.ReconnectBackoff = patterns.DefaultReconnectBackoff
	}
	if notify == nil {
		notify = func(Event) {}
	}
	return &Controller{
		provider: p,
		checker:  p,
		querier:  p,
		notify:   notify,
		opts:     opts,
		state:    StateIdle,
	}
}

// Start begins a new payment attempt and returns its correlation id. It
// fails fast if an attempt is already armed. The supplied context bounds
// only the synchronous submit call; the attempt itself lives until it
// settles or is aborted.
func (c *Controller) Start(ctx context.Context, req models.PaymentRequest) (string, error) {
	c.mu.Lock()
	if c.state == StateArmed {
		c.mu.Unlock()
		return "", fmt.Errorf("a payment attempt is already in progress")
	}
	// Mark armed before submitting so a concurrent Start fails fast.
	c.state = StateArmed
	c.cause = ""
	c.mu.Unlock()

	correlationID, err := c.provider.Submit(ctx, req)
	if err != nil {
		c.mu.Lock()
		c.state = StateIdle
		c.mu.Unlock()
		return "", fmt.Errorf("start payment attempt: %w", err)
	}

	txn := models.NewTransaction(req)
	if err := txn.Acknowledge(correlationID, time.Now()); err != nil {
		c.mu.Lock()
		c.state = StateIdle
		c.mu.Unlock()
		return "", err
	}

	attemptCtx, cancel := context.WithCancel(context.Background())
	scope := &attemptScope{
		ctx:       attemptCtx,
		cancel:    cancel,
		startedAt: time.Now(),
	}

	rec := newReconciler(txn, c.notify,
		func(cause Cause) { c.settle(scope, cause) },
		func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			return c.state == StateArmed && c.scope == scope
		},
		func() time.Duration { return time.Since(scope.startedAt) },
	)

	scope.timer = time.AfterFunc(c.opts.AttemptBudget, func() {
		rec.ExpireBudget(func() bool { return c.settle(scope, CauseTimedOut) })
	})

	c.mu.Lock()
	if c.state != StateArmed || scope.ctx.Err() != nil {
		// An abort landed between submit and arming.
		c.mu.Unlock()
		scope.release()
		return "", fmt.Errorf("start payment attempt: aborted before sources armed")
	}
	c.rec = rec
	c.scope = scope
	c.mu.Unlock()

	// Late deliveries from a released scope are dropped inside the
	// reconciler's serialization, never after a settlement decision.
	live := func() bool { return scope.ctx.Err() == nil }
	sink := func(source string, cand models.Candidate) {
		rec.AcceptWhile(live, source, cand)
	}

	poller := sources.NewPoller(c.checker, correlationID, c.opts.PollInterval, sink)
	go poller.Run(attemptCtx)

	if c.opts.PushURL != "" {
		listener := sources.NewPushListener(c.opts.PushURL, correlationID, c.opts.ReconnectBackoff, sink)
		go listener.Run(attemptCtx)
	}

	metrics.ActiveAttempts.Inc()
	metrics.PaymentAmount.Observe(req.Amount)

	log.WithFields(log.Fields{
		"correlation_id": correlationID,
		"amount":         req.Amount,
		"budget":         c.opts.AttemptBudget,
	}).Info("Payment attempt armed")

	return correlationID, nil
}

// RefreshStatus issues a single on-demand query against the authoritative
// provider endpoint. It is a no-op unless an attempt is armed or settled
// by timeout (a timed-out transaction may still complete server-side).
// Transport errors are logged, never propagated; the query is not retried.
func (c *Controller) RefreshStatus(ctx context.Context) {
	c.mu.Lock()
	rec := c.rec
	refreshable := c.state == StateArmed || (c.state == StateSettled && c.cause == CauseTimedOut)
	c.mu.Unlock()

	if rec == nil || !refreshable {
		return
	}

	txn := rec.Current()
	req := models.QueryStatusRequest{
		CheckoutRequestID: txn.CorrelationID,
		ReceiptReference:  txn.ReceiptReference,
	}
	err := sources.Query(ctx, c.querier, req, func(source string, cand models.Candidate) {
		rec.Accept(source, cand)
	})
	if err != nil {
		log.WithField("correlation_id", txn.CorrelationID).Warn("Manual status refresh failed: ", err)
	}
}

// Abort forces the controller back to idle, releasing any armed resources.
// Safe to call in any state, any number of times.
func (c *Controller) Abort() {
	c.mu.Lock()
	scope := c.scope
	c.mu.Unlock()

	if scope != nil {
		c.settle(scope, CauseAborted)
	}

	c.mu.Lock()
	c.state = StateIdle
	c.mu.Unlock()
}

// State returns the controller's lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Cause returns why the last attempt settled; empty while idle or armed.
func (c *Controller) Cause() Cause {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// Elapsed returns the wall-clock time since the current attempt was armed.
func (c *Controller) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scope == nil {
		return 0
	}
	return time.Since(c.scope.startedAt)
}

// Snapshot returns the reconciled transaction and its display tuple.
func (c *Controller) Snapshot() (models.Transaction, display.Tuple) {
	c.mu.Lock()
	rec := c.rec
	armed := c.state == StateArmed
	var elapsed time.Duration
	if c.scope != nil {
		elapsed = time.Since(c.scope.startedAt)
	}
	c.mu.Unlock()

	if rec == nil {
		return models.Transaction{Status: models.StatusUninitiated},
			display.Render(models.StatusUninitiated, false, 0)
	}
	txn := rec.Current()
	return txn, display.Render(txn.Status, armed, elapsed)
}

// settle releases the scope's resources and records the cause. Only the
// first cause wins; every later call is a no-op.
func (c *Controller) settle(scope *attemptScope, cause Cause) bool {
	if !scope.release() {
		return false
	}

	c.mu.Lock()
	if c.scope == scope {
		c.state = StateSettled
		c.cause = cause
	}
	c.mu.Unlock()

	metrics.ActiveAttempts.Dec()
	metrics.AttemptsSettledTotal.WithLabelValues(string(cause)).Inc()
	metrics.AttemptDuration.Observe(time.Since(scope.startedAt).Seconds())

	log.WithFields(log.Fields{
		"cause":   cause,
		"elapsed": time.Since(scope.startedAt).Round(time.Millisecond),
	}).Info("Payment attempt settled")

	return true
}
