// Package reconcile merges status candidates from all sources into one
// authoritative transaction state and owns the attempt lifecycle: the
// wall-clock budget, source teardown and clean resets between attempts.
package reconcile

import (
	"sync"
	"time"

	"github.com/ashendes/payment-reconciler/internal/display"
	"github.com/ashendes/payment-reconciler/internal/metrics"
	"github.com/ashendes/payment-reconciler/internal/models"
	log "github.com/sirupsen/logrus"
)

// Event is delivered to the caller on every accepted candidate and once on
// timeout. Transaction is a snapshot, safe to retain.
type Event struct {
	Transaction models.Transaction
	Display     display.Tuple
	Source      string
	Terminal    bool
	TimedOut    bool
}

// Callback receives state-change events, delivered in acceptance order. It
// is invoked from reconciler goroutines and must not block for long or
// re-enter the reconciler (for example by calling RefreshStatus
// synchronously).
type Callback func(Event)

// Reconciler is the single merge point for candidates from all sources.
// It is the only writer of the transaction; sources are read-only
// producers. The provider supplies no reliable timestamps, so no ordering
// is attempted between sources: the first terminal candidate accepted wins
// and every later candidate is rejected.
type Reconciler struct {
	mu sync.Mutex // guards txn

	// emitMu serializes settlement decisions and event delivery: a
	// terminal candidate and the budget expiring can race, and the caller
	// must observe exactly one of them settling the attempt.
	emitMu sync.Mutex

	txn        *models.Transaction
	notify     Callback
	onTerminal func(cause Cause)
	armed      func() bool
	elapsed    func() time.Duration
}

func newReconciler(txn *models.Transaction, notify Callback, onTerminal func(Cause), armed func() bool, elapsed func() time.Duration) *Reconciler {
	return &Reconciler{
		txn:        txn,
		notify:     notify,
		onTerminal: onTerminal,
		armed:      armed,
		elapsed:    elapsed,
	}
}

// Accept folds one candidate into the transaction. Rejections (duplicates
// and post-terminal deliveries) are logged and counted but have no
// observable effect. On an accepted terminal candidate the lifecycle
// teardown is triggered before the terminal event is emitted.
func (r *Reconciler) Accept(source string, c models.Candidate) {
	r.accept(source, c, nil)
}

// AcceptWhile folds a candidate only while live still holds. The check runs
// under the same serialization as settlement, so a delivery racing the
// budget expiry can never land after the attempt has settled.
func (r *Reconciler) AcceptWhile(live func() bool, source string, c models.Candidate) {
	r.accept(source, c, live)
}

func (r *Reconciler) accept(source string, c models.Candidate, live func() bool) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	if live != nil && !live() {
		metrics.CandidatesTotal.WithLabelValues(source, "stale").Inc()
		return
	}

	r.mu.Lock()
	wasTerminal := r.txn.Status.Terminal()
	accepted := r.txn.ApplyUpdate(c, time.Now())
	snap := r.txn.Snapshot()
	r.mu.Unlock()

	if !accepted {
		outcome := "duplicate"
		if wasTerminal {
			outcome = "post_terminal"
		}
		metrics.CandidatesTotal.WithLabelValues(source, outcome).Inc()
		log.WithFields(log.Fields{
			"correlation_id": snap.CorrelationID,
			"source":         source,
			"status":         c.Status,
			"outcome":        outcome,
		}).Debug("Rejected status candidate")
		return
	}

	metrics.CandidatesTotal.WithLabelValues(source, "accepted").Inc()

	if snap.Status.Terminal() {
		log.WithFields(log.Fields{
			"correlation_id": snap.CorrelationID,
			"source":         source,
			"status":         snap.Status,
			"receipt":        snap.ReceiptReference,
		}).Info("Payment reached terminal state")

		r.onTerminal(causeFor(snap.Status))
		r.notify(Event{
			Transaction: snap,
			Display:     display.Render(snap.Status, false, r.elapsed()),
			Source:      source,
			Terminal:    true,
		})
		return
	}

	r.notify(Event{
		Transaction: snap,
		Display:     display.Render(snap.Status, r.armed(), r.elapsed()),
		Source:      source,
	})
}

// ExpireBudget settles the attempt as timed out unless a terminal
// candidate was already accepted. The decision and the timeout event are
// serialized with candidate delivery: whichever side settles first wins
// and the other has no observable effect.
func (r *Reconciler) ExpireBudget(settle func() bool) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	snap := r.Current()
	if snap.Status.Terminal() {
		// The terminal path owns settlement.
		return
	}
	if !settle() {
		return
	}

	r.notify(Event{
		Transaction: snap,
		Display:     display.Render(snap.Status, false, r.elapsed()),
		Source:      "timeout",
		TimedOut:    true,
	})
}

// Current returns a snapshot of the reconciled transaction.
func (r *Reconciler) Current() models.Transaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.txn.Snapshot()
}

func causeFor(s models.Status) Cause {
	if s == models.StatusCompleted {
		return CauseCompleted
	}
	return CauseFailed
}
