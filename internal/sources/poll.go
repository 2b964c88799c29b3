package sources

import (
	"context"
	"time"

	"github.com/ashendes/payment-reconciler/internal/models"
	log "github.com/sirupsen/logrus"
)

// Poller checks the last known status at a fixed interval while the attempt
// is active. Requests are strictly sequential: each tick waits for the prior
// request to resolve before the next one is scheduled, so responses arrive
// in the order requests were issued.
type Poller struct {
	checker       StatusChecker
	correlationID string
	interval      time.Duration
	sink          Sink
}

// NewPoller creates a poller for one attempt's correlation id.
func NewPoller(checker StatusChecker, correlationID string, interval time.Duration, sink Sink) *Poller {
	return &Poller{
		checker:       checker,
		correlationID: correlationID,
		interval:      interval,
		sink:          sink,
	}
}

// Run polls until ctx is cancelled. A response that resolves after
// cancellation is discarded and never reaches the sink, so a late poll
// cannot resurrect a settled attempt.
func (p *Poller) Run(ctx context.Context) {
	timer := time.NewTimer(p.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		cand, err := p.checker.CheckStatus(ctx, p.correlationID)
		if ctx.Err() != nil {
			// Cancelled while the request was in flight.
			return
		}
		if err != nil {
			log.WithFields(log.Fields{
				"correlation_id": p.correlationID,
				"source":         SourcePoll,
			}).Warn("Status poll failed: ", err)
		} else {
			p.sink(SourcePoll, cand)
		}

		timer.Reset(p.interval)
	}
}

// Query issues a single on-demand status query and forwards the result to
// the sink. Transport and malformed-data errors are returned to the caller
// for logging; nothing reaches the sink on error.
func Query(ctx context.Context, querier StatusQuerier, req models.QueryStatusRequest, sink Sink) error {
	cand, err := querier.QueryStatus(ctx, req)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	sink(SourceQuery, cand)
	return nil
}
