package sources

import (
	"context"
	"time"

	"github.com/ashendes/payment-reconciler/internal/metrics"
	"github.com/ashendes/payment-reconciler/internal/models"
	"github.com/ashendes/payment-reconciler/internal/patterns"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// PushListener maintains a long-lived websocket connection to the provider's
// notification endpoint. It subscribes with the attempt's correlation id
// after every (re)connect and forwards payment updates as candidates. The
// connection is re-established with the injected backoff policy until the
// context is cancelled.
type PushListener struct {
	url           string
	correlationID string
	backoff       patterns.BackoffPolicy
	sink          Sink
}

// NewPushListener creates a push listener for one attempt's correlation id.
// A nil backoff falls back to the default fixed 3s reconnect policy.
func NewPushListener(url, correlationID string, backoff patterns.BackoffPolicy, sink Sink) *PushListener {
	if backoff == nil {
		backoff = patterns.DefaultReconnectBackoff
	}
	return &PushListener{
		url:           url,
		correlationID: correlationID,
		backoff:       backoff,
		sink:          sink,
	}
}

// Run connects, subscribes and consumes updates until ctx is cancelled.
func (l *PushListener) Run(ctx context.Context) {
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return
		}
		if attempt > 1 {
			metrics.PushReconnectsTotal.Inc()
			select {
			case <-ctx.Done():
				return
			case <-time.After(l.backoff.Next(attempt - 1)):
			}
		}

		if err := l.listen(ctx); err != nil && ctx.Err() == nil {
			log.WithFields(log.Fields{
				"correlation_id": l.correlationID,
				"source":         SourcePush,
			}).Warn("Push channel disconnected: ", err)
		}
	}
}

func (l *PushListener) listen(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: patterns.DefaultTimeout}
	conn, _, err := dialer.DialContext(ctx, l.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Force the blocking read loop to unwind when the attempt is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	// Resubscription after a reconnect is idempotent on the provider side.
	sub := models.PushMessage{
		Type:              models.PushTypeSubscribe,
		CheckoutRequestID: l.correlationID,
	}
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}

	log.WithField("correlation_id", l.correlationID).Debug("Push channel subscribed")

	for {
		var msg models.PushMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		if msg.Type != models.PushTypePaymentUpdate || msg.Transaction == nil {
			continue
		}
		if msg.Transaction.CheckoutRequestID != "" && msg.Transaction.CheckoutRequestID != l.correlationID {
			continue
		}

		cand, err := msg.Transaction.Candidate()
		if err != nil {
			metrics.CandidatesTotal.WithLabelValues(SourcePush, "malformed").Inc()
			log.WithField("correlation_id", l.correlationID).Warn("Dropping malformed push update: ", err)
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		l.sink(SourcePush, cand)
	}
}
