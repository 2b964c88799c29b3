package patterns

import (
	"fmt"
	"time"

	"github.com/ashendes/payment-reconciler/internal/metrics"
)

// Bulkhead caps concurrent calls into one downstream path with a buffered
// semaphore. The provider simulator isolates the authoritative
// transaction-status query behind one so a stampede of manual status
// checks cannot starve submits and polls.
type Bulkhead struct {
	semaphore chan struct{}
	name      string
	service   string
}

// NewBulkhead creates a bulkhead admitting at most size concurrent calls
func NewBulkhead(size int, name, service string) *Bulkhead {
	return &Bulkhead{
		semaphore: make(chan struct{}, size),
		name:      name,
		service:   service,
	}
}

// Execute runs fn inside the bulkhead. Callers held past capacity for more
// than a second are rejected; a manual status check surfaces that as a
// retryable error rather than queueing behind the stampede.
func (b *Bulkhead) Execute(fn func() error) error {
	select {
	case b.semaphore <- struct{}{}:
		metrics.BulkheadActiveRequests.WithLabelValues(b.service, b.name).Inc()

		defer func() {
			<-b.semaphore
			metrics.BulkheadActiveRequests.WithLabelValues(b.service, b.name).Dec()
		}()

		return fn()

	case <-time.After(1 * time.Second):
		metrics.BulkheadRejectedRequests.WithLabelValues(b.service, b.name).Inc()
		return fmt.Errorf("bulkhead %s: timeout acquiring resource", b.name)
	}
}

// GetName returns the bulkhead name
func (b *Bulkhead) GetName() string {
	return b.name
}
