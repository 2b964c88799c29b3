// Package sources contains the three status source adapters: a timed poll,
// a websocket push listener, and an on-demand direct query. All three
// normalize provider responses into candidates and forward them to a shared
// sink; none of them touches transaction state directly.
package sources

import (
	"context"

	"github.com/ashendes/payment-reconciler/internal/models"
)

// Source names, used for logging and metrics labels.
const (
	SourcePoll  = "poll"
	SourcePush  = "push"
	SourceQuery = "query"
)

// Sink receives candidates from a source. Implementations must be safe for
// concurrent use; adapters may call it from their own goroutines.
type Sink func(source string, c models.Candidate)

// StatusChecker fetches the last known status for a correlation id.
type StatusChecker interface {
	CheckStatus(ctx context.Context, correlationID string) (models.Candidate, error)
}

// StatusQuerier queries the authoritative provider endpoint directly.
type StatusQuerier interface {
	QueryStatus(ctx context.Context, req models.QueryStatusRequest) (models.Candidate, error)
}
