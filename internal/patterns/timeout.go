package patterns

import (
	"context"
	"time"
)

// WithTimeout creates a context with timeout for fail-fast behavior
func WithTimeout(duration time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), duration)
}

// DefaultTimeout is the default timeout for HTTP requests
const DefaultTimeout = 3 * time.Second

// DefaultPollInterval is the default delay between status polls
const DefaultPollInterval = 5 * time.Second

// DefaultAttemptBudget is the default wall-clock budget for one payment attempt
const DefaultAttemptBudget = 120 * time.Second
