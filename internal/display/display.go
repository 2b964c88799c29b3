// Package display maps reconciled payment state to user-facing status
// text and iconography. Pure, no side effects.
package display

import (
	"fmt"
	"time"

	"github.com/ashendes/payment-reconciler/internal/models"
)

// Icon identifies the indicator kind the UI should render.
type Icon string

// Icon kinds
const (
	IconSpinner Icon = "spinner"
	IconSuccess Icon = "success"
	IconFailure Icon = "failure"
	IconClock   Icon = "clock"
	IconNone    Icon = "none"
)

// Tuple is one renderable status line.
type Tuple struct {
	Icon Icon   `json:"icon"`
	Text string `json:"text"`
}

// Render maps the current status, the armed flag and the elapsed time to a
// display tuple. Elapsed is only shown while armed, and only once a full
// second has passed.
func Render(status models.Status, armed bool, elapsed time.Duration) Tuple {
	switch {
	case status == models.StatusCompleted:
		return Tuple{Icon: IconSuccess, Text: "Payment successful!"}
	case status == models.StatusFailed:
		return Tuple{Icon: IconFailure, Text: "Payment failed"}
	case status == models.StatusPending && armed:
		if secs := int(elapsed.Seconds()); secs > 0 {
			return Tuple{Icon: IconSpinner, Text: fmt.Sprintf("Waiting for M-Pesa confirmation... (%ds)", secs)}
		}
		return Tuple{Icon: IconSpinner, Text: "Waiting for M-Pesa confirmation..."}
	case status == models.StatusPending:
		return Tuple{Icon: IconClock, Text: "Payment cancelled or timed out"}
	default:
		return Tuple{Icon: IconNone, Text: "Ready to process payment"}
	}
}
