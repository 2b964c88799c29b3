package models

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of one payment attempt.
type Status string

// Transaction status constants
const (
	StatusUninitiated Status = "uninitiated"
	StatusPending     Status = "pending"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// Terminal reports whether no further status transitions are permitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a status the provider is allowed to report.
func (s Status) Valid() bool {
	switch s {
	case StatusUninitiated, StatusPending, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Candidate is a single status observation from one source, not yet
// accepted into the transaction.
type Candidate struct {
	Status            Status `json:"status"`
	ResultCode        int    `json:"result_code,omitempty"`
	ResultDescription string `json:"result_description,omitempty"`
	ReceiptReference  string `json:"receipt_reference,omitempty"`
}

// Transaction represents one payment attempt
type Transaction struct {
	ID                string    `json:"id,omitempty"`
	CorrelationID     string    `json:"correlation_id"`
	Amount            float64   `json:"amount"`
	PayerContact      string    `json:"payer_contact"`
	PayeeID           string    `json:"payee_id"`
	Memo              string    `json:"memo,omitempty"`
	Status            Status    `json:"status"`
	ResultCode        int       `json:"result_code,omitempty"`
	ResultDescription string    `json:"result_description,omitempty"`
	ReceiptReference  string    `json:"receipt_reference,omitempty"`
	LastUpdatedAt     time.Time `json:"last_updated_at"`

	lastAccepted *Candidate
}

// ApplyUpdate folds a candidate into the transaction and reports whether it
// was accepted. A candidate is rejected once the transaction is terminal
// (terminal is final), and a pending candidate that exactly repeats the last
// accepted observation is rejected as a duplicate. Rejection is a normal
// outcome, not an error.
func (t *Transaction) ApplyUpdate(c Candidate, now time.Time) bool {
	if t.Status.Terminal() {
		return false
	}
	if c.Status == StatusPending && t.lastAccepted != nil && *t.lastAccepted == c {
		return false
	}

	t.Status = c.Status
	t.LastUpdatedAt = now
	if c.Status.Terminal() {
		t.ResultCode = c.ResultCode
		t.ResultDescription = c.ResultDescription
	}
	if c.Status == StatusCompleted {
		t.ReceiptReference = c.ReceiptReference
	}

	accepted := c
	t.lastAccepted = &accepted
	return true
}

// PaymentRequest is the caller's input for one payment attempt. Fields are
// immutable once submitted.
type PaymentRequest struct {
	Amount       float64 `json:"amount" binding:"required,gt=0"`
	PayerContact string  `json:"phone" binding:"required"`
	PayeeID      string  `json:"seller_id" binding:"required"`
	Memo         string  `json:"memo,omitempty"`
}

// NewTransaction creates an uninitiated transaction for a composed request.
func NewTransaction(req PaymentRequest) *Transaction {
	return &Transaction{
		Amount:       req.Amount,
		PayerContact: req.PayerContact,
		PayeeID:      req.PayeeID,
		Memo:         req.Memo,
		Status:       StatusUninitiated,
	}
}

// Acknowledge records the provider's submission acknowledgment: the attempt
// gains its correlation id and moves to pending. The correlation id is
// assigned exactly once per attempt.
func (t *Transaction) Acknowledge(correlationID string, now time.Time) error {
	if t.CorrelationID != "" {
		return fmt.Errorf("transaction already acknowledged with correlation id %s", t.CorrelationID)
	}
	t.CorrelationID = correlationID
	t.Status = StatusPending
	t.LastUpdatedAt = now
	return nil
}

// Snapshot returns a copy safe to hand across goroutine boundaries.
func (t *Transaction) Snapshot() Transaction {
	cp := *t
	cp.lastAccepted = nil
	return cp
}
