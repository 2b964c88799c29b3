package models

import "fmt"

// Wire shapes for the payment provider's HTTP and websocket interfaces.
// Field names follow the provider's camelCase JSON.

// SubmitPaymentRequest initiates an STK push to the payer's phone.
type SubmitPaymentRequest struct {
	Phone    string  `json:"phone" binding:"required"`
	Amount   float64 `json:"amount" binding:"required,gt=0"`
	SellerID string  `json:"sellerId" binding:"required"`
	Memo     string  `json:"memo,omitempty"`
}

// SubmitPaymentResponse acknowledges a submission with the correlation id
// used for all subsequent push/poll/query traffic.
type SubmitPaymentResponse struct {
	CheckoutRequestID string `json:"checkoutRequestID"`
	Message           string `json:"message,omitempty"`
}

// CheckStatusRequest asks for the last known status by correlation id.
type CheckStatusRequest struct {
	CheckoutRequestID string `json:"checkoutRequestID" binding:"required"`
}

// QueryStatusRequest asks the authoritative provider endpoint directly,
// by correlation id or receipt reference. At least one must be set.
type QueryStatusRequest struct {
	CheckoutRequestID string `json:"checkoutRequestID,omitempty"`
	ReceiptReference  string `json:"receiptReference,omitempty"`
}

// TransactionPayload is the provider's view of a transaction, carried in
// status responses and push updates.
type TransactionPayload struct {
	ID                 string  `json:"_id,omitempty"`
	CheckoutRequestID  string  `json:"checkoutRequestID,omitempty"`
	Amount             float64 `json:"amount,omitempty"`
	Status             string  `json:"status"`
	ResultCode         int     `json:"resultCode,omitempty"`
	ResultDesc         string  `json:"resultDesc,omitempty"`
	MpesaReceiptNumber string  `json:"mpesaReceiptNumber,omitempty"`
}

// StatusEnvelope wraps status responses from the provider.
type StatusEnvelope struct {
	Data *TransactionPayload `json:"data"`
}

// Candidate normalizes the provider payload into the shape the reconciler
// consumes. Payloads with an unknown status are malformed and never reach
// the reconciler.
func (p *TransactionPayload) Candidate() (Candidate, error) {
	if p == nil {
		return Candidate{}, fmt.Errorf("empty transaction payload")
	}
	status := Status(p.Status)
	if !status.Valid() || status == StatusUninitiated {
		return Candidate{}, fmt.Errorf("unknown transaction status %q", p.Status)
	}
	return Candidate{
		Status:            status,
		ResultCode:        p.ResultCode,
		ResultDescription: p.ResultDesc,
		ReceiptReference:  p.MpesaReceiptNumber,
	}, nil
}

// Push channel message types
const (
	PushTypeSubscribe     = "subscribe"
	PushTypePaymentUpdate = "payment_update"
)

// PushMessage is the envelope exchanged on the push channel. A client sends
// {type: subscribe, checkoutRequestID} after connecting; the provider sends
// {type: payment_update, transaction} for subscribed correlation ids.
type PushMessage struct {
	Type              string              `json:"type"`
	Message           string              `json:"message,omitempty"`
	CheckoutRequestID string              `json:"checkoutRequestID,omitempty"`
	Transaction       *TransactionPayload `json:"transaction,omitempty"`
}
