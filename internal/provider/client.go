package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ashendes/payment-reconciler/internal/metrics"
	"github.com/ashendes/payment-reconciler/internal/models"
	"github.com/ashendes/payment-reconciler/internal/patterns"
	"github.com/go-resty/resty/v2"
	log "github.com/sirupsen/logrus"
)

// Client talks to the payment provider's HTTP API. It covers the three
// operations the reconciler consumes: submit, poll by correlation id, and
// direct query by correlation id or receipt reference. The poll path runs
// through a circuit breaker so a degraded provider cannot soak every tick
// in a timeout.
type Client struct {
	http        *resty.Client
	baseURL     string
	pollCircuit *patterns.CircuitBreakerWrapper
}

// New creates a provider client for the given base URL.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		http: resty.New().
			SetTimeout(timeout).
			SetRetryCount(0), // retrying is the status sources' job
		baseURL:     baseURL,
		pollCircuit: patterns.NewCircuitBreaker("PollStatus", "payment-reconciler"),
	}
}

// Submit initiates an STK push and returns the provider-assigned
// correlation id. It is issued at most once per attempt; the provider does
// not guarantee idempotency on network retry.
func (c *Client) Submit(ctx context.Context, req models.PaymentRequest) (string, error) {
	body := models.SubmitPaymentRequest{
		Phone:    req.PayerContact,
		Amount:   req.Amount,
		SellerID: req.PayeeID,
		Memo:     req.Memo,
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(c.baseURL + "/pay/stkpush")
	if err != nil {
		return "", fmt.Errorf("submit payment: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("submit payment: provider returned status %d: %s", resp.StatusCode(), resp.String())
	}

	var ack models.SubmitPaymentResponse
	if err := json.Unmarshal(resp.Body(), &ack); err != nil {
		return "", fmt.Errorf("submit payment: failed to parse response: %w", err)
	}
	if ack.CheckoutRequestID == "" {
		return "", fmt.Errorf("submit payment: provider returned no correlation id")
	}

	log.WithFields(log.Fields{
		"correlation_id": ack.CheckoutRequestID,
		"amount":         req.Amount,
	}).Info("Payment submitted")

	return ack.CheckoutRequestID, nil
}

// CheckStatus fetches the last known status for a correlation id. Used by
// the poll source on every tick.
func (c *Client) CheckStatus(ctx context.Context, correlationID string) (models.Candidate, error) {
	result, err := c.pollCircuit.Execute(func() (interface{}, error) {
		cand, err := c.fetchStatus(ctx, "/pay/check-status", models.CheckStatusRequest{
			CheckoutRequestID: correlationID,
		})
		if err != nil {
			return nil, err
		}
		return cand, nil
	})
	if err != nil {
		metrics.PollRequestsTotal.WithLabelValues("error").Inc()
		return models.Candidate{}, patterns.FormatError("PollStatus", err)
	}

	metrics.PollRequestsTotal.WithLabelValues("ok").Inc()
	return result.(models.Candidate), nil
}

// QueryStatus queries the authoritative provider endpoint directly. Invoked
// on demand, never retried automatically.
func (c *Client) QueryStatus(ctx context.Context, req models.QueryStatusRequest) (models.Candidate, error) {
	if req.CheckoutRequestID == "" && req.ReceiptReference == "" {
		return models.Candidate{}, fmt.Errorf("query status: correlation id or receipt reference required")
	}
	return c.fetchStatus(ctx, "/pay/transaction-status", req)
}

// BreakerState returns the poll circuit's current state for diagnostics.
func (c *Client) BreakerState() string {
	return c.pollCircuit.GetState()
}

func (c *Client) fetchStatus(ctx context.Context, path string, body interface{}) (models.Candidate, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(c.baseURL + path)
	if err != nil {
		return models.Candidate{}, fmt.Errorf("status request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return models.Candidate{}, fmt.Errorf("status request: provider returned status %d: %s", resp.StatusCode(), resp.String())
	}

	var envelope models.StatusEnvelope
	if err := json.Unmarshal(resp.Body(), &envelope); err != nil {
		return models.Candidate{}, fmt.Errorf("status request: failed to parse response: %w", err)
	}

	cand, err := envelope.Data.Candidate()
	if err != nil {
		return models.Candidate{}, fmt.Errorf("status request: %w", err)
	}
	return cand, nil
}
