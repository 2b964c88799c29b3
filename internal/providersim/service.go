// Package providersim implements an in-memory payment provider used for
// demos and integration exercise: STK push submission, status polling,
// authoritative queries, a websocket push channel, and chaos toggles for
// failure and latency injection.
package providersim

import (
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ashendes/payment-reconciler/internal/metrics"
	"github.com/ashendes/payment-reconciler/internal/models"
	"github.com/ashendes/payment-reconciler/internal/patterns"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Service holds the simulator's transaction store and chaos switches.
type Service struct {
	transactions map[string]*models.TransactionPayload // keyed by correlation id
	byReceipt    map[string]string                     // receipt -> correlation id
	mutex        sync.RWMutex

	chaosEnabled  bool
	chaosSlowMode bool
	chaosMutex    sync.RWMutex

	hub           *hub
	queryBulkhead *patterns.Bulkhead
}

// New creates an empty simulator.
func New() *Service {
	return &Service{
		transactions:  make(map[string]*models.TransactionPayload),
		byReceipt:     make(map[string]string),
		hub:           newHub(),
		queryBulkhead: patterns.NewBulkhead(10, "transaction-status", "provider-sim"),
	}
}

// Router builds the simulator's HTTP surface.
func (s *Service) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(metrics.PrometheusMiddleware("provider-sim"))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	router.GET("/provider/status", s.getStatus)

	// Payment endpoints
	router.POST("/pay/stkpush", s.submitPayment)
	router.POST("/pay/check-status", s.checkStatus)
	router.POST("/pay/transaction-status", s.queryStatus)

	// Driver endpoints to force a transaction terminal
	router.POST("/pay/complete/:correlationId", s.completePayment)
	router.POST("/pay/fail/:correlationId", s.failPayment)

	// Push channel
	router.GET("/ws", s.serveWS)

	// Chaos engineering endpoints
	router.POST("/chaos/provider/enable", s.enableChaos)
	router.POST("/chaos/provider/disable", s.disableChaos)
	router.POST("/chaos/provider/slow", s.enableSlowMode)
	router.POST("/chaos/provider/slow/disable", s.disableSlowMode)

	// Metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return router
}

func (s *Service) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service":         "provider-sim",
		"status":          "healthy",
		"chaos_enabled":   s.getChaosEnabled(),
		"chaos_slow_mode": s.getSlowMode(),
		"timestamp":       time.Now().Format(time.RFC3339),
	})
}

func (s *Service) submitPayment(c *gin.Context) {
	var req models.SubmitPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request: " + err.Error(),
		})
		return
	}

	if err := s.simulateChaos(); err != nil {
		log.WithField("phone", req.Phone).Warn("Chaos: Simulated submit failure")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Provider temporarily unavailable: " + err.Error(),
		})
		return
	}

	correlationID := "ws_CO_" + strings.ReplaceAll(uuid.New().String(), "-", "")
	txn := &models.TransactionPayload{
		ID:                uuid.New().String(),
		CheckoutRequestID: correlationID,
		Amount:            req.Amount,
		Status:            string(models.StatusPending),
	}

	s.mutex.Lock()
	s.transactions[correlationID] = txn
	s.mutex.Unlock()

	log.WithFields(log.Fields{
		"correlation_id": correlationID,
		"phone":          req.Phone,
		"amount":         req.Amount,
	}).Info("STK push initiated")

	c.JSON(http.StatusOK, models.SubmitPaymentResponse{
		CheckoutRequestID: correlationID,
		Message:           "STK push initiated. Check your phone to complete the payment.",
	})
}

func (s *Service) checkStatus(c *gin.Context) {
	var req models.CheckStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	if err := s.simulateChaos(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Provider temporarily unavailable"})
		return
	}

	s.mutex.RLock()
	txn, exists := s.transactions[req.CheckoutRequestID]
	s.mutex.RUnlock()

	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "Transaction not found"})
		return
	}

	c.JSON(http.StatusOK, models.StatusEnvelope{Data: txn})
}

func (s *Service) queryStatus(c *gin.Context) {
	var req models.QueryStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}
	if req.CheckoutRequestID == "" && req.ReceiptReference == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "checkoutRequestID or receiptReference required"})
		return
	}

	// The authoritative query is the expensive path; isolate it so a burst
	// of manual refreshes cannot exhaust the simulator.
	err := s.queryBulkhead.Execute(func() error {
		s.mutex.RLock()
		correlationID := req.CheckoutRequestID
		if correlationID == "" {
			correlationID = s.byReceipt[req.ReceiptReference]
		}
		txn, exists := s.transactions[correlationID]
		s.mutex.RUnlock()

		if !exists {
			c.JSON(http.StatusNotFound, gin.H{"error": "Transaction not found"})
			return nil
		}
		c.JSON(http.StatusOK, models.StatusEnvelope{Data: txn})
		return nil
	})
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	}
}

// completePayment forces a transaction to completed and notifies push
// subscribers. A receipt may be supplied in the body; one is generated
// otherwise.
func (s *Service) completePayment(c *gin.Context) {
	correlationID := c.Param("correlationId")

	var body struct {
		Receipt string `json:"receipt"`
	}
	_ = c.ShouldBindJSON(&body)
	if body.Receipt == "" {
		body.Receipt = "MPX" + strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:7])
	}

	txn := s.transition(correlationID, func(t *models.TransactionPayload) {
		t.Status = string(models.StatusCompleted)
		t.ResultCode = 0
		t.ResultDesc = "The service request is processed successfully."
		t.MpesaReceiptNumber = body.Receipt
	})
	if txn == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Transaction not found"})
		return
	}

	s.mutex.Lock()
	s.byReceipt[body.Receipt] = correlationID
	s.mutex.Unlock()

	s.hub.broadcast(correlationID, models.PushMessage{
		Type:        models.PushTypePaymentUpdate,
		Transaction: txn,
	})

	log.WithFields(log.Fields{
		"correlation_id": correlationID,
		"receipt":        body.Receipt,
	}).Info("Payment completed")

	c.JSON(http.StatusOK, models.StatusEnvelope{Data: txn})
}

// failPayment forces a transaction to failed and notifies push subscribers.
func (s *Service) failPayment(c *gin.Context) {
	correlationID := c.Param("correlationId")

	var body struct {
		ResultCode int    `json:"resultCode"`
		ResultDesc string `json:"resultDesc"`
	}
	_ = c.ShouldBindJSON(&body)
	if body.ResultDesc == "" {
		body.ResultDesc = "The transaction was cancelled by the user."
	}
	if body.ResultCode == 0 {
		body.ResultCode = 1032
	}

	txn := s.transition(correlationID, func(t *models.TransactionPayload) {
		t.Status = string(models.StatusFailed)
		t.ResultCode = body.ResultCode
		t.ResultDesc = body.ResultDesc
	})
	if txn == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Transaction not found"})
		return
	}

	s.hub.broadcast(correlationID, models.PushMessage{
		Type:        models.PushTypePaymentUpdate,
		Transaction: txn,
	})

	log.WithFields(log.Fields{
		"correlation_id": correlationID,
		"result_code":    body.ResultCode,
	}).Info("Payment failed")

	c.JSON(http.StatusOK, models.StatusEnvelope{Data: txn})
}

// transition applies fn to a stored transaction unless it is already
// terminal, and returns a copy, or nil when unknown.
func (s *Service) transition(correlationID string, fn func(*models.TransactionPayload)) *models.TransactionPayload {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	txn, exists := s.transactions[correlationID]
	if !exists {
		return nil
	}
	if !models.Status(txn.Status).Terminal() {
		fn(txn)
	}
	cp := *txn
	return &cp
}

func (s *Service) enableChaos(c *gin.Context) {
	s.setChaosEnabled(true)
	metrics.ChaosFailureRate.WithLabelValues("provider-sim").Set(1)

	log.Info("Chaos mode ENABLED for provider simulator")
	c.JSON(http.StatusOK, gin.H{
		"message": "Chaos mode enabled",
		"info":    "30% of requests will fail randomly",
	})
}

func (s *Service) disableChaos(c *gin.Context) {
	s.setChaosEnabled(false)
	s.setSlowMode(false)
	metrics.ChaosFailureRate.WithLabelValues("provider-sim").Set(0)
	metrics.ChaosSlowMode.WithLabelValues("provider-sim").Set(0)

	log.Info("Chaos mode DISABLED for provider simulator")
	c.JSON(http.StatusOK, gin.H{
		"message": "Chaos mode disabled",
	})
}

func (s *Service) enableSlowMode(c *gin.Context) {
	s.setSlowMode(true)
	metrics.ChaosSlowMode.WithLabelValues("provider-sim").Set(1)

	log.Info("Slow mode ENABLED for provider simulator")
	c.JSON(http.StatusOK, gin.H{
		"message": "Slow mode enabled",
		"info":    "Requests will have 2-5 second delays",
	})
}

func (s *Service) disableSlowMode(c *gin.Context) {
	s.setSlowMode(false)
	metrics.ChaosSlowMode.WithLabelValues("provider-sim").Set(0)

	log.Info("Slow mode DISABLED for provider simulator")
	c.JSON(http.StatusOK, gin.H{
		"message": "Slow mode disabled",
	})
}

// Helper methods
func (s *Service) setChaosEnabled(enabled bool) {
	s.chaosMutex.Lock()
	defer s.chaosMutex.Unlock()
	s.chaosEnabled = enabled
}

func (s *Service) getChaosEnabled() bool {
	s.chaosMutex.RLock()
	defer s.chaosMutex.RUnlock()
	return s.chaosEnabled
}

func (s *Service) setSlowMode(enabled bool) {
	s.chaosMutex.Lock()
	defer s.chaosMutex.Unlock()
	s.chaosSlowMode = enabled
}

func (s *Service) getSlowMode() bool {
	s.chaosMutex.RLock()
	defer s.chaosMutex.RUnlock()
	return s.chaosSlowMode
}

func (s *Service) simulateChaos() error {
	if s.getSlowMode() {
		delay := time.Duration(2000+rand.Intn(3000)) * time.Millisecond
		log.WithField("delay_ms", delay.Milliseconds()).Debug("Chaos: Simulating slow response")
		time.Sleep(delay)
	}

	if s.getChaosEnabled() {
		// 30% failure rate
		if rand.Float32() < 0.3 {
			return gin.Error{Err: http.ErrAbortHandler, Type: gin.ErrorTypePublic}
		}
	}

	return nil
}
