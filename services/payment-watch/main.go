// payment-watch submits one payment against the configured provider and
// logs reconciled display states until the attempt settles. Useful for
// driving the reconciler against the provider simulator by hand:
//
//	PROVIDER_URL=http://localhost:5000 PUSH_WS_URL=ws://localhost:5000/ws \
//	  go run ./services/payment-watch
//
// then force a terminal state via the simulator's driver endpoints.
package main

import (
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ashendes/payment-reconciler/internal/config"
	"github.com/ashendes/payment-reconciler/internal/models"
	"github.com/ashendes/payment-reconciler/internal/patterns"
	"github.com/ashendes/payment-reconciler/internal/provider"
	"github.com/ashendes/payment-reconciler/internal/reconcile"
	log "github.com/sirupsen/logrus"
)

func init() {
	log.SetFormatter(&log.JSONFormatter{})
	log.SetLevel(log.InfoLevel)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	cfg := config.Load()

	amount, err := strconv.ParseFloat(getEnv("PAY_AMOUNT", "500"), 64)
	if err != nil {
		log.Fatal("Invalid PAY_AMOUNT: ", err)
	}
	req := models.PaymentRequest{
		Amount:       amount,
		PayerContact: getEnv("PAY_PHONE", "254712345678"),
		PayeeID:      getEnv("PAY_SELLER", "S1"),
		Memo:         getEnv("PAY_MEMO", "payment-watch demo"),
	}

	client := provider.New(cfg.ProviderURL, cfg.HTTPTimeout)

	done := make(chan reconcile.Event, 1)
	controller := reconcile.NewController(client, func(ev reconcile.Event) {
		log.WithFields(log.Fields{
			"status":  ev.Transaction.Status,
			"source":  ev.Source,
			"display": ev.Display.Text,
		}).Info("State change")

		if ev.Terminal || ev.TimedOut {
			select {
			case done <- ev:
			default:
			}
		}
	}, reconcile.OptionsFromConfig(cfg))

	ctx, cancel := patterns.WithTimeout(cfg.HTTPTimeout)
	correlationID, err := controller.Start(ctx, req)
	cancel()
	if err != nil {
		log.Fatal("Failed to start payment attempt: ", err)
	}
	log.WithField("correlation_id", correlationID).Info("Watching payment attempt")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	// Enter triggers a manual status check, like the storefront's
	// "check again" button.
	refresh := make(chan struct{})
	go func() {
		buf := make([]byte, 1)
		for {
			if _, err := os.Stdin.Read(buf); err != nil {
				return
			}
			if buf[0] == '\n' {
				refresh <- struct{}{}
			}
		}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, tuple := controller.Snapshot()
			log.WithField("display", tuple.Text).Info("Waiting")
		case <-refresh:
			ctx, cancel := patterns.WithTimeout(cfg.HTTPTimeout)
			controller.RefreshStatus(ctx)
			cancel()
			log.Info("Manual status check issued")
		case ev := <-done:
			log.WithFields(log.Fields{
				"status":  ev.Transaction.Status,
				"receipt": ev.Transaction.ReceiptReference,
				"cause":   controller.Cause(),
			}).Info("Attempt settled")
			if ev.TimedOut {
				// The payment may still complete server-side; stay up
				// so a manual check can land a late terminal state.
				continue
			}
			return
		case <-sigs:
			controller.Abort()
			log.Info("Aborted")
			return
		}
	}
}
