package main

import (
	"math/rand"
	"os"
	"time"

	"github.com/ashendes/payment-reconciler/internal/providersim"
	log "github.com/sirupsen/logrus"
)

func init() {
	// Initialize logger
	log.SetFormatter(&log.JSONFormatter{})
	log.SetLevel(log.InfoLevel)

	// Seed random number generator
	rand.Seed(time.Now().UnixNano())
}

func main() {
	port := os.Getenv("PROVIDER_PORT")
	if port == "" {
		port = "5000"
	}

	service := providersim.New()
	router := service.Router()

	log.Info("Provider simulator starting on port ", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatal("Failed to start server: ", err)
	}
}
