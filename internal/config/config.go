package config

import (
	"os"
	"time"
)

// Config holds the reconciler's runtime settings, read from the
// environment with defaults matching the storefront's behavior.
type Config struct {
	ProviderURL    string        // base URL of the payment provider API
	PushURL        string        // websocket URL of the push channel
	HTTPTimeout    time.Duration // per-request timeout for submit/poll/query
	PollInterval   time.Duration // delay between status polls
	ReconnectDelay time.Duration // delay between push reconnect attempts
	AttemptBudget  time.Duration // wall-clock budget for one attempt
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// Load reads configuration from the environment.
func Load() Config {
	return Config{
		ProviderURL:    getEnv("PROVIDER_URL", "http://localhost:5000"),
		PushURL:        getEnv("PUSH_WS_URL", "ws://localhost:5000/ws"),
		HTTPTimeout:    getDuration("HTTP_TIMEOUT", 3*time.Second),
		PollInterval:   getDuration("POLL_INTERVAL", 5*time.Second),
		ReconnectDelay: getDuration("PUSH_RECONNECT_DELAY", 3*time.Second),
		AttemptBudget:  getDuration("ATTEMPT_BUDGET", 120*time.Second),
	}
}
