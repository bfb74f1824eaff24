// Package config loads runtime configuration from the environment. Every
// knob has a default usable in local development; production deployments
// override through MARSLAND_* variables.
package config

import (
	"errors"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr string

	PGDSN string

	PayPalBaseURL      string
	PayPalClientID     string
	PayPalClientSecret string
	PayPalBrandName    string
	PayPalPayeeEmail   string
	PayPalReturnURL    string
	PayPalCancelURL    string

	NotifyPDFEndpoint   string
	NotifyEmailEndpoint string
	NotifyDefaultLang   string

	RateLimitRPS   float64
	RateLimitBurst int

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Addr = getEnvOrDefault("MARSLAND_ADDR", ":8080")
	cfg.PGDSN = getEnvOrDefault("MARSLAND_PG_DSN", "")

	cfg.PayPalBaseURL = getEnvOrDefault("MARSLAND_PAYPAL_BASE_URL", "https://api-m.sandbox.paypal.com")
	cfg.PayPalClientID = getEnvOrDefault("MARSLAND_PAYPAL_CLIENT_ID", "")
	cfg.PayPalClientSecret = getEnvOrDefault("MARSLAND_PAYPAL_CLIENT_SECRET", "")
	cfg.PayPalBrandName = getEnvOrDefault("MARSLAND_PAYPAL_BRAND_NAME", "Mars Land Registry")
	cfg.PayPalPayeeEmail = getEnvOrDefault("MARSLAND_PAYPAL_PAYEE_EMAIL", "")
	cfg.PayPalReturnURL = getEnvOrDefault("MARSLAND_PAYPAL_RETURN_URL", "")
	cfg.PayPalCancelURL = getEnvOrDefault("MARSLAND_PAYPAL_CANCEL_URL", "")

	cfg.NotifyPDFEndpoint = getEnvOrDefault("MARSLAND_NOTIFY_PDF_ENDPOINT", "")
	cfg.NotifyEmailEndpoint = getEnvOrDefault("MARSLAND_NOTIFY_EMAIL_ENDPOINT", "")
	cfg.NotifyDefaultLang = getEnvOrDefault("MARSLAND_NOTIFY_DEFAULT_LANG", "en")

	cfg.RateLimitRPS = getEnvAsFloat("MARSLAND_RATE_LIMIT_RPS", 10)
	cfg.RateLimitBurst = getEnvAsInt("MARSLAND_RATE_LIMIT_BURST", 20)

	cfg.ReadTimeout = getEnvAsDuration("MARSLAND_READ_TIMEOUT", 15*time.Second)
	cfg.WriteTimeout = getEnvAsDuration("MARSLAND_WRITE_TIMEOUT", 15*time.Second)
	cfg.IdleTimeout = getEnvAsDuration("MARSLAND_IDLE_TIMEOUT", 60*time.Second)
	cfg.ShutdownTimeout = getEnvAsDuration("MARSLAND_SHUTDOWN_TIMEOUT", 10*time.Second)

	if (cfg.PayPalClientID == "") != (cfg.PayPalClientSecret == "") {
		return nil, errors.New("MARSLAND_PAYPAL_CLIENT_ID and MARSLAND_PAYPAL_CLIENT_SECRET must be set together")
	}
	return cfg, nil
}

// PayPalConfigured reports whether real processor credentials are present.
// Without them the API starts with the in-process sandbox gateway.
func (c *Config) PayPalConfigured() bool {
	return c.PayPalClientID != "" && c.PayPalClientSecret != ""
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnvOrDefault(key, strconv.Itoa(defaultValue))
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnvOrDefault(key, strconv.FormatFloat(defaultValue, 'f', -1, 64))
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnvOrDefault(key, defaultValue.String())
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
