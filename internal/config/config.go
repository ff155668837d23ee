// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// PlanConfig describes one sellable plan from the environment.
type PlanConfig struct {
	ID        string
	Name      string
	Price     string // monthly price in major units, e.g. "3.00"
	TrafficGB int64  // 0 = unlimited
	Desc      string
}

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database (optional, in-memory stores if not set)
	DatabaseURL string

	// Telegram delivery for user notifications
	TelegramToken   string
	TelegramAPIBase string

	// Payment processor (CryptoPay-style hosted invoices)
	ProcessorToken    string
	ProcessorBaseURL  string
	ProcessorCurrency string
	WebhookSecret     string // shared secret for inbound callback signatures
	InvoiceExpirySecs int64

	// VPN panel (entitlement provider)
	PanelBaseURL string
	PanelToken   string

	// Sales catalog
	Plans           []PlanConfig
	PlanMonths      []int // allowed duration multipliers
	TopUpAmounts    []string
	ReferralPercent int64

	// Tracing
	OTLPEndpoint string
}

// Defaults used when the environment leaves a knob unset.
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultProcessorBaseURL  = "https://testnet-pay.crypt.bot/api"
	DefaultProcessorCurrency = "USDT"
	DefaultTelegramAPIBase   = "https://api.telegram.org"
	DefaultInvoiceExpiry     = 3600
	DefaultReferralPercent   = 10
	DefaultPlanMonths        = "1,3,6,12"
	DefaultTopUpAmounts      = "1.00,3.00,5.00,10.00"
)

// Load reads configuration from environment variables.
// A .env file is loaded first if present (local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		TelegramToken:     os.Getenv("BOT_TOKEN"),
		TelegramAPIBase:   getEnv("TELEGRAM_API_BASE", DefaultTelegramAPIBase),
		ProcessorToken:    os.Getenv("CRYPTOPAY_TOKEN"),
		ProcessorBaseURL:  getEnv("CRYPTOPAY_BASE_URL", DefaultProcessorBaseURL),
		ProcessorCurrency: getEnv("CRYPTOPAY_CURRENCY", DefaultProcessorCurrency),
		WebhookSecret:     os.Getenv("PAYMENT_WEBHOOK_SECRET"),
		InvoiceExpirySecs: getEnvInt64("INVOICE_EXPIRY_SECONDS", DefaultInvoiceExpiry),
		PanelBaseURL:      os.Getenv("PANEL_BASE_URL"),
		PanelToken:        os.Getenv("PANEL_TOKEN"),
		ReferralPercent:   getEnvInt64("REFERRAL_PERCENT", DefaultReferralPercent),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	var err error
	if cfg.PlanMonths, err = parseInts(getEnv("PLAN_MONTHS", DefaultPlanMonths)); err != nil {
		return nil, fmt.Errorf("PLAN_MONTHS: %w", err)
	}
	cfg.TopUpAmounts = splitList(getEnv("TOPUP_AMOUNTS", DefaultTopUpAmounts))
	cfg.Plans = loadPlans()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadPlans reads PLAN_<n>_* variables (n = 1..9, stops at the first gap).
// With nothing configured it falls back to a single starter plan so the
// service stays usable in development.
func loadPlans() []PlanConfig {
	var plans []PlanConfig
	for n := 1; n <= 9; n++ {
		name := os.Getenv(fmt.Sprintf("PLAN_%d_NAME", n))
		if name == "" {
			break
		}
		plans = append(plans, PlanConfig{
			ID:        fmt.Sprintf("plan_%d", n),
			Name:      name,
			Price:     getEnv(fmt.Sprintf("PLAN_%d_PRICE", n), "1.00"),
			TrafficGB: getEnvInt64(fmt.Sprintf("PLAN_%d_TRAFFIC_GB", n), 0),
			Desc:      os.Getenv(fmt.Sprintf("PLAN_%d_DESC", n)),
		})
	}
	if len(plans) == 0 {
		plans = []PlanConfig{{
			ID: "plan_1", Name: "Basic", Price: "1.00", TrafficGB: 100,
			Desc: "100 GB monthly traffic",
		}}
	}
	return plans
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	if c.WebhookSecret == "" && c.IsProduction() {
		return fmt.Errorf("PAYMENT_WEBHOOK_SECRET is required in production")
	}
	if c.ReferralPercent < 0 || c.ReferralPercent > 100 {
		return fmt.Errorf("REFERRAL_PERCENT must be between 0 and 100")
	}
	if len(c.PlanMonths) == 0 {
		return fmt.Errorf("PLAN_MONTHS must list at least one duration")
	}
	for _, m := range c.PlanMonths {
		if m <= 0 {
			return fmt.Errorf("PLAN_MONTHS entries must be positive, got %d", m)
		}
	}
	return nil
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseInts(s string) ([]int, error) {
	var out []int
	for _, p := range splitList(s) {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", p)
		}
		out = append(out, n)
	}
	return out, nil
}
