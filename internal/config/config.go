package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config is built once at startup and handed to every component.
type Config struct {
	Port     int    `envconfig:"PORT" default:"3000"`
	HTTPAddr string `envconfig:"HTTP_ADDR"`
	DBPath   string `envconfig:"DB_PATH" default:"./data/licenses.db"`

	PayPal  PayPalConfig
	Prices  PriceConfig `envconfig:"PRICE"`
	Renewal RenewalConfig
	Log     LogConfig
	Limits  RateLimitConfig `envconfig:"RATE_LIMIT"`

	BotToken    string `envconfig:"BOT_TOKEN"`
	AdminChatID int64  `envconfig:"ADMIN_CHAT_ID"`

	DownloadURL     string `envconfig:"DOWNLOAD_URL"`
	StatusReconcile bool   `envconfig:"STATUS_RECONCILE" default:"false"`
	MetricsEnabled  bool   `envconfig:"METRICS_ENABLED" default:"false"`
}

type PayPalConfig struct {
	Mode         string        `envconfig:"MODE" default:"sandbox"`
	ClientID     string        `envconfig:"CLIENT_ID"`
	ClientSecret string        `envconfig:"CLIENT_SECRET"`
	WebhookID    string        `envconfig:"WEBHOOK_ID"`
	Timeout      time.Duration `envconfig:"TIMEOUT" default:"15s"`
	BrandName    string        `envconfig:"BRAND_NAME" default:"Tikplays"`
}

// PriceConfig holds raw USD prices; they are parsed when an order is created so a
// bad value only fails the plans that use it.
type PriceConfig struct {
	OneMonth    string `envconfig:"1M_USD"`
	SixMonths   string `envconfig:"6M_USD"`
	TwelveMonth string `envconfig:"12M_USD"`
}

type RenewalConfig struct {
	ProxyKey string `envconfig:"PROXY_KEY"`
}

type LogConfig struct {
	Level  string `envconfig:"LEVEL" default:"info"`
	Format string `envconfig:"FORMAT" default:"auto"`
}

type RateLimitConfig struct {
	RPS   float64 `envconfig:"RPS" default:"2"`
	Burst int     `envconfig:"BURST" default:"10"`

	// TrustProxy keys the limiter on forwarded client addresses.
	TrustProxy bool `envconfig:"TRUST_PROXY" default:"false"`
}

const (
	sandboxAPIBase = "https://api-m.sandbox.paypal.com"
	liveAPIBase    = "https://api-m.paypal.com"
)

// Load reads the environment. A .env file is loaded if present but not required.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.PayPal.Mode = strings.ToLower(strings.TrimSpace(c.PayPal.Mode))
	if c.PayPal.Mode != "live" {
		c.PayPal.Mode = "sandbox"
	}
	c.PayPal.ClientID = strings.TrimSpace(c.PayPal.ClientID)
	c.PayPal.ClientSecret = strings.TrimSpace(c.PayPal.ClientSecret)
	c.PayPal.WebhookID = strings.TrimSpace(c.PayPal.WebhookID)
	c.Renewal.ProxyKey = strings.TrimSpace(c.Renewal.ProxyKey)
	c.DownloadURL = strings.TrimSpace(c.DownloadURL)
	c.BotToken = strings.TrimSpace(c.BotToken)
	if c.HTTPAddr == "" {
		c.HTTPAddr = fmt.Sprintf(":%d", c.Port)
	}
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.PayPal.Timeout <= 0 {
		return fmt.Errorf("PAYPAL_TIMEOUT must be greater than 0")
	}
	if c.Limits.RPS <= 0 || c.Limits.Burst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be greater than 0")
	}
	if c.BotToken != "" && c.AdminChatID == 0 {
		return fmt.Errorf("ADMIN_CHAT_ID is required when BOT_TOKEN is set")
	}
	return nil
}

// PayPalAPIBase returns the REST base URL for the configured mode.
func (c *Config) PayPalAPIBase() string {
	if c.PayPal.Mode == "live" {
		return liveAPIBase
	}
	return sandboxAPIBase
}

// Price resolves a plan price key such as PRICE_1M_USD. It reports false when the
// price is missing, malformed or not positive.
func (c *Config) Price(key string) (float64, bool) {
	var raw string
	switch key {
	case "PRICE_1M_USD":
		raw = c.Prices.OneMonth
	case "PRICE_6M_USD":
		raw = c.Prices.SixMonths
	case "PRICE_12M_USD":
		raw = c.Prices.TwelveMonth
	default:
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0, false
	}
	return v, true
}
