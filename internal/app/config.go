package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Config holds the complete application configuration, loadable from
// environment variables (KAPCDAM_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (KAPCDAM_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	RedisURL    string `default:"" usage:"Redis connection URL; empty disables the read cache" flag:"redis-url"`
	TokenPepper string `usage:"HMAC pepper for user token hashing (KAPCDAM_TOKEN_PEPPER)" flag:"token-pepper"`

	Pesapal   PesapalConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Sweep     SweepConfig
	Graceful  GracefulConfig
}

// PesapalConfig holds payment gateway credentials and callback endpoints.
type PesapalConfig struct {
	BaseURL        string `default:"https://pay.pesapal.com/v3" usage:"PesaPal API base URL" flag:"pesapal-base-url"`
	ConsumerKey    string `usage:"PesaPal consumer key" flag:"pesapal-consumer-key"`
	ConsumerSecret string `usage:"PesaPal consumer secret" flag:"pesapal-consumer-secret"`
	CallbackURL    string `usage:"URL customers return to after payment" flag:"pesapal-callback-url"`
	IPNURL         string `usage:"Public URL of the payment webhook, registered as IPN endpoint" flag:"pesapal-ipn-url"`
	NotificationID string `default:"" usage:"Pre-registered IPN id; empty registers one at startup" flag:"pesapal-notification-id"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// SweepConfig controls the background reconciliation of incomplete orders.
type SweepConfig struct {
	Interval time.Duration `default:"5m" usage:"How often to sweep for zero-item orders" flag:"sweep-interval"`
	Grace    time.Duration `default:"15m" usage:"Age before a zero-item order is cancelled" flag:"sweep-grace"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config
// files, and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "KAPCDAM",
		Files:     []string{"config.yaml", "/etc/kapcdam/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if cfg.DatabaseURL == "" {
		return nil, errors.New("database URL is required: set KAPCDAM_DATABASE_URL or DATABASE_URL")
	}
	if cfg.TokenPepper == "" {
		return nil, errors.New("token pepper is required: set KAPCDAM_TOKEN_PEPPER")
	}

	return &cfg, nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's KAPCDAM_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if c.RedisURL == "" {
		if v := os.Getenv("REDIS_URL"); v != "" {
			c.RedisURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
