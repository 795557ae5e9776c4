package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	NodeID      int64

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Redis     RedisConfig
	Email     EmailConfig
	Registry  RegistryConfig
	Webhooks  WebhookConfig
	RateLimit RateLimitConfig
	Metrics   MetricsPushConfig

	// AdminKeys maps an admin API key to its role, e.g. "k1:operator,k2:viewer".
	AdminKeys map[string]string

	SeedCatalog bool
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

type EmailConfig struct {
	Enabled      bool
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
}

type RegistryConfig struct {
	// Adapter selects the token registry backend: "ledger" (durable) or "memory".
	Adapter  string
	Operator string
}

type RateLimitConfig struct {
	Enabled bool
	// WebhookRate is the sustained number of deliveries per second allowed per source.
	WebhookRate  float64
	WebhookBurst int
}

// MetricsPushConfig points the registry gauges at a Prometheus Pushgateway.
type MetricsPushConfig struct {
	PushgatewayURL string
	Job            string
	Interval       time.Duration
}

func (c MetricsPushConfig) Enabled() bool {
	return strings.TrimSpace(c.PushgatewayURL) != ""
}

type WebhookConfig struct {
	// OrderSecrets maps an order source (e.g. "shopify") to its HMAC secret.
	OrderSecrets map[string]string
	// PaymentSecrets maps a payment provider (e.g. "stripe") to its signing secret.
	PaymentSecrets map[string]string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "impactledger"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		NodeID:            getenvInt64("SNOWFLAKE_NODE", 1),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "impactledger"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 5)),
		DBMaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 20)),
		DBConnMaxLifetime: int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 300)),
		DBConnMaxIdleTime: int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 60)),
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       int(getenvInt64("REDIS_DB", 0)),
		},
		Email: EmailConfig{
			Enabled:      getenvBool("EMAIL_ENABLED", false),
			SMTPHost:     getenv("SMTP_HOST", "localhost"),
			SMTPPort:     int(getenvInt64("SMTP_PORT", 587)),
			SMTPUsername: getenv("SMTP_USERNAME", ""),
			SMTPPassword: getenv("SMTP_PASSWORD", ""),
			SMTPFrom:     getenv("SMTP_FROM", "no-reply@impactledger.local"),
		},
		Registry: RegistryConfig{
			Adapter:  strings.ToLower(strings.TrimSpace(getenv("REGISTRY_ADAPTER", "ledger"))),
			Operator: strings.TrimSpace(getenv("REGISTRY_OPERATOR", "fulfillment")),
		},
		Webhooks: WebhookConfig{
			OrderSecrets:   parsePairs(getenv("ORDER_WEBHOOK_SECRETS", ""), true),
			PaymentSecrets: parsePairs(getenv("PAYMENT_WEBHOOK_SECRETS", ""), true),
		},
		RateLimit: RateLimitConfig{
			Enabled:      getenvBool("RATE_LIMIT_ENABLED", false),
			WebhookRate:  getenvFloat("RATE_LIMIT_WEBHOOK_RATE", 50),
			WebhookBurst: int(getenvInt64("RATE_LIMIT_WEBHOOK_BURST", 100)),
		},
		Metrics: MetricsPushConfig{
			PushgatewayURL: strings.TrimSpace(getenv("PUSHGATEWAY_URL", "")),
			Job:            strings.TrimSpace(getenv("PUSHGATEWAY_JOB", "impactledger")),
			Interval:       time.Duration(getenvInt64("METRICS_PUSH_INTERVAL_SECONDS", 60)) * time.Second,
		},
		AdminKeys:   parsePairs(getenv("ADMIN_KEYS", ""), false),
		SeedCatalog: getenvBool("SEED_CATALOG", false),
	}

	return cfg
}

func (c Config) IsDevelopment() bool {
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

// parsePairs reads "key:value,key2:value2" into a map.
func parsePairs(raw string, lowerKeys bool) map[string]string {
	out := map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		if lowerKeys {
			key = strings.ToLower(key)
		}
		value := strings.TrimSpace(kv[1])
		if key == "" || value == "" {
			continue
		}
		out[key] = value
	}
	return out
}
