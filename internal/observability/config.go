package observability

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/impactledger/internal/config"
)

// Config holds observability configuration derived from environment variables.
type Config struct {
	ServiceName string
	Environment string
	Version     string
	development bool

	LogLevel  string
	LogFormat string
	// LogSQL logs every statement at debug level, not only slow or failed ones.
	LogSQL             bool
	SlowQueryThreshold time.Duration

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
}

func LoadConfig(cfg config.Config) Config {
	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = "impactledger"
	}

	protocol := getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")
	if traces := os.Getenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL"); strings.TrimSpace(traces) != "" {
		protocol = traces
	}

	slowMs, err := strconv.Atoi(getenv("LOG_SLOW_QUERY_MS", "200"))
	if err != nil || slowMs < 0 {
		slowMs = 200
	}
	ratio, err := strconv.ParseFloat(getenv("OTEL_SAMPLING_RATIO", "0.1"), 64)
	if err != nil {
		ratio = 0.1
	}

	return Config{
		ServiceName:          serviceName,
		Environment:          strings.TrimSpace(cfg.Environment),
		Version:              strings.TrimSpace(getenv("SERVICE_VERSION", cfg.AppVersion)),
		development:          cfg.IsDevelopment(),
		LogLevel:             strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogFormat:            strings.ToLower(getenv("LOG_FORMAT", "json")),
		LogSQL:               enabled("LOG_SQL", false),
		SlowQueryThreshold:   time.Duration(slowMs) * time.Millisecond,
		OtelEnabled:          enabled("OTEL_ENABLED", true),
		OtelExporterEndpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint),
		OtelExporterProtocol: strings.ToLower(strings.TrimSpace(protocol)),
		OtelSamplingRatio:    ratio,
	}
}

// Debug turns on stack traces in request logs and gin's debug mode.
func (c Config) Debug() bool {
	return c.LogLevel == "debug" || c.development
}

func getenv(key, def string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return def
}

func enabled(key string, def bool) bool {
	parsed, err := strconv.ParseBool(getenv(key, strconv.FormatBool(def)))
	if err != nil {
		return def
	}
	return parsed
}
