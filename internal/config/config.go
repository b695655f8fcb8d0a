// Package config loads process configuration from the environment. All
// values have safe defaults except the two that gate security: AUTH_TOKEN
// and ENCRYPTION_SECRET, which the process refuses to start without.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the fully resolved set of environment-derived settings.
type Config struct {
	// Security
	AuthToken       string
	EncryptionSecret string

	// Backing services
	StoreURL string

	// Upstream marketplace
	UpstreamBaseURL string

	// SSE
	SSEEndpoint             string
	SSEReconnectInterval    time.Duration
	SSEMaxReconnectAttempts int

	// Monitor cadence
	PollingIntervalMS    int
	CleanupIntervalMS    int
	EndedRetentionMS     int

	// BoundaryAPI
	HTTPAddr          string
	WSMaxPayloadBytes  int64

	// Admin security middleware
	AdminBearer          string
	AdminIPAllowlist     string
	AdminRateLimitWindow time.Duration
	AdminRateLimitBurst  int

	// Optional ambient integrations
	ClickHouseDSN      string
	OTelEndpoint       string
	OTelServiceName    string
	PromExporterOn     bool
}

// Load reads Config from the environment, returning an error if a
// required value is missing.
func Load() (Config, error) {
	c := Config{
		AuthToken:        os.Getenv("AUTH_TOKEN"),
		EncryptionSecret: os.Getenv("ENCRYPTION_SECRET"),

		StoreURL:        getEnv("STORE_URL", "redis://localhost:6379/0"),
		UpstreamBaseURL: getEnv("UPSTREAM_BASE_URL", "https://www.nellisauction.com"),

		SSEEndpoint:             getEnv("SSE_ENDPOINT", "https://sse.nellisauction.com"),
		SSEReconnectInterval:    getEnvDuration("SSE_RECONNECT_INTERVAL", 2*time.Second),
		SSEMaxReconnectAttempts: getEnvInt("SSE_MAX_RECONNECT_ATTEMPTS", 3),

		PollingIntervalMS: getEnvInt("POLLING_INTERVAL_MS", 6000),
		CleanupIntervalMS: getEnvInt("AUCTION_CLEANUP_INTERVAL_MS", 300000),
		EndedRetentionMS:  getEnvInt("ENDED_AUCTION_RETENTION_MS", 60000),

		HTTPAddr:          getEnv("HTTP_ADDR", ":8080"),
		WSMaxPayloadBytes: int64(getEnvInt("WS_MAX_PAYLOAD_SIZE", 1<<20)),

		AdminBearer:          os.Getenv("ADMIN_API_BEARER"),
		AdminIPAllowlist:     os.Getenv("ADMIN_IP_ALLOWLIST"),
		AdminRateLimitWindow: getEnvDuration("ADMIN_RATELIMIT_WINDOW", time.Minute),
		AdminRateLimitBurst:  getEnvInt("ADMIN_RATELIMIT_BURST", 60),

		ClickHouseDSN:   os.Getenv("CLICKHOUSE_DSN"),
		OTelEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTelServiceName: getEnv("OTEL_SERVICE_NAME", "auction-tracker"),
		PromExporterOn:  getEnvBool("PROM_EXPORTER_ENABLED", false),
	}

	if c.AuthToken == "" {
		return Config{}, fmt.Errorf("config: AUTH_TOKEN is required")
	}
	if c.EncryptionSecret == "" {
		return Config{}, fmt.Errorf("config: ENCRYPTION_SECRET is required")
	}
	return c, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return def
}
