// Package config handles environment-based configuration loading.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// EnvConfig holds all environment-variable-driven settings.
type EnvConfig struct {
	// Directories
	DataDir string

	// Network
	ListenAddress string

	// API
	APIPort         int
	APIMaxBodyBytes int

	// Upstream stream endpoints
	GeyserEndpoints []string
	GeyserXToken    string

	// Connection pool
	MaxConnections      int
	MinConnections      int
	HealthCheckInterval time.Duration
	ConnectionTimeout   time.Duration

	// Subscription rate limiting
	SubscriptionLimit  int
	SubscriptionWindow time.Duration

	// Subscription groups
	GroupTableFile string

	// RPC and holder data providers
	RPCURL         string
	RPCRateLimit   int
	RPCRateWindow  time.Duration
	EnhancedAPIURL string
	CompleteAPIURL string
	ClassifierURL  string

	// Pricing
	QuoteUSD float64

	// Persistence flushing
	FlushThreshold int
	FlushInterval  time.Duration
	FlushCheckTick time.Duration

	// Analysis jobs
	JobWorkers    int
	TrendSchedule string

	// Auth
	AdminToken string
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error if any required variable is missing or any value is invalid.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Directories ---
	cfg.DataDir = envStr("CURVESCAN_DATA_DIR", "/var/lib/curvescan")

	// --- Network ---
	cfg.ListenAddress = strings.TrimSpace(envStr("CURVESCAN_LISTEN_ADDRESS", "0.0.0.0"))

	// --- API ---
	cfg.APIPort = envInt("CURVESCAN_API_PORT", 2280, &errs)
	cfg.APIMaxBodyBytes = envInt("CURVESCAN_API_MAX_BODY_BYTES", 1<<20, &errs)

	// --- Upstream stream endpoints ---
	cfg.GeyserEndpoints = envStringSlice("CURVESCAN_GEYSER_ENDPOINTS", []string{}, &errs)
	cfg.GeyserXToken = envStr("CURVESCAN_GEYSER_X_TOKEN", "")

	// --- Connection pool ---
	cfg.MaxConnections = envInt("CURVESCAN_MAX_CONNECTIONS", 3, &errs)
	cfg.MinConnections = envInt("CURVESCAN_MIN_CONNECTIONS", 2, &errs)
	cfg.HealthCheckInterval = envDuration("CURVESCAN_HEALTH_CHECK_INTERVAL", 30*time.Second, &errs)
	cfg.ConnectionTimeout = envDuration("CURVESCAN_CONNECTION_TIMEOUT", 10*time.Second, &errs)

	// --- Subscription rate limiting ---
	cfg.SubscriptionLimit = envInt("CURVESCAN_SUBSCRIPTION_LIMIT", 100, &errs)
	cfg.SubscriptionWindow = envDuration("CURVESCAN_SUBSCRIPTION_WINDOW", 60*time.Second, &errs)

	// --- Subscription groups ---
	cfg.GroupTableFile = envStr("CURVESCAN_GROUP_TABLE_FILE", "")

	// --- RPC and holder data providers ---
	cfg.RPCURL = envStr("CURVESCAN_RPC_URL", "https://api.mainnet-beta.solana.com")
	cfg.RPCRateLimit = envInt("CURVESCAN_RPC_RATE_LIMIT", 50, &errs)
	cfg.RPCRateWindow = envDuration("CURVESCAN_RPC_RATE_WINDOW", 10*time.Second, &errs)
	cfg.EnhancedAPIURL = envStr("CURVESCAN_ENHANCED_API_URL", "")
	cfg.CompleteAPIURL = envStr("CURVESCAN_COMPLETE_API_URL", "")
	cfg.ClassifierURL = envStr("CURVESCAN_CLASSIFIER_URL", "")

	// --- Pricing ---
	cfg.QuoteUSD = envFloat("CURVESCAN_QUOTE_USD", 150, &errs)

	// --- Persistence flushing ---
	cfg.FlushThreshold = envInt("CURVESCAN_FLUSH_THRESHOLD", 500, &errs)
	cfg.FlushInterval = envDuration("CURVESCAN_FLUSH_INTERVAL", 5*time.Second, &errs)
	cfg.FlushCheckTick = envDuration("CURVESCAN_FLUSH_CHECK_TICK", time.Second, &errs)

	// --- Analysis jobs ---
	cfg.JobWorkers = envInt("CURVESCAN_JOB_WORKERS", 4, &errs)
	cfg.TrendSchedule = envStr("CURVESCAN_TREND_SCHEDULE", "*/5 * * * *")

	// --- Auth (must be defined; empty means auth disabled) ---
	adminToken, hasAdminToken := os.LookupEnv("CURVESCAN_ADMIN_TOKEN")
	cfg.AdminToken = adminToken

	// --- Validation ---
	if !hasAdminToken {
		errs = append(errs, "CURVESCAN_ADMIN_TOKEN must be defined (can be empty)")
	}
	if cfg.ListenAddress == "" {
		errs = append(errs, "CURVESCAN_LISTEN_ADDRESS must not be empty")
	}
	if len(cfg.GeyserEndpoints) == 0 {
		errs = append(errs, "CURVESCAN_GEYSER_ENDPOINTS must list at least one endpoint")
	}
	for _, ep := range cfg.GeyserEndpoints {
		if strings.TrimSpace(ep) == "" {
			errs = append(errs, "CURVESCAN_GEYSER_ENDPOINTS must not contain empty entries")
			break
		}
	}

	validatePort("CURVESCAN_API_PORT", cfg.APIPort, &errs)
	validatePositive("CURVESCAN_API_MAX_BODY_BYTES", cfg.APIMaxBodyBytes, &errs)
	validatePositive("CURVESCAN_MAX_CONNECTIONS", cfg.MaxConnections, &errs)
	validatePositive("CURVESCAN_MIN_CONNECTIONS", cfg.MinConnections, &errs)
	if cfg.MinConnections > cfg.MaxConnections {
		errs = append(errs, "CURVESCAN_MIN_CONNECTIONS must be less than or equal to CURVESCAN_MAX_CONNECTIONS")
	}
	if cfg.HealthCheckInterval <= 0 {
		errs = append(errs, "CURVESCAN_HEALTH_CHECK_INTERVAL must be positive")
	}
	if cfg.ConnectionTimeout <= 0 {
		errs = append(errs, "CURVESCAN_CONNECTION_TIMEOUT must be positive")
	}
	validatePositive("CURVESCAN_SUBSCRIPTION_LIMIT", cfg.SubscriptionLimit, &errs)
	if cfg.SubscriptionWindow <= 0 {
		errs = append(errs, "CURVESCAN_SUBSCRIPTION_WINDOW must be positive")
	}
	if strings.TrimSpace(cfg.RPCURL) == "" {
		errs = append(errs, "CURVESCAN_RPC_URL must not be empty")
	}
	validatePositive("CURVESCAN_RPC_RATE_LIMIT", cfg.RPCRateLimit, &errs)
	if cfg.RPCRateWindow <= 0 {
		errs = append(errs, "CURVESCAN_RPC_RATE_WINDOW must be positive")
	}
	if cfg.QuoteUSD <= 0 {
		errs = append(errs, fmt.Sprintf("CURVESCAN_QUOTE_USD must be positive, got %v", cfg.QuoteUSD))
	}
	validatePositive("CURVESCAN_FLUSH_THRESHOLD", cfg.FlushThreshold, &errs)
	if cfg.FlushInterval <= 0 {
		errs = append(errs, "CURVESCAN_FLUSH_INTERVAL must be positive")
	}
	if cfg.FlushCheckTick <= 0 {
		errs = append(errs, "CURVESCAN_FLUSH_CHECK_TICK must be positive")
	}
	validatePositive("CURVESCAN_JOB_WORKERS", cfg.JobWorkers, &errs)
	if _, err := cron.ParseStandard(cfg.TrendSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("CURVESCAN_TREND_SCHEDULE: invalid cron expression %q: %v", cfg.TrendSchedule, err))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envFloat(key string, defaultVal float64, errs *[]string) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid number %q", key, v))
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func envStringSlice(key string, defaultVal []string, errs *[]string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid JSON string array %q", key, v))
		return defaultVal
	}
	if out == nil {
		return []string{}
	}
	return out
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
