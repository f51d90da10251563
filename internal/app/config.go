package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds every HUB_*/RETRY_*/ALERT_*/HEALTH_PROBE_* environment
// variable the gateway recognises, loaded via a plain os.Getenv-with-default
// reader rather than a reflection-based binder.
type Config struct {
	Host string
	Port int

	DatabasePath string

	SecretKey string // HUB_SECRET_KEY; empty means generate-and-persist

	RetryEnabled     bool
	RetryMaxAttempts int
	RetryBaseSec     float64
	RetryGrowth      float64

	FallbackRules string // raw FALLBACK_RULES, parsed by router.ParseFallbackRules
	RoutingRules  string // raw ROUTING_RULES, parsed by router.ParseFamilyPrefixes

	HealthProbePeriodSec  int
	HealthProbeTimeoutSec int

	AlertEnabled                   bool
	AlertConsecutiveErrorThreshold int
	AlertLatencyMultiplier         float64
	AlertBudgetThresholdPercent    float64
	AlertWebhookURL                string
	AlertDesktopNotify             bool

	RequestDeadlineSec int

	LogLevel string

	AdminToken     string
	CORSOrigins    []string
	RateLimitRPS   int
	RateLimitBurst int

	OTelEnabled     bool
	OTelEndpoint    string
	OTelServiceName string

	CredentialsFile string
}

// LoadConfig reads every recognised environment variable, applying the
// defaults, and validates the result.
func LoadConfig() (Config, error) {
	cfg := Config{
		Host:         getEnv("HUB_HOST", "127.0.0.1"),
		Port:         getEnvInt("HUB_PORT", 8080),
		DatabasePath: getEnv("DATABASE_PATH", "/data/openclaw-hub.sqlite"),

		SecretKey: getEnv("HUB_SECRET_KEY", ""),

		RetryEnabled:     getEnvBool("RETRY_ENABLED", true),
		RetryMaxAttempts: getEnvInt("RETRY_MAX_ATTEMPTS", 3),
		RetryBaseSec:     getEnvFloat("RETRY_BASE_SEC", 1),
		RetryGrowth:      getEnvFloat("RETRY_GROWTH", 5),

		FallbackRules: getEnv("FALLBACK_RULES", ""),
		RoutingRules:  getEnv("ROUTING_RULES", ""),

		HealthProbePeriodSec:  getEnvInt("HEALTH_PROBE_PERIOD_SEC", 30),
		HealthProbeTimeoutSec: getEnvInt("HEALTH_PROBE_TIMEOUT_SEC", 5),

		AlertEnabled:                   getEnvBool("ALERT_ENABLED", true),
		AlertConsecutiveErrorThreshold: getEnvInt("ALERT_CONSECUTIVE_ERROR_THRESHOLD", 3),
		AlertLatencyMultiplier:         getEnvFloat("ALERT_LATENCY_MULTIPLIER", 3),
		AlertBudgetThresholdPercent:    getEnvFloat("ALERT_BUDGET_THRESHOLD_PERCENT", 90),
		AlertWebhookURL:                getEnv("ALERT_WEBHOOK_URL", ""),
		AlertDesktopNotify:             getEnvBool("ALERT_DESKTOP_NOTIFY", false),

		RequestDeadlineSec: getEnvInt("HUB_REQUEST_DEADLINE_SEC", 120),

		LogLevel: getEnv("HUB_LOG_LEVEL", "info"),

		AdminToken:     getEnv("HUB_ADMIN_TOKEN", ""),
		CORSOrigins:    getEnvStringSlice("HUB_CORS_ORIGINS", nil),
		RateLimitRPS:   getEnvInt("HUB_RATE_LIMIT_RPS", 60),
		RateLimitBurst: getEnvInt("HUB_RATE_LIMIT_BURST", 120),

		OTelEnabled:     getEnvBool("HUB_OTEL_ENABLED", false),
		OTelEndpoint:    getEnv("HUB_OTEL_ENDPOINT", "localhost:4318"),
		OTelServiceName: getEnv("HUB_OTEL_SERVICE_NAME", "openclaw-hub"),

		CredentialsFile: getEnv("HUB_CREDENTIALS_FILE", defaultCredentialsPath()),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if c.Port <= 0 {
		return fmt.Errorf("HUB_PORT must be > 0, got %d", c.Port)
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("HUB_RATE_LIMIT_RPS must be > 0, got %d", c.RateLimitRPS)
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("HUB_RATE_LIMIT_BURST must be > 0, got %d", c.RateLimitBurst)
	}
	if c.RetryMaxAttempts <= 0 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be > 0, got %d", c.RetryMaxAttempts)
	}
	if c.RetryBaseSec <= 0 {
		return fmt.Errorf("RETRY_BASE_SEC must be > 0, got %f", c.RetryBaseSec)
	}
	if c.HealthProbePeriodSec <= 0 {
		return fmt.Errorf("HEALTH_PROBE_PERIOD_SEC must be > 0, got %d", c.HealthProbePeriodSec)
	}
	if c.RequestDeadlineSec <= 0 {
		return fmt.Errorf("HUB_REQUEST_DEADLINE_SEC must be > 0, got %d", c.RequestDeadlineSec)
	}
	return nil
}

// ListenAddr returns the host:port pair server.go binds to.
func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RequestDeadline returns RequestDeadlineSec as a time.Duration.
func (c Config) RequestDeadline() time.Duration {
	return time.Duration(c.RequestDeadlineSec) * time.Second
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}

func defaultCredentialsPath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".openclaw-hub", "credentials")
	}
	return ""
}
