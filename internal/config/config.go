// Package config provides application configuration management.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Configuration upper bounds to prevent resource exhaustion.
const (
	maxMaxBrowsers       = 20
	maxPagesUpperBound   = 50
	maxMaxMemoryMB       = 16384
	maxActionTimeout     = 10 * time.Minute
	maxRateLimitRPM      = 10000
	minAPIKeyLength      = 16
	maxReplicaRetries    = 10
	maxMigrateBatchBound = 10000
)

// Config holds all application configuration.
// Configuration is loaded from environment variables at startup.
type Config struct {
	// Server settings
	Host string
	Port int

	// Browser settings
	Headless    bool
	BrowserPath string
	LaunchArgs  []string

	// Pool settings
	MinBrowsers         int
	MaxBrowsers         int
	MaxPagesPerBrowser  int
	IdleTimeout         time.Duration // idle instances above MinBrowsers are reaped
	MaxLifetime         time.Duration // age-based restart, independent of IdleTimeout
	MaxUses             int           // restart after this many acquisitions
	MaxErrors           int           // restart after this many action errors
	AcquisitionTimeout  time.Duration
	HealthCheckInterval time.Duration
	MaintenanceInterval time.Duration

	// Health checker settings
	ResponseTimeout    time.Duration
	MaxMemoryMB        int
	MaxPageCount       int
	EnableAutoRecovery bool

	// Session store settings
	StoreType        string // redis | memory | auto
	RedisURL         string
	RedisPrefix      string
	StoreMaxRetries  int
	StoreRetryDelay  time.Duration
	SessionTTL       time.Duration
	MonitorInterval  time.Duration
	MaxLatency       time.Duration
	MaxErrorRate     float64
	MaxFallbackTime  time.Duration
	MinAvailability  float64
	ReplicaURLs      []string
	SyncInterval     time.Duration
	SyncBatchSize    int
	ConflictPolicy   string // last-write-wins | oldest-wins | manual
	SyncDeletions    bool
	SyncExpired      bool
	MigrationEnabled bool
	MigrateBatchSize int

	// Executor settings
	NavigateTimeout   time.Duration
	WaitTimeout       time.Duration
	EvaluateTimeout   time.Duration
	ScreenshotTimeout time.Duration
	MaxResultBytes    int
	MaxArgCount       int
	MaxArgBytes       int
	MaxNestingDepth   int
	RulesPath         string // external YAML override for security deny rules
	RulesHotReload    bool

	// Logging
	LogLevel string

	// Metrics
	MetricsEnabled bool
	MetricsPort    int

	// Security
	RateLimitEnabled   bool
	RateLimitRPM       int
	TrustProxy         bool
	CORSAllowedOrigins []string
	APIKeyEnabled      bool
	APIKey             string
}

// Load loads configuration from environment variables.
// Returns a Config with values from environment or sensible defaults.
func Load() *Config {
	return &Config{
		// Server - default to localhost for security (prevents accidental exposure)
		Host: getEnvString("HOST", "127.0.0.1"),
		Port: getEnvInt("PORT", 8443),

		// Browser
		Headless:    getEnvBool("HEADLESS", true),
		BrowserPath: getEnvString("BROWSER_PATH", ""),
		LaunchArgs:  getEnvStringSlice("LAUNCH_ARGS", nil),

		// Pool
		MinBrowsers:         getEnvInt("MIN_BROWSERS", 1),
		MaxBrowsers:         getEnvInt("MAX_BROWSERS", 5),
		MaxPagesPerBrowser:  getEnvInt("MAX_PAGES_PER_BROWSER", 10),
		IdleTimeout:         getEnvDuration("BROWSER_IDLE_TIMEOUT", 5*time.Minute),
		MaxLifetime:         getEnvDuration("BROWSER_MAX_LIFETIME", 30*time.Minute),
		MaxUses:             getEnvInt("BROWSER_MAX_USES", 100),
		MaxErrors:           getEnvInt("BROWSER_MAX_ERRORS", 5),
		AcquisitionTimeout:  getEnvDuration("ACQUISITION_TIMEOUT", 30*time.Second),
		HealthCheckInterval: getEnvDuration("HEALTH_CHECK_INTERVAL", 30*time.Second),
		MaintenanceInterval: getEnvDuration("MAINTENANCE_INTERVAL", 60*time.Second),

		// Health checker
		ResponseTimeout:    getEnvDuration("HEALTH_RESPONSE_TIMEOUT", 5*time.Second),
		MaxMemoryMB:        getEnvInt("MAX_MEMORY_MB", 2048),
		MaxPageCount:       getEnvInt("HEALTH_MAX_PAGE_COUNT", 20),
		EnableAutoRecovery: getEnvBool("ENABLE_AUTO_RECOVERY", true),

		// Session store
		StoreType:        getEnvString("STORE_TYPE", "auto"),
		RedisURL:         getEnvString("REDIS_URL", ""),
		RedisPrefix:      getEnvString("REDIS_PREFIX", "mcp"),
		StoreMaxRetries:  getEnvInt("STORE_MAX_RETRIES", 3),
		StoreRetryDelay:  getEnvDuration("STORE_RETRY_DELAY", 100*time.Millisecond),
		SessionTTL:       getEnvDuration("SESSION_TTL", 30*time.Minute),
		MonitorInterval:  getEnvDuration("STORE_MONITOR_INTERVAL", 30*time.Second),
		MaxLatency:       getEnvDuration("STORE_MAX_LATENCY", 250*time.Millisecond),
		MaxErrorRate:     getEnvFloat("STORE_MAX_ERROR_RATE", 0.05),
		MaxFallbackTime:  getEnvDuration("STORE_MAX_FALLBACK_TIME", 10*time.Minute),
		MinAvailability:  getEnvFloat("STORE_MIN_AVAILABILITY", 0.99),
		ReplicaURLs:      getEnvStringSlice("STORE_REPLICA_URLS", nil),
		SyncInterval:     getEnvDuration("STORE_SYNC_INTERVAL", 5*time.Minute),
		SyncBatchSize:    getEnvInt("STORE_SYNC_BATCH_SIZE", 100),
		ConflictPolicy:   getEnvString("STORE_CONFLICT_POLICY", "last-write-wins"),
		SyncDeletions:    getEnvBool("STORE_SYNC_DELETIONS", true),
		SyncExpired:      getEnvBool("STORE_SYNC_EXPIRED", false),
		MigrationEnabled: getEnvBool("STORE_MIGRATION_ENABLED", true),
		MigrateBatchSize: getEnvInt("STORE_MIGRATE_BATCH_SIZE", 50),

		// Executor
		NavigateTimeout:   getEnvDuration("NAVIGATE_TIMEOUT", 30*time.Second),
		WaitTimeout:       getEnvDuration("WAIT_TIMEOUT", 30*time.Second),
		EvaluateTimeout:   getEnvDuration("EVALUATE_TIMEOUT", 10*time.Second),
		ScreenshotTimeout: getEnvDuration("SCREENSHOT_TIMEOUT", 30*time.Second),
		MaxResultBytes:    getEnvInt("MAX_RESULT_BYTES", 100*1024),
		MaxArgCount:       getEnvInt("MAX_ARG_COUNT", 10),
		MaxArgBytes:       getEnvInt("MAX_ARG_BYTES", 10000),
		MaxNestingDepth:   getEnvInt("MAX_NESTING_DEPTH", 20),
		RulesPath:         getEnvString("SECURITY_RULES_PATH", ""),
		RulesHotReload:    getEnvBool("SECURITY_RULES_HOT_RELOAD", false),

		// Logging
		LogLevel: getEnvString("LOG_LEVEL", "info"),

		// Metrics
		MetricsEnabled: getEnvBool("METRICS_ENABLED", false),
		MetricsPort:    getEnvInt("METRICS_PORT", 9090),

		// Security
		RateLimitEnabled:   getEnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitRPM:       getEnvInt("RATE_LIMIT_RPM", 120),
		TrustProxy:         getEnvBool("TRUST_PROXY", false),
		CORSAllowedOrigins: getEnvStringSlice("CORS_ALLOWED_ORIGINS", nil),
		APIKeyEnabled:      getEnvBool("API_KEY_ENABLED", false),
		APIKey:             getEnvString("API_KEY", ""),
	}
}

// Validate checks configuration values and logs warnings for invalid values.
// Invalid values are corrected to sensible defaults.
func (c *Config) Validate() {
	if c.Port < 0 || c.Port > 65535 {
		log.Warn().Int("port", c.Port).Msg("Invalid port, using default 8443")
		c.Port = 8443
	}

	// BrowserPath validation - prevent path traversal
	if c.BrowserPath != "" && strings.Contains(c.BrowserPath, "..") {
		log.Error().
			Str("path", c.BrowserPath).
			Msg("BROWSER_PATH contains path traversal sequence (..), ignoring")
		c.BrowserPath = ""
	}

	// Pool bounds
	if c.MinBrowsers < 0 {
		log.Warn().Int("min", c.MinBrowsers).Msg("Invalid MIN_BROWSERS, using 1")
		c.MinBrowsers = 1
	}
	if c.MaxBrowsers < 1 {
		log.Warn().Int("max", c.MaxBrowsers).Msg("Invalid MAX_BROWSERS, using 5")
		c.MaxBrowsers = 5
	} else if c.MaxBrowsers > maxMaxBrowsers {
		log.Warn().
			Int("max", c.MaxBrowsers).
			Int("cap", maxMaxBrowsers).
			Msg("MAX_BROWSERS too large, capping")
		c.MaxBrowsers = maxMaxBrowsers
	}
	if c.MinBrowsers > c.MaxBrowsers {
		log.Warn().
			Int("min", c.MinBrowsers).
			Int("max", c.MaxBrowsers).
			Msg("MIN_BROWSERS exceeds MAX_BROWSERS, clamping")
		c.MinBrowsers = c.MaxBrowsers
	}
	if c.MaxPagesPerBrowser < 1 {
		log.Warn().Int("pages", c.MaxPagesPerBrowser).Msg("Invalid MAX_PAGES_PER_BROWSER, using 10")
		c.MaxPagesPerBrowser = 10
	} else if c.MaxPagesPerBrowser > maxPagesUpperBound {
		log.Warn().
			Int("pages", c.MaxPagesPerBrowser).
			Int("cap", maxPagesUpperBound).
			Msg("MAX_PAGES_PER_BROWSER too large, capping")
		c.MaxPagesPerBrowser = maxPagesUpperBound
	}

	// Timers: idle reap and age-based restart are deliberately separate knobs
	if c.IdleTimeout < 10*time.Second {
		log.Warn().Dur("timeout", c.IdleTimeout).Msg("BROWSER_IDLE_TIMEOUT too short, using 5m")
		c.IdleTimeout = 5 * time.Minute
	}
	if c.MaxLifetime < time.Minute {
		log.Warn().Dur("lifetime", c.MaxLifetime).Msg("BROWSER_MAX_LIFETIME too short, using 30m")
		c.MaxLifetime = 30 * time.Minute
	}
	if c.MaxUses < 1 {
		c.MaxUses = 100
	}
	if c.MaxErrors < 1 {
		c.MaxErrors = 5
	}
	if c.AcquisitionTimeout < 10*time.Millisecond {
		log.Warn().Dur("timeout", c.AcquisitionTimeout).Msg("ACQUISITION_TIMEOUT too short, using 30s")
		c.AcquisitionTimeout = 30 * time.Second
	}
	if c.HealthCheckInterval < time.Second {
		log.Warn().Dur("interval", c.HealthCheckInterval).Msg("HEALTH_CHECK_INTERVAL too short, using 30s")
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.MaintenanceInterval < time.Second {
		log.Warn().Dur("interval", c.MaintenanceInterval).Msg("MAINTENANCE_INTERVAL too short, using 60s")
		c.MaintenanceInterval = 60 * time.Second
	}

	// Memory bounds
	if c.MaxMemoryMB < 256 {
		log.Warn().Int("mb", c.MaxMemoryMB).Msg("MAX_MEMORY_MB too low, using 2048")
		c.MaxMemoryMB = 2048
	} else if c.MaxMemoryMB > maxMaxMemoryMB {
		log.Warn().
			Int("mb", c.MaxMemoryMB).
			Int("cap", maxMaxMemoryMB).
			Msg("MAX_MEMORY_MB too high, capping")
		c.MaxMemoryMB = maxMaxMemoryMB
	}

	// Store settings
	switch strings.ToLower(c.StoreType) {
	case "redis", "memory", "auto":
		c.StoreType = strings.ToLower(c.StoreType)
	default:
		log.Warn().Str("type", c.StoreType).Msg("Invalid STORE_TYPE, using 'auto'")
		c.StoreType = "auto"
	}
	if c.StoreType == "redis" && c.RedisURL == "" {
		log.Error().Msg("STORE_TYPE=redis but REDIS_URL is empty, falling back to auto")
		c.StoreType = "auto"
	}
	if c.StoreMaxRetries < 0 || c.StoreMaxRetries > maxReplicaRetries {
		log.Warn().Int("retries", c.StoreMaxRetries).Msg("Invalid STORE_MAX_RETRIES, using 3")
		c.StoreMaxRetries = 3
	}
	if c.SessionTTL < time.Minute {
		log.Warn().Dur("ttl", c.SessionTTL).Msg("SESSION_TTL too short, using 30m")
		c.SessionTTL = 30 * time.Minute
	} else if c.SessionTTL > 24*time.Hour {
		log.Warn().Dur("ttl", c.SessionTTL).Msg("SESSION_TTL too long, using 24h")
		c.SessionTTL = 24 * time.Hour
	}
	if c.MonitorInterval < time.Second {
		log.Warn().Dur("interval", c.MonitorInterval).Msg("STORE_MONITOR_INTERVAL too short, using 30s")
		c.MonitorInterval = 30 * time.Second
	}
	if c.MaxErrorRate <= 0 || c.MaxErrorRate > 1 {
		log.Warn().Float64("rate", c.MaxErrorRate).Msg("Invalid STORE_MAX_ERROR_RATE, using 0.05")
		c.MaxErrorRate = 0.05
	}
	if c.MinAvailability <= 0 || c.MinAvailability > 1 {
		log.Warn().Float64("avail", c.MinAvailability).Msg("Invalid STORE_MIN_AVAILABILITY, using 0.99")
		c.MinAvailability = 0.99
	}
	switch strings.ToLower(c.ConflictPolicy) {
	case "last-write-wins", "oldest-wins", "manual":
		c.ConflictPolicy = strings.ToLower(c.ConflictPolicy)
	default:
		log.Warn().Str("policy", c.ConflictPolicy).Msg("Invalid STORE_CONFLICT_POLICY, using 'last-write-wins'")
		c.ConflictPolicy = "last-write-wins"
	}
	if c.SyncBatchSize < 1 {
		c.SyncBatchSize = 100
	}
	if c.MigrateBatchSize < 1 {
		c.MigrateBatchSize = 50
	} else if c.MigrateBatchSize > maxMigrateBatchBound {
		log.Warn().
			Int("batch", c.MigrateBatchSize).
			Int("cap", maxMigrateBatchBound).
			Msg("STORE_MIGRATE_BATCH_SIZE too large, capping")
		c.MigrateBatchSize = maxMigrateBatchBound
	}

	// Executor timeouts
	for _, t := range []struct {
		name string
		val  *time.Duration
		def  time.Duration
	}{
		{"NAVIGATE_TIMEOUT", &c.NavigateTimeout, 30 * time.Second},
		{"WAIT_TIMEOUT", &c.WaitTimeout, 30 * time.Second},
		{"EVALUATE_TIMEOUT", &c.EvaluateTimeout, 10 * time.Second},
		{"SCREENSHOT_TIMEOUT", &c.ScreenshotTimeout, 30 * time.Second},
	} {
		if *t.val < 100*time.Millisecond {
			log.Warn().Str("key", t.name).Dur("timeout", *t.val).Msg("Timeout too short, using default")
			*t.val = t.def
		} else if *t.val > maxActionTimeout {
			log.Warn().Str("key", t.name).Dur("timeout", *t.val).Msg("Timeout too long, capping")
			*t.val = maxActionTimeout
		}
	}
	if c.MaxResultBytes < 1024 {
		c.MaxResultBytes = 100 * 1024
	}
	if c.MaxArgCount < 1 {
		c.MaxArgCount = 10
	}
	if c.MaxArgBytes < 1 {
		c.MaxArgBytes = 10000
	}
	if c.MaxNestingDepth < 1 {
		c.MaxNestingDepth = 20
	}

	// Rules file validation - prevent path traversal
	if c.RulesPath != "" && strings.Contains(c.RulesPath, "..") {
		log.Error().
			Str("path", c.RulesPath).
			Msg("SECURITY_RULES_PATH contains path traversal sequence (..), ignoring")
		c.RulesPath = ""
	}
	if c.RulesHotReload && c.RulesPath == "" {
		log.Warn().Msg("SECURITY_RULES_HOT_RELOAD enabled but SECURITY_RULES_PATH not set - hot-reload disabled")
		c.RulesHotReload = false
	}
	if c.RulesHotReload && c.RulesPath != "" {
		if _, err := os.Stat(c.RulesPath); os.IsNotExist(err) {
			log.Warn().
				Str("path", c.RulesPath).
				Msg("SECURITY_RULES_PATH does not exist - hot-reload will watch for file creation")
		}
	}

	// Log level validation
	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		log.Warn().Str("level", c.LogLevel).Msg("Invalid log level, using 'info'")
		c.LogLevel = "info"
	}

	// Rate limit validation
	if c.RateLimitEnabled {
		if c.RateLimitRPM < 1 {
			log.Warn().Int("rpm", c.RateLimitRPM).Msg("Invalid rate limit, using 120 RPM")
			c.RateLimitRPM = 120
		} else if c.RateLimitRPM > maxRateLimitRPM {
			log.Warn().
				Int("rpm", c.RateLimitRPM).
				Int("cap", maxRateLimitRPM).
				Msg("Rate limit too high, capping")
			c.RateLimitRPM = maxRateLimitRPM
		}
	}

	// CORS warning
	if len(c.CORSAllowedOrigins) == 0 {
		log.Warn().Msg("CORS_ALLOWED_ORIGINS not set - allowing all origins (potential CSRF risk)")
	}

	// API key validation
	if c.APIKeyEnabled {
		switch {
		case c.APIKey == "":
			log.Error().Msg("API_KEY_ENABLED is true but API_KEY is empty - authentication will always fail")
		case len(c.APIKey) < minAPIKeyLength:
			log.Error().
				Int("length", len(c.APIKey)).
				Int("min_required", minAPIKeyLength).
				Msg("API_KEY is too short for secure authentication")
		}
	}

	// Replica URL sanity
	for _, u := range c.ReplicaURLs {
		if !strings.Contains(u, "://") {
			log.Warn().Str("replica", u).Msg("Replica URL missing scheme (expected redis://)")
		}
	}
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intValue, err := strconv.ParseInt(value, 10, 32)
		if err == nil {
			return int(intValue)
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		f, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return f
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Float64("default", defaultValue).
			Msg("Invalid float in environment variable, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Bool("default", defaultValue).
			Msg("Invalid boolean in environment variable, using default")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil {
			if duration > 0 {
				return duration
			}
			log.Warn().
				Str("key", key).
				Str("value", value).
				Dur("default", defaultValue).
				Msg("Duration must be positive, using default")
			return defaultValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Dur("default", defaultValue).
			Msg("Invalid duration in environment variable, using default")
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
