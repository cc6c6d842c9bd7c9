package config

import (
	"encoding/json"
	"log"
	"os"
	"strconv"
	"time"
)

// TopicNotificationsFlag is the process-wide toggle for topic recipient expansion.
const TopicNotificationsFlag = "FF_IS_TOPIC_NOTIFICATION_ENABLED"

// Config holds all configuration for the novu service.
// Values are loaded from environment variables; see printUsage() for the full list.
type Config struct {
	DatabaseURL string `json:"database_url"`
	RedisAddr   string `json:"redis_addr,omitempty"`
	HTTPAddr    string `json:"http_addr"`

	DBOpTimeout    time.Duration `json:"-"`
	DBOpTimeoutStr string        `json:"db_op_timeout"`

	DBMaxOpenConns       int           `json:"db_max_open_conns"`
	DBMaxIdleConns       int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime    time.Duration `json:"-"`
	DBConnMaxLifetimeStr string        `json:"db_conn_max_lifetime"`
	DBConnMaxIdleTime    time.Duration `json:"-"`
	DBConnMaxIdleTimeStr string        `json:"db_conn_max_idle_time"`

	HTTPShutdownTimeout       time.Duration `json:"-"`
	HTTPShutdownTimeoutStr    string        `json:"http_shutdown_timeout"`
	DispatcherDrainTimeout    time.Duration `json:"-"`
	DispatcherDrainTimeoutStr string        `json:"dispatcher_drain_timeout"`
	ProviderTimeout           time.Duration `json:"-"`
	ProviderTimeoutStr        string        `json:"provider_timeout"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`
	MetricsPort    int    `json:"metrics_port"`

	ReconcileEnabled  bool   `json:"reconcile_enabled"`
	ReconcileSchedule string `json:"reconcile_schedule"`

	// ReconcileThreshold must exceed the provider timeout plus the drain timeout,
	// otherwise in-flight messages are re-emitted.
	ReconcileThreshold    time.Duration `json:"-"`
	ReconcileThresholdStr string        `json:"reconcile_threshold"`

	ReconcileBatchSize int `json:"reconcile_batch_size"`
	EventBusBufferSize int `json:"eventbus_buffer_size"`

	// CircuitBreakerThreshold: 0 disables the circuit breaker.
	CircuitBreakerThreshold   int           `json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown    time.Duration `json:"-"`
	CircuitBreakerCooldownStr string        `json:"circuit_breaker_cooldown"`

	// LeaderLockKey: all instances sharing the same database must use the same key.
	// A decimal value is used as the advisory lock id, anything else is hashed.
	LeaderLockKey string `json:"leader_lock_key"`

	LeaderRetryInterval        time.Duration `json:"-"`
	LeaderRetryIntervalStr     string        `json:"leader_retry_interval"`
	LeaderHeartbeatInterval    time.Duration `json:"-"`
	LeaderHeartbeatIntervalStr string        `json:"leader_heartbeat_interval"`

	TopicLookupConcurrency int `json:"topic_lookup_concurrency"`

	// TopicCacheTTL: 0 disables the membership cache.
	TopicCacheTTL    time.Duration `json:"-"`
	TopicCacheTTLStr string        `json:"topic_cache_ttl"`

	AnalyticsWindow       time.Duration `json:"-"`
	AnalyticsWindowStr    string        `json:"analytics_window"`
	AnalyticsRetention    time.Duration `json:"-"`
	AnalyticsRetentionStr string        `json:"analytics_retention"`

	// Tenant used when a request carries no organization/environment headers.
	DefaultOrganizationID string `json:"default_organization_id"`
	DefaultEnvironmentID  string `json:"default_environment_id"`

	SMSProvider string `json:"sms_provider,omitempty"`
	SinchFrom   string `json:"sinch_from,omitempty"`
	SinchPlan   string `json:"sinch_plan,omitempty"`
	SinchToken  string `json:"-"`
	TwwUser     string `json:"tww_user,omitempty"`
	TwwPassword string `json:"-"`

	PushProvider   string `json:"push_provider,omitempty"`
	FCMProjectID   string `json:"fcm_project_id,omitempty"`
	FCMClientEmail string `json:"fcm_client_email,omitempty"`
	FCMPrivateKey  string `json:"-"`

	// ProviderBaseURL replaces the SMS provider endpoint, for staging and local stubs.
	ProviderBaseURL string `json:"provider_base_url,omitempty"`
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	cfg := Config{
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		HTTPAddr:              os.Getenv("HTTP_ADDR"),
		MetricsEnabled:        os.Getenv("METRICS_ENABLED") == "true",
		MetricsPath:           envOr("METRICS_PATH", "/metrics"),
		ReconcileEnabled:      os.Getenv("RECONCILE_ENABLED") == "true",
		ReconcileSchedule:     envOr("RECONCILE_SCHEDULE", "@every 5m"),
		LeaderLockKey:         envOr("LEADER_LOCK_KEY", "728379"),
		DefaultOrganizationID: os.Getenv("DEFAULT_ORGANIZATION_ID"),
		DefaultEnvironmentID:  os.Getenv("DEFAULT_ENVIRONMENT_ID"),
		SMSProvider:           os.Getenv("SMS_PROVIDER"),
		SinchFrom:             os.Getenv("SINCH_FROM"),
		SinchPlan:             os.Getenv("SINCH_PLAN"),
		SinchToken:            os.Getenv("SINCH_TOKEN"),
		TwwUser:               os.Getenv("TWW_USER"),
		TwwPassword:           os.Getenv("TWW_PASSWORD"),
		PushProvider:          os.Getenv("PUSH_PROVIDER"),
		FCMProjectID:          os.Getenv("FCM_PROJECT_ID"),
		FCMClientEmail:        os.Getenv("FCM_CLIENT_EMAIL"),
		FCMPrivateKey:         os.Getenv("FCM_PRIVATE_KEY"),
		ProviderBaseURL:       os.Getenv("PROVIDER_BASE_URL"),
	}

	// Support PORT as fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":3000"
		}
	}

	cfg.DBMaxOpenConns = envPositiveInt("DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = envPositiveInt("DB_MAX_IDLE_CONNS", 5)
	cfg.MetricsPort = envPositiveInt("METRICS_PORT", 9090)
	cfg.ReconcileBatchSize = envPositiveInt("RECONCILE_BATCH_SIZE", 100)
	cfg.EventBusBufferSize = envPositiveInt("EVENTBUS_BUFFER_SIZE", 100)
	cfg.TopicLookupConcurrency = envPositiveInt("TOPIC_LOOKUP_CONCURRENCY", 8)

	cfg.CircuitBreakerThreshold = 5
	if s := os.Getenv("CIRCUIT_BREAKER_THRESHOLD"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			cfg.CircuitBreakerThreshold = n
		} else {
			log.Printf("config: invalid CIRCUIT_BREAKER_THRESHOLD %q, using default 5", s)
		}
	}

	cfg.DBOpTimeoutStr = envOr("DB_OP_TIMEOUT", "5s")
	cfg.DBConnMaxLifetimeStr = envOr("DB_CONN_MAX_LIFETIME", "30m")
	cfg.DBConnMaxIdleTimeStr = envOr("DB_CONN_MAX_IDLE_TIME", "5m")
	cfg.HTTPShutdownTimeoutStr = envOr("HTTP_SHUTDOWN_TIMEOUT", "10s")
	cfg.DispatcherDrainTimeoutStr = envOr("DISPATCHER_DRAIN_TIMEOUT", "30s")
	cfg.ProviderTimeoutStr = envOr("PROVIDER_TIMEOUT", "30s")
	cfg.ReconcileThresholdStr = envOr("RECONCILE_THRESHOLD", "10m")
	cfg.CircuitBreakerCooldownStr = envOr("CIRCUIT_BREAKER_COOLDOWN", "2m")
	cfg.LeaderRetryIntervalStr = envOr("LEADER_RETRY_INTERVAL", "5s")
	cfg.LeaderHeartbeatIntervalStr = envOr("LEADER_HEARTBEAT_INTERVAL", "2s")
	cfg.TopicCacheTTLStr = envOr("TOPIC_CACHE_TTL", "0s")
	cfg.AnalyticsWindowStr = envOr("ANALYTICS_WINDOW", "1m")
	cfg.AnalyticsRetentionStr = envOr("ANALYTICS_RETENTION", "24h")

	// Parse durations; validation is handled separately by Validate().
	for _, d := range cfg.durations() {
		if v, err := time.ParseDuration(d.raw); err == nil {
			*d.dst = v
		}
	}

	return cfg
}

// TopicNotificationsEnabled reports whether topic recipients are expanded.
// It reads the environment on every call so the toggle can change at runtime.
func TopicNotificationsEnabled() bool {
	return os.Getenv(TopicNotificationsFlag) == "true"
}

type durationField struct {
	env       string
	raw       string
	dst       *time.Duration
	allowZero bool
}

func (c *Config) durations() []durationField {
	return []durationField{
		{"DB_OP_TIMEOUT", c.DBOpTimeoutStr, &c.DBOpTimeout, false},
		{"DB_CONN_MAX_LIFETIME", c.DBConnMaxLifetimeStr, &c.DBConnMaxLifetime, false},
		{"DB_CONN_MAX_IDLE_TIME", c.DBConnMaxIdleTimeStr, &c.DBConnMaxIdleTime, false},
		{"HTTP_SHUTDOWN_TIMEOUT", c.HTTPShutdownTimeoutStr, &c.HTTPShutdownTimeout, false},
		{"DISPATCHER_DRAIN_TIMEOUT", c.DispatcherDrainTimeoutStr, &c.DispatcherDrainTimeout, false},
		{"PROVIDER_TIMEOUT", c.ProviderTimeoutStr, &c.ProviderTimeout, false},
		{"RECONCILE_THRESHOLD", c.ReconcileThresholdStr, &c.ReconcileThreshold, false},
		{"CIRCUIT_BREAKER_COOLDOWN", c.CircuitBreakerCooldownStr, &c.CircuitBreakerCooldown, false},
		{"LEADER_RETRY_INTERVAL", c.LeaderRetryIntervalStr, &c.LeaderRetryInterval, false},
		{"LEADER_HEARTBEAT_INTERVAL", c.LeaderHeartbeatIntervalStr, &c.LeaderHeartbeatInterval, false},
		{"TOPIC_CACHE_TTL", c.TopicCacheTTLStr, &c.TopicCacheTTL, true},
		{"ANALYTICS_WINDOW", c.AnalyticsWindowStr, &c.AnalyticsWindow, false},
		{"ANALYTICS_RETENTION", c.AnalyticsRetentionStr, &c.AnalyticsRetention, false},
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envPositiveInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		log.Printf("config: invalid %s %q (must be a positive integer), using default %d", key, s, def)
		return def
	}
	return n
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := c
	masked.DatabaseURL = maskSecret(c.DatabaseURL)

	out := struct {
		Config
		SinchToken    string `json:"sinch_token,omitempty"`
		TwwPassword   string `json:"tww_password,omitempty"`
		FCMPrivateKey string `json:"fcm_private_key,omitempty"`
	}{
		Config:        masked,
		SinchToken:    maskSecret(c.SinchToken),
		TwwPassword:   maskSecret(c.TwwPassword),
		FCMPrivateKey: maskSecret(c.FCMPrivateKey),
	}
	return json.MarshalIndent(out, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if len(s) >= len(scheme) && s[:len(scheme)] == scheme {
			return scheme + "***"
		}
	}
	return "***"
}
