// Package config 编排服务配置
package config

import (
	"fmt"
	"strings"
	"time"

	envconfig "github.com/exchange/saga/pkg/config"
	redisx "github.com/exchange/saga/pkg/redis"
	"github.com/exchange/saga/pkg/validate"
)

// Version is overridden at build time with -ldflags.
var Version = "dev"

// Config 服务配置
type Config struct {
	ServiceName string
	AppEnv      string
	Version     string
	LogLevel    string
	HTTPPort    int

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTLS      redisx.TLSOptions

	// Transaction defaults
	DefaultTimeoutSeconds int
	DefaultRetryAttempts  int
	StepTimeout           time.Duration
	CompensationTimeout   time.Duration
	RetryBackoff          time.Duration

	// Scheduler
	MaxConcurrentSagas   int64
	ProcessInterval      time.Duration
	TimeoutCheckInterval time.Duration
	ShutdownTimeout      time.Duration

	// Store
	TTLGrace time.Duration
	LeaseTTL time.Duration

	// Named downstream services (name -> base URL)
	Services map[string]string

	// Events
	EventStream       string
	EventStreamMaxLen int64
	EventChannel      string

	// Audit trail, "" disables it
	AuditDSN string

	// HMAC secret for outbound step calls, "" sends them unsigned
	SigningSecret string

	// Tracing
	TracingEnabled    bool
	JaegerEndpoint    string
	TracingSampleRate float64

	WSAllowedOrigins []string
}

// Load 加载配置；只有 REDIS_TLS 无法解析时返回错误
func Load() (*Config, error) {
	tlsOpts, err := redisx.TLSOptionsFromEnv()
	if err != nil {
		return nil, err
	}

	return &Config{
		ServiceName: envconfig.GetEnv("SERVICE_NAME", "saga-orchestrator"),
		AppEnv:      envconfig.GetEnv("APP_ENV", "dev"),
		Version:     envconfig.GetEnv("APP_VERSION", Version),
		LogLevel:    envconfig.GetEnv("LOG_LEVEL", "info"),
		HTTPPort:    envconfig.GetEnvInt("HTTP_PORT", 8090),

		RedisAddr:     envconfig.GetEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: envconfig.GetEnv("REDIS_PASSWORD", ""),
		RedisDB:       envconfig.GetEnvInt("REDIS_DB", 0),
		RedisTLS:      tlsOpts,

		DefaultTimeoutSeconds: envconfig.GetEnvInt("SAGA_TIMEOUT_SECONDS", 300),
		DefaultRetryAttempts:  envconfig.GetEnvInt("SAGA_RETRY_ATTEMPTS", 3),
		StepTimeout:           envconfig.GetEnvSeconds("SAGA_STEP_TIMEOUT_SECONDS", 30*time.Second),
		CompensationTimeout:   envconfig.GetEnvSeconds("COMPENSATION_TIMEOUT_SECONDS", 60*time.Second),
		RetryBackoff:          envconfig.GetEnvDuration("SAGA_RETRY_BACKOFF", 500*time.Millisecond),

		MaxConcurrentSagas:   envconfig.GetEnvInt64("MAX_CONCURRENT_SAGAS", 100),
		ProcessInterval:      envconfig.GetEnvDuration("SAGA_PROCESS_INTERVAL", 5*time.Second),
		TimeoutCheckInterval: envconfig.GetEnvDuration("SAGA_TIMEOUT_CHECK_INTERVAL", 30*time.Second),
		ShutdownTimeout:      envconfig.GetEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

		TTLGrace: envconfig.GetEnvDuration("SAGA_TTL_GRACE", time.Hour),
		LeaseTTL: envconfig.GetEnvDuration("SAGA_LEASE_TTL", 30*time.Second),

		Services: envconfig.GetEnvMap("SAGA_SERVICES", map[string]string{}),

		EventStream:       envconfig.GetEnvOptional("SAGA_EVENT_STREAM", "saga:events"),
		EventStreamMaxLen: envconfig.GetEnvInt64("SAGA_EVENT_STREAM_MAXLEN", 100000),
		EventChannel:      envconfig.GetEnv("SAGA_EVENT_CHANNEL", "saga:{sagaId}:events"),

		AuditDSN: envconfig.GetEnv("AUDIT_DB_DSN", ""),

		SigningSecret: envconfig.GetEnv("SAGA_SIGNING_SECRET", ""),

		TracingEnabled:    envconfig.GetEnvBool("TRACING_ENABLED", false),
		JaegerEndpoint:    envconfig.GetEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
		TracingSampleRate: envconfig.GetEnvFloat64("TRACING_SAMPLE_RATE", 1.0),

		WSAllowedOrigins: envconfig.GetEnvSlice("WS_ALLOWED_ORIGINS", []string{"*"}),
	}, nil
}

// Validate 在启动任何组件之前检查配置
func (c *Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("HTTP_PORT must be between 1 and 65535")
	}
	if strings.TrimSpace(c.RedisAddr) == "" {
		return fmt.Errorf("REDIS_ADDR is required")
	}
	if err := c.RedisTLS.Validate(); err != nil {
		return err
	}
	if c.DefaultTimeoutSeconds < 1 || c.DefaultTimeoutSeconds > 7200 {
		return fmt.Errorf("SAGA_TIMEOUT_SECONDS must be between 1 and 7200")
	}
	if c.DefaultRetryAttempts < 0 || c.DefaultRetryAttempts > 10 {
		return fmt.Errorf("SAGA_RETRY_ATTEMPTS must be between 0 and 10")
	}
	if c.StepTimeout < time.Second || c.StepTimeout > time.Hour {
		return fmt.Errorf("SAGA_STEP_TIMEOUT_SECONDS must be between 1 and 3600")
	}
	if c.CompensationTimeout <= 0 {
		return fmt.Errorf("COMPENSATION_TIMEOUT_SECONDS must be positive")
	}
	if c.MaxConcurrentSagas <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_SAGAS must be positive")
	}
	if c.ProcessInterval <= 0 || c.TimeoutCheckInterval <= 0 {
		return fmt.Errorf("SAGA_PROCESS_INTERVAL and SAGA_TIMEOUT_CHECK_INTERVAL must be positive")
	}
	if c.LeaseTTL < 3*time.Second {
		return fmt.Errorf("SAGA_LEASE_TTL must be at least 3s")
	}
	if c.TTLGrace < 0 {
		return fmt.Errorf("SAGA_TTL_GRACE must not be negative")
	}
	if !strings.Contains(c.EventChannel, "{sagaId}") {
		return fmt.Errorf("SAGA_EVENT_CHANNEL must contain {sagaId}")
	}
	for name, target := range c.Services {
		if !validate.IsHTTPURL(target) {
			return fmt.Errorf("SAGA_SERVICES entry %q must be an absolute http(s) URL", name)
		}
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		return fmt.Errorf("TRACING_SAMPLE_RATE must be between 0 and 1")
	}
	if c.TracingEnabled && strings.TrimSpace(c.JaegerEndpoint) == "" {
		return fmt.Errorf("JAEGER_ENDPOINT is required when TRACING_ENABLED=true")
	}
	return nil
}

// ListenAddr 返回 HTTP 监听地址
func (c *Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}
