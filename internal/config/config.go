// Package config provides configuration loading for the taskgraph service.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the taskgraph service.
type Config struct {
	// Server configuration
	Port          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration // 0 keeps streaming responses open
	ShutdownGrace time.Duration

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// RunStore configuration
	RunStoreType string // "memory" or "redis"
	RunStoreTTL  time.Duration
	EventMaxLen  int64

	// Agent registry
	RegistryType string // "memory" or "redis"
	AgentsFile   string

	// OIDC configuration
	OIDCIssuer       string
	OIDCClientID     string
	OIDCClientSecret string
	OIDCEnabled      bool

	// CORS configuration
	CORSOrigins []string

	// Rate limiting
	RateLimitRPS   float64
	RateLimitBurst int

	// K8s configuration
	K8sEnabled    bool
	K8sNamespace  string
	K8sInCluster  bool
	K8sKubeconfig string

	// Execution
	DriverTimeout         time.Duration
	MaxConcurrentSessions int
	SessionIdleTTL        time.Duration
	MaxResults            int
	MaxHistory            int
	MaxAutoResume         int // 0 means uncapped
	MaxWalkCycles         int

	// LLM
	LLMAPIKey  string
	LLMBaseURL string
	LLMModel   string

	// Archive
	ArchiveType      string // "none", "memory", "s3" or "minio"
	ArchiveEndpoint  string
	ArchiveBucket    string
	ArchiveRegion    string
	ArchiveAccessKey string
	ArchiveSecretKey string
	ArchiveUseSSL    bool

	// Tracing
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		// Server
		Port:          getEnv("PORT", "7070"),
		ReadTimeout:   getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:  getDuration("WRITE_TIMEOUT", 0),
		ShutdownGrace: getDuration("SHUTDOWN_GRACE", 10*time.Second),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),

		// RunStore
		RunStoreType: getEnv("TASKGRAPH_RUNSTORE", "memory"),
		RunStoreTTL:  getDuration("RUNSTORE_TTL", 7*24*time.Hour),
		EventMaxLen:  getInt64("EVENT_MAX_LEN", 5000),

		// Registry
		RegistryType: getEnv("TASKGRAPH_REGISTRY", "memory"),
		AgentsFile:   getEnv("AGENTS_FILE", ""),

		// OIDC
		OIDCIssuer:       getEnv("OIDC_ISSUER", ""),
		OIDCClientID:     getEnv("OIDC_CLIENT_ID", ""),
		OIDCClientSecret: getEnv("OIDC_CLIENT_SECRET", ""),
		OIDCEnabled:      getBool("OIDC_ENABLED", false),

		// CORS
		CORSOrigins: getStringSlice("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}),

		// Rate limiting
		RateLimitRPS:   getFloat("RATE_LIMIT_RPS", 100.0),
		RateLimitBurst: getInt("RATE_LIMIT_BURST", 200),

		// K8s
		K8sEnabled:    getBool("K8S_ENABLED", false),
		K8sNamespace:  getEnv("K8S_NAMESPACE", "mentatlab"),
		K8sInCluster:  getBool("K8S_IN_CLUSTER", false),
		K8sKubeconfig: getEnv("KUBECONFIG", ""),

		// Execution
		DriverTimeout:         getDuration("DRIVER_TIMEOUT", 10*time.Minute),
		MaxConcurrentSessions: getInt("MAX_CONCURRENT_SESSIONS", 64),
		SessionIdleTTL:        getDuration("SESSION_IDLE_TTL", 30*time.Minute),
		MaxResults:            getInt("MAX_RESULTS", 64),
		MaxHistory:            getInt("MAX_HISTORY", 16),
		MaxAutoResume:         getInt("MAX_AUTO_RESUME", 0),
		MaxWalkCycles:         getInt("MAX_WALK_CYCLES", 64),

		// LLM
		LLMAPIKey:  getEnvFirst([]string{"LLM_API_KEY", "OPENAI_API_KEY", "DASHSCOPE_API_KEY"}, ""),
		LLMBaseURL: getEnv("LLM_BASE_URL", "https://dashscope.aliyuncs.com/compatible-mode/v1"),
		LLMModel:   getEnv("LLM_MODEL", "qwen-plus"),

		// Archive
		ArchiveType:      getEnv("ARCHIVE_TYPE", "none"),
		ArchiveEndpoint:  getEnv("ARCHIVE_ENDPOINT", ""),
		ArchiveBucket:    getEnv("ARCHIVE_BUCKET", ""),
		ArchiveRegion:    getEnv("ARCHIVE_REGION", ""),
		ArchiveAccessKey: getEnv("ARCHIVE_ACCESS_KEY", ""),
		ArchiveSecretKey: getEnv("ARCHIVE_SECRET_KEY", ""),
		ArchiveUseSSL:    getBool("ARCHIVE_USE_SSL", false),

		// Tracing
		TracingEnabled:    getBool("TRACING_ENABLED", false),
		OTLPEndpoint:      getEnv("OTLP_ENDPOINT", "localhost:4317"),
		TracingSampleRate: getFloat("TRACING_SAMPLE_RATE", 1.0),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if !slices.Contains([]string{"memory", "redis"}, c.RunStoreType) {
		errs = append(errs, fmt.Errorf("TASKGRAPH_RUNSTORE: unknown store %q", c.RunStoreType))
	}
	if !slices.Contains([]string{"memory", "redis"}, c.RegistryType) {
		errs = append(errs, fmt.Errorf("TASKGRAPH_REGISTRY: unknown registry %q", c.RegistryType))
	}
	if !slices.Contains([]string{"", "none", "memory", "s3", "minio"}, c.ArchiveType) {
		errs = append(errs, fmt.Errorf("ARCHIVE_TYPE: unknown archive %q", c.ArchiveType))
	}
	if c.MaxConcurrentSessions <= 0 {
		errs = append(errs, fmt.Errorf("MAX_CONCURRENT_SESSIONS must be positive, got %d", c.MaxConcurrentSessions))
	}
	if c.MaxAutoResume < 0 {
		errs = append(errs, fmt.Errorf("MAX_AUTO_RESUME must not be negative, got %d", c.MaxAutoResume))
	}
	if c.OIDCEnabled && (c.OIDCIssuer == "" || c.OIDCClientID == "") {
		errs = append(errs, errors.New("OIDC_ENABLED requires OIDC_ISSUER and OIDC_CLIENT_ID"))
	}
	return errors.Join(errs...)
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// getEnvFirst returns the first of keys that is set.
func getEnvFirst(keys []string, defaultVal string) string {
	for _, key := range keys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	return defaultVal
}

// getParsed returns parse(os.Getenv(key)), or defaultVal when the variable
// is unset or does not parse.
func getParsed[T any](key string, defaultVal T, parse func(string) (T, error)) T {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	v, err := parse(val)
	if err != nil {
		return defaultVal
	}
	return v
}

func getInt(key string, defaultVal int) int { return getParsed(key, defaultVal, strconv.Atoi) }

func getInt64(key string, defaultVal int64) int64 {
	return getParsed(key, defaultVal, func(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) })
}

func getFloat(key string, defaultVal float64) float64 {
	return getParsed(key, defaultVal, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
}

func getBool(key string, defaultVal bool) bool { return getParsed(key, defaultVal, strconv.ParseBool) }

func getDuration(key string, defaultVal time.Duration) time.Duration {
	return getParsed(key, defaultVal, time.ParseDuration)
}

func getStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		parts := strings.Split(val, ",")
		out := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultVal
}
