package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Port != "7070" {
		t.Errorf("Port = %q", cfg.Port)
	}
	if cfg.WriteTimeout != 0 {
		t.Errorf("WriteTimeout = %v, streaming needs 0", cfg.WriteTimeout)
	}
	if cfg.RunStoreType != "memory" || cfg.RegistryType != "memory" {
		t.Errorf("stores = %q, %q", cfg.RunStoreType, cfg.RegistryType)
	}
	if cfg.MaxAutoResume != 0 || cfg.MaxWalkCycles != 64 || cfg.MaxResults != 64 || cfg.MaxHistory != 16 {
		t.Errorf("limits = %+v", cfg)
	}
	if cfg.LLMModel != "qwen-plus" {
		t.Errorf("LLMModel = %q", cfg.LLMModel)
	}
	if cfg.ArchiveType != "none" {
		t.Errorf("ArchiveType = %q", cfg.ArchiveType)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("TASKGRAPH_RUNSTORE", "redis")
	t.Setenv("SESSION_IDLE_TTL", "5m")
	t.Setenv("MAX_AUTO_RESUME", "2")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("K8S_ENABLED", "true")
	t.Setenv("TRACING_SAMPLE_RATE", "0.25")
	t.Setenv("EVENT_MAX_LEN", "not-a-number")

	cfg := Load()

	if cfg.Port != "9000" || cfg.RunStoreType != "redis" {
		t.Errorf("server = %q, %q", cfg.Port, cfg.RunStoreType)
	}
	if cfg.SessionIdleTTL != 5*time.Minute {
		t.Errorf("SessionIdleTTL = %v", cfg.SessionIdleTTL)
	}
	if cfg.MaxAutoResume != 2 {
		t.Errorf("MaxAutoResume = %d", cfg.MaxAutoResume)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Errorf("CORSOrigins = %q", cfg.CORSOrigins)
	}
	if !cfg.K8sEnabled || cfg.TracingSampleRate != 0.25 {
		t.Errorf("k8s = %v, sample = %v", cfg.K8sEnabled, cfg.TracingSampleRate)
	}
	if cfg.EventMaxLen != 5000 {
		t.Errorf("malformed EVENT_MAX_LEN should fall back, got %d", cfg.EventMaxLen)
	}
}

func TestLLMKeyFallback(t *testing.T) {
	t.Setenv("LLM_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("DASHSCOPE_API_KEY", "ds-key")
	if got := Load().LLMAPIKey; got != "ds-key" {
		t.Errorf("LLMAPIKey = %q", got)
	}

	t.Setenv("OPENAI_API_KEY", "oa-key")
	if got := Load().LLMAPIKey; got != "oa-key" {
		t.Errorf("LLMAPIKey = %q", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"unknown runstore", func(c *Config) { c.RunStoreType = "etcd" }, "TASKGRAPH_RUNSTORE"},
		{"unknown archive", func(c *Config) { c.ArchiveType = "gcs" }, "ARCHIVE_TYPE"},
		{"no pool", func(c *Config) { c.MaxConcurrentSessions = 0 }, "MAX_CONCURRENT_SESSIONS"},
		{"oidc without issuer", func(c *Config) { c.OIDCEnabled = true }, "OIDC_ENABLED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Load()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}
