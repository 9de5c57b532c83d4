// Package config loads the server configuration from YAML with
// environment overrides: defaults first, file second, env last, then
// validation with defaulting.
package config

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Listen     string          `yaml:"listen"`
	DBPath     string          `yaml:"db_path"`
	AdminToken string          `yaml:"admin_token"`
	Executor   ExecutorConfig  `yaml:"executor"`
	Signing    SigningConfig   `yaml:"signing"`
	Audit      AuditConfig     `yaml:"audit"`
	Verify     VerifyConfig    `yaml:"verification"`
	Dispatch   DispatchConfig  `yaml:"dispatch"`
	RateLimit  RateLimitConfig `yaml:"rate_limit"`
	TwoFactor  TwoFactorConfig `yaml:"two_factor"`
	Logging    LoggingConfig   `yaml:"logging"`
	Tracing    TracingConfig   `yaml:"tracing"`
}

type ExecutorConfig struct {
	BaseURL        string `yaml:"base_url"`
	RequestTimeout int    `yaml:"request_timeout_s"`
	RetryBackoffMs int    `yaml:"retry_backoff_ms"`
}

type SigningConfig struct {
	// Service Ed25519 keys, base64. The private key signs outbound
	// envelopes; the executor public key verifies inbound webhooks.
	PrivateKeyB64           string `yaml:"private_key_b64"`
	ExecutorPublicKeyB64    string `yaml:"executor_public_key_b64"`
	RequireWebhookSignature bool   `yaml:"require_webhook_signature"`
}

type AuditConfig struct {
	ArchivePath string `yaml:"archive_path"`
}

type VerifyConfig struct {
	DelaySeconds int `yaml:"delay_s"`
}

type DispatchConfig struct {
	Workers     int `yaml:"workers"`
	QueueDepth  int `yaml:"queue_depth"`
	EnvelopeTTL int `yaml:"envelope_ttl_s"`
}

type RateLimitConfig struct {
	SubmitPerMinute int `yaml:"submit_per_minute"`
}

type TwoFactorConfig struct {
	Issuer         string `yaml:"issuer"`
	PendingTTLSecs int    `yaml:"pending_ttl_s"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
	LogSpans    bool    `yaml:"log_spans"`
}

func DefaultConfig() *ServerConfig {
	return &ServerConfig{
		Listen: ":8080",
		DBPath: "countersign.db",
		Executor: ExecutorConfig{
			BaseURL:        "http://localhost:9000",
			RequestTimeout: 5,
			RetryBackoffMs: 200,
		},
		Signing: SigningConfig{
			RequireWebhookSignature: true,
		},
		Audit: AuditConfig{
			ArchivePath: "audit/archive.jsonl",
		},
		Verify: VerifyConfig{
			DelaySeconds: 10,
		},
		Dispatch: DispatchConfig{
			Workers:     4,
			QueueDepth:  256,
			EnvelopeTTL: 300,
		},
		RateLimit: RateLimitConfig{
			SubmitPerMinute: 120,
		},
		TwoFactor: TwoFactorConfig{
			Issuer:         "Countersign",
			PendingTTLSecs: 600,
		},
		Logging: LoggingConfig{
			Level: "info",
			JSON:  true,
		},
		Tracing: TracingConfig{
			SampleRatio: 1,
		},
	}
}

// Load reads config from file (if present) with env var overrides.
func Load(path string) (*ServerConfig, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		}
	}

	if v := os.Getenv("COUNTERSIGN_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("COUNTERSIGN_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("COUNTERSIGN_ADMIN_TOKEN"); v != "" {
		cfg.AdminToken = v
	}
	if v := os.Getenv("COUNTERSIGN_EXECUTOR_URL"); v != "" {
		cfg.Executor.BaseURL = v
	}
	if v := os.Getenv("COUNTERSIGN_PRIVATE_KEY_B64"); v != "" {
		cfg.Signing.PrivateKeyB64 = v
	}
	if v := os.Getenv("COUNTERSIGN_EXECUTOR_PUBLIC_KEY_B64"); v != "" {
		cfg.Signing.ExecutorPublicKeyB64 = v
	}
	if v := os.Getenv("COUNTERSIGN_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	return cfg, nil
}

func (c *ServerConfig) Validate() error {
	if c.Listen == "" {
		return &Error{"listen address is required"}
	}
	if c.Executor.BaseURL == "" {
		return &Error{"executor base_url is required"}
	}
	c.Executor.BaseURL = strings.TrimRight(c.Executor.BaseURL, "/")
	if c.Executor.RequestTimeout <= 0 {
		c.Executor.RequestTimeout = 5
	}
	if c.Executor.RetryBackoffMs <= 0 {
		c.Executor.RetryBackoffMs = 200
	}
	if c.Verify.DelaySeconds <= 0 {
		c.Verify.DelaySeconds = 10
	}
	if c.Dispatch.Workers <= 0 {
		c.Dispatch.Workers = 4
	}
	if c.Dispatch.QueueDepth <= 0 {
		c.Dispatch.QueueDepth = 256
	}
	if c.Dispatch.EnvelopeTTL <= 0 {
		c.Dispatch.EnvelopeTTL = 300
	}
	if c.TwoFactor.Issuer == "" {
		c.TwoFactor.Issuer = "Countersign"
	}
	if c.TwoFactor.PendingTTLSecs <= 0 {
		c.TwoFactor.PendingTTLSecs = 600
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 1
	}
	return nil
}

type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
