package leased

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"rentflow/observability/logging"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText is used by the TOML decoder.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for leased.
type Config struct {
	ListenAddress string           `yaml:"listen" toml:"listen"`
	Environment   string           `yaml:"env" toml:"env"`
	ExplorerURL   string           `yaml:"explorer_url" toml:"explorer_url"`
	Database      DatabaseConfig   `yaml:"database" toml:"database"`
	Logging       LoggingConfig    `yaml:"logging" toml:"logging"`
	Telemetry     TelemetryConfig  `yaml:"telemetry" toml:"telemetry"`
	Auth          AuthConfig       `yaml:"auth" toml:"auth"`
	RateLimit     RateLimitConfig  `yaml:"rate_limit" toml:"rate_limit"`
	Settlement    SettlementConfig `yaml:"settlement" toml:"settlement"`
	Signer        SignerConfig     `yaml:"signer" toml:"signer"`
	Lock          LockConfig       `yaml:"lock" toml:"lock"`
	Outbox        OutboxConfig     `yaml:"outbox" toml:"outbox"`
	Chain         ChainConfig      `yaml:"chain" toml:"chain"`
	Recon         ReconConfig      `yaml:"recon" toml:"recon"`
}

// DatabaseConfig selects the gorm driver.
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
	DSNEnv string `yaml:"dsn_env" toml:"dsn_env"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level string              `yaml:"level" toml:"level"`
	File  *logging.FileConfig `yaml:"file" toml:"file"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool    `yaml:"insecure" toml:"insecure"`
	Headers     string  `yaml:"headers" toml:"headers"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

// AuthConfig configures bearer token verification. Tokens are issued by the
// platform's identity service; leased only verifies them.
type AuthConfig struct {
	Issuer       string   `yaml:"issuer" toml:"issuer"`
	Audience     []string `yaml:"audience" toml:"audience"`
	HSSecret     string   `yaml:"hs_secret" toml:"hs_secret"`
	HSSecretEnv  string   `yaml:"hs_secret_env" toml:"hs_secret_env"`
	HSSecretFile string   `yaml:"hs_secret_file" toml:"hs_secret_file"`
	RoleClaim    string   `yaml:"role_claim" toml:"role_claim"`
	MaxSkew      Duration `yaml:"max_skew" toml:"max_skew"`
}

// RateLimitConfig bounds requests per client.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// SettlementConfig points at the custodial payment processor.
type SettlementConfig struct {
	BaseURL        string   `yaml:"base_url" toml:"base_url"`
	APIKey         string   `yaml:"api_key" toml:"api_key"`
	APIKeyEnv      string   `yaml:"api_key_env" toml:"api_key_env"`
	Asset          string   `yaml:"asset" toml:"asset"`
	Timeout        Duration `yaml:"timeout" toml:"timeout"`
	PollInitial    Duration `yaml:"poll_initial" toml:"poll_initial"`
	PollMax        Duration `yaml:"poll_max" toml:"poll_max"`
	PollBudget     Duration `yaml:"poll_budget" toml:"poll_budget"`
	SubmitAttempts int      `yaml:"submit_attempts" toml:"submit_attempts"`
	SubmitBackoff  Duration `yaml:"submit_backoff" toml:"submit_backoff"`
}

// SignerConfig selects where custodial signatures come from: the remote
// wallet service ("http") or local keystores ("keystore").
type SignerConfig struct {
	Mode          string            `yaml:"mode" toml:"mode"`
	Endpoint      string            `yaml:"endpoint" toml:"endpoint"`
	APIKey        string            `yaml:"api_key" toml:"api_key"`
	APIKeyEnv     string            `yaml:"api_key_env" toml:"api_key_env"`
	CACert        string            `yaml:"ca_cert" toml:"ca_cert"`
	ClientCert    string            `yaml:"client_cert" toml:"client_cert"`
	ClientKey     string            `yaml:"client_key" toml:"client_key"`
	Keystores     map[string]string `yaml:"keystores" toml:"keystores"`
	PassphraseEnv string            `yaml:"passphrase_env" toml:"passphrase_env"`
}

// LockConfig selects the per-lease lock backend. Without a Redis URL an
// in-process lock is used, which is only correct for a single replica.
type LockConfig struct {
	RedisURL string   `yaml:"redis_url" toml:"redis_url"`
	TTL      Duration `yaml:"ttl" toml:"ttl"`
	Prefix   string   `yaml:"prefix" toml:"prefix"`
}

// OutboxConfig selects where lifecycle events are relayed.
type OutboxConfig struct {
	Interval      Duration          `yaml:"interval" toml:"interval"`
	Batch         int               `yaml:"batch" toml:"batch"`
	KafkaBrokers  []string          `yaml:"kafka_brokers" toml:"kafka_brokers"`
	TopicPrefix   string            `yaml:"topic_prefix" toml:"topic_prefix"`
	Topics        map[string]string `yaml:"topics" toml:"topics"`
	WebhookURL    string            `yaml:"webhook_url" toml:"webhook_url"`
	WebhookSecret string            `yaml:"webhook_secret" toml:"webhook_secret"`
	SecretEnv     string            `yaml:"webhook_secret_env" toml:"webhook_secret_env"`
}

// ChainConfig enables the on-chain signature mirror.
type ChainConfig struct {
	RPC           string `yaml:"rpc" toml:"rpc"`
	Contract      string `yaml:"contract" toml:"contract"`
	ChainID       int64  `yaml:"chain_id" toml:"chain_id"`
	Keystore      string `yaml:"keystore" toml:"keystore"`
	PassphraseEnv string `yaml:"passphrase_env" toml:"passphrase_env"`
}

// Enabled reports whether the mirror is configured.
func (c ChainConfig) Enabled() bool {
	return strings.TrimSpace(c.RPC) != "" && strings.TrimSpace(c.Contract) != ""
}

// ReconConfig drives the reconciliation scheduler.
type ReconConfig struct {
	Interval   Duration `yaml:"interval" toml:"interval"`
	StaleAfter Duration `yaml:"stale_after" toml:"stale_after"`
	PollBudget Duration `yaml:"poll_budget" toml:"poll_budget"`
	OutputDir  string   `yaml:"output_dir" toml:"output_dir"`
	DryRun     bool     `yaml:"dry_run" toml:"dry_run"`
}

// LoadConfig reads configuration from path. Files ending in .toml are decoded
// as TOML, everything else as YAML.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.normalise(); err != nil {
		return cfg, err
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Auth.RoleClaim == "" {
		cfg.Auth.RoleClaim = "role"
	}
	if cfg.Auth.MaxSkew.Duration == 0 {
		cfg.Auth.MaxSkew.Duration = 30 * time.Second
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 20
	}
	if cfg.Settlement.Timeout.Duration == 0 {
		cfg.Settlement.Timeout.Duration = 10 * time.Second
	}
	if cfg.Settlement.PollInitial.Duration == 0 {
		cfg.Settlement.PollInitial.Duration = time.Second
	}
	if cfg.Settlement.PollMax.Duration == 0 {
		cfg.Settlement.PollMax.Duration = 8 * time.Second
	}
	if cfg.Settlement.PollBudget.Duration == 0 {
		cfg.Settlement.PollBudget.Duration = 15 * time.Second
	}
	if cfg.Settlement.SubmitAttempts <= 0 {
		cfg.Settlement.SubmitAttempts = 3
	}
	if cfg.Settlement.SubmitBackoff.Duration == 0 {
		cfg.Settlement.SubmitBackoff.Duration = 250 * time.Millisecond
	}
	if cfg.Signer.Mode == "" {
		cfg.Signer.Mode = "http"
	}
	if cfg.Lock.TTL.Duration == 0 {
		cfg.Lock.TTL.Duration = 30 * time.Second
	}
	if cfg.Outbox.Interval.Duration == 0 {
		cfg.Outbox.Interval.Duration = 2 * time.Second
	}
	if cfg.Outbox.Batch <= 0 {
		cfg.Outbox.Batch = 100
	}
	if cfg.Recon.Interval.Duration == 0 {
		cfg.Recon.Interval.Duration = 5 * time.Minute
	}
	if cfg.Recon.StaleAfter.Duration == 0 {
		cfg.Recon.StaleAfter.Duration = 2 * time.Minute
	}
	if cfg.Recon.PollBudget.Duration == 0 {
		cfg.Recon.PollBudget.Duration = 5 * time.Second
	}
}

func (c *Config) normalise() error {
	dsn, err := resolveSecret("database.dsn", c.Database.DSN, c.Database.DSNEnv, "")
	if err != nil {
		return err
	}
	c.Database.DSN = dsn
	secret, err := resolveSecret("auth.hs_secret", c.Auth.HSSecret, c.Auth.HSSecretEnv, c.Auth.HSSecretFile)
	if err != nil {
		return err
	}
	c.Auth.HSSecret = secret
	apiKey, err := resolveSecret("settlement.api_key", c.Settlement.APIKey, c.Settlement.APIKeyEnv, "")
	if err != nil {
		return err
	}
	c.Settlement.APIKey = apiKey
	signerKey, err := resolveSecret("signer.api_key", c.Signer.APIKey, c.Signer.APIKeyEnv, "")
	if err != nil {
		return err
	}
	c.Signer.APIKey = signerKey
	webhookSecret, err := resolveSecret("outbox.webhook_secret", c.Outbox.WebhookSecret, c.Outbox.SecretEnv, "")
	if err != nil {
		return err
	}
	c.Outbox.WebhookSecret = webhookSecret
	c.Signer.Mode = strings.ToLower(strings.TrimSpace(c.Signer.Mode))
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	return nil
}

// resolveSecret prefers an inline value, then an environment variable, then a
// file.
func resolveSecret(name, inline, env, file string) (string, error) {
	if value := strings.TrimSpace(inline); value != "" {
		return value, nil
	}
	if env = strings.TrimSpace(env); env != "" {
		value := strings.TrimSpace(os.Getenv(env))
		if value == "" {
			return "", fmt.Errorf("%s: environment variable %s is empty", name, env)
		}
		return value, nil
	}
	if file = strings.TrimSpace(file); file != "" {
		contents, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("%s: read file: %w", name, err)
		}
		return strings.TrimSpace(string(contents)), nil
	}
	return "", nil
}

func validateConfig(cfg Config) error {
	switch cfg.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database driver %q is not supported", cfg.Database.Driver)
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database dsn must be configured")
	}
	if strings.TrimSpace(cfg.Auth.Issuer) == "" {
		return fmt.Errorf("auth issuer must be configured")
	}
	if len(cfg.Auth.Audience) == 0 {
		return fmt.Errorf("at least one auth audience is required")
	}
	if cfg.Auth.HSSecret == "" {
		return fmt.Errorf("auth hs_secret must be configured")
	}
	if strings.TrimSpace(cfg.Settlement.BaseURL) == "" {
		return fmt.Errorf("settlement base_url must be configured")
	}
	switch cfg.Signer.Mode {
	case "http":
		if strings.TrimSpace(cfg.Signer.Endpoint) == "" {
			return fmt.Errorf("signer endpoint must be configured")
		}
	case "keystore":
		if len(cfg.Signer.Keystores) == 0 {
			return fmt.Errorf("signer keystores must be configured")
		}
	default:
		return fmt.Errorf("signer mode %q is not supported", cfg.Signer.Mode)
	}
	if cfg.Chain.Enabled() && cfg.Chain.ChainID <= 0 {
		return fmt.Errorf("chain chain_id must be configured")
	}
	if cfg.Outbox.WebhookURL != "" && cfg.Outbox.WebhookSecret == "" {
		return fmt.Errorf("outbox webhook_secret must be configured with webhook_url")
	}
	return nil
}
