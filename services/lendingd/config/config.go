package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"nhblend/services/lending/stores"
)

// Store backends accepted by store.kind.
const (
	StoreMemory   = stores.KindMemory
	StoreLevelDB  = stores.KindLevelDB
	StoreBolt     = stores.KindBolt
	StoreSQLite   = stores.KindSQLite
	StorePostgres = stores.KindPostgres
)

// DSNEnv overrides store.dsn so database passwords stay out of the file.
const DSNEnv = "LENDINGD_STORE_DSN"

// WebhookSecretEnv overrides webhook.secret.
const WebhookSecretEnv = "LENDINGD_WEBHOOK_SECRET"

// Config captures the runtime settings for the lending service daemon.
type Config struct {
	ListenAddress      string        `yaml:"listen"`
	// AdminAddress serves /metrics, /healthz and /ws/events. Empty disables it.
	AdminAddress       string        `yaml:"admin_listen"`
	EngineConfigPath   string        `yaml:"engine_config"`
	RateLimitPerMinute int           `yaml:"rate_limit_per_min"`
	FlushRetrySeconds  int           `yaml:"flush_retry_seconds"`
	TLS                TLSConfig     `yaml:"tls"`
	Auth               AuthConfig    `yaml:"auth"`
	Store              StoreConfig   `yaml:"store"`
	Vault              VaultConfig   `yaml:"vault"`
	Oracle             OracleConfig  `yaml:"oracle"`
	Logging            LoggingConfig `yaml:"logging"`
	Webhook            WebhookConfig `yaml:"webhook"`
	NATS               NATSConfig    `yaml:"nats"`
}

// StoreConfig selects where engine state is persisted.
type StoreConfig struct {
	Kind string `yaml:"kind"`
	Path string `yaml:"path"`
	DSN  string `yaml:"dsn"`
}

// VaultConfig tunes the payout vault.
type VaultConfig struct {
	// Path is the LevelDB directory used for payout records when the engine
	// store is SQL backed. KV stores share their database with the vault.
	Path      string `yaml:"path"`
	MaxPayout string `yaml:"max_payout"`
	Halted    bool   `yaml:"halted"`
}

// OracleConfig prices one borrow unit at numerator/denominator native units.
// Zero values keep the identity oracle.
type OracleConfig struct {
	Numerator   uint64 `yaml:"numerator"`
	Denominator uint64 `yaml:"denominator"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// WebhookConfig forwards engine events to an HTTP endpoint. An empty URL
// disables delivery.
type WebhookConfig struct {
	URL         string   `yaml:"url"`
	Secret      string   `yaml:"secret"`
	Events      []string `yaml:"events"`
	MaxAttempts int      `yaml:"max_attempts"`
}

// NATSConfig publishes engine events to a JetStream stream. An empty URL
// disables the bus.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	Stream        string `yaml:"stream"`
	MaxAgeHours   int    `yaml:"max_age_hours"`
}

// TLSConfig describes the TLS material for the gRPC server.
type TLSConfig struct {
	CertPath      string `yaml:"cert"`
	KeyPath       string `yaml:"key"`
	ClientCAPath  string `yaml:"client_ca"`
	AllowInsecure bool   `yaml:"allow_insecure"`
}

// AuthConfig lists the authenticators accepted by the service.
type AuthConfig struct {
	APITokens []string       `yaml:"api_tokens"`
	MTLS      MTLSAuthConfig `yaml:"mtls"`
}

// MTLSAuthConfig enumerates the allowed client certificate identities.
type MTLSAuthConfig struct {
	AllowedCommonNames []string `yaml:"allowed_common_names"`
}

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{
		ListenAddress: ":50053",
	}
	cfg.applyDefaults()
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":50053"
	}
	cfg.AdminAddress = strings.TrimSpace(cfg.AdminAddress)
	cfg.EngineConfigPath = strings.TrimSpace(cfg.EngineConfigPath)
	if cfg.EngineConfigPath == "" {
		cfg.EngineConfigPath = "services/lendingd/lending.toml"
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 600
	}
	if cfg.FlushRetrySeconds <= 0 {
		cfg.FlushRetrySeconds = 15
	}
	cfg.TLS.normalize()
	cfg.Auth.normalize()
	cfg.Store.normalize()
	cfg.Vault.Path = strings.TrimSpace(cfg.Vault.Path)
	cfg.Vault.MaxPayout = strings.TrimSpace(cfg.Vault.MaxPayout)
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	cfg.Logging.File = strings.TrimSpace(cfg.Logging.File)
	cfg.Webhook.URL = strings.TrimSpace(cfg.Webhook.URL)
	cfg.Webhook.Events = compact(cfg.Webhook.Events)
	cfg.Webhook.Secret = strings.TrimSpace(cfg.Webhook.Secret)
	if env := strings.TrimSpace(os.Getenv(WebhookSecretEnv)); env != "" {
		cfg.Webhook.Secret = env
	}
	cfg.NATS.URL = strings.TrimSpace(cfg.NATS.URL)
	cfg.NATS.SubjectPrefix = strings.TrimSpace(cfg.NATS.SubjectPrefix)
	cfg.NATS.Stream = strings.TrimSpace(cfg.NATS.Stream)
}

func (cfg *Config) applyDefaults() {
	cfg.AdminAddress = "127.0.0.1:9464"
	cfg.Store.Kind = StoreMemory
	cfg.Logging.Level = "info"
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if err := cfg.TLS.validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if err := cfg.Auth.validate(cfg.TLS); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := cfg.Store.validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if _, err := cfg.Vault.MaxPayoutAmount(); err != nil {
		return fmt.Errorf("vault: %w", err)
	}
	if (cfg.Oracle.Numerator == 0) != (cfg.Oracle.Denominator == 0) {
		return fmt.Errorf("oracle: numerator and denominator must both be set")
	}
	if cfg.Webhook.URL != "" && cfg.Webhook.Secret == "" {
		return fmt.Errorf("webhook: secret required (or %s)", WebhookSecretEnv)
	}
	if cfg.NATS.MaxAgeHours < 0 {
		return fmt.Errorf("nats: max_age_hours must not be negative")
	}
	if cfg.NATS.URL == "" && (cfg.NATS.SubjectPrefix != "" || cfg.NATS.Stream != "") {
		return fmt.Errorf("nats: url required when subject_prefix or stream is set")
	}
	return nil
}

func (cfg *StoreConfig) normalize() {
	cfg.Kind = strings.ToLower(strings.TrimSpace(cfg.Kind))
	if cfg.Kind == "" {
		cfg.Kind = StoreMemory
	}
	cfg.Path = strings.TrimSpace(cfg.Path)
	cfg.DSN = strings.TrimSpace(cfg.DSN)
	if env := strings.TrimSpace(os.Getenv(DSNEnv)); env != "" {
		cfg.DSN = env
	}
}

func (cfg StoreConfig) validate() error {
	switch cfg.Kind {
	case StoreMemory:
		return nil
	case StoreLevelDB, StoreBolt:
		if cfg.Path == "" {
			return fmt.Errorf("%s store requires path", cfg.Kind)
		}
		return nil
	case StoreSQLite, StorePostgres:
		if cfg.DSN == "" {
			return fmt.Errorf("%s store requires dsn (or %s)", cfg.Kind, DSNEnv)
		}
		return nil
	default:
		return fmt.Errorf("unknown kind %q", cfg.Kind)
	}
}

// SQL reports whether the store is backed by a SQL database.
func (cfg StoreConfig) SQL() bool {
	return cfg.Kind == StoreSQLite || cfg.Kind == StorePostgres
}

// MaxPayoutAmount parses the payout ceiling. Empty disables it.
func (cfg VaultConfig) MaxPayoutAmount() (*big.Int, error) {
	if cfg.MaxPayout == "" {
		return nil, nil
	}
	amount, ok := new(big.Int).SetString(cfg.MaxPayout, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("max_payout %q is not a non-negative integer", cfg.MaxPayout)
	}
	return amount, nil
}

func (cfg *TLSConfig) normalize() {
	cfg.CertPath = strings.TrimSpace(cfg.CertPath)
	cfg.KeyPath = strings.TrimSpace(cfg.KeyPath)
	cfg.ClientCAPath = strings.TrimSpace(cfg.ClientCAPath)
}

func (cfg TLSConfig) validate() error {
	hasCert := cfg.CertPath != ""
	hasKey := cfg.KeyPath != ""
	if hasCert != hasKey {
		return fmt.Errorf("cert and key must either both be provided or both be empty")
	}
	if !cfg.AllowInsecure && !hasCert {
		return fmt.Errorf("cert and key are required unless allow_insecure=true")
	}
	if cfg.ClientCAPath != "" && !hasCert {
		return fmt.Errorf("client_ca requires a server certificate and key")
	}
	return nil
}

// MTLSEnabled reports whether mutual TLS verification is configured.
func (cfg TLSConfig) MTLSEnabled() bool {
	return strings.TrimSpace(cfg.ClientCAPath) != ""
}

func (cfg *AuthConfig) normalize() {
	cfg.APITokens = compact(cfg.APITokens)
	cfg.MTLS.AllowedCommonNames = compact(cfg.MTLS.AllowedCommonNames)
}

// compact trims every entry and drops the blank ones.
func compact(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func (cfg AuthConfig) validate(tls TLSConfig) error {
	hasTokens := len(cfg.APITokens) > 0
	hasMTLS := len(cfg.MTLS.AllowedCommonNames) > 0
	if !hasTokens && !hasMTLS {
		return fmt.Errorf("at least one api token or mTLS common name must be configured")
	}
	if hasMTLS && strings.TrimSpace(tls.ClientCAPath) == "" {
		return fmt.Errorf("mtls.allowed_common_names requires tls.client_ca to be configured")
	}
	return nil
}
