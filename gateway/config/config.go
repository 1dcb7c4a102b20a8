package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LendingTokenEnv overrides lending.apiToken so the secret stays out of the
// file.
const LendingTokenEnv = "NHB_GATEWAY_LENDING_TOKEN"

// ErrAuthEnabledNotConfigured is returned when a TLS-facing deployment leaves
// auth.enabled to the default.
var ErrAuthEnabledNotConfigured = errors.New("auth.enabled must be explicitly set for sensitive deployments")

// Config is the lending gateway configuration file.
type Config struct {
	ListenAddress string              `yaml:"listen"`
	ReadTimeout   time.Duration       `yaml:"readTimeout"`
	WriteTimeout  time.Duration       `yaml:"writeTimeout"`
	IdleTimeout   time.Duration       `yaml:"idleTimeout"`
	Lending       LendingConfig       `yaml:"lending"`
	RateLimits    []RateLimitConfig   `yaml:"rateLimits"`
	CORS          CORSConfig          `yaml:"cors"`
	Observability ObservabilityConfig `yaml:"observability"`
	Auth          AuthConfig          `yaml:"auth"`
	Security      SecurityConfig      `yaml:"security"`
}

// LendingConfig points the gateway at a lendingd gRPC endpoint. The endpoint
// scheme is grpc:// for plaintext or grpcs:// for TLS.
type LendingConfig struct {
	Endpoint string        `yaml:"endpoint"`
	APIToken string        `yaml:"apiToken"`
	Timeout  time.Duration `yaml:"timeout"`
	CAFile   string        `yaml:"caFile"`
}

// RateLimitConfig throttles one route group. Either a per-second or a
// per-minute rate may be given.
type RateLimitConfig struct {
	ID                string  `yaml:"id"`
	RequestsPerMinute float64 `yaml:"requestsPerMinute"`
	RatePerSecond     float64 `yaml:"ratePerSecond"`
	Burst             int     `yaml:"burst"`
}

// PerSecond resolves the configured rate.
func (r RateLimitConfig) PerSecond() float64 {
	if r.RatePerSecond > 0 {
		return r.RatePerSecond
	}
	if r.RequestsPerMinute > 0 {
		return r.RequestsPerMinute / 60
	}
	return 0
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

type ObservabilityConfig struct {
	ServiceName   string `yaml:"serviceName"`
	Metrics       bool   `yaml:"metrics"`
	Tracing       bool   `yaml:"tracing"`
	LogRequests   bool   `yaml:"logRequests"`
	MetricsPrefix string `yaml:"metricsPrefix"`
}

// AuthConfig configures bearer-token verification. AccountClaim names the JWT
// claim carrying the caller's lending account.
type AuthConfig struct {
	Enabled        bool          `yaml:"enabled"`
	HMACSecret     string        `yaml:"hmacSecret"`
	Issuer         string        `yaml:"issuer"`
	Audience       string        `yaml:"audience"`
	ScopeClaim     string        `yaml:"scopeClaim"`
	AccountClaim   string        `yaml:"accountClaim"`
	OptionalPaths  []string      `yaml:"optionalPaths"`
	AllowAnonymous bool          `yaml:"allowAnonymous"`
	ClockSkew      time.Duration `yaml:"clockSkew"`

	enabledSet        bool
	allowAnonymousSet bool
}

// UnmarshalYAML records whether enabled and allowAnonymous were written out,
// since both must be explicit in some deployments.
func (a *AuthConfig) UnmarshalYAML(node *yaml.Node) error {
	type plain AuthConfig
	var present struct {
		Enabled        *bool `yaml:"enabled"`
		AllowAnonymous *bool `yaml:"allowAnonymous"`
	}
	if err := node.Decode(&present); err != nil {
		return err
	}
	decoded := plain(*a)
	if err := node.Decode(&decoded); err != nil {
		return err
	}
	*a = AuthConfig(decoded)
	a.enabledSet = present.Enabled != nil
	a.allowAnonymousSet = present.AllowAnonymous != nil
	if !a.enabledSet {
		a.Enabled = false
	}
	return nil
}

// Defaults returns the configuration used when no file is supplied.
func Defaults() Config {
	return Config{
		ListenAddress: ":8080",
		ReadTimeout:   30 * time.Second,
		WriteTimeout:  30 * time.Second,
		IdleTimeout:   120 * time.Second,
		Lending: LendingConfig{
			Endpoint: "grpc://127.0.0.1:50053",
			Timeout:  10 * time.Second,
		},
		CORS: CORSConfig{AllowedOrigins: []string{"*"}},
		Observability: ObservabilityConfig{
			ServiceName:   "lending-gateway",
			Metrics:       true,
			Tracing:       true,
			LogRequests:   true,
			MetricsPrefix: "gateway",
		},
		Auth: AuthConfig{
			Enabled:      true,
			ScopeClaim:   "scope",
			AccountClaim: "sub",
			ClockSkew:    2 * time.Minute,
			enabledSet:   true,
		},
	}
}

// Load reads the YAML file at path over the defaults. An empty path yields the
// defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	if !cfg.Auth.enabledSet {
		cfg.Auth.Enabled = true
	}
	if cfg.Auth.ClockSkew <= 0 {
		cfg.Auth.ClockSkew = 2 * time.Minute
	}
	cfg.Auth.ScopeClaim = strings.TrimSpace(cfg.Auth.ScopeClaim)
	if cfg.Auth.ScopeClaim == "" {
		cfg.Auth.ScopeClaim = "scope"
	}
	cfg.Auth.AccountClaim = strings.TrimSpace(cfg.Auth.AccountClaim)
	if cfg.Auth.AccountClaim == "" {
		cfg.Auth.AccountClaim = "sub"
	}
	for i, path := range cfg.Auth.OptionalPaths {
		cfg.Auth.OptionalPaths[i] = strings.TrimSpace(path)
	}

	cfg.Lending.Endpoint = strings.TrimSpace(cfg.Lending.Endpoint)
	cfg.Lending.APIToken = strings.TrimSpace(cfg.Lending.APIToken)
	if env := strings.TrimSpace(os.Getenv(LendingTokenEnv)); env != "" {
		cfg.Lending.APIToken = env
	}
	if cfg.Lending.Timeout <= 0 {
		cfg.Lending.Timeout = 10 * time.Second
	}

	origins := cfg.CORS.AllowedOrigins[:0]
	for _, origin := range cfg.CORS.AllowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	cfg.CORS.AllowedOrigins = origins
}

// Validate checks cross-field constraints. Load calls it after applying
// defaults.
func (cfg *Config) Validate() error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if cfg.Security.sensitive() && !cfg.Auth.enabledSet {
		return ErrAuthEnabledNotConfigured
	}
	if cfg.Auth.AllowAnonymous && !cfg.Auth.allowAnonymousSet {
		return errors.New("auth.allowAnonymous must be explicitly set to true to enable anonymous access")
	}
	for i, path := range cfg.Auth.OptionalPaths {
		switch {
		case path == "":
			return fmt.Errorf("auth.optionalPaths[%d] cannot be empty", i)
		case !strings.HasPrefix(path, "/"):
			return fmt.Errorf("auth.optionalPaths[%d] must start with '/'", i)
		}
	}
	if cfg.Auth.Enabled && cfg.Auth.AllowAnonymous && len(cfg.Auth.OptionalPaths) == 0 {
		return errors.New("auth.optionalPaths must list at least one entry when auth.allowAnonymous is true")
	}
	seen := make(map[string]struct{}, len(cfg.RateLimits))
	for i, limit := range cfg.RateLimits {
		id := strings.TrimSpace(limit.ID)
		if id == "" {
			return fmt.Errorf("rateLimits[%d].id is required", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("rateLimits[%d]: duplicate id %q", i, id)
		}
		seen[id] = struct{}{}
		if limit.PerSecond() <= 0 || limit.Burst <= 0 {
			return fmt.Errorf("rateLimits[%d] (%s): rate and burst must be positive", i, id)
		}
	}
	if _, err := cfg.Lending.URL(); err != nil {
		return err
	}
	return nil
}

// URL parses the lending endpoint.
func (l LendingConfig) URL() (*url.URL, error) {
	if l.Endpoint == "" {
		return nil, errors.New("lending.endpoint is required")
	}
	parsed, err := url.Parse(l.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse lending.endpoint: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("lending.endpoint %q has no host", l.Endpoint)
	}
	return parsed, nil
}
