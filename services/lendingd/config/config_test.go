package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
listen: " :6000 "
tls:
  allow_insecure: true
auth:
  api_tokens:
    - " token-one "
    - " "
    - "token-two"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress != ":6000" {
		t.Fatalf("unexpected listen address: %q", cfg.ListenAddress)
	}
	if !cfg.TLS.AllowInsecure {
		t.Fatalf("expected allow_insecure to propagate")
	}
	if len(cfg.Auth.APITokens) != 2 {
		t.Fatalf("expected 2 trimmed api tokens, got %d", len(cfg.Auth.APITokens))
	}
}

func TestLoadConfigRequiresAuthenticators(t *testing.T) {
	path := writeConfig(t, `
listen: ":50053"
tls:
  cert: "server.crt"
  key: "server.key"
auth: {}
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error when no authenticators are configured")
	}
}

func TestLoadConfigValidatesTLS(t *testing.T) {
	path := writeConfig(t, `
listen: ":50053"
tls:
  cert: "server.crt"
auth:
  api_tokens:
    - token
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error when tls key is missing")
	}
}

func TestLoadConfigValidatesMTLSDependencies(t *testing.T) {
	path := writeConfig(t, `
listen: ":50053"
tls:
  cert: "server.crt"
  key: "server.key"
auth:
  mtls:
    allowed_common_names: [client]
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error when mtls is configured without api tokens or client ca")
	}
}

func TestLoadConfigRequiresTLSMaterialUnlessInsecure(t *testing.T) {
	path := writeConfig(t, `
listen: ":50053"
auth:
  api_tokens: [token]
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error when tls material missing without allow_insecure")
	}
}

func TestLoadConfigStoreAndVault(t *testing.T) {
	path := writeConfig(t, `
listen: "127.0.0.1:50053"
admin_listen: "127.0.0.1:9500"
engine_config: " lending.toml "
tls:
  allow_insecure: true
auth:
  api_tokens: [token]
store:
  kind: " LevelDB "
  path: /var/lib/lendingd
vault:
  max_payout: "5000"
  halted: true
oracle:
  numerator: 3
  denominator: 2
logging:
  level: " DEBUG "
  file: /var/log/lendingd.log
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Store.Kind != StoreLevelDB || cfg.Store.SQL() {
		t.Fatalf("unexpected store kind: %q", cfg.Store.Kind)
	}
	if cfg.AdminAddress != "127.0.0.1:9500" {
		t.Fatalf("unexpected admin address: %q", cfg.AdminAddress)
	}
	if cfg.EngineConfigPath != "lending.toml" {
		t.Fatalf("unexpected engine config path: %q", cfg.EngineConfigPath)
	}
	ceiling, err := cfg.Vault.MaxPayoutAmount()
	if err != nil || ceiling == nil || ceiling.Int64() != 5000 {
		t.Fatalf("unexpected max payout: %v (%v)", ceiling, err)
	}
	if !cfg.Vault.Halted {
		t.Fatalf("expected halted vault")
	}
	if cfg.Oracle.Numerator != 3 || cfg.Oracle.Denominator != 2 {
		t.Fatalf("unexpected oracle: %+v", cfg.Oracle)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("unexpected log level: %q", cfg.Logging.Level)
	}
	if cfg.RateLimitPerMinute != 600 || cfg.FlushRetrySeconds != 15 {
		t.Fatalf("expected defaults, got rate=%d flush=%d", cfg.RateLimitPerMinute, cfg.FlushRetrySeconds)
	}
}

func TestLoadConfigDefaultsToMemoryStore(t *testing.T) {
	path := writeConfig(t, `
tls:
  allow_insecure: true
auth:
  api_tokens: [token]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Store.Kind != StoreMemory {
		t.Fatalf("expected memory store, got %q", cfg.Store.Kind)
	}
	if cfg.AdminAddress != "127.0.0.1:9464" {
		t.Fatalf("unexpected admin default: %q", cfg.AdminAddress)
	}
}

func TestLoadConfigStoreDSNFromEnv(t *testing.T) {
	t.Setenv(DSNEnv, "host=db user=lending dbname=lending")
	path := writeConfig(t, `
tls:
  allow_insecure: true
auth:
  api_tokens: [token]
store:
  kind: postgres
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Store.DSN != "host=db user=lending dbname=lending" || !cfg.Store.SQL() {
		t.Fatalf("expected dsn from env, got %q", cfg.Store.DSN)
	}
}

func TestLoadConfigRejectsBadStoreAndVault(t *testing.T) {
	cases := map[string]string{
		"unknown store": "store:\n  kind: redis\n",
		"leveldb path":  "store:\n  kind: leveldb\n",
		"sqlite dsn":    "store:\n  kind: sqlite\n",
		"max payout":    "vault:\n  max_payout: lots\n",
		"oracle half":   "oracle:\n  numerator: 2\n",
		"webhook":       "webhook:\n  url: https://hooks.example/lending\n",
	}
	for name, extra := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(DSNEnv, "")
			t.Setenv(WebhookSecretEnv, "")
			path := writeConfig(t, "tls:\n  allow_insecure: true\nauth:\n  api_tokens: [token]\n"+extra)
			if _, err := Load(path); err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}
}

func TestLoadConfigWebhookSecretFromEnv(t *testing.T) {
	t.Setenv(WebhookSecretEnv, "whsec")
	path := writeConfig(t, `
tls:
  allow_insecure: true
auth:
  api_tokens: [token]
webhook:
  url: " https://hooks.example/lending "
  events: [lending.loan.created, lending.loan.repaid]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Webhook.URL != "https://hooks.example/lending" || cfg.Webhook.Secret != "whsec" {
		t.Fatalf("unexpected webhook config %+v", cfg.Webhook)
	}
	if len(cfg.Webhook.Events) != 2 {
		t.Fatalf("expected two event filters, got %v", cfg.Webhook.Events)
	}
}

func TestLoadConfigNATS(t *testing.T) {
	path := writeConfig(t, `
tls:
  allow_insecure: true
auth:
  api_tokens: ["t"]
nats:
  url: " nats://127.0.0.1:4222 "
  subject_prefix: "ops.lending"
  max_age_hours: 24
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.NATS.URL != "nats://127.0.0.1:4222" || cfg.NATS.SubjectPrefix != "ops.lending" || cfg.NATS.MaxAgeHours != 24 {
		t.Fatalf("unexpected nats config: %+v", cfg.NATS)
	}

	path = writeConfig(t, `
tls:
  allow_insecure: true
auth:
  api_tokens: ["t"]
nats:
  stream: "EVENTS"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error when stream is set without url")
	}
}
