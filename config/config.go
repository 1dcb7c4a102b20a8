package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"nhblend/native/lending"
)

// Config is the TOML document holding the lending engine parameters together
// with the runtime pause and quota policy.
type Config struct {
	Lending lending.Config `toml:"lending"`
	Pauses  Pauses         `toml:"pauses"`
	Quotas  Quotas         `toml:"quotas"`
}

// Default returns the configuration written when no file exists.
func Default() *Config {
	return &Config{
		Lending: lending.DefaultConfig(),
		Quotas: Quotas{
			Lending: Quota{MaxRequestsPerEpoch: 60, EpochSeconds: 3600},
		},
	}
}

// Load reads the configuration at path. A missing file is created with the
// defaults so operators have a template to edit.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown key %s", path, undecoded[0].String())
	}
	cfg.Lending.EnsureDefaults()
	if err := ValidateConfig(*cfg); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// LoadLending reads only the engine parameters from path.
func LoadLending(path string) (lending.Params, error) {
	cfg, err := Load(path)
	if err != nil {
		return lending.Params{}, err
	}
	return cfg.Lending.Params()
}

func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
