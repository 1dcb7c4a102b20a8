package config

import "fmt"

var (
	MinEpochSeconds = uint32(60)
)

func ValidateConfig(cfg Config) error {
	if _, err := cfg.Lending.Params(); err != nil {
		return fmt.Errorf("lending: %w", err)
	}
	q := cfg.Quotas.Lending
	limited := q.MaxRequestsPerEpoch > 0 || q.MaxAmountPerEpoch > 0
	if limited && q.EpochSeconds == 0 {
		return fmt.Errorf("quotas.lending: epoch_seconds required when a limit is set")
	}
	if q.EpochSeconds > 0 && q.EpochSeconds < MinEpochSeconds {
		return fmt.Errorf("quotas.lending: epoch_seconds too small")
	}
	return nil
}
