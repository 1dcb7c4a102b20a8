package config

import "nhblend/native/common"

// Pauses lists the modules halted at start-up.
type Pauses struct {
	Lending bool `toml:"Lending"`
}

// Quota defines rate limits for module interactions on a per-address basis.
type Quota struct {
	MaxRequestsPerEpoch uint32 `toml:"MaxRequestsPerEpoch"`
	MaxAmountPerEpoch   uint64 `toml:"MaxAmountPerEpoch"` // in base units
	EpochSeconds        uint32 `toml:"EpochSeconds"`
}

// Common converts the quota into the runtime tracker form.
func (q Quota) Common() common.Quota {
	return common.Quota{
		MaxRequestsPerEpoch: q.MaxRequestsPerEpoch,
		MaxAmountPerEpoch:   q.MaxAmountPerEpoch,
		EpochSeconds:        q.EpochSeconds,
	}
}

// Quotas groups quotas for each module.
type Quotas struct {
	Lending Quota `toml:"lending"`
}
