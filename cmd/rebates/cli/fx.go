package cli

import (
	"errors"

	"github.com/odyssey-erp/rebates/internal/fx"
)

// FXOpsCLI offers operational helpers to check the FX rates used by the engine.
type FXOpsCLI struct {
	table  fx.RateTable
	policy fx.Policy
}

// NewFXOpsCLI constructs a new helper instance.
func NewFXOpsCLI(table fx.RateTable, policy fx.Policy) (*FXOpsCLI, error) {
	if table == nil {
		return nil, errors.New("fx cli: rate table required")
	}
	policy, err := policy.Validate()
	if err != nil {
		return nil, err
	}
	return &FXOpsCLI{table: table, policy: policy}, nil
}
