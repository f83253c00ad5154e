package state

import "fmt"

// EngineConfig holds the instance-wide engine parameters. One per engine;
// mutable only through an owner-authorized update.
type EngineConfig struct {
	Owner                  string `json:"owner"`
	CollateralAsset        string `json:"collateral_asset"`
	Decimals               int64  `json:"decimals"` // materialized scale factor, e.g. 10^9
	InitMarginRatio        int64  `json:"init_margin_ratio"`
	MaintenanceMarginRatio int64  `json:"maintenance_margin_ratio"`
	LiquidationFee         int64  `json:"liquidation_fee"`
}

func (c EngineConfig) Validate() error {
	if c.Owner == "" {
		return fmt.Errorf("owner must be set")
	}
	if c.CollateralAsset == "" {
		return fmt.Errorf("collateral_asset must be set")
	}
	if c.Decimals <= 0 {
		return fmt.Errorf("decimals must be > 0, got %d", c.Decimals)
	}
	if c.InitMarginRatio < 0 {
		return fmt.Errorf("init_margin_ratio must be >= 0, got %d", c.InitMarginRatio)
	}
	if c.MaintenanceMarginRatio < 0 {
		return fmt.Errorf("maintenance_margin_ratio must be >= 0, got %d", c.MaintenanceMarginRatio)
	}
	if c.LiquidationFee < 0 {
		return fmt.Errorf("liquidation_fee must be >= 0, got %d", c.LiquidationFee)
	}
	return nil
}
