package risk

import (
	"github.com/IggyIkenna/basis-strategy-v1/internal/schema"
	"github.com/shopspring/decimal"
)

// Limit configures one metric family.
type Limit struct {
	Enabled   bool            `json:"enabled"`
	Threshold decimal.Decimal `json:"threshold"`
	Severity  schema.Severity `json:"severity"`
}

// Config defines the risk limits of a strategy.
type Config struct {
	// KillSwitch forces an exit advisory regardless of metrics.
	KillSwitch bool `json:"killSwitch"`

	// HealthFactor is the minimum collateral health on lending venues.
	HealthFactor Limit `json:"healthFactor"`
	// MarginRatio is the minimum venue equity / perp notional.
	MarginRatio Limit `json:"marginRatio"`
	// LiquidationDistance is the minimum |liq price - mark| / mark.
	LiquidationDistance Limit `json:"liquidationDistance"`
	// FundingRate is the maximum per-period funding paid by the held side.
	FundingRate Limit `json:"fundingRate"`
	// DeltaRatio is the maximum |net delta| / gross exposure.
	DeltaRatio Limit `json:"deltaRatio"`

	// MaintenanceMargin is the perp maintenance margin rate used for liquidation prices.
	MaintenanceMargin decimal.Decimal `json:"maintenanceMargin"`
	// Hysteresis keeps a breached metric breached until it clears the threshold
	// by this fraction of the threshold.
	Hysteresis decimal.Decimal `json:"hysteresis"`
	// StableBand is the relative change under which a metric trend is STABLE.
	StableBand decimal.Decimal `json:"stableBand"`
}
