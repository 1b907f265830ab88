package exit

import "time"

// Params holds every threshold the engine uses
type Params struct {
	// Regime rule
	ProfitHighPercent  float64 // pnl above which the strong profit branch applies
	MildLossPercent    float64 // pnl above which a loss counts as mild (negative)
	TightenTPHigh      float64 // TP pulled to within this fraction of price when pnl > ProfitHighPercent
	TightenTPLow       float64 // same for 0 < pnl <= ProfitHighPercent
	TightenSLPrice     float64 // SL candidate distance from price on mild loss
	TightenSLStep      float64 // SL candidate step from current SL on mild loss
	ExitDetProfit      float64
	ExitDetMildLoss    float64
	ExitDetDeepLoss    float64
	LoosenSLFactor     float64 // original SL scaled by this on improvement while losing
	LoosenSLEntryBound float64 // SL never loosened past this fraction of entry
	LoosenTPFactor     float64
	LoosenTPEntryBound float64
	MinPriceGap        float64 // tightened levels keep at least this fraction away from price

	// Holding-time rule
	LongHold            time.Duration
	VeryLongHold        time.Duration
	ShortHold           time.Duration
	LongHoldTPPrice     float64
	LongHoldTPStep      float64
	QuickLossPercent    float64
	QuickLossSLPrice    float64
	QuickLossSLStep     float64
	VeryLongNearTP      float64 // exit when price is within this fraction of TP
	VeryLongNearSL      float64
	VeryLongLossPercent float64

	// Volatility rule
	VolatilityThreshold float64
	VolatilityTighten   float64

	// Fees for non-option instruments, per order
	EquityFeePerOrder float64

	// Time-bound instruments
	ShadowPriceFloor float64
}

// DefaultParams returns the production thresholds
func DefaultParams() Params {
	return Params{
		ProfitHighPercent:   3,
		MildLossPercent:     -2,
		TightenTPHigh:       0.02,
		TightenTPLow:        0.03,
		TightenSLPrice:      0.01,
		TightenSLStep:       0.03,
		ExitDetProfit:       0.85,
		ExitDetMildLoss:     0.7,
		ExitDetDeepLoss:     0.8,
		LoosenSLFactor:      0.95,
		LoosenSLEntryBound:  0.92,
		LoosenTPFactor:      1.05,
		LoosenTPEntryBound:  1.15,
		MinPriceGap:         0.002,
		LongHold:            24 * time.Hour,
		VeryLongHold:        48 * time.Hour,
		ShortHold:           time.Hour,
		LongHoldTPPrice:     0.02,
		LongHoldTPStep:      0.02,
		QuickLossPercent:    -2,
		QuickLossSLPrice:    0.02,
		QuickLossSLStep:     0.02,
		VeryLongNearTP:      0.05,
		VeryLongNearSL:      0.05,
		VeryLongLossPercent: -3,
		VolatilityThreshold: 0.05,
		VolatilityTighten:   0.03,
		EquityFeePerOrder:   1.0,
		ShadowPriceFloor:    0.10,
	}
}
