package exit

import (
	"math"

	"quant-trading-engine/internal/instance"
)

// Option fee schedule per order
const (
	OptionCommissionPerContract = 0.65
	OptionMinCommission         = 1.00
	OptionPlatformPerContract   = 0.30
	OptionRegulatoryPerContract = 0.02
)

// OptionFees is the cost of one option order of qty contracts
func OptionFees(qty float64) float64 {
	qty = math.Abs(qty)
	commission := math.Max(qty*OptionCommissionPerContract, OptionMinCommission)
	return commission + qty*OptionPlatformPerContract + qty*OptionRegulatoryPerContract
}

// PnL is a fee-netted profit snapshot
type PnL struct {
	Gross          float64 `json:"gross"`
	Net            float64 `json:"net"`
	GrossPercent   float64 `json:"gross_percent"`
	NetPercent     float64 `json:"net_percent"`
	TotalFees      float64 `json:"total_fees"`
	BreakEvenPrice float64 `json:"break_even_price"`
}

// ExitFees estimates the cost of closing the position
func (p Params) ExitFees(env *instance.Envelope) float64 {
	if env.Meta.OptionRight != "" || env.Meta.Multiplier > 1 {
		return OptionFees(env.AbsQuantity())
	}
	return p.EquityFeePerOrder
}

// EntryFees returns the recorded entry fees or an estimate
func (p Params) EntryFees(env *instance.Envelope) float64 {
	if env.EntryFees > 0 {
		return env.EntryFees
	}
	return p.ExitFees(env)
}

// Compute nets entry and exit fees out of the position result at price.
// Percentages are relative to the cost basis including entry fees.
func (p Params) Compute(env *instance.Envelope, price float64) PnL {
	qty := env.AbsQuantity()
	mult := env.Multiplier()
	diff := price - env.EntryPrice
	if env.Direction == instance.DirShort {
		diff = -diff
	}
	entryFees := p.EntryFees(env)
	exitFees := p.ExitFees(env)

	out := PnL{
		Gross:     diff * qty * mult,
		TotalFees: entryFees + exitFees,
	}
	out.Net = out.Gross - out.TotalFees
	if basis := env.EntryPrice*qty*mult + entryFees; basis > 0 {
		out.GrossPercent = out.Gross / basis * 100
		out.NetPercent = out.Net / basis * 100
	}
	if qty > 0 && mult > 0 {
		perUnit := out.TotalFees / qty / mult
		if env.Direction == instance.DirShort {
			out.BreakEvenPrice = env.EntryPrice - perUnit
		} else {
			out.BreakEvenPrice = env.EntryPrice + perUnit
		}
	}
	return out
}
