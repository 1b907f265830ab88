package exit

import (
	"quant-trading-engine/internal/instance"
)

// Phase of the trading day for time-bound instruments
type Phase string

const (
	PhaseEarly Phase = "EARLY"
	PhaseMid   Phase = "MID"
	PhaseLate  Phase = "LATE"
	PhaseFinal Phase = "FINAL"
)

// Option exit reasons
const (
	ReasonTimeStop         = "TIME_STOP"
	ReasonOptionTakeProfit = "OPTION_TAKE_PROFIT"
	ReasonTrailingStop     = "TRAILING_STOP"
	ReasonOptionStopLoss   = "OPTION_STOP_LOSS"
	ReasonSafetyValve      = "SAFETY_VALVE"
	ReasonShadowPrice      = "SHADOW_PRICE"
)

// Option rule constants
const (
	TimeStopMinutes      = 10
	GraceNoStopMinutes   = 3
	GraceWideStopMinutes = 10
	GraceWidenFactor     = 1.5
	SafetyValvePercent   = 50
)

// PhaseParams are percentages of premium
type PhaseParams struct {
	TakeProfit   float64 `json:"take_profit"`
	StopLoss     float64 `json:"stop_loss"`
	TrailTrigger float64 `json:"trail_trigger"`
	TrailPercent float64 `json:"trail_percent"`
}

var buyerParams = map[Phase]PhaseParams{
	PhaseEarly: {TakeProfit: 50, StopLoss: 35, TrailTrigger: 30, TrailPercent: 15},
	PhaseMid:   {TakeProfit: 40, StopLoss: 30, TrailTrigger: 25, TrailPercent: 12},
	PhaseLate:  {TakeProfit: 30, StopLoss: 25, TrailTrigger: 20, TrailPercent: 10},
	PhaseFinal: {TakeProfit: 20, StopLoss: 20, TrailTrigger: 15, TrailPercent: 8},
}

// Sellers collect premium: smaller targets, wider stops
var sellerParams = map[Phase]PhaseParams{
	PhaseEarly: {TakeProfit: 30, StopLoss: 50, TrailTrigger: 20, TrailPercent: 10},
	PhaseMid:   {TakeProfit: 25, StopLoss: 40, TrailTrigger: 15, TrailPercent: 8},
	PhaseLate:  {TakeProfit: 20, StopLoss: 30, TrailTrigger: 12, TrailPercent: 6},
	PhaseFinal: {TakeProfit: 15, StopLoss: 20, TrailTrigger: 10, TrailPercent: 5},
}

// PhaseFor maps minutes to the session close onto a phase
func PhaseFor(minutesToClose float64) Phase {
	hours := minutesToClose / 60
	switch {
	case hours > 5:
		return PhaseEarly
	case hours > 2:
		return PhaseMid
	case hours > 0.5:
		return PhaseLate
	default:
		return PhaseFinal
	}
}

// OptionParams returns the table row for a side and phase
func OptionParams(optionSide string, phase Phase) PhaseParams {
	if optionSide == "SELLER" {
		return sellerParams[phase]
	}
	return buyerParams[phase]
}

func (e *Engine) evaluateOption(hc *instance.HoldingContext, in Input, pnl PnL, phase Phase, peak float64) string {
	env := &hc.Envelope
	pp := OptionParams(env.Meta.OptionSide, phase)

	if in.MinutesToClose > 0 && in.MinutesToClose <= TimeStopMinutes {
		return ReasonTimeStop
	}
	if e.params.ShadowPriceFloor > 0 && in.Price < env.EntryPrice*e.params.ShadowPriceFloor && env.Direction != instance.DirShort {
		return ReasonShadowPrice
	}
	if pnl.NetPercent >= pp.TakeProfit {
		return ReasonOptionTakeProfit
	}
	if peak >= pp.TrailTrigger && peak-pnl.NetPercent >= pp.TrailPercent {
		return ReasonTrailingStop
	}

	heldMinutes := in.Now.Sub(env.EntryTime).Minutes()
	switch {
	case env.EntryTime.IsZero() || in.Now.IsZero():
		if pnl.NetPercent <= -pp.StopLoss {
			return ReasonOptionStopLoss
		}
	case heldMinutes < GraceNoStopMinutes:
		// only the safety valve applies
	case heldMinutes < GraceWideStopMinutes:
		if pnl.NetPercent <= -pp.StopLoss*GraceWidenFactor {
			return ReasonOptionStopLoss
		}
	default:
		if pnl.NetPercent <= -pp.StopLoss {
			return ReasonOptionStopLoss
		}
	}

	if pnl.NetPercent <= -SafetyValvePercent {
		return ReasonSafetyValve
	}
	return ""
}
