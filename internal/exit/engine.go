// Package exit evaluates open positions against stop-loss, take-profit and
// the dynamic adjustment rules. Evaluation is pure: callers apply the result.
package exit

import (
	"math"
	"strings"
	"time"

	"quant-trading-engine/internal/gateway"
	"quant-trading-engine/internal/instance"
)

// Exit reasons
const (
	ReasonEmergencyStop         = "EMERGENCY_STOP"
	ReasonStopLoss              = "STOP_LOSS"
	ReasonTakeProfit            = "TAKE_PROFIT"
	ReasonOriginalStopLoss      = "STOP_LOSS_ORIGINAL"
	ReasonOriginalTakeProfit    = "TAKE_PROFIT_ORIGINAL"
	ReasonDeteriorationProfit   = "MARKET_DETERIORATION_PROFIT_PROTECTION"
	ReasonDeteriorationMildLoss = "MARKET_DETERIORATION_STOP_LOSS"
	ReasonDeteriorationDeepLoss = "MARKET_DETERIORATION_DEEP_LOSS"
	ReasonHoldingTimeProfit     = "HOLDING_TIME_PROFIT"
	ReasonHoldingTimeLoss       = "HOLDING_TIME_LOSS"
)

// Input is the market view for one evaluation
type Input struct {
	Price             float64
	Regime            *gateway.Regime
	Now               time.Time
	Volatility        float64 // fraction of price, 0 when unknown
	TimeBound         bool
	MinutesToClose    float64 // time-bound only
	EmergencyStopLoss float64
}

// Decision is an exit verdict
type Decision struct {
	Reason string `json:"reason"`
	PnL    PnL    `json:"pnl"`
}

// Result of an evaluation
type Result struct {
	Decision       *Decision
	StopLoss       float64
	TakeProfit     float64
	Changed        bool
	Reasons        []string
	Regime         *gateway.Regime
	PeakPnLPercent float64
	PnL            PnL
	Phase          Phase
}

// Engine is the dynamic exit engine
type Engine struct {
	params Params
}

// NewEngine creates an engine with the given thresholds
func NewEngine(p Params) *Engine {
	return &Engine{params: p}
}

// Params returns the engine thresholds
func (e *Engine) Params() Params { return e.params }

var regimeLevels = map[string]int{
	gateway.RegimeGood:            5,
	gateway.RegimeNeutralPositive: 4,
	gateway.RegimeNeutral:         3,
	gateway.RegimeNeutralNegative: 2,
	gateway.RegimePoor:            1,
}

func regimeLevel(env string) int {
	if l, ok := regimeLevels[env]; ok {
		return l
	}
	return 3
}

func favourable(env string) bool {
	return env == gateway.RegimeGood || env == gateway.RegimeNeutralPositive
}

func unfavourable(env string) bool {
	return env == gateway.RegimePoor || env == gateway.RegimeNeutralNegative
}

// Deterioration scores a regime move on 0..1
func Deterioration(prev, cur gateway.Regime) float64 {
	levelDrop := float64(regimeLevel(prev.Env) - regimeLevel(cur.Env))
	strengthDrop := math.Max(0, (prev.Strength-cur.Strength)/100)
	return math.Min(1, (levelDrop/4)*0.6+strengthDrop*0.4)
}

// side mirrors price arithmetic for shorts
type side struct{ short bool }

// fav moves x by fraction f in the position's profitable direction
func (s side) fav(x, f float64) float64 {
	if s.short {
		return x * (1 - f)
	}
	return x * (1 + f)
}

func (s side) tighterSL(a, b float64) float64 {
	if s.short {
		return math.Min(a, b)
	}
	return math.Max(a, b)
}

func (s side) looserSL(a, b float64) float64 {
	if s.short {
		return math.Max(a, b)
	}
	return math.Min(a, b)
}

func (s side) closerTP(a, b float64) float64 {
	if s.short {
		return math.Max(a, b)
	}
	return math.Min(a, b)
}

func (s side) fartherTP(a, b float64) float64 {
	if s.short {
		return math.Min(a, b)
	}
	return math.Max(a, b)
}

func (s side) slHit(price, sl float64) bool {
	if sl <= 0 {
		return false
	}
	if s.short {
		return price >= sl
	}
	return price <= sl
}

func (s side) tpHit(price, tp float64) bool {
	if tp <= 0 {
		return false
	}
	if s.short {
		return price <= tp
	}
	return price >= tp
}

// levels is the working SL/TP pair. Tightening only ever moves a level
// toward price and never past MinPriceGap.
type levels struct {
	s       side
	price   float64
	gap     float64
	sl, tp  float64
	reasons []string
}

func (l *levels) tightenSL(candidate float64, reason string) {
	if candidate <= 0 {
		return
	}
	candidate = l.s.looserSL(candidate, l.s.fav(l.price, -l.gap))
	next := candidate
	if l.sl > 0 {
		next = l.s.tighterSL(l.sl, candidate)
	}
	if next != l.sl {
		l.sl = next
		l.reasons = append(l.reasons, reason)
	}
}

func (l *levels) tightenTP(candidate float64, reason string) {
	if candidate <= 0 || l.tp <= 0 {
		return
	}
	candidate = l.s.fartherTP(candidate, l.s.fav(l.price, l.gap))
	if next := l.s.closerTP(l.tp, candidate); next != l.tp {
		l.tp = next
		l.reasons = append(l.reasons, reason)
	}
}

// loosen* are only used by the regime-improvement branch; the bound is
// applied by the caller relative to entry.
func (l *levels) loosenSL(candidate float64, reason string) {
	if candidate <= 0 {
		return
	}
	candidate = l.s.looserSL(candidate, l.s.fav(l.price, -l.gap))
	if candidate != l.sl {
		l.sl = candidate
		l.reasons = append(l.reasons, reason)
	}
}

func (l *levels) loosenTP(candidate float64, reason string) {
	if candidate <= 0 {
		return
	}
	candidate = l.s.fartherTP(candidate, l.s.fav(l.price, l.gap))
	if next := l.s.fartherTP(l.tp, candidate); next != l.tp {
		l.tp = next
		l.reasons = append(l.reasons, reason)
	}
}

// Evaluate runs the rules in order; the first exit wins
func (e *Engine) Evaluate(hc *instance.HoldingContext, in Input) Result {
	env := &hc.Envelope
	p := e.params
	s := side{short: env.Direction == instance.DirShort}
	pnl := p.Compute(env, in.Price)

	res := Result{
		StopLoss:       env.StopLoss,
		TakeProfit:     env.TakeProfit,
		Regime:         env.LastRegime,
		PeakPnLPercent: math.Max(hc.PeakPnLPercent, pnl.NetPercent),
		PnL:            pnl,
	}
	if in.Regime != nil {
		r := *in.Regime
		res.Regime = &r
	}
	if in.Price <= 0 || env.EntryPrice <= 0 {
		return res
	}

	hardExit := func(reason string) Result {
		res.Decision = &Decision{Reason: reason, PnL: pnl}
		return res
	}

	// 1. Hard breaches, current levels then original ones
	switch {
	case s.slHit(in.Price, in.EmergencyStopLoss):
		return hardExit(ReasonEmergencyStop)
	case s.slHit(in.Price, env.StopLoss):
		return hardExit(ReasonStopLoss)
	case s.tpHit(in.Price, env.TakeProfit):
		return hardExit(ReasonTakeProfit)
	case s.slHit(in.Price, env.OriginalStopLoss):
		return hardExit(ReasonOriginalStopLoss)
	case s.tpHit(in.Price, env.OriginalTakeProfit):
		return hardExit(ReasonOriginalTakeProfit)
	}

	lv := &levels{s: s, price: in.Price, gap: p.MinPriceGap, sl: env.StopLoss, tp: env.TakeProfit}
	finish := func() Result {
		res.StopLoss, res.TakeProfit = lv.sl, lv.tp
		res.Reasons = lv.reasons
		res.Changed = lv.sl != env.StopLoss || lv.tp != env.TakeProfit
		return res
	}
	exitWith := func(reason string) Result {
		finish()
		res.Decision = &Decision{Reason: reason, PnL: pnl}
		return res
	}

	// Time-bound instruments run their own table first
	if in.TimeBound {
		phase := PhaseFor(in.MinutesToClose)
		res.Phase = phase
		if reason := e.evaluateOption(hc, in, pnl, phase, res.PeakPnLPercent); reason != "" {
			return exitWith(reason)
		}
	}

	// 2. Regime
	prev := env.LastRegime
	if prev == nil {
		prev = env.EntryRegime
	}
	if in.Regime != nil && prev != nil && prev.Env != in.Regime.Env {
		det := Deterioration(*prev, *in.Regime)
		switch {
		case favourable(prev.Env) && unfavourable(in.Regime.Env):
			switch {
			case pnl.NetPercent > p.ProfitHighPercent:
				lv.tightenTP(s.fav(in.Price, p.TightenTPHigh), "regime deterioration, protect profit")
				if det > p.ExitDetProfit {
					return exitWith(ReasonDeteriorationProfit)
				}
			case pnl.NetPercent > 0:
				lv.tightenTP(s.fav(in.Price, p.TightenTPLow), "regime deterioration, small profit")
			case pnl.NetPercent > p.MildLossPercent:
				lv.tightenSL(s.tighterSL(s.fav(in.Price, -p.TightenSLPrice), s.fav(lv.sl, p.TightenSLStep)), "regime deterioration, mild loss")
				if det > p.ExitDetMildLoss {
					return exitWith(ReasonDeteriorationMildLoss)
				}
			default:
				if det > p.ExitDetDeepLoss {
					return exitWith(ReasonDeteriorationDeepLoss)
				}
			}
		case unfavourable(prev.Env) && favourable(in.Regime.Env):
			if pnl.NetPercent < 0 {
				orig := env.OriginalStopLoss
				if orig <= 0 {
					orig = env.StopLoss
				}
				candidate := s.tighterSL(s.fav(orig, -(1 - p.LoosenSLFactor)), s.fav(env.EntryPrice, -(1 - p.LoosenSLEntryBound)))
				lv.loosenSL(candidate, "regime improvement, give room")
			} else {
				orig := env.OriginalTakeProfit
				if orig <= 0 {
					orig = env.TakeProfit
				}
				candidate := s.closerTP(s.fav(orig, p.LoosenTPFactor-1), s.fav(env.EntryPrice, p.LoosenTPEntryBound-1))
				lv.loosenTP(candidate, "regime improvement, extend target")
			}
		}
	}

	// 3. Holding time
	if !env.EntryTime.IsZero() && !in.Now.IsZero() {
		held := in.Now.Sub(env.EntryTime)
		switch {
		case held > p.LongHold && pnl.NetPercent > 0:
			lv.tightenTP(s.closerTP(s.fav(in.Price, p.LongHoldTPPrice), s.fav(lv.tp, -p.LongHoldTPStep)), "long hold, take profit sooner")
		case held < p.ShortHold && pnl.NetPercent < p.QuickLossPercent:
			lv.tightenSL(s.tighterSL(s.fav(in.Price, -p.QuickLossSLPrice), s.fav(lv.sl, p.QuickLossSLStep)), "quick loss, tighten stop")
		}
		if held > p.VeryLongHold {
			if pnl.NetPercent > 0 && s.tpHit(in.Price, s.fav(lv.tp, -p.VeryLongNearTP)) {
				return exitWith(ReasonHoldingTimeProfit)
			}
			if pnl.NetPercent < p.VeryLongLossPercent && s.slHit(in.Price, s.fav(lv.sl, p.VeryLongNearSL)) {
				return exitWith(ReasonHoldingTimeLoss)
			}
		}
	}

	// 4. Volatility
	if in.Volatility > p.VolatilityThreshold {
		if pnl.NetPercent > 0 {
			lv.tightenTP(s.closerTP(s.fav(in.Price, p.VolatilityTighten), s.fav(lv.tp, -p.VolatilityTighten)), "high volatility, protect profit")
		} else {
			lv.tightenSL(s.tighterSL(s.fav(in.Price, -p.VolatilityTighten), s.fav(lv.sl, p.VolatilityTighten)), "high volatility, cut loss")
		}
	}

	return finish()
}

// Apply writes a result into the holding context
func Apply(hc *instance.HoldingContext, res Result, price float64, at time.Time) {
	if res.Changed {
		hc.Record(at, strings.Join(res.Reasons, "; "), price, res.StopLoss, res.TakeProfit)
	}
	if res.Regime != nil {
		hc.LastRegime = res.Regime
	}
	hc.PeakPnLPercent = res.PeakPnLPercent
	hc.LastCheckedAt = at
}
