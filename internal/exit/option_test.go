package exit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quant-trading-engine/internal/instance"
)

func optionPosition(held time.Duration) *instance.HoldingContext {
	return &instance.HoldingContext{Envelope: instance.Envelope{
		Direction:  instance.DirLong,
		EntryPrice: 2.00,
		Quantity:   1,
		EntryTime:  testNow.Add(-held),
		EntryFees:  OptionFees(1),
		Meta: instance.InstrumentMeta{
			Class:       "option_0dte",
			Multiplier:  100,
			OptionRight: "CALL",
			OptionSide:  "BUYER",
		},
	}}
}

func evalOption(hc *instance.HoldingContext, price, minutesToClose float64) Result {
	return NewEngine(DefaultParams()).Evaluate(hc, Input{
		Price:          price,
		Now:            testNow,
		TimeBound:      true,
		MinutesToClose: minutesToClose,
	})
}

func TestOptionFees(t *testing.T) {
	assert.InDelta(t, 1.32, OptionFees(1), 1e-9)
	assert.InDelta(t, 9.70, OptionFees(10), 1e-9)
	assert.InDelta(t, 9.70, OptionFees(-10), 1e-9)
}

func TestPhaseFor(t *testing.T) {
	assert.Equal(t, PhaseEarly, PhaseFor(400))
	assert.Equal(t, PhaseMid, PhaseFor(180))
	assert.Equal(t, PhaseLate, PhaseFor(45))
	assert.Equal(t, PhaseFinal, PhaseFor(20))
	assert.Equal(t, 35.0, OptionParams("BUYER", PhaseEarly).StopLoss)
	assert.Equal(t, 50.0, OptionParams("SELLER", PhaseEarly).StopLoss)
}

func TestOptionTimeStop(t *testing.T) {
	res := evalOption(optionPosition(time.Hour), 2.10, 8)
	require.NotNil(t, res.Decision)
	assert.Equal(t, ReasonTimeStop, res.Decision.Reason)
}

func TestOptionStopLossGrace(t *testing.T) {
	// net pnl at 1.20 is about -41%
	res := evalOption(optionPosition(2*time.Minute), 1.20, 400)
	assert.Nil(t, res.Decision, "no stop in the first minutes")

	res = evalOption(optionPosition(5*time.Minute), 1.20, 400)
	assert.Nil(t, res.Decision, "stop is 1.5x wider early on")

	res = evalOption(optionPosition(15*time.Minute), 1.20, 400)
	require.NotNil(t, res.Decision)
	assert.Equal(t, ReasonOptionStopLoss, res.Decision.Reason)
}

func TestOptionSafetyValveIgnoresGrace(t *testing.T) {
	res := evalOption(optionPosition(time.Minute), 0.95, 400)
	require.NotNil(t, res.Decision)
	assert.Equal(t, ReasonSafetyValve, res.Decision.Reason)
	assert.Less(t, res.Decision.PnL.NetPercent, -50.0)
}

func TestOptionShadowPrice(t *testing.T) {
	res := evalOption(optionPosition(time.Minute), 0.15, 400)
	require.NotNil(t, res.Decision)
	assert.Equal(t, ReasonShadowPrice, res.Decision.Reason)
}

func TestOptionTakeProfit(t *testing.T) {
	res := evalOption(optionPosition(time.Hour), 3.20, 400)
	require.NotNil(t, res.Decision)
	assert.Equal(t, ReasonOptionTakeProfit, res.Decision.Reason)
}

func TestOptionTrailingStopFromPeak(t *testing.T) {
	hc := optionPosition(time.Hour)
	hc.PeakPnLPercent = 40

	res := evalOption(hc, 2.50, 400)
	require.NotNil(t, res.Decision)
	assert.Equal(t, ReasonTrailingStop, res.Decision.Reason)

	hc.PeakPnLPercent = 20 // trigger never reached
	res = evalOption(hc, 2.50, 400)
	assert.Nil(t, res.Decision)
	assert.InDelta(t, res.PnL.NetPercent, res.PeakPnLPercent, 1e-9)
}
