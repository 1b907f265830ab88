package processor

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quant-trading-engine/config"
	"quant-trading-engine/internal/capital"
	"quant-trading-engine/internal/circuit"
	"quant-trading-engine/internal/execution"
	"quant-trading-engine/internal/exit"
	"quant-trading-engine/internal/gateway"
	"quant-trading-engine/internal/instance"
	"quant-trading-engine/internal/orders"
	"quant-trading-engine/internal/protection"
	"quant-trading-engine/internal/session"
)

const aapl = "AAPL.US"

var (
	equityStrategy = config.StrategyConfig{ID: 1, Budget: 10000, MaxConcurrentPositions: 2}
	equity         = config.InstrumentClassConfig{}
)

type fixture struct {
	paper     *gateway.Paper
	instances *instance.MemoryStore
	ledger    *capital.Ledger
	breakers  *circuit.Registry
	tracker   *orders.Tracker
	journal   *orders.MemoryJournal
	prot      *protection.Service
	proc      *Processor
	now       time.Time
}

func newFixture(t *testing.T, st config.StrategyConfig) *fixture {
	t.Helper()
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	f := &fixture{
		paper:     gateway.NewPaper(gateway.PaperOptions{FeePerOrder: 1}, zerolog.Nop()),
		instances: instance.NewMemoryStore(),
		ledger:    capital.NewLedger(nil, nil, zerolog.Nop()),
		journal:   orders.NewMemoryJournal(),
		now:       time.Date(2026, 1, 15, 11, 0, 0, 0, ny),
	}
	clock := func() time.Time { return f.now }
	f.instances.SetClock(clock)
	f.ledger.Register(st)
	f.breakers = circuit.NewRegistry(config.CircuitBreakerConfig{Enabled: true, MaxConsecutiveLosses: 5, MaxDailyLossPercent: 50, TightenPercent: 10}, f.instances, nil, zerolog.Nop())
	f.breakers.Register(st)

	f.tracker = orders.NewTracker(orders.TrackerDeps{
		Store:     orders.NewMemoryStore(),
		Instances: f.instances,
		Trading:   f.paper,
		Ledger:    f.ledger,
		Breakers:  f.breakers,
		Journal:   f.journal,
		Dedup:     orders.NewMemoryDedup(),
		Fees:      exit.DefaultParams(),
	}, zerolog.Nop())
	f.tracker.SetClock(clock)

	sessions := session.NewService(zerolog.Nop())
	prot := protection.NewService(config.ProtectionConfig{
		Enabled:                true,
		DefaultTrailingPercent: 60,
		MinTrailingPercent:     8,
		MaxTrailingPercent:     65,
		AdjustThresholdPercent: 3,
		FailureThreshold:       3,
		RetryDelaySec:          30,
		EmergencyStopFraction:  0.5,
	}, protection.Deps{
		Tracker:   f.tracker,
		Trading:   f.paper,
		Instances: f.instances,
		Breakers:  f.breakers,
		Sessions:  sessions,
	}, zerolog.Nop())
	t.Cleanup(prot.Close)
	f.tracker.Protector = prot
	f.prot = prot

	exiter := execution.NewExiter(f.tracker, prot, f.instances, nil, zerolog.Nop())
	exiter.SetClock(clock)

	f.proc = New(config.SchedulerConfig{StaleTransientMinutes: 15}, Deps{
		Instances:  f.instances,
		Ledger:     f.ledger,
		Breakers:   f.breakers,
		Protection: prot,
		Tracker:    f.tracker,
		Exiter:     exiter,
		Trading:    f.paper,
		Market:     f.paper,
		Signals:    f.paper,
		Sessions:   sessions,
	}, zerolog.Nop())
	f.proc.SetClock(clock)
	return f
}

func (f *fixture) process(t *testing.T, st config.StrategyConfig, cls config.InstrumentClassConfig, instrument string) Result {
	t.Helper()
	ctx := context.Background()
	return f.proc.Process(ctx, st, cls, instrument, f.proc.Snapshot(ctx))
}

func (f *fixture) get(t *testing.T, instrument string) *instance.Instance {
	t.Helper()
	inst, err := f.instances.Get(context.Background(), instance.Key{StrategyID: 1, Instrument: instrument})
	require.NoError(t, err)
	return inst
}

func (f *fixture) poll(t *testing.T) {
	t.Helper()
	_, err := f.tracker.Poll(context.Background(), 1)
	require.NoError(t, err)
}

func (f *fixture) placed(t *testing.T) []gateway.BrokerOrder {
	t.Helper()
	out, err := f.paper.TodayOrders(context.Background())
	require.NoError(t, err)
	return out
}

// open takes aapl through a filled entry of 10 @ 100 with SL 95 and TP 110
func (f *fixture) open(t *testing.T) {
	t.Helper()
	f.paper.SetPrice(aapl, 100)
	f.paper.QueueSignal(aapl, gateway.TradingIntent{Action: gateway.ActionBuy, Quantity: 10, StopLoss: 95, TakeProfit: 110})
	res := f.process(t, equityStrategy, equity, aapl)
	require.Equal(t, OutcomeActed, res.Outcome)
	oc, ok := f.get(t, aapl).Opening()
	require.True(t, ok)

	o, err := f.tracker.Store.GetByClientID(context.Background(), oc.ClientOrderID)
	require.NoError(t, err)
	require.NoError(t, f.paper.Fill(o.ID, 100))
	f.paper.SetPosition(aapl, 10, 100)
	f.poll(t)
	require.Equal(t, instance.Holding, f.get(t, aapl).State)
}

func TestEntryReservesPerInstrumentCap(t *testing.T) {
	f := newFixture(t, equityStrategy)
	f.paper.SetPrice(aapl, 100)
	f.paper.QueueSignal(aapl, gateway.TradingIntent{Action: gateway.ActionBuy, Reason: "breakout"})

	res := f.process(t, equityStrategy, equity, aapl)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeActed, res.Outcome)

	inst := f.get(t, aapl)
	assert.Equal(t, instance.Opening, inst.State)
	oc, _ := inst.Opening()
	assert.InDelta(t, 50.0, oc.Quantity, 1e-9)
	assert.InDelta(t, 95.0, oc.StopLoss, 1e-9)
	assert.InDelta(t, 110.0, oc.TakeProfit, 1e-9)
	assert.Equal(t, "breakout", oc.SignalReason)
	assert.InDelta(t, 5000.0, f.ledger.Used(1), 1e-9)

	placed := f.placed(t)
	require.Len(t, placed, 1)
	assert.Equal(t, gateway.SideBuy, placed[0].Side)
	assert.InDelta(t, 50.0, placed[0].Quantity, 1e-9)
}

func TestNoSignalStaysIdle(t *testing.T) {
	f := newFixture(t, equityStrategy)
	f.paper.SetPrice(aapl, 100)

	res := f.process(t, equityStrategy, equity, aapl)
	assert.Equal(t, OutcomeIdle, res.Outcome)
	assert.Empty(t, f.placed(t))
}

func TestNoQuoteIsNoData(t *testing.T) {
	f := newFixture(t, equityStrategy)
	f.paper.QueueSignal(aapl, gateway.TradingIntent{Action: gateway.ActionBuy})

	res := f.process(t, equityStrategy, equity, aapl)
	assert.Equal(t, OutcomeIdle, res.Outcome)
	assert.Zero(t, f.ledger.Used(1))
}

func TestShortNeedsPermission(t *testing.T) {
	f := newFixture(t, equityStrategy)
	f.paper.SetPrice(aapl, 100)
	f.paper.QueueSignal(aapl, gateway.TradingIntent{Action: gateway.ActionSell})

	res := f.process(t, equityStrategy, equity, aapl)
	assert.Equal(t, OutcomeIdle, res.Outcome)
	assert.Empty(t, f.placed(t))

	shorting := equityStrategy
	shorting.AllowShort = true
	f.paper.QueueSignal(aapl, gateway.TradingIntent{Action: gateway.ActionSell})
	res = f.process(t, shorting, equity, aapl)
	assert.Equal(t, OutcomeActed, res.Outcome)

	inst := f.get(t, aapl)
	assert.Equal(t, instance.Shorting, inst.State)
	oc, _ := inst.Opening()
	assert.InDelta(t, -50.0, oc.Quantity, 1e-9)
	assert.InDelta(t, 105.0, oc.StopLoss, 1e-9)
	assert.InDelta(t, 90.0, oc.TakeProfit, 1e-9)
}

func TestBreakerBlocksEntries(t *testing.T) {
	f := newFixture(t, equityStrategy)
	f.breakers.Trip(context.Background(), 1, "test")
	f.paper.SetPrice(aapl, 100)
	f.paper.QueueSignal(aapl, gateway.TradingIntent{Action: gateway.ActionBuy})

	res := f.process(t, equityStrategy, equity, aapl)
	assert.Equal(t, OutcomeIdle, res.Outcome)
	assert.Empty(t, f.placed(t))
	assert.Zero(t, f.ledger.Used(1))
}

func TestEntrySubmitFailureRollsBack(t *testing.T) {
	f := newFixture(t, equityStrategy)
	f.paper.SetPrice(aapl, 100)
	f.paper.QueueSignal(aapl, gateway.TradingIntent{Action: gateway.ActionBuy})
	f.paper.FailNext("submit", 1)

	res := f.process(t, equityStrategy, equity, aapl)
	assert.Equal(t, OutcomeErred, res.Outcome)
	assert.Error(t, res.Err)

	assert.Equal(t, instance.Idle, f.get(t, aapl).State)
	assert.Zero(t, f.ledger.Used(1))

	ok, err := f.tracker.AcquireSubmission(context.Background(), 1, aapl, gateway.SideBuy)
	require.NoError(t, err)
	assert.True(t, ok)
}

type panickyRegime struct {
	*gateway.Paper
}

func (panickyRegime) Regime(context.Context, string) (*gateway.Regime, error) {
	panic("regime feed exploded")
}

func TestPanicAfterReserveRollsBack(t *testing.T) {
	f := newFixture(t, equityStrategy)
	f.proc.Market = panickyRegime{f.paper}
	f.paper.SetPrice(aapl, 100)
	f.paper.QueueSignal(aapl, gateway.TradingIntent{Action: gateway.ActionBuy})

	res := f.process(t, equityStrategy, equity, aapl)
	assert.Equal(t, OutcomeErred, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrPanic)
	assert.Equal(t, instance.Idle, f.get(t, aapl).State)
	assert.Zero(t, f.ledger.Used(1))
	assert.Empty(t, f.placed(t))
}

func TestPendingEntryIsNotDuplicated(t *testing.T) {
	f := newFixture(t, equityStrategy)
	f.paper.SetPrice(aapl, 100)
	f.paper.QueueSignal(aapl, gateway.TradingIntent{Action: gateway.ActionBuy})
	require.Equal(t, OutcomeActed, f.process(t, equityStrategy, equity, aapl).Outcome)

	f.paper.QueueSignal(aapl, gateway.TradingIntent{Action: gateway.ActionBuy})
	res := f.process(t, equityStrategy, equity, aapl)
	assert.Equal(t, OutcomePending, res.Outcome)
	assert.Len(t, f.placed(t), 1)
	assert.InDelta(t, 5000.0, f.ledger.Used(1), 1e-9)
}

func TestStaleOpeningResetsOnce(t *testing.T) {
	f := newFixture(t, equityStrategy)
	f.paper.SetPrice(aapl, 100)
	f.paper.QueueSignal(aapl, gateway.TradingIntent{Action: gateway.ActionBuy})
	require.Equal(t, OutcomeActed, f.process(t, equityStrategy, equity, aapl).Outcome)
	entry := f.placed(t)[0]

	f.now = f.now.Add(10 * time.Minute)
	assert.Equal(t, OutcomePending, f.process(t, equityStrategy, equity, aapl).Outcome)

	f.now = f.now.Add(6 * time.Minute)
	res := f.process(t, equityStrategy, equity, aapl)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeActed, res.Outcome)
	assert.Equal(t, instance.Idle, f.get(t, aapl).State)
	assert.Zero(t, f.ledger.Used(1))

	d, err := f.paper.OrderDetail(context.Background(), entry.OrderID)
	require.NoError(t, err)
	assert.Equal(t, gateway.StatusCancelled, d.Status)

	// A second pass finds nothing to reset
	res = f.process(t, equityStrategy, equity, aapl)
	assert.Equal(t, OutcomeIdle, res.Outcome)
	assert.Zero(t, f.ledger.Used(1))

	// The cancel settles without handing the capital back twice
	f.poll(t)
	assert.Zero(t, f.ledger.Used(1))
	assert.InDelta(t, 10000.0, f.ledger.Available(1), 1e-9)
}

func TestTakeProfitRoundTripConservesCapital(t *testing.T) {
	f := newFixture(t, equityStrategy)
	f.open(t)
	assert.InDelta(t, 1000.0, f.ledger.Used(1), 1e-9)
	assert.NotEmpty(t, f.get(t, aapl).Resilience.ProtectionOrderID)

	f.paper.SetPrice(aapl, 105)
	assert.Equal(t, OutcomeHolding, f.process(t, equityStrategy, equity, aapl).Outcome)

	f.paper.SetPrice(aapl, 111)
	res := f.process(t, equityStrategy, equity, aapl)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeActed, res.Outcome)

	inst := f.get(t, aapl)
	require.Equal(t, instance.Closing, inst.State)
	cc, _ := inst.Closing()
	assert.Equal(t, exit.ReasonTakeProfit, cc.ExitReason)

	require.NoError(t, f.paper.Fill(cc.ExitOrderID, 111))
	f.paper.SetPosition(aapl, 0, 0)
	f.poll(t)

	assert.Equal(t, instance.Idle, f.get(t, aapl).State)
	assert.Zero(t, f.ledger.Used(1))
	assert.InDelta(t, 10000.0, f.ledger.Available(1), 1e-9)

	trades := f.journal.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, exit.ReasonTakeProfit, trades[0].Reason)
	assert.Greater(t, trades[0].NetPnL, 0.0)
}

func TestStopExitSkippedWhenProtectionFilled(t *testing.T) {
	f := newFixture(t, equityStrategy)
	f.open(t)
	pid := f.get(t, aapl).Resilience.ProtectionOrderID
	require.NoError(t, f.paper.Fill(pid, 42))

	f.paper.SetPrice(aapl, 41)
	res := f.process(t, equityStrategy, equity, aapl)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeActed, res.Outcome)
	assert.Equal(t, instance.Idle, f.get(t, aapl).State)
	assert.Len(t, f.placed(t), 2)
	assert.Zero(t, f.ledger.Used(1))
}

func TestBreakerTripKeepsTrailTight(t *testing.T) {
	f := newFixture(t, equityStrategy)
	f.open(t)
	ctx := context.Background()
	f.breakers.OnTrip(func(ctx context.Context, strategyID int64, _ string) {
		f.prot.TightenAll(ctx, strategyID, f.breakers.TightenPercent())
	})

	trail := func() float64 {
		pid := f.get(t, aapl).Resilience.ProtectionOrderID
		require.NotEmpty(t, pid)
		o, err := f.tracker.Store.Get(ctx, pid)
		require.NoError(t, err)
		return o.TrailingPercent
	}
	require.Equal(t, 60.0, trail())

	f.breakers.Trip(ctx, 1, "shadow price breach")
	require.Equal(t, 10.0, trail())

	// two decision ticks must not widen the trail back to normal
	for i := 0; i < 2; i++ {
		f.paper.SetPrice(aapl, 101)
		res := f.process(t, equityStrategy, equity, aapl)
		require.NoError(t, res.Err)
		assert.Equal(t, OutcomeHolding, res.Outcome)
		assert.Equal(t, 10.0, trail())
	}
}

func TestHoldingWithoutQuoteWaits(t *testing.T) {
	f := newFixture(t, equityStrategy)
	f.open(t)
	f.paper.FailNext("quote", 1)

	res := f.process(t, equityStrategy, equity, aapl)
	assert.Equal(t, OutcomeHolding, res.Outcome)
	assert.Equal(t, instance.Holding, f.get(t, aapl).State)
}

func TestPositionSyncAdoptsBrokerPosition(t *testing.T) {
	f := newFixture(t, equityStrategy)
	f.paper.SetPrice(aapl, 100)
	f.paper.SetPosition(aapl, 10, 100)

	res := f.process(t, equityStrategy, equity, aapl)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeActed, res.Outcome)

	inst := f.get(t, aapl)
	require.Equal(t, instance.Holding, inst.State)
	hc, _ := inst.Holding()
	assert.InDelta(t, 95.0, hc.StopLoss, 1e-9)
	assert.InDelta(t, 110.0, hc.TakeProfit, 1e-9)
	assert.InDelta(t, 1000.0, hc.AllocationAmount, 1e-9)
	assert.InDelta(t, 1000.0, f.ledger.Used(1), 1e-9)
	assert.NotEmpty(t, inst.Resilience.ProtectionOrderID)
}

func TestPositionSyncWaitsAfterRecentClose(t *testing.T) {
	f := newFixture(t, equityStrategy)
	f.instances.Put(&instance.Instance{
		Key:         instance.Key{StrategyID: 1, Instrument: aapl},
		State:       instance.Idle,
		LastUpdated: f.now.Add(-10 * time.Second),
	})
	f.paper.SetPrice(aapl, 100)
	f.paper.SetPosition(aapl, 10, 100)

	res := f.process(t, equityStrategy, equity, aapl)
	assert.Equal(t, OutcomeIdle, res.Outcome)
	assert.Equal(t, instance.Idle, f.get(t, aapl).State)
	assert.Zero(t, f.ledger.Used(1))
}

func TestClosingWithoutOrderFollowsBroker(t *testing.T) {
	tests := []struct {
		name      string
		brokerQty float64
		want      instance.State
		wantUsed  float64
	}{
		{name: "position gone", brokerQty: 0, want: instance.Idle, wantUsed: 0},
		{name: "position held", brokerQty: 10, want: instance.Holding, wantUsed: 1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, equityStrategy)
			ctx := context.Background()
			alloc := f.ledger.Reserve(ctx, 1, 1000, aapl)
			require.True(t, alloc.Approved)
			hc := &instance.HoldingContext{Envelope: instance.Envelope{
				Direction:        instance.DirLong,
				EntryPrice:       100,
				Quantity:         10,
				StopLoss:         95,
				TakeProfit:       110,
				AllocationAmount: alloc.AllocatedAmount,
			}}
			key := instance.Key{StrategyID: 1, Instrument: aapl}
			require.NoError(t, f.instances.Transition(ctx, key, instance.Holding, hc))
			require.NoError(t, f.instances.Transition(ctx, key, instance.Closing, hc.Close(exit.ReasonStopLoss, "", "lost", 94, f.now)))
			f.paper.SetPosition(aapl, tt.brokerQty, 100)

			res := f.process(t, equityStrategy, equity, aapl)
			require.NoError(t, res.Err)
			assert.Equal(t, OutcomeActed, res.Outcome)
			assert.Equal(t, tt.want, f.get(t, aapl).State)
			assert.InDelta(t, tt.wantUsed, f.ledger.Used(1), 1e-9)
		})
	}
}

func TestMultiLotSiblings(t *testing.T) {
	st := config.StrategyConfig{ID: 1, Budget: 30000, MaxConcurrentPositions: 3, InstrumentClass: "us_option"}
	option := config.InstrumentClassConfig{MultiLot: true, MaxLots: 2, TimeBound: true, Multiplier: 100, Market: "US"}
	contracts := []string{"QQQ260116C00500000.US", "QQQ260116C00505000.US", "QQQ260116C00510000.US"}

	f := newFixture(t, st)
	f.paper.SetPrice("QQQ.US", 500)
	for _, c := range contracts {
		f.paper.SetPrice(c, 2)
		f.paper.QueueSignal("QQQ.US", gateway.TradingIntent{Action: gateway.ActionBuy, Instrument: c})
	}

	assert.Equal(t, OutcomeActed, f.process(t, st, option, "QQQ.US").Outcome)
	assert.Equal(t, OutcomeActed, f.process(t, st, option, "QQQ.US").Outcome)
	assert.Equal(t, OutcomeSignaled, f.process(t, st, option, "QQQ.US").Outcome)

	assert.Equal(t, instance.Idle, f.get(t, "QQQ.US").State)
	assert.Equal(t, instance.Opening, f.get(t, contracts[0]).State)
	assert.Equal(t, instance.Opening, f.get(t, contracts[1]).State)
	assert.Equal(t, instance.Idle, f.get(t, contracts[2]).State)
	assert.InDelta(t, 20000.0, f.ledger.Used(1), 1e-9)

	oc, _ := f.get(t, contracts[0]).Opening()
	assert.InDelta(t, 50.0, oc.Quantity, 1e-9)
	assert.Equal(t, "QQQ.US", oc.Meta.Anchor)
	assert.Equal(t, "BUYER", oc.Meta.OptionSide)
	assert.Equal(t, 16, oc.Meta.Expiry.Day())
}

func TestSingleLotAllowsOneSibling(t *testing.T) {
	st := config.StrategyConfig{ID: 1, Budget: 30000, MaxConcurrentPositions: 3}
	option := config.InstrumentClassConfig{TimeBound: true, Multiplier: 100, Market: "US"}
	contracts := []string{"QQQ260116C00500000.US", "QQQ260116C00505000.US"}

	f := newFixture(t, st)
	f.paper.SetPrice("QQQ.US", 500)
	for _, c := range contracts {
		f.paper.SetPrice(c, 2)
		f.paper.QueueSignal("QQQ.US", gateway.TradingIntent{Action: gateway.ActionBuy, Instrument: c})
	}

	assert.Equal(t, OutcomeActed, f.process(t, st, option, "QQQ.US").Outcome)
	assert.Equal(t, OutcomeSignaled, f.process(t, st, option, "QQQ.US").Outcome)
	assert.Equal(t, instance.Idle, f.get(t, contracts[1]).State)
	assert.InDelta(t, 10000.0, f.ledger.Used(1), 1e-9)
}

func TestTickPosition(t *testing.T) {
	tick := &Tick{Positions: map[string]gateway.Position{
		aapl:      {Instrument: aapl, Quantity: 10},
		"MSFT.US": {Instrument: "MSFT.US", Quantity: 0},
	}}
	_, ok := tick.Position(aapl)
	assert.True(t, ok)
	_, ok = tick.Position("MSFT.US")
	assert.False(t, ok)

	var empty *Tick
	_, ok = empty.Position(aapl)
	assert.False(t, ok)
}
