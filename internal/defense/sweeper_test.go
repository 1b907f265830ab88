package defense

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
	"quant-trading-engine/internal/session"
)

const contract = "QQQ260115C00500000.US"

var (
	strategy = config.StrategyConfig{ID: 1, Budget: 10000, MaxConcurrentPositions: 2}
	option   = config.InstrumentClassConfig{TimeBound: true, Multiplier: 100, Market: "US"}
	equity   = config.InstrumentClassConfig{}
)

type fixture struct {
	paper     *gateway.Paper
	instances *instance.MemoryStore
	ledger    *capital.Ledger
	breakers  *circuit.Registry
	journal   *orders.MemoryJournal
	sweeper   *Sweeper
	sleeps    int
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
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
	f.ledger.Register(strategy)
	f.breakers = circuit.NewRegistry(config.CircuitBreakerConfig{Enabled: true, MaxConsecutiveLosses: 5, MaxDailyLossPercent: 50, CooldownMinutes: 30}, f.instances, nil, zerolog.Nop())
	f.breakers.Register(strategy)

	tracker := orders.NewTracker(orders.TrackerDeps{
		Store:     orders.NewMemoryStore(),
		Instances: f.instances,
		Trading:   f.paper,
		Ledger:    f.ledger,
		Breakers:  f.breakers,
		Journal:   f.journal,
		Dedup:     orders.NewMemoryDedup(),
		Fees:      exit.DefaultParams(),
	}, zerolog.Nop())
	tracker.SetClock(clock)
	exiter := execution.NewExiter(tracker, nil, f.instances, nil, zerolog.Nop())
	exiter.SetClock(clock)

	f.sweeper = NewSweeper(config.DefenseConfig{
		ShadowPriceFloor:      0.10,
		WatchdogEnabled:       true,
		WatchdogWindowStart:   "15:00",
		WatchdogWindowEnd:     "16:00",
		WatchdogMaxRetries:    3,
		WatchdogRetryDelaySec: 10,
	}, Deps{
		Instances: f.instances,
		Trading:   f.paper,
		Market:    f.paper,
		Tracker:   tracker,
		Ledger:    f.ledger,
		Breakers:  f.breakers,
		Journal:   f.journal,
		Exiter:    exiter,
		Sessions:  session.NewService(zerolog.Nop()),
	}, zerolog.Nop())
	f.sweeper.SetClock(clock)
	f.sweeper.sleep = func(context.Context, time.Duration) error {
		f.sleeps++
		return nil
	}
	return f
}

// hold puts an instance in HOLDING with its capital reserved and, when
// brokerQty is non-zero, a matching broker position.
func (f *fixture) hold(t *testing.T, instrument string, entry, qty, mult, brokerQty float64) instance.Key {
	t.Helper()
	ctx := context.Background()
	key := instance.Key{StrategyID: 1, Instrument: instrument}
	alloc := f.ledger.Reserve(ctx, 1, entry*qty*mult, instrument)
	require.True(t, alloc.Approved)

	hc := &instance.HoldingContext{Envelope: instance.Envelope{
		Direction:        instance.DirLong,
		EntryPrice:       entry,
		Quantity:         qty,
		EntryTime:        f.now.Add(-time.Hour),
		StopLoss:         entry * 0.5,
		TakeProfit:       entry * 2,
		AllocationAmount: alloc.AllocatedAmount,
		Meta:             instance.InstrumentMeta{Multiplier: mult},
	}}
	require.NoError(t, f.instances.Transition(ctx, key, instance.Holding, hc))
	if brokerQty != 0 {
		f.paper.SetPosition(instrument, brokerQty, entry)
	}
	return key
}

func (f *fixture) state(t *testing.T, key instance.Key) instance.State {
	t.Helper()
	inst, err := f.instances.Get(context.Background(), key)
	require.NoError(t, err)
	return inst.State
}

func TestShadowPriceTripsBreakerWithoutSelling(t *testing.T) {
	f := newFixture(t)
	key := f.hold(t, contract, 2.00, 5, 100, 5)
	f.paper.SetPrice(contract, 0.18) // 9% of entry

	rep, err := f.sweeper.Sweep(context.Background(), strategy, option)
	require.NoError(t, err)

	assert.Equal(t, 1, rep.ShadowBreaches)
	assert.True(t, f.breakers.Active(1))
	assert.Equal(t, instance.Holding, f.state(t, key))

	placed, err := f.paper.TodayOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, placed)
}

func TestShadowPriceTripsOncePerBreach(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	trips := 0
	f.breakers.OnTrip(func(context.Context, int64, string) { trips++ })
	key := f.hold(t, contract, 2.00, 5, 100, 5)
	f.paper.SetPrice(contract, 0.18)

	for i := 0; i < 3; i++ {
		rep, err := f.sweeper.Sweep(ctx, strategy, option)
		require.NoError(t, err)
		assert.Equal(t, 1, rep.ShadowBreaches)
	}
	assert.Equal(t, 1, trips)
	inst, err := f.instances.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, inst.Resilience.ShadowBreach)

	// recovery clears the flag, so a fresh breach after reset trips again
	f.paper.SetPrice(contract, 0.30)
	_, err = f.sweeper.Sweep(ctx, strategy, option)
	require.NoError(t, err)
	inst, err = f.instances.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, inst.Resilience.ShadowBreach)

	require.NoError(t, f.breakers.Reset(ctx, 1, "operator"))
	f.paper.SetPrice(contract, 0.15)
	_, err = f.sweeper.Sweep(ctx, strategy, option)
	require.NoError(t, err)
	assert.Equal(t, 2, trips)
	assert.True(t, f.breakers.Active(1))
}

func TestShadowPriceAboveFloorIsQuiet(t *testing.T) {
	f := newFixture(t)
	f.hold(t, contract, 2.00, 5, 100, 5)
	f.paper.SetPrice(contract, 0.25)

	rep, err := f.sweeper.Sweep(context.Background(), strategy, option)
	require.NoError(t, err)
	assert.Zero(t, rep.ShadowBreaches)
	assert.False(t, f.breakers.Active(1))
}

func TestShadowPriceFetchFailureIsCounted(t *testing.T) {
	f := newFixture(t)
	f.hold(t, contract, 2.00, 5, 100, 5)

	rep, err := f.sweeper.Sweep(context.Background(), strategy, option)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.PriceFailures)
	assert.False(t, f.breakers.Active(1))
}

func TestShadowPricingSkipsEquities(t *testing.T) {
	f := newFixture(t)
	f.hold(t, "AAPL.US", 100, 10, 1, 10)
	f.paper.SetPrice("AAPL.US", 5)

	rep, err := f.sweeper.Sweep(context.Background(), strategy, equity)
	require.NoError(t, err)
	assert.Zero(t, rep.ShadowBreaches)
	assert.Zero(t, rep.PriceFailures)
}

func TestReconciliationResetsVanishedPosition(t *testing.T) {
	f := newFixture(t)
	key := f.hold(t, "AAPL.US", 100, 10, 1, 0)
	f.paper.SetPrice("AAPL.US", 90)
	require.InDelta(t, 1000.0, f.ledger.Used(1), 1e-9)

	rep, err := f.sweeper.Sweep(context.Background(), strategy, equity)
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Reconciled)
	assert.Equal(t, instance.Idle, f.state(t, key))
	assert.Zero(t, f.ledger.Used(1))
	assert.True(t, f.breakers.Active(1))

	trades := f.journal.Trades()
	require.Len(t, trades, 1)
	assert.True(t, trades[0].Synthetic)
	assert.InDelta(t, -100.0, trades[0].NetPnL, 1e-9)
}

func TestReconciliationLossBoundedByAllocation(t *testing.T) {
	f := newFixture(t)
	f.hold(t, "AAPL.US", 100, 10, 1, 0)

	_, err := f.sweeper.Sweep(context.Background(), strategy, equity)
	require.NoError(t, err)

	trades := f.journal.Trades()
	require.Len(t, trades, 1)
	assert.InDelta(t, -1000.0, trades[0].NetPnL, 1e-9)
}

func TestReconciliationWinsOverShadowPricing(t *testing.T) {
	f := newFixture(t)
	key := f.hold(t, contract, 2.00, 5, 100, 0)
	f.paper.SetPrice(contract, 0.05)

	rep, err := f.sweeper.Sweep(context.Background(), strategy, option)
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Reconciled)
	assert.Zero(t, rep.ShadowBreaches)
	assert.Equal(t, instance.Idle, f.state(t, key))
	assert.Zero(t, f.ledger.Used(1))
	assert.True(t, f.breakers.Active(1))
}

func TestMatchingPositionLeftAlone(t *testing.T) {
	f := newFixture(t)
	key := f.hold(t, "AAPL.US", 100, 10, 1, 10)
	f.paper.SetPrice("AAPL.US", 101)

	rep, err := f.sweeper.Sweep(context.Background(), strategy, equity)
	require.NoError(t, err)
	assert.Zero(t, rep.Reconciled)
	assert.Equal(t, 1, rep.Checked)
	assert.Equal(t, instance.Holding, f.state(t, key))
	assert.False(t, f.breakers.Active(1))
}

func TestPositionsFailureAbortsSweep(t *testing.T) {
	f := newFixture(t)
	key := f.hold(t, "AAPL.US", 100, 10, 1, 0)
	f.paper.FailNext("positions", 1)

	_, err := f.sweeper.Sweep(context.Background(), strategy, equity)
	require.Error(t, err)
	assert.Equal(t, instance.Holding, f.state(t, key))
}

func TestWatchdogForceClosesExpiringPosition(t *testing.T) {
	f := newFixture(t)
	f.now = f.now.Add(4*time.Hour + 10*time.Minute) // 15:10 ET
	key := f.hold(t, contract, 2.00, 5, 100, 5)
	f.paper.SetPrice(contract, 1.20)

	rep, err := f.sweeper.Sweep(context.Background(), strategy, option)
	require.NoError(t, err)

	assert.Equal(t, 1, rep.ForceClosed)
	assert.Equal(t, instance.Closing, f.state(t, key))

	placed, err := f.paper.TodayOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, placed, 1)
	assert.Equal(t, gateway.SideSell, placed[0].Side)
	assert.Equal(t, 5.0, placed[0].Quantity)
}

func TestWatchdogRetriesThenGivesUp(t *testing.T) {
	f := newFixture(t)
	f.now = f.now.Add(4*time.Hour + 10*time.Minute)
	key := f.hold(t, contract, 2.00, 5, 100, 5)
	f.paper.SetPrice(contract, 1.20)
	f.paper.FailNext("submit", 3)

	rep, err := f.sweeper.Sweep(context.Background(), strategy, option)
	require.NoError(t, err)

	assert.Zero(t, rep.ForceClosed)
	assert.Equal(t, 2, f.sleeps)
	assert.Equal(t, instance.Holding, f.state(t, key))
}

func TestWatchdogIgnoresLaterExpiries(t *testing.T) {
	f := newFixture(t)
	f.now = f.now.Add(4*time.Hour + 10*time.Minute)
	key := f.hold(t, "QQQ260116C00500000.US", 2.00, 5, 100, 5)
	f.paper.SetPrice("QQQ260116C00500000.US", 1.20)

	rep, err := f.sweeper.Sweep(context.Background(), strategy, option)
	require.NoError(t, err)
	assert.Zero(t, rep.ForceClosed)
	assert.Equal(t, instance.Holding, f.state(t, key))
}

func TestWatchdogOutsideWindow(t *testing.T) {
	f := newFixture(t)
	key := f.hold(t, contract, 2.00, 5, 100, 5)
	f.paper.SetPrice(contract, 1.20)

	rep, err := f.sweeper.Sweep(context.Background(), strategy, option)
	require.NoError(t, err)
	assert.Zero(t, rep.ForceClosed)
	assert.Equal(t, instance.Holding, f.state(t, key))
}

func TestInWatchdogWindow(t *testing.T) {
	f := newFixture(t)
	ny := f.now.Location()
	assert.True(t, f.sweeper.InWatchdogWindow("US", time.Date(2026, 1, 15, 15, 0, 0, 0, ny)))
	assert.True(t, f.sweeper.InWatchdogWindow("US", time.Date(2026, 1, 15, 15, 59, 0, 0, ny)))
	assert.False(t, f.sweeper.InWatchdogWindow("US", time.Date(2026, 1, 15, 16, 0, 0, 0, ny)))
	assert.False(t, f.sweeper.InWatchdogWindow("US", time.Date(2026, 1, 15, 14, 59, 0, 0, ny)))

	f.sweeper.cfg.WatchdogWindowStart = "bogus"
	assert.False(t, f.sweeper.InWatchdogWindow("US", time.Date(2026, 1, 15, 15, 30, 0, 0, ny)))
}
