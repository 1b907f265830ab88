package protection

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quant-trading-engine/config"
	"quant-trading-engine/internal/circuit"
	"quant-trading-engine/internal/exit"
	"quant-trading-engine/internal/gateway"
	"quant-trading-engine/internal/instance"
	"quant-trading-engine/internal/orders"
	"quant-trading-engine/internal/session"
)

var spy = instance.Key{StrategyID: 1, Instrument: "SPY.US"}

type fixture struct {
	paper     *gateway.Paper
	instances *instance.MemoryStore
	breakers  *circuit.Registry
	store     *orders.MemoryStore
	tracker   *orders.Tracker
	svc       *Service
	pending   []func()
}

func testConfig() config.ProtectionConfig {
	return config.ProtectionConfig{
		Enabled:                true,
		DefaultTrailingPercent: 60,
		MinTrailingPercent:     8,
		MaxTrailingPercent:     65,
		AdjustThresholdPercent: 3,
		LimitOffset:            0.10,
		FailureThreshold:       3,
		RetryDelaySec:          30,
		EmergencyStopFraction:  0.5,
		CancelRecheckDelayMs:   500,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := config.StrategyConfig{ID: 1, Budget: 10000, MaxConcurrentPositions: 2}
	f := &fixture{
		paper:     gateway.NewPaper(gateway.PaperOptions{FeePerOrder: 1}, zerolog.Nop()),
		instances: instance.NewMemoryStore(),
		store:     orders.NewMemoryStore(),
	}
	f.breakers = circuit.NewRegistry(config.CircuitBreakerConfig{Enabled: true, MaxConsecutiveLosses: 5, MaxDailyLossPercent: 50, TightenPercent: 10}, f.instances, nil, zerolog.Nop())
	f.breakers.Register(st)

	f.tracker = orders.NewTracker(orders.TrackerDeps{
		Store:     f.store,
		Instances: f.instances,
		Trading:   f.paper,
		Breakers:  f.breakers,
		Dedup:     orders.NewMemoryDedup(),
		Fees:      exit.DefaultParams(),
	}, zerolog.Nop())

	f.svc = NewService(testConfig(), Deps{
		Tracker:   f.tracker,
		Trading:   f.paper,
		Instances: f.instances,
		Breakers:  f.breakers,
		Sessions:  session.NewService(zerolog.Nop()),
	}, zerolog.Nop())
	f.svc.sleep = func(context.Context, time.Duration) error { return nil }
	f.svc.afterFunc = func(_ time.Duration, fn func()) *time.Timer {
		f.pending = append(f.pending, fn)
		return time.NewTimer(time.Hour)
	}
	return f
}

func (f *fixture) hold(t *testing.T, dir instance.Direction, qty float64) *instance.HoldingContext {
	t.Helper()
	hc := &instance.HoldingContext{Envelope: instance.Envelope{
		Direction:  dir,
		EntryPrice: 100,
		Quantity:   qty,
		StopLoss:   95,
		TakeProfit: 110,
	}}
	state := instance.Holding
	if dir == instance.DirShort {
		state = instance.Short
	}
	require.NoError(t, f.instances.Transition(context.Background(), spy, state, hc))
	return hc
}

func (f *fixture) current(t *testing.T) *instance.Instance {
	t.Helper()
	inst, err := f.instances.Get(context.Background(), spy)
	require.NoError(t, err)
	return inst
}

func TestSubmitRecordsProtectionOrder(t *testing.T) {
	f := newFixture(t)
	hc := f.hold(t, instance.DirLong, 10)

	require.NoError(t, f.svc.Submit(context.Background(), spy, hc))

	inst := f.current(t)
	require.NotEmpty(t, inst.Resilience.ProtectionOrderID)
	assert.Zero(t, inst.Resilience.EmergencyStopLoss)

	d, err := f.paper.OrderDetail(context.Background(), inst.Resilience.ProtectionOrderID)
	require.NoError(t, err)
	assert.Equal(t, gateway.SideSell, d.Side)
	assert.Equal(t, gateway.OrderTypeTrailingStop, d.Type)
	assert.Equal(t, 10.0, d.Quantity)

	o, err := f.store.Get(context.Background(), inst.Resilience.ProtectionOrderID)
	require.NoError(t, err)
	assert.Equal(t, orders.PurposeProtection, o.Purpose)
	assert.Equal(t, 60.0, o.TrailingPercent)
}

func TestSubmitShortBuysToCover(t *testing.T) {
	f := newFixture(t)
	hc := f.hold(t, instance.DirShort, -5)

	require.NoError(t, f.svc.Submit(context.Background(), spy, hc))

	d, err := f.paper.OrderDetail(context.Background(), f.current(t).Resilience.ProtectionOrderID)
	require.NoError(t, err)
	assert.Equal(t, gateway.SideBuy, d.Side)
	assert.Equal(t, 5.0, d.Quantity)
}

func TestSubmitFailureArmsEmergencyStopAndRetriesOnce(t *testing.T) {
	f := newFixture(t)
	hc := f.hold(t, instance.DirLong, 10)
	f.paper.FailNext("submit", 1)

	err := f.svc.Submit(context.Background(), spy, hc)
	require.Error(t, err)

	inst := f.current(t)
	assert.Empty(t, inst.Resilience.ProtectionOrderID)
	assert.Equal(t, 50.0, inst.Resilience.EmergencyStopLoss)
	assert.Equal(t, 1, f.breakers.ProtectionFailures(1))
	assert.Equal(t, 1, f.svc.PendingRetries())
	require.Len(t, f.pending, 1)

	f.pending[0]()

	inst = f.current(t)
	assert.NotEmpty(t, inst.Resilience.ProtectionOrderID)
	assert.Zero(t, inst.Resilience.EmergencyStopLoss)
	assert.Zero(t, f.breakers.ProtectionFailures(1))
	assert.Zero(t, f.svc.PendingRetries())
}

func TestRetryFailureDoesNotReschedule(t *testing.T) {
	f := newFixture(t)
	hc := f.hold(t, instance.DirLong, 10)
	f.paper.FailNext("submit", 2)

	require.Error(t, f.svc.Submit(context.Background(), spy, hc))
	require.Len(t, f.pending, 1)
	f.pending[0]()

	assert.Len(t, f.pending, 1)
	assert.Equal(t, 2, f.breakers.ProtectionFailures(1))
	assert.Equal(t, 50.0, f.current(t).Resilience.EmergencyStopLoss)
}

func TestRetrySkipsClosedPosition(t *testing.T) {
	f := newFixture(t)
	hc := f.hold(t, instance.DirLong, 10)
	f.paper.FailNext("submit", 1)
	require.Error(t, f.svc.Submit(context.Background(), spy, hc))

	require.NoError(t, f.instances.Transition(context.Background(), spy, instance.Idle, nil))
	f.pending[0]()

	open, err := f.paper.TodayOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestRetryYieldsToExitInFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	hc := f.hold(t, instance.DirLong, 10)
	f.paper.FailNext("submit", 1)
	require.Error(t, f.svc.Submit(ctx, spy, hc))

	// a market exit holds the closing-side submission key
	ok, err := f.tracker.AcquireSubmission(ctx, 1, spy.Instrument, gateway.SideSell)
	require.NoError(t, err)
	require.True(t, ok)
	f.pending[0]()

	open, err := f.paper.TodayOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.Empty(t, f.current(t).Resilience.ProtectionOrderID)
}

func TestRetrySkipsClosingPosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	hc := f.hold(t, instance.DirLong, 10)
	f.paper.FailNext("submit", 1)
	require.Error(t, f.svc.Submit(ctx, spy, hc))

	cc := hc.Close("STOP_LOSS", "", "exit-1", 94, time.Now())
	require.NoError(t, f.instances.Transition(ctx, spy, instance.Closing, cc))
	f.pending[0]()

	open, err := f.paper.TodayOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestCancelRetryDropsScheduledRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	hc := f.hold(t, instance.DirLong, 10)
	f.paper.FailNext("submit", 1)
	require.Error(t, f.svc.Submit(ctx, spy, hc))
	require.Equal(t, 1, f.svc.PendingRetries())

	f.svc.CancelRetry(spy)
	assert.Zero(t, f.svc.PendingRetries())

	// a timer that already fired must still see the cancellation
	f.pending[0]()
	open, err := f.paper.TodayOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestShortEmergencyStopAboveEntry(t *testing.T) {
	f := newFixture(t)
	hc := f.hold(t, instance.DirShort, -10)
	f.paper.FailNext("submit", 1)

	require.Error(t, f.svc.Submit(context.Background(), spy, hc))
	assert.Equal(t, 150.0, f.current(t).Resilience.EmergencyStopLoss)
}

func TestEntriesBlockedAfterRepeatedFailures(t *testing.T) {
	f := newFixture(t)
	hc := f.hold(t, instance.DirLong, 10)
	f.paper.FailNext("submit", 3)

	for i := 0; i < 3; i++ {
		assert.False(t, f.svc.EntriesBlocked(1))
		require.Error(t, f.svc.Submit(context.Background(), spy, hc))
	}
	assert.True(t, f.svc.EntriesBlocked(1))

	require.NoError(t, f.svc.Submit(context.Background(), spy, hc))
	assert.False(t, f.svc.EntriesBlocked(1))
}

func TestCancelActiveOrderClearsField(t *testing.T) {
	f := newFixture(t)
	hc := f.hold(t, instance.DirLong, 10)
	require.NoError(t, f.svc.Submit(context.Background(), spy, hc))
	id := f.current(t).Resilience.ProtectionOrderID

	require.NoError(t, f.svc.Cancel(context.Background(), spy, id))

	assert.Empty(t, f.current(t).Resilience.ProtectionOrderID)
	assert.Equal(t, StatusCancelled, f.svc.Status(context.Background(), id))
}

func TestCancelFilledOrderReportsFill(t *testing.T) {
	f := newFixture(t)
	hc := f.hold(t, instance.DirLong, 10)
	require.NoError(t, f.svc.Submit(context.Background(), spy, hc))
	id := f.current(t).Resilience.ProtectionOrderID
	require.NoError(t, f.paper.Fill(id, 40))

	err := f.svc.Cancel(context.Background(), spy, id)
	assert.ErrorIs(t, err, ErrProtectionFilled)
	assert.Equal(t, id, f.current(t).Resilience.ProtectionOrderID)
}

func TestCancelPartiallyFilledOrderReportsFill(t *testing.T) {
	f := newFixture(t)
	hc := f.hold(t, instance.DirLong, 10)
	require.NoError(t, f.svc.Submit(context.Background(), spy, hc))
	id := f.current(t).Resilience.ProtectionOrderID
	require.NoError(t, f.paper.FillPartial(id, 3, 40))

	assert.ErrorIs(t, f.svc.Cancel(context.Background(), spy, id), ErrProtectionFilled)
}

func TestCancelAlreadyCancelledOrder(t *testing.T) {
	f := newFixture(t)
	hc := f.hold(t, instance.DirLong, 10)
	require.NoError(t, f.svc.Submit(context.Background(), spy, hc))
	id := f.current(t).Resilience.ProtectionOrderID
	require.NoError(t, f.paper.SetStatus(id, gateway.StatusCancelled))

	require.NoError(t, f.svc.Cancel(context.Background(), spy, id))
	assert.Empty(t, f.current(t).Resilience.ProtectionOrderID)
}

func TestCancelFailureSurfaces(t *testing.T) {
	f := newFixture(t)
	hc := f.hold(t, instance.DirLong, 10)
	require.NoError(t, f.svc.Submit(context.Background(), spy, hc))
	id := f.current(t).Resilience.ProtectionOrderID
	f.paper.FailNext("cancel", 1)

	require.Error(t, f.svc.Cancel(context.Background(), spy, id))
	assert.Equal(t, id, f.current(t).Resilience.ProtectionOrderID)
}

func TestStatusUnknownOnError(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, StatusUnknown, f.svc.Status(context.Background(), "missing"))
}

func TestAdjustRespectsThreshold(t *testing.T) {
	f := newFixture(t)
	hc := f.hold(t, instance.DirLong, 10)
	require.NoError(t, f.svc.Submit(context.Background(), spy, hc))
	id := f.current(t).Resilience.ProtectionOrderID

	changed, err := f.svc.Adjust(context.Background(), spy, hc, id, 58)
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = f.svc.Adjust(context.Background(), spy, hc, id, 45)
	require.NoError(t, err)
	assert.True(t, changed)

	o, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 45.0, o.TrailingPercent)
}

func TestAdjustFallsBackToCancelAndResubmit(t *testing.T) {
	f := newFixture(t)
	hc := f.hold(t, instance.DirLong, 10)
	require.NoError(t, f.svc.Submit(context.Background(), spy, hc))
	oldID := f.current(t).Resilience.ProtectionOrderID
	f.paper.FailNext("replace", 1)

	changed, err := f.svc.Adjust(context.Background(), spy, hc, oldID, 20)
	require.NoError(t, err)
	assert.True(t, changed)

	newID := f.current(t).Resilience.ProtectionOrderID
	assert.NotEmpty(t, newID)
	assert.NotEqual(t, oldID, newID)
	assert.Equal(t, StatusCancelled, f.svc.Status(context.Background(), oldID))
	assert.Equal(t, StatusActive, f.svc.Status(context.Background(), newID))
}

func TestTightenAllCoversUnprotectedPositions(t *testing.T) {
	f := newFixture(t)
	f.hold(t, instance.DirLong, 10)

	n := f.svc.TightenAll(context.Background(), 1, 10)
	assert.Equal(t, 1, n)

	id := f.current(t).Resilience.ProtectionOrderID
	require.NotEmpty(t, id)
	o, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 10.0, o.TrailingPercent)
}

func TestTrailStaysTightWhileBreakerOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	hc := f.hold(t, instance.DirLong, 10)
	require.NoError(t, f.svc.Submit(ctx, spy, hc))
	id := f.current(t).Resilience.ProtectionOrderID

	f.breakers.Trip(ctx, 1, "shadow price breach")
	assert.Equal(t, 10.0, f.svc.TrailingPercent(spy, hc))

	changed, err := f.svc.Adjust(ctx, spy, hc, id, 10)
	require.NoError(t, err)
	require.True(t, changed)

	// widening is refused until the breaker is reset
	changed, err = f.svc.Adjust(ctx, spy, hc, id, 60)
	require.NoError(t, err)
	assert.False(t, changed)
	o, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 10.0, o.TrailingPercent)

	require.NoError(t, f.breakers.Reset(ctx, 1, "operator"))
	assert.Equal(t, 60.0, f.svc.TrailingPercent(spy, hc))
	changed, err = f.svc.Adjust(ctx, spy, hc, id, 60)
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestTrailingPercent(t *testing.T) {
	f := newFixture(t)
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	today := time.Date(2026, 1, 15, 0, 0, 0, 0, ny)

	tests := []struct {
		name string
		now  time.Time
		meta instance.InstrumentMeta
		peak float64
		want float64
	}{
		{"plain equity", time.Date(2026, 1, 15, 10, 0, 0, 0, ny), instance.InstrumentMeta{}, 0, 60},
		{"big winner", time.Date(2026, 1, 15, 10, 0, 0, 0, ny), instance.InstrumentMeta{}, 90, 45},
		{"0dte early capped at max", time.Date(2026, 1, 15, 10, 0, 0, 0, ny), instance.InstrumentMeta{Market: "US", Expiry: today}, 0, 65},
		{"0dte final", time.Date(2026, 1, 15, 15, 45, 0, 0, ny), instance.InstrumentMeta{Market: "US", Expiry: today}, 0, 60},
		{"weekly mid", time.Date(2026, 1, 15, 13, 0, 0, 0, ny), instance.InstrumentMeta{Market: "US", Expiry: today.AddDate(0, 0, 1)}, 0, 58},
		{"0dte late winner", time.Date(2026, 1, 15, 14, 30, 0, 0, ny), instance.InstrumentMeta{Market: "US", Expiry: today}, 85, 45},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := tt.now
			f.svc.now = func() time.Time { return now }
			hc := &instance.HoldingContext{
				Envelope:       instance.Envelope{Direction: instance.DirLong, EntryPrice: 1, Quantity: 1, Meta: tt.meta},
				PeakPnLPercent: tt.peak,
			}
			assert.Equal(t, tt.want, f.svc.TrailingPercent(instance.Key{StrategyID: 1, Instrument: "SPY260115C00600000.US"}, hc))
		})
	}
}

func TestDisabledSubmitIsNoop(t *testing.T) {
	f := newFixture(t)
	f.svc.cfg.Enabled = false
	hc := f.hold(t, instance.DirLong, 10)

	require.NoError(t, f.svc.Submit(context.Background(), spy, hc))
	assert.Empty(t, f.current(t).Resilience.ProtectionOrderID)
	assert.False(t, f.svc.EntriesBlocked(1))
}
