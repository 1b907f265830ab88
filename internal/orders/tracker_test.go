package orders

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quant-trading-engine/config"
	"quant-trading-engine/internal/capital"
	"quant-trading-engine/internal/circuit"
	"quant-trading-engine/internal/exit"
	"quant-trading-engine/internal/gateway"
	"quant-trading-engine/internal/instance"
)

type countingProtector struct {
	mu    sync.Mutex
	calls int
}

func (p *countingProtector) Submit(context.Context, instance.Key, *instance.HoldingContext) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return nil
}

type harness struct {
	paper     *gateway.Paper
	instances *instance.MemoryStore
	ledger    *capital.Ledger
	breakers  *circuit.Registry
	store     *MemoryStore
	journal   *MemoryJournal
	protector *countingProtector
	tracker   *Tracker
}

var aapl = instance.Key{StrategyID: 1, Instrument: "AAPL.US"}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := config.StrategyConfig{ID: 1, Budget: 10000, MaxConcurrentPositions: 2}
	h := &harness{
		paper:     gateway.NewPaper(gateway.PaperOptions{FeePerOrder: 1}, zerolog.Nop()),
		instances: instance.NewMemoryStore(),
		ledger:    capital.NewLedger(nil, nil, zerolog.Nop()),
		store:     NewMemoryStore(),
		journal:   NewMemoryJournal(),
		protector: &countingProtector{},
	}
	h.ledger.Register(st)
	h.breakers = circuit.NewRegistry(config.CircuitBreakerConfig{Enabled: true, MaxConsecutiveLosses: 5, MaxDailyLossPercent: 50, CooldownMinutes: 30}, h.instances, nil, zerolog.Nop())
	h.breakers.Register(st)
	h.tracker = NewTracker(TrackerDeps{
		Store:     h.store,
		Instances: h.instances,
		Trading:   h.paper,
		Ledger:    h.ledger,
		Breakers:  h.breakers,
		Journal:   h.journal,
		Dedup:     NewMemoryDedup(),
		Fees:      exit.DefaultParams(),
		Protector: h.protector,
	}, zerolog.Nop())
	return h
}

// openEntry reserves capital, moves the instance to OPENING and submits
func (h *harness) openEntry(t *testing.T) *Order {
	t.Helper()
	ctx := context.Background()
	ok, err := h.tracker.AcquireSubmission(ctx, 1, aapl.Instrument, gateway.SideBuy)
	require.NoError(t, err)
	require.True(t, ok)
	alloc := h.ledger.Reserve(ctx, 1, 1000, aapl.Instrument)
	require.True(t, alloc.Approved)

	cid, err := h.tracker.NewClientOrderID(ctx, 1, PurposeEntry)
	require.NoError(t, err)
	oc := &instance.OpeningContext{
		Envelope: instance.Envelope{
			Direction:          instance.DirLong,
			EntryPrice:         100,
			Quantity:           10,
			OriginalStopLoss:   95,
			OriginalTakeProfit: 110,
			StopLoss:           95,
			TakeProfit:         110,
			AllocationAmount:   alloc.AllocatedAmount,
		},
		ClientOrderID: cid,
	}
	require.NoError(t, h.instances.Transition(ctx, aapl, instance.Opening, oc))

	o, err := h.tracker.Place(ctx, PlaceRequest{
		StrategyID:       1,
		Instrument:       aapl.Instrument,
		Side:             gateway.SideBuy,
		Quantity:         10,
		Price:            100,
		ClientOrderID:    cid,
		Purpose:          PurposeEntry,
		AllocationAmount: alloc.AllocatedAmount,
	})
	require.NoError(t, err)
	return o
}

// holdAndExit fills the entry and submits an exit order
func (h *harness) holdAndExit(t *testing.T) *Order {
	t.Helper()
	ctx := context.Background()
	entry := h.openEntry(t)
	require.NoError(t, h.paper.Fill(entry.ID, 100))
	_, err := h.tracker.Poll(ctx, 1)
	require.NoError(t, err)

	inst, err := h.instances.Get(ctx, aapl)
	require.NoError(t, err)
	hc, ok := inst.Holding()
	require.True(t, ok)

	cid, err := h.tracker.NewClientOrderID(ctx, 1, PurposeExit)
	require.NoError(t, err)
	require.NoError(t, h.instances.Transition(ctx, aapl, instance.Closing, hc.Close("TAKE_PROFIT", "", cid, 110, time.Now())))
	exitOrder, err := h.tracker.Place(ctx, PlaceRequest{
		StrategyID:    1,
		Instrument:    aapl.Instrument,
		Side:          gateway.SideSell,
		Quantity:      10,
		ClientOrderID: cid,
		Purpose:       PurposeExit,
		Reason:        "TAKE_PROFIT",
	})
	require.NoError(t, err)
	return exitOrder
}

func TestEntryFillProcessedExactlyOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	entry := h.openEntry(t)
	require.NoError(t, h.paper.Fill(entry.ID, 100.5))

	for i := 0; i < 3; i++ {
		_, err := h.tracker.Poll(ctx, 1)
		require.NoError(t, err)
	}

	inst, err := h.instances.Get(ctx, aapl)
	require.NoError(t, err)
	assert.Equal(t, instance.Holding, inst.State)
	hc, _ := inst.Holding()
	assert.Equal(t, 100.5, hc.EntryPrice)
	assert.Equal(t, 1.0, hc.EntryFees)
	assert.Equal(t, 1000.0, h.ledger.Used(1))
	assert.Equal(t, 1, h.protector.calls)
}

func TestExitFillReleasesCapitalOnceUnderConcurrentPolls(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	exitOrder := h.holdAndExit(t)
	require.NoError(t, h.paper.Fill(exitOrder.ID, 110))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.tracker.Poll(ctx, 1)
		}()
	}
	wg.Wait()

	inst, err := h.instances.Get(ctx, aapl)
	require.NoError(t, err)
	assert.Equal(t, instance.Idle, inst.State)
	assert.Zero(t, h.ledger.Used(1))

	trades := h.journal.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, "TAKE_PROFIT", trades[0].Reason)
	assert.InDelta(t, 100.0, trades[0].GrossPnL, 1e-9)
	assert.InDelta(t, 98.0, trades[0].NetPnL, 1e-9)

	stats, ok := h.breakers.GetStats(1)
	require.True(t, ok)
	assert.Zero(t, stats.ConsecutiveLosses)
}

func TestPartialExitKeepsRemainderProtected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	exitOrder := h.holdAndExit(t)
	require.NoError(t, h.paper.FillPartial(exitOrder.ID, 4, 110))
	require.NoError(t, h.paper.SetStatus(exitOrder.ID, gateway.StatusCancelled))

	_, err := h.tracker.Poll(ctx, 1)
	require.NoError(t, err)

	inst, err := h.instances.Get(ctx, aapl)
	require.NoError(t, err)
	require.Equal(t, instance.Holding, inst.State)
	hc, _ := inst.Holding()
	assert.InDelta(t, 6.0, hc.Quantity, 1e-9)
	assert.InDelta(t, 600.0, hc.AllocationAmount, 1e-9)
	assert.InDelta(t, 600.0, h.ledger.Used(1), 1e-9)
	assert.Equal(t, 2, h.protector.calls)

	trades := h.journal.Trades()
	require.Len(t, trades, 1)
	assert.InDelta(t, 4.0, trades[0].Quantity, 1e-9)
}

func TestCancelledEntryReleasesAndResets(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	entry := h.openEntry(t)
	require.NoError(t, h.paper.SetStatus(entry.ID, gateway.StatusCancelled))

	sum, err := h.tracker.Poll(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Cancelled)

	inst, _ := h.instances.Get(ctx, aapl)
	assert.Equal(t, instance.Idle, inst.State)
	assert.Zero(t, h.ledger.Used(1))

	// Dedup key was released with the rollback.
	ok, err := h.tracker.AcquireSubmission(ctx, 1, aapl.Instrument, gateway.SideBuy)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPartialEntryKeepsProportionalAllocation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	entry := h.openEntry(t)
	require.NoError(t, h.paper.FillPartial(entry.ID, 4, 100))
	require.NoError(t, h.paper.SetStatus(entry.ID, gateway.StatusCancelled))

	_, err := h.tracker.Poll(ctx, 1)
	require.NoError(t, err)

	inst, _ := h.instances.Get(ctx, aapl)
	hc, ok := inst.Holding()
	require.True(t, ok)
	assert.Equal(t, 4.0, hc.Quantity)
	assert.Equal(t, 400.0, hc.AllocationAmount)
	assert.Equal(t, 400.0, h.ledger.Used(1))
}

func TestCancelledExitReturnsToHolding(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	exitOrder := h.holdAndExit(t)
	require.NoError(t, h.paper.SetStatus(exitOrder.ID, gateway.StatusRejected))

	_, err := h.tracker.Poll(ctx, 1)
	require.NoError(t, err)

	inst, _ := h.instances.Get(ctx, aapl)
	assert.Equal(t, instance.Holding, inst.State)
	assert.Equal(t, 1000.0, h.ledger.Used(1))
	assert.Empty(t, h.journal.Trades())
}

func TestLateFillAfterStaleResetIsOrphan(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	entry := h.openEntry(t)

	// Staleness reset already released the reservation.
	require.NoError(t, h.instances.Transition(ctx, aapl, instance.Idle, nil))
	require.NoError(t, h.ledger.Release(ctx, 1, 1000, aapl.Instrument))

	require.NoError(t, h.paper.Fill(entry.ID, 100))
	_, err := h.tracker.Poll(ctx, 1)
	require.NoError(t, err)
	_, err = h.tracker.Poll(ctx, 1)
	require.NoError(t, err)

	inst, _ := h.instances.Get(ctx, aapl)
	assert.Equal(t, instance.Idle, inst.State)
	assert.Zero(t, h.ledger.Used(1))

	trades := h.journal.Trades()
	require.Len(t, trades, 1)
	assert.True(t, trades[0].Orphan)
}

func TestUnknownBrokerFillReportedOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	ack, err := h.paper.SubmitOrder(ctx, gateway.OrderRequest{
		ClientOrderID: GenerateFallback(1, PurposeEntry),
		Instrument:    "MSFT.US",
		Side:          gateway.SideBuy,
		Type:          gateway.OrderTypeMarket,
		Quantity:      1,
	})
	require.NoError(t, err)
	require.NoError(t, h.paper.Fill(ack.OrderID, 300))

	sum, err := h.tracker.Poll(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Orphans)
	sum, err = h.tracker.Poll(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, sum.Orphans)
}

func TestPlaceFailureFinalizesLocalOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.paper.FailNext("submit", 1)

	_, err := h.tracker.Place(ctx, PlaceRequest{
		StrategyID: 1,
		Instrument: aapl.Instrument,
		Side:       gateway.SideBuy,
		Quantity:   1,
		Purpose:    PurposeEntry,
	})
	require.Error(t, err)

	open, err := h.store.ListOpen(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestHasOpenOrderIgnoresProtection(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.store.Save(ctx, &Order{ClientOrderID: "p1", StrategyID: 1, Instrument: aapl.Instrument, Status: gateway.StatusNew, Purpose: PurposeProtection}))

	open, err := h.tracker.HasOpenOrder(ctx, aapl)
	require.NoError(t, err)
	assert.False(t, open)

	h.openEntry(t)
	open, err = h.tracker.HasOpenOrder(ctx, aapl)
	require.NoError(t, err)
	assert.True(t, open)
}
