package orders

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"quant-trading-engine/internal/capital"
	"quant-trading-engine/internal/circuit"
	"quant-trading-engine/internal/events"
	"quant-trading-engine/internal/exit"
	"quant-trading-engine/internal/gateway"
	"quant-trading-engine/internal/instance"
)

// ReasonProtectionStop is the trade reason when the broker-side trailing
// stop closed the position.
const ReasonProtectionStop = "PROTECTION_STOP"

const qtyEpsilon = 1e-9

// Protector places the broker-side protection order after an entry fill
type Protector interface {
	Submit(ctx context.Context, key instance.Key, hc *instance.HoldingContext) error
}

// TrackerDeps are the collaborators of a Tracker. Journal, Dedup,
// Protector and Bus are optional.
type TrackerDeps struct {
	Store     Store
	Instances instance.Store
	Trading   gateway.TradingGateway
	Ledger    *capital.Ledger
	Breakers  *circuit.Registry
	Journal   Journal
	Dedup     DedupCache
	IDs       *ClientOrderIDGenerator
	Fees      exit.Params
	Protector Protector
	Bus       *events.EventBus
	DedupTTL  time.Duration
}

// PollSummary counts what one poll did
type PollSummary struct {
	Checked   int
	Filled    int
	Cancelled int
	Orphans   int
}

// PlaceRequest is a submission through the tracker
type PlaceRequest struct {
	StrategyID       int64
	Instrument       string
	Side             gateway.Side
	Type             gateway.OrderType
	Quantity         float64
	Price            float64
	TrailingPercent  float64
	LimitOffset      float64
	ClientOrderID    string
	Purpose          Purpose
	AllocationAmount float64
	Reason           string
}

// Tracker submits orders and settles them exactly once by polling the
// broker's order list.
type Tracker struct {
	TrackerDeps
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	reported map[string]bool // orphan broker order ids already surfaced
}

// NewTracker creates a tracker
func NewTracker(deps TrackerDeps, logger zerolog.Logger) *Tracker {
	if deps.Journal == nil {
		deps.Journal = NewMemoryJournal()
	}
	if deps.IDs == nil {
		deps.IDs = NewClientOrderIDGenerator(nil, time.UTC, logger)
	}
	if deps.DedupTTL <= 0 {
		deps.DedupTTL = time.Minute
	}
	return &Tracker{
		TrackerDeps: deps,
		logger:      logger.With().Str("component", "order_tracker").Logger(),
		now:         time.Now,
		reported:    make(map[string]bool),
	}
}

// SetClock overrides the tracker clock
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// NewClientOrderID generates the id an instance records before submission
func (t *Tracker) NewClientOrderID(ctx context.Context, strategyID int64, purpose Purpose) (string, error) {
	return t.IDs.Generate(ctx, strategyID, purpose)
}

// AcquireSubmission takes the dedup key for a submission. Without a dedup
// cache every submission is allowed.
func (t *Tracker) AcquireSubmission(ctx context.Context, strategyID int64, instrument string, side gateway.Side) (bool, error) {
	if t.Dedup == nil {
		return true, nil
	}
	return t.Dedup.Acquire(ctx, DedupKey(strategyID, instrument, side), t.DedupTTL)
}

// ReleaseSubmission drops the dedup key so the next cycle may retry
func (t *Tracker) ReleaseSubmission(ctx context.Context, strategyID int64, instrument string, side gateway.Side) {
	if t.Dedup == nil {
		return
	}
	if err := t.Dedup.Release(ctx, DedupKey(strategyID, instrument, side)); err != nil {
		t.logger.Warn().Err(err).Str("instrument", instrument).Msg("Failed to release dedup key")
	}
}

// Place records the order locally, then submits it. The local record comes
// first so a crash after submission still lets the poller match the fill
// by client order id.
func (t *Tracker) Place(ctx context.Context, req PlaceRequest) (*Order, error) {
	if req.ClientOrderID == "" {
		id, err := t.NewClientOrderID(ctx, req.StrategyID, req.Purpose)
		if err != nil {
			return nil, err
		}
		req.ClientOrderID = id
	}
	if req.Type == "" {
		req.Type = gateway.OrderTypeMarket
	}

	o := &Order{
		ClientOrderID:    req.ClientOrderID,
		StrategyID:       req.StrategyID,
		Instrument:       req.Instrument,
		Side:             req.Side,
		Type:             req.Type,
		Quantity:         req.Quantity,
		Price:            req.Price,
		TrailingPercent:  req.TrailingPercent,
		Status:           gateway.StatusNew,
		AllocationAmount: req.AllocationAmount,
		Purpose:          req.Purpose,
		Reason:           req.Reason,
		CreatedAt:        t.now(),
	}
	if err := t.Store.Save(ctx, o); err != nil {
		return nil, fmt.Errorf("failed to record order: %w", err)
	}

	ack, err := t.Trading.SubmitOrder(ctx, gateway.OrderRequest{
		ClientOrderID:   req.ClientOrderID,
		Instrument:      req.Instrument,
		Side:            req.Side,
		Type:            req.Type,
		Quantity:        req.Quantity,
		Price:           req.Price,
		TrailingPercent: req.TrailingPercent,
		LimitOffset:     req.LimitOffset,
		Remark:          req.Reason,
	})
	if err != nil {
		o.Status = gateway.StatusRejected
		if saveErr := t.Store.Save(ctx, o); saveErr != nil {
			t.logger.Error().Err(saveErr).Str("client_order_id", o.ClientOrderID).Msg("Failed to record rejected order")
		}
		if _, markErr := t.Store.MarkFillProcessed(ctx, o.ClientOrderID); markErr != nil {
			t.logger.Error().Err(markErr).Str("client_order_id", o.ClientOrderID).Msg("Failed to finalize rejected order")
		}
		return nil, fmt.Errorf("submit %s %s: %w", req.Side, req.Instrument, err)
	}

	o.ID = ack.OrderID
	if ack.Status != "" {
		o.Status = ack.Status
	}
	if err := t.Store.Save(ctx, o); err != nil {
		t.logger.Error().Err(err).Str("order_id", o.ID).Msg("Failed to record broker order id")
	}

	t.Bus.PublishOrder(events.EventOrderSubmitted, o.StrategyID, o.Instrument, o.ID, string(o.Side), o.Price, o.Quantity)
	t.logger.Info().
		Int64("strategy_id", o.StrategyID).
		Str("instrument", o.Instrument).
		Str("purpose", string(o.Purpose)).
		Str("order_id", o.ID).
		Str("client_order_id", o.ClientOrderID).
		Float64("quantity", o.Quantity).
		Msg("Order submitted")
	return o, nil
}

// HasOpenOrder reports whether an entry or exit order for key is still
// waiting on the broker or waiting to be settled.
func (t *Tracker) HasOpenOrder(ctx context.Context, key instance.Key) (bool, error) {
	open, err := t.Store.ListOpen(ctx, key.StrategyID)
	if err != nil {
		return false, err
	}
	for _, o := range open {
		if o.Instrument == key.Instrument && o.Purpose != PurposeProtection {
			return true, nil
		}
	}
	return false, nil
}

// Poll fetches today's broker orders, applies status changes to the
// strategy's unsettled orders and settles terminal ones.
func (t *Tracker) Poll(ctx context.Context, strategyID int64) (PollSummary, error) {
	var sum PollSummary

	open, err := t.Store.ListOpen(ctx, strategyID)
	if err != nil {
		return sum, fmt.Errorf("list open orders: %w", err)
	}
	broker, err := t.Trading.TodayOrders(ctx)
	if err != nil {
		return sum, fmt.Errorf("fetch today's orders: %w", err)
	}

	byID := make(map[string]gateway.BrokerOrder, len(broker))
	byClient := make(map[string]gateway.BrokerOrder, len(broker))
	for _, bo := range broker {
		byID[bo.OrderID] = bo
		if bo.ClientOrderID != "" {
			byClient[bo.ClientOrderID] = bo
		}
	}

	for _, o := range open {
		sum.Checked++
		bo, ok := byClient[o.ClientOrderID]
		if !ok && o.ID != "" {
			bo, ok = byID[o.ID]
		}
		if !ok && o.ID != "" {
			// Not in today's list; older orders are looked up directly.
			detail, err := t.Trading.OrderDetail(ctx, o.ID)
			if err != nil {
				if !errors.Is(err, gateway.ErrOrderNotFound) {
					t.logger.Warn().Err(err).Str("order_id", o.ID).Msg("Order detail lookup failed")
				}
				continue
			}
			bo, ok = detail.BrokerOrder, true
		}
		if !ok {
			// Terminal locally but never settled, e.g. a crash mid-settlement.
			if o.Status.Terminal() {
				if err := t.settle(ctx, o); err != nil {
					t.logger.Error().Err(err).Str("client_order_id", o.ClientOrderID).Msg("Settlement failed")
				}
			}
			continue
		}

		t.observe(o, bo)
		if err := t.Store.Save(ctx, o); err != nil {
			t.logger.Error().Err(err).Str("client_order_id", o.ClientOrderID).Msg("Failed to save order status")
			continue
		}
		if !o.Status.Terminal() {
			continue
		}
		if o.FilledQuantity > qtyEpsilon {
			sum.Filled++
		} else {
			sum.Cancelled++
		}
		if err := t.settle(ctx, o); err != nil {
			t.logger.Error().Err(err).Str("client_order_id", o.ClientOrderID).Msg("Settlement failed")
		}
	}

	sum.Orphans = t.detectOrphans(ctx, strategyID, broker)
	return sum, nil
}

func (t *Tracker) observe(o *Order, bo gateway.BrokerOrder) {
	if o.ID == "" {
		o.ID = bo.OrderID
	}
	o.Status = bo.Status
	o.FilledQuantity = bo.FilledQuantity
	if bo.AvgFillPrice > 0 {
		o.AvgFillPrice = bo.AvgFillPrice
	}
	o.UpdatedAt = t.now()
}

// SettleByOrderID refreshes a known order from the broker and settles it
// if terminal. Used when the protection order is found filled during an
// exit. Returns true when this call settled the order.
func (t *Tracker) SettleByOrderID(ctx context.Context, orderID string) (bool, error) {
	o, err := t.Store.Get(ctx, orderID)
	if err != nil {
		return false, err
	}
	detail, err := t.Trading.OrderDetail(ctx, orderID)
	if err != nil {
		return false, fmt.Errorf("order detail %s: %w", orderID, err)
	}
	t.observe(o, detail.BrokerOrder)
	if err := t.Store.Save(ctx, o); err != nil {
		return false, err
	}
	if !o.Status.Terminal() {
		return false, nil
	}
	if o.FillProcessed {
		return false, nil
	}
	return true, t.settle(ctx, o)
}

// settle runs the terminal-status side effects once. The gate is set
// before anything else so a second observation of the same fill is a no-op.
func (t *Tracker) settle(ctx context.Context, o *Order) error {
	first, err := t.Store.MarkFillProcessed(ctx, o.ClientOrderID)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	if !first {
		return nil
	}

	filled := o.FilledQuantity > qtyEpsilon
	switch o.Purpose {
	case PurposeEntry:
		if filled {
			err = t.settleEntryFill(ctx, o)
		} else {
			err = t.settleEntryCancel(ctx, o)
		}
	case PurposeExit:
		if filled {
			err = t.settleExitFill(ctx, o)
		} else {
			err = t.settleExitCancel(ctx, o)
		}
	case PurposeProtection:
		if filled {
			err = t.settleProtectionFill(ctx, o)
		} else {
			err = t.clearProtection(ctx, o)
		}
	}

	if filled {
		t.lookupFees(ctx, o)
	}
	return err
}

func holdState(d instance.Direction) instance.State {
	if d == instance.DirShort {
		return instance.Short
	}
	return instance.Holding
}

func (t *Tracker) settleEntryFill(ctx context.Context, o *Order) error {
	key := o.Key()
	inst, err := t.Instances.Get(ctx, key)
	if err != nil {
		return err
	}
	oc, ok := inst.Opening()
	if !ok || oc.ClientOrderID != o.ClientOrderID {
		t.orphan(ctx, o, fmt.Sprintf("entry fill while instance is %s", inst.State))
		return nil
	}

	hc := oc.Hold(o.FillPrice(), o.FilledQuantity, t.now())
	hc.OrderID = o.ID

	// A partially filled entry keeps only the capital it used.
	if o.Quantity > 0 && o.FilledQuantity < o.Quantity-qtyEpsilon {
		keep := oc.AllocationAmount * o.FilledQuantity / o.Quantity
		if err := t.Ledger.Release(ctx, key.StrategyID, oc.AllocationAmount-keep, key.Instrument); err != nil {
			t.logger.Error().Err(err).Str("instrument", key.Instrument).Msg("Failed to release unfilled entry capital")
		} else {
			hc.AllocationAmount = keep
		}
	}

	if err := t.Instances.Transition(ctx, key, holdState(oc.Direction), hc); err != nil {
		return fmt.Errorf("transition to holding: %w", err)
	}
	t.ReleaseSubmission(ctx, key.StrategyID, key.Instrument, o.Side)

	t.Bus.PublishOrder(events.EventOrderFilled, o.StrategyID, o.Instrument, o.ID, string(o.Side), o.FillPrice(), o.FilledQuantity)
	t.logger.Info().
		Int64("strategy_id", key.StrategyID).
		Str("instrument", key.Instrument).
		Float64("price", hc.EntryPrice).
		Float64("quantity", hc.Quantity).
		Msg("Entry filled")

	if t.Protector != nil {
		if err := t.Protector.Submit(ctx, key, hc); err != nil {
			t.logger.Warn().Err(err).Str("instrument", key.Instrument).Msg("Protection order not placed")
		}
	}
	return nil
}

func (t *Tracker) settleEntryCancel(ctx context.Context, o *Order) error {
	key := o.Key()
	inst, err := t.Instances.Get(ctx, key)
	if err != nil {
		return err
	}
	t.ReleaseSubmission(ctx, key.StrategyID, key.Instrument, o.Side)

	oc, ok := inst.Opening()
	if !ok || oc.ClientOrderID != o.ClientOrderID {
		// Already reset, capital went back with it.
		return nil
	}
	if err := t.Instances.Transition(ctx, key, instance.Idle, nil); err != nil {
		return fmt.Errorf("transition to idle: %w", err)
	}
	if err := t.Ledger.Release(ctx, key.StrategyID, oc.AllocationAmount, key.Instrument); err != nil {
		t.logger.Error().Err(err).Str("instrument", key.Instrument).Msg("Failed to release capital of cancelled entry")
	}

	t.Bus.PublishOrder(cancelEvent(o.Status), o.StrategyID, o.Instrument, o.ID, string(o.Side), o.Price, o.Quantity)
	t.logger.Info().
		Int64("strategy_id", key.StrategyID).
		Str("instrument", key.Instrument).
		Str("status", string(o.Status)).
		Msg("Entry order ended without fill")
	return nil
}

func (t *Tracker) settleExitFill(ctx context.Context, o *Order) error {
	key := o.Key()
	inst, err := t.Instances.Get(ctx, key)
	if err != nil {
		return err
	}
	cc, ok := inst.Closing()
	if !ok || cc.ExitClientID != o.ClientOrderID {
		t.orphan(ctx, o, fmt.Sprintf("exit fill while instance is %s", inst.State))
		return nil
	}
	t.ReleaseSubmission(ctx, key.StrategyID, key.Instrument, o.Side)
	return t.closePosition(ctx, key, &cc.Envelope, o, cc.ExitReason)
}

func (t *Tracker) settleExitCancel(ctx context.Context, o *Order) error {
	key := o.Key()
	inst, err := t.Instances.Get(ctx, key)
	if err != nil {
		return err
	}
	t.ReleaseSubmission(ctx, key.StrategyID, key.Instrument, o.Side)

	cc, ok := inst.Closing()
	if !ok || cc.ExitClientID != o.ClientOrderID {
		return nil
	}
	hc := cc.Reopen(t.now())
	if err := t.Instances.Transition(ctx, key, holdState(hc.Direction), hc); err != nil {
		return fmt.Errorf("transition back to holding: %w", err)
	}
	t.Bus.PublishOrder(cancelEvent(o.Status), o.StrategyID, o.Instrument, o.ID, string(o.Side), o.Price, o.Quantity)
	t.logger.Warn().
		Int64("strategy_id", key.StrategyID).
		Str("instrument", key.Instrument).
		Str("status", string(o.Status)).
		Msg("Exit order ended without fill, back to holding")
	return nil
}

func (t *Tracker) settleProtectionFill(ctx context.Context, o *Order) error {
	key := o.Key()
	inst, err := t.Instances.Get(ctx, key)
	if err != nil {
		return err
	}
	if inst.Resilience.ProtectionOrderID != o.ID || inst.Context == nil {
		t.orphan(ctx, o, fmt.Sprintf("protection fill while instance is %s", inst.State))
		return nil
	}

	// An exit may be working alongside; the position is already gone.
	if cc, ok := inst.Closing(); ok && cc.ExitOrderID != "" {
		if err := t.Trading.CancelOrder(ctx, cc.ExitOrderID); err != nil {
			t.logger.Warn().Err(err).Str("order_id", cc.ExitOrderID).Msg("Failed to cancel exit after protection fill")
		}
	}
	return t.closePosition(ctx, key, inst.Env(), o, ReasonProtectionStop)
}

func (t *Tracker) clearProtection(ctx context.Context, o *Order) error {
	key := o.Key()
	inst, err := t.Instances.Get(ctx, key)
	if err != nil {
		return err
	}
	if inst.Resilience.ProtectionOrderID != o.ID {
		return nil
	}
	return t.Instances.MergeFields(ctx, key, instance.Fields{ProtectionOrderID: instance.String("")})
}

// closePosition realizes a fill against the envelope. A partial fill
// leaves the remainder holding with a proportional share of the allocation.
func (t *Tracker) closePosition(ctx context.Context, key instance.Key, env *instance.Envelope, o *Order, reason string) error {
	now := t.now()
	held := env.AbsQuantity()
	filled := math.Min(o.FilledQuantity, held)
	if held <= 0 {
		filled = o.FilledQuantity
	}
	partial := held > 0 && filled < held-qtyEpsilon

	closed := *env
	closed.Quantity = filled
	if env.Direction == instance.DirShort {
		closed.Quantity = -filled
	}
	release := env.AllocationAmount
	if partial {
		release = env.AllocationAmount * filled / held
		closed.EntryFees = env.EntryFees * filled / held
	}
	pnl := t.Fees.Compute(&closed, o.FillPrice())

	var rest *instance.HoldingContext
	if partial {
		rest = &instance.HoldingContext{Envelope: *env, LastCheckedAt: now}
		rest.Adjustments = append([]instance.Adjustment(nil), env.Adjustments...)
		rest.Quantity = env.Quantity - closed.Quantity
		rest.AllocationAmount = env.AllocationAmount - release
		rest.EntryFees = env.EntryFees - closed.EntryFees
		if err := t.Instances.Transition(ctx, key, holdState(env.Direction), rest); err != nil {
			return fmt.Errorf("transition after partial exit: %w", err)
		}
	} else if err := t.Instances.Transition(ctx, key, instance.Idle, nil); err != nil {
		return fmt.Errorf("transition to idle: %w", err)
	}

	if err := t.Ledger.Release(ctx, key.StrategyID, release, key.Instrument); err != nil {
		t.logger.Error().Err(err).Str("instrument", key.Instrument).Msg("Failed to release capital after exit")
	}

	trade := Trade{
		StrategyID: key.StrategyID,
		Instrument: key.Instrument,
		Direction:  env.Direction,
		EntryPrice: env.EntryPrice,
		ExitPrice:  o.FillPrice(),
		Quantity:   filled,
		EntryTime:  env.EntryTime,
		ExitTime:   now,
		Reason:     reason,
		GrossPnL:   pnl.Gross,
		NetPnL:     pnl.Net,
		Fees:       pnl.TotalFees,
		OrderID:    o.ID,
	}
	if err := t.Journal.RecordTrade(ctx, trade); err != nil {
		t.logger.Error().Err(err).Str("instrument", key.Instrument).Msg("Failed to journal trade")
	}
	if t.Breakers != nil {
		t.Breakers.RecordTrade(ctx, key.StrategyID, pnl.Net)
	}

	t.Bus.PublishOrder(events.EventOrderFilled, o.StrategyID, o.Instrument, o.ID, string(o.Side), o.FillPrice(), filled)
	t.Bus.PublishTradeClosed(key.StrategyID, key.Instrument, reason, env.EntryPrice, o.FillPrice(), filled, pnl.Net)
	t.logger.Info().
		Int64("strategy_id", key.StrategyID).
		Str("instrument", key.Instrument).
		Str("reason", reason).
		Float64("exit_price", o.FillPrice()).
		Float64("net_pnl", pnl.Net).
		Bool("partial", partial).
		Msg("Position closed")

	// The remainder lost its protection with the cancel before the exit.
	if rest != nil && t.Protector != nil {
		if err := t.Protector.Submit(ctx, key, rest); err != nil {
			t.logger.Warn().Err(err).Str("instrument", key.Instrument).Msg("Protection for remainder not placed")
		}
	}
	return nil
}

// orphan journals a fill nothing local was waiting for. Capital is not
// re-added; reconciliation picks the position up.
func (t *Tracker) orphan(ctx context.Context, o *Order, why string) {
	t.logger.Warn().
		Int64("strategy_id", o.StrategyID).
		Str("instrument", o.Instrument).
		Str("order_id", o.ID).
		Str("purpose", string(o.Purpose)).
		Str("why", why).
		Msg("Orphan fill")

	trade := Trade{
		StrategyID: o.StrategyID,
		Instrument: o.Instrument,
		ExitPrice:  o.FillPrice(),
		Quantity:   o.FilledQuantity,
		ExitTime:   t.now(),
		Reason:     why,
		OrderID:    o.ID,
		Orphan:     true,
	}
	if err := t.Journal.RecordTrade(ctx, trade); err != nil {
		t.logger.Error().Err(err).Str("order_id", o.ID).Msg("Failed to journal orphan fill")
	}
	t.Bus.PublishSafety(events.EventOrphanFill, o.StrategyID, o.Instrument, why, map[string]interface{}{
		"order_id": o.ID,
		"purpose":  string(o.Purpose),
		"quantity": o.FilledQuantity,
		"price":    o.FillPrice(),
	})
}

// detectOrphans surfaces filled broker orders carrying one of our client
// ids that no local order accounts for. Each is reported once.
func (t *Tracker) detectOrphans(ctx context.Context, strategyID int64, broker []gateway.BrokerOrder) int {
	n := 0
	for _, bo := range broker {
		if bo.FilledQuantity <= qtyEpsilon {
			continue
		}
		parsed := ParseClientOrderID(bo.ClientOrderID)
		if parsed == nil || parsed.StrategyID != strategyID {
			continue
		}
		t.mu.Lock()
		seen := t.reported[bo.OrderID]
		t.mu.Unlock()
		if seen {
			continue
		}

		local, err := t.Store.GetByClientID(ctx, bo.ClientOrderID)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			continue
		case local.Finalized() && local.FilledQuantity <= qtyEpsilon:
		default:
			continue
		}

		t.mu.Lock()
		t.reported[bo.OrderID] = true
		t.mu.Unlock()
		n++

		t.orphan(ctx, &Order{
			ID:             bo.OrderID,
			ClientOrderID:  bo.ClientOrderID,
			StrategyID:     strategyID,
			Instrument:     bo.Instrument,
			Side:           bo.Side,
			FilledQuantity: bo.FilledQuantity,
			AvgFillPrice:   bo.AvgFillPrice,
			Price:          bo.Price,
			Purpose:        parsed.Purpose,
		}, "broker fill with no local order")
	}
	return n
}

// lookupFees runs last: it is slow and nothing depends on it
func (t *Tracker) lookupFees(ctx context.Context, o *Order) {
	if o.ID == "" {
		return
	}
	detail, err := t.Trading.OrderDetail(ctx, o.ID)
	if err != nil {
		t.logger.Debug().Err(err).Str("order_id", o.ID).Msg("Fee lookup failed")
		return
	}
	if err := t.Store.UpdateFees(ctx, o.ClientOrderID, detail.Fees); err != nil {
		t.logger.Warn().Err(err).Str("order_id", o.ID).Msg("Failed to store fees")
	}
	if o.Purpose != PurposeEntry || detail.Fees <= 0 {
		return
	}

	key := o.Key()
	inst, err := t.Instances.Get(ctx, key)
	if err != nil {
		return
	}
	hc, ok := inst.Holding()
	if !ok || hc.OrderID != o.ID {
		return
	}
	hc.EntryFees = detail.Fees
	if err := t.Instances.Transition(ctx, key, inst.State, hc); err != nil {
		t.logger.Warn().Err(err).Str("instrument", key.Instrument).Msg("Failed to record entry fees")
	}
}

func cancelEvent(s gateway.OrderStatus) events.EventType {
	if s == gateway.StatusRejected {
		return events.EventOrderRejected
	}
	return events.EventOrderCancelled
}
