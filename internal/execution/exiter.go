// Package execution submits software exits. The processor, the defense
// sweep and the expiry watchdog all close positions through here so the
// protection order is always dealt with first.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"quant-trading-engine/internal/events"
	"quant-trading-engine/internal/gateway"
	"quant-trading-engine/internal/instance"
	"quant-trading-engine/internal/orders"
	"quant-trading-engine/internal/protection"
)

// Outcome of an exit attempt
type Outcome string

const (
	OutcomeSubmitted        Outcome = "submitted"
	OutcomeProtectionFilled Outcome = "protection_filled"
	OutcomeSkipped          Outcome = "skipped"
)

var ErrNotHolding = errors.New("instance holds no position")

// Exiter closes positions
type Exiter struct {
	tracker    *orders.Tracker
	protection *protection.Service
	instances  instance.Store
	bus        *events.EventBus
	logger     zerolog.Logger
	now        func() time.Time
}

// NewExiter creates an exiter
func NewExiter(tracker *orders.Tracker, prot *protection.Service, instances instance.Store, bus *events.EventBus, logger zerolog.Logger) *Exiter {
	return &Exiter{
		tracker:    tracker,
		protection: prot,
		instances:  instances,
		bus:        bus,
		logger:     logger.With().Str("component", "exiter").Logger(),
		now:        time.Now,
	}
}

// SetClock overrides the clock
func (e *Exiter) SetClock(now func() time.Time) {
	e.now = now
}

// Exit drops any pending protection retry, cancels the protection order,
// moves the instance to CLOSING or COVERING and submits a market order for
// the full position. If the protection order turns out to have filled, the
// position is settled from that fill and nothing is sold. A failed
// submission puts the instance back to holding and re-protects it.
func (e *Exiter) Exit(ctx context.Context, key instance.Key, reason string, price float64) (Outcome, error) {
	if e.protection != nil {
		e.protection.CancelRetry(key)
	}
	inst, err := e.instances.Get(ctx, key)
	if err != nil {
		return OutcomeSkipped, err
	}
	hc, ok := inst.Holding()
	if !ok || !inst.State.Holds() {
		return OutcomeSkipped, ErrNotHolding
	}

	if pid := inst.Resilience.ProtectionOrderID; pid != "" && e.protection != nil {
		err := e.protection.Cancel(ctx, key, pid)
		switch {
		case errors.Is(err, protection.ErrProtectionFilled):
			if _, serr := e.tracker.SettleByOrderID(ctx, pid); serr != nil {
				e.logger.Error().Err(serr).Str("instrument", key.Instrument).Msg("Failed to settle protection fill")
			}
			e.logger.Warn().
				Int64("strategy_id", key.StrategyID).
				Str("instrument", key.Instrument).
				Str("reason", reason).
				Msg("Protection already closed the position, skipping exit order")
			return OutcomeProtectionFilled, nil
		case err != nil:
			// Selling with the stop still live could sell twice.
			return OutcomeSkipped, fmt.Errorf("cancel protection: %w", err)
		}
	}

	side := gateway.SideSell
	closing := instance.Closing
	if hc.Direction == instance.DirShort {
		side = gateway.SideBuy
		closing = instance.Covering
	}

	ok, err = e.tracker.AcquireSubmission(ctx, key.StrategyID, key.Instrument, side)
	if err != nil {
		e.reprotect(ctx, key, hc)
		return OutcomeSkipped, fmt.Errorf("dedup: %w", err)
	}
	if !ok {
		e.reprotect(ctx, key, hc)
		return OutcomeSkipped, nil
	}

	cid, err := e.tracker.NewClientOrderID(ctx, key.StrategyID, orders.PurposeExit)
	if err != nil {
		e.tracker.ReleaseSubmission(ctx, key.StrategyID, key.Instrument, side)
		e.reprotect(ctx, key, hc)
		return OutcomeSkipped, err
	}

	cc := hc.Close(reason, "", cid, price, e.now())
	if err := e.instances.Transition(ctx, key, closing, cc); err != nil {
		e.tracker.ReleaseSubmission(ctx, key.StrategyID, key.Instrument, side)
		e.reprotect(ctx, key, hc)
		return OutcomeSkipped, fmt.Errorf("transition to %s: %w", closing, err)
	}

	o, err := e.tracker.Place(ctx, orders.PlaceRequest{
		StrategyID:       key.StrategyID,
		Instrument:       key.Instrument,
		Side:             side,
		Type:             gateway.OrderTypeMarket,
		Quantity:         hc.AbsQuantity(),
		Price:            price,
		ClientOrderID:    cid,
		Purpose:          orders.PurposeExit,
		AllocationAmount: hc.AllocationAmount,
		Reason:           reason,
	})
	if err != nil {
		back := cc.Reopen(e.now())
		if terr := e.instances.Transition(ctx, key, inst.State, back); terr != nil {
			e.logger.Error().Err(terr).Str("instrument", key.Instrument).Msg("Failed to return to holding after exit failure")
		}
		e.tracker.ReleaseSubmission(ctx, key.StrategyID, key.Instrument, side)
		e.reprotect(ctx, key, back)
		e.bus.PublishSafety(events.EventSafetyRollback, key.StrategyID, key.Instrument, "exit submission failed", map[string]interface{}{
			"reason": reason,
			"error":  err.Error(),
		})
		return OutcomeSkipped, err
	}

	cc.ExitOrderID = o.ID
	if err := e.instances.Transition(ctx, key, closing, cc); err != nil {
		e.logger.Warn().Err(err).Str("instrument", key.Instrument).Msg("Failed to record exit order id")
	}

	e.logger.Info().
		Int64("strategy_id", key.StrategyID).
		Str("instrument", key.Instrument).
		Str("reason", reason).
		Float64("price", price).
		Str("order_id", o.ID).
		Msg("Exit submitted")
	return OutcomeSubmitted, nil
}

func (e *Exiter) reprotect(ctx context.Context, key instance.Key, hc *instance.HoldingContext) {
	if e.protection == nil {
		return
	}
	inst, err := e.instances.Get(ctx, key)
	if err != nil || inst.Resilience.ProtectionOrderID != "" {
		return
	}
	if err := e.protection.Submit(ctx, key, hc); err != nil {
		e.logger.Warn().Err(err).Str("instrument", key.Instrument).Msg("Re-protection failed")
	}
}
