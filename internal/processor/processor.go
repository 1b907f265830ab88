// Package processor runs one decision step for one instrument of one
// strategy: entry through the capital ledger, exit through the dynamic exit
// engine, and staleness recovery for instances stuck on a broker order.
package processor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"quant-trading-engine/config"
	"quant-trading-engine/internal/capital"
	"quant-trading-engine/internal/circuit"
	"quant-trading-engine/internal/events"
	"quant-trading-engine/internal/execution"
	"quant-trading-engine/internal/exit"
	"quant-trading-engine/internal/gateway"
	"quant-trading-engine/internal/instance"
	"quant-trading-engine/internal/orders"
	"quant-trading-engine/internal/protection"
	"quant-trading-engine/internal/session"
)

// Outcome of one instrument step, aggregated into the cycle summary
type Outcome string

const (
	OutcomeIdle     Outcome = "idle"
	OutcomeHolding  Outcome = "holding"
	OutcomePending  Outcome = "pending"
	OutcomeSignaled Outcome = "signaled"
	OutcomeActed    Outcome = "acted"
	OutcomeErred    Outcome = "erred"
)

// Reasons recorded on processor actions
const (
	ReasonStaleReset   = "STALE_RESET"
	ReasonPositionSync = "POSITION_SYNC"
)

// Levels used when an entry arrives without them
const (
	defaultStopFraction = 0.05
	defaultTakeFraction = 0.10
	qtyEpsilon          = 1e-9
	syncGrace           = time.Minute
)

var ErrPanic = errors.New("instrument step panicked")

// Result of one instrument step
type Result struct {
	Instrument string
	Outcome    Outcome
	Err        error
}

// Tick is the per-cycle view shared by every instrument of a strategy so
// the broker's position list is fetched once per cycle.
type Tick struct {
	Now         time.Time
	Positions   map[string]gateway.Position
	PositionsOK bool
}

// Position returns the broker position of an instrument, if any
func (t *Tick) Position(instrument string) (gateway.Position, bool) {
	if t == nil || t.Positions == nil {
		return gateway.Position{}, false
	}
	p, ok := t.Positions[instrument]
	if !ok || math.Abs(p.Quantity) < qtyEpsilon {
		return gateway.Position{}, false
	}
	return p, true
}

// Deps are the collaborators of the processor
type Deps struct {
	Instances  instance.Store
	Ledger     *capital.Ledger
	Breakers   *circuit.Registry
	Protection *protection.Service
	Tracker    *orders.Tracker
	Exiter     *execution.Exiter
	Trading    gateway.TradingGateway
	Market     gateway.MarketDataGateway
	Signals    gateway.SignalSource
	Sessions   *session.Service
	Engine     *exit.Engine
	Windows    *exit.PriceWindows
	Bus        *events.EventBus
}

// Processor is stateless between steps apart from its price windows; the
// scheduler serialises steps of one strategy.
type Processor struct {
	Deps
	staleAfter time.Duration
	logger     zerolog.Logger
	now        func() time.Time
}

// New creates a processor
func New(cfg config.SchedulerConfig, deps Deps, logger zerolog.Logger) *Processor {
	if deps.Windows == nil {
		deps.Windows = exit.NewPriceWindows(20)
	}
	if deps.Engine == nil {
		deps.Engine = exit.NewEngine(exit.DefaultParams())
	}
	stale := time.Duration(cfg.StaleTransientMinutes) * time.Minute
	if stale <= 0 {
		stale = 15 * time.Minute
	}
	return &Processor{
		Deps:       deps,
		staleAfter: stale,
		logger:     logger.With().Str("component", "symbol_processor").Logger(),
		now:        time.Now,
	}
}

// SetClock overrides the clock
func (p *Processor) SetClock(now func() time.Time) {
	p.now = now
}

// Snapshot builds the tick view. A positions failure leaves PositionsOK
// false and position-dependent steps are skipped for the cycle.
func (p *Processor) Snapshot(ctx context.Context) *Tick {
	t := &Tick{Now: p.now(), Positions: make(map[string]gateway.Position)}
	positions, err := p.Trading.Positions(ctx)
	if err != nil {
		p.logger.Warn().Err(err).Msg("Broker positions unavailable this cycle")
		return t
	}
	for _, pos := range positions {
		t.Positions[pos.Instrument] = pos
	}
	t.PositionsOK = true
	return t
}

// Process runs one step for an instrument. Panics are contained here and
// any capital reserved during the step is handed back.
func (p *Processor) Process(ctx context.Context, st config.StrategyConfig, cls config.InstrumentClassConfig, instrument string, tick *Tick) (res Result) {
	res.Instrument = instrument
	if tick == nil {
		tick = p.Snapshot(ctx)
	}
	step := &step{p: p, st: st, cls: cls, tick: tick}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Int64("strategy_id", st.ID).
				Str("instrument", instrument).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Instrument step panicked")
			step.rollback(ctx, fmt.Sprintf("panic: %v", r))
			res.Outcome = OutcomeErred
			res.Err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()

	key := instance.Key{StrategyID: st.ID, Instrument: instrument}
	inst, err := p.Instances.Get(ctx, key)
	if err != nil {
		return Result{Instrument: instrument, Outcome: OutcomeErred, Err: fmt.Errorf("load instance: %w", err)}
	}

	var out Outcome
	switch {
	case inst.State == instance.Idle:
		out, err = step.idle(ctx, inst)
	case inst.State.Holds():
		out, err = step.holding(ctx, inst)
	case inst.State.Transient():
		out, err = step.transient(ctx, inst)
	default:
		err = fmt.Errorf("unknown state %s", inst.State)
	}
	if err != nil {
		step.rollback(ctx, err.Error())
		return Result{Instrument: instrument, Outcome: OutcomeErred, Err: err}
	}
	return Result{Instrument: instrument, Outcome: out}
}

// step carries the per-call state, including any reservation that must be
// rolled back if the entry path fails.
type step struct {
	p    *Processor
	st   config.StrategyConfig
	cls  config.InstrumentClassConfig
	tick *Tick

	reserved    float64
	reservedKey instance.Key
	dedupSide   gateway.Side
	dedupHeld   bool
	opened      bool
}

func (s *step) market(instrument string) string {
	return session.MarketFor(instrument, s.cls.Market)
}

func (s *step) multiplier() float64 {
	if s.cls.Multiplier > 0 {
		return s.cls.Multiplier
	}
	return 1
}

// rollback hands back capital and the dedup key taken during this step
// and resets an instance this step moved to OPENING.
func (s *step) rollback(ctx context.Context, why string) {
	p := s.p
	if s.reserved <= 0 && !s.dedupHeld {
		return
	}
	key := s.reservedKey
	if s.opened {
		if err := p.Instances.Transition(ctx, key, instance.Idle, nil); err != nil {
			p.logger.Error().Err(err).Str("instrument", key.Instrument).Msg("Rollback: reset to idle failed")
		}
	}
	if s.reserved > 0 {
		if err := p.Ledger.Release(ctx, key.StrategyID, s.reserved, key.Instrument); err != nil {
			p.logger.Error().Err(err).Str("instrument", key.Instrument).Msg("Rollback: release failed")
		}
	}
	if s.dedupHeld {
		p.Tracker.ReleaseSubmission(ctx, key.StrategyID, key.Instrument, s.dedupSide)
	}

	p.logger.Error().
		Int64("strategy_id", key.StrategyID).
		Str("instrument", key.Instrument).
		Float64("released", s.reserved).
		Str("why", why).
		Msg("Safety rollback of entry")
	p.Bus.PublishSafety(events.EventSafetyRollback, key.StrategyID, key.Instrument, why, map[string]interface{}{
		"released": s.reserved,
	})
	s.reserved = 0
	s.dedupHeld = false
	s.opened = false
}

// commit marks the entry as handed to the tracker; nothing left to undo
func (s *step) commit() {
	s.reserved = 0
	s.dedupHeld = false
	s.opened = false
}

// ==================== IDLE ====================

func (s *step) idle(ctx context.Context, inst *instance.Instance) (Outcome, error) {
	p := s.p
	key := inst.Key

	// The broker is the truth: a position we do not track gets tracked.
	// Right after a close the position list may still lag the fill.
	if pos, ok := s.tick.Position(key.Instrument); ok {
		if !inst.LastUpdated.IsZero() && p.now().Sub(inst.LastUpdated) < syncGrace {
			return OutcomeIdle, nil
		}
		return s.syncPosition(ctx, key, pos)
	}
	return s.scan(ctx, key.Instrument, p.now())
}

// syncPosition adopts a broker position found while the instance is IDLE
func (s *step) syncPosition(ctx context.Context, key instance.Key, pos gateway.Position) (Outcome, error) {
	p := s.p
	now := p.now()
	dir := instance.DirLong
	state := instance.Holding
	if pos.Quantity < 0 {
		dir = instance.DirShort
		state = instance.Short
	}

	entry := pos.AvgCost
	if entry <= 0 {
		entry = pos.MarkPrice
	}
	cost := math.Abs(pos.Quantity) * entry * s.multiplier()

	var allocated float64
	if alloc := p.Ledger.Reserve(ctx, key.StrategyID, cost, key.Instrument); alloc.Approved {
		allocated = alloc.AllocatedAmount
	} else {
		p.logger.Warn().
			Str("instrument", key.Instrument).
			Float64("cost", cost).
			Str("reason", alloc.Reason).
			Msg("Synced position tracked without a capital reservation")
	}

	sl, tp := defaultLevels(dir, entry)
	hc := &instance.HoldingContext{
		Envelope: instance.Envelope{
			Direction:          dir,
			EntryPrice:         entry,
			Quantity:           pos.Quantity,
			EntryTime:          now,
			OriginalStopLoss:   sl,
			OriginalTakeProfit: tp,
			StopLoss:           sl,
			TakeProfit:         tp,
			AllocationAmount:   allocated,
			Meta:               s.meta(key.Instrument, "", dir, nil, now),
		},
		LastCheckedAt: now,
	}
	if err := p.Instances.Transition(ctx, key, state, hc); err != nil {
		if allocated > 0 {
			_ = p.Ledger.Release(ctx, key.StrategyID, allocated, key.Instrument)
		}
		return OutcomeErred, fmt.Errorf("sync position: %w", err)
	}

	p.logger.Warn().
		Int64("strategy_id", key.StrategyID).
		Str("instrument", key.Instrument).
		Float64("quantity", pos.Quantity).
		Float64("avg_cost", entry).
		Msg("Adopted broker position")
	p.Bus.Publish(events.Event{
		Type:       events.EventStateChanged,
		StrategyID: key.StrategyID,
		Instrument: key.Instrument,
		Data:       map[string]interface{}{"to": string(state), "reason": ReasonPositionSync},
	})

	if p.Protection != nil {
		if err := p.Protection.Submit(ctx, key, hc); err != nil {
			p.logger.Warn().Err(err).Str("instrument", key.Instrument).Msg("Protection for synced position not placed")
		}
	}
	return OutcomeActed, nil
}

// scan asks the signal source about the scanned instrument and opens a
// position on the traded instrument when the answer is actionable.
func (s *step) scan(ctx context.Context, scanned string, now time.Time) (Outcome, error) {
	p := s.p
	st := s.st
	idle := OutcomeIdle
	if scanned != "" {
		if inst, err := p.Instances.Get(ctx, instance.Key{StrategyID: st.ID, Instrument: scanned}); err == nil && inst.State != instance.Idle {
			idle = OutcomeHolding
		}
	}

	if ok, why := p.Breakers.CanTrade(st.ID); !ok {
		p.logger.Debug().Int64("strategy_id", st.ID).Str("why", why).Msg("Entries blocked by breaker")
		return idle, nil
	}
	if p.Protection != nil && p.Protection.EntriesBlocked(st.ID) {
		p.logger.Debug().Int64("strategy_id", st.ID).Msg("Entries blocked by protection failures")
		return idle, nil
	}

	quote, err := p.Market.Quote(ctx, scanned)
	if err != nil {
		p.logger.Debug().Err(err).Str("instrument", scanned).Msg("No quote this cycle")
		return idle, nil
	}

	intent, err := p.Signals.GenerateSignal(ctx, scanned, quote)
	if err != nil || intent == nil {
		if err != nil {
			p.logger.Debug().Err(err).Str("instrument", scanned).Msg("Signal source failed, treating as no signal")
		}
		return idle, nil
	}

	var dir instance.Direction
	switch intent.Action {
	case gateway.ActionBuy:
		dir = instance.DirLong
	case gateway.ActionSell:
		if !st.AllowShort {
			return idle, nil
		}
		dir = instance.DirShort
	default:
		return idle, nil
	}

	p.Bus.Publish(events.Event{
		Type:       events.EventSignal,
		StrategyID: st.ID,
		Instrument: scanned,
		Data: map[string]interface{}{
			"action":     string(intent.Action),
			"instrument": intent.Instrument,
			"price":      intent.Price,
			"reason":     intent.Reason,
		},
	})

	target := intent.Instrument
	if target == "" {
		target = scanned
	}
	key := instance.Key{StrategyID: st.ID, Instrument: target}

	if allowed, err := s.lotAllowed(ctx, scanned, key); err != nil || !allowed {
		return OutcomeSignaled, err
	}

	pending, err := p.Tracker.HasOpenOrder(ctx, key)
	if err != nil {
		return OutcomeErred, fmt.Errorf("pending order check: %w", err)
	}
	if pending {
		return OutcomeSignaled, nil
	}

	price := intent.Price
	switch {
	case price > 0:
	case target == scanned:
		price = quote.Price()
	default:
		// The scanned quote is the underlying's; the contract needs its own.
		if q, err := p.Market.Quote(ctx, target); err == nil {
			price = q.Price()
		}
	}
	if price <= 0 {
		return OutcomeSignaled, nil
	}

	qty, amount := s.size(ctx, target, price, intent.Quantity)
	if qty <= 0 {
		p.logger.Debug().Str("instrument", target).Float64("price", price).Msg("Insufficient capital for one unit")
		return OutcomeSignaled, nil
	}

	side := gateway.SideBuy
	state := instance.Opening
	if dir == instance.DirShort {
		side = gateway.SideSell
		state = instance.Shorting
	}

	acquired, err := p.Tracker.AcquireSubmission(ctx, st.ID, target, side)
	if err != nil {
		return OutcomeErred, fmt.Errorf("dedup: %w", err)
	}
	if !acquired {
		return OutcomeSignaled, nil
	}
	s.reservedKey = key
	s.dedupSide = side
	s.dedupHeld = true

	alloc := p.Ledger.Reserve(ctx, st.ID, amount, target)
	if !alloc.Approved {
		p.Tracker.ReleaseSubmission(ctx, st.ID, target, side)
		s.dedupHeld = false
		p.logger.Debug().Str("instrument", target).Str("reason", alloc.Reason).Msg("Reservation rejected")
		return OutcomeSignaled, nil
	}
	s.reserved = alloc.AllocatedAmount

	cid, err := p.Tracker.NewClientOrderID(ctx, st.ID, orders.PurposeEntry)
	if err != nil {
		return OutcomeErred, fmt.Errorf("client order id: %w", err)
	}

	var regime *gateway.Regime
	if r, err := p.Market.Regime(ctx, target); err == nil {
		regime = r
	}

	sl, tp := intent.StopLoss, intent.TakeProfit
	dsl, dtp := defaultLevels(dir, price)
	if sl <= 0 {
		sl = dsl
	}
	if tp <= 0 {
		tp = dtp
	}
	signed := qty
	if dir == instance.DirShort {
		signed = -qty
	}
	anchor := ""
	if target != scanned {
		anchor = scanned
	}

	oc := &instance.OpeningContext{
		Envelope: instance.Envelope{
			Direction:          dir,
			EntryPrice:         price,
			Quantity:           signed,
			EntryTime:          now,
			OriginalStopLoss:   sl,
			OriginalTakeProfit: tp,
			StopLoss:           sl,
			TakeProfit:         tp,
			AllocationAmount:   alloc.AllocatedAmount,
			ATR:                intent.ATR,
			EntryRegime:        regime,
			LastRegime:         regime,
			Meta:               s.meta(target, anchor, dir, intent.Metadata, now),
		},
		ClientOrderID: cid,
		SubmittedAt:   now,
		SignalReason:  intent.Reason,
	}
	if err := p.Instances.Transition(ctx, key, state, oc); err != nil {
		return OutcomeErred, fmt.Errorf("transition to %s: %w", state, err)
	}
	s.opened = true

	o, err := p.Tracker.Place(ctx, orders.PlaceRequest{
		StrategyID:       st.ID,
		Instrument:       target,
		Side:             side,
		Type:             gateway.OrderTypeMarket,
		Quantity:         qty,
		Price:            price,
		ClientOrderID:    cid,
		Purpose:          orders.PurposeEntry,
		AllocationAmount: alloc.AllocatedAmount,
		Reason:           intent.Reason,
	})
	if err != nil {
		return OutcomeErred, fmt.Errorf("submit entry: %w", err)
	}
	s.commit()

	p.logger.Info().
		Int64("strategy_id", st.ID).
		Str("instrument", target).
		Str("anchor", anchor).
		Str("direction", string(dir)).
		Float64("quantity", qty).
		Float64("price", price).
		Float64("allocated", alloc.AllocatedAmount).
		Str("order_id", o.ID).
		Msg("Entry submitted")
	return OutcomeActed, nil
}

// lotAllowed applies the multi-lot rules. A contract instance must be IDLE;
// classes without multi-lot allow one live contract per scanned instrument.
func (s *step) lotAllowed(ctx context.Context, scanned string, key instance.Key) (bool, error) {
	p := s.p
	target, err := p.Instances.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("load target: %w", err)
	}
	if target.State != instance.Idle {
		return false, nil
	}
	if key.Instrument == scanned {
		return true, nil
	}

	list, err := p.Instances.List(ctx, key.StrategyID)
	if err != nil {
		return false, fmt.Errorf("list instances: %w", err)
	}
	live := 0
	for _, inst := range list {
		if env := inst.Env(); inst.State != instance.Idle && env != nil && env.Meta.Anchor == scanned {
			live++
		}
	}
	if !s.cls.MultiLot {
		return live == 0, nil
	}
	return s.cls.MaxLots <= 0 || live < s.cls.MaxLots, nil
}

// size turns available capital into a whole quantity and its exact cost
func (s *step) size(ctx context.Context, instrument string, price, hint float64) (float64, float64) {
	p := s.p
	unit := price * s.multiplier()
	if unit <= 0 {
		return 0, 0
	}
	budget := math.Min(p.Ledger.Available(s.st.ID), s.st.PerInstrumentCap()-p.Ledger.Outstanding(s.st.ID, instrument))
	qty := math.Floor(budget / unit)
	if hint > 0 {
		qty = math.Min(qty, math.Floor(hint))
	}
	if qty < 1 {
		return 0, 0
	}
	return qty, math.Round(qty*unit*100) / 100
}

func defaultLevels(dir instance.Direction, price float64) (float64, float64) {
	if dir == instance.DirShort {
		return price * (1 + defaultStopFraction), price * (1 - defaultTakeFraction)
	}
	return price * (1 - defaultStopFraction), price * (1 + defaultTakeFraction)
}

func (s *step) meta(instrument, anchor string, dir instance.Direction, md map[string]string, now time.Time) instance.InstrumentMeta {
	p := s.p
	m := instance.InstrumentMeta{
		Class:      s.st.InstrumentClass,
		Market:     s.cls.Market,
		Multiplier: s.multiplier(),
		Anchor:     anchor,
	}
	if !s.cls.TimeBound {
		return m
	}

	market := s.market(instrument)
	if exp, ok := p.Sessions.OptionExpiry(market, instrument); ok {
		m.Expiry = exp
	} else {
		m.Expiry = p.Sessions.LocalDate(market, now)
	}
	m.OptionRight = md["option_right"]
	m.OptionSide = s.st.OptionSide
	if m.OptionSide == "" {
		m.OptionSide = "BUYER"
		if dir == instance.DirShort {
			m.OptionSide = "SELLER"
		}
	}
	return m
}

// ==================== HOLDING ====================

func (s *step) holding(ctx context.Context, inst *instance.Instance) (Outcome, error) {
	p := s.p
	key := inst.Key
	hc, ok := inst.Holding()
	if !ok {
		return OutcomeErred, fmt.Errorf("%s without holding context", inst.State)
	}
	now := p.now()

	quote, err := p.Market.Quote(ctx, key.Instrument)
	if err != nil || quote.Price() <= 0 {
		// No price, no evaluation; the protection order and the defense
		// sweep still cover the position.
		p.logger.Debug().Err(err).Str("instrument", key.Instrument).Msg("No quote for held position")
		return OutcomeHolding, nil
	}
	price := quote.Price()

	var regime *gateway.Regime
	if r, err := p.Market.Regime(ctx, key.Instrument); err == nil {
		regime = r
	}

	window := p.Windows.Add(key.String(), price)
	market := session.MarketFor(key.Instrument, hc.Meta.Market)
	timeBound := s.cls.TimeBound || !hc.Meta.Expiry.IsZero()
	in := exit.Input{
		Price:             price,
		Regime:            regime,
		Now:               now,
		Volatility:        exit.VolatilityProxy(hc.ATR, price, window),
		TimeBound:         timeBound,
		EmergencyStopLoss: inst.Resilience.EmergencyStopLoss,
	}
	if timeBound {
		in.MinutesToClose = p.Sessions.MinutesToClose(market, now)
	}

	res := p.Engine.Evaluate(hc, in)
	exit.Apply(hc, res, price, now)
	if err := p.Instances.Transition(ctx, key, inst.State, hc); err != nil {
		return OutcomeErred, fmt.Errorf("persist evaluation: %w", err)
	}
	if res.Changed {
		p.logger.Debug().
			Str("instrument", key.Instrument).
			Float64("stop_loss", res.StopLoss).
			Float64("take_profit", res.TakeProfit).
			Strs("reasons", res.Reasons).
			Msg("Exit levels adjusted")
	}

	if res.Decision != nil {
		p.logger.Info().
			Int64("strategy_id", key.StrategyID).
			Str("instrument", key.Instrument).
			Str("reason", res.Decision.Reason).
			Float64("price", price).
			Float64("net_pnl_percent", res.Decision.PnL.NetPercent).
			Msg("Exit decided")
		outcome, err := p.Exiter.Exit(ctx, key, res.Decision.Reason, price)
		if err != nil {
			return OutcomeErred, fmt.Errorf("exit %s: %w", res.Decision.Reason, err)
		}
		if outcome == execution.OutcomeSkipped {
			return OutcomeHolding, nil
		}
		p.Windows.Drop(key.String())
		return OutcomeActed, nil
	}

	if pid := inst.Resilience.ProtectionOrderID; pid != "" && p.Protection != nil {
		if _, err := p.Protection.Adjust(ctx, key, hc, pid, p.Protection.TrailingPercent(key, hc)); err != nil {
			if errors.Is(err, protection.ErrProtectionFilled) {
				if _, serr := p.Tracker.SettleByOrderID(ctx, pid); serr != nil {
					p.logger.Error().Err(serr).Str("instrument", key.Instrument).Msg("Failed to settle protection fill")
				}
				return OutcomeActed, nil
			}
			p.logger.Warn().Err(err).Str("instrument", key.Instrument).Msg("Protection adjust failed")
		}
	}

	// A multi-lot anchor keeps scanning for sibling contracts while it holds.
	if s.cls.MultiLot && hc.Meta.Anchor == "" {
		out, err := s.scan(ctx, key.Instrument, now)
		if err != nil {
			return OutcomeErred, err
		}
		if out == OutcomeActed || out == OutcomeSignaled {
			return out, nil
		}
	}
	return OutcomeHolding, nil
}

// ==================== TRANSIENT ====================

func (s *step) transient(ctx context.Context, inst *instance.Instance) (Outcome, error) {
	p := s.p
	key := inst.Key
	now := p.now()

	if now.Sub(inst.LastUpdated) > p.staleAfter {
		return s.staleReset(ctx, inst)
	}

	cc, ok := inst.Closing()
	if !ok {
		return OutcomePending, nil
	}
	pending, err := p.Tracker.HasOpenOrder(ctx, key)
	if err != nil {
		return OutcomeErred, fmt.Errorf("pending order check: %w", err)
	}
	if pending || !s.tick.PositionsOK {
		return OutcomePending, nil
	}

	// CLOSING with nothing working: the broker position decides.
	if _, held := s.tick.Position(key.Instrument); held {
		hc := cc.Reopen(now)
		state := instance.Holding
		if hc.Direction == instance.DirShort {
			state = instance.Short
		}
		if err := p.Instances.Transition(ctx, key, state, hc); err != nil {
			return OutcomeErred, fmt.Errorf("reopen: %w", err)
		}
		p.logger.Warn().Str("instrument", key.Instrument).Msg("Exit order gone and position still held, back to holding")
		if p.Protection != nil && inst.Resilience.ProtectionOrderID == "" {
			if err := p.Protection.Submit(ctx, key, hc); err != nil {
				p.logger.Warn().Err(err).Str("instrument", key.Instrument).Msg("Re-protection failed")
			}
		}
		return OutcomeActed, nil
	}
	return s.resetIdle(ctx, inst, "exit order gone and no broker position")
}

// staleReset force-resets an instance stuck on a broker order. The entry
// order is cancelled first so a late fill is less likely; one that still
// arrives is reported as an orphan and never re-adds capital.
func (s *step) staleReset(ctx context.Context, inst *instance.Instance) (Outcome, error) {
	p := s.p
	key := inst.Key

	if oc, ok := inst.Opening(); ok && oc.ClientOrderID != "" {
		if o, err := p.Tracker.Store.GetByClientID(ctx, oc.ClientOrderID); err == nil && o.ID != "" && !o.Status.Terminal() {
			if err := p.Trading.CancelOrder(ctx, o.ID); err != nil {
				p.logger.Warn().Err(err).Str("order_id", o.ID).Msg("Failed to cancel stale entry order")
			}
		}
	}
	if cc, ok := inst.Closing(); ok && s.tick.PositionsOK {
		if _, held := s.tick.Position(key.Instrument); held {
			if cc.ExitOrderID != "" {
				if err := p.Trading.CancelOrder(ctx, cc.ExitOrderID); err != nil {
					p.logger.Warn().Err(err).Str("order_id", cc.ExitOrderID).Msg("Failed to cancel stale exit order")
				}
			}
			hc := cc.Reopen(p.now())
			state := instance.Holding
			if hc.Direction == instance.DirShort {
				state = instance.Short
			}
			if err := p.Instances.Transition(ctx, key, state, hc); err != nil {
				return OutcomeErred, fmt.Errorf("stale exit reopen: %w", err)
			}
			p.Bus.PublishSafety(events.EventStaleReset, key.StrategyID, key.Instrument, "stale exit, position still held", map[string]interface{}{
				"state": string(inst.State),
			})
			return OutcomeActed, nil
		}
	}
	return s.resetIdle(ctx, inst, fmt.Sprintf("stale %s for over %s", inst.State, p.staleAfter))
}

func (s *step) resetIdle(ctx context.Context, inst *instance.Instance, why string) (Outcome, error) {
	p := s.p
	key := inst.Key
	env := inst.Env()

	if err := p.Instances.Transition(ctx, key, instance.Idle, nil); err != nil {
		return OutcomeErred, fmt.Errorf("reset to idle: %w", err)
	}
	var released float64
	if env != nil && env.AllocationAmount > 0 {
		if err := p.Ledger.Release(ctx, key.StrategyID, env.AllocationAmount, key.Instrument); err != nil {
			p.logger.Error().Err(err).Str("instrument", key.Instrument).Msg("Failed to release capital on reset")
		} else {
			released = env.AllocationAmount
		}
	}
	side := gateway.SideBuy
	if inst.State == instance.Shorting || inst.State == instance.Closing {
		side = gateway.SideSell
	}
	p.Tracker.ReleaseSubmission(ctx, key.StrategyID, key.Instrument, side)
	p.Windows.Drop(key.String())

	p.logger.Warn().
		Int64("strategy_id", key.StrategyID).
		Str("instrument", key.Instrument).
		Str("from", string(inst.State)).
		Float64("released", released).
		Str("why", why).
		Msg("Instance reset to idle")
	p.Bus.PublishSafety(events.EventStaleReset, key.StrategyID, key.Instrument, why, map[string]interface{}{
		"from":     string(inst.State),
		"released": released,
		"reason":   ReasonStaleReset,
	})
	return OutcomeActed, nil
}
