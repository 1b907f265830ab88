// Package defense runs the slow, independent audit of live risk: broker
// reconciliation, shadow pricing of time-bound positions and the expiry
// watchdog.
package defense

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"quant-trading-engine/config"
	"quant-trading-engine/internal/capital"
	"quant-trading-engine/internal/circuit"
	"quant-trading-engine/internal/events"
	"quant-trading-engine/internal/execution"
	"quant-trading-engine/internal/gateway"
	"quant-trading-engine/internal/instance"
	"quant-trading-engine/internal/orders"
	"quant-trading-engine/internal/session"
)

// Reasons recorded on defense actions
const (
	ReasonReconciled     = "BROKER_POSITION_GONE"
	ReasonShadowPrice    = "SHADOW_PRICE"
	ReasonExpiryWatchdog = "EXPIRY_WATCHDOG"
)

const qtyEpsilon = 1e-9

// Deps are the collaborators of the sweeper
type Deps struct {
	Instances instance.Store
	Trading   gateway.TradingGateway
	Market    gateway.MarketDataGateway
	Tracker   *orders.Tracker
	Ledger    *capital.Ledger
	Breakers  *circuit.Registry
	Journal   orders.Journal
	Exiter    *execution.Exiter
	Sessions  *session.Service
	Bus       *events.EventBus
}

// Report counts what one sweep found
type Report struct {
	Checked        int
	Reconciled     int
	ShadowBreaches int
	PriceFailures  int
	ForceClosed    int
}

// Sweeper is the defense sweep of one process; strategies are swept one at
// a time by their own timers.
type Sweeper struct {
	cfg config.DefenseConfig
	Deps
	logger zerolog.Logger
	now    func() time.Time
	sleep  func(context.Context, time.Duration) error
}

// NewSweeper creates a sweeper
func NewSweeper(cfg config.DefenseConfig, deps Deps, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		cfg:    cfg,
		Deps:   deps,
		logger: logger.With().Str("component", "defense").Logger(),
		now:    time.Now,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
}

// SetClock overrides the clock
func (s *Sweeper) SetClock(now func() time.Time) {
	s.now = now
}

// Sweep audits every instance of a strategy. Reconciliation runs first so
// a position the broker no longer has is never priced or force-closed.
func (s *Sweeper) Sweep(ctx context.Context, st config.StrategyConfig, cls config.InstrumentClassConfig) (Report, error) {
	var rep Report

	// Settle fills we already know about before judging positions as gone.
	if s.Tracker != nil {
		if _, err := s.Tracker.Poll(ctx, st.ID); err != nil {
			s.logger.Warn().Err(err).Int64("strategy_id", st.ID).Msg("Pre-sweep order poll failed")
		}
	}

	list, err := s.Instances.List(ctx, st.ID)
	if err != nil {
		return rep, fmt.Errorf("list instances: %w", err)
	}
	positions, err := s.Trading.Positions(ctx)
	if err != nil {
		return rep, fmt.Errorf("fetch broker positions: %w", err)
	}
	held := make(map[string]gateway.Position, len(positions))
	for _, p := range positions {
		held[p.Instrument] = p
	}

	var live []*instance.Instance
	var brokerUsage float64
	for _, inst := range list {
		if !inst.State.Holds() {
			continue
		}
		rep.Checked++
		pos, ok := held[inst.Key.Instrument]
		if !ok || math.Abs(pos.Quantity) < qtyEpsilon {
			if err := s.reconcile(ctx, inst); err != nil {
				s.logger.Error().Err(err).Str("instrument", inst.Key.Instrument).Msg("Reconciliation failed")
				continue
			}
			rep.Reconciled++
			continue
		}
		env := inst.Env()
		brokerUsage += math.Abs(pos.Quantity) * pos.AvgCost * env.Multiplier()
		live = append(live, inst)
	}

	if len(live) > 0 && rep.Reconciled == 0 {
		// Drift is reported by the ledger itself; the sweep carries on.
		_ = s.Ledger.Validate(st.ID, brokerUsage)
	}

	for _, inst := range live {
		if !s.timeBound(inst, cls) {
			continue
		}
		breached, err := s.shadowPrice(ctx, inst)
		if err != nil {
			rep.PriceFailures++
			continue
		}
		if breached {
			rep.ShadowBreaches++
		}
	}

	if s.cfg.WatchdogEnabled {
		rep.ForceClosed = s.watchdog(ctx, live)
	}

	if rep.Reconciled > 0 || rep.ShadowBreaches > 0 || rep.PriceFailures > 0 || rep.ForceClosed > 0 {
		s.logger.Warn().
			Int64("strategy_id", st.ID).
			Int("checked", rep.Checked).
			Int("reconciled", rep.Reconciled).
			Int("shadow_breaches", rep.ShadowBreaches).
			Int("price_failures", rep.PriceFailures).
			Int("force_closed", rep.ForceClosed).
			Msg("Defense sweep acted")
	} else {
		s.logger.Debug().Int64("strategy_id", st.ID).Int("checked", rep.Checked).Msg("Defense sweep clean")
	}
	return rep, nil
}

func (s *Sweeper) timeBound(inst *instance.Instance, cls config.InstrumentClassConfig) bool {
	env := inst.Env()
	return cls.TimeBound || (env != nil && !env.Meta.Expiry.IsZero())
}

func (s *Sweeper) market(inst *instance.Instance) string {
	var classMarket string
	if env := inst.Env(); env != nil {
		classMarket = env.Meta.Market
	}
	return session.MarketFor(inst.Key.Instrument, classMarket)
}

// reconcile trusts the broker: the position is gone, so the instance goes
// back to IDLE with a synthetic loss no worse than its allocation.
func (s *Sweeper) reconcile(ctx context.Context, inst *instance.Instance) error {
	key := inst.Key
	env := inst.Env()
	now := s.now()

	loss := -env.AllocationAmount
	var mark float64
	if q, err := s.Market.Quote(ctx, key.Instrument); err == nil && q.Price() > 0 {
		mark = q.Price()
		sign := 1.0
		if env.Direction == instance.DirShort {
			sign = -1
		}
		est := sign * (mark - env.EntryPrice) * env.AbsQuantity() * env.Multiplier()
		loss = math.Max(-env.AllocationAmount, math.Min(est, 0))
	}

	// A stop left behind would open a fresh position when it triggers.
	if pid := inst.Resilience.ProtectionOrderID; pid != "" {
		if err := s.Trading.CancelOrder(ctx, pid); err != nil {
			s.logger.Warn().Err(err).Str("order_id", pid).Msg("Failed to cancel protection of reconciled position")
		}
	}

	if err := s.Instances.Transition(ctx, key, instance.Idle, nil); err != nil {
		return fmt.Errorf("transition to idle: %w", err)
	}
	if err := s.Ledger.Release(ctx, key.StrategyID, env.AllocationAmount, key.Instrument); err != nil {
		s.logger.Error().Err(err).Str("instrument", key.Instrument).Msg("Failed to release reconciled capital")
	}

	trade := orders.Trade{
		StrategyID: key.StrategyID,
		Instrument: key.Instrument,
		Direction:  env.Direction,
		EntryPrice: env.EntryPrice,
		ExitPrice:  mark,
		Quantity:   env.AbsQuantity(),
		EntryTime:  env.EntryTime,
		ExitTime:   now,
		Reason:     ReasonReconciled,
		GrossPnL:   loss,
		NetPnL:     loss,
		Synthetic:  true,
	}
	if s.Journal != nil {
		if err := s.Journal.RecordTrade(ctx, trade); err != nil {
			s.logger.Error().Err(err).Str("instrument", key.Instrument).Msg("Failed to journal synthetic trade")
		}
	}

	s.logger.Error().
		Int64("strategy_id", key.StrategyID).
		Str("instrument", key.Instrument).
		Str("state", string(inst.State)).
		Float64("quantity", env.Quantity).
		Float64("synthetic_pnl", loss).
		Msg("Broker no longer holds position, instance reset")
	s.Bus.PublishSafety(events.EventReconciliationMismatch, key.StrategyID, key.Instrument, "broker position is zero while instance holds", map[string]interface{}{
		"state":         string(inst.State),
		"quantity":      env.Quantity,
		"allocation":    env.AllocationAmount,
		"synthetic_pnl": loss,
	})

	s.Breakers.RecordTrade(ctx, key.StrategyID, loss)
	s.Breakers.Trip(ctx, key.StrategyID, fmt.Sprintf("reconciliation: %s closed at broker", key.Instrument))
	return nil
}

// shadowPrice compares the mark against entry directly, outside the exit
// engine. A fetch failure is returned so the caller counts it.
func (s *Sweeper) shadowPrice(ctx context.Context, inst *instance.Instance) (bool, error) {
	key := inst.Key
	env := inst.Env()

	q, err := s.Market.Quote(ctx, key.Instrument)
	if err == nil && q.Price() <= 0 {
		err = gateway.ErrNoPrice
	}
	if err != nil {
		s.logger.Warn().Err(err).
			Int64("strategy_id", key.StrategyID).
			Str("instrument", key.Instrument).
			Msg("Shadow pricing: mark unavailable for time-bound position")
		return false, err
	}

	mark := q.Price()
	floor := env.EntryPrice * s.cfg.ShadowPriceFloor
	if env.Direction == instance.DirShort {
		return false, nil
	}
	if mark >= floor {
		if inst.Resilience.ShadowBreach {
			s.setShadowBreach(ctx, key, false)
		}
		return false, nil
	}
	// one trip per breach; the open breaker already holds protection tight
	if inst.Resilience.ShadowBreach && s.Breakers.Active(key.StrategyID) {
		s.logger.Debug().
			Int64("strategy_id", key.StrategyID).
			Str("instrument", key.Instrument).
			Float64("mark", mark).
			Msg("Shadow price breach persists, breaker already open")
		return true, nil
	}

	s.logger.Error().
		Int64("strategy_id", key.StrategyID).
		Str("instrument", key.Instrument).
		Float64("entry_price", env.EntryPrice).
		Float64("mark", mark).
		Float64("floor", floor).
		Msg("Shadow price breach")
	s.Bus.PublishSafety(events.EventShadowPriceBreach, key.StrategyID, key.Instrument, "mark below shadow floor", map[string]interface{}{
		"entry_price": env.EntryPrice,
		"mark":        mark,
		"ratio":       mark / env.EntryPrice,
	})
	s.setShadowBreach(ctx, key, true)
	s.Breakers.Trip(ctx, key.StrategyID, fmt.Sprintf("%s: %s at %.1f%% of entry", ReasonShadowPrice, key.Instrument, mark/env.EntryPrice*100))
	return true, nil
}

func (s *Sweeper) setShadowBreach(ctx context.Context, key instance.Key, breached bool) {
	if err := s.Instances.MergeFields(ctx, key, instance.Fields{ShadowBreach: instance.Bool(breached)}); err != nil {
		s.logger.Warn().Err(err).Str("instrument", key.Instrument).Msg("Failed to record shadow breach flag")
	}
}

func parseClock(hhmm string) (int, bool) {
	parts := strings.SplitN(strings.TrimSpace(hhmm), ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

// InWatchdogWindow reports whether the market-local time of t falls in the
// configured force-close window.
func (s *Sweeper) InWatchdogWindow(market string, t time.Time) bool {
	start, ok1 := parseClock(s.cfg.WatchdogWindowStart)
	end, ok2 := parseClock(s.cfg.WatchdogWindowEnd)
	if !ok1 || !ok2 {
		return false
	}
	h, m := s.Sessions.LocalClock(market, t)
	cur := h*60 + m
	return cur >= start && cur < end
}

func (s *Sweeper) expiresToday(inst *instance.Instance, market string, now time.Time) bool {
	env := inst.Env()
	if s.Sessions.ExpiresOn(market, env.Meta.Expiry, now) {
		return true
	}
	expiry, ok := s.Sessions.OptionExpiry(market, inst.Key.Instrument)
	return ok && s.Sessions.ExpiresOn(market, expiry, now)
}

// watchdog force-closes same-day-expiry positions still held inside the
// final window. Each close gets a bounded number of attempts.
func (s *Sweeper) watchdog(ctx context.Context, live []*instance.Instance) int {
	now := s.now()
	closed := 0
	for _, inst := range live {
		market := s.market(inst)
		if !s.InWatchdogWindow(market, now) || !s.expiresToday(inst, market, now) {
			continue
		}
		if s.forceClose(ctx, inst) {
			closed++
		}
	}
	return closed
}

func (s *Sweeper) forceClose(ctx context.Context, inst *instance.Instance) bool {
	key := inst.Key
	attempts := s.cfg.WatchdogMaxRetries
	if attempts < 1 {
		attempts = 1
	}
	delay := time.Duration(s.cfg.WatchdogRetryDelaySec) * time.Second

	for attempt := 1; attempt <= attempts; attempt++ {
		var price float64
		if q, err := s.Market.Quote(ctx, key.Instrument); err == nil {
			price = q.Price()
		}

		s.logger.Warn().
			Int64("strategy_id", key.StrategyID).
			Str("instrument", key.Instrument).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Msg("Expiring position still held, forcing close")

		outcome, err := s.Exiter.Exit(ctx, key, ReasonExpiryWatchdog, price)
		if err == nil && outcome != execution.OutcomeSkipped {
			s.Bus.PublishSafety(events.EventExpiryForceClose, key.StrategyID, key.Instrument, "expiry watchdog force close", map[string]interface{}{
				"attempt": attempt,
				"outcome": string(outcome),
				"price":   price,
			})
			return true
		}
		s.logger.Error().Err(err).
			Str("instrument", key.Instrument).
			Int("attempt", attempt).
			Str("outcome", string(outcome)).
			Msg("Expiry force close attempt failed")

		if attempt < attempts {
			if err := s.sleep(ctx, delay); err != nil {
				return false
			}
		}
	}

	s.Bus.PublishSafety(events.EventExpiryForceClose, key.StrategyID, key.Instrument, "expiry watchdog gave up", map[string]interface{}{
		"attempts": attempts,
	})
	return false
}
