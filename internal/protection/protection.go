// Package protection keeps a broker-resident trailing stop behind every
// open position so a crashed process cannot turn into an unbounded loss.
package protection

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"quant-trading-engine/config"
	"quant-trading-engine/internal/circuit"
	"quant-trading-engine/internal/events"
	"quant-trading-engine/internal/exit"
	"quant-trading-engine/internal/gateway"
	"quant-trading-engine/internal/instance"
	"quant-trading-engine/internal/orders"
	"quant-trading-engine/internal/session"
)

// ErrProtectionFilled means the protection order closed the position; the
// caller must not sell again.
var ErrProtectionFilled = errors.New("protection order already filled")

// Status of a protection order
type Status string

const (
	StatusActive    Status = "active"
	StatusFilled    Status = "filled"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
	StatusUnknown   Status = "unknown"
)

// Trailing percent per trading phase; wide enough to stay out of the way
// of the software exits.
var phaseTrailing = map[exit.Phase]float64{
	exit.PhaseEarly: 60,
	exit.PhaseMid:   58,
	exit.PhaseLate:  55,
	exit.PhaseFinal: 55,
}

const (
	nearExpiryWidening = 5
	bigWinnerPercent   = 80
	bigWinnerTrailing  = 45
)

// Deps are the collaborators of the protection service
type Deps struct {
	Tracker   *orders.Tracker
	Trading   gateway.TradingGateway
	Instances instance.Store
	Breakers  *circuit.Registry
	Sessions  *session.Service
	Bus       *events.EventBus
}

// Service submits, adjusts and cancels protection orders
type Service struct {
	cfg config.ProtectionConfig
	Deps
	logger zerolog.Logger

	now       func() time.Time
	afterFunc func(time.Duration, func()) *time.Timer
	sleep     func(context.Context, time.Duration) error

	mu       sync.Mutex
	retries  map[instance.Key]*pendingRetry
	keyLocks map[instance.Key]*sync.Mutex
	closed   bool
}

type pendingRetry struct {
	timer *time.Timer
}

// NewService creates the protection service
func NewService(cfg config.ProtectionConfig, deps Deps, logger zerolog.Logger) *Service {
	return &Service{
		cfg:       cfg,
		Deps:      deps,
		logger:    logger.With().Str("component", "protection").Logger(),
		now:       time.Now,
		afterFunc: time.AfterFunc,
		sleep:     sleepCtx,
		retries:   make(map[instance.Key]*pendingRetry),
		keyLocks:  make(map[instance.Key]*sync.Mutex),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// TrailingPercent is the trail to use for a position right now. While the
// strategy breaker is open the trail never exceeds the breaker's tighten
// percent.
func (s *Service) TrailingPercent(key instance.Key, hc *instance.HoldingContext) float64 {
	pct := s.cfg.DefaultTrailingPercent
	env := &hc.Envelope

	if !env.Meta.Expiry.IsZero() && s.Sessions != nil {
		now := s.now()
		market := session.MarketFor(key.Instrument, env.Meta.Market)
		phase := exit.PhaseFor(s.Sessions.MinutesToClose(market, now))
		if p, ok := phaseTrailing[phase]; ok {
			pct = p
		}
		// expiring today: gamma makes the tape noisy
		if !s.Sessions.LocalDate(market, now).Before(s.Sessions.LocalDate(market, env.Meta.Expiry)) {
			pct += nearExpiryWidening
		}
	}
	if hc.PeakPnLPercent > bigWinnerPercent {
		pct = math.Min(pct, bigWinnerTrailing)
	}
	if t := s.Breakers.TightenPercent(); t > 0 && s.tightened(key.StrategyID) {
		pct = math.Min(pct, t)
	}
	return s.clamp(pct)
}

// tightened reports an open breaker; protection stays narrow until reset
func (s *Service) tightened(strategyID int64) bool {
	return s.Breakers != nil && s.Breakers.Active(strategyID)
}

func closeSide(hc *instance.HoldingContext) gateway.Side {
	if hc.Direction == instance.DirShort {
		return gateway.SideBuy
	}
	return gateway.SideSell
}

func (s *Service) clamp(pct float64) float64 {
	return math.Max(s.cfg.MinTrailingPercent, math.Min(s.cfg.MaxTrailingPercent, pct))
}

// Submit places the protection order for a freshly filled position. On
// failure it arms the emergency stop and schedules one delayed retry.
func (s *Service) Submit(ctx context.Context, key instance.Key, hc *instance.HoldingContext) error {
	if !s.cfg.Enabled {
		return nil
	}
	return s.submit(ctx, key, hc, s.TrailingPercent(key, hc), true)
}

func (s *Service) submit(ctx context.Context, key instance.Key, hc *instance.HoldingContext, pct float64, retry bool) error {
	o, err := s.Tracker.Place(ctx, orders.PlaceRequest{
		StrategyID:      key.StrategyID,
		Instrument:      key.Instrument,
		Side:            closeSide(hc),
		Type:            gateway.OrderTypeTrailingStop,
		Quantity:        hc.AbsQuantity(),
		TrailingPercent: pct,
		LimitOffset:     s.cfg.LimitOffset,
		Purpose:         orders.PurposeProtection,
		Reason:          "PROTECTION",
	})
	if err != nil {
		s.onFailure(ctx, key, hc, err, retry)
		return err
	}

	s.Breakers.SetProtectionFailures(ctx, key.StrategyID, 0)
	if err := s.Instances.MergeFields(ctx, key, instance.Fields{
		ProtectionOrderID: instance.String(o.ID),
		EmergencyStopLoss: instance.Float(0),
	}); err != nil {
		s.logger.Error().Err(err).Str("instrument", key.Instrument).Msg("Failed to record protection order id")
	}
	s.dropRetry(key)

	s.logger.Info().
		Int64("strategy_id", key.StrategyID).
		Str("instrument", key.Instrument).
		Str("order_id", o.ID).
		Float64("trailing_percent", pct).
		Msg("Protection order placed")
	return nil
}

// EmergencyStop is the crude backstop armed when no protection order exists
func (s *Service) EmergencyStop(env *instance.Envelope) float64 {
	if env.Direction == instance.DirShort {
		return env.EntryPrice * (1 + s.cfg.EmergencyStopFraction)
	}
	return env.EntryPrice * s.cfg.EmergencyStopFraction
}

func (s *Service) onFailure(ctx context.Context, key instance.Key, hc *instance.HoldingContext, cause error, retry bool) {
	failures := s.Breakers.ProtectionFailures(key.StrategyID) + 1
	s.Breakers.SetProtectionFailures(ctx, key.StrategyID, failures)

	stop := s.EmergencyStop(&hc.Envelope)
	if err := s.Instances.MergeFields(ctx, key, instance.Fields{EmergencyStopLoss: instance.Float(stop)}); err != nil {
		s.logger.Error().Err(err).Str("instrument", key.Instrument).Msg("Failed to arm emergency stop")
	}

	s.logger.Error().Err(cause).
		Int64("strategy_id", key.StrategyID).
		Str("instrument", key.Instrument).
		Int("failures", failures).
		Float64("emergency_stop_loss", stop).
		Bool("retry_scheduled", retry).
		Msg("Protection order failed")
	s.Bus.PublishSafety(events.EventProtectionFailed, key.StrategyID, key.Instrument, cause.Error(), map[string]interface{}{
		"failures":            failures,
		"emergency_stop_loss": stop,
		"entries_blocked":     failures >= s.cfg.FailureThreshold,
	})

	if retry {
		s.scheduleRetry(key)
	}
}

func (s *Service) scheduleRetry(key instance.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, pending := s.retries[key]; pending {
		return
	}
	delay := time.Duration(s.cfg.RetryDelaySec) * time.Second
	pr := &pendingRetry{}
	pr.timer = s.afterFunc(delay, func() { s.fire(key, pr) })
	s.retries[key] = pr
}

func (s *Service) keyLock(key instance.Key) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		s.keyLocks[key] = l
	}
	return l
}

// fire runs a retry unless it was cancelled after the timer went off
func (s *Service) fire(key instance.Key, pr *pendingRetry) {
	l := s.keyLock(key)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	current := s.retries[key] == pr
	if current {
		delete(s.retries, key)
	}
	s.mu.Unlock()
	if current {
		s.retry(key)
	}
}

// CancelRetry drops a pending protection retry and waits for one already
// running. Exits call it before reading the instance so a late retry can
// never place a second closing order next to the exit.
func (s *Service) CancelRetry(key instance.Key) {
	l := s.keyLock(key)
	l.Lock()
	defer l.Unlock()
	s.dropRetry(key)
}

func (s *Service) dropRetry(key instance.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pr, ok := s.retries[key]; ok {
		pr.timer.Stop()
		delete(s.retries, key)
	}
}

// retry is the single delayed resubmission after a failure. It holds the
// same submission key as a software exit, so the two never both sell.
func (s *Service) retry(key instance.Key) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	hc, ok := s.unprotected(ctx, key)
	if !ok {
		return
	}
	side := closeSide(hc)
	acquired, err := s.Tracker.AcquireSubmission(ctx, key.StrategyID, key.Instrument, side)
	if err != nil || !acquired {
		s.logger.Warn().Err(err).Str("instrument", key.Instrument).Msg("Protection retry skipped: submission in flight")
		return
	}
	defer s.Tracker.ReleaseSubmission(ctx, key.StrategyID, key.Instrument, side)

	// an exit may have moved the instance on while we waited for the key
	if hc, ok = s.unprotected(ctx, key); !ok {
		return
	}
	_ = s.submit(ctx, key, hc, s.TrailingPercent(key, hc), false)
}

// unprotected returns the holding context when the instance still holds a
// position without a protection order.
func (s *Service) unprotected(ctx context.Context, key instance.Key) (*instance.HoldingContext, bool) {
	inst, err := s.Instances.Get(ctx, key)
	if err != nil {
		s.logger.Error().Err(err).Str("instrument", key.Instrument).Msg("Protection retry: load failed")
		return nil, false
	}
	hc, ok := inst.Holding()
	if !ok || !inst.State.Holds() || inst.Resilience.ProtectionOrderID != "" {
		return nil, false
	}
	return hc, true
}

// Close stops pending retries
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for k, pr := range s.retries {
		pr.timer.Stop()
		delete(s.retries, k)
	}
}

// PendingRetries is the number of scheduled retries
func (s *Service) PendingRetries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.retries)
}

// EntriesBlocked reports whether repeated protection failures block new
// entries for the strategy.
func (s *Service) EntriesBlocked(strategyID int64) bool {
	return s.cfg.Enabled && s.Breakers.ProtectionFailures(strategyID) >= s.cfg.FailureThreshold
}

func statusOf(o gateway.BrokerOrder) Status {
	switch {
	case o.Status == gateway.StatusFilled, o.Status == gateway.StatusPartiallyFilled,
		o.FilledQuantity > 0 && o.Status.Terminal():
		return StatusFilled
	case o.Status == gateway.StatusCancelled || o.Status == gateway.StatusRejected:
		return StatusCancelled
	case o.Status == gateway.StatusExpired:
		return StatusExpired
	case o.Status.Open():
		return StatusActive
	}
	return StatusUnknown
}

// Status probes the broker for a protection order
func (s *Service) Status(ctx context.Context, orderID string) Status {
	d, err := s.Trading.OrderDetail(ctx, orderID)
	if err != nil {
		return StatusUnknown
	}
	return statusOf(d.BrokerOrder)
}

// Cancel removes the protection order before a software exit: check,
// cancel, wait, check again. Returns ErrProtectionFilled when the order
// already closed the position.
func (s *Service) Cancel(ctx context.Context, key instance.Key, orderID string) error {
	if orderID == "" {
		return nil
	}

	if d, err := s.Trading.OrderDetail(ctx, orderID); err == nil {
		switch statusOf(d.BrokerOrder) {
		case StatusFilled:
			return ErrProtectionFilled
		case StatusCancelled, StatusExpired:
			return s.clear(ctx, key, orderID)
		}
	}

	if err := s.Trading.CancelOrder(ctx, orderID); err != nil {
		if d, derr := s.Trading.OrderDetail(ctx, orderID); derr == nil {
			switch statusOf(d.BrokerOrder) {
			case StatusFilled:
				return ErrProtectionFilled
			case StatusCancelled, StatusExpired:
				return s.clear(ctx, key, orderID)
			}
		}
		return fmt.Errorf("cancel protection %s: %w", orderID, err)
	}

	if err := s.sleep(ctx, time.Duration(s.cfg.CancelRecheckDelayMs)*time.Millisecond); err != nil {
		return err
	}
	if d, err := s.Trading.OrderDetail(ctx, orderID); err == nil && statusOf(d.BrokerOrder) == StatusFilled {
		s.logger.Warn().Str("instrument", key.Instrument).Str("order_id", orderID).Msg("Protection filled before cancel took effect")
		return ErrProtectionFilled
	}

	s.logger.Info().Str("instrument", key.Instrument).Str("order_id", orderID).Msg("Protection order cancelled")
	return s.clear(ctx, key, orderID)
}

func (s *Service) clear(ctx context.Context, key instance.Key, orderID string) error {
	inst, err := s.Instances.Get(ctx, key)
	if err != nil {
		return err
	}
	if inst.Resilience.ProtectionOrderID != orderID {
		return nil
	}
	return s.Instances.MergeFields(ctx, key, instance.Fields{ProtectionOrderID: instance.String("")})
}

// Adjust moves the trail when it differs enough from the live one. A
// failed replace falls back to cancel and resubmit. Returns true when the
// trail changed. The trail is never widened while the breaker is open.
func (s *Service) Adjust(ctx context.Context, key instance.Key, hc *instance.HoldingContext, orderID string, pct float64) (bool, error) {
	pct = s.clamp(pct)
	current := s.cfg.DefaultTrailingPercent
	if o, err := s.Tracker.Store.Get(ctx, orderID); err == nil && o.TrailingPercent > 0 {
		current = o.TrailingPercent
	}
	if math.Abs(pct-current) < s.cfg.AdjustThresholdPercent {
		return false, nil
	}
	if pct > current && s.tightened(key.StrategyID) {
		return false, nil
	}

	err := s.Trading.ReplaceOrder(ctx, orderID, gateway.OrderRequest{
		Instrument:      key.Instrument,
		Side:            closeSide(hc),
		Type:            gateway.OrderTypeTrailingStop,
		Quantity:        hc.AbsQuantity(),
		TrailingPercent: pct,
		LimitOffset:     s.cfg.LimitOffset,
	})
	if err == nil {
		if o, gerr := s.Tracker.Store.Get(ctx, orderID); gerr == nil {
			o.TrailingPercent = pct
			if serr := s.Tracker.Store.Save(ctx, o); serr != nil {
				s.logger.Warn().Err(serr).Str("order_id", orderID).Msg("Failed to record new trailing percent")
			}
		}
		s.logger.Info().Str("instrument", key.Instrument).Float64("from", current).Float64("to", pct).Msg("Protection trail adjusted")
		return true, nil
	}

	s.logger.Warn().Err(err).Str("instrument", key.Instrument).Msg("Replace failed, cancelling and resubmitting protection")
	if err := s.Cancel(ctx, key, orderID); err != nil {
		return false, err
	}
	if err := s.submit(ctx, key, hc, pct, true); err != nil {
		return false, err
	}
	return true, nil
}

// TightenAll narrows the trail on every holding instance of a strategy.
// Registered as a circuit breaker trip handler.
func (s *Service) TightenAll(ctx context.Context, strategyID int64, pct float64) int {
	if !s.cfg.Enabled {
		return 0
	}
	list, err := s.Instances.List(ctx, strategyID)
	if err != nil {
		s.logger.Error().Err(err).Int64("strategy_id", strategyID).Msg("Tighten: list failed")
		return 0
	}

	n := 0
	for _, inst := range list {
		hc, ok := inst.Holding()
		if !ok {
			continue
		}
		orderID := inst.Resilience.ProtectionOrderID
		if orderID == "" {
			if err := s.submit(ctx, inst.Key, hc, s.clamp(pct), true); err == nil {
				n++
			}
			continue
		}
		changed, err := s.Adjust(ctx, inst.Key, hc, orderID, pct)
		if err != nil {
			s.logger.Warn().Err(err).Str("instrument", inst.Key.Instrument).Msg("Tighten failed")
			continue
		}
		if changed {
			n++
		}
	}
	s.logger.Warn().Int64("strategy_id", strategyID).Int("tightened", n).Float64("trailing_percent", pct).Msg("Protection tightened")
	return n
}
