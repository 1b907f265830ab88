// Package circuit implements the strategy-wide circuit breaker.
package circuit

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"quant-trading-engine/config"
	"quant-trading-engine/internal/events"
	"quant-trading-engine/internal/instance"
)

// BreakerState represents the circuit breaker state
type BreakerState string

const (
	StateClosed   BreakerState = "closed"    // Normal operation
	StateOpen     BreakerState = "open"      // Entries halted
	StateHalfOpen BreakerState = "half_open" // Testing recovery
)

// Trip sources. Safety trips stay open until an operator resets them;
// loss-limit trips cool down into half-open.
const (
	SourceSafety    = "safety"
	SourceLossLimit = "loss_limit"
)

// TripHandler runs after a breaker opens
type TripHandler func(ctx context.Context, strategyID int64, reason string)

// Stats is a breaker snapshot
type Stats struct {
	StrategyID         int64        `json:"strategy_id"`
	State              BreakerState `json:"state"`
	Source             string       `json:"source,omitempty"`
	TripReason         string       `json:"trip_reason,omitempty"`
	LastTripTime       time.Time    `json:"last_trip_time,omitempty"`
	ConsecutiveLosses  int          `json:"consecutive_losses"`
	DailyRealizedPnL   float64      `json:"daily_realized_pnl"`
	DailyLossPercent   float64      `json:"daily_loss_percent"`
	ProtectionFailures int          `json:"protection_failures"`
}

type breaker struct {
	mu                   sync.Mutex
	state                BreakerState
	source               string
	tripReason           string
	lastTripTime         time.Time
	consecutiveLosses    int
	dailyPnL             float64
	pnlDate              string
	protectionFailures   int
	budget               float64
	maxConsecutiveLosses int
	maxDailyLossPercent  float64
}

func (b *breaker) flagsLocked() instance.StrategyFlags {
	return instance.StrategyFlags{
		CircuitBreakerActive: b.state != StateClosed,
		TripReason:           b.tripReason,
		TrippedAt:            b.lastTripTime,
		DailyRealizedPnL:     b.dailyPnL,
		PnLDate:              b.pnlDate,
		ConsecutiveLosses:    b.consecutiveLosses,
		ProtectionFailures:   b.protectionFailures,
	}
}

func (b *breaker) statsLocked(strategyID int64) Stats {
	s := Stats{
		StrategyID:         strategyID,
		State:              b.state,
		Source:             b.source,
		TripReason:         b.tripReason,
		LastTripTime:       b.lastTripTime,
		ConsecutiveLosses:  b.consecutiveLosses,
		DailyRealizedPnL:   b.dailyPnL,
		ProtectionFailures: b.protectionFailures,
	}
	if b.budget > 0 && b.dailyPnL < 0 {
		s.DailyLossPercent = -b.dailyPnL / b.budget * 100
	}
	return s
}

// Registry owns one breaker per strategy and persists their flags through
// the instance store so a restart does not silently re-enable entries.
type Registry struct {
	mu       sync.RWMutex
	cfg      config.CircuitBreakerConfig
	breakers map[int64]*breaker
	store    instance.Store
	bus      *events.EventBus
	onTrip   []TripHandler
	now      func() time.Time
	logger   zerolog.Logger
}

// NewRegistry creates an empty registry. store and bus may be nil.
func NewRegistry(cfg config.CircuitBreakerConfig, store instance.Store, bus *events.EventBus, logger zerolog.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		breakers: make(map[int64]*breaker),
		store:    store,
		bus:      bus,
		now:      time.Now,
		logger:   logger.With().Str("component", "circuit_breaker").Logger(),
	}
}

// SetClock overrides the time source
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// OnTrip registers a handler called after every trip
func (r *Registry) OnTrip(h TripHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onTrip = append(r.onTrip, h)
}

// Register creates the breaker of a strategy. Strategy risk limits override
// the global ones.
func (r *Registry) Register(st config.StrategyConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[st.ID]
	if !ok {
		b = &breaker{state: StateClosed}
		r.breakers[st.ID] = b
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.budget = st.Budget
	b.maxConsecutiveLosses = r.cfg.MaxConsecutiveLosses
	if st.Risk.MaxConsecutiveLosses > 0 {
		b.maxConsecutiveLosses = st.Risk.MaxConsecutiveLosses
	}
	b.maxDailyLossPercent = r.cfg.MaxDailyLossPercent
	if st.Risk.MaxDailyLossPercent > 0 {
		b.maxDailyLossPercent = st.Risk.MaxDailyLossPercent
	}
}

func (r *Registry) get(strategyID int64) *breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[strategyID]
}

// Restore loads persisted flags for a registered strategy
func (r *Registry) Restore(ctx context.Context, strategyID int64) error {
	b := r.get(strategyID)
	if b == nil {
		return fmt.Errorf("restore breaker %d: %w", strategyID, config.ErrUnknownStrategy)
	}
	if r.store == nil {
		return nil
	}
	flags, err := r.store.LoadStrategyFlags(ctx, strategyID)
	if err != nil {
		return fmt.Errorf("load strategy flags %d: %w", strategyID, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveLosses = flags.ConsecutiveLosses
	b.dailyPnL = flags.DailyRealizedPnL
	b.pnlDate = flags.PnLDate
	b.protectionFailures = flags.ProtectionFailures
	if flags.CircuitBreakerActive {
		// Without knowing the original source, stay open until reset.
		b.state = StateOpen
		b.source = SourceSafety
		b.tripReason = flags.TripReason
		b.lastTripTime = flags.TrippedAt
		r.logger.Warn().
			Int64("strategy_id", strategyID).
			Str("reason", flags.TripReason).
			Msg("Circuit breaker restored in open state")
	}
	return nil
}

// CanTrade reports whether new entries are allowed
func (r *Registry) CanTrade(strategyID int64) (bool, string) {
	b := r.get(strategyID)
	if b == nil {
		return false, "unknown strategy"
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.source == SourceLossLimit {
			cooldown := time.Duration(r.cfg.CooldownMinutes) * time.Minute
			elapsed := r.now().Sub(b.lastTripTime)
			if elapsed < cooldown {
				return false, fmt.Sprintf("circuit breaker open, cooldown remaining: %v (reason: %s)",
					(cooldown - elapsed).Round(time.Second), b.tripReason)
			}
			// Cooldown passed, try half-open
			b.state = StateHalfOpen
			b.consecutiveLosses = 0
			return true, ""
		}
		return false, fmt.Sprintf("circuit breaker open (reason: %s)", b.tripReason)
	}
	return true, ""
}

// Active reports whether the breaker blocks entries
func (r *Registry) Active(strategyID int64) bool {
	ok, _ := r.CanTrade(strategyID)
	return !ok
}

// TightenPercent is the trailing percent protection orders are held at
// while a breaker is open
func (r *Registry) TightenPercent() float64 {
	return r.cfg.TightenPercent
}

// Trip opens the breaker of a strategy. Used by the defense layer; these
// trips need an operator reset.
func (r *Registry) Trip(ctx context.Context, strategyID int64, reason string) {
	r.trip(ctx, strategyID, SourceSafety, reason)
}

func (r *Registry) trip(ctx context.Context, strategyID int64, source, reason string) {
	b := r.get(strategyID)
	if b == nil {
		r.logger.Error().Int64("strategy_id", strategyID).Str("reason", reason).Msg("Trip requested for unknown strategy")
		return
	}

	b.mu.Lock()
	wasOpen := b.state == StateOpen
	b.state = StateOpen
	// A safety trip is never downgraded to a cooling loss-limit trip
	if b.source != SourceSafety || !wasOpen {
		b.source = source
	}
	b.tripReason = reason
	b.lastTripTime = r.now()
	flags := b.flagsLocked()
	b.mu.Unlock()

	r.persist(ctx, strategyID, flags)

	r.logger.Error().
		Int64("strategy_id", strategyID).
		Str("source", source).
		Str("reason", reason).
		Bool("already_open", wasOpen).
		Msg("Circuit breaker tripped")
	r.bus.PublishCircuitBreaker(strategyID, "tripped", string(StateOpen), reason)

	r.mu.RLock()
	handlers := append([]TripHandler(nil), r.onTrip...)
	r.mu.RUnlock()
	for _, h := range handlers {
		h(ctx, strategyID, reason)
	}
}

// RecordTrade records a realized trade and trips on loss limits
func (r *Registry) RecordTrade(ctx context.Context, strategyID int64, pnl float64) {
	if math.IsNaN(pnl) || math.IsInf(pnl, 0) {
		r.logger.Warn().Int64("strategy_id", strategyID).Msg("Ignoring non-finite trade PnL")
		return
	}
	b := r.get(strategyID)
	if b == nil {
		return
	}

	b.mu.Lock()
	today := r.now().Format("2006-01-02")
	if b.pnlDate != today {
		b.dailyPnL = 0
		b.pnlDate = today
	}
	b.dailyPnL += pnl

	var recovered bool
	if pnl < 0 {
		b.consecutiveLosses++
	} else {
		b.consecutiveLosses = 0
		if b.state == StateHalfOpen {
			b.state = StateClosed
			b.tripReason = ""
			recovered = true
		}
	}

	var reason string
	if r.cfg.Enabled && b.state != StateOpen {
		switch {
		case b.state == StateHalfOpen && pnl < 0:
			reason = "loss while half-open"
		case b.maxConsecutiveLosses > 0 && b.consecutiveLosses >= b.maxConsecutiveLosses:
			reason = fmt.Sprintf("consecutive losses: %d", b.consecutiveLosses)
		case b.maxDailyLossPercent > 0 && b.budget > 0 && -b.dailyPnL/b.budget*100 >= b.maxDailyLossPercent:
			reason = fmt.Sprintf("daily loss: %.2f%%", -b.dailyPnL/b.budget*100)
		}
	}
	flags := b.flagsLocked()
	b.mu.Unlock()

	if recovered {
		r.bus.PublishCircuitBreaker(strategyID, "recovered", string(StateClosed), "winning_trade_after_cooldown")
	}
	if reason != "" {
		r.trip(ctx, strategyID, SourceLossLimit, reason)
		return
	}
	r.persist(ctx, strategyID, flags)
}

// SetProtectionFailures persists the protection failure counter with the
// other strategy flags.
func (r *Registry) SetProtectionFailures(ctx context.Context, strategyID int64, n int) {
	b := r.get(strategyID)
	if b == nil {
		return
	}
	b.mu.Lock()
	b.protectionFailures = n
	flags := b.flagsLocked()
	b.mu.Unlock()
	r.persist(ctx, strategyID, flags)
}

// ProtectionFailures returns the persisted protection failure counter
func (r *Registry) ProtectionFailures(strategyID int64) int {
	b := r.get(strategyID)
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.protectionFailures
}

// Reset manually closes the breaker
func (r *Registry) Reset(ctx context.Context, strategyID int64, by string) error {
	b := r.get(strategyID)
	if b == nil {
		return fmt.Errorf("reset breaker %d: %w", strategyID, config.ErrUnknownStrategy)
	}
	b.mu.Lock()
	b.state = StateClosed
	b.source = ""
	b.tripReason = ""
	b.consecutiveLosses = 0
	flags := b.flagsLocked()
	b.mu.Unlock()

	r.persist(ctx, strategyID, flags)
	r.logger.Info().Int64("strategy_id", strategyID).Str("by", by).Msg("Circuit breaker reset")
	r.bus.PublishCircuitBreaker(strategyID, "reset", string(StateClosed), "manual_reset")
	return nil
}

// GetStats returns the breaker snapshot of a strategy
func (r *Registry) GetStats(strategyID int64) (Stats, bool) {
	b := r.get(strategyID)
	if b == nil {
		return Stats{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statsLocked(strategyID), true
}

// All returns every breaker ordered by strategy id
func (r *Registry) All() []Stats {
	r.mu.RLock()
	ids := make([]int64, 0, len(r.breakers))
	for id := range r.breakers {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]Stats, 0, len(ids))
	for _, id := range ids {
		if s, ok := r.GetStats(id); ok {
			out = append(out, s)
		}
	}
	return out
}

func (r *Registry) persist(ctx context.Context, strategyID int64, flags instance.StrategyFlags) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveStrategyFlags(ctx, strategyID, flags); err != nil {
		r.logger.Error().Err(err).Int64("strategy_id", strategyID).Msg("Failed to persist strategy flags")
	}
}
