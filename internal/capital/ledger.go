// Package capital arbitrates strategy budgets between concurrently processed
// instruments.
package capital

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"quant-trading-engine/config"
	"quant-trading-engine/internal/events"
)

// Reject reasons
const (
	ReasonInvalidAmount   = "invalid amount"
	ReasonUnknownStrategy = "unknown strategy"
	ReasonOverBudget      = "exceeds strategy budget"
	ReasonOverInstrument  = "exceeds per-instrument cap"
	ReasonNoHeadroom      = "insufficient available capital"
	ReasonPersistFailed   = "persistence failed"
)

// DriftTolerance is the fraction of budget by which ledger and broker usage
// may differ before Validate complains.
const DriftTolerance = 0.01

var ErrDrift = errors.New("capital usage drift")

// Allocation is the result of a reserve
type Allocation struct {
	Approved        bool    `json:"approved"`
	AllocatedAmount float64 `json:"allocated_amount"`
	Reason          string  `json:"reason,omitempty"`
}

// Snapshot is the ledger view of one strategy
type Snapshot struct {
	StrategyID    int64              `json:"strategy_id"`
	TotalCapital  float64            `json:"total_capital"`
	UsedAmount    float64            `json:"used_amount"`
	Available     float64            `json:"available"`
	PerInstrument float64            `json:"per_instrument_cap"`
	Reservations  map[string]float64 `json:"reservations"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// Repository persists ledger snapshots
type Repository interface {
	SaveAllocation(ctx context.Context, snap Snapshot) error
	LoadAllocation(ctx context.Context, strategyID int64) (*Snapshot, error)
}

type account struct {
	mu            sync.Mutex
	budget        float64
	perInstrument float64
	used          float64
	reservations  map[string]float64
	updatedAt     time.Time
}

func (a *account) snapshotLocked(strategyID int64) Snapshot {
	res := make(map[string]float64, len(a.reservations))
	for k, v := range a.reservations {
		res[k] = v
	}
	return Snapshot{
		StrategyID:    strategyID,
		TotalCapital:  a.budget,
		UsedAmount:    a.used,
		Available:     round(math.Max(0, a.budget-a.used)),
		PerInstrument: a.perInstrument,
		Reservations:  res,
		UpdatedAt:     a.updatedAt,
	}
}

// Ledger is the single point of capital mutation. Each strategy account has
// its own mutex; instruments of one strategy serialise on it.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[int64]*account
	repo     Repository
	bus      *events.EventBus
	logger   zerolog.Logger
}

// NewLedger creates a ledger. repo and bus may be nil.
func NewLedger(repo Repository, bus *events.EventBus, logger zerolog.Logger) *Ledger {
	return &Ledger{
		accounts: make(map[int64]*account),
		repo:     repo,
		bus:      bus,
		logger:   logger.With().Str("component", "capital_ledger").Logger(),
	}
}

// Register opens (or re-budgets) the account of a strategy
func (l *Ledger) Register(st config.StrategyConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[st.ID]
	if !ok {
		a = &account{reservations: make(map[string]float64)}
		l.accounts[st.ID] = a
	}
	a.mu.Lock()
	a.budget = round(st.Budget)
	a.perInstrument = round(st.PerInstrumentCap())
	a.mu.Unlock()
}

// Restore loads the persisted usage of a registered strategy
func (l *Ledger) Restore(ctx context.Context, strategyID int64) error {
	if l.repo == nil {
		return nil
	}
	a := l.account(strategyID)
	if a == nil {
		return fmt.Errorf("restore strategy %d: %w", strategyID, config.ErrUnknownStrategy)
	}
	snap, err := l.repo.LoadAllocation(ctx, strategyID)
	if err != nil {
		return fmt.Errorf("restore strategy %d: %w", strategyID, err)
	}
	if snap == nil {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.reservations = make(map[string]float64, len(snap.Reservations))
	used := 0.0
	for k, v := range snap.Reservations {
		if v > 0 {
			a.reservations[k] = round(v)
			used += v
		}
	}
	a.used = round(used)
	if math.Abs(a.used-snap.UsedAmount) > 0.01 {
		l.logger.Warn().
			Int64("strategy_id", strategyID).
			Float64("persisted_used", snap.UsedAmount).
			Float64("reservations_sum", a.used).
			Msg("Persisted used amount disagrees with reservations, trusting reservations")
	}
	a.updatedAt = snap.UpdatedAt
	return nil
}

func (l *Ledger) account(strategyID int64) *account {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.accounts[strategyID]
}

// Reserve grants the full amount or nothing
func (l *Ledger) Reserve(ctx context.Context, strategyID int64, amount float64, instrument string) Allocation {
	amount = round(amount)
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return Allocation{Reason: ReasonInvalidAmount}
	}
	a := l.account(strategyID)
	if a == nil {
		return Allocation{Reason: ReasonUnknownStrategy}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case amount > a.budget:
		return Allocation{Reason: ReasonOverBudget}
	case a.perInstrument > 0 && round(a.reservations[instrument]+amount) > a.perInstrument:
		return Allocation{Reason: ReasonOverInstrument}
	case round(a.used+amount) > a.budget:
		return Allocation{Reason: ReasonNoHeadroom}
	}

	prevUsed, prevRes := a.used, a.reservations[instrument]
	a.used = round(a.used + amount)
	a.reservations[instrument] = round(prevRes + amount)
	a.updatedAt = time.Now()

	if l.repo != nil {
		if err := l.repo.SaveAllocation(ctx, a.snapshotLocked(strategyID)); err != nil {
			a.used = prevUsed
			if prevRes == 0 {
				delete(a.reservations, instrument)
			} else {
				a.reservations[instrument] = prevRes
			}
			l.logger.Error().Err(err).
				Int64("strategy_id", strategyID).
				Str("instrument", instrument).
				Float64("amount", amount).
				Msg("Reservation rolled back after persistence failure")
			return Allocation{Reason: ReasonPersistFailed}
		}
	}

	l.logger.Debug().
		Int64("strategy_id", strategyID).
		Str("instrument", instrument).
		Float64("amount", amount).
		Float64("used", a.used).
		Msg("Capital reserved")
	return Allocation{Approved: true, AllocatedAmount: amount}
}

// Release returns capital. Usage never goes below zero.
func (l *Ledger) Release(ctx context.Context, strategyID int64, amount float64, instrument string) error {
	amount = round(amount)
	if amount <= 0 {
		return nil
	}
	a := l.account(strategyID)
	if a == nil {
		return fmt.Errorf("release strategy %d: %w", strategyID, config.ErrUnknownStrategy)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// usage drops by what the instrument actually held, so used always
	// equals the sum of reservations
	outstanding := a.reservations[instrument]
	eff := round(math.Min(amount, outstanding))
	if eff < amount {
		l.logger.Warn().
			Int64("strategy_id", strategyID).
			Str("instrument", instrument).
			Float64("amount", amount).
			Float64("outstanding", outstanding).
			Msg("Release exceeds outstanding reservation, clamping")
	}
	if rem := round(outstanding - eff); rem > 0 {
		a.reservations[instrument] = rem
	} else {
		delete(a.reservations, instrument)
	}
	a.used = round(math.Max(0, a.used-eff))
	a.updatedAt = time.Now()

	if l.repo != nil {
		if err := l.repo.SaveAllocation(ctx, a.snapshotLocked(strategyID)); err != nil {
			// The in-memory release stands; the next write persists it.
			l.logger.Error().Err(err).
				Int64("strategy_id", strategyID).
				Str("instrument", instrument).
				Msg("Failed to persist capital release")
			return fmt.Errorf("persist release: %w", err)
		}
	}
	return nil
}

// Used is the outstanding reserved amount
func (l *Ledger) Used(strategyID int64) float64 {
	a := l.account(strategyID)
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

// Available is budget minus used
func (l *Ledger) Available(strategyID int64) float64 {
	a := l.account(strategyID)
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return round(math.Max(0, a.budget-a.used))
}

// Outstanding is the reservation held for one instrument
func (l *Ledger) Outstanding(strategyID int64, instrument string) float64 {
	a := l.account(strategyID)
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reservations[instrument]
}

// Snapshot returns the ledger view of a strategy
func (l *Ledger) Snapshot(strategyID int64) (Snapshot, error) {
	a := l.account(strategyID)
	if a == nil {
		return Snapshot{}, fmt.Errorf("snapshot strategy %d: %w", strategyID, config.ErrUnknownStrategy)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked(strategyID), nil
}

// Snapshots returns every account ordered by strategy id
func (l *Ledger) Snapshots() []Snapshot {
	l.mu.RLock()
	ids := make([]int64, 0, len(l.accounts))
	for id := range l.accounts {
		ids = append(ids, id)
	}
	l.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		if snap, err := l.Snapshot(id); err == nil {
			out = append(out, snap)
		}
	}
	return out
}

// Validate compares ledger usage with the value implied by broker positions
func (l *Ledger) Validate(strategyID int64, brokerUsage float64) error {
	snap, err := l.Snapshot(strategyID)
	if err != nil {
		return err
	}
	drift := math.Abs(snap.UsedAmount - brokerUsage)
	if drift <= snap.TotalCapital*DriftTolerance {
		return nil
	}

	l.logger.Error().
		Int64("strategy_id", strategyID).
		Float64("ledger_used", snap.UsedAmount).
		Float64("broker_used", brokerUsage).
		Float64("drift", drift).
		Msg("Capital drift detected")
	l.bus.PublishSafety(events.EventCapitalDrift, strategyID, "", "capital usage drift", map[string]interface{}{
		"ledger_used": snap.UsedAmount,
		"broker_used": brokerUsage,
		"drift":       drift,
	})
	return fmt.Errorf("%w: ledger %.2f broker %.2f", ErrDrift, snap.UsedAmount, brokerUsage)
}

func round(v float64) float64 {
	return math.Round(v*100) / 100
}
