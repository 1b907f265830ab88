// Package scheduler drives every configured strategy: a decision tick over
// the instrument pool, a pending-order poll and a defense sweep, each on its
// own timer. Ticks of one kind never overlap and a busy tick is skipped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"quant-trading-engine/config"
	"quant-trading-engine/internal/capital"
	"quant-trading-engine/internal/defense"
	"quant-trading-engine/internal/events"
	"quant-trading-engine/internal/gateway"
	"quant-trading-engine/internal/instance"
	"quant-trading-engine/internal/orders"
	"quant-trading-engine/internal/processor"
	"quant-trading-engine/internal/session"
)

var (
	ErrBusy          = errors.New("previous tick still running")
	ErrMarketsClosed = errors.New("no market in session")
)

// Skip reasons recorded on a summary
const (
	SkipBusy   = "busy"
	SkipClosed = "markets_closed"
)

// Deps are shared by every runner
type Deps struct {
	Processor *processor.Processor
	Tracker   *orders.Tracker
	Sweeper   *defense.Sweeper
	Instances instance.Store
	Ledger    *capital.Ledger
	Sessions  *session.Service
	Pool      gateway.PoolResolver
	Bus       *events.EventBus
}

// Summary is the aggregated view of one decision tick
type Summary struct {
	StrategyID  int64                     `json:"strategy_id"`
	StartedAt   time.Time                 `json:"started_at"`
	Duration    time.Duration             `json:"duration"`
	Instruments int                       `json:"instruments"`
	Filtered    int                       `json:"filtered"`
	Counts      map[processor.Outcome]int `json:"counts"`
	Skipped     string                    `json:"skipped,omitempty"`
}

// Status is the runner state exposed to operators
type Status struct {
	StrategyID  int64          `json:"strategy_id"`
	Name        string         `json:"name"`
	Running     bool           `json:"running"`
	LastCycle   *Summary       `json:"last_cycle,omitempty"`
	LastPoll    time.Time      `json:"last_poll"`
	LastSweep   time.Time      `json:"last_sweep"`
	LastDefense defense.Report `json:"last_defense"`
}

// Runner owns the ticks of one strategy. Each kind has its own guard so a
// slow decision tick never delays the next poll from being skipped or run;
// the shared state lock keeps the three from mutating instances at once.
type Runner struct {
	Deps
	st  config.StrategyConfig
	cls config.InstrumentClassConfig

	batchSize  int
	batchPause time.Duration

	decideMu sync.Mutex
	pollMu   sync.Mutex
	defendMu sync.Mutex
	stateMu  sync.Mutex

	statusMu    sync.RWMutex
	lastCycle   *Summary
	lastPoll    time.Time
	lastSweep   time.Time
	lastDefense defense.Report

	logger zerolog.Logger
	now    func() time.Time
	pause  func(ctx context.Context, d time.Duration) error
}

// NewRunner creates the runner of one strategy
func NewRunner(st config.StrategyConfig, cls config.InstrumentClassConfig, sc config.SchedulerConfig, deps Deps, logger zerolog.Logger) *Runner {
	if deps.Pool == nil {
		deps.Pool = gateway.StaticPool{}
	}
	size := sc.BatchSize
	if size <= 0 {
		size = 5
	}
	return &Runner{
		Deps:       deps,
		st:         st,
		cls:        cls,
		batchSize:  size,
		batchPause: time.Duration(sc.BatchPauseMs) * time.Millisecond,
		logger: logger.With().
			Str("component", "strategy_runner").
			Int64("strategy_id", st.ID).
			Str("strategy", st.Name).
			Logger(),
		now:   time.Now,
		pause: sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SetClock overrides the clock
func (r *Runner) SetClock(now func() time.Time) {
	r.now = now
}

// Strategy returns the strategy config
func (r *Runner) Strategy() config.StrategyConfig {
	return r.st
}

// Decide runs one decision tick over the instrument pool
func (r *Runner) Decide(ctx context.Context) (Summary, error) {
	start := r.now()
	sum := Summary{StrategyID: r.st.ID, StartedAt: start, Counts: make(map[processor.Outcome]int)}

	if !r.decideMu.TryLock() {
		sum.Skipped = SkipBusy
		r.logger.Warn().Msg("Decision tick skipped, previous tick still running")
		return sum, ErrBusy
	}
	defer r.decideMu.Unlock()

	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	live, err := r.liveInstruments(ctx)
	if err != nil {
		return sum, fmt.Errorf("list live instances: %w", err)
	}
	resolved, err := r.Pool.Resolve(ctx, r.st)
	if err != nil {
		// Live positions are still monitored when the pool cannot be resolved.
		r.logger.Warn().Err(err).Msg("Instrument pool unavailable, processing live positions only")
	}
	pool := union(resolved, live)

	if !r.Sessions.AnyOpen(r.markets(pool), start) {
		sum.Skipped = SkipClosed
		r.logger.Debug().Int("instruments", len(pool)).Msg("No market in session, tick skipped")
		return sum, nil
	}

	work := r.prefilter(pool, live)
	sum.Instruments = len(work)
	sum.Filtered = len(pool) - len(work)

	tick := r.Processor.Snapshot(ctx)
	var countMu sync.Mutex
	for i := 0; i < len(work); i += r.batchSize {
		if i > 0 {
			if err := r.pause(ctx, r.batchPause); err != nil {
				break
			}
		}
		end := i + r.batchSize
		if end > len(work) {
			end = len(work)
		}

		var wg sync.WaitGroup
		for _, instrument := range work[i:end] {
			wg.Add(1)
			go func(instrument string) {
				defer wg.Done()
				res := r.Processor.Process(ctx, r.st, r.cls, instrument, tick)
				if res.Err != nil {
					r.logger.Error().Err(res.Err).Str("instrument", instrument).Msg("Instrument step failed")
				}
				countMu.Lock()
				sum.Counts[res.Outcome]++
				countMu.Unlock()
			}(instrument)
		}
		wg.Wait()
	}

	sum.Duration = r.now().Sub(start)
	r.report(sum)
	return sum, nil
}

// report emits the one summary line per tick
func (r *Runner) report(sum Summary) {
	counts := make(map[string]int, len(sum.Counts))
	for k, v := range sum.Counts {
		counts[string(k)] = v
	}
	r.Bus.PublishCycleSummary(r.st.ID, counts, sum.Duration)

	ev := r.logger.Info()
	if sum.Counts[processor.OutcomeErred] > 0 {
		ev = r.logger.Warn()
	}
	ev.Int("instruments", sum.Instruments).
		Int("filtered", sum.Filtered).
		Int("idle", sum.Counts[processor.OutcomeIdle]).
		Int("holding", sum.Counts[processor.OutcomeHolding]).
		Int("pending", sum.Counts[processor.OutcomePending]).
		Int("signaled", sum.Counts[processor.OutcomeSignaled]).
		Int("acted", sum.Counts[processor.OutcomeActed]).
		Int("erred", sum.Counts[processor.OutcomeErred]).
		Dur("duration", sum.Duration).
		Msg("Cycle summary")

	r.statusMu.Lock()
	r.lastCycle = &sum
	r.statusMu.Unlock()
}

// Poll runs one pending-order tick
func (r *Runner) Poll(ctx context.Context) (orders.PollSummary, error) {
	if !r.pollMu.TryLock() {
		return orders.PollSummary{}, ErrBusy
	}
	defer r.pollMu.Unlock()

	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	sum, err := r.Tracker.Poll(ctx, r.st.ID)
	r.statusMu.Lock()
	r.lastPoll = r.now()
	r.statusMu.Unlock()
	if err != nil {
		return sum, fmt.Errorf("poll orders: %w", err)
	}
	return sum, nil
}

// Defend runs one defense sweep while a market of the strategy is open
func (r *Runner) Defend(ctx context.Context) (defense.Report, error) {
	if !r.defendMu.TryLock() {
		return defense.Report{}, ErrBusy
	}
	defer r.defendMu.Unlock()

	live, err := r.liveInstruments(ctx)
	if err != nil {
		return defense.Report{}, fmt.Errorf("list live instances: %w", err)
	}
	if !r.Sessions.AnyOpen(r.markets(union(r.st.Instruments, live)), r.now()) {
		return defense.Report{}, ErrMarketsClosed
	}

	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	rep, err := r.Sweeper.Sweep(ctx, r.st, r.cls)
	r.statusMu.Lock()
	r.lastSweep = r.now()
	r.lastDefense = rep
	r.statusMu.Unlock()
	return rep, err
}

// Status returns the operator view
func (r *Runner) Status(running bool) Status {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	st := Status{
		StrategyID:  r.st.ID,
		Name:        r.st.Name,
		Running:     running,
		LastPoll:    r.lastPoll,
		LastSweep:   r.lastSweep,
		LastDefense: r.lastDefense,
	}
	if r.lastCycle != nil {
		c := *r.lastCycle
		st.LastCycle = &c
	}
	return st
}

// liveInstruments lists instruments whose instance is not IDLE
func (r *Runner) liveInstruments(ctx context.Context) ([]string, error) {
	list, err := r.Instances.List(ctx, r.st.ID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(list))
	for _, inst := range list {
		if inst.State != instance.Idle {
			out = append(out, inst.Key.Instrument)
		}
	}
	sort.Strings(out)
	return out, nil
}

// prefilter drops instruments a fixed-budget strategy has no room for.
// Instruments with a live instance are always kept.
func (r *Runner) prefilter(pool, live []string) []string {
	if !r.cls.FixedBudget {
		return pool
	}
	keep := make(map[string]bool, len(live))
	for _, inst := range live {
		keep[inst] = true
	}
	noRoom := r.Ledger.Available(r.st.ID) <= 0
	limit := r.st.PerInstrumentCap()

	out := make([]string, 0, len(pool))
	for _, inst := range pool {
		switch {
		case keep[inst]:
		case noRoom:
			continue
		case r.Ledger.Outstanding(r.st.ID, inst) >= limit:
			continue
		}
		out = append(out, inst)
	}
	return out
}

func (r *Runner) markets(pool []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, inst := range pool {
		m := session.MarketFor(inst, r.cls.Market)
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	if len(out) == 0 && r.cls.Market != "" {
		out = append(out, session.MarketFor("", r.cls.Market))
	}
	return out
}

// union keeps the order of a and appends what b adds
func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if s == "" || seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
