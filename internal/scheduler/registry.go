package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"quant-trading-engine/config"
)

var (
	ErrNotRegistered  = errors.New("strategy not registered")
	ErrAlreadyRunning = errors.New("strategy already running")
)

// cronLogger routes cron's own messages through zerolog
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

type schedule struct {
	runner  *Runner
	entries []cron.EntryID
}

// Registry owns the timers of every strategy. Strategies are registered
// once and can be started and stopped individually.
type Registry struct {
	cfg  *config.Config
	deps Deps
	cron *cron.Cron

	mu      sync.Mutex
	entries map[int64]*schedule
	started bool
	ctx     context.Context
	cancel  context.CancelFunc

	logger zerolog.Logger
}

// NewRegistry creates a registry and a runner for every configured strategy
func NewRegistry(cfg *config.Config, deps Deps, logger zerolog.Logger) *Registry {
	log := logger.With().Str("component", "scheduler").Logger()
	r := &Registry{
		cfg:     cfg,
		deps:    deps,
		entries: make(map[int64]*schedule),
		logger:  log,
	}
	r.cron = cron.New(
		cron.WithSeconds(),
		cron.WithLogger(cronLogger{log: log}),
		cron.WithChain(cron.Recover(cronLogger{log: log})),
	)
	for _, st := range cfg.Strategies {
		r.entries[st.ID] = &schedule{
			runner: NewRunner(st, cfg.Class(st), cfg.SchedulerConfig, deps, logger),
		}
	}
	return r
}

// Runner returns the runner of a strategy
func (r *Registry) Runner(strategyID int64) (*Runner, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.entries[strategyID]
	if !ok {
		return nil, false
	}
	return s.runner, true
}

// Start starts the timers of every enabled strategy
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.started = true
	ids := make([]int64, 0, len(r.entries))
	for id, s := range r.entries {
		if s.runner.st.Enabled {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if err := r.StartStrategy(id); err != nil {
			return err
		}
	}
	r.cron.Start()
	r.logger.Info().Int("strategies", len(ids)).Msg("Scheduler started")
	return nil
}

// StartStrategy schedules the three ticks of one strategy
func (r *Registry) StartStrategy(strategyID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.entries[strategyID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotRegistered, strategyID)
	}
	if len(s.entries) > 0 {
		return fmt.Errorf("%w: %d", ErrAlreadyRunning, strategyID)
	}
	if r.ctx == nil {
		r.ctx, r.cancel = context.WithCancel(context.Background())
	}
	ctx := r.ctx
	run := s.runner

	jobs := []struct {
		name  string
		every time.Duration
		fn    func()
	}{
		{"decide", r.cfg.TickInterval(run.st), func() {
			if _, err := run.Decide(ctx); err != nil && !errors.Is(err, ErrBusy) {
				run.logger.Error().Err(err).Msg("Decision tick failed")
			}
		}},
		{"poll", seconds(r.cfg.OrderConfig.PollIntervalSec, 10), func() {
			if _, err := run.Poll(ctx); err != nil && !errors.Is(err, ErrBusy) {
				run.logger.Warn().Err(err).Msg("Order poll failed")
			}
		}},
		{"defend", seconds(r.cfg.DefenseConfig.SweepIntervalSec, 30), func() {
			_, err := run.Defend(ctx)
			switch {
			case err == nil, errors.Is(err, ErrBusy), errors.Is(err, ErrMarketsClosed):
			default:
				run.logger.Error().Err(err).Msg("Defense sweep failed")
			}
		}},
	}

	ids := make([]cron.EntryID, 0, len(jobs))
	for _, j := range jobs {
		every := fmt.Sprintf("@every %s", j.every)
		id, err := r.cron.AddFunc(every, j.fn)
		if err != nil {
			for _, added := range ids {
				r.cron.Remove(added)
			}
			return fmt.Errorf("schedule %s for strategy %d: %w", j.name, strategyID, err)
		}
		ids = append(ids, id)
		r.logger.Info().
			Int64("strategy_id", strategyID).
			Str("job", j.name).
			Str("schedule", every).
			Msg("Job registered")
	}
	s.entries = ids
	return nil
}

// StopStrategy removes the timers of one strategy. A tick already running
// finishes on its own.
func (r *Registry) StopStrategy(strategyID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.entries[strategyID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotRegistered, strategyID)
	}
	for _, id := range s.entries {
		r.cron.Remove(id)
	}
	s.entries = nil
	r.logger.Info().Int64("strategy_id", strategyID).Msg("Strategy stopped")
	return nil
}

// StopAll stops every timer and waits for running ticks to return
func (r *Registry) StopAll() {
	r.mu.Lock()
	for _, s := range r.entries {
		for _, id := range s.entries {
			r.cron.Remove(id)
		}
		s.entries = nil
	}
	cancel := r.cancel
	r.ctx, r.cancel = nil, nil
	r.started = false
	r.mu.Unlock()

	done := r.cron.Stop()
	if cancel != nil {
		cancel()
	}
	<-done.Done()
	r.logger.Info().Msg("Scheduler stopped")
}

// Statuses returns the status of every registered strategy
func (r *Registry) Statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.entries))
	for _, s := range r.entries {
		out = append(out, s.runner.Status(len(s.entries) > 0))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StrategyID < out[j].StrategyID })
	return out
}

func seconds(n, fallback int) time.Duration {
	if n <= 0 {
		n = fallback
	}
	return time.Duration(n) * time.Second
}
