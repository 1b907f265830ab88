package capital

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quant-trading-engine/config"
	"quant-trading-engine/internal/events"
)

func newLedger(t *testing.T, budget, perInstrument float64, repo Repository) *Ledger {
	t.Helper()
	l := NewLedger(repo, nil, zerolog.Nop())
	l.Register(config.StrategyConfig{ID: 1, Budget: budget, MaxPerInstrument: perInstrument, MaxConcurrentPositions: 1})
	return l
}

func TestReserveFailsClosed(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, 1000, 400, nil)

	tests := []struct {
		name   string
		amount float64
		reason string
	}{
		{"zero", 0, ReasonInvalidAmount},
		{"negative", -5, ReasonInvalidAmount},
		{"over budget", 1500, ReasonOverBudget},
		{"over instrument cap", 450, ReasonOverInstrument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := l.Reserve(ctx, 1, tt.amount, "AAPL")
			assert.False(t, a.Approved)
			assert.Zero(t, a.AllocatedAmount)
			assert.Equal(t, tt.reason, a.Reason)
		})
	}

	assert.Equal(t, ReasonUnknownStrategy, l.Reserve(ctx, 99, 10, "AAPL").Reason)
	assert.Zero(t, l.Used(1))
}

func TestReserveNeverPartiallyGrants(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, 1000, 400, nil)

	require.True(t, l.Reserve(ctx, 1, 400, "AAPL").Approved)
	require.True(t, l.Reserve(ctx, 1, 400, "MSFT").Approved)

	a := l.Reserve(ctx, 1, 300, "TSLA")
	assert.False(t, a.Approved)
	assert.Equal(t, ReasonNoHeadroom, a.Reason)
	assert.Equal(t, 800.0, l.Used(1))
	assert.Equal(t, 200.0, l.Available(1))
}

func TestReleaseClampsAtZero(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, 1000, 0, nil)

	require.True(t, l.Reserve(ctx, 1, 100, "AAPL").Approved)
	require.NoError(t, l.Release(ctx, 1, 250, "AAPL"))
	assert.Zero(t, l.Used(1))
	assert.Zero(t, l.Outstanding(1, "AAPL"))

	require.NoError(t, l.Release(ctx, 1, 50, "AAPL"))
	assert.Zero(t, l.Used(1))
}

func TestCapitalConservation(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, 10000, 0, nil)
	rng := rand.New(rand.NewSource(42))
	instruments := []string{"AAPL", "MSFT", "TSLA", "NVDA"}
	outstanding := make(map[string][]float64)
	sumOutstanding := func() float64 {
		sum := 0.0
		for _, list := range outstanding {
			for _, v := range list {
				sum += v
			}
		}
		return sum
	}

	for i := 0; i < 2000; i++ {
		inst := instruments[rng.Intn(len(instruments))]
		if rng.Intn(2) == 0 || len(outstanding[inst]) == 0 {
			amt := math.Round(rng.Float64()*300000) / 100
			if a := l.Reserve(ctx, 1, amt, inst); a.Approved {
				outstanding[inst] = append(outstanding[inst], a.AllocatedAmount)
			}
		} else {
			amt := outstanding[inst][0]
			outstanding[inst] = outstanding[inst][1:]
			require.NoError(t, l.Release(ctx, 1, amt, inst))
		}

		used := l.Used(1)
		require.InDelta(t, sumOutstanding(), used, 0.01, "step %d", i)
		require.GreaterOrEqual(t, used, 0.0)
		require.LessOrEqual(t, used, 10000.0)
	}

	// over-releasing one instrument leaves the others reserved
	victim := instruments[0]
	held := 0.0
	for _, v := range outstanding[victim] {
		held += v
	}
	require.NoError(t, l.Release(ctx, 1, held+500, victim))
	delete(outstanding, victim)
	assert.InDelta(t, sumOutstanding(), l.Used(1), 0.01)
}

func TestOverReleaseOnlyFreesThatInstrument(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, 10000, 0, nil)
	require.True(t, l.Reserve(ctx, 1, 100, "AAPL").Approved)
	require.True(t, l.Reserve(ctx, 1, 100, "MSFT").Approved)

	require.NoError(t, l.Release(ctx, 1, 150, "AAPL"))
	assert.InDelta(t, 100.0, l.Used(1), 1e-9)
	assert.Zero(t, l.Outstanding(1, "AAPL"))
	assert.InDelta(t, 100.0, l.Outstanding(1, "MSFT"), 1e-9)

	// releasing an instrument that holds nothing is a no-op
	require.NoError(t, l.Release(ctx, 1, 50, "TSLA"))
	assert.InDelta(t, 100.0, l.Used(1), 1e-9)

	require.NoError(t, l.Release(ctx, 1, 100, "MSFT"))
	assert.Zero(t, l.Used(1))
}

func TestConcurrentReservesRespectBudget(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, 1000, 0, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	approved := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Reserve(ctx, 1, 100, "X").Approved {
				mu.Lock()
				approved++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, approved)
	assert.Equal(t, 1000.0, l.Used(1))
}

type memRepo struct {
	mu    sync.Mutex
	snaps map[int64]Snapshot
	fail  bool
}

func (r *memRepo) SaveAllocation(_ context.Context, snap Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("db down")
	}
	if r.snaps == nil {
		r.snaps = make(map[int64]Snapshot)
	}
	r.snaps[snap.StrategyID] = snap
	return nil
}

func (r *memRepo) LoadAllocation(_ context.Context, strategyID int64) (*Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap, ok := r.snaps[strategyID]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func TestPersistFailureRollsBackReservation(t *testing.T) {
	ctx := context.Background()
	repo := &memRepo{fail: true}
	l := newLedger(t, 1000, 0, repo)

	a := l.Reserve(ctx, 1, 100, "AAPL")
	assert.False(t, a.Approved)
	assert.Equal(t, ReasonPersistFailed, a.Reason)
	assert.Zero(t, l.Used(1))
	assert.Zero(t, l.Outstanding(1, "AAPL"))
}

func TestRestoreFromRepository(t *testing.T) {
	ctx := context.Background()
	repo := &memRepo{}
	l := newLedger(t, 1000, 0, repo)
	require.True(t, l.Reserve(ctx, 1, 120.5, "AAPL").Approved)
	require.True(t, l.Reserve(ctx, 1, 79.5, "MSFT").Approved)

	restarted := newLedger(t, 1000, 0, repo)
	require.NoError(t, restarted.Restore(ctx, 1))
	assert.Equal(t, 200.0, restarted.Used(1))
	assert.Equal(t, 120.5, restarted.Outstanding(1, "AAPL"))
}

func TestValidateDrift(t *testing.T) {
	ctx := context.Background()
	bus := events.NewEventBus()
	got := make(chan events.Event, 1)
	bus.Subscribe(events.EventCapitalDrift, func(e events.Event) { got <- e })

	l := NewLedger(nil, bus, zerolog.Nop())
	l.Register(config.StrategyConfig{ID: 1, Budget: 1000, MaxConcurrentPositions: 1})
	require.True(t, l.Reserve(ctx, 1, 500, "AAPL").Approved)

	assert.NoError(t, l.Validate(1, 505))
	assert.ErrorIs(t, l.Validate(1, 520), ErrDrift)
	e := <-got
	assert.Equal(t, int64(1), e.StrategyID)
}

func TestAmountsRoundedToCents(t *testing.T) {
	l := newLedger(t, 1000, 0, nil)
	a := l.Reserve(context.Background(), 1, 10.005001, "AAPL")
	require.True(t, a.Approved)
	assert.Equal(t, 10.01, a.AllocatedAmount)
}
