package metrics

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quant-trading-engine/config"
	"quant-trading-engine/internal/capital"
	"quant-trading-engine/internal/circuit"
	"quant-trading-engine/internal/events"
	"quant-trading-engine/internal/instance"
)

func TestObserveCountsEvents(t *testing.T) {
	c := New(nil, nil)

	c.Observe(events.Event{Type: events.EventOrderFilled, Data: map[string]interface{}{"side": "BUY"}})
	c.Observe(events.Event{Type: events.EventOrderFilled, Data: map[string]interface{}{"side": "BUY"}})
	c.Observe(events.Event{Type: events.EventTradeClosed, Data: map[string]interface{}{"pnl": -12.5, "reason": "STOP_LOSS"}})
	c.Observe(events.Event{Type: events.EventTradeClosed, Data: map[string]interface{}{"pnl": 30.0, "reason": "TAKE_PROFIT"}})
	c.Observe(events.Event{Type: events.EventStaleReset, Data: map[string]interface{}{"message": "stale"}})

	assert.Equal(t, 2.0, testutil.ToFloat64(c.orders.WithLabelValues(string(events.EventOrderFilled), "BUY")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.trades.WithLabelValues("loss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.trades.WithLabelValues("win")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.exitReasons.WithLabelValues("STOP_LOSS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.safety.WithLabelValues(string(events.EventStaleReset))))
}

func TestObserveCycleSummary(t *testing.T) {
	c := New(nil, nil)
	bus := events.NewEventBus()
	c.Attach(bus)

	bus.PublishCycleSummary(7, map[string]int{"idle": 3, "acted": 1}, 250*time.Millisecond)

	assert.Eventually(t, func() bool {
		return testutil.CollectAndCount(c.cycleDuration) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 3.0, testutil.ToFloat64(c.cycleOutcomes.WithLabelValues("7", "idle")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cycleOutcomes.WithLabelValues("7", "acted")))
}

func TestStateGaugesAndHandler(t *testing.T) {
	st := config.StrategyConfig{ID: 3, Budget: 1000, MaxConcurrentPositions: 2}
	ledger := capital.NewLedger(nil, nil, zerolog.Nop())
	ledger.Register(st)
	require.True(t, ledger.Reserve(context.Background(), 3, 400, "AAPL.US").Approved)

	breakers := circuit.NewRegistry(config.CircuitBreakerConfig{Enabled: true, MaxConsecutiveLosses: 3, MaxDailyLossPercent: 10}, instance.NewMemoryStore(), nil, zerolog.Nop())
	breakers.Register(st)
	breakers.Trip(context.Background(), 3, "test")

	c := New(ledger, breakers)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	assert.Contains(t, body, `engine_capital_used{strategy="3"} 400`)
	assert.Contains(t, body, `engine_capital_available{strategy="3"} 600`)
	assert.True(t, strings.Contains(body, `engine_circuit_breaker_open{state="open",strategy="3"} 1`))
}
