// Package metrics exposes engine activity in the Prometheus text format.
//
// Counters are fed from the event bus:
//   - engine_orders_total{event,side}       order lifecycle events
//   - engine_safety_events_total{type}      every safety-critical event
//   - engine_trades_total{result}           closed trades by win/loss
//   - engine_exit_reasons_total{reason}     closed trades by exit reason
//   - engine_cycle_outcomes_total{strategy,outcome}
//   - engine_cycle_duration_seconds{strategy}
//
// Capital and breaker gauges are read from the ledger and the breaker
// registry at scrape time.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"quant-trading-engine/internal/capital"
	"quant-trading-engine/internal/circuit"
	"quant-trading-engine/internal/events"
)

// Collector owns a private registry so tests and multiple engines never
// collide on the default one.
type Collector struct {
	registry *prometheus.Registry

	orders        *prometheus.CounterVec
	safety        *prometheus.CounterVec
	trades        *prometheus.CounterVec
	exitReasons   *prometheus.CounterVec
	cycleOutcomes *prometheus.CounterVec
	cycleDuration *prometheus.HistogramVec
}

// New creates a collector. Ledger and breakers may be nil.
func New(ledger *capital.Ledger, breakers *circuit.Registry) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_orders_total",
				Help: "Order lifecycle events",
			},
			[]string{"event", "side"},
		),
		safety: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_safety_events_total",
				Help: "Safety-critical events by type",
			},
			[]string{"type"},
		),
		trades: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_trades_total",
				Help: "Closed trades by result (win|loss)",
			},
			[]string{"result"},
		),
		exitReasons: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_exit_reasons_total",
				Help: "Closed trades by exit reason",
			},
			[]string{"reason"},
		),
		cycleOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_cycle_outcomes_total",
				Help: "Instrument outcomes of decision ticks",
			},
			[]string{"strategy", "outcome"},
		),
		cycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "engine_cycle_duration_seconds",
				Help:    "Wall time of one decision tick",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"strategy"},
		),
	}
	c.registry.MustRegister(c.orders, c.safety, c.trades, c.exitReasons, c.cycleOutcomes, c.cycleDuration)
	c.registry.MustRegister(&stateCollector{ledger: ledger, breakers: breakers})
	return c
}

// Attach subscribes the collector to every bus event
func (c *Collector) Attach(bus *events.EventBus) {
	if bus == nil {
		return
	}
	bus.SubscribeAll(c.Observe)
}

// Observe updates counters from one event
func (c *Collector) Observe(ev events.Event) {
	if events.IsSafety(ev.Type) {
		c.safety.WithLabelValues(string(ev.Type)).Inc()
	}

	switch ev.Type {
	case events.EventOrderSubmitted, events.EventOrderFilled, events.EventOrderCancelled, events.EventOrderRejected:
		side, _ := ev.Data["side"].(string)
		c.orders.WithLabelValues(string(ev.Type), side).Inc()

	case events.EventTradeClosed:
		result := "win"
		if pnl, _ := ev.Data["pnl"].(float64); pnl < 0 {
			result = "loss"
		}
		c.trades.WithLabelValues(result).Inc()
		if reason, _ := ev.Data["reason"].(string); reason != "" {
			c.exitReasons.WithLabelValues(reason).Inc()
		}

	case events.EventCycleSummary:
		strategy := strconv.FormatInt(ev.StrategyID, 10)
		for k, v := range ev.Data {
			if n, ok := v.(int); ok {
				c.cycleOutcomes.WithLabelValues(strategy, k).Add(float64(n))
			}
		}
		if ms, ok := ev.Data["duration_ms"].(int64); ok {
			c.cycleDuration.WithLabelValues(strategy).Observe(float64(ms) / 1000)
		}
	}
}

// Handler serves the registry
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

var (
	capitalUsedDesc = prometheus.NewDesc(
		"engine_capital_used",
		"Capital reserved by the ledger",
		[]string{"strategy"}, nil,
	)
	capitalAvailableDesc = prometheus.NewDesc(
		"engine_capital_available",
		"Capital still available to reserve",
		[]string{"strategy"}, nil,
	)
	breakerOpenDesc = prometheus.NewDesc(
		"engine_circuit_breaker_open",
		"1 while the breaker is not closed",
		[]string{"strategy", "state"}, nil,
	)
	protectionFailuresDesc = prometheus.NewDesc(
		"engine_protection_failures",
		"Consecutive protection order failures",
		[]string{"strategy"}, nil,
	)
)

// stateCollector reads ledger and breaker state on every scrape
type stateCollector struct {
	ledger   *capital.Ledger
	breakers *circuit.Registry
}

func (s *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- capitalUsedDesc
	ch <- capitalAvailableDesc
	ch <- breakerOpenDesc
	ch <- protectionFailuresDesc
}

func (s *stateCollector) Collect(ch chan<- prometheus.Metric) {
	if s.ledger != nil {
		for _, snap := range s.ledger.Snapshots() {
			id := strconv.FormatInt(snap.StrategyID, 10)
			ch <- prometheus.MustNewConstMetric(capitalUsedDesc, prometheus.GaugeValue, snap.UsedAmount, id)
			ch <- prometheus.MustNewConstMetric(capitalAvailableDesc, prometheus.GaugeValue, snap.Available, id)
		}
	}
	if s.breakers != nil {
		for _, st := range s.breakers.All() {
			id := strconv.FormatInt(st.StrategyID, 10)
			open := 0.0
			if st.State != circuit.StateClosed {
				open = 1
			}
			ch <- prometheus.MustNewConstMetric(breakerOpenDesc, prometheus.GaugeValue, open, id, string(st.State))
			ch <- prometheus.MustNewConstMetric(protectionFailuresDesc, prometheus.GaugeValue, float64(st.ProtectionFailures), id)
		}
	}
}
