package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventOrderSubmitted EventType = "ORDER_SUBMITTED"
	EventOrderFilled    EventType = "ORDER_FILLED"
	EventOrderCancelled EventType = "ORDER_CANCELLED"
	EventOrderRejected  EventType = "ORDER_REJECTED"
	EventOrphanFill     EventType = "ORPHAN_FILL"
	EventStateChanged   EventType = "STATE_CHANGED"
	EventSignal         EventType = "SIGNAL_GENERATED"
	EventCycleSummary   EventType = "CYCLE_SUMMARY"
	EventTradeClosed    EventType = "TRADE_CLOSED"

	// Safety events are always surfaced individually
	EventCircuitBreakerUpdate   EventType = "CIRCUIT_BREAKER_UPDATE"
	EventProtectionFailed       EventType = "PROTECTION_FAILED"
	EventReconciliationMismatch EventType = "RECONCILIATION_MISMATCH"
	EventShadowPriceBreach      EventType = "SHADOW_PRICE_BREACH"
	EventStaleReset             EventType = "STALE_RESET"
	EventSafetyRollback         EventType = "SAFETY_ROLLBACK"
	EventCapitalDrift           EventType = "CAPITAL_DRIFT"
	EventExpiryForceClose       EventType = "EXPIRY_FORCE_CLOSE"
)

// safetyEvents is the set an operator must always see
var safetyEvents = map[EventType]bool{
	EventCircuitBreakerUpdate:   true,
	EventProtectionFailed:       true,
	EventReconciliationMismatch: true,
	EventShadowPriceBreach:      true,
	EventStaleReset:             true,
	EventSafetyRollback:         true,
	EventCapitalDrift:           true,
	EventExpiryForceClose:       true,
	EventOrphanFill:             true,
}

// IsSafety reports whether t is a safety-critical event type
func IsSafety(t EventType) bool {
	return safetyEvents[t]
}

// Event represents a system event
type Event struct {
	Type       EventType              `json:"type"`
	Timestamp  time.Time              `json:"timestamp"`
	StrategyID int64                  `json:"strategy_id,omitempty"`
	Instrument string                 `json:"instrument,omitempty"`
	Data       map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers. A nil bus is a no-op so
// components can run without one in tests.
func (eb *EventBus) Publish(event Event) {
	if eb == nil {
		return
	}
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	// Set timestamp if not provided
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event) // Run in goroutine to avoid blocking
		}
	}

	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishCircuitBreaker publishes a breaker state change
func (eb *EventBus) PublishCircuitBreaker(strategyID int64, action, state, reason string) {
	eb.Publish(Event{
		Type:       EventCircuitBreakerUpdate,
		StrategyID: strategyID,
		Data: map[string]interface{}{
			"action": action,
			"state":  state,
			"reason": reason,
		},
	})
}

// PublishSafety publishes a safety-critical event for one instrument
func (eb *EventBus) PublishSafety(eventType EventType, strategyID int64, instrument, message string, data map[string]interface{}) {
	if data == nil {
		data = make(map[string]interface{})
	}
	data["message"] = message
	eb.Publish(Event{
		Type:       eventType,
		StrategyID: strategyID,
		Instrument: instrument,
		Data:       data,
	})
}

// PublishOrder publishes an order lifecycle event
func (eb *EventBus) PublishOrder(eventType EventType, strategyID int64, instrument, orderID, side string, price, quantity float64) {
	eb.Publish(Event{
		Type:       eventType,
		StrategyID: strategyID,
		Instrument: instrument,
		Data: map[string]interface{}{
			"order_id": orderID,
			"side":     side,
			"price":    price,
			"quantity": quantity,
		},
	})
}

// PublishTradeClosed publishes a realized trade
func (eb *EventBus) PublishTradeClosed(strategyID int64, instrument, reason string, entryPrice, exitPrice, quantity, pnl float64) {
	eb.Publish(Event{
		Type:       EventTradeClosed,
		StrategyID: strategyID,
		Instrument: instrument,
		Data: map[string]interface{}{
			"reason":      reason,
			"entry_price": entryPrice,
			"exit_price":  exitPrice,
			"quantity":    quantity,
			"pnl":         pnl,
		},
	})
}

// PublishCycleSummary publishes the aggregated tick summary
func (eb *EventBus) PublishCycleSummary(strategyID int64, counts map[string]int, duration time.Duration) {
	data := make(map[string]interface{}, len(counts)+1)
	for k, v := range counts {
		data[k] = v
	}
	data["duration_ms"] = duration.Milliseconds()
	eb.Publish(Event{
		Type:       EventCycleSummary,
		StrategyID: strategyID,
		Data:       data,
	})
}
