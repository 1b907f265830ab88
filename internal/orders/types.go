// Package orders tracks broker orders from submission to settlement.
package orders

import (
	"time"

	"quant-trading-engine/internal/gateway"
	"quant-trading-engine/internal/instance"
)

// Purpose is the role an order plays in a position lifecycle
type Purpose string

const (
	PurposeEntry      Purpose = "ENTRY"
	PurposeExit       Purpose = "EXIT"
	PurposeProtection Purpose = "PROTECTION"
)

// code is the client order id suffix
func (p Purpose) code() string {
	switch p {
	case PurposeExit:
		return "X"
	case PurposeProtection:
		return "P"
	default:
		return "E"
	}
}

var purposeFromCode = map[string]Purpose{
	"E": PurposeEntry,
	"X": PurposeExit,
	"P": PurposeProtection,
}

// Order is the local record of a broker order. FillProcessed is the
// settlement gate: once true, the order never drives state again.
type Order struct {
	ID               string              `json:"id"`
	ClientOrderID    string              `json:"client_order_id"`
	StrategyID       int64               `json:"strategy_id"`
	Instrument       string              `json:"instrument"`
	Side             gateway.Side        `json:"side"`
	Type             gateway.OrderType   `json:"type"`
	Quantity         float64             `json:"quantity"`
	Price            float64             `json:"price"`
	TrailingPercent  float64             `json:"trailing_percent,omitempty"`
	Status           gateway.OrderStatus `json:"status"`
	FilledQuantity   float64             `json:"filled_quantity"`
	AvgFillPrice     float64             `json:"avg_fill_price"`
	Fees             float64             `json:"fees"`
	FillProcessed    bool                `json:"fill_processed"`
	AllocationAmount float64             `json:"allocation_amount"`
	Purpose          Purpose             `json:"purpose"`
	Reason           string              `json:"reason,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

// Key is the instance the order belongs to
func (o *Order) Key() instance.Key {
	return instance.Key{StrategyID: o.StrategyID, Instrument: o.Instrument}
}

// Finalized reports whether the order reached a terminal status and was settled
func (o *Order) Finalized() bool {
	return o.Status.Terminal() && o.FillProcessed
}

// FillPrice prefers the average fill price
func (o *Order) FillPrice() float64 {
	if o.AvgFillPrice > 0 {
		return o.AvgFillPrice
	}
	return o.Price
}

// Trade is one closed round trip, or an orphan fill, for the journal
type Trade struct {
	StrategyID int64              `json:"strategy_id"`
	Instrument string             `json:"instrument"`
	Direction  instance.Direction `json:"direction"`
	EntryPrice float64            `json:"entry_price"`
	ExitPrice  float64            `json:"exit_price"`
	Quantity   float64            `json:"quantity"`
	EntryTime  time.Time          `json:"entry_time"`
	ExitTime   time.Time          `json:"exit_time"`
	Reason     string             `json:"reason"`
	GrossPnL   float64            `json:"gross_pnl"`
	NetPnL     float64            `json:"net_pnl"`
	Fees       float64            `json:"fees"`
	OrderID    string             `json:"order_id,omitempty"`
	Orphan     bool               `json:"orphan,omitempty"`
	Synthetic  bool               `json:"synthetic,omitempty"`
}
