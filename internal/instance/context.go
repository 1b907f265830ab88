package instance

import (
	"time"

	"quant-trading-engine/internal/gateway"
)

// Direction of a position
type Direction string

const (
	DirLong  Direction = "LONG"
	DirShort Direction = "SHORT"
)

// Adjustment is one entry of the append-only exit adjustment log
type Adjustment struct {
	Time           time.Time `json:"time"`
	Reason         string    `json:"reason"`
	PrevStopLoss   float64   `json:"prev_stop_loss"`
	PrevTakeProfit float64   `json:"prev_take_profit"`
	StopLoss       float64   `json:"stop_loss"`
	TakeProfit     float64   `json:"take_profit"`
	Price          float64   `json:"price"`
}

// InstrumentMeta carries instrument-class details
type InstrumentMeta struct {
	Class       string    `json:"class,omitempty"`
	Market      string    `json:"market,omitempty"`
	Multiplier  float64   `json:"multiplier,omitempty"`
	Expiry      time.Time `json:"expiry,omitempty"`
	OptionRight string    `json:"option_right,omitempty"` // CALL or PUT
	OptionSide  string    `json:"option_side,omitempty"`  // BUYER or SELLER
	Anchor      string    `json:"anchor,omitempty"`       // scanned underlying for sibling lots
}

// Envelope is shared by every non-idle context
type Envelope struct {
	Direction          Direction       `json:"direction"`
	EntryPrice         float64         `json:"entry_price"`
	Quantity           float64         `json:"quantity"` // negative for shorts
	EntryTime          time.Time       `json:"entry_time"`
	OriginalStopLoss   float64         `json:"original_stop_loss"`
	OriginalTakeProfit float64         `json:"original_take_profit"`
	StopLoss           float64         `json:"stop_loss"`
	TakeProfit         float64         `json:"take_profit"`
	AllocationAmount   float64         `json:"allocation_amount"`
	EntryFees          float64         `json:"entry_fees"`
	ATR                float64         `json:"atr,omitempty"`
	EntryRegime        *gateway.Regime `json:"entry_regime,omitempty"`
	LastRegime         *gateway.Regime `json:"last_regime,omitempty"`
	Adjustments        []Adjustment    `json:"adjustments,omitempty"`
	Meta               InstrumentMeta  `json:"meta"`
	OrderID            string          `json:"order_id,omitempty"`
}

// Env returns the envelope itself so embedding types satisfy Context
func (e *Envelope) Env() *Envelope { return e }

// AbsQuantity is the unsigned position size
func (e *Envelope) AbsQuantity() float64 {
	if e.Quantity < 0 {
		return -e.Quantity
	}
	return e.Quantity
}

// Multiplier defaults to 1
func (e *Envelope) Multiplier() float64 {
	if e.Meta.Multiplier > 0 {
		return e.Meta.Multiplier
	}
	return 1
}

// Record appends an adjustment and applies the new levels
func (e *Envelope) Record(at time.Time, reason string, price, stopLoss, takeProfit float64) {
	e.Adjustments = append(e.Adjustments, Adjustment{
		Time:           at,
		Reason:         reason,
		PrevStopLoss:   e.StopLoss,
		PrevTakeProfit: e.TakeProfit,
		StopLoss:       stopLoss,
		TakeProfit:     takeProfit,
		Price:          price,
	})
	e.StopLoss = stopLoss
	e.TakeProfit = takeProfit
}

func (e Envelope) clone() Envelope {
	out := e
	if e.EntryRegime != nil {
		r := *e.EntryRegime
		out.EntryRegime = &r
	}
	if e.LastRegime != nil {
		r := *e.LastRegime
		out.LastRegime = &r
	}
	out.Adjustments = append([]Adjustment(nil), e.Adjustments...)
	return out
}

// Context is the tagged union of per-state payloads. IDLE carries nil.
type Context interface {
	Env() *Envelope
	isContext()
}

// OpeningContext backs OPENING and SHORTING
type OpeningContext struct {
	Envelope
	ClientOrderID string    `json:"client_order_id"`
	SubmittedAt   time.Time `json:"submitted_at"`
	SignalReason  string    `json:"signal_reason,omitempty"`
}

// HoldingContext backs HOLDING and SHORT
type HoldingContext struct {
	Envelope
	PeakPnLPercent float64   `json:"peak_pnl_percent"`
	LastCheckedAt  time.Time `json:"last_checked_at"`
}

// ClosingContext backs CLOSING and COVERING
type ClosingContext struct {
	Envelope
	ExitOrderID     string    `json:"exit_order_id"`
	ExitClientID    string    `json:"exit_client_id"`
	ExitReason      string    `json:"exit_reason"`
	ExitSubmittedAt time.Time `json:"exit_submitted_at"`
	ExitPrice       float64   `json:"exit_price"`
}

func (*OpeningContext) isContext() {}
func (*HoldingContext) isContext() {}
func (*ClosingContext) isContext() {}

// Hold converts an opening context into a holding one after the entry fill
func (c *OpeningContext) Hold(fillPrice, fillQty float64, at time.Time) *HoldingContext {
	env := c.Envelope.clone()
	if fillPrice > 0 {
		env.EntryPrice = fillPrice
	}
	if fillQty != 0 {
		env.Quantity = fillQty
		if env.Direction == DirShort && fillQty > 0 {
			env.Quantity = -fillQty
		}
	}
	env.EntryTime = at
	return &HoldingContext{Envelope: env, LastCheckedAt: at}
}

// Close converts a holding context into a closing one
func (c *HoldingContext) Close(reason, orderID, clientID string, price float64, at time.Time) *ClosingContext {
	return &ClosingContext{
		Envelope:        c.Envelope.clone(),
		ExitOrderID:     orderID,
		ExitClientID:    clientID,
		ExitReason:      reason,
		ExitSubmittedAt: at,
		ExitPrice:       price,
	}
}

// Reopen converts a closing context back to holding when the exit fails
func (c *ClosingContext) Reopen(at time.Time) *HoldingContext {
	return &HoldingContext{Envelope: c.Envelope.clone(), LastCheckedAt: at}
}

// CloneContext deep-copies a context
func CloneContext(c Context) Context {
	switch v := c.(type) {
	case *OpeningContext:
		out := *v
		out.Envelope = v.Envelope.clone()
		return &out
	case *HoldingContext:
		out := *v
		out.Envelope = v.Envelope.clone()
		return &out
	case *ClosingContext:
		out := *v
		out.Envelope = v.Envelope.clone()
		return &out
	}
	return nil
}
