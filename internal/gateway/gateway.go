// Package gateway defines the narrow contracts the execution loop uses to
// reach its collaborators: signal generation, the brokerage trading API and
// market data. Nothing outside an adapter sees brokerage-specific types.
package gateway

import (
	"context"
	"errors"
	"time"

	"quant-trading-engine/config"
)

// Side of an order
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType of a submitted order
type OrderType string

const (
	OrderTypeMarket       OrderType = "MARKET"
	OrderTypeLimit        OrderType = "LIMIT"
	OrderTypeTrailingStop OrderType = "TRAILING_STOP_LIMIT"
)

// Action of a trading intent
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL" // open short when flat
	ActionHold Action = "HOLD"
)

// TradingIntent is what a signal source returns
type TradingIntent struct {
	Action     Action            `json:"action"`
	Instrument string            `json:"instrument"` // traded contract; may differ from the scanned underlying
	Price      float64           `json:"price"`
	Quantity   float64           `json:"quantity"` // hint, 0 = size from capital
	StopLoss   float64           `json:"stop_loss"`
	TakeProfit float64           `json:"take_profit"`
	ATR        float64           `json:"atr,omitempty"`
	Reason     string            `json:"reason"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// OrderRequest is a submission to the broker
type OrderRequest struct {
	ClientOrderID   string    `json:"client_order_id"`
	Instrument      string    `json:"instrument"`
	Side            Side      `json:"side"`
	Type            OrderType `json:"type"`
	Quantity        float64   `json:"quantity"`
	Price           float64   `json:"price,omitempty"`
	TrailingPercent float64   `json:"trailing_percent,omitempty"`
	LimitOffset     float64   `json:"limit_offset,omitempty"`
	Remark          string    `json:"remark,omitempty"`
}

// OrderAck is returned by a successful submission
type OrderAck struct {
	OrderID string      `json:"order_id"`
	Status  OrderStatus `json:"status"`
}

// BrokerOrder is the broker's view of an order
type BrokerOrder struct {
	OrderID        string      `json:"order_id"`
	ClientOrderID  string      `json:"client_order_id"`
	Instrument     string      `json:"instrument"`
	Side           Side        `json:"side"`
	Type           OrderType   `json:"type"`
	Status         OrderStatus `json:"status"`
	Quantity       float64     `json:"quantity"`
	FilledQuantity float64     `json:"filled_quantity"`
	Price          float64     `json:"price"`
	AvgFillPrice   float64     `json:"avg_fill_price"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// OrderDetail adds fee data to a broker order
type OrderDetail struct {
	BrokerOrder
	Fees float64 `json:"fees"`
}

// Position is the broker's authoritative holding; negative quantity = short
type Position struct {
	Instrument string  `json:"instrument"`
	Quantity   float64 `json:"quantity"`
	AvgCost    float64 `json:"avg_cost"`
	MarkPrice  float64 `json:"mark_price"`
}

// Quote is a market-data snapshot
type Quote struct {
	Instrument string    `json:"instrument"`
	Last       float64   `json:"last"`
	Mark       float64   `json:"mark"`
	Time       time.Time `json:"time"`
}

// Price returns the mark when present, else the last trade
func (q *Quote) Price() float64 {
	if q == nil {
		return 0
	}
	if q.Mark > 0 {
		return q.Mark
	}
	return q.Last
}

// Regime is the categorical and numeric market-condition snapshot
type Regime struct {
	Env      string  `json:"env"`      // GOOD, NEUTRAL_POSITIVE, NEUTRAL, NEUTRAL_NEGATIVE, POOR
	Strength float64 `json:"strength"` // 0..100
}

// Regime labels
const (
	RegimeGood            = "GOOD"
	RegimeNeutralPositive = "NEUTRAL_POSITIVE"
	RegimeNeutral         = "NEUTRAL"
	RegimeNeutralNegative = "NEUTRAL_NEGATIVE"
	RegimePoor            = "POOR"
)

// Errors shared by gateway implementations
var (
	ErrNoPrice       = errors.New("no price available")
	ErrOrderNotFound = errors.New("order not found")
	ErrRejected      = errors.New("order rejected")
)

// SignalSource produces trading intents; failure means "no signal"
type SignalSource interface {
	GenerateSignal(ctx context.Context, instrument string, snapshot *Quote) (*TradingIntent, error)
}

// TradingGateway is the brokerage trading API
type TradingGateway interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (*OrderAck, error)
	CancelOrder(ctx context.Context, orderID string) error
	ReplaceOrder(ctx context.Context, orderID string, req OrderRequest) error
	TodayOrders(ctx context.Context) ([]BrokerOrder, error)
	Positions(ctx context.Context) ([]Position, error)
	OrderDetail(ctx context.Context, orderID string) (*OrderDetail, error)
}

// MarketDataGateway is read-only market data
type MarketDataGateway interface {
	Quote(ctx context.Context, instrument string) (*Quote, error)
	Regime(ctx context.Context, instrument string) (*Regime, error)
}

// PoolResolver resolves the instrument pool for a strategy tick
type PoolResolver interface {
	Resolve(ctx context.Context, strategy config.StrategyConfig) ([]string, error)
}

// StaticPool resolves to the instruments listed in config
type StaticPool struct{}

func (StaticPool) Resolve(_ context.Context, strategy config.StrategyConfig) ([]string, error) {
	out := make([]string, len(strategy.Instruments))
	copy(out, strategy.Instruments)
	return out, nil
}
