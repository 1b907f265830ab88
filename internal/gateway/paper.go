package gateway

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// errInjected is returned by operations armed with FailNext
var errInjected = errors.New("paper: injected failure")

// PaperOptions tunes the in-memory broker
type PaperOptions struct {
	// AutoFill fills marketable orders on submit and resting orders on price updates.
	AutoFill    bool
	FeePerOrder float64
}

type paperOrder struct {
	BrokerOrder
	trailPercent float64
	limitOffset  float64
	extreme      float64 // peak for sell trailing stops, trough for buy
	fees         float64
}

// Paper is an in-memory broker, market-data feed and signal queue used for
// dry runs and tests. It fills market orders at the last quote.
type Paper struct {
	mu         sync.RWMutex
	opts       PaperOptions
	orders     map[string]*paperOrder
	byClientID map[string]string
	positions  map[string]*Position
	prices     map[string]float64
	regimes    map[string]Regime
	signals    map[string][]TradingIntent
	failures   map[string]int
	logger     zerolog.Logger
}

// NewPaper creates an empty paper broker
func NewPaper(opts PaperOptions, logger zerolog.Logger) *Paper {
	return &Paper{
		opts:       opts,
		orders:     make(map[string]*paperOrder),
		byClientID: make(map[string]string),
		positions:  make(map[string]*Position),
		prices:     make(map[string]float64),
		regimes:    make(map[string]Regime),
		signals:    make(map[string][]TradingIntent),
		failures:   make(map[string]int),
		logger:     logger.With().Str("component", "paper_broker").Logger(),
	}
}

// ==================== TEST CONTROLS ====================

// FailNext makes the next n calls of op ("submit", "cancel", "replace",
// "orders", "positions", "detail", "quote", "regime", "signal") fail.
func (p *Paper) FailNext(op string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op] = n
}

func (p *Paper) injectedLocked(op string) error {
	if n := p.failures[op]; n > 0 {
		p.failures[op] = n - 1
		return fmt.Errorf("%s: %w", op, errInjected)
	}
	return nil
}

func (p *Paper) injected(op string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.injectedLocked(op)
}

// SetPrice updates the quote and, with AutoFill, matches resting orders
func (p *Paper) SetPrice(instrument string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[instrument] = price
	if pos, ok := p.positions[instrument]; ok {
		pos.MarkPrice = price
	}
	if p.opts.AutoFill {
		p.matchLocked(instrument, price)
	}
}

// SetRegime sets the regime reported for an instrument
func (p *Paper) SetRegime(instrument string, r Regime) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.regimes[instrument] = r
}

// SetPosition overwrites the broker position; qty 0 removes it
func (p *Paper) SetPosition(instrument string, qty, avgCost float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if qty == 0 {
		delete(p.positions, instrument)
		return
	}
	p.positions[instrument] = &Position{
		Instrument: instrument,
		Quantity:   qty,
		AvgCost:    avgCost,
		MarkPrice:  p.prices[instrument],
	}
}

// QueueSignal queues an intent returned by the next GenerateSignal for the
// scanned instrument.
func (p *Paper) QueueSignal(scanned string, intent TradingIntent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals[scanned] = append(p.signals[scanned], intent)
}

// Fill fills the remaining quantity of an open order at price
func (p *Paper) Fill(orderID string, price float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if o.Status.Terminal() {
		return fmt.Errorf("order %s already %s", orderID, o.Status)
	}
	p.fillLocked(o, o.Quantity-o.FilledQuantity, price)
	return nil
}

// FillPartial fills qty of an open order at price
func (p *Paper) FillPartial(orderID string, qty, price float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if o.Status.Terminal() {
		return fmt.Errorf("order %s already %s", orderID, o.Status)
	}
	p.fillLocked(o, math.Min(qty, o.Quantity-o.FilledQuantity), price)
	return nil
}

// SetStatus forces an order status without touching positions
func (p *Paper) SetStatus(orderID string, status OrderStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	o.Status = status
	o.UpdatedAt = time.Now()
	return nil
}

// ==================== TRADING ====================

func (p *Paper) SubmitOrder(_ context.Context, req OrderRequest) (*OrderAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.injectedLocked("submit"); err != nil {
		return nil, err
	}

	// Same client id means the caller is retrying a submission we already took.
	if req.ClientOrderID != "" {
		if id, ok := p.byClientID[req.ClientOrderID]; ok {
			o := p.orders[id]
			return &OrderAck{OrderID: id, Status: o.Status}, nil
		}
	}

	if req.Quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity %.4f", ErrRejected, req.Quantity)
	}
	if req.Type == OrderTypeTrailingStop && req.TrailingPercent <= 0 {
		return nil, fmt.Errorf("%w: trailing percent required", ErrRejected)
	}

	now := time.Now()
	o := &paperOrder{
		BrokerOrder: BrokerOrder{
			OrderID:       uuid.New().String(),
			ClientOrderID: req.ClientOrderID,
			Instrument:    req.Instrument,
			Side:          req.Side,
			Type:          req.Type,
			Status:        StatusNew,
			Quantity:      req.Quantity,
			Price:         req.Price,
			UpdatedAt:     now,
		},
		trailPercent: req.TrailingPercent,
		limitOffset:  req.LimitOffset,
		extreme:      p.prices[req.Instrument],
	}
	p.orders[o.OrderID] = o
	if req.ClientOrderID != "" {
		p.byClientID[req.ClientOrderID] = o.OrderID
	}

	if p.opts.AutoFill && o.Type != OrderTypeTrailingStop {
		price := p.prices[req.Instrument]
		if price <= 0 {
			price = req.Price
		}
		if price > 0 && marketable(o, price) {
			p.fillLocked(o, o.Quantity, price)
		}
	}

	p.logger.Debug().
		Str("order_id", o.OrderID).
		Str("instrument", o.Instrument).
		Str("side", string(o.Side)).
		Str("type", string(o.Type)).
		Float64("quantity", o.Quantity).
		Str("status", string(o.Status)).
		Msg("Paper order accepted")

	return &OrderAck{OrderID: o.OrderID, Status: o.Status}, nil
}

func (p *Paper) CancelOrder(_ context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.injectedLocked("cancel"); err != nil {
		return err
	}
	o, ok := p.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if o.Status.Terminal() {
		return fmt.Errorf("order %s already %s", orderID, o.Status)
	}
	o.Status = StatusCancelled
	o.UpdatedAt = time.Now()
	return nil
}

func (p *Paper) ReplaceOrder(_ context.Context, orderID string, req OrderRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.injectedLocked("replace"); err != nil {
		return err
	}
	o, ok := p.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if !o.Status.Open() {
		return fmt.Errorf("order %s not replaceable in %s", orderID, o.Status)
	}
	if req.Quantity > 0 {
		o.Quantity = req.Quantity
	}
	if req.Price > 0 {
		o.Price = req.Price
	}
	if req.TrailingPercent > 0 {
		o.trailPercent = req.TrailingPercent
	}
	if req.LimitOffset > 0 {
		o.limitOffset = req.LimitOffset
	}
	o.UpdatedAt = time.Now()
	return nil
}

func (p *Paper) TodayOrders(_ context.Context) ([]BrokerOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.injectedLocked("orders"); err != nil {
		return nil, err
	}
	out := make([]BrokerOrder, 0, len(p.orders))
	for _, o := range p.orders {
		out = append(out, o.BrokerOrder)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (p *Paper) Positions(_ context.Context) ([]Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.injectedLocked("positions"); err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out, nil
}

func (p *Paper) OrderDetail(_ context.Context, orderID string) (*OrderDetail, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.injectedLocked("detail"); err != nil {
		return nil, err
	}
	o, ok := p.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return &OrderDetail{BrokerOrder: o.BrokerOrder, Fees: o.fees}, nil
}

// ==================== MARKET DATA ====================

func (p *Paper) Quote(_ context.Context, instrument string) (*Quote, error) {
	if err := p.injected("quote"); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	price, ok := p.prices[instrument]
	if !ok || price <= 0 {
		return nil, fmt.Errorf("%s: %w", instrument, ErrNoPrice)
	}
	return &Quote{Instrument: instrument, Last: price, Mark: price, Time: time.Now()}, nil
}

func (p *Paper) Regime(_ context.Context, instrument string) (*Regime, error) {
	if err := p.injected("regime"); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if r, ok := p.regimes[instrument]; ok {
		return &r, nil
	}
	return &Regime{Env: RegimeNeutral, Strength: 50}, nil
}

// ==================== SIGNALS ====================

// GenerateSignal pops the next queued intent, HOLD when none is queued
func (p *Paper) GenerateSignal(_ context.Context, instrument string, snapshot *Quote) (*TradingIntent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.injectedLocked("signal"); err != nil {
		return nil, err
	}
	queue := p.signals[instrument]
	if len(queue) == 0 {
		return &TradingIntent{Action: ActionHold, Instrument: instrument}, nil
	}
	intent := queue[0]
	p.signals[instrument] = queue[1:]
	if intent.Instrument == "" {
		intent.Instrument = instrument
	}
	if intent.Price <= 0 && snapshot != nil && intent.Instrument == instrument {
		intent.Price = snapshot.Price()
	}
	return &intent, nil
}

// ==================== MATCHING ====================

func marketable(o *paperOrder, price float64) bool {
	if o.Type != OrderTypeLimit || o.Price <= 0 {
		return true
	}
	if o.Side == SideBuy {
		return price <= o.Price
	}
	return price >= o.Price
}

func (p *Paper) matchLocked(instrument string, price float64) {
	for _, o := range p.orders {
		if o.Instrument != instrument || !o.Status.Open() || o.Status == StatusPendingCancel {
			continue
		}
		remaining := o.Quantity - o.FilledQuantity
		switch o.Type {
		case OrderTypeTrailingStop:
			if o.Side == SideSell {
				if price > o.extreme {
					o.extreme = price
				}
				if o.extreme > 0 && price <= o.extreme*(1-o.trailPercent/100) {
					p.fillLocked(o, remaining, price-o.limitOffset)
				}
			} else {
				if o.extreme == 0 || price < o.extreme {
					o.extreme = price
				}
				if price >= o.extreme*(1+o.trailPercent/100) {
					p.fillLocked(o, remaining, price+o.limitOffset)
				}
			}
		default:
			if marketable(o, price) {
				p.fillLocked(o, remaining, price)
			}
		}
	}
}

func (p *Paper) fillLocked(o *paperOrder, qty, price float64) {
	if qty <= 0 {
		return
	}
	prevFilled := o.FilledQuantity
	o.FilledQuantity += qty
	o.AvgFillPrice = (o.AvgFillPrice*prevFilled + price*qty) / o.FilledQuantity
	if o.FilledQuantity >= o.Quantity {
		o.Status = StatusFilled
	} else {
		o.Status = StatusPartiallyFilled
	}
	if prevFilled == 0 {
		o.fees = p.opts.FeePerOrder
	}
	o.UpdatedAt = time.Now()

	signed := qty
	if o.Side == SideSell {
		signed = -qty
	}
	pos, ok := p.positions[o.Instrument]
	if !ok {
		pos = &Position{Instrument: o.Instrument}
		p.positions[o.Instrument] = pos
	}
	oldQty := pos.Quantity
	newQty := oldQty + signed
	switch {
	case newQty == 0:
		delete(p.positions, o.Instrument)
		return
	case oldQty == 0 || (oldQty > 0) != (newQty > 0):
		pos.AvgCost = price
	case (oldQty > 0) == (signed > 0):
		// Adding to the position averages the entry
		pos.AvgCost = (pos.AvgCost*math.Abs(oldQty) + price*qty) / math.Abs(newQty)
	}
	pos.Quantity = newQty
	pos.MarkPrice = p.prices[o.Instrument]
}
