package orders

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrNotFound = errors.New("order not found")

// Store persists orders
type Store interface {
	// Save inserts or updates an order. Finalized orders only accept
	// audit fields (fees).
	Save(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	GetByClientID(ctx context.Context, clientOrderID string) (*Order, error)
	// ListOpen returns orders of a strategy that still need settlement:
	// non-terminal, or terminal with FillProcessed unset.
	ListOpen(ctx context.Context, strategyID int64) ([]*Order, error)
	// MarkFillProcessed atomically sets the settlement gate. Only the
	// first caller for an order gets true.
	MarkFillProcessed(ctx context.Context, clientOrderID string) (bool, error)
	UpdateFees(ctx context.Context, clientOrderID string, fees float64) error
}

// MemoryStore is an in-process Store keyed by client order id
type MemoryStore struct {
	mu     sync.Mutex
	orders map[string]*Order
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*Order), now: time.Now}
}

func (s *MemoryStore) Save(_ context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if cur, ok := s.orders[o.ClientOrderID]; ok {
		if cur.Finalized() {
			if o.Fees > 0 {
				cur.Fees = o.Fees
				cur.UpdatedAt = now
			}
			return nil
		}
		next := *o
		next.FillProcessed = cur.FillProcessed
		next.CreatedAt = cur.CreatedAt
		next.UpdatedAt = now
		s.orders[o.ClientOrderID] = &next
		return nil
	}
	next := *o
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}
	next.UpdatedAt = now
	s.orders[o.ClientOrderID] = &next
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.ID == id {
			out := *o
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetByClientID(_ context.Context, clientOrderID string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[clientOrderID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *o
	return &out, nil
}

func (s *MemoryStore) ListOpen(_ context.Context, strategyID int64) ([]*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Order
	for _, o := range s.orders {
		if o.StrategyID == strategyID && !o.Finalized() {
			c := *o
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) MarkFillProcessed(_ context.Context, clientOrderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[clientOrderID]
	if !ok {
		return false, ErrNotFound
	}
	if o.FillProcessed {
		return false, nil
	}
	o.FillProcessed = true
	o.UpdatedAt = s.now()
	return true, nil
}

func (s *MemoryStore) UpdateFees(_ context.Context, clientOrderID string, fees float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[clientOrderID]
	if !ok {
		return ErrNotFound
	}
	o.Fees = fees
	o.UpdatedAt = s.now()
	return nil
}

// Journal records closed trades
type Journal interface {
	RecordTrade(ctx context.Context, t Trade) error
}

// MemoryJournal keeps trades in memory
type MemoryJournal struct {
	mu     sync.Mutex
	trades []Trade
}

func NewMemoryJournal() *MemoryJournal { return &MemoryJournal{} }

func (j *MemoryJournal) RecordTrade(_ context.Context, t Trade) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.trades = append(j.trades, t)
	return nil
}

// Trades returns a copy of the recorded trades
func (j *MemoryJournal) Trades() []Trade {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]Trade(nil), j.trades...)
}

// RecentTrades returns the latest trades of a strategy, newest first
func (j *MemoryJournal) RecentTrades(_ context.Context, strategyID int64, limit int) ([]Trade, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []Trade
	for i := len(j.trades) - 1; i >= 0; i-- {
		if j.trades[i].StrategyID != strategyID {
			continue
		}
		out = append(out, j.trades[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
