package instance

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Resilience holds per-instance safety fields written outside the
// state/context pair.
type Resilience struct {
	ProtectionOrderID string  `json:"protection_order_id,omitempty"`
	EmergencyStopLoss float64 `json:"emergency_stop_loss,omitempty"`
	ShadowBreach      bool    `json:"shadow_breach,omitempty"` // breaker already tripped for this mark breach
}

// Fields is a partial Resilience update; nil pointers are left alone
type Fields struct {
	ProtectionOrderID *string
	EmergencyStopLoss *float64
	ShadowBreach      *bool
}

// Apply merges f into r
func (f Fields) Apply(r *Resilience) {
	if f.ProtectionOrderID != nil {
		r.ProtectionOrderID = *f.ProtectionOrderID
	}
	if f.EmergencyStopLoss != nil {
		r.EmergencyStopLoss = *f.EmergencyStopLoss
	}
	if f.ShadowBreach != nil {
		r.ShadowBreach = *f.ShadowBreach
	}
}

// String, Float and Bool build Fields values inline
func String(s string) *string { return &s }
func Float(f float64) *float64 { return &f }
func Bool(b bool) *bool { return &b }

// Instance is the unit of orchestration state
type Instance struct {
	Key         Key        `json:"key"`
	State       State      `json:"state"`
	Context     Context    `json:"-"`
	LastUpdated time.Time  `json:"last_updated"`
	Resilience  Resilience `json:"resilience"`
}

// Env returns the envelope or nil when idle
func (i *Instance) Env() *Envelope {
	if i == nil || i.Context == nil {
		return nil
	}
	return i.Context.Env()
}

// Holding returns the holding context when the instance holds a position
func (i *Instance) Holding() (*HoldingContext, bool) {
	c, ok := i.Context.(*HoldingContext)
	return c, ok
}

// Opening returns the opening context when the instance waits on an entry
func (i *Instance) Opening() (*OpeningContext, bool) {
	c, ok := i.Context.(*OpeningContext)
	return c, ok
}

// Closing returns the closing context when the instance waits on an exit
func (i *Instance) Closing() (*ClosingContext, bool) {
	c, ok := i.Context.(*ClosingContext)
	return c, ok
}

func (i *Instance) clone() *Instance {
	out := *i
	out.Context = CloneContext(i.Context)
	return &out
}

// StrategyFlags are strategy-wide resilience flags that survive restarts
type StrategyFlags struct {
	CircuitBreakerActive bool      `json:"circuit_breaker_active"`
	TripReason           string    `json:"trip_reason,omitempty"`
	TrippedAt            time.Time `json:"tripped_at,omitempty"`
	DailyRealizedPnL     float64   `json:"daily_realized_pnl"`
	PnLDate              string    `json:"pnl_date,omitempty"` // YYYY-MM-DD the daily PnL belongs to
	ConsecutiveLosses    int       `json:"consecutive_losses"`
	ProtectionFailures   int       `json:"protection_failures"`
}

// Store is the durable instance store
type Store interface {
	// Get returns the instance, an IDLE one when none is stored
	Get(ctx context.Context, key Key) (*Instance, error)
	// Transition validates and persists state, context and lastUpdated together
	Transition(ctx context.Context, key Key, to State, c Context) error
	// MergeFields updates resilience fields without touching state or context
	MergeFields(ctx context.Context, key Key, f Fields) error
	List(ctx context.Context, strategyID int64) ([]*Instance, error)
	SaveStrategyFlags(ctx context.Context, strategyID int64, flags StrategyFlags) error
	LoadStrategyFlags(ctx context.Context, strategyID int64) (StrategyFlags, error)
}

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[Key]*Instance
	flags     map[int64]StrategyFlags
	now       func() time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[Key]*Instance),
		flags:     make(map[int64]StrategyFlags),
		now:       time.Now,
	}
}

// SetClock overrides the lastUpdated clock
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Put stores an instance as-is, bypassing transition checks. Used for
// restores and test fixtures.
func (s *MemoryStore) Put(inst *Instance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[inst.Key] = inst.clone()
}

func (s *MemoryStore) Get(_ context.Context, key Key) (*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if inst, ok := s.instances[key]; ok {
		return inst.clone(), nil
	}
	return &Instance{Key: key, State: Idle}, nil
}

func (s *MemoryStore) Transition(_ context.Context, key Key, to State, c Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.instances[key]
	from := Idle
	if ok {
		from = cur.State
	}
	if err := Validate(from, to, c); err != nil {
		return err
	}

	next := &Instance{Key: key, State: to, Context: CloneContext(c), LastUpdated: s.now()}
	if ok && to != Idle {
		next.Resilience = cur.Resilience
	}
	s.instances[key] = next
	return nil
}

func (s *MemoryStore) MergeFields(_ context.Context, key Key, f Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[key]
	if !ok {
		inst = &Instance{Key: key, State: Idle, LastUpdated: s.now()}
		s.instances[key] = inst
	}
	f.Apply(&inst.Resilience)
	return nil
}

func (s *MemoryStore) List(_ context.Context, strategyID int64) ([]*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Instance
	for k, inst := range s.instances {
		if k.StrategyID == strategyID {
			out = append(out, inst.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Instrument < out[j].Key.Instrument })
	return out, nil
}

func (s *MemoryStore) SaveStrategyFlags(_ context.Context, strategyID int64, flags StrategyFlags) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags[strategyID] = flags
	return nil
}

func (s *MemoryStore) LoadStrategyFlags(_ context.Context, strategyID int64) (StrategyFlags, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flags[strategyID], nil
}
