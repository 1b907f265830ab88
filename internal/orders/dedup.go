package orders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"quant-trading-engine/internal/gateway"
)

// DedupCache rejects re-submission of the same order from a retried cycle
type DedupCache interface {
	// Acquire returns false when a fresh key already exists
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// DedupKey is the submission key for (strategy, instrument, side)
func DedupKey(strategyID int64, instrument string, side gateway.Side) string {
	return fmt.Sprintf("dedup:%d:%s:%s", strategyID, instrument, side)
}

// MemoryDedup is an in-process DedupCache
type MemoryDedup struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewMemoryDedup() *MemoryDedup {
	return &MemoryDedup{entries: make(map[string]time.Time), now: time.Now}
}

// SetClock overrides the expiry clock
func (d *MemoryDedup) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
}

func (d *MemoryDedup) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if exp, ok := d.entries[key]; ok && now.Before(exp) {
		return false, nil
	}
	d.entries[key] = now.Add(ttl)
	return true, nil
}

func (d *MemoryDedup) Release(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, key)
	return nil
}
