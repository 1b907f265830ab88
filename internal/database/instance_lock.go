package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// LockKeyActive holds the id of the process allowed to trade
const LockKeyActive = "qte:lock:active"

var ErrLockHeld = errors.New("active lock held by another instance")

// renew and release only touch the key while we still own it
var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// InstanceLock elects one active process. The owner renews a TTL key; a
// standby keeps trying to claim it and takes over once the owner stops
// renewing.
type InstanceLock struct {
	client     *redis.Client
	key        string
	instanceID string
	ttl        time.Duration

	active atomic.Bool

	mu           sync.Mutex
	onActivate   func()
	onDeactivate func()
	cancel       context.CancelFunc
	done         chan struct{}

	logger zerolog.Logger
}

// NewInstanceLock creates a lock. An empty id gets a random one. A nil
// client makes this process active unconditionally.
func NewInstanceLock(client *redis.Client, instanceID string, ttl time.Duration, logger zerolog.Logger) *InstanceLock {
	if instanceID == "" {
		instanceID = uuid.New().String()
	}
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &InstanceLock{
		client:     client,
		key:        LockKeyActive,
		instanceID: instanceID,
		ttl:        ttl,
		logger: logger.With().
			Str("component", "instance_lock").
			Str("instance_id", instanceID).
			Logger(),
	}
}

// SetCallbacks registers handlers run when the lock is won or lost
func (l *InstanceLock) SetCallbacks(onActivate, onDeactivate func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onActivate = onActivate
	l.onDeactivate = onDeactivate
}

// InstanceID returns the id this process claims the lock with
func (l *InstanceLock) InstanceID() string { return l.instanceID }

// IsActive reports whether this process currently owns the lock
func (l *InstanceLock) IsActive() bool { return l.active.Load() }

// TryAcquire claims or renews the lock once
func (l *InstanceLock) TryAcquire(ctx context.Context) (bool, error) {
	if l.client == nil {
		return true, nil
	}
	ok, err := l.client.SetNX(ctx, l.key, l.instanceID, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim active lock: %w", err)
	}
	if ok {
		return true, nil
	}
	n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.instanceID, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("renew active lock: %w", err)
	}
	return n == 1, nil
}

// Holder returns the id of the current owner, empty when unowned
func (l *InstanceLock) Holder(ctx context.Context) (string, error) {
	if l.client == nil {
		return l.instanceID, nil
	}
	id, err := l.client.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return id, err
}

// Start makes one claim attempt and keeps renewing or retrying in the
// background until Stop.
func (l *InstanceLock) Start(ctx context.Context) {
	l.mu.Lock()
	if l.cancel != nil {
		l.mu.Unlock()
		return
	}
	ctx, l.cancel = context.WithCancel(ctx)
	done := make(chan struct{})
	l.done = done
	l.mu.Unlock()

	l.tick(ctx)
	go l.loop(ctx, done)
}

// loop owns done; Stop may clear l.done before the goroutine runs
func (l *InstanceLock) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *InstanceLock) tick(ctx context.Context) {
	ok, err := l.TryAcquire(ctx)
	if err != nil {
		// An owner that cannot renew must assume it lost the lock.
		l.logger.Warn().Err(err).Msg("Active lock check failed")
		ok = false
	}
	l.setActive(ok)
}

func (l *InstanceLock) setActive(active bool) {
	if l.active.Swap(active) == active {
		return
	}
	l.mu.Lock()
	onActivate, onDeactivate := l.onActivate, l.onDeactivate
	l.mu.Unlock()

	if active {
		l.logger.Info().Msg("Instance is now ACTIVE")
		if onActivate != nil {
			onActivate()
		}
		return
	}
	l.logger.Warn().Msg("Instance is now STANDBY")
	if onDeactivate != nil {
		onDeactivate()
	}
}

// Stop ends the background loop and releases the lock if owned
func (l *InstanceLock) Stop(ctx context.Context) {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done

	if l.client != nil && l.active.Load() {
		if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.instanceID).Err(); err != nil {
			l.logger.Warn().Err(err).Msg("Failed to release active lock")
		}
	}
	l.setActive(false)
}
