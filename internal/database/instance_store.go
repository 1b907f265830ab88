package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"quant-trading-engine/internal/instance"
)

// Redis key layout for instance state
const (
	// InstanceKeyPrefix + {strategyID}:{instrument}
	InstanceKeyPrefix = "qte:instance"
	// InstanceSetPrefix + {strategyID} lists the stored instruments
	InstanceSetPrefix = "qte:instances"
	// FlagsKeyPrefix + {strategyID}
	FlagsKeyPrefix = "qte:flags"

	transitionRetries = 3
	probeInterval     = 30 * time.Second
)

// reader and writer are satisfied by both *redis.Client and a watched
// *redis.Tx, whose TxPipeline executes inside the WATCH.
type reader interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

type writer interface {
	TxPipeline() redis.Pipeliner
}

// instanceRecord is the stored form of an instance. State, context and
// lastUpdated always travel in one value.
type instanceRecord struct {
	State       instance.State      `json:"state"`
	Context     json.RawMessage     `json:"context,omitempty"`
	LastUpdated time.Time           `json:"last_updated"`
	Resilience  instance.Resilience `json:"resilience"`
}

// RedisInstanceStore keeps instance state in Redis and mirrors every write
// into memory. While Redis is unreachable the mirror serves reads and
// writes, and keys written meanwhile are pushed back on recovery.
type RedisInstanceStore struct {
	client    *redis.Client
	available atomic.Bool
	lastProbe atomic.Int64

	mirror *instance.MemoryStore

	dirtyMu    sync.Mutex
	dirty      map[instance.Key]bool
	dirtyFlags map[int64]bool

	now    func() time.Time
	logger zerolog.Logger
}

// NewRedisInstanceStore creates the store. A nil client runs memory-only.
func NewRedisInstanceStore(client *redis.Client, logger zerolog.Logger) *RedisInstanceStore {
	s := &RedisInstanceStore{
		client:     client,
		mirror:     instance.NewMemoryStore(),
		dirty:      make(map[instance.Key]bool),
		dirtyFlags: make(map[int64]bool),
		now:        time.Now,
		logger:     logger.With().Str("component", "instance_store").Logger(),
	}
	if client == nil {
		s.logger.Warn().Msg("No Redis client, instance state kept in memory only")
		return s
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("Redis unavailable at startup, using in-memory state")
		s.lastProbe.Store(time.Now().UnixNano())
	} else {
		s.available.Store(true)
	}
	return s
}

// SetClock overrides the lastUpdated clock
func (s *RedisInstanceStore) SetClock(now func() time.Time) {
	s.now = now
	s.mirror.SetClock(now)
}

// Available reports whether Redis currently backs the store
func (s *RedisInstanceStore) Available() bool {
	return s.client != nil && s.available.Load()
}

func instanceKey(k instance.Key) string {
	return fmt.Sprintf("%s:%d:%s", InstanceKeyPrefix, k.StrategyID, k.Instrument)
}

func instanceSetKey(strategyID int64) string {
	return fmt.Sprintf("%s:%d", InstanceSetPrefix, strategyID)
}

func flagsKey(strategyID int64) string {
	return fmt.Sprintf("%s:%d", FlagsKeyPrefix, strategyID)
}

// useRedis reports whether a call should go to Redis, probing an
// unavailable server at most once per probe interval.
func (s *RedisInstanceStore) useRedis(ctx context.Context) bool {
	if s.client == nil {
		return false
	}
	if s.available.Load() {
		return true
	}
	last := s.lastProbe.Load()
	if time.Since(time.Unix(0, last)) < probeInterval {
		return false
	}
	if !s.lastProbe.CompareAndSwap(last, time.Now().UnixNano()) {
		return false
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		return false
	}
	s.available.Store(true)
	s.logger.Info().Msg("Redis recovered, flushing in-memory instance state")
	s.flush(ctx)
	return s.available.Load()
}

func (s *RedisInstanceStore) markDown(err error) {
	if s.available.CompareAndSwap(true, false) {
		s.lastProbe.Store(time.Now().UnixNano())
		s.logger.Error().Err(err).Msg("Redis write failed, falling back to in-memory state")
	}
}

func (s *RedisInstanceStore) markDirty(key instance.Key) {
	s.dirtyMu.Lock()
	s.dirty[key] = true
	s.dirtyMu.Unlock()
}

// flush pushes keys written during an outage back to Redis
func (s *RedisInstanceStore) flush(ctx context.Context) {
	s.dirtyMu.Lock()
	keys := s.dirty
	flags := s.dirtyFlags
	s.dirty = make(map[instance.Key]bool)
	s.dirtyFlags = make(map[int64]bool)
	s.dirtyMu.Unlock()

	for key := range keys {
		inst, _ := s.mirror.Get(ctx, key)
		if err := s.write(ctx, s.client, inst); err != nil {
			s.markDown(err)
			s.markDirty(key)
		}
	}
	for id := range flags {
		f, _ := s.mirror.LoadStrategyFlags(ctx, id)
		if err := s.writeFlags(ctx, id, f); err != nil {
			s.markDown(err)
			s.dirtyMu.Lock()
			s.dirtyFlags[id] = true
			s.dirtyMu.Unlock()
		}
	}
}

// Get returns the instance, IDLE when nothing is stored
func (s *RedisInstanceStore) Get(ctx context.Context, key instance.Key) (*instance.Instance, error) {
	if !s.useRedis(ctx) {
		return s.mirror.Get(ctx, key)
	}
	inst, err := s.read(ctx, s.client, key)
	if err != nil {
		if isDomainErr(err) {
			return nil, err
		}
		s.markDown(err)
		return s.mirror.Get(ctx, key)
	}
	s.mirror.Put(inst)
	return inst, nil
}

// Transition validates against the stored state and writes state, context
// and lastUpdated in one optimistic transaction.
func (s *RedisInstanceStore) Transition(ctx context.Context, key instance.Key, to instance.State, c instance.Context) error {
	if !s.useRedis(ctx) {
		s.markDirty(key)
		return s.mirror.Transition(ctx, key, to, c)
	}

	var next *instance.Instance
	txf := func(tx *redis.Tx) error {
		cur, err := s.read(ctx, tx, key)
		if err != nil {
			return err
		}
		if err := instance.Validate(cur.State, to, c); err != nil {
			return err
		}
		next = &instance.Instance{Key: key, State: to, Context: instance.CloneContext(c), LastUpdated: s.now()}
		if to != instance.Idle {
			next.Resilience = cur.Resilience
		}
		return s.write(ctx, tx, next)
	}

	var err error
	for i := 0; i < transitionRetries; i++ {
		err = s.client.Watch(ctx, txf, instanceKey(key))
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	switch {
	case err == nil:
		s.mirror.Put(next)
		return nil
	case isDomainErr(err):
		return err
	case errors.Is(err, redis.TxFailedErr):
		return fmt.Errorf("transition %s: concurrent update: %w", key, err)
	default:
		s.markDown(err)
		s.markDirty(key)
		return s.mirror.Transition(ctx, key, to, c)
	}
}

// MergeFields updates resilience fields without touching state or context
func (s *RedisInstanceStore) MergeFields(ctx context.Context, key instance.Key, f instance.Fields) error {
	if !s.useRedis(ctx) {
		s.markDirty(key)
		return s.mirror.MergeFields(ctx, key, f)
	}

	var next *instance.Instance
	txf := func(tx *redis.Tx) error {
		cur, err := s.read(ctx, tx, key)
		if err != nil {
			return err
		}
		if cur.LastUpdated.IsZero() {
			cur.LastUpdated = s.now()
		}
		f.Apply(&cur.Resilience)
		next = cur
		return s.write(ctx, tx, cur)
	}

	var err error
	for i := 0; i < transitionRetries; i++ {
		err = s.client.Watch(ctx, txf, instanceKey(key))
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		if isDomainErr(err) {
			return err
		}
		s.markDown(err)
		s.markDirty(key)
		return s.mirror.MergeFields(ctx, key, f)
	}
	s.mirror.Put(next)
	return nil
}

// List returns the stored instances of a strategy sorted by instrument
func (s *RedisInstanceStore) List(ctx context.Context, strategyID int64) ([]*instance.Instance, error) {
	if !s.useRedis(ctx) {
		return s.mirror.List(ctx, strategyID)
	}
	members, err := s.client.SMembers(ctx, instanceSetKey(strategyID)).Result()
	if err != nil {
		s.markDown(err)
		return s.mirror.List(ctx, strategyID)
	}
	out := make([]*instance.Instance, 0, len(members))
	for _, inst := range members {
		got, err := s.read(ctx, s.client, instance.Key{StrategyID: strategyID, Instrument: inst})
		if err != nil {
			if isDomainErr(err) {
				s.logger.Error().Err(err).Str("instrument", inst).Msg("Skipping undecodable instance")
				continue
			}
			s.markDown(err)
			return s.mirror.List(ctx, strategyID)
		}
		s.mirror.Put(got)
		out = append(out, got)
	}
	sortInstances(out)
	return out, nil
}

func (s *RedisInstanceStore) SaveStrategyFlags(ctx context.Context, strategyID int64, flags instance.StrategyFlags) error {
	if err := s.mirror.SaveStrategyFlags(ctx, strategyID, flags); err != nil {
		return err
	}
	if !s.useRedis(ctx) {
		s.dirtyMu.Lock()
		s.dirtyFlags[strategyID] = true
		s.dirtyMu.Unlock()
		return nil
	}
	if err := s.writeFlags(ctx, strategyID, flags); err != nil {
		s.markDown(err)
		s.dirtyMu.Lock()
		s.dirtyFlags[strategyID] = true
		s.dirtyMu.Unlock()
	}
	return nil
}

func (s *RedisInstanceStore) LoadStrategyFlags(ctx context.Context, strategyID int64) (instance.StrategyFlags, error) {
	if !s.useRedis(ctx) {
		return s.mirror.LoadStrategyFlags(ctx, strategyID)
	}
	raw, err := s.client.Get(ctx, flagsKey(strategyID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return instance.StrategyFlags{}, nil
	}
	if err != nil {
		s.markDown(err)
		return s.mirror.LoadStrategyFlags(ctx, strategyID)
	}
	var flags instance.StrategyFlags
	if err := json.Unmarshal(raw, &flags); err != nil {
		return instance.StrategyFlags{}, fmt.Errorf("decode flags of strategy %d: %w", strategyID, err)
	}
	_ = s.mirror.SaveStrategyFlags(ctx, strategyID, flags)
	return flags, nil
}

func (s *RedisInstanceStore) writeFlags(ctx context.Context, strategyID int64, flags instance.StrategyFlags) error {
	raw, err := json.Marshal(flags)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, flagsKey(strategyID), raw, 0).Err()
}

// read loads one instance through a plain client or a watched transaction
func (s *RedisInstanceStore) read(ctx context.Context, c reader, key instance.Key) (*instance.Instance, error) {
	raw, err := c.Get(ctx, instanceKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return &instance.Instance{Key: key, State: instance.Idle}, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeInstance(key, raw)
}

// write stores an instance and its set membership. IDLE instances without
// resilience fields are deleted.
func (s *RedisInstanceStore) write(ctx context.Context, c writer, inst *instance.Instance) error {
	k := instanceKey(inst.Key)
	set := instanceSetKey(inst.Key.StrategyID)
	if inst.State == instance.Idle && inst.Resilience == (instance.Resilience{}) {
		pipe := c.TxPipeline()
		pipe.Del(ctx, k)
		pipe.SRem(ctx, set, inst.Key.Instrument)
		_, err := pipe.Exec(ctx)
		return err
	}
	raw, err := encodeInstance(inst)
	if err != nil {
		return err
	}
	pipe := c.TxPipeline()
	pipe.Set(ctx, k, raw, 0)
	pipe.SAdd(ctx, set, inst.Key.Instrument)
	_, err = pipe.Exec(ctx)
	return err
}

// codecError marks decode failures so they are not mistaken for an outage
type codecError struct{ err error }

func (e codecError) Error() string { return e.err.Error() }
func (e codecError) Unwrap() error { return e.err }

func isDomainErr(err error) bool {
	var ce codecError
	return errors.As(err, &ce) ||
		errors.Is(err, instance.ErrInvalidTransition) ||
		errors.Is(err, instance.ErrContextMismatch)
}

func encodeInstance(inst *instance.Instance) ([]byte, error) {
	ctxRaw, err := instance.EncodeContext(inst.Context)
	if err != nil {
		return nil, codecError{fmt.Errorf("encode %s: %w", inst.Key, err)}
	}
	return json.Marshal(instanceRecord{
		State:       inst.State,
		Context:     ctxRaw,
		LastUpdated: inst.LastUpdated,
		Resilience:  inst.Resilience,
	})
}

func decodeInstance(key instance.Key, raw []byte) (*instance.Instance, error) {
	var rec instanceRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, codecError{fmt.Errorf("decode %s: %w", key, err)}
	}
	c, err := instance.DecodeContext(rec.State, rec.Context)
	if err != nil {
		return nil, codecError{fmt.Errorf("decode %s: %w", key, err)}
	}
	return &instance.Instance{
		Key:         key,
		State:       rec.State,
		Context:     c,
		LastUpdated: rec.LastUpdated,
		Resilience:  rec.Resilience,
	}, nil
}

func sortInstances(list []*instance.Instance) {
	sort.Slice(list, func(i, j int) bool { return list[i].Key.Instrument < list[j].Key.Instrument })
}
