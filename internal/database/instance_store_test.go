package database

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quant-trading-engine/internal/instance"
)

func holding() *instance.HoldingContext {
	return &instance.HoldingContext{Envelope: instance.Envelope{
		Direction:  instance.DirLong,
		EntryPrice: 100,
		Quantity:   10,
		StopLoss:   95,
		TakeProfit: 110,
	}}
}

func opening() *instance.OpeningContext {
	return &instance.OpeningContext{Envelope: instance.Envelope{
		Direction:  instance.DirLong,
		EntryPrice: 100,
		Quantity:   10,
		StopLoss:   95,
		TakeProfit: 110,
	}}
}

// exerciseStore runs the same lifecycle against any backing
func exerciseStore(t *testing.T, s *RedisInstanceStore, strategyID int64) {
	t.Helper()
	ctx := context.Background()
	key := instance.Key{StrategyID: strategyID, Instrument: "AAPL.US"}

	inst, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, instance.Idle, inst.State)

	err = s.Transition(ctx, key, instance.Holding, holding())
	assert.ErrorIs(t, err, instance.ErrInvalidTransition)

	require.NoError(t, s.Transition(ctx, key, instance.Opening, opening()))
	require.NoError(t, s.Transition(ctx, key, instance.Holding, holding()))
	require.NoError(t, s.MergeFields(ctx, key, instance.Fields{ProtectionOrderID: instance.String("p-1")}))

	inst, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, instance.Holding, inst.State)
	assert.Equal(t, "p-1", inst.Resilience.ProtectionOrderID)
	hc, ok := inst.Holding()
	require.True(t, ok)
	assert.Equal(t, 95.0, hc.StopLoss)

	other := instance.Key{StrategyID: strategyID, Instrument: "MSFT.US"}
	require.NoError(t, s.Transition(ctx, other, instance.Opening, opening()))
	list, err := s.List(ctx, strategyID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "AAPL.US", list[0].Key.Instrument)
	assert.Equal(t, "MSFT.US", list[1].Key.Instrument)

	require.NoError(t, s.Transition(ctx, key, instance.Closing, hc.Close("TAKE_PROFIT", "o-1", "c-1", 110, time.Now())))
	require.NoError(t, s.Transition(ctx, key, instance.Idle, nil))
	inst, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, instance.Idle, inst.State)
	assert.Empty(t, inst.Resilience.ProtectionOrderID)

	flags := instance.StrategyFlags{CircuitBreakerActive: true, TripReason: "loss limit", ConsecutiveLosses: 3}
	require.NoError(t, s.SaveStrategyFlags(ctx, strategyID, flags))
	got, err := s.LoadStrategyFlags(ctx, strategyID)
	require.NoError(t, err)
	assert.Equal(t, flags.TripReason, got.TripReason)
	assert.Equal(t, 3, got.ConsecutiveLosses)
}

func TestInstanceStoreWithoutRedis(t *testing.T) {
	s := NewRedisInstanceStore(nil, zerolog.Nop())
	assert.False(t, s.Available())
	exerciseStore(t, s, 1)
}

func TestInstanceStoreFallsBackWhenRedisFails(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	s := NewRedisInstanceStore(client, zerolog.Nop())
	require.False(t, s.Available())

	// Pretend the server was up so the first write hits the error path
	s.available.Store(true)
	ctx := context.Background()
	key := instance.Key{StrategyID: 1, Instrument: "AAPL.US"}
	require.NoError(t, s.Transition(ctx, key, instance.Opening, opening()))
	assert.False(t, s.Available())

	inst, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, instance.Opening, inst.State)

	s.dirtyMu.Lock()
	assert.True(t, s.dirty[key])
	s.dirtyMu.Unlock()
}

func TestInstanceRecordCodec(t *testing.T) {
	key := instance.Key{StrategyID: 3, Instrument: "SPY260116C00590000.US"}
	in := &instance.Instance{
		Key:         key,
		State:       instance.Holding,
		Context:     holding(),
		LastUpdated: time.Date(2026, 1, 15, 15, 0, 0, 0, time.UTC),
		Resilience:  instance.Resilience{ProtectionOrderID: "p-9", EmergencyStopLoss: 90},
	}
	raw, err := encodeInstance(in)
	require.NoError(t, err)

	out, err := decodeInstance(key, raw)
	require.NoError(t, err)
	assert.Equal(t, instance.Holding, out.State)
	assert.True(t, in.LastUpdated.Equal(out.LastUpdated))
	assert.Equal(t, in.Resilience, out.Resilience)
	_, ok := out.Holding()
	assert.True(t, ok)

	_, err = decodeInstance(key, []byte(`{"state":"HOLDING"}`))
	assert.True(t, isDomainErr(err))
	_, err = decodeInstance(key, []byte(`not json`))
	assert.True(t, isDomainErr(err))
}

func TestInstanceKeys(t *testing.T) {
	key := instance.Key{StrategyID: 7, Instrument: "AAPL.US"}
	assert.Equal(t, "qte:instance:7:AAPL.US", instanceKey(key))
	assert.Equal(t, "qte:instances:7", instanceSetKey(7))
	assert.Equal(t, "qte:flags:7", flagsKey(7))
}

// Runs against a real server when QTE_TEST_REDIS_ADDR is set
func TestInstanceStoreRedisIntegration(t *testing.T) {
	addr := os.Getenv("QTE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("QTE_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	defer client.Close()
	ctx := context.Background()
	require.NoError(t, client.FlushDB(ctx).Err())

	s := NewRedisInstanceStore(client, zerolog.Nop())
	require.True(t, s.Available())
	exerciseStore(t, s, 42)

	members, err := client.SMembers(ctx, instanceSetKey(42)).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"MSFT.US"}, members)
}
