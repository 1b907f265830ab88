// Package cache wraps the Redis client shared by the engine. It carries the
// daily client-order-id sequence and the submission dedup keys, and reports
// itself unhealthy after repeated failures so callers can fall back.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"quant-trading-engine/config"
)

// Key prefixes
const (
	PrefixSequence = "qte:sequence:%s:%s" // scope, date
	PrefixDedup    = "qte:%s"

	// Sequences outlive the trading day so late fills still resolve.
	sequenceTTL = 48 * time.Hour
)

var ErrUnavailable = errors.New("redis unavailable")

// Service is a Redis-backed cache with a simple health breaker
type Service struct {
	client *redis.Client

	mu            sync.RWMutex
	healthy       bool
	failureCount  int
	maxFailures   int
	lastCheck     time.Time
	checkInterval time.Duration

	// dedup keys held while Redis is down
	localMu sync.Mutex
	local   map[string]time.Time

	logger zerolog.Logger
}

// New connects to Redis. A failed ping leaves the service in degraded mode
// rather than failing startup.
func New(cfg config.RedisConfig, logger zerolog.Logger) *Service {
	log := logger.With().Str("component", "cache").Logger()
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     poolSize,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	s := NewWithClient(client, log)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Str("address", cfg.Address).Msg("Redis unreachable, cache degraded")
		s.mu.Lock()
		s.healthy = false
		s.failureCount = s.maxFailures
		s.lastCheck = time.Now()
		s.mu.Unlock()
	} else {
		log.Info().Str("address", cfg.Address).Int("db", cfg.DB).Msg("Connected to Redis")
	}
	return s
}

// NewWithClient wraps an existing client. A nil client yields a service
// that is permanently unavailable.
func NewWithClient(client *redis.Client, logger zerolog.Logger) *Service {
	return &Service{
		client:        client,
		healthy:       client != nil,
		maxFailures:   3,
		checkInterval: 30 * time.Second,
		local:         make(map[string]time.Time),
		logger:        logger,
	}
}

// IsHealthy reports whether calls currently reach Redis
func (s *Service) IsHealthy() bool {
	if s == nil || s.client == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthy
}

func (s *Service) recordFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureCount++
	if s.failureCount >= s.maxFailures && s.healthy {
		s.healthy = false
		s.lastCheck = time.Now()
		s.logger.Error().Err(err).Int("failures", s.failureCount).Msg("Redis marked unhealthy")
	}
}

func (s *Service) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.healthy {
		s.logger.Info().Msg("Redis recovered")
	}
	s.failureCount = 0
	s.healthy = true
}

// ready returns nil when a call may be attempted. An unhealthy service
// re-pings at most once per check interval.
func (s *Service) ready(ctx context.Context) error {
	if s == nil || s.client == nil {
		return ErrUnavailable
	}
	s.mu.RLock()
	healthy := s.healthy
	due := time.Since(s.lastCheck) >= s.checkInterval
	s.mu.RUnlock()
	if healthy {
		return nil
	}
	if !due {
		return ErrUnavailable
	}

	s.mu.Lock()
	s.lastCheck = time.Now()
	s.mu.Unlock()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.recordSuccess()
	return nil
}

// track feeds the health breaker; redis.Nil is a normal miss
func (s *Service) track(err error) error {
	if err != nil && !errors.Is(err, redis.Nil) {
		s.recordFailure(err)
		return err
	}
	s.recordSuccess()
	return err
}

// Client exposes the raw client for stores that need pipelines
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// Ping checks connectivity
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return ErrUnavailable
	}
	return s.track(s.client.Ping(ctx).Err())
}

// Close closes the client
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// IncrementDailySequence returns the next order sequence of a scope for one
// trading day. The key expires two days after its first use.
func (s *Service) IncrementDailySequence(ctx context.Context, scope, dateKey string) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	key := SequenceKey(scope, dateKey)
	n, err := s.client.Incr(ctx, key).Result()
	if s.track(err) != nil {
		return 0, fmt.Errorf("increment %s: %w", key, err)
	}
	if n == 1 {
		if err := s.client.Expire(ctx, key, sequenceTTL).Err(); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("Failed to set sequence expiry")
		}
	}
	return n, nil
}

// Acquire sets a dedup key if absent. False means a fresh submission for the
// same key already exists. While Redis is down keys are held in process.
func (s *Service) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return s.acquireLocal(key, ttl), nil
	}
	ok, err := s.client.SetNX(ctx, fmt.Sprintf(PrefixDedup, key), time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if s.track(err) != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("Dedup via Redis failed, holding key locally")
		return s.acquireLocal(key, ttl), nil
	}
	return ok, nil
}

// Release removes a dedup key
func (s *Service) Release(ctx context.Context, key string) error {
	s.releaseLocal(key)
	if err := s.ready(ctx); err != nil {
		return nil
	}
	if err := s.track(s.client.Del(ctx, fmt.Sprintf(PrefixDedup, key)).Err()); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}

func (s *Service) acquireLocal(key string, ttl time.Duration) bool {
	s.localMu.Lock()
	defer s.localMu.Unlock()
	now := time.Now()
	if exp, ok := s.local[key]; ok && now.Before(exp) {
		return false
	}
	s.local[key] = now.Add(ttl)
	return true
}

func (s *Service) releaseLocal(key string) {
	s.localMu.Lock()
	defer s.localMu.Unlock()
	delete(s.local, key)
}

// Stats is the health view exposed to operators
type Stats struct {
	Healthy      bool   `json:"healthy"`
	FailureCount int    `json:"failure_count"`
	TotalConns   uint32 `json:"total_conns,omitempty"`
	IdleConns    uint32 `json:"idle_conns,omitempty"`
}

// Stats returns connection pool and health counters
func (s *Service) Stats() Stats {
	if s == nil || s.client == nil {
		return Stats{}
	}
	s.mu.RLock()
	st := Stats{Healthy: s.healthy, FailureCount: s.failureCount}
	s.mu.RUnlock()
	pool := s.client.PoolStats()
	st.TotalConns = pool.TotalConns
	st.IdleConns = pool.IdleConns
	return st
}

// SequenceKey is the key of one daily sequence
func SequenceKey(scope, dateKey string) string {
	return fmt.Sprintf(PrefixSequence, scope, dateKey)
}
