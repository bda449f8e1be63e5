// Package cache provides the shared Redis layer: balance snapshots for the
// oracle and short-lived evaluation locks for the engine.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"continuity-engine/config"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Errors returned by the cache service
var (
	ErrUnavailable = errors.New("redis unavailable (circuit breaker open)")
	ErrMiss        = errors.New("cache miss")
)

// Key prefixes for different cache types
const (
	PrefixBalance  = "balance:%s"
	PrefixEvalLock = "lock:evaluate:%s"
)

// unlockScript deletes the lock only when the caller still owns it.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// CacheService wraps a Redis client with a circuit breaker. When Redis is
// unhealthy every call fails fast with ErrUnavailable and callers fall back
// to their in-process state.
type CacheService struct {
	client       redis.UniversalClient
	address      string
	logger       zerolog.Logger
	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	// Circuit breaker settings
	maxFailures   int
	checkInterval time.Duration
}

// NewCacheService creates a new CacheService and verifies connectivity.
// A failed initial ping returns the service in degraded mode, not an error.
func NewCacheService(cfg config.RedisConfig, logger zerolog.Logger) (*CacheService, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled in configuration")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	cs := NewCacheServiceWithClient(client, logger)
	cs.address = cfg.Address

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		cs.logger.Warn().Err(err).Str("address", cfg.Address).Msg("Initial Redis connection failed, running degraded")
		cs.mu.Lock()
		cs.healthy = false
		cs.mu.Unlock()
		return cs, nil
	}

	cs.logger.Info().Str("address", cfg.Address).Msg("Redis connected")
	return cs, nil
}

// NewCacheServiceWithClient wraps an existing client and assumes it is healthy.
func NewCacheServiceWithClient(client redis.UniversalClient, logger zerolog.Logger) *CacheService {
	return &CacheService{
		client:        client,
		logger:        logger.With().Str("component", "CacheService").Logger(),
		healthy:       true,
		lastCheck:     time.Now(),
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}
}

// IsHealthy returns whether Redis is currently available.
func (cs *CacheService) IsHealthy() bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.healthy
}

func (cs *CacheService) recordFailure() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.failureCount++
	if cs.failureCount >= cs.maxFailures {
		if cs.healthy {
			cs.logger.Warn().Int("failures", cs.failureCount).Msg("Circuit breaker OPEN: Redis marked unhealthy")
		}
		cs.healthy = false
	}
}

func (cs *CacheService) recordSuccess() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.healthy {
		cs.logger.Info().Msg("Circuit breaker CLOSED: Redis recovered")
	}
	cs.healthy = true
	cs.failureCount = 0
	cs.lastCheck = time.Now()
}

// checkHealth pings in the background once the breaker has been open long enough.
func (cs *CacheService) checkHealth() {
	cs.mu.Lock()
	shouldCheck := !cs.healthy && time.Since(cs.lastCheck) >= cs.checkInterval
	if shouldCheck {
		cs.lastCheck = time.Now()
	}
	cs.mu.Unlock()

	if !shouldCheck {
		return
	}

	go func() {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := cs.client.Ping(pingCtx).Err(); err == nil {
			cs.recordSuccess()
		}
	}()
}

func (cs *CacheService) ready() error {
	cs.checkHealth()
	if !cs.IsHealthy() {
		return ErrUnavailable
	}
	return nil
}

// GetJSON retrieves and unmarshals a JSON value. A missing key returns ErrMiss.
func (cs *CacheService) GetJSON(ctx context.Context, key string, dest interface{}) error {
	if err := cs.ready(); err != nil {
		return err
	}

	data, err := cs.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			cs.recordSuccess()
			return ErrMiss
		}
		cs.recordFailure()
		return fmt.Errorf("redis get failed: %w", err)
	}
	cs.recordSuccess()

	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal cached value: %w", err)
	}
	return nil
}

// SetJSON marshals and stores a JSON value with TTL.
func (cs *CacheService) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if err := cs.ready(); err != nil {
		return err
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	if err := cs.client.Set(ctx, key, data, ttl).Err(); err != nil {
		cs.recordFailure()
		return fmt.Errorf("redis set failed: %w", err)
	}

	cs.recordSuccess()
	return nil
}

// Delete removes a key from cache.
func (cs *CacheService) Delete(ctx context.Context, key string) error {
	if err := cs.ready(); err != nil {
		return err
	}

	if err := cs.client.Del(ctx, key).Err(); err != nil {
		cs.recordFailure()
		return fmt.Errorf("redis delete failed: %w", err)
	}

	cs.recordSuccess()
	return nil
}

// TryLock acquires key for ttl with SET NX PX. It returns the owner token on
// success and an empty token when another holder has the lock.
func (cs *CacheService) TryLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := cs.ready(); err != nil {
		return "", err
	}

	token := uuid.NewString()
	ok, err := cs.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		cs.recordFailure()
		return "", fmt.Errorf("redis setnx failed: %w", err)
	}
	cs.recordSuccess()

	if !ok {
		return "", nil
	}
	return token, nil
}

// Unlock releases key if token still owns it.
func (cs *CacheService) Unlock(ctx context.Context, key, token string) error {
	if token == "" {
		return nil
	}
	if err := cs.ready(); err != nil {
		return err
	}

	if err := unlockScript.Run(ctx, cs.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		cs.recordFailure()
		return fmt.Errorf("redis unlock failed: %w", err)
	}

	cs.recordSuccess()
	return nil
}

// Close closes the Redis connection.
func (cs *CacheService) Close() error {
	if cs.client != nil {
		return cs.client.Close()
	}
	return nil
}

// Ping checks Redis connectivity.
func (cs *CacheService) Ping(ctx context.Context) error {
	if err := cs.client.Ping(ctx).Err(); err != nil {
		cs.recordFailure()
		return err
	}
	cs.recordSuccess()
	return nil
}

// Stats returns cache statistics for monitoring.
type Stats struct {
	Healthy      bool   `json:"healthy"`
	FailureCount int    `json:"failure_count"`
	Address      string `json:"address"`
}

// GetStats returns current cache statistics.
func (cs *CacheService) GetStats() Stats {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	return Stats{
		Healthy:      cs.healthy,
		FailureCount: cs.failureCount,
		Address:      cs.address,
	}
}

// BalanceKey generates the cache key for a wallet balance snapshot.
func BalanceKey(address string) string {
	return fmt.Sprintf(PrefixBalance, address)
}

// EvalLockKey generates the lock key guarding a subscriber evaluation.
func EvalLockKey(subscriberID string) string {
	return fmt.Sprintf(PrefixEvalLock, subscriberID)
}
