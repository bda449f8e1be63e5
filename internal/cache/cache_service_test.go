package cache

import (
	"context"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func newTestService() *CacheService {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	return NewCacheServiceWithClient(client, zerolog.Nop())
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cs := newTestService()
	defer cs.Close()

	for i := 0; i < cs.maxFailures-1; i++ {
		cs.recordFailure()
	}
	if !cs.IsHealthy() {
		t.Fatal("Breaker opened before reaching max failures")
	}

	cs.recordFailure()
	if cs.IsHealthy() {
		t.Fatal("Expected breaker to open")
	}

	var dest map[string]string
	if err := cs.GetJSON(context.Background(), BalanceKey("0xabc"), &dest); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable while open, got %v", err)
	}
	if _, err := cs.TryLock(context.Background(), EvalLockKey("sub-1"), 0); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable for lock while open, got %v", err)
	}

	cs.recordSuccess()
	stats := cs.GetStats()
	if !stats.Healthy || stats.FailureCount != 0 {
		t.Errorf("Expected breaker reset, got %+v", stats)
	}
}

func TestUnlock_EmptyTokenIsNoop(t *testing.T) {
	cs := newTestService()
	defer cs.Close()

	if err := cs.Unlock(context.Background(), EvalLockKey("sub-1"), ""); err != nil {
		t.Errorf("Expected nil for empty token, got %v", err)
	}
}

func TestKeys(t *testing.T) {
	if got := BalanceKey("0xabc"); got != "balance:0xabc" {
		t.Errorf("Unexpected balance key %s", got)
	}
	if got := EvalLockKey("sub-1"); got != "lock:evaluate:sub-1" {
		t.Errorf("Unexpected lock key %s", got)
	}
}
