// Package oracle serves wallet balances to the engine. Reads are cached per
// address, chain fetches are time-boxed, and failures degrade to a stale
// value or to an explicit unknown reading instead of an error.
package oracle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"continuity-engine/internal/cache"
	"continuity-engine/internal/chain"
	"continuity-engine/internal/metrics"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// Source tells where a reading came from.
type Source string

const (
	SourceCache       Source = "cache"
	SourceSharedCache Source = "shared_cache"
	SourceChain       Source = "chain"
	SourceStale       Source = "stale"
	SourceUnknown     Source = "unknown"
)

// Reading is the oracle's answer for one address. When Known is false the
// amount is zero and must not be treated as compliant.
type Reading struct {
	Address   string          `json:"address"`
	Amount    decimal.Decimal `json:"amount"`
	Known     bool            `json:"known"`
	Stale     bool            `json:"stale"`
	FetchedAt time.Time       `json:"fetched_at,omitempty"`
	Source    Source          `json:"source"`
}

// RemoteCache is a shared cache visible to every engine instance.
type RemoteCache interface {
	GetJSON(ctx context.Context, key string, dest interface{}) error
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// Config holds the cache windows.
type Config struct {
	TTL          time.Duration
	FetchTimeout time.Duration
	StaleBound   time.Duration
}

// DefaultConfig returns a 60s TTL, 10s fetch timeout and a 5x TTL stale bound.
func DefaultConfig() Config {
	return Config{
		TTL:          60 * time.Second,
		FetchTimeout: 10 * time.Second,
		StaleBound:   5 * 60 * time.Second,
	}
}

type snapshot struct {
	Amount    decimal.Decimal `json:"amount"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Stats counts reads by outcome since start.
type Stats struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	StaleServed int64 `json:"stale_served"`
	Unknown     int64 `json:"unknown"`
	FetchErrors int64 `json:"fetch_errors"`
	Entries     int   `json:"entries"`
}

// Oracle is safe for concurrent use.
type Oracle struct {
	reader  chain.Reader
	cfg     Config
	remote  RemoteCache
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time

	mu      sync.RWMutex
	entries map[string]snapshot
	group   singleflight.Group

	hits, misses, stale, unknown, fetchErrors atomic.Int64
}

// New creates an Oracle. remote and m may be nil.
func New(reader chain.Reader, cfg Config, remote RemoteCache, m *metrics.Metrics, logger zerolog.Logger) *Oracle {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	if cfg.StaleBound < cfg.TTL {
		cfg.StaleBound = 5 * cfg.TTL
	}
	return &Oracle{
		reader:  reader,
		cfg:     cfg,
		remote:  remote,
		metrics: m,
		logger:  logger.With().Str("component", "BalanceOracle").Logger(),
		now:     time.Now,
		entries: make(map[string]snapshot),
	}
}

// SetClock replaces the time source. Intended for tests.
func (o *Oracle) SetClock(now func() time.Time) {
	o.now = now
}

// GetBalance never returns an error. A failed read falls back to the last
// snapshot within StaleBound, otherwise to an unknown reading.
func (o *Oracle) GetBalance(ctx context.Context, address string) Reading {
	addr, err := chain.NormalizeAddress(address)
	if err != nil {
		o.logger.Warn().Str("address", address).Msg("Rejecting balance read for invalid address")
		return o.unknownReading(address)
	}

	if snap, ok := o.local(addr); ok && o.now().Sub(snap.FetchedAt) < o.cfg.TTL {
		o.hits.Add(1)
		o.metrics.ObserveOracleRead("hit")
		return Reading{Address: addr, Amount: snap.Amount, Known: true, FetchedAt: snap.FetchedAt, Source: SourceCache}
	}

	v, _, _ := o.group.Do(addr, func() (interface{}, error) {
		return o.fetch(ctx, addr), nil
	})
	return v.(Reading)
}

// fetch runs once per address at a time. Cancellation of the caller does not
// abort a shared fetch; only FetchTimeout bounds it.
func (o *Oracle) fetch(ctx context.Context, addr string) Reading {
	// Another flight may have refreshed the entry while this one queued.
	if snap, ok := o.local(addr); ok && o.now().Sub(snap.FetchedAt) < o.cfg.TTL {
		o.hits.Add(1)
		o.metrics.ObserveOracleRead("hit")
		return Reading{Address: addr, Amount: snap.Amount, Known: true, FetchedAt: snap.FetchedAt, Source: SourceCache}
	}

	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.FetchTimeout)
	defer cancel()

	if shared, ok := o.shared(fetchCtx, addr); ok {
		o.store(addr, shared)
		if o.now().Sub(shared.FetchedAt) < o.cfg.TTL {
			o.hits.Add(1)
			o.metrics.ObserveOracleRead("shared_hit")
			return Reading{Address: addr, Amount: shared.Amount, Known: true, FetchedAt: shared.FetchedAt, Source: SourceSharedCache}
		}
	}

	o.misses.Add(1)
	o.metrics.ObserveOracleRead("miss")

	started := time.Now()
	amount, err := o.reader.ReadBalance(fetchCtx, addr)
	o.metrics.ObserveOracleFetch(time.Since(started))

	if err == nil {
		snap := snapshot{Amount: amount, FetchedAt: o.now()}
		o.store(addr, snap)
		o.publish(fetchCtx, addr, snap)
		return Reading{Address: addr, Amount: amount, Known: true, FetchedAt: snap.FetchedAt, Source: SourceChain}
	}

	o.fetchErrors.Add(1)
	timedOut := errors.Is(err, context.DeadlineExceeded)

	if snap, ok := o.local(addr); ok {
		age := o.now().Sub(snap.FetchedAt)
		if age <= o.cfg.StaleBound {
			o.stale.Add(1)
			o.metrics.ObserveOracleRead("stale")
			o.logger.Warn().Err(err).
				Str("address", addr).
				Bool("timeout", timedOut).
				Dur("age", age).
				Msg("Balance read failed, serving stale value")
			return Reading{Address: addr, Amount: snap.Amount, Known: true, Stale: true, FetchedAt: snap.FetchedAt, Source: SourceStale}
		}
	}

	o.logger.Error().Err(err).
		Str("address", addr).
		Bool("timeout", timedOut).
		Msg("Balance read failed with no usable cached value")
	return o.unknownReading(addr)
}

func (o *Oracle) unknownReading(addr string) Reading {
	o.unknown.Add(1)
	o.metrics.ObserveOracleRead("unknown")
	return Reading{Address: addr, Amount: decimal.Zero, Source: SourceUnknown}
}

func (o *Oracle) local(addr string) (snapshot, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	snap, ok := o.entries[addr]
	return snap, ok
}

// store keeps the newest snapshot for addr.
func (o *Oracle) store(addr string, snap snapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cur, ok := o.entries[addr]; ok && cur.FetchedAt.After(snap.FetchedAt) {
		return
	}
	o.entries[addr] = snap
}

func (o *Oracle) shared(ctx context.Context, addr string) (snapshot, bool) {
	if o.remote == nil {
		return snapshot{}, false
	}
	var snap snapshot
	if err := o.remote.GetJSON(ctx, cache.BalanceKey(addr), &snap); err != nil {
		if !errors.Is(err, cache.ErrMiss) && !errors.Is(err, cache.ErrUnavailable) {
			o.logger.Debug().Err(err).Str("address", addr).Msg("Shared balance cache read failed")
		}
		return snapshot{}, false
	}
	return snap, true
}

func (o *Oracle) publish(ctx context.Context, addr string, snap snapshot) {
	if o.remote == nil {
		return
	}
	if err := o.remote.SetJSON(ctx, cache.BalanceKey(addr), snap, o.cfg.StaleBound); err != nil && !errors.Is(err, cache.ErrUnavailable) {
		o.logger.Debug().Err(err).Str("address", addr).Msg("Shared balance cache write failed")
	}
}

// Invalidate drops the cached snapshot so the next read goes to the chain.
func (o *Oracle) Invalidate(address string) {
	addr, err := chain.NormalizeAddress(address)
	if err != nil {
		return
	}
	o.mu.Lock()
	delete(o.entries, addr)
	o.mu.Unlock()
}

// Stats returns cumulative counters.
func (o *Oracle) Stats() Stats {
	o.mu.RLock()
	n := len(o.entries)
	o.mu.RUnlock()
	return Stats{
		Hits:        o.hits.Load(),
		Misses:      o.misses.Load(),
		StaleServed: o.stale.Load(),
		Unknown:     o.unknown.Load(),
		FetchErrors: o.fetchErrors.Load(),
		Entries:     n,
	}
}
