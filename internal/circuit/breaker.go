// Package circuit stops calling a failing chain RPC endpoint for a cooldown
// so balance reads fall back to cached values immediately instead of
// waiting out every fetch timeout.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"continuity-engine/internal/chain"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrOpen is returned without calling the endpoint while the breaker is open.
var ErrOpen = errors.New("circuit breaker open")

// BreakerState represents the circuit breaker state
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// Config holds circuit breaker configuration
type Config struct {
	// MaxConsecutiveFailures trips the breaker. Zero disables it.
	MaxConsecutiveFailures int
	Cooldown               time.Duration
}

// DefaultConfig returns safe defaults
func DefaultConfig() Config {
	return Config{
		MaxConsecutiveFailures: 5,
		Cooldown:               30 * time.Second,
	}
}

// Status is a point-in-time view of the breaker.
type Status struct {
	State               BreakerState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	TripReason          string       `json:"trip_reason,omitempty"`
	LastTripTime        time.Time    `json:"last_trip_time,omitempty"`
	Trips               int64        `json:"trips"`
}

// Breaker tracks consecutive failures. After MaxConsecutiveFailures it opens
// for Cooldown, then lets a single probe through; the probe's outcome closes
// or re-opens it.
type Breaker struct {
	config Config
	now    func() time.Time

	mu                  sync.Mutex
	state               BreakerState
	consecutiveFailures int
	lastTripTime        time.Time
	tripReason          string
	probing             bool
	trips               int64
	onTrip              func(reason string)
	onReset             func()
}

// NewBreaker creates a new circuit breaker
func NewBreaker(cfg Config) *Breaker {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	return &Breaker{config: cfg, now: time.Now, state: StateClosed}
}

// SetClock replaces the time source. Intended for tests.
func (b *Breaker) SetClock(now func() time.Time) {
	b.now = now
}

// OnTrip sets callback for when breaker trips
func (b *Breaker) OnTrip(handler func(reason string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTrip = handler
}

// OnReset sets callback for when breaker closes again
func (b *Breaker) OnReset(handler func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onReset = handler
}

// Allow reports whether a call may proceed. In half-open state only one
// probe is admitted at a time.
func (b *Breaker) Allow() error {
	if b.config.MaxConsecutiveFailures <= 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		elapsed := b.now().Sub(b.lastTripTime)
		if elapsed < b.config.Cooldown {
			return fmt.Errorf("%w: cooldown remaining %v (reason: %s)",
				ErrOpen, (b.config.Cooldown - elapsed).Round(time.Second), b.tripReason)
		}
		b.state = StateHalfOpen
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return fmt.Errorf("%w: recovery probe in flight", ErrOpen)
		}
		b.probing = true
	}
	return nil
}

// Record reports the outcome of an admitted call.
func (b *Breaker) Record(err error) {
	if b.config.MaxConsecutiveFailures <= 0 {
		return
	}

	b.mu.Lock()
	var tripped, reset func()

	if err == nil {
		b.consecutiveFailures = 0
		if b.state == StateHalfOpen {
			b.state = StateClosed
			b.tripReason = ""
			if b.onReset != nil {
				reset = b.onReset
			}
		}
		b.probing = false
		b.mu.Unlock()
		if reset != nil {
			reset()
		}
		return
	}

	b.consecutiveFailures++
	halfOpen := b.state == StateHalfOpen
	if halfOpen || b.consecutiveFailures >= b.config.MaxConsecutiveFailures {
		b.state = StateOpen
		b.lastTripTime = b.now()
		b.trips++
		if halfOpen {
			b.tripReason = fmt.Sprintf("recovery probe failed: %v", err)
		} else {
			b.tripReason = fmt.Sprintf("%d consecutive failures, last: %v", b.consecutiveFailures, err)
		}
		if b.onTrip != nil {
			handler, reason := b.onTrip, b.tripReason
			tripped = func() { handler(reason) }
		}
	}
	b.probing = false
	b.mu.Unlock()

	if tripped != nil {
		tripped()
	}
}

// Status returns the current state.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		TripReason:          b.tripReason,
		LastTripTime:        b.lastTripTime,
		Trips:               b.trips,
	}
}

// Reader guards a chain.Reader with a Breaker.
type Reader struct {
	next    chain.Reader
	breaker *Breaker
	logger  zerolog.Logger
}

// NewReader wraps next. Trips and recoveries are logged.
func NewReader(next chain.Reader, breaker *Breaker, logger zerolog.Logger) *Reader {
	return &Reader{
		next:    next,
		breaker: breaker,
		logger:  logger.With().Str("component", "ChainBreaker").Logger(),
	}
}

// Breaker exposes the underlying breaker for status reporting.
func (r *Reader) Breaker() *Breaker {
	return r.breaker
}

func (r *Reader) ReadBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	if err := r.breaker.Allow(); err != nil {
		return decimal.Zero, err
	}
	bal, err := r.next.ReadBalance(ctx, address)
	r.record(ctx, err)
	return bal, err
}

func (r *Reader) GetReceipt(ctx context.Context, hash string) (*chain.Receipt, error) {
	if err := r.breaker.Allow(); err != nil {
		return nil, err
	}
	receipt, err := r.next.GetReceipt(ctx, hash)
	r.record(ctx, err)
	return receipt, err
}

func (r *Reader) LatestBlockNumber(ctx context.Context) (uint64, error) {
	if err := r.breaker.Allow(); err != nil {
		return 0, err
	}
	n, err := r.next.LatestBlockNumber(ctx)
	r.record(ctx, err)
	return n, err
}

// record ignores failures caused by the caller giving up, and releases the
// half-open probe slot for them.
func (r *Reader) record(ctx context.Context, err error) {
	// neither caller cancellation nor local throttling says anything about
	// the endpoint
	if err != nil && (errors.Is(err, chain.ErrThrottled) || (errors.Is(err, context.Canceled) && ctx.Err() != nil)) {
		r.breaker.mu.Lock()
		r.breaker.probing = false
		r.breaker.mu.Unlock()
		return
	}

	before := r.breaker.Status().State
	r.breaker.Record(err)
	after := r.breaker.Status()

	switch {
	case after.State == StateOpen && before != StateOpen:
		r.logger.Warn().
			Str("reason", after.TripReason).
			Int64("trips", after.Trips).
			Msg("Chain RPC circuit opened")
	case after.State == StateClosed && before == StateHalfOpen:
		r.logger.Info().Msg("Chain RPC circuit closed")
	}
}
