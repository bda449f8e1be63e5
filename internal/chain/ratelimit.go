package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// ErrThrottled is returned when the local request budget cannot admit a call
// before the caller's deadline. The endpoint was never contacted.
var ErrThrottled = errors.New("chain request throttled")

// RateLimitedReader throttles every call to the wrapped Reader so sweeps and
// batch evaluations stay within the RPC provider's request budget.
type RateLimitedReader struct {
	next    Reader
	limiter *rate.Limiter
}

// NewRateLimitedReader allows rps requests per second with the given burst.
// A non-positive rps disables throttling.
func NewRateLimitedReader(next Reader, rps float64, burst int) *RateLimitedReader {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedReader{next: next, limiter: rate.NewLimiter(limit, burst)}
}

func (r *RateLimitedReader) ReadBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	if err := r.wait(ctx); err != nil {
		return decimal.Zero, err
	}
	return r.next.ReadBalance(ctx, address)
}

func (r *RateLimitedReader) GetReceipt(ctx context.Context, hash string) (*Receipt, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.next.GetReceipt(ctx, hash)
}

func (r *RateLimitedReader) LatestBlockNumber(ctx context.Context) (uint64, error) {
	if err := r.wait(ctx); err != nil {
		return 0, err
	}
	return r.next.LatestBlockNumber(ctx)
}

func (r *RateLimitedReader) wait(ctx context.Context) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrThrottled, err)
	}
	return nil
}
