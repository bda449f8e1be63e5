// Package engine runs subscriber evaluations: one balance reading feeds the
// requirement calculator, the accrual engine and the week state machine, and
// the resulting mutations are persisted together.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"continuity-engine/internal/cache"
	"continuity-engine/internal/chain"
	"continuity-engine/internal/continuity"
	"continuity-engine/internal/metrics"
	"continuity-engine/internal/oracle"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// ErrEvaluationInProgress is returned when another instance holds the
// subscriber's evaluation lock.
var ErrEvaluationInProgress = errors.New("evaluation already in progress")

// Store is the subscriber persistence the engine needs.
type Store interface {
	GetSubscriber(ctx context.Context, id string) (*continuity.Subscriber, error)
	GetPlan(ctx context.Context, id string) (*continuity.Plan, error)
	// Persist writes the subscriber and the week records that changed in one
	// transaction.
	Persist(ctx context.Context, sub *continuity.Subscriber, changed []continuity.WeekRecord) error
	ResetSubscription(ctx context.Context, subscriberID string) error
	ListActiveSubscriberIDs(ctx context.Context) ([]string, error)
}

// BalanceSource supplies balance readings. The oracle implements it.
type BalanceSource interface {
	GetBalance(ctx context.Context, address string) oracle.Reading
}

// Locker is a cross-instance lock. The redis cache service implements it.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, error)
	Unlock(ctx context.Context, key, token string) error
}

// Publisher receives evaluation events. The event bus implements it.
type Publisher interface {
	PublishWeekRecorded(subscriberID string, weekNumber int, observed, required string, passed bool)
	PublishPlanCompleted(subscriberID, planID string, accumulatedReward string)
	PublishInsufficientFinalBalance(subscriberID, planID string, weekNumber int, observed, required string)
	PublishRewardAccrued(subscriberID string, days int64, credited, total string)
	PublishBalanceDegraded(subscriberID, address, source string)
}

// Config for an Engine.
type Config struct {
	Concurrency int
	LockTTL     time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency: 8,
		LockTTL:     30 * time.Second,
	}
}

// Evaluation is the result of one subscriber evaluation.
type Evaluation struct {
	SubscriberID      string                    `json:"subscriber_id"`
	PlanID            string                    `json:"plan_id"`
	RequiredBalance   decimal.Decimal           `json:"required_balance"`
	DailyReward       decimal.Decimal           `json:"daily_reward"`
	BotCompliant      bool                      `json:"bot_compliant"`
	WeeklyLedger      []continuity.WeekRecord   `json:"weekly_ledger"`
	AccumulatedReward decimal.Decimal           `json:"accumulated_reward"`
	WeekNumber        int                       `json:"week_number"`
	PenaltyRate       decimal.Decimal           `json:"penalty_rate"`
	Balance           oracle.Reading            `json:"balance"`
	Accrual           continuity.AccrualResult  `json:"accrual"`
	Weeks             continuity.WeekTransition `json:"weeks"`
	PlanCompleted     bool                      `json:"plan_completed"`
	InsufficientFinal bool                      `json:"insufficient_final_balance"`
	EvaluatedAt       time.Time                 `json:"evaluated_at"`
}

// Projection is a hypothetical reward estimate.
type Projection struct {
	PlanID      string          `json:"plan_id"`
	Balance     decimal.Decimal `json:"balance"`
	HorizonDays int             `json:"horizon_days"`
	Rate        decimal.Decimal `json:"rate"`
	Amount      decimal.Decimal `json:"amount"`
}

// BatchResult summarises EvaluateAll.
type BatchResult struct {
	Evaluated int `json:"evaluated"`
	Completed int `json:"completed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Engine evaluates subscribers.
type Engine struct {
	store     Store
	balances  BalanceSource
	locker    Locker
	publisher Publisher
	metrics   *metrics.Metrics
	cfg       Config
	logger    zerolog.Logger

	locks *keyedMutex
	now   func() time.Time
}

// New creates an engine. locker, publisher and m may be nil.
func New(store Store, balances BalanceSource, locker Locker, publisher Publisher, m *metrics.Metrics, cfg Config, logger zerolog.Logger) *Engine {
	defaults := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaults.Concurrency
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaults.LockTTL
	}
	return &Engine{
		store:     store,
		balances:  balances,
		locker:    locker,
		publisher: publisher,
		metrics:   m,
		cfg:       cfg,
		logger:    logger.With().Str("component", "Engine").Logger(),
		locks:     newKeyedMutex(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the engine clock. Used by tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// EvaluateSubscriber reads the subscriber's balance once, credits elapsed
// days, finalizes elapsed weeks and persists the outcome. Evaluations of the
// same subscriber never interleave.
func (e *Engine) EvaluateSubscriber(ctx context.Context, subscriberID string) (*Evaluation, error) {
	started := time.Now()

	unlock, err := e.acquire(ctx, subscriberID)
	if err != nil {
		e.metrics.ObserveEvaluation("busy", time.Since(started))
		return nil, err
	}
	defer unlock()

	eval, result, err := e.evaluate(ctx, subscriberID)
	if err != nil {
		switch {
		case errors.Is(err, continuity.ErrNotSubscribed):
			result = "not_subscribed"
		case errors.Is(err, continuity.ErrSubscriberNotFound):
			result = "not_found"
		default:
			result = "error"
			e.logger.Error().Err(err).Str("subscriber_id", subscriberID).Msg("Evaluation failed")
		}
	}
	e.metrics.ObserveEvaluation(result, time.Since(started))
	return eval, err
}

// acquire takes the in-process lock and, when configured, the shared lock.
// An unreachable redis degrades to in-process locking only.
func (e *Engine) acquire(ctx context.Context, subscriberID string) (func(), error) {
	release := e.locks.Lock(subscriberID)
	if e.locker == nil {
		return release, nil
	}

	key := cache.EvalLockKey(subscriberID)
	token, err := e.locker.TryLock(ctx, key, e.cfg.LockTTL)
	if err != nil {
		e.logger.Warn().Err(err).Str("subscriber_id", subscriberID).Msg("Shared evaluation lock unavailable, using local lock only")
		return release, nil
	}
	if token == "" {
		release()
		return nil, fmt.Errorf("%w: %s", ErrEvaluationInProgress, subscriberID)
	}

	return func() {
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := e.locker.Unlock(unlockCtx, key, token); err != nil {
			e.logger.Warn().Err(err).Str("subscriber_id", subscriberID).Msg("Failed to release evaluation lock")
		}
		release()
	}, nil
}

func (e *Engine) evaluate(ctx context.Context, subscriberID string) (*Evaluation, string, error) {
	sub, err := e.store.GetSubscriber(ctx, subscriberID)
	if err != nil {
		return nil, "", err
	}
	if !sub.IsSubscribed() {
		return nil, "", fmt.Errorf("%w: %s", continuity.ErrNotSubscribed, subscriberID)
	}

	plan, err := e.store.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return nil, "", err
	}
	if err := plan.Validate(); err != nil {
		return nil, "", err
	}
	address, err := chain.NormalizeAddress(sub.WalletAddress)
	if err != nil {
		return nil, "", fmt.Errorf("subscriber %s: %w", subscriberID, err)
	}

	now := e.now()
	start := *sub.SubscriptionStartDate
	reading := e.balances.GetBalance(ctx, address)

	eval := &Evaluation{
		SubscriberID:    sub.ID,
		PlanID:          plan.ID,
		RequiredBalance: continuity.RequiredBalance(plan, start, now),
		DailyReward:     decimal.Zero,
		WeekNumber:      continuity.WeekNumberAt(start, now),
		Balance:         reading,
		EvaluatedAt:     now,
	}
	eval.PenaltyRate = plan.PenaltyRate(eval.WeekNumber)

	log := e.logger.With().
		Str("subscriber_id", sub.ID).
		Str("plan_id", plan.ID).
		Str("address", address).
		Logger()

	if !reading.Known {
		// Nothing is credited or finalized, so the next known reading covers
		// the same interval.
		log.Warn().Str("source", string(reading.Source)).Msg("Balance unknown, evaluation reported non-compliant")
		if e.publisher != nil {
			e.publisher.PublishBalanceDegraded(sub.ID, address, string(reading.Source))
		}
		eval.WeeklyLedger = sub.WeeklyLedger.Sorted()
		eval.AccumulatedReward = sub.AccumulatedReward
		return eval, "degraded", nil
	}

	observed := reading.Amount
	since := *sub.SubscriptionStartDate
	if sub.LastEvaluatedAt != nil {
		since = *sub.LastEvaluatedAt
	}

	eval.DailyReward = continuity.DailyReward(sub, plan, observed, now)
	eval.BotCompliant = continuity.IsCompliant(plan, start, now, observed)

	accrual, err := continuity.Accrue(sub, plan, observed, now)
	if err != nil {
		return nil, "", err
	}
	eval.Accrual = accrual

	// Keep the pre-reset state so a completed plan is first stored with its
	// passing terminal week. A crash before the reset then completes again
	// on the next evaluation.
	beforeReset := *sub
	weeks, err := continuity.AdvanceWeeks(sub, plan, observed, since, now)
	if err != nil {
		return nil, "", err
	}
	eval.Weeks = weeks

	if weeks.PlanCompleted {
		if err := e.store.Persist(ctx, &beforeReset, weeks.Recorded); err != nil {
			return nil, "", fmt.Errorf("failed to persist evaluation: %w", err)
		}
		if err := e.store.ResetSubscription(ctx, sub.ID); err != nil {
			return nil, "", fmt.Errorf("failed to reset subscription: %w", err)
		}
	} else if err := e.store.Persist(ctx, sub, weeks.Recorded); err != nil {
		return nil, "", fmt.Errorf("failed to persist evaluation: %w", err)
	}

	eval.WeeklyLedger = sub.WeeklyLedger.Sorted()
	eval.AccumulatedReward = sub.AccumulatedReward
	eval.PlanCompleted = weeks.PlanCompleted
	eval.InsufficientFinal = weeks.InsufficientFinal

	e.report(log, sub.ID, plan, start, accrual, weeks, observed, sub.AccumulatedReward)

	result := "ok"
	if weeks.PlanCompleted {
		result = "completed"
	}
	return eval, result, nil
}

func (e *Engine) report(log zerolog.Logger, subscriberID string, plan *continuity.Plan, start time.Time,
	accrual continuity.AccrualResult, weeks continuity.WeekTransition, observed, total decimal.Decimal) {

	for _, rec := range weeks.Recorded {
		required := continuity.RequiredBalance(plan, start, continuity.WeekEnd(start, rec.WeekNumber))
		e.metrics.ObserveWeekRecorded(rec.Passed)
		if rec.Passed {
			log.Info().Int("week", rec.WeekNumber).Str("observed", rec.ObservedBalance.String()).Msg("Week passed")
		} else {
			log.Info().Int("week", rec.WeekNumber).
				Str("observed", rec.ObservedBalance.String()).
				Str("required", required.String()).
				Msg("Week failed")
		}
		if e.publisher != nil {
			e.publisher.PublishWeekRecorded(subscriberID, rec.WeekNumber, rec.ObservedBalance.String(), required.String(), rec.Passed)
		}
	}

	if accrual.DaysCredited > 0 && e.publisher != nil {
		e.publisher.PublishRewardAccrued(subscriberID, accrual.DaysCredited, accrual.RewardCredited.String(), total.String())
	}

	switch {
	case weeks.PlanCompleted:
		e.metrics.ObservePlanCompleted()
		log.Info().Str("accumulated_reward", total.String()).Msg("Plan completed, subscription reset")
		if e.publisher != nil {
			e.publisher.PublishPlanCompleted(subscriberID, weeks.CompletedPlanID, total.String())
		}
	case weeks.InsufficientFinal:
		log.Warn().
			Int("week", weeks.TerminalWeek).
			Str("observed", observed.String()).
			Str("required", weeks.TerminalRequired.String()).
			Msg("Insufficient final balance, subscription stays open")
		if e.publisher != nil {
			e.publisher.PublishInsufficientFinalBalance(subscriberID, plan.ID, weeks.TerminalWeek, observed.String(), weeks.TerminalRequired.String())
		}
	}
}

// ProjectProfit estimates rewards for balance held over horizonDays on a plan.
func (e *Engine) ProjectProfit(ctx context.Context, planID string, balance decimal.Decimal, horizonDays int) (*Projection, error) {
	plan, err := e.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	return Project(plan, balance, horizonDays)
}

// Project is ProjectProfit for a plan already in hand.
func Project(plan *continuity.Plan, balance decimal.Decimal, horizonDays int) (*Projection, error) {
	amount, err := continuity.ProjectProfit(plan, balance, horizonDays)
	if err != nil {
		return nil, err
	}
	return &Projection{
		PlanID:      plan.ID,
		Balance:     balance,
		HorizonDays: horizonDays,
		Rate:        plan.RateFor(balance),
		Amount:      amount,
	}, nil
}

// EvaluateAll evaluates every active subscriber with bounded concurrency.
// Individual failures are counted and logged; only listing failures abort.
func (e *Engine) EvaluateAll(ctx context.Context) (BatchResult, error) {
	ids, err := e.store.ListActiveSubscriberIDs(ctx)
	if err != nil {
		return BatchResult{}, fmt.Errorf("failed to list subscribers: %w", err)
	}

	var evaluated, completed, skipped, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)

	for _, id := range ids {
		g.Go(func() error {
			if gctx.Err() != nil {
				skipped.Add(1)
				return nil
			}
			eval, err := e.EvaluateSubscriber(gctx, id)
			switch {
			case err == nil:
				evaluated.Add(1)
				if eval.PlanCompleted {
					completed.Add(1)
				}
			case errors.Is(err, ErrEvaluationInProgress), errors.Is(err, continuity.ErrNotSubscribed):
				skipped.Add(1)
			default:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	res := BatchResult{
		Evaluated: int(evaluated.Load()),
		Completed: int(completed.Load()),
		Skipped:   int(skipped.Load()),
		Failed:    int(failed.Load()),
	}
	e.logger.Info().
		Int("subscribers", len(ids)).
		Int("evaluated", res.Evaluated).
		Int("completed", res.Completed).
		Int("skipped", res.Skipped).
		Int("failed", res.Failed).
		Msg("Batch evaluation finished")
	return res, nil
}
