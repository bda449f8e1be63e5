package continuity

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// AccrualResult describes what a single Accrue call credited.
type AccrualResult struct {
	DaysCredited   int64           `json:"days_credited"`
	DailyReward    decimal.Decimal `json:"daily_reward"`
	RewardCredited decimal.Decimal `json:"reward_credited"`
	Compliant      bool            `json:"compliant"`
	CreditedUntil  time.Time       `json:"credited_until"`
}

// DailyReward is the reward earned for one day at now. The basis is the
// requirement, not the observed balance; the rate comes from the observed
// balance. A non-compliant subscriber earns nothing.
func DailyReward(sub *Subscriber, plan *Plan, observed decimal.Decimal, now time.Time) decimal.Decimal {
	if !sub.IsSubscribed() {
		return decimal.Zero
	}
	start := *sub.SubscriptionStartDate
	required := RequiredBalance(plan, start, now)
	if observed.LessThan(required) {
		return decimal.Zero
	}
	return required.Mul(plan.RateFor(observed)).Div(hundred)
}

// Accrue credits whole elapsed days since the last evaluation. Compliance is
// required for every credited day: days spent below the requirement advance
// the cursor with zero credit. The cursor never moves to now directly, only to
// the start of the day after the last credited one.
func Accrue(sub *Subscriber, plan *Plan, observed decimal.Decimal, now time.Time) (AccrualResult, error) {
	if !sub.IsSubscribed() {
		return AccrualResult{}, ErrNotSubscribed
	}
	if err := plan.Validate(); err != nil {
		return AccrualResult{}, err
	}

	start := *sub.SubscriptionStartDate
	cursor := sub.accrualCursor()
	result := AccrualResult{
		Compliant:     IsCompliant(plan, start, now, observed),
		CreditedUntil: cursor,
	}

	if now.Before(cursor) {
		return result, nil
	}

	days := DaysElapsed(cursor, now)
	if days < 1 {
		return result, nil
	}

	daily := DailyReward(sub, plan, observed, now)
	reward := daily.Mul(decimal.NewFromInt(days))
	if reward.IsNegative() {
		return result, fmt.Errorf("%w: plan %s produced a negative reward", ErrInvalidPlan, plan.ID)
	}

	next := cursor.Add(time.Duration(days) * Day)
	sub.AccumulatedReward = sub.AccumulatedReward.Add(reward)
	sub.LastEvaluatedAt = &next

	result.DaysCredited = days
	result.DailyReward = daily
	result.RewardCredited = reward
	result.CreditedUntil = next
	return result, nil
}

// ProjectProfit estimates rewards for a hypothetical balance held over a
// horizon. The rate is applied to the balance itself and nothing compounds.
func ProjectProfit(plan *Plan, balance decimal.Decimal, horizonDays int) (decimal.Decimal, error) {
	if err := plan.Validate(); err != nil {
		return decimal.Zero, err
	}
	if horizonDays < 0 {
		return decimal.Zero, fmt.Errorf("horizon must be non-negative, got %d", horizonDays)
	}
	if balance.IsNegative() {
		return decimal.Zero, fmt.Errorf("balance must be non-negative, got %s", balance)
	}
	daily := balance.Mul(plan.RateFor(balance)).Div(hundred)
	return daily.Mul(decimal.NewFromInt(int64(horizonDays))), nil
}
