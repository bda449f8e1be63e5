// Package continuity implements the continuity-deposit subscription rules:
// the escalating balance requirement, daily reward accrual and the weekly
// completion ledger. Everything in this package is pure given a balance
// reading; chain access, caching and persistence live elsewhere.
package continuity

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Errors for plan and subscriber handling
var (
	ErrInvalidPlan        = errors.New("invalid plan")
	ErrNotSubscribed      = errors.New("subscriber has no active plan")
	ErrSubscriberNotFound = errors.New("subscriber not found")
	ErrPlanNotFound       = errors.New("plan not found")
)

var hundred = decimal.NewFromInt(100)

// BonusTier grants an extra daily rate once the observed balance reaches the threshold.
type BonusTier struct {
	ThresholdBalance decimal.Decimal `json:"threshold_balance"`
	BonusRate        decimal.Decimal `json:"bonus_rate"` // percent per day
}

// PenaltyBracket maps an inclusive week range to an early-withdrawal penalty.
// ToWeek == 0 leaves the bracket open-ended.
type PenaltyBracket struct {
	FromWeek int             `json:"from_week"`
	ToWeek   int             `json:"to_week"`
	Percent  decimal.Decimal `json:"percent"`
}

// Plan is shared by every subscriber on it and is immutable for the
// lifetime of a subscription.
type Plan struct {
	ID                   string           `json:"id"`
	Name                 string           `json:"name"`
	WeeklyRequiredAmount decimal.Decimal  `json:"weekly_required_amount"`
	DailyBaseRate        decimal.Decimal  `json:"daily_base_rate"` // percent per day
	BonusTiers           []BonusTier      `json:"bonus_tiers"`
	MinWeeks             int              `json:"min_weeks"`
	PenaltyTable         []PenaltyBracket `json:"penalty_table,omitempty"`
}

// Validate reports configuration faults that would make evaluation meaningless.
func (p *Plan) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: plan is nil", ErrInvalidPlan)
	}
	if p.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidPlan)
	}
	if p.MinWeeks < 1 {
		return fmt.Errorf("%w: plan %s min_weeks must be >= 1, got %d", ErrInvalidPlan, p.ID, p.MinWeeks)
	}
	if p.WeeklyRequiredAmount.IsNegative() {
		return fmt.Errorf("%w: plan %s weekly_required_amount is negative", ErrInvalidPlan, p.ID)
	}
	if p.DailyBaseRate.IsNegative() {
		return fmt.Errorf("%w: plan %s daily_base_rate is negative", ErrInvalidPlan, p.ID)
	}

	seen := make(map[string]bool, len(p.BonusTiers))
	for _, tier := range p.BonusTiers {
		if tier.BonusRate.IsNegative() || tier.ThresholdBalance.IsNegative() {
			return fmt.Errorf("%w: plan %s has a negative bonus tier", ErrInvalidPlan, p.ID)
		}
		key := tier.ThresholdBalance.String()
		if seen[key] {
			return fmt.Errorf("%w: plan %s has duplicate bonus threshold %s", ErrInvalidPlan, p.ID, key)
		}
		seen[key] = true
	}
	return nil
}

// BestBonusTier returns the tier with the highest threshold not exceeding balance.
// Tiers never stack.
func (p *Plan) BestBonusTier(balance decimal.Decimal) (BonusTier, bool) {
	var best BonusTier
	found := false
	for _, tier := range p.BonusTiers {
		if tier.ThresholdBalance.GreaterThan(balance) {
			continue
		}
		if !found || tier.ThresholdBalance.GreaterThan(best.ThresholdBalance) {
			best = tier
			found = true
		}
	}
	return best, found
}

// RateFor resolves base + bonus rate (percent per day) for an observed balance.
func (p *Plan) RateFor(balance decimal.Decimal) decimal.Decimal {
	rate := p.DailyBaseRate
	if tier, ok := p.BestBonusTier(balance); ok {
		rate = rate.Add(tier.BonusRate)
	}
	return rate
}

// PenaltyRate returns the withdrawal penalty percent configured for a week.
// Zero when no bracket covers the week.
func (p *Plan) PenaltyRate(weekNumber int) decimal.Decimal {
	for _, b := range p.PenaltyTable {
		if weekNumber < b.FromWeek {
			continue
		}
		if b.ToWeek != 0 && weekNumber > b.ToWeek {
			continue
		}
		return b.Percent
	}
	return decimal.Zero
}

// WeekRecord is one entry of the weekly ledger.
type WeekRecord struct {
	WeekNumber      int             `json:"week_number"`
	ObservedBalance decimal.Decimal `json:"observed_balance"`
	EvaluatedAt     time.Time       `json:"evaluated_at"`
	Passed          bool            `json:"passed"`
}

// WeeklyLedger holds at most one record per week number.
type WeeklyLedger map[int]WeekRecord

// Upsert stores rec unless a passing record already exists for the week.
// Returns true when the ledger changed.
func (l WeeklyLedger) Upsert(rec WeekRecord) bool {
	if existing, ok := l[rec.WeekNumber]; ok && existing.Passed {
		return false
	}
	l[rec.WeekNumber] = rec
	return true
}

// Sorted returns the records ordered by week number.
func (l WeeklyLedger) Sorted() []WeekRecord {
	out := make([]WeekRecord, 0, len(l))
	for _, rec := range l {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WeekNumber < out[j].WeekNumber })
	return out
}

// Subscriber is the mutable per-account subscription state.
type Subscriber struct {
	ID                    string          `json:"id"`
	WalletAddress         string          `json:"wallet_address"`
	PlanID                string          `json:"plan_id,omitempty"` // empty when unsubscribed
	SubscriptionStartDate *time.Time      `json:"subscription_start_date,omitempty"`
	AccumulatedReward     decimal.Decimal `json:"accumulated_reward"`
	LastEvaluatedAt       *time.Time      `json:"last_evaluated_at,omitempty"`
	WeeklyLedger          WeeklyLedger    `json:"weekly_ledger"`
	WithdrawalsEnabled    bool            `json:"withdrawals_enabled"`
}

// IsSubscribed reports whether the subscriber currently runs a plan.
func (s *Subscriber) IsSubscribed() bool {
	return s.PlanID != "" && s.SubscriptionStartDate != nil
}

// Reset returns the subscriber to unsubscribed defaults. The accumulated
// reward and the withdrawal flag are kept.
func (s *Subscriber) Reset() {
	s.PlanID = ""
	s.SubscriptionStartDate = nil
	s.LastEvaluatedAt = nil
	s.WeeklyLedger = make(WeeklyLedger)
}

// accrualCursor is the instant up to which rewards have been credited.
func (s *Subscriber) accrualCursor() time.Time {
	if s.LastEvaluatedAt != nil {
		return *s.LastEvaluatedAt
	}
	return *s.SubscriptionStartDate
}

func (s *Subscriber) ensureLedger() {
	if s.WeeklyLedger == nil {
		s.WeeklyLedger = make(WeeklyLedger)
	}
}
