package continuity

import (
	"time"

	"github.com/shopspring/decimal"
)

// WeekTransition summarises one run of the week completion state machine.
type WeekTransition struct {
	Recorded          []WeekRecord    `json:"recorded"`
	TerminalWeek      int             `json:"terminal_week"`
	TerminalRequired  decimal.Decimal `json:"terminal_required"`
	PlanCompleted     bool            `json:"plan_completed"`
	CompletedPlanID   string          `json:"completed_plan_id,omitempty"`
	InsufficientFinal bool            `json:"insufficient_final_balance"`
}

// AdvanceWeeks finalizes every week whose closing instant falls in (since, now]
// using the single observed balance. since is the cursor the subscriber had
// before this evaluation touched it.
//
// Reaching the terminal week with a passing outcome resets the subscriber.
// A failing terminal week leaves the subscription open and is re-checked on
// every later evaluation until it passes.
func AdvanceWeeks(sub *Subscriber, plan *Plan, observed decimal.Decimal, since, now time.Time) (WeekTransition, error) {
	if !sub.IsSubscribed() {
		return WeekTransition{}, ErrNotSubscribed
	}
	if err := plan.Validate(); err != nil {
		return WeekTransition{}, err
	}
	sub.ensureLedger()

	start := *sub.SubscriptionStartDate
	if since.Before(start) {
		since = start
	}

	terminalEnd := WeekEnd(start, plan.MinWeeks)
	t := WeekTransition{
		TerminalWeek:     plan.MinWeeks,
		TerminalRequired: RequiredBalance(plan, start, terminalEnd),
	}

	terminalSeen := false
	startIdx := WeekIndex(start, since)
	endIdx := WeekIndex(start, now)

	for idx := startIdx; idx < endIdx; idx++ {
		weekNumber := int(idx) + 1
		weekEnd := WeekEnd(start, weekNumber)
		if !since.Before(weekEnd) || weekEnd.After(now) {
			continue
		}

		required := RequiredBalance(plan, start, weekEnd)
		rec := WeekRecord{
			WeekNumber:      weekNumber,
			ObservedBalance: observed,
			EvaluatedAt:     weekEnd,
			Passed:          observed.GreaterThanOrEqual(required),
		}
		if sub.WeeklyLedger.Upsert(rec) {
			t.Recorded = append(t.Recorded, rec)
		}

		if weekNumber == plan.MinWeeks {
			terminalSeen = true
			if sub.WeeklyLedger[weekNumber].Passed {
				complete(sub, &t)
				return t, nil
			}
			t.InsufficientFinal = true
		}
	}

	if terminalSeen || now.Before(terminalEnd) {
		return t, nil
	}

	// The terminal boundary lies before this interval. Either it already
	// passed and the reset did not stick, or it is still waiting for a top-up.
	if final, ok := sub.WeeklyLedger[plan.MinWeeks]; ok && final.Passed {
		complete(sub, &t)
		return t, nil
	}

	rec := WeekRecord{
		WeekNumber:      plan.MinWeeks,
		ObservedBalance: observed,
		EvaluatedAt:     now,
		Passed:          observed.GreaterThanOrEqual(t.TerminalRequired),
	}
	if sub.WeeklyLedger.Upsert(rec) {
		t.Recorded = append(t.Recorded, rec)
	}
	if rec.Passed {
		complete(sub, &t)
		return t, nil
	}
	t.InsufficientFinal = true
	return t, nil
}

func complete(sub *Subscriber, t *WeekTransition) {
	t.PlanCompleted = true
	t.InsufficientFinal = false
	t.CompletedPlanID = sub.PlanID
	sub.Reset()
}
