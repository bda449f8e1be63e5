package continuity

import (
	"time"

	"github.com/shopspring/decimal"
)

// Calendar units used by every subscription computation. All day and week
// arithmetic goes through the helpers below.
const (
	Day  = 24 * time.Hour
	Week = 7 * Day
)

// DaysElapsed returns the number of whole days between from and to.
// Negative intervals yield 0.
func DaysElapsed(from, to time.Time) int64 {
	d := to.Sub(from)
	if d <= 0 {
		return 0
	}
	return int64(d / Day)
}

// WeekIndex is the 0-based index of the week containing t, counted from start
// with floor semantics. Instants before start return 0.
func WeekIndex(start, t time.Time) int64 {
	d := t.Sub(start)
	if d <= 0 {
		return 0
	}
	return int64(d / Week)
}

// WeekNumberAt returns the 1-based subscription week that asOf belongs to.
// Day 0 is already week 1, and the boundary instant start+w*7d closes week w,
// so the requirement at the end of week w is exactly w weekly amounts.
// Returns 0 when asOf precedes start.
func WeekNumberAt(start, asOf time.Time) int {
	d := asOf.Sub(start)
	if d < 0 {
		return 0
	}
	if d == 0 {
		return 1
	}
	return int((d-1)/Week) + 1
}

// WeekEnd is the instant that closes the given 1-based week.
func WeekEnd(start time.Time, weekNumber int) time.Time {
	return start.Add(time.Duration(weekNumber) * Week)
}

// RequiredBalance is the cumulative balance a subscriber must hold at asOf.
func RequiredBalance(plan *Plan, start, asOf time.Time) decimal.Decimal {
	week := WeekNumberAt(start, asOf)
	if week == 0 {
		return decimal.Zero
	}
	return plan.WeeklyRequiredAmount.Mul(decimal.NewFromInt(int64(week)))
}

// IsCompliant reports whether observed meets the requirement at now.
func IsCompliant(plan *Plan, start, now time.Time, observed decimal.Decimal) bool {
	return observed.GreaterThanOrEqual(RequiredBalance(plan, start, now))
}
