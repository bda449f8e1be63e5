// Command project prints a profit projection and the weekly requirement
// schedule for a plan file. It works offline.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"continuity-engine/internal/continuity"
	"continuity-engine/internal/engine"

	"github.com/shopspring/decimal"
)

type weekRow struct {
	Week            int             `json:"week"`
	RequiredBalance decimal.Decimal `json:"required_balance"`
	PenaltyRate     decimal.Decimal `json:"penalty_rate"`
}

type output struct {
	Projection *engine.Projection `json:"projection"`
	Schedule   []weekRow          `json:"schedule"`
}

func main() {
	planPath := flag.String("plan", "", "path to a plan JSON file")
	balance := flag.String("balance", "", "balance held over the horizon")
	days := flag.Int("days", 30, "projection horizon in days")
	flag.Parse()

	if *planPath == "" || *balance == "" {
		fmt.Fprintln(os.Stderr, "usage: project -plan plan.json -balance 1000 [-days 30]")
		os.Exit(2)
	}

	if err := run(*planPath, *balance, *days); err != nil {
		fmt.Fprintf(os.Stderr, "project: %v\n", err)
		os.Exit(1)
	}
}

func run(planPath, balanceArg string, days int) error {
	raw, err := os.ReadFile(planPath)
	if err != nil {
		return fmt.Errorf("failed to read plan: %w", err)
	}
	var plan continuity.Plan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return fmt.Errorf("failed to parse plan: %w", err)
	}

	balance, err := decimal.NewFromString(balanceArg)
	if err != nil {
		return fmt.Errorf("invalid balance %q: %w", balanceArg, err)
	}

	proj, err := engine.Project(&plan, balance, days)
	if err != nil {
		return err
	}

	// requirements depend only on the offset from the start date
	start := time.Unix(0, 0).UTC()
	schedule := make([]weekRow, 0, plan.MinWeeks)
	for w := 1; w <= plan.MinWeeks; w++ {
		schedule = append(schedule, weekRow{
			Week:            w,
			RequiredBalance: continuity.RequiredBalance(&plan, start, continuity.WeekEnd(start, w)),
			PenaltyRate:     plan.PenaltyRate(w),
		})
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(output{Projection: proj, Schedule: schedule})
}
