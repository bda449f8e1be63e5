package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"continuity-engine/internal/continuity"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// ============================================================================
// PLANS
// ============================================================================

// GetPlan loads a plan by id.
func (r *Repository) GetPlan(ctx context.Context, id string) (*continuity.Plan, error) {
	query := `
		SELECT id, name, weekly_required_amount::text, daily_base_rate::text,
		       bonus_tiers, min_weeks, penalty_table
		FROM plans
		WHERE id = $1
	`
	var (
		plan             continuity.Plan
		weekly, baseRate string
		tiers, penalties []byte
	)
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&plan.ID, &plan.Name, &weekly, &baseRate, &tiers, &plan.MinWeeks, &penalties,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", continuity.ErrPlanNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}

	if plan.WeeklyRequiredAmount, err = decimal.NewFromString(weekly); err != nil {
		return nil, fmt.Errorf("plan %s weekly_required_amount: %w", id, err)
	}
	if plan.DailyBaseRate, err = decimal.NewFromString(baseRate); err != nil {
		return nil, fmt.Errorf("plan %s daily_base_rate: %w", id, err)
	}
	if err := json.Unmarshal(tiers, &plan.BonusTiers); err != nil {
		return nil, fmt.Errorf("plan %s bonus_tiers: %w", id, err)
	}
	if err := json.Unmarshal(penalties, &plan.PenaltyTable); err != nil {
		return nil, fmt.Errorf("plan %s penalty_table: %w", id, err)
	}
	return &plan, nil
}

// UpsertPlan creates or replaces a plan definition.
func (r *Repository) UpsertPlan(ctx context.Context, plan *continuity.Plan) error {
	if err := plan.Validate(); err != nil {
		return err
	}
	tiers, err := json.Marshal(plan.BonusTiers)
	if err != nil {
		return fmt.Errorf("failed to marshal bonus tiers: %w", err)
	}
	penalties, err := json.Marshal(plan.PenaltyTable)
	if err != nil {
		return fmt.Errorf("failed to marshal penalty table: %w", err)
	}

	query := `
		INSERT INTO plans (id, name, weekly_required_amount, daily_base_rate, bonus_tiers, min_weeks, penalty_table)
		VALUES ($1, $2, $3::numeric, $4::numeric, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			weekly_required_amount = EXCLUDED.weekly_required_amount,
			daily_base_rate = EXCLUDED.daily_base_rate,
			bonus_tiers = EXCLUDED.bonus_tiers,
			min_weeks = EXCLUDED.min_weeks,
			penalty_table = EXCLUDED.penalty_table,
			updated_at = NOW()
	`
	_, err = r.db.Pool.Exec(ctx, query,
		plan.ID, plan.Name, plan.WeeklyRequiredAmount.String(), plan.DailyBaseRate.String(),
		tiers, plan.MinWeeks, penalties,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert plan: %w", err)
	}
	return nil
}

// ============================================================================
// SUBSCRIBERS
// ============================================================================

// GetSubscriber loads a subscriber with its weekly ledger.
func (r *Repository) GetSubscriber(ctx context.Context, id string) (*continuity.Subscriber, error) {
	query := `
		SELECT id, wallet_address, COALESCE(plan_id, ''), subscription_start_date,
		       accumulated_reward::text, last_evaluated_at, withdrawals_enabled
		FROM subscribers
		WHERE id = $1
	`
	var (
		sub    continuity.Subscriber
		reward string
	)
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&sub.ID, &sub.WalletAddress, &sub.PlanID, &sub.SubscriptionStartDate,
		&reward, &sub.LastEvaluatedAt, &sub.WithdrawalsEnabled,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", continuity.ErrSubscriberNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscriber: %w", err)
	}
	if sub.AccumulatedReward, err = decimal.NewFromString(reward); err != nil {
		return nil, fmt.Errorf("subscriber %s accumulated_reward: %w", id, err)
	}

	sub.WeeklyLedger, err = r.getWeeklyLedger(ctx, r.db.Pool, id)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *Repository) getWeeklyLedger(ctx context.Context, q querier, subscriberID string) (continuity.WeeklyLedger, error) {
	query := `
		SELECT week_number, observed_balance::text, evaluated_at, passed
		FROM subscriber_weekly_ledger
		WHERE subscriber_id = $1
		ORDER BY week_number
	`
	rows, err := q.Query(ctx, query, subscriberID)
	if err != nil {
		return nil, fmt.Errorf("failed to query weekly ledger: %w", err)
	}
	defer rows.Close()

	ledger := make(continuity.WeeklyLedger)
	for rows.Next() {
		var (
			rec      continuity.WeekRecord
			observed string
		)
		if err := rows.Scan(&rec.WeekNumber, &observed, &rec.EvaluatedAt, &rec.Passed); err != nil {
			return nil, fmt.Errorf("failed to scan weekly ledger row: %w", err)
		}
		if rec.ObservedBalance, err = decimal.NewFromString(observed); err != nil {
			return nil, fmt.Errorf("week %d observed_balance: %w", rec.WeekNumber, err)
		}
		ledger[rec.WeekNumber] = rec
	}
	return ledger, rows.Err()
}

// ListActiveSubscriberIDs returns every subscriber currently on a plan.
func (r *Repository) ListActiveSubscriberIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id FROM subscribers
		WHERE plan_id IS NOT NULL AND subscription_start_date IS NOT NULL
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active subscribers: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan subscriber id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Subscribe puts a subscriber on a plan starting at start.
func (r *Repository) Subscribe(ctx context.Context, subscriberID, walletAddress, planID string, start time.Time) error {
	query := `
		INSERT INTO subscribers (id, wallet_address, plan_id, subscription_start_date)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			wallet_address = EXCLUDED.wallet_address,
			plan_id = EXCLUDED.plan_id,
			subscription_start_date = EXCLUDED.subscription_start_date,
			last_evaluated_at = NULL,
			updated_at = NOW()
		WHERE subscribers.plan_id IS NULL
	`
	tag, err := r.db.Pool.Exec(ctx, query, subscriberID, walletAddress, planID, start)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("subscriber %s already has an active plan", subscriberID)
	}
	return nil
}

// UpsertWeeklyLedgerEntry writes one week record. A passing row is never
// replaced.
func (r *Repository) UpsertWeeklyLedgerEntry(ctx context.Context, subscriberID string, rec continuity.WeekRecord) error {
	return upsertWeek(ctx, r.db.Pool, subscriberID, rec)
}

func upsertWeek(ctx context.Context, q querier, subscriberID string, rec continuity.WeekRecord) error {
	query := `
		INSERT INTO subscriber_weekly_ledger (subscriber_id, week_number, observed_balance, evaluated_at, passed)
		VALUES ($1, $2, $3::numeric, $4, $5)
		ON CONFLICT (subscriber_id, week_number) DO UPDATE SET
			observed_balance = EXCLUDED.observed_balance,
			evaluated_at = EXCLUDED.evaluated_at,
			passed = EXCLUDED.passed
		WHERE subscriber_weekly_ledger.passed = FALSE
	`
	if _, err := q.Exec(ctx, query, subscriberID, rec.WeekNumber, rec.ObservedBalance.String(), rec.EvaluatedAt, rec.Passed); err != nil {
		return fmt.Errorf("failed to upsert week %d: %w", rec.WeekNumber, err)
	}
	return nil
}

// Persist writes the subscriber's mutable fields and the changed week
// records in one transaction. The stored reward never decreases.
func (r *Repository) Persist(ctx context.Context, sub *continuity.Subscriber, changed []continuity.WeekRecord) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		var planID *string
		if sub.PlanID != "" {
			planID = &sub.PlanID
		}

		query := `
			UPDATE subscribers SET
				plan_id = $2,
				subscription_start_date = $3,
				accumulated_reward = GREATEST(accumulated_reward, $4::numeric),
				last_evaluated_at = $5,
				withdrawals_enabled = $6,
				updated_at = NOW()
			WHERE id = $1
		`
		tag, err := tx.Exec(ctx, query,
			sub.ID, planID, sub.SubscriptionStartDate, sub.AccumulatedReward.String(),
			sub.LastEvaluatedAt, sub.WithdrawalsEnabled,
		)
		if err != nil {
			return fmt.Errorf("failed to persist subscriber: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", continuity.ErrSubscriberNotFound, sub.ID)
		}

		if !sub.IsSubscribed() {
			return nil
		}
		for _, rec := range changed {
			if err := upsertWeek(ctx, tx, sub.ID, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// ResetSubscription returns the subscriber to unsubscribed defaults and
// clears the weekly ledger. Reward and withdrawal flag are kept.
func (r *Repository) ResetSubscription(ctx context.Context, subscriberID string) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE subscribers SET
				plan_id = NULL,
				subscription_start_date = NULL,
				last_evaluated_at = NULL,
				updated_at = NOW()
			WHERE id = $1
		`, subscriberID)
		if err != nil {
			return fmt.Errorf("failed to reset subscription: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", continuity.ErrSubscriberNotFound, subscriberID)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM subscriber_weekly_ledger WHERE subscriber_id = $1`, subscriberID); err != nil {
			return fmt.Errorf("failed to clear weekly ledger: %w", err)
		}
		return nil
	})
}
