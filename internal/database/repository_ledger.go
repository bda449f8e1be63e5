package database

import (
	"context"
	"fmt"
	"strings"

	"continuity-engine/internal/ledger"
)

const pendingStatusList = `('processing', 'pending')`

// CreateLedgerEntry inserts a new entry. Category is derived from the kind
// when not set.
func (r *Repository) CreateLedgerEntry(ctx context.Context, e *ledger.Entry) error {
	if e.Category == "" {
		e.Category = ledger.CategoryOf(e.Kind)
	}
	if e.Status == "" {
		e.Status = ledger.StatusProcessing
	}
	var hash *string
	if h := strings.TrimSpace(e.Hash()); h != "" {
		hash = &h
	}

	query := `
		INSERT INTO ledger_entries (id, category, kind, subscriber_id, tx_hash, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING updated_at
	`
	err := r.db.Pool.QueryRow(ctx, query,
		e.ID, string(e.Category), string(e.Kind), e.SubscriberID, hash, string(e.Status),
	).Scan(&e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create ledger entry: %w", err)
	}
	return nil
}

// FindPending returns entries of a category that carry a tx hash and are
// still processing or pending, oldest first.
func (r *Repository) FindPending(ctx context.Context, category ledger.Category, filter ledger.PendingFilter) ([]ledger.Entry, error) {
	query := `
		SELECT id, category, kind, subscriber_id, tx_hash, status, confirmations,
		       block_number, active, COALESCE(failure_reason, ''), COALESCE(anomaly, ''), updated_at
		FROM ledger_entries
		WHERE category = $1
		  AND tx_hash IS NOT NULL AND tx_hash <> ''
		  AND status IN ` + pendingStatusList
	args := []any{string(category)}

	if filter.SubscriberID != "" {
		args = append(args, filter.SubscriberID)
		query += fmt.Sprintf(" AND subscriber_id = $%d", len(args))
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var (
			e                       ledger.Entry
			cat, kind, status       string
			confirmations, blockNum int64
		)
		if err := rows.Scan(
			&e.ID, &cat, &kind, &e.SubscriberID, &e.TxHash, &status, &confirmations,
			&blockNum, &e.Active, &e.FailureReason, &e.Anomaly, &e.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.Category = ledger.Category(cat)
		e.Kind = ledger.Kind(kind)
		e.Status = ledger.Status(status)
		e.Confirmations = uint64(confirmations)
		e.BlockNumber = uint64(blockNum)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ApplyTransition settles an entry if it is still non-terminal. The status
// guard in the WHERE clause makes a second application a no-op, so the
// returned flag is false when another sweep already settled it.
func (r *Repository) ApplyTransition(ctx context.Context, id string, t ledger.Transition) (bool, error) {
	query := `
		UPDATE ledger_entries SET
			status = $2,
			tx_hash = COALESCE(NULLIF($3, ''), tx_hash),
			confirmations = $4,
			block_number = $5,
			active = COALESCE($6, active),
			failure_reason = NULLIF($7, ''),
			anomaly = NULL,
			updated_at = NOW()
		WHERE id = $1 AND status IN ` + pendingStatusList

	tag, err := r.db.Pool.Exec(ctx, query,
		id, string(t.Status), t.TxHash, int64(t.Confirmations), int64(t.BlockNumber), t.Active, t.FailureReason,
	)
	if err != nil {
		return false, fmt.Errorf("failed to apply ledger transition: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordObservation updates confirmation progress or an anomaly note on a
// still-pending entry. Processing entries move to pending once seen. Zero
// confirmations or block number keep the recorded values.
func (r *Repository) RecordObservation(ctx context.Context, id string, o ledger.Observation) error {
	query := `
		UPDATE ledger_entries SET
			status = 'pending',
			confirmations = CASE WHEN $2::bigint > 0 THEN $2::bigint ELSE confirmations END,
			block_number = CASE WHEN $3::bigint > 0 THEN $3::bigint ELSE block_number END,
			anomaly = NULLIF($4, ''),
			updated_at = NOW()
		WHERE id = $1 AND status IN ` + pendingStatusList

	if _, err := r.db.Pool.Exec(ctx, query, id, int64(o.Confirmations), int64(o.BlockNumber), o.Anomaly); err != nil {
		return fmt.Errorf("failed to record ledger observation: %w", err)
	}
	return nil
}

// GetLedgerEntry loads one entry by id.
func (r *Repository) GetLedgerEntry(ctx context.Context, id string) (*ledger.Entry, error) {
	query := `
		SELECT id, category, kind, subscriber_id, tx_hash, status, confirmations,
		       block_number, active, COALESCE(failure_reason, ''), COALESCE(anomaly, ''), updated_at
		FROM ledger_entries
		WHERE id = $1
	`
	var (
		e                       ledger.Entry
		cat, kind, status       string
		confirmations, blockNum int64
	)
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&e.ID, &cat, &kind, &e.SubscriberID, &e.TxHash, &status, &confirmations,
		&blockNum, &e.Active, &e.FailureReason, &e.Anomaly, &e.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger entry %s: %w", id, err)
	}
	e.Category = ledger.Category(cat)
	e.Kind = ledger.Kind(kind)
	e.Status = ledger.Status(status)
	e.Confirmations = uint64(confirmations)
	e.BlockNumber = uint64(blockNum)
	return &e, nil
}
