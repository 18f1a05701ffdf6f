package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"pipeline_backend/internal/audit"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists audit entries. It only ever inserts.
type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Record(ctx context.Context, entry audit.Entry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	detailJSON, err := json.Marshal(entry.Detail)
	if err != nil {
		return fmt.Errorf("encode audit detail: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO automation_logs (
			id, rule_id, rule_name, lead_id, branch_id, trigger,
			action_summary, outcome, message, detail, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, COALESCE($11, now()))
	`, entry.ID, entry.RuleID, entry.RuleName, entry.LeadID, entry.BranchID, entry.Trigger,
		entry.ActionSummary, string(entry.Outcome), entry.Message, detailJSON, nullTime(entry))
	return err
}

func (r *Repository) Query(ctx context.Context, filter audit.Filter) ([]audit.Entry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, rule_id, rule_name, lead_id, branch_id, trigger,
			action_summary, outcome, message, detail, created_at
		FROM automation_logs
		WHERE ($1::uuid IS NULL OR lead_id = $1)
			AND ($2::uuid IS NULL OR rule_id = $2)
			AND ($3::uuid IS NULL OR branch_id = $3)
			AND ($4::timestamptz IS NULL OR created_at >= $4)
			AND ($5::timestamptz IS NULL OR created_at < $5)
		ORDER BY created_at DESC, id DESC
		LIMIT $6
	`, filter.LeadID, filter.RuleID, filter.BranchID, filter.From, filter.To, filter.EffectiveLimit())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]audit.Entry, 0)
	for rows.Next() {
		var (
			e          audit.Entry
			outcome    string
			detailJSON []byte
		)
		if err := rows.Scan(&e.ID, &e.RuleID, &e.RuleName, &e.LeadID, &e.BranchID, &e.Trigger,
			&e.ActionSummary, &outcome, &e.Message, &detailJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Outcome = audit.Outcome(outcome)
		if len(detailJSON) > 0 {
			if err := json.Unmarshal(detailJSON, &e.Detail); err != nil {
				return nil, fmt.Errorf("decode audit detail %s: %w", e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return entries, nil
}

func nullTime(entry audit.Entry) any {
	if entry.CreatedAt.IsZero() {
		return nil
	}
	return entry.CreatedAt
}

var _ audit.Store = (*Repository)(nil)
