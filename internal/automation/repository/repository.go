package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"pipeline_backend/internal/automation"
	"pipeline_backend/internal/leads/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned for unknown rule ids. It wraps automation.ErrRuleNotFound.
var ErrNotFound = fmt.Errorf("repository: %w", automation.ErrRuleNotFound)

type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// schedule is the JSONB layout of the time-based rule settings.
type schedule struct {
	ActiveHours *automation.ActiveHours              `json:"activeHours,omitempty"`
	StageSLA    map[domain.Stage]automation.Duration `json:"stageSla,omitempty"`
	Pause       *automation.PauseWindow              `json:"pause,omitempty"`
}

const ruleColumns = `id, branch_id, name, enabled, priority, sort_order, roles, triggers,
	conditions, actions, schedule, COALESCE(disabled_reason, ''), created_at, updated_at`

func (r *Repository) ListForBranch(ctx context.Context, branchID uuid.UUID) ([]automation.Rule, error) {
	return r.query(ctx, `
		SELECT `+ruleColumns+`
		FROM automation_rules
		WHERE enabled = true AND (branch_id IS NULL OR branch_id = $1)
		ORDER BY sort_order ASC, id ASC
	`, branchID)
}

func (r *Repository) List(ctx context.Context, branchID *uuid.UUID) ([]automation.Rule, error) {
	return r.query(ctx, `
		SELECT `+ruleColumns+`
		FROM automation_rules
		WHERE $1::uuid IS NULL OR branch_id IS NULL OR branch_id = $1
		ORDER BY sort_order ASC, id ASC
	`, branchID)
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (automation.Rule, error) {
	rule, err := scanRule(r.pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM automation_rules WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return automation.Rule{}, ErrNotFound
	}
	return rule, err
}

func (r *Repository) Create(ctx context.Context, rule automation.Rule) (automation.Rule, error) {
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	conditions, actions, sched, err := encode(rule)
	if err != nil {
		return automation.Rule{}, err
	}
	return scanRule(r.pool.QueryRow(ctx, `
		INSERT INTO automation_rules (
			id, branch_id, name, enabled, priority, sort_order, roles, triggers,
			conditions, actions, schedule
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+ruleColumns,
		rule.ID, rule.BranchID, rule.Name, rule.Enabled, string(rule.Priority), rule.Order,
		nonNil(rule.Roles), triggerStrings(rule.Triggers), conditions, actions, sched))
}

func (r *Repository) Update(ctx context.Context, rule automation.Rule) (automation.Rule, error) {
	conditions, actions, sched, err := encode(rule)
	if err != nil {
		return automation.Rule{}, err
	}
	updated, err := scanRule(r.pool.QueryRow(ctx, `
		UPDATE automation_rules
		SET branch_id = $2, name = $3, enabled = $4, priority = $5, sort_order = $6,
			roles = $7, triggers = $8, conditions = $9, actions = $10, schedule = $11,
			disabled_reason = CASE WHEN $4 THEN NULL ELSE disabled_reason END,
			updated_at = now()
		WHERE id = $1
		RETURNING `+ruleColumns,
		rule.ID, rule.BranchID, rule.Name, rule.Enabled, string(rule.Priority), rule.Order,
		nonNil(rule.Roles), triggerStrings(rule.Triggers), conditions, actions, sched))
	if errors.Is(err, pgx.ErrNoRows) {
		return automation.Rule{}, ErrNotFound
	}
	return updated, err
}

func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM automation_rules WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) Disable(ctx context.Context, id uuid.UUID, reason string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE automation_rules
		SET enabled = false, disabled_reason = $2, updated_at = now()
		WHERE id = $1
	`, id, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) query(ctx context.Context, sql string, args ...any) ([]automation.Rule, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rules := make([]automation.Rule, 0)
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	automation.OrderRules(rules)
	return rules, nil
}

func scanRule(row pgx.Row) (automation.Rule, error) {
	var (
		rule                             automation.Rule
		priority                         string
		triggers                         []string
		conditionsJSON, actionsJSON, raw []byte
	)
	if err := row.Scan(&rule.ID, &rule.BranchID, &rule.Name, &rule.Enabled, &priority, &rule.Order,
		&rule.Roles, &triggers, &conditionsJSON, &actionsJSON, &raw, &rule.DisabledReason,
		&rule.CreatedAt, &rule.UpdatedAt); err != nil {
		return automation.Rule{}, err
	}
	rule.Priority = automation.Priority(priority)
	for _, t := range triggers {
		rule.Triggers = append(rule.Triggers, automation.Trigger(t))
	}

	// A rule that no longer decodes is returned with what could be read, so the
	// engine's preflight disables it instead of failing the whole listing.
	if err := json.Unmarshal(conditionsJSON, &rule.Conditions); err != nil {
		rule.Conditions = []automation.Condition{{Type: automation.ConditionType("undecodable: " + err.Error())}}
	}
	if err := json.Unmarshal(actionsJSON, &rule.Actions); err != nil {
		rule.Actions = []automation.Action{{Type: automation.ActionType("undecodable: " + err.Error())}}
	}
	var sched schedule
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &sched); err != nil {
			return automation.Rule{}, fmt.Errorf("decode schedule of rule %s: %w", rule.ID, err)
		}
	}
	rule.ActiveHours = sched.ActiveHours
	rule.StageSLA = sched.StageSLA
	rule.Pause = sched.Pause
	return rule, nil
}

func encode(rule automation.Rule) (conditions, actions, sched []byte, err error) {
	if conditions, err = json.Marshal(nonNil(rule.Conditions)); err != nil {
		return nil, nil, nil, fmt.Errorf("encode conditions: %w", err)
	}
	if actions, err = json.Marshal(nonNil(rule.Actions)); err != nil {
		return nil, nil, nil, fmt.Errorf("encode actions: %w", err)
	}
	sched, err = json.Marshal(schedule{ActiveHours: rule.ActiveHours, StageSLA: rule.StageSLA, Pause: rule.Pause})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode schedule: %w", err)
	}
	return conditions, actions, sched, nil
}

func triggerStrings(triggers []automation.Trigger) []string {
	out := make([]string, len(triggers))
	for i, t := range triggers {
		out[i] = string(t)
	}
	return out
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

var _ automation.RuleStore = (*Repository)(nil)
