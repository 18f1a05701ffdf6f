package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pipeline_backend/internal/board"
	"pipeline_backend/internal/leads/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound        = errors.New("lead not found")
	ErrVersionMismatch = errors.New("lead version mismatch")
)

type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const leadColumns = `id, branch_id, display_name, phone, email, stage, channel, campaign, estimated_value,
	tags, custom_fields, assigned_agent_id, has_conflict, version, contact_attempts, last_response_at,
	messaging_window_expires_at, automation_suspended_until, created_at, updated_at, last_contacted_at,
	last_stage_change`

// FetchStagePage returns one page of a stage column, most recently moved first.
func (r *Repository) FetchStagePage(ctx context.Context, branchID uuid.UUID, stage domain.Stage, page, limit int) (board.PageResult, error) {
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * limit

	var total int
	if err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM leads WHERE branch_id = $1 AND stage = $2
	`, branchID, string(stage)).Scan(&total); err != nil {
		return board.PageResult{}, err
	}

	leads, err := r.query(ctx, `
		SELECT `+leadColumns+`
		FROM leads
		WHERE branch_id = $1 AND stage = $2
		ORDER BY last_stage_change DESC, id ASC
		LIMIT $3 OFFSET $4
	`, branchID, string(stage), limit, offset)
	if err != nil {
		return board.PageResult{}, err
	}

	return board.PageResult{
		Leads:   leads,
		Total:   total,
		HasMore: offset+len(leads) < total,
	}, nil
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (domain.Lead, error) {
	lead, err := scanLead(r.pool.QueryRow(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Lead{}, ErrNotFound
	}
	return lead, err
}

// FindByContact returns the newest lead of a branch with the given phone or email.
func (r *Repository) FindByContact(ctx context.Context, branchID uuid.UUID, phone, email string) (domain.Lead, error) {
	lead, err := scanLead(r.pool.QueryRow(ctx, `
		SELECT `+leadColumns+`
		FROM leads
		WHERE branch_id = $1
			AND (($2 <> '' AND phone = $2) OR ($3 <> '' AND lower(email) = lower($3)))
		ORDER BY created_at DESC
		LIMIT 1
	`, branchID, phone, email))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Lead{}, ErrNotFound
	}
	return lead, err
}

func (r *Repository) Insert(ctx context.Context, lead domain.Lead) (domain.Lead, error) {
	if lead.ID == uuid.Nil {
		lead.ID = uuid.New()
	}
	fields, err := encodeFields(lead.CustomFields)
	if err != nil {
		return domain.Lead{}, err
	}
	return scanLead(r.pool.QueryRow(ctx, `
		INSERT INTO leads (
			id, branch_id, display_name, phone, email, stage, channel, campaign, estimated_value,
			tags, custom_fields, assigned_agent_id, has_conflict, version, contact_attempts,
			last_response_at, messaging_window_expires_at, automation_suspended_until,
			created_at, updated_at, last_contacted_at, last_stage_change
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		RETURNING `+leadColumns,
		lead.ID, lead.BranchID, lead.DisplayName, lead.Phone, lead.Email, string(lead.Stage), lead.Channel,
		lead.Campaign, lead.EstimatedValue, nonNilTags(lead.Tags), fields, lead.AssignedAgentID, lead.HasConflict,
		lead.Version, lead.ContactAttempts, lead.LastResponseAt, lead.MessagingWindowExpiresAt,
		lead.AutomationSuspendedUntil, lead.CreatedAt, lead.UpdatedAt, lead.LastContactedAt, lead.LastStageChange))
}

// Save writes every mutable column if the stored version still equals expectedVersion.
func (r *Repository) Save(ctx context.Context, lead domain.Lead, expectedVersion int64) (domain.Lead, error) {
	fields, err := encodeFields(lead.CustomFields)
	if err != nil {
		return domain.Lead{}, err
	}
	saved, err := scanLead(r.pool.QueryRow(ctx, `
		UPDATE leads
		SET display_name = $3, phone = $4, email = $5, stage = $6, channel = $7, campaign = $8,
			estimated_value = $9, tags = $10, custom_fields = $11, assigned_agent_id = $12,
			has_conflict = $13, version = $14, contact_attempts = $15, last_response_at = $16,
			messaging_window_expires_at = $17, automation_suspended_until = $18, updated_at = $19,
			last_contacted_at = $20, last_stage_change = $21
		WHERE id = $1 AND version = $2
		RETURNING `+leadColumns,
		lead.ID, expectedVersion, lead.DisplayName, lead.Phone, lead.Email, string(lead.Stage), lead.Channel,
		lead.Campaign, lead.EstimatedValue, nonNilTags(lead.Tags), fields, lead.AssignedAgentID, lead.HasConflict,
		lead.Version, lead.ContactAttempts, lead.LastResponseAt, lead.MessagingWindowExpiresAt,
		lead.AutomationSuspendedUntil, lead.UpdatedAt, lead.LastContactedAt, lead.LastStageChange))
	if !errors.Is(err, pgx.ErrNoRows) {
		return saved, err
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM leads WHERE id = $1)`, lead.ID).Scan(&exists); err != nil {
		return domain.Lead{}, err
	}
	if exists {
		return domain.Lead{}, ErrVersionMismatch
	}
	return domain.Lead{}, ErrNotFound
}

// ListSweepCandidates returns leads whose automation is not suspended at now,
// longest in stage first.
func (r *Repository) ListSweepCandidates(ctx context.Context, branchID uuid.UUID, now time.Time, limit int) ([]domain.Lead, error) {
	return r.query(ctx, `
		SELECT `+leadColumns+`
		FROM leads
		WHERE branch_id = $1
			AND (automation_suspended_until IS NULL OR automation_suspended_until <= $2)
		ORDER BY last_stage_change ASC, id ASC
		LIMIT $3
	`, branchID, now, limit)
}

// ListBranchIDs returns every branch that has at least one lead.
func (r *Repository) ListBranchIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT branch_id FROM leads ORDER BY branch_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]uuid.UUID, 0)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return ids, nil
}

func (r *Repository) query(ctx context.Context, sql string, args ...any) ([]domain.Lead, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	leads := make([]domain.Lead, 0)
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		leads = append(leads, lead)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return leads, nil
}

func scanLead(row pgx.Row) (domain.Lead, error) {
	var (
		lead   domain.Lead
		stage  string
		fields []byte
	)
	if err := row.Scan(
		&lead.ID, &lead.BranchID, &lead.DisplayName, &lead.Phone, &lead.Email, &stage, &lead.Channel,
		&lead.Campaign, &lead.EstimatedValue, &lead.Tags, &fields, &lead.AssignedAgentID, &lead.HasConflict,
		&lead.Version, &lead.ContactAttempts, &lead.LastResponseAt, &lead.MessagingWindowExpiresAt,
		&lead.AutomationSuspendedUntil, &lead.CreatedAt, &lead.UpdatedAt, &lead.LastContactedAt,
		&lead.LastStageChange,
	); err != nil {
		return domain.Lead{}, err
	}
	lead.Stage = domain.Stage(stage)
	lead.NormalizeTags()
	lead.EditorsActive = []uuid.UUID{}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &lead.CustomFields); err != nil {
			return domain.Lead{}, fmt.Errorf("decode custom fields of lead %s: %w", lead.ID, err)
		}
	}
	return lead, nil
}

func encodeFields(fields map[string]domain.Value) ([]byte, error) {
	if fields == nil {
		fields = map[string]domain.Value{}
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode custom fields: %w", err)
	}
	return raw, nil
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
