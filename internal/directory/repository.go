// Package directory reads the agents of each branch for assignment and
// notification routing.
package directory

import (
	"context"
	"errors"
	"fmt"

	"pipeline_backend/internal/leads/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const agentColumns = `id, branch_id, display_name, COALESCE(email, ''), COALESCE(phone, ''), role, supervisor_id`

// ListEligibleAgents returns the active agents of a branch that accept new
// leads, ordered by id so round-robin slots stay stable between calls.
func (r *Repository) ListEligibleAgents(ctx context.Context, branchID uuid.UUID) ([]ports.Agent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+agentColumns+`
		FROM agents
		WHERE branch_id = $1 AND is_active AND accepts_leads
		ORDER BY id
	`, branchID)
	if err != nil {
		return nil, fmt.Errorf("list eligible agents: %w", err)
	}
	defer rows.Close()

	agents := make([]ports.Agent, 0)
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return agents, nil
}

func (r *Repository) GetAgent(ctx context.Context, agentID uuid.UUID) (ports.Agent, error) {
	agent, err := scanAgent(r.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, agentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return ports.Agent{}, fmt.Errorf("agent %s: %w", agentID, ports.ErrAgentNotFound)
	}
	return agent, err
}

func scanAgent(row pgx.Row) (ports.Agent, error) {
	var a ports.Agent
	if err := row.Scan(&a.ID, &a.BranchID, &a.Name, &a.Email, &a.Phone, &a.Role, &a.SupervisorID); err != nil {
		return ports.Agent{}, err
	}
	return a, nil
}

var _ ports.AgentDirectory = (*Repository)(nil)
