// Package ports defines the interfaces the pipeline core requires from
// external systems. These interfaces form the Anti-Corruption Layer (ACL):
// the core only knows about the data it needs, formatted the way it wants,
// and the composition root provides adapters.
package ports

import (
	"context"

	"github.com/google/uuid"
)

// Agent is the agent information the pipeline needs.
// This is defined by the pipeline, not by the directory that stores agents.
type Agent struct {
	ID           uuid.UUID
	BranchID     uuid.UUID
	Name         string
	Email        string
	Phone        string
	Role         string
	SupervisorID *uuid.UUID
}

// AgentDirectory supplies agents for assignment and notification routing.
type AgentDirectory interface {
	// ListEligibleAgents returns the pool that may receive new assignments in a branch,
	// ordered by agent id so round-robin slots are stable.
	ListEligibleAgents(ctx context.Context, branchID uuid.UUID) ([]Agent, error)

	// GetAgent returns a single agent. Implementations return an error wrapping
	// ErrAgentNotFound when the id is unknown.
	GetAgent(ctx context.Context, agentID uuid.UUID) (Agent, error)
}
