package ports

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// FollowUp is a reminder for an agent to contact a lead at a later time.
type FollowUp struct {
	LeadID   uuid.UUID
	BranchID uuid.UUID
	AgentID  *uuid.UUID
	RuleID   uuid.UUID
	Note     string
	DueAt    time.Time
}

// FollowUpScheduler persists follow-up tasks for later delivery.
type FollowUpScheduler interface {
	ScheduleFollowUp(ctx context.Context, task FollowUp) error
}
