// Package events provides domain event definitions for decoupled,
// event-driven communication between modules.
// Infrastructure (Bus, Handler) is in platform/events.
package events

import (
	"pipeline_backend/platform/events"

	"github.com/google/uuid"
)

// Re-export platform types for convenience
type (
	Event       = events.Event
	Bus         = events.Bus
	Handler     = events.Handler
	HandlerFunc = events.HandlerFunc
	BaseEvent   = events.BaseEvent
)

// Re-export platform functions
var NewBaseEvent = events.NewBaseEvent

// =============================================================================
// Lead Domain Events
// =============================================================================

// LeadIngested is published when an external source created a lead.
type LeadIngested struct {
	BaseEvent
	LeadID   uuid.UUID `json:"leadId"`
	BranchID uuid.UUID `json:"branchId"`
	Stage    string    `json:"stage"`
	Channel  string    `json:"channel"`
}

func (e LeadIngested) EventName() string { return "leads.lead.ingested" }

// LeadStageChanged is published after a lead moved to another stage.
type LeadStageChanged struct {
	BaseEvent
	LeadID    uuid.UUID `json:"leadId"`
	BranchID  uuid.UUID `json:"branchId"`
	FromStage string    `json:"fromStage"`
	ToStage   string    `json:"toStage"`
	Version   int64     `json:"version"`
	Automated bool      `json:"automated"`
}

func (e LeadStageChanged) EventName() string { return "leads.lead.stage_changed" }

// LeadAssigned is published when a lead gets a new assigned agent.
type LeadAssigned struct {
	BaseEvent
	LeadID    uuid.UUID `json:"leadId"`
	BranchID  uuid.UUID `json:"branchId"`
	AgentID   uuid.UUID `json:"agentId"`
	Automated bool      `json:"automated"`
}

func (e LeadAssigned) EventName() string { return "leads.lead.assigned" }

// =============================================================================
// Automation Domain Events
// =============================================================================

// RuleFired is published once per matched rule after its audit entry was written.
type RuleFired struct {
	BaseEvent
	RuleID   uuid.UUID `json:"ruleId"`
	RuleName string    `json:"ruleName"`
	LeadID   uuid.UUID `json:"leadId"`
	BranchID uuid.UUID `json:"branchId"`
	Outcome  string    `json:"outcome"`
}

func (e RuleFired) EventName() string { return "automation.rule.fired" }
