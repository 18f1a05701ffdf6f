package transport

import (
	"pipeline_backend/internal/automation"
	"pipeline_backend/internal/leads/domain"

	"github.com/google/uuid"
)

type RuleRequest struct {
	BranchID    *uuid.UUID                           `json:"branchId"`
	Roles       []string                             `json:"roles" validate:"omitempty,dive,required,max=50"`
	Name        string                               `json:"name" validate:"required,min=1,max=200"`
	Enabled     *bool                                `json:"enabled"`
	Priority    automation.Priority                  `json:"priority" validate:"omitempty,oneof=alta media baja"`
	Order       int                                  `json:"order"`
	Triggers    []automation.Trigger                 `json:"triggers"`
	Conditions  []automation.Condition               `json:"conditions"`
	Actions     []automation.Action                  `json:"actions" validate:"required,min=1"`
	ActiveHours *automation.ActiveHours              `json:"activeHours"`
	StageSLA    map[domain.Stage]automation.Duration `json:"stageSla"`
	Pause       *automation.PauseWindow              `json:"pause"`
}

// ToRule builds the rule. Rules are enabled and of medium priority unless stated.
func (r RuleRequest) ToRule(id uuid.UUID) automation.Rule {
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	priority := r.Priority
	if priority == "" {
		priority = automation.PriorityMedia
	}
	return automation.Rule{
		ID:          id,
		BranchID:    r.BranchID,
		Roles:       r.Roles,
		Name:        r.Name,
		Enabled:     enabled,
		Priority:    priority,
		Order:       r.Order,
		Triggers:    r.Triggers,
		Conditions:  r.Conditions,
		Actions:     r.Actions,
		ActiveHours: r.ActiveHours,
		StageSLA:    r.StageSLA,
		Pause:       r.Pause,
	}
}

type RulesResponse struct {
	Items []automation.Rule `json:"items"`
}

type ValidateResponse struct {
	Valid bool `json:"valid"`
}
