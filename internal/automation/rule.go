// Package automation evaluates declarative condition/action rules against leads
// and executes their actions through the same mutation path agents use.
package automation

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"pipeline_backend/internal/leads/domain"

	"github.com/google/uuid"
)

// Trigger is the event that started an evaluation.
type Trigger string

const (
	TriggerLeadCreated Trigger = "lead_created"
	TriggerLeadMutated Trigger = "lead_mutated"
	TriggerSweepTick   Trigger = "sweep_tick"
)

// Priority is the tie-break tier after the explicit order.
type Priority string

const (
	PriorityAlta  Priority = "alta"
	PriorityMedia Priority = "media"
	PriorityBaja  Priority = "baja"
)

func (p Priority) rank() int {
	switch p {
	case PriorityAlta:
		return 0
	case PriorityMedia:
		return 1
	case PriorityBaja:
		return 2
	}
	return 3
}

// ConditionType names the lead attribute a condition inspects.
type ConditionType string

const (
	CondTimeInStage           ConditionType = "time_in_stage"
	CondEstimatedValue        ConditionType = "estimated_value"
	CondChannel               ConditionType = "channel"
	CondTag                   ConditionType = "tag"
	CondAssignedAgent         ConditionType = "assigned_agent"
	CondStage                 ConditionType = "stage"
	CondBranch                ConditionType = "branch"
	CondCampaign              ConditionType = "campaign"
	CondContactAttempts       ConditionType = "contact_attempts"
	CondDaysSinceLastResponse ConditionType = "days_since_last_response"
	CondMessagingWindowOpen   ConditionType = "messaging_window_open"
	CondContentMatch          ConditionType = "content_match"
)

// Operator compares a lead attribute with the condition value.
type Operator string

const (
	OpGT          Operator = ">"
	OpLT          Operator = "<"
	OpGTE         Operator = ">="
	OpLTE         Operator = "<="
	OpEQ          Operator = "="
	OpNEQ         Operator = "!="
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
)

// Condition is one term of a rule's AND-conjunction.
type Condition struct {
	Type     ConditionType `json:"type" yaml:"type"`
	Operator Operator      `json:"operator" yaml:"operator"`
	Value    domain.Value  `json:"value" yaml:"value"`
	// Field names the custom field inspected by content_match.
	Field string `json:"field,omitempty" yaml:"field,omitempty"`
}

// ActionType names what an action does.
type ActionType string

const (
	ActMoveToStage           ActionType = "move_to_stage"
	ActAssignAgent           ActionType = "assign_agent"
	ActAddTag                ActionType = "add_tag"
	ActRemoveTag             ActionType = "remove_tag"
	ActNotify                ActionType = "notify"
	ActCreateFollowUpTask    ActionType = "create_follow_up_task"
	ActNotifySupervisor      ActionType = "notify_supervisor"
	ActSuspendConversation   ActionType = "suspend_conversation"
	ActCallIntegration       ActionType = "call_external_integration"
	ActConfirmAppointment    ActionType = "confirm_appointment"
	ActRescheduleAppointment ActionType = "reschedule_appointment"
	ActMarkArrival           ActionType = "mark_arrival"
	ActABTest                ActionType = "ab_test"
)

// RoundRobin is the assign_agent value selecting the next agent of the eligible pool.
const RoundRobin = "round_robin"

// Recipients for notify.
const (
	RecipientAgent = "agent"
	RecipientLead  = "lead"
)

// Action is one step executed when a rule fires.
type Action struct {
	Type  ActionType   `json:"type" yaml:"type"`
	Value domain.Value `json:"value" yaml:"value"`
	// Template is the message template for notify and notify_supervisor, or the note of a follow-up.
	Template string `json:"template,omitempty" yaml:"template,omitempty"`
	// Recipient selects agent or lead for notify.
	Recipient string  `json:"recipient,omitempty" yaml:"recipient,omitempty"`
	ABTest    *ABTest `json:"abTest,omitempty" yaml:"abTest,omitempty"`
}

// ABTest splits leads between two action variants. Ratio is the share sent to A.
type ABTest struct {
	Ratio float64  `json:"ratio" yaml:"ratio"`
	Salt  string   `json:"salt,omitempty" yaml:"salt,omitempty"`
	A     []Action `json:"a" yaml:"a"`
	B     []Action `json:"b" yaml:"b"`
}

// Duration is a time.Duration that encodes as a Go duration string.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// ActiveHours restricts evaluation to a daily window. End before Start wraps past midnight.
type ActiveHours struct {
	Timezone string         `json:"timezone,omitempty" yaml:"timezone,omitempty"`
	Days     []time.Weekday `json:"days,omitempty" yaml:"days,omitempty"`
	Start    string         `json:"start" yaml:"start"`
	End      string         `json:"end" yaml:"end"`
}

// PauseWindow suspends a rule for a branch, an agent, or everyone when both are nil.
type PauseWindow struct {
	From     time.Time  `json:"from" yaml:"from"`
	Until    time.Time  `json:"until" yaml:"until"`
	BranchID *uuid.UUID `json:"branchId,omitempty" yaml:"branchId,omitempty"`
	AgentID  *uuid.UUID `json:"agentId,omitempty" yaml:"agentId,omitempty"`
}

// Rule is a conjunction of conditions and an ordered list of actions.
// OR is expressed as several rules.
type Rule struct {
	ID          uuid.UUID                 `json:"id" yaml:"id"`
	BranchID    *uuid.UUID                `json:"branchId,omitempty" yaml:"branchId,omitempty"`
	Roles       []string                  `json:"roles,omitempty" yaml:"roles,omitempty"`
	Name        string                    `json:"name" yaml:"name" validate:"required,max=200"`
	Enabled     bool                      `json:"enabled" yaml:"enabled"`
	Priority    Priority                  `json:"priority" yaml:"priority" validate:"oneof=alta media baja"`
	Order       int                       `json:"order" yaml:"order"`
	Triggers    []Trigger                 `json:"triggers,omitempty" yaml:"triggers,omitempty"`
	Conditions  []Condition               `json:"conditions" yaml:"conditions"`
	Actions     []Action                  `json:"actions" yaml:"actions" validate:"min=1"`
	ActiveHours *ActiveHours              `json:"activeHours,omitempty" yaml:"activeHours,omitempty"`
	StageSLA    map[domain.Stage]Duration `json:"stageSla,omitempty" yaml:"stageSla,omitempty"`
	Pause       *PauseWindow              `json:"pause,omitempty" yaml:"pause,omitempty"`
	// DisabledReason is set when the engine switched the rule off.
	DisabledReason string    `json:"disabledReason,omitempty" yaml:"-"`
	CreatedAt      time.Time `json:"createdAt" yaml:"-"`
	UpdatedAt      time.Time `json:"updatedAt" yaml:"-"`
}

// RespondsTo reports whether the rule listens to trigger. No filter means all triggers.
func (r Rule) RespondsTo(trigger Trigger) bool {
	return len(r.Triggers) == 0 || slices.Contains(r.Triggers, trigger)
}

// AppliesToBranch reports whether the rule is scoped to branchID.
func (r Rule) AppliesToBranch(branchID uuid.UUID) bool {
	return r.BranchID == nil || *r.BranchID == branchID
}

// OrderRules sorts by explicit order, then priority tier (alta first), then id.
func OrderRules(rules []Rule) {
	slices.SortStableFunc(rules, func(a, b Rule) int {
		if a.Order != b.Order {
			return a.Order - b.Order
		}
		if ra, rb := a.Priority.rank(), b.Priority.rank(); ra != rb {
			return ra - rb
		}
		return strings.Compare(a.ID.String(), b.ID.String())
	})
}

// Holds reports whether now falls in the window. fallback is used when Timezone is empty.
func (h ActiveHours) Holds(now time.Time, fallback *time.Location) (bool, error) {
	loc := fallback
	if h.Timezone != "" {
		l, err := time.LoadLocation(h.Timezone)
		if err != nil {
			return false, fmt.Errorf("active hours timezone: %w", err)
		}
		loc = l
	}
	if loc == nil {
		loc = time.UTC
	}
	start, err := parseClock(h.Start)
	if err != nil {
		return false, err
	}
	end, err := parseClock(h.End)
	if err != nil {
		return false, err
	}

	local := now.In(loc)
	if len(h.Days) > 0 && !slices.Contains(h.Days, local.Weekday()) {
		return false, nil
	}
	minute := local.Hour()*60 + local.Minute()
	switch {
	case start == end:
		return true, nil
	case start < end:
		return minute >= start && minute < end, nil
	default:
		return minute >= start || minute < end, nil
	}
}

// parseClock parses HH:MM into minutes after midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q: want HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Pauses reports whether the window suspends the rule for the lead at now.
func (p PauseWindow) Pauses(lead domain.Lead, now time.Time) bool {
	if now.Before(p.From) || !now.Before(p.Until) {
		return false
	}
	if p.BranchID != nil && *p.BranchID != lead.BranchID {
		return false
	}
	if p.AgentID != nil && (lead.AssignedAgentID == nil || *lead.AssignedAgentID != *p.AgentID) {
		return false
	}
	return true
}
