package automation

import (
	"fmt"
	"slices"
	"strings"

	"pipeline_backend/internal/leads/domain"
	"pipeline_backend/platform/apperr"
	"pipeline_backend/platform/validator"

	"github.com/google/uuid"
)

// conditionSchemas maps each condition type to its allowed operators and the
// value kind each operator takes.
var conditionSchemas = map[ConditionType]map[Operator]domain.ValueKind{
	CondTimeInStage:           durationOps(),
	CondEstimatedValue:        numericOps(true),
	CondChannel:               membershipOps(),
	CondCampaign:              membershipOps(),
	CondStage:                 membershipOps(),
	CondBranch:                membershipOps(),
	CondAssignedAgent:         membershipOps(),
	CondContactAttempts:       numericOps(true),
	CondDaysSinceLastResponse: numericOps(false),
	CondMessagingWindowOpen:   {OpEQ: domain.KindBool, OpNEQ: domain.KindBool},
	CondTag: {
		OpContains: domain.KindText, OpNotContains: domain.KindText,
		OpIn: domain.KindList, OpNotIn: domain.KindList,
	},
	CondContentMatch: {
		OpContains: domain.KindText, OpNotContains: domain.KindText,
		OpEQ: domain.KindText, OpNEQ: domain.KindText,
	},
}

func durationOps() map[Operator]domain.ValueKind {
	return map[Operator]domain.ValueKind{
		OpGT: domain.KindDuration, OpLT: domain.KindDuration,
		OpGTE: domain.KindDuration, OpLTE: domain.KindDuration,
	}
}

func numericOps(equality bool) map[Operator]domain.ValueKind {
	ops := map[Operator]domain.ValueKind{
		OpGT: domain.KindNumber, OpLT: domain.KindNumber,
		OpGTE: domain.KindNumber, OpLTE: domain.KindNumber,
	}
	if equality {
		ops[OpEQ] = domain.KindNumber
		ops[OpNEQ] = domain.KindNumber
	}
	return ops
}

func membershipOps() map[Operator]domain.ValueKind {
	return map[Operator]domain.ValueKind{
		OpEQ: domain.KindText, OpNEQ: domain.KindText,
		OpIn: domain.KindList, OpNotIn: domain.KindList,
	}
}

// actionKinds lists the value kinds accepted per action type. An empty kind means no value.
var actionKinds = map[ActionType][]domain.ValueKind{
	ActMoveToStage:           {domain.KindText},
	ActAssignAgent:           {"", domain.KindText},
	ActAddTag:                {domain.KindText},
	ActRemoveTag:             {domain.KindText},
	ActNotify:                {""},
	ActCreateFollowUpTask:    {domain.KindDuration},
	ActNotifySupervisor:      {""},
	ActSuspendConversation:   {"", domain.KindDuration},
	ActCallIntegration:       {domain.KindText},
	ActConfirmAppointment:    {""},
	ActRescheduleAppointment: {domain.KindDuration},
	ActMarkArrival:           {""},
	ActABTest:                {""},
}

// Schema validates rule definitions at save time against the fixed per-type
// schemas and the configured stage set.
type Schema struct {
	stages domain.StageSet
	val    *validator.Validator
}

// NewSchema creates a schema bound to the pipeline stages.
func NewSchema(stages domain.StageSet, val *validator.Validator) *Schema {
	if val == nil {
		val = validator.New()
	}
	return &Schema{stages: stages, val: val}
}

// Validate returns an apperr validation error listing every problem of rule, or nil.
func (s *Schema) Validate(rule Rule) error {
	var problems []validator.FieldProblem
	add := func(field, format string, args ...any) {
		problems = append(problems, validator.FieldProblem{Field: field, Problem: fmt.Sprintf(format, args...)})
	}

	if err := s.val.Struct(rule); err != nil {
		problems = append(problems, validator.Problems(err)...)
	}
	for i, trigger := range rule.Triggers {
		switch trigger {
		case TriggerLeadCreated, TriggerLeadMutated, TriggerSweepTick:
		default:
			add(fmt.Sprintf("triggers[%d]", i), "unknown trigger %q", trigger)
		}
	}
	for i, c := range rule.Conditions {
		for _, p := range s.conditionProblems(c) {
			add(fmt.Sprintf("conditions[%d]", i), "%s", p)
		}
	}
	s.actionProblems("actions", rule.Actions, true, add)

	if h := rule.ActiveHours; h != nil {
		if _, err := h.Holds(rule.CreatedAt, nil); err != nil {
			add("activeHours", "%v", err)
		}
		for _, d := range h.Days {
			if d < 0 || d > 6 {
				add("activeHours.days", "weekday %d out of range", d)
			}
		}
	}
	for stage, d := range rule.StageSLA {
		if !s.stages.Contains(stage) {
			add("stageSla", "unknown stage %q", stage)
		}
		if d <= 0 {
			add("stageSla", "duration for %q must be positive", stage)
		}
	}
	if p := rule.Pause; p != nil && !p.Until.After(p.From) {
		add("pause", "until must be after from")
	}

	if len(problems) == 0 {
		return nil
	}
	return apperr.Validation("invalid automation rule").WithDetails(problems)
}

func (s *Schema) conditionProblems(c Condition) []string {
	ops, ok := conditionSchemas[c.Type]
	if !ok {
		return []string{fmt.Sprintf("unknown condition type %q", c.Type)}
	}
	kind, ok := ops[c.Operator]
	if !ok {
		return []string{fmt.Sprintf("operator %q not allowed for %s", c.Operator, c.Type)}
	}
	if c.Value.Kind != kind {
		return []string{fmt.Sprintf("%s %s expects a %s value, got %q", c.Type, c.Operator, kind, c.Value.Kind)}
	}

	var out []string
	values := []string{c.Value.Text()}
	if kind == domain.KindList {
		values = c.Value.List()
		if len(values) == 0 {
			out = append(out, "list value must not be empty")
		}
	}
	switch c.Type {
	case CondStage:
		for _, v := range values {
			if !s.stages.Contains(domain.Stage(v)) {
				out = append(out, fmt.Sprintf("unknown stage %q", v))
			}
		}
	case CondBranch:
		for _, v := range values {
			if _, err := uuid.Parse(v); err != nil {
				out = append(out, fmt.Sprintf("branch %q is not a uuid", v))
			}
		}
	case CondAssignedAgent:
		for _, v := range values {
			if v == "" {
				continue
			}
			if _, err := uuid.Parse(v); err != nil {
				out = append(out, fmt.Sprintf("agent %q is not a uuid", v))
			}
		}
	case CondContentMatch:
		if strings.TrimSpace(c.Field) == "" {
			out = append(out, "content_match requires a field")
		}
	case CondTimeInStage:
		if c.Value.Duration() < 0 {
			out = append(out, "duration must not be negative")
		}
	}
	return out
}

func (s *Schema) actionProblems(path string, actions []Action, allowABTest bool, add func(field, format string, args ...any)) {
	for i, a := range actions {
		field := fmt.Sprintf("%s[%d]", path, i)
		kinds, ok := actionKinds[a.Type]
		if !ok {
			add(field, "unknown action type %q", a.Type)
			continue
		}
		if !slices.Contains(kinds, a.Value.Kind) {
			add(field, "%s does not accept a %q value", a.Type, a.Value.Kind)
			continue
		}

		switch a.Type {
		case ActMoveToStage:
			if !s.stages.Contains(domain.Stage(a.Value.Text())) {
				add(field, "unknown stage %q", a.Value.Text())
			}
		case ActAssignAgent:
			if v := a.Value.Text(); v != "" && v != RoundRobin {
				if _, err := uuid.Parse(v); err != nil {
					add(field, "assign_agent value must be %q or an agent id", RoundRobin)
				}
			}
		case ActAddTag, ActRemoveTag, ActCallIntegration:
			if strings.TrimSpace(a.Value.Text()) == "" {
				add(field, "%s requires a non-empty value", a.Type)
			}
		case ActNotify:
			if a.Template == "" {
				add(field, "notify requires a template")
			}
			if a.Recipient != "" && a.Recipient != RecipientAgent && a.Recipient != RecipientLead {
				add(field, "recipient must be %q or %q", RecipientAgent, RecipientLead)
			}
		case ActNotifySupervisor:
			if a.Template == "" {
				add(field, "notify_supervisor requires a template")
			}
		case ActCreateFollowUpTask, ActRescheduleAppointment:
			if a.Value.Duration() <= 0 {
				add(field, "%s requires a positive duration", a.Type)
			}
		case ActSuspendConversation:
			if a.Value.Kind == domain.KindDuration && a.Value.Duration() <= 0 {
				add(field, "suspend duration must be positive")
			}
		case ActABTest:
			if !allowABTest {
				add(field, "ab_test cannot be nested")
				continue
			}
			t := a.ABTest
			if t == nil {
				add(field, "ab_test requires variants")
				continue
			}
			if t.Ratio <= 0 || t.Ratio >= 1 {
				add(field, "ab_test ratio must be between 0 and 1")
			}
			if len(t.A) == 0 || len(t.B) == 0 {
				add(field, "ab_test variants must not be empty")
			}
			s.actionProblems(field+".a", t.A, false, add)
			s.actionProblems(field+".b", t.B, false, add)
		}
	}
}

// preflight checks the types a rule refers to before anything executes. A rule
// that names an unknown condition or action type cannot run and is disabled.
func preflight(rule Rule) error {
	for _, c := range rule.Conditions {
		ops, ok := conditionSchemas[c.Type]
		if !ok {
			return &FatalConfigError{RuleID: rule.ID, Reason: fmt.Sprintf("unknown condition type %q", c.Type)}
		}
		if _, ok := ops[c.Operator]; !ok {
			return &FatalConfigError{RuleID: rule.ID, Reason: fmt.Sprintf("operator %q not allowed for %s", c.Operator, c.Type)}
		}
	}
	return preflightActions(rule.ID, rule.Actions)
}

func preflightActions(ruleID uuid.UUID, actions []Action) error {
	for _, a := range actions {
		if _, ok := actionKinds[a.Type]; !ok {
			return &FatalConfigError{RuleID: ruleID, Reason: fmt.Sprintf("unknown action type %q", a.Type)}
		}
		if a.Type == ActABTest {
			if a.ABTest == nil {
				return &FatalConfigError{RuleID: ruleID, Reason: "ab_test without variants"}
			}
			if err := preflightActions(ruleID, a.ABTest.A); err != nil {
				return err
			}
			if err := preflightActions(ruleID, a.ABTest.B); err != nil {
				return err
			}
		}
	}
	return nil
}
