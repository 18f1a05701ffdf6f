package automation

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"pipeline_backend/internal/leads/domain"
)

// Matches evaluates the conjunction of conditions plus the implicit SLA
// condition against lead at now. Elapsed-time conditions use now, never a
// cached value. A rule with an SLA mapping that has no entry for the lead's
// current stage does not match.
func (r Rule) Matches(lead domain.Lead, now time.Time) (bool, error) {
	if len(r.StageSLA) > 0 {
		sla, ok := r.StageSLA[lead.Stage]
		if !ok || lead.TimeInStage(now) < time.Duration(sla) {
			return false, nil
		}
	}
	for _, c := range r.Conditions {
		ok, err := c.Holds(lead, now)
		if err != nil {
			return false, &FatalConfigError{RuleID: r.ID, Reason: err.Error()}
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Holds evaluates one condition.
func (c Condition) Holds(lead domain.Lead, now time.Time) (bool, error) {
	switch c.Type {
	case CondTimeInStage:
		return compareDuration(c.Operator, lead.TimeInStage(now), c.Value.Duration())
	case CondEstimatedValue:
		return compareNumber(c.Operator, lead.EstimatedValue, c.Value.Number())
	case CondContactAttempts:
		return compareNumber(c.Operator, float64(lead.ContactAttempts), c.Value.Number())
	case CondDaysSinceLastResponse:
		return compareNumber(c.Operator, lead.DaysSinceLastResponse(now), c.Value.Number())
	case CondChannel:
		return compareMembership(c.Operator, lead.Channel, c.Value)
	case CondCampaign:
		return compareMembership(c.Operator, lead.Campaign, c.Value)
	case CondStage:
		return compareMembership(c.Operator, string(lead.Stage), c.Value)
	case CondBranch:
		return compareMembership(c.Operator, lead.BranchID.String(), c.Value)
	case CondAssignedAgent:
		agent := ""
		if lead.AssignedAgentID != nil {
			agent = lead.AssignedAgentID.String()
		}
		return compareMembership(c.Operator, agent, c.Value)
	case CondMessagingWindowOpen:
		open := lead.MessagingWindowOpen(now)
		switch c.Operator {
		case OpEQ:
			return open == c.Value.Bool(), nil
		case OpNEQ:
			return open != c.Value.Bool(), nil
		}
	case CondTag:
		switch c.Operator {
		case OpContains:
			return lead.HasTag(c.Value.Text()), nil
		case OpNotContains:
			return !lead.HasTag(c.Value.Text()), nil
		case OpIn:
			return slices.ContainsFunc(c.Value.List(), lead.HasTag), nil
		case OpNotIn:
			return !slices.ContainsFunc(c.Value.List(), lead.HasTag), nil
		}
	case CondContentMatch:
		return matchContent(c.Operator, lead.CustomFields[c.Field], c.Value.Text())
	default:
		return false, fmt.Errorf("unknown condition type %q", c.Type)
	}
	return false, fmt.Errorf("operator %q not allowed for %s", c.Operator, c.Type)
}

func compareDuration(op Operator, actual, want time.Duration) (bool, error) {
	switch op {
	case OpGT:
		return actual > want, nil
	case OpLT:
		return actual < want, nil
	case OpGTE:
		return actual >= want, nil
	case OpLTE:
		return actual <= want, nil
	}
	return false, fmt.Errorf("operator %q not allowed for durations", op)
}

func compareNumber(op Operator, actual, want float64) (bool, error) {
	switch op {
	case OpGT:
		return actual > want, nil
	case OpLT:
		return actual < want, nil
	case OpGTE:
		return actual >= want, nil
	case OpLTE:
		return actual <= want, nil
	case OpEQ:
		return actual == want, nil
	case OpNEQ:
		return actual != want, nil
	}
	return false, fmt.Errorf("operator %q not allowed for numbers", op)
}

func compareMembership(op Operator, actual string, want domain.Value) (bool, error) {
	switch op {
	case OpEQ:
		return strings.EqualFold(actual, want.Text()), nil
	case OpNEQ:
		return !strings.EqualFold(actual, want.Text()), nil
	case OpIn:
		return containsFold(want.List(), actual), nil
	case OpNotIn:
		return !containsFold(want.List(), actual), nil
	}
	return false, fmt.Errorf("operator %q not allowed for text", op)
}

func containsFold(list []string, s string) bool {
	return slices.ContainsFunc(list, func(item string) bool { return strings.EqualFold(item, s) })
}

// matchContent compares a custom field rendered as text. A missing field
// satisfies only the negative operators.
func matchContent(op Operator, field domain.Value, want string) (bool, error) {
	// List fields compare by membership.
	if field.Kind == domain.KindList && (op == OpEQ || op == OpNEQ) {
		return field.ListContains(want) == (op == OpEQ), nil
	}
	text := strings.ToLower(field.String())
	want = strings.ToLower(want)
	missing := field.IsZero()
	switch op {
	case OpContains:
		return !missing && strings.Contains(text, want), nil
	case OpNotContains:
		return missing || !strings.Contains(text, want), nil
	case OpEQ:
		return !missing && text == want, nil
	case OpNEQ:
		return missing || text != want, nil
	}
	return false, fmt.Errorf("operator %q not allowed for content_match", op)
}
