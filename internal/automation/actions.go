package automation

import (
	"context"
	"errors"
	"fmt"

	"pipeline_backend/internal/audit"
	"pipeline_backend/internal/leads/domain"
	"pipeline_backend/internal/leads/ports"

	"github.com/google/uuid"
)

var (
	errNoEligibleAgents = errors.New("no eligible agents")
	errNoAssignedAgent  = errors.New("lead has no assigned agent")
	errNoSupervisor     = errors.New("assigned agent has no supervisor")
	errForeignAgent     = errors.New("agent belongs to another branch")
)

// execution carries the state of one rule firing.
type execution struct {
	engine *Engine
	rule   Rule
	lead   domain.Lead
	mut    LeadMutator

	results   []audit.ActionResult
	summary   []string
	suspended bool
	stale     bool
	entry     audit.Entry
}

// run executes actions strictly in order. A failed action does not stop its
// siblings; once the lead is known to be stale every remaining action fails
// without side effects.
func (x *execution) run(ctx context.Context, actions []Action, variant string) {
	for _, a := range actions {
		if a.Type == ActABTest {
			chosen, branch := a.ABTest.Variant(x.rule.ID, x.lead.ID)
			x.summary = append(x.summary, fmt.Sprintf("ab_test(%s)", chosen))
			x.run(ctx, branch, chosen)
			continue
		}

		x.summary = append(x.summary, describe(a))
		result := audit.ActionResult{Type: string(a.Type), Variant: variant, Status: audit.ActionOK}

		var (
			msg string
			err error
		)
		if x.stale {
			err = ErrStaleEvaluation
		} else {
			msg, err = x.execute(ctx, a)
		}
		if err != nil {
			if errors.Is(err, ErrStaleEvaluation) {
				x.stale = true
			}
			result.Status = audit.ActionFailed
			result.Message = err.Error()
			x.engine.log.Warn("action failed",
				"ruleId", x.rule.ID, "leadId", x.lead.ID, "error", &ActionError{Action: a.Type, Err: err})
		} else {
			result.Message = msg
		}
		x.results = append(x.results, result)
	}
}

func describe(a Action) string {
	switch {
	case a.Template != "":
		return fmt.Sprintf("%s(%s)", a.Type, a.Template)
	case !a.Value.IsZero():
		return fmt.Sprintf("%s(%s)", a.Type, a.Value.String())
	}
	return string(a.Type)
}

func (x *execution) execute(ctx context.Context, a Action) (string, error) {
	deps := x.engine.deps
	switch a.Type {
	case ActMoveToStage:
		target := domain.Stage(a.Value.Text())
		if x.lead.Stage == target {
			return "already in stage", nil
		}
		return "moved to " + string(target), x.move(ctx, target)

	case ActAssignAgent:
		return x.assign(ctx, a)

	case ActAddTag:
		if x.lead.HasTag(a.Value.Text()) {
			return "tag already present", nil
		}
		return "", x.patch(ctx, domain.LeadPatch{AddTags: []string{a.Value.Text()}})

	case ActRemoveTag:
		if !x.lead.HasTag(a.Value.Text()) {
			return "tag not present", nil
		}
		return "", x.patch(ctx, domain.LeadPatch{RemoveTags: []string{a.Value.Text()}})

	case ActNotify:
		if deps.Notifier == nil {
			return "", ports.ErrCollaboratorDisabled
		}
		to := ports.LeadRecipient(x.lead.ID)
		if a.Recipient != RecipientLead {
			if x.lead.AssignedAgentID == nil {
				return "", errNoAssignedAgent
			}
			to = ports.AgentRecipient(*x.lead.AssignedAgentID)
		}
		return "", deps.Notifier.Send(ctx, to, a.Template, x.payload())

	case ActNotifySupervisor:
		if deps.Notifier == nil || deps.Directory == nil {
			return "", ports.ErrCollaboratorDisabled
		}
		if x.lead.AssignedAgentID == nil {
			return "", errNoAssignedAgent
		}
		agent, err := deps.Directory.GetAgent(ctx, *x.lead.AssignedAgentID)
		if err != nil {
			return "", err
		}
		if agent.SupervisorID == nil {
			return "", errNoSupervisor
		}
		payload := x.payload()
		payload["agentName"] = agent.Name
		return "", deps.Notifier.Send(ctx, ports.AgentRecipient(*agent.SupervisorID), a.Template, payload)

	case ActCreateFollowUpTask:
		if deps.FollowUps == nil {
			return "", ports.ErrCollaboratorDisabled
		}
		due := x.engine.now().Add(a.Value.Duration())
		err := deps.FollowUps.ScheduleFollowUp(ctx, ports.FollowUp{
			LeadID:   x.lead.ID,
			BranchID: x.lead.BranchID,
			AgentID:  x.lead.AssignedAgentID,
			RuleID:   x.rule.ID,
			Note:     a.Template,
			DueAt:    due,
		})
		return "due " + due.UTC().Format("2006-01-02T15:04Z"), err

	case ActSuspendConversation:
		cooldown := x.engine.settings.Cooldown
		if a.Value.Kind == domain.KindDuration {
			cooldown = a.Value.Duration()
		}
		until := x.engine.now().Add(cooldown)
		if err := x.patch(ctx, domain.LeadPatch{AutomationSuspendedUntil: &until}); err != nil {
			return "", err
		}
		x.suspended = true
		return "suspended for " + cooldown.String(), nil

	case ActCallIntegration:
		if deps.Integrations == nil {
			return "", ports.ErrCollaboratorDisabled
		}
		return "", deps.Integrations.Call(ctx, ports.IntegrationCall{
			Name:     a.Value.Text(),
			LeadID:   x.lead.ID,
			BranchID: x.lead.BranchID,
			RuleID:   x.rule.ID,
			Payload:  x.payload(),
		})

	case ActConfirmAppointment, ActRescheduleAppointment, ActMarkArrival:
		if deps.Appointments == nil {
			return "", ports.ErrCollaboratorDisabled
		}
		var (
			res ports.AppointmentResult
			err error
		)
		switch a.Type {
		case ActConfirmAppointment:
			res, err = deps.Appointments.ConfirmAppointment(ctx, x.lead.ID)
		case ActRescheduleAppointment:
			res, err = deps.Appointments.RescheduleAppointment(ctx, x.lead.ID, a.Value.Duration())
		default:
			res, err = deps.Appointments.MarkArrival(ctx, x.lead.ID)
		}
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("appointment %s %s", res.AppointmentID, res.Status), nil
	}
	return "", fmt.Errorf("unsupported action %q", a.Type)
}

// assign picks the agent and writes it. For round robin the cursor slot is
// consumed before the write, so every firing takes exactly one slot.
func (x *execution) assign(ctx context.Context, a Action) (string, error) {
	dir := x.engine.deps.Directory
	if dir == nil {
		return "", ports.ErrCollaboratorDisabled
	}

	var agent ports.Agent
	if v := a.Value.Text(); v == "" || v == RoundRobin {
		pool, err := dir.ListEligibleAgents(ctx, x.lead.BranchID)
		if err != nil {
			return "", err
		}
		if len(pool) == 0 {
			return "", errNoEligibleAgents
		}
		slot, err := x.engine.deps.Cursor.Next(ctx, "rr:"+x.lead.BranchID.String(), len(pool))
		if err != nil {
			return "", fmt.Errorf("round-robin cursor: %w", err)
		}
		agent = pool[slot]
	} else {
		id, err := uuid.Parse(v)
		if err != nil {
			return "", err
		}
		agent, err = dir.GetAgent(ctx, id)
		if err != nil {
			return "", err
		}
		if agent.BranchID != x.lead.BranchID {
			return "", errForeignAgent
		}
	}

	if x.lead.AssignedAgentID != nil && *x.lead.AssignedAgentID == agent.ID {
		return "already assigned to " + agent.Name, nil
	}
	id := agent.ID
	if err := x.patch(ctx, domain.LeadPatch{AssignedAgentID: &id}); err != nil {
		return "", err
	}
	return "assigned to " + agent.Name, nil
}

func (x *execution) move(ctx context.Context, to domain.Stage) error {
	updated, err := x.mut.MoveStage(ctx, x.lead, to)
	if err != nil {
		return err
	}
	x.lead = updated
	return nil
}

func (x *execution) patch(ctx context.Context, p domain.LeadPatch) error {
	updated, err := x.mut.Patch(ctx, x.lead, p)
	if err != nil {
		return err
	}
	x.lead = updated
	return nil
}

func (x *execution) payload() map[string]string {
	return map[string]string{
		"leadId":   x.lead.ID.String(),
		"leadName": x.lead.DisplayName,
		"stage":    string(x.lead.Stage),
		"branchId": x.lead.BranchID.String(),
		"ruleName": x.rule.Name,
	}
}
