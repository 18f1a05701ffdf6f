package automation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"pipeline_backend/internal/audit"
	"pipeline_backend/internal/events"
	"pipeline_backend/internal/leads/domain"
	"pipeline_backend/internal/leads/ports"
	"pipeline_backend/platform/config"
	"pipeline_backend/platform/logger"
	"pipeline_backend/platform/telemetry"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// LeadMutator applies automated writes through the same mutation path agents
// use. Implementations reject a write based on a lead snapshot older than the
// persisted lead with ErrStaleEvaluation.
type LeadMutator interface {
	MoveStage(ctx context.Context, lead domain.Lead, to domain.Stage) (domain.Lead, error)
	Patch(ctx context.Context, lead domain.Lead, patch domain.LeadPatch) (domain.Lead, error)
}

// Deps are the collaborators of the engine. Nil collaborators make the
// actions that need them fail with ports.ErrCollaboratorDisabled.
type Deps struct {
	Rules        RuleSource
	Disabler     RuleDisabler
	Audit        audit.Recorder
	Directory    ports.AgentDirectory
	Notifier     ports.Notifier
	Appointments ports.Appointments
	Integrations ports.Integrations
	FollowUps    ports.FollowUpScheduler
	Cursor       CursorStore
	Bus          events.Bus
}

// Settings tune evaluation.
type Settings struct {
	// Cooldown is how long suspend_conversation pauses automation when the action carries no duration.
	Cooldown time.Duration
	// Location is used for active hours without an explicit timezone.
	Location *time.Location
}

// SettingsFrom reads the automation settings from config.
func SettingsFrom(cfg config.AutomationConfig) Settings {
	return Settings{Cooldown: cfg.GetSuspendCooldown(), Location: cfg.GetAutomationLocation()}
}

// Result describes one evaluation of a lead.
type Result struct {
	// Lead is the lead after every automated write.
	Lead domain.Lead
	// Entries holds one audit entry per fired rule, in firing order.
	Entries []audit.Entry
	// Disabled lists rules switched off during this evaluation.
	Disabled []uuid.UUID
	// Suspended is true when a suspend_conversation action halted evaluation.
	Suspended bool
	// Skipped is true when the lead was already suspended and nothing was evaluated.
	Skipped bool
	// Stale is true when an automated write found the lead changed underneath.
	Stale bool
}

// Engine evaluates rules against leads. It holds no per-lead state: callers
// serialize evaluations per scope.
type Engine struct {
	deps     Deps
	settings Settings
	now      func() time.Time
	log      *logger.Logger
}

func NewEngine(deps Deps, settings Settings, log *logger.Logger) *Engine {
	if deps.Cursor == nil {
		deps.Cursor = NewMemoryCursor()
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = 24 * time.Hour
	}
	if settings.Location == nil {
		settings.Location = time.UTC
	}
	return &Engine{deps: deps, settings: settings, now: time.Now, log: log}
}

// WithClock replaces the wall clock. Intended for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Evaluate runs every applicable rule against lead for trigger. Rule-level
// problems are recorded and never returned; the error reports only failures to
// load rules or a cancelled context.
func (e *Engine) Evaluate(ctx context.Context, trigger Trigger, lead domain.Lead, mut LeadMutator) (Result, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "automation.Evaluate", trace.WithAttributes(
		attribute.String("lead.id", lead.ID.String()),
		attribute.String("automation.trigger", string(trigger)),
	))
	defer span.End()

	res := Result{Lead: lead}
	if lead.IsSuspended(e.now()) {
		res.Skipped = true
		return res, nil
	}

	rules, err := e.deps.Rules.ListForBranch(ctx, lead.BranchID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return res, fmt.Errorf("list rules: %w", err)
	}
	rules = slices.Clone(rules)
	OrderRules(rules)

	roles := make(map[uuid.UUID]string)
	for _, rule := range rules {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		now := e.now()
		ok, err := e.applies(ctx, trigger, rule, res.Lead, now, roles)
		if err == nil && ok {
			ok, err = rule.Matches(res.Lead, now)
		}
		var fatal *FatalConfigError
		if errors.As(err, &fatal) {
			e.disable(ctx, rule, fatal.Reason)
			res.Disabled = append(res.Disabled, rule.ID)
			continue
		}
		if err != nil {
			e.log.Warn("rule skipped", "ruleId", rule.ID, "leadId", lead.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}

		x := e.fire(ctx, trigger, rule, res.Lead, mut)
		res.Lead = x.lead
		res.Entries = append(res.Entries, x.entry)
		if x.suspended {
			res.Suspended = true
			break
		}
		if x.stale {
			res.Stale = true
			break
		}
	}
	span.SetAttributes(attribute.Int("automation.fired", len(res.Entries)))
	return res, nil
}

// applies checks enabled flag, trigger filter, scope, pause window, active hours
// and that every type the rule names is known.
func (e *Engine) applies(ctx context.Context, trigger Trigger, rule Rule, lead domain.Lead, now time.Time, roles map[uuid.UUID]string) (bool, error) {
	if !rule.Enabled || !rule.RespondsTo(trigger) || !rule.AppliesToBranch(lead.BranchID) {
		return false, nil
	}
	if err := preflight(rule); err != nil {
		return false, err
	}
	if rule.Pause != nil && rule.Pause.Pauses(lead, now) {
		return false, nil
	}
	if h := rule.ActiveHours; h != nil {
		holds, err := h.Holds(now, e.settings.Location)
		if err != nil {
			return false, &FatalConfigError{RuleID: rule.ID, Reason: err.Error()}
		}
		if !holds {
			return false, nil
		}
	}
	if len(rule.Roles) > 0 {
		if lead.AssignedAgentID == nil || e.deps.Directory == nil {
			return false, nil
		}
		role, ok := roles[*lead.AssignedAgentID]
		if !ok {
			agent, err := e.deps.Directory.GetAgent(ctx, *lead.AssignedAgentID)
			if err != nil {
				return false, fmt.Errorf("resolve agent role: %w", err)
			}
			role = agent.Role
			roles[*lead.AssignedAgentID] = role
		}
		if !slices.Contains(rule.Roles, role) {
			return false, nil
		}
	}
	return true, nil
}

func (e *Engine) disable(ctx context.Context, rule Rule, reason string) {
	e.log.RuleDisabled(rule.ID.String(), reason)
	if e.deps.Disabler == nil {
		return
	}
	if err := e.deps.Disabler.Disable(ctx, rule.ID, reason); err != nil {
		e.log.Error("failed to disable rule", "ruleId", rule.ID, "error", err)
	}
}

func (e *Engine) fire(ctx context.Context, trigger Trigger, rule Rule, lead domain.Lead, mut LeadMutator) *execution {
	ctx, span := telemetry.Tracer().Start(ctx, "automation.Fire", trace.WithAttributes(
		attribute.String("rule.id", rule.ID.String()),
		attribute.String("lead.id", lead.ID.String()),
	))
	defer span.End()

	x := &execution{engine: e, rule: rule, lead: lead, mut: mut}
	x.run(ctx, rule.Actions, "")

	outcome := audit.OutcomeOf(x.results)
	var failures []string
	for _, r := range x.results {
		if r.Status == audit.ActionFailed {
			failures = append(failures, r.Type+": "+r.Message)
		}
	}
	x.entry = audit.Entry{
		ID:            uuid.New(),
		RuleID:        rule.ID,
		RuleName:      rule.Name,
		LeadID:        lead.ID,
		BranchID:      lead.BranchID,
		Trigger:       string(trigger),
		ActionSummary: strings.Join(x.summary, ", "),
		Outcome:       outcome,
		Message:       strings.Join(failures, "; "),
		Detail: audit.Detail{
			Actions:     x.results,
			LeadVersion: x.lead.Version,
			Stage:       string(x.lead.Stage),
		},
		CreatedAt: e.now(),
	}
	span.SetAttributes(attribute.String("automation.outcome", string(outcome)))

	if e.deps.Audit != nil {
		if err := e.deps.Audit.Record(ctx, x.entry); err != nil {
			e.log.Error("failed to record audit entry", "ruleId", rule.ID, "leadId", lead.ID, "error", err)
		}
	}
	e.log.RuleFired(rule.ID.String(), lead.ID.String(), string(outcome), len(x.results))
	if e.deps.Bus != nil {
		e.deps.Bus.Publish(ctx, events.RuleFired{
			BaseEvent: events.NewBaseEvent(),
			RuleID:    rule.ID,
			RuleName:  rule.Name,
			LeadID:    lead.ID,
			BranchID:  lead.BranchID,
			Outcome:   string(outcome),
		})
	}
	return x
}
