// Package pipeline is the single entry point for lead mutations. Manual edits,
// ingestion, automated actions and sweeps all pass through one queue per
// branch, so writes within a branch are applied one at a time and in order,
// while branches proceed in parallel on a bounded worker pool.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"pipeline_backend/internal/automation"
	"pipeline_backend/internal/board"
	"pipeline_backend/internal/broadcast"
	"pipeline_backend/internal/events"
	"pipeline_backend/internal/leads/domain"
	"pipeline_backend/internal/leads/repository"
	"pipeline_backend/internal/presence"
	"pipeline_backend/platform/apperr"
	"pipeline_backend/platform/config"
	"pipeline_backend/platform/logger"

	"github.com/google/uuid"
)

// maxSaveAttempts bounds re-reads when another instance saved the lead first.
const maxSaveAttempts = 3

// LeadStore is the persistence the coordinator needs. Save must fail with
// repository.ErrVersionMismatch when the stored version differs from expectedVersion.
type LeadStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (domain.Lead, error)
	Insert(ctx context.Context, lead domain.Lead) (domain.Lead, error)
	Save(ctx context.Context, lead domain.Lead, expectedVersion int64) (domain.Lead, error)
	ListSweepCandidates(ctx context.Context, branchID uuid.UUID, now time.Time, limit int) ([]domain.Lead, error)
}

// Evaluator runs automation rules against a lead.
type Evaluator interface {
	Evaluate(ctx context.Context, trigger automation.Trigger, lead domain.Lead, mut automation.LeadMutator) (automation.Result, error)
}

// Deps are the collaborators of the coordinator.
type Deps struct {
	Store     LeadStore
	Stages    domain.StageSet
	Tracker   *presence.Tracker
	Boards    *board.Registry
	Engine    Evaluator
	Publisher broadcast.Publisher
	Bus       events.Bus
}

// Options size the queues and the worker pool.
type Options struct {
	Workers    int
	QueueSize  int
	SweepBatch int
}

// OptionsFrom reads the coordinator options from config.
func OptionsFrom(cfg config.PipelineConfig) Options {
	return Options{Workers: cfg.GetWorkerPoolSize(), QueueSize: cfg.GetScopeQueueSize(), SweepBatch: 500}
}

// Coordinator serializes mutations per branch.
type Coordinator struct {
	deps       Deps
	scopes     *scopes
	sweepBatch int
	now        func() time.Time
	log        *logger.Logger
}

func New(deps Deps, opts Options, log *logger.Logger) *Coordinator {
	if opts.SweepBatch < 1 {
		opts.SweepBatch = 500
	}
	return &Coordinator{
		deps:       deps,
		scopes:     newScopes(opts.Workers, opts.QueueSize, log),
		sweepBatch: opts.SweepBatch,
		now:        time.Now,
		log:        log,
	}
}

// WithClock replaces the wall clock. Intended for tests.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// Close stops accepting work. Queued work fails with ErrStopped.
func (c *Coordinator) Close() {
	c.scopes.close()
}

// Outcome is the result of one mutation, after automation ran.
type Outcome struct {
	Lead       domain.Lead `json:"lead"`
	Changed    []string    `json:"changed"`
	Conflict   bool        `json:"conflict"`
	RulesFired int         `json:"rulesFired"`
}

// Move is a manual stage change.
type Move struct {
	BranchID     uuid.UUID
	LeadID       uuid.UUID
	AgentID      uuid.UUID
	From         domain.Stage
	To           domain.Stage
	PriorVersion int64
}

// Update is a manual partial edit, optionally with a stage change.
type Update struct {
	BranchID     uuid.UUID
	LeadID       uuid.UUID
	AgentID      uuid.UUID
	Stage        domain.Stage
	Patch        domain.LeadPatch
	PriorVersion int64
	// Origin defaults to broadcast.OriginAgent.
	Origin broadcast.Origin
}

// Ingest stores a new lead and evaluates lead-created rules.
func (c *Coordinator) Ingest(ctx context.Context, lead domain.Lead) (Outcome, error) {
	if lead.BranchID == uuid.Nil {
		return Outcome{}, apperr.Validation("branch is required")
	}
	if lead.Stage == "" {
		lead.Stage = c.deps.Stages.First()
	}
	if !c.deps.Stages.Contains(lead.Stage) {
		return Outcome{}, apperr.Validation(fmt.Sprintf("unknown stage %q", lead.Stage))
	}

	var out Outcome
	err := c.scopes.submit(ctx, lead.BranchID, "ingest", func(ctx context.Context) error {
		now := c.now()
		if lead.ID == uuid.Nil {
			lead.ID = uuid.New()
		}
		lead.Version = 1
		lead.HasConflict = false
		lead.CreatedAt, lead.UpdatedAt, lead.LastStageChange = now, now, now
		lead.NormalizeTags()

		saved, err := c.deps.Store.Insert(ctx, lead)
		if err != nil {
			return fmt.Errorf("insert lead: %w", err)
		}
		c.deps.Tracker.Observe(saved.ID, saved.Version)
		saved.EditorsActive = []uuid.UUID{}

		c.deps.Boards.Get(saved.BranchID).Reconcile(saved, "")
		c.publish(ctx, broadcast.Delta{
			LeadID:   saved.ID,
			BranchID: saved.BranchID,
			Version:  saved.Version,
			ToStage:  saved.Stage,
			Changed:  []string{domain.FieldStage},
			Editors:  saved.EditorsActive,
			Origin:   broadcast.OriginIngest,
			Lead:     &saved,
		})
		c.emit(ctx, events.LeadIngested{
			BaseEvent: events.NewBaseEvent(),
			LeadID:    saved.ID,
			BranchID:  saved.BranchID,
			Stage:     string(saved.Stage),
			Channel:   saved.Channel,
		})

		res := c.automate(ctx, automation.TriggerLeadCreated, saved)
		out = Outcome{Lead: res.Lead, Changed: []string{domain.FieldStage}, RulesFired: len(res.Entries)}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// Move changes the stage of a lead on behalf of an agent. When From no longer
// matches the stored stage the move still applies but is flagged as a conflict,
// like any write based on an outdated view.
func (c *Coordinator) Move(ctx context.Context, m Move) (Outcome, error) {
	if !c.deps.Stages.Contains(m.To) {
		return Outcome{}, apperr.Validation(fmt.Sprintf("unknown stage %q", m.To))
	}
	if m.From != "" && !c.deps.Stages.Contains(m.From) {
		return Outcome{}, apperr.Validation(fmt.Sprintf("unknown stage %q", m.From))
	}
	return c.manual(ctx, "move", write{
		branchID:  m.BranchID,
		leadID:    m.LeadID,
		actor:     m.AgentID,
		origin:    broadcast.OriginAgent,
		prior:     m.PriorVersion,
		fromStage: m.From,
		mutate:    moveTo(m.To),
	})
}

// Update applies a partial edit on behalf of an agent.
func (c *Coordinator) Update(ctx context.Context, u Update) (Outcome, error) {
	if u.Patch.IsEmpty() && u.Stage == "" {
		return Outcome{}, apperr.Validation("nothing to update")
	}
	if u.Stage != "" && !c.deps.Stages.Contains(u.Stage) {
		return Outcome{}, apperr.Validation(fmt.Sprintf("unknown stage %q", u.Stage))
	}
	origin := u.Origin
	if origin == "" {
		origin = broadcast.OriginAgent
	}
	return c.manual(ctx, "update", write{
		branchID: u.BranchID,
		leadID:   u.LeadID,
		actor:    u.AgentID,
		origin:   origin,
		prior:    u.PriorVersion,
		mutate: func(lead *domain.Lead, now time.Time) []string {
			changed := u.Patch.Apply(lead)
			if u.Stage != "" && lead.SetStage(u.Stage, now) {
				changed = append(changed, domain.FieldStage)
			}
			return changed
		},
	})
}

// ResolveConflict clears the conflict badge of a lead after an agent reviewed it.
func (c *Coordinator) ResolveConflict(ctx context.Context, branchID, leadID, agentID uuid.UUID) (Outcome, error) {
	var out Outcome
	err := c.scopes.submit(ctx, branchID, "resolve_conflict", func(ctx context.Context) error {
		saved, changed, _, err := c.commit(ctx, write{
			branchID:    branchID,
			leadID:      leadID,
			actor:       agentID,
			origin:      broadcast.OriginAgent,
			ackConflict: true,
			mutate: func(lead *domain.Lead, _ time.Time) []string {
				if !lead.HasConflict {
					return nil
				}
				lead.HasConflict = false
				return []string{domain.FieldHasConflict}
			},
		})
		if err != nil {
			return err
		}
		out = Outcome{Lead: saved, Changed: changed}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// AcquireLease creates or refreshes the editing lease of agentID on a lead and
// broadcasts the editor list when it changed.
func (c *Coordinator) AcquireLease(ctx context.Context, branchID, leadID, agentID uuid.UUID) (presence.Lease, error) {
	lead, err := c.load(ctx, branchID, leadID)
	if err != nil {
		return presence.Lease{}, err
	}
	c.deps.Tracker.Observe(lead.ID, lead.Version)

	before := c.deps.Tracker.ActiveEditors(leadID)
	lease := c.deps.Tracker.AcquireLease(leadID, agentID)
	c.announce(ctx, branchID, leadID, before)
	return lease, nil
}

// ReleaseLease drops the editing lease of agentID on a lead.
func (c *Coordinator) ReleaseLease(ctx context.Context, branchID, leadID, agentID uuid.UUID) {
	before := c.deps.Tracker.ActiveEditors(leadID)
	c.deps.Tracker.ReleaseLease(leadID, agentID)
	c.announce(ctx, branchID, leadID, before)
}

func (c *Coordinator) announce(ctx context.Context, branchID, leadID uuid.UUID, before []uuid.UUID) {
	after := c.deps.Tracker.ActiveEditors(leadID)
	if slices.Equal(before, after) || c.deps.Publisher == nil {
		return
	}
	if after == nil {
		after = []uuid.UUID{}
	}
	c.deps.Publisher.PublishPresence(ctx, broadcast.Presence{LeadID: leadID, BranchID: branchID, Editors: after})
}

// manual commits an agent or ingest write and then evaluates lead-mutated rules.
func (c *Coordinator) manual(ctx context.Context, name string, w write) (Outcome, error) {
	var out Outcome
	err := c.scopes.submit(ctx, w.branchID, name, func(ctx context.Context) error {
		saved, changed, conflict, err := c.commit(ctx, w)
		if err != nil {
			return err
		}
		out = Outcome{Lead: saved, Changed: changed, Conflict: conflict}
		if len(changed) == 0 {
			return nil
		}
		res := c.automate(ctx, automation.TriggerLeadMutated, saved)
		out.Lead = res.Lead
		out.RulesFired = len(res.Entries)
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// automate evaluates rules. The triggering write is already committed, so
// evaluation failures are logged and never fail the caller.
func (c *Coordinator) automate(ctx context.Context, trigger automation.Trigger, lead domain.Lead) automation.Result {
	if c.deps.Engine == nil {
		return automation.Result{Lead: lead}
	}
	res, err := c.deps.Engine.Evaluate(ctx, trigger, lead, automatedWriter{c: c})
	if err != nil {
		c.log.Warn("automation evaluation failed", "leadId", lead.ID, "trigger", trigger, "error", err)
		res.Lead = lead
	}
	return res
}

func (c *Coordinator) load(ctx context.Context, branchID, leadID uuid.UUID) (domain.Lead, error) {
	lead, err := c.deps.Store.GetByID(ctx, leadID)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && lead.BranchID != branchID) {
		return domain.Lead{}, apperr.NotFound("lead not found")
	}
	if err != nil {
		return domain.Lead{}, fmt.Errorf("load lead: %w", err)
	}
	return lead, nil
}

func (c *Coordinator) publish(ctx context.Context, d broadcast.Delta) {
	if c.deps.Publisher != nil {
		c.deps.Publisher.Publish(ctx, d)
	}
}

func (c *Coordinator) emit(ctx context.Context, event events.Event) {
	if c.deps.Bus != nil {
		c.deps.Bus.Publish(ctx, event)
	}
}

func moveTo(stage domain.Stage) func(*domain.Lead, time.Time) []string {
	return func(lead *domain.Lead, now time.Time) []string {
		if lead.SetStage(stage, now) {
			return []string{domain.FieldStage}
		}
		return nil
	}
}
