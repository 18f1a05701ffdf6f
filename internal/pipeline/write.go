package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"pipeline_backend/internal/automation"
	"pipeline_backend/internal/broadcast"
	"pipeline_backend/internal/events"
	"pipeline_backend/internal/leads/domain"
	"pipeline_backend/internal/leads/repository"
	"pipeline_backend/platform/apperr"

	"github.com/google/uuid"
)

// write is one mutation of a persisted lead. Callers must run it inside the
// job of the lead's branch.
type write struct {
	branchID uuid.UUID
	leadID   uuid.UUID
	// actor is uuid.Nil for automation and ingestion.
	actor  uuid.UUID
	origin broadcast.Origin
	// prior is the version the agent edited; 0 skips the staleness check.
	prior int64
	// snapshot is the version an automated write was evaluated against.
	snapshot int64
	// fromStage is the stage the agent saw the lead in; empty skips the check.
	fromStage domain.Stage
	// ackConflict suppresses the conflict flag for this write.
	ackConflict bool
	mutate      func(lead *domain.Lead, now time.Time) []string
}

func (w write) automated() bool {
	return w.origin == broadcast.OriginAutomation
}

// commit loads the lead, applies the mutation and saves it with an optimistic
// version check. A write that changes nothing is not saved and not broadcast.
func (c *Coordinator) commit(ctx context.Context, w write) (domain.Lead, []string, bool, error) {
	for attempt := 1; ; attempt++ {
		current, err := c.load(ctx, w.branchID, w.leadID)
		if err != nil {
			return domain.Lead{}, nil, false, err
		}
		if w.automated() && current.Version != w.snapshot {
			return domain.Lead{}, nil, false, automation.ErrStaleEvaluation
		}
		c.deps.Tracker.Observe(current.ID, current.Version)

		now := c.now()
		next := current.Clone()
		changed := w.mutate(&next, now)
		if len(changed) == 0 {
			current.EditorsActive = c.editors(current.ID)
			return current, nil, false, nil
		}

		// Automated writes follow the same presence rule as agents: a live
		// lease held by anyone else flags the lead.
		res := c.deps.Tracker.RecordWrite(current.ID, w.actor, w.prior)
		movedAway := w.fromStage != "" && w.fromStage != current.Stage
		conflict := (res.Conflict || movedAway) && !w.ackConflict
		if conflict && !next.HasConflict {
			next.HasConflict = true
			changed = append(changed, domain.FieldHasConflict)
		}
		next.Version = res.Version
		next.UpdatedAt = now

		saved, err := c.deps.Store.Save(ctx, next, current.Version)
		if err == nil {
			saved.EditorsActive = c.editors(saved.ID)
			if len(saved.EditorsActive) == 0 {
				c.deps.Tracker.Idle(saved.ID)
			}
			c.settle(ctx, w, current, saved, changed, conflict)
			return saved, changed, conflict, nil
		}

		c.deps.Tracker.Forget(current.ID)
		switch {
		case errors.Is(err, repository.ErrVersionMismatch) && w.automated():
			return domain.Lead{}, nil, false, automation.ErrStaleEvaluation
		case errors.Is(err, repository.ErrVersionMismatch) && attempt < maxSaveAttempts:
			continue
		case errors.Is(err, repository.ErrVersionMismatch):
			return domain.Lead{}, nil, false, apperr.Conflict("lead keeps changing, retry the edit")
		case errors.Is(err, repository.ErrNotFound):
			return domain.Lead{}, nil, false, apperr.NotFound("lead not found")
		default:
			return domain.Lead{}, nil, false, fmt.Errorf("save lead: %w", err)
		}
	}
}

// settle propagates a committed write to the board cache, the sessions and the event bus.
func (c *Coordinator) settle(ctx context.Context, w write, before, saved domain.Lead, changed []string, conflict bool) {
	c.deps.Boards.Get(saved.BranchID).Reconcile(saved, before.Stage)

	d := broadcast.Delta{
		LeadID:    saved.ID,
		BranchID:  saved.BranchID,
		Version:   saved.Version,
		FromStage: before.Stage,
		ToStage:   saved.Stage,
		Changed:   changed,
		Conflict:  conflict,
		Editors:   saved.EditorsActive,
		Origin:    w.origin,
		Lead:      &saved,
	}
	if w.actor != uuid.Nil {
		actor := w.actor
		d.ActorID = &actor
	}
	c.publish(ctx, d)

	if before.Stage != saved.Stage {
		c.emit(ctx, events.LeadStageChanged{
			BaseEvent: events.NewBaseEvent(),
			LeadID:    saved.ID,
			BranchID:  saved.BranchID,
			FromStage: string(before.Stage),
			ToStage:   string(saved.Stage),
			Version:   saved.Version,
			Automated: w.automated(),
		})
	}
	if slices.Contains(changed, domain.FieldAssignedAgent) && saved.AssignedAgentID != nil {
		c.emit(ctx, events.LeadAssigned{
			BaseEvent: events.NewBaseEvent(),
			LeadID:    saved.ID,
			BranchID:  saved.BranchID,
			AgentID:   *saved.AssignedAgentID,
			Automated: w.automated(),
		})
	}
}

func (c *Coordinator) editors(leadID uuid.UUID) []uuid.UUID {
	editors := c.deps.Tracker.ActiveEditors(leadID)
	if editors == nil {
		return []uuid.UUID{}
	}
	return editors
}

// automatedWriter applies rule actions through commit. It is only used from
// within a running job, so it never enqueues.
type automatedWriter struct {
	c *Coordinator
}

func (a automatedWriter) MoveStage(ctx context.Context, lead domain.Lead, to domain.Stage) (domain.Lead, error) {
	if !a.c.deps.Stages.Contains(to) {
		return domain.Lead{}, fmt.Errorf("unknown stage %q", to)
	}
	saved, _, _, err := a.c.commit(ctx, write{
		branchID: lead.BranchID,
		leadID:   lead.ID,
		origin:   broadcast.OriginAutomation,
		snapshot: lead.Version,
		mutate:   moveTo(to),
	})
	return saved, err
}

func (a automatedWriter) Patch(ctx context.Context, lead domain.Lead, patch domain.LeadPatch) (domain.Lead, error) {
	saved, _, _, err := a.c.commit(ctx, write{
		branchID: lead.BranchID,
		leadID:   lead.ID,
		origin:   broadcast.OriginAutomation,
		snapshot: lead.Version,
		mutate: func(l *domain.Lead, _ time.Time) []string {
			return patch.Apply(l)
		},
	})
	return saved, err
}

var _ automation.LeadMutator = automatedWriter{}
