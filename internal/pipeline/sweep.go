package pipeline

import (
	"context"
	"errors"
	"fmt"

	"pipeline_backend/internal/automation"
	"pipeline_backend/platform/apperr"

	"github.com/google/uuid"
)

// SweepReport summarizes one sweep of a branch.
type SweepReport struct {
	BranchID  uuid.UUID `json:"branchId"`
	Evaluated int       `json:"evaluated"`
	Fired     int       `json:"fired"`
	Skipped   int       `json:"skipped"`
	Stale     int       `json:"stale"`
}

// Sweep evaluates sweep-tick rules for the leads of a branch. Candidates are
// listed outside the queue; each lead is then evaluated in its own job, and
// only if the stored lead still has the listed version. Writes made by the
// evaluation are version-checked again.
func (c *Coordinator) Sweep(ctx context.Context, branchID uuid.UUID) (SweepReport, error) {
	report := SweepReport{BranchID: branchID}
	candidates, err := c.deps.Store.ListSweepCandidates(ctx, branchID, c.now(), c.sweepBatch)
	if err != nil {
		return report, fmt.Errorf("list sweep candidates: %w", err)
	}

	for _, snapshot := range candidates {
		// The job may still be running when submit gives up on ctx, so it
		// counts into its own tally and only a finished job is merged.
		var tally SweepReport
		err := c.scopes.submit(ctx, branchID, "sweep", func(ctx context.Context) error {
			current, err := c.load(ctx, branchID, snapshot.ID)
			if apperr.Is(err, apperr.KindNotFound) {
				tally.Skipped++
				return nil
			}
			if err != nil {
				return err
			}
			if current.Version != snapshot.Version {
				tally.Stale++
				return nil
			}

			res := c.automate(ctx, automation.TriggerSweepTick, snapshot)
			tally.Evaluated++
			tally.Fired += len(res.Entries)
			if res.Skipped {
				tally.Skipped++
			}
			if res.Stale {
				tally.Stale++
			}
			return nil
		})
		switch {
		case err == nil:
			report.add(tally)
		case errors.Is(err, ErrStopped):
			return report, err
		case ctx.Err() != nil:
			return report, ctx.Err()
		default:
			c.log.Warn("sweep skipped lead", "branchId", branchID, "leadId", snapshot.ID, "error", err)
		}
	}

	c.log.Info("sweep finished", "branchId", branchID, "evaluated", report.Evaluated,
		"fired", report.Fired, "stale", report.Stale)
	return report, nil
}

func (r *SweepReport) add(o SweepReport) {
	r.Evaluated += o.Evaluated
	r.Fired += o.Fired
	r.Skipped += o.Skipped
	r.Stale += o.Stale
}
