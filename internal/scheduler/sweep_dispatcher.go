package scheduler

import (
	"context"
	"time"

	"pipeline_backend/platform/logger"

	"github.com/google/uuid"
)

// BranchLister lists the branches that own leads.
type BranchLister interface {
	ListBranchIDs(ctx context.Context) ([]uuid.UUID, error)
}

// SweepEnqueuer queues a sweep tick for a branch.
type SweepEnqueuer interface {
	EnqueueSweep(ctx context.Context, branchID uuid.UUID, window time.Duration) error
}

// InlineSweeps runs sweep ticks in-process. It stands in for the task queue
// when Redis is not configured.
type InlineSweeps struct {
	Sweeper Sweeper
	Log     *logger.Logger
}

func (s InlineSweeps) EnqueueSweep(ctx context.Context, branchID uuid.UUID, _ time.Duration) error {
	report, err := s.Sweeper.Sweep(ctx, branchID)
	if err != nil {
		return err
	}
	if s.Log != nil && report.Evaluated > 0 {
		s.Log.Debug("inline sweep finished", "branchId", branchID, "evaluated", report.Evaluated)
	}
	return nil
}

// SweepDispatcher enqueues one sweep tick per branch every interval.
type SweepDispatcher struct {
	client   SweepEnqueuer
	branches BranchLister
	interval time.Duration
	log      *logger.Logger
}

func NewSweepDispatcher(client SweepEnqueuer, branches BranchLister, interval time.Duration, log *logger.Logger) *SweepDispatcher {
	if interval <= 0 {
		interval = time.Minute
	}
	return &SweepDispatcher{client: client, branches: branches, interval: interval, log: log}
}

func (d *SweepDispatcher) Run(ctx context.Context) {
	if d == nil || d.client == nil || d.branches == nil {
		return
	}

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		d.dispatch(ctx)
	}
}

func (d *SweepDispatcher) dispatch(ctx context.Context) int {
	branchIDs, err := d.branches.ListBranchIDs(ctx)
	if err != nil {
		d.log.Warn("sweep branch listing failed", "error", err)
		return 0
	}

	queued := 0
	for _, branchID := range branchIDs {
		if err := d.client.EnqueueSweep(ctx, branchID, d.interval); err != nil {
			d.log.Warn("failed to enqueue sweep", "branchId", branchID, "error", err)
			continue
		}
		queued++
	}
	if queued > 0 {
		d.log.Debug("sweep ticks enqueued", "count", queued)
	}
	return queued
}
