package scheduler

import (
	"context"
	"fmt"
	"time"

	"pipeline_backend/internal/leads/ports"
	"pipeline_backend/internal/pipeline"
	"pipeline_backend/platform/config"
	"pipeline_backend/platform/logger"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// Sweeper runs a sweep tick for one branch.
type Sweeper interface {
	Sweep(ctx context.Context, branchID uuid.UUID) (pipeline.SweepReport, error)
}

// FollowUpDeliverer notifies the agent owning a due follow-up.
type FollowUpDeliverer interface {
	DeliverFollowUp(ctx context.Context, task ports.FollowUp) error
}

type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	sweeper   Sweeper
	followUps FollowUpDeliverer
	log       *logger.Logger
}

func NewWorker(cfg config.SchedulerConfig, sweeper Sweeper, followUps FollowUpDeliverer, log *logger.Logger) (*Worker, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := redisClientOpt(redisURL, cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	concurrency := cfg.GetAsynqConcurrency()
	if concurrency < 1 {
		concurrency = 10
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			queueName(cfg): 1,
		},
	})

	w := newWorker(sweeper, followUps, log)
	w.server = server
	return w, nil
}

func newWorker(sweeper Sweeper, followUps FollowUpDeliverer, log *logger.Logger) *Worker {
	mux := asynq.NewServeMux()
	w := &Worker{
		mux:       mux,
		sweeper:   sweeper,
		followUps: followUps,
		log:       log,
	}

	mux.HandleFunc(TaskSweepBranch, w.handleSweepBranch)
	mux.HandleFunc(TaskFollowUpDue, w.handleFollowUpDue)
	return w
}

func (w *Worker) Run(ctx context.Context) {
	if w == nil || w.server == nil {
		return
	}

	go func() {
		<-ctx.Done()
		w.server.Shutdown()
	}()

	if err := w.server.Run(w.mux); err != nil {
		w.log.Error("scheduler worker stopped", "error", err)
	}
}

func (w *Worker) handleSweepBranch(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseSweepBranchPayload(task)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	branchID, err := uuid.Parse(payload.BranchID)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	_, err = w.sweeper.Sweep(ctx, branchID)
	return err
}

func (w *Worker) handleFollowUpDue(ctx context.Context, task *asynq.Task) error {
	if w.followUps == nil {
		return nil
	}

	payload, err := ParseFollowUpDuePayload(task)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	followUp, err := payload.followUp()
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	return w.followUps.DeliverFollowUp(ctx, followUp)
}

func (p FollowUpDuePayload) followUp() (ports.FollowUp, error) {
	var (
		out ports.FollowUp
		err error
	)
	if out.LeadID, err = uuid.Parse(p.LeadID); err != nil {
		return ports.FollowUp{}, err
	}
	if out.BranchID, err = uuid.Parse(p.BranchID); err != nil {
		return ports.FollowUp{}, err
	}
	if p.RuleID != "" {
		if out.RuleID, err = uuid.Parse(p.RuleID); err != nil {
			return ports.FollowUp{}, err
		}
	}
	if p.AgentID != nil {
		agentID, err := uuid.Parse(*p.AgentID)
		if err != nil {
			return ports.FollowUp{}, err
		}
		out.AgentID = &agentID
	}
	if out.DueAt, err = time.Parse(time.RFC3339, p.DueAt); err != nil {
		return ports.FollowUp{}, err
	}
	out.Note = p.Note
	return out, nil
}
