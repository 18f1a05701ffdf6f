package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"pipeline_backend/internal/leads/ports"
	"pipeline_backend/platform/config"
	"pipeline_backend/platform/db"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type Client struct {
	client enqueuer
	queue  string
}

func NewClient(cfg config.SchedulerConfig) (*Client, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := redisClientOpt(redisURL, cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	return &Client{
		client: asynq.NewClient(opt),
		queue:  queueName(cfg),
	}, nil
}

func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	if closer, ok := c.client.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// EnqueueSweep queues a sweep tick for a branch. At most one sweep per branch
// is pending within the uniqueness window; duplicates are ignored.
func (c *Client) EnqueueSweep(ctx context.Context, branchID uuid.UUID, window time.Duration) error {
	if c == nil || c.client == nil {
		return nil
	}

	task, err := NewSweepBranchTask(SweepBranchPayload{BranchID: branchID.String()})
	if err != nil {
		return err
	}

	opts := []asynq.Option{asynq.Queue(c.queue), asynq.MaxRetry(1)}
	if window > 0 {
		opts = append(opts, asynq.Unique(window))
	}
	_, err = c.client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	return err
}

// ScheduleFollowUp stores the follow-up as a delayed task due at task.DueAt.
func (c *Client) ScheduleFollowUp(ctx context.Context, task ports.FollowUp) error {
	if c == nil || c.client == nil {
		return ports.ErrCollaboratorDisabled
	}

	payload := FollowUpDuePayload{
		LeadID:   task.LeadID.String(),
		BranchID: task.BranchID.String(),
		RuleID:   task.RuleID.String(),
		Note:     task.Note,
		DueAt:    task.DueAt.UTC().Format(time.RFC3339),
	}
	if task.AgentID != nil {
		agentID := task.AgentID.String()
		payload.AgentID = &agentID
	}

	t, err := NewFollowUpDueTask(payload)
	if err != nil {
		return err
	}

	_, err = c.client.EnqueueContext(ctx, t, asynq.ProcessAt(task.DueAt), asynq.Queue(c.queue))
	return err
}

func queueName(cfg config.SchedulerConfig) string {
	queue := cfg.GetAsynqQueueName()
	if queue == "" {
		queue = "default"
	}
	return queue
}

func redisClientOpt(redisURL string, tlsInsecure bool) (asynq.RedisClientOpt, error) {
	opt, err := db.RedisOptions(redisURL, tlsInsecure)
	if err != nil {
		return asynq.RedisClientOpt{}, err
	}
	return asynq.RedisClientOpt{
		Addr:      opt.Addr,
		Password:  opt.Password,
		DB:        opt.DB,
		TLSConfig: opt.TLSConfig,
	}, nil
}

var _ ports.FollowUpScheduler = (*Client)(nil)
