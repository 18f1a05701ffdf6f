package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"pipeline_backend/internal/leads/ports"
	"pipeline_backend/internal/pipeline"
	"pipeline_backend/platform/logger"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

type enqueued struct {
	task *asynq.Task
	opts []asynq.Option
}

type fakeEnqueuer struct {
	tasks []enqueued
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, enqueued{task: task, opts: opts})
	return &asynq.TaskInfo{}, nil
}

func optionValue(opts []asynq.Option, typ asynq.OptionType) (any, bool) {
	for _, o := range opts {
		if o.Type() == typ {
			return o.Value(), true
		}
	}
	return nil, false
}

func TestScheduleFollowUpRoundTrip(t *testing.T) {
	fake := &fakeEnqueuer{}
	c := &Client{client: fake, queue: "pipeline"}

	agentID := uuid.New()
	due := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	want := ports.FollowUp{LeadID: uuid.New(), BranchID: uuid.New(), AgentID: &agentID, RuleID: uuid.New(), Note: "llamar", DueAt: due}

	if err := c.ScheduleFollowUp(context.Background(), want); err != nil {
		t.Fatalf("ScheduleFollowUp: %v", err)
	}
	if len(fake.tasks) != 1 || fake.tasks[0].task.Type() != TaskFollowUpDue {
		t.Fatalf("expected one follow-up task, got %+v", fake.tasks)
	}
	if at, ok := optionValue(fake.tasks[0].opts, asynq.ProcessAtOpt); !ok || !at.(time.Time).Equal(due) {
		t.Fatalf("task not delayed until the due time: %v", at)
	}
	if q, _ := optionValue(fake.tasks[0].opts, asynq.QueueOpt); q != "pipeline" {
		t.Fatalf("queue = %v", q)
	}

	payload, err := ParseFollowUpDuePayload(fake.tasks[0].task)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	got, err := payload.followUp()
	if err != nil {
		t.Fatalf("followUp: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("follow-up mismatch (-want +got):\n%s", diff)
	}
}

func TestNilClientReportsFollowUpsDisabled(t *testing.T) {
	var c *Client
	if err := c.ScheduleFollowUp(context.Background(), ports.FollowUp{}); !errors.Is(err, ports.ErrCollaboratorDisabled) {
		t.Fatalf("expected ErrCollaboratorDisabled, got %v", err)
	}
}

func TestEnqueueSweepIgnoresDuplicates(t *testing.T) {
	fake := &fakeEnqueuer{err: asynq.ErrDuplicateTask}
	c := &Client{client: fake, queue: "default"}
	if err := c.EnqueueSweep(context.Background(), uuid.New(), time.Minute); err != nil {
		t.Fatalf("duplicate sweep must be ignored, got %v", err)
	}
}

type fakeBranches struct {
	ids []uuid.UUID
	err error
}

func (f fakeBranches) ListBranchIDs(context.Context) ([]uuid.UUID, error) { return f.ids, f.err }

func TestSweepDispatcherEnqueuesEveryBranch(t *testing.T) {
	fake := &fakeEnqueuer{}
	ids := []uuid.UUID{uuid.New(), uuid.New()}
	d := NewSweepDispatcher(&Client{client: fake, queue: "default"}, fakeBranches{ids: ids}, 30*time.Second, logger.Nop())

	if n := d.dispatch(context.Background()); n != 2 {
		t.Fatalf("queued = %d, want 2", n)
	}
	var got []uuid.UUID
	for _, e := range fake.tasks {
		if ttl, ok := optionValue(e.opts, asynq.UniqueOpt); !ok || ttl.(time.Duration) != 30*time.Second {
			t.Fatalf("sweep task must be unique within the interval, got %v", ttl)
		}
		p, err := ParseSweepBranchPayload(e.task)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		got = append(got, uuid.MustParse(p.BranchID))
	}
	if diff := cmp.Diff(ids, got); diff != "" {
		t.Fatalf("branches mismatch (-want +got):\n%s", diff)
	}
}

func TestSweepDispatcherSurvivesListingFailure(t *testing.T) {
	d := NewSweepDispatcher(&Client{client: &fakeEnqueuer{}}, fakeBranches{err: errors.New("db down")}, time.Minute, logger.Nop())
	if n := d.dispatch(context.Background()); n != 0 {
		t.Fatalf("queued = %d, want 0", n)
	}
}

type fakeSweeper struct {
	branches []uuid.UUID
}

func (f *fakeSweeper) Sweep(_ context.Context, branchID uuid.UUID) (pipeline.SweepReport, error) {
	f.branches = append(f.branches, branchID)
	return pipeline.SweepReport{BranchID: branchID}, nil
}

type fakeFollowUps struct {
	delivered []ports.FollowUp
}

func (f *fakeFollowUps) DeliverFollowUp(_ context.Context, task ports.FollowUp) error {
	f.delivered = append(f.delivered, task)
	return nil
}

func TestWorkerRoutesTasks(t *testing.T) {
	sweeper := &fakeSweeper{}
	followUps := &fakeFollowUps{}
	w := newWorker(sweeper, followUps, logger.Nop())

	branchID := uuid.New()
	sweep, err := NewSweepBranchTask(SweepBranchPayload{BranchID: branchID.String()})
	if err != nil {
		t.Fatalf("task: %v", err)
	}
	if err := w.mux.ProcessTask(context.Background(), sweep); err != nil {
		t.Fatalf("sweep task: %v", err)
	}
	if len(sweeper.branches) != 1 || sweeper.branches[0] != branchID {
		t.Fatalf("sweep not routed: %v", sweeper.branches)
	}

	due, err := NewFollowUpDueTask(FollowUpDuePayload{
		LeadID:   uuid.NewString(),
		BranchID: branchID.String(),
		DueAt:    "2026-03-02T10:00:00Z",
	})
	if err != nil {
		t.Fatalf("task: %v", err)
	}
	if err := w.mux.ProcessTask(context.Background(), due); err != nil {
		t.Fatalf("follow-up task: %v", err)
	}
	if len(followUps.delivered) != 1 || followUps.delivered[0].AgentID != nil {
		t.Fatalf("follow-up not routed: %+v", followUps.delivered)
	}
}

func TestWorkerSkipsRetryOnMalformedPayload(t *testing.T) {
	w := newWorker(&fakeSweeper{}, &fakeFollowUps{}, logger.Nop())
	err := w.mux.ProcessTask(context.Background(), asynq.NewTask(TaskSweepBranch, []byte(`{"branchId":"nope"}`)))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
}

func TestInlineSweepsRunWithoutQueue(t *testing.T) {
	sweeper := &fakeSweeper{}
	ids := []uuid.UUID{uuid.New(), uuid.New()}
	d := NewSweepDispatcher(InlineSweeps{Sweeper: sweeper, Log: logger.Nop()}, fakeBranches{ids: ids}, time.Minute, logger.Nop())

	if n := d.dispatch(context.Background()); n != 2 {
		t.Fatalf("swept = %d, want 2", n)
	}
	if diff := cmp.Diff(ids, sweeper.branches); diff != "" {
		t.Fatalf("branches mismatch (-want +got):\n%s", diff)
	}
}
