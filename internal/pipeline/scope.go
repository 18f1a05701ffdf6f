package pipeline

import (
	"context"
	"errors"
	"sync"

	"pipeline_backend/platform/logger"
	"pipeline_backend/platform/telemetry"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

// ErrStopped is returned for work submitted to, or still queued in, a stopped coordinator.
var ErrStopped = errors.New("pipeline coordinator stopped")

type job struct {
	ctx  context.Context
	name string
	run  func(ctx context.Context) error
	done chan error
}

// scopes runs one FIFO queue per branch. Jobs of one branch run one at a
// time in submission order; jobs of different branches run in parallel, at
// most workers at once.
type scopes struct {
	size int
	sem  *semaphore.Weighted
	log  *logger.Logger

	mu      sync.Mutex
	queues  map[uuid.UUID]chan job
	closed  bool
	stop    chan struct{}
	stopped chan struct{}
	wg      sync.WaitGroup
}

func newScopes(workers, queueSize int, log *logger.Logger) *scopes {
	if workers < 1 {
		workers = 8
	}
	if queueSize < 1 {
		queueSize = 256
	}
	return &scopes{
		size:    queueSize,
		sem:     semaphore.NewWeighted(int64(workers)),
		log:     log,
		queues:  make(map[uuid.UUID]chan job),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// submit enqueues run on the queue of branchID and waits for its result.
// It blocks while the queue is full.
func (s *scopes) submit(ctx context.Context, branchID uuid.UUID, name string, run func(ctx context.Context) error) error {
	q, err := s.queue(branchID)
	if err != nil {
		return err
	}

	j := job{ctx: ctx, name: name, run: run, done: make(chan error, 1)}
	select {
	case q <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stop:
		return ErrStopped
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		select {
		case err := <-j.done:
			return err
		default:
			return ErrStopped
		}
	}
}

func (s *scopes) queue(branchID uuid.UUID) (chan job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStopped
	}
	q, ok := s.queues[branchID]
	if !ok {
		q = make(chan job, s.size)
		s.queues[branchID] = q
		s.wg.Add(1)
		go s.loop(branchID, q)
	}
	return q, nil
}

func (s *scopes) loop(branchID uuid.UUID, q chan job) {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		select {
		case <-s.stop:
			return
		case j := <-q:
			s.run(branchID, j)
		}
	}
}

func (s *scopes) run(branchID uuid.UUID, j job) {
	if err := j.ctx.Err(); err != nil {
		j.done <- err
		return
	}
	if err := s.sem.Acquire(j.ctx, 1); err != nil {
		j.done <- err
		return
	}
	defer s.sem.Release(1)

	ctx, span := telemetry.Tracer().Start(j.ctx, "pipeline."+j.name, trace.WithAttributes(
		attribute.String("branch.id", branchID.String()),
	))
	defer span.End()

	err := j.run(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	j.done <- err
}

// close stops every queue loop, then fails the jobs still queued with ErrStopped.
func (s *scopes) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stop)
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	pending := 0
	for _, q := range s.queues {
	drain:
		for {
			select {
			case j := <-q:
				j.done <- ErrStopped
				pending++
			default:
				break drain
			}
		}
	}
	close(s.stopped)
	if pending > 0 {
		s.log.Warn("pipeline stopped with queued work", "jobs", pending)
	}
}
