package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pipeline_backend/platform/logger"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"go.uber.org/goleak"
)

func TestScopeRunsJobsInSubmissionOrder(t *testing.T) {
	defer goleak.VerifyNone(t)
	s := newScopes(4, 64, logger.Nop())
	defer s.close()
	branch := uuid.New()

	var (
		mu  sync.Mutex
		got []int
	)
	// Enqueueing from one goroutine fixes the order.
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		q, err := s.queue(branch)
		if err != nil {
			t.Fatalf("queue: %v", err)
		}
		j := job{ctx: context.Background(), name: "test", done: make(chan error, 1), run: func(context.Context) error {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			return nil
		}}
		q <- j
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-j.done
		}()
	}
	wg.Wait()

	want := make([]int, 20)
	for i := range want {
		want[i] = i
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestScopesRunInParallelWithinPoolBound(t *testing.T) {
	defer goleak.VerifyNone(t)
	const workers = 2
	s := newScopes(workers, 8, logger.Nop())
	defer s.close()

	var running, peak atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{}, 4)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.submit(context.Background(), uuid.New(), "test", func(context.Context) error {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				started <- struct{}{}
				<-release
				running.Add(-1)
				return nil
			})
			if err != nil {
				t.Errorf("submit: %v", err)
			}
		}()
	}

	for i := 0; i < workers; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatalf("branches did not run in parallel")
		}
	}
	close(release)
	wg.Wait()

	if p := peak.Load(); p != workers {
		t.Fatalf("peak concurrency = %d, want %d", p, workers)
	}
}

func TestSubmitReturnsJobError(t *testing.T) {
	s := newScopes(1, 1, logger.Nop())
	defer s.close()
	boom := errors.New("boom")

	err := s.submit(context.Background(), uuid.New(), "test", func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestCancelledJobIsNotRun(t *testing.T) {
	s := newScopes(1, 4, logger.Nop())
	defer s.close()
	branch := uuid.New()

	release, started := make(chan struct{}), make(chan struct{})
	first := make(chan error, 1)
	go func() {
		first <- s.submit(context.Background(), branch, "block", func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	second := make(chan error, 1)
	go func() {
		second <- s.submit(ctx, branch, "cancelled", func(context.Context) error {
			ran.Store(true)
			return nil
		})
	}()

	waitQueued(t, s, branch, 1)
	cancel()
	if err := <-second; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	close(release)
	if err := <-first; err != nil {
		t.Fatalf("first job: %v", err)
	}

	// The queue is FIFO, so a job after the cancelled one proves it was consumed.
	if err := s.submit(context.Background(), branch, "after", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if ran.Load() {
		t.Fatalf("cancelled job must not run")
	}
}

func TestCloseFailsQueuedJobs(t *testing.T) {
	defer goleak.VerifyNone(t)
	s := newScopes(1, 4, logger.Nop())
	branch := uuid.New()

	release, started := make(chan struct{}), make(chan struct{})
	first := make(chan error, 1)
	go func() {
		first <- s.submit(context.Background(), branch, "block", func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	queued := make(chan error, 1)
	go func() {
		queued <- s.submit(context.Background(), branch, "queued", func(context.Context) error { return nil })
	}()
	waitQueued(t, s, branch, 1)

	closed := make(chan struct{})
	go func() {
		s.close()
		close(closed)
	}()
	<-s.stop
	close(release)
	<-closed

	if err := <-first; err != nil {
		t.Fatalf("running job must finish, got %v", err)
	}
	if err := <-queued; !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped for the queued job, got %v", err)
	}
	if err := s.submit(context.Background(), branch, "late", func(context.Context) error { return nil }); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped after close, got %v", err)
	}
}

// waitQueued waits until the queue of branch holds n jobs.
func waitQueued(t *testing.T, s *scopes, branch uuid.UUID, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		q := s.queues[branch]
		s.mu.Unlock()
		if q != nil && len(q) == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("queue never reached %d jobs", n)
}
