package board

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pipeline_backend/internal/leads/domain"
	"pipeline_backend/platform/apperr"
	"pipeline_backend/platform/logger"

	"github.com/google/uuid"
	"go.uber.org/goleak"
)

var testStages = domain.MustStageSet("new", "reviewing", "won")

// testFetcher serves canned pages per stage. Pages are 1-based slices of size limit.
type testFetcher struct {
	mu    sync.Mutex
	leads map[domain.Stage][]domain.Lead
	err   error
	calls atomic.Int32
}

func newTestFetcher() *testFetcher {
	return &testFetcher{leads: make(map[domain.Stage][]domain.Lead)}
}

func (f *testFetcher) add(stage domain.Stage, n int) []domain.Lead {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Lead, n)
	for i := range out {
		out[i] = domain.Lead{ID: uuid.New(), Stage: stage, Version: 1, Tags: []string{}}
	}
	f.leads[stage] = append(f.leads[stage], out...)
	return out
}

func (f *testFetcher) FetchStagePage(_ context.Context, _ uuid.UUID, stage domain.Stage, page, limit int) (PageResult, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return PageResult{}, f.err
	}
	all := f.leads[stage]
	start := (page - 1) * limit
	if start > len(all) {
		start = len(all)
	}
	end := min(start+limit, len(all))
	return PageResult{Leads: append([]domain.Lead(nil), all[start:end]...), Total: len(all), HasMore: end < len(all)}, nil
}

func newTestStore(f PageFetcher, pageSize int) *Store {
	return NewStore(uuid.New(), testStages, f, pageSize, logger.Nop())
}

func TestLoadInitialThenLoadMorePagesThroughStage(t *testing.T) {
	f := newTestFetcher()
	f.add("new", 5)
	s := newTestStore(f, 2)
	ctx := context.Background()

	page, err := s.LoadInitial(ctx, "new", 2)
	if err != nil {
		t.Fatalf("LoadInitial: %v", err)
	}
	if len(page.Leads) != 2 || !page.HasMore || page.Total != 5 {
		t.Fatalf("unexpected first page %+v", page)
	}

	for i := 0; i < 2; i++ {
		if _, fetched, err := s.LoadMore(ctx, "new"); err != nil || !fetched {
			t.Fatalf("LoadMore %d: fetched=%v err=%v", i, fetched, err)
		}
	}
	page, _ = s.Snapshot("new")
	if len(page.Leads) != 5 || page.HasMore {
		t.Fatalf("expected full stage without more pages, got %d leads hasMore=%v", len(page.Leads), page.HasMore)
	}

	before := f.calls.Load()
	if _, fetched, err := s.LoadMore(ctx, "new"); err != nil || fetched {
		t.Fatalf("expected exhausted stage to be a no-op, fetched=%v err=%v", fetched, err)
	}
	if f.calls.Load() != before {
		t.Fatalf("exhausted stage must not hit the fetcher")
	}
}

// blockingFetcher blocks the first call until released; later calls return at once.
type blockingFetcher struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
}

func (f *blockingFetcher) FetchStagePage(context.Context, uuid.UUID, domain.Stage, int, int) (PageResult, error) {
	if f.calls.Add(1) == 1 {
		close(f.started)
		<-f.release
	}
	return PageResult{Leads: []domain.Lead{{ID: uuid.New(), Stage: "new", Version: 1}}, Total: 10, HasMore: true}, nil
}

func TestConcurrentLoadMoreCollapsesToOneFetch(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := &blockingFetcher{started: make(chan struct{}), release: make(chan struct{})}
	s := newTestStore(f, 1)

	const callers = 16
	done := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		go func() {
			_, fetched, err := s.LoadMore(context.Background(), "new")
			if err != nil {
				t.Errorf("LoadMore: %v", err)
			}
			done <- fetched
		}()
	}

	<-f.started
	noops := 0
	for noops < callers-1 {
		if fetched := <-done; fetched {
			t.Fatalf("only the in-flight caller may fetch")
		}
		noops++
	}

	snap, _ := s.Snapshot("new")
	if !snap.Loading {
		t.Fatalf("expected loading flag while fetch is in flight")
	}

	close(f.release)
	if fetched := <-done; !fetched {
		t.Fatalf("expected the in-flight caller to report a fetch")
	}
	if got := f.calls.Load(); got != 1 {
		t.Fatalf("expected exactly one fetch, got %d", got)
	}
}

func TestLoadInitialWhileLoadingIsConflict(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := &blockingFetcher{started: make(chan struct{}), release: make(chan struct{})}
	s := newTestStore(f, 1)

	errc := make(chan error, 1)
	go func() {
		_, err := s.LoadInitial(context.Background(), "new", 1)
		errc <- err
	}()
	<-f.started

	_, err := s.LoadInitial(context.Background(), "new", 1)
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict while loading, got %v", err)
	}

	close(f.release)
	if err := <-errc; err != nil {
		t.Fatalf("first load failed: %v", err)
	}
}

func TestFetchFailureClearsLoadingAndKeepsHasMore(t *testing.T) {
	f := newTestFetcher()
	f.add("reviewing", 3)
	f.err = errors.New("connection reset")
	s := newTestStore(f, 2)

	_, fetched, err := s.LoadMore(context.Background(), "reviewing")
	if fetched || !apperr.Is(err, apperr.KindUnavailable) {
		t.Fatalf("expected unavailable error, fetched=%v err=%v", fetched, err)
	}

	snap, _ := s.Snapshot("reviewing")
	if snap.Loading || !snap.HasMore || len(snap.Leads) != 0 {
		t.Fatalf("expected retryable state, got %+v", snap)
	}

	f.mu.Lock()
	f.err = nil
	f.mu.Unlock()
	snap, fetched, err = s.LoadMore(context.Background(), "reviewing")
	if err != nil || !fetched || len(snap.Leads) != 2 {
		t.Fatalf("retry failed: fetched=%v err=%v leads=%d", fetched, err, len(snap.Leads))
	}
}

// watchSingleColumn keeps readers scanning the board until stop is closed and
// fails the test if target is ever seen in zero or several columns.
func watchSingleColumn(t *testing.T, s *Store, target uuid.UUID, stop <-chan struct{}) *sync.WaitGroup {
	t.Helper()
	var readers sync.WaitGroup
	for i := 0; i < 4; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				seen := 0
				for _, page := range s.Board() {
					for _, lead := range page.Leads {
						if lead.ID == target {
							seen++
						}
					}
				}
				if seen != 1 {
					t.Errorf("reader saw lead in %d columns", seen)
					return
				}
			}
		}()
	}
	return &readers
}

func TestMoveLeadIsAtomicForReaders(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newTestFetcher()
	leads := f.add("new", 3)
	s := newTestStore(f, 10)
	if _, err := s.LoadBoard(context.Background(), 10); err != nil {
		t.Fatalf("LoadBoard: %v", err)
	}
	target := leads[1].ID

	stop := make(chan struct{})
	readers := watchSingleColumn(t, s, target, stop)

	from, to := domain.Stage("new"), domain.Stage("reviewing")
	for i := 0; i < 200; i++ {
		if err := s.MoveLead(target, from, to); err != nil {
			t.Fatalf("MoveLead: %v", err)
		}
		from, to = to, from
	}
	close(stop)
	readers.Wait()

	newPage, _ := s.Snapshot("new")
	if newPage.Total != 3 || newPage.Leads[0].ID != target {
		t.Fatalf("expected lead back at the head of new with total 3, got total=%d", newPage.Total)
	}
}

func TestReconcileMoveIsAtomicForReaders(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newTestFetcher()
	leads := f.add("new", 3)
	s := newTestStore(f, 10)
	if _, err := s.LoadBoard(context.Background(), 10); err != nil {
		t.Fatalf("LoadBoard: %v", err)
	}
	lead := leads[1].Clone()

	stop := make(chan struct{})
	readers := watchSingleColumn(t, s, lead.ID, stop)

	stages := []domain.Stage{"reviewing", "won", "new"}
	for i := 0; i < 201; i++ {
		from := lead.Stage
		lead.Version++
		lead.Stage = stages[i%len(stages)]
		if !s.Reconcile(lead, from) {
			t.Fatalf("snapshot at version %d was not applied", lead.Version)
		}
	}
	close(stop)
	readers.Wait()

	newPage, _ := s.Snapshot("new")
	reviewing, _ := s.Snapshot("reviewing")
	won, _ := s.Snapshot("won")
	if newPage.Total != 3 || reviewing.Total != 0 || won.Total != 0 {
		t.Fatalf("unexpected totals new=%d reviewing=%d won=%d", newPage.Total, reviewing.Total, won.Total)
	}
	if got, _ := s.Lead(lead.ID); got.Version != lead.Version || newPage.Leads[0].ID != lead.ID {
		t.Fatalf("expected the last snapshot at the head of new, got %+v", got)
	}
}

func TestMoveLeadUpdatesCountsAndStage(t *testing.T) {
	f := newTestFetcher()
	leads := f.add("new", 2)
	s := newTestStore(f, 10)
	fixed := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }
	if _, err := s.LoadBoard(context.Background(), 10); err != nil {
		t.Fatalf("LoadBoard: %v", err)
	}

	if err := s.MoveLead(leads[0].ID, "new", "won"); err != nil {
		t.Fatalf("MoveLead: %v", err)
	}
	newPage, _ := s.Snapshot("new")
	wonPage, _ := s.Snapshot("won")
	if newPage.Total != 1 || wonPage.Total != 1 {
		t.Fatalf("unexpected totals new=%d won=%d", newPage.Total, wonPage.Total)
	}
	moved := wonPage.Leads[0]
	if moved.Stage != "won" || !moved.LastStageChange.Equal(fixed) {
		t.Fatalf("moved lead not updated: %+v", moved)
	}

	if err := s.MoveLead(leads[0].ID, "new", "reviewing"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found for wrong source stage, got %v", err)
	}
}

func TestUpdateLeadKeepsPosition(t *testing.T) {
	f := newTestFetcher()
	leads := f.add("new", 3)
	s := newTestStore(f, 10)
	if _, err := s.LoadInitial(context.Background(), "new", 10); err != nil {
		t.Fatalf("LoadInitial: %v", err)
	}

	name := "Lucía"
	changed, err := s.UpdateLead("new", leads[1].ID, domain.LeadPatch{DisplayName: &name, AddTags: []string{"Urgente"}})
	if err != nil {
		t.Fatalf("UpdateLead: %v", err)
	}
	if len(changed) != 2 {
		t.Fatalf("expected 2 changed fields, got %v", changed)
	}
	page, _ := s.Snapshot("new")
	if page.Leads[1].ID != leads[1].ID || page.Leads[1].DisplayName != name {
		t.Fatalf("lead moved or was not updated: %+v", page.Leads[1])
	}
}

func TestReconcileIgnoresStaleSnapshots(t *testing.T) {
	f := newTestFetcher()
	leads := f.add("new", 1)
	s := newTestStore(f, 10)
	if _, err := s.LoadBoard(context.Background(), 10); err != nil {
		t.Fatalf("LoadBoard: %v", err)
	}

	newer := leads[0].Clone()
	newer.Version = 3
	newer.Stage = "reviewing"
	if !s.Reconcile(newer, "new") {
		t.Fatalf("expected newer snapshot to apply")
	}

	stale := leads[0].Clone()
	stale.Version = 2
	if s.Reconcile(stale, "") {
		t.Fatalf("expected stale snapshot to be ignored")
	}

	got, ok := s.Lead(leads[0].ID)
	if !ok || got.Stage != "reviewing" || got.Version != 3 {
		t.Fatalf("unexpected cached lead %+v", got)
	}
	newPage, _ := s.Snapshot("new")
	if newPage.Total != 0 || len(newPage.Leads) != 0 {
		t.Fatalf("lead still counted in source stage: %+v", newPage)
	}
}

func TestFetchedLeadIsNotDuplicatedAcrossColumns(t *testing.T) {
	f := newTestFetcher()
	leads := f.add("new", 1)
	s := newTestStore(f, 10)
	if _, err := s.LoadInitial(context.Background(), "new", 10); err != nil {
		t.Fatalf("LoadInitial: %v", err)
	}

	moved := leads[0].Clone()
	moved.Stage = "reviewing"
	moved.Version = 2
	s.Reconcile(moved, "new")

	if _, err := s.LoadInitial(context.Background(), "new", 10); err != nil {
		t.Fatalf("reload: %v", err)
	}
	count := 0
	for _, page := range s.Board() {
		for _, lead := range page.Leads {
			if lead.ID == leads[0].ID {
				count++
			}
		}
	}
	if count != 1 {
		t.Fatalf("expected lead in exactly one column, found %d", count)
	}
}
