// Package board keeps the per-stage, incrementally loaded view of a branch
// pipeline. Each stage column is a page cache with a load-guard so that at most
// one fetch per stage is in flight; mutations are short critical sections that
// never span a fetch.
package board

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"pipeline_backend/internal/leads/domain"
	"pipeline_backend/platform/apperr"
	"pipeline_backend/platform/logger"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// PageResult is one page returned by the fetcher.
type PageResult struct {
	Leads   []domain.Lead
	Total   int
	HasMore bool
}

// PageFetcher loads stage pages from persistent storage. Pages are 1-based.
type PageFetcher interface {
	FetchStagePage(ctx context.Context, branchID uuid.UUID, stage domain.Stage, page, limit int) (PageResult, error)
}

// StagePage is a read-only snapshot of one column.
type StagePage struct {
	Stage   domain.Stage  `json:"stage"`
	Leads   []domain.Lead `json:"leads"`
	Page    int           `json:"page"`
	HasMore bool          `json:"hasMore"`
	Loading bool          `json:"loading"`
	Total   int           `json:"total"`
}

type stagePage struct {
	leads   []domain.Lead
	page    int
	limit   int
	hasMore bool
	loading bool
	total   int
}

var errLoadInFlight = errors.New("stage fetch already in flight")

// Store is the board cache of one branch.
type Store struct {
	branchID uuid.UUID
	stages   domain.StageSet
	fetcher  PageFetcher
	pageSize int
	now      func() time.Time
	log      *logger.Logger

	mu    sync.RWMutex
	pages map[domain.Stage]*stagePage
	where map[uuid.UUID]domain.Stage
}

// NewStore creates an empty board for branchID. Every stage starts unloaded with hasMore=true.
func NewStore(branchID uuid.UUID, stages domain.StageSet, fetcher PageFetcher, pageSize int, log *logger.Logger) *Store {
	if pageSize < 1 {
		pageSize = 20
	}
	s := &Store{
		branchID: branchID,
		stages:   stages,
		fetcher:  fetcher,
		pageSize: pageSize,
		now:      time.Now,
		log:      log,
		pages:    make(map[domain.Stage]*stagePage),
		where:    make(map[uuid.UUID]domain.Stage),
	}
	for _, stage := range stages.Ordered() {
		s.pages[stage] = &stagePage{limit: pageSize, hasMore: true}
	}
	return s
}

// BranchID returns the scope this store caches.
func (s *Store) BranchID() uuid.UUID {
	return s.branchID
}

// LoadInitial fetches the first page of stage and replaces whatever was cached for it.
// It fails with a conflict while another fetch for the stage is in flight.
func (s *Store) LoadInitial(ctx context.Context, stage domain.Stage, limit int) (StagePage, error) {
	page, err := s.loadInitial(ctx, stage, limit)
	if errors.Is(err, errLoadInFlight) {
		return StagePage{}, apperr.Conflict("stage is already loading").WithOp("board.LoadInitial")
	}
	return page, err
}

func (s *Store) loadInitial(ctx context.Context, stage domain.Stage, limit int) (StagePage, error) {
	if !s.stages.Contains(stage) {
		return StagePage{}, apperr.Validation("unknown stage " + string(stage))
	}
	if limit < 1 {
		limit = s.pageSize
	}

	s.mu.Lock()
	p := s.pages[stage]
	if p.loading {
		s.mu.Unlock()
		return StagePage{}, errLoadInFlight
	}
	p.loading = true
	s.mu.Unlock()

	result, err := s.fetcher.FetchStagePage(ctx, s.branchID, stage, 1, limit)

	s.mu.Lock()
	defer s.mu.Unlock()
	p.loading = false
	if err != nil {
		s.log.LoadFailed(s.branchID.String(), string(stage), 1, err)
		return StagePage{}, apperr.Unavailable("failed to load stage", err).WithOp("board.LoadInitial")
	}

	for _, lead := range p.leads {
		if s.where[lead.ID] == stage {
			delete(s.where, lead.ID)
		}
	}
	p.leads = p.leads[:0]
	p.limit = limit
	p.page = 1
	p.hasMore = result.HasMore
	p.total = result.Total
	s.mergeFetchedLocked(stage, p, result.Leads)

	return s.snapshotLocked(stage), nil
}

// LoadMore appends the next page of stage. It is a no-op returning the current
// snapshot and false when the stage has no more pages or a fetch is already in flight.
// The in-flight marker is set before the fetch starts and cleared when it resolves.
func (s *Store) LoadMore(ctx context.Context, stage domain.Stage) (StagePage, bool, error) {
	if !s.stages.Contains(stage) {
		return StagePage{}, false, apperr.Validation("unknown stage " + string(stage))
	}

	s.mu.Lock()
	p := s.pages[stage]
	if !p.hasMore || p.loading {
		snap := s.snapshotLocked(stage)
		s.mu.Unlock()
		return snap, false, nil
	}
	p.loading = true
	next, limit := p.page+1, p.limit
	s.mu.Unlock()

	result, err := s.fetcher.FetchStagePage(ctx, s.branchID, stage, next, limit)

	s.mu.Lock()
	defer s.mu.Unlock()
	p.loading = false
	if err != nil {
		s.log.LoadFailed(s.branchID.String(), string(stage), next, err)
		return StagePage{}, false, apperr.Unavailable("failed to load stage page", err).WithOp("board.LoadMore")
	}

	p.page = next
	p.hasMore = result.HasMore
	p.total = result.Total
	s.mergeFetchedLocked(stage, p, result.Leads)

	return s.snapshotLocked(stage), true, nil
}

// LoadBoard loads the first page of every stage concurrently. Stages whose fetch is
// already in flight are left to that fetch.
func (s *Store) LoadBoard(ctx context.Context, limit int) ([]StagePage, error) {
	g, gctx := errgroup.WithContext(ctx)
	for _, stage := range s.stages.Ordered() {
		g.Go(func() error {
			_, err := s.loadInitial(gctx, stage, limit)
			if errors.Is(err, errLoadInFlight) {
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return s.Board(), nil
}

// mergeFetchedLocked appends fetched leads to p. A lead already cached in another
// column is kept wherever the newer version lives, so no lead appears twice.
func (s *Store) mergeFetchedLocked(stage domain.Stage, p *stagePage, fetched []domain.Lead) {
	for _, lead := range fetched {
		if current, ok := s.where[lead.ID]; ok {
			cp := s.pages[current]
			i := indexOf(cp.leads, lead.ID)
			if cp.leads[i].Version >= lead.Version {
				continue
			}
			if current == stage {
				cp.leads[i] = lead.Clone()
				continue
			}
			cp.leads = slices.Delete(cp.leads, i, i+1)
			cp.total = max(cp.total-1, 0)
		}
		p.leads = append(p.leads, lead.Clone())
		s.where[lead.ID] = stage
	}
}

// MoveLead removes the lead from the source column and prepends it to the
// destination in one critical section; readers see it in exactly one column.
// The cached version is kept: the committed snapshot that follows the move
// replaces the entry through Reconcile.
func (s *Store) MoveLead(leadID uuid.UUID, from, to domain.Stage) error {
	if !s.stages.Contains(from) || !s.stages.Contains(to) {
		return apperr.Validation("unknown stage")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.where[leadID] != from {
		return apperr.NotFound("lead is not loaded in stage " + string(from)).WithOp("board.MoveLead")
	}
	if from == to {
		return nil
	}

	lead := s.cachedLocked(leadID)
	lead.SetStage(to, s.now())
	s.moveLocked(lead, from)
	return nil
}

// UpdateLead merges patch into the cached lead without changing its position.
func (s *Store) UpdateLead(stage domain.Stage, leadID uuid.UUID, patch domain.LeadPatch) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.where[leadID] != stage {
		return nil, apperr.NotFound("lead is not loaded in stage " + string(stage)).WithOp("board.UpdateLead")
	}
	lead := s.cachedLocked(leadID)
	changed := patch.Apply(&lead)
	s.replaceLocked(lead)
	return changed, nil
}

// Reconcile applies an authoritative post-mutation snapshot. fromStage is the
// stage the lead occupied before the mutation, or empty for a newly created lead.
// Snapshots older than the cached version are ignored. Returns whether the cache changed.
func (s *Store) Reconcile(lead domain.Lead, fromStage domain.Stage) bool {
	if !s.stages.Contains(lead.Stage) {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.where[lead.ID]; ok {
		if s.cachedLocked(lead.ID).Version >= lead.Version {
			return false
		}
		if current == lead.Stage {
			s.replaceLocked(lead)
		} else {
			s.moveLocked(lead, current)
		}
		return true
	}

	switch {
	case fromStage == "":
		s.prependLocked(lead)
	case fromStage != lead.Stage:
		// Not cached, but still counted in the column it left.
		s.moveLocked(lead, fromStage)
	default:
		return false
	}
	return true
}

func (s *Store) cachedLocked(leadID uuid.UUID) domain.Lead {
	p := s.pages[s.where[leadID]]
	return p.leads[indexOf(p.leads, leadID)].Clone()
}

// moveLocked drops the lead from column from, if present there, and prepends
// lead to the column of lead.Stage.
func (s *Store) moveLocked(lead domain.Lead, from domain.Stage) {
	if src, ok := s.pages[from]; ok {
		if i := indexOf(src.leads, lead.ID); i >= 0 {
			src.leads = slices.Delete(src.leads, i, i+1)
		}
		src.total = max(src.total-1, 0)
	}
	s.prependLocked(lead)
}

func (s *Store) replaceLocked(lead domain.Lead) {
	p := s.pages[s.where[lead.ID]]
	p.leads[indexOf(p.leads, lead.ID)] = lead.Clone()
}

func (s *Store) prependLocked(lead domain.Lead) {
	dst := s.pages[lead.Stage]
	dst.leads = slices.Insert(dst.leads, 0, lead.Clone())
	dst.total++
	s.where[lead.ID] = lead.Stage
}

// Lead returns the cached copy of a lead, if loaded.
func (s *Store) Lead(leadID uuid.UUID) (domain.Lead, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stage, ok := s.where[leadID]
	if !ok {
		return domain.Lead{}, false
	}
	p := s.pages[stage]
	return p.leads[indexOf(p.leads, leadID)].Clone(), true
}

// Snapshot returns a copy of one column.
func (s *Store) Snapshot(stage domain.Stage) (StagePage, bool) {
	if !s.stages.Contains(stage) {
		return StagePage{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(stage), true
}

// Board returns every column in stage order, taken under one read lock.
func (s *Store) Board() []StagePage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]StagePage, 0, len(s.pages))
	for _, stage := range s.stages.Ordered() {
		out = append(out, s.snapshotLocked(stage))
	}
	return out
}

func (s *Store) snapshotLocked(stage domain.Stage) StagePage {
	p := s.pages[stage]
	leads := make([]domain.Lead, len(p.leads))
	for i, lead := range p.leads {
		leads[i] = lead.Clone()
	}
	return StagePage{
		Stage:   stage,
		Leads:   leads,
		Page:    p.page,
		HasMore: p.hasMore,
		Loading: p.loading,
		Total:   p.total,
	}
}

func indexOf(leads []domain.Lead, id uuid.UUID) int {
	return slices.IndexFunc(leads, func(l domain.Lead) bool { return l.ID == id })
}
