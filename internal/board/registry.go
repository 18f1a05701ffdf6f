package board

import (
	"sync"

	"pipeline_backend/internal/leads/domain"
	"pipeline_backend/platform/logger"

	"github.com/google/uuid"
)

// Registry hands out one Store per branch, created on first use.
type Registry struct {
	stages   domain.StageSet
	fetcher  PageFetcher
	pageSize int
	log      *logger.Logger

	mu     sync.Mutex
	stores map[uuid.UUID]*Store
}

// NewRegistry creates an empty registry.
func NewRegistry(stages domain.StageSet, fetcher PageFetcher, pageSize int, log *logger.Logger) *Registry {
	return &Registry{
		stages:   stages,
		fetcher:  fetcher,
		pageSize: pageSize,
		log:      log,
		stores:   make(map[uuid.UUID]*Store),
	}
}

// Get returns the store for branchID.
func (r *Registry) Get(branchID uuid.UUID) *Store {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stores[branchID]
	if !ok {
		s = NewStore(branchID, r.stages, r.fetcher, r.pageSize, r.log)
		r.stores[branchID] = s
	}
	return s
}

// Stages returns the configured stage set.
func (r *Registry) Stages() domain.StageSet {
	return r.stages
}
