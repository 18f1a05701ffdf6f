package repository

import (
	"context"
	"time"

	"pipeline_backend/internal/board"
	"pipeline_backend/internal/leads/domain"

	"github.com/google/uuid"
)

// LeadReader provides read-only access to lead data.
type LeadReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (domain.Lead, error)
	FindByContact(ctx context.Context, branchID uuid.UUID, phone, email string) (domain.Lead, error)
}

// LeadWriter persists leads. Save fails with ErrVersionMismatch when the stored
// version differs from expectedVersion.
type LeadWriter interface {
	Insert(ctx context.Context, lead domain.Lead) (domain.Lead, error)
	Save(ctx context.Context, lead domain.Lead, expectedVersion int64) (domain.Lead, error)
}

// SweepSource lists the leads a periodic sweep evaluates.
type SweepSource interface {
	ListSweepCandidates(ctx context.Context, branchID uuid.UUID, now time.Time, limit int) ([]domain.Lead, error)
	ListBranchIDs(ctx context.Context) ([]uuid.UUID, error)
}

// LeadsRepository composes every lead persistence concern.
type LeadsRepository interface {
	board.PageFetcher
	LeadReader
	LeadWriter
	SweepSource
}

var _ LeadsRepository = (*Repository)(nil)
