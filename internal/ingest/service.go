// Package ingest turns contact submissions from external sources into leads.
// A submission matching an existing lead of the branch by phone or email
// refreshes that lead instead of creating a duplicate.
package ingest

import (
	"context"
	"errors"
	"strings"
	"time"

	"pipeline_backend/internal/broadcast"
	"pipeline_backend/internal/leads/domain"
	"pipeline_backend/internal/leads/repository"
	"pipeline_backend/internal/pipeline"
	"pipeline_backend/platform/apperr"
	"pipeline_backend/platform/logger"
	"pipeline_backend/platform/phone"
	"pipeline_backend/platform/sanitize"

	"github.com/google/uuid"
)

// MessagingWindow is how long a lead can be messaged freely after it wrote in.
const MessagingWindow = 24 * time.Hour

// Coordinator is the mutation entry point ingestion hands leads to.
type Coordinator interface {
	Ingest(ctx context.Context, lead domain.Lead) (pipeline.Outcome, error)
	Update(ctx context.Context, u pipeline.Update) (pipeline.Outcome, error)
}

// ContactFinder finds the newest lead of a branch sharing a phone or email.
type ContactFinder interface {
	FindByContact(ctx context.Context, branchID uuid.UUID, phone, email string) (domain.Lead, error)
}

// Submission is one inbound contact.
type Submission struct {
	BranchID       uuid.UUID
	DisplayName    string
	Phone          string
	Email          string
	Channel        string
	Campaign       string
	EstimatedValue float64
	Tags           []string
	CustomFields   map[string]string
	Stage          domain.Stage
}

// Result reports the lead after ingestion and whether it was new.
type Result struct {
	pipeline.Outcome
	Created bool `json:"created"`
}

type Service struct {
	coord    Coordinator
	contacts ContactFinder
	region   string
	now      func() time.Time
	log      *logger.Logger
}

func New(coord Coordinator, contacts ContactFinder, region string, log *logger.Logger) *Service {
	return &Service{coord: coord, contacts: contacts, region: region, now: time.Now, log: log}
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) Ingest(ctx context.Context, sub Submission) (Result, error) {
	sub = s.normalize(sub)
	if sub.Phone == "" && sub.Email == "" {
		return Result{}, apperr.Validation("phone or email is required")
	}

	now := s.now()
	existing, err := s.contacts.FindByContact(ctx, sub.BranchID, sub.Phone, sub.Email)
	switch {
	case err == nil:
		out, err := s.coord.Update(ctx, pipeline.Update{
			BranchID:     sub.BranchID,
			LeadID:       existing.ID,
			Patch:        refreshPatch(existing, sub, now),
			PriorVersion: existing.Version,
			Origin:       broadcast.OriginIngest,
		})
		if err != nil {
			return Result{}, err
		}
		s.log.Info("ingested contact merged into existing lead", "leadId", existing.ID, "branchId", sub.BranchID, "channel", sub.Channel)
		return Result{Outcome: out}, nil
	case !errors.Is(err, repository.ErrNotFound):
		return Result{}, apperr.Unavailable("contact lookup failed", err)
	}

	window := now.Add(MessagingWindow)
	lead := domain.Lead{
		BranchID:                 sub.BranchID,
		DisplayName:              sub.DisplayName,
		Phone:                    sub.Phone,
		Email:                    sub.Email,
		Channel:                  sub.Channel,
		Campaign:                 sub.Campaign,
		EstimatedValue:           sub.EstimatedValue,
		Tags:                     sub.Tags,
		CustomFields:             customFields(sub.CustomFields),
		Stage:                    sub.Stage,
		LastResponseAt:           &now,
		MessagingWindowExpiresAt: &window,
	}
	out, err := s.coord.Ingest(ctx, lead)
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: out, Created: true}, nil
}

func (s *Service) normalize(sub Submission) Submission {
	sub.DisplayName = sanitize.Text(sub.DisplayName)
	sub.Channel = strings.ToLower(sanitize.Text(sub.Channel))
	sub.Campaign = sanitize.Text(sub.Campaign)
	sub.Email = strings.ToLower(strings.TrimSpace(sub.Email))
	if sub.Phone != "" {
		sub.Phone = phone.NormalizeE164Region(sub.Phone, s.region)
	}
	if sub.DisplayName == "" {
		sub.DisplayName = sub.Phone
	}
	if sub.DisplayName == "" {
		sub.DisplayName = sub.Email
	}

	tags := make([]string, 0, len(sub.Tags))
	for _, tag := range sub.Tags {
		if tag = sanitize.Text(tag); tag != "" {
			tags = append(tags, tag)
		}
	}
	sub.Tags = tags

	fields := make(map[string]string, len(sub.CustomFields))
	for k, v := range sub.CustomFields {
		fields[k] = sanitize.Text(v)
	}
	sub.CustomFields = fields
	return sub
}

// refreshPatch reopens the messaging window and fills contact data the
// stored lead lacks. Known values are never overwritten.
func refreshPatch(existing domain.Lead, sub Submission, now time.Time) domain.LeadPatch {
	window := now.Add(MessagingWindow)
	patch := domain.LeadPatch{
		LastResponseAt:           &now,
		MessagingWindowExpiresAt: &window,
	}
	if existing.Phone == "" && sub.Phone != "" {
		patch.Phone = &sub.Phone
	}
	if existing.Email == "" && sub.Email != "" {
		patch.Email = &sub.Email
	}
	if existing.Campaign == "" && sub.Campaign != "" {
		patch.Campaign = &sub.Campaign
	}
	for _, tag := range sub.Tags {
		if !existing.HasTag(tag) {
			patch.AddTags = append(patch.AddTags, tag)
		}
	}
	if len(sub.CustomFields) > 0 {
		patch.SetCustomFields = customFields(sub.CustomFields)
	}
	return patch
}

func customFields(in map[string]string) map[string]domain.Value {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]domain.Value, len(in))
	for k, v := range in {
		out[k] = domain.TextValue(v)
	}
	return out
}
