package ingest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pipeline_backend/internal/broadcast"
	"pipeline_backend/internal/leads/domain"
	"pipeline_backend/internal/leads/repository"
	"pipeline_backend/internal/pipeline"
	"pipeline_backend/platform/apperr"
	"pipeline_backend/platform/httpkit"
	"pipeline_backend/platform/logger"
	"pipeline_backend/platform/validator"

	"github.com/gin-gonic/gin"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

var testNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type fakeCoordinator struct {
	ingested []domain.Lead
	updates  []pipeline.Update
}

func (f *fakeCoordinator) Ingest(_ context.Context, lead domain.Lead) (pipeline.Outcome, error) {
	lead.ID = uuid.New()
	f.ingested = append(f.ingested, lead)
	return pipeline.Outcome{Lead: lead}, nil
}

func (f *fakeCoordinator) Update(_ context.Context, u pipeline.Update) (pipeline.Outcome, error) {
	f.updates = append(f.updates, u)
	return pipeline.Outcome{Lead: domain.Lead{ID: u.LeadID}}, nil
}

type fakeContacts struct {
	lead  *domain.Lead
	err   error
	phone string
	email string
}

func (f *fakeContacts) FindByContact(_ context.Context, _ uuid.UUID, phone, email string) (domain.Lead, error) {
	f.phone, f.email = phone, email
	if f.err != nil {
		return domain.Lead{}, f.err
	}
	if f.lead == nil {
		return domain.Lead{}, repository.ErrNotFound
	}
	return *f.lead, nil
}

func newService(coord *fakeCoordinator, contacts *fakeContacts) *Service {
	return New(coord, contacts, "ES", logger.Nop()).WithClock(func() time.Time { return testNow })
}

func TestIngestCreatesNormalizedLead(t *testing.T) {
	coord := &fakeCoordinator{}
	contacts := &fakeContacts{}
	res, err := newService(coord, contacts).Ingest(context.Background(), Submission{
		BranchID:    uuid.New(),
		DisplayName: " <b>Ana</b> García ",
		Phone:       "612 34 56 78",
		Email:       " Ana@Example.com ",
		Channel:     "WhatsApp",
		Tags:        []string{"promo", "<i></i>"},
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !res.Created || len(coord.ingested) != 1 {
		t.Fatalf("expected a created lead, got %+v", res)
	}
	if contacts.phone != "+34612345678" || contacts.email != "ana@example.com" {
		t.Fatalf("dedupe lookup used raw contact data: %q %q", contacts.phone, contacts.email)
	}

	lead := coord.ingested[0]
	if lead.DisplayName != "Ana García" || lead.Channel != "whatsapp" {
		t.Fatalf("unexpected lead %+v", lead)
	}
	if diff := cmp.Diff([]string{"promo"}, lead.Tags); diff != "" {
		t.Fatalf("tags mismatch (-want +got):\n%s", diff)
	}
	if lead.MessagingWindowExpiresAt == nil || !lead.MessagingWindowExpiresAt.Equal(testNow.Add(MessagingWindow)) {
		t.Fatalf("messaging window not opened: %v", lead.MessagingWindowExpiresAt)
	}
}

func TestIngestMergesKnownContact(t *testing.T) {
	existing := domain.Lead{ID: uuid.New(), Phone: "+34612345678", Tags: []string{"promo"}, Version: 4}
	coord := &fakeCoordinator{}
	res, err := newService(coord, &fakeContacts{lead: &existing}).Ingest(context.Background(), Submission{
		BranchID: uuid.New(),
		Phone:    "+34 612 345 678",
		Email:    "ana@example.com",
		Tags:     []string{"promo", "retorno"},
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Created || len(coord.ingested) != 0 || len(coord.updates) != 1 {
		t.Fatalf("expected a merge, got created=%v ingested=%d updates=%d", res.Created, len(coord.ingested), len(coord.updates))
	}

	u := coord.updates[0]
	if u.LeadID != existing.ID || u.PriorVersion != 4 || u.Origin != broadcast.OriginIngest {
		t.Fatalf("unexpected update %+v", u)
	}
	if u.Patch.Phone != nil || u.Patch.Email == nil || *u.Patch.Email != "ana@example.com" {
		t.Fatalf("patch must only fill missing contact data: %+v", u.Patch)
	}
	if diff := cmp.Diff([]string{"retorno"}, u.Patch.AddTags); diff != "" {
		t.Fatalf("tags mismatch (-want +got):\n%s", diff)
	}
	if u.Patch.LastResponseAt == nil || !u.Patch.LastResponseAt.Equal(testNow) {
		t.Fatalf("last response not refreshed")
	}
}

func TestIngestRequiresContact(t *testing.T) {
	_, err := newService(&fakeCoordinator{}, &fakeContacts{}).Ingest(context.Background(), Submission{BranchID: uuid.New(), DisplayName: "Ana"})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected a validation error, got %v", err)
	}
}

func TestIngestLookupFailureIsUnavailable(t *testing.T) {
	_, err := newService(&fakeCoordinator{}, &fakeContacts{err: errors.New("db down")}).Ingest(context.Background(), Submission{BranchID: uuid.New(), Phone: "+34612345678"})
	if !apperr.Is(err, apperr.KindUnavailable) {
		t.Fatalf("expected an unavailable error, got %v", err)
	}
}

func TestHandlerEnforcesBranchScope(t *testing.T) {
	gin.SetMode(gin.TestMode)
	branch := uuid.New()
	coord := &fakeCoordinator{}

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(httpkit.ContextUserIDKey, uuid.New())
		c.Set(httpkit.ContextRolesKey, []string{"agent"})
		c.Set(httpkit.ContextBranchIDKey, branch)
	})
	NewHandler(newService(coord, &fakeContacts{}), validator.New()).RegisterRoutes(r.Group("/ingest"))

	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "own branch", body: `{"branchId":"` + branch.String() + `","phone":"+34612345678"}`, want: http.StatusCreated},
		{name: "other branch", body: `{"branchId":"` + uuid.NewString() + `","phone":"+34612345678"}`, want: http.StatusForbidden},
		{name: "bad email", body: `{"branchId":"` + branch.String() + `","email":"nope"}`, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/ingest/leads", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
	if len(coord.ingested) != 1 {
		t.Fatalf("expected exactly one ingested lead, got %d", len(coord.ingested))
	}
}
