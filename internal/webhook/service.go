package webhook

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"pipeline_backend/internal/ingest"
	"pipeline_backend/platform/apperr"
	"pipeline_backend/platform/logger"

	"github.com/google/uuid"
)

const (
	// DefaultChannel is the acquisition channel of leads whose form names none.
	DefaultChannel = "web_form"
	// TagWebhook marks every lead captured through a form.
	TagWebhook = "webhook"
	// TagIncomplete marks leads missing a name or a contact method.
	TagIncomplete = "incomplete"
)

// Ingester hands normalized submissions to the pipeline. Satisfied by ingest.Service.
type Ingester interface {
	Ingest(ctx context.Context, sub ingest.Submission) (ingest.Result, error)
}

// FormSubmission represents an inbound form submission via the webhook.
type FormSubmission struct {
	Fields       map[string]string // all form fields as key-value
	SourceDomain string            // origin domain of the form
	APIKeyID     uuid.UUID         // the API key that authenticated this request
}

// FormSubmissionResponse is returned to the caller on success.
type FormSubmissionResponse struct {
	LeadID       uuid.UUID         `json:"leadId"`
	Created      bool              `json:"created"`
	IsIncomplete bool              `json:"isIncomplete"`
	Extracted    map[string]string `json:"extractedFields"`
	Message      string            `json:"message"`
}

// Service turns inbound form submissions into pipeline leads.
type Service struct {
	ingester Ingester
	log      *logger.Logger
}

// NewService creates a new webhook service.
func NewService(ingester Ingester, log *logger.Logger) *Service {
	return &Service{ingester: ingester, log: log}
}

// ProcessFormSubmission extracts the known fields and ingests the lead into the
// branch the API key belongs to. Repeated submissions for the same contact are
// merged into the existing lead by ingest.
func (s *Service) ProcessFormSubmission(ctx context.Context, sub FormSubmission, branchID uuid.UUID) (FormSubmissionResponse, error) {
	extracted := ExtractFields(sub.Fields)
	if !extracted.HasContact() {
		return FormSubmissionResponse{}, apperr.Validation("form submission has no phone or email").
			WithDetails(buildExtractedMap(extracted))
	}
	isIncomplete := extracted.IsIncomplete()

	res, err := s.ingester.Ingest(ctx, buildSubmission(extracted, branchID, sub.SourceDomain))
	if err != nil {
		s.log.Error("webhook: failed to ingest form submission", "error", err, "domain", sub.SourceDomain, "branchId", branchID)
		return FormSubmissionResponse{}, err
	}

	s.log.Info("webhook: form submission ingested",
		"leadId", res.Lead.ID, "created", res.Created, "domain", sub.SourceDomain, "apiKeyId", sub.APIKeyID)

	return FormSubmissionResponse{
		LeadID:       res.Lead.ID,
		Created:      res.Created,
		IsIncomplete: isIncomplete,
		Extracted:    buildExtractedMap(extracted),
		Message:      buildWebhookMessage(res.Created, isIncomplete),
	}, nil
}

func buildSubmission(extracted ExtractedFields, branchID uuid.UUID, sourceDomain string) ingest.Submission {
	channel := extracted.Channel
	if channel == "" {
		channel = DefaultChannel
	}

	tags := []string{TagWebhook}
	if extracted.IsIncomplete() {
		tags = append(tags, TagIncomplete)
	}

	fields := make(map[string]string, len(extracted.Extra)+2)
	for k, v := range extracted.Extra {
		fields[k] = v
	}
	if extracted.Message != "" {
		fields["message"] = extracted.Message
	}
	if host := hostOf(sourceDomain); host != "" {
		fields["source_domain"] = host
	}

	return ingest.Submission{
		BranchID:     branchID,
		DisplayName:  extracted.DisplayName(),
		Phone:        extracted.Phone,
		Email:        extracted.Email,
		Channel:      channel,
		Campaign:     extracted.Campaign,
		Tags:         tags,
		CustomFields: fields,
	}
}

func hostOf(origin string) string {
	if origin == "" {
		return ""
	}
	if u, err := url.Parse(origin); err == nil && u.Hostname() != "" {
		return strings.ToLower(u.Hostname())
	}
	return ""
}

func buildExtractedMap(extracted ExtractedFields) map[string]string {
	result := map[string]string{}
	if extracted.FirstName != "" {
		result["firstName"] = extracted.FirstName
	}
	if extracted.LastName != "" {
		result["lastName"] = extracted.LastName
	}
	if extracted.Email != "" {
		result["email"] = extracted.Email
	}
	if extracted.Phone != "" {
		result["phone"] = extracted.Phone
	}
	if extracted.Campaign != "" {
		result["campaign"] = extracted.Campaign
	}
	if extracted.Channel != "" {
		result["channel"] = extracted.Channel
	}
	if n := len(extracted.Extra); n > 0 {
		result["extraFields"] = strconv.Itoa(n)
	}
	return result
}

func buildWebhookMessage(created, isIncomplete bool) string {
	switch {
	case !created:
		return "Contact matched an existing lead"
	case isIncomplete:
		return "Lead created with incomplete data, manual review recommended"
	}
	return "Lead created successfully"
}
