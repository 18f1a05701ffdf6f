package ports

import (
	"context"

	"github.com/google/uuid"
)

// IntegrationCall is the payload handed to an external integration.
type IntegrationCall struct {
	Name     string
	LeadID   uuid.UUID
	BranchID uuid.UUID
	RuleID   uuid.UUID
	Payload  map[string]string
}

// Integrations calls named external endpoints (CRM sync, ad-platform conversions, ...).
type Integrations interface {
	Call(ctx context.Context, call IntegrationCall) error
}
