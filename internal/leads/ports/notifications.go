package ports

import (
	"context"

	"github.com/google/uuid"
)

// Recipient addresses a notification to an agent or to the lead itself.
// Exactly one of AgentID or LeadID is set.
type Recipient struct {
	AgentID *uuid.UUID
	LeadID  *uuid.UUID
}

// AgentRecipient addresses an agent.
func AgentRecipient(id uuid.UUID) Recipient { return Recipient{AgentID: &id} }

// LeadRecipient addresses the lead's own contact channel.
func LeadRecipient(id uuid.UUID) Recipient { return Recipient{LeadID: &id} }

// Notifier dispatches templated messages. Failures are reported to the caller
// and are not retried by the dispatcher.
type Notifier interface {
	Send(ctx context.Context, to Recipient, templateID string, payload map[string]string) error
}
