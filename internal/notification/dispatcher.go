// Package notification delivers templated messages to agents and leads over
// email or WhatsApp, and reacts to assignment events on the bus.
package notification

import (
	"context"
	"fmt"
	"time"

	"pipeline_backend/internal/email"
	"pipeline_backend/internal/events"
	"pipeline_backend/internal/leads/domain"
	"pipeline_backend/internal/leads/ports"
	"pipeline_backend/internal/whatsapp"
	"pipeline_backend/platform/logger"

	"github.com/google/uuid"
)

// LeadReader resolves a lead's contact details.
type LeadReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (domain.Lead, error)
}

// Deps wires the dispatcher. Email and WhatsApp may be left nil when the
// channel is not configured.
type Deps struct {
	Agents   ports.AgentDirectory
	Leads    LeadReader
	Email    email.Sender
	WhatsApp whatsapp.Sender
	Catalog  map[string]Template
}

type Dispatcher struct {
	deps Deps
	log  *logger.Logger
}

func New(deps Deps, log *logger.Logger) *Dispatcher {
	if deps.Catalog == nil {
		deps.Catalog = DefaultCatalog()
	}
	return &Dispatcher{deps: deps, log: log}
}

type contact struct {
	name  string
	email string
	phone string
	agent bool
}

// Send renders templateID against payload and delivers it. Agents are reached
// by email first, leads by WhatsApp first; the other channel is the fallback.
func (d *Dispatcher) Send(ctx context.Context, to ports.Recipient, templateID string, payload map[string]string) error {
	tpl, err := resolve(d.deps.Catalog, templateID)
	if err != nil {
		return err
	}

	c, err := d.contactFor(ctx, to)
	if err != nil {
		return err
	}

	data := make(map[string]string, len(payload)+1)
	for k, v := range payload {
		data[k] = v
	}
	data["recipientName"] = c.name

	msg, err := render(tpl, data)
	if err != nil {
		return err
	}

	channels := []func(context.Context, contact, rendered) (bool, error){d.viaEmail, d.viaWhatsApp}
	if !c.agent {
		channels[0], channels[1] = channels[1], channels[0]
	}
	for _, deliver := range channels {
		sent, err := deliver(ctx, c, msg)
		if err != nil {
			return err
		}
		if sent {
			return nil
		}
	}
	return fmt.Errorf("no delivery channel for %s: %w", c.name, ports.ErrCollaboratorDisabled)
}

func (d *Dispatcher) contactFor(ctx context.Context, to ports.Recipient) (contact, error) {
	switch {
	case to.AgentID != nil:
		if d.deps.Agents == nil {
			return contact{}, ports.ErrCollaboratorDisabled
		}
		agent, err := d.deps.Agents.GetAgent(ctx, *to.AgentID)
		if err != nil {
			return contact{}, err
		}
		return contact{name: agent.Name, email: agent.Email, phone: agent.Phone, agent: true}, nil
	case to.LeadID != nil:
		if d.deps.Leads == nil {
			return contact{}, ports.ErrCollaboratorDisabled
		}
		lead, err := d.deps.Leads.GetByID(ctx, *to.LeadID)
		if err != nil {
			return contact{}, err
		}
		return contact{name: lead.DisplayName, email: lead.Email, phone: lead.Phone}, nil
	}
	return contact{}, fmt.Errorf("notification recipient is empty")
}

func (d *Dispatcher) viaEmail(ctx context.Context, c contact, msg rendered) (bool, error) {
	if d.deps.Email == nil || c.email == "" {
		return false, nil
	}
	err := d.deps.Email.SendNotification(ctx, c.email, email.Message{
		Subject: msg.Subject,
		Lines:   []string{msg.Body},
	})
	if err != nil {
		return false, fmt.Errorf("email notification: %w", err)
	}
	d.log.Debug("notification sent", "channel", "email", "recipient", c.name)
	return true, nil
}

func (d *Dispatcher) viaWhatsApp(ctx context.Context, c contact, msg rendered) (bool, error) {
	if d.deps.WhatsApp == nil || c.phone == "" {
		return false, nil
	}
	if err := d.deps.WhatsApp.SendMessage(ctx, c.phone, msg.Body); err != nil {
		return false, fmt.Errorf("whatsapp notification: %w", err)
	}
	d.log.Debug("notification sent", "channel", "whatsapp", "recipient", c.name)
	return true, nil
}

// DeliverFollowUp notifies the agent a follow-up task belongs to. Tasks
// without an agent are dropped.
func (d *Dispatcher) DeliverFollowUp(ctx context.Context, task ports.FollowUp) error {
	if task.AgentID == nil {
		d.log.Info("follow-up without agent dropped", "leadId", task.LeadID, "ruleId", task.RuleID)
		return nil
	}
	payload, err := d.leadPayload(ctx, task.LeadID)
	if err != nil {
		return err
	}
	payload["note"] = task.Note
	payload["dueAt"] = task.DueAt.UTC().Format(time.RFC3339)
	return d.Send(ctx, ports.AgentRecipient(*task.AgentID), TemplateFollowUpDue, payload)
}

// RegisterHandlers subscribes the dispatcher to the events it reacts to.
func (d *Dispatcher) RegisterHandlers(bus events.Bus) {
	bus.Subscribe(events.LeadAssigned{}.EventName(), d)
	d.log.Info("notification dispatcher registered event handlers")
}

func (d *Dispatcher) Handle(ctx context.Context, event events.Event) error {
	switch e := event.(type) {
	case events.LeadAssigned:
		return d.handleLeadAssigned(ctx, e)
	}
	return nil
}

func (d *Dispatcher) handleLeadAssigned(ctx context.Context, e events.LeadAssigned) error {
	payload, err := d.leadPayload(ctx, e.LeadID)
	if err != nil {
		return err
	}
	return d.Send(ctx, ports.AgentRecipient(e.AgentID), TemplateLeadAssigned, payload)
}

func (d *Dispatcher) leadPayload(ctx context.Context, leadID uuid.UUID) (map[string]string, error) {
	payload := map[string]string{"leadId": leadID.String()}
	if d.deps.Leads == nil {
		return payload, nil
	}
	lead, err := d.deps.Leads.GetByID(ctx, leadID)
	if err != nil {
		return nil, err
	}
	payload["leadName"] = lead.DisplayName
	payload["stage"] = string(lead.Stage)
	payload["branchId"] = lead.BranchID.String()
	return payload, nil
}

var _ ports.Notifier = (*Dispatcher)(nil)
