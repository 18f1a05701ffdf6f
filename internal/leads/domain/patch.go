package domain

import (
	"time"

	"github.com/google/uuid"
)

// Field names reported in change sets and deltas.
const (
	FieldDisplayName              = "displayName"
	FieldPhone                    = "phone"
	FieldEmail                    = "email"
	FieldStage                    = "stage"
	FieldChannel                  = "channel"
	FieldCampaign                 = "campaign"
	FieldEstimatedValue           = "estimatedValue"
	FieldTags                     = "tags"
	FieldCustomFields             = "customFields"
	FieldAssignedAgent            = "assignedAgentId"
	FieldContactAttempts          = "contactAttempts"
	FieldLastContactedAt          = "lastContactedAt"
	FieldLastResponseAt           = "lastResponseAt"
	FieldMessagingWindowExpiresAt = "messagingWindowExpiresAt"
	FieldAutomationSuspendedUntil = "automationSuspendedUntil"
	FieldHasConflict              = "hasConflict"
)

// LeadPatch is a partial update. Nil fields are left untouched; overlapping
// fields from concurrent writers resolve last-write-wins.
type LeadPatch struct {
	DisplayName              *string          `json:"displayName,omitempty"`
	Phone                    *string          `json:"phone,omitempty"`
	Email                    *string          `json:"email,omitempty"`
	Channel                  *string          `json:"channel,omitempty"`
	Campaign                 *string          `json:"campaign,omitempty"`
	EstimatedValue           *float64         `json:"estimatedValue,omitempty"`
	AddTags                  []string         `json:"addTags,omitempty"`
	RemoveTags               []string         `json:"removeTags,omitempty"`
	SetCustomFields          map[string]Value `json:"setCustomFields,omitempty"`
	ClearCustomFields        []string         `json:"clearCustomFields,omitempty"`
	AssignedAgentID          *uuid.UUID       `json:"assignedAgentId,omitempty"`
	UnassignAgent            bool             `json:"unassignAgent,omitempty"`
	ContactAttempts          *int             `json:"contactAttempts,omitempty"`
	LastContactedAt          *time.Time       `json:"lastContactedAt,omitempty"`
	LastResponseAt           *time.Time       `json:"lastResponseAt,omitempty"`
	MessagingWindowExpiresAt *time.Time       `json:"messagingWindowExpiresAt,omitempty"`
	AutomationSuspendedUntil *time.Time       `json:"automationSuspendedUntil,omitempty"`
}

// IsEmpty reports whether the patch would not touch anything.
func (p LeadPatch) IsEmpty() bool {
	return p.DisplayName == nil && p.Phone == nil && p.Email == nil && p.Channel == nil &&
		p.Campaign == nil && p.EstimatedValue == nil && len(p.AddTags) == 0 && len(p.RemoveTags) == 0 &&
		len(p.SetCustomFields) == 0 && len(p.ClearCustomFields) == 0 && p.AssignedAgentID == nil &&
		!p.UnassignAgent && p.ContactAttempts == nil && p.LastContactedAt == nil && p.LastResponseAt == nil &&
		p.MessagingWindowExpiresAt == nil && p.AutomationSuspendedUntil == nil
}

// Apply merges the patch into lead and returns the names of fields whose value changed.
func (p LeadPatch) Apply(lead *Lead) []string {
	var changed []string
	mark := func(name string, did bool) {
		if did {
			changed = append(changed, name)
		}
	}

	mark(FieldDisplayName, setIfChanged(&lead.DisplayName, p.DisplayName))
	mark(FieldPhone, setIfChanged(&lead.Phone, p.Phone))
	mark(FieldEmail, setIfChanged(&lead.Email, p.Email))
	mark(FieldChannel, setIfChanged(&lead.Channel, p.Channel))
	mark(FieldCampaign, setIfChanged(&lead.Campaign, p.Campaign))
	mark(FieldEstimatedValue, setIfChanged(&lead.EstimatedValue, p.EstimatedValue))

	tagsChanged := false
	for _, tag := range p.AddTags {
		tagsChanged = lead.AddTag(tag) || tagsChanged
	}
	for _, tag := range p.RemoveTags {
		tagsChanged = lead.RemoveTag(tag) || tagsChanged
	}
	mark(FieldTags, tagsChanged)

	fieldsChanged := false
	for key, value := range p.SetCustomFields {
		if current, ok := lead.CustomFields[key]; ok && current.Equal(value) {
			continue
		}
		if lead.CustomFields == nil {
			lead.CustomFields = make(map[string]Value)
		}
		lead.CustomFields[key] = value
		fieldsChanged = true
	}
	for _, key := range p.ClearCustomFields {
		if _, ok := lead.CustomFields[key]; ok {
			delete(lead.CustomFields, key)
			fieldsChanged = true
		}
	}
	mark(FieldCustomFields, fieldsChanged)

	switch {
	case p.UnassignAgent:
		mark(FieldAssignedAgent, lead.AssignedAgentID != nil)
		lead.AssignedAgentID = nil
	case p.AssignedAgentID != nil:
		did := lead.AssignedAgentID == nil || *lead.AssignedAgentID != *p.AssignedAgentID
		if did {
			id := *p.AssignedAgentID
			lead.AssignedAgentID = &id
		}
		mark(FieldAssignedAgent, did)
	}

	mark(FieldContactAttempts, setIfChanged(&lead.ContactAttempts, p.ContactAttempts))
	mark(FieldLastContactedAt, setTimeIfChanged(&lead.LastContactedAt, p.LastContactedAt))
	mark(FieldLastResponseAt, setTimeIfChanged(&lead.LastResponseAt, p.LastResponseAt))
	mark(FieldMessagingWindowExpiresAt, setTimeIfChanged(&lead.MessagingWindowExpiresAt, p.MessagingWindowExpiresAt))
	mark(FieldAutomationSuspendedUntil, setTimeIfChanged(&lead.AutomationSuspendedUntil, p.AutomationSuspendedUntil))

	return changed
}

func setIfChanged[T comparable](dst *T, src *T) bool {
	if src == nil || *dst == *src {
		return false
	}
	*dst = *src
	return true
}

func setTimeIfChanged(dst **time.Time, src *time.Time) bool {
	if src == nil {
		return false
	}
	if *dst != nil && (*dst).Equal(*src) {
		return false
	}
	v := *src
	*dst = &v
	return true
}
