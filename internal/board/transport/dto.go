package transport

import (
	"time"

	"pipeline_backend/internal/board"
	"pipeline_backend/internal/leads/domain"

	"github.com/google/uuid"
)

type MoveRequest struct {
	From         string `json:"from" validate:"max=50"`
	To           string `json:"to" validate:"required,max=50"`
	PriorVersion int64  `json:"priorVersion" validate:"gte=0"`
}

type UpdateRequest struct {
	Stage             string            `json:"stage" validate:"max=50"`
	PriorVersion      int64             `json:"priorVersion" validate:"gte=0"`
	DisplayName       *string           `json:"displayName" validate:"omitempty,min=1,max=200"`
	Phone             *string           `json:"phone" validate:"omitempty,max=40"`
	Email             *string           `json:"email" validate:"omitempty,email,max=254"`
	Channel           *string           `json:"channel" validate:"omitempty,max=50"`
	Campaign          *string           `json:"campaign" validate:"omitempty,max=200"`
	EstimatedValue    *float64          `json:"estimatedValue" validate:"omitempty,gte=0"`
	AddTags           []string          `json:"addTags" validate:"max=20,dive,required,max=50"`
	RemoveTags        []string          `json:"removeTags" validate:"max=20,dive,required,max=50"`
	SetCustomFields   map[string]string `json:"setCustomFields" validate:"max=50,dive,keys,required,max=100,endkeys,max=1000"`
	ClearCustomFields []string          `json:"clearCustomFields" validate:"max=50,dive,required"`
	AssignedAgentID   *uuid.UUID        `json:"assignedAgentId"`
	UnassignAgent     bool              `json:"unassignAgent"`
	ContactAttempts   *int              `json:"contactAttempts" validate:"omitempty,gte=0"`
	LastContactedAt   *time.Time        `json:"lastContactedAt"`
}

// ToPatch maps the request onto a lead patch. Custom field values are stored as text.
func (r UpdateRequest) ToPatch() domain.LeadPatch {
	patch := domain.LeadPatch{
		DisplayName:       r.DisplayName,
		Phone:             r.Phone,
		Email:             r.Email,
		Channel:           r.Channel,
		Campaign:          r.Campaign,
		EstimatedValue:    r.EstimatedValue,
		AddTags:           r.AddTags,
		RemoveTags:        r.RemoveTags,
		ClearCustomFields: r.ClearCustomFields,
		AssignedAgentID:   r.AssignedAgentID,
		UnassignAgent:     r.UnassignAgent,
		ContactAttempts:   r.ContactAttempts,
		LastContactedAt:   r.LastContactedAt,
	}
	if len(r.SetCustomFields) > 0 {
		patch.SetCustomFields = make(map[string]domain.Value, len(r.SetCustomFields))
		for k, v := range r.SetCustomFields {
			patch.SetCustomFields[k] = domain.TextValue(v)
		}
	}
	return patch
}

type BoardResponse struct {
	BranchID uuid.UUID         `json:"branchId"`
	Stages   []board.StagePage `json:"stages"`
}

type LoadMoreResponse struct {
	board.StagePage
	Loaded bool `json:"loaded"`
}
