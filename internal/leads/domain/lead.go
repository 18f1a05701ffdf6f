// Package domain provides the core lead model shared by the board, presence
// tracking and the automation engine.
package domain

import (
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Lead is a prospect record on a branch pipeline.
// Leads are never hard-deleted; removal is a transition to an archival stage.
type Lead struct {
	ID                       uuid.UUID        `json:"id"`
	BranchID                 uuid.UUID        `json:"branchId"`
	DisplayName              string           `json:"displayName"`
	Phone                    string           `json:"phone,omitempty"`
	Email                    string           `json:"email,omitempty"`
	Stage                    Stage            `json:"stage"`
	Channel                  string           `json:"channel,omitempty"`
	Campaign                 string           `json:"campaign,omitempty"`
	EstimatedValue           float64          `json:"estimatedValue"`
	Tags                     []string         `json:"tags"`
	CustomFields             map[string]Value `json:"customFields,omitempty"`
	AssignedAgentID          *uuid.UUID       `json:"assignedAgentId,omitempty"`
	EditorsActive            []uuid.UUID      `json:"editorsActive"`
	HasConflict              bool             `json:"hasConflict"`
	Version                  int64            `json:"version"`
	ContactAttempts          int              `json:"contactAttempts"`
	LastResponseAt           *time.Time       `json:"lastResponseAt,omitempty"`
	MessagingWindowExpiresAt *time.Time       `json:"messagingWindowExpiresAt,omitempty"`
	AutomationSuspendedUntil *time.Time       `json:"automationSuspendedUntil,omitempty"`
	CreatedAt                time.Time        `json:"createdAt"`
	UpdatedAt                time.Time        `json:"updatedAt"`
	LastContactedAt          *time.Time       `json:"lastContactedAt,omitempty"`
	LastStageChange          time.Time        `json:"lastStageChange"`
}

// Clone returns a deep copy so cached leads are never shared between goroutines.
func (l Lead) Clone() Lead {
	out := l
	out.Tags = slices.Clone(l.Tags)
	out.EditorsActive = slices.Clone(l.EditorsActive)
	if l.CustomFields != nil {
		out.CustomFields = maps.Clone(l.CustomFields)
	}
	out.AssignedAgentID = clonePtr(l.AssignedAgentID)
	out.LastResponseAt = clonePtr(l.LastResponseAt)
	out.MessagingWindowExpiresAt = clonePtr(l.MessagingWindowExpiresAt)
	out.AutomationSuspendedUntil = clonePtr(l.AutomationSuspendedUntil)
	out.LastContactedAt = clonePtr(l.LastContactedAt)
	return out
}

// TimeInStage is measured against now, never cached.
func (l Lead) TimeInStage(now time.Time) time.Duration {
	if l.LastStageChange.IsZero() {
		return now.Sub(l.CreatedAt)
	}
	return now.Sub(l.LastStageChange)
}

// HasTag reports whether tag is present.
func (l Lead) HasTag(tag string) bool {
	_, found := slices.BinarySearch(l.Tags, tag)
	return found
}

// AddTag inserts tag keeping Tags sorted and unique. Returns false if already present.
func (l *Lead) AddTag(tag string) bool {
	i, found := slices.BinarySearch(l.Tags, tag)
	if found {
		return false
	}
	l.Tags = slices.Insert(l.Tags, i, tag)
	return true
}

// RemoveTag deletes tag. Returns false if it was absent.
func (l *Lead) RemoveTag(tag string) bool {
	i, found := slices.BinarySearch(l.Tags, tag)
	if !found {
		return false
	}
	l.Tags = slices.Delete(l.Tags, i, i+1)
	return true
}

// NormalizeTags sorts and deduplicates tags loaded from storage or ingestion.
func (l *Lead) NormalizeTags() {
	slices.Sort(l.Tags)
	l.Tags = slices.Compact(l.Tags)
	if l.Tags == nil {
		l.Tags = []string{}
	}
}

// SetStage moves the lead. LastStageChange is touched only when the stage actually changes.
func (l *Lead) SetStage(stage Stage, now time.Time) bool {
	if l.Stage == stage {
		return false
	}
	l.Stage = stage
	l.LastStageChange = now
	return true
}

// IsSuspended reports whether automation is paused for this lead at now.
func (l Lead) IsSuspended(now time.Time) bool {
	return l.AutomationSuspendedUntil != nil && now.Before(*l.AutomationSuspendedUntil)
}

// MessagingWindowOpen reports whether the lead can still be messaged freely.
func (l Lead) MessagingWindowOpen(now time.Time) bool {
	return l.MessagingWindowExpiresAt != nil && now.Before(*l.MessagingWindowExpiresAt)
}

// DaysSinceLastResponse counts from the last response, or from creation when the lead never replied.
func (l Lead) DaysSinceLastResponse(now time.Time) float64 {
	from := l.CreatedAt
	if l.LastResponseAt != nil {
		from = *l.LastResponseAt
	}
	return now.Sub(from).Hours() / 24
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
