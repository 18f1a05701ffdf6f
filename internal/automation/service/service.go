package service

import (
	"context"
	"errors"

	"pipeline_backend/internal/automation"
	"pipeline_backend/platform/apperr"
	"pipeline_backend/platform/logger"

	"github.com/google/uuid"
)

// Service manages rule definitions. Scope is the caller's branch, or nil for
// administrators; scoped callers only see and manage rules of their branch.
type Service struct {
	store  automation.RuleStore
	schema *automation.Schema
	log    *logger.Logger
}

func New(store automation.RuleStore, schema *automation.Schema, log *logger.Logger) *Service {
	return &Service{store: store, schema: schema, log: log}
}

func (s *Service) List(ctx context.Context, scope *uuid.UUID) ([]automation.Rule, error) {
	rules, err := s.store.List(ctx, scope)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to list rules", err).WithOp("automation.List")
	}
	return rules, nil
}

// Validate checks a definition without storing it.
func (s *Service) Validate(rule automation.Rule) error {
	return s.schema.Validate(rule)
}

func (s *Service) Create(ctx context.Context, scope *uuid.UUID, rule automation.Rule) (automation.Rule, error) {
	if scope != nil {
		if rule.BranchID != nil && *rule.BranchID != *scope {
			return automation.Rule{}, apperr.Forbidden("rule belongs to another branch")
		}
		rule.BranchID = scope
	}
	if err := s.schema.Validate(rule); err != nil {
		return automation.Rule{}, err
	}

	created, err := s.store.Create(ctx, rule)
	if err != nil {
		return automation.Rule{}, apperr.Wrap(apperr.KindInternal, "failed to create rule", err).WithOp("automation.Create")
	}
	s.log.Info("automation rule created", "ruleId", created.ID, "name", created.Name)
	return created, nil
}

func (s *Service) Update(ctx context.Context, scope *uuid.UUID, rule automation.Rule) (automation.Rule, error) {
	if _, err := s.getScoped(ctx, scope, rule.ID); err != nil {
		return automation.Rule{}, err
	}
	if scope != nil {
		rule.BranchID = scope
	}
	if err := s.schema.Validate(rule); err != nil {
		return automation.Rule{}, err
	}

	updated, err := s.store.Update(ctx, rule)
	if err != nil {
		return automation.Rule{}, mapStoreError(err, "automation.Update")
	}
	s.log.Info("automation rule updated", "ruleId", updated.ID, "enabled", updated.Enabled)
	return updated, nil
}

func (s *Service) Delete(ctx context.Context, scope *uuid.UUID, id uuid.UUID) error {
	if _, err := s.getScoped(ctx, scope, id); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return mapStoreError(err, "automation.Delete")
	}
	s.log.Info("automation rule deleted", "ruleId", id)
	return nil
}

func (s *Service) getScoped(ctx context.Context, scope *uuid.UUID, id uuid.UUID) (automation.Rule, error) {
	rule, err := s.store.Get(ctx, id)
	if err != nil {
		return automation.Rule{}, mapStoreError(err, "automation.Get")
	}
	if scope != nil && (rule.BranchID == nil || *rule.BranchID != *scope) {
		// Global rules and other branches' rules are invisible to scoped callers.
		return automation.Rule{}, apperr.NotFound("rule not found")
	}
	return rule, nil
}

func mapStoreError(err error, op string) error {
	if errors.Is(err, automation.ErrRuleNotFound) {
		return apperr.NotFound("rule not found").WithOp(op)
	}
	return apperr.Wrap(apperr.KindInternal, "rule storage failed", err).WithOp(op)
}
