// Package validator provides validation infrastructure for the application.
// This is part of the platform layer and contains no business logic.
package validator

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validator wraps the go-playground validator for structured validation.
// Using a struct allows for dependency injection and easier testing.
type Validator struct {
	v *validator.Validate
}

// New creates a new Validator instance.
// Domain-specific validation rules can be registered using RegisterValidation.
func New() *Validator {
	return &Validator{
		v: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Struct validates a struct based on validation tags.
func (val *Validator) Struct(s any) error {
	return val.v.Struct(s)
}

// Var validates a single variable against a tag.
func (val *Validator) Var(field any, tag string) error {
	return val.v.Var(field, tag)
}

// RegisterValidation registers a custom validation function.
func (val *Validator) RegisterValidation(tag string, fn validator.Func) error {
	return val.v.RegisterValidation(tag, fn)
}

// FieldProblem describes one failed constraint.
type FieldProblem struct {
	Field   string `json:"field"`
	Problem string `json:"problem"`
}

// Problems flattens a validation error into field problems for API responses.
// Errors that are not validation errors yield a single problem without a field.
func Problems(err error) []FieldProblem {
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []FieldProblem{{Problem: err.Error()}}
	}

	out := make([]FieldProblem, 0, len(verrs))
	for _, fe := range verrs {
		problem := fe.Tag()
		if fe.Param() != "" {
			problem = fmt.Sprintf("%s=%s", fe.Tag(), fe.Param())
		}
		out = append(out, FieldProblem{Field: fe.Namespace(), Problem: problem})
	}
	return out
}
