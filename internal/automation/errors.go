package automation

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrStaleEvaluation rejects an automated write whose evaluation snapshot is
// older than the persisted lead.
var ErrStaleEvaluation = errors.New("lead changed since evaluation")

// FatalConfigError marks a rule that cannot be evaluated at all. The engine
// disables the rule and continues with the others.
type FatalConfigError struct {
	RuleID uuid.UUID
	Reason string
}

func (e *FatalConfigError) Error() string {
	return fmt.Sprintf("rule %s: %s", e.RuleID, e.Reason)
}

// ActionError is a single failed action. Sibling actions still run.
type ActionError struct {
	Action ActionType
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Action, e.Err)
}

func (e *ActionError) Unwrap() error {
	return e.Err
}
