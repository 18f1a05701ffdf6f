package ports

import "errors"

// ErrAgentNotFound is returned by AgentDirectory implementations for unknown ids.
var ErrAgentNotFound = errors.New("agent not found")

// ErrCollaboratorDisabled is returned when a collaborator is not configured.
var ErrCollaboratorDisabled = errors.New("collaborator not configured")
