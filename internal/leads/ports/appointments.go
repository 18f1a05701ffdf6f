package ports

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AppointmentResult is what the scheduling module reports back for an action.
type AppointmentResult struct {
	AppointmentID string
	Status        string
}

// Appointments is the scheduling collaborator. Each result maps directly to an
// action outcome; an error means the action failed.
type Appointments interface {
	ConfirmAppointment(ctx context.Context, leadID uuid.UUID) (AppointmentResult, error)
	RescheduleAppointment(ctx context.Context, leadID uuid.UUID, after time.Duration) (AppointmentResult, error)
	MarkArrival(ctx context.Context, leadID uuid.UUID) (AppointmentResult, error)
}
