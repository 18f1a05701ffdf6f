package adapters

import (
	"context"
	"net/http"
	"strings"
	"time"

	"pipeline_backend/internal/leads/ports"
	"pipeline_backend/platform/config"

	"github.com/google/uuid"
)

// SchedulingClient implements ports.Appointments against the appointment
// service's HTTP API.
type SchedulingClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewSchedulingClient returns nil when no scheduling service is configured.
func NewSchedulingClient(cfg config.SchedulingConfig) *SchedulingClient {
	if cfg.GetSchedulingAPIURL() == "" {
		return nil
	}
	return &SchedulingClient{
		baseURL: strings.TrimRight(cfg.GetSchedulingAPIURL(), "/"),
		apiKey:  cfg.GetSchedulingAPIKey(),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type appointmentResponse struct {
	AppointmentID string `json:"appointmentId"`
	Status        string `json:"status"`
}

type rescheduleRequest struct {
	AfterMinutes int `json:"afterMinutes"`
}

func (c *SchedulingClient) ConfirmAppointment(ctx context.Context, leadID uuid.UUID) (ports.AppointmentResult, error) {
	return c.call(ctx, leadID, "confirm", struct{}{})
}

func (c *SchedulingClient) RescheduleAppointment(ctx context.Context, leadID uuid.UUID, after time.Duration) (ports.AppointmentResult, error) {
	return c.call(ctx, leadID, "reschedule", rescheduleRequest{AfterMinutes: int(after / time.Minute)})
}

func (c *SchedulingClient) MarkArrival(ctx context.Context, leadID uuid.UUID) (ports.AppointmentResult, error) {
	return c.call(ctx, leadID, "arrival", struct{}{})
}

func (c *SchedulingClient) call(ctx context.Context, leadID uuid.UUID, action string, body any) (ports.AppointmentResult, error) {
	var resp appointmentResponse
	url := c.baseURL + "/leads/" + leadID.String() + "/appointment/" + action
	err := postJSON(ctx, c.http, "scheduling", url, body, &resp, func(req *http.Request, _ []byte) {
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
	})
	if err != nil {
		return ports.AppointmentResult{}, err
	}
	return ports.AppointmentResult{AppointmentID: resp.AppointmentID, Status: resp.Status}, nil
}

var _ ports.Appointments = (*SchedulingClient)(nil)
