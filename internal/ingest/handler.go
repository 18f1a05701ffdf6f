package ingest

import (
	"context"
	"net/http"

	"pipeline_backend/internal/leads/domain"
	"pipeline_backend/platform/httpkit"
	"pipeline_backend/platform/validator"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type LeadRequest struct {
	BranchID       uuid.UUID         `json:"branchId" validate:"required"`
	DisplayName    string            `json:"displayName" validate:"max=200"`
	Phone          string            `json:"phone" validate:"max=40"`
	Email          string            `json:"email" validate:"omitempty,email,max=254"`
	Channel        string            `json:"channel" validate:"max=50"`
	Campaign       string            `json:"campaign" validate:"max=200"`
	EstimatedValue float64           `json:"estimatedValue" validate:"gte=0"`
	Tags           []string          `json:"tags" validate:"max=20,dive,max=50"`
	CustomFields   map[string]string `json:"customFields" validate:"max=50,dive,keys,required,max=100,endkeys,max=1000"`
	Stage          string            `json:"stage" validate:"max=50"`
}

func (r LeadRequest) submission() Submission {
	return Submission{
		BranchID:       r.BranchID,
		DisplayName:    r.DisplayName,
		Phone:          r.Phone,
		Email:          r.Email,
		Channel:        r.Channel,
		Campaign:       r.Campaign,
		EstimatedValue: r.EstimatedValue,
		Tags:           r.Tags,
		CustomFields:   r.CustomFields,
		Stage:          domain.Stage(r.Stage),
	}
}

type ingester interface {
	Ingest(ctx context.Context, sub Submission) (Result, error)
}

type Handler struct {
	svc ingester
	val *validator.Validator
}

func NewHandler(svc *Service, val *validator.Validator) *Handler {
	return &Handler{svc: svc, val: val}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/leads", h.IngestLead)
}

// IngestLead answers 201 for a new lead and 200 when the contact was merged
// into an existing one.
func (h *Handler) IngestLead(c *gin.Context) {
	identity := httpkit.MustGetIdentity(c)
	if identity == nil {
		return
	}

	var req LeadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, "invalid request", err.Error())
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, "validation failed", validator.Problems(err))
		return
	}
	if !identity.CanAccessBranch(req.BranchID) {
		httpkit.Error(c, http.StatusForbidden, "forbidden", nil)
		return
	}

	res, err := h.svc.Ingest(c.Request.Context(), req.submission())
	if httpkit.HandleError(c, err) {
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	httpkit.JSON(c, status, res)
}
