package webhook

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"pipeline_backend/platform/httpkit"
	"pipeline_backend/platform/validator"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	errInvalidRequest = "invalid request body"
	errValidation     = "validation error"
	maxFormMemory     = 1 << 20
)

type formProcessor interface {
	ProcessFormSubmission(ctx context.Context, sub FormSubmission, branchID uuid.UUID) (FormSubmissionResponse, error)
}

// Handler handles webhook HTTP requests.
type Handler struct {
	service formProcessor
	keys    KeyStore
	val     *validator.Validator
}

// NewHandler creates a new webhook handler.
func NewHandler(service *Service, keys KeyStore, val *validator.Validator) *Handler {
	return &Handler{service: service, keys: keys, val: val}
}

// RegisterPublicRoutes mounts the API-key authenticated form endpoint.
func (h *Handler) RegisterPublicRoutes(rg *gin.RouterGroup) {
	rg.Use(APIKeyAuthMiddleware(h.keys))
	rg.POST("/forms", h.HandleFormSubmission)
}

// RegisterKeyRoutes mounts key management under a group carrying :branchId.
func (h *Handler) RegisterKeyRoutes(rg *gin.RouterGroup) {
	rg.POST("", h.HandleCreateAPIKey)
	rg.GET("", h.HandleListAPIKeys)
	rg.DELETE("/:keyId", h.HandleRevokeAPIKey)
}

// ---- Form Submission (public, API-key authenticated) ----

// HandleFormSubmission processes an inbound form submission.
// POST /api/v1/webhook/forms
// Authenticated via X-Webhook-API-Key header (set by middleware).
func (h *Handler) HandleFormSubmission(c *gin.Context) {
	branchID, ok := h.getWebhookBranchID(c)
	if !ok {
		return
	}

	submission, ok := h.parseFormSubmission(c)
	if !ok {
		return
	}

	resp, err := h.service.ProcessFormSubmission(c.Request.Context(), submission, branchID)
	if httpkit.HandleError(c, err) {
		return
	}

	status := http.StatusOK
	if resp.Created {
		status = http.StatusCreated
	}
	c.JSON(status, resp)
}

// ---- API Key Management (JWT authenticated, admin) ----

// CreateAPIKeyRequest is the request body for creating a new API key.
type CreateAPIKeyRequest struct {
	Name           string   `json:"name" validate:"required,min=1,max=100"`
	AllowedDomains []string `json:"allowedDomains" validate:"max=20,dive,max=200"`
}

// APIKeyResponse is returned when listing or creating API keys.
type APIKeyResponse struct {
	ID             uuid.UUID `json:"id"`
	BranchID       uuid.UUID `json:"branchId"`
	Name           string    `json:"name"`
	KeyPrefix      string    `json:"keyPrefix"`
	AllowedDomains []string  `json:"allowedDomains"`
	IsActive       bool      `json:"isActive"`
	CreatedAt      string    `json:"createdAt"`
}

// CreateAPIKeyResponse includes the plaintext key (shown only once).
type CreateAPIKeyResponse struct {
	APIKeyResponse
	Key string `json:"key"` // plaintext, shown only once
}

// HandleCreateAPIKey creates a new webhook API key for a branch.
// POST /api/v1/ingest/branches/:branchId/keys
func (h *Handler) HandleCreateAPIKey(c *gin.Context) {
	_, branchID, ok := httpkit.MustAccessBranch(c)
	if !ok {
		return
	}

	var req CreateAPIKeyRequest
	if !h.bindAndValidate(c, &req) {
		return
	}

	plaintext, hash, prefix, err := GenerateAPIKey()
	if err != nil {
		httpkit.Error(c, http.StatusInternalServerError, "failed to generate API key", nil)
		return
	}

	domains := req.AllowedDomains
	if domains == nil {
		domains = []string{}
	}

	key, err := h.keys.Create(c.Request.Context(), branchID, req.Name, hash, prefix, domains)
	if httpkit.HandleError(c, err) {
		return
	}

	c.JSON(http.StatusCreated, CreateAPIKeyResponse{
		APIKeyResponse: toAPIKeyResponse(key),
		Key:            plaintext,
	})
}

// HandleListAPIKeys lists all webhook API keys of a branch.
// GET /api/v1/ingest/branches/:branchId/keys
func (h *Handler) HandleListAPIKeys(c *gin.Context) {
	_, branchID, ok := httpkit.MustAccessBranch(c)
	if !ok {
		return
	}

	keys, err := h.keys.ListByBranch(c.Request.Context(), branchID)
	if httpkit.HandleError(c, err) {
		return
	}

	result := make([]APIKeyResponse, len(keys))
	for i, k := range keys {
		result[i] = toAPIKeyResponse(k)
	}

	httpkit.OK(c, result)
}

// HandleRevokeAPIKey deactivates a webhook API key.
// DELETE /api/v1/ingest/branches/:branchId/keys/:keyId
func (h *Handler) HandleRevokeAPIKey(c *gin.Context) {
	_, branchID, ok := httpkit.MustAccessBranch(c)
	if !ok {
		return
	}

	keyID, err := uuid.Parse(c.Param("keyId"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, "invalid key ID", nil)
		return
	}

	if err := h.keys.Revoke(c.Request.Context(), keyID, branchID); err != nil {
		if errors.Is(err, ErrAPIKeyNotFound) {
			httpkit.Error(c, http.StatusNotFound, "API key not found", nil)
			return
		}
		httpkit.HandleError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "API key revoked"})
}

func toAPIKeyResponse(key APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:             key.ID,
		BranchID:       key.BranchID,
		Name:           key.Name,
		KeyPrefix:      key.KeyPrefix,
		AllowedDomains: key.AllowedDomains,
		IsActive:       key.IsActive,
		CreatedAt:      key.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// ---- Helpers ----

func (h *Handler) bindAndValidate(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, errInvalidRequest, err.Error())
		return false
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, errValidation, validator.Problems(err))
		return false
	}
	return true
}

func (h *Handler) getWebhookBranchID(c *gin.Context) (uuid.UUID, bool) {
	raw, ok := c.Get(ContextBranchIDKey)
	branchID, isUUID := raw.(uuid.UUID)
	if !ok || !isUUID {
		httpkit.Error(c, http.StatusUnauthorized, "missing branch context", nil)
		return uuid.Nil, false
	}
	return branchID, true
}

func (h *Handler) parseFormSubmission(c *gin.Context) (FormSubmission, bool) {
	fields := make(map[string]string)
	if c.ContentType() == "application/json" {
		if !h.collectJSONFields(c, fields) {
			httpkit.Error(c, http.StatusBadRequest, "unable to parse JSON body", nil)
			return FormSubmission{}, false
		}
	} else {
		if err := c.Request.ParseMultipartForm(maxFormMemory); err != nil {
			if err := c.Request.ParseForm(); err != nil {
				httpkit.Error(c, http.StatusBadRequest, "unable to parse form data", nil)
				return FormSubmission{}, false
			}
		}
		h.collectFormFields(c, fields)
	}

	if len(fields) == 0 {
		httpkit.Error(c, http.StatusBadRequest, "no form data received", nil)
		return FormSubmission{}, false
	}

	submission := FormSubmission{
		Fields:       fields,
		SourceDomain: c.GetHeader("Origin"),
	}
	if submission.SourceDomain == "" {
		submission.SourceDomain = c.GetHeader("Referer")
	}
	if keyID, ok := c.Get(ContextKeyIDKey); ok {
		submission.APIKeyID, _ = keyID.(uuid.UUID)
	}

	return submission, true
}

func (h *Handler) collectFormFields(c *gin.Context, fields map[string]string) {
	if c.Request.MultipartForm != nil {
		for key, values := range c.Request.MultipartForm.Value {
			if len(values) > 0 {
				fields[key] = values[0]
			}
		}
	}
	for key, values := range c.Request.PostForm {
		if _, exists := fields[key]; !exists && len(values) > 0 {
			fields[key] = values[0]
		}
	}
}

func (h *Handler) collectJSONFields(c *gin.Context, fields map[string]string) bool {
	var jsonBody map[string]any
	if err := c.ShouldBindJSON(&jsonBody); err != nil {
		return false
	}
	for key, val := range jsonBody {
		switch v := val.(type) {
		case string:
			fields[key] = v
		case float64:
			fields[key] = strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			fields[key] = strconv.FormatBool(v)
		}
	}
	return true
}
