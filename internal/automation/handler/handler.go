package handler

import (
	"net/http"

	"pipeline_backend/internal/automation/service"
	"pipeline_backend/internal/automation/transport"
	"pipeline_backend/platform/httpkit"
	"pipeline_backend/platform/validator"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	msgInvalidRequest   = "invalid request"
	msgValidationFailed = "validation failed"
)

type Handler struct {
	svc *service.Service
	val *validator.Validator
}

func New(svc *service.Service, val *validator.Validator) *Handler {
	return &Handler{svc: svc, val: val}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("", h.List)
	rg.POST("", h.Create)
	rg.POST("/validate", h.Validate)
	rg.PUT("/:id", h.Update)
	rg.DELETE("/:id", h.Delete)
}

func (h *Handler) List(c *gin.Context) {
	scope, ok := callerScope(c)
	if !ok {
		return
	}
	rules, err := h.svc.List(c.Request.Context(), scope)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, transport.RulesResponse{Items: rules})
}

func (h *Handler) Validate(c *gin.Context) {
	req, ok := h.bind(c)
	if !ok {
		return
	}
	if httpkit.HandleError(c, h.svc.Validate(req.ToRule(uuid.Nil))) {
		return
	}
	httpkit.OK(c, transport.ValidateResponse{Valid: true})
}

func (h *Handler) Create(c *gin.Context) {
	scope, ok := callerScope(c)
	if !ok {
		return
	}
	req, ok := h.bind(c)
	if !ok {
		return
	}
	created, err := h.svc.Create(c.Request.Context(), scope, req.ToRule(uuid.New()))
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.JSON(c, http.StatusCreated, created)
}

func (h *Handler) Update(c *gin.Context) {
	scope, ok := callerScope(c)
	if !ok {
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	req, ok := h.bind(c)
	if !ok {
		return
	}
	updated, err := h.svc.Update(c.Request.Context(), scope, req.ToRule(id))
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, updated)
}

func (h *Handler) Delete(c *gin.Context) {
	scope, ok := callerScope(c)
	if !ok {
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if httpkit.HandleError(c, h.svc.Delete(c.Request.Context(), scope, id)) {
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) bind(c *gin.Context) (transport.RuleRequest, bool) {
	var req transport.RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, err.Error())
		return req, false
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, validator.Problems(err))
		return req, false
	}
	return req, true
}

// callerScope returns nil for administrators and the caller's branch otherwise.
func callerScope(c *gin.Context) (*uuid.UUID, bool) {
	identity := httpkit.MustGetIdentity(c)
	if identity == nil {
		return nil, false
	}
	if identity.HasRole(httpkit.RoleAdmin) {
		return nil, true
	}
	branch := identity.BranchID()
	if branch == nil {
		httpkit.Error(c, http.StatusForbidden, "forbidden", nil)
		return nil, false
	}
	return branch, true
}
