package handler

import (
	"context"
	"net/http"
	"strconv"

	"pipeline_backend/internal/board"
	"pipeline_backend/internal/board/transport"
	"pipeline_backend/internal/leads/domain"
	"pipeline_backend/internal/pipeline"
	"pipeline_backend/internal/presence"
	"pipeline_backend/platform/httpkit"
	"pipeline_backend/platform/sanitize"
	"pipeline_backend/platform/validator"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	msgInvalidRequest   = "invalid request"
	msgValidationFailed = "validation failed"
)

// Mutator is the coordinator surface the board writes through.
type Mutator interface {
	Move(ctx context.Context, m pipeline.Move) (pipeline.Outcome, error)
	Update(ctx context.Context, u pipeline.Update) (pipeline.Outcome, error)
	ResolveConflict(ctx context.Context, branchID, leadID, agentID uuid.UUID) (pipeline.Outcome, error)
	AcquireLease(ctx context.Context, branchID, leadID, agentID uuid.UUID) (presence.Lease, error)
	ReleaseLease(ctx context.Context, branchID, leadID, agentID uuid.UUID)
}

type Handler struct {
	boards     *board.Registry
	mutator    Mutator
	heartbeats *httpkit.LeaseHeartbeatLimiter
	val        *validator.Validator
}

func New(boards *board.Registry, mutator Mutator, heartbeats *httpkit.LeaseHeartbeatLimiter, val *validator.Validator) *Handler {
	return &Handler{boards: boards, mutator: mutator, heartbeats: heartbeats, val: val}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/:branchId", h.LoadBoard)
	rg.GET("/:branchId/stages/:stage", h.LoadStage)
	rg.POST("/:branchId/stages/:stage/more", h.LoadMore)
	rg.POST("/:branchId/leads/:leadId/move", h.Move)
	rg.PATCH("/:branchId/leads/:leadId", h.Update)
	rg.POST("/:branchId/leads/:leadId/lease", h.AcquireLease)
	rg.DELETE("/:branchId/leads/:leadId/lease", h.ReleaseLease)
	rg.POST("/:branchId/leads/:leadId/conflict/resolve", h.ResolveConflict)
}

func (h *Handler) LoadBoard(c *gin.Context) {
	_, branchID, ok := httpkit.MustAccessBranch(c)
	if !ok {
		return
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	stages, err := h.boards.Get(branchID).LoadBoard(c.Request.Context(), limit)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, transport.BoardResponse{BranchID: branchID, Stages: stages})
}

func (h *Handler) LoadStage(c *gin.Context) {
	_, branchID, ok := httpkit.MustAccessBranch(c)
	if !ok {
		return
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	page, err := h.boards.Get(branchID).LoadInitial(c.Request.Context(), domain.Stage(c.Param("stage")), limit)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, page)
}

func (h *Handler) LoadMore(c *gin.Context) {
	_, branchID, ok := httpkit.MustAccessBranch(c)
	if !ok {
		return
	}
	page, loaded, err := h.boards.Get(branchID).LoadMore(c.Request.Context(), domain.Stage(c.Param("stage")))
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, transport.LoadMoreResponse{StagePage: page, Loaded: loaded})
}

func (h *Handler) Move(c *gin.Context) {
	identity, branchID, leadID, ok := leadTarget(c)
	if !ok {
		return
	}
	var req transport.MoveRequest
	if !h.bind(c, &req) {
		return
	}
	out, err := h.mutator.Move(c.Request.Context(), pipeline.Move{
		BranchID:     branchID,
		LeadID:       leadID,
		AgentID:      identity.UserID(),
		From:         domain.Stage(req.From),
		To:           domain.Stage(req.To),
		PriorVersion: req.PriorVersion,
	})
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, out)
}

func (h *Handler) Update(c *gin.Context) {
	identity, branchID, leadID, ok := leadTarget(c)
	if !ok {
		return
	}
	var req transport.UpdateRequest
	if !h.bind(c, &req) {
		return
	}
	req.DisplayName = sanitize.TextPtr(req.DisplayName)
	req.Campaign = sanitize.TextPtr(req.Campaign)

	out, err := h.mutator.Update(c.Request.Context(), pipeline.Update{
		BranchID:     branchID,
		LeadID:       leadID,
		AgentID:      identity.UserID(),
		Stage:        domain.Stage(req.Stage),
		Patch:        req.ToPatch(),
		PriorVersion: req.PriorVersion,
	})
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, out)
}

func (h *Handler) AcquireLease(c *gin.Context) {
	identity, branchID, leadID, ok := leadTarget(c)
	if !ok {
		return
	}
	if h.heartbeats != nil && !h.heartbeats.Allow(leadID.String()+":"+identity.UserID().String()) {
		httpkit.Error(c, http.StatusTooManyRequests, "lease refreshed too often", nil)
		return
	}
	lease, err := h.mutator.AcquireLease(c.Request.Context(), branchID, leadID, identity.UserID())
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, lease)
}

func (h *Handler) ReleaseLease(c *gin.Context) {
	identity, branchID, leadID, ok := leadTarget(c)
	if !ok {
		return
	}
	h.mutator.ReleaseLease(c.Request.Context(), branchID, leadID, identity.UserID())
	c.Status(http.StatusNoContent)
}

func (h *Handler) ResolveConflict(c *gin.Context) {
	identity, branchID, leadID, ok := leadTarget(c)
	if !ok {
		return
	}
	out, err := h.mutator.ResolveConflict(c.Request.Context(), branchID, leadID, identity.UserID())
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, out)
}

func (h *Handler) bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, err.Error())
		return false
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, validator.Problems(err))
		return false
	}
	return true
}

func leadTarget(c *gin.Context) (httpkit.Identity, uuid.UUID, uuid.UUID, bool) {
	identity, branchID, ok := httpkit.MustAccessBranch(c)
	if !ok {
		return nil, uuid.Nil, uuid.Nil, false
	}
	leadID, err := uuid.Parse(c.Param("leadId"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, "invalid lead id", nil)
		return nil, uuid.Nil, uuid.Nil, false
	}
	return identity, branchID, leadID, true
}

func parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 || limit > 200 {
		httpkit.Error(c, http.StatusBadRequest, "invalid limit", nil)
		return 0, false
	}
	return limit, true
}
