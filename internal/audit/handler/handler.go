package handler

import (
	"net/http"
	"strconv"
	"time"

	"pipeline_backend/internal/audit"
	"pipeline_backend/platform/httpkit"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type Handler struct {
	store audit.Store
}

func New(store audit.Store) *Handler {
	return &Handler{store: store}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("", h.List)
}

// List returns audit entries newest first. Agents without the admin role only see their branch.
func (h *Handler) List(c *gin.Context) {
	identity := httpkit.MustGetIdentity(c)
	if identity == nil {
		return
	}

	filter, msg := parseFilter(c)
	if msg != "" {
		httpkit.Error(c, http.StatusBadRequest, msg, nil)
		return
	}
	if !identity.HasRole(httpkit.RoleAdmin) {
		branch := identity.BranchID()
		if branch == nil {
			httpkit.Error(c, http.StatusForbidden, "forbidden", nil)
			return
		}
		if filter.BranchID != nil && *filter.BranchID != *branch {
			httpkit.Error(c, http.StatusForbidden, "forbidden", nil)
			return
		}
		filter.BranchID = branch
	}

	entries, err := h.store.Query(c.Request.Context(), filter)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, gin.H{"items": entries})
}

func parseFilter(c *gin.Context) (audit.Filter, string) {
	var filter audit.Filter

	for _, p := range []struct {
		key    string
		target **uuid.UUID
	}{
		{"leadId", &filter.LeadID},
		{"ruleId", &filter.RuleID},
		{"branchId", &filter.BranchID},
	} {
		raw := c.Query(p.key)
		if raw == "" {
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return filter, "invalid " + p.key
		}
		*p.target = &id
	}

	for _, p := range []struct {
		key    string
		target **time.Time
	}{
		{"from", &filter.From},
		{"to", &filter.To},
	} {
		raw := c.Query(p.key)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, "invalid " + p.key + ": want RFC3339"
		}
		*p.target = &ts
	}

	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return filter, "invalid limit"
		}
		filter.Limit = limit
	}
	return filter, ""
}
