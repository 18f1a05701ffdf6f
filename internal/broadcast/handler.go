package broadcast

import (
	"time"

	"pipeline_backend/platform/httpkit"
	"pipeline_backend/platform/logger"

	"github.com/gin-gonic/gin"
)

const keepAlive = 25 * time.Second

// Handler streams a branch's deltas over Server-Sent Events.
type Handler struct {
	hub *Hub
	log *logger.Logger
}

func NewHandler(hub *Hub, log *logger.Logger) *Handler {
	return &Handler{hub: hub, log: log}
}

// RegisterRoutes mounts the stream under the boards group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/:branchId/stream", h.Stream)
}

func (h *Handler) Stream(c *gin.Context) {
	identity, branchID, ok := httpkit.MustAccessBranch(c)
	if !ok {
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	session := h.hub.Subscribe(branchID, identity.UserID())
	defer session.Close()

	c.SSEvent(string(MessageConnected), gin.H{"sessionId": session.ID, "branchId": branchID})
	c.Writer.Flush()
	h.log.Debug("board stream opened", "branchId", branchID, "agentId", identity.UserID(), "sessionId", session.ID)

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	clientGone := c.Request.Context().Done()
	for {
		select {
		case <-clientGone:
			h.log.Debug("board stream closed", "sessionId", session.ID)
			return
		case <-session.Done():
			return
		case <-session.Resync():
			session.view.Reset()
			c.SSEvent(string(MessageResync), gin.H{"branchId": branchID})
		case msg := <-session.Events():
			if msg.Presence != nil {
				c.SSEvent(string(msg.Type), msg.Presence)
			} else {
				c.SSEvent(string(msg.Type), msg.Delta)
			}
		case <-ticker.C:
			c.SSEvent("ping", gin.H{"at": time.Now().UTC()})
		}
		c.Writer.Flush()
	}
}
