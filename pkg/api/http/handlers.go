package http

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/prismgate/relay/internal/application/channels"
	"github.com/prismgate/relay/pkg/domain"
)

// CreateChannelRequest represents a channel creation request
type CreateChannelRequest struct {
	Suffix         string                 `json:"suffix"`
	Type           channels.ChannelType   `json:"type" binding:"required"`
	OrganizationID string                 `json:"organization_id"`
	DepartmentID   string                 `json:"department_id"`
	UserID         string                 `json:"user_id"`
	RequiredRoles  []string               `json:"required_roles"`
	Metadata       map[string]interface{} `json:"metadata"`
}

// CheckSubscriptionsRequest represents a subscription access check
type CheckSubscriptionsRequest struct {
	Channels []string `json:"channels" binding:"required"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStream serves the SSE push stream. Identity arrives
// pre-authenticated in gateway-set headers; explicitly requested channels
// are checked against the registry and denied ones silently skipped.
func (s *Server) handleStream(c *gin.Context) {
	principal := principalFromRequest(c)
	if principal.OrganizationID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: ErrorDetail{
				Code:    "MISSING_IDENTITY",
				Message: "X-Organization-ID header required",
			},
		})
		return
	}

	var granted []string
	if requested := splitList(c.Query("channels")); len(requested) > 0 {
		var denied []string
		granted, denied = s.registry.SubscribeUser(principal, requested)
		if len(denied) > 0 {
			s.logger.Warn("stream channels denied",
				zap.String("org_id", principal.OrganizationID),
				zap.Strings("denied", denied))
		}
	}

	conn := s.sse.Connect(principal.OrganizationID, principal.UserID, granted, map[string]interface{}{
		"client_ip": c.ClientIP(),
	})
	defer s.sse.Disconnect(conn.ID)

	frames, err := s.sse.Stream(c.Request.Context(), conn.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: ErrorDetail{Code: "STREAM_FAILED", Message: err.Error()},
		})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: ErrorDetail{Code: "STREAMING_UNSUPPORTED", Message: "streaming unsupported"},
		})
		return
	}

	for frame := range frames {
		if _, err := fmt.Fprint(c.Writer, frame); err != nil {
			return
		}
		flusher.Flush()
	}
}

// handlePublishEvent accepts an event from a producing service and puts it
// on the bus.
func (s *Server) handlePublishEvent(c *gin.Context) {
	var event domain.Event
	if err := c.ShouldBindJSON(&event); err != nil {
		s.logger.Error("invalid event", zap.Error(err))
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: ErrorDetail{
				Code:    "INVALID_REQUEST",
				Message: err.Error(),
			},
		})
		return
	}

	// Producers scoped to one organization cannot address another tenant's
	// channels.
	if sourceOrg := c.GetHeader("X-Organization-ID"); sourceOrg != "" && event.OrganizationID != "" && sourceOrg != event.OrganizationID {
		c.JSON(http.StatusForbidden, ErrorResponse{
			Error: ErrorDetail{
				Code:    "CROSS_ORG_DENIED",
				Message: "event organization does not match producer organization",
			},
		})
		return
	}

	if err := s.bus.Publish(c.Request.Context(), &event); err != nil {
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Error: ErrorDetail{
				Code:    "PUBLISH_FAILED",
				Message: err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"event_id": event.ID,
		"channels": event.Channels(),
	})
}

// handleCreateChannel defines a channel in the registry
func (s *Server) handleCreateChannel(c *gin.Context) {
	var req CreateChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: ErrorDetail{
				Code:    "INVALID_REQUEST",
				Message: err.Error(),
			},
		})
		return
	}

	def := s.registry.CreateChannel(channels.ChannelParams{
		Suffix:         req.Suffix,
		Type:           req.Type,
		OrganizationID: req.OrganizationID,
		DepartmentID:   req.DepartmentID,
		UserID:         req.UserID,
		RequiredRoles:  req.RequiredRoles,
		Metadata:       req.Metadata,
	})

	c.JSON(http.StatusCreated, def)
}

// handleListChannels lists channels accessible to the caller
func (s *Server) handleListChannels(c *gin.Context) {
	principal := principalFromRequest(c)

	var names []string
	if principal.OrganizationID != "" {
		names = s.registry.ListAccessible(principal)
	} else {
		names = s.registry.ChannelNames()
	}

	c.JSON(http.StatusOK, gin.H{
		"channels": names,
		"total":    len(names),
	})
}

// handleCheckSubscriptions partitions requested channels into granted and
// denied for the calling principal
func (s *Server) handleCheckSubscriptions(c *gin.Context) {
	var req CheckSubscriptionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: ErrorDetail{
				Code:    "INVALID_REQUEST",
				Message: err.Error(),
			},
		})
		return
	}

	granted, denied := s.registry.SubscribeUser(principalFromRequest(c), req.Channels)

	c.JSON(http.StatusOK, gin.H{
		"granted": granted,
		"denied":  denied,
	})
}

// handleStats returns a connection snapshot for operational endpoints
func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"sse":       s.sse.GetConnectionStats(),
		"websocket": s.ws.GetConnectionStats(),
		"channels":  s.registry.ChannelNames(),
	})
}

// principalFromRequest builds the already-authenticated identity from
// gateway-set headers.
func principalFromRequest(c *gin.Context) channels.Principal {
	return channels.Principal{
		OrganizationID: c.GetHeader("X-Organization-ID"),
		UserID:         c.GetHeader("X-User-ID"),
		DepartmentID:   c.GetHeader("X-Department-ID"),
		Roles:          splitList(c.GetHeader("X-User-Roles")),
	}
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
