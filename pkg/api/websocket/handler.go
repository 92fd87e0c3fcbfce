package websocket

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/prismgate/relay/internal/application/ws"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Origin checks happen at the gateway
	},
}

// Handler handles WebSocket connections
type Handler struct {
	manager *ws.Manager
	logger  *zap.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(manager *ws.Manager, logger *zap.Logger) *Handler {
	return &Handler{
		manager: manager,
		logger:  logger,
	}
}

// HandleConnection upgrades the request and pumps inbound frames into the
// connection manager until the client disconnects.
func (h *Handler) HandleConnection(c *gin.Context) {
	orgID := c.GetHeader("X-Organization-ID")
	if orgID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-Organization-ID header required"})
		return
	}
	userID := c.GetHeader("X-User-ID")
	roles := splitRoles(c.GetHeader("X-User-Roles"))

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	wsConn, err := h.manager.Connect(orgID, userID, roles, conn)
	if err != nil {
		if errors.Is(err, ws.ErrConnectionLimit) {
			// The manager already sent the close frame with the reason.
			return
		}
		h.logger.Error("failed to accept connection",
			zap.String("org_id", orgID),
			zap.Error(err))
		_ = conn.Close()
		return
	}

	h.logger.Info("WebSocket connection established",
		zap.String("connection_id", wsConn.ID),
		zap.String("org_id", orgID),
		zap.String("client", c.ClientIP()))

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			h.manager.Disconnect(wsConn.ID)
			return
		}
		h.manager.HandleMessage(c.Request.Context(), wsConn.ID, raw)
	}
}

func splitRoles(header string) []string {
	if header == "" {
		return nil
	}
	var roles []string
	for _, role := range strings.Split(header, ",") {
		if role = strings.TrimSpace(role); role != "" {
			roles = append(roles, role)
		}
	}
	return roles
}
