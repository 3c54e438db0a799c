package websocket

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/tullo/marketchat/internal/auth"
	"github.com/tullo/marketchat/internal/repository"
)

// Handler handles WebSocket connections
type Handler struct {
	hub        *Hub
	jwtService *auth.JWTService
	convRepo   repository.ConversationStore
	upgrader   websocket.Upgrader
	log        *slog.Logger
}

// NewHandler creates a new WebSocket handler. Browser origins must match
// allowedOrigins; clients that send no Origin header are not browsers
// and are accepted.
func NewHandler(
	hub *Hub,
	jwtService *auth.JWTService,
	convRepo repository.ConversationStore,
	allowedOrigins []string,
	log *slog.Logger,
) *Handler {
	return &Handler{
		hub:        hub,
		jwtService: jwtService,
		convRepo:   convRepo,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || len(allowedOrigins) == 0 {
					return true
				}
				for _, pattern := range allowedOrigins {
					if matchOrigin(pattern, origin) {
						return true
					}
				}
				return false
			},
		},
		log: log.With("component", "ws"),
	}
}

// HandleWebSocket upgrades an authenticated request. The token comes from
// the "token" query parameter or a bearer Authorization header.
func (h *Handler) HandleWebSocket(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Token required"})
		return
	}

	claims, err := h.jwtService.ValidateToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("failed to upgrade connection", "error", err)
		return
	}

	client := NewClient(h.hub, conn, claims.UserID, h.convRepo, h.log)

	go client.WritePump()
	go client.ReadPump()
}

// GetOnlineUsers returns online users
func (h *Handler) GetOnlineUsers(c *gin.Context) {
	onlineUsers := h.hub.GetOnlineUsers()
	c.JSON(http.StatusOK, gin.H{
		"online_users": onlineUsers,
		"count":        len(onlineUsers),
	})
}

// matchOrigin supports exact matches or wildcard patterns like *.example.com
func matchOrigin(pattern, origin string) bool {
	if pattern == "*" || pattern == origin {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		originHost := origin
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			originHost = u.Hostname()
		}
		return strings.HasSuffix(originHost, strings.TrimPrefix(pattern, "*"))
	}
	return false
}
