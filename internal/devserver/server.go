// Package devserver assembles the reference chat server: REST routes,
// the live event endpoint and its storage.
package devserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tullo/marketchat/config"
	"github.com/tullo/marketchat/internal/auth"
	"github.com/tullo/marketchat/internal/cache"
	"github.com/tullo/marketchat/internal/handlers"
	"github.com/tullo/marketchat/internal/middleware"
	"github.com/tullo/marketchat/internal/repository"
	"github.com/tullo/marketchat/internal/websocket"
)

const limiterIdle = 5 * time.Minute

type Server struct {
	Router *gin.Engine
	JWT    *auth.JWTService
	Hub    *websocket.Hub

	Users         repository.UserStore
	Conversations repository.ConversationStore
	Messages      repository.MessageStore

	limiter *middleware.RateLimiter
	log     *slog.Logger
}

// New builds the server on repos. redis may be nil for a single instance.
func New(cfg *config.Config, repos repository.Set, redis *cache.RedisClient, log *slog.Logger) *Server {
	s := &Server{
		JWT:           auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpiryHours),
		Hub:           websocket.NewHub(redis, log),
		Users:         repos.Users,
		Conversations: repos.Conversations,
		Messages:      repos.Messages,
		limiter:       middleware.NewRateLimiter(cfg.API.RateLimitMessagesPerSec, log),
		log:           log,
	}
	if redis != nil {
		s.limiter.WithGlobal(redis)
	}

	authHandler := handlers.NewAuthHandler(s.Users, s.JWT)
	msgHandler := handlers.NewMessageHandler(s.Messages, s.Conversations, s.Users, s.Hub, log)
	convHandler := handlers.NewConversationHandler(s.Conversations, msgHandler)
	wsHandler := websocket.NewHandler(s.Hub, s.JWT, s.Conversations, cfg.CORS.AllowedOrigins, log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(log))
	router.Use(middleware.CORSMiddleware(cfg.CORS.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authRoutes := router.Group("/auth")
	{
		authRoutes.POST("/login", authHandler.Login)
	}
	if !cfg.IsProduction() {
		router.GET("/dev/token", authHandler.DevToken)
		router.GET("/dev/users", authHandler.ListUsers)
	}

	router.GET("/ws", wsHandler.HandleWebSocket)

	api := router.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(s.JWT))
	{
		api.GET("/me", authHandler.GetMe)
		api.GET("/online-users", wsHandler.GetOnlineUsers)

		api.GET("/conversations", convHandler.GetConversations)
		api.POST("/conversations/start", middleware.RateLimitMiddleware(s.limiter), convHandler.StartConversation)
		api.POST("/conversations/:id/read", convHandler.MarkRead)
		api.GET("/conversations/:id/messages", msgHandler.GetMessages)
		api.POST("/conversations/:id/messages", middleware.RateLimitMiddleware(s.limiter), msgHandler.SendMessage)
	}

	s.Router = router
	return s
}

// Run starts background work; it stops when ctx is done
func (s *Server) Run(ctx context.Context) {
	s.limiter.Cleanup(ctx, limiterIdle)
	s.Hub.Run(ctx)
}

func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"took", time.Since(start),
		)
	}
}
