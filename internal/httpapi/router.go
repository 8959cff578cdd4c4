package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Agentic-Person/whop-chronos-sub007/internal/common"
	"github.com/Agentic-Person/whop-chronos-sub007/internal/httpapi/handlers"
	"github.com/Agentic-Person/whop-chronos-sub007/internal/httpapi/middleware"
)

func NewRouter(jwtSecret string, h *handlers.Handler) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, common.CodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, common.CodeInvalidRequest, "method not allowed")
	})

	r.Use(middleware.RequestID())

	r.GET("/ping", h.Ping)

	// learner API (JWT required)
	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(jwtSecret))
	authGroup.POST("/chat", h.Ask)
	authGroup.POST("/chat/sessions", h.CreateChatSession)
	authGroup.GET("/chat/sessions", h.ListChatSessions)
	authGroup.GET("/chat/sessions/:session_id/messages", h.ListChatMessages)
	authGroup.GET("/usage/budget", h.GetBudget)

	admin := authGroup.Group("/admin")
	admin.Use(middleware.AdminOnly())
	admin.POST("/ratelimit/reset", h.ResetRateLimit)
	admin.POST("/videos/:video_id/invalidate", h.InvalidateVideo)
	return r
}
