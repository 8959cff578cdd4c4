package middleware

import (
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Agentic-Person/whop-chronos-sub007/internal/auth"
	"github.com/Agentic-Person/whop-chronos-sub007/internal/common"
	"github.com/Agentic-Person/whop-chronos-sub007/internal/logger"
)

const (
	RequestIDHeader = "X-Request-ID"

	RequestIDKey = "request_id"
	LearnerIDKey = "learner_id"
	TenantIDKey  = "tenant_id"
	RoleKey      = "role"
)

// RequestID reuses a sane inbound X-Request-ID or mints a uuid.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(RequestIDHeader))
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		c.Set(RequestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic recovered",
					"request_id", c.GetString(RequestIDKey),
					"path", c.Request.URL.Path,
					"panic", r,
					"stack", string(debug.Stack()))
				common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "internal error")
			}
		}()
		c.Next()
	}
}

// AuthRequired accepts "Authorization: Bearer <jwt>" and stores the learner,
// tenant and role on the context.
func AuthRequired(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		tok, found := strings.CutPrefix(h, "Bearer ")
		tok = strings.TrimSpace(tok)
		if !found || tok == "" {
			common.Fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "missing bearer token")
			return
		}
		claims, err := auth.ParseJWT(tok, secret)
		if err != nil {
			common.Fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "invalid token")
			return
		}
		c.Set(LearnerIDKey, claims.LearnerID())
		c.Set(TenantIDKey, claims.TenantID)
		c.Set(RoleKey, claims.Role)
		c.Next()
	}
}

func AdminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(RoleKey) != auth.RoleAdmin {
			common.Fail(c, http.StatusForbidden, common.CodeForbidden, "admin only")
			return
		}
		c.Next()
	}
}
