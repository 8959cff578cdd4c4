package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Agentic-Person/whop-chronos-sub007/internal/common"
	"github.com/Agentic-Person/whop-chronos-sub007/internal/httpapi/middleware"
	"github.com/Agentic-Person/whop-chronos-sub007/internal/logger"
	"github.com/Agentic-Person/whop-chronos-sub007/internal/ratelimit"
)

func (h *Handler) GetBudget(c *gin.Context) {
	cl, okk := callerFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "unauthorized")
		return
	}
	st, err := h.Budget.CheckBudget(c.Request.Context(), cl.tenantID)
	if err != nil {
		logger.Error("check budget failed", "tenant", cl.tenantID, "err", err)
		common.Fail(c, http.StatusServiceUnavailable, common.CodeInternal, "temporarily unavailable, please try again")
		return
	}
	common.OK(c, st)
}

type resetLimitReq struct {
	Scope string `json:"scope" binding:"required"`
	ID    string `json:"id" binding:"required"`
}

func (h *Handler) ResetRateLimit(c *gin.Context) {
	var req resetLimitReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, common.CodeInvalidRequest, "scope and id are required")
		return
	}
	scope := ratelimit.Scope(strings.ToLower(strings.TrimSpace(req.Scope)))
	if scope != ratelimit.ScopeLearner && scope != ratelimit.ScopeTenant {
		common.Fail(c, http.StatusBadRequest, common.CodeInvalidRequest, "scope must be learner or tenant")
		return
	}

	n, err := h.Limits.Reset(c.Request.Context(), scope, req.ID)
	if err != nil {
		logger.Error("rate limit reset failed", "scope", scope, "id", req.ID, "err", err)
		common.Fail(c, http.StatusServiceUnavailable, common.CodeInternal, "temporarily unavailable, please try again")
		return
	}
	logger.Info("rate limit reset", "by", c.GetString(middleware.LearnerIDKey), "scope", scope, "id", req.ID, "keys", n)
	common.OK(c, gin.H{"scope": scope, "id": req.ID, "cleared": n})
}

// InvalidateVideo announces a content change. When no broker is configured or
// publishing fails, the cache entries are dropped in-process instead.
func (h *Handler) InvalidateVideo(c *gin.Context) {
	videoID := strings.TrimSpace(c.Param("video_id"))
	if videoID == "" {
		common.Fail(c, http.StatusBadRequest, common.CodeInvalidRequest, "video_id required")
		return
	}
	ctx := c.Request.Context()

	if h.Events != nil {
		err := h.Events.PublishVideoChanged(ctx, videoID)
		if err == nil {
			c.JSON(http.StatusAccepted, gin.H{"code": common.CodeOK, "message": "queued", "data": gin.H{"video_id": videoID}})
			return
		}
		logger.Warn("publish video change failed, invalidating inline", "video_id", videoID, "err", err)
	}

	if h.Cache == nil {
		common.OK(c, gin.H{"video_id": videoID, "invalidated": 0})
		return
	}
	n, err := h.Cache.InvalidateByVideo(ctx, videoID)
	if err != nil {
		logger.Error("invalidate video failed", "video_id", videoID, "err", err)
		common.Fail(c, http.StatusServiceUnavailable, common.CodeInternal, "temporarily unavailable, please try again")
		return
	}
	common.OK(c, gin.H{"video_id": videoID, "invalidated": n})
}
