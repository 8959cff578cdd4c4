package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Agentic-Person/whop-chronos-sub007/internal/chat"
	"github.com/Agentic-Person/whop-chronos-sub007/internal/common"
	"github.com/Agentic-Person/whop-chronos-sub007/internal/costs"
	"github.com/Agentic-Person/whop-chronos-sub007/internal/httpapi/middleware"
	"github.com/Agentic-Person/whop-chronos-sub007/internal/logger"
	"github.com/Agentic-Person/whop-chronos-sub007/internal/ratelimit"
)

type BudgetReader interface {
	CheckBudget(ctx context.Context, tenantID string) (costs.BudgetStatus, error)
}

type LimitResetter interface {
	Reset(ctx context.Context, scope ratelimit.Scope, id string) (int, error)
}

type VideoInvalidator interface {
	InvalidateByVideo(ctx context.Context, videoID string) (int, error)
}

type VideoEvents interface {
	PublishVideoChanged(ctx context.Context, videoID string) error
}

// Handler serves the HTTP API. Cache and Events may be nil.
type Handler struct {
	Chat      *chat.Service
	Budget    BudgetReader
	Limits    LimitResetter
	Cache     VideoInvalidator
	Events    VideoEvents
	Heartbeat time.Duration
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

type caller struct {
	learnerID string
	tenantID  string
	requestID string
}

func callerFromContext(c *gin.Context) (caller, bool) {
	cl := caller{
		learnerID: c.GetString(middleware.LearnerIDKey),
		tenantID:  c.GetString(middleware.TenantIDKey),
		requestID: c.GetString(middleware.RequestIDKey),
	}
	return cl, cl.learnerID != "" && cl.tenantID != ""
}

const retryMessage = "the assistant is unavailable right now, please try again"

// apiError maps a service error to its status, code, message and optional data.
func apiError(err error) (int, common.Code, string, gin.H) {
	var adm *chat.AdmissionError
	var pe *chat.ProviderError
	switch {
	case errors.As(err, &adm) && adm.Reason == chat.ReasonRateLimited:
		return http.StatusTooManyRequests, common.CodeRateLimited, "too many questions, slow down a little",
			gin.H{"retryAfterSeconds": adm.RetryAfterSeconds(), "scope": adm.Scope}
	case errors.As(err, &adm):
		return http.StatusPaymentRequired, common.CodeBudgetExceeded, "this course has used its AI budget for the month", nil
	case errors.Is(err, chat.ErrSessionInvalid):
		return http.StatusNotFound, common.CodeSessionInvalid, "session not found", nil
	case errors.As(err, &pe):
		return http.StatusBadGateway, common.CodeProviderError, retryMessage, nil
	case errors.Is(err, chat.ErrInvalidRequest):
		return http.StatusBadRequest, common.CodeInvalidRequest, err.Error(), nil
	case errors.Is(err, chat.ErrUnavailable):
		return http.StatusServiceUnavailable, common.CodeInternal, "temporarily unavailable, please try again", nil
	default:
		return http.StatusInternalServerError, common.CodeInternal, "internal error", nil
	}
}

func writeError(c *gin.Context, err error) {
	status, code, msg, data := apiError(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "request_id", c.GetString(middleware.RequestIDKey), "path", c.FullPath(), "err", err)
	}
	if secs, ok := data["retryAfterSeconds"].(int); ok && secs > 0 {
		c.Header("Retry-After", strconv.Itoa(secs))
	}
	if data == nil {
		common.Fail(c, status, code, msg)
		return
	}
	common.FailWithData(c, status, code, msg, data)
}
