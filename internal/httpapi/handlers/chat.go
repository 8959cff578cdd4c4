package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Agentic-Person/whop-chronos-sub007/internal/chat"
	"github.com/Agentic-Person/whop-chronos-sub007/internal/common"
)

type createSessionReq struct {
	Title    string   `json:"title"`
	VideoIDs []string `json:"videoIDs"`
	Provider string   `json:"provider"`
	Model    string   `json:"model"`
}

func (h *Handler) CreateChatSession(c *gin.Context) {
	cl, okk := callerFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "unauthorized")
		return
	}

	var req createSessionReq
	_ = c.ShouldBindJSON(&req) // allow empty {}

	sess, err := h.Chat.CreateSession(c.Request.Context(), chat.NewSessionRequest{
		LearnerID: cl.learnerID,
		TenantID:  cl.tenantID,
		Title:     req.Title,
		VideoIDs:  req.VideoIDs,
		Provider:  req.Provider,
		Model:     req.Model,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	common.OK(c, sess)
}

func (h *Handler) ListChatSessions(c *gin.Context) {
	cl, okk := callerFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "unauthorized")
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	sessions, err := h.Chat.ListSessions(c.Request.Context(), cl.learnerID, cl.tenantID, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	common.OK(c, gin.H{"sessions": sessions})
}

func (h *Handler) ListChatMessages(c *gin.Context) {
	cl, okk := callerFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "unauthorized")
		return
	}

	sessionID := c.Param("session_id")
	limit, _ := strconv.Atoi(c.Query("limit"))
	var beforeSeq int64
	if s := c.Query("before_seq"); s != "" {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			beforeSeq = n
		}
	}

	msgs, err := h.Chat.ListMessages(c.Request.Context(), cl.learnerID, cl.tenantID, sessionID, limit, beforeSeq)
	if err != nil {
		writeError(c, err)
		return
	}

	var nextBeforeSeq int64
	if len(msgs) > 0 {
		nextBeforeSeq = msgs[len(msgs)-1].Seq
	}
	common.OK(c, gin.H{
		"messages":        msgs,
		"next_before_seq": nextBeforeSeq,
	})
}

type askReq struct {
	SessionID string `json:"sessionID" binding:"required"`
	Message   string `json:"message" binding:"required"`
	Stream    bool   `json:"stream"`
}

// Ask answers in one JSON body, or as server-sent events when stream is true.
func (h *Handler) Ask(c *gin.Context) {
	cl, okk := callerFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "unauthorized")
		return
	}

	var req askReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, common.CodeInvalidRequest, "sessionID and message are required")
		return
	}
	in := chat.AskRequest{
		LearnerID: cl.learnerID,
		TenantID:  cl.tenantID,
		SessionID: req.SessionID,
		Message:   req.Message,
		RequestID: cl.requestID,
	}

	if !req.Stream {
		ans, err := h.Chat.Ask(c.Request.Context(), in)
		if err != nil {
			writeError(c, err)
			return
		}
		common.OK(c, ans)
		return
	}

	// admission and validation errors are reported before any SSE bytes
	events, err := h.Chat.AskStream(c.Request.Context(), in)
	if err != nil {
		writeError(c, err)
		return
	}
	h.streamSSE(c, events)
}

func (h *Handler) streamSSE(c *gin.Context, events <-chan chat.StreamEvent) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "streaming not supported")
		return
	}

	// SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Status(http.StatusOK)
	flusher.Flush()

	writeJSON := func(event string, payload any) {
		b, err := json.Marshal(payload)
		if err != nil {
			// last-resort: send a simple error that won't break SSE framing
			fmt.Fprintf(c.Writer, "event: error\ndata: {\"type\":\"error\",\"code\":\"INTERNAL\"}\n\n")
			flusher.Flush()
			return
		}
		fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, b)
		flusher.Flush()
	}

	beat := h.Heartbeat
	if beat <= 0 {
		beat = 15 * time.Second
	}
	ticker := time.NewTicker(beat)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case chat.EventContent:
				writeJSON("content", gin.H{"type": "content", "delta": ev.Delta})
			case chat.EventDone:
				a := ev.Answer
				writeJSON("done", gin.H{
					"type":            "done",
					"message":         a.Message,
					"usage":           a.Usage,
					"videoReferences": a.VideoReferences,
					"truncated":       a.Truncated,
					"cached":          a.Cached,
					"warningLevel":    a.WarningLevel,
				})
			case chat.EventError:
				_, code, msg, data := apiError(ev.Err)
				writeJSON("error", gin.H{"type": "error", "code": code, "message": msg, "data": data})
			}

		case <-ticker.C:
			writeJSON("ping", gin.H{"type": "ping", "ts": time.Now().Unix()})

		case <-ctx.Done():
			// the service notices the same cancellation and keeps what was generated
			return
		}
	}
}
