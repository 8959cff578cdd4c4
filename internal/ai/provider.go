package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

func (u Usage) IsZero() bool { return u.InputTokens == 0 && u.OutputTokens == 0 }

type Completion struct {
	Content string
	Usage   Usage
	Model   string
}

// Provider is a batch chat-completion backend.
type Provider interface {
	Chat(ctx context.Context, messages []Message) (Completion, error)
	Name() string
	ModelName() string
}

// ErrFirstByteTimeout marks an attempt that produced nothing before its
// first-byte deadline.
var ErrFirstByteTimeout = errors.New("ai: no response before first-byte timeout")

// StatusError is a non-2xx reply from a provider.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: status %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// IsRetriable reports whether a failed provider attempt may be retried:
// network failures, 5xx, 429 and first-byte timeouts. Caller cancellation
// and overall deadlines are final.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrFirstByteTimeout) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == 429 || se.StatusCode >= 500
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var ue *url.Error
	return errors.As(err, &ue)
}

// EstimateTokens approximates a token count at four characters per token.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + 3) / 4
}
