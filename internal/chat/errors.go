package chat

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidRequest = errors.New("chat: invalid request")
	ErrSessionInvalid = errors.New("chat: session invalid")
	// ErrUnavailable hides internal failures behind a generic retry message.
	ErrUnavailable = errors.New("chat: temporarily unavailable")
)

type AdmissionReason string

const (
	ReasonRateLimited    AdmissionReason = "rate_limited"
	ReasonBudgetExceeded AdmissionReason = "budget_exceeded"
)

// AdmissionError is a user-correctable rejection issued before any retrieval
// or provider work.
type AdmissionError struct {
	Reason     AdmissionReason
	Scope      string
	RetryAfter time.Duration
}

func (e *AdmissionError) Error() string {
	if e.Reason == ReasonRateLimited {
		return fmt.Sprintf("rate limited (%s), retry after %s", e.Scope, e.RetryAfter)
	}
	return "monthly budget exceeded"
}

// RetryAfterSeconds rounds up so callers never retry early.
func (e *AdmissionError) RetryAfterSeconds() int {
	if e.RetryAfter <= 0 {
		return 0
	}
	return int((e.RetryAfter + time.Second - 1) / time.Second)
}

// ProviderError means the model call failed after the retry policy ran out.
type ProviderError struct {
	Attempts int
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
