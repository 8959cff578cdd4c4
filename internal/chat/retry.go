package chat

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/Agentic-Person/whop-chronos-sub007/internal/ai"
	"github.com/Agentic-Person/whop-chronos-sub007/internal/logger"
)

type RetryPolicy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Base: 500 * time.Millisecond, Max: 4 * time.Second}
}

// Backoff is the wait after the given failed attempt (1-based): Base doubled
// per attempt, capped at Max.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// complete runs a batch call under the retry policy. Each attempt has its own
// FirstByteTimeout deadline inside ctx, so a hung attempt is retried.
func (s *Service) complete(ctx context.Context, p ai.Provider, msgs []ai.Message, t *turn) (ai.Completion, error) {
	pol := s.opts.Retry
	for attempt := 1; ; attempt++ {
		actx, cancel := context.WithTimeout(ctx, s.opts.FirstByteTimeout)
		c, err := p.Chat(actx, msgs)
		attemptTimedOut := errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		cancel()
		if err == nil {
			return c, nil
		}
		if attemptTimedOut {
			err = ai.ErrFirstByteTimeout
		}
		if !ai.IsRetriable(err) || attempt >= pol.Attempts {
			return ai.Completion{}, &ProviderError{Attempts: attempt, Err: err}
		}
		wait := pol.Backoff(attempt)
		logger.Warn("provider attempt failed", "request_id", t.requestID, "attempt", attempt, "retry_in", wait, "err", err)
		if serr := sleepCtx(ctx, wait); serr != nil {
			return ai.Completion{}, &ProviderError{Attempts: attempt, Err: err}
		}
	}
}

type openStream struct {
	first    ai.StreamChunk
	chunks   <-chan ai.StreamChunk
	errs     <-chan error
	cancel   context.CancelFunc
	attempts int
}

// open starts a stream and waits for its first chunk. Only this phase is
// retried: once a chunk has been handed to the caller the attempt is final.
func (s *Service) open(ctx context.Context, sp ai.StreamProvider, msgs []ai.Message, t *turn) (*openStream, error) {
	pol := s.opts.Retry
	for attempt := 1; ; attempt++ {
		actx, cancel := context.WithCancel(ctx)
		chunks, errs := sp.StreamChat(actx, msgs)

		timer := time.NewTimer(s.opts.FirstByteTimeout)
		var err error
		select {
		case c, ok := <-chunks:
			timer.Stop()
			if ok {
				return &openStream{first: c, chunks: chunks, errs: errs, cancel: cancel, attempts: attempt}, nil
			}
			if err = <-errs; err == nil {
				err = io.ErrUnexpectedEOF
			}
		case <-timer.C:
			err = ai.ErrFirstByteTimeout
		case <-ctx.Done():
			timer.Stop()
			err = ctx.Err()
		}
		cancel()

		if !ai.IsRetriable(err) || attempt >= pol.Attempts {
			return nil, &ProviderError{Attempts: attempt, Err: err}
		}
		wait := pol.Backoff(attempt)
		logger.Warn("provider stream attempt failed", "request_id", t.requestID, "attempt", attempt, "retry_in", wait, "err", err)
		if serr := sleepCtx(ctx, wait); serr != nil {
			return nil, &ProviderError{Attempts: attempt, Err: err}
		}
	}
}
