package chat

import (
	"time"

	"github.com/Agentic-Person/whop-chronos-sub007/internal/logger"
)

type State string

const (
	StateAdmitted       State = "Admitted"
	StateRejected       State = "Rejected"
	StateRetrieved      State = "Retrieved"
	StateCacheChecked   State = "CacheChecked"
	StatePromptBuilt    State = "PromptBuilt"
	StateProviderCalled State = "ProviderCalled"
	StateFailed         State = "Failed"
	StatePersisted      State = "Persisted"
	StateDone           State = "Done"
)

// The cache key covers the retrieved chunk set, so retrieval runs before the
// cache lookup. Streaming turns never visit CacheChecked.
var transitions = map[State][]State{
	StateAdmitted:       {StateRejected, StateRetrieved},
	StateRetrieved:      {StateCacheChecked, StatePromptBuilt, StatePersisted},
	StateCacheChecked:   {StatePromptBuilt, StatePersisted},
	StatePromptBuilt:    {StateProviderCalled},
	StateProviderCalled: {StateFailed, StatePersisted},
	StatePersisted:      {StateDone},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// turn tracks one request through the pipeline.
type turn struct {
	requestID string
	sessionID string
	stream    bool
	state     State
	started   time.Time
	history   []State
}

func newTurn(requestID, sessionID string, stream bool) *turn {
	return &turn{
		requestID: requestID,
		sessionID: sessionID,
		stream:    stream,
		state:     StateAdmitted,
		started:   time.Now(),
		history:   []State{StateAdmitted},
	}
}

func (t *turn) to(next State, args ...any) {
	if !canTransition(t.state, next) {
		// a bug in the orchestrator, not a request failure
		logger.Error("chat illegal transition", "request_id", t.requestID, "from", t.state, "to", next)
	}
	attrs := append([]any{"request_id", t.requestID, "session", t.sessionID, "stream", t.stream, "from", t.state, "to", next}, args...)
	switch next {
	case StateRejected, StateFailed:
		logger.Warn("chat turn", attrs...)
	default:
		logger.Debug("chat turn", attrs...)
	}
	t.state = next
	t.history = append(t.history, next)
}

func (t *turn) latency() time.Duration { return time.Since(t.started) }
