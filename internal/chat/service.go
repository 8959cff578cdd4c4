package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"gorm.io/datatypes"

	"github.com/Agentic-Person/whop-chronos-sub007/internal/ai"
	"github.com/Agentic-Person/whop-chronos-sub007/internal/cache"
	"github.com/Agentic-Person/whop-chronos-sub007/internal/common"
	"github.com/Agentic-Person/whop-chronos-sub007/internal/costs"
	"github.com/Agentic-Person/whop-chronos-sub007/internal/logger"
	"github.com/Agentic-Person/whop-chronos-sub007/internal/prompt"
	"github.com/Agentic-Person/whop-chronos-sub007/internal/ratelimit"
	"github.com/Agentic-Person/whop-chronos-sub007/internal/retrieval"
)

type Limiter interface {
	Admit(ctx context.Context, learnerID, tenantID, tier string) ratelimit.Decision
}

type CostTracker interface {
	Tier(ctx context.Context, tenantID string) (string, error)
	CheckBudget(ctx context.Context, tenantID string) (costs.BudgetStatus, error)
	RecordUsage(ctx context.Context, tenantID string, inputTokens, outputTokens int, model string) (costs.CostResult, error)
	Rates() costs.RateTable
}

type AnswerCache interface {
	Get(ctx context.Context, key string) (*cache.Entry, bool)
	Put(ctx context.Context, key string, e cache.Entry, videoIDs []string)
}

type NoContextPolicy string

const (
	PolicyAnswer  NoContextPolicy = "answer"
	PolicyDecline NoContextPolicy = "decline"
)

const declineReply = "I couldn't find anything in this course's videos that covers that question, so I'd rather not guess. " +
	"Try rephrasing it, or ask about a topic from one of the lessons."

type Options struct {
	TopK             int
	SimilarityFloor  float64
	MaxHistory       int
	MaxQuestionChars int
	NoContextPolicy  NoContextPolicy
	Retry            RetryPolicy
	FirstByteTimeout time.Duration
	TotalTimeout     time.Duration
	PersistTimeout   time.Duration
}

func DefaultOptions() Options {
	return Options{
		TopK:             retrieval.DefaultTopK,
		SimilarityFloor:  retrieval.DefaultSimilarityFloor,
		MaxHistory:       prompt.DefaultMaxHistory,
		MaxQuestionChars: 4000,
		NoContextPolicy:  PolicyAnswer,
		Retry:            DefaultRetryPolicy(),
		FirstByteTimeout: 30 * time.Second,
		TotalTimeout:     120 * time.Second,
		PersistTimeout:   10 * time.Second,
	}
}

// Deps are the collaborators of the orchestrator. Cache may be nil.
type Deps struct {
	Repo     *Repo
	Registry *ai.Registry
	Limiter  Limiter
	Costs    CostTracker
	Cache    AnswerCache
	Searcher retrieval.Searcher
	Embedder ai.Embedder
	Prompt   *prompt.Builder
}

type Service struct {
	Deps
	opts Options
}

func NewService(d Deps, opts Options) *Service {
	def := DefaultOptions()
	if opts.TopK <= 0 {
		opts.TopK = def.TopK
	}
	if opts.SimilarityFloor <= 0 {
		opts.SimilarityFloor = def.SimilarityFloor
	}
	if opts.MaxHistory <= 0 || opts.MaxHistory > 100 {
		opts.MaxHistory = def.MaxHistory
	}
	if opts.MaxQuestionChars <= 0 {
		opts.MaxQuestionChars = def.MaxQuestionChars
	}
	if opts.NoContextPolicy != PolicyDecline {
		opts.NoContextPolicy = PolicyAnswer
	}
	if opts.Retry.Attempts <= 0 {
		opts.Retry = def.Retry
	}
	if opts.FirstByteTimeout <= 0 {
		opts.FirstByteTimeout = def.FirstByteTimeout
	}
	if opts.TotalTimeout <= 0 {
		opts.TotalTimeout = def.TotalTimeout
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = def.PersistTimeout
	}
	if d.Prompt == nil {
		d.Prompt = prompt.NewBuilder(0)
	}
	return &Service{Deps: d, opts: opts}
}

type AskRequest struct {
	LearnerID string
	TenantID  string
	SessionID string
	Message   string
	RequestID string
}

type UsageSummary struct {
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	CostUSD      float64 `json:"costUSD"`
}

type Answer struct {
	MessageID       uint64                     `json:"-"`
	Message         string                     `json:"message"`
	VideoReferences []retrieval.VideoReference `json:"videoReferences"`
	Usage           UsageSummary               `json:"usage"`
	Cached          bool                       `json:"cached"`
	Truncated       bool                       `json:"truncated,omitempty"`
	WarningLevel    costs.WarningLevel         `json:"warningLevel"`
	Model           string                     `json:"model,omitempty"`
}

type EventType string

const (
	EventContent EventType = "content"
	EventDone    EventType = "done"
	EventError   EventType = "error"
)

// StreamEvent is one item on the channel returned by AskStream. The channel
// ends with exactly one done or error event unless the caller went away.
type StreamEvent struct {
	Type   EventType
	Delta  string
	Answer *Answer
	Err    error
}

// Ask answers a question in one piece. Cached answers are served only here.
func (s *Service) Ask(ctx context.Context, req AskRequest) (*Answer, error) {
	sess, t, err := s.begin(ctx, req, false)
	if err != nil {
		return nil, err
	}
	question := strings.TrimSpace(req.Message)
	chunks := s.retrieve(ctx, sess, question, t)

	var key string
	if s.Cache != nil {
		key = cache.Key(question, chunkIDs(chunks))
		entry, hit := s.Cache.Get(ctx, key)
		t.to(StateCacheChecked, "hit", hit)
		if hit {
			ans := s.settle(ctx, req, sess, t, outcome{
				question: question,
				answer:   entry.Answer,
				refs:     entry.References,
				model:    entry.Model,
				cached:   true,
				grounded: len(chunks) > 0,
				chunkIDs: chunkIDs(chunks),
				finish:   FinishCached,
			})
			t.to(StateDone)
			return ans, nil
		}
	}

	if len(chunks) == 0 && s.opts.NoContextPolicy == PolicyDecline {
		ans := s.decline(ctx, req, sess, t, question)
		t.to(StateDone)
		return ans, nil
	}

	payload := s.Prompt.Build(question, chunks, s.history(ctx, sess), s.opts.MaxHistory)
	t.to(StatePromptBuilt, "chunks", len(payload.Chunks), "est_tokens", payload.EstimatedTokens)

	provider, err := s.Registry.Get(ctx, sess.Provider, sess.Model)
	t.to(StateProviderCalled, "provider", sess.Provider)
	if err != nil {
		t.to(StateFailed, "err", err)
		return nil, &ProviderError{Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.opts.TotalTimeout)
	defer cancel()
	comp, err := s.complete(callCtx, provider, payload.Messages, t)
	if err != nil {
		t.to(StateFailed, "err", err)
		return nil, err
	}

	o := s.generated(question, comp.Content, comp.Usage, firstNonEmpty(comp.Model, provider.ModelName()), payload)
	o.chunkIDs = chunkIDs(chunks)
	ans := s.settle(ctx, req, sess, t, o)

	if key != "" {
		s.Cache.Put(ctx, key, cache.Entry{
			Answer:       ans.Message,
			References:   ans.VideoReferences,
			InputTokens:  o.usage.InputTokens,
			OutputTokens: o.usage.OutputTokens,
			CostUSD:      ans.Usage.CostUSD,
			Model:        o.model,
		}, videoIDs(chunks))
	}
	t.to(StateDone)
	return ans, nil
}

// AskStream validates and admits the request synchronously, then streams the
// answer. Streamed answers are never cached.
func (s *Service) AskStream(ctx context.Context, req AskRequest) (<-chan StreamEvent, error) {
	sess, t, err := s.begin(ctx, req, true)
	if err != nil {
		return nil, err
	}
	out := make(chan StreamEvent, 16)
	go s.stream(ctx, req, sess, t, out)
	return out, nil
}

func (s *Service) stream(ctx context.Context, req AskRequest, sess *Session, t *turn, out chan<- StreamEvent) {
	defer close(out)

	emit := func(ev StreamEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	fail := func(err error) {
		t.to(StateFailed, "err", err)
		emit(StreamEvent{Type: EventError, Err: err})
	}

	question := strings.TrimSpace(req.Message)
	chunks := s.retrieve(ctx, sess, question, t)

	if len(chunks) == 0 && s.opts.NoContextPolicy == PolicyDecline {
		ans := s.decline(ctx, req, sess, t, question)
		t.to(StateDone)
		if emit(StreamEvent{Type: EventContent, Delta: ans.Message}) {
			emit(StreamEvent{Type: EventDone, Answer: ans})
		}
		return
	}

	payload := s.Prompt.Build(question, chunks, s.history(ctx, sess), s.opts.MaxHistory)
	t.to(StatePromptBuilt, "chunks", len(payload.Chunks), "est_tokens", payload.EstimatedTokens)

	provider, err := s.Registry.Get(ctx, sess.Provider, sess.Model)
	t.to(StateProviderCalled, "provider", sess.Provider)
	if err != nil {
		fail(&ProviderError{Err: err})
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, s.opts.TotalTimeout)
	defer cancel()

	sp, ok := provider.(ai.StreamProvider)
	if !ok {
		comp, err := s.complete(callCtx, provider, payload.Messages, t)
		if err != nil {
			fail(err)
			return
		}
		o := s.generated(question, comp.Content, comp.Usage, firstNonEmpty(comp.Model, provider.ModelName()), payload)
		o.chunkIDs = chunkIDs(chunks)
		ans := s.settle(ctx, req, sess, t, o)
		t.to(StateDone)
		if emit(StreamEvent{Type: EventContent, Delta: ans.Message}) {
			emit(StreamEvent{Type: EventDone, Answer: ans})
		}
		return
	}

	st, err := s.open(callCtx, sp, payload.Messages, t)
	if err != nil {
		if ctx.Err() != nil {
			t.to(StateFailed, "err", ctx.Err(), "reason", "caller gone before first byte")
			return
		}
		fail(err)
		return
	}
	defer st.cancel()

	var (
		b         strings.Builder
		usage     *ai.Usage
		model     string
		streamErr error
		gone      bool
	)
	c := st.first
	for {
		if c.Delta != "" {
			b.WriteString(c.Delta)
			if !emit(StreamEvent{Type: EventContent, Delta: c.Delta}) {
				gone = true
				break
			}
		}
		if c.Usage != nil {
			usage = c.Usage
		}
		if c.Model != "" {
			model = c.Model
		}
		if c.Done {
			break
		}

		var more bool
		select {
		case c, more = <-st.chunks:
		case <-ctx.Done():
			gone = true
		}
		if gone {
			break
		}
		if !more {
			streamErr = <-st.errs
			break
		}
	}
	if streamErr != nil && ctx.Err() != nil {
		gone, streamErr = true, nil
	}

	if gone {
		if b.Len() == 0 {
			t.to(StateFailed, "err", ctx.Err(), "reason", "caller gone before any content")
			return
		}
		// the learner saw part of an answer; keep it
		o := s.generated(question, b.String(), ai.Usage{}, firstNonEmpty(model, provider.ModelName()), payload)
		o.chunkIDs = chunkIDs(chunks)
		o.truncated = true
		o.finish = FinishTruncated
		s.settle(ctx, req, sess, t, o)
		t.to(StateDone, "truncated", true)
		return
	}
	if streamErr != nil {
		fail(&ProviderError{Attempts: st.attempts, Err: streamErr})
		return
	}

	var u ai.Usage
	if usage != nil {
		u = *usage
	}
	o := s.generated(question, b.String(), u, firstNonEmpty(model, provider.ModelName()), payload)
	o.chunkIDs = chunkIDs(chunks)
	ans := s.settle(ctx, req, sess, t, o)
	t.to(StateDone)
	emit(StreamEvent{Type: EventDone, Answer: ans})
}

func (s *Service) begin(ctx context.Context, req AskRequest, stream bool) (*Session, *turn, error) {
	q := strings.TrimSpace(req.Message)
	if q == "" {
		return nil, nil, fmt.Errorf("%w: message is required", ErrInvalidRequest)
	}
	if utf8.RuneCountInString(q) > s.opts.MaxQuestionChars {
		return nil, nil, fmt.Errorf("%w: message exceeds %d characters", ErrInvalidRequest, s.opts.MaxQuestionChars)
	}

	sess, err := s.ownedSession(ctx, req.LearnerID, req.TenantID, req.SessionID)
	if err != nil {
		return nil, nil, err
	}

	t := newTurn(req.RequestID, sess.SessionID, stream)
	if err := s.admit(ctx, req, t); err != nil {
		return nil, nil, err
	}
	return sess, t, nil
}

func (s *Service) ownedSession(ctx context.Context, learnerID, tenantID, sessionID string) (*Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrSessionInvalid
	}
	sess, err := s.Repo.GetSession(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, ErrSessionInvalid
	}
	if err != nil {
		logger.Error("load session failed", "session", sessionID, "err", err)
		return nil, ErrUnavailable
	}
	if sess.LearnerID != learnerID || sess.TenantID != tenantID {
		return nil, ErrSessionInvalid
	}
	return sess, nil
}

// admit runs the budget check then the rate limiter. The budget read changes
// nothing, so a budget-denied request consumes no rate window. Anything that
// keeps either check from completing denies the request.
func (s *Service) admit(ctx context.Context, req AskRequest, t *turn) error {
	tier, err := s.Costs.Tier(ctx, req.TenantID)
	if err != nil {
		t.to(StateRejected, "reason", "tier lookup failed", "err", err)
		return ErrUnavailable
	}

	st, err := s.Costs.CheckBudget(ctx, req.TenantID)
	if err != nil {
		t.to(StateRejected, "reason", "budget check failed", "err", err)
		return ErrUnavailable
	}
	if st.Blocks() {
		t.to(StateRejected, "reason", "budget exceeded", "tier", st.Tier, "used", st.UsedUSD, "limit", st.LimitUSD)
		return &AdmissionError{Reason: ReasonBudgetExceeded, Scope: "tenant"}
	}

	d := s.Limiter.Admit(ctx, req.LearnerID, req.TenantID, tier)
	if !d.Allowed {
		t.to(StateRejected, "reason", "rate limited", "scope", d.Scope, "retry_after", d.RetryAfter)
		return &AdmissionError{Reason: ReasonRateLimited, Scope: string(d.Scope), RetryAfter: d.RetryAfter}
	}
	return nil
}

// retrieve never fails the turn: search errors fall back to no context.
func (s *Service) retrieve(ctx context.Context, sess *Session, question string, t *turn) []retrieval.RetrievedChunk {
	var chunks []retrieval.RetrievedChunk
	vec, err := s.Embedder.Embed(ctx, question)
	if err == nil {
		chunks, err = s.Searcher.Search(ctx, vec, retrieval.SearchOptions{
			TopK:            s.opts.TopK,
			SimilarityFloor: s.opts.SimilarityFloor,
			VideoIDs:        sess.VideoIDs,
			TenantID:        sess.TenantID,
		})
	}
	if err != nil {
		logger.Warn("retrieval failed, continuing without context", "request_id", t.requestID, "session", sess.SessionID, "err", err)
		chunks = nil
	}
	t.to(StateRetrieved, "chunks", len(chunks))
	return chunks
}

func (s *Service) history(ctx context.Context, sess *Session) []ai.Message {
	msgs, err := s.Repo.FetchHistory(ctx, sess.SessionID, s.opts.MaxHistory)
	if err != nil {
		logger.Warn("load history failed", "session", sess.SessionID, "err", err)
		return nil
	}
	out := make([]ai.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, ai.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

type outcome struct {
	question  string
	answer    string
	refs      []retrieval.VideoReference
	usage     ai.Usage
	model     string
	cached    bool
	truncated bool
	grounded  bool
	charge    bool
	finish    string
	chunkIDs  []string
}

// generated describes a provider answer. Missing provider usage is estimated
// so that every generated token is charged.
func (s *Service) generated(question, answer string, usage ai.Usage, model string, p prompt.Payload) outcome {
	if usage.IsZero() {
		usage = ai.Usage{InputTokens: p.EstimatedTokens, OutputTokens: ai.EstimateTokens(answer)}
	}
	return outcome{
		question: question,
		answer:   answer,
		refs:     prompt.ExtractCitations(answer, p.Chunks),
		usage:    usage,
		model:    model,
		grounded: len(p.Chunks) > 0,
		charge:   true,
		finish:   FinishStop,
	}
}

func (s *Service) decline(ctx context.Context, req AskRequest, sess *Session, t *turn, question string) *Answer {
	return s.settle(ctx, req, sess, t, outcome{
		question: question,
		answer:   declineReply,
		finish:   FinishDeclined,
	})
}

// settle persists the exchange and charges it. It runs detached from the
// caller so a disconnect cannot drop an answer that was already generated.
// Write failures are logged with the full answer and do not fail the turn.
func (s *Service) settle(ctx context.Context, req AskRequest, sess *Session, t *turn, o outcome) *Answer {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.PersistTimeout)
	defer cancel()

	var micros int64
	if o.charge {
		micros = s.Costs.Rates().CostMicros(o.model, o.usage.InputTokens, o.usage.OutputTokens)
	}
	refs := o.refs
	if refs == nil {
		refs = []retrieval.VideoReference{}
	}

	user := &Message{
		LearnerID: req.LearnerID,
		Role:      ai.RoleUser,
		Content:   o.question,
		Metadata:  datatypes.NewJSONType(MessageMetadata{RequestID: req.RequestID}),
	}
	assistant := &Message{
		LearnerID:  req.LearnerID,
		Role:       ai.RoleAssistant,
		Content:    o.answer,
		References: refs,
		Model:      o.model,
		LatencyMs:  t.latency().Milliseconds(),
		CostMicros: micros,
		CacheHit:   o.cached,
		Metadata: datatypes.NewJSONType(MessageMetadata{
			RequestID:         req.RequestID,
			RetrievedChunkIDs: o.chunkIDs,
			Grounded:          o.grounded,
			Truncated:         o.truncated,
			FinishReason:      o.finish,
		}),
	}
	if o.charge {
		assistant.InputTokens = o.usage.InputTokens
		assistant.OutputTokens = o.usage.OutputTokens
	}

	persisted := true
	if err := s.Repo.AppendExchange(dctx, sess.SessionID, user, assistant); err != nil {
		persisted = false
		logger.Error("chat persist failed",
			"request_id", req.RequestID, "session", sess.SessionID, "learner", req.LearnerID,
			"question", o.question, "answer", o.answer, "err", err)
	}
	t.to(StatePersisted, "persisted", persisted, "cached", o.cached, "truncated", o.truncated)

	ans := &Answer{
		Message:         o.answer,
		VideoReferences: refs,
		Cached:          o.cached,
		Truncated:       o.truncated,
		Model:           o.model,
	}
	if persisted {
		ans.MessageID = assistant.ID
	}
	if !o.charge {
		return ans
	}

	ans.Usage = UsageSummary{
		InputTokens:  o.usage.InputTokens,
		OutputTokens: o.usage.OutputTokens,
		CostUSD:      costs.MicrosToUSD(micros),
	}
	res, err := s.Costs.RecordUsage(dctx, sess.TenantID, o.usage.InputTokens, o.usage.OutputTokens, o.model)
	if err != nil {
		logger.Error("record usage failed", "request_id", req.RequestID, "tenant", sess.TenantID,
			"input_tokens", o.usage.InputTokens, "output_tokens", o.usage.OutputTokens, "model", o.model, "err", err)
		return ans
	}
	ans.WarningLevel = res.WarningLevel
	return ans
}

type NewSessionRequest struct {
	LearnerID string
	TenantID  string
	Title     string
	VideoIDs  []string
	Provider  string
	Model     string
}

func (s *Service) CreateSession(ctx context.Context, req NewSessionRequest) (*Session, error) {
	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	if provider == "" {
		provider = s.Registry.Default()
	}
	if !s.Registry.Has(provider) {
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidRequest, req.Provider)
	}

	sid, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	session := &Session{
		SessionID: sid,
		LearnerID: req.LearnerID,
		TenantID:  req.TenantID,
		Title:     strings.TrimSpace(req.Title),
		VideoIDs:  dedupe(req.VideoIDs),
		Provider:  provider,
		Model:     strings.TrimSpace(req.Model),
	}
	if err := s.Repo.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *Service) ListSessions(ctx context.Context, learnerID, tenantID string, limit int) ([]Session, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.Repo.ListSessions(ctx, learnerID, tenantID, limit)
}

func (s *Service) ListMessages(ctx context.Context, learnerID, tenantID, sessionID string, limit int, beforeSeq int64) ([]Message, error) {
	if _, err := s.ownedSession(ctx, learnerID, tenantID, sessionID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.Repo.ListMessages(ctx, sessionID, limit, beforeSeq)
}

func chunkIDs(chunks []retrieval.RetrievedChunk) []string {
	out := make([]string, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, c.ChunkID)
	}
	return out
}

func videoIDs(chunks []retrieval.RetrievedChunk) []string {
	ids := make([]string, 0, len(chunks))
	for _, c := range chunks {
		ids = append(ids, c.VideoID)
	}
	return dedupe(ids)
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
