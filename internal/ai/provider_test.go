package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, chunks <-chan StreamChunk, errs <-chan error) ([]StreamChunk, error) {
	t.Helper()
	var out []StreamChunk
	for c := range chunks {
		out = append(out, c)
	}
	return out, <-errs
}

func TestOllama_ChatReportsUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		var req ollamaChatReq
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		assert.Len(t, req.Messages, 2)
		_, _ = w.Write([]byte(`{"model":"llama3:latest","message":{"role":"assistant","content":"Delta is..."},"done":true,"prompt_eval_count":120,"eval_count":40}`))
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "")
	got, err := p.Chat(context.Background(), []Message{{Role: RoleSystem, Content: "s"}, {Role: RoleUser, Content: "q"}})
	require.NoError(t, err)
	assert.Equal(t, "Delta is...", got.Content)
	assert.Equal(t, Usage{InputTokens: 120, OutputTokens: 40}, got.Usage)
	assert.Equal(t, "llama3:latest", got.Model)
}

func TestOllama_StreamEndsWithUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"content":"Del"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"content":"ta"},"done":false}`)
		fmt.Fprintln(w, `{"model":"llama3:latest","message":{"content":""},"done":true,"prompt_eval_count":7,"eval_count":2}`)
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "llama3:latest")
	chunks, errs := p.StreamChat(context.Background(), []Message{{Role: RoleUser, Content: "q"}})
	got, err := drain(t, chunks, errs)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "Del", got[0].Delta)
	assert.True(t, got[2].Done)
	require.NotNil(t, got[2].Usage)
	assert.Equal(t, 2, got[2].Usage.OutputTokens)
}

func TestOllama_StatusErrorIsTyped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewOllamaProvider(srv.URL, "m").Chat(context.Background(), nil)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
	assert.True(t, IsRetriable(err))
}

func TestOpenRouter_StreamUsageTrailer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		var req openRouterChatReq
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotNil(t, req.StreamOptions)
		assert.True(t, req.StreamOptions.IncludeUsage)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": OPENROUTER PROCESSING\n\n")
		fmt.Fprint(w, `data: {"model":"anthropic/claude-3-haiku","choices":[{"delta":{"content":"Hi"}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[],"usage":{"prompt_tokens":11,"completion_tokens":3}}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := NewOpenRouterProvider(srv.URL, "k", "anthropic/claude-3-haiku", "", "")
	chunks, errs := p.StreamChat(context.Background(), []Message{{Role: RoleUser, Content: "q"}})
	got, err := drain(t, chunks, errs)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Hi", got[0].Delta)
	assert.True(t, got[1].Done)
	assert.Equal(t, &Usage{InputTokens: 11, OutputTokens: 3}, got[1].Usage)
	assert.Equal(t, "anthropic/claude-3-haiku", got[1].Model)
}

func TestOpenRouter_ChatRequiresKey(t *testing.T) {
	_, err := NewOpenRouterProvider("", "", "m", "", "").Chat(context.Background(), nil)
	assert.Error(t, err)
	assert.False(t, IsRetriable(err))
}

func TestIsRetriable(t *testing.T) {
	assert.True(t, IsRetriable(&StatusError{StatusCode: 429}))
	assert.True(t, IsRetriable(&StatusError{StatusCode: 502}))
	assert.False(t, IsRetriable(&StatusError{StatusCode: 400}))
	assert.True(t, IsRetriable(fmt.Errorf("attempt 1: %w", ErrFirstByteTimeout)))
	assert.False(t, IsRetriable(context.Canceled))
	assert.False(t, IsRetriable(context.DeadlineExceeded))
	assert.False(t, IsRetriable(errors.New("bad request body")))
	assert.False(t, IsRetriable(nil))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry("Ollama")
	r.Register("ollama", func(ctx context.Context, model string) (Provider, error) {
		return NewOllamaProvider("http://x", model), nil
	})
	p, err := r.Get(context.Background(), "", "phi3")
	require.NoError(t, err)
	assert.Equal(t, "phi3", p.ModelName())
	assert.True(t, r.Has("OLLAMA"))
	assert.Equal(t, []string{"ollama"}, r.Names())

	_, err = r.Get(context.Background(), "nope", "")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestOllamaEmbedder_RetriesThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"warming up"}`))
			return
		}
		_, _ = w.Write([]byte(`{"embedding":[0.5,0.25,1]}`))
	}))
	defer srv.Close()

	e, err := NewOllamaEmbedder(srv.URL, "nomic-embed-text")
	require.NoError(t, err)
	e.baseDelay = time.Millisecond

	vec, err := e.Embed(context.Background(), "what is delta?")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.25, 1}, vec)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 2, EstimateTokens("abcdefgh"))
}
