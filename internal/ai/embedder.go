package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"
)

// Embedder turns question text into the query vector used for retrieval.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type embeddingsClient interface {
	Embeddings(ctx context.Context, req *api.EmbeddingRequest) (*api.EmbeddingResponse, error)
}

type OllamaEmbedder struct {
	client     embeddingsClient
	model      string
	attempts   int
	baseDelay  time.Duration
	perAttempt time.Duration
}

func NewOllamaEmbedder(baseURL, model string) (*OllamaEmbedder, error) {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama url: %w", err)
	}
	if model == "" {
		model = "nomic-embed-text"
	}
	return &OllamaEmbedder{
		client:     api.NewClient(u, &http.Client{Timeout: 30 * time.Second}),
		model:      model,
		attempts:   3,
		baseDelay:  500 * time.Millisecond,
		perAttempt: 10 * time.Second,
	}, nil
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	req := &api.EmbeddingRequest{Model: e.model, Prompt: text}

	var lastErr error
	delay := e.baseDelay
	for attempt := 1; attempt <= e.attempts; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, e.perAttempt)
		resp, err := e.client.Embeddings(reqCtx, req)
		cancel()
		if err == nil {
			if len(resp.Embedding) == 0 {
				return nil, errors.New("ollama: empty embedding")
			}
			out := make([]float32, len(resp.Embedding))
			for i, v := range resp.Embedding {
				out[i] = float32(v)
			}
			return out, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt == e.attempts {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		delay *= 2
	}
	return nil, fmt.Errorf("embedding failed after %d attempts: %w", e.attempts, lastErr)
}
