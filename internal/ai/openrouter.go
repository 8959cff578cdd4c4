package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type OpenRouterProvider struct {
	BaseURL string
	APIKey  string
	Model   string
	SiteURL string
	AppName string
	Client  *http.Client
}

type openRouterMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openRouterStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openRouterChatReq struct {
	Model         string                   `json:"model"`
	Messages      []openRouterMsg          `json:"messages"`
	Stream        bool                     `json:"stream"`
	StreamOptions *openRouterStreamOptions `json:"stream_options,omitempty"`
}

type openRouterUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type openRouterError struct {
	Message string `json:"message"`
}

type openRouterChatResp struct {
	Model   string `json:"model"`
	Choices []struct {
		Message openRouterMsg `json:"message"`
	} `json:"choices"`
	Usage *openRouterUsage `json:"usage,omitempty"`
	Error *openRouterError `json:"error,omitempty"`
}

type openRouterStreamResp struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openRouterUsage `json:"usage,omitempty"`
	Error *openRouterError `json:"error,omitempty"`
}

func NewOpenRouterProvider(baseURL, apiKey, model, siteURL, appName string) *OpenRouterProvider {
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	return &OpenRouterProvider{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Model:   model,
		SiteURL: siteURL,
		AppName: appName,
		Client:  &http.Client{},
	}
}

func (p *OpenRouterProvider) Name() string      { return "openrouter" }
func (p *OpenRouterProvider) ModelName() string { return strings.TrimSpace(p.Model) }

func (p *OpenRouterProvider) newRequest(ctx context.Context, messages []Message, stream bool) (*http.Request, error) {
	if p.Client == nil {
		return nil, errors.New("openrouter: http client is nil")
	}
	if strings.TrimSpace(p.APIKey) == "" {
		return nil, errors.New("openrouter: api key is required")
	}
	model := strings.TrimSpace(p.Model)
	if model == "" {
		return nil, errors.New("openrouter: model is required")
	}

	reqBody := openRouterChatReq{
		Model:    model,
		Stream:   stream,
		Messages: make([]openRouterMsg, 0, len(messages)),
	}
	if stream {
		reqBody.StreamOptions = &openRouterStreamOptions{IncludeUsage: true}
	}
	for _, m := range messages {
		reqBody.Messages = append(reqBody.Messages, openRouterMsg{Role: m.Role, Content: m.Content})
	}

	b, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/chat/completions", p.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.APIKey)
	if p.SiteURL != "" {
		req.Header.Set("HTTP-Referer", p.SiteURL)
	}
	if p.AppName != "" {
		req.Header.Set("X-Title", p.AppName)
	}
	return req, nil
}

func (p *OpenRouterProvider) do(req *http.Request) (*http.Response, error) {
	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return nil, &StatusError{Provider: "openrouter", StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return resp, nil
}

func (p *OpenRouterProvider) Chat(ctx context.Context, messages []Message) (Completion, error) {
	req, err := p.newRequest(ctx, messages, false)
	if err != nil {
		return Completion{}, err
	}
	resp, err := p.do(req)
	if err != nil {
		return Completion{}, err
	}
	defer resp.Body.Close()

	var decoded openRouterChatResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Completion{}, err
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return Completion{}, errors.New(decoded.Error.Message)
	}
	if len(decoded.Choices) == 0 {
		return Completion{}, errors.New("openrouter: empty response")
	}

	out := Completion{Content: decoded.Choices[0].Message.Content, Model: decoded.Model}
	if out.Model == "" {
		out.Model = p.ModelName()
	}
	if decoded.Usage != nil {
		out.Usage = Usage{InputTokens: decoded.Usage.PromptTokens, OutputTokens: decoded.Usage.CompletionTokens}
	}
	return out, nil
}

// StreamChat streams assistant content chunks via SSE. The usage summary
// arrives in a trailing event with no choices, just before [DONE].
func (p *OpenRouterProvider) StreamChat(ctx context.Context, messages []Message) (<-chan StreamChunk, <-chan error) {
	chunks := make(chan StreamChunk, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		send := func(c StreamChunk) bool {
			select {
			case chunks <- c:
				return true
			case <-ctx.Done():
				errs <- ctx.Err()
				return false
			}
		}

		req, err := p.newRequest(ctx, messages, true)
		if err != nil {
			errs <- err
			return
		}
		resp, err := p.do(req)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		var (
			usage *Usage
			model string
		)

		sc := bufio.NewScanner(resp.Body)
		buf := make([]byte, 0, 64*1024)
		sc.Buffer(buf, 2*1024*1024)

		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				send(StreamChunk{Done: true, Usage: usage, Model: model})
				return
			}
			var decoded openRouterStreamResp
			if err := json.Unmarshal([]byte(data), &decoded); err != nil {
				errs <- err
				return
			}
			if decoded.Error != nil && decoded.Error.Message != "" {
				errs <- errors.New(decoded.Error.Message)
				return
			}
			if decoded.Model != "" {
				model = decoded.Model
			}
			if decoded.Usage != nil {
				usage = &Usage{InputTokens: decoded.Usage.PromptTokens, OutputTokens: decoded.Usage.CompletionTokens}
			}
			if len(decoded.Choices) == 0 {
				continue
			}
			if delta := decoded.Choices[0].Delta.Content; delta != "" {
				if !send(StreamChunk{Delta: delta}) {
					return
				}
			}
		}

		if err := sc.Err(); err != nil {
			errs <- err
			return
		}
		errs <- io.ErrUnexpectedEOF
	}()

	return chunks, errs
}
