// Package llmclient implements the LanguageModel consumed interface (spec
// §6): token-streaming chat completion against an OpenAI-compatible
// endpoint, with a configured primary and fallback model. On primary
// timeout/connect error the same messages are retried on fallback exactly
// once, the way the teacher's gcpclient.GenAIAdapter falls back within a
// single call, generalized from Vertex's REST shape to go-openai's
// streaming client.
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
)

// GenConfig is the per-call generation configuration (temperature/top_p/max_tokens).
type GenConfig struct {
	Temperature float32
	TopP        float32
	MaxTokens   int
}

// EventKind discriminates a streamed Event.
type EventKind string

const (
	EventToken    EventKind = "token"
	EventFallback EventKind = "fallback"
	EventDone     EventKind = "done"
	EventError    EventKind = "error"
)

// Event is one item from a streaming generation call.
type Event struct {
	Kind       EventKind
	Token      string
	FromModel  string
	ToModel    string
	Err        error
	FinishReason string
}

// Client talks to an OpenAI-compatible chat endpoint with a primary and
// fallback model. Ollama-style responses are not decoded.
type Client struct {
	api      *openai.Client
	primary  string
	fallback string
}

// New creates a Client. baseURL points at the OpenAI-compatible server.
func New(baseURL, apiKey, primaryModel, fallbackModel string) *Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Client{api: openai.NewClientWithConfig(cfg), primary: primaryModel, fallback: fallbackModel}
}

// GenerateContent performs a non-streaming chat completion, used by
// internal cheap-LM calls (Grader, Critic self-reflection) that do not
// need token-by-token delivery.
func (c *Client) GenerateContent(ctx context.Context, systemPrompt, userPrompt string, cfg GenConfig) (string, error) {
	text, _, err := c.complete(ctx, c.primary, systemPrompt, userPrompt, cfg)
	if err == nil {
		return text, nil
	}
	if !isRetryable(ctx, err) {
		return "", fmt.Errorf("llmclient.GenerateContent: %w", err)
	}
	text, _, err = c.complete(ctx, c.fallback, systemPrompt, userPrompt, cfg)
	if err != nil {
		return "", fmt.Errorf("llmclient.GenerateContent: primary and fallback failed: %w", err)
	}
	return text, nil
}

func (c *Client) complete(ctx context.Context, model, systemPrompt, userPrompt string, cfg GenConfig) (string, string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Temperature: cfg.Temperature,
		TopP:        cfg.TopP,
		MaxTokens:   cfg.MaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
	})
	if err != nil {
		return "", "", err
	}
	if len(resp.Choices) == 0 {
		return "", "", fmt.Errorf("empty response from model %q", model)
	}
	return resp.Choices[0].Message.Content, resp.Choices[0].FinishReason, nil
}

// GenerateContentStream streams a chat completion, falling back to the
// fallback model exactly once if the primary stream fails to even start.
// The caller reads Events until an EventDone or EventError arrives; an
// EventFallback is emitted when the switch happens, mirroring the
// streaming "fallback" SSE event named in spec §4.14.
func (c *Client) GenerateContentStream(ctx context.Context, systemPrompt, userPrompt string, cfg GenConfig) <-chan Event {
	out := make(chan Event, 64)

	go func() {
		defer close(out)

		stream, err := c.openStream(ctx, c.primary, systemPrompt, userPrompt, cfg)
		model := c.primary
		if err != nil {
			if !isRetryable(ctx, err) {
				out <- Event{Kind: EventError, Err: fmt.Errorf("llmclient.GenerateContentStream: %w", err)}
				return
			}
			out <- Event{Kind: EventFallback, FromModel: c.primary, ToModel: c.fallback}
			model = c.fallback
			stream, err = c.openStream(ctx, c.fallback, systemPrompt, userPrompt, cfg)
			if err != nil {
				out <- Event{Kind: EventError, Err: fmt.Errorf("llmclient.GenerateContentStream: primary and fallback failed: %w", err)}
				return
			}
		}
		defer stream.Close()

		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				out <- Event{Kind: EventDone, FromModel: model}
				return
			}
			if err != nil {
				out <- Event{Kind: EventError, Err: fmt.Errorf("llmclient.GenerateContentStream: %w", err)}
				return
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			if delta != "" {
				out <- Event{Kind: EventToken, Token: delta, FromModel: model}
			}
			if chunk.Choices[0].FinishReason != "" {
				out <- Event{Kind: EventDone, FromModel: model, FinishReason: string(chunk.Choices[0].FinishReason)}
				return
			}
		}
	}()

	return out
}

func (c *Client) openStream(ctx context.Context, model, systemPrompt, userPrompt string, cfg GenConfig) (*openai.ChatCompletionStream, error) {
	return c.api.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Temperature: cfg.Temperature,
		TopP:        cfg.TopP,
		MaxTokens:   cfg.MaxTokens,
		Stream:      true,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
	})
}

// isRetryable decides whether a primary-model failure warrants a fallback
// attempt (connect error, per-call timeout, 5xx/429) rather than surfacing
// directly. Only the caller's own context being done (disconnect, or the
// whole request's deadline passing) makes a fallback attempt pointless.
func isRetryable(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	return ctx.Err() == nil
}
