package llm

import (
	"context"
	"encoding/json"
	"errors"

	openai "github.com/sashabaranov/go-openai"

	apperrors "medbench/pkg/errors"
)

// OpenAIClient calls the OpenAI chat completion API in JSON mode.
type OpenAIClient struct {
	client *openai.Client
}

// NewOpenAIClient constructs an OpenAI-backed client.  baseURL overrides the
// API endpoint when non-empty.
func NewOpenAIClient(apiKey, baseURL string) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg)}
}

func (c *OpenAIClient) Provider() string { return "openai" }

// Generate sends the system and user messages and returns the first choice.
func (c *OpenAIClient) Generate(ctx context.Context, req Request) (*Response, error) {
	if c.client == nil {
		return nil, errors.New("openai client not initialized")
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: req.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.User},
		},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxOutputTokens,
		Seed:        req.Seed,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, apperrors.NewTransportError("openai: chat completion failed", err)
	}

	raw, _ := json.Marshal(resp)
	out := &Response{
		Raw:          raw,
		Model:        resp.Model,
		ID:           resp.ID,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	if len(resp.Choices) == 0 {
		return out, malformed("openai", "no choices")
	}
	choice := resp.Choices[0]
	out.FinishReason = string(choice.FinishReason)
	if choice.Message.Content == "" {
		return out, malformed("openai", "empty message content")
	}
	out.Text = choice.Message.Content
	return out, nil
}
