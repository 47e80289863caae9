package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/genai"

	apperrors "medbench/pkg/errors"
)

// GeminiClient calls the Gemini API with a JSON response type.
type GeminiClient struct {
	client *genai.Client
}

// NewGeminiClient creates a Gemini client.  baseURL overrides the endpoint
// when non-empty.
func NewGeminiClient(ctx context.Context, apiKey, baseURL string) (*GeminiClient, error) {
	cc := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiClient{client: client}, nil
}

func (c *GeminiClient) Provider() string { return "gemini" }

// Generate sends the user prompt with the system message as instruction.
func (c *GeminiClient) Generate(ctx context.Context, req Request) (*Response, error) {
	gc := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(req.System, genai.RoleUser),
		Temperature:       genai.Ptr(req.Temperature),
		MaxOutputTokens:   int32(req.MaxOutputTokens),
		ResponseMIMEType:  "application/json",
	}
	if req.Seed != nil {
		gc.Seed = genai.Ptr(int32(*req.Seed))
	}

	result, err := c.client.Models.GenerateContent(ctx, req.Model,
		[]*genai.Content{genai.NewContentFromText(req.User, genai.RoleUser)}, gc)
	if err != nil {
		return nil, apperrors.NewTransportError("gemini: generate content failed", err)
	}

	raw, _ := json.Marshal(result)
	out := &Response{
		Raw:   raw,
		Model: result.ModelVersion,
		ID:    result.ResponseID,
	}
	if u := result.UsageMetadata; u != nil {
		out.InputTokens = int(u.PromptTokenCount)
		out.OutputTokens = int(u.CandidatesTokenCount)
	}
	if len(result.Candidates) == 0 {
		return out, malformed("gemini", "no candidates")
	}
	out.FinishReason = string(result.Candidates[0].FinishReason)
	text := result.Text()
	if text == "" {
		return out, malformed("gemini", "empty candidate text")
	}
	out.Text = text
	return out, nil
}
