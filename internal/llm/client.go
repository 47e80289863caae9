package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"medbench/internal/config"
	apperrors "medbench/pkg/errors"
)

// Request is a single system + user prompt sent to a model.
type Request struct {
	System          string
	User            string
	Model           string
	MaxOutputTokens int
	Temperature     float32
	Seed            *int
}

// Response is the model's reply.  Raw holds the provider envelope as
// returned, for the attempt log.
type Response struct {
	Text         string
	Raw          json.RawMessage
	Model        string
	ID           string
	FinishReason string
	InputTokens  int
	OutputTokens int
}

// Client generates one completion per call.  Implementations return a
// TRANSPORT error for failed calls and malformed envelopes.  For a malformed
// envelope the Response is returned too, with Raw set and Text empty.
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
	Provider() string
}

// malformed reports an envelope without usable text.
func malformed(provider, reason string) error {
	return apperrors.NewTransportError(fmt.Sprintf("%s: malformed envelope: %s", provider, reason), nil)
}

// New builds the client for cfg.Provider.  The credential is read from the
// environment variable named by cfg.KeyEnv(); a missing credential is a
// precondition failure.
func New(ctx context.Context, cfg config.ModelConfig) (Client, error) {
	return NewWithLookup(ctx, cfg, os.Getenv)
}

// NewWithLookup is New with an injectable environment lookup.
func NewWithLookup(ctx context.Context, cfg config.ModelConfig, getenv func(string) string) (Client, error) {
	env := cfg.KeyEnv()
	key := getenv(env)
	if key == "" {
		return nil, apperrors.NewPreconditionError(fmt.Sprintf("environment variable %s is not set", env))
	}
	switch cfg.Provider {
	case "openai":
		return NewOpenAIClient(key, cfg.BaseURL), nil
	case "gemini":
		return NewGeminiClient(ctx, key, cfg.BaseURL)
	default:
		return nil, apperrors.NewConfigError(fmt.Sprintf("unknown model provider %q", cfg.Provider))
	}
}
