package provider

import (
	"context"
	"errors"

	"github.com/studiora/mentorcore/config"
	openai_provider "github.com/studiora/mentorcore/provider/openai"
)

// Provider is the opaque text-completion capability consumed by the chat
// pipeline. Which model family sits behind it is a configuration detail.
type Provider interface {
	// Completion returns the assistant reply for a system/user prompt pair.
	Completion(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	// Summarize condenses conversation text for memory compaction.
	Summarize(ctx context.Context, text string) (string, error)
}

// NewProvider creates the configured completion client.
func NewProvider(cfg config.LLMConfig) (Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm.api_key not set")
	}
	return openai_provider.NewClient(
		cfg.APIKey,
		cfg.BaseURL,
		cfg.Model,
		cfg.Temperature,
		cfg.MaxTokens,
		cfg.Timeout,
	), nil
}
