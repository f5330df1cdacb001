package model

import (
	"context"
	"fmt"
	"os"

	"charm.land/fantasy"
	"charm.land/fantasy/providers/anthropic"
	"charm.land/fantasy/providers/openrouter"
)

// FantasyClient completes requests through a Fantasy provider, choosing a
// model per sub-task.
type FantasyClient struct {
	provider fantasy.Provider
	models   map[SubTask]string
	fallback string
	pricing  map[string]Pricing
}

// FantasyConfig configures a FantasyClient.
type FantasyConfig struct {
	// Provider is the Fantasy provider to use.
	Provider fantasy.Provider

	// Model is used for any sub-task without an entry in Models.
	Model string

	// Models overrides the model per sub-task. Narration usually wants a
	// stronger model than classification.
	Models map[SubTask]string

	// Pricing by model id. Unknown models cost nothing.
	Pricing map[string]Pricing
}

// NewFantasyClient creates a client from cfg.
func NewFantasyClient(cfg FantasyConfig) (*FantasyClient, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	return &FantasyClient{
		provider: cfg.Provider,
		models:   cfg.Models,
		fallback: cfg.Model,
		pricing:  cfg.Pricing,
	}, nil
}

// NewAnthropicProvider builds a Fantasy provider for the Anthropic API.
func NewAnthropicProvider(apiKey, baseURL string) (fantasy.Provider, error) {
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("Anthropic API key not provided (set ANTHROPIC_API_KEY)")
	}
	opts := []anthropic.Option{anthropic.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(baseURL))
	}
	provider, err := anthropic.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create Anthropic provider: %w", err)
	}
	return provider, nil
}

// NewOpenRouterProvider builds a Fantasy provider for OpenRouter.
func NewOpenRouterProvider(apiKey string) (fantasy.Provider, error) {
	if apiKey == "" {
		apiKey = os.Getenv("OPENROUTER_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("OpenRouter API key not provided (set OPENROUTER_API_KEY)")
	}
	provider, err := openrouter.New(openrouter.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create OpenRouter provider: %w", err)
	}
	return provider, nil
}

// ModelFor returns the model id used for a sub-task.
func (c *FantasyClient) ModelFor(task SubTask) string {
	if m, ok := c.models[task]; ok && m != "" {
		return m
	}
	return c.fallback
}

// Complete implements Gateway.
func (c *FantasyClient) Complete(ctx context.Context, req Request) (Completion, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 300
	}
	modelID := c.ModelFor(req.SubTask)

	lm, err := c.provider.LanguageModel(ctx, modelID)
	if err != nil {
		return Completion{}, fmt.Errorf("get language model %s: %w", modelID, err)
	}

	prompt := fantasy.Prompt{fantasy.NewUserMessage(req.Prompt)}
	if req.System != "" {
		prompt = fantasy.Prompt{fantasy.NewSystemMessage(req.System), fantasy.NewUserMessage(req.Prompt)}
	}
	maxTokens64 := int64(maxTokens)
	resp, err := lm.Generate(ctx, fantasy.Call{
		Prompt:          prompt,
		MaxOutputTokens: &maxTokens64,
	})
	if err != nil {
		return Completion{}, fmt.Errorf("%s generate: %w", modelID, err)
	}

	text := resp.Content.Text()
	if text == "" {
		return Completion{}, fmt.Errorf("empty response from %s", modelID)
	}

	in, out := resp.Usage.InputTokens, resp.Usage.OutputTokens
	return Completion{
		Text:         text,
		Model:        modelID,
		InputTokens:  in,
		OutputTokens: out,
		Cost:         c.pricing[modelID].Cost(in, out),
	}, nil
}
