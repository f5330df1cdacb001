package model

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// OpenAIClient completes requests with the OpenAI chat completions API or
// any compatible endpoint.
type OpenAIClient struct {
	client   openai.Client
	models   map[SubTask]string
	fallback string
	pricing  map[string]Pricing
}

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	APIKey  string // or set OPENAI_API_KEY
	BaseURL string
	Model   string
	Models  map[SubTask]string
	Pricing map[string]Pricing
}

// NewOpenAIClient creates a client from cfg.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key not provided (set OPENAI_API_KEY)")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(&http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIClient{
		client:   openai.NewClient(opts...),
		models:   cfg.Models,
		fallback: cfg.Model,
		pricing:  cfg.Pricing,
	}, nil
}

// Complete implements Gateway.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (Completion, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 300
	}
	modelID := c.fallback
	if m, ok := c.models[req.SubTask]; ok && m != "" {
		modelID = m
	}

	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(modelID),
		Messages:            messages,
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
	})
	if err != nil {
		return Completion{}, fmt.Errorf("%s chat completion: %w", modelID, err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return Completion{}, fmt.Errorf("empty response from %s", modelID)
	}

	in, out := resp.Usage.PromptTokens, resp.Usage.CompletionTokens
	return Completion{
		Text:         resp.Choices[0].Message.Content,
		Model:        modelID,
		InputTokens:  in,
		OutputTokens: out,
		Cost:         c.pricing[modelID].Cost(in, out),
	}, nil
}
