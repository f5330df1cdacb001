// Package model is the language model boundary. The turn loop uses models
// for three narrow jobs: classifying a short utterance, resolving which
// entity an ambiguous phrase means, and writing narration prose. Models
// never decide state changes.
package model

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when a completion failed, timed out, was
// rejected by a circuit breaker, or returned nothing usable.
var ErrUnavailable = errors.New("model unavailable")

// SubTask names the job a completion serves.
type SubTask string

const (
	SubTaskIntentClassify   SubTask = "intent-classify"
	SubTaskResolveAmbiguity SubTask = "plan-ambiguity-resolve"
	SubTaskNarrate          SubTask = "narrate"
)

// SubTasks lists every sub-task.
var SubTasks = []SubTask{SubTaskIntentClassify, SubTaskResolveAmbiguity, SubTaskNarrate}

// Request is one bounded completion.
type Request struct {
	SubTask   SubTask
	System    string
	Prompt    string
	MaxTokens int
}

// Completion is the model's answer and what it cost.
type Completion struct {
	Text         string  `json:"text"`
	Model        string  `json:"model"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// Gateway completes requests.
type Gateway interface {
	Complete(ctx context.Context, req Request) (Completion, error)
}

// Pricing is the cost of a model in USD per million tokens.
type Pricing struct {
	InputPerMillion  float64 `yaml:"input_per_million" json:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million" json:"output_per_million"`
}

// Cost returns the USD cost of a call.
func (p Pricing) Cost(input, output int64) float64 {
	return float64(input)*p.InputPerMillion/1e6 + float64(output)*p.OutputPerMillion/1e6
}

// Disabled is the gateway used when no provider is configured. Every call
// fails, so the resolver falls back to templated narration.
type Disabled struct{}

// Complete always returns ErrUnavailable.
func (Disabled) Complete(context.Context, Request) (Completion, error) {
	return Completion{}, ErrUnavailable
}
