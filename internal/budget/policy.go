package budget

import (
	"errors"
	"fmt"
	"time"
)

// ErrExceeded is wrapped by every Violation so callers can match with errors.Is.
var ErrExceeded = errors.New("budget exceeded")

// Resource names a per-turn counter governed by a Policy.
type Resource string

const (
	ResourceDepth      Resource = "depth"
	ResourceModelCalls Resource = "model_calls"
	ResourceRetrievals Resource = "retrievals"
	ResourceReads      Resource = "state_reads"
	ResourceWrites     Resource = "state_writes"
	ResourceTokens     Resource = "tokens"
	ResourceCost       Resource = "cost"
)

// Policy defines the per-turn ceilings applied to every turn of a campaign.
//
// Count limits are hard: zero means none allowed. Token and cost ceilings
// are disabled when zero.
type Policy struct {
	// MaxDepth is the deepest recursion level a turn may reach. Depth 0 is
	// the player's own utterance.
	MaxDepth int `json:"max_depth" yaml:"max_depth" env:"GM_BUDGET_MAX_DEPTH"`

	MaxModelCalls int `json:"max_llm_calls_per_turn" yaml:"max_llm_calls_per_turn" env:"GM_BUDGET_MAX_LLM_CALLS"`
	MaxRetrievals int `json:"max_retrievals_per_turn" yaml:"max_retrievals_per_turn" env:"GM_BUDGET_MAX_RETRIEVALS"`
	MaxReads      int `json:"max_state_reads_per_turn" yaml:"max_state_reads_per_turn" env:"GM_BUDGET_MAX_READS"`
	MaxWrites     int `json:"max_state_writes_per_turn" yaml:"max_state_writes_per_turn" env:"GM_BUDGET_MAX_WRITES"`

	MaxTokens int64   `json:"max_tokens_per_turn" yaml:"max_tokens_per_turn" env:"GM_BUDGET_MAX_TOKENS"`
	MaxCost   float64 `json:"max_cost_per_turn" yaml:"max_cost_per_turn" env:"GM_BUDGET_MAX_COST"`

	// LatencyTarget is the time budget for the first audible fragment.
	LatencyTarget time.Duration `json:"latency_target" yaml:"latency_target" env:"GM_BUDGET_LATENCY_TARGET"`

	// SoftDeadlineFactor multiplies LatencyTarget to bound background
	// recursion. Depths that would start after the soft deadline are skipped.
	SoftDeadlineFactor float64 `json:"soft_deadline_factor" yaml:"soft_deadline_factor" env:"GM_BUDGET_SOFT_DEADLINE_FACTOR"`
}

// DefaultPolicy returns the limits used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxDepth:           2,
		MaxModelCalls:      3,
		MaxRetrievals:      2,
		MaxReads:           20,
		MaxWrites:          20,
		MaxTokens:          6000,
		MaxCost:            0.05,
		LatencyTarget:      1500 * time.Millisecond,
		SoftDeadlineFactor: 4,
	}
}

// Validate reports configuration that cannot fund even a depth-0 pass.
func (p Policy) Validate() error {
	if p.MaxDepth < 0 {
		return fmt.Errorf("max_depth must be >= 0, got %d", p.MaxDepth)
	}
	for name, v := range map[string]int{
		"max_llm_calls_per_turn":    p.MaxModelCalls,
		"max_retrievals_per_turn":   p.MaxRetrievals,
		"max_state_reads_per_turn":  p.MaxReads,
		"max_state_writes_per_turn": p.MaxWrites,
	} {
		if v < 0 {
			return fmt.Errorf("%s must be >= 0, got %d", name, v)
		}
	}
	if p.MaxTokens < 0 || p.MaxCost < 0 {
		return fmt.Errorf("token and cost ceilings must be >= 0")
	}
	if p.SoftDeadlineFactor < 0 {
		return fmt.Errorf("soft_deadline_factor must be >= 0, got %v", p.SoftDeadlineFactor)
	}
	return nil
}

// SoftDeadline returns how long background recursion may keep starting new
// depths. Zero disables the deadline.
func (p Policy) SoftDeadline() time.Duration {
	if p.LatencyTarget <= 0 || p.SoftDeadlineFactor <= 0 {
		return 0
	}
	return time.Duration(float64(p.LatencyTarget) * p.SoftDeadlineFactor)
}

// Violation describes a reservation that a Policy refused.
type Violation struct {
	Metric  Resource `json:"metric"`
	Current float64  `json:"current"`
	Limit   float64  `json:"limit"`
	Message string   `json:"message"`
}

func (v Violation) Error() string {
	return v.Message
}

func (v Violation) Unwrap() error {
	return ErrExceeded
}

// Check evaluates usage against the policy and returns every ceiling that
// has been passed. A Budget that only grows through its Reserve methods
// never produces violations for count metrics.
func (p Policy) Check(u Usage) []Violation {
	var violations []Violation

	counts := []struct {
		metric Resource
		used   int
		limit  int
	}{
		{ResourceDepth, u.Depth, p.MaxDepth},
		{ResourceModelCalls, u.ModelCalls, p.MaxModelCalls},
		{ResourceRetrievals, u.Retrievals, p.MaxRetrievals},
		{ResourceReads, u.Reads, p.MaxReads},
		{ResourceWrites, u.Writes, p.MaxWrites},
	}
	for _, c := range counts {
		if c.used > c.limit {
			violations = append(violations, Violation{
				Metric:  c.metric,
				Current: float64(c.used),
				Limit:   float64(c.limit),
				Message: fmt.Sprintf("%s limit exceeded: %d/%d", c.metric, c.used, c.limit),
			})
		}
	}

	if p.MaxTokens > 0 && u.Tokens() > p.MaxTokens {
		violations = append(violations, Violation{
			Metric:  ResourceTokens,
			Current: float64(u.Tokens()),
			Limit:   float64(p.MaxTokens),
			Message: fmt.Sprintf("Token limit exceeded: %d/%d", u.Tokens(), p.MaxTokens),
		})
	}

	if p.MaxCost > 0 && u.Cost > p.MaxCost {
		violations = append(violations, Violation{
			Metric:  ResourceCost,
			Current: u.Cost,
			Limit:   p.MaxCost,
			Message: fmt.Sprintf("Cost limit exceeded: $%.4f/$%.4f", u.Cost, p.MaxCost),
		})
	}

	return violations
}
