// Package budget enforces per-turn recursion and resource ceilings.
//
// A Budget belongs to exactly one turn. It is created when the turn is
// accepted, charged by the controller as work is planned and resolved, and
// dropped when the turn returns. It is never persisted or shared between
// goroutines, so it carries no lock.
package budget

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// Usage counts what a turn has consumed.
type Usage struct {
	Depth        int     `json:"depth"`
	ModelCalls   int     `json:"model_calls"`
	Retrievals   int     `json:"retrievals"`
	Reads        int     `json:"state_reads"`
	Writes       int     `json:"state_writes"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// Tokens returns input plus output tokens.
func (u Usage) Tokens() int64 {
	return u.InputTokens + u.OutputTokens
}

// Budget tracks one turn's usage against a Policy.
type Budget struct {
	policy  Policy
	used    Usage
	started time.Time
	now     func() time.Time
}

// New creates a Budget for a turn starting now.
func New(p Policy) *Budget {
	return NewAt(p, time.Now)
}

// NewAt creates a Budget that reads time from now. Tests use it to drive
// soft deadlines without sleeping.
func NewAt(p Policy, now func() time.Time) *Budget {
	return &Budget{
		policy:  p,
		started: now(),
		now:     now,
	}
}

// Policy returns the limits this budget enforces.
func (b *Budget) Policy() Policy {
	return b.policy
}

// Used returns a copy of the current usage.
func (b *Budget) Used() Usage {
	return b.used
}

// Started returns when the turn was accepted.
func (b *Budget) Started() time.Time {
	return b.started
}

// Remaining returns how much of each count limit is left. Token and cost
// fields are -1 when the policy leaves them unbounded.
func (b *Budget) Remaining() Usage {
	r := Usage{
		Depth:        max(b.policy.MaxDepth-b.used.Depth, 0),
		ModelCalls:   max(b.policy.MaxModelCalls-b.used.ModelCalls, 0),
		Retrievals:   max(b.policy.MaxRetrievals-b.used.Retrievals, 0),
		Reads:        max(b.policy.MaxReads-b.used.Reads, 0),
		Writes:       max(b.policy.MaxWrites-b.used.Writes, 0),
		InputTokens:  -1,
		OutputTokens: -1,
		Cost:         -1,
	}
	if b.policy.MaxTokens > 0 {
		r.InputTokens = max(b.policy.MaxTokens-b.used.Tokens(), 0)
		r.OutputTokens = r.InputTokens
	}
	if b.policy.MaxCost > 0 {
		r.Cost = max(b.policy.MaxCost-b.used.Cost, 0)
	}
	return r
}

// EnterDepth records that the turn is starting work at depth d.
func (b *Budget) EnterDepth(d int) error {
	if d > b.policy.MaxDepth {
		return b.violation(ResourceDepth, d, b.policy.MaxDepth)
	}
	if d > b.used.Depth {
		b.used.Depth = d
	}
	return nil
}

// ReserveReads claims n world state reads.
func (b *Budget) ReserveReads(n int) error {
	if b.used.Reads+n > b.policy.MaxReads {
		return b.violation(ResourceReads, b.used.Reads+n, b.policy.MaxReads)
	}
	b.used.Reads += n
	return nil
}

// ReserveWrites claims n mutations for the turn's single commit.
func (b *Budget) ReserveWrites(n int) error {
	if b.used.Writes+n > b.policy.MaxWrites {
		return b.violation(ResourceWrites, b.used.Writes+n, b.policy.MaxWrites)
	}
	b.used.Writes += n
	return nil
}

// ReserveRetrieval claims one knowledge retrieval.
func (b *Budget) ReserveRetrieval() error {
	if b.used.Retrievals+1 > b.policy.MaxRetrievals {
		return b.violation(ResourceRetrievals, b.used.Retrievals+1, b.policy.MaxRetrievals)
	}
	b.used.Retrievals++
	return nil
}

// ReserveModelCall claims one model call sending about promptTokens and
// answering with up to maxTokens. The call is refused when the remaining
// token or cost allowance could not cover both. Actual usage is charged
// later by RecordTokens; Check reports a prompt that outgrew its estimate.
func (b *Budget) ReserveModelCall(promptTokens, maxTokens int) error {
	if b.used.ModelCalls+1 > b.policy.MaxModelCalls {
		return b.violation(ResourceModelCalls, b.used.ModelCalls+1, b.policy.MaxModelCalls)
	}
	need := int64(promptTokens + maxTokens)
	if b.policy.MaxTokens > 0 && b.used.Tokens()+need > b.policy.MaxTokens {
		return Violation{
			Metric:  ResourceTokens,
			Current: float64(b.used.Tokens() + need),
			Limit:   float64(b.policy.MaxTokens),
			Message: fmt.Sprintf("Token limit would be exceeded: %d+%d+%d/%d", b.used.Tokens(), promptTokens, maxTokens, b.policy.MaxTokens),
		}
	}
	if b.policy.MaxCost > 0 && b.used.Cost >= b.policy.MaxCost {
		return Violation{
			Metric:  ResourceCost,
			Current: b.used.Cost,
			Limit:   b.policy.MaxCost,
			Message: fmt.Sprintf("Cost limit reached: $%.4f/$%.4f", b.used.Cost, b.policy.MaxCost),
		}
	}
	b.used.ModelCalls++
	return nil
}

// EstimateTokens approximates the prompt tokens of text at four characters
// per token, rounded up.
func EstimateTokens(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

// RecordTokens charges the actual usage reported by a completed model call.
func (b *Budget) RecordTokens(input, output int64, cost float64) {
	b.used.InputTokens += input
	b.used.OutputTokens += output
	b.used.Cost += cost
}

// Check returns the policy violations for the current usage.
func (b *Budget) Check() []Violation {
	return b.policy.Check(b.used)
}

// PastSoftDeadline reports whether new background depths should be skipped.
func (b *Budget) PastSoftDeadline() bool {
	d := b.policy.SoftDeadline()
	if d == 0 {
		return false
	}
	return b.now().Sub(b.started) >= d
}

// Report summarizes the budget for logs and operator output.
func (b *Budget) Report() Report {
	return Report{Policy: b.policy, Used: b.used, Elapsed: b.now().Sub(b.started)}
}

func (b *Budget) violation(metric Resource, current, limit int) Violation {
	return Violation{
		Metric:  metric,
		Current: float64(current),
		Limit:   float64(limit),
		Message: fmt.Sprintf("%s limit reached: %d/%d", metric, current, limit),
	}
}
