package budget

import (
	"fmt"
	"strings"
	"time"
)

// Report is a point-in-time view of a turn's budget.
type Report struct {
	Policy  Policy        `json:"policy"`
	Used    Usage         `json:"used"`
	Elapsed time.Duration `json:"elapsed"`
}

// Summary returns a brief one-line summary.
func (r Report) Summary() string {
	return fmt.Sprintf("Depth: %d/%d | Calls: %d/%d | Retrievals: %d/%d | Reads: %d/%d | Writes: %d/%d",
		r.Used.Depth, r.Policy.MaxDepth,
		r.Used.ModelCalls, r.Policy.MaxModelCalls,
		r.Used.Retrievals, r.Policy.MaxRetrievals,
		r.Used.Reads, r.Policy.MaxReads,
		r.Used.Writes, r.Policy.MaxWrites,
	)
}

// Detailed returns a multi-line report including tokens, cost and latency.
func (r Report) Detailed() string {
	var sb strings.Builder

	sb.WriteString("=== Turn Budget ===\n")
	sb.WriteString(r.Summary())
	sb.WriteString("\n")

	if r.Policy.MaxTokens > 0 {
		sb.WriteString(fmt.Sprintf("Tokens: %d/%d (in %d, out %d)\n",
			r.Used.Tokens(), r.Policy.MaxTokens, r.Used.InputTokens, r.Used.OutputTokens))
	} else {
		sb.WriteString(fmt.Sprintf("Tokens: %d (in %d, out %d)\n",
			r.Used.Tokens(), r.Used.InputTokens, r.Used.OutputTokens))
	}

	if r.Policy.MaxCost > 0 {
		sb.WriteString(fmt.Sprintf("Cost: $%.4f/$%.4f\n", r.Used.Cost, r.Policy.MaxCost))
	} else {
		sb.WriteString(fmt.Sprintf("Cost: $%.4f\n", r.Used.Cost))
	}

	sb.WriteString(fmt.Sprintf("Elapsed: %s (target %s)\n",
		r.Elapsed.Round(time.Millisecond), r.Policy.LatencyTarget))

	return sb.String()
}
