// Package knowledge retrieves rules, lore and guidance passages for a turn.
//
// Retrieval is read-only from the turn's point of view. Ingestion runs on
// background workers and is never triggered synchronously by a turn.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrUnavailable is returned when retrieval could not complete in time or
// the backend failed. Callers continue without passages.
var ErrUnavailable = errors.New("knowledge unavailable")

// Query is a ranked retrieval request.
type Query struct {
	Text    string  `json:"text"`
	Filters Filters `json:"filters"`
	TopK    int     `json:"top_k"`
}

// Filters narrow the candidate set before ranking.
type Filters struct {
	// CampaignID adds campaign-scoped memory to the global corpus.
	CampaignID string `json:"campaign_id,omitempty"`

	Ruleset    string      `json:"ruleset,omitempty"`
	DocKind    string      `json:"doc_kind,omitempty"`
	ChunkTypes []ChunkType `json:"chunk_types,omitempty"`

	// DocIDs are doublestar globs matched against document ids.
	DocIDs []string `json:"doc_ids,omitempty"`
}

// Passage is a ranked chunk of source text.
type Passage struct {
	ID        string    `json:"id"`
	DocID     string    `json:"doc_id"`
	Seq       int       `json:"seq"`
	ChunkType ChunkType `json:"chunk_type"`
	Text      string    `json:"text"`
	Score     float64   `json:"score"`
}

// Source returns a short citation header for prompts and debug output.
func (p Passage) Source() string {
	return fmt.Sprintf("[%s #%d %s]", p.DocID, p.Seq, p.ChunkType)
}

// Gateway is the retrieval boundary used by the resolver.
type Gateway interface {
	Retrieve(ctx context.Context, q Query) ([]Passage, error)
}

// Null is the gateway used when knowledge is disabled.
type Null struct{}

// Retrieve always returns no passages.
func (Null) Retrieve(context.Context, Query) ([]Passage, error) {
	return nil, nil
}

// Routed sends guidance questions to a separate corpus.
type Routed struct {
	Game     Gateway
	Guidance Gateway
}

// Retrieve implements Gateway.
func (r Routed) Retrieve(ctx context.Context, q Query) ([]Passage, error) {
	if r.Guidance != nil && IsGuidanceKind(q.Filters.DocKind) {
		return r.Guidance.Retrieve(ctx, q)
	}
	if r.Game == nil {
		return nil, nil
	}
	return r.Game.Retrieve(ctx, q)
}

// Timeout bounds every retrieval of the wrapped gateway. Failures and
// deadline overruns are reported as ErrUnavailable.
type Timeout struct {
	Gateway Gateway
	Limit   time.Duration
	Logger  *slog.Logger
}

// Retrieve implements Gateway.
func (t Timeout) Retrieve(ctx context.Context, q Query) ([]Passage, error) {
	if t.Limit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Limit)
		defer cancel()
	}

	passages, err := t.Gateway.Retrieve(ctx, q)
	if err != nil {
		logger := t.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("knowledge retrieval failed", "error", err, "query", q.Text)
		if errors.Is(err, ErrUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return passages, nil
}
