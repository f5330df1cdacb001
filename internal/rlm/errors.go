package rlm

import (
	"errors"
	"fmt"

	"github.com/rand/gamemaster/internal/budget"
	"github.com/rand/gamemaster/internal/knowledge"
	"github.com/rand/gamemaster/internal/model"
	"github.com/rand/gamemaster/internal/worldstate"
)

// Errors a turn can run into. Only ErrTurnAborted reaches the caller of
// HandleTurn; the others are absorbed into degraded narration.
var (
	ErrBudgetExceeded       = budget.ErrExceeded
	ErrKnowledgeUnavailable = knowledge.ErrUnavailable
	ErrModelUnavailable     = model.ErrUnavailable
	ErrStateConflict        = worldstate.ErrConflict
	ErrTurnAborted          = errors.New("turn aborted")
)

// Player-facing lines used when the turn cannot say anything better.
const (
	AbortLine    = "Something resists your action."
	FallbackLine = "Understood. Describe exactly what you do, and I'll resolve the consequences."
	MaxDepthLine = "Let's keep it simple for now."
)

// AbortError is returned when a turn's commit failed after its retry. The
// player only ever hears AbortLine; Cause is for the operator log.
type AbortError struct {
	TurnID     string
	CampaignID string
	Cause      error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("turn %s aborted: %v", e.TurnID, e.Cause)
}

// Is matches ErrTurnAborted.
func (e *AbortError) Is(target error) bool {
	return target == ErrTurnAborted
}

func (e *AbortError) Unwrap() error {
	return e.Cause
}

// ErrorKind names the taxonomy bucket of err for logs and events.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTurnAborted):
		return "turn_aborted"
	case errors.Is(err, ErrStateConflict):
		return "state_conflict"
	case errors.Is(err, ErrBudgetExceeded):
		return "budget_exceeded"
	case errors.Is(err, ErrModelUnavailable):
		return "model_unavailable"
	case errors.Is(err, ErrKnowledgeUnavailable):
		return "knowledge_unavailable"
	default:
		return "internal"
	}
}
