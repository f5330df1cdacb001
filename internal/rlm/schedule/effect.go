// Package schedule persists delayed effects and decides when they are due.
//
// An effect moves pending -> archived, or pending -> cancelled. A turn that
// finds an effect due applies it in its own commit, and that commit archives
// the effect only if it is still pending, so an effect fires at most once no
// matter how many turns or ticks evaluate it. An effect whose turn fails to
// commit stays pending and counts the failure.
package schedule

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rand/gamemaster/internal/worldstate"
)

// TriggerKind selects how an effect becomes due.
type TriggerKind string

const (
	// TriggerTurns fires after a number of later campaign turns.
	TriggerTurns TriggerKind = "turns"
	// TriggerTime fires at or after a wall-clock time.
	TriggerTime TriggerKind = "time"
	// TriggerState fires once a predicate over world state holds.
	TriggerState TriggerKind = "state"
)

// Trigger is the condition an effect waits for.
type Trigger struct {
	Kind TriggerKind `json:"kind"`

	// Turns is the number of later turns for TriggerTurns.
	Turns int64 `json:"turns,omitempty"`

	// Delay is relative to scheduling; At wins when both are set.
	Delay time.Duration `json:"delay,omitempty"`
	At    time.Time     `json:"at,omitzero"`

	// Predicate is checked against the entity it names.
	Predicate *worldstate.Guard `json:"predicate,omitempty"`
}

// AfterTurns is due on the n-th campaign turn after the scheduling turn.
func AfterTurns(n int64) Trigger { return Trigger{Kind: TriggerTurns, Turns: n} }

// AfterDelay is due d after scheduling.
func AfterDelay(d time.Duration) Trigger { return Trigger{Kind: TriggerTime, Delay: d} }

// When is due once p holds.
func When(p worldstate.Guard) Trigger { return Trigger{Kind: TriggerState, Predicate: &p} }

// Validate checks the trigger is complete.
func (t Trigger) Validate() error {
	switch t.Kind {
	case TriggerTurns:
		if t.Turns < 1 {
			return fmt.Errorf("turn trigger needs at least 1 turn, got %d", t.Turns)
		}
	case TriggerTime:
		if t.At.IsZero() && t.Delay <= 0 {
			return fmt.Errorf("time trigger needs a delay or a time")
		}
	case TriggerState:
		if t.Predicate == nil || t.Predicate.Ref.IsZero() || t.Predicate.Path == "" {
			return fmt.Errorf("state trigger needs a predicate with ref and path")
		}
	default:
		return fmt.Errorf("unknown trigger kind %q", t.Kind)
	}
	return nil
}

func (t Trigger) String() string {
	switch t.Kind {
	case TriggerTurns:
		return fmt.Sprintf("after %d turns", t.Turns)
	case TriggerTime:
		if !t.At.IsZero() {
			return "at " + t.At.UTC().Format(time.RFC3339)
		}
		return "after " + t.Delay.String()
	case TriggerState:
		if t.Predicate != nil {
			return fmt.Sprintf("when %s.%s", t.Predicate.Ref, t.Predicate.Path)
		}
	}
	return string(t.Kind)
}

// Payload is what happens when an effect fires.
type Payload struct {
	Mutations []worldstate.Mutation `json:"mutations,omitempty"`
	Narration string                `json:"narration"`

	// EventKind names the event appended when the effect is applied.
	// Default: "effect_fired"
	EventKind string `json:"event_kind,omitempty"`
}

// Effect is a consequence deferred to a later turn or time.
type Effect struct {
	ID           string                  `json:"id"`
	CampaignID   string                  `json:"campaign_id"`
	SourceTurnID string                  `json:"source_turn_id"`
	Status       worldstate.EffectStatus `json:"status"`
	Trigger      Trigger                 `json:"trigger"`
	Payload      Payload                 `json:"payload"`

	// ScheduledAtTurn is the campaign turn number that created the effect.
	ScheduledAtTurn int64      `json:"scheduled_at_turn"`
	DueAt           *time.Time `json:"due_at,omitempty"`
	Attempts        int        `json:"attempts"`
	LastError       string     `json:"last_error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Due reports whether the effect should fire during campaign turn
// turnNumber at time now. State predicates are evaluated against snap,
// which must hold the predicate's entity.
func (e Effect) Due(turnNumber int64, now time.Time, snap worldstate.Snapshot) bool {
	if e.Status != worldstate.EffectPending {
		return false
	}
	switch e.Trigger.Kind {
	case TriggerTurns:
		return turnNumber-e.ScheduledAtTurn >= e.Trigger.Turns
	case TriggerTime:
		return e.DueAt != nil && !now.Before(*e.DueAt)
	case TriggerState:
		p := e.Trigger.Predicate
		if p == nil {
			return false
		}
		ent, ok := snap.Entity(p.Ref)
		if !ok {
			return false
		}
		return p.Holds(ent.Attrs)
	}
	return false
}

func (e Effect) record() (worldstate.EffectRecord, error) {
	trigger, err := json.Marshal(e.Trigger)
	if err != nil {
		return worldstate.EffectRecord{}, fmt.Errorf("encode trigger: %w", err)
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return worldstate.EffectRecord{}, fmt.Errorf("encode payload: %w", err)
	}
	return worldstate.EffectRecord{
		ID:              e.ID,
		CampaignID:      e.CampaignID,
		SourceTurnID:    e.SourceTurnID,
		Status:          e.Status,
		Trigger:         trigger,
		Payload:         payload,
		ScheduledAtTurn: e.ScheduledAtTurn,
		DueAt:           e.DueAt,
	}, nil
}

func fromRecord(rec worldstate.EffectRecord) (Effect, error) {
	e := Effect{
		ID:              rec.ID,
		CampaignID:      rec.CampaignID,
		SourceTurnID:    rec.SourceTurnID,
		Status:          rec.Status,
		ScheduledAtTurn: rec.ScheduledAtTurn,
		DueAt:           rec.DueAt,
		Attempts:        rec.Attempts,
		LastError:       rec.LastError,
		CreatedAt:       rec.CreatedAt,
	}
	if err := json.Unmarshal(rec.Trigger, &e.Trigger); err != nil {
		return Effect{}, fmt.Errorf("decode trigger of %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal(rec.Payload, &e.Payload); err != nil {
		return Effect{}, fmt.Errorf("decode payload of %s: %w", rec.ID, err)
	}
	return e, nil
}
