package rlm

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rand/gamemaster/internal/worldstate"
)

// Turn is one finalized player utterance.
type Turn struct {
	ID         string    `json:"id"`
	CampaignID string    `json:"campaign_id"`
	SessionID  string    `json:"session_id"`
	PlayerID   string    `json:"player_id"`
	Text       string    `json:"text"`
	Language   string    `json:"language,omitempty"`
	At         time.Time `json:"at"`

	// World marks a synthetic turn started by the scheduler. It has no
	// player text and does not advance the campaign turn counter.
	World bool `json:"world,omitempty"`
}

// NewTurn creates a player turn with a fresh id.
func NewTurn(campaignID, sessionID, playerID, text, language string) Turn {
	return Turn{
		ID:         uuid.NewString(),
		CampaignID: campaignID,
		SessionID:  sessionID,
		PlayerID:   playerID,
		Text:       text,
		Language:   language,
		At:         time.Now(),
	}
}

// Validate checks the fields the controller relies on.
func (t Turn) Validate() error {
	if t.CampaignID == "" {
		return fmt.Errorf("turn has no campaign id")
	}
	if t.World {
		return nil
	}
	if t.PlayerID == "" {
		return fmt.Errorf("turn has no player id")
	}
	return nil
}

// Actor is the player entity speaking this turn.
func (t Turn) Actor() worldstate.Ref {
	if t.World || t.PlayerID == "" {
		return worldstate.Ref{}
	}
	return worldstate.Ref{Kind: worldstate.KindPlayer, ID: t.PlayerID}
}
