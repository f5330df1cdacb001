// Package voice is the websocket boundary to the speech front end. It
// accepts finalized utterances from speech-to-text and streams narration
// chunks back for synthesis.
package voice

import (
	"encoding/json"
	"fmt"

	"github.com/rand/gamemaster/internal/narration"
)

// Message types.
const (
	TypeHello     = "hello"
	TypeUtterance = "utterance"
	TypeInterrupt = "interrupt"

	TypeWelcome = "welcome"
	TypeChunk   = "chunk"
	TypeError   = "error"
)

// Message is the single envelope used in both directions.
type Message struct {
	Type string `json:"type"`

	// Hello.
	CampaignID   string `json:"campaign_id,omitempty"`
	CampaignName string `json:"campaign_name,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	PlayerID     string `json:"player_id,omitempty"`
	PlayerName   string `json:"player_name,omitempty"`

	// Utterance. Partial transcripts are ignored; only final ones start
	// a turn.
	Text     string `json:"text,omitempty"`
	Language string `json:"language,omitempty"`
	Partial  bool   `json:"partial,omitempty"`

	// Server to client.
	TurnID string           `json:"turn_id,omitempty"`
	Chunk  *narration.Chunk `json:"chunk,omitempty"`
	Error  string           `json:"error,omitempty"`
}

func decode(raw []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("decode message: %w", err)
	}
	if m.Type == "" {
		return m, fmt.Errorf("message has no type")
	}
	return m, nil
}
