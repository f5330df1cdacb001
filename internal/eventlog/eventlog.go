// Package eventlog writes the operator diagnostics log: one JSON record per
// line, zstd-compressed, in hourly files.
//
// The log is for operators. Player-facing text never carries internal
// failure detail; the full cause of an aborted turn is written here.
package eventlog

import (
	"encoding/json"
	"slices"
	"sync"
	"time"
)

// Record kinds written by the turn controller and the CLI.
const (
	KindTurn            = "turn"
	KindTurnAborted     = "turn_aborted"
	KindEffectScheduled = "effect_scheduled"
	KindEffectFired     = "effect_fired"
	KindEffectFailed    = "effect_failed"
	KindIngest          = "ingest"
)

// Record is one line of the event log.
type Record struct {
	TS         time.Time       `json:"ts"`
	Kind       string          `json:"kind"`
	CampaignID string          `json:"campaign,omitempty"`
	SessionID  string          `json:"session,omitempty"`
	TurnID     string          `json:"turn,omitempty"`
	PlayerID   string          `json:"player,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// New builds a record of kind with payload encoded as JSON. A payload that
// cannot be encoded is replaced by its error text.
func New(kind string, payload any) Record {
	rec := Record{TS: time.Now().UTC(), Kind: kind}
	if payload == nil {
		return rec
	}
	b, err := json.Marshal(payload)
	if err != nil {
		b, _ = json.Marshal(map[string]string{"encode_error": err.Error()})
	}
	rec.Payload = b
	return rec
}

// Recorder accepts event log records.
type Recorder interface {
	Record(rec Record) error
}

// Discard drops every record.
type Discard struct{}

func (Discard) Record(Record) error { return nil }

// Memory keeps records in a slice. Tests use it to inspect what a turn
// logged.
type Memory struct {
	mu      sync.Mutex
	records []Record
}

// NewMemory creates an empty in-memory recorder.
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Record(rec Record) error {
	m.mu.Lock()
	m.records = append(m.records, rec)
	m.mu.Unlock()
	return nil
}

// Records returns a copy of everything recorded, optionally filtered to
// the given kinds.
func (m *Memory) Records(kinds ...string) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		if len(kinds) == 0 || slices.Contains(kinds, r.Kind) {
			out = append(out, r)
		}
	}
	return out
}
