package narration

import (
	"strings"

	"github.com/rivo/uniseg"
)

// Chunk is a unit of text handed to speech synthesis.
type Chunk struct {
	CampaignID string `json:"campaign_id"`
	TurnID     string `json:"turn_id"`
	Fragment   int    `json:"fragment"`
	Index      int    `json:"index"`
	Kind       Kind   `json:"kind"`
	Text       string `json:"text"`

	// Last marks the empty chunk that ends a turn.
	Last bool `json:"last,omitempty"`
}

// Sentences splits text at sentence boundaries, merging pieces shorter
// than minRunes into the following sentence so synthesis is not fed
// single words.
func Sentences(text string, minRunes int) []string {
	var (
		out   []string
		carry string
		state = -1
	)
	rest := text
	for len(rest) > 0 {
		var s string
		s, rest, state = uniseg.FirstSentenceInString(rest, state)
		carry += s
		if uniseg.GraphemeClusterCount(strings.TrimSpace(carry)) < minRunes && len(rest) > 0 {
			continue
		}
		if t := strings.TrimSpace(carry); t != "" {
			out = append(out, t)
		}
		carry = ""
	}
	if t := strings.TrimSpace(carry); t != "" {
		out = append(out, t)
	}
	return out
}
