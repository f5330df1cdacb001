package rlm

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rand/gamemaster/internal/knowledge"
)

// Intent is the coarse kind of a player utterance.
type Intent string

const (
	IntentAction   Intent = "action"
	IntentQuestion Intent = "question"
	IntentDialogue Intent = "dialogue"
	IntentExplore  Intent = "explore"
	IntentSocial   Intent = "social"
	IntentRules    Intent = "rules"
	IntentMeta     Intent = "meta"

	// IntentUnknown asks for a model classification.
	IntentUnknown Intent = "unknown"
)

// Verb is an action the world rules know how to resolve.
type Verb string

const (
	VerbNone   Verb = ""
	VerbOpen   Verb = "open"
	VerbTake   Verb = "take"
	VerbAttack Verb = "attack"
	VerbGo     Verb = "go"
	VerbLook   Verb = "look"
	VerbTalk   Verb = "talk"
	VerbUse    Verb = "use"
)

// ShortUtterance is the length below which an utterance without a known
// verb is classified by the model.
const ShortUtterance = 12

// Classification is the deterministic reading of an utterance.
type Classification struct {
	Intent     Intent
	Verb       Verb
	Confidence float64
	Signals    []string
}

// IntentClassifier reads intent and verb from keywords.
type IntentClassifier struct {
	verbs []verbPhrase
	meta  []string
}

type verbPhrase struct {
	phrase string
	verb   Verb
	weight float64
}

// NewIntentClassifier creates a classifier with the default phrase table.
func NewIntentClassifier() *IntentClassifier {
	phrases := map[Verb]map[string]float64{
		VerbOpen:   {"open": 0.95, "unlock": 0.95, "pry open": 0.9, "lift the lid": 0.8},
		VerbTake:   {"take": 0.9, "grab": 0.9, "pick up": 0.9, "steal": 0.85, "pocket": 0.7},
		VerbAttack: {"attack": 0.95, "hit": 0.8, "strike": 0.9, "stab": 0.9, "shoot": 0.85, "punch": 0.85},
		VerbGo:     {"go to": 0.9, "walk to": 0.9, "head to": 0.9, "enter": 0.8, "go": 0.6, "travel to": 0.85},
		VerbLook:   {"look at": 0.9, "examine": 0.9, "inspect": 0.9, "search": 0.8, "look": 0.7},
		VerbTalk:   {"talk to": 0.9, "speak with": 0.9, "speak to": 0.9, "greet": 0.8, "ask": 0.6},
		VerbUse:    {"use": 0.8},
	}

	c := &IntentClassifier{
		meta: []string{"out of character", "ooc", "recap", "pause the game", "save the game", "what can i do"},
	}
	for verb, table := range phrases {
		for phrase, w := range table {
			c.verbs = append(c.verbs, verbPhrase{phrase: phrase, verb: verb, weight: w})
		}
	}
	return c
}

// Classify reads an utterance. Unknown intent means the text is too short
// to tell and carries no known verb.
func (c *IntentClassifier) Classify(text string) Classification {
	norm := normalize(text)
	padded := " " + norm + " "

	for _, m := range c.meta {
		if strings.Contains(padded, " "+m+" ") {
			return Classification{Intent: IntentMeta, Confidence: 0.8, Signals: []string{"meta:" + m}}
		}
	}

	if verb, phrase, w := c.firstVerb(padded); verb != VerbNone {
		return Classification{
			Intent:     intentForVerb(verb),
			Verb:       verb,
			Confidence: w,
			Signals:    []string{"verb:" + phrase},
		}
	}

	switch {
	case knowledge.IsQuestion(text):
		if strings.Contains(padded, " rule") || strings.Contains(padded, " can i ") || strings.Contains(padded, " how does ") {
			return Classification{Intent: IntentRules, Confidence: 0.7, Signals: []string{"question:rules"}}
		}
		return Classification{Intent: IntentQuestion, Confidence: 0.7, Signals: []string{"question"}}
	case strings.ContainsAny(text, "\"“”") || strings.HasPrefix(norm, "i say") || strings.HasPrefix(norm, "i tell"):
		return Classification{Intent: IntentDialogue, Confidence: 0.7, Signals: []string{"speech"}}
	case strings.Contains(padded, " i ") || strings.Contains(padded, " we "):
		return Classification{Intent: IntentAction, Confidence: 0.5, Signals: []string{"first-person"}}
	case utf8.RuneCountInString(strings.TrimSpace(text)) < ShortUtterance:
		return Classification{Intent: IntentUnknown, Signals: []string{"short"}}
	default:
		return Classification{Intent: IntentQuestion, Confidence: 0.4, Signals: []string{"default"}}
	}
}

// firstVerb returns the verb whose phrase appears earliest, preferring the
// longer phrase at the same position.
func (c *IntentClassifier) firstVerb(padded string) (Verb, string, float64) {
	best := verbPhrase{}
	bestPos := -1
	for _, vp := range c.verbs {
		pos := strings.Index(padded, " "+vp.phrase+" ")
		if pos < 0 {
			continue
		}
		if bestPos < 0 || pos < bestPos || (pos == bestPos && len(vp.phrase) > len(best.phrase)) {
			best, bestPos = vp, pos
		}
	}
	return best.verb, best.phrase, best.weight
}

func intentForVerb(v Verb) Intent {
	switch v {
	case VerbLook:
		return IntentExplore
	case VerbTalk:
		return IntentSocial
	default:
		return IntentAction
	}
}

// IntentFromLabel maps a model label to an Intent.
func IntentFromLabel(label string) Intent {
	switch Intent(label) {
	case IntentAction, IntentQuestion, IntentDialogue, IntentExplore, IntentSocial, IntentRules, IntentMeta:
		return Intent(label)
	}
	return IntentUnknown
}

// normalize lowercases text and turns punctuation into spaces, keeping
// apostrophes inside words.
func normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	space := true
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'':
			b.WriteRune(r)
			space = false
		case !space:
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}
