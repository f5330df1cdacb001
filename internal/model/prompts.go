package model

import (
	"fmt"
	"strings"

	"github.com/MakeNowJust/heredoc"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// Prompts are the system prompts for each sub-task.
type Prompts struct {
	IntentClassify   string `yaml:"intent_classify_system" json:"intent_classify_system"`
	ResolveAmbiguity string `yaml:"resolve_ambiguity_system" json:"resolve_ambiguity_system"`
	Narrate          string `yaml:"narrate_system" json:"narrate_system"`

	// MemoryTurns is how many past interactions the narrate prompt
	// includes. Zero disables memory.
	MemoryTurns int `yaml:"memory_turns" json:"memory_turns" env:"GM_PROMPTS_MEMORY_TURNS"`

	// LanguageMode is "player" to answer in the turn's language or
	// "locale" to always answer in Locale.
	LanguageMode string `yaml:"response_language_mode" json:"response_language_mode" env:"GM_RESPONSE_LANGUAGE_MODE"`
	Locale       string `yaml:"locale" json:"locale" env:"GM_LOCALE"`
}

// Intent labels the classifier may return.
var IntentLabels = []string{"action", "question", "dialogue", "explore", "social", "rules", "meta"}

// DefaultPrompts returns the built-in prompts.
func DefaultPrompts() Prompts {
	return Prompts{
		IntentClassify: heredoc.Docf(`
			Classify the player's utterance into one label only: %s.
			Output only the label.
		`, strings.Join(IntentLabels, ", ")),
		ResolveAmbiguity: heredoc.Doc(`
			You help a tabletop Game Master decide which thing in the scene a
			player is talking about. You are given the player's words and a
			list of candidate refs with their names. Pick the single most
			likely candidate, or none.
		`),
		Narrate: heredoc.Doc(`
			You are a tabletop RPG Game Master. The outcome of the player's
			action has already been decided and is given to you as facts.
			Narrate it in 1-3 short sentences, concrete and playable. Never
			change or add outcomes, items or state. Do not output JSON.
		`),
		MemoryTurns:  12,
		LanguageMode: "player",
		Locale:       "en-US",
	}
}

// LanguagePolicy returns the language instruction for a turn whose
// detected language is detected.
func (p Prompts) LanguagePolicy(detected string) string {
	if strings.EqualFold(p.LanguageMode, "locale") {
		locale := p.Locale
		if locale == "" {
			locale = detected
		}
		if locale == "" {
			locale = "en-US"
		}
		return fmt.Sprintf("Reply ONLY in locale/language %s. Do not switch languages even if the player speaks another language.", describeTag(locale))
	}
	if detected != "" {
		return fmt.Sprintf("Reply ONLY in the player's language (%s). Never translate to English unless the player spoke English.", describeTag(detected))
	}
	return "Reply ONLY in the same language as the player's latest utterance."
}

// describeTag canonicalizes a BCP 47 tag and prefixes its English name,
// e.g. "de-de" becomes "German, de-DE". Unparseable tags pass through.
func describeTag(tag string) string {
	t, err := language.Parse(tag)
	if err != nil {
		return tag
	}
	base, _ := t.Base()
	name := display.English.Languages().Name(base)
	if name == "" {
		return t.String()
	}
	return name + ", " + t.String()
}

// NarrateSystem returns the narrate system prompt with the language and
// knowledge policies appended.
func (p Prompts) NarrateSystem(detected string, withSnippets bool) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(p.Narrate))
	b.WriteString("\n\nLanguage policy: ")
	b.WriteString(p.LanguagePolicy(detected))
	if withSnippets {
		b.WriteString("\n\nKnowledge policy: Use the provided knowledge snippets as the source of truth for rules and lore. When applying a rule, cite the snippet header briefly.")
	}
	return b.String()
}

// NarrateInput is everything the narrate prompt shows the model.
type NarrateInput struct {
	PlayerText string
	Language   string
	Outcome    []string
	Memory     []string
	Snippets   []Snippet
}

// Snippet is a knowledge passage with its citation header.
type Snippet struct {
	Source string
	Text   string
}

// NarrateUser renders the narrate user prompt.
func NarrateUser(in NarrateInput) string {
	lang := in.Language
	if lang == "" {
		lang = "unknown"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Detected player language tag: %s\n\n", lang)
	fmt.Fprintf(&b, "Player: %s\n\n", in.PlayerText)

	b.WriteString("Recent memory:\n")
	if len(in.Memory) == 0 {
		b.WriteString("(empty)\n")
	}
	for _, m := range in.Memory {
		b.WriteString("- " + m + "\n")
	}

	b.WriteString("\nDecided outcome:\n")
	for _, o := range in.Outcome {
		b.WriteString("- " + o + "\n")
	}

	b.WriteString("\nKnowledge snippets:\n")
	if len(in.Snippets) == 0 {
		b.WriteString("(none)\n")
	}
	for _, s := range in.Snippets {
		text := s.Text
		if len(text) > 1200 {
			text = text[:1200]
		}
		fmt.Fprintf(&b, "%s %s\n", s.Source, text)
	}
	return b.String()
}

// ParseIntent normalizes a classifier answer to one of IntentLabels.
func ParseIntent(text string) (string, bool) {
	line := strings.ToLower(strings.TrimSpace(text))
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.Trim(line, " .\"'`*")
	for _, l := range IntentLabels {
		if line == l || strings.HasPrefix(line, l) {
			return l, true
		}
	}
	return "", false
}
