package knowledge

import (
	"strings"
)

// ChunkType categorizes a chunk of source text.
type ChunkType string

const (
	ChunkRules      ChunkType = "rules"
	ChunkLore       ChunkType = "lore"
	ChunkExamples   ChunkType = "examples"
	ChunkTables     ChunkType = "tables"
	ChunkCharacters ChunkType = "characters"
	ChunkLocations  ChunkType = "locations"
	ChunkQuests     ChunkType = "quests"
	ChunkFactions   ChunkType = "factions"
	ChunkItems      ChunkType = "items"
	ChunkMonsters   ChunkType = "monsters"
	ChunkGMAdvice   ChunkType = "gm_advice"
	ChunkStory      ChunkType = "story"
	ChunkMemory     ChunkType = "memory"
	ChunkUnknown    ChunkType = "unknown"
)

// Document kinds accepted by ingestion.
const (
	KindRulebook  = "rulebook"
	KindAdventure = "adventure"
	KindLorebook  = "lorebook"
	KindGMAdvice  = "gm_advice"
	KindMemory    = "session_memory"
	KindOther     = "other"
)

// IsGuidanceKind reports whether a document kind belongs to the guidance
// corpus rather than the game corpus.
func IsGuidanceKind(kind string) bool {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindGMAdvice, "guidance", "guide", "best_practices":
		return true
	}
	return false
}

type keywordFamily struct {
	kind  ChunkType
	words []string
}

// Order matters: ties go to the earlier family.
var chunkFamilies = []keywordFamily{
	{ChunkRules, []string{"rule", "must", "cannot", "check", "dc ", "saving throw", "attack", "damage", "spell", "initiative", "action", "bonus action", "reaction"}},
	{ChunkQuests, []string{"quest", "mission", "objective", "reward", "hook", "encounter", "adventure hook"}},
	{ChunkCharacters, []string{"npc", "character", "background", "personality", "motivation", "trait", "bond", "flaw"}},
	{ChunkLocations, []string{"location", "region", "town", "village", "city", "dungeon", "room", "map", "district"}},
	{ChunkFactions, []string{"faction", "guild", "clan", "cult", "order", "alliance"}},
	{ChunkItems, []string{"item", "weapon", "armor", "potion", "artifact", "gear", "equipment", "treasure"}},
	{ChunkMonsters, []string{"monster", "creature", "beast", "undead", "dragon", "armor class", "hit points", "challenge rating"}},
	{ChunkStory, []string{"story", "plot", "chapter", "act ", "scene ", "timeline", "twist", "arc"}},
	{ChunkLore, []string{"history", "legend", "lore", "myth", "kingdom", "empire", "ancient", "culture"}},
	{ChunkGMAdvice, []string{"gm advice", "game master", "running the game", "pacing", "improv", "session zero", "spotlight"}},
}

// ClassifyChunk assigns a chunk type from keyword cues, biased by the kind
// of document the chunk came from.
func ClassifyChunk(text, docKind string) ChunkType {
	t := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	dk := strings.ToLower(strings.TrimSpace(docKind))
	if t == "" {
		return ChunkUnknown
	}
	if dk == KindMemory {
		return ChunkMemory
	}

	if containsAny(t, "|", "\t", "d20", "d12", "d10", "d8", "d6", "d4") {
		return ChunkTables
	}
	if containsAny(t, "example", "for example", "boxed text", "read aloud") {
		return ChunkExamples
	}

	scores := make(map[ChunkType]int, len(chunkFamilies))
	for _, f := range chunkFamilies {
		scores[f.kind] = countAny(t, f.words...)
	}
	switch dk {
	case KindRulebook:
		scores[ChunkRules] += 2
	case KindAdventure:
		scores[ChunkQuests] += 2
		scores[ChunkStory]++
	case KindLorebook:
		scores[ChunkLore] += 2
	case KindGMAdvice:
		scores[ChunkGMAdvice] += 3
	}

	best, bestScore := ChunkUnknown, 0
	for _, f := range chunkFamilies {
		if scores[f.kind] > bestScore {
			best, bestScore = f.kind, scores[f.kind]
		}
	}
	if bestScore > 0 {
		return best
	}

	switch dk {
	case KindGMAdvice:
		return ChunkGMAdvice
	case KindRulebook:
		return ChunkRules
	case KindAdventure:
		return ChunkStory
	case KindLorebook:
		return ChunkLore
	}
	if len(t) > 160 {
		return ChunkLore
	}
	return ChunkUnknown
}

var questionStarts = []string{"what", "why", "how", "who", "where", "when", "can ", "do ", "does ", "is ", "are "}

// IsQuestion reports whether an utterance reads as a question.
func IsQuestion(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	if strings.Contains(t, "?") {
		return true
	}
	for _, w := range questionStarts {
		if strings.HasPrefix(t, w) {
			return true
		}
	}
	return false
}

// RouteFilters chooses chunk-type filters for an utterance. Guidance cues
// select the guidance corpus, rules cues select rules, and otherwise the
// entity families named in the text are used, falling back to broad
// defaults that differ for questions and actions.
func RouteFilters(text string) Filters {
	t := strings.ToLower(text)

	if containsAny(t, "how to run", "game master", "gm ", "session", "pacing", "improv") {
		return Filters{DocKind: KindGMAdvice}
	}
	if containsAny(t, "rule", "how does", "can i", "allowed", "attack", "spell", "damage") {
		return Filters{ChunkTypes: []ChunkType{ChunkRules}}
	}

	var types []ChunkType
	families := []struct {
		kind  ChunkType
		words []string
	}{
		{ChunkCharacters, []string{"npc", "character", "who is", "who's", "who are"}},
		{ChunkLocations, []string{"location", "where is", "where's", "town", "city", "village", "dungeon"}},
		{ChunkQuests, []string{"quest", "mission", "objective", "hook", "reward"}},
		{ChunkFactions, []string{"faction", "guild", "clan", "cult", "order"}},
		{ChunkItems, []string{"item", "weapon", "armor", "potion", "artifact"}},
		{ChunkMonsters, []string{"monster", "creature", "beast", "dragon", "undead"}},
		{ChunkStory, []string{"story", "plot", "scene", "chapter"}},
	}
	for _, f := range families {
		if containsAny(t, f.words...) {
			types = append(types, f.kind)
		}
	}
	if len(types) == 0 {
		if IsQuestion(text) {
			types = []ChunkType{ChunkLore, ChunkStory, ChunkCharacters, ChunkLocations, ChunkQuests}
		} else {
			types = []ChunkType{ChunkRules, ChunkLore, ChunkStory, ChunkExamples, ChunkTables}
		}
	}
	return Filters{ChunkTypes: types}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func countAny(s string, subs ...string) int {
	n := 0
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			n++
		}
	}
	return n
}
