package rlm

import (
	"slices"
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/rand/gamemaster/internal/budget"
	"github.com/rand/gamemaster/internal/knowledge"
	"github.com/rand/gamemaster/internal/model"
	"github.com/rand/gamemaster/internal/worldstate"
)

// Residue is what a depth could not settle on its own: a precondition
// that needs more state, or an intent the model classified.
type Residue struct {
	Reason string           `json:"reason"`
	Verb   Verb             `json:"verb,omitempty"`
	Target worldstate.Ref   `json:"target,omitzero"`
	Need   []worldstate.Ref `json:"need,omitempty"`

	// Intent is set when the previous depth classified the utterance and
	// planning should start over with it.
	Intent Intent `json:"intent,omitempty"`
}

// Plan is the work for one depth.
type Plan struct {
	Depth  int            `json:"depth"`
	Intent Intent         `json:"intent"`
	Verb   Verb           `json:"verb,omitempty"`
	Target worldstate.Ref `json:"target,omitzero"`

	// Instrument is a second entity named with "use X on Y".
	Instrument worldstate.Ref `json:"instrument,omitzero"`

	Reads      []worldstate.Ref          `json:"reads,omitempty"`
	Candidates []worldstate.CatalogEntry `json:"candidates,omitempty"`
	Retrieval  *knowledge.Query          `json:"retrieval,omitempty"`
	ModelCall  model.SubTask             `json:"model_call,omitempty"`
	MaxTokens  int                       `json:"max_tokens,omitempty"`

	// PromptTokens estimates what the model call sends.
	PromptTokens int `json:"prompt_tokens,omitempty"`

	// Answers is the residue this plan follows up.
	Answers *Residue `json:"answers,omitempty"`

	Notes   []string `json:"notes,omitempty"`
	Dropped []string `json:"dropped,omitempty"`
}

// PlanContext is everything the planner may look at.
type PlanContext struct {
	CampaignID string
	Text       string
	Depth      int
	Residue    *Residue
	Remaining  budget.Usage
	Catalog    []worldstate.CatalogEntry

	// Known lists entities already read this turn.
	Known map[worldstate.Ref]bool
}

// PlannerConfig tunes planning.
type PlannerConfig struct {
	Knowledge bool
	TopK      int
	Ruleset   string
	DocIDs    []string

	ClassifyTokens int
	ResolveTokens  int
	NarrateTokens  int

	// PromptTokens is the prompt assumed for a model call on top of the
	// utterance: instructions, world state and passages.
	PromptTokens int
}

// DefaultPlannerConfig returns the defaults.
func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		TopK:           5,
		ClassifyTokens: 16,
		ResolveTokens:  96,
		NarrateTokens:  220,
		PromptTokens:   400,
	}
}

// Planner turns an utterance or a residue into a Plan. It does no I/O.
type Planner struct {
	classifier *IntentClassifier
	config     PlannerConfig
}

// NewPlanner creates a planner.
func NewPlanner(config PlannerConfig) *Planner {
	def := DefaultPlannerConfig()
	if config.TopK <= 0 {
		config.TopK = def.TopK
	}
	if config.ClassifyTokens <= 0 {
		config.ClassifyTokens = def.ClassifyTokens
	}
	if config.ResolveTokens <= 0 {
		config.ResolveTokens = def.ResolveTokens
	}
	if config.NarrateTokens <= 0 {
		config.NarrateTokens = def.NarrateTokens
	}
	if config.PromptTokens <= 0 {
		config.PromptTokens = def.PromptTokens
	}
	return &Planner{classifier: NewIntentClassifier(), config: config}
}

// Plan returns the plan for pc. The result is not yet fitted to the
// budget; see Plan.Fit.
func (p *Planner) Plan(pc PlanContext) Plan {
	if r := pc.Residue; r != nil && r.Intent == "" {
		return p.followUp(pc, r)
	}

	c := p.classifier.Classify(pc.Text)
	plan := Plan{Depth: pc.Depth, Intent: c.Intent, Verb: c.Verb, Answers: pc.Residue}
	plan.Notes = append(plan.Notes, c.Signals...)
	if pc.Residue != nil {
		plan.Intent = pc.Residue.Intent
		plan.Notes = append(plan.Notes, "intent from model: "+string(plan.Intent))
	}

	if plan.Intent == IntentUnknown {
		p.call(&plan, model.SubTaskIntentClassify, p.config.ClassifyTokens, pc.Text)
		return plan
	}

	matches := matchCatalog(pc.Text, pc.Catalog)
	switch {
	case len(matches.exact) > 0:
		plan.Target, plan.Instrument = pickTarget(pc.Text, plan.Verb, matches.exact)
		for _, m := range matches.exact {
			plan.Reads = appendRef(plan.Reads, m.entry.Ref, pc.Known)
		}
		plan.Notes = append(plan.Notes, "exact match: "+plan.Target.String())
	case len(matches.fuzzy) == 1:
		plan.Target = matches.fuzzy[0].Ref
		plan.Reads = appendRef(plan.Reads, plan.Target, pc.Known)
		plan.Notes = append(plan.Notes, "fuzzy match: "+plan.Target.String())
	case len(matches.fuzzy) > 1:
		plan.Candidates = matches.fuzzy
		for _, e := range matches.fuzzy {
			plan.Reads = appendRef(plan.Reads, e.Ref, pc.Known)
		}
		p.call(&plan, model.SubTaskResolveAmbiguity, p.config.ResolveTokens, pc.Text)
	}

	if p.needsKnowledge(plan) {
		filters := knowledge.RouteFilters(pc.Text)
		filters.CampaignID = pc.CampaignID
		filters.Ruleset = p.config.Ruleset
		filters.DocIDs = p.config.DocIDs
		plan.Retrieval = &knowledge.Query{Text: pc.Text, Filters: filters, TopK: p.config.TopK}
	}

	if plan.ModelCall == "" && needsProse(plan) {
		p.call(&plan, model.SubTaskNarrate, p.config.NarrateTokens, pc.Text)
	}
	return plan
}

func (p *Planner) call(plan *Plan, task model.SubTask, maxTokens int, text string) {
	plan.ModelCall = task
	plan.MaxTokens = maxTokens
	plan.PromptTokens = budget.EstimateTokens(text) + p.config.PromptTokens
}

func (p *Planner) followUp(pc PlanContext, r *Residue) Plan {
	plan := Plan{
		Depth:   pc.Depth,
		Intent:  IntentAction,
		Verb:    r.Verb,
		Target:  r.Target,
		Answers: r,
		Notes:   []string{"follow-up: " + r.Reason},
	}
	for _, ref := range r.Need {
		plan.Reads = appendRef(plan.Reads, ref, pc.Known)
	}
	return plan
}

func (p *Planner) needsKnowledge(plan Plan) bool {
	if !p.config.Knowledge {
		return false
	}
	switch plan.Intent {
	case IntentQuestion, IntentRules, IntentDialogue:
		return true
	case IntentExplore:
		return plan.Target.IsZero()
	case IntentAction:
		return plan.Verb == VerbNone || plan.Target.IsZero()
	}
	return false
}

// needsProse reports whether no deterministic template can narrate the
// plan's outcome.
func needsProse(plan Plan) bool {
	switch plan.Intent {
	case IntentQuestion, IntentRules, IntentDialogue, IntentSocial:
		return true
	case IntentExplore:
		return plan.Target.IsZero()
	case IntentAction:
		return plan.Verb == VerbNone || plan.Target.IsZero()
	}
	return false
}

// Fit trims the plan to what remains of the budget. Model calls go first,
// then retrieval, then reads beyond the allowance.
func (pl Plan) Fit(remaining budget.Usage) Plan {
	out := pl
	out.Reads = slices.Clone(pl.Reads)
	out.Dropped = slices.Clone(pl.Dropped)

	if out.ModelCall != "" {
		need := int64(out.PromptTokens + out.MaxTokens)
		tokensShort := remaining.InputTokens >= 0 && remaining.InputTokens < need
		if remaining.ModelCalls < 1 || tokensShort || remaining.Cost == 0 {
			out.Dropped = append(out.Dropped, "model:"+string(out.ModelCall))
			out.ModelCall = ""
			out.MaxTokens = 0
			out.PromptTokens = 0
		}
	}
	if out.Retrieval != nil && remaining.Retrievals < 1 {
		out.Dropped = append(out.Dropped, "retrieval")
		out.Retrieval = nil
	}
	if len(out.Reads) > remaining.Reads {
		for _, ref := range out.Reads[remaining.Reads:] {
			out.Dropped = append(out.Dropped, "read:"+ref.String())
		}
		out.Reads = out.Reads[:remaining.Reads]
	}
	return out
}

// Degraded reports whether Fit removed anything.
func (pl Plan) Degraded() bool { return len(pl.Dropped) > 0 }

func appendRef(refs []worldstate.Ref, ref worldstate.Ref, known map[worldstate.Ref]bool) []worldstate.Ref {
	if ref.IsZero() || known[ref] || slices.Contains(refs, ref) {
		return refs
	}
	return append(refs, ref)
}

type catalogMatch struct {
	entry worldstate.CatalogEntry
	pos   int
}

type catalogMatches struct {
	exact []catalogMatch
	fuzzy []worldstate.CatalogEntry
}

// matchCatalog finds entities named in text. Exact name or alias matches
// win; fuzzy matches on single words are only used when nothing matched
// exactly.
func matchCatalog(text string, catalog []worldstate.CatalogEntry) catalogMatches {
	padded := " " + normalize(text) + " "
	var out catalogMatches

	for _, e := range catalog {
		best := -1
		for _, name := range append([]string{e.Name}, e.Aliases...) {
			n := normalize(name)
			if n == "" {
				continue
			}
			if pos := strings.Index(padded, " "+n+" "); pos >= 0 && (best < 0 || pos < best) {
				best = pos
			}
		}
		if best >= 0 {
			out.exact = append(out.exact, catalogMatch{entry: e, pos: best})
		}
	}
	if len(out.exact) > 0 {
		slices.SortStableFunc(out.exact, func(a, b catalogMatch) int { return a.pos - b.pos })
		return out
	}

	var (
		tokens []string
		owner  []int
	)
	for i, e := range catalog {
		for _, name := range append([]string{e.Name}, e.Aliases...) {
			for _, tok := range strings.Fields(normalize(name)) {
				if len(tok) >= 4 {
					tokens = append(tokens, tok)
					owner = append(owner, i)
				}
			}
		}
	}
	seen := make(map[int]bool)
	for _, word := range strings.Fields(strings.TrimSpace(padded)) {
		if len(word) < 4 || stopWords[word] {
			continue
		}
		for _, m := range fuzzy.Find(word, tokens) {
			if len(m.Str)-len(word) > 2 || seen[owner[m.Index]] {
				continue
			}
			seen[owner[m.Index]] = true
			out.fuzzy = append(out.fuzzy, catalog[owner[m.Index]])
		}
	}
	return out
}

var stopWords = map[string]bool{
	"that": true, "this": true, "with": true, "there": true, "their": true,
	"about": true, "what": true, "where": true, "when": true, "then": true,
	"into": true, "onto": true, "from": true, "have": true, "some": true,
}

// pickTarget chooses the acted-on entity. With "use X on Y" the target is
// Y and X is the instrument; otherwise the first entity named after the
// verb wins.
func pickTarget(text string, verb Verb, matches []catalogMatch) (target, instrument worldstate.Ref) {
	if verb == VerbUse && len(matches) > 1 {
		padded := " " + normalize(text) + " "
		if on := strings.Index(padded, " on "); on >= 0 {
			for _, m := range matches {
				if m.pos > on && target.IsZero() {
					target = m.entry.Ref
				} else if m.pos < on && instrument.IsZero() {
					instrument = m.entry.Ref
				}
			}
			if !target.IsZero() {
				return target, instrument
			}
		}
	}
	return matches[0].entry.Ref, worldstate.Ref{}
}
