package rlm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/rand/gamemaster/internal/budget"
	"github.com/rand/gamemaster/internal/knowledge"
	"github.com/rand/gamemaster/internal/model"
	"github.com/rand/gamemaster/internal/narration"
	"github.com/rand/gamemaster/internal/rlm/schedule"
	"github.com/rand/gamemaster/internal/worldstate"
)

// Result is what one depth produced.
type Result struct {
	Depth     int
	Fragment  string
	Source    string
	Mutations []worldstate.Mutation
	Events    []worldstate.Event
	Effects   []schedule.Effect
	Residue   *Residue

	// Settled is set when Mutations carry a decided outcome; Fragment then
	// must not be spoken before the commit succeeds.
	Settled bool

	Degraded bool
	Snapshot worldstate.Snapshot
	Passages []knowledge.Passage
	Usage    budget.Usage
	Errors   []error
}

// ResolveInput is one depth's work.
type ResolveInput struct {
	Turn     Turn
	Plan     Plan
	Snapshot worldstate.Snapshot
}

// Resolver executes plans: state reads, then retrieval, then at most one
// model call, then the world rules.
type Resolver struct {
	world     worldstate.Gateway
	knowledge knowledge.Gateway
	model     model.Gateway
	rules     Rules
	prompts   model.Prompts
	logger    *slog.Logger
}

// NewResolver creates a resolver. A nil knowledge gateway disables
// retrieval; a nil model gateway makes every model call fail over to
// templates.
func NewResolver(world worldstate.Gateway, kg knowledge.Gateway, mg model.Gateway, prompts model.Prompts, logger *slog.Logger) *Resolver {
	if kg == nil {
		kg = knowledge.Null{}
	}
	if mg == nil {
		mg = model.Disabled{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{world: world, knowledge: kg, model: mg, prompts: prompts, logger: logger}
}

// Resolve runs plan. A world state read failure is returned as an error;
// knowledge and model failures degrade the result instead.
func (r *Resolver) Resolve(ctx context.Context, in ResolveInput) (Result, error) {
	ctx, span := tracer.Start(ctx, "rlm resolve")
	defer span.End()
	plan := in.Plan
	span.SetAttributes(
		attribute.Int("plan.depth", plan.Depth),
		attribute.String("plan.intent", string(plan.Intent)),
		attribute.String("plan.verb", string(plan.Verb)),
		attribute.String("plan.model_call", string(plan.ModelCall)),
		attribute.Int("plan.reads", len(plan.Reads)),
	)

	res := Result{Depth: plan.Depth, Snapshot: in.Snapshot, Degraded: plan.Degraded()}

	// 1. State reads.
	if len(plan.Reads) > 0 {
		snap, err := r.world.Read(ctx, in.Turn.CampaignID, plan.Reads)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return Result{}, fmt.Errorf("read state at depth %d: %w", plan.Depth, err)
		}
		res.Snapshot = res.Snapshot.Merge(snap)
		res.Usage.Reads = len(plan.Reads)
	}

	// 2. Knowledge retrieval.
	if plan.Retrieval != nil {
		res.Usage.Retrievals = 1
		passages, err := r.knowledge.Retrieve(ctx, *plan.Retrieval)
		if err != nil {
			res.Errors = append(res.Errors, err)
			r.logger.Warn("retrieval skipped", slog.String("turn", in.Turn.ID), slog.String("error", err.Error()))
		} else {
			res.Passages = passages
		}
	}

	// 3. At most one model call. Classification and disambiguation run
	// before the rules; narration runs after them.
	switch plan.ModelCall {
	case model.SubTaskIntentClassify:
		return r.classify(ctx, in, res), nil
	case model.SubTaskResolveAmbiguity:
		plan = r.disambiguate(ctx, in, plan, &res)
		if plan.Target.IsZero() {
			res.Fragment = clarifyLine(plan.Candidates)
			res.Source = "template"
			return res, nil
		}
	}

	// 4. Consequences.
	outcome := r.rules.Apply(in.Turn, plan, res.Snapshot)
	res.Mutations = outcome.Mutations
	res.Events = outcome.Events
	res.Effects = outcome.Effects
	res.Residue = outcome.Residue
	res.Settled = len(outcome.Mutations) > 0
	res.Fragment = strings.Join(outcome.Lines, " ")
	res.Source = "rules"

	if plan.ModelCall == model.SubTaskNarrate {
		r.narrate(ctx, in, outcome, &res)
	}
	if res.Fragment == "" {
		res.Fragment, res.Source = r.fallback(plan, res.Passages), "template"
	}
	return res, nil
}

func (r *Resolver) classify(ctx context.Context, in ResolveInput, res Result) Result {
	res.Usage.ModelCalls = 1
	resp, err := r.model.Complete(ctx, model.Request{
		SubTask:   model.SubTaskIntentClassify,
		System:    r.prompts.IntentClassify,
		Prompt:    in.Turn.Text,
		MaxTokens: in.Plan.MaxTokens,
	})
	chargeCompletion(&res, resp)
	if err == nil {
		if label, ok := model.ParseIntent(resp.Text); ok {
			res.Residue = &Residue{Reason: "classified as " + label, Intent: IntentFromLabel(label)}
			return res
		}
		err = fmt.Errorf("%w: unexpected label %q", model.ErrUnavailable, resp.Text)
	}
	res.Errors = append(res.Errors, err)
	res.Degraded = true
	res.Fragment, res.Source = FallbackLine, "template"
	return res
}

// minChoiceConfidence is the lowest model confidence accepted for a
// disambiguation; below it the player is asked.
const minChoiceConfidence = 0.5

func (r *Resolver) disambiguate(ctx context.Context, in ResolveInput, plan Plan, res *Result) Plan {
	res.Usage.ModelCalls = 1
	var b strings.Builder
	fmt.Fprintf(&b, "Player: %s\n\nCandidates:\n", in.Turn.Text)
	for _, c := range plan.Candidates {
		fmt.Fprintf(&b, "- %s (%s)\n", c.Ref, c.Name)
	}

	choice, resp, err := model.Structured[model.Choice](ctx, r.model, model.Request{
		SubTask:   model.SubTaskResolveAmbiguity,
		System:    r.prompts.ResolveAmbiguity,
		Prompt:    b.String(),
		MaxTokens: plan.MaxTokens,
	})
	chargeCompletion(res, resp)
	if err != nil {
		res.Errors = append(res.Errors, err)
		res.Degraded = true
		return plan
	}
	if choice.Confidence < minChoiceConfidence {
		return plan
	}
	for _, c := range plan.Candidates {
		if c.Ref.String() == choice.Ref {
			plan.Target = c.Ref
			break
		}
	}
	return plan
}

func (r *Resolver) narrate(ctx context.Context, in ResolveInput, outcome Outcome, res *Result) {
	res.Usage.ModelCalls = 1

	var memory []string
	if r.prompts.MemoryTurns > 0 {
		events, err := r.world.RecentEvents(ctx, in.Turn.CampaignID, EventInteraction, r.prompts.MemoryTurns)
		if err != nil {
			r.logger.Debug("memory unavailable", slog.String("error", err.Error()))
		}
		memory = memoryLines(events)
	}

	var snippets []model.Snippet
	for i, p := range res.Passages {
		if i == 3 {
			break
		}
		snippets = append(snippets, model.Snippet{Source: p.Source(), Text: p.Text})
	}

	resp, err := r.model.Complete(ctx, model.Request{
		SubTask: model.SubTaskNarrate,
		System:  r.prompts.NarrateSystem(in.Turn.Language, len(snippets) > 0),
		Prompt: model.NarrateUser(model.NarrateInput{
			PlayerText: in.Turn.Text,
			Language:   in.Turn.Language,
			Outcome:    outcome.Lines,
			Memory:     memory,
			Snippets:   snippets,
		}),
		MaxTokens: in.Plan.MaxTokens,
	})
	chargeCompletion(res, resp)
	if err != nil {
		res.Errors = append(res.Errors, err)
		res.Degraded = true
		return
	}
	res.Fragment = strings.TrimSpace(resp.Text)
	res.Source = "model"
}

func (r *Resolver) fallback(plan Plan, passages []knowledge.Passage) string {
	if plan.Intent == IntentMeta {
		return "Out of character: I'm listening. Ask about the rules, or tell me what you do."
	}
	if len(passages) > 0 {
		text := narration.Sentences(passages[0].Text, 0)
		if len(text) > 0 {
			return text[0]
		}
	}
	return FallbackLine
}

func chargeCompletion(res *Result, resp model.Completion) {
	res.Usage.InputTokens += resp.InputTokens
	res.Usage.OutputTokens += resp.OutputTokens
	res.Usage.Cost += resp.Cost
}

func clarifyLine(candidates []worldstate.CatalogEntry) string {
	names := make([]string, 0, len(candidates))
	for _, c := range candidates {
		names = append(names, "the "+c.Name)
	}
	if len(names) > 3 {
		names = names[:3]
	}
	return "Which do you mean: " + strings.Join(names, " or ") + "?"
}

// EventInteraction is the event kind holding one exchange of the
// conversation, used as narration memory.
const EventInteraction = "interaction"

type interaction struct {
	Player    string   `json:"player"`
	GM        string   `json:"gm"`
	Followups []string `json:"followups,omitempty"`
}

func memoryLines(events []worldstate.Event) []string {
	lines := make([]string, 0, len(events))
	for _, ev := range events {
		var it interaction
		if err := json.Unmarshal(ev.Payload, &it); err != nil {
			continue
		}
		line := fmt.Sprintf("Player: %s | GM: %s", it.Player, it.GM)
		if len(it.Followups) > 0 {
			line += " " + strings.Join(it.Followups, " ")
		}
		lines = append(lines, line)
	}
	return lines
}
