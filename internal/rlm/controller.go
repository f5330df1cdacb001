// Package rlm runs game master turns: bounded recursion over plan and
// resolve steps, one world state commit per turn, and narration that starts
// streaming before the turn is finished.
package rlm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/rand/gamemaster/internal/budget"
	"github.com/rand/gamemaster/internal/eventlog"
	"github.com/rand/gamemaster/internal/knowledge"
	"github.com/rand/gamemaster/internal/model"
	"github.com/rand/gamemaster/internal/narration"
	"github.com/rand/gamemaster/internal/rlm/schedule"
	"github.com/rand/gamemaster/internal/worldstate"
)

// EventEffectFired is the default event kind for an applied delayed effect.
const EventEffectFired = "effect_fired"

// MemoryWriter takes session memory for background embedding.
// knowledge.Index implements it.
type MemoryWriter interface {
	IngestAsync(doc knowledge.Document) bool
}

// Deps are the collaborators a Controller drives. World and Scheduler are
// required.
type Deps struct {
	World     worldstate.Gateway
	Knowledge knowledge.Gateway
	Model     model.Gateway
	Scheduler *schedule.Scheduler

	// Queue receives every player turn's plan on acceptance.
	Queue *narration.Queue

	Memory MemoryWriter
	Events eventlog.Recorder
}

// ControllerConfig configures a Controller.
type ControllerConfig struct {
	Policy  budget.Policy
	Planner PlannerConfig
	Prompts model.Prompts
	Logger  *slog.Logger

	// OnComplete is called once for every turn HandleTurn accepted.
	OnComplete func(Summary)
}

// DefaultControllerConfig returns the default policy, planner and prompts.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		Policy:  budget.DefaultPolicy(),
		Planner: DefaultPlannerConfig(),
		Prompts: model.DefaultPrompts(),
	}
}

// Summary describes a finished turn.
type Summary struct {
	Turn       Turn          `json:"turn"`
	Budget     budget.Report `json:"budget"`
	Committed  bool          `json:"committed"`
	Version    int64         `json:"version,omitempty"`
	TurnNumber int64         `json:"turn_number,omitempty"`
	Degraded   bool          `json:"degraded,omitempty"`
	Aborted    bool          `json:"aborted,omitempty"`
	Fired      []string      `json:"fired,omitempty"`
	Scheduled  int           `json:"scheduled,omitempty"`
	Dropped    []string      `json:"dropped,omitempty"`
	Err        error         `json:"-"`
}

func (s Summary) outcome() string {
	switch {
	case s.Aborted:
		return "aborted"
	case s.Err != nil:
		return "cancelled"
	case !s.Committed:
		return "idle"
	case s.Degraded:
		return "degraded"
	default:
		return "ok"
	}
}

// Controller handles turns for any number of campaigns. Turns of different
// campaigns run fully in parallel; commits of one campaign are serialized.
type Controller struct {
	deps     Deps
	config   ControllerConfig
	planner  *Planner
	resolver *Resolver
	logger   *slog.Logger
	locks    *campaignLocks
	now      func() time.Time
	wg       sync.WaitGroup

	turns     metric.Int64Counter
	immediate metric.Float64Histogram
}

// NewController creates a controller.
func NewController(deps Deps, config ControllerConfig) (*Controller, error) {
	if deps.World == nil {
		return nil, errors.New("controller needs a world state gateway")
	}
	if deps.Scheduler == nil {
		return nil, errors.New("controller needs a scheduler")
	}
	if err := config.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("budget policy: %w", err)
	}
	if deps.Events == nil {
		deps.Events = eventlog.Discard{}
	}
	lg := config.Logger
	if lg == nil {
		lg = logger
	}

	c := &Controller{
		deps:     deps,
		config:   config,
		planner:  NewPlanner(config.Planner),
		resolver: NewResolver(deps.World, deps.Knowledge, deps.Model, config.Prompts, lg),
		logger:   lg,
		locks:    newCampaignLocks(),
		now:      time.Now,
	}
	c.turns, _ = meter.Int64Counter("gm.turns",
		metric.WithDescription("Turns handled by outcome"))
	c.immediate, _ = meter.Float64Histogram("gm.turn.immediate_latency",
		metric.WithDescription("Time from turn acceptance to the immediate fragment"),
		metric.WithUnit("s"))
	return c, nil
}

// HandleTurn runs one turn and returns its narration plan, complete and
// closed. With a Queue configured the plan was enqueued when the turn was
// accepted and its first fragment may have been spoken long before
// HandleTurn returns.
//
// A turn whose commit fails twice returns an *AbortError matching
// ErrTurnAborted; its plan ends with AbortLine. A turn cancelled before the
// commit returns the context error and commits nothing. Effects the turn
// schedules are stored by its commit. Memory and logging continue after
// return; Wait blocks until they finish.
//
// A world turn (Turn.World) only applies due delayed effects. With nothing
// due it returns an empty plan and commits nothing.
func (c *Controller) HandleTurn(ctx context.Context, turn Turn) (*narration.Plan, error) {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.At.IsZero() {
		turn.At = c.now()
	}
	if err := turn.Validate(); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "rlm handle turn", trace.WithAttributes(
		attribute.String("turn.id", turn.ID),
		attribute.String("turn.campaign", turn.CampaignID),
		attribute.Bool("turn.world", turn.World),
	))
	defer span.End()

	run := &turnRun{
		c:         c,
		turn:      turn,
		budget:    budget.NewAt(c.config.Policy, c.now),
		plan:      narration.NewPlan(turn.CampaignID, turn.ID),
		lastDepth: -1,
	}
	if !turn.World {
		run.enqueue()
	}

	err := run.execute(ctx)
	run.plan.Close()

	sum := run.summary(err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(
		attribute.String("turn.outcome", sum.outcome()),
		attribute.Int("budget.depth", sum.Budget.Used.Depth),
		attribute.Int("budget.model_calls", sum.Budget.Used.ModelCalls),
	)
	c.turns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", sum.outcome())))
	if f, ok := run.plan.Immediate(); ok {
		c.immediate.Record(ctx, f.At.Sub(run.budget.Started()).Seconds())
	}
	if c.config.OnComplete != nil {
		c.config.OnComplete(sum)
	}
	return run.plan, err
}

// WorldTurn runs a synthetic turn for campaignID. The scheduler calls it
// for campaigns with due time triggers.
func (c *Controller) WorldTurn(ctx context.Context, campaignID string) error {
	turn := Turn{ID: uuid.NewString(), CampaignID: campaignID, World: true, At: c.now()}
	_, err := c.HandleTurn(ctx, turn)
	return err
}

var _ schedule.WorldTurner = (*Controller)(nil)

// Wait blocks until background work of every returned turn is done.
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) record(kind string, turn Turn, payload any) {
	rec := eventlog.New(kind, payload)
	rec.CampaignID = turn.CampaignID
	rec.SessionID = turn.SessionID
	rec.TurnID = turn.ID
	rec.PlayerID = turn.PlayerID
	if err := c.deps.Events.Record(rec); err != nil {
		c.logger.Warn("event log write failed", slog.String("kind", kind), slog.String("error", err.Error()))
	}
}

// turnRun is the state of one HandleTurn call. It is owned by a single
// goroutine.
type turnRun struct {
	c      *Controller
	turn   Turn
	budget *budget.Budget
	plan   *narration.Plan

	snap       worldstate.Snapshot
	turnNumber int64
	enqueued   bool

	mutations []worldstate.Mutation
	events    []worldstate.Event
	effects   []schedule.Effect
	scheduled []scheduledEffect

	// due are the effects this turn takes up; fired are those folded
	// into its commit.
	due   []schedule.Effect
	fired []firedEffect

	// held are fragments that narrate a settled outcome. They are only
	// spoken once the commit succeeded.
	held      []heldFragment
	spoken    []string
	lastDepth int
	dropped   []string

	degraded  bool
	aborted   bool
	committed bool
	result    worldstate.CommitResult
}

// firedEffect is a due effect folded into the turn. Its parts stay apart
// from the turn's own changes so a retry can leave it out.
type firedEffect struct {
	effect    schedule.Effect
	mutations []worldstate.Mutation
	event     worldstate.Event
}

type scheduledEffect struct {
	record  worldstate.EffectRecord
	trigger string
}

type heldFragment struct {
	depth  int
	text   string
	source string
}

func (r *turnRun) enqueue() {
	if r.enqueued || r.c.deps.Queue == nil {
		return
	}
	r.enqueued = r.c.deps.Queue.Enqueue(r.plan)
}

func (r *turnRun) execute(ctx context.Context) error {
	c := r.c
	sched := c.deps.Scheduler

	pending, err := sched.Pending(ctx, r.turn.CampaignID)
	if err != nil {
		if ctx.Err() != nil {
			return r.cancel(ctx, ctx.Err())
		}
		c.logger.Warn("pending effects unavailable",
			slog.String("campaign", r.turn.CampaignID),
			slog.String("error", err.Error()))
	}

	refs := schedule.PredicateRefs(pending)
	if n := r.budget.Remaining().Reads; len(refs) > n {
		refs = refs[:n]
	}
	if err := r.budget.ReserveReads(len(refs)); err != nil {
		refs = nil
	}
	snap, err := c.deps.World.Read(ctx, r.turn.CampaignID, refs)
	if err != nil {
		if ctx.Err() != nil {
			return r.cancel(ctx, ctx.Err())
		}
		return r.abort(ctx, fmt.Errorf("read campaign: %w", err))
	}
	r.snap = snap
	r.turnNumber = snap.TurnCount
	if !r.turn.World {
		r.turnNumber++
	}

	r.due = sched.Due(pending, r.turnNumber, snap)

	if r.turn.World {
		if len(r.due) == 0 {
			return nil
		}
		r.enqueue()
	} else {
		r.recurse(ctx)
	}
	r.fold()
	if r.turn.World && len(r.fired) == 0 {
		return nil
	}

	if err := ctx.Err(); err != nil {
		return r.cancel(ctx, err)
	}
	return r.commit(ctx)
}

// recurse runs plan and resolve steps from depth 0 until a step leaves no
// residue, the depth limit is reached or the soft deadline passes.
func (r *turnRun) recurse(ctx context.Context) {
	policy := r.budget.Policy()
	var residue *Residue

	for depth := 0; depth <= policy.MaxDepth; depth++ {
		if depth > 0 {
			if residue == nil {
				return
			}
			if r.budget.PastSoftDeadline() {
				r.dropped = append(r.dropped, fmt.Sprintf("depth:%d:soft-deadline", depth))
				break
			}
		}
		if err := r.budget.EnterDepth(depth); err != nil {
			break
		}

		plan := r.c.planner.Plan(PlanContext{
			CampaignID: r.turn.CampaignID,
			Text:       r.turn.Text,
			Depth:      depth,
			Residue:    residue,
			Remaining:  r.budget.Remaining(),
			Catalog:    r.snap.Catalog,
			Known:      known(r.snap),
		}).Fit(r.budget.Remaining())
		plan = r.reserve(plan)
		r.dropped = append(r.dropped, plan.Dropped...)

		res, err := r.resolve(ctx, plan)
		if err != nil {
			r.degraded = true
			r.c.logger.Warn("resolve failed",
				slog.String("turn", r.turn.ID),
				slog.Int("depth", depth),
				slog.String("error", err.Error()))
			if depth == 0 {
				r.emit(0, FallbackLine, "template", false)
			}
			return
		}
		r.absorb(res)
		residue = res.Residue
	}

	if residue != nil {
		r.degraded = true
		r.emit(max(r.lastDepth, 0), MaxDepthLine, "template", false)
	}
}

// reserve charges plan against the budget, dropping what it refuses.
func (r *turnRun) reserve(plan Plan) Plan {
	if err := r.budget.ReserveReads(len(plan.Reads)); err != nil {
		for _, ref := range plan.Reads {
			plan.Dropped = append(plan.Dropped, "read:"+ref.String())
		}
		plan.Reads = nil
	}
	if plan.Retrieval != nil {
		if err := r.budget.ReserveRetrieval(); err != nil {
			plan.Dropped = append(plan.Dropped, "retrieval")
			plan.Retrieval = nil
		}
	}
	if plan.ModelCall != "" {
		if err := r.budget.ReserveModelCall(plan.PromptTokens, plan.MaxTokens); err != nil {
			plan.Dropped = append(plan.Dropped, "model:"+string(plan.ModelCall))
			plan.ModelCall = ""
			plan.MaxTokens = 0
			plan.PromptTokens = 0
		}
	}
	return plan
}

// resolve runs one depth. Background depths get the soft deadline as
// their context deadline.
func (r *turnRun) resolve(ctx context.Context, plan Plan) (Result, error) {
	if plan.Depth > 0 {
		if d := r.budget.Policy().SoftDeadline(); d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithDeadline(ctx, r.budget.Started().Add(d))
			defer cancel()
		}
	}
	return r.c.resolver.Resolve(ctx, ResolveInput{Turn: r.turn, Plan: plan, Snapshot: r.snap})
}

func (r *turnRun) absorb(res Result) {
	r.snap = res.Snapshot
	r.budget.RecordTokens(res.Usage.InputTokens, res.Usage.OutputTokens, res.Usage.Cost)
	if res.Degraded {
		r.degraded = true
	}
	for _, p := range res.Passages {
		r.plan.AddSources(p.Source())
	}

	if len(res.Mutations) > 0 {
		if err := r.budget.ReserveWrites(len(res.Mutations)); err != nil {
			r.degraded = true
			r.dropped = append(r.dropped, fmt.Sprintf("writes:%d", len(res.Mutations)))
			r.emit(res.Depth, MaxDepthLine, "template", false)
			return
		}
	}
	r.mutations = append(r.mutations, res.Mutations...)
	r.events = append(r.events, res.Events...)
	r.effects = append(r.effects, res.Effects...)
	r.emit(res.Depth, res.Fragment, res.Source, res.Settled)
}

// fold applies due effects as one more step after the last depth. An
// effect whose writes the budget refuses stays pending for a later turn.
func (r *turnRun) fold() {
	if len(r.due) == 0 {
		return
	}
	depth := max(min(r.lastDepth+1, r.budget.Policy().MaxDepth), 0)

	for _, e := range r.due {
		if n := len(e.Payload.Mutations); n > 0 {
			if err := r.budget.ReserveWrites(n); err != nil {
				r.dropped = append(r.dropped, "effect:"+e.ID)
				continue
			}
		}

		kind := e.Payload.EventKind
		if kind == "" {
			kind = EventEffectFired
		}
		payload, _ := json.Marshal(map[string]any{
			"effect":      e.ID,
			"source_turn": e.SourceTurnID,
			"trigger":     e.Trigger.String(),
			"narration":   e.Payload.Narration,
		})
		r.fired = append(r.fired, firedEffect{
			effect:    e,
			mutations: e.Payload.Mutations,
			event: worldstate.Event{
				ID:      uuid.NewString(),
				TurnID:  r.turn.ID,
				Kind:    kind,
				Payload: payload,
			},
		})
		r.emit(depth, e.Payload.Narration, "effect:"+e.ID, true)
	}
}

// emit adds a fragment to the plan, or holds it until the commit when it
// narrates a settled outcome or follows a held fragment.
func (r *turnRun) emit(depth int, text, source string, settled bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	r.lastDepth = max(r.lastDepth, depth)
	if settled || len(r.held) > 0 {
		r.held = append(r.held, heldFragment{depth: depth, text: text, source: source})
		return
	}
	r.publish(depth, text, source)
}

func (r *turnRun) publish(depth int, text, source string) {
	if f, ok := r.plan.Add(depth, text, source); ok {
		r.spoken = append(r.spoken, f.Text)
	}
}

// transcript returns every fragment text of the turn, held ones included.
func (r *turnRun) transcript() []string {
	out := make([]string, 0, len(r.spoken)+len(r.held))
	out = append(out, r.spoken...)
	for _, h := range r.held {
		out = append(out, h.text)
	}
	return out
}

func (r *turnRun) interactionEvent() worldstate.Event {
	lines := r.transcript()
	it := interaction{Player: r.turn.Text}
	if len(lines) > 0 {
		it.GM = lines[0]
		it.Followups = lines[1:]
	}
	payload, _ := json.Marshal(it)
	return worldstate.Event{
		ID:      uuid.NewString(),
		TurnID:  r.turn.ID,
		Kind:    EventInteraction,
		Payload: payload,
	}
}

// commit writes the turn in one transaction, which also claims the fired
// effects and stores the ones the turn scheduled. On conflict it drops
// effects another commit applied, re-reads the entities the mutations
// touch, re-checks their guards and tries once more from the fresh
// version. The commit is not cancellable.
func (r *turnRun) commit(ctx context.Context) error {
	c := r.c
	ctx = context.WithoutCancel(ctx)
	ctx, span := tracer.Start(ctx, "rlm commit")
	defer span.End()

	if len(r.plan.Fragments()) == 0 && len(r.held) == 0 {
		r.emit(0, FallbackLine, "template", false)
		r.degraded = true
	}

	r.prepareEffects()
	changes := r.changes()
	span.SetAttributes(
		attribute.Int("commit.mutations", len(changes.Mutations)),
		attribute.Int("commit.events", len(changes.Events)),
		attribute.Int("commit.archived", len(changes.ArchiveEffects)),
		attribute.Int("commit.scheduled", len(changes.ScheduleEffects)),
	)

	unlock := c.locks.lock(r.turn.CampaignID)
	res, err := r.commitAt(ctx, r.snap.Version, changes)
	if errors.Is(err, worldstate.ErrConflict) {
		c.logger.Info("commit conflict, retrying",
			slog.String("turn", r.turn.ID),
			slog.String("campaign", r.turn.CampaignID),
			slog.String("error", err.Error()))
		res, err = r.retry(ctx)
	}
	unlock()

	if errors.Is(err, errNothingLeft) {
		r.held = nil
		return nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return r.abort(ctx, err)
	}

	r.committed = true
	r.result = res
	for _, h := range r.held {
		r.publish(h.depth, h.text, h.source)
	}
	r.held = nil
	if r.degraded {
		r.plan.MarkDegraded()
	}
	r.background()
	return nil
}

func (r *turnRun) commitAt(ctx context.Context, version int64, changes worldstate.Changes) (worldstate.CommitResult, error) {
	tx, err := r.c.deps.World.BeginTransaction(ctx, r.turn.CampaignID, version)
	if err != nil {
		return worldstate.CommitResult{}, fmt.Errorf("begin: %w", err)
	}
	res, err := tx.Commit(ctx, changes)
	if err != nil {
		_ = tx.Rollback()
		return worldstate.CommitResult{}, err
	}
	return res, nil
}

// errNothingLeft ends a world turn whose every due effect was applied by
// another commit while it ran.
var errNothingLeft = errors.New("due effects already applied")

// prepareEffects turns the effects the turn scheduled into pending records
// for its commit.
func (r *turnRun) prepareEffects() {
	for _, e := range r.effects {
		e.CampaignID = r.turn.CampaignID
		e.SourceTurnID = r.turn.ID
		rec, err := r.c.deps.Scheduler.Prepare(e)
		if err != nil {
			r.c.logger.Warn("effect not scheduled",
				slog.String("turn", r.turn.ID),
				slog.String("trigger", e.Trigger.String()),
				slog.String("error", err.Error()))
			continue
		}
		r.scheduled = append(r.scheduled, scheduledEffect{record: rec, trigger: e.Trigger.String()})
	}
}

// changes collects everything the turn commits.
func (r *turnRun) changes() worldstate.Changes {
	ch := worldstate.Changes{
		Mutations:    slices.Clone(r.mutations),
		Events:       slices.Clone(r.events),
		CountsAsTurn: !r.turn.World,
	}
	for _, f := range r.fired {
		ch.Mutations = append(ch.Mutations, f.mutations...)
		ch.Events = append(ch.Events, f.event)
		ch.ArchiveEffects = append(ch.ArchiveEffects, f.effect.ID)
	}
	if !r.turn.World {
		ch.Events = append(ch.Events, r.interactionEvent())
	}
	for _, s := range r.scheduled {
		ch.ScheduleEffects = append(ch.ScheduleEffects, s.record)
	}
	return ch
}

func (r *turnRun) retry(ctx context.Context) (worldstate.CommitResult, error) {
	if err := r.dropApplied(ctx); err != nil {
		return worldstate.CommitResult{}, err
	}
	if r.turn.World && len(r.fired) == 0 {
		return worldstate.CommitResult{}, errNothingLeft
	}
	changes := r.changes()

	fresh, err := r.c.deps.World.Read(ctx, r.turn.CampaignID, touched(changes.Mutations))
	if err != nil {
		return worldstate.CommitResult{}, fmt.Errorf("re-read after conflict: %w", err)
	}
	if err := verifyGuards(changes.Mutations, fresh); err != nil {
		return worldstate.CommitResult{}, err
	}
	res, err := r.commitAt(ctx, fresh.Version, changes)
	if err != nil {
		return worldstate.CommitResult{}, fmt.Errorf("retry: %w", err)
	}
	return res, nil
}

// dropApplied leaves out fired effects that are no longer pending, along
// with their held narration. Another turn's commit applied them.
func (r *turnRun) dropApplied(ctx context.Context) error {
	kept := r.fired[:0]
	for _, f := range r.fired {
		e, err := r.c.deps.Scheduler.Get(ctx, f.effect.ID)
		if err != nil {
			return fmt.Errorf("re-read effect %s: %w", f.effect.ID, err)
		}
		if e.Status == worldstate.EffectPending {
			kept = append(kept, f)
			continue
		}
		r.dropped = append(r.dropped, "effect:"+f.effect.ID+":applied")
		r.held = slices.DeleteFunc(r.held, func(h heldFragment) bool {
			return h.source == "effect:"+f.effect.ID
		})
	}
	r.fired = kept
	return nil
}

// touched returns the entities mutations change or guard on.
func touched(mutations []worldstate.Mutation) []worldstate.Ref {
	var refs []worldstate.Ref
	seen := make(map[worldstate.Ref]bool)
	add := func(ref worldstate.Ref) {
		if !seen[ref] {
			seen[ref] = true
			refs = append(refs, ref)
		}
	}
	for _, m := range mutations {
		if m.Op != worldstate.OpCreate {
			add(m.Ref)
		}
		for _, g := range m.Expect {
			add(g.Ref)
		}
	}
	return refs
}

// verifyGuards checks mutations against a fresh snapshot.
func verifyGuards(mutations []worldstate.Mutation, snap worldstate.Snapshot) error {
	for _, m := range mutations {
		if m.Op != worldstate.OpCreate {
			if _, ok := snap.Entity(m.Ref); !ok {
				return fmt.Errorf("%s: entity gone: %w", m, worldstate.ErrConflict)
			}
		}
		for _, g := range m.Expect {
			e, ok := snap.Entity(g.Ref)
			if !ok || !g.Holds(e.Attrs) {
				return fmt.Errorf("guard %s.%s no longer holds: %w", g.Ref, g.Path, worldstate.ErrConflict)
			}
		}
	}
	return nil
}

// abort ends the turn without a commit. Held fragments are dropped and the
// player hears AbortLine; the cause goes to the operator log.
func (r *turnRun) abort(ctx context.Context, cause error) error {
	ctx = context.WithoutCancel(ctx)
	for _, f := range r.fired {
		r.failed(ctx, f.effect, cause)
	}
	r.fired = nil
	r.held = nil
	r.aborted = true

	r.enqueue()
	r.publish(max(r.lastDepth, 0), AbortLine, "abort")
	r.plan.MarkAborted()

	r.c.logger.Warn("turn aborted",
		slog.String("turn", r.turn.ID),
		slog.String("campaign", r.turn.CampaignID),
		slog.String("kind", ErrorKind(cause)),
		slog.String("error", cause.Error()))
	r.c.record(eventlog.KindTurnAborted, r.turn, map[string]any{
		"cause":     cause.Error(),
		"kind":      ErrorKind(cause),
		"text":      r.turn.Text,
		"mutations": mutationStrings(r.mutations),
		"budget":    r.budget.Report(),
	})
	return &AbortError{TurnID: r.turn.ID, CampaignID: r.turn.CampaignID, Cause: cause}
}

// cancel ends a turn interrupted before its commit. Its due effects were
// never claimed and stay pending.
func (r *turnRun) cancel(_ context.Context, err error) error {
	r.fired = nil
	r.held = nil
	r.plan.Cancel()
	r.c.logger.Debug("turn cancelled", slog.String("turn", r.turn.ID), slog.String("error", err.Error()))
	return err
}

func (r *turnRun) failed(ctx context.Context, e schedule.Effect, cause error) {
	r.c.deps.Scheduler.Failed(ctx, e, cause)
	r.c.record(eventlog.KindEffectFailed, r.turn, map[string]any{
		"effect": e.ID,
		"cause":  cause.Error(),
	})
}

// background writes memory and the event log after a successful commit.
func (r *turnRun) background() {
	c := r.c
	turn := r.turn
	res := r.result
	fired := r.fired
	scheduled := r.scheduled
	lines := r.transcript()
	sum := r.summary(nil)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		for _, f := range fired {
			c.record(eventlog.KindEffectFired, turn, map[string]any{
				"effect":      f.effect.ID,
				"source_turn": f.effect.SourceTurnID,
				"trigger":     f.effect.Trigger.String(),
			})
		}
		for _, s := range scheduled {
			c.record(eventlog.KindEffectScheduled, turn, map[string]any{
				"effect":  s.record.ID,
				"trigger": s.trigger,
			})
		}

		if c.deps.Memory != nil && !turn.World && len(lines) > 0 {
			doc := knowledge.Document{
				ID:         "memory:" + turn.ID,
				CampaignID: turn.CampaignID,
				Title:      fmt.Sprintf("Turn %d", res.TurnNumber),
				Kind:       knowledge.KindMemory,
				Text:       "Player: " + turn.Text + "\nGM: " + strings.Join(lines, " "),
			}
			if !c.deps.Memory.IngestAsync(doc) {
				c.logger.Debug("memory queue full", slog.String("turn", turn.ID))
			}
		}

		c.record(eventlog.KindTurn, turn, map[string]any{
			"text":        turn.Text,
			"narration":   lines,
			"turn_number": res.TurnNumber,
			"version":     res.Version,
			"degraded":    sum.Degraded,
			"dropped":     sum.Dropped,
			"budget":      sum.Budget,
		})
	}()
}

func (r *turnRun) summary(err error) Summary {
	s := Summary{
		Turn:      r.turn,
		Budget:    r.budget.Report(),
		Committed: r.committed,
		Degraded:  r.degraded || r.plan.Degraded(),
		Aborted:   r.aborted,
		Dropped:   r.dropped,
		Err:       err,
	}
	if r.committed {
		s.Version = r.result.Version
		s.TurnNumber = r.result.TurnNumber
		s.Scheduled = len(r.scheduled)
		for _, f := range r.fired {
			s.Fired = append(s.Fired, f.effect.ID)
		}
	}
	return s
}

func known(snap worldstate.Snapshot) map[worldstate.Ref]bool {
	out := make(map[worldstate.Ref]bool, len(snap.Entities))
	for ref := range snap.Entities {
		out[ref] = true
	}
	return out
}

func mutationStrings(ms []worldstate.Mutation) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.String())
	}
	return out
}
