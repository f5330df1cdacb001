package rlm

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rand/gamemaster/internal/eventlog"
	"github.com/rand/gamemaster/internal/model"
	"github.com/rand/gamemaster/internal/narration"
	"github.com/rand/gamemaster/internal/rlm/schedule"
	"github.com/rand/gamemaster/internal/worldstate"
)

var (
	chestRef  = worldstate.Ref{Kind: worldstate.KindItem, ID: "chest"}
	idolRef   = worldstate.Ref{Kind: worldstate.KindItem, ID: "idol"}
	hallRef   = worldstate.Ref{Kind: worldstate.KindLocation, ID: "hall"}
	playerRef = worldstate.Ref{Kind: worldstate.KindPlayer, ID: "p1"}
)

// world wraps the SQLite store to count commits and inject delays and
// conflicts.
type world struct {
	worldstate.Gateway

	commits atomic.Int64

	mu           sync.Mutex
	onRead       func(ctx context.Context, refs []worldstate.Ref) error
	beforeCommit func()
}

func (w *world) Read(ctx context.Context, campaignID string, refs []worldstate.Ref) (worldstate.Snapshot, error) {
	w.mu.Lock()
	hook := w.onRead
	w.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, refs); err != nil {
			return worldstate.Snapshot{}, err
		}
	}
	return w.Gateway.Read(ctx, campaignID, refs)
}

func (w *world) BeginTransaction(ctx context.Context, campaignID string, base int64) (worldstate.Tx, error) {
	tx, err := w.Gateway.BeginTransaction(ctx, campaignID, base)
	if err != nil {
		return nil, err
	}
	return &countedTx{Tx: tx, w: w}, nil
}

type countedTx struct {
	worldstate.Tx
	w *world
}

func (t *countedTx) Commit(ctx context.Context, changes worldstate.Changes) (worldstate.CommitResult, error) {
	t.w.mu.Lock()
	hook := t.w.beforeCommit
	t.w.mu.Unlock()
	if hook != nil {
		hook()
	}
	res, err := t.Tx.Commit(ctx, changes)
	if err == nil {
		t.w.commits.Add(1)
	}
	return res, err
}

type stubModel struct {
	mu    sync.Mutex
	calls []model.Request
	reply func(model.Request) (model.Completion, error)
}

func (s *stubModel) Complete(_ context.Context, req model.Request) (model.Completion, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()
	if s.reply == nil {
		return model.Completion{}, model.ErrUnavailable
	}
	return s.reply(req)
}

func (s *stubModel) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func narrator(text string) *stubModel {
	return &stubModel{reply: func(req model.Request) (model.Completion, error) {
		if req.SubTask == model.SubTaskIntentClassify {
			return model.Completion{Text: "action", InputTokens: 20, OutputTokens: 1}, nil
		}
		return model.Completion{Text: text, InputTokens: 120, OutputTokens: 30}, nil
	}}
}

type chunkSink struct {
	mu     sync.Mutex
	chunks []narration.Chunk
	at     []time.Time
}

func (s *chunkSink) Deliver(_ context.Context, c narration.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, c)
	s.at = append(s.at, time.Now())
	return nil
}

func (s *chunkSink) snapshot() ([]narration.Chunk, []time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.chunks), slices.Clone(s.at)
}

type harness struct {
	store     *worldstate.SQLiteStore
	world     *world
	model     *stubModel
	scheduler *schedule.Scheduler
	queue     *narration.Queue
	sink      *chunkSink
	events    *eventlog.Memory
	ctrl      *Controller

	mu        sync.Mutex
	summaries []Summary
}

type harnessOption func(*ControllerConfig)

func newHarness(t *testing.T, m *stubModel, opts ...harnessOption) *harness {
	t.Helper()
	ctx := context.Background()
	store, err := worldstate.Open(ctx, worldstate.Options{Path: filepath.Join(t.TempDir(), "world.db"), CreateIfNotExists: true})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.EnsureCampaign(ctx, "c1", "Test"))
	require.NoError(t, store.EnsurePlayer(ctx, "c1", "p1", "Aria"))
	require.NoError(t, store.EnsurePlayer(ctx, "c1", "p2", "Brom"))

	if m == nil {
		m = &stubModel{}
	}
	h := &harness{
		store:     store,
		world:     &world{Gateway: store},
		model:     m,
		scheduler: schedule.New(store, schedule.Config{}),
		sink:      &chunkSink{},
		events:    eventlog.NewMemory(),
	}
	h.queue = narration.NewQueue(h.sink, narration.QueueConfig{})

	cfg := DefaultControllerConfig()
	cfg.OnComplete = func(s Summary) {
		h.mu.Lock()
		h.summaries = append(h.summaries, s)
		h.mu.Unlock()
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	h.ctrl, err = NewController(Deps{
		World:     h.world,
		Model:     m,
		Scheduler: h.scheduler,
		Queue:     h.queue,
		Events:    h.events,
	}, cfg)
	require.NoError(t, err)
	return h
}

func (h *harness) put(t *testing.T, ref worldstate.Ref, name, attrs string) {
	t.Helper()
	require.NoError(t, h.store.PutEntity(context.Background(), "c1", worldstate.Entity{
		Ref: ref, Name: name, Attrs: json.RawMessage(attrs),
	}))
}

func (h *harness) turn(t *testing.T, player, text string) (*narration.Plan, error) {
	t.Helper()
	plan, err := h.ctrl.HandleTurn(context.Background(), NewTurn("c1", "s1", player, text, "en"))
	h.ctrl.Wait()
	return plan, err
}

func (h *harness) entity(t *testing.T, ref worldstate.Ref) worldstate.Entity {
	t.Helper()
	snap, err := h.store.Read(context.Background(), "c1", []worldstate.Ref{ref})
	require.NoError(t, err)
	e, ok := snap.Entity(ref)
	require.True(t, ok, "entity %s", ref)
	return e
}

func (h *harness) lastSummary(t *testing.T) Summary {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(t, h.summaries)
	return h.summaries[len(h.summaries)-1]
}

func (h *harness) eventsOf(t *testing.T, kind string) []worldstate.Event {
	t.Helper()
	evs, err := h.store.RecentEvents(context.Background(), "c1", kind, 50)
	require.NoError(t, err)
	return evs
}

func TestHandleTurn_LockedChestWithoutKey(t *testing.T) {
	h := newHarness(t, nil)
	h.put(t, chestRef, "chest", `{"locked":true,"key":"brass-key"}`)

	plan, err := h.turn(t, "p1", "I open the chest")
	require.NoError(t, err)

	assert.Contains(t, plan.Text(), "resists, lock holding firm")
	assert.True(t, h.entity(t, chestRef).Get("locked").Bool(), "chest stays locked")
	assert.Empty(t, h.eventsOf(t, "unlocked"))
	assert.Equal(t, int64(1), h.world.commits.Load())
	assert.Zero(t, h.model.count(), "exact matches need no model call")
}

func TestHandleTurn_LockedChestWithBrassKey(t *testing.T) {
	h := newHarness(t, nil)
	h.put(t, chestRef, "chest", `{"locked":true,"key":"brass-key"}`)
	h.put(t, playerRef, "Aria", `{"inventory":["brass-key"]}`)

	plan, err := h.turn(t, "p1", "I open the chest")
	require.NoError(t, err)

	assert.Contains(t, plan.Text(), "the lid creaks open")
	chest := h.entity(t, chestRef)
	assert.False(t, chest.Get("locked").Bool())
	assert.True(t, chest.Get("open").Bool())
	assert.Len(t, h.eventsOf(t, "unlocked"), 1)
	assert.Len(t, h.eventsOf(t, EventInteraction), 1)
	assert.Equal(t, int64(1), h.world.commits.Load())

	frags := plan.Fragments()
	require.Len(t, frags, 2)
	assert.Equal(t, narration.Immediate, frags[0].Kind)
	assert.Equal(t, 0, frags[0].Depth)
	assert.Equal(t, 1, frags[1].Depth, "the key check recursed once")

	sum := h.lastSummary(t)
	assert.True(t, sum.Committed)
	assert.Equal(t, int64(1), sum.TurnNumber)
	assert.Equal(t, 1, sum.Budget.Used.Depth)
}

func TestHandleTurn_GuardsArriveThreeTurnsLater(t *testing.T) {
	h := newHarness(t, narrator("The torchlight flickers."))
	h.put(t, hallRef, "hall", `{"guarded":false}`)
	h.put(t, idolRef, "idol", `{"effects":[{
		"on":"take","once":true,
		"trigger":{"kind":"turns","turns":3},
		"payload":{
			"narration":"Boots thunder on the stairs: the guards arrive.",
			"event_kind":"guards_arrived",
			"mutations":[{"ref":"location:hall","op":"set","path":"guarded","value":true}]
		}}]}`)

	plan, err := h.turn(t, "p1", "I take the idol")
	require.NoError(t, err)
	assert.Contains(t, plan.Text(), "You take the idol.")

	effects, err := h.scheduler.Pending(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, effects, 1)
	assert.Equal(t, int64(1), effects[0].ScheduledAtTurn)
	assert.Equal(t, plan.TurnID, effects[0].SourceTurnID)

	for i := 0; i < 2; i++ {
		plan, err = h.turn(t, "p1", "I wait and listen")
		require.NoError(t, err)
		assert.NotContains(t, plan.Text(), "guards arrive")
		assert.False(t, h.entity(t, hallRef).Get("guarded").Bool())
	}

	plan, err = h.turn(t, "p1", "I wait and listen")
	require.NoError(t, err)
	assert.Contains(t, plan.Text(), "the guards arrive")
	assert.True(t, h.entity(t, hallRef).Get("guarded").Bool())
	assert.Len(t, h.eventsOf(t, "guards_arrived"), 1)

	frags := plan.Fragments()
	require.NotEmpty(t, frags)
	assert.False(t, strings.HasPrefix(frags[0].Source, "effect:"), "immediate fragment never comes from an effect")

	e, err := h.scheduler.Get(context.Background(), effects[0].ID)
	require.NoError(t, err)
	assert.Equal(t, worldstate.EffectArchived, e.Status)

	// Spent one-shot declarations do not schedule again.
	assert.True(t, h.entity(t, idolRef).Get("effects.0.spent").Bool())
	assert.Len(t, h.events.Records(eventlog.KindEffectFired), 1)
}

func TestHandleTurn_ModelAlwaysFails(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"question", "Who rules this valley?"},
		{"short", "hmm"},
		{"free action", "I hum a song to the moon"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			failing := &stubModel{reply: func(model.Request) (model.Completion, error) {
				return model.Completion{}, errors.New("provider down")
			}}
			h := newHarness(t, failing)

			plan, err := h.turn(t, "p1", tt.text)
			require.NoError(t, err)
			assert.Positive(t, plan.Len())
			assert.NotEmpty(t, strings.TrimSpace(plan.Text()))
			assert.True(t, plan.Degraded())
			assert.True(t, h.lastSummary(t).Degraded)
			assert.Equal(t, 1, failing.count())
			assert.Equal(t, int64(1), h.world.commits.Load())
		})
	}
}

func TestHandleTurn_ConflictRetriedOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.put(t, chestRef, "chest", `{"locked":true,"key":"brass-key"}`)
	h.put(t, playerRef, "Aria", `{"inventory":["brass-key"]}`)

	var bumps atomic.Int64
	h.world.beforeCommit = func() {
		if bumps.Add(1) == 1 {
			bumpVersion(t, h.store)
		}
	}

	plan, err := h.turn(t, "p1", "I open the chest")
	require.NoError(t, err)
	assert.Contains(t, plan.Text(), "the lid creaks open")
	assert.Equal(t, int64(1), h.world.commits.Load())
	assert.Equal(t, int64(2), bumps.Load())
	assert.False(t, h.entity(t, chestRef).Get("locked").Bool())
}

func TestHandleTurn_AbortsAfterSecondConflict(t *testing.T) {
	h := newHarness(t, nil)
	h.put(t, chestRef, "chest", `{"locked":true,"key":"brass-key"}`)
	h.put(t, playerRef, "Aria", `{"inventory":["brass-key"]}`)
	h.world.beforeCommit = func() { bumpVersion(t, h.store) }

	plan, err := h.turn(t, "p1", "I open the chest")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTurnAborted)
	assert.ErrorIs(t, err, ErrStateConflict)
	var abort *AbortError
	require.ErrorAs(t, err, &abort)
	assert.Equal(t, "c1", abort.CampaignID)

	assert.Zero(t, h.world.commits.Load())
	assert.True(t, h.entity(t, chestRef).Get("locked").Bool(), "no partial mutation")
	assert.Empty(t, h.eventsOf(t, "unlocked"))

	assert.True(t, plan.Aborted())
	assert.Contains(t, plan.Text(), AbortLine)
	assert.NotContains(t, plan.Text(), "creaks open", "unconfirmed outcome is never spoken")
	assert.NotContains(t, plan.Text(), "conflict", "player text stays in-world")

	recs := h.events.Records(eventlog.KindTurnAborted)
	require.Len(t, recs, 1)
	assert.Contains(t, string(recs[0].Payload), "conflict")
	assert.Equal(t, "turn_aborted", ErrorKind(err))
}

func scheduleHorn(t *testing.T, h *harness) string {
	t.Helper()
	id, err := h.scheduler.Schedule(context.Background(), schedule.Effect{
		CampaignID: "c1",
		Trigger:    schedule.AfterTurns(1),
		Payload: schedule.Payload{
			Narration: "A horn sounds.",
			Mutations: []worldstate.Mutation{worldstate.Set(hallRef, "guarded", true)},
		},
	})
	require.NoError(t, err)
	return id
}

func TestHandleTurn_AbortKeepsEffectPending(t *testing.T) {
	h := newHarness(t, narrator("Quiet."))
	h.put(t, hallRef, "hall", `{"guarded":false}`)
	id := scheduleHorn(t, h)
	h.world.beforeCommit = func() { bumpVersion(t, h.store) }

	plan, err := h.turn(t, "p1", "I wait and listen")
	require.ErrorIs(t, err, ErrTurnAborted)
	assert.NotContains(t, plan.Text(), "horn")

	e, err := h.scheduler.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, worldstate.EffectPending, e.Status)
	assert.Equal(t, 1, e.Attempts)
	assert.False(t, h.entity(t, hallRef).Get("guarded").Bool())

	h.world.beforeCommit = nil
	plan, err = h.turn(t, "p1", "I wait and listen")
	require.NoError(t, err)
	assert.Contains(t, plan.Text(), "A horn sounds.")
	assert.True(t, h.entity(t, hallRef).Get("guarded").Bool())

	e, err = h.scheduler.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, worldstate.EffectArchived, e.Status)
}

func TestHandleTurn_CancelLeavesEffectPending(t *testing.T) {
	h := newHarness(t, narrator("Quiet."))
	h.put(t, hallRef, "hall", `{"guarded":false}`)
	id := scheduleHorn(t, h)

	ctx, cancel := context.WithCancel(context.Background())
	h.world.beforeCommit = func() { t.Error("cancelled turn reached its commit") }
	h.world.onRead = func(context.Context, []worldstate.Ref) error {
		cancel()
		return nil
	}
	_, err := h.ctrl.HandleTurn(ctx, NewTurn("c1", "s1", "p1", "I wait and listen", "en"))
	require.ErrorIs(t, err, context.Canceled)
	h.ctrl.Wait()

	e, err := h.scheduler.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, worldstate.EffectPending, e.Status)
	assert.Zero(t, e.Attempts)

	h.world.onRead = nil
	h.world.beforeCommit = nil
	plan, err := h.turn(t, "p1", "I wait and listen")
	require.NoError(t, err)
	assert.Contains(t, plan.Text(), "A horn sounds.")
	assert.True(t, h.entity(t, hallRef).Get("guarded").Bool())
}

func TestHandleTurn_EffectAppliedElsewhereIsDropped(t *testing.T) {
	h := newHarness(t, narrator("Quiet."))
	h.put(t, hallRef, "hall", `{"guarded":false}`)
	id := scheduleHorn(t, h)

	var once sync.Once
	h.world.beforeCommit = func() {
		once.Do(func() {
			ctx := context.Background()
			snap, err := h.store.Read(ctx, "c1", nil)
			require.NoError(t, err)
			tx, err := h.store.BeginTransaction(ctx, "c1", snap.Version)
			require.NoError(t, err)
			_, err = tx.Commit(ctx, worldstate.Changes{ArchiveEffects: []string{id}})
			require.NoError(t, err)
		})
	}

	plan, err := h.turn(t, "p1", "I wait and listen")
	require.NoError(t, err)
	assert.NotContains(t, plan.Text(), "horn", "only the commit that applied the effect narrates it")
	assert.Equal(t, int64(1), h.world.commits.Load())
	assert.False(t, h.entity(t, hallRef).Get("guarded").Bool())

	sum := h.lastSummary(t)
	assert.True(t, sum.Committed)
	assert.Empty(t, sum.Fired)
	assert.Contains(t, sum.Dropped, "effect:"+id+":applied")
	assert.Empty(t, h.eventsOf(t, EventEffectFired))
}

func TestHandleTurn_SchedulesEffectsInCommit(t *testing.T) {
	h := newHarness(t, narrator("The torchlight flickers."))
	h.put(t, idolRef, "idol", `{"effects":[{
		"on":"take","once":true,
		"trigger":{"kind":"turns","turns":1},
		"payload":{"narration":"Dust trickles from the ceiling."}}]}`)

	plan, err := h.ctrl.HandleTurn(context.Background(), NewTurn("c1", "s1", "p1", "I take the idol", "en"))
	require.NoError(t, err)

	// No Wait: the effect is stored by the commit itself.
	effects, err := h.scheduler.Pending(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, effects, 1)
	assert.Equal(t, plan.TurnID, effects[0].SourceTurnID)
	assert.Equal(t, int64(1), effects[0].ScheduledAtTurn)
	h.ctrl.Wait()

	plan, err = h.turn(t, "p1", "I wait and listen")
	require.NoError(t, err)
	assert.Contains(t, plan.Text(), "Dust trickles", "a one-turn delay fires on the very next turn")
}

func TestHandleTurn_ImmediateFragmentNotDelayedByBackground(t *testing.T) {
	h := newHarness(t, nil)
	h.put(t, chestRef, "chest", `{"locked":true,"key":"brass-key"}`)
	h.put(t, playerRef, "Aria", `{"inventory":["brass-key"]}`)

	const delay = 500 * time.Millisecond
	h.world.onRead = func(ctx context.Context, refs []worldstate.Ref) error {
		if !slices.Contains(refs, playerRef) {
			return nil
		}
		select {
		case <-time.After(delay):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	start := time.Now()
	done := make(chan *narration.Plan, 1)
	go func() {
		plan, err := h.ctrl.HandleTurn(context.Background(), NewTurn("c1", "s1", "p1", "I open the chest", "en"))
		assert.NoError(t, err)
		done <- plan
	}()

	require.Eventually(t, func() bool {
		chunks, _ := h.sink.snapshot()
		return len(chunks) > 0
	}, delay-100*time.Millisecond, 5*time.Millisecond, "immediate fragment streams before the background depth finishes")

	select {
	case <-done:
		t.Fatal("turn finished before the delayed read")
	default:
	}

	plan := <-done
	assert.GreaterOrEqual(t, time.Since(start), delay)
	imm, ok := plan.Immediate()
	require.True(t, ok)
	assert.Equal(t, "You try the chest.", imm.Text)
	assert.Less(t, imm.At.Sub(start), delay)
	assert.Contains(t, plan.Text(), "the lid creaks open")
	h.ctrl.Wait()
}

func TestHandleTurn_PerCampaignOrder(t *testing.T) {
	h := newHarness(t, narrator("Time passes."))
	h.put(t, chestRef, "chest", `{"locked":false}`)

	release := make(chan struct{})
	h.world.onRead = func(ctx context.Context, refs []worldstate.Ref) error {
		if !slices.Contains(refs, chestRef) {
			return nil
		}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	t1 := NewTurn("c1", "s1", "p1", "I open the chest", "en")
	t2 := NewTurn("c1", "s1", "p2", "I wait and listen", "en")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := h.ctrl.HandleTurn(context.Background(), t1)
		assert.NoError(t, err)
	}()
	require.Eventually(t, func() bool { return h.queue.Pending("c1") == 1 }, time.Second, 5*time.Millisecond)

	_, err := h.ctrl.HandleTurn(context.Background(), t2)
	require.NoError(t, err)
	close(release)
	wg.Wait()
	h.ctrl.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.queue.Close(ctx))

	chunks, _ := h.sink.snapshot()
	var order []string
	for _, c := range chunks {
		if len(order) == 0 || order[len(order)-1] != c.TurnID {
			order = append(order, c.TurnID)
		}
	}
	assert.Equal(t, []string{t1.ID, t2.ID}, order)
	assert.Equal(t, int64(2), h.world.commits.Load(), "t1 retried after t2 moved the campaign on")
	assert.True(t, h.entity(t, chestRef).Get("open").Bool())
}

func TestHandleTurn_FiringIsIdempotent(t *testing.T) {
	h := newHarness(t, narrator("Quiet."))
	h.put(t, hallRef, "hall", `{"arrivals":[]}`)
	_, err := h.scheduler.Schedule(context.Background(), schedule.Effect{
		CampaignID: "c1",
		Trigger:    schedule.AfterTurns(1),
		Payload: schedule.Payload{
			Narration: "A guard arrives.",
			Mutations: []worldstate.Mutation{worldstate.Append(hallRef, "arrivals", "guard")},
		},
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, p := range []string{"p1", "p2", "p1", "p2"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.ctrl.HandleTurn(context.Background(), NewTurn("c1", "s1", p, "I wait and listen", "en"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	h.ctrl.Wait()

	assert.Len(t, h.entity(t, hallRef).Get("arrivals").Array(), 1)
	assert.Len(t, h.eventsOf(t, EventEffectFired), 1)
}

func TestHandleTurn_CancelledBeforeCommit(t *testing.T) {
	h := newHarness(t, nil)
	h.put(t, chestRef, "chest", `{"locked":true,"key":"brass-key"}`)
	h.put(t, playerRef, "Aria", `{"inventory":["brass-key"]}`)

	ctx, cancel := context.WithCancel(context.Background())
	h.world.onRead = func(_ context.Context, refs []worldstate.Ref) error {
		if slices.Contains(refs, playerRef) {
			cancel()
		}
		return nil
	}

	plan, err := h.ctrl.HandleTurn(ctx, NewTurn("c1", "s1", "p1", "I open the chest", "en"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, h.world.commits.Load())
	assert.True(t, h.entity(t, chestRef).Get("locked").Bool())
	assert.NotContains(t, plan.Text(), "creaks open")
}

func TestHandleTurn_MaxDepthLine(t *testing.T) {
	h := newHarness(t, nil, func(c *ControllerConfig) { c.Policy.MaxDepth = 0 })
	h.put(t, chestRef, "chest", `{"locked":true,"key":"brass-key"}`)
	h.put(t, playerRef, "Aria", `{"inventory":["brass-key"]}`)

	plan, err := h.turn(t, "p1", "I open the chest")
	require.NoError(t, err)
	assert.Contains(t, plan.Text(), MaxDepthLine)
	assert.True(t, h.entity(t, chestRef).Get("locked").Bool())
	assert.LessOrEqual(t, h.lastSummary(t).Budget.Used.Depth, 0)
}

func TestWorldTurn(t *testing.T) {
	h := newHarness(t, nil)
	h.put(t, hallRef, "hall", `{"guarded":false}`)

	require.NoError(t, h.ctrl.WorldTurn(context.Background(), "c1"))
	assert.Zero(t, h.world.commits.Load(), "nothing due, nothing committed")

	_, err := h.scheduler.Schedule(context.Background(), schedule.Effect{
		CampaignID: "c1",
		Trigger:    schedule.AfterDelay(time.Millisecond),
		Payload: schedule.Payload{
			Narration: "Night falls over the hall.",
			Mutations: []worldstate.Mutation{worldstate.Set(hallRef, "guarded", true)},
		},
	})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	h.scheduler.Tick(context.Background(), h.ctrl)
	h.ctrl.Wait()

	assert.Equal(t, int64(1), h.world.commits.Load())
	assert.True(t, h.entity(t, hallRef).Get("guarded").Bool())
	snap, err := h.store.Read(context.Background(), "c1", nil)
	require.NoError(t, err)
	assert.Zero(t, snap.TurnCount, "world turns do not advance the turn counter")

	chunks, _ := h.sink.snapshot()
	require.Eventually(t, func() bool {
		chunks, _ = h.sink.snapshot()
		return len(chunks) > 0
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, chunks[0].Text, "Night falls")
}

func TestWorldTurn_EffectAppliedElsewhere(t *testing.T) {
	h := newHarness(t, nil)
	h.put(t, hallRef, "hall", `{"guarded":false}`)
	id, err := h.scheduler.Schedule(context.Background(), schedule.Effect{
		CampaignID: "c1",
		Trigger:    schedule.AfterDelay(time.Millisecond),
		Payload:    schedule.Payload{Narration: "Night falls over the hall."},
	})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	var once sync.Once
	h.world.beforeCommit = func() {
		once.Do(func() {
			ctx := context.Background()
			snap, err := h.store.Read(ctx, "c1", nil)
			require.NoError(t, err)
			tx, err := h.store.BeginTransaction(ctx, "c1", snap.Version)
			require.NoError(t, err)
			_, err = tx.Commit(ctx, worldstate.Changes{ArchiveEffects: []string{id}})
			require.NoError(t, err)
		})
	}

	plan, err := h.ctrl.HandleTurn(context.Background(), Turn{CampaignID: "c1", World: true})
	require.NoError(t, err)
	h.ctrl.Wait()
	assert.Zero(t, h.world.commits.Load())
	assert.NotContains(t, plan.Text(), "Night falls")
	assert.False(t, h.lastSummary(t).Committed)
}

func TestNewController_Validates(t *testing.T) {
	_, err := NewController(Deps{}, DefaultControllerConfig())
	assert.Error(t, err)

	h := newHarness(t, nil)
	cfg := DefaultControllerConfig()
	cfg.Policy.MaxDepth = -1
	_, err = NewController(Deps{World: h.store, Scheduler: h.scheduler}, cfg)
	assert.Error(t, err)
}

func TestCampaignLocks_Released(t *testing.T) {
	l := newCampaignLocks()
	unlock := l.lock("c1")
	acquired := make(chan struct{})
	go func() {
		u := l.lock("c1")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	<-acquired
	assert.Zero(t, l.size())
}

func bumpVersion(t *testing.T, store *worldstate.SQLiteStore) {
	t.Helper()
	ctx := context.Background()
	snap, err := store.Read(ctx, "c1", nil)
	require.NoError(t, err)
	tx, err := store.BeginTransaction(ctx, "c1", snap.Version)
	require.NoError(t, err)
	_, err = tx.Commit(ctx, worldstate.Changes{})
	require.NoError(t, err)
}
