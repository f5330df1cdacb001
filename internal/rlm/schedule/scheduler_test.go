package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rand/gamemaster/internal/worldstate"
)

var gate = worldstate.Ref{Kind: worldstate.KindLocation, ID: "gate"}

func newTestScheduler(t *testing.T) (*Scheduler, *worldstate.SQLiteStore) {
	t.Helper()
	ctx := context.Background()
	store, err := worldstate.Open(ctx, worldstate.Options{Path: filepath.Join(t.TempDir(), "world.db"), CreateIfNotExists: true})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.EnsureCampaign(ctx, "c1", "Test"))
	require.NoError(t, store.EnsureCampaign(ctx, "c2", "Other"))
	return New(store, Config{MaxAttempts: 2}), store
}

func guardsArrive(turn int64) Effect {
	return Effect{
		CampaignID:      "c1",
		SourceTurnID:    "t1",
		Trigger:         AfterTurns(3),
		ScheduledAtTurn: turn,
		Payload: Payload{
			Narration: "Boots thunder on the stairs: the guards arrive.",
			Mutations: []worldstate.Mutation{worldstate.Set(gate, "guarded", true)},
		},
	}
}

func TestTrigger_Validate(t *testing.T) {
	tests := []struct {
		name    string
		trigger Trigger
		wantErr bool
	}{
		{"turns", AfterTurns(3), false},
		{"zero turns", AfterTurns(0), true},
		{"delay", AfterDelay(time.Minute), false},
		{"no delay", Trigger{Kind: TriggerTime}, true},
		{"state", When(worldstate.Guard{Ref: gate, Path: "open", Equals: true}), false},
		{"state without path", When(worldstate.Guard{Ref: gate}), true},
		{"unknown", Trigger{Kind: "moon"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.trigger.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSchedule_RoundTrip(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	id, err := s.Schedule(ctx, guardsArrive(1))
	require.NoError(t, err)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, worldstate.EffectPending, got.Status)
	assert.Equal(t, int64(3), got.Trigger.Turns)
	assert.Equal(t, int64(1), got.ScheduledAtTurn)
	require.Len(t, got.Payload.Mutations, 1)
	assert.Equal(t, gate, got.Payload.Mutations[0].Ref)
}

func TestSchedule_Rejects(t *testing.T) {
	s, _ := newTestScheduler(t)
	_, err := s.Schedule(context.Background(), Effect{CampaignID: "c1", Trigger: AfterTurns(0)})
	assert.Error(t, err)
	_, err = s.Schedule(context.Background(), Effect{Trigger: AfterTurns(1)})
	assert.Error(t, err)
}

func TestDue_TurnCount(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()
	_, err := s.Schedule(ctx, guardsArrive(1))
	require.NoError(t, err)

	pending, err := s.Pending(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	for turn := int64(2); turn <= 3; turn++ {
		assert.Empty(t, s.Due(pending, turn, worldstate.Snapshot{}), "turn %d", turn)
	}
	assert.Len(t, s.Due(pending, 4, worldstate.Snapshot{}), 1)
}

func TestDue_Time(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }

	_, err := s.Schedule(ctx, Effect{CampaignID: "c1", Trigger: AfterDelay(time.Minute), Payload: Payload{Narration: "The bell tolls."}})
	require.NoError(t, err)
	pending, err := s.Pending(ctx, "c1")
	require.NoError(t, err)

	assert.Empty(t, s.Due(pending, 1, worldstate.Snapshot{}))
	now = now.Add(time.Minute)
	assert.Len(t, s.Due(pending, 1, worldstate.Snapshot{}), 1)
}

func TestDue_StatePredicate(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()
	_, err := s.Schedule(ctx, Effect{
		CampaignID: "c1",
		Trigger:    When(worldstate.Guard{Ref: gate, Path: "open", Equals: true}),
		Payload:    Payload{Narration: "Wind howls through the open gate."},
	})
	require.NoError(t, err)
	pending, err := s.Pending(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []worldstate.Ref{gate}, PredicateRefs(pending))

	closed := worldstate.Snapshot{Entities: map[worldstate.Ref]worldstate.Entity{
		gate: {Ref: gate, Attrs: json.RawMessage(`{"open":false}`)},
	}}
	open := worldstate.Snapshot{Entities: map[worldstate.Ref]worldstate.Entity{
		gate: {Ref: gate, Attrs: json.RawMessage(`{"open":true}`)},
	}}
	assert.Empty(t, s.Due(pending, 1, worldstate.Snapshot{}))
	assert.Empty(t, s.Due(pending, 1, closed))
	assert.Len(t, s.Due(pending, 1, open), 1)
}

func TestPrepare(t *testing.T) {
	s, _ := newTestScheduler(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	rec, err := s.Prepare(guardsArrive(1))
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, worldstate.EffectPending, rec.Status)
	assert.Nil(t, rec.DueAt)

	e := guardsArrive(1)
	e.Trigger = AfterDelay(time.Minute)
	rec, err = s.Prepare(e)
	require.NoError(t, err)
	require.NotNil(t, rec.DueAt)
	assert.Equal(t, now.Add(time.Minute), *rec.DueAt)

	e.CampaignID = ""
	_, err = s.Prepare(e)
	assert.Error(t, err)
}

func TestCancel(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()
	id, err := s.Schedule(ctx, guardsArrive(1))
	require.NoError(t, err)

	require.NoError(t, s.Cancel(ctx, id))
	assert.ErrorIs(t, s.Cancel(ctx, id), ErrNotPending)
	assert.ErrorIs(t, s.Cancel(ctx, "missing"), worldstate.ErrNotFound)

	pending, err := s.Pending(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, pending, "cancelled effects never fire")
}

func TestFailed(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()
	id, err := s.Schedule(ctx, guardsArrive(1))
	require.NoError(t, err)
	e, err := s.Get(ctx, id)
	require.NoError(t, err)

	s.Failed(ctx, e, errors.New("state conflict"))
	e, err = s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, worldstate.EffectPending, e.Status)
	assert.Equal(t, 1, e.Attempts)
	assert.Equal(t, "state conflict", e.LastError)
	assert.Len(t, s.Due([]Effect{e}, 4, worldstate.Snapshot{}), 1, "still fires on a later turn")

	s.Failed(ctx, e, errors.New("state conflict"))
	e, err = s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, worldstate.EffectCancelled, e.Status)
}

func TestFailed_IgnoresArchivedEffect(t *testing.T) {
	s, store := newTestScheduler(t)
	ctx := context.Background()
	id, err := s.Schedule(ctx, guardsArrive(0))
	require.NoError(t, err)
	e, err := s.Get(ctx, id)
	require.NoError(t, err)

	tx, err := store.BeginTransaction(ctx, "c1", 0)
	require.NoError(t, err)
	_, err = tx.Commit(ctx, worldstate.Changes{CountsAsTurn: true, ArchiveEffects: []string{id}})
	require.NoError(t, err)

	s.Failed(ctx, e, nil)
	e, err = s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, worldstate.EffectArchived, e.Status)
	assert.Zero(t, e.Attempts)
}

type recordingTurner struct {
	mu        sync.Mutex
	campaigns []string
}

func (r *recordingTurner) WorldTurn(_ context.Context, campaignID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.campaigns = append(r.campaigns, campaignID)
	return nil
}

func TestTick_OnlyDueCampaigns(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }

	_, err := s.Schedule(ctx, Effect{CampaignID: "c1", Trigger: AfterDelay(time.Second), Payload: Payload{Narration: "Dawn."}})
	require.NoError(t, err)
	_, err = s.Schedule(ctx, Effect{CampaignID: "c2", Trigger: AfterDelay(time.Hour), Payload: Payload{Narration: "Dusk."}})
	require.NoError(t, err)

	wt := &recordingTurner{}
	now = now.Add(2 * time.Second)
	s.Tick(ctx, wt)
	assert.Equal(t, []string{"c1"}, wt.campaigns)
}
