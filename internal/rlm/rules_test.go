package rlm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rand/gamemaster/internal/rlm/schedule"
	"github.com/rand/gamemaster/internal/worldstate"
)

func snapshotOf(entities ...worldstate.Entity) worldstate.Snapshot {
	snap := worldstate.Snapshot{CampaignID: "c1", Entities: make(map[worldstate.Ref]worldstate.Entity)}
	for _, e := range entities {
		snap.Entities[e.Ref] = e
	}
	return snap
}

func entity(ref worldstate.Ref, name, attrs string) worldstate.Entity {
	return worldstate.Entity{Ref: ref, Name: name, Attrs: json.RawMessage(attrs)}
}

var rulesTurn = Turn{ID: "t1", CampaignID: "c1", PlayerID: "p1"}

func TestRules_Open(t *testing.T) {
	locked := entity(chestRef, "chest", `{"locked":true,"key":"brass-key"}`)
	plan := Plan{Verb: VerbOpen, Target: chestRef}

	t.Run("actor unread recurses", func(t *testing.T) {
		out := Rules{}.Apply(rulesTurn, plan, snapshotOf(locked))
		require.NotNil(t, out.Residue)
		assert.Equal(t, []worldstate.Ref{playerRef}, out.Residue.Need)
		assert.Empty(t, out.Mutations)
	})

	t.Run("no key", func(t *testing.T) {
		out := Rules{}.Apply(rulesTurn, plan, snapshotOf(locked, entity(playerRef, "Aria", `{"inventory":[]}`)))
		assert.Equal(t, []string{"The chest resists, lock holding firm."}, out.Lines)
		assert.Empty(t, out.Mutations)
		assert.Nil(t, out.Residue)
	})

	t.Run("key by name", func(t *testing.T) {
		actor := entity(playerRef, "Aria", `{"inventory":[{"id":"k1","name":"Brass Key"}]}`)
		out := Rules{}.Apply(rulesTurn, plan, snapshotOf(locked, actor))
		require.Len(t, out.Mutations, 2)
		assert.Equal(t, "locked", out.Mutations[0].Path)
		assert.Equal(t, false, out.Mutations[0].Value)
		require.Len(t, out.Mutations[0].Expect, 1)
		assert.Contains(t, out.Lines[0], "the lid creaks open")
		require.Len(t, out.Events, 1)
		assert.Equal(t, "unlocked", out.Events[0].Kind)
		assert.True(t, out.Decided)
	})

	t.Run("door", func(t *testing.T) {
		door := entity(doorRef, "cellar door", `{"locked":true,"key_required":"brass-key"}`)
		actor := entity(playerRef, "Aria", `{"inventory":["brass-key"]}`)
		out := Rules{}.Apply(rulesTurn, Plan{Verb: VerbUse, Target: doorRef}, snapshotOf(door, actor))
		require.NotEmpty(t, out.Lines)
		assert.Contains(t, out.Lines[0], "the way swings open")
	})

	t.Run("unlocked", func(t *testing.T) {
		out := Rules{}.Apply(rulesTurn, plan, snapshotOf(entity(chestRef, "chest", `{"locked":false}`)))
		assert.Equal(t, []string{"The chest swings open."}, out.Lines)
		require.Len(t, out.Mutations, 1)
	})

	t.Run("already open", func(t *testing.T) {
		out := Rules{}.Apply(rulesTurn, plan, snapshotOf(entity(chestRef, "chest", `{"open":true}`)))
		assert.Empty(t, out.Mutations)
		assert.Contains(t, out.Lines[0], "already open")
	})

	t.Run("missing target", func(t *testing.T) {
		out := Rules{}.Apply(rulesTurn, plan, snapshotOf())
		assert.Equal(t, []string{"You don't see that here."}, out.Lines)
	})
}

func TestRules_Take(t *testing.T) {
	plan := Plan{Verb: VerbTake, Target: idolRef}
	tests := []struct {
		name      string
		attrs     string
		mutations int
		line      string
	}{
		{"free", `{}`, 2, "You take the idol."},
		{"fixed", `{"fixed":true}`, 0, "The idol won't budge."},
		{"mine", `{"held_by":"p1"}`, 0, "You already have the idol."},
		{"theirs", `{"held_by":"p2"}`, 0, "Someone else has the idol."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Rules{}.Apply(rulesTurn, plan, snapshotOf(entity(idolRef, "idol", tt.attrs)))
			assert.Len(t, out.Mutations, tt.mutations)
			assert.Equal(t, []string{tt.line}, out.Lines)
		})
	}
}

func TestRules_Attack(t *testing.T) {
	plan := Plan{Verb: VerbAttack, Target: guardRef}
	actor := entity(playerRef, "Aria", `{"damage":3}`)

	out := Rules{}.Apply(rulesTurn, plan, snapshotOf(entity(guardRef, "captain", `{"hp":5}`), actor))
	require.Len(t, out.Mutations, 1)
	assert.Equal(t, int64(2), out.Mutations[0].Value)
	assert.Contains(t, out.Lines[0], "staggers")

	out = Rules{}.Apply(rulesTurn, plan, snapshotOf(entity(guardRef, "captain", `{"hp":2}`), actor))
	require.Len(t, out.Mutations, 2)
	assert.Equal(t, "defeated", out.Mutations[1].Path)
	assert.Contains(t, out.Lines[0], "It falls.")
}

func TestRules_Go(t *testing.T) {
	out := Rules{}.Apply(rulesTurn, Plan{Verb: VerbGo, Target: hallRef}, snapshotOf(entity(hallRef, "hall", `{}`)))
	require.Len(t, out.Mutations, 1)
	assert.Equal(t, playerRef, out.Mutations[0].Ref)
	assert.Equal(t, "hall", out.Mutations[0].Value)

	out = Rules{}.Apply(rulesTurn, Plan{Verb: VerbGo, Target: hallRef}, snapshotOf(entity(hallRef, "hall", `{"locked":true}`)))
	assert.Empty(t, out.Mutations)
}

func TestRules_DeclaredEffects(t *testing.T) {
	idol := entity(idolRef, "idol", `{"effects":[
		{"on":"take","once":true,"trigger":{"kind":"turns","turns":3},"payload":{"narration":"The guards arrive."}},
		{"on":"look","trigger":{"kind":"turns","turns":1},"payload":{"narration":"ignored"}},
		{"on":"take","spent":true,"trigger":{"kind":"turns","turns":1},"payload":{"narration":"spent"}},
		{"on":"take","trigger":{"kind":"turns","turns":0},"payload":{"narration":"invalid"}}
	]}`)

	out := Rules{}.Apply(rulesTurn, Plan{Verb: VerbTake, Target: idolRef}, snapshotOf(idol))
	require.Len(t, out.Effects, 1)
	e := out.Effects[0]
	assert.Equal(t, schedule.AfterTurns(3), e.Trigger)
	assert.Equal(t, "The guards arrive.", e.Payload.Narration)
	assert.Equal(t, "t1", e.SourceTurnID)
	assert.Equal(t, "c1", e.CampaignID)

	last := out.Mutations[len(out.Mutations)-1]
	assert.Equal(t, "effects.0.spent", last.Path)
}

func TestRules_NoEffectsWithoutOutcome(t *testing.T) {
	idol := entity(idolRef, "idol", `{"fixed":true,"effects":[{"on":"take","trigger":{"kind":"turns","turns":1},"payload":{"narration":"x"}}]}`)
	out := Rules{}.Apply(rulesTurn, Plan{Verb: VerbTake, Target: idolRef}, snapshotOf(idol))
	assert.Empty(t, out.Effects)
}
