package rlm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/rand/gamemaster/internal/budget"
	"github.com/rand/gamemaster/internal/model"
)

var propertyUtterances = []string{
	"I open the chest",
	"I take the idol",
	"what does the chest look like?",
	"how does grappling work?",
	"go to the hall",
	"hmm",
	"I attack",
	"",
}

// Any turn under any policy stays within its count limits, commits at
// most once and is always answered.
func TestProperty_TurnStaysWithinPolicy(t *testing.T) {
	h := newHarness(t, nil)
	h.put(t, chestRef, "chest", `{"locked":true,"key":"brass-key"}`)
	h.put(t, idolRef, "idol", `{"effects":[{"on":"take","trigger":{"kind":"turns","turns":1},"payload":{"narration":"Dust falls."}}]}`)
	h.put(t, hallRef, "hall", `{}`)

	rapid.Check(t, func(rt *rapid.T) {
		p := budget.DefaultPolicy()
		p.MaxDepth = rapid.IntRange(0, 3).Draw(rt, "maxDepth")
		p.MaxModelCalls = rapid.IntRange(0, 3).Draw(rt, "maxCalls")
		p.MaxRetrievals = rapid.IntRange(0, 2).Draw(rt, "maxRetrievals")
		p.MaxReads = rapid.IntRange(0, 6).Draw(rt, "maxReads")
		p.MaxWrites = rapid.IntRange(0, 6).Draw(rt, "maxWrites")

		m := narrator("The torchlight wavers.")
		if rapid.Bool().Draw(rt, "modelDown") {
			m = &stubModel{}
		}

		var last Summary
		cfg := DefaultControllerConfig()
		cfg.Policy = p
		cfg.OnComplete = func(s Summary) { last = s }
		ctrl, err := NewController(Deps{
			World:     h.world,
			Model:     m,
			Scheduler: h.scheduler,
			Queue:     h.queue,
		}, cfg)
		require.NoError(rt, err)

		text := rapid.SampledFrom(propertyUtterances).Draw(rt, "text")
		before := h.world.commits.Load()
		plan, err := ctrl.HandleTurn(context.Background(), NewTurn("c1", "s1", "p1", text, "en"))
		ctrl.Wait()

		commits := h.world.commits.Load() - before
		if err != nil {
			require.ErrorIs(rt, err, ErrTurnAborted)
			require.Zero(rt, commits)
		} else {
			require.Equal(rt, int64(1), commits)
		}
		require.NotNil(rt, plan)
		require.GreaterOrEqual(rt, plan.Len(), 1)

		used := last.Budget.Used
		require.LessOrEqual(rt, used.Depth, p.MaxDepth)
		require.LessOrEqual(rt, used.ModelCalls, p.MaxModelCalls)
		require.LessOrEqual(rt, used.Retrievals, p.MaxRetrievals)
		require.LessOrEqual(rt, used.Reads, p.MaxReads)
		require.LessOrEqual(rt, used.Writes, p.MaxWrites)
		require.LessOrEqual(rt, m.count(), p.MaxModelCalls)
	})
}

var _ model.Gateway = (*stubModel)(nil)
