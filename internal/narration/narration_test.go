package narration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	chunks []Chunk
	at     []time.Time
}

func (r *recorder) Deliver(_ context.Context, c Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, c)
	r.at = append(r.at, time.Now())
	return nil
}

func (r *recorder) snapshot() []Chunk {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Chunk(nil), r.chunks...)
}

func TestPlan_KindsAndDepthOrder(t *testing.T) {
	p := NewPlan("c1", "t1")
	f0, ok := p.Add(0, "You reach for the chest.", "resolver")
	require.True(t, ok)
	assert.Equal(t, Immediate, f0.Kind)

	f1, _ := p.Add(2, "The lid creaks open.", "resolver")
	f2, _ := p.Add(1, "Footsteps echo.", "effect:e1")
	assert.Equal(t, Background, f1.Kind)
	assert.Equal(t, 2, f2.Depth, "shallower fragments keep depth order")

	_, ok = p.Add(3, "   ", "resolver")
	assert.False(t, ok)
	assert.Equal(t, 3, p.Len())

	p.Close()
	_, ok = p.Add(3, "late", "resolver")
	assert.False(t, ok)
	assert.Equal(t, "You reach for the chest. The lid creaks open. Footsteps echo.", p.Text())
}

func TestPlan_StreamWaitsForFragments(t *testing.T) {
	p := NewPlan("c1", "t1")
	got := make(chan Fragment, 4)
	go func() {
		for f := range p.Stream(context.Background()) {
			got <- f
		}
		close(got)
	}()

	p.Add(0, "One.", "resolver")
	assert.Equal(t, "One.", (<-got).Text)

	p.Add(1, "Two.", "resolver")
	p.Close()
	assert.Equal(t, "Two.", (<-got).Text)
	_, open := <-got
	assert.False(t, open)
}

func TestPlan_SourcesCapped(t *testing.T) {
	p := NewPlan("c1", "t1")
	p.AddSources("a", "b", "c", "d", "e", "f", "g")
	assert.Len(t, p.Sources(), 5)
}

func TestSentences(t *testing.T) {
	got := Sentences("The lid creaks open. Dust. A brass glint catches the light!", 12)
	assert.Equal(t, []string{
		"The lid creaks open.",
		"Dust. A brass glint catches the light!",
	}, got)

	assert.Equal(t, []string{"Hi."}, Sentences("Hi.", 12))
	assert.Empty(t, Sentences("  ", 12))
}

func TestQueue_PerCampaignOrder(t *testing.T) {
	rec := &recorder{}
	q := NewQueue(rec, QueueConfig{})

	t1 := NewPlan("c1", "t1")
	t2 := NewPlan("c1", "t2")
	require.True(t, q.Enqueue(t1))
	require.True(t, q.Enqueue(t2))

	// t2 finishes first but must wait for t1.
	t2.Add(0, "Second turn speaks.", "resolver")
	t2.Close()
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.snapshot())

	t1.Add(0, "First turn speaks.", "resolver")
	t1.Close()

	require.NoError(t, q.Close(context.Background()))
	chunks := rec.snapshot()
	require.Len(t, chunks, 4)
	assert.Equal(t, "t1", chunks[0].TurnID)
	assert.Equal(t, Immediate, chunks[0].Kind)
	assert.True(t, chunks[1].Last)
	assert.Equal(t, "t2", chunks[2].TurnID)
	assert.True(t, chunks[3].Last)
}

func TestQueue_CampaignsIndependent(t *testing.T) {
	rec := &recorder{}
	q := NewQueue(rec, QueueConfig{})

	slow := NewPlan("c1", "t1")
	fast := NewPlan("c2", "t1")
	q.Enqueue(slow)
	q.Enqueue(fast)

	fast.Add(0, "Campaign two is not blocked.", "resolver")
	fast.Close()

	assert.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, q.Pending("c1"))

	slow.Close()
	require.NoError(t, q.Close(context.Background()))
	assert.Equal(t, 0, q.Pending("c1"))
}

func TestQueue_ImmediateDeliveredBeforeClose(t *testing.T) {
	rec := &recorder{}
	q := NewQueue(rec, QueueConfig{})
	p := NewPlan("c1", "t1")
	q.Enqueue(p)

	p.Add(0, "You reach for the chest.", "resolver")
	assert.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	p.Add(1, "The lid creaks open.", "resolver")
	p.Close()
	require.NoError(t, q.Close(context.Background()))
	assert.Len(t, rec.snapshot(), 3)
}

func TestQueue_Interrupt(t *testing.T) {
	rec := &recorder{}
	q := NewQueue(rec, QueueConfig{})
	p := NewPlan("c1", "t1")
	next := NewPlan("c1", "t2")
	q.Enqueue(p)
	q.Enqueue(next)

	p.Add(0, "A long speech begins.", "resolver")
	assert.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	q.Interrupt("c1")
	next.Add(0, "The player cut in.", "resolver")
	next.Close()
	require.NoError(t, q.Close(context.Background()))

	var texts []string
	for _, c := range rec.snapshot() {
		if !c.Last {
			texts = append(texts, c.Text)
		}
	}
	assert.Equal(t, []string{"A long speech begins.", "The player cut in."}, texts)
}
