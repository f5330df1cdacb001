package knowledge

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rand/gamemaster/internal/knowledge/embeddings"
)

func newTestIndex(t *testing.T, collection string) *Index {
	t.Helper()
	db, err := OpenDB(context.Background(), filepath.Join(t.TempDir(), "knowledge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	idx, err := NewIndex(db, IndexConfig{
		Collection: collection,
		Provider:   embeddings.NewHashingProvider(128),
		Workers:    1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestChunkText(t *testing.T) {
	assert.Nil(t, ChunkText("   \n ", 10, 2))

	chunks := ChunkText("abcdefghijklmnopqrstuvwxyz", 10, 3)
	assert.Equal(t, []string{"abcdefghij", "hijklmnopq", "opqrstuvwx", "vwxyz"}, chunks)

	// Runes, not bytes.
	chunks = ChunkText("ééééé", 2, 0)
	assert.Equal(t, []string{"éé", "éé", "é"}, chunks)
}

func TestClassifyChunk(t *testing.T) {
	tests := []struct {
		text    string
		docKind string
		want    ChunkType
	}{
		{"Roll a d20 on the table below", "", ChunkTables},
		{"For example, the GM might say...", "", ChunkExamples},
		{"A saving throw against the spell must succeed or take damage", "", ChunkRules},
		{"The thieves guild and the cult of the moon form an alliance", "", ChunkFactions},
		{"Ancient legend tells of an empire", "", ChunkLore},
		{"Keep the pacing brisk and use the spotlight", "", ChunkGMAdvice},
		{"short", "rulebook", ChunkRules},
		{"short", "", ChunkUnknown},
		{"anything at all", KindMemory, ChunkMemory},
		{"", "rulebook", ChunkUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyChunk(tt.text, tt.docKind), tt.text)
	}
}

func TestRouteFilters(t *testing.T) {
	assert.Equal(t, KindGMAdvice, RouteFilters("How to run a tense session?").DocKind)
	assert.Equal(t, []ChunkType{ChunkRules}, RouteFilters("Can I attack twice?").ChunkTypes)
	assert.Equal(t, []ChunkType{ChunkCharacters, ChunkLocations}, RouteFilters("Who is the mayor of this town").ChunkTypes)
	assert.Equal(t, []ChunkType{ChunkLore, ChunkStory, ChunkCharacters, ChunkLocations, ChunkQuests},
		RouteFilters("What lies beyond the hills?").ChunkTypes)
	assert.Equal(t, []ChunkType{ChunkRules, ChunkLore, ChunkStory, ChunkExamples, ChunkTables},
		RouteFilters("I open the chest").ChunkTypes)
}

func TestIsQuestion(t *testing.T) {
	assert.True(t, IsQuestion("where am I"))
	assert.True(t, IsQuestion("the door is open?"))
	assert.False(t, IsQuestion("I open the door"))
}

func TestIndex_IngestAndRetrieve(t *testing.T) {
	idx := newTestIndex(t, "game")
	ctx := context.Background()

	require.NoError(t, idx.IngestSync(ctx, Document{
		ID: "core/rules", Kind: KindRulebook,
		Text: "To pick a lock, make a Dexterity check against the lock DC. Thieves' tools grant advantage.",
	}))
	require.NoError(t, idx.IngestSync(ctx, Document{
		ID: "lore/valley", Kind: KindLorebook,
		Text: "Ancient legend says the valley kingdom fell when the dragon woke beneath the mountain.",
	}))

	passages, err := idx.Retrieve(ctx, Query{Text: "how do I pick a lock", TopK: 5})
	require.NoError(t, err)
	require.NotEmpty(t, passages)
	assert.Equal(t, "core/rules", passages[0].DocID)
	assert.Equal(t, ChunkRules, passages[0].ChunkType)
	assert.Greater(t, passages[0].Score, 0.0)
	assert.Equal(t, "[core/rules #0 rules]", passages[0].Source())

	passages, err = idx.Retrieve(ctx, Query{Text: "dragon", Filters: Filters{ChunkTypes: []ChunkType{ChunkLore}}})
	require.NoError(t, err)
	require.Len(t, passages, 1)
	assert.Equal(t, "lore/valley", passages[0].DocID)

	passages, err = idx.Retrieve(ctx, Query{Text: "lock", Filters: Filters{DocIDs: []string{"lore/**"}}})
	require.NoError(t, err)
	for _, p := range passages {
		assert.True(t, strings.HasPrefix(p.DocID, "lore/"))
	}
}

func TestIndex_CampaignScope(t *testing.T) {
	idx := newTestIndex(t, "game")
	ctx := context.Background()

	require.NoError(t, idx.IngestSync(ctx, Document{ID: "mem-a", CampaignID: "a", Kind: KindMemory, Text: "The party befriended the ferryman."}))
	require.NoError(t, idx.IngestSync(ctx, Document{ID: "mem-b", CampaignID: "b", Kind: KindMemory, Text: "The party burned the ferry."}))

	passages, err := idx.Retrieve(ctx, Query{Text: "ferryman ferry party", Filters: Filters{CampaignID: "a"}})
	require.NoError(t, err)
	require.Len(t, passages, 1)
	assert.Equal(t, "mem-a", passages[0].DocID)
}

func TestIndex_ReingestReplaces(t *testing.T) {
	idx := newTestIndex(t, "game")
	ctx := context.Background()

	require.NoError(t, idx.IngestSync(ctx, Document{ID: "d", Text: "old goblin text"}))
	require.NoError(t, idx.IngestSync(ctx, Document{ID: "d", Text: "new kobold text"}))

	passages, err := idx.Retrieve(ctx, Query{Text: "goblin kobold"})
	require.NoError(t, err)
	require.Len(t, passages, 1)
	assert.Contains(t, passages[0].Text, "kobold")
}

func TestIndex_IngestAsyncDrainsOnClose(t *testing.T) {
	db, err := OpenDB(context.Background(), filepath.Join(t.TempDir(), "k.db"))
	require.NoError(t, err)
	defer db.Close()
	idx, err := NewIndex(db, IndexConfig{Provider: embeddings.NewHashingProvider(16)})
	require.NoError(t, err)

	assert.True(t, idx.IngestAsync(Document{ID: "x", Text: "the silver bell tolls"}))
	require.NoError(t, idx.Close())

	passages, err := idx.Retrieve(context.Background(), Query{Text: "silver bell"})
	require.NoError(t, err)
	assert.Len(t, passages, 1)
}

func TestIndex_EmbeddingsFromOtherModelRankByKeywordOnly(t *testing.T) {
	db, err := OpenDB(context.Background(), filepath.Join(t.TempDir(), "k.db"))
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	wide, err := NewIndex(db, IndexConfig{Collection: "rules", Provider: embeddings.NewHashingProvider(128)})
	require.NoError(t, err)
	defer wide.Close()
	require.NoError(t, wide.IngestSync(ctx, Document{ID: "bell", Text: "the silver bell tolls at midnight"}))

	passages, err := wide.Retrieve(ctx, Query{Text: "dragon hoard"})
	require.NoError(t, err)
	assert.Len(t, passages, 1, "semantic ranking covers every passage")

	narrow, err := NewIndex(db, IndexConfig{Collection: "rules", Provider: embeddings.NewHashingProvider(16)})
	require.NoError(t, err)
	defer narrow.Close()

	passages, err = narrow.Retrieve(ctx, Query{Text: "dragon hoard"})
	require.NoError(t, err)
	assert.Empty(t, passages)

	passages, err = narrow.Retrieve(ctx, Query{Text: "silver bell"})
	require.NoError(t, err)
	require.Len(t, passages, 1)
	assert.Equal(t, "bell", passages[0].DocID)
}

type stubGateway struct {
	delay    time.Duration
	err      error
	passages []Passage
	calls    int
}

func (s *stubGateway) Retrieve(ctx context.Context, q Query) ([]Passage, error) {
	s.calls++
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.passages, s.err
}

func TestTimeout(t *testing.T) {
	slow := &stubGateway{delay: time.Second}
	_, err := Timeout{Gateway: slow, Limit: 10 * time.Millisecond}.Retrieve(context.Background(), Query{Text: "x"})
	assert.ErrorIs(t, err, ErrUnavailable)

	broken := &stubGateway{err: errors.New("boom")}
	_, err = Timeout{Gateway: broken}.Retrieve(context.Background(), Query{Text: "x"})
	assert.ErrorIs(t, err, ErrUnavailable)

	ok := &stubGateway{passages: []Passage{{ID: "p"}}}
	got, err := Timeout{Gateway: ok, Limit: time.Second}.Retrieve(context.Background(), Query{Text: "x"})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestRouted(t *testing.T) {
	game := &stubGateway{}
	guidance := &stubGateway{}
	r := Routed{Game: game, Guidance: guidance}

	_, _ = r.Retrieve(context.Background(), Query{Filters: Filters{DocKind: KindGMAdvice}})
	_, _ = r.Retrieve(context.Background(), Query{Filters: Filters{ChunkTypes: []ChunkType{ChunkRules}}})
	assert.Equal(t, 1, guidance.calls)
	assert.Equal(t, 1, game.calls)

	got, err := Null{}.Retrieve(context.Background(), Query{Text: "x"})
	assert.NoError(t, err)
	assert.Nil(t, got)
}
