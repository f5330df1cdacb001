package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rand/gamemaster/internal/config"
	"github.com/rand/gamemaster/internal/knowledge"
	"github.com/rand/gamemaster/internal/knowledge/embeddings"
)

// Collections of the knowledge database.
const (
	CollectionGame     = "game"
	CollectionGuidance = "guidance"
)

// initKnowledge opens the knowledge database with one index per
// collection. Disabled knowledge answers every query with nothing.
func (app *App) initKnowledge(ctx context.Context) error {
	cfg := app.config.Knowledge
	if !cfg.Enabled {
		app.Knowledge = knowledge.Null{}
		return nil
	}

	provider, err := newEmbeddingProvider(app.config.Knowledge)
	if err != nil {
		return err
	}

	db, err := knowledge.OpenDB(ctx, cfg.Path)
	if err != nil {
		return err
	}
	app.cleanupFuncs = append(app.cleanupFuncs, db.Close)

	for _, target := range []struct {
		collection string
		index      **knowledge.Index
	}{
		{CollectionGame, &app.Game},
		{CollectionGuidance, &app.Guidance},
	} {
		idx, err := knowledge.NewIndex(db, knowledge.IndexConfig{
			Collection:    target.collection,
			Provider:      provider,
			ChunkMaxChars: cfg.ChunkMaxChars,
			ChunkOverlap:  cfg.ChunkOverlap,
			Logger:        app.logger,
		})
		if err != nil {
			return fmt.Errorf("open %s index: %w", target.collection, err)
		}
		*target.index = idx
		app.cleanupFuncs = append(app.cleanupFuncs, idx.Close)
	}

	app.Knowledge = knowledge.Timeout{
		Gateway: knowledge.Routed{Game: app.Game, Guidance: app.Guidance},
		Limit:   cfg.Timeout,
		Logger:  app.logger,
	}
	app.logger.Info("knowledge initialized",
		slog.String("db", cfg.Path),
		slog.String("embeddings", provider.Model()))
	return nil
}

func newEmbeddingProvider(cfg config.Knowledge) (embeddings.Provider, error) {
	var provider embeddings.Provider
	switch cfg.Embedding.Provider {
	case "openai":
		p, err := embeddings.NewOpenAIProvider(embeddings.OpenAIConfig{
			APIKey:     cfg.Embedding.APIKey,
			BaseURL:    cfg.Embedding.BaseURL,
			Model:      cfg.Embedding.Model,
			Dimensions: cfg.Embedding.Dimensions,
		})
		if err != nil {
			return nil, fmt.Errorf("embedding provider: %w", err)
		}
		provider = p
	default:
		provider = embeddings.NewHashingProvider(cfg.Embedding.Dimensions)
	}
	var opts []embeddings.CachedProviderOption
	if cfg.Embedding.CacheSize > 0 {
		opts = append(opts, embeddings.WithCacheSize(cfg.Embedding.CacheSize))
	}
	return embeddings.NewCachedProvider(provider, opts...), nil
}

// Index returns the index of a collection, or nil when knowledge is
// disabled.
func (app *App) Index(collection string) *knowledge.Index {
	if collection == CollectionGuidance {
		return app.Guidance
	}
	return app.Game
}
