package app

import (
	"fmt"
	"log/slog"

	"charm.land/fantasy"

	"github.com/rand/gamemaster/internal/config"
	"github.com/rand/gamemaster/internal/model"
)

// initModel builds the model gateway. A provider that cannot be created is
// not fatal: every model call then fails over to templates.
func (app *App) initModel() {
	cfg := app.config.Model
	if cfg.Provider == "disabled" {
		app.Model = model.Disabled{}
		return
	}
	client, err := newModelClient(cfg)
	if err != nil {
		app.logger.Warn("model disabled: no provider available", slog.String("error", err.Error()))
		app.Model = model.Disabled{}
		return
	}
	app.Model = model.NewGuard(client, cfg.Guard())
	app.logger.Info("model gateway initialized",
		slog.String("provider", cfg.Provider),
		slog.String("model", cfg.Model))
}

func newModelClient(cfg config.Model) (model.Gateway, error) {
	var (
		provider fantasy.Provider
		err      error
	)
	switch cfg.Provider {
	case "openai":
		return model.NewOpenAIClient(model.OpenAIConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Models:  cfg.Models(),
			Pricing: cfg.Pricing,
		})
	case "anthropic":
		provider, err = model.NewAnthropicProvider(cfg.APIKey, cfg.BaseURL)
	case "openrouter":
		provider, err = model.NewOpenRouterProvider(cfg.APIKey)
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return model.NewFantasyClient(model.FantasyConfig{
		Provider: provider,
		Model:    cfg.Model,
		Models:   cfg.Models(),
		Pricing:  cfg.Pricing,
	})
}
