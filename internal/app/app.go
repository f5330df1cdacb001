// Package app wires the Game Master services together from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rand/gamemaster/internal/config"
	"github.com/rand/gamemaster/internal/eventlog"
	"github.com/rand/gamemaster/internal/knowledge"
	"github.com/rand/gamemaster/internal/model"
	"github.com/rand/gamemaster/internal/narration"
	"github.com/rand/gamemaster/internal/rlm"
	"github.com/rand/gamemaster/internal/rlm/schedule"
	"github.com/rand/gamemaster/internal/worldstate"
)

// Options are the parts of an App that depend on how it is run.
type Options struct {
	// Sink receives narration chunks. Nil discards them.
	Sink narration.Sink

	// OnComplete is called after every finished turn.
	OnComplete func(rlm.Summary)

	Logger *slog.Logger
}

// App holds the running services of one Game Master process.
type App struct {
	config config.Config
	logger *slog.Logger

	World      *worldstate.SQLiteStore
	Knowledge  knowledge.Gateway
	Game       *knowledge.Index // nil when knowledge is disabled
	Guidance   *knowledge.Index
	Model      model.Gateway
	Scheduler  *schedule.Scheduler
	Queue      *narration.Queue
	Events     *eventlog.Writer
	Controller *rlm.Controller

	cleanupFuncs []func() error
}

// New opens the stores and builds the controller. Call Shutdown when done,
// also after an error.
func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{config: cfg, logger: logger}

	world, err := worldstate.Open(ctx, worldstate.Options{
		Path:              cfg.State.Path,
		CreateIfNotExists: true,
		Logger:            logger,
	})
	if err != nil {
		return app, fmt.Errorf("open world state: %w", err)
	}
	app.World = world
	app.cleanupFuncs = append(app.cleanupFuncs, world.Close)

	if err := app.initKnowledge(ctx); err != nil {
		return app, err
	}
	app.initModel()

	app.Events = eventlog.NewWriter(cfg.Events.Dir, cfg.Events.Prefix)
	app.cleanupFuncs = append(app.cleanupFuncs, app.Events.Close)

	sink := opts.Sink
	if sink == nil {
		sink = narration.SinkFunc(func(context.Context, narration.Chunk) error { return nil })
	}
	app.Queue = narration.NewQueue(sink, narration.QueueConfig{
		MinSentenceRunes: cfg.Voice.MinSentenceRunes,
		Logger:           logger,
	})
	app.cleanupFuncs = append(app.cleanupFuncs, func() error {
		return app.Queue.Close(context.WithoutCancel(ctx))
	})

	schedCfg := cfg.Scheduler
	schedCfg.Logger = logger
	app.Scheduler = schedule.New(world, schedCfg)

	ctrlCfg := rlm.ControllerConfig{
		Policy: cfg.Budget,
		Planner: rlm.PlannerConfig{
			Knowledge: cfg.Knowledge.Enabled,
			TopK:      cfg.Knowledge.TopK,
			Ruleset:   cfg.Knowledge.Ruleset,
			DocIDs:    cfg.Knowledge.ActiveDocIDs,
		},
		Prompts: cfg.Prompts,
		Logger:  logger,
		OnComplete: func(s rlm.Summary) {
			logger.Debug("turn complete",
				slog.String("turn", s.Turn.ID),
				slog.String("campaign", s.Turn.CampaignID),
				slog.Bool("committed", s.Committed),
				slog.String("budget", s.Budget.Summary()))
			if opts.OnComplete != nil {
				opts.OnComplete(s)
			}
		},
	}
	deps := rlm.Deps{
		World:     world,
		Knowledge: app.Knowledge,
		Model:     app.Model,
		Scheduler: app.Scheduler,
		Queue:     app.Queue,
		Events:    app.Events,
	}
	if app.Game != nil {
		deps.Memory = app.Game
	}
	app.Controller, err = rlm.NewController(deps, ctrlCfg)
	if err != nil {
		return app, fmt.Errorf("create controller: %w", err)
	}
	// Background work of finished turns uses the stores; wait for it
	// before they close.
	app.cleanupFuncs = append(app.cleanupFuncs, func() error {
		app.Controller.Wait()
		return nil
	})

	logger.Info("game master ready",
		slog.String("state", world.Path()),
		slog.Bool("knowledge", cfg.Knowledge.Enabled),
		slog.String("model", cfg.Model.Provider))
	return app, nil
}

// Config returns the configuration the app was built from.
func (app *App) Config() config.Config { return app.config }

// RunScheduler turns due time triggers into world turns until ctx is done.
func (app *App) RunScheduler(ctx context.Context) error {
	err := app.Scheduler.Run(ctx, app.Controller)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Shutdown releases everything New opened, in reverse order.
func (app *App) Shutdown() error {
	var errs []error
	for i := len(app.cleanupFuncs) - 1; i >= 0; i-- {
		if err := app.cleanupFuncs[i](); err != nil {
			errs = append(errs, err)
		}
	}
	app.cleanupFuncs = nil
	return errors.Join(errs...)
}
