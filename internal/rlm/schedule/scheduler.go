package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rand/gamemaster/internal/worldstate"
)

// ErrNotPending is returned when cancelling an effect that was already
// applied or cancelled.
var ErrNotPending = errors.New("effect is not pending")

// Store is the persistence the scheduler needs. worldstate.SQLiteStore
// implements it.
type Store interface {
	InsertEffect(ctx context.Context, rec worldstate.EffectRecord) error
	TransitionEffect(ctx context.Context, id string, from, to worldstate.EffectStatus, lastErr string) (bool, error)
	GetEffect(ctx context.Context, id string) (worldstate.EffectRecord, error)
	ListEffects(ctx context.Context, campaignID string, statuses ...worldstate.EffectStatus) ([]worldstate.EffectRecord, error)
	CampaignsDueBy(ctx context.Context, t time.Time) ([]string, error)
}

// Config configures a Scheduler.
type Config struct {
	// TickInterval is how often Run looks for due time triggers.
	// Default: 5 seconds
	TickInterval time.Duration `yaml:"tick_interval" json:"tick_interval" env:"GM_SCHEDULER_TICK"`

	// MaxAttempts cancels an effect whose turns failed to commit this many
	// times. Default: 3
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts" env:"GM_SCHEDULER_MAX_ATTEMPTS"`

	Logger *slog.Logger `yaml:"-" json:"-"`
}

// Scheduler registers, cancels and fires delayed effects.
type Scheduler struct {
	store  Store
	config Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a scheduler over store.
func New(store Store, config Config) *Scheduler {
	if config.TickInterval <= 0 {
		config.TickInterval = 5 * time.Second
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{store: store, config: config, logger: logger, now: time.Now}
}

// Schedule stores a pending effect and returns its id. The source turn
// must already be committed; ScheduledAtTurn is its turn number. Turns
// schedule through their commit instead, see Prepare.
func (s *Scheduler) Schedule(ctx context.Context, e Effect) (string, error) {
	rec, err := s.Prepare(e)
	if err != nil {
		return "", err
	}
	if err := s.store.InsertEffect(ctx, rec); err != nil {
		return "", err
	}

	s.logger.Debug("effect scheduled",
		slog.String("effect", rec.ID),
		slog.String("campaign", rec.CampaignID),
		slog.String("trigger", e.Trigger.String()))
	return rec.ID, nil
}

// Prepare validates e and returns the pending record to store, with its id
// assigned and a delay turned into a due time.
func (s *Scheduler) Prepare(e Effect) (worldstate.EffectRecord, error) {
	if e.CampaignID == "" {
		return worldstate.EffectRecord{}, fmt.Errorf("schedule: campaign id is required")
	}
	if err := e.Trigger.Validate(); err != nil {
		return worldstate.EffectRecord{}, fmt.Errorf("schedule: %w", err)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.Status = worldstate.EffectPending

	if e.Trigger.Kind == TriggerTime {
		due := e.Trigger.At
		if due.IsZero() {
			due = s.now().Add(e.Trigger.Delay)
		}
		e.DueAt = &due
	}
	return e.record()
}

// Cancel moves a pending effect to cancelled.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	ok, err := s.store.TransitionEffect(ctx, id, worldstate.EffectPending, worldstate.EffectCancelled, "")
	if err != nil {
		return err
	}
	if !ok {
		if _, err := s.store.GetEffect(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("cancel %s: %w", id, ErrNotPending)
	}
	return nil
}

// Get loads one effect.
func (s *Scheduler) Get(ctx context.Context, id string) (Effect, error) {
	rec, err := s.store.GetEffect(ctx, id)
	if err != nil {
		return Effect{}, err
	}
	return fromRecord(rec)
}

// List returns a campaign's effects, optionally filtered by status.
func (s *Scheduler) List(ctx context.Context, campaignID string, statuses ...worldstate.EffectStatus) ([]Effect, error) {
	recs, err := s.store.ListEffects(ctx, campaignID, statuses...)
	if err != nil {
		return nil, err
	}
	out := make([]Effect, 0, len(recs))
	for _, rec := range recs {
		e, err := fromRecord(rec)
		if err != nil {
			s.logger.Warn("skipping unreadable effect", slog.String("effect", rec.ID), slog.String("error", err.Error()))
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Pending returns a campaign's pending effects in creation order.
func (s *Scheduler) Pending(ctx context.Context, campaignID string) ([]Effect, error) {
	return s.List(ctx, campaignID, worldstate.EffectPending)
}

// PredicateRefs returns the entities state triggers need read.
func PredicateRefs(effects []Effect) []worldstate.Ref {
	var refs []worldstate.Ref
	seen := make(map[worldstate.Ref]bool)
	for _, e := range effects {
		if e.Trigger.Kind != TriggerState || e.Trigger.Predicate == nil {
			continue
		}
		ref := e.Trigger.Predicate.Ref
		if !seen[ref] {
			seen[ref] = true
			refs = append(refs, ref)
		}
	}
	return refs
}

// Due filters effects to those that should fire during turnNumber.
func (s *Scheduler) Due(effects []Effect, turnNumber int64, snap worldstate.Snapshot) []Effect {
	now := s.now()
	var due []Effect
	for _, e := range effects {
		if e.Due(turnNumber, now, snap) {
			due = append(due, e)
		}
	}
	return due
}

// Failed counts a commit that failed while applying e. The effect stays
// pending for a later turn, or is cancelled once it has failed
// MaxAttempts times.
func (s *Scheduler) Failed(ctx context.Context, e Effect, cause error) {
	msg := "turn not committed"
	if cause != nil {
		msg = cause.Error()
	}
	to := worldstate.EffectPending
	if e.Attempts+1 >= s.config.MaxAttempts {
		to = worldstate.EffectCancelled
	}
	ok, err := s.store.TransitionEffect(ctx, e.ID, worldstate.EffectPending, to, msg)
	if err != nil || !ok {
		s.logger.Warn("effect failure not recorded",
			slog.String("effect", e.ID),
			slog.Bool("transitioned", ok),
			slog.Any("error", err))
		return
	}
	if to == worldstate.EffectCancelled {
		s.logger.Warn("effect cancelled after repeated failures",
			slog.String("effect", e.ID),
			slog.String("campaign", e.CampaignID),
			slog.String("last_error", msg))
	}
}

// WorldTurner processes a synthetic turn for a campaign with due effects.
type WorldTurner interface {
	WorldTurn(ctx context.Context, campaignID string) error
}

// Run checks for due time triggers every TickInterval and hands each
// campaign that has some to wt. It returns when ctx is done.
func (s *Scheduler) Run(ctx context.Context, wt WorldTurner) error {
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx, wt)
		}
	}
}

// Tick runs one evaluation pass.
func (s *Scheduler) Tick(ctx context.Context, wt WorldTurner) {
	campaigns, err := s.store.CampaignsDueBy(ctx, s.now())
	if err != nil {
		s.logger.Warn("scheduler tick failed", slog.String("error", err.Error()))
		return
	}
	for _, id := range campaigns {
		if err := wt.WorldTurn(ctx, id); err != nil {
			s.logger.Warn("world turn failed",
				slog.String("campaign", id),
				slog.String("error", err.Error()))
		}
	}
}
