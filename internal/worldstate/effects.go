package worldstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EffectStatus is the lifecycle state of a delayed effect.
type EffectStatus string

// An effect goes from pending to archived in the commit of the turn that
// applies it, or from pending to cancelled.
const (
	EffectPending   EffectStatus = "pending"
	EffectArchived  EffectStatus = "archived"
	EffectCancelled EffectStatus = "cancelled"
)

// EffectRecord is the stored form of a delayed effect. Trigger and payload
// are opaque to this package.
type EffectRecord struct {
	ID              string          `json:"id"`
	CampaignID      string          `json:"campaign_id"`
	SourceTurnID    string          `json:"source_turn_id"`
	Status          EffectStatus    `json:"status"`
	Trigger         json.RawMessage `json:"trigger"`
	Payload         json.RawMessage `json:"payload"`
	ScheduledAtTurn int64           `json:"scheduled_at_turn"`
	DueAt           *time.Time      `json:"due_at,omitempty"`
	Attempts        int             `json:"attempts"`
	LastError       string          `json:"last_error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// InsertEffect stores a new pending effect.
func (s *SQLiteStore) InsertEffect(ctx context.Context, rec EffectRecord) error {
	return insertEffect(ctx, s.db, rec, s.now())
}

func insertEffect(ctx context.Context, db execer, rec EffectRecord, now time.Time) error {
	var due sql.NullInt64
	if rec.DueAt != nil {
		due = sql.NullInt64{Int64: rec.DueAt.UnixMilli(), Valid: true}
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO delayed_effects
			(id, campaign_id, source_turn_id, status, trigger_spec, payload, scheduled_at_turn, due_at, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, '', ?, ?)`,
		rec.ID, rec.CampaignID, rec.SourceTurnID, string(EffectPending),
		string(rec.Trigger), string(rec.Payload), rec.ScheduledAtTurn, due,
		now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert effect %s: %w", rec.ID, err)
	}
	return nil
}

// TransitionEffect moves an effect from one status to another. It reports
// false without error when the effect was not in the from status, which is
// how concurrent evaluators lose the race to fire the same effect.
func (s *SQLiteStore) TransitionEffect(ctx context.Context, id string, from, to EffectStatus, lastErr string) (bool, error) {
	query := `UPDATE delayed_effects SET status = ?, updated_at = ?`
	args := []any{string(to), s.now().UnixMilli()}
	if lastErr != "" {
		query += `, attempts = attempts + 1, last_error = ?`
		args = append(args, lastErr)
	}
	query += ` WHERE id = ? AND status = ?`
	args = append(args, id, string(from))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("transition effect %s %s->%s: %w", id, from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetEffect loads one effect.
func (s *SQLiteStore) GetEffect(ctx context.Context, id string) (EffectRecord, error) {
	rows, err := s.db.QueryContext(ctx, effectSelect+` WHERE id = ?`, id)
	if err != nil {
		return EffectRecord{}, fmt.Errorf("get effect %s: %w", id, err)
	}
	recs, err := scanEffects(rows)
	if err != nil {
		return EffectRecord{}, err
	}
	if len(recs) == 0 {
		return EffectRecord{}, fmt.Errorf("effect %s: %w", id, ErrNotFound)
	}
	return recs[0], nil
}

// ListEffects returns a campaign's effects in creation order, optionally
// filtered by status.
func (s *SQLiteStore) ListEffects(ctx context.Context, campaignID string, statuses ...EffectStatus) ([]EffectRecord, error) {
	query := effectSelect + ` WHERE campaign_id = ?`
	args := []any{campaignID}
	if len(statuses) > 0 {
		query += ` AND status IN (?` + strings.Repeat(`, ?`, len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at, rowid`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list effects: %w", err)
	}
	return scanEffects(rows)
}

// CampaignsDueBy returns campaigns holding pending effects whose wall-clock
// due time is at or before t.
func (s *SQLiteStore) CampaignsDueBy(ctx context.Context, t time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT campaign_id FROM delayed_effects
		WHERE status = ? AND due_at IS NOT NULL AND due_at <= ?
		ORDER BY campaign_id`, string(EffectPending), t.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("campaigns due: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

const effectSelect = `
	SELECT id, campaign_id, source_turn_id, status, trigger_spec, payload,
		scheduled_at_turn, due_at, attempts, last_error, created_at, updated_at
	FROM delayed_effects`

func scanEffects(rows *sql.Rows) ([]EffectRecord, error) {
	defer rows.Close()

	var out []EffectRecord
	for rows.Next() {
		var (
			rec              EffectRecord
			status           string
			trigger, payload string
			due              sql.NullInt64
			created, updated int64
		)
		if err := rows.Scan(&rec.ID, &rec.CampaignID, &rec.SourceTurnID, &status, &trigger, &payload,
			&rec.ScheduledAtTurn, &due, &rec.Attempts, &rec.LastError, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan effect: %w", err)
		}
		rec.Status = EffectStatus(status)
		rec.Trigger = json.RawMessage(trigger)
		rec.Payload = json.RawMessage(payload)
		if due.Valid {
			t := time.UnixMilli(due.Int64)
			rec.DueAt = &t
		}
		rec.CreatedAt = time.UnixMilli(created)
		rec.UpdatedAt = time.UnixMilli(updated)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// IsConflict reports whether err is a world state conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
