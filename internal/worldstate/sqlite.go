package worldstate

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var kindTables = map[Kind]string{
	KindPlayer:    "players",
	KindCharacter: "characters",
	KindNPC:       "npcs",
	KindLocation:  "locations",
	KindQuest:     "quests",
	KindItem:      "items",
	KindFaction:   "factions",
}

// Options configures the SQLite store.
type Options struct {
	// Path to the SQLite database file.
	Path string

	// CreateIfNotExists creates the parent directory when missing.
	CreateIfNotExists bool

	Logger *slog.Logger
}

// SQLiteStore implements Gateway on a single SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
	now    func() time.Time
}

var _ Gateway = (*SQLiteStore)(nil)

// Open opens the database at opts.Path and applies pending migrations.
func Open(ctx context.Context, opts Options) (*SQLiteStore, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if opts.CreateIfNotExists {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dsn := "file:" + opts.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		path:   opts.Path,
		logger: logger,
		now:    time.Now,
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrations fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, s.db, sub)
	if err != nil {
		return fmt.Errorf("migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, r := range results {
		s.logger.Debug("applied migration", "source", r.Source.Path, "duration", r.Duration)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// EnsureCampaign creates the campaign row if it does not exist.
func (s *SQLiteStore) EnsureCampaign(ctx context.Context, campaignID, name string) error {
	now := s.now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO campaigns (id, name, version, turn_count, created_at, updated_at)
		VALUES (?, ?, 0, 0, ?, ?)
		ON CONFLICT(id) DO NOTHING`, campaignID, name, now, now)
	if err != nil {
		return fmt.Errorf("ensure campaign %s: %w", campaignID, err)
	}
	return nil
}

// EnsurePlayer creates a player entity with an empty inventory if missing.
func (s *SQLiteStore) EnsurePlayer(ctx context.Context, campaignID, playerID, name string) error {
	if name == "" {
		name = playerID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO players (campaign_id, id, name, aliases, attrs, updated_at)
		VALUES (?, ?, ?, '[]', '{"inventory":[]}', ?)
		ON CONFLICT(campaign_id, id) DO NOTHING`, campaignID, playerID, name, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("ensure player %s: %w", playerID, err)
	}
	return nil
}

// PutEntity inserts or replaces an entity outside of a turn. It is used to
// seed campaigns and does not advance the campaign version.
func (s *SQLiteStore) PutEntity(ctx context.Context, campaignID string, e Entity) error {
	table, ok := kindTables[e.Ref.Kind]
	if !ok {
		return fmt.Errorf("unknown entity kind %q", e.Ref.Kind)
	}
	aliases, err := json.Marshal(nonNil(e.Aliases))
	if err != nil {
		return err
	}
	attrs := e.Attrs
	if len(attrs) == 0 {
		attrs = json.RawMessage(`{}`)
	}
	if !json.Valid(attrs) {
		return fmt.Errorf("entity %s: attrs are not valid JSON", e.Ref)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO `+table+` (campaign_id, id, name, aliases, attrs, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(campaign_id, id) DO UPDATE SET
			name = excluded.name, aliases = excluded.aliases,
			attrs = excluded.attrs, updated_at = excluded.updated_at`,
		campaignID, e.Ref.ID, e.Name, string(aliases), string(attrs), s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("put entity %s: %w", e.Ref, err)
	}
	return nil
}

// Read implements Gateway.
func (s *SQLiteStore) Read(ctx context.Context, campaignID string, refs []Ref) (Snapshot, error) {
	snap := Snapshot{
		CampaignID: campaignID,
		Entities:   make(map[Ref]Entity, len(refs)),
		ReadAt:     s.now(),
	}

	// Version first: anything read after it is at least this new.
	err := s.db.QueryRowContext(ctx,
		`SELECT version, turn_count FROM campaigns WHERE id = ?`, campaignID,
	).Scan(&snap.Version, &snap.TurnCount)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("campaign %s: %w", campaignID, ErrNotFound)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("read campaign %s: %w", campaignID, err)
	}

	catalog, err := s.catalog(ctx, campaignID)
	if err != nil {
		return Snapshot{}, err
	}
	snap.Catalog = catalog

	for _, ref := range refs {
		e, err := s.entity(ctx, s.db, campaignID, ref)
		if errors.Is(err, ErrNotFound) {
			snap.Missing = append(snap.Missing, ref)
			continue
		}
		if err != nil {
			return Snapshot{}, err
		}
		snap.Entities[ref] = e
	}
	return snap, nil
}

func (s *SQLiteStore) catalog(ctx context.Context, campaignID string) ([]CatalogEntry, error) {
	var parts []string
	for _, k := range Kinds {
		parts = append(parts, fmt.Sprintf(`SELECT '%s', id, name, aliases FROM %s WHERE campaign_id = ?1`, k, kindTables[k]))
	}
	rows, err := s.db.QueryContext(ctx, strings.Join(parts, " UNION ALL ")+" ORDER BY 1, 2", campaignID)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	defer rows.Close()

	var out []CatalogEntry
	for rows.Next() {
		var (
			entry   CatalogEntry
			kind    string
			aliases string
		)
		if err := rows.Scan(&kind, &entry.Ref.ID, &entry.Name, &aliases); err != nil {
			return nil, fmt.Errorf("scan catalog: %w", err)
		}
		entry.Ref.Kind = Kind(kind)
		_ = json.Unmarshal([]byte(aliases), &entry.Aliases)
		out = append(out, entry)
	}
	return out, rows.Err()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) entity(ctx context.Context, q querier, campaignID string, ref Ref) (Entity, error) {
	table, ok := kindTables[ref.Kind]
	if !ok {
		return Entity{}, fmt.Errorf("unknown entity kind %q", ref.Kind)
	}
	var name, aliases, attrs string
	err := q.QueryRowContext(ctx,
		`SELECT name, aliases, attrs FROM `+table+` WHERE campaign_id = ? AND id = ?`,
		campaignID, ref.ID,
	).Scan(&name, &aliases, &attrs)
	if errors.Is(err, sql.ErrNoRows) {
		return Entity{}, fmt.Errorf("entity %s: %w", ref, ErrNotFound)
	}
	if err != nil {
		return Entity{}, fmt.Errorf("read entity %s: %w", ref, err)
	}
	e := Entity{Ref: ref, Name: name, Attrs: json.RawMessage(attrs)}
	_ = json.Unmarshal([]byte(aliases), &e.Aliases)
	return e, nil
}

// BeginTransaction implements Gateway.
func (s *SQLiteStore) BeginTransaction(ctx context.Context, campaignID string, baseVersion int64) (Tx, error) {
	return &sqliteTx{store: s, campaignID: campaignID, baseVersion: baseVersion}, nil
}

type sqliteTx struct {
	store       *SQLiteStore
	campaignID  string
	baseVersion int64
	done        bool
}

// Commit applies changes atomically if the campaign is still at the base
// version and every guard holds.
func (t *sqliteTx) Commit(ctx context.Context, changes Changes) (CommitResult, error) {
	if t.done {
		return CommitResult{}, fmt.Errorf("transaction already finished")
	}
	t.done = true
	s := t.store

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CommitResult{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var version, turnCount int64
	err = tx.QueryRowContext(ctx,
		`SELECT version, turn_count FROM campaigns WHERE id = ?`, t.campaignID,
	).Scan(&version, &turnCount)
	if errors.Is(err, sql.ErrNoRows) {
		return CommitResult{}, fmt.Errorf("campaign %s: %w", t.campaignID, ErrNotFound)
	}
	if err != nil {
		return CommitResult{}, fmt.Errorf("read campaign version: %w", err)
	}
	if version != t.baseVersion {
		return CommitResult{}, fmt.Errorf("campaign %s at version %d, expected %d: %w",
			t.campaignID, version, t.baseVersion, ErrConflict)
	}

	for _, m := range changes.Mutations {
		if err := t.apply(ctx, tx, m); err != nil {
			return CommitResult{}, err
		}
	}

	now := s.now()
	if changes.CountsAsTurn {
		turnCount++
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE campaigns SET version = version + 1, turn_count = ?, updated_at = ? WHERE id = ? AND version = ?`,
		turnCount, now.UnixMilli(), t.campaignID, t.baseVersion)
	if err != nil {
		return CommitResult{}, fmt.Errorf("bump version: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return CommitResult{}, fmt.Errorf("bump version: %w", ErrConflict)
	}

	for _, ev := range changes.Events {
		ev.CampaignID = t.campaignID
		ev.TurnNumber = turnCount
		if err := insertEvent(ctx, tx, ev, now); err != nil {
			return CommitResult{}, err
		}
	}

	for _, id := range changes.ArchiveEffects {
		res, err := tx.ExecContext(ctx,
			`UPDATE delayed_effects SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(EffectArchived), now.UnixMilli(), id, string(EffectPending))
		if err != nil {
			return CommitResult{}, fmt.Errorf("archive effect %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return CommitResult{}, fmt.Errorf("archive effect %s: no longer pending: %w", id, ErrConflict)
		}
	}

	for _, rec := range changes.ScheduleEffects {
		rec.CampaignID = t.campaignID
		rec.ScheduledAtTurn = turnCount
		if err := insertEffect(ctx, tx, rec, now); err != nil {
			return CommitResult{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return CommitResult{}, fmt.Errorf("commit: %w", err)
	}
	return CommitResult{Version: t.baseVersion + 1, TurnNumber: turnCount}, nil
}

func (t *sqliteTx) apply(ctx context.Context, tx *sql.Tx, m Mutation) error {
	s := t.store
	for _, g := range m.Expect {
		e, err := s.entity(ctx, tx, t.campaignID, g.Ref)
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("guard on %s: %w", g.Ref, ErrConflict)
		}
		if err != nil {
			return err
		}
		if !g.Holds(e.Attrs) {
			return fmt.Errorf("guard %s.%s no longer holds: %w", g.Ref, g.Path, ErrConflict)
		}
	}

	table, ok := kindTables[m.Ref.Kind]
	if !ok {
		return fmt.Errorf("unknown entity kind %q", m.Ref.Kind)
	}
	now := s.now().UnixMilli()

	if m.Op == OpCreate {
		attrs := []byte(`{}`)
		if m.Value != nil {
			var err error
			if attrs, err = json.Marshal(m.Value); err != nil {
				return fmt.Errorf("%s: encode attrs: %w", m, err)
			}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO `+table+` (campaign_id, id, name, aliases, attrs, updated_at) VALUES (?, ?, ?, '[]', ?, ?)`,
			t.campaignID, m.Ref.ID, m.Name, string(attrs), now)
		if err != nil {
			return fmt.Errorf("%s: %w", m, err)
		}
		return nil
	}

	e, err := s.entity(ctx, tx, t.campaignID, m.Ref)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%s: %w", m, ErrConflict)
		}
		return err
	}
	attrs, err := m.Applied(e.Attrs)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE `+table+` SET attrs = ?, updated_at = ? WHERE campaign_id = ? AND id = ?`,
		string(attrs), now, t.campaignID, m.Ref.ID); err != nil {
		return fmt.Errorf("%s: %w", m, err)
	}
	return nil
}

// Rollback releases the transaction without committing.
func (t *sqliteTx) Rollback() error {
	t.done = true
	return nil
}

// AppendEvent implements Gateway.
func (s *SQLiteStore) AppendEvent(ctx context.Context, ev Event) error {
	return insertEvent(ctx, s.db, ev, s.now())
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEvent(ctx context.Context, db execer, ev Event, now time.Time) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	payload := ev.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO events (id, campaign_id, turn_id, turn_number, kind, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.CampaignID, ev.TurnID, ev.TurnNumber, ev.Kind, string(payload), ev.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("append event %s: %w", ev.Kind, err)
	}
	return nil
}

// RecentEvents implements Gateway. An empty kind matches every event.
func (s *SQLiteStore) RecentEvents(ctx context.Context, campaignID, kind string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, campaign_id, turn_id, turn_number, kind, payload, created_at FROM (
			SELECT *, rowid AS seq FROM events
			WHERE campaign_id = ? AND (? = '' OR kind = ?)
			ORDER BY created_at DESC, seq DESC LIMIT ?
		) ORDER BY created_at ASC, seq ASC`,
		campaignID, kind, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev      Event
			payload string
			created int64
		)
		if err := rows.Scan(&ev.ID, &ev.CampaignID, &ev.TurnID, &ev.TurnNumber, &ev.Kind, &payload, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Payload = json.RawMessage(payload)
		ev.CreatedAt = time.UnixMilli(created)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
