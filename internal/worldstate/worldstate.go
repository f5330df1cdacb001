// Package worldstate is the authoritative store for campaign facts.
//
// Every campaign carries a version that advances by one per commit. Readers
// take a Snapshot at some version; a transaction begun from that snapshot
// commits only if the version is unchanged and every mutation guard still
// holds. Otherwise it fails with ErrConflict and leaves no trace.
package worldstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

var (
	// ErrConflict is returned by Commit when the campaign moved on since the
	// snapshot or a guard no longer holds.
	ErrConflict = errors.New("world state conflict")

	// ErrNotFound is returned when a campaign or entity does not exist.
	ErrNotFound = errors.New("not found")
)

// Kind is the category of a campaign entity.
type Kind string

const (
	KindPlayer    Kind = "player"
	KindCharacter Kind = "character"
	KindNPC       Kind = "npc"
	KindLocation  Kind = "location"
	KindQuest     Kind = "quest"
	KindItem      Kind = "item"
	KindFaction   Kind = "faction"
)

// Kinds lists every entity kind in catalog order.
var Kinds = []Kind{KindPlayer, KindCharacter, KindNPC, KindLocation, KindQuest, KindItem, KindFaction}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	_, ok := kindTables[k]
	return ok
}

// Ref identifies an entity within a campaign.
type Ref struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

func (r Ref) String() string {
	return string(r.Kind) + ":" + r.ID
}

// IsZero reports whether r is unset.
func (r Ref) IsZero() bool {
	return r.Kind == "" && r.ID == ""
}

// ParseRef parses "kind:id".
func ParseRef(s string) (Ref, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return Ref{}, fmt.Errorf("invalid entity ref %q", s)
	}
	r := Ref{Kind: Kind(kind), ID: id}
	if !r.Kind.Valid() {
		return Ref{}, fmt.Errorf("unknown entity kind %q", kind)
	}
	return r, nil
}

// MarshalText implements encoding.TextMarshaler so refs can key JSON maps.
func (r Ref) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Ref) UnmarshalText(b []byte) error {
	parsed, err := ParseRef(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Entity is a named campaign object with free-form JSON attributes.
type Entity struct {
	Ref     Ref             `json:"ref"`
	Name    string          `json:"name"`
	Aliases []string        `json:"aliases,omitempty"`
	Attrs   json.RawMessage `json:"attrs"`
}

// Get returns the attribute at a gjson path.
func (e Entity) Get(path string) gjson.Result {
	return gjson.GetBytes(e.Attrs, path)
}

// CatalogEntry is the name index used to match player words to entities.
type CatalogEntry struct {
	Ref     Ref      `json:"ref"`
	Name    string   `json:"name"`
	Aliases []string `json:"aliases,omitempty"`
}

// Snapshot is a consistent-enough view of a campaign for planning. Its
// Version is read before any entity, so a commit based on it fails rather
// than overwriting newer facts.
type Snapshot struct {
	CampaignID string         `json:"campaign_id"`
	Version    int64          `json:"version"`
	TurnCount  int64          `json:"turn_count"`
	Catalog    []CatalogEntry `json:"catalog"`
	Entities   map[Ref]Entity `json:"entities"`
	Missing    []Ref          `json:"missing,omitempty"`
	ReadAt     time.Time      `json:"read_at"`
}

// Entity returns the entity read for ref.
func (s Snapshot) Entity(ref Ref) (Entity, bool) {
	e, ok := s.Entities[ref]
	return e, ok
}

// Merge folds entities from a later read into s. The returned snapshot
// keeps the oldest version so commits stay conservative.
func (s Snapshot) Merge(other Snapshot) Snapshot {
	out := s
	out.Entities = make(map[Ref]Entity, len(s.Entities)+len(other.Entities))
	for k, v := range s.Entities {
		out.Entities[k] = v
	}
	for k, v := range other.Entities {
		out.Entities[k] = v
	}
	out.Missing = append(append([]Ref(nil), s.Missing...), other.Missing...)
	if len(out.Catalog) == 0 {
		out.Catalog = other.Catalog
	}
	if out.CampaignID == "" {
		out.CampaignID = other.CampaignID
		out.Version = other.Version
		out.TurnCount = other.TurnCount
	}
	return out
}

// Event is an append-only record in the campaign event log.
type Event struct {
	ID         string          `json:"id"`
	CampaignID string          `json:"campaign_id"`
	TurnID     string          `json:"turn_id,omitempty"`
	TurnNumber int64           `json:"turn_number"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Changes is everything one turn commits atomically.
type Changes struct {
	Mutations []Mutation
	Events    []Event

	// CountsAsTurn advances the campaign turn counter. Synthetic world
	// turns leave it unchanged.
	CountsAsTurn bool

	// ArchiveEffects moves the named effects from pending to archived.
	// The commit fails with ErrConflict when one is no longer pending, so
	// an effect is applied by exactly one commit.
	ArchiveEffects []string

	// ScheduleEffects are stored as pending effects. Their
	// ScheduledAtTurn is set to the turn number of this commit.
	ScheduleEffects []EffectRecord
}

// CommitResult reports the campaign position after a successful commit.
type CommitResult struct {
	Version    int64 `json:"version"`
	TurnNumber int64 `json:"turn_number"`
}

// Gateway is the world state boundary used by the turn controller.
type Gateway interface {
	// Read returns the campaign header, its catalog and the requested
	// entities. Refs that do not exist are listed in Snapshot.Missing.
	Read(ctx context.Context, campaignID string, refs []Ref) (Snapshot, error)

	// BeginTransaction starts a commit based on a snapshot version.
	BeginTransaction(ctx context.Context, campaignID string, baseVersion int64) (Tx, error)

	// AppendEvent records an event outside of a turn commit.
	AppendEvent(ctx context.Context, ev Event) error

	// RecentEvents returns up to limit events of a kind, oldest first.
	RecentEvents(ctx context.Context, campaignID, kind string, limit int) ([]Event, error)
}

// Tx is a single-use commit handle.
type Tx interface {
	Commit(ctx context.Context, changes Changes) (CommitResult, error)
	Rollback() error
}
