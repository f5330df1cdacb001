package rlm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/rand/gamemaster/internal/rlm/schedule"
	"github.com/rand/gamemaster/internal/worldstate"
)

// Outcome is what the world rules decided for one plan.
type Outcome struct {
	Lines     []string
	Mutations []worldstate.Mutation
	Events    []worldstate.Event
	Effects   []schedule.Effect
	Residue   *Residue

	// Decided is set when Lines state a settled outcome rather than an
	// acknowledgement or a refusal.
	Decided bool
}

// Rules resolves verbs against entity attributes. Attribute conventions:
//
//	locked, open          bool
//	key / key_required    id or name of the item that unlocks it
//	fixed                 bool, cannot be taken
//	held_by               player id holding an item
//	inventory             array of item ids or {"id","name"} objects
//	hp, damage, defeated  numbers and flag for attacks
//	description, greeting strings used for look and talk
//	effects               [{"on": verb, "trigger": {...}, "payload": {...}, "once": bool}]
type Rules struct{}

// Apply decides the outcome of plan against snap.
func (Rules) Apply(turn Turn, plan Plan, snap worldstate.Snapshot) Outcome {
	if plan.Verb == VerbNone || plan.Target.IsZero() {
		return Outcome{}
	}
	target, ok := snap.Entity(plan.Target)
	if !ok {
		return Outcome{Lines: []string{"You don't see that here."}}
	}

	var out Outcome
	switch plan.Verb {
	case VerbOpen:
		out = openRule(turn, plan, snap, target)
	case VerbUse:
		if target.Get("locked").Exists() {
			out = openRule(turn, plan, snap, target)
		} else {
			out = Outcome{Lines: []string{fmt.Sprintf("Nothing happens when you use it on the %s.", name(target))}}
		}
	case VerbTake:
		out = takeRule(turn, target)
	case VerbAttack:
		out = attackRule(turn, snap, target)
	case VerbGo:
		out = goRule(turn, target)
	case VerbLook:
		desc := target.Get("description").String()
		if desc == "" {
			desc = fmt.Sprintf("You see nothing unusual about the %s.", name(target))
		}
		out = Outcome{Lines: []string{desc}, Decided: true}
	case VerbTalk:
		greeting := target.Get("greeting").String()
		if greeting == "" {
			greeting = fmt.Sprintf("The %s regards you in silence.", name(target))
		}
		out = Outcome{Lines: []string{greeting}, Decided: true}
	}

	if out.Decided && len(out.Mutations) > 0 {
		declared, spent := declaredEffects(turn, plan.Verb, target)
		out.Effects = append(out.Effects, declared...)
		out.Mutations = append(out.Mutations, spent...)
	}
	return out
}

func openRule(turn Turn, plan Plan, snap worldstate.Snapshot, target worldstate.Entity) Outcome {
	n := name(target)
	if !target.Get("locked").Bool() {
		if target.Get("open").Bool() {
			return Outcome{Lines: []string{fmt.Sprintf("The %s is already open.", n)}}
		}
		return Outcome{
			Lines:     []string{fmt.Sprintf("The %s swings open.", n)},
			Mutations: []worldstate.Mutation{worldstate.Set(target.Ref, "open", true)},
			Events:    []worldstate.Event{ruleEvent(turn, "opened", map[string]any{"target": target.Ref})},
			Decided:   true,
		}
	}

	key := target.Get("key").String()
	if key == "" {
		key = target.Get("key_required").String()
	}
	resists := Outcome{Lines: []string{fmt.Sprintf("The %s resists, lock holding firm.", n)}}
	actorRef := turn.Actor()
	if key == "" || actorRef.IsZero() {
		return resists
	}

	actor, ok := snap.Entity(actorRef)
	if !ok {
		return Outcome{
			Lines: []string{fmt.Sprintf("You try the %s.", n)},
			Residue: &Residue{
				Reason: "verify key " + key,
				Verb:   plan.Verb,
				Target: target.Ref,
				Need:   []worldstate.Ref{actorRef},
			},
		}
	}
	if !holds(actor, key) {
		return resists
	}

	opening := "the lid creaks open"
	if target.Ref.Kind != worldstate.KindItem {
		opening = "the way swings open"
	}
	return Outcome{
		Lines: []string{fmt.Sprintf("You turn the %s in the lock. It gives with a click, and %s.", displayID(key), opening)},
		Mutations: []worldstate.Mutation{
			{
				Ref: target.Ref, Op: worldstate.OpSet, Path: "locked", Value: false,
				Expect: []worldstate.Guard{{Ref: target.Ref, Path: "locked", Equals: true}},
			},
			worldstate.Set(target.Ref, "open", true),
		},
		Events: []worldstate.Event{ruleEvent(turn, "unlocked", map[string]any{
			"target": target.Ref, "key": key, "by": actorRef,
		})},
		Decided: true,
	}
}

func takeRule(turn Turn, target worldstate.Entity) Outcome {
	n := name(target)
	actor := turn.Actor()
	switch {
	case actor.IsZero():
		return Outcome{}
	case target.Ref.Kind != worldstate.KindItem:
		return Outcome{Lines: []string{fmt.Sprintf("You can't take the %s.", n)}}
	case target.Get("fixed").Bool():
		return Outcome{Lines: []string{fmt.Sprintf("The %s won't budge.", n)}}
	}
	switch holder := target.Get("held_by").String(); holder {
	case "":
	case actor.ID:
		return Outcome{Lines: []string{fmt.Sprintf("You already have the %s.", n)}}
	default:
		return Outcome{Lines: []string{fmt.Sprintf("Someone else has the %s.", n)}}
	}

	return Outcome{
		Lines: []string{fmt.Sprintf("You take the %s.", n)},
		Mutations: []worldstate.Mutation{
			{
				Ref: target.Ref, Op: worldstate.OpSet, Path: "held_by", Value: actor.ID,
				Expect: []worldstate.Guard{{Ref: target.Ref, Path: "held_by", Absent: true}},
			},
			worldstate.Append(actor, "inventory", target.Ref.ID),
		},
		Events:  []worldstate.Event{ruleEvent(turn, "taken", map[string]any{"target": target.Ref, "by": actor})},
		Decided: true,
	}
}

func attackRule(turn Turn, snap worldstate.Snapshot, target worldstate.Entity) Outcome {
	n := name(target)
	if target.Ref.Kind != worldstate.KindNPC && target.Ref.Kind != worldstate.KindCharacter {
		return Outcome{Lines: []string{fmt.Sprintf("You strike the %s, to no effect.", n)}}
	}
	if target.Get("defeated").Bool() {
		return Outcome{Lines: []string{fmt.Sprintf("The %s is already down.", n)}}
	}
	hp := target.Get("hp")
	if !hp.Exists() {
		return Outcome{Lines: []string{fmt.Sprintf("You attack the %s.", n)}, Decided: true,
			Events: []worldstate.Event{ruleEvent(turn, "attacked", map[string]any{"target": target.Ref})}}
	}

	damage := int64(1)
	if actor, ok := snap.Entity(turn.Actor()); ok {
		if d := actor.Get("damage"); d.Exists() && d.Int() > 0 {
			damage = d.Int()
		}
	}
	left := hp.Int() - damage
	out := Outcome{
		Mutations: []worldstate.Mutation{{
			Ref: target.Ref, Op: worldstate.OpSet, Path: "hp", Value: left,
			Expect: []worldstate.Guard{{Ref: target.Ref, Path: "hp", Equals: hp.Int()}},
		}},
		Events: []worldstate.Event{ruleEvent(turn, "attacked", map[string]any{
			"target": target.Ref, "damage": damage, "hp": left,
		})},
		Decided: true,
	}
	if left <= 0 {
		out.Lines = []string{fmt.Sprintf("You strike the %s. It falls.", n)}
		out.Mutations = append(out.Mutations, worldstate.Set(target.Ref, "defeated", true))
	} else {
		out.Lines = []string{fmt.Sprintf("You strike the %s. It staggers but holds.", n)}
	}
	return out
}

func goRule(turn Turn, target worldstate.Entity) Outcome {
	n := name(target)
	actor := turn.Actor()
	switch {
	case actor.IsZero():
		return Outcome{}
	case target.Ref.Kind != worldstate.KindLocation:
		return Outcome{Lines: []string{fmt.Sprintf("You move toward the %s.", n)}, Decided: true}
	case target.Get("locked").Bool():
		return Outcome{Lines: []string{fmt.Sprintf("The way to the %s is barred.", n)}}
	}
	return Outcome{
		Lines:     []string{fmt.Sprintf("You make your way to the %s.", n)},
		Mutations: []worldstate.Mutation{worldstate.Set(actor, "location", target.Ref.ID)},
		Events:    []worldstate.Event{ruleEvent(turn, "moved", map[string]any{"to": target.Ref, "by": actor})},
		Decided:   true,
	}
}

// declaredEffects returns the delayed effects an entity declares for verb,
// and the mutations marking one-shot declarations spent.
func declaredEffects(turn Turn, verb Verb, target worldstate.Entity) ([]schedule.Effect, []worldstate.Mutation) {
	var (
		effects []schedule.Effect
		spent   []worldstate.Mutation
	)
	target.Get("effects").ForEach(func(key, decl gjson.Result) bool {
		if decl.Get("on").String() != string(verb) || decl.Get("spent").Bool() {
			return true
		}
		var e schedule.Effect
		if err := json.Unmarshal([]byte(decl.Get("trigger").Raw), &e.Trigger); err != nil {
			return true
		}
		if err := json.Unmarshal([]byte(decl.Get("payload").Raw), &e.Payload); err != nil {
			return true
		}
		if e.Trigger.Validate() != nil {
			return true
		}
		e.ID = uuid.NewString()
		e.CampaignID = turn.CampaignID
		e.SourceTurnID = turn.ID
		effects = append(effects, e)

		if decl.Get("once").Bool() {
			path := fmt.Sprintf("effects.%d.spent", key.Int())
			spent = append(spent, worldstate.Mutation{
				Ref: target.Ref, Op: worldstate.OpSet, Path: path, Value: true,
				Expect: []worldstate.Guard{{Ref: target.Ref, Path: path, Absent: true}},
			})
		}
		return true
	})
	return effects, spent
}

// holds reports whether an entity's inventory contains item, matching ids
// and names loosely ("brass-key" matches "Brass Key").
func holds(e worldstate.Entity, item string) bool {
	want := looseKey(item)
	found := false
	e.Get("inventory").ForEach(func(_, v gjson.Result) bool {
		switch {
		case v.Type == gjson.String:
			found = looseKey(v.String()) == want
		case v.IsObject():
			found = looseKey(v.Get("id").String()) == want || looseKey(v.Get("name").String()) == want
		}
		return !found
	})
	return found
}

func looseKey(s string) string {
	return strings.Join(strings.Fields(strings.NewReplacer("-", " ", "_", " ").Replace(strings.ToLower(s))), " ")
}

func displayID(id string) string {
	return looseKey(id)
}

func name(e worldstate.Entity) string {
	if e.Name != "" {
		return e.Name
	}
	return displayID(e.Ref.ID)
}

func ruleEvent(turn Turn, kind string, payload map[string]any) worldstate.Event {
	raw, _ := json.Marshal(payload)
	return worldstate.Event{
		ID:         uuid.NewString(),
		CampaignID: turn.CampaignID,
		TurnID:     turn.ID,
		Kind:       kind,
		Payload:    raw,
	}
}
