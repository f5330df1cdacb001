package worldstate

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Op is a mutation operation on an entity's attributes.
type Op string

const (
	// OpSet writes Value at Path.
	OpSet Op = "set"
	// OpDelete removes Path.
	OpDelete Op = "delete"
	// OpAppend appends Value to the array at Path.
	OpAppend Op = "append"
	// OpRemove removes the first array element at Path equal to Value.
	OpRemove Op = "remove"
	// OpCreate inserts a new entity with Name and Value as its attributes.
	OpCreate Op = "create"
)

// Mutation is a deterministic change to one entity.
type Mutation struct {
	Ref   Ref    `json:"ref"`
	Op    Op     `json:"op"`
	Path  string `json:"path,omitempty"`
	Value any    `json:"value,omitempty"`
	Name  string `json:"name,omitempty"`

	// Expect must hold against the committed state or the commit conflicts.
	Expect []Guard `json:"expect,omitempty"`
}

// Guard is a precondition on an attribute.
type Guard struct {
	Ref    Ref    `json:"ref"`
	Path   string `json:"path"`
	Equals any    `json:"equals,omitempty"`

	// Absent requires Path to be missing. Equals is ignored when set.
	Absent bool `json:"absent,omitempty"`
}

func (m Mutation) String() string {
	switch m.Op {
	case OpCreate:
		return fmt.Sprintf("create %s %q", m.Ref, m.Name)
	case OpDelete:
		return fmt.Sprintf("delete %s.%s", m.Ref, m.Path)
	default:
		return fmt.Sprintf("%s %s.%s", m.Op, m.Ref, m.Path)
	}
}

// Set is shorthand for an OpSet mutation.
func Set(ref Ref, path string, value any) Mutation {
	return Mutation{Ref: ref, Op: OpSet, Path: path, Value: value}
}

// Append is shorthand for an OpAppend mutation.
func Append(ref Ref, path string, value any) Mutation {
	return Mutation{Ref: ref, Op: OpAppend, Path: path, Value: value}
}

// Remove is shorthand for an OpRemove mutation.
func Remove(ref Ref, path string, value any) Mutation {
	return Mutation{Ref: ref, Op: OpRemove, Path: path, Value: value}
}

// Applied returns attrs with m applied. OpCreate is handled by the store.
func (m Mutation) Applied(attrs []byte) ([]byte, error) {
	if len(attrs) == 0 {
		attrs = []byte(`{}`)
	}
	if m.Path == "" {
		return nil, fmt.Errorf("%s: empty path", m)
	}

	switch m.Op {
	case OpSet:
		return sjson.SetBytes(attrs, m.Path, m.Value)
	case OpDelete:
		return sjson.DeleteBytes(attrs, m.Path)
	case OpAppend:
		arr := gjson.GetBytes(attrs, m.Path)
		if arr.Exists() && !arr.IsArray() {
			return nil, fmt.Errorf("%s: not an array", m)
		}
		return sjson.SetBytes(attrs, m.Path+".-1", m.Value)
	case OpRemove:
		arr := gjson.GetBytes(attrs, m.Path)
		if !arr.IsArray() {
			return nil, fmt.Errorf("%s: not an array", m)
		}
		idx := -1
		for i, el := range arr.Array() {
			if valuesEqual(el.Value(), m.Value) {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("%s: %w", m, ErrConflict)
		}
		return sjson.DeleteBytes(attrs, fmt.Sprintf("%s.%d", m.Path, idx))
	default:
		return nil, fmt.Errorf("unsupported mutation op %q", m.Op)
	}
}

// Holds reports whether g is satisfied by attrs.
func (g Guard) Holds(attrs []byte) bool {
	res := gjson.GetBytes(attrs, g.Path)
	if g.Absent {
		return !res.Exists()
	}
	if !res.Exists() {
		return false
	}
	return valuesEqual(res.Value(), g.Equals)
}

// valuesEqual compares a gjson value with an arbitrary Go value by
// normalizing both through JSON.
func valuesEqual(have, want any) bool {
	a, errA := normalize(have)
	b, errB := normalize(want)
	if errA != nil || errB != nil {
		return false
	}
	return reflect.DeepEqual(a, b)
}

func normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
