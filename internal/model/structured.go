package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Choice is the answer to an ambiguity-resolve request: which of the
// offered candidates the player most likely meant.
type Choice struct {
	Ref        string  `json:"ref" jsonschema:"description=One of the candidate refs verbatim or empty when none fits"`
	Confidence float64 `json:"confidence" jsonschema:"minimum=0,maximum=1"`
}

var schemas sync.Map // reflect.Type -> *compiledSchema

type compiledSchema struct {
	text   string
	schema *jsonschema.Schema
}

// SchemaFor returns the JSON schema text for T and its compiled validator.
func SchemaFor[T any]() (string, *jsonschema.Schema, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if cached, ok := schemas.Load(typ); ok {
		c := cached.(*compiledSchema)
		return c.text, c.schema, nil
	}

	reflector := invopop.Reflector{DoNotReference: true, Anonymous: true}
	raw, err := json.Marshal(reflector.Reflect(zero))
	if err != nil {
		return "", nil, fmt.Errorf("reflect schema for %s: %w", typ, err)
	}

	url := typ.Name() + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return "", nil, fmt.Errorf("add schema %s: %w", url, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return "", nil, fmt.Errorf("compile schema %s: %w", url, err)
	}

	schemas.Store(typ, &compiledSchema{text: string(raw), schema: schema})
	return string(raw), schema, nil
}

// Structured asks for a JSON answer shaped like T, validates it against
// T's schema and decodes it. The schema is appended to the system prompt.
func Structured[T any](ctx context.Context, gw Gateway, req Request) (T, Completion, error) {
	var out T
	text, schema, err := SchemaFor[T]()
	if err != nil {
		return out, Completion{}, err
	}

	req.System = strings.TrimSpace(req.System + "\n\nRespond with a single JSON object matching this schema and nothing else:\n" + text)
	resp, err := gw.Complete(ctx, req)
	if err != nil {
		return out, resp, err
	}

	obj, err := ExtractJSON(resp.Text)
	if err != nil {
		return out, resp, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	var doc any
	if err := json.Unmarshal(obj, &doc); err != nil {
		return out, resp, fmt.Errorf("%w: decode structured output: %w", ErrUnavailable, err)
	}
	if err := schema.Validate(doc); err != nil {
		return out, resp, fmt.Errorf("%w: structured output: %w", ErrUnavailable, err)
	}
	if err := json.Unmarshal(obj, &out); err != nil {
		return out, resp, fmt.Errorf("%w: decode structured output: %w", ErrUnavailable, err)
	}
	return out, resp, nil
}

// ExtractJSON returns the outermost JSON object in text. Models often wrap
// their answer in a code fence or a sentence.
func ExtractJSON(text string) ([]byte, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in model output")
	}
	return []byte(text[start : end+1]), nil
}
