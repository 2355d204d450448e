package action

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	gschema "github.com/google/jsonschema-go/jsonschema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/wilhg/rewind/pkg/errmodel"
)

// Spec declares the payload contract of one action type.
// Schema is a JSON Schema (draft 2020-12) in UTF-8 bytes.
type Spec struct {
	Type     string
	Required []string
	Schema   []byte
}

// SpecFor infers the payload schema of typ from the Go struct T.
func SpecFor[T any](typ string) (Spec, error) {
	s, err := gschema.For[T](nil)
	if err != nil {
		return Spec{}, fmt.Errorf("infer schema for %s: %w", typ, err)
	}
	b, err := json.Marshal(s)
	if err != nil {
		return Spec{}, fmt.Errorf("marshal schema for %s: %w", typ, err)
	}
	return Spec{Type: typ, Required: s.Required, Schema: b}, nil
}

type compiledSpec struct {
	Spec
	schema *jsonschema.Schema
}

// Catalog validates actions against registered specs before they are queued.
// Types without a spec are accepted unless the catalog is strict.
type Catalog struct {
	mu     sync.RWMutex
	specs  map[string]compiledSpec
	strict bool
}

// NewCatalog returns an empty, permissive catalog.
func NewCatalog() *Catalog {
	return &Catalog{specs: map[string]compiledSpec{}}
}

// Strict makes Validate reject action types that have no spec.
func (c *Catalog) Strict() *Catalog {
	c.mu.Lock()
	c.strict = true
	c.mu.Unlock()
	return c
}

// Register adds a spec. Registering a type twice or an invalid schema
// is a configuration error.
func (c *Catalog) Register(s Spec) error {
	if s.Type == "" {
		return errmodel.Configuration("empty_action_type", "action spec has no type", nil)
	}
	cs := compiledSpec{Spec: s}
	if len(s.Schema) > 0 {
		sch, err := compileSchema(s.Type, s.Schema)
		if err != nil {
			return errmodel.New(errmodel.CategoryConfiguration, "invalid_schema", "action payload schema does not compile", map[string]any{"action_type": s.Type}, err)
		}
		cs.schema = sch
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.specs[s.Type]; exists {
		return errmodel.Configuration("duplicate_action_spec", fmt.Sprintf("action %q already has a spec", s.Type), map[string]any{"action_type": s.Type})
	}
	c.specs[s.Type] = cs
	return nil
}

// Lookup returns the spec registered for typ.
func (c *Catalog) Lookup(typ string) (Spec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.specs[typ]
	return s.Spec, ok
}

// Types lists registered action types in sorted order.
func (c *Catalog) Types() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.specs))
	for t := range c.specs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Validate checks a before it is queued. All failures are validation errors.
func (c *Catalog) Validate(a Action) error {
	if a.Type() == "" {
		return errmodel.Validation("empty_action_type", "action has no type", map[string]any{"action_id": a.ID()})
	}
	if c == nil {
		return nil
	}
	c.mu.RLock()
	s, ok := c.specs[a.Type()]
	strict := c.strict
	c.mu.RUnlock()
	if !ok {
		if strict {
			return errmodel.Validation("unknown_action", fmt.Sprintf("action %q is not declared", a.Type()), map[string]any{"action_type": a.Type()})
		}
		return nil
	}
	for _, field := range s.Required {
		if _, present := a.payload[field]; !present {
			return errmodel.Validation("missing_field", fmt.Sprintf("action %q requires payload field %q", a.Type(), field), map[string]any{"action_type": a.Type(), "field": field})
		}
	}
	if s.schema != nil {
		// Marshal/unmarshal to generic for validation
		b, err := json.Marshal(a.payload)
		if err != nil {
			return errmodel.Validation("bad_payload", "payload is not JSON encodable", map[string]any{"action_type": a.Type(), "error": err.Error()})
		}
		var v any
		_ = json.Unmarshal(b, &v)
		if err := s.schema.Validate(v); err != nil {
			return errmodel.Validation("invalid_payload", "payload does not match schema", map[string]any{"action_type": a.Type(), "error": err.Error()})
		}
	}
	return nil
}

func compileSchema(typ string, raw []byte) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	url := "mem://actions/" + typ + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}
