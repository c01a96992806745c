package event

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	gjsonschema "github.com/google/jsonschema-go/jsonschema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/wilhg/eventcore/pkg/errmodel"
)

// Upcaster rewrites a payload stored with schema version from into the shape of
// version from+1.
type Upcaster func(from int, payload json.RawMessage) (json.RawMessage, error)

type definition struct {
	typ       Type
	version   int
	decode    func(json.RawMessage) (Event, error)
	rawSchema []byte
	infer     bool
	schema    *jsonschema.Schema
	upcast    Upcaster
}

// Option configures a registered event type.
type Option func(*definition)

// WithSchema validates payloads of the event type against a JSON schema document.
func WithSchema(schema []byte) Option {
	return func(d *definition) { d.rawSchema = schema }
}

// WithInferredSchema derives the JSON schema from the event's Go type.
func WithInferredSchema() Option {
	return func(d *definition) { d.infer = true }
}

// WithUpcaster sets the function that upgrades payloads written with older
// schema versions.
func WithUpcaster(u Upcaster) Option {
	return func(d *definition) { d.upcast = u }
}

// Registry maps event type tags to decoders. It is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	defs map[Type]*definition
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: map[Type]*definition{}}
}

// Register adds the event type E. E must be a value type whose zero value
// reports its type tag; payloads are decoded into E with encoding/json.
func Register[E Event](r *Registry, opts ...Option) error {
	var zero E
	t := zero.EventType()
	if t == "" {
		return fmt.Errorf("event type is empty for %T", zero)
	}
	d := &definition{
		typ:     t,
		version: SchemaVersionOf(zero),
		decode: func(payload json.RawMessage) (Event, error) {
			var e E
			if err := json.Unmarshal(payload, &e); err != nil {
				return nil, err
			}
			return e, nil
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.infer {
		s, err := gjsonschema.For[E](nil)
		if err != nil {
			return fmt.Errorf("infer schema for %s: %w", t, err)
		}
		b, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("marshal schema for %s: %w", t, err)
		}
		d.rawSchema = b
	}
	if len(d.rawSchema) > 0 {
		sch, err := compileSchema(t, d.rawSchema)
		if err != nil {
			return fmt.Errorf("compile schema for %s: %w", t, err)
		}
		d.schema = sch
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[t]; exists {
		return fmt.Errorf("event type %q already registered", t)
	}
	r.defs[t] = d
	return nil
}

// MustRegister is Register that panics on error. Intended for package init.
func MustRegister[E Event](r *Registry, opts ...Option) {
	if err := Register[E](r, opts...); err != nil {
		panic(err)
	}
}

// Has reports whether t is registered.
func (r *Registry) Has(t Type) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.defs[t]
	return ok
}

// Types lists registered type tags in lexical order.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Type, 0, len(r.defs))
	for t := range r.defs {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Encode marshals e and validates it. It returns the current schema version.
func (r *Registry) Encode(e Event) (json.RawMessage, int, error) {
	if e == nil {
		return nil, 0, errmodel.Validation("nil_event", "event is nil", nil)
	}
	d, err := r.lookup(e.EventType())
	if err != nil {
		return nil, 0, err
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, 0, errmodel.Validation("invalid_event_payload", err.Error(), map[string]any{"event_type": string(d.typ)})
	}
	if err := d.validate(payload); err != nil {
		return nil, 0, errmodel.Validation("invalid_event_payload", err.Error(), map[string]any{"event_type": string(d.typ)})
	}
	return payload, d.version, nil
}

// Decode turns a stored payload back into a typed event, upcasting older
// schema versions first.
func (r *Registry) Decode(t Type, version int, payload json.RawMessage) (Event, error) {
	d, err := r.lookup(t)
	if err != nil {
		return nil, err
	}
	if version <= 0 {
		version = 1
	}
	if version > d.version {
		return nil, errmodel.New(errmodel.CategoryUnknownEvent, "unsupported_schema_version",
			fmt.Sprintf("%s schema version %d is newer than %d", t, version, d.version),
			map[string]any{"event_type": string(t), "version": version})
	}
	for v := version; v < d.version; v++ {
		if d.upcast == nil {
			return nil, errmodel.New(errmodel.CategoryUnknownEvent, "missing_upcaster",
				fmt.Sprintf("%s has no upcaster from version %d", t, v),
				map[string]any{"event_type": string(t), "version": v})
		}
		payload, err = d.upcast(v, payload)
		if err != nil {
			return nil, errmodel.New(errmodel.CategoryStorage, "upcast_failed", err.Error(), map[string]any{"event_type": string(t), "version": v}, err)
		}
	}
	if err := d.validate(payload); err != nil {
		return nil, errmodel.New(errmodel.CategoryStorage, "corrupt_event", err.Error(), map[string]any{"event_type": string(t)}, err)
	}
	e, err := d.decode(payload)
	if err != nil {
		return nil, errmodel.New(errmodel.CategoryStorage, "corrupt_event", err.Error(), map[string]any{"event_type": string(t)}, err)
	}
	return e, nil
}

func (r *Registry) lookup(t Type) (*definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[t]
	if !ok {
		return nil, errmodel.UnknownEventType(string(t))
	}
	return d, nil
}

func (d *definition) validate(payload json.RawMessage) error {
	if d.schema == nil {
		return nil
	}
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return err
	}
	return d.schema.Validate(v)
}

func compileSchema(t Type, schema []byte) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(schema, &doc); err != nil {
		return nil, err
	}
	loc := "mem://events/" + string(t) + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(loc, doc); err != nil {
		return nil, err
	}
	return c.Compile(loc)
}
