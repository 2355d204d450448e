// Package action defines the immutable request value that flows through a
// store's dispatch queue.
//
// An Action is a type identifier plus a named payload. Once constructed it
// cannot be changed: the payload is copied on the way in and on the way out.
// Every action also carries a provenance (Origin) which is used for
// observability only; the dispatcher treats user, saga and inspector actions
// identically.
//
// Example usage:
//
//	a := action.New("SET_VAR_1", map[string]any{"value": 1})
//	commit, err := st.Dispatch(ctx, a)
package action

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Origin records who submitted an action.
type Origin string

const (
	OriginUser      Origin = "user"
	OriginSaga      Origin = "saga"
	OriginInspector Origin = "inspector"
)

// ValueKey is the payload field read by the default slice setter.
const ValueKey = "value"

// Action is an immutable, typed request to change state.
type Action struct {
	id      string
	typ     string
	payload map[string]any
	origin  Origin
	at      time.Time
}

// New builds a user-originated action. The payload map is deep-copied.
func New(typ string, payload map[string]any) Action {
	return Action{
		id:      uuid.NewString(),
		typ:     typ,
		payload: clonePayload(payload),
		origin:  OriginUser,
		at:      time.Now().UTC(),
	}
}

// Set builds the action that replaces a slice value through its setter type.
func Set(typ string, value any) Action {
	return New(typ, map[string]any{ValueKey: value})
}

func (a Action) ID() string           { return a.id }
func (a Action) Type() string         { return a.typ }
func (a Action) Origin() Origin       { return a.origin }
func (a Action) Timestamp() time.Time { return a.at }
func (a Action) IsZero() bool         { return a.typ == "" && a.id == "" }

// Payload returns a copy of the payload.
func (a Action) Payload() map[string]any { return clonePayload(a.payload) }

// Get returns a copy of one payload field.
func (a Action) Get(key string) (any, bool) {
	v, ok := a.payload[key]
	if !ok {
		return nil, false
	}
	return CopyValue(v), true
}

// Value is shorthand for the "value" payload field.
func (a Action) Value() any {
	v, _ := a.Get(ValueKey)
	return v
}

// WithOrigin returns a copy of the action with a different provenance.
func (a Action) WithOrigin(o Origin) Action {
	a.origin = o
	return a
}

// wireAction is the JSON shape of an Action.
type wireAction struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Origin    Origin         `json:"origin,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func (a Action) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireAction{
		ID:        a.id,
		Type:      a.typ,
		Payload:   a.payload,
		Origin:    a.origin,
		Timestamp: a.at,
	})
}

func (a *Action) UnmarshalJSON(b []byte) error {
	var w wireAction
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*a = FromWire(w.ID, w.Type, w.Payload, w.Origin, w.Timestamp)
	return nil
}

// FromWire rebuilds an action decoded from an export or a transport.
// Missing identity fields are filled in.
func FromWire(id, typ string, payload map[string]any, origin Origin, at time.Time) Action {
	if id == "" {
		id = uuid.NewString()
	}
	if origin == "" {
		origin = OriginUser
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return Action{id: id, typ: typ, payload: clonePayload(payload), origin: origin, at: at}
}

func clonePayload(p map[string]any) map[string]any {
	if p == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = CopyValue(v)
	}
	return out
}
