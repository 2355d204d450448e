// Package reducer resolves, for a given action type and slice, the ordered
// chain of pure functions that computes the slice's next value.
package reducer

import (
	"fmt"
	"sync"

	"github.com/wilhg/rewind/pkg/action"
	"github.com/wilhg/rewind/pkg/errmodel"
	"github.com/wilhg/rewind/pkg/state"
)

// Any selects every slice or every action type.
const Any = state.Wildcard

// Func computes a slice's next value. It must be synchronous, fast and free
// of side effects: it runs inside the store's serialization point.
type Func func(act action.Action, slice string, old any) (any, error)

type pair struct {
	slice      string
	actionType string
}

type binding struct {
	pair
	fn Func
}

// Registry holds reducer bindings keyed by (slice-or-wildcard,
// action-type-or-wildcard). It is safe for concurrent use.
type Registry struct {
	schema *state.Schema

	mu        sync.RWMutex
	specific  map[pair]Func
	wildcards []binding
}

// NewRegistry returns an empty registry for the slices of schema.
func NewRegistry(schema *state.Schema) *Registry {
	return &Registry{schema: schema, specific: map[pair]Func{}}
}

// Bind registers fn for a slice and an action type; either may be Any.
// A second specific binding for the same pair is a configuration error.
func (r *Registry) Bind(slice, actionType string, fn Func) error {
	if fn == nil {
		return errmodel.Configuration("nil_reducer", "reducer is nil", map[string]any{"slice": slice, "action_type": actionType})
	}
	if actionType == "" {
		return errmodel.Configuration("empty_action_type", "reducer binding has no action type", map[string]any{"slice": slice})
	}
	if slice != Any && !r.schema.Has(slice) {
		return errmodel.Configuration("unknown_slice", fmt.Sprintf("slice %q is not declared", slice), map[string]any{"slice": slice, "action_type": actionType})
	}
	p := pair{slice: slice, actionType: actionType}
	r.mu.Lock()
	defer r.mu.Unlock()
	if slice != Any && actionType != Any {
		if _, exists := r.specific[p]; exists {
			return errmodel.Configuration("duplicate_binding", fmt.Sprintf("reducer for (%s, %s) already registered", slice, actionType), map[string]any{"slice": slice, "action_type": actionType})
		}
		r.specific[p] = fn
		return nil
	}
	r.wildcards = append(r.wildcards, binding{pair: p, fn: fn})
	return nil
}

// On binds fn for one action type on several slices.
func (r *Registry) On(actionType string, fn Func, slices ...string) error {
	for _, s := range slices {
		if err := r.Bind(s, actionType, fn); err != nil {
			return err
		}
	}
	return nil
}

// Resolve returns the reducer chain for actionType on slice: the specific
// binding (or the slice's implicit setter), then every matching wildcard
// binding in registration order.
func (r *Registry) Resolve(actionType, slice string) []Func {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var chain []Func
	if fn, ok := r.specific[pair{slice: slice, actionType: actionType}]; ok {
		chain = append(chain, fn)
	} else if target, ok := r.schema.SetterSlice(actionType); ok && target == slice {
		chain = append(chain, setValue)
	}
	for _, b := range r.wildcards {
		if b.matches(slice, actionType) {
			chain = append(chain, b.fn)
		}
	}
	return chain
}

func (b binding) matches(slice, actionType string) bool {
	return (b.slice == Any || b.slice == slice) && (b.actionType == Any || b.actionType == actionType)
}

// Apply runs the resolved chain for slice. A failing or panicking reducer
// is reported as a reducer error.
func (r *Registry) Apply(act action.Action, slice string, old any) (any, error) {
	v := old
	for i, fn := range r.Resolve(act.Type(), slice) {
		next, err := call(fn, act, slice, v)
		if err != nil {
			return old, errmodel.Reducer("reducer_failed", fmt.Sprintf("reducer %d for (%s, %s) failed", i, slice, act.Type()), map[string]any{"slice": slice, "action_type": act.Type(), "action_id": act.ID()}, err)
		}
		v = next
	}
	return v, nil
}

func call(fn Func, act action.Action, slice string, old any) (next any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(act, slice, old)
}

// setValue is the implicit reducer of SET_<slice> and SYNC_<slice>.
func setValue(act action.Action, _ string, _ any) (any, error) {
	return act.Value(), nil
}

// Const returns a reducer that always yields v, e.g. for a CLEAR action
// bound to Any slice.
func Const(v any) Func {
	return func(action.Action, string, any) (any, error) { return v, nil }
}
