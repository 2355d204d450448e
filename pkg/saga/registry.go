// Package saga holds post-commit effect handlers.
//
// A saga is bound to an action type (or Any). After a cycle commits, the
// store resolves the bindings for the committed action and runs each
// handler with the action and the cycle's diff. A handler yields follow-up
// actions lazily; it may block between yields and must honour ctx
// cancellation. Sagas never touch store state directly.
package saga

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/wilhg/rewind/pkg/action"
	"github.com/wilhg/rewind/pkg/errmodel"
	"github.com/wilhg/rewind/pkg/state"
)

// Any binds a saga to every action type.
const Any = state.Wildcard

// Handler produces the follow-up actions of one committed cycle.
type Handler func(ctx context.Context, act action.Action, diff state.Diff) iter.Seq2[action.Action, error]

// Binding is a resolved saga registration.
type Binding struct {
	Name       string
	ActionType string
	Slices     []string
	Handler    Handler
}

// BindOption customises a saga binding.
type BindOption func(*Binding)

// OnSlices restricts a saga to cycles whose diff touches one of names.
func OnSlices(names ...string) BindOption {
	return func(b *Binding) { b.Slices = append(b.Slices, names...) }
}

// Named sets the name used in logs, spans and saga errors.
func Named(name string) BindOption {
	return func(b *Binding) { b.Name = name }
}

// Registry holds saga bindings in registration order.
type Registry struct {
	schema *state.Schema

	mu       sync.RWMutex
	bindings []Binding
}

func NewRegistry(schema *state.Schema) *Registry {
	return &Registry{schema: schema}
}

// Bind registers h for actionType.
func (r *Registry) Bind(actionType string, h Handler, opts ...BindOption) error {
	if h == nil {
		return errmodel.Configuration("nil_saga", "saga handler is nil", map[string]any{"action_type": actionType})
	}
	if actionType == "" {
		return errmodel.Configuration("empty_action_type", "saga binding has no action type", nil)
	}
	b := Binding{ActionType: actionType, Handler: h}
	for _, opt := range opts {
		opt(&b)
	}
	for _, s := range b.Slices {
		if !r.schema.Has(s) {
			return errmodel.Configuration("unknown_slice", fmt.Sprintf("saga filter names undeclared slice %q", s), map[string]any{"slice": s, "action_type": actionType})
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if b.Name == "" {
		b.Name = fmt.Sprintf("%s#%d", actionType, len(r.bindings))
	}
	r.bindings = append(r.bindings, b)
	return nil
}

// Resolve returns the bindings that should run for a committed action, in
// registration order.
func (r *Registry) Resolve(act action.Action, diff state.Diff) []Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Binding
	for _, b := range r.bindings {
		if b.ActionType != Any && b.ActionType != act.Type() {
			continue
		}
		if len(b.Slices) > 0 && !diff.Touches(b.Slices...) {
			continue
		}
		out = append(out, b)
	}
	return out
}

// Len returns the number of registered bindings.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings)
}

// Emit returns a handler that yields the given actions and stops. Each run
// yields fresh copies with a new ID and timestamp.
func Emit(actions ...action.Action) Handler {
	return func(ctx context.Context, _ action.Action, _ state.Diff) iter.Seq2[action.Action, error] {
		return func(yield func(action.Action, error) bool) {
			for _, a := range actions {
				if ctx.Err() != nil {
					return
				}
				if !a.IsZero() {
					a = action.FromWire("", a.Type(), a.Payload(), a.Origin(), time.Time{})
				}
				if !yield(a, nil) {
					return
				}
			}
		}
	}
}

// Func adapts a callback that returns its follow-ups eagerly.
func Func(fn func(ctx context.Context, act action.Action, diff state.Diff) ([]action.Action, error)) Handler {
	return func(ctx context.Context, act action.Action, diff state.Diff) iter.Seq2[action.Action, error] {
		return func(yield func(action.Action, error) bool) {
			out, err := fn(ctx, act, diff)
			if err != nil {
				yield(action.Action{}, err)
				return
			}
			for _, a := range out {
				if !yield(a, nil) {
					return
				}
			}
		}
	}
}

// Sink receives the actions yielded by a running saga.
type Sink func(action.Action) error

// Run drives one binding to completion, forwarding each yielded action to
// sink with saga origin. Handler errors, sink errors and panics are returned
// as saga errors.
func Run(ctx context.Context, b Binding, act action.Action, diff state.Diff, sink Sink) (yielded int, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errmodel.Saga("saga_panic", fmt.Sprintf("saga %s panicked", b.Name), sagaContext(b, act), fmt.Errorf("panic: %v", p))
		}
	}()
	for next, herr := range b.Handler(ctx, act, diff) {
		if herr != nil {
			return yielded, errmodel.Saga("saga_failed", fmt.Sprintf("saga %s failed", b.Name), sagaContext(b, act), herr)
		}
		if next.IsZero() {
			continue
		}
		if serr := sink(next.WithOrigin(action.OriginSaga)); serr != nil {
			return yielded, errmodel.Saga("saga_rejected", fmt.Sprintf("saga %s yielded a rejected action %q", b.Name, next.Type()), sagaContext(b, act), serr)
		}
		yielded++
	}
	if cerr := ctx.Err(); cerr != nil {
		return yielded, errmodel.Saga("saga_cancelled", fmt.Sprintf("saga %s cancelled", b.Name), sagaContext(b, act), cerr)
	}
	return yielded, nil
}

func sagaContext(b Binding, act action.Action) map[string]any {
	return map[string]any{"saga": b.Name, "action_type": act.Type(), "action_id": act.ID()}
}
