// Package inspector exposes a running store to external tooling: an event
// stream, time travel and dispatch commands, and a view-only timeline.
package inspector

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wilhg/rewind/pkg/action"
	"github.com/wilhg/rewind/pkg/errmodel"
	"github.com/wilhg/rewind/pkg/history"
	"github.com/wilhg/rewind/pkg/store"
)

// DefaultTimelineLimit bounds the timeline when no limit is configured.
const DefaultTimelineLimit = 1000

// Mark is one timeline row. The timeline is a view of what the inspector saw
// and is independent of the store history.
type Mark struct {
	Time       time.Time       `json:"time"`
	Kind       store.EventKind `json:"kind"`
	Sequence   int64           `json:"sequence"`
	ActionType string          `json:"action_type,omitempty"`
	Saga       string          `json:"saga,omitempty"`
}

// Inspector wraps a store with the inspector protocol.
type Inspector struct {
	store *store.Store
	log   zerolog.Logger
	limit int

	mu       sync.Mutex
	timeline []Mark

	sub  *store.Subscription
	done chan struct{}
}

// Option configures an Inspector.
type Option func(*Inspector)

// WithLogger sets the inspector logger.
func WithLogger(l zerolog.Logger) Option {
	return func(i *Inspector) { i.log = l }
}

// WithTimelineLimit keeps at most n marks, dropping the oldest.
func WithTimelineLimit(n int) Option {
	return func(i *Inspector) {
		if n > 0 {
			i.limit = n
		}
	}
}

// New attaches an inspector to st. Close detaches it.
func New(st *store.Store, opts ...Option) *Inspector {
	i := &Inspector{
		store: st,
		log:   zerolog.Nop(),
		limit: DefaultTimelineLimit,
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(i)
	}
	i.sub = st.Subscribe(0)
	go i.record()
	return i
}

func (i *Inspector) record() {
	defer close(i.done)
	for ev := range i.sub.C() {
		m := Mark{Time: ev.Time, Kind: ev.Kind, Sequence: ev.Sequence, ActionType: ev.Action.Type(), Saga: ev.Saga}
		i.mu.Lock()
		i.timeline = append(i.timeline, m)
		if over := len(i.timeline) - i.limit; over > 0 {
			i.timeline = append(i.timeline[:0:0], i.timeline[over:]...)
		}
		i.mu.Unlock()
	}
}

// Close stops recording the timeline.
func (i *Inspector) Close() {
	i.sub.Close()
	<-i.done
}

// Store returns the inspected store.
func (i *Inspector) Store() *store.Store { return i.store }

// Subscribe returns a new event stream. Callers must Close it.
func (i *Inspector) Subscribe(buffer int) *store.Subscription {
	return i.store.Subscribe(buffer)
}

// State returns the current snapshot and history position.
func (i *Inspector) State() store.View { return i.store.View() }

// History returns the export form of the full history.
func (i *Inspector) History() []history.Record { return i.store.Export() }

// Jump travels to the snapshot after sequence seq.
func (i *Inspector) Jump(ctx context.Context, seq int64) (store.Commit, error) {
	c, err := i.store.Jump(ctx, seq)
	if err != nil {
		i.log.Warn().Err(err).Int64("sequence", seq).Msg("inspector jump failed")
		return c, err
	}
	i.log.Info().Int64("sequence", seq).Msg("inspector jump")
	return c, nil
}

// Dispatch submits act with inspector provenance and waits for its cycle.
func (i *Inspector) Dispatch(ctx context.Context, act action.Action) (store.Commit, error) {
	act = act.WithOrigin(action.OriginInspector)
	c, err := i.store.Dispatch(ctx, act)
	if err != nil {
		i.log.Warn().Err(err).Str("action_type", act.Type()).Str("action_id", act.ID()).Msg("inspector dispatch failed")
		return c, err
	}
	i.log.Debug().Str("action_type", act.Type()).Int64("sequence", c.Sequence).Msg("inspector dispatch")
	return c, nil
}

// Set dispatches the implicit setter of slice with value.
func (i *Inspector) Set(ctx context.Context, slice string, value any) (store.Commit, error) {
	if !i.store.Schema().Has(slice) {
		return store.Commit{}, errmodel.Validation("unknown_slice", "slice is not declared", map[string]any{"slice": slice})
	}
	return i.Dispatch(ctx, action.Set(i.store.Schema().SetType(slice), value))
}

// Timeline returns a copy of the recorded marks, oldest first.
func (i *Inspector) Timeline() []Mark {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]Mark, len(i.timeline))
	copy(out, i.timeline)
	return out
}

// ClearTimeline forgets every mark. History is untouched.
func (i *Inspector) ClearTimeline() {
	i.mu.Lock()
	i.timeline = nil
	i.mu.Unlock()
}
