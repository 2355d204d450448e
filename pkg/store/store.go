// Package store is the single writer of a rewind state container.
//
// A Store owns the current snapshot, the FIFO dispatch queue and the
// history. One goroutine drains the queue and runs one dispatch cycle at a
// time: the reducing phase computes and commits the next snapshot, then the
// saga phase starts the matching sagas, whose yielded actions go to the tail
// of the same queue. Time travel (Jump) is serialized through the same
// queue, so every state change has exactly one writer.
//
// Example usage:
//
//	schema, _ := state.NewSchema(state.Slice{Name: "var_1"}, state.Slice{Name: "var_2"})
//	st, _ := store.New(schema, nil, nil)
//	defer st.Close(ctx)
//	commit, err := st.Dispatch(ctx, action.Set("SET_VAR_1", 1))
package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/wilhg/rewind/pkg/action"
	"github.com/wilhg/rewind/pkg/errmodel"
	"github.com/wilhg/rewind/pkg/history"
	"github.com/wilhg/rewind/pkg/reducer"
	"github.com/wilhg/rewind/pkg/saga"
	"github.com/wilhg/rewind/pkg/state"
)

const instrumentationName = "github.com/wilhg/rewind/pkg/store"

// Store holds the current snapshot and serializes every write to it.
type Store struct {
	schema   *state.Schema
	reducers *reducer.Registry
	sagas    *saga.Registry
	catalog  *action.Catalog
	history  *history.History

	// commitMu makes the snapshot swap and the history append one step for
	// readers that need both.
	commitMu sync.RWMutex
	current  atomic.Pointer[state.Snapshot]

	log         zerolog.Logger
	tracer      trace.Tracer
	meter       metric.Meter
	metrics     metrics
	now         func() time.Time
	serialSagas bool
	onSagaError func(error)

	mu      sync.Mutex
	queue   []*job
	pending int
	idle    chan struct{}
	closed  bool
	subs    map[int]*Subscription
	nextSub int

	wake        chan struct{}
	loopDone    chan struct{}
	sagaCtx     context.Context
	cancelSagas context.CancelFunc
	sagaWG      sync.WaitGroup
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithLogger sets the structured logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Store) {
		if tp != nil {
			s.tracer = tp.Tracer(instrumentationName)
		}
	}
}

// WithMeterProvider overrides the global meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Store) {
		if mp != nil {
			s.meter = mp.Meter(instrumentationName)
		}
	}
}

// WithClock sets the time source used for history timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithCatalog validates submitted actions against c. The slices' setter
// specs are added to it.
func WithCatalog(c *action.Catalog) Option {
	return func(s *Store) {
		if c != nil {
			s.catalog = c
		}
	}
}

// WithSagaErrorHandler is called, from the failing saga's goroutine, with
// every saga error.
func WithSagaErrorHandler(fn func(error)) Option {
	return func(s *Store) { s.onSagaError = fn }
}

// WithSerialSagas runs the sagas matching one cycle one after another, in
// registration order, instead of concurrently.
func WithSerialSagas() Option {
	return func(s *Store) { s.serialSagas = true }
}

// New builds a store whose snapshot starts at the schema defaults. Nil
// registries are replaced by empty ones. The dispatch goroutine runs until
// Close.
func New(schema *state.Schema, reducers *reducer.Registry, sagas *saga.Registry, opts ...Option) (*Store, error) {
	if schema == nil {
		return nil, errmodel.Configuration("nil_schema", "store needs a slice schema", nil)
	}
	if reducers == nil {
		reducers = reducer.NewRegistry(schema)
	}
	if sagas == nil {
		sagas = saga.NewRegistry(schema)
	}
	s := &Store{
		schema:   schema,
		reducers: reducers,
		sagas:    sagas,
		catalog:  action.NewCatalog(),
		history:  history.New(),
		log:      zerolog.Nop(),
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
		now:      func() time.Time { return time.Now().UTC() },
		subs:     map[int]*Subscription{},
		wake:     make(chan struct{}, 1),
		loopDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, spec := range schema.SetterSpecs() {
		if _, exists := s.catalog.Lookup(spec.Type); exists {
			continue
		}
		if err := s.catalog.Register(spec); err != nil {
			return nil, err
		}
	}
	s.metrics = newMetrics(s.meter)
	s.idle = make(chan struct{})
	close(s.idle)
	initial := schema.Defaults()
	s.current.Store(&initial)
	s.sagaCtx, s.cancelSagas = context.WithCancel(context.Background())
	go s.loop()
	return s, nil
}

// Schema returns the declared slice set.
func (s *Store) Schema() *state.Schema { return s.schema }

// Catalog returns the action catalog used by Submit.
func (s *Store) Catalog() *action.Catalog { return s.catalog }

// State returns the current snapshot. It never observes a partial update.
func (s *Store) State() state.Snapshot { return *s.current.Load() }

// View is a consistent read of the snapshot and the history position.
type View struct {
	Snapshot state.Snapshot
	Cursor   int64
	Len      int
}

// View returns the current snapshot together with the history cursor.
func (s *Store) View() View {
	s.commitMu.RLock()
	defer s.commitMu.RUnlock()
	return View{Snapshot: s.State(), Cursor: s.history.Cursor(), Len: s.history.Len()}
}

// History returns every recorded entry in sequence order.
func (s *Store) History() []history.Entry { return s.history.Entries() }

// Entry returns one history entry.
func (s *Store) Entry(seq int64) (history.Entry, error) { return s.history.Entry(seq) }

// Export returns the history in its export form.
func (s *Store) Export() []history.Record { return s.history.Export() }

// Submit validates act and appends it to the queue. It never waits for the
// cycle; use the returned ticket for the outcome.
func (s *Store) Submit(ctx context.Context, act action.Action) (*Ticket, error) {
	if err := s.catalog.Validate(act); err != nil {
		return nil, err
	}
	return s.enqueue(ctx, &job{kind: jobDispatch, act: act})
}

// Dispatch submits act and waits until its reducing phase commits or
// aborts. Sagas started by the cycle are not awaited. If ctx ends first the
// action stays queued and ctx.Err() is returned.
func (s *Store) Dispatch(ctx context.Context, act action.Action) (Commit, error) {
	t, err := s.Submit(ctx, act)
	if err != nil {
		return Commit{}, err
	}
	return t.Wait(ctx)
}

// Jump moves the current snapshot to history[seq].Post without running any
// reducer. It is queued behind every action submitted before it.
func (s *Store) Jump(ctx context.Context, seq int64) (Commit, error) {
	t, err := s.enqueue(ctx, &job{kind: jobJump, seq: seq})
	if err != nil {
		return Commit{}, err
	}
	return t.Wait(ctx)
}

// WaitIdle blocks until the queue is empty and no cycle or saga is running.
func (s *Store) WaitIdle(ctx context.Context) error {
	s.mu.Lock()
	if s.pending == 0 {
		s.mu.Unlock()
		return nil
	}
	ch := s.idle
	s.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the store. New submissions fail with errmodel.ErrClosed, queued
// actions are resolved with the same error, running sagas are cancelled and
// the in-flight cycle finishes. Close waits for all store goroutines unless
// ctx ends first.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s.waitStopped(ctx)
	}
	s.closed = true
	dropped := s.queue
	s.queue = nil
	s.release(len(dropped))
	for id, sub := range s.subs {
		delete(s.subs, id)
		close(sub.ch)
	}
	s.mu.Unlock()

	s.cancelSagas()
	for _, j := range dropped {
		j.ticket.resolve(Commit{}, errmodel.ErrClosed)
	}
	s.signal()
	if len(dropped) > 0 {
		s.log.Info().Int("dropped", len(dropped)).Msg("store closed with queued actions")
	}
	return s.waitStopped(ctx)
}

func (s *Store) waitStopped(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		<-s.loopDone
		s.sagaWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) enqueue(ctx context.Context, j *job) (*Ticket, error) {
	j.ctx = ctx
	j.ticket = newTicket(j.act)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errmodel.ErrClosed
	}
	s.queue = append(s.queue, j)
	s.acquire(1)
	s.mu.Unlock()
	s.signal()
	return j.ticket, nil
}

func (s *Store) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// acquire and release count queued jobs plus running cycles and sagas.
// Callers hold s.mu.
func (s *Store) acquire(n int) {
	if n <= 0 {
		return
	}
	if s.pending == 0 {
		s.idle = make(chan struct{})
	}
	s.pending += n
}

func (s *Store) release(n int) {
	if n <= 0 {
		return
	}
	s.pending -= n
	if s.pending == 0 {
		close(s.idle)
	}
}
