package store

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/wilhg/rewind/pkg/action"
	"github.com/wilhg/rewind/pkg/errmodel"
	"github.com/wilhg/rewind/pkg/saga"
	"github.com/wilhg/rewind/pkg/state"
)

type jobKind int

const (
	jobDispatch jobKind = iota
	jobJump
)

type job struct {
	kind   jobKind
	act    action.Action
	seq    int64
	ctx    context.Context
	ticket *Ticket
}

type metrics struct {
	committed   metric.Int64Counter
	aborted     metric.Int64Counter
	sagasFailed metric.Int64Counter
}

func newMetrics(m metric.Meter) metrics {
	counter := func(name, desc string) metric.Int64Counter {
		c, err := m.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			return noop.Int64Counter{}
		}
		return c
	}
	return metrics{
		committed:   counter("rewind.cycles.committed", "Dispatch cycles committed"),
		aborted:     counter("rewind.cycles.aborted", "Dispatch cycles aborted by a reducer error"),
		sagasFailed: counter("rewind.sagas.failed", "Saga handlers that ended with an error"),
	}
}

// loop is the only goroutine that changes the current snapshot or history.
func (s *Store) loop() {
	defer close(s.loopDone)
	for {
		j, ok := s.next()
		if !ok {
			return
		}
		switch j.kind {
		case jobJump:
			s.jump(j)
		default:
			s.reduce(j)
		}
		s.mu.Lock()
		s.release(1)
		s.mu.Unlock()
	}
}

func (s *Store) next() (*job, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			j := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return j, true
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil, false
		}
		<-s.wake
	}
}

// spanParent keeps the submitter's trace but not its cancellation: a cycle
// is never cancelled mid-flight.
func spanParent(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return trace.ContextWithSpan(context.Background(), trace.SpanFromContext(ctx))
}

func (s *Store) reduce(j *job) {
	act := j.act
	ctx, span := s.tracer.Start(spanParent(j.ctx), "store.cycle", trace.WithAttributes(
		attribute.String("action.id", act.ID()),
		attribute.String("action.type", act.Type()),
		attribute.String("action.origin", string(act.Origin())),
	))
	defer span.End()

	pre := s.State()
	values := make(map[string]any, s.schema.Len())
	for _, name := range s.schema.Names() {
		v, err := s.reducers.Apply(act, name, pre.Get(name))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "reducer failed")
			s.metrics.aborted.Add(ctx, 1, metric.WithAttributes(attribute.String("action.type", act.Type())))
			s.log.Warn().Err(err).
				Str("action_type", act.Type()).
				Str("action_id", act.ID()).
				Str("slice", name).
				Msg("dispatch cycle aborted")
			j.ticket.resolve(Commit{}, err)
			return
		}
		values[name] = v
	}
	post := pre.Replace(values)
	diff := s.schema.Diff(pre, post)

	s.commitMu.Lock()
	entry, discarded := s.history.Append(act, pre, post, diff, s.now())
	s.current.Store(&post)
	s.commitMu.Unlock()

	span.SetAttributes(
		attribute.Int64("history.sequence", entry.Sequence),
		attribute.StringSlice("diff.slices", diff.Names()),
	)
	if discarded > 0 {
		span.AddEvent("history.truncated", trace.WithAttributes(attribute.Int("discarded", discarded)))
	}
	s.metrics.committed.Add(ctx, 1, metric.WithAttributes(attribute.String("action.type", act.Type())))
	s.log.Debug().
		Int64("sequence", entry.Sequence).
		Str("action_type", act.Type()).
		Str("action_id", act.ID()).
		Str("origin", string(act.Origin())).
		Strs("changed", diff.Names()).
		Int("discarded", discarded).
		Msg("cycle committed")

	commit := Commit{Entry: entry, Discarded: discarded}
	j.ticket.resolve(commit, nil)
	s.publish(Event{
		Kind:      EventCommit,
		Sequence:  entry.Sequence,
		Action:    act,
		Snapshot:  post,
		Diff:      diff.Clone(),
		Discarded: discarded,
		Time:      entry.Timestamp,
	})
	s.startSagas(trace.ContextWithSpan(s.sagaCtx, span), entry.Sequence, act, diff)
}

func (s *Store) jump(j *job) {
	_, span := s.tracer.Start(spanParent(j.ctx), "store.jump", trace.WithAttributes(attribute.Int64("history.sequence", j.seq)))
	defer span.End()

	s.commitMu.Lock()
	entry, err := s.history.MoveTo(j.seq)
	if err == nil {
		post := entry.Post
		s.current.Store(&post)
	}
	s.commitMu.Unlock()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "jump rejected")
		s.log.Warn().Err(err).Int64("sequence", j.seq).Msg("jump rejected")
		j.ticket.resolve(Commit{}, err)
		return
	}
	s.log.Debug().Int64("sequence", entry.Sequence).Msg("jumped")
	j.ticket.resolve(Commit{Entry: entry}, nil)
	s.publish(Event{
		Kind:     EventJump,
		Sequence: entry.Sequence,
		Action:   entry.Action,
		Snapshot: entry.Post,
		Time:     s.now(),
	})
}

func (s *Store) startSagas(ctx context.Context, seq int64, act action.Action, diff state.Diff) {
	bindings := s.sagas.Resolve(act, diff)
	if len(bindings) == 0 {
		return
	}
	tasks := len(bindings)
	if s.serialSagas {
		tasks = 1
	}
	s.mu.Lock()
	s.acquire(tasks)
	s.mu.Unlock()
	s.sagaWG.Add(tasks)

	finish := func() {
		s.mu.Lock()
		s.release(1)
		s.mu.Unlock()
		s.sagaWG.Done()
	}
	if s.serialSagas {
		go func() {
			defer finish()
			for _, b := range bindings {
				if ctx.Err() != nil {
					return
				}
				s.runSaga(ctx, b, seq, act, diff.Clone())
			}
		}()
		return
	}
	for _, b := range bindings {
		go func() {
			defer finish()
			s.runSaga(ctx, b, seq, act, diff.Clone())
		}()
	}
}

func (s *Store) runSaga(parent context.Context, b saga.Binding, seq int64, act action.Action, diff state.Diff) {
	ctx, span := s.tracer.Start(parent, "store.saga", trace.WithAttributes(
		attribute.String("saga.name", b.Name),
		attribute.String("action.type", act.Type()),
	))
	defer span.End()

	n, err := saga.Run(ctx, b, act, diff, func(next action.Action) error {
		if verr := s.catalog.Validate(next); verr != nil {
			return verr
		}
		_, qerr := s.enqueue(ctx, &job{kind: jobDispatch, act: next})
		return qerr
	})
	span.SetAttributes(attribute.Int("saga.yielded", n))
	if err == nil {
		s.log.Debug().Str("saga", b.Name).Int("yielded", n).Msg("saga finished")
		return
	}
	if s.sagaCtx.Err() != nil {
		s.log.Debug().Str("saga", b.Name).Msg("saga stopped by close")
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "saga failed")
	s.metrics.sagasFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("saga.name", b.Name)))
	s.log.Error().Err(err).
		Str("saga", b.Name).
		Str("action_type", act.Type()).
		Str("action_id", act.ID()).
		Msg("saga failed")
	s.publish(Event{
		Kind:     EventSagaError,
		Sequence: seq,
		Action:   act,
		Saga:     b.Name,
		Err:      errmodel.From(err),
		Time:     s.now(),
	})
	if s.onSagaError != nil {
		s.onSagaError(err)
	}
}
