package store

import (
	"time"

	"github.com/wilhg/rewind/pkg/action"
	"github.com/wilhg/rewind/pkg/errmodel"
	"github.com/wilhg/rewind/pkg/state"
)

// EventKind tells subscribers what happened.
type EventKind string

const (
	EventCommit    EventKind = "commit"
	EventJump      EventKind = "jump"
	EventSagaError EventKind = "saga_error"
)

// Event is one message of the observation stream.
type Event struct {
	Kind     EventKind      `json:"kind"`
	Sequence int64          `json:"sequence"`
	Action   action.Action  `json:"action"`
	Snapshot state.Snapshot `json:"snapshot"`
	Diff     state.Diff     `json:"diff,omitempty"`
	// Discarded is set on commits that truncated history after a jump.
	Discarded int             `json:"discarded,omitempty"`
	Saga      string          `json:"saga,omitempty"`
	Err       *errmodel.Error `json:"error,omitempty"`
	Time      time.Time       `json:"time"`
}

// DefaultSubscriptionBuffer is used when Subscribe gets a non-positive size.
const DefaultSubscriptionBuffer = 256

// Subscription receives events until it is closed or the store closes.
// Events are dropped for a subscriber whose buffer is full.
type Subscription struct {
	id    int
	ch    chan Event
	store *Store
}

// C returns the event channel. It is closed by Close or by the store.
func (sub *Subscription) C() <-chan Event { return sub.ch }

// Close stops delivery and closes the channel.
func (sub *Subscription) Close() {
	s := sub.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub.id]; ok {
		delete(s.subs, sub.id)
		close(sub.ch)
	}
}

// Subscribe registers a new observer of commits, jumps and saga errors.
func (s *Store) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriptionBuffer
	}
	sub := &Subscription{ch: make(chan Event, buffer), store: s}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(sub.ch)
		return sub
	}
	s.nextSub++
	sub.id = s.nextSub
	s.subs[sub.id] = sub
	return sub
}

func (s *Store) publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sub := range s.subs {
		select {
		case sub.ch <- ev:
		default:
			s.log.Warn().Int("subscriber", id).Str("kind", string(ev.Kind)).Int64("sequence", ev.Sequence).Msg("subscriber buffer full, dropping event")
		}
	}
}
