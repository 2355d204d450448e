package store

import (
	"context"

	"github.com/wilhg/rewind/pkg/action"
	"github.com/wilhg/rewind/pkg/history"
)

// Commit is the outcome of a successful cycle or jump.
type Commit struct {
	history.Entry
	// Discarded counts the future entries dropped because the cycle was
	// dispatched after a jump.
	Discarded int
}

// Ticket tracks one queued action or jump.
type Ticket struct {
	act    action.Action
	done   chan struct{}
	commit Commit
	err    error
}

func newTicket(act action.Action) *Ticket {
	return &Ticket{act: act, done: make(chan struct{})}
}

func (t *Ticket) resolve(c Commit, err error) {
	t.commit, t.err = c, err
	close(t.done)
}

// Action returns the queued action; zero for a jump.
func (t *Ticket) Action() action.Action { return t.act }

// Done is closed once the reducing phase committed or aborted.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Wait blocks until the ticket resolves or ctx ends.
func (t *Ticket) Wait(ctx context.Context) (Commit, error) {
	select {
	case <-t.done:
		return t.commit, t.err
	case <-ctx.Done():
		return Commit{}, ctx.Err()
	}
}
