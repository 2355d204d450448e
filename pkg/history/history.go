// Package history records committed dispatch cycles and the cursor used for
// time travel.
//
// History is linear: entry i has sequence i. Moving the cursor never removes
// entries, but appending while the cursor sits before the latest entry
// discards everything after the cursor first.
package history

import (
	"fmt"
	"sync"
	"time"

	"github.com/wilhg/rewind/pkg/action"
	"github.com/wilhg/rewind/pkg/errmodel"
	"github.com/wilhg/rewind/pkg/state"
)

// Entry is one committed cycle. Entries are never mutated.
type Entry struct {
	Sequence  int64
	Action    action.Action
	Pre       state.Snapshot
	Post      state.Snapshot
	Diff      state.Diff
	Timestamp time.Time
}

// History is safe for concurrent use; the store is its only writer.
type History struct {
	mu      sync.RWMutex
	entries []Entry
	cursor  int64
}

func New() *History {
	return &History{cursor: -1}
}

// Append records a committed cycle after the cursor and moves the cursor to
// it. It returns the entry and the number of discarded future entries.
func (h *History) Append(act action.Action, pre, post state.Snapshot, diff state.Diff, at time.Time) (Entry, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	dropped := 0
	if keep := h.cursor + 1; keep < int64(len(h.entries)) {
		dropped = len(h.entries) - int(keep)
		clear(h.entries[keep:])
		h.entries = h.entries[:keep]
	}
	e := Entry{
		Sequence:  int64(len(h.entries)),
		Action:    act,
		Pre:       pre,
		Post:      post,
		Diff:      diff,
		Timestamp: at,
	}
	h.entries = append(h.entries, e)
	h.cursor = e.Sequence
	return e.clone(), dropped
}

// clone gives the caller its own Diff map.
func (e Entry) clone() Entry {
	e.Diff = e.Diff.Clone()
	return e
}

// Entry returns the entry with the given sequence.
func (h *History) Entry(seq int64) (Entry, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if err := h.checkRange(seq); err != nil {
		return Entry{}, err
	}
	return h.entries[seq].clone(), nil
}

// MoveTo points the cursor at seq and returns that entry.
func (h *History) MoveTo(seq int64) (Entry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkRange(seq); err != nil {
		return Entry{}, err
	}
	h.cursor = seq
	return h.entries[seq].clone(), nil
}

func (h *History) checkRange(seq int64) error {
	if seq < 0 || seq >= int64(len(h.entries)) {
		return errmodel.Range("sequence_out_of_range",
			fmt.Sprintf("sequence %d is outside history [0, %d)", seq, len(h.entries)),
			map[string]any{"sequence": seq, "len": len(h.entries)})
	}
	return nil
}

// Entries returns a copy of every entry in sequence order.
func (h *History) Entries() []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Entry, len(h.entries))
	for i, e := range h.entries {
		out[i] = e.clone()
	}
	return out
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// Cursor is the sequence of the entry whose post snapshot is current, or -1
// before the first commit.
func (h *History) Cursor() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cursor
}

// Latest returns the last recorded entry.
func (h *History) Latest() (Entry, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.entries) == 0 {
		return Entry{}, false
	}
	return h.entries[len(h.entries)-1].clone(), true
}

// Export converts every entry into its record form.
func (h *History) Export() []Record {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Record, len(h.entries))
	for i, e := range h.entries {
		out[i] = e.Record()
	}
	return out
}
