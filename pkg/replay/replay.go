// Package replay re-dispatches an exported history into a fresh store and
// checks that it reproduces the recorded snapshots.
package replay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/go-cmp/cmp"

	"github.com/wilhg/rewind/pkg/action"
	"github.com/wilhg/rewind/pkg/history"
	"github.com/wilhg/rewind/pkg/state"
	"github.com/wilhg/rewind/pkg/store"
)

// Result is the outcome of replaying one export.
type Result struct {
	Final state.Snapshot
	// Dispatched counts the externally submitted actions that were replayed.
	Dispatched int
	Match      bool
	// Mismatch describes the first difference when Match is false.
	Mismatch string
}

// Run dispatches every user and inspector action of records, in sequence
// order, waiting for the store to settle after each so saga follow-ups land
// at the same sequences as in the export. Saga-originated records are
// skipped; the store's own sagas produce them again.
func Run(ctx context.Context, st *store.Store, records []history.Record) (state.Snapshot, int, error) {
	n := 0
	for _, rec := range records {
		if rec.Origin == action.OriginSaga {
			continue
		}
		if _, err := st.Dispatch(ctx, rec.Action()); err != nil {
			return st.State(), n, fmt.Errorf("replay record %d (%s): %w", rec.Sequence, rec.ActionType, err)
		}
		n++
		if err := st.WaitIdle(ctx); err != nil {
			return st.State(), n, err
		}
	}
	return st.State(), n, nil
}

// Verify replays records into st, which must be freshly built, and compares
// the resulting history with the export record by record.
func Verify(ctx context.Context, st *store.Store, records []history.Record) (Result, error) {
	final, n, err := Run(ctx, st, records)
	res := Result{Final: final, Dispatched: n}
	if err != nil {
		return res, err
	}
	got := st.Export()
	if len(got) != len(records) {
		res.Mismatch = fmt.Sprintf("history has %d entries, export has %d", len(got), len(records))
		return res, nil
	}
	for i := range records {
		if got[i].ActionType != records[i].ActionType {
			res.Mismatch = fmt.Sprintf("entry %d: action %s, export has %s", i, got[i].ActionType, records[i].ActionType)
			return res, nil
		}
		want, err := normalize(records[i].Snapshot)
		if err != nil {
			return res, err
		}
		have, err := normalize(got[i].Snapshot)
		if err != nil {
			return res, err
		}
		if diff := cmp.Diff(want, have); diff != "" {
			res.Mismatch = fmt.Sprintf("entry %d snapshot (-export +replay):\n%s", i, diff)
			return res, nil
		}
	}
	res.Match = true
	return res, nil
}

// normalize puts live values and decoded values on the same footing: both
// go through a JSON round trip.
func normalize(m map[string]any) (map[string]any, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("normalize snapshot: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("normalize snapshot: %w", err)
	}
	return out, nil
}
