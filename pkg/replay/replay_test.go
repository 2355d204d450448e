package replay

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/wilhg/rewind/pkg/action"
	"github.com/wilhg/rewind/pkg/history"
	"github.com/wilhg/rewind/pkg/reducer"
	"github.com/wilhg/rewind/pkg/saga"
	"github.com/wilhg/rewind/pkg/state"
	"github.com/wilhg/rewind/pkg/store"
)

// newCounter builds a store with x, y and a count that a saga bumps
// whenever x or y changes.
func newCounter() (*store.Store, error) {
	schema, err := state.NewSchema(
		state.Slice{Name: "x", Default: 0},
		state.Slice{Name: "y", Default: 0},
		state.Slice{Name: "count", Default: 0},
	)
	if err != nil {
		return nil, err
	}
	reducers := reducer.NewRegistry(schema)
	if err := reducers.Bind("count", "INCREMENT", func(_ action.Action, _ string, old any) (any, error) {
		n, _ := old.(int)
		return n + 1, nil
	}); err != nil {
		return nil, err
	}
	sagas := saga.NewRegistry(schema)
	if err := sagas.Bind(saga.Any, saga.Emit(action.New("INCREMENT", nil)), saga.OnSlices("x", "y")); err != nil {
		return nil, err
	}
	return store.New(schema, reducers, sagas, store.WithSerialSagas())
}

func openCounter(t *testing.T) *store.Store {
	t.Helper()
	st, err := newCounter()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close(context.Background()) })
	return st
}

func record(t *testing.T) []history.Record {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	st := openCounter(t)
	for _, a := range []action.Action{
		action.Set("SET_X", 3),
		action.Set("SET_Y", 4),
		action.Set("SET_X", 3), // no change, no saga
		action.Set("SET_X", 5),
	} {
		if _, err := st.Dispatch(ctx, a); err != nil {
			t.Fatal(err)
		}
		if err := st.WaitIdle(ctx); err != nil {
			t.Fatal(err)
		}
	}
	return st.Export()
}

func encode(t *testing.T, f history.Format, recs []history.Record) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := history.Encode(&buf, f, recs); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestVerify_ReproducesExport(t *testing.T) {
	recs := record(t)
	if len(recs) != 7 {
		t.Fatalf("recorded %d entries want 7", len(recs))
	}
	// decode from JSON so values come back as float64
	decoded, err := history.Decode(bytes.NewReader(encode(t, history.FormatJSON, recs)), history.FormatJSON)
	if err != nil {
		t.Fatal(err)
	}
	res, err := Verify(t.Context(), openCounter(t), decoded)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Match {
		t.Fatalf("mismatch: %s", res.Mismatch)
	}
	if res.Dispatched != 4 {
		t.Fatalf("dispatched=%d want 4", res.Dispatched)
	}
	if res.Final.Get("count") != 3 || res.Final.Get("x") != float64(5) {
		t.Fatalf("final=%v", res.Final.Map())
	}
}

func TestVerify_ReportsMismatch(t *testing.T) {
	recs := record(t)
	recs[len(recs)-1].Snapshot = map[string]any{"x": 5, "y": 4, "count": 99}
	res, err := Verify(t.Context(), openCounter(t), recs)
	if err != nil {
		t.Fatal(err)
	}
	if res.Match || !strings.Contains(res.Mismatch, "count") {
		t.Fatalf("expected count mismatch, got match=%v %q", res.Match, res.Mismatch)
	}
}

func TestVerifyDir_Scores(t *testing.T) {
	recs := record(t)
	bad := append([]history.Record(nil), recs...)
	bad[0].Snapshot = map[string]any{"x": 1, "y": 0, "count": 0}

	fsys := fstest.MapFS{
		"exports/good.json": {Data: encode(t, history.FormatJSON, recs)},
		"exports/good.yaml": {Data: encode(t, history.FormatYAML, recs)},
		"exports/bad.yml":   {Data: encode(t, history.FormatYAML, bad)},
		"exports/notes.txt": {Data: []byte("ignored")},
	}
	rep, err := VerifyDir(t.Context(), fsys, "exports", newCounter)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Total != 3 || rep.Passed != 2 {
		t.Fatalf("total=%d passed=%d details=%v", rep.Total, rep.Passed, rep.Details)
	}
	if len(rep.Details) != 1 || !strings.HasPrefix(rep.Details[0], "bad.yml") {
		t.Fatalf("details=%v", rep.Details)
	}

	empty := fstest.MapFS{"exports/readme.md": {Data: []byte("x")}}
	rep, err = VerifyDir(t.Context(), empty, "exports", newCounter)
	if err != nil || rep.Score != 1 || rep.Total != 0 {
		t.Fatalf("empty: %+v %v", rep, err)
	}
}
