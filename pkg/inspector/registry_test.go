package inspector

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/wilhg/rewind/pkg/action"
	"github.com/wilhg/rewind/pkg/errmodel"
)

func nextStoreEvent(t *testing.T, f *Fanin) StoreEvent {
	t.Helper()
	select {
	case ev, ok := <-f.C():
		if !ok {
			t.Fatal("fan-in closed")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
	}
	return StoreEvent{}
}

func TestRegistry_RegisterAndState(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	a, b, c := openStore(t), openStore(t), openStore(t)
	if err := reg.Register("panel", "right", b); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register("panel", "left", a); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register("counter", "main", c); err != nil {
		t.Fatal(err)
	}

	if err := reg.Register("panel", "left", c); !errmodel.IsCategory(err, errmodel.CategoryConfiguration) {
		t.Fatalf("duplicate: err=%v want configuration", err)
	}
	if err := reg.Register("", "x", c); !errmodel.IsCategory(err, errmodel.CategoryConfiguration) {
		t.Fatalf("empty type: err=%v want configuration", err)
	}

	refs := reg.Stores()
	want := []Ref{{"counter", "main"}, {"panel", "left"}, {"panel", "right"}}
	if len(refs) != len(want) {
		t.Fatalf("stores=%v want %v", refs, want)
	}
	for i := range want {
		if refs[i] != want[i] {
			t.Fatalf("stores=%v want %v", refs, want)
		}
	}
	if types := reg.Types(); len(types) != 2 || types[0] != "counter" || types[1] != "panel" {
		t.Fatalf("types=%v", types)
	}

	if _, err := a.Dispatch(t.Context(), action.Set("SET_VAR_1", "l")); err != nil {
		t.Fatal(err)
	}
	state := reg.State()
	if state["panel"]["left"]["var_1"] != "l" || state["panel"]["right"]["var_1"] != nil {
		t.Fatalf("state=%v", state)
	}
	if _, ok := state["counter"]["main"]; !ok {
		t.Fatalf("state=%v missing counter/main", state)
	}

	if !reg.Unregister("panel", "left") || reg.Unregister("panel", "left") {
		t.Fatal("unregister should succeed once")
	}
	if _, ok := reg.Lookup("panel", "left"); ok {
		t.Fatal("lookup after unregister")
	}
	if st, ok := reg.Lookup("panel", "right"); !ok || st != b {
		t.Fatal("lookup panel/right")
	}
}

func TestRegistry_SubscribeFansIn(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	a, b := openStore(t), openStore(t)
	if err := reg.Register("panel", "a", a); err != nil {
		t.Fatal(err)
	}
	f := reg.Subscribe(8)
	defer f.Close()

	// registered after the subscription opened
	if err := reg.Register("panel", "b", b); err != nil {
		t.Fatal(err)
	}

	if _, err := a.Dispatch(t.Context(), action.Set("SET_VAR_1", 1)); err != nil {
		t.Fatal(err)
	}
	ev := nextStoreEvent(t, f)
	if ev.Ref != (Ref{"panel", "a"}) || ev.Snapshot.Get("var_1") != 1 {
		t.Fatalf("event=%+v", ev)
	}
	if _, err := b.Dispatch(t.Context(), action.Set("SET_VAR_2", 2)); err != nil {
		t.Fatal(err)
	}
	ev = nextStoreEvent(t, f)
	if ev.Ref != (Ref{"panel", "b"}) || ev.Sequence != 0 || ev.Snapshot.Get("var_2") != 2 {
		t.Fatalf("event=%+v", ev)
	}

	reg.Unregister("panel", "a")
	if _, err := a.Dispatch(t.Context(), action.Set("SET_VAR_1", 3)); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Dispatch(t.Context(), action.Set("SET_VAR_1", 4)); err != nil {
		t.Fatal(err)
	}
	if ev := nextStoreEvent(t, f); ev.Ref.ID != "b" {
		t.Fatalf("event from unregistered store: %+v", ev)
	}

	f.Close()
	if _, ok := <-f.C(); ok {
		t.Fatal("channel open after close")
	}
	f.Close()
}

func TestRegistryHandler(t *testing.T) {
	reg := NewRegistry(zerolog.Nop())
	st := openStore(t)
	if err := reg.Register("panel", "main", st); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(NewRegistryHandler(reg))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/stores")
	if err != nil {
		t.Fatal(err)
	}
	var refs []Ref
	decodeBody(t, resp, &refs)
	_ = resp.Body.Close()
	if len(refs) != 1 || refs[0] != (Ref{"panel", "main"}) {
		t.Fatalf("refs=%v", refs)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/stores/events", nil)
	events, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer events.Body.Close()
	r := bufio.NewReader(events.Body)
	if name, _ := readEvent(t, r); name != "state" {
		t.Fatalf("first event=%q want state", name)
	}

	if _, err := st.Dispatch(ctx, action.Set("SET_VAR_1", "x")); err != nil {
		t.Fatal(err)
	}
	name, data := readEvent(t, r)
	if name != "commit" {
		t.Fatalf("event=%q want commit", name)
	}
	var ev struct {
		StoreType string         `json:"store_type"`
		StoreID   string         `json:"store_id"`
		Snapshot  map[string]any `json:"snapshot"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.StoreType != "panel" || ev.StoreID != "main" || ev.Snapshot["var_1"] != "x" {
		t.Fatalf("event=%+v", ev)
	}

	state, err := http.Get(srv.URL + "/stores/state")
	if err != nil {
		t.Fatal(err)
	}
	defer state.Body.Close()
	var agg map[string]map[string]map[string]any
	decodeBody(t, state, &agg)
	if agg["panel"]["main"]["var_1"] != "x" {
		t.Fatalf("state=%v", agg)
	}
}
