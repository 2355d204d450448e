package state

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/wilhg/rewind/pkg/errmodel"
)

func varSchema(t *testing.T) *Schema {
	t.Helper()
	s, err := NewSchema(Slice{Name: "var_1"}, Slice{Name: "var_2"})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestNewSchema_DerivesSetters(t *testing.T) {
	s := varSchema(t)
	if got := s.SetType("var_1"); got != "SET_VAR_1" {
		t.Fatalf("set type=%q want SET_VAR_1", got)
	}
	if got := s.SyncType("var_2"); got != "SYNC_VAR_2" {
		t.Fatalf("sync type=%q want SYNC_VAR_2", got)
	}
	if name, ok := s.SetterSlice("SYNC_VAR_1"); !ok || name != "var_1" {
		t.Fatalf("SetterSlice(SYNC_VAR_1)=%q,%v", name, ok)
	}
	if _, ok := s.SetterSlice("CLEAR_STATE"); ok {
		t.Fatal("CLEAR_STATE is not a setter")
	}
	if got := strings.Join(s.Names(), ","); got != "var_1,var_2" {
		t.Fatalf("names=%s", got)
	}
	if len(s.SetterSpecs()) != 4 {
		t.Fatalf("setter specs=%d want 4", len(s.SetterSpecs()))
	}
}

func TestNewSchema_ConfigurationErrors(t *testing.T) {
	cases := map[string][]Slice{
		"empty":     nil,
		"no name":   {{Name: ""}},
		"wildcard":  {{Name: "*"}},
		"duplicate": {{Name: "a"}, {Name: "a"}},
		"collision": {{Name: "pos"}, {Name: "POS"}},
		"space":     {{Name: "my slice"}},
	}
	for name, slices := range cases {
		if _, err := NewSchema(slices...); !errmodel.IsCategory(err, errmodel.CategoryConfiguration) {
			t.Fatalf("%s: expected configuration error, got %v", name, err)
		}
	}
}

func TestDefaultsAndSnapshot(t *testing.T) {
	s, err := NewSchema(Slice{Name: "x", Default: 0}, Slice{Name: "y", Default: "a"})
	if err != nil {
		t.Fatal(err)
	}
	d := s.Defaults()
	if d.Get("x") != 0 || d.Get("y") != "a" || d.Len() != 2 {
		t.Fatalf("defaults=%v", d.Map())
	}
	if _, err := s.Snapshot(map[string]any{"x": 1}); errmodel.From(err).Code != "partial_snapshot" {
		t.Fatalf("expected partial_snapshot, got %v", err)
	}
	if _, err := s.Snapshot(map[string]any{"x": 1, "y": 2, "z": 3}); errmodel.From(err).Code != "unknown_slice" {
		t.Fatalf("expected unknown_slice, got %v", err)
	}
	full, err := s.Snapshot(map[string]any{"x": 1, "y": "b"})
	if err != nil {
		t.Fatal(err)
	}
	if full.Get("x") != 1 {
		t.Fatalf("x=%v want 1", full.Get("x"))
	}
}

func TestReplace_KeepsKeySet(t *testing.T) {
	s := varSchema(t)
	next := s.Defaults().Replace(map[string]any{"var_1": 1, "unknown": 5})
	if next.Len() != 2 {
		t.Fatalf("len=%d want 2", next.Len())
	}
	if _, ok := next.Lookup("unknown"); ok {
		t.Fatal("Replace must not add slices")
	}
	if s.Defaults().Get("var_1") != nil {
		t.Fatal("Replace must not mutate the receiver")
	}
}

type point struct {
	x, y int
}

func TestDiff_ValueLevel(t *testing.T) {
	s, err := NewSchema(
		Slice{Name: "list"},
		Slice{Name: "pt"},
		Slice{Name: "loose", Equal: func(a, b any) bool { return true }},
	)
	if err != nil {
		t.Fatal(err)
	}
	prev, _ := s.Snapshot(map[string]any{"list": []int{1, 2}, "pt": point{1, 2}, "loose": 1})
	next, _ := s.Snapshot(map[string]any{"list": []int{1, 2}, "pt": point{1, 3}, "loose": 2})
	d := s.Diff(prev, next)
	if got := strings.Join(d.Names(), ","); got != "pt" {
		t.Fatalf("diff=%s want pt", got)
	}
	if d["pt"].Old != (point{1, 2}) || d["pt"].New != (point{1, 3}) {
		t.Fatalf("change=%#v", d["pt"])
	}
	if !d.Touches("loose", "pt") || d.Touches("list") {
		t.Fatal("Touches mismatch")
	}
}

func TestSnapshot_JSON(t *testing.T) {
	s := varSchema(t)
	snap := s.Defaults().Replace(map[string]any{"var_1": 1})
	b, err := json.Marshal(snap)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"var_1":1,"var_2":null}` {
		t.Fatalf("json=%s", b)
	}
	if !snap.Equal(s.Defaults().Replace(map[string]any{"var_1": 1})) {
		t.Fatal("equal snapshots compare unequal")
	}
	if snap.Equal(s.Defaults()) {
		t.Fatal("different snapshots compare equal")
	}
}
