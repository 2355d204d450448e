package reducer

import (
	"errors"
	"testing"

	"github.com/wilhg/rewind/pkg/action"
	"github.com/wilhg/rewind/pkg/errmodel"
	"github.com/wilhg/rewind/pkg/state"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	s, err := state.NewSchema(state.Slice{Name: "var_1"}, state.Slice{Name: "var_2"})
	if err != nil {
		t.Fatal(err)
	}
	return NewRegistry(s)
}

func incr(by int) Func {
	return func(_ action.Action, _ string, old any) (any, error) {
		n, _ := old.(int)
		return n + by, nil
	}
}

func TestResolve_ImplicitSetter(t *testing.T) {
	r := newRegistry(t)
	v, err := r.Apply(action.Set("SET_VAR_1", 1), "var_1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if v != 1 {
		t.Fatalf("var_1=%v want 1", v)
	}
	v, err = r.Apply(action.Set("SET_VAR_1", 1), "var_2", "keep")
	if err != nil {
		t.Fatal(err)
	}
	if v != "keep" {
		t.Fatalf("var_2=%v want unchanged", v)
	}
	v, _ = r.Apply(action.Set("SYNC_VAR_2", 7), "var_2", nil)
	if v != 7 {
		t.Fatalf("sync setter var_2=%v want 7", v)
	}
}

func TestResolve_SpecificReplacesSetter(t *testing.T) {
	r := newRegistry(t)
	if err := r.Bind("var_1", "SET_VAR_1", func(a action.Action, _ string, _ any) (any, error) {
		n, _ := a.Value().(int)
		return n * 10, nil
	}); err != nil {
		t.Fatal(err)
	}
	if got := len(r.Resolve("SET_VAR_1", "var_1")); got != 1 {
		t.Fatalf("chain len=%d want 1", got)
	}
	v, _ := r.Apply(action.Set("SET_VAR_1", 2), "var_1", nil)
	if v != 20 {
		t.Fatalf("var_1=%v want 20", v)
	}
}

func TestResolve_WildcardOrder(t *testing.T) {
	r := newRegistry(t)
	// registration order: (*, INCR) +1, (var_1, *) *2, (*, *) +100
	if err := r.Bind(Any, "INCR", incr(1)); err != nil {
		t.Fatal(err)
	}
	if err := r.Bind("var_1", Any, func(_ action.Action, _ string, old any) (any, error) {
		n, _ := old.(int)
		return n * 2, nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := r.Bind(Any, Any, incr(100)); err != nil {
		t.Fatal(err)
	}
	if err := r.Bind("var_1", "INCR", incr(5)); err != nil {
		t.Fatal(err)
	}

	// var_1: specific +5 -> 5, +1 -> 6, *2 -> 12, +100 -> 112
	v, err := r.Apply(action.New("INCR", nil), "var_1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if v != 112 {
		t.Fatalf("var_1=%v want 112", v)
	}
	// var_2: +1 -> 1, +100 -> 101
	v, _ = r.Apply(action.New("INCR", nil), "var_2", 0)
	if v != 101 {
		t.Fatalf("var_2=%v want 101", v)
	}
	// OTHER on var_2 only hits (*, *)
	if got := len(r.Resolve("OTHER", "var_2")); got != 1 {
		t.Fatalf("chain len=%d want 1", got)
	}
}

func TestBind_ConfigurationErrors(t *testing.T) {
	r := newRegistry(t)
	if err := r.Bind("var_1", "INCR", incr(1)); err != nil {
		t.Fatal(err)
	}
	err := r.Bind("var_1", "INCR", incr(2))
	if !errmodel.IsCategory(err, errmodel.CategoryConfiguration) || errmodel.From(err).Code != "duplicate_binding" {
		t.Fatalf("expected duplicate_binding, got %v", err)
	}
	if err := r.Bind(Any, "INCR", incr(1)); err != nil {
		t.Fatalf("wildcards may repeat: %v", err)
	}
	if err := r.Bind(Any, "INCR", incr(1)); err != nil {
		t.Fatalf("wildcards may repeat: %v", err)
	}
	if err := r.Bind("nope", "INCR", incr(1)); errmodel.From(err).Code != "unknown_slice" {
		t.Fatalf("expected unknown_slice, got %v", err)
	}
	if err := r.Bind("var_1", "", incr(1)); !errmodel.IsCategory(err, errmodel.CategoryConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if err := r.Bind("var_1", "X", nil); !errmodel.IsCategory(err, errmodel.CategoryConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestOn_BindsSeveralSlices(t *testing.T) {
	r := newRegistry(t)
	if err := r.On("CLEAR_POS", Const(0), "var_1", "var_2"); err != nil {
		t.Fatal(err)
	}
	for _, s := range []string{"var_1", "var_2"} {
		v, _ := r.Apply(action.New("CLEAR_POS", nil), s, 9)
		if v != 0 {
			t.Fatalf("%s=%v want 0", s, v)
		}
	}
}

func TestApply_ErrorsAndPanics(t *testing.T) {
	r := newRegistry(t)
	boom := errors.New("boom")
	_ = r.Bind("var_1", "FAIL", func(action.Action, string, any) (any, error) { return nil, boom })
	_ = r.Bind("var_2", "FAIL", func(action.Action, string, any) (any, error) { panic("bad reducer") })

	v, err := r.Apply(action.New("FAIL", nil), "var_1", "old")
	if !errmodel.IsCategory(err, errmodel.CategoryReducer) || !errors.Is(err, boom) {
		t.Fatalf("expected reducer error wrapping boom, got %v", err)
	}
	if v != "old" {
		t.Fatalf("failed apply returned %v, want old value", v)
	}
	if _, err := r.Apply(action.New("FAIL", nil), "var_2", nil); !errmodel.IsCategory(err, errmodel.CategoryReducer) {
		t.Fatalf("expected reducer error from panic, got %v", err)
	}
}
