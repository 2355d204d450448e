// Package state holds the declared slice set of a store and the immutable
// values built from it: snapshots and diffs.
//
// A Schema is built once from an explicit list of slice descriptors. For every
// slice it derives, at construction time, the canonical setter action type
// (SET_<NAME>), the sync setter type (SYNC_<NAME>) and the default value.
// Nothing is derived lazily and nothing relies on reflection over user types.
package state

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/google/go-cmp/cmp"

	"github.com/wilhg/rewind/pkg/action"
	"github.com/wilhg/rewind/pkg/errmodel"
)

// Wildcard is reserved: it selects every slice in registries.
const Wildcard = "*"

const (
	setPrefix  = "SET_"
	syncPrefix = "SYNC_"
)

// Slice declares one independently reduced component of the state.
type Slice struct {
	Name    string
	Default any
	// Equal overrides value equality for this slice when non-nil.
	Equal func(a, b any) bool
}

type sliceInfo struct {
	Slice
	setType  string
	syncType string
}

// Schema is the fixed slice set of a store.
type Schema struct {
	slices   []sliceInfo
	index    map[string]int
	setters  map[string]string // action type -> slice name
	names    []string
	defaults Snapshot
}

// NewSchema validates the slice descriptors and derives the setter types.
func NewSchema(slices ...Slice) (*Schema, error) {
	if len(slices) == 0 {
		return nil, errmodel.Configuration("no_slices", "schema declares no slices", nil)
	}
	s := &Schema{
		index:   make(map[string]int, len(slices)),
		setters: make(map[string]string, 2*len(slices)),
	}
	for _, sl := range slices {
		if err := validName(sl.Name); err != nil {
			return nil, err
		}
		if _, dup := s.index[sl.Name]; dup {
			return nil, errmodel.Configuration("duplicate_slice", fmt.Sprintf("slice %q declared twice", sl.Name), map[string]any{"slice": sl.Name})
		}
		upper := strings.ToUpper(sl.Name)
		info := sliceInfo{Slice: sl, setType: setPrefix + upper, syncType: syncPrefix + upper}
		for _, typ := range []string{info.setType, info.syncType} {
			if other, taken := s.setters[typ]; taken {
				return nil, errmodel.Configuration("setter_collision", fmt.Sprintf("slices %q and %q both derive %s", other, sl.Name, typ), map[string]any{"slice": sl.Name, "action_type": typ})
			}
			s.setters[typ] = sl.Name
		}
		s.index[sl.Name] = len(s.slices)
		s.slices = append(s.slices, info)
		s.names = append(s.names, sl.Name)
	}
	values := make(map[string]any, len(s.slices))
	for _, sl := range s.slices {
		values[sl.Name] = action.CopyValue(sl.Default)
	}
	s.defaults = Snapshot{values: values, names: s.names}
	return s, nil
}

func validName(name string) error {
	switch {
	case name == "":
		return errmodel.Configuration("empty_slice_name", "slice name is empty", nil)
	case name == Wildcard:
		return errmodel.Configuration("reserved_slice_name", "slice name \"*\" is reserved", nil)
	case strings.ContainsAny(name, " \t\r\n"):
		return errmodel.Configuration("invalid_slice_name", fmt.Sprintf("slice name %q contains whitespace", name), map[string]any{"slice": name})
	}
	return nil
}

// Names returns the slice names in declaration order.
func (s *Schema) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

func (s *Schema) Len() int { return len(s.slices) }

// Has reports whether name is a declared slice.
func (s *Schema) Has(name string) bool {
	_, ok := s.index[name]
	return ok
}

// Slice returns the descriptor of a declared slice.
func (s *Schema) Slice(name string) (Slice, bool) {
	i, ok := s.index[name]
	if !ok {
		return Slice{}, false
	}
	return s.slices[i].Slice, true
}

// SetType returns the canonical setter action type of a slice.
func (s *Schema) SetType(name string) string {
	if i, ok := s.index[name]; ok {
		return s.slices[i].setType
	}
	return ""
}

// SyncType returns the sync setter action type of a slice.
func (s *Schema) SyncType(name string) string {
	if i, ok := s.index[name]; ok {
		return s.slices[i].syncType
	}
	return ""
}

// SetterSlice returns the slice whose set or sync type is actionType.
func (s *Schema) SetterSlice(actionType string) (string, bool) {
	name, ok := s.setters[actionType]
	return name, ok
}

// SetterSpecs returns payload specs for every derived setter type. Each
// setter requires the "value" field.
func (s *Schema) SetterSpecs() []action.Spec {
	out := make([]action.Spec, 0, 2*len(s.slices))
	for _, sl := range s.slices {
		out = append(out,
			action.Spec{Type: sl.setType, Required: []string{action.ValueKey}},
			action.Spec{Type: sl.syncType, Required: []string{action.ValueKey}},
		)
	}
	return out
}

// Defaults is the snapshot a new store starts from.
func (s *Schema) Defaults() Snapshot { return s.defaults }

// Equal compares two values of slice name at value level.
func (s *Schema) Equal(name string, a, b any) bool {
	if i, ok := s.index[name]; ok && s.slices[i].Equal != nil {
		return s.slices[i].Equal(a, b)
	}
	return ValueEqual(a, b)
}

var exportAll = cmp.Exporter(func(reflect.Type) bool { return true })

// ValueEqual is the default slice equality: deep, value-level comparison.
func ValueEqual(a, b any) bool {
	return cmp.Equal(a, b, exportAll)
}

// Snapshot builds a snapshot from a complete value map. Missing or unknown
// slice names are rejected.
func (s *Schema) Snapshot(values map[string]any) (Snapshot, error) {
	if len(values) != len(s.slices) {
		for name := range values {
			if !s.Has(name) {
				return Snapshot{}, errmodel.Validation("unknown_slice", fmt.Sprintf("slice %q is not declared", name), map[string]any{"slice": name})
			}
		}
	}
	out := make(map[string]any, len(s.slices))
	for _, name := range s.names {
		v, ok := values[name]
		if !ok {
			return Snapshot{}, errmodel.Validation("partial_snapshot", fmt.Sprintf("snapshot is missing slice %q", name), map[string]any{"slice": name})
		}
		out[name] = action.CopyValue(v)
	}
	return Snapshot{values: out, names: s.names}, nil
}

// Diff lists the slices whose value differs between prev and next.
func (s *Schema) Diff(prev, next Snapshot) Diff {
	d := Diff{}
	for _, name := range s.names {
		a, b := prev.Get(name), next.Get(name)
		if !s.Equal(name, a, b) {
			d[name] = Change{Old: a, New: b}
		}
	}
	return d
}
