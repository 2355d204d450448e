package state

import (
	"encoding/json"
	"sort"

	"github.com/wilhg/rewind/pkg/action"
)

// Snapshot is the full, immutable state of every declared slice at one point
// in the committed sequence. The zero Snapshot has no slices.
//
// Values are deep-copied on the way in and on the way out, so neither a
// reducer nor a reader can change a committed snapshot.
type Snapshot struct {
	values map[string]any
	names  []string
}

// Get returns a copy of the value of a slice, nil when the slice is unknown.
func (s Snapshot) Get(name string) any { return action.CopyValue(s.values[name]) }

// Lookup returns a copy of the value of a slice and whether it exists.
func (s Snapshot) Lookup(name string) (any, bool) {
	v, ok := s.values[name]
	return action.CopyValue(v), ok
}

// Names returns the slice names in declaration order.
func (s Snapshot) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

func (s Snapshot) Len() int { return len(s.names) }

// Map returns a deep copy of the slice values.
func (s Snapshot) Map() map[string]any {
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = action.CopyValue(v)
	}
	return out
}

// Equal compares two snapshots slice by slice with ValueEqual.
func (s Snapshot) Equal(o Snapshot) bool {
	if len(s.values) != len(o.values) {
		return false
	}
	for k, v := range s.values {
		ov, ok := o.values[k]
		if !ok || !ValueEqual(v, ov) {
			return false
		}
	}
	return true
}

// with returns a new snapshot sharing the name order, with values replaced.
func (s Snapshot) with(values map[string]any) Snapshot {
	return Snapshot{values: values, names: s.names}
}

// Replace returns a copy of s with the given slices set. Names that are not
// part of s are ignored so the key set never changes.
func (s Snapshot) Replace(values map[string]any) Snapshot {
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	for k, v := range values {
		if _, ok := out[k]; ok {
			out[k] = action.CopyValue(v)
		}
	}
	return s.with(out)
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	if s.values == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(s.values)
}

// Change is the old and new value of one slice in a cycle.
type Change struct {
	Old any `json:"old" yaml:"old"`
	New any `json:"new" yaml:"new"`
}

// Diff maps the slices that changed in a cycle to their change.
type Diff map[string]Change

// Names returns the changed slice names, sorted.
func (d Diff) Names() []string {
	out := make([]string, 0, len(d))
	for k := range d {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Clone returns a deep copy of d.
func (d Diff) Clone() Diff {
	if d == nil {
		return nil
	}
	out := make(Diff, len(d))
	for k, c := range d {
		out[k] = Change{Old: action.CopyValue(c.Old), New: action.CopyValue(c.New)}
	}
	return out
}

func (d Diff) Empty() bool { return len(d) == 0 }

// Touches reports whether any of names changed.
func (d Diff) Touches(names ...string) bool {
	for _, n := range names {
		if _, ok := d[n]; ok {
			return true
		}
	}
	return false
}
