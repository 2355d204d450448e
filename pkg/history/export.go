package history

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wilhg/rewind/pkg/action"
	"github.com/wilhg/rewind/pkg/errmodel"
)

// Record is the exported form of an entry: the action that was committed and
// the snapshot it produced.
type Record struct {
	Sequence   int64          `json:"sequence" yaml:"sequence"`
	ActionID   string         `json:"action_id,omitempty" yaml:"action_id,omitempty"`
	ActionType string         `json:"action_type" yaml:"action_type"`
	Origin     action.Origin  `json:"origin,omitempty" yaml:"origin,omitempty"`
	Payload    map[string]any `json:"payload" yaml:"payload"`
	Snapshot   map[string]any `json:"snapshot" yaml:"snapshot"`
	Timestamp  time.Time      `json:"timestamp" yaml:"timestamp"`
}

// Record converts an entry to its export form.
func (e Entry) Record() Record {
	return Record{
		Sequence:   e.Sequence,
		ActionID:   e.Action.ID(),
		ActionType: e.Action.Type(),
		Origin:     e.Action.Origin(),
		Payload:    e.Action.Payload(),
		Snapshot:   e.Post.Map(),
		Timestamp:  e.Timestamp,
	}
}

// Action rebuilds the recorded action.
func (r Record) Action() action.Action {
	return action.FromWire(r.ActionID, r.ActionType, r.Payload, r.Origin, r.Timestamp)
}

// Format selects an export encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat accepts json, yaml or yml; the empty string means json.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	}
	return "", errmodel.Validation("unknown_format", fmt.Sprintf("unsupported export format %q", s), map[string]any{"format": s})
}

// ContentType returns the media type of an encoded export.
func (f Format) ContentType() string {
	if f == FormatYAML {
		return "application/yaml"
	}
	return "application/json"
}

// Encode writes records in the given format.
func Encode(w io.Writer, f Format, records []Record) error {
	if records == nil {
		records = []Record{}
	}
	switch f {
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(records); err != nil {
			return fmt.Errorf("encode yaml export: %w", err)
		}
		return enc.Close()
	case FormatJSON, "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(records); err != nil {
			return fmt.Errorf("encode json export: %w", err)
		}
		return nil
	}
	return errmodel.Validation("unknown_format", fmt.Sprintf("unsupported export format %q", f), nil)
}

// Decode reads records written by Encode and checks that sequences are
// contiguous from zero.
func Decode(r io.Reader, f Format) ([]Record, error) {
	var out []Record
	switch f {
	case FormatYAML:
		if err := yaml.NewDecoder(r).Decode(&out); err != nil && err != io.EOF {
			return nil, errmodel.Validation("bad_export", "decode yaml export: "+err.Error(), nil)
		}
	case FormatJSON, "":
		if err := json.NewDecoder(r).Decode(&out); err != nil {
			return nil, errmodel.Validation("bad_export", "decode json export: "+err.Error(), nil)
		}
	default:
		return nil, errmodel.Validation("unknown_format", fmt.Sprintf("unsupported export format %q", f), nil)
	}
	for i, rec := range out {
		if rec.Sequence != int64(i) {
			return nil, errmodel.Validation("bad_export", fmt.Sprintf("record %d has sequence %d", i, rec.Sequence), map[string]any{"index": i})
		}
		if rec.ActionType == "" {
			return nil, errmodel.Validation("bad_export", fmt.Sprintf("record %d has no action type", i), map[string]any{"index": i})
		}
	}
	return out, nil
}
