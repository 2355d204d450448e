package mcpserver

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/wilhg/rewind/pkg/action"
	"github.com/wilhg/rewind/pkg/inspector"
	"github.com/wilhg/rewind/pkg/store"
)

// ActionView is the MCP form of an action.
type ActionView struct {
	ID        string         `json:"id" jsonschema:"action identifier"`
	Type      string         `json:"type" jsonschema:"action type"`
	Origin    string         `json:"origin" jsonschema:"user, saga or inspector"`
	Payload   map[string]any `json:"payload" jsonschema:"action payload"`
	Timestamp string         `json:"timestamp" jsonschema:"creation time, RFC 3339"`
}

func actionView(a action.Action) ActionView {
	p := a.Payload()
	if p == nil {
		p = map[string]any{}
	}
	return ActionView{ID: a.ID(), Type: a.Type(), Origin: string(a.Origin()), Payload: p, Timestamp: a.Timestamp().Format(time.RFC3339Nano)}
}

// StateInput is empty; rewind_state takes no arguments.
type StateInput struct{}

// StateResult represents the current snapshot and history position.
type StateResult struct {
	Cursor   int64          `json:"cursor" jsonschema:"sequence of the current history entry, -1 when empty"`
	Len      int            `json:"len" jsonschema:"number of history entries"`
	Snapshot map[string]any `json:"snapshot" jsonschema:"slice values by name"`
}

// HistoryInput selects a window of history.
type HistoryInput struct {
	From  int64 `json:"from,omitempty" jsonschema:"first sequence to return"`
	Limit int   `json:"limit,omitempty" jsonschema:"maximum number of entries, 0 for all"`
}

// EntryView is one history entry.
type EntryView struct {
	Sequence int64          `json:"sequence" jsonschema:"entry sequence"`
	Action   ActionView     `json:"action" jsonschema:"committed action"`
	Snapshot map[string]any `json:"snapshot" jsonschema:"snapshot after the cycle"`
	Changed  []string       `json:"changed" jsonschema:"slices the cycle changed"`
}

// HistoryResult represents a window of history.
type HistoryResult struct {
	Cursor  int64       `json:"cursor" jsonschema:"sequence of the current history entry"`
	Total   int         `json:"total" jsonschema:"number of history entries"`
	Entries []EntryView `json:"entries" jsonschema:"history entries in sequence order"`
}

// JumpInput selects the history entry to travel to.
type JumpInput struct {
	Sequence int64 `json:"sequence" jsonschema:"history sequence to jump to"`
}

// DispatchInput describes the action to dispatch. Slice and value dispatch
// the slice's setter; otherwise type and payload are used.
type DispatchInput struct {
	Type    string         `json:"type,omitempty" jsonschema:"action type"`
	Payload map[string]any `json:"payload,omitempty" jsonschema:"action payload"`
	Slice   string         `json:"slice,omitempty" jsonschema:"slice to set instead of a typed action"`
	Value   any            `json:"value,omitempty" jsonschema:"value for the slice setter"`
}

// CommitResult represents the outcome of a jump or dispatch.
type CommitResult struct {
	Sequence  int64          `json:"sequence" jsonschema:"history sequence of the outcome"`
	Action    ActionView     `json:"action" jsonschema:"committed action"`
	Snapshot  map[string]any `json:"snapshot" jsonschema:"snapshot after the outcome"`
	Changed   []string       `json:"changed" jsonschema:"slices the cycle changed"`
	Discarded int            `json:"discarded" jsonschema:"future entries discarded by this dispatch"`
}

func commitResult(c store.Commit) CommitResult {
	return CommitResult{
		Sequence:  c.Sequence,
		Action:    actionView(c.Action),
		Snapshot:  c.Post.Map(),
		Changed:   c.Diff.Names(),
		Discarded: c.Discarded,
	}
}

// StateTool defines the MCP tool schema for reading the current state.
func StateTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "rewind_state",
		Description: "Returns the current snapshot and history cursor",
	}
}

// HistoryTool defines the MCP tool schema for listing history.
func HistoryTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "rewind_history",
		Description: "Lists committed history entries",
	}
}

// JumpTool defines the MCP tool schema for time travel.
func JumpTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "rewind_jump",
		Description: "Moves the current snapshot to a history entry without running reducers",
	}
}

// DispatchTool defines the MCP tool schema for dispatching actions.
func DispatchTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "rewind_dispatch",
		Description: "Dispatches an action and waits for its cycle to commit",
	}
}

// StateHandler reads the inspector state.
func StateHandler(in *inspector.Inspector) mcp.ToolHandlerFor[StateInput, StateResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StateInput) (*mcp.CallToolResult, StateResult, error) {
		v := in.State()
		return nil, StateResult{Cursor: v.Cursor, Len: v.Len, Snapshot: v.Snapshot.Map()}, nil
	}
}

// HistoryHandler lists history entries.
func HistoryHandler(in *inspector.Inspector) mcp.ToolHandlerFor[HistoryInput, HistoryResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input HistoryInput) (*mcp.CallToolResult, HistoryResult, error) {
		v := in.State()
		entries := in.Store().History()
		out := HistoryResult{Cursor: v.Cursor, Total: len(entries), Entries: []EntryView{}}
		for _, e := range entries {
			if e.Sequence < input.From {
				continue
			}
			if input.Limit > 0 && len(out.Entries) >= input.Limit {
				break
			}
			out.Entries = append(out.Entries, EntryView{
				Sequence: e.Sequence,
				Action:   actionView(e.Action),
				Snapshot: e.Post.Map(),
				Changed:  e.Diff.Names(),
			})
		}
		return nil, out, nil
	}
}

// JumpHandler travels to a history entry.
func JumpHandler(in *inspector.Inspector) mcp.ToolHandlerFor[JumpInput, CommitResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input JumpInput) (*mcp.CallToolResult, CommitResult, error) {
		c, err := in.Jump(ctx, input.Sequence)
		if err != nil {
			return nil, CommitResult{}, err
		}
		return nil, commitResult(c), nil
	}
}

// DispatchHandler dispatches an action with inspector provenance.
func DispatchHandler(in *inspector.Inspector) mcp.ToolHandlerFor[DispatchInput, CommitResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input DispatchInput) (*mcp.CallToolResult, CommitResult, error) {
		var (
			c   store.Commit
			err error
		)
		if input.Slice != "" {
			c, err = in.Set(ctx, input.Slice, input.Value)
		} else {
			c, err = in.Dispatch(ctx, action.New(input.Type, input.Payload))
		}
		if err != nil {
			return nil, CommitResult{}, err
		}
		return nil, commitResult(c), nil
	}
}
