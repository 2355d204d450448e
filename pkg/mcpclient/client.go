// Package mcpclient is a typed client for the rewind MCP tools.
package mcpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/wilhg/rewind/pkg/mcpserver"
)

// ToolDescriptor is a subset of the MCP tool schema.
type ToolDescriptor struct {
	Name         string
	Description  string
	InputSchema  []byte
	OutputSchema []byte
}

// Client holds one MCP session with a rewind server.
type Client struct {
	session *mcp.ClientSession
}

// Connect performs the MCP handshake over t.
func Connect(ctx context.Context, t mcp.Transport, version string) (*Client, error) {
	c := mcp.NewClient(&mcp.Implementation{Name: "rewind-client", Version: version}, nil)
	session, err := c.Connect(ctx, t, nil)
	if err != nil {
		return nil, fmt.Errorf("mcp connect: %w", err)
	}
	return &Client{session: session}, nil
}

// Spawn starts a rewind process serving MCP on stdio and connects to it.
func Spawn(ctx context.Context, path string, args ...string) (*Client, error) {
	cmd := exec.Command(path, append([]string{"-mcp"}, args...)...)
	return Connect(ctx, &mcp.CommandTransport{Command: cmd}, "dev")
}

// Close ends the session.
func (c *Client) Close() error { return c.session.Close() }

// ListTools returns the tools the server exposes.
func (c *Client) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	res, err := c.session.ListTools(ctx, nil)
	if err != nil {
		return nil, err
	}
	out := make([]ToolDescriptor, 0, len(res.Tools))
	for _, t := range res.Tools {
		d := ToolDescriptor{Name: t.Name, Description: t.Description}
		if t.InputSchema != nil {
			d.InputSchema, _ = json.Marshal(t.InputSchema)
		}
		if t.OutputSchema != nil {
			d.OutputSchema, _ = json.Marshal(t.OutputSchema)
		}
		out = append(out, d)
	}
	return out, nil
}

// State reads the current snapshot and cursor.
func (c *Client) State(ctx context.Context) (mcpserver.StateResult, error) {
	return call[mcpserver.StateResult](ctx, c.session, "rewind_state", map[string]any{})
}

// History lists entries from sequence from, at most limit of them (0 for all).
func (c *Client) History(ctx context.Context, from int64, limit int) (mcpserver.HistoryResult, error) {
	return call[mcpserver.HistoryResult](ctx, c.session, "rewind_history", map[string]any{"from": from, "limit": limit})
}

// Jump travels to sequence seq.
func (c *Client) Jump(ctx context.Context, seq int64) (mcpserver.CommitResult, error) {
	return call[mcpserver.CommitResult](ctx, c.session, "rewind_jump", map[string]any{"sequence": seq})
}

// Dispatch submits an action and waits for its cycle.
func (c *Client) Dispatch(ctx context.Context, in mcpserver.DispatchInput) (mcpserver.CommitResult, error) {
	return call[mcpserver.CommitResult](ctx, c.session, "rewind_dispatch", in)
}

func call[T any](ctx context.Context, session *mcp.ClientSession, name string, args any) (T, error) {
	var out T
	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return out, fmt.Errorf("call %s: %w", name, err)
	}
	if res.IsError {
		return out, toolError(name, res)
	}
	b, err := json.Marshal(res.StructuredContent)
	if err != nil {
		return out, fmt.Errorf("call %s: %w", name, err)
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("call %s: decode result: %w", name, err)
	}
	return out, nil
}

func toolError(name string, res *mcp.CallToolResult) error {
	var msgs []string
	for _, c := range res.Content {
		if t, ok := c.(*mcp.TextContent); ok {
			msgs = append(msgs, t.Text)
		}
	}
	if len(msgs) == 0 {
		return fmt.Errorf("%s failed", name)
	}
	return errors.New(name + ": " + strings.Join(msgs, "; "))
}
