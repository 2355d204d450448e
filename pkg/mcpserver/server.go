// Package mcpserver exports the inspector commands as MCP tools.
package mcpserver

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/wilhg/rewind/pkg/inspector"
)

// Server owns an MCP server bound to one inspector.
type Server struct {
	in  *inspector.Inspector
	srv *mcp.Server
	log zerolog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// New creates the MCP server and registers the rewind tools.
func New(in *inspector.Inspector, version string, opts ...Option) *Server {
	s := &Server{
		in:  in,
		srv: mcp.NewServer(&mcp.Implementation{Name: "rewind", Version: version}, nil),
		log: zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	mcp.AddTool(s.srv, StateTool(), StateHandler(in))
	mcp.AddTool(s.srv, HistoryTool(), HistoryHandler(in))
	mcp.AddTool(s.srv, JumpTool(), JumpHandler(in))
	mcp.AddTool(s.srv, DispatchTool(), DispatchHandler(in))
	return s
}

// MCP returns the underlying SDK server.
func (s *Server) MCP() *mcp.Server { return s.srv }

// Serve runs the server on t until the client disconnects or ctx ends.
func (s *Server) Serve(ctx context.Context, t mcp.Transport) error {
	s.log.Info().Msg("mcp server started")
	err := s.srv.Run(ctx, t)
	if err != nil && ctx.Err() == nil {
		s.log.Error().Err(err).Msg("mcp server stopped")
		return err
	}
	s.log.Info().Msg("mcp server stopped")
	return nil
}

// ServeStdio runs the server on stdin and stdout.
func (s *Server) ServeStdio(ctx context.Context) error {
	return s.Serve(ctx, &mcp.StdioTransport{})
}
