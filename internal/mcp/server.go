// Package mcp serves the call tools, call resources and prompt templates
// over the Model Context Protocol.
package mcp

import (
	"context"
	"log/slog"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sebas/isip/internal/callsvc"
	"github.com/sebas/isip/internal/history"
)

// ServerName is reported in the initialize handshake.
const ServerName = "mcp-server-isip"

// CallService is what the tools need from callsvc.
type CallService interface {
	MakeCall(ctx context.Context, req callsvc.CallRequest) (callsvc.Outcome, error)
	QuickCall(ctx context.Context, req callsvc.QuickRequest) (callsvc.Outcome, error)
	List(ctx context.Context, limit int) ([]history.Record, error)
	Get(ctx context.Context, id int64) (history.Record, error)
}

// Server binds a CallService to an MCP server.
type Server struct {
	calls CallService
	log   *slog.Logger
	mcp   *sdk.Server
}

// NewServer registers the tools, resources and prompts. The logger must not
// write to the protocol stream.
func NewServer(calls CallService, version string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "mcp")
	s := &Server{
		calls: calls,
		log:   log,
		mcp: sdk.NewServer(&sdk.Implementation{Name: ServerName, Version: version}, &sdk.ServerOptions{
			Logger: log,
		}),
	}
	s.addTools()
	s.addResourceTemplates()
	s.addPrompts()
	return s
}

// Run publishes the recorded calls as resources and serves one session on t
// until the client disconnects or ctx is done.
func (s *Server) Run(ctx context.Context, t sdk.Transport) error {
	if err := s.publishHistory(ctx); err != nil {
		return err
	}
	s.log.Info("[MCP] Serving")
	return s.mcp.Run(ctx, t)
}

// Stdio is the transport for a server launched by an MCP client.
func Stdio() sdk.Transport {
	return &sdk.StdioTransport{}
}
