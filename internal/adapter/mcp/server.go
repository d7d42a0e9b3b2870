// Package mcp exposes the orchestrator to AI agents over the Model Context
// Protocol: tools for submitting and steering plans, resources for the plan
// list and the approval queue.
package mcp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/agentops/deployops/internal/domain/plan"
	"github.com/agentops/deployops/internal/port/planstore"
	"github.com/agentops/deployops/internal/service"
)

// PlanSubmitter accepts new deployment intents.
type PlanSubmitter interface {
	Submit(ctx context.Context, req plan.SubmitRequest) (*plan.Plan, error)
}

// PlanReader reads plans and plan listings.
type PlanReader interface {
	GetPlan(ctx context.Context, planID string) (*plan.Plan, error)
	ListPlans(ctx context.Context, filter planstore.Filter) ([]plan.Summary, error)
}

// ApprovalDecider renders approval decisions and lists the approval queue.
type ApprovalDecider interface {
	Approve(ctx context.Context, planID string, decision plan.Decision, approver, reason string) (*plan.Plan, error)
	ApprovalRequests(ctx context.Context) ([]plan.ApprovalRequest, error)
}

// ServerConfig holds the MCP server settings.
type ServerConfig struct {
	Addr    string
	Name    string
	Version string
}

// ServerDeps holds the capabilities the tools and resources are built on.
// Nil fields degrade to error results rather than panics.
type ServerDeps struct {
	Submitter PlanSubmitter
	Plans     PlanReader
	Approvals ApprovalDecider
	Auth      *service.AuthService
}

// Server exposes deployment tools and resources over MCP via streamable
// HTTP.
type Server struct {
	cfg       ServerConfig
	deps      ServerDeps
	mcpServer *mcpserver.MCPServer
	httpSrv   *http.Server
}

// NewServer creates the MCP server and registers all tools and resources.
func NewServer(cfg ServerConfig, deps ServerDeps) *Server {
	s := &Server{
		cfg:  cfg,
		deps: deps,
		mcpServer: mcpserver.NewMCPServer(cfg.Name, cfg.Version,
			mcpserver.WithToolCapabilities(true),
			mcpserver.WithResourceCapabilities(true, true),
			mcpserver.WithRecovery(),
		),
	}
	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer returns the underlying protocol server.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// Start serves the MCP endpoint in the background, behind the API key
// check. With no address configured the server stays embedded only.
func (s *Server) Start() error {
	if s.cfg.Addr == "" {
		return nil
	}
	streamable := mcpserver.NewStreamableHTTPServer(s.mcpServer)
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           AuthMiddleware(s.deps.Auth, streamable),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("mcp server listening", "addr", s.cfg.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("mcp server stopped", "error", err)
		}
	}()
	return nil
}

// Stop shuts the HTTP listener down. Safe to call when Start never ran.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func toolResultJSON(text string) *mcplib.CallToolResult {
	return mcplib.NewToolResultText(text)
}
