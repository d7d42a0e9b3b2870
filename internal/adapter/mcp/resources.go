package mcp

import (
	"context"
	"encoding/json"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/agentops/deployops/internal/port/planstore"
)

// registerResources registers all MCP resources on the server.
func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"deployops://plans",
			"Plan List",
			mcplib.WithResourceDescription("All deployment plans, newest first"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handlePlansResource,
	)

	s.mcpServer.AddResource(
		mcplib.NewResource(
			"deployops://approvals",
			"Approval Queue",
			mcplib.WithResourceDescription("Plans parked awaiting a human decision"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleApprovalsResource,
	)
}

func (s *Server) handlePlansResource(ctx context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	if s.deps.Plans == nil {
		return []mcplib.ResourceContents{
			mcplib.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     `{"error":"plan reader not configured"}`,
			},
		}, nil
	}
	plans, err := s.deps.Plans.ListPlans(ctx, planstore.Filter{})
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(plans)
	if err != nil {
		return nil, err
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleApprovalsResource(ctx context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	if s.deps.Approvals == nil {
		return []mcplib.ResourceContents{
			mcplib.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     `{"error":"approvals not configured"}`,
			},
		}, nil
	}
	reqs, err := s.deps.Approvals.ApprovalRequests(ctx)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(reqs)
	if err != nil {
		return nil, err
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
