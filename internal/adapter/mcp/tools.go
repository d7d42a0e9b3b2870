package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/agentops/deployops/internal/domain/plan"
	"github.com/agentops/deployops/internal/port/planstore"
)

// registerTools registers all MCP tools on the server.
func (s *Server) registerTools() {
	s.mcpServer.AddTools(
		s.submitDeploymentTool(),
		s.getPlanTool(),
		s.listPlansTool(),
		s.approvePlanTool(),
	)
}

func (s *Server) submitDeploymentTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("submit_deployment",
		mcplib.WithDescription("Submit a deployment intent in natural language; returns the created plan"),
		mcplib.WithString("intent",
			mcplib.Required(),
			mcplib.Description("What to deploy, e.g. 'deploy llama-3 for the chat team'"),
		),
		mcplib.WithString("user_id",
			mcplib.Required(),
			mcplib.Description("The submitting user"),
		),
		mcplib.WithString("env",
			mcplib.Description("Target environment: dev, staging or prod (default dev)"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleSubmitDeployment,
	}
}

func (s *Server) getPlanTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_plan",
		mcplib.WithDescription("Get a deployment plan by ID, including its execution steps"),
		mcplib.WithString("plan_id",
			mcplib.Required(),
			mcplib.Description("The plan ID to look up"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleGetPlan,
	}
}

func (s *Server) listPlansTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("list_plans",
		mcplib.WithDescription("List deployment plans, newest first"),
		mcplib.WithString("status",
			mcplib.Description("Only plans in this status, e.g. deploying or awaiting_approval"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleListPlans,
	}
}

func (s *Server) approvePlanTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("approve_plan",
		mcplib.WithDescription("Approve or reject a plan waiting for a human decision"),
		mcplib.WithString("plan_id",
			mcplib.Required(),
			mcplib.Description("The plan awaiting approval"),
		),
		mcplib.WithString("decision",
			mcplib.Required(),
			mcplib.Description("approved or rejected"),
		),
		mcplib.WithString("approver",
			mcplib.Required(),
			mcplib.Description("Who is deciding"),
		),
		mcplib.WithString("reason",
			mcplib.Description("Why, recorded in the audit trail"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleApprovePlan,
	}
}

func (s *Server) handleSubmitDeployment(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Submitter == nil {
		return mcplib.NewToolResultError("orchestrator not configured"), nil
	}
	args := req.GetArguments()
	intent, ok := args["intent"].(string)
	if !ok || intent == "" {
		return mcplib.NewToolResultError("intent is required"), nil
	}
	userID, ok := args["user_id"].(string)
	if !ok || userID == "" {
		return mcplib.NewToolResultError("user_id is required"), nil
	}
	env, _ := args["env"].(string)

	p, err := s.deps.Submitter.Submit(ctx, plan.SubmitRequest{
		UserID: userID,
		Intent: intent,
		Env:    env,
	})
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to submit deployment", err), nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal plan", err), nil
	}
	return toolResultJSON(string(data)), nil
}

func (s *Server) handleGetPlan(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Plans == nil {
		return mcplib.NewToolResultError("plan reader not configured"), nil
	}
	args := req.GetArguments()
	planID, ok := args["plan_id"].(string)
	if !ok || planID == "" {
		return mcplib.NewToolResultError("plan_id is required"), nil
	}
	p, err := s.deps.Plans.GetPlan(ctx, planID)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(
			fmt.Sprintf("failed to get plan %s", planID), err,
		), nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal plan", err), nil
	}
	return toolResultJSON(string(data)), nil
}

func (s *Server) handleListPlans(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Plans == nil {
		return mcplib.NewToolResultError("plan reader not configured"), nil
	}
	var filter planstore.Filter
	if status, _ := req.GetArguments()["status"].(string); status != "" {
		st := plan.Status(status)
		if !st.Valid() {
			return mcplib.NewToolResultError(fmt.Sprintf("unknown status %q", status)), nil
		}
		filter.Status = st
	}
	plans, err := s.deps.Plans.ListPlans(ctx, filter)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to list plans", err), nil
	}
	data, err := json.Marshal(plans)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal plans", err), nil
	}
	return toolResultJSON(string(data)), nil
}

func (s *Server) handleApprovePlan(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Approvals == nil {
		return mcplib.NewToolResultError("approvals not configured"), nil
	}
	args := req.GetArguments()
	planID, ok := args["plan_id"].(string)
	if !ok || planID == "" {
		return mcplib.NewToolResultError("plan_id is required"), nil
	}
	decision, ok := args["decision"].(string)
	if !ok || decision == "" {
		return mcplib.NewToolResultError("decision is required"), nil
	}
	approver, ok := args["approver"].(string)
	if !ok || approver == "" {
		return mcplib.NewToolResultError("approver is required"), nil
	}
	reason, _ := args["reason"].(string)

	p, err := s.deps.Approvals.Approve(ctx, planID, plan.Decision(decision), approver, reason)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(
			fmt.Sprintf("failed to approve plan %s", planID), err,
		), nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal plan", err), nil
	}
	return toolResultJSON(string(data)), nil
}
