package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	dmcp "github.com/agentops/deployops/internal/adapter/mcp"
	"github.com/agentops/deployops/internal/domain/artifact"
	"github.com/agentops/deployops/internal/domain/plan"
	"github.com/agentops/deployops/internal/port/planstore"
)

// --- Mocks ---

type mockSubmitter struct {
	submitted []plan.SubmitRequest
	plan      *plan.Plan
	err       error
}

func (m *mockSubmitter) Submit(_ context.Context, req plan.SubmitRequest) (*plan.Plan, error) {
	m.submitted = append(m.submitted, req)
	if m.err != nil {
		return nil, m.err
	}
	return m.plan, nil
}

type mockPlanReader struct {
	plans map[string]*plan.Plan
	list  []plan.Summary
	err   error
}

func (m *mockPlanReader) GetPlan(_ context.Context, id string) (*plan.Plan, error) {
	if p, ok := m.plans[id]; ok {
		return p, nil
	}
	return nil, m.err
}

func (m *mockPlanReader) ListPlans(_ context.Context, _ planstore.Filter) ([]plan.Summary, error) {
	return m.list, m.err
}

type mockApprover struct {
	queue     []plan.ApprovalRequest
	plan      *plan.Plan
	err       error
	decisions []plan.Decision
}

func (m *mockApprover) Approve(_ context.Context, _ string, decision plan.Decision, _, _ string) (*plan.Plan, error) {
	m.decisions = append(m.decisions, decision)
	if m.err != nil {
		return nil, m.err
	}
	return m.plan, nil
}

func (m *mockApprover) ApprovalRequests(_ context.Context) ([]plan.ApprovalRequest, error) {
	return m.queue, m.err
}

// --- Tests ---

func TestNewServer(t *testing.T) {
	cfg := dmcp.ServerConfig{
		Addr:    ":3001",
		Name:    "test-server",
		Version: "0.1.0",
	}
	s := dmcp.NewServer(cfg, dmcp.ServerDeps{})
	if s == nil {
		t.Fatal("NewServer returned nil")
	}
	if s.MCPServer() == nil {
		t.Fatal("MCPServer() returned nil")
	}
}

func TestServerStartStop(t *testing.T) {
	cfg := dmcp.ServerConfig{
		Addr:    ":0",
		Name:    "test-server",
		Version: "0.1.0",
	}
	s := dmcp.NewServer(cfg, dmcp.ServerDeps{})

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestToolRegistration(t *testing.T) {
	deps := dmcp.ServerDeps{
		Submitter: &mockSubmitter{},
		Plans:     &mockPlanReader{},
		Approvals: &mockApprover{},
	}
	s := dmcp.NewServer(dmcp.ServerConfig{Name: "test", Version: "0.1.0"}, deps)

	tools := s.MCPServer().ListTools()
	if len(tools) != 4 {
		t.Fatalf("expected 4 tools, got %d", len(tools))
	}

	expectedTools := map[string]bool{
		"submit_deployment": false,
		"get_plan":          false,
		"list_plans":        false,
		"approve_plan":      false,
	}
	for name := range tools {
		if _, ok := expectedTools[name]; ok {
			expectedTools[name] = true
		} else {
			t.Errorf("unexpected tool: %s", name)
		}
	}
	for name, found := range expectedTools {
		if !found {
			t.Errorf("expected tool %q not registered", name)
		}
	}
}

func TestHandleSubmitDeployment(t *testing.T) {
	sub := &mockSubmitter{
		plan: &plan.Plan{ID: "p-1", UserID: "u-1", Status: plan.StatusCreated},
	}
	s := dmcp.NewServer(dmcp.ServerConfig{Name: "test", Version: "0.1.0"}, dmcp.ServerDeps{Submitter: sub})

	tools := s.MCPServer().ListTools()
	submitTool, ok := tools["submit_deployment"]
	if !ok {
		t.Fatal("submit_deployment tool not found")
	}

	result, err := submitTool.Handler(context.Background(), mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name: "submit_deployment",
			Arguments: map[string]any{
				"intent":  "deploy llama-3 for the chat team",
				"user_id": "u-1",
				"env":     "staging",
			},
		},
	})
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool returned error: %v", result.Content)
	}

	if len(sub.submitted) != 1 || sub.submitted[0].Env != "staging" {
		t.Fatalf("unexpected submit request: %+v", sub.submitted)
	}

	text, ok := result.Content[0].(mcplib.TextContent)
	if !ok {
		t.Fatal("expected TextContent")
	}
	var p plan.Plan
	if err := json.Unmarshal([]byte(text.Text), &p); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if p.Status != plan.StatusCreated {
		t.Fatalf("expected status %q, got %q", plan.StatusCreated, p.Status)
	}
}

func TestHandleSubmitDeploymentMissingIntent(t *testing.T) {
	s := dmcp.NewServer(dmcp.ServerConfig{Name: "test", Version: "0.1.0"}, dmcp.ServerDeps{
		Submitter: &mockSubmitter{},
	})

	tools := s.MCPServer().ListTools()
	submitTool, ok := tools["submit_deployment"]
	if !ok {
		t.Fatal("submit_deployment tool not found")
	}

	result, err := submitTool.Handler(context.Background(), mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      "submit_deployment",
			Arguments: map[string]any{"user_id": "u-1"},
		},
	})
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result for missing intent")
	}
}

func TestHandleGetPlan(t *testing.T) {
	reader := &mockPlanReader{
		plans: map[string]*plan.Plan{
			"p-1": {ID: "p-1", Env: artifact.EnvDev, Status: plan.StatusDeployed},
		},
		err: errors.New("not found"),
	}
	s := dmcp.NewServer(dmcp.ServerConfig{Name: "test", Version: "0.1.0"}, dmcp.ServerDeps{Plans: reader})

	tools := s.MCPServer().ListTools()
	getTool, ok := tools["get_plan"]
	if !ok {
		t.Fatal("get_plan tool not found")
	}

	result, err := getTool.Handler(context.Background(), mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      "get_plan",
			Arguments: map[string]any{"plan_id": "p-1"},
		},
	})
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool returned error: %v", result.Content)
	}

	text, ok := result.Content[0].(mcplib.TextContent)
	if !ok {
		t.Fatal("expected TextContent")
	}
	var p plan.Plan
	if err := json.Unmarshal([]byte(text.Text), &p); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if p.Status != plan.StatusDeployed {
		t.Fatalf("expected status %q, got %q", plan.StatusDeployed, p.Status)
	}
}

func TestHandleGetPlanMissingArg(t *testing.T) {
	s := dmcp.NewServer(dmcp.ServerConfig{Name: "test", Version: "0.1.0"}, dmcp.ServerDeps{
		Plans: &mockPlanReader{},
	})

	tools := s.MCPServer().ListTools()
	getTool, ok := tools["get_plan"]
	if !ok {
		t.Fatal("get_plan tool not found")
	}

	result, err := getTool.Handler(context.Background(), mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{Name: "get_plan"},
	})
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result for missing plan_id")
	}
}

func TestHandleListPlans(t *testing.T) {
	reader := &mockPlanReader{
		list: []plan.Summary{
			{ID: "p-1", Status: plan.StatusDeployed},
			{ID: "p-2", Status: plan.StatusDeploying},
		},
	}
	s := dmcp.NewServer(dmcp.ServerConfig{Name: "test", Version: "0.1.0"}, dmcp.ServerDeps{Plans: reader})

	tools := s.MCPServer().ListTools()
	listTool, ok := tools["list_plans"]
	if !ok {
		t.Fatal("list_plans tool not found")
	}

	result, err := listTool.Handler(context.Background(), mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{Name: "list_plans"},
	})
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool returned error: %v", result.Content)
	}

	text, ok := result.Content[0].(mcplib.TextContent)
	if !ok {
		t.Fatal("expected TextContent")
	}
	var plans []plan.Summary
	if err := json.Unmarshal([]byte(text.Text), &plans); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if len(plans) != 2 {
		t.Fatalf("expected 2 plans, got %d", len(plans))
	}
}

func TestHandleListPlansUnknownStatus(t *testing.T) {
	s := dmcp.NewServer(dmcp.ServerConfig{Name: "test", Version: "0.1.0"}, dmcp.ServerDeps{
		Plans: &mockPlanReader{},
	})

	tools := s.MCPServer().ListTools()
	listTool, ok := tools["list_plans"]
	if !ok {
		t.Fatal("list_plans tool not found")
	}

	result, err := listTool.Handler(context.Background(), mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      "list_plans",
			Arguments: map[string]any{"status": "launching"},
		},
	})
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result for unknown status")
	}
}

func TestHandleApprovePlan(t *testing.T) {
	approver := &mockApprover{
		plan: &plan.Plan{ID: "p-1", Status: plan.StatusDeploying},
	}
	s := dmcp.NewServer(dmcp.ServerConfig{Name: "test", Version: "0.1.0"}, dmcp.ServerDeps{Approvals: approver})

	tools := s.MCPServer().ListTools()
	approveTool, ok := tools["approve_plan"]
	if !ok {
		t.Fatal("approve_plan tool not found")
	}

	result, err := approveTool.Handler(context.Background(), mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name: "approve_plan",
			Arguments: map[string]any{
				"plan_id":  "p-1",
				"decision": "approved",
				"approver": "jordan",
			},
		},
	})
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool returned error: %v", result.Content)
	}

	if len(approver.decisions) != 1 || approver.decisions[0] != plan.DecisionApproved {
		t.Fatalf("unexpected decisions: %+v", approver.decisions)
	}

	text, ok := result.Content[0].(mcplib.TextContent)
	if !ok {
		t.Fatal("expected TextContent")
	}
	var p plan.Plan
	if err := json.Unmarshal([]byte(text.Text), &p); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if p.Status != plan.StatusDeploying {
		t.Fatalf("expected status %q, got %q", plan.StatusDeploying, p.Status)
	}
}

func TestHandleNilDeps(t *testing.T) {
	s := dmcp.NewServer(dmcp.ServerConfig{Name: "test", Version: "0.1.0"}, dmcp.ServerDeps{})

	tools := s.MCPServer().ListTools()
	listTool, ok := tools["list_plans"]
	if !ok {
		t.Fatal("list_plans tool not found")
	}

	result, err := listTool.Handler(context.Background(), mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{Name: "list_plans"},
	})
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result when deps are nil")
	}
}
