package service_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/agentops/deployops/internal/config"
	"github.com/agentops/deployops/internal/domain"
	"github.com/agentops/deployops/internal/domain/artifact"
	"github.com/agentops/deployops/internal/domain/audit"
	"github.com/agentops/deployops/internal/domain/evidence"
	"github.com/agentops/deployops/internal/domain/fault"
	"github.com/agentops/deployops/internal/domain/memory"
	"github.com/agentops/deployops/internal/domain/plan"
	"github.com/agentops/deployops/internal/port/backend"
	"github.com/agentops/deployops/internal/port/messagequeue"
	"github.com/agentops/deployops/internal/port/planstore"
	"github.com/agentops/deployops/internal/service"
)

// --- Mocks ---

var errMockNotFound = fmt.Errorf("mock: %w", domain.ErrNotFound)

// mockPlanStore keeps plans as JSON so every Get hands back an isolated
// copy, the same way the postgres adapter does.
type mockPlanStore struct {
	mu    sync.Mutex
	plans map[string][]byte
	order []string
}

func newMockPlanStore() *mockPlanStore {
	return &mockPlanStore{plans: make(map[string][]byte)}
}

func (m *mockPlanStore) Get(_ context.Context, planID string) (*plan.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.plans[planID]
	if !ok {
		return nil, errMockNotFound
	}
	var p plan.Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (m *mockPlanStore) Put(_ context.Context, p *plan.Plan) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.plans[p.ID]; !ok {
		m.order = append(m.order, p.ID)
	}
	m.plans[p.ID] = data
	return nil
}

func (m *mockPlanStore) List(ctx context.Context, filter planstore.Filter) ([]plan.Summary, error) {
	m.mu.Lock()
	ids := make([]string, len(m.order))
	copy(ids, m.order)
	m.mu.Unlock()

	var out []plan.Summary
	for i := len(ids) - 1; i >= 0; i-- {
		p, err := m.Get(ctx, ids[i])
		if err != nil {
			continue
		}
		if p.Status == plan.StatusDeleted && !filter.IncludeDeleted {
			continue
		}
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		if filter.Env != "" && p.Env != filter.Env {
			continue
		}
		if filter.UserID != "" && p.UserID != filter.UserID {
			continue
		}
		out = append(out, p.Summarize())
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *mockPlanStore) Delete(ctx context.Context, planID string, hard bool) error {
	if hard {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.plans[planID]; !ok {
			return errMockNotFound
		}
		delete(m.plans, planID)
		return nil
	}
	p, err := m.Get(ctx, planID)
	if err != nil {
		return err
	}
	p.Status = plan.StatusDeleted
	p.UpdatedAt = time.Now().UTC()
	return m.Put(ctx, p)
}

func (m *mockPlanStore) CountByStatus(ctx context.Context) (map[plan.Status]int, error) {
	m.mu.Lock()
	ids := make([]string, len(m.order))
	copy(ids, m.order)
	m.mu.Unlock()

	counts := make(map[plan.Status]int)
	for _, id := range ids {
		p, err := m.Get(ctx, id)
		if err != nil || p.Status == plan.StatusDeleted {
			continue
		}
		counts[p.Status]++
	}
	return counts, nil
}

type mockMemStore struct {
	mu      sync.Mutex
	entries []memory.Entry
}

func (m *mockMemStore) Put(_ context.Context, e *memory.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = fmt.Sprintf("mem-%d", len(m.entries)+1)
	}
	m.entries = append(m.entries, *e)
	return nil
}

func (m *mockMemStore) Recall(_ context.Context, agent, query string, limit int) ([]memory.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var candidates []memory.Entry
	now := time.Now().UTC()
	for _, e := range m.entries {
		if e.Agent == agent && !e.Expired(now) {
			candidates = append(candidates, e)
		}
	}
	return memory.Rank(candidates, query, nil, limit), nil
}

func (m *mockMemStore) List(_ context.Context, agent string, since *time.Time) ([]memory.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []memory.Entry
	for _, e := range m.entries {
		if e.Agent != agent {
			continue
		}
		if since != nil && e.Timestamp.Before(*since) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *mockMemStore) DeleteByPlan(_ context.Context, planID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.entries[:0]
	removed := 0
	for _, e := range m.entries {
		if e.PlanID() == planID {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return removed, nil
}

func (m *mockMemStore) countEvent(agent, eventPrefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.Agent == agent && len(e.Event) >= len(eventPrefix) && e.Event[:len(eventPrefix)] == eventPrefix {
			n++
		}
	}
	return n
}

func (m *mockMemStore) seed(entries ...memory.Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entries...)
}

type mockAuditSink struct {
	mu        sync.Mutex
	records   []audit.Record
	attempts  int
	failFirst int // fail this many Append calls before accepting
}

func (m *mockAuditSink) Append(_ context.Context, rec audit.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if m.attempts <= m.failFirst {
		return fmt.Errorf("mock sink unavailable (attempt %d)", m.attempts)
	}
	m.records = append(m.records, rec)
	return nil
}

func (m *mockAuditSink) ListByPlan(_ context.Context, planID string) ([]audit.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []audit.Record
	for _, r := range m.records {
		if r.PlanID == planID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockAuditSink) countType(planID string, typ audit.EventType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.records {
		if r.PlanID == planID && r.Type == typ {
			n++
		}
	}
	return n
}

func (m *mockAuditSink) lastOfType(planID string, typ audit.EventType) (audit.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.records) - 1; i >= 0; i-- {
		if m.records[i].PlanID == planID && m.records[i].Type == typ {
			return m.records[i], true
		}
	}
	return audit.Record{}, false
}

func (m *mockAuditSink) total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *mockAuditSink) attemptCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

type mockRetriever struct {
	mu      sync.Mutex
	docs    []evidence.Evidence
	err     error
	queries []string
}

func (m *mockRetriever) Retrieve(_ context.Context, query string, k int) ([]evidence.Evidence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, query)
	if m.err != nil {
		return nil, m.err
	}
	if len(m.docs) > k {
		return m.docs[:k], nil
	}
	return m.docs, nil
}

func (m *mockRetriever) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queries)
}

// mockSynthesizer answers with respond when set, the dev artifact otherwise.
type mockSynthesizer struct {
	mu      sync.Mutex
	prompts []string
	respond func(call int, prompt string) (artifact.Artifact, error)
}

func (m *mockSynthesizer) Synthesize(_ context.Context, prompt string) (artifact.Artifact, error) {
	m.mu.Lock()
	call := len(m.prompts)
	m.prompts = append(m.prompts, prompt)
	respond := m.respond
	m.mu.Unlock()
	if respond != nil {
		return respond(call, prompt)
	}
	return devArtifact(), nil
}

func (m *mockSynthesizer) promptAt(i int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.prompts) {
		return ""
	}
	return m.prompts[i]
}

func (m *mockSynthesizer) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}

// scriptedReply is one scripted backend response. A set kind rejects the
// call, a set err fails the transport; the zero value accepts.
type scriptedReply struct {
	kind fault.Kind
	msg  string
	err  error
}

// mockBackend accepts every call unless a scripted reply is queued for the
// action. DescribeEndpoint walks the describe sequence and then repeats its
// last element.
type mockBackend struct {
	mu        sync.Mutex
	calls     map[string]int
	script    map[string][]scriptedReply
	describe  []backend.EndpointStatus
	endpoints []backend.Endpoint
	gate      chan struct{} // blocks create_model until closed
}

func newMockBackend() *mockBackend {
	return &mockBackend{
		calls:  make(map[string]int),
		script: make(map[string][]scriptedReply),
	}
}

func (m *mockBackend) fail(action string, replies ...scriptedReply) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script[action] = append(m.script[action], replies...)
}

func (m *mockBackend) callCount(action string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[action]
}

func (m *mockBackend) reply(ctx context.Context, action string) (backend.Result, error) {
	m.mu.Lock()
	m.calls[action]++
	gate := m.gate
	var next *scriptedReply
	if q := m.script[action]; len(q) > 0 {
		next = &q[0]
		m.script[action] = q[1:]
	}
	m.mu.Unlock()

	if gate != nil && action == plan.ActionCreateModel {
		select {
		case <-gate:
		case <-ctx.Done():
			return backend.Result{}, ctx.Err()
		}
	}
	if next != nil {
		if next.err != nil {
			return backend.Result{}, next.err
		}
		return backend.Result{OK: false, ErrorKind: next.kind, Message: next.msg}, nil
	}
	return backend.Result{OK: true, ResourceID: action + "-id", Message: "accepted"}, nil
}

func (m *mockBackend) CreateModel(ctx context.Context, _ artifact.Artifact) (backend.Result, error) {
	return m.reply(ctx, plan.ActionCreateModel)
}

func (m *mockBackend) CreateEndpointConfig(ctx context.Context, _ artifact.Artifact) (backend.Result, error) {
	return m.reply(ctx, plan.ActionCreateEndpointConfig)
}

func (m *mockBackend) CreateEndpoint(ctx context.Context, _ artifact.Artifact) (backend.Result, error) {
	return m.reply(ctx, plan.ActionCreateEndpoint)
}

func (m *mockBackend) ConfigureMonitor(ctx context.Context, _ artifact.Artifact) (backend.Result, error) {
	return m.reply(ctx, plan.ActionConfigureMonitoring)
}

func (m *mockBackend) DescribeEndpoint(_ context.Context, name string) (backend.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["describe_endpoint"]++
	st := backend.StatusInService
	if len(m.describe) > 0 {
		st = m.describe[0]
		if len(m.describe) > 1 {
			m.describe = m.describe[1:]
		}
	}
	return backend.Endpoint{Name: name, Status: st}, nil
}

func (m *mockBackend) ListEndpoints(_ context.Context) ([]backend.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endpoints, nil
}

func (m *mockBackend) DeleteEndpoint(_ context.Context, _ string) (backend.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["delete_endpoint"]++
	return backend.Result{OK: true, Message: "deleted"}, nil
}

func (m *mockBackend) DeleteEndpointConfig(_ context.Context, _ string) (backend.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["delete_endpoint_config"]++
	return backend.Result{OK: true, Message: "deleted"}, nil
}

func (m *mockBackend) DeleteModel(_ context.Context, _ string) (backend.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["delete_model"]++
	return backend.Result{OK: true, Message: "deleted"}, nil
}

type publishedMsg struct {
	Subject string
	Data    []byte
}

type mockQueue struct {
	mu           sync.Mutex
	messages     []publishedMsg
	handlers     map[string]messagequeue.Handler
	disconnected bool
}

func (m *mockQueue) Publish(_ context.Context, subject string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, publishedMsg{Subject: subject, Data: data})
	return nil
}

func (m *mockQueue) Subscribe(_ context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handlers == nil {
		m.handlers = make(map[string]messagequeue.Handler)
	}
	m.handlers[subject] = handler
	return func() {}, nil
}

func (m *mockQueue) Drain() error { return nil }
func (m *mockQueue) Close() error { return nil }

func (m *mockQueue) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.disconnected
}

// deliver feeds a message to the registered handler, like NATS would.
func (m *mockQueue) deliver(ctx context.Context, subject string, data []byte) error {
	m.mu.Lock()
	handler := m.handlers[subject]
	m.mu.Unlock()
	if handler == nil {
		return fmt.Errorf("no handler for %s", subject)
	}
	return handler(ctx, subject, data)
}

func (m *mockQueue) lastMessage(subject string) (publishedMsg, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.messages) - 1; i >= 0; i-- {
		if m.messages[i].Subject == subject {
			return m.messages[i], true
		}
	}
	return publishedMsg{}, false
}

type broadcastedEvent struct {
	EventType string
	Data      any
}

type mockBroadcaster struct {
	mu     sync.Mutex
	events []broadcastedEvent
}

func (m *mockBroadcaster) BroadcastEvent(_ context.Context, eventType string, data any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, broadcastedEvent{EventType: eventType, Data: data})
}

func (m *mockBroadcaster) countType(eventType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

// --- Fixtures ---

// devArtifact passes the default dev guardrails without approval.
func devArtifact() artifact.Artifact {
	return artifact.Artifact{
		ModelName:        "sentiment-classifier",
		EndpointName:     "sentiment-endpoint",
		InstanceType:     "ml.m5.large",
		InstanceCount:    1,
		MaxPayloadMB:     6,
		AutoscalingMin:   1,
		AutoscalingMax:   2,
		BudgetUSDPerHour: 2.0,
	}
}

// prodArtifact passes the default prod guardrails; prod always parks for
// approval.
func prodArtifact() artifact.Artifact {
	return artifact.Artifact{
		ModelName:        "fraud-scorer",
		EndpointName:     "fraud-endpoint",
		InstanceType:     "ml.m5.xlarge",
		InstanceCount:    2,
		MaxPayloadMB:     10,
		AutoscalingMin:   2,
		AutoscalingMax:   4,
		RollbackAlarms:   []string{"latency-p99-alarm"},
		BudgetUSDPerHour: 5.0,
	}
}

func policyDocs() []evidence.Evidence {
	return []evidence.Evidence{
		{Source: "policy-001", Title: "Instance sizing policy", Snippet: "Dev workloads run on ml.m5.large.", Score: 0.92},
		{Source: "policy-002", Title: "Budget policy", Snippet: "Hourly budgets are enforced per environment.", Score: 0.84},
		{Source: "policy-003", Title: "Rollback policy", Snippet: "Production endpoints require rollback alarms.", Score: 0.71},
	}
}

// --- Helper ---

type testEnv struct {
	orch   *service.OrchestratorService
	audit  *service.AuditService
	policy *service.PolicyService

	store *mockPlanStore
	mem   *mockMemStore
	sink  *mockAuditSink
	retr  *mockRetriever
	synth *mockSynthesizer
	back  *mockBackend
	queue *mockQueue
	bc    *mockBroadcaster
}

// newTestEnv wires the orchestrator against mocks with timings shrunk to
// keep the asynchronous drivers fast. Memory thresholds are raised so the
// recovery heuristics never veto mid-test; the veto paths have their own
// unit tests.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		store: newMockPlanStore(),
		mem:   &mockMemStore{},
		sink:  &mockAuditSink{},
		retr:  &mockRetriever{docs: policyDocs()},
		synth: &mockSynthesizer{},
		back:  newMockBackend(),
		queue: &mockQueue{},
		bc:    &mockBroadcaster{},
	}

	policySvc, err := service.NewPolicyService(config.Guardrail{Profile: "default"})
	if err != nil {
		t.Fatalf("NewPolicyService failed: %v", err)
	}
	env.policy = policySvc

	memCfg := config.Memory{RecallLimit: 5, TTL: time.Hour, RetryThreshold: 5, ReplanThreshold: 5}
	kernel := service.NewKernel(env.mem, memCfg)

	env.audit = service.NewAuditService(env.sink, env.queue, env.bc, config.Audit{
		BufferSize:    64,
		FlushInterval: time.Millisecond,
		MaxRetries:    3,
	})
	t.Cleanup(env.audit.Close)

	orchCfg := config.Orchestrator{
		MaxReplans:        2,
		MaxRetriesPerStep: 2,
		BackoffBase:       time.Millisecond,
		BackoffMax:        4 * time.Millisecond,
		Workers:           4,
	}
	backCfg := config.Backend{
		Timeout:       time.Second,
		VerifyTimeout: 250 * time.Millisecond,
		VerifyPoll:    time.Millisecond,
	}

	planner := service.NewPlannerService(env.synth, kernel, config.Synthesizer{Timeout: time.Second})
	executor := service.NewExecutorService(env.back, policySvc, backCfg)
	monitor := service.NewMonitorService(kernel, orchCfg)

	env.orch = service.NewOrchestratorService(service.OrchestratorDeps{
		Store:     env.store,
		Retriever: env.retr,
		Planner:   planner,
		Executor:  executor,
		Monitor:   monitor,
		Policy:    policySvc,
		Kernel:    kernel,
		Audit:     env.audit,
		Queue:     env.queue,
		Hub:       env.bc,
	}, orchCfg, config.Retriever{TopKInitial: 3, TopKIterative: 2, Timeout: time.Second})
	return env
}

// waitUntil polls cond until it holds or the deadline expires.
func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// waitForStatus polls the store until the plan reaches want and returns it.
func waitForStatus(t *testing.T, store *mockPlanStore, planID string, want plan.Status) *plan.Plan {
	t.Helper()
	var last *plan.Plan
	waitUntil(t, fmt.Sprintf("plan %s to reach %s", planID, want), func() bool {
		p, err := store.Get(context.Background(), planID)
		if err != nil {
			return false
		}
		last = p
		return p.Status == want
	})
	return last
}

// stepByAction finds the first step with the action, scanning from the back
// so post-replan generations win.
func stepByAction(p *plan.Plan, action string) (plan.TaskStep, bool) {
	if p.Execution == nil {
		return plan.TaskStep{}, false
	}
	for i := len(p.Execution.Steps) - 1; i >= 0; i-- {
		if p.Execution.Steps[i].Action == action {
			return p.Execution.Steps[i], true
		}
	}
	return plan.TaskStep{}, false
}
