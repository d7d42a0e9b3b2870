// Package dryrun provides a synthetic deployment backend. Every mutating
// call is replaced by a structured log entry and a fabricated successful
// outcome, so the full pipeline can run without touching real
// infrastructure. This is the default backend.
package dryrun

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentops/deployops/internal/domain/artifact"
	"github.com/agentops/deployops/internal/port/backend"
)

// defaultPollsToReady is how many DescribeEndpoint calls a fabricated
// endpoint stays in creating before converging to in_service.
const defaultPollsToReady = 2

type endpointState struct {
	name      string
	createdAt time.Time
	polls     int
	ready     bool
}

// Backend fabricates provisioning state in memory.
type Backend struct {
	log          *slog.Logger
	pollsToReady int
	now          func() time.Time

	mu        sync.Mutex
	models    map[string]string
	configs   map[string]string
	monitors  map[string]string
	endpoints map[string]*endpointState
	seq       int
}

// New creates a dry-run backend.
func New(log *slog.Logger) *Backend {
	return &Backend{
		log:          log,
		pollsToReady: defaultPollsToReady,
		now:          time.Now,
		models:       make(map[string]string),
		configs:      make(map[string]string),
		monitors:     make(map[string]string),
		endpoints:    make(map[string]*endpointState),
	}
}

// SetPollsToReady overrides how many polls an endpoint needs before it
// reports in_service. Zero makes endpoints ready immediately.
func (b *Backend) SetPollsToReady(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pollsToReady = n
}

// CreateModel fabricates a model registration.
func (b *Backend) CreateModel(ctx context.Context, a artifact.Artifact) (backend.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if id, ok := b.models[a.ModelName]; ok {
		return backend.Result{OK: true, ResourceID: id, Message: "already exists"}, nil
	}

	id := b.nextID("model")
	b.models[a.ModelName] = id
	b.log.InfoContext(ctx, "dry-run: would create model",
		"model_name", a.ModelName, "instance_type", a.InstanceType, "resource_id", id)
	return backend.Result{OK: true, ResourceID: id, Message: "would create model " + a.ModelName}, nil
}

// CreateEndpointConfig fabricates an endpoint configuration.
func (b *Backend) CreateEndpointConfig(ctx context.Context, a artifact.Artifact) (backend.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if id, ok := b.configs[a.EndpointName]; ok {
		return backend.Result{OK: true, ResourceID: id, Message: "already exists"}, nil
	}

	id := b.nextID("endpoint-config")
	b.configs[a.EndpointName] = id
	b.log.InfoContext(ctx, "dry-run: would create endpoint config",
		"endpoint_name", a.EndpointName, "instance_count", a.InstanceCount, "resource_id", id)
	return backend.Result{OK: true, ResourceID: id, Message: "would create endpoint config " + a.EndpointName}, nil
}

// CreateEndpoint fabricates an endpoint that converges to in_service after
// a few DescribeEndpoint polls, mimicking asynchronous provisioning.
func (b *Backend) CreateEndpoint(ctx context.Context, a artifact.Artifact) (backend.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if st, ok := b.endpoints[a.EndpointName]; ok {
		return backend.Result{OK: true, ResourceID: st.name, Message: "already exists"}, nil
	}

	b.endpoints[a.EndpointName] = &endpointState{
		name:      a.EndpointName,
		createdAt: b.now(),
	}
	b.log.InfoContext(ctx, "dry-run: would create endpoint",
		"endpoint_name", a.EndpointName, "resource_id", a.EndpointName)
	return backend.Result{OK: true, ResourceID: a.EndpointName, Message: "would create endpoint " + a.EndpointName}, nil
}

// ConfigureMonitor fabricates monitor attachment.
func (b *Backend) ConfigureMonitor(ctx context.Context, a artifact.Artifact) (backend.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID("monitor")
	b.monitors[a.EndpointName] = id
	b.log.InfoContext(ctx, "dry-run: would configure monitor",
		"endpoint_name", a.EndpointName, "rollback_alarms", a.RollbackAlarms, "resource_id", id)
	return backend.Result{OK: true, ResourceID: id, Message: "would configure monitor for " + a.EndpointName}, nil
}

// DescribeEndpoint reports creating until the endpoint has been polled
// pollsToReady times, then in_service.
func (b *Backend) DescribeEndpoint(_ context.Context, name string) (backend.Endpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.endpoints[name]
	if !ok {
		return backend.Endpoint{Name: name, Status: backend.StatusNotFound}, nil
	}

	st.polls++
	if st.polls >= b.pollsToReady {
		st.ready = true
	}

	status := backend.StatusCreating
	if st.ready {
		status = backend.StatusInService
	}
	return backend.Endpoint{Name: name, Status: status, CreatedAt: st.createdAt}, nil
}

// ListEndpoints returns a snapshot of fabricated endpoints.
func (b *Backend) ListEndpoints(_ context.Context) ([]backend.Endpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]backend.Endpoint, 0, len(b.endpoints))
	for _, st := range b.endpoints {
		status := backend.StatusCreating
		if st.ready {
			status = backend.StatusInService
		}
		out = append(out, backend.Endpoint{Name: st.name, Status: status, CreatedAt: st.createdAt})
	}
	return out, nil
}

// DeleteEndpoint removes the fabricated endpoint. Missing endpoints are
// deleted successfully.
func (b *Backend) DeleteEndpoint(ctx context.Context, name string) (backend.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.endpoints, name)
	b.log.InfoContext(ctx, "dry-run: would delete endpoint", "endpoint_name", name)
	return backend.Result{OK: true, Message: "would delete endpoint " + name}, nil
}

// DeleteEndpointConfig removes the fabricated endpoint configuration.
func (b *Backend) DeleteEndpointConfig(ctx context.Context, name string) (backend.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.configs, name)
	b.log.InfoContext(ctx, "dry-run: would delete endpoint config", "endpoint_name", name)
	return backend.Result{OK: true, Message: "would delete endpoint config " + name}, nil
}

// DeleteModel removes the fabricated model.
func (b *Backend) DeleteModel(ctx context.Context, name string) (backend.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.models, name)
	b.log.InfoContext(ctx, "dry-run: would delete model", "model_name", name)
	return backend.Result{OK: true, Message: "would delete model " + name}, nil
}

func (b *Backend) nextID(kind string) string {
	b.seq++
	return fmt.Sprintf("dry-%s-%04d", kind, b.seq)
}
