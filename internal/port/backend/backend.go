// Package backend defines the deployment backend port (interface).
//
// A backend provisions the serving resources a plan describes: the model,
// the endpoint configuration, the endpoint itself, and the monitor attached
// to it. Implementations include the real model-hosting client and a dry-run
// simulator.
package backend

import (
	"context"
	"time"

	"github.com/agentops/deployops/internal/domain/artifact"
	"github.com/agentops/deployops/internal/domain/fault"
)

// EndpointStatus is the lifecycle state a backend reports for an endpoint.
type EndpointStatus string

const (
	StatusCreating  EndpointStatus = "creating"
	StatusInService EndpointStatus = "in_service"
	StatusUpdating  EndpointStatus = "updating"
	StatusFailed    EndpointStatus = "failed"
	StatusDeleting  EndpointStatus = "deleting"
	StatusNotFound  EndpointStatus = "not_found"
)

// Terminal reports whether the status will not change without another
// provisioning call.
func (s EndpointStatus) Terminal() bool {
	switch s {
	case StatusInService, StatusFailed, StatusNotFound:
		return true
	}
	return false
}

// Endpoint is the backend's view of a serving endpoint.
type Endpoint struct {
	Name      string         `json:"name"`
	Status    EndpointStatus `json:"status"`
	Reason    string         `json:"reason,omitempty"`
	CreatedAt time.Time      `json:"created_at,omitzero"`
}

// Result is the outcome of a single provisioning call. A call can fail in
// two ways: a transport error (returned as the error value) or a rejection
// by the backend itself (OK false with ErrorKind and Message set).
type Result struct {
	OK         bool       `json:"ok"`
	ResourceID string     `json:"resource_id,omitempty"`
	ErrorKind  fault.Kind `json:"error_kind,omitempty"`
	Message    string     `json:"message,omitempty"`
}

// Backend is the port interface for provisioning serving infrastructure.
// Create calls are idempotent per resource name: recreating an existing
// resource returns the existing resource's ID. Delete calls tolerate
// missing resources and report OK.
type Backend interface {
	// CreateModel registers the model described by the artifact.
	CreateModel(ctx context.Context, a artifact.Artifact) (Result, error)
	// CreateEndpointConfig creates the endpoint configuration, including
	// instance fleet shape and rollback alarms.
	CreateEndpointConfig(ctx context.Context, a artifact.Artifact) (Result, error)
	// CreateEndpoint provisions the endpoint. Provisioning is asynchronous:
	// an OK result means the request was accepted, not that the endpoint is
	// in service. Callers poll DescribeEndpoint to observe readiness.
	CreateEndpoint(ctx context.Context, a artifact.Artifact) (Result, error)
	// ConfigureMonitor attaches monitoring to the endpoint using the
	// artifact's rollback alarms.
	ConfigureMonitor(ctx context.Context, a artifact.Artifact) (Result, error)

	// DescribeEndpoint reports the current state of an endpoint. A missing
	// endpoint is not an error: the returned Endpoint carries StatusNotFound.
	DescribeEndpoint(ctx context.Context, name string) (Endpoint, error)
	// ListEndpoints returns every endpoint the backend knows about.
	ListEndpoints(ctx context.Context) ([]Endpoint, error)

	// DeleteEndpoint removes the endpoint. Deleting a missing endpoint
	// succeeds.
	DeleteEndpoint(ctx context.Context, name string) (Result, error)
	// DeleteEndpointConfig removes the endpoint configuration.
	DeleteEndpointConfig(ctx context.Context, name string) (Result, error)
	// DeleteModel removes the registered model.
	DeleteModel(ctx context.Context, name string) (Result, error)
}
