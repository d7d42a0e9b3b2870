// Package modelhost provides the REST control-plane client for the model
// hosting service. It implements the deployment backend port: models,
// endpoint configs, endpoints, and monitors.
package modelhost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/agentops/deployops/internal/domain/artifact"
	"github.com/agentops/deployops/internal/domain/fault"
	"github.com/agentops/deployops/internal/port/backend"
	"github.com/agentops/deployops/internal/resilience"
)

// Client talks to the model hosting control plane.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *resilience.Breaker
	log        *slog.Logger
}

// New creates a model hosting client. The timeout bounds individual calls;
// endpoint readiness polling loops at a higher layer.
func New(baseURL, apiKey string, timeout time.Duration, log *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

// SetBreaker attaches a circuit breaker to all outgoing HTTP calls.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

// CreateModel registers the model described by the artifact.
func (c *Client) CreateModel(ctx context.Context, a artifact.Artifact) (backend.Result, error) {
	return c.create(ctx, "/v1/models", map[string]any{
		"name":           a.ModelName,
		"instance_type":  a.InstanceType,
		"max_payload_mb": a.MaxPayloadMB,
	})
}

// CreateEndpointConfig creates the endpoint configuration.
func (c *Client) CreateEndpointConfig(ctx context.Context, a artifact.Artifact) (backend.Result, error) {
	return c.create(ctx, "/v1/endpoint-configs", map[string]any{
		"name":            a.EndpointName,
		"model_name":      a.ModelName,
		"instance_type":   a.InstanceType,
		"instance_count":  a.InstanceCount,
		"autoscaling_min": a.AutoscalingMin,
		"autoscaling_max": a.AutoscalingMax,
	})
}

// CreateEndpoint provisions the endpoint. The hosting service provisions
// asynchronously; callers poll DescribeEndpoint for readiness.
func (c *Client) CreateEndpoint(ctx context.Context, a artifact.Artifact) (backend.Result, error) {
	return c.create(ctx, "/v1/endpoints", map[string]any{
		"name":        a.EndpointName,
		"config_name": a.EndpointName,
	})
}

// ConfigureMonitor attaches monitoring and rollback alarms to the endpoint.
func (c *Client) ConfigureMonitor(ctx context.Context, a artifact.Artifact) (backend.Result, error) {
	return c.create(ctx, "/v1/monitors", map[string]any{
		"endpoint_name":   a.EndpointName,
		"rollback_alarms": a.RollbackAlarms,
	})
}

// DescribeEndpoint reports the hosting service's view of an endpoint.
// A 404 maps to StatusNotFound, not an error.
func (c *Client) DescribeEndpoint(ctx context.Context, name string) (backend.Endpoint, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/v1/endpoints/"+url.PathEscape(name), nil)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			return backend.Endpoint{Name: name, Status: backend.StatusNotFound}, nil
		}
		return backend.Endpoint{}, classify(err)
	}

	var ep endpointPayload
	if err := json.Unmarshal(data, &ep); err != nil {
		return backend.Endpoint{}, fault.New(fault.KindSemantic, fmt.Errorf("unmarshal endpoint: %w", err))
	}
	return ep.toEndpoint(), nil
}

// ListEndpoints returns every endpoint the hosting service knows about.
func (c *Client) ListEndpoints(ctx context.Context) ([]backend.Endpoint, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/v1/endpoints", nil)
	if err != nil {
		return nil, classify(err)
	}

	var parsed struct {
		Endpoints []endpointPayload `json:"endpoints"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fault.New(fault.KindSemantic, fmt.Errorf("unmarshal endpoints: %w", err))
	}

	out := make([]backend.Endpoint, len(parsed.Endpoints))
	for i, ep := range parsed.Endpoints {
		out[i] = ep.toEndpoint()
	}
	return out, nil
}

// DeleteEndpoint removes the endpoint. Deleting a missing endpoint succeeds.
func (c *Client) DeleteEndpoint(ctx context.Context, name string) (backend.Result, error) {
	return c.delete(ctx, "/v1/endpoints/"+url.PathEscape(name))
}

// DeleteEndpointConfig removes the endpoint configuration.
func (c *Client) DeleteEndpointConfig(ctx context.Context, name string) (backend.Result, error) {
	return c.delete(ctx, "/v1/endpoint-configs/"+url.PathEscape(name))
}

// DeleteModel removes the registered model.
func (c *Client) DeleteModel(ctx context.Context, name string) (backend.Result, error) {
	return c.delete(ctx, "/v1/models/"+url.PathEscape(name))
}

type endpointPayload struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (p endpointPayload) toEndpoint() backend.Endpoint {
	return backend.Endpoint{
		Name:      p.Name,
		Status:    backend.EndpointStatus(p.Status),
		Reason:    p.Reason,
		CreatedAt: p.CreatedAt,
	}
}

type createResponse struct {
	ResourceID string `json:"resource_id"`
	Message    string `json:"message,omitempty"`
}

// create POSTs the payload and maps the response onto a backend Result.
// 409 means the resource already exists; create calls are idempotent per
// name, so the existing ID is returned as success.
func (c *Client) create(ctx context.Context, path string, payload map[string]any) (backend.Result, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return backend.Result{}, fmt.Errorf("marshal create request: %w", err)
	}

	data, err := c.doRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) {
			switch {
			case se.code == http.StatusConflict:
				var resp createResponse
				_ = json.Unmarshal(se.body, &resp)
				c.log.InfoContext(ctx, "resource already exists, reusing", "path", path, "resource_id", resp.ResourceID)
				return backend.Result{OK: true, ResourceID: resp.ResourceID, Message: "already exists"}, nil
			case se.code == http.StatusUnprocessableEntity:
				return backend.Result{OK: false, ErrorKind: fault.KindValidation, Message: se.message()}, nil
			case se.code >= 400 && se.code < 500:
				return backend.Result{OK: false, ErrorKind: fault.KindSemantic, Message: se.message()}, nil
			}
		}
		return backend.Result{}, classify(err)
	}

	var resp createResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return backend.Result{}, fault.New(fault.KindSemantic, fmt.Errorf("unmarshal create response: %w", err))
	}
	return backend.Result{OK: true, ResourceID: resp.ResourceID, Message: resp.Message}, nil
}

func (c *Client) delete(ctx context.Context, path string) (backend.Result, error) {
	_, err := c.doRequest(ctx, http.MethodDelete, path, nil)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) {
			if se.code == http.StatusNotFound {
				return backend.Result{OK: true, Message: "not found"}, nil
			}
			if se.code >= 400 && se.code < 500 {
				return backend.Result{OK: false, ErrorKind: fault.KindSemantic, Message: se.message()}, nil
			}
		}
		return backend.Result{}, classify(err)
	}
	return backend.Result{OK: true}, nil
}

// statusError carries a non-2xx response for the caller to interpret.
type statusError struct {
	code int
	body []byte
}

func (e *statusError) Error() string {
	return fmt.Sprintf("modelhost API error %d: %s", e.code, string(e.body))
}

func (e *statusError) message() string {
	var resp struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(e.body, &resp); err == nil {
		if resp.Error != "" {
			return resp.Error
		}
		if resp.Message != "" {
			return resp.Message
		}
	}
	return string(e.body)
}

// classify wraps transport and server-side failures as transient faults so
// the execution monitor schedules retries for them.
func classify(err error) error {
	var se *statusError
	if errors.As(err, &se) {
		if se.code >= 500 || se.code == http.StatusTooManyRequests {
			return fault.New(fault.KindTransient, se)
		}
		return fault.New(fault.KindSemantic, se)
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}
	return fault.New(fault.KindTransient, err)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var result []byte
	call := func() error {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		if resp.StatusCode >= 400 {
			return &statusError{code: resp.StatusCode, body: data}
		}

		result = data
		return nil
	}

	if c.breaker != nil {
		if err := c.breaker.Execute(call); err != nil {
			return nil, err
		}
		return result, nil
	}

	if err := call(); err != nil {
		return nil, err
	}
	return result, nil
}
