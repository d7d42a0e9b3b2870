package modelhost_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agentops/deployops/internal/adapter/modelhost"
	"github.com/agentops/deployops/internal/domain/artifact"
	"github.com/agentops/deployops/internal/domain/fault"
	"github.com/agentops/deployops/internal/port/backend"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testArtifact() artifact.Artifact {
	return artifact.Artifact{
		ModelName:      "sentiment-model",
		EndpointName:   "sentiment-endpoint",
		InstanceType:   "ml.m5.large",
		InstanceCount:  1,
		MaxPayloadMB:   6,
		AutoscalingMin: 1,
		AutoscalingMax: 2,
		RollbackAlarms: []string{"latency-alarm"},
	}
}

func TestCreateModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Fatalf("unexpected auth: %q", auth)
		}

		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload["name"] != "sentiment-model" {
			t.Errorf("expected model name in payload, got %v", payload["name"])
		}

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"resource_id": "mdl-123"})
	}))
	defer srv.Close()

	client := modelhost.New(srv.URL, "test-key", 5*time.Second, testLogger())
	res, err := client.CreateModel(context.Background(), testArtifact())
	if err != nil {
		t.Fatalf("CreateModel failed: %v", err)
	}
	if !res.OK {
		t.Fatalf("expected OK result, got %+v", res)
	}
	if res.ResourceID != "mdl-123" {
		t.Errorf("expected mdl-123, got %q", res.ResourceID)
	}
}

func TestCreateModelConflictIsIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{"resource_id": "mdl-existing"})
	}))
	defer srv.Close()

	client := modelhost.New(srv.URL, "", 5*time.Second, testLogger())
	res, err := client.CreateModel(context.Background(), testArtifact())
	if err != nil {
		t.Fatalf("conflict should not be an error: %v", err)
	}
	if !res.OK {
		t.Fatalf("expected OK for existing resource, got %+v", res)
	}
	if res.ResourceID != "mdl-existing" {
		t.Errorf("expected existing resource id, got %q", res.ResourceID)
	}
}

func TestCreateEndpointValidationRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "instance_count out of range"})
	}))
	defer srv.Close()

	client := modelhost.New(srv.URL, "", 5*time.Second, testLogger())
	res, err := client.CreateEndpoint(context.Background(), testArtifact())
	if err != nil {
		t.Fatalf("422 should map to a rejected Result, not an error: %v", err)
	}
	if res.OK {
		t.Fatal("expected rejection")
	}
	if res.ErrorKind != fault.KindValidation {
		t.Errorf("expected validation kind, got %s", res.ErrorKind)
	}
	if res.Message != "instance_count out of range" {
		t.Errorf("unexpected message: %q", res.Message)
	}
}

func TestCreateServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := modelhost.New(srv.URL, "", 5*time.Second, testLogger())
	_, err := client.CreateModel(context.Background(), testArtifact())
	if err == nil {
		t.Fatal("expected error for 502")
	}
	if fault.KindOf(err) != fault.KindTransient {
		t.Errorf("expected transient fault, got %s", fault.KindOf(err))
	}
}

func TestDescribeEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/endpoints/sentiment-endpoint" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"name":   "sentiment-endpoint",
			"status": "in_service",
		})
	}))
	defer srv.Close()

	client := modelhost.New(srv.URL, "", 5*time.Second, testLogger())
	ep, err := client.DescribeEndpoint(context.Background(), "sentiment-endpoint")
	if err != nil {
		t.Fatalf("DescribeEndpoint failed: %v", err)
	}
	if ep.Status != backend.StatusInService {
		t.Errorf("expected in_service, got %s", ep.Status)
	}
}

func TestDescribeEndpointNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := modelhost.New(srv.URL, "", 5*time.Second, testLogger())
	ep, err := client.DescribeEndpoint(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("missing endpoint should not be an error: %v", err)
	}
	if ep.Status != backend.StatusNotFound {
		t.Errorf("expected not_found, got %s", ep.Status)
	}
}

func TestListEndpoints(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/endpoints" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"endpoints": []map[string]string{
				{"name": "ep-a", "status": "in_service"},
				{"name": "ep-b", "status": "creating"},
			},
		})
	}))
	defer srv.Close()

	client := modelhost.New(srv.URL, "", 5*time.Second, testLogger())
	eps, err := client.ListEndpoints(context.Background())
	if err != nil {
		t.Fatalf("ListEndpoints failed: %v", err)
	}
	if len(eps) != 2 {
		t.Fatalf("expected 2 endpoints, got %d", len(eps))
	}
	if eps[1].Status != backend.StatusCreating {
		t.Errorf("expected creating, got %s", eps[1].Status)
	}
}

func TestDeleteEndpointMissingSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := modelhost.New(srv.URL, "", 5*time.Second, testLogger())
	res, err := client.DeleteEndpoint(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("deleting missing endpoint should succeed: %v", err)
	}
	if !res.OK {
		t.Fatalf("expected OK, got %+v", res)
	}
}
