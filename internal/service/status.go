package service

import (
	"context"
	"time"

	"github.com/agentops/deployops/internal/domain/artifact"
	"github.com/agentops/deployops/internal/domain/plan"
	"github.com/agentops/deployops/internal/port/backend"
	"github.com/agentops/deployops/internal/port/messagequeue"
	"github.com/agentops/deployops/internal/port/planstore"
)

const statusProbeTimeout = 5 * time.Second

// ClientCounter reports how many realtime clients are connected.
type ClientCounter interface {
	ConnectionCount() int
}

// SystemStatus is the operator-facing snapshot of the whole system.
type SystemStatus struct {
	Status           string              `json:"status"`
	Time             time.Time           `json:"time"`
	PlanCounts       map[plan.Status]int `json:"plan_counts"`
	Active           []ActiveDeployment  `json:"active_deployments,omitempty"`
	Endpoints        []backend.Endpoint  `json:"endpoints,omitempty"`
	AuditQueueDepth  int                 `json:"audit_queue_depth"`
	QueueConnected   bool                `json:"queue_connected"`
	ConnectedClients int                 `json:"connected_clients"`
	PolicyProfile    string              `json:"policy_profile"`
}

// ActiveDeployment is one in-flight plan with its step health and, when the
// backend knows it, the state of the endpoint being provisioned.
type ActiveDeployment struct {
	PlanID         string               `json:"plan_id"`
	Intent         string               `json:"intent"`
	Env            artifact.Environment `json:"env"`
	ReplanCount    int                  `json:"replan_count"`
	Health         Health               `json:"health"`
	EndpointName   string               `json:"endpoint_name,omitempty"`
	EndpointStatus string               `json:"endpoint_status,omitempty"`
}

// StatusService assembles the system status snapshot from the plan store,
// the backend and the runtime services.
type StatusService struct {
	store   planstore.Store
	backend backend.Backend
	monitor *MonitorService
	audit   *AuditService
	queue   messagequeue.Queue
	policy  *PolicyService
	clients ClientCounter
}

// NewStatusService creates a StatusService. Queue, audit and clients may be
// nil; the snapshot simply omits them.
func NewStatusService(store planstore.Store, be backend.Backend, monitor *MonitorService,
	auditSvc *AuditService, queue messagequeue.Queue, policy *PolicyService, clients ClientCounter) *StatusService {
	return &StatusService{
		store:   store,
		backend: be,
		monitor: monitor,
		audit:   auditSvc,
		queue:   queue,
		policy:  policy,
		clients: clients,
	}
}

// Report builds the snapshot. Backend probes are bounded so a slow backend
// degrades the snapshot instead of hanging it.
func (s *StatusService) Report(ctx context.Context) (*SystemStatus, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}

	st := &SystemStatus{
		Status:     "ok",
		Time:       time.Now().UTC(),
		PlanCounts: counts,
	}
	if s.policy != nil {
		st.PolicyProfile = s.policy.ActiveProfile()
	}
	if s.audit != nil {
		st.AuditQueueDepth = s.audit.Depth()
	}
	if s.clients != nil {
		st.ConnectedClients = s.clients.ConnectionCount()
	}
	if s.queue != nil {
		st.QueueConnected = s.queue.IsConnected()
		if !st.QueueConnected {
			st.Status = "degraded"
		}
	}

	endpointStatus := make(map[string]backend.EndpointStatus)
	if s.backend != nil {
		bctx, cancel := context.WithTimeout(ctx, statusProbeTimeout)
		endpoints, err := s.backend.ListEndpoints(bctx)
		cancel()
		if err != nil {
			st.Status = "degraded"
		} else {
			st.Endpoints = endpoints
			for _, ep := range endpoints {
				endpointStatus[ep.Name] = ep.Status
			}
		}
	}

	active, err := s.activeDeployments(ctx, endpointStatus)
	if err != nil {
		return nil, err
	}
	st.Active = active
	return st, nil
}

// activeDeployments covers deploying and deployed plans, the ones with
// infrastructure alive on the backend.
func (s *StatusService) activeDeployments(ctx context.Context, endpointStatus map[string]backend.EndpointStatus) ([]ActiveDeployment, error) {
	var summaries []plan.Summary
	for _, status := range []plan.Status{plan.StatusDeploying, plan.StatusDeployed} {
		batch, err := s.store.List(ctx, planstore.Filter{Status: status})
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, batch...)
	}

	active := make([]ActiveDeployment, 0, len(summaries))
	for _, sm := range summaries {
		dep := ActiveDeployment{
			PlanID:      sm.ID,
			Intent:      sm.Intent,
			Env:         sm.Env,
			ReplanCount: sm.ReplanCount,
		}
		p, err := s.store.Get(ctx, sm.ID)
		if err != nil {
			// The plan may have moved since the listing; skip it.
			continue
		}
		if s.monitor != nil {
			dep.Health = s.monitor.Review(p.Execution)
		}
		if p.Artifact != nil {
			dep.EndpointName = p.Artifact.EndpointName
			if eps, ok := endpointStatus[p.Artifact.EndpointName]; ok {
				dep.EndpointStatus = string(eps)
			}
		}
		active = append(active, dep)
	}
	return active, nil
}
