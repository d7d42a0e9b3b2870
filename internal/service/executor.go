package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agentops/deployops/internal/config"
	"github.com/agentops/deployops/internal/domain/artifact"
	"github.com/agentops/deployops/internal/domain/fault"
	"github.com/agentops/deployops/internal/domain/plan"
	"github.com/agentops/deployops/internal/port/backend"
)

// ExecutorService runs the infrastructure-facing steps of an execution plan
// against the deployment backend. Every provisioning call is bounded by the
// configured backend timeout; deployment verification polls the endpoint
// until it converges or the verify timeout elapses.
type ExecutorService struct {
	backend backend.Backend
	policy  *PolicyService
	cfg     config.Backend
}

// NewExecutorService creates an ExecutorService.
func NewExecutorService(be backend.Backend, policy *PolicyService, cfg config.Backend) *ExecutorService {
	return &ExecutorService{backend: be, policy: policy, cfg: cfg}
}

// Execute dispatches the step to its handler and returns the step output.
// Failures carry a fault kind so the monitor can pick the recovery path.
// Unknown actions succeed as skipped so a creative replan cannot wedge the
// pipeline.
func (s *ExecutorService) Execute(ctx context.Context, p *plan.Plan, step *plan.TaskStep) (map[string]any, error) {
	if p.Artifact == nil {
		return nil, fault.Newf(fault.KindSemantic, "plan %s has no artifact to execute", p.ID)
	}
	a := *p.Artifact

	switch step.Action {
	case plan.ActionValidatePlan:
		return s.validatePlan(a, p)
	case plan.ActionCreateModel:
		return s.provision(ctx, "create model", a, s.backend.CreateModel)
	case plan.ActionCreateEndpointConfig:
		return s.provision(ctx, "create endpoint config", a, s.backend.CreateEndpointConfig)
	case plan.ActionCreateEndpoint:
		return s.provision(ctx, "create endpoint", a, s.backend.CreateEndpoint)
	case plan.ActionConfigureMonitoring:
		return s.provision(ctx, "configure monitoring", a, s.backend.ConfigureMonitor)
	case plan.ActionVerifyDeployment:
		return s.verify(ctx, a.EndpointName)
	default:
		return map[string]any{
			"message": fmt.Sprintf("action %s not implemented, skipped", step.Action),
		}, nil
	}
}

// validatePlan re-checks the artifact against the active guardrails right
// before provisioning begins. Rules may have been reloaded since submission.
func (s *ExecutorService) validatePlan(a artifact.Artifact, p *plan.Plan) (map[string]any, error) {
	res := s.policy.Validate(a, p.Env, p.Constraints)
	out := map[string]any{
		"valid":    res.OK,
		"errors":   res.Errors,
		"warnings": res.Warnings,
	}
	if !res.OK {
		return out, fault.Newf(fault.KindValidation, "%s", strings.Join(res.Errors, "; "))
	}
	return out, nil
}

func (s *ExecutorService) provision(ctx context.Context, what string, a artifact.Artifact,
	call func(context.Context, artifact.Artifact) (backend.Result, error)) (map[string]any, error) {

	cctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	res, err := call(cctx, a)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	if !res.OK {
		kind := res.ErrorKind
		if !kind.Valid() {
			kind = fault.KindTransient
		}
		return nil, fault.Newf(kind, "%s: %s", what, res.Message)
	}
	return map[string]any{
		"resource_id": res.ResourceID,
		"message":     res.Message,
	}, nil
}

// verify polls the endpoint until it reports in_service. Provisioning is
// asynchronous on the backend side, so creating and updating just mean keep
// polling; failed and missing endpoints escalate to a replan rather than a
// retry because polling again cannot fix them.
func (s *ExecutorService) verify(ctx context.Context, name string) (map[string]any, error) {
	deadline := time.Now().Add(s.cfg.VerifyTimeout)
	ticker := time.NewTicker(s.cfg.VerifyPoll)
	defer ticker.Stop()

	polls := 0
	for {
		cctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		ep, err := s.backend.DescribeEndpoint(cctx, name)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("describe endpoint %s: %w", name, err)
		}
		polls++

		switch ep.Status {
		case backend.StatusInService:
			return map[string]any{
				"endpoint_name": name,
				"status":        string(ep.Status),
				"polls":         polls,
			}, nil
		case backend.StatusFailed:
			return nil, fault.Newf(fault.KindSemantic, "endpoint %s failed to provision: %s", name, ep.Reason)
		case backend.StatusNotFound:
			return nil, fault.Newf(fault.KindSemantic, "endpoint %s not found", name)
		}

		if time.Now().After(deadline) {
			return nil, fault.Newf(fault.KindTransient, "endpoint %s not in service after %s", name, s.cfg.VerifyTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Teardown removes the artifact's resources in reverse provisioning order.
// Each delete is best effort: failures are reported in the returned detail
// lines, never as an error, so one stuck resource does not strand the rest.
func (s *ExecutorService) Teardown(ctx context.Context, a artifact.Artifact) []string {
	deletes := []struct {
		what string
		name string
		call func(context.Context, string) (backend.Result, error)
	}{
		{"endpoint", a.EndpointName, s.backend.DeleteEndpoint},
		{"endpoint config", a.EndpointName, s.backend.DeleteEndpointConfig},
		{"model", a.ModelName, s.backend.DeleteModel},
	}

	details := make([]string, 0, len(deletes))
	for _, d := range deletes {
		if d.name == "" {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		res, err := d.call(cctx, d.name)
		cancel()
		switch {
		case err != nil:
			details = append(details, fmt.Sprintf("delete %s %s: %v", d.what, d.name, err))
		case !res.OK:
			details = append(details, fmt.Sprintf("delete %s %s: %s", d.what, d.name, res.Message))
		default:
			details = append(details, fmt.Sprintf("deleted %s %s", d.what, d.name))
		}
	}
	return details
}
