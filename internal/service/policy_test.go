package service_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/agentops/deployops/internal/config"
	"github.com/agentops/deployops/internal/domain/artifact"
	"github.com/agentops/deployops/internal/service"
)

func writeProfile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	return path
}

func TestPolicyService_DefaultProfile(t *testing.T) {
	svc, err := service.NewPolicyService(config.Guardrail{})
	if err != nil {
		t.Fatalf("NewPolicyService failed: %v", err)
	}
	if svc.ActiveProfile() != service.DefaultProfileName {
		t.Fatalf("expected default profile, got %s", svc.ActiveProfile())
	}
	if got := svc.Ruleset().ApprovalCostThreshold; got != 20.0 {
		t.Fatalf("unexpected approval threshold: %v", got)
	}

	res := svc.Validate(devArtifact(), artifact.EnvDev, nil)
	if !res.OK {
		t.Fatalf("dev artifact must pass default guardrails: %v", res.Errors)
	}
	if svc.RequiresApproval(devArtifact(), artifact.EnvDev) {
		t.Fatal("cheap dev deployment must not require approval")
	}
	if !svc.RequiresApproval(prodArtifact(), artifact.EnvProd) {
		t.Fatal("prod deployments always require approval")
	}
	reasons := svc.ApprovalReasons(prodArtifact(), artifact.EnvProd)
	if len(reasons) != 1 || !strings.Contains(reasons[0], "always requires approval") {
		t.Fatalf("unexpected approval reasons: %v", reasons)
	}
	if got := svc.EstimateCost(devArtifact()); got != 0.115 {
		t.Fatalf("unexpected cost estimate: %v", got)
	}
}

func TestPolicyService_UnknownProfileErrors(t *testing.T) {
	_, err := service.NewPolicyService(config.Guardrail{Profile: "nonexistent"})
	if err == nil || !strings.Contains(err.Error(), "unknown guardrail profile") {
		t.Fatalf("expected unknown profile error, got %v", err)
	}
}

func TestPolicyService_LoadsProfileDirectory(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "strict.yaml", `
approval_cost_threshold: 5
policies:
  dev:
    allowed_instance_types: [ml.m5.large, ml.m5.xlarge]
    max_budget_usd_per_hour: 4
    min_instance_count: 1
    max_instance_count: 2
`)

	svc, err := service.NewPolicyService(config.Guardrail{Profile: "strict", ProfileDir: dir})
	if err != nil {
		t.Fatalf("NewPolicyService failed: %v", err)
	}
	if svc.ActiveProfile() != "strict" {
		t.Fatalf("expected strict profile, got %s", svc.ActiveProfile())
	}
	if got := svc.Ruleset().ApprovalCostThreshold; got != 5.0 {
		t.Fatalf("profile overlay lost: threshold %v", got)
	}

	names := svc.ListProfiles()
	if len(names) != 2 || names[0] != "default" || names[1] != "strict" {
		t.Fatalf("unexpected profiles: %v", names)
	}
	if _, ok := svc.GetProfile("default"); !ok {
		t.Fatal("built-in default profile must stay registered")
	}

	a := devArtifact()
	a.InstanceType = "ml.m5.xlarge"
	if res := svc.Validate(a, artifact.EnvDev, nil); !res.OK {
		t.Fatalf("strict profile must allow ml.m5.xlarge in dev: %v", res.Errors)
	}
}

func TestPolicyService_MalformedProfileErrors(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "broken.yaml", "policies: [not a map")

	if _, err := service.NewPolicyService(config.Guardrail{ProfileDir: dir}); err == nil {
		t.Fatal("expected error for malformed profile file")
	}
}

func TestPolicyService_WatchWithoutDirIsNoop(t *testing.T) {
	svc, err := service.NewPolicyService(config.Guardrail{})
	if err != nil {
		t.Fatalf("NewPolicyService failed: %v", err)
	}
	if err := svc.Watch(context.Background()); err != nil {
		t.Fatalf("Watch without a profile dir must be a no-op: %v", err)
	}
}

func TestPolicyService_WatchReloadsChangedProfile(t *testing.T) {
	dir := t.TempDir()
	path := writeProfile(t, dir, "strict.yaml", "approval_cost_threshold: 5\n")

	svc, err := service.NewPolicyService(config.Guardrail{ProfileDir: dir})
	if err != nil {
		t.Fatalf("NewPolicyService failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := svc.Watch(ctx); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	if err := os.WriteFile(path, []byte("approval_cost_threshold: 25\n"), 0o644); err != nil {
		t.Fatalf("rewrite profile: %v", err)
	}
	waitUntil(t, "profile reload", func() bool {
		rs, ok := svc.GetProfile("strict")
		return ok && rs.ApprovalCostThreshold == 25.0
	})
}

func TestPolicyService_WatchAddsAndRemovesProfiles(t *testing.T) {
	dir := t.TempDir()
	svc, err := service.NewPolicyService(config.Guardrail{ProfileDir: dir})
	if err != nil {
		t.Fatalf("NewPolicyService failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := svc.Watch(ctx); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	path := writeProfile(t, dir, "canary.yaml", "approval_cost_threshold: 1\n")
	waitUntil(t, "profile discovery", func() bool {
		_, ok := svc.GetProfile("canary")
		return ok
	})

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove profile: %v", err)
	}
	waitUntil(t, "profile removal", func() bool {
		_, ok := svc.GetProfile("canary")
		return !ok
	})

	// Non-profile files are ignored.
	writeProfile(t, dir, "README.md", "not a profile")
	if _, ok := svc.GetProfile("README"); ok {
		t.Fatal("non-YAML files must not register profiles")
	}
}
