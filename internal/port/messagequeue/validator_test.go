package messagequeue

import (
	"strings"
	"testing"
)

func TestValidateValidPlanCreated(t *testing.T) {
	data := []byte(`{"plan_id":"p1","user_id":"u1","intent":"deploy llama to staging","environment":"staging"}`)
	if err := Validate(SubjectPlanCreated, data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateValidPlanStatus(t *testing.T) {
	data := []byte(`{"plan_id":"p1","from":"validating","to":"awaiting_approval"}`)
	if err := Validate(SubjectPlanStatus, data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateValidPlanStep(t *testing.T) {
	data := []byte(`{"plan_id":"p1","step_id":"s1","agent":"executor","action":"create_endpoint","status":"executing","retry_count":0}`)
	if err := Validate(SubjectPlanStep, data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidatePlanStepWithSuffix(t *testing.T) {
	// plans.step.{plan_id} shares the plans.step schema.
	data := []byte(`{"plan_id":"p1","step_id":"s2","agent":"monitor","action":"verify_deployment","status":"completed","retry_count":1}`)
	if err := Validate(SubjectPlanStep+".p1", data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateValidPlanAudit(t *testing.T) {
	data := []byte(`{"plan_id":"p1","event_type":"approved","actor":"alice","timestamp":"2025-01-02T03:04:05Z"}`)
	if err := Validate(SubjectPlanAudit, data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateValidApprovalRequested(t *testing.T) {
	data := []byte(`{"plan_id":"p1","environment":"prod","estimated_cost":42.5,"reasons":["prod"]}`)
	if err := Validate(SubjectApprovalRequested, data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateValidApprovalDecided(t *testing.T) {
	data := []byte(`{"plan_id":"p1","decision":"approved","approver":"alice"}`)
	if err := Validate(SubjectApprovalDecided, data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateUnknownSubject(t *testing.T) {
	// Unknown subjects should pass (future-proof).
	data := []byte(`{"foo":"bar"}`)
	if err := Validate("unknown.subject", data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateInvalidJSON(t *testing.T) {
	data := []byte(`{not valid json`)
	err := Validate(SubjectPlanCreated, data)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
	if !strings.Contains(err.Error(), "invalid JSON") {
		t.Fatalf("expected 'invalid JSON' in error, got: %v", err)
	}
}

func TestValidateInvalidSchema(t *testing.T) {
	// Valid JSON but cannot unmarshal into PlanCreatedPayload.
	data := []byte(`"just a string"`)
	err := Validate(SubjectPlanCreated, data)
	if err == nil {
		t.Fatal("expected schema validation error")
	}
	if !strings.Contains(err.Error(), "schema validation failed") {
		t.Fatalf("expected 'schema validation failed' in error, got: %v", err)
	}
}

func TestValidateEmptyJSON(t *testing.T) {
	// Empty object is valid JSON and valid for all schemas (all fields are zero-value).
	data := []byte(`{}`)
	if err := Validate(SubjectPlanCreated, data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
