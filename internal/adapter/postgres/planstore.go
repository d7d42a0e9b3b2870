package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentops/deployops/internal/domain/plan"
	"github.com/agentops/deployops/internal/port/planstore"
)

// PlanStore implements planstore.Store using PostgreSQL. Scalar columns carry
// everything List filters on; the document parts of a plan (artifact,
// evidence, execution state) live in JSONB columns.
type PlanStore struct {
	pool *pgxpool.Pool
}

// NewPlanStore creates a PlanStore backed by the given connection pool.
func NewPlanStore(pool *pgxpool.Pool) *PlanStore {
	return &PlanStore{pool: pool}
}

const planColumns = `id, user_id, intent, environment, status, artifact, evidence,
	validation_errors, warnings, user_constraints, requires_approval, approval,
	execution, replan_count, estimated_cost, execute_real, error, version,
	created_at, updated_at`

func (s *PlanStore) Get(ctx context.Context, planID string) (*plan.Plan, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+planColumns+` FROM plans WHERE id = $1`, planID)

	p, err := scanStoredPlan(row)
	if err != nil {
		return nil, notFoundWrap(err, "get plan %s", planID)
	}
	return p, nil
}

func (s *PlanStore) Put(ctx context.Context, p *plan.Plan) error {
	artifactJSON, err := marshalNullable(p.Artifact)
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}
	evidenceJSON, err := json.Marshal(p.Evidence)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}
	errsJSON, err := json.Marshal(p.ValidationErrors)
	if err != nil {
		return fmt.Errorf("marshal validation errors: %w", err)
	}
	warningsJSON, err := json.Marshal(p.Warnings)
	if err != nil {
		return fmt.Errorf("marshal warnings: %w", err)
	}
	constraintsJSON, err := json.Marshal(p.Constraints)
	if err != nil {
		return fmt.Errorf("marshal constraints: %w", err)
	}
	approvalJSON, err := marshalNullable(p.Approval)
	if err != nil {
		return fmt.Errorf("marshal approval: %w", err)
	}
	executionJSON, err := marshalNullable(p.Execution)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO plans (id, user_id, intent, environment, status, artifact, evidence,
			validation_errors, warnings, user_constraints, requires_approval, approval,
			execution, replan_count, estimated_cost, execute_real, error, version,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			artifact = EXCLUDED.artifact,
			evidence = EXCLUDED.evidence,
			validation_errors = EXCLUDED.validation_errors,
			warnings = EXCLUDED.warnings,
			user_constraints = EXCLUDED.user_constraints,
			requires_approval = EXCLUDED.requires_approval,
			approval = EXCLUDED.approval,
			execution = EXCLUDED.execution,
			replan_count = EXCLUDED.replan_count,
			estimated_cost = EXCLUDED.estimated_cost,
			execute_real = EXCLUDED.execute_real,
			error = EXCLUDED.error,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at`,
		p.ID, p.UserID, p.Intent, string(p.Env), string(p.Status), artifactJSON, evidenceJSON,
		errsJSON, warningsJSON, constraintsJSON, p.RequiresApproval, approvalJSON,
		executionJSON, p.ReplanCount, p.EstimatedCost, p.ExecuteReal, p.Error, p.Version,
		p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put plan %s: %w", p.ID, err)
	}
	return nil
}

func (s *PlanStore) List(ctx context.Context, filter planstore.Filter) ([]plan.Summary, error) {
	q := `SELECT id, user_id, intent, environment, status, requires_approval,
		replan_count, estimated_cost, created_at, updated_at FROM plans`

	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Status != "" {
		where = append(where, "status = "+arg(string(filter.Status)))
	} else if !filter.IncludeDeleted {
		where = append(where, "status <> "+arg(string(plan.StatusDeleted)))
	}
	if filter.Env != "" {
		where = append(where, "environment = "+arg(string(filter.Env)))
	}
	if filter.UserID != "" {
		where = append(where, "user_id = "+arg(filter.UserID))
	}

	for i, w := range where {
		if i == 0 {
			q += " WHERE " + w
		} else {
			q += " AND " + w
		}
	}
	q += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		q += " LIMIT " + arg(filter.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var summaries []plan.Summary
	for rows.Next() {
		var sm plan.Summary
		if err := rows.Scan(&sm.ID, &sm.UserID, &sm.Intent, &sm.Env, &sm.Status,
			&sm.RequiresApproval, &sm.ReplanCount, &sm.EstimatedCost,
			&sm.CreatedAt, &sm.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan plan summary: %w", err)
		}
		summaries = append(summaries, sm)
	}
	return summaries, rows.Err()
}

func (s *PlanStore) Delete(ctx context.Context, planID string, hard bool) error {
	if hard {
		tag, err := s.pool.Exec(ctx, `DELETE FROM plans WHERE id = $1`, planID)
		return execExpectOne(tag, err, "delete plan %s", planID)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE plans SET status = $2, updated_at = now() WHERE id = $1`,
		planID, string(plan.StatusDeleted))
	return execExpectOne(tag, err, "soft delete plan %s", planID)
}

func (s *PlanStore) CountByStatus(ctx context.Context) (map[plan.Status]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM plans WHERE status <> $1 GROUP BY status`,
		string(plan.StatusDeleted))
	if err != nil {
		return nil, fmt.Errorf("count plans by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[plan.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan plan count: %w", err)
		}
		counts[plan.Status(status)] = n
	}
	return counts, rows.Err()
}

func scanStoredPlan(row scannable) (*plan.Plan, error) {
	var (
		p               plan.Plan
		artifactJSON    []byte
		evidenceJSON    []byte
		errsJSON        []byte
		warningsJSON    []byte
		constraintsJSON []byte
		approvalJSON    []byte
		executionJSON   []byte
	)
	err := row.Scan(&p.ID, &p.UserID, &p.Intent, &p.Env, &p.Status, &artifactJSON,
		&evidenceJSON, &errsJSON, &warningsJSON, &constraintsJSON, &p.RequiresApproval,
		&approvalJSON, &executionJSON, &p.ReplanCount, &p.EstimatedCost, &p.ExecuteReal,
		&p.Error, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := unmarshalInto(artifactJSON, &p.Artifact); err != nil {
		return nil, fmt.Errorf("unmarshal artifact: %w", err)
	}
	if err := unmarshalInto(evidenceJSON, &p.Evidence); err != nil {
		return nil, fmt.Errorf("unmarshal evidence: %w", err)
	}
	if err := unmarshalInto(errsJSON, &p.ValidationErrors); err != nil {
		return nil, fmt.Errorf("unmarshal validation errors: %w", err)
	}
	if err := unmarshalInto(warningsJSON, &p.Warnings); err != nil {
		return nil, fmt.Errorf("unmarshal warnings: %w", err)
	}
	if err := unmarshalInto(constraintsJSON, &p.Constraints); err != nil {
		return nil, fmt.Errorf("unmarshal constraints: %w", err)
	}
	if err := unmarshalInto(approvalJSON, &p.Approval); err != nil {
		return nil, fmt.Errorf("unmarshal approval: %w", err)
	}
	if err := unmarshalInto(executionJSON, &p.Execution); err != nil {
		return nil, fmt.Errorf("unmarshal execution: %w", err)
	}
	return &p, nil
}

// marshalNullable marshals v, mapping nil pointers to SQL NULL.
func marshalNullable(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return nil, nil
	}
	return b, nil
}

// unmarshalInto decodes data into dst, leaving dst untouched for NULL columns.
func unmarshalInto(data []byte, dst any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}
