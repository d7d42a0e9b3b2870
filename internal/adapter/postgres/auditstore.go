package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentops/deployops/internal/domain/audit"
)

// AuditStore implements auditsink.Log using PostgreSQL. Appends are
// idempotent on the record's dedup key, which makes at-least-once delivery
// from the buffered audit service safe to retry.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore creates an AuditStore backed by the given connection pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

func (s *AuditStore) Append(ctx context.Context, rec audit.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}

	metadataJSON, err := marshalNullable(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_records (plan_id, ts, event_type, actor, before_state, after_state, metadata, dedup_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (dedup_key) DO NOTHING`,
		rec.PlanID, rec.Timestamp, string(rec.Type), rec.Actor,
		rec.Before, rec.After, metadataJSON, rec.DedupKey())
	if err != nil {
		return fmt.Errorf("append audit record for plan %s: %w", rec.PlanID, err)
	}
	return nil
}

func (s *AuditStore) ListByPlan(ctx context.Context, planID string) ([]audit.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT plan_id, ts, event_type, actor, before_state, after_state, metadata
		FROM audit_records WHERE plan_id = $1 ORDER BY ts ASC, id ASC`, planID)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()

	var records []audit.Record
	for rows.Next() {
		var (
			rec          audit.Record
			metadataJSON []byte
		)
		if err := rows.Scan(&rec.PlanID, &rec.Timestamp, &rec.Type, &rec.Actor,
			&rec.Before, &rec.After, &metadataJSON); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &rec.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal audit metadata: %w", err)
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
