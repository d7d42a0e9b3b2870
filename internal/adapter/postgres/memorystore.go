package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentops/deployops/internal/domain/memory"
)

// recallCandidates bounds how many recent entries are pulled for in-process
// relevance ranking. Relevance is a domain computation and cannot run in SQL.
const recallCandidates = 512

// MemoryStore implements memorystore.Store using PostgreSQL.
type MemoryStore struct {
	pool *pgxpool.Pool
}

// NewMemoryStore creates a MemoryStore backed by the given connection pool.
func NewMemoryStore(pool *pgxpool.Pool) *MemoryStore {
	return &MemoryStore{pool: pool}
}

func (s *MemoryStore) Put(ctx context.Context, e *memory.Entry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if err := e.Validate(); err != nil {
		return fmt.Errorf("put memory: %w", err)
	}

	contextJSON, err := json.Marshal(e.Context)
	if err != nil {
		return fmt.Errorf("marshal memory context: %w", err)
	}
	outcomeJSON, err := json.Marshal(e.Outcome)
	if err != nil {
		return fmt.Errorf("marshal memory outcome: %w", err)
	}

	var expiresAt any
	if e.ExpiresAt != nil {
		expiresAt = *e.ExpiresAt
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO memories (id, agent, kind, event, context, outcome, pattern, lesson, embedding, ts, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.Agent, string(e.Kind), e.Event, contextJSON, outcomeJSON,
		e.Pattern, e.Lesson, e.Embedding, e.Timestamp, expiresAt)
	if err != nil {
		return fmt.Errorf("put memory %s: %w", e.ID, err)
	}
	return nil
}

func (s *MemoryStore) Recall(ctx context.Context, agent, query string, limit int) ([]memory.Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, agent, kind, event, context, outcome, pattern, lesson, embedding, ts, expires_at
		FROM memories
		WHERE agent = $1 AND (expires_at IS NULL OR expires_at > now())
		ORDER BY ts DESC
		LIMIT $2`, agent, recallCandidates)
	if err != nil {
		return nil, fmt.Errorf("recall memories: %w", err)
	}
	defer rows.Close()

	entries, err := collectMemories(rows)
	if err != nil {
		return nil, err
	}
	return memory.Rank(entries, query, nil, limit), nil
}

func (s *MemoryStore) List(ctx context.Context, agent string, since *time.Time) ([]memory.Entry, error) {
	q := `SELECT id, agent, kind, event, context, outcome, pattern, lesson, embedding, ts, expires_at
		FROM memories WHERE agent = $1`
	args := []any{agent}
	if since != nil {
		q += ` AND ts >= $2`
		args = append(args, *since)
	}
	q += ` ORDER BY ts DESC`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	return collectMemories(rows)
}

func (s *MemoryStore) DeleteByPlan(ctx context.Context, planID string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM memories WHERE context->>'plan_id' = $1`, planID)
	if err != nil {
		return 0, fmt.Errorf("delete memories for plan %s: %w", planID, err)
	}
	return int(tag.RowsAffected()), nil
}

func collectMemories(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]memory.Entry, error) {
	var entries []memory.Entry
	for rows.Next() {
		e, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanMemory(row scannable) (memory.Entry, error) {
	var (
		e           memory.Entry
		contextJSON []byte
		outcomeJSON []byte
		expiresAt   *time.Time
	)
	err := row.Scan(&e.ID, &e.Agent, &e.Kind, &e.Event, &contextJSON, &outcomeJSON,
		&e.Pattern, &e.Lesson, &e.Embedding, &e.Timestamp, &expiresAt)
	if err != nil {
		return e, fmt.Errorf("scan memory: %w", err)
	}
	if err := unmarshalInto(contextJSON, &e.Context); err != nil {
		return e, fmt.Errorf("unmarshal memory context: %w", err)
	}
	if err := unmarshalInto(outcomeJSON, &e.Outcome); err != nil {
		return e, fmt.Errorf("unmarshal memory outcome: %w", err)
	}
	e.ExpiresAt = expiresAt
	return e, nil
}
