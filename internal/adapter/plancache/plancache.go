// Package plancache decorates a plan store with a read-through cache.
package plancache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentops/deployops/internal/domain/plan"
	"github.com/agentops/deployops/internal/port/cache"
	"github.com/agentops/deployops/internal/port/planstore"
)

// Store wraps a planstore.Store and serves Get from a cache. Every write
// through the store invalidates the cached entry, so readers never observe a
// plan older than the last Put. List and CountByStatus pass through; only the
// single-plan read path is hot enough to cache.
type Store struct {
	inner planstore.Store
	cache cache.Cache
	ttl   time.Duration
}

// New wraps inner with a read-through cache. Cache failures are logged and
// degrade to the inner store, never surfaced to callers.
func New(inner planstore.Store, c cache.Cache, ttl time.Duration) *Store {
	return &Store{inner: inner, cache: c, ttl: ttl}
}

func planKey(planID string) string {
	return "plan:" + planID
}

func (s *Store) Get(ctx context.Context, planID string) (*plan.Plan, error) {
	key := planKey(planID)

	data, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		slog.Warn("plan cache get", "plan_id", planID, "error", err)
	} else if ok {
		var p plan.Plan
		if err := json.Unmarshal(data, &p); err == nil {
			return &p, nil
		}
		slog.Warn("plan cache entry corrupt, evicting", "plan_id", planID)
		_ = s.cache.Delete(ctx, key)
	}

	p, err := s.inner.Get(ctx, planID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(p); err == nil {
		if err := s.cache.Set(ctx, key, data, s.ttl); err != nil {
			slog.Warn("plan cache set", "plan_id", planID, "error", err)
		}
	}
	return p, nil
}

func (s *Store) Put(ctx context.Context, p *plan.Plan) error {
	if err := s.inner.Put(ctx, p); err != nil {
		return err
	}
	if err := s.cache.Delete(ctx, planKey(p.ID)); err != nil {
		return fmt.Errorf("invalidate plan cache for %s: %w", p.ID, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, filter planstore.Filter) ([]plan.Summary, error) {
	return s.inner.List(ctx, filter)
}

func (s *Store) Delete(ctx context.Context, planID string, hard bool) error {
	if err := s.inner.Delete(ctx, planID, hard); err != nil {
		return err
	}
	if err := s.cache.Delete(ctx, planKey(planID)); err != nil {
		return fmt.Errorf("invalidate plan cache for %s: %w", planID, err)
	}
	return nil
}

func (s *Store) CountByStatus(ctx context.Context) (map[plan.Status]int, error) {
	return s.inner.CountByStatus(ctx)
}
