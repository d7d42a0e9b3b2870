package service

import (
	"context"
	"log/slog"

	"github.com/agentops/deployops/internal/config"
	"github.com/agentops/deployops/internal/domain/memory"
	"github.com/agentops/deployops/internal/port/memorystore"
)

// Kernel is the shared memory layer agents consult before acting and write
// back to afterwards. Every operation is best-effort: a down memory store
// degrades recall quality, never correctness.
type Kernel struct {
	store memorystore.Store
	cfg   config.Memory
}

// NewKernel creates a Kernel. A nil store disables memory entirely.
func NewKernel(store memorystore.Store, cfg config.Memory) *Kernel {
	return &Kernel{store: store, cfg: cfg}
}

// Recall returns the agent's memories most relevant to the query, capped at
// the configured recall limit. Failures are logged and yield no memories.
func (k *Kernel) Recall(ctx context.Context, agent, query string) []memory.Entry {
	if k == nil || k.store == nil {
		return nil
	}
	entries, err := k.store.Recall(ctx, agent, query, k.cfg.RecallLimit)
	if err != nil {
		slog.Warn("memory recall failed", "agent", agent, "error", err)
		return nil
	}
	return entries
}

// Remember persists an entry. Write failures are logged and swallowed.
func (k *Kernel) Remember(ctx context.Context, e memory.Entry) {
	if k == nil || k.store == nil {
		return
	}
	if err := k.store.Put(ctx, &e); err != nil {
		slog.Warn("memory write failed", "agent", e.Agent, "kind", e.Kind, "error", err)
	}
}

// RememberEpisodic records one execution outcome with the configured TTL.
func (k *Kernel) RememberEpisodic(ctx context.Context, agent, event string, mctx map[string]string, out memory.Outcome) {
	if k == nil {
		return
	}
	k.Remember(ctx, memory.NewEpisodic(agent, event, mctx, out, k.cfg.TTL))
}

// RememberLesson records a generalized pattern that outlives episodic TTLs.
func (k *Kernel) RememberLesson(ctx context.Context, agent, pattern, lesson string, mctx map[string]string) {
	if k == nil {
		return
	}
	k.Remember(ctx, memory.NewSemantic(agent, pattern, lesson, mctx))
}

// Forget removes every memory referencing the plan and reports how many
// entries were removed.
func (k *Kernel) Forget(ctx context.Context, planID string) (int, error) {
	if k == nil || k.store == nil {
		return 0, nil
	}
	return k.store.DeleteByPlan(ctx, planID)
}

// ShouldRetry consults past outcomes for the same action and error before a
// retry is attempted. With no history the answer is yes; past failures that
// a retry later resolved reinforce that. The kernel vetoes only when the
// same failure has repeatedly gone unresolved.
func (k *Kernel) ShouldRetry(ctx context.Context, agent, action, errMsg string) bool {
	return k.adviseRecovery(ctx, agent, action+" "+errMsg, memory.ResolvedByRetry, k.retryThreshold())
}

// ShouldReplan is the replan-side counterpart of ShouldRetry.
func (k *Kernel) ShouldReplan(ctx context.Context, agent, action, errMsg string) bool {
	return k.adviseRecovery(ctx, agent, action+" "+errMsg, memory.ResolvedByReplan, k.replanThreshold())
}

func (k *Kernel) adviseRecovery(ctx context.Context, agent, query, resolution string, threshold int) bool {
	entries := k.Recall(ctx, agent, query)
	if len(entries) == 0 {
		return true
	}
	var resolved, unresolved int
	for _, e := range entries {
		if e.Outcome.Status != memory.OutcomeFailed {
			continue
		}
		switch e.Outcome.ResolvedBy {
		case resolution:
			resolved++
		case "":
			unresolved++
		}
	}
	if resolved > 0 {
		return true
	}
	return unresolved < threshold
}

func (k *Kernel) retryThreshold() int {
	if k == nil || k.cfg.RetryThreshold <= 0 {
		return 2
	}
	return k.cfg.RetryThreshold
}

func (k *Kernel) replanThreshold() int {
	if k == nil || k.cfg.ReplanThreshold <= 0 {
		return 2
	}
	return k.cfg.ReplanThreshold
}
