package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentops/deployops/internal/adapter/ws"
	"github.com/agentops/deployops/internal/config"
	"github.com/agentops/deployops/internal/domain/audit"
	"github.com/agentops/deployops/internal/port/auditsink"
	"github.com/agentops/deployops/internal/port/broadcast"
	"github.com/agentops/deployops/internal/port/messagequeue"
)

// appendTimeout bounds one attempt against the audit sink.
const appendTimeout = 5 * time.Second

// AuditService buffers audit records off the orchestration hot path, appends
// them to the durable sink with bounded retries, and relays every appended
// record to NATS and the WebSocket hub. A full buffer applies backpressure
// to the caller instead of dropping; a sink that stays down past the retry
// budget drops the record with a loud error, never blocking plan execution
// indefinitely.
type AuditService struct {
	sink  auditsink.Log
	queue messagequeue.Queue
	hub   broadcast.Broadcaster
	cfg   config.Audit

	ch     chan audit.Record
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewAuditService creates an AuditService and starts its flusher. Queue and
// hub may be nil; relaying is then skipped.
func NewAuditService(sink auditsink.Log, queue messagequeue.Queue, hub broadcast.Broadcaster, cfg config.Audit) *AuditService {
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	s := &AuditService{
		sink:  sink,
		queue: queue,
		hub:   hub,
		cfg:   cfg,
		ch:    make(chan audit.Record, cfg.BufferSize),
	}
	s.wg.Add(1)
	go s.flush()
	return s
}

// Record enqueues a record for appending. Invalid records are rejected with
// an error log; a full buffer blocks until there is room or ctx is done.
func (s *AuditService) Record(ctx context.Context, rec audit.Record) {
	if err := rec.Validate(); err != nil {
		slog.Error("invalid audit record", "plan_id", rec.PlanID, "error", err)
		return
	}
	if s.closed.Load() {
		s.append(rec)
		return
	}
	select {
	case s.ch <- rec:
	default:
		slog.Warn("audit buffer full, applying backpressure",
			"plan_id", rec.PlanID, "event_type", rec.Type, "depth", len(s.ch))
		select {
		case s.ch <- rec:
		case <-ctx.Done():
			slog.Error("audit record dropped, context cancelled",
				"plan_id", rec.PlanID, "event_type", rec.Type)
		}
	}
}

// ListByPlan returns the plan's audit trail in timestamp order.
func (s *AuditService) ListByPlan(ctx context.Context, planID string) ([]audit.Record, error) {
	return s.sink.ListByPlan(ctx, planID)
}

// Depth returns how many records are waiting to be appended.
func (s *AuditService) Depth() int {
	return len(s.ch)
}

// Close drains the buffer and stops the flusher. Records arriving afterwards
// are appended synchronously.
func (s *AuditService) Close() {
	if s.closed.Swap(true) {
		return
	}
	close(s.ch)
	s.wg.Wait()
}

func (s *AuditService) flush() {
	defer s.wg.Done()
	for rec := range s.ch {
		s.append(rec)
	}
}

// append writes one record to the sink, retrying with exponential backoff.
// A record the sink never accepts is dropped with an error log; the audit
// trail is at-least-once, not at-all-costs.
func (s *AuditService) append(rec audit.Record) {
	delay := s.cfg.FlushInterval
	var err error
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
		err = s.sink.Append(ctx, rec)
		cancel()
		if err == nil {
			s.relay(rec)
			return
		}
		if attempt < s.cfg.MaxRetries {
			time.Sleep(delay)
			delay *= 2
		}
	}
	slog.Error("audit record dropped after retries",
		"plan_id", rec.PlanID, "event_type", rec.Type,
		"retries", s.cfg.MaxRetries, "error", err)
}

// relay pushes the appended record to NATS and the hub, best-effort.
func (s *AuditService) relay(rec audit.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	defer cancel()

	if s.queue != nil {
		payload := messagequeue.PlanAuditPayload{
			PlanID:    rec.PlanID,
			EventType: string(rec.Type),
			Actor:     rec.Actor,
			Timestamp: rec.Timestamp.Format(time.RFC3339Nano),
		}
		if data, err := json.Marshal(payload); err == nil {
			if err := s.queue.Publish(ctx, messagequeue.SubjectPlanAudit, data); err != nil {
				slog.Warn("audit relay publish failed", "plan_id", rec.PlanID, "error", err)
			}
		}
	}
	if s.hub != nil {
		s.hub.BroadcastEvent(ctx, ws.EventPlanAudit, ws.PlanAuditEvent{
			PlanID:    rec.PlanID,
			EventType: string(rec.Type),
			Actor:     rec.Actor,
			Timestamp: rec.Timestamp,
		})
	}
}
