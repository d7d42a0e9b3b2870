// Package broadcast defines the port for pushing plan lifecycle events to
// connected observers (dashboards, CLI watchers).
package broadcast

import "context"

// Broadcaster fans a typed event out to every connected observer. Delivery
// is best effort; the orchestrator never waits on it.
type Broadcaster interface {
	BroadcastEvent(ctx context.Context, eventType string, payload any)
}
