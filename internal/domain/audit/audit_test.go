package audit

import (
	"testing"
	"time"
)

func TestEventType_Valid(t *testing.T) {
	for _, et := range EventTypes {
		if !et.Valid() {
			t.Errorf("expected %s to be valid", et)
		}
	}
	if EventType("plan_moved").Valid() {
		t.Error("expected plan_moved to be invalid")
	}
	if len(EventTypes) != 16 {
		t.Errorf("expected 16 event types, got %d", len(EventTypes))
	}
}

func TestNew(t *testing.T) {
	r := New("p-1", EventIntentSubmitted, "user-7")
	if r.PlanID != "p-1" || r.Type != EventIntentSubmitted || r.Actor != "user-7" {
		t.Errorf("unexpected record: %+v", r)
	}
	if r.Timestamp.IsZero() {
		t.Error("expected timestamp to be stamped")
	}
	if err := r.Validate(); err != nil {
		t.Errorf("unexpected validation error: %v", err)
	}
}

func TestRecord_Validate(t *testing.T) {
	cases := []struct {
		name string
		rec  Record
	}{
		{"missing plan id", Record{Type: EventDeployed, Timestamp: time.Now()}},
		{"bad type", Record{PlanID: "p", Type: "nope", Timestamp: time.Now()}},
		{"zero timestamp", Record{PlanID: "p", Type: EventDeployed}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.rec.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestRecord_DedupKey(t *testing.T) {
	ts := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	a := Record{PlanID: "p-1", Type: EventStepStarted, Timestamp: ts}
	b := Record{PlanID: "p-1", Type: EventStepStarted, Timestamp: ts}
	if a.DedupKey() != b.DedupKey() {
		t.Error("identical records must share a dedup key")
	}

	c := Record{PlanID: "p-1", Type: EventStepCompleted, Timestamp: ts}
	if a.DedupKey() == c.DedupKey() {
		t.Error("different event types must not collide")
	}

	d := Record{PlanID: "p-2", Type: EventStepStarted, Timestamp: ts}
	if a.DedupKey() == d.DedupKey() {
		t.Error("different plans must not collide")
	}
}
