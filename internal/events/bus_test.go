package events

import (
	"testing"
	"time"
)

func waitFor(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for event")
		return Event{}
	}
}

func TestPublish_TypedAndAllSubscribers(t *testing.T) {
	bus := NewEventBus()
	typed := make(chan Event, 1)
	all := make(chan Event, 2)

	bus.Subscribe(EventPlanCompleted, func(e Event) { typed <- e })
	bus.SubscribeAll(func(e Event) { all <- e })

	bus.PublishPlanCompleted("sub-1", "plan-a", "12.5")
	bus.PublishWeekRecorded("sub-1", 3, "300", "300", true)

	ev := waitFor(t, typed)
	if ev.Data["plan_id"] != "plan-a" {
		t.Errorf("Expected plan-a, got %v", ev.Data["plan_id"])
	}
	if ev.Timestamp.IsZero() {
		t.Error("Expected timestamp to be set")
	}

	seen := map[EventType]bool{}
	seen[waitFor(t, all).Type] = true
	seen[waitFor(t, all).Type] = true
	if !seen[EventPlanCompleted] || !seen[EventWeekRecorded] {
		t.Errorf("Expected both events on the all-subscriber, got %v", seen)
	}

	select {
	case ev := <-typed:
		t.Errorf("Typed subscriber received unrelated event %s", ev.Type)
	case <-time.After(20 * time.Millisecond):
	}
}
