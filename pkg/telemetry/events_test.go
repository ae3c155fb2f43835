package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"
)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) subscribe(event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *collector) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Type)
	}
	return out
}

func TestEventPublisher_Sync(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}

	all := &collector{}
	failures := &collector{}
	ep.Subscribe(all.subscribe, nil)
	ep.Subscribe(failures.subscribe, FilterByLevel(EventLevelWarning))

	_ = ep.Publish(Event{Type: EventTypeRunPrepared, RunID: "r-1"})
	_ = ep.Publish(Event{Type: EventTypeItemFailed, RunID: "r-1", ItemID: "tt1", Level: EventLevelWarning})
	_ = ep.Publish(Event{Type: EventTypeRunFailed, RunID: "r-1", Level: EventLevelError})

	if got := all.types(); len(got) != 3 || got[0] != EventTypeRunPrepared {
		t.Fatalf("expected 3 events in publish order, got %v", got)
	}
	if got := failures.types(); len(got) != 2 {
		t.Errorf("expected 2 warning-or-worse events, got %v", got)
	}

	first := all.events[0]
	if first.ID == "" || first.Timestamp.IsZero() || first.Level != EventLevelInfo {
		t.Errorf("expected id, timestamp and default level to be filled, got %+v", first)
	}
}

func TestEventPublisher_AsyncDrainsOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{
		Enabled:       true,
		EnableAsync:   true,
		BufferSize:    100,
		MaxBatchSize:  10,
		FlushInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}

	c := &collector{}
	ep.Subscribe(c.subscribe, FilterByRunID("r-2"))

	for i := 0; i < 25; i++ {
		runID := "r-1"
		if i%5 == 0 {
			runID = "r-2"
		}
		if err := ep.Publish(Event{Type: EventTypeItemFailed, RunID: runID}); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	if got := len(c.types()); got != 5 {
		t.Errorf("expected 5 events for r-2, got %d", got)
	}
	if err := ep.Publish(Event{Type: EventTypeRunPrepared}); err == nil {
		t.Error("expected publish after shutdown to fail")
	}
}

func TestEventPublisher_BufferFull(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{
		Enabled:       true,
		EnableAsync:   true,
		BufferSize:    1,
		MaxBatchSize:  1,
		FlushInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}

	block := make(chan struct{})
	ep.Subscribe(func(Event) { <-block }, nil)

	var dropped bool
	for i := 0; i < 10 && !dropped; i++ {
		dropped = ep.Publish(Event{Type: EventTypeItemFailed}) != nil
	}
	close(block)
	_ = ep.Shutdown(context.Background())

	if !dropped {
		t.Error("expected a full buffer to reject events")
	}
}

func TestEventPublisher_Disabled(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{})
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}
	c := &collector{}
	ep.Subscribe(c.subscribe, nil)

	if err := ep.Publish(Event{Type: EventTypeRunPrepared}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(c.types()) != 0 {
		t.Error("disabled publisher must not deliver")
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Errorf("unexpected shutdown error: %v", err)
	}
}

func TestEventPublisher_GlobalFilterAndPanickingSubscriber(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{Enabled: true})
	ep.AddFilter(FilterByType(EventTypeRunPromoted, EventTypeRunCancelled))

	c := &collector{}
	ep.Subscribe(func(Event) { panic("boom") }, nil)
	ep.Subscribe(c.subscribe, FilterByLevel(EventLevelInfo))

	_ = ep.Publish(Event{Type: EventTypeRunPrepared})
	_ = ep.Publish(Event{Type: EventTypeRunPromoted})

	if got := c.types(); len(got) != 1 || got[0] != EventTypeRunPromoted {
		t.Errorf("expected only the promoted event, got %v", got)
	}
}
