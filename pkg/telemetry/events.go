package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a notable state change of a run, an item evaluation or a policy.
type Event struct {
	ID            string                 `json:"id"`
	Timestamp     time.Time              `json:"timestamp"`
	Type          string                 `json:"type"`
	Source        string                 `json:"source"`
	RunID         string                 `json:"run_id,omitempty"`
	ItemID        string                 `json:"item_id,omitempty"`
	PolicyVersion int                    `json:"policy_version,omitempty"`
	Message       string                 `json:"message"`
	Level         string                 `json:"level"`
	Data          map[string]interface{} `json:"data,omitempty"`
}

const (
	EventTypePolicyCreated = "policy.created"
	EventTypeRunPrepared   = "run.prepared"
	EventTypeRunDispatched = "run.dispatched"
	EventTypeRunFinalized  = "run.finalized"
	EventTypeRunPromoted   = "run.promoted"
	EventTypeRunCancelled  = "run.cancelled"
	EventTypeRunFailed     = "run.failed"
	EventTypeItemFailed    = "item.failed"
)

// Event levels, lowest first.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

var errPublisherStopped = errors.New("event publisher stopped")

// EventSubscriber receives delivered events. A panic is recovered and the
// event is skipped for that subscriber only.
type EventSubscriber func(event Event)

// EventFilter reports whether an event should be delivered.
type EventFilter func(event Event) bool

type subscription struct {
	fn     EventSubscriber
	accept EventFilter
}

// EventPublisher fans run and policy events out to subscribers.
//
// In async mode Publish only enqueues; one goroutine delivers batches, so
// every subscriber sees events in publish order. A full buffer drops the
// event and Publish returns an error instead of blocking the caller.
type EventPublisher struct {
	config EventsConfig

	mu      sync.RWMutex
	subs    []subscription
	filters []EventFilter

	queue    chan Event
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewEventPublisher creates a publisher. The delivery goroutine starts only
// when cfg enables both events and async delivery.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{config: cfg, stop: make(chan struct{})}
	if !cfg.Enabled || !cfg.EnableAsync {
		return ep, nil
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
	}
	if ep.config.MaxBatchSize <= 0 {
		ep.config.MaxBatchSize = 100
	}
	if ep.config.FlushInterval <= 0 {
		ep.config.FlushInterval = time.Second
	}

	ep.queue = make(chan Event, cfg.BufferSize)
	ep.wg.Add(1)
	go ep.run()
	return ep, nil
}

// Publish stamps event with an id, time and level when missing, then queues
// or delivers it.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}
	stamp(&event)
	if !ep.admit(event) {
		return nil
	}

	if !ep.config.EnableAsync {
		ep.deliver(event)
		return nil
	}

	select {
	case <-ep.stop:
		return errPublisherStopped
	default:
	}
	select {
	case ep.queue <- event:
		return nil
	default:
		return fmt.Errorf("event buffer full, %s event dropped", event.Type)
	}
}

func stamp(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}
}

// Subscribe registers fn. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	ep.subs = append(ep.subs, subscription{fn: fn, accept: filter})
	ep.mu.Unlock()
}

// AddFilter adds a filter every event must pass before any subscriber sees it.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	ep.filters = append(ep.filters, filter)
	ep.mu.Unlock()
}

func (ep *EventPublisher) admit(event Event) bool {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, f := range ep.filters {
		if !f(event) {
			return false
		}
	}
	return true
}

func (ep *EventPublisher) run() {
	defer ep.wg.Done()

	ticker := time.NewTicker(ep.config.FlushInterval)
	defer ticker.Stop()

	pending := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, event := range pending {
			ep.deliver(event)
		}
		pending = pending[:0]
	}

	for {
		select {
		case event := <-ep.queue:
			if pending = append(pending, event); len(pending) >= ep.config.MaxBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ep.stop:
			for {
				select {
				case event := <-ep.queue:
					pending = append(pending, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliver(event Event) {
	ep.mu.RLock()
	subs := append([]subscription(nil), ep.subs...)
	ep.mu.RUnlock()

	for _, s := range subs {
		if s.accept == nil || s.accept(event) {
			callSubscriber(s.fn, event)
		}
	}
}

func callSubscriber(fn EventSubscriber, event Event) {
	defer func() { _ = recover() }()
	fn(event)
}

// Shutdown rejects further events and waits for queued ones to be delivered,
// or for ctx to end.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	ep.stopOnce.Do(func() { close(ep.stop) })

	drained := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

func levelRank(level string) int {
	switch level {
	case EventLevelError:
		return 2
	case EventLevelWarning:
		return 1
	default:
		return 0
	}
}

// FilterByLevel accepts events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	floor := levelRank(minLevel)
	return func(e Event) bool { return levelRank(e.Level) >= floor }
}

func FilterByType(types ...string) EventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(e Event) bool {
		_, ok := set[e.Type]
		return ok
	}
}

func FilterByRunID(runID string) EventFilter {
	return func(e Event) bool { return e.RunID == runID }
}
