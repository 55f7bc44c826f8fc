package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a deployment lifecycle event.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Source    string    `json:"source"`

	Stack        string `json:"stack,omitempty"`
	Environment  string `json:"environment,omitempty"`
	DeploymentID string `json:"deployment_id,omitempty"`

	Message string                 `json:"message"`
	Level   string                 `json:"level"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeDeployStarted    = "deploy.started"
	EventTypeDeployTransition = "deploy.transition"
	EventTypeDeploySucceeded  = "deploy.succeeded"
	EventTypeDeployAborted    = "deploy.aborted"
	EventTypeRecoveryMutation = "recovery.mutation"
	EventTypeBucketRotated    = "bucket.rotated"
	EventTypePolicyViolation  = "policy.violation"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers. Subscribers see events in
// publish order. A nil or disabled publisher drops everything.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	mu          sync.RWMutex
	wg          sync.WaitGroup
	closeOnce   sync.Once
	done        chan struct{}
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) *EventPublisher {
	ep := &EventPublisher{config: cfg, done: make(chan struct{})}
	if cfg.Enabled && cfg.EnableAsync {
		size := cfg.BufferSize
		if size <= 0 {
			size = 1
		}
		ep.buffer = make(chan Event, size)
		ep.wg.Add(1)
		go ep.processEvents()
	}
	return ep
}

// Publish delivers an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	if ep.buffer == nil {
		ep.deliver(event)
		return nil
	}

	select {
	case <-ep.done:
		return fmt.Errorf("event publisher stopped")
	default:
	}
	select {
	case ep.buffer <- event:
		return nil
	default:
		return fmt.Errorf("event buffer full, event %s dropped", event.Type)
	}
}

// Subscribe adds a subscriber. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subscribers = append(ep.subscribers, subscriberEntry{subscriber: subscriber, filter: filter})
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()
	for {
		select {
		case event := <-ep.buffer:
			ep.deliver(event)
		case <-ep.done:
			for {
				select {
				case event := <-ep.buffer:
					ep.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliver(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown drains buffered events and stops the publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || ep.buffer == nil {
		return nil
	}
	ep.closeOnce.Do(func() { close(ep.done) })

	finished := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByType only allows events of the given types.
func FilterByType(types ...string) EventFilter {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(event Event) bool { return set[event.Type] }
}

// FilterByStack only allows events for one stack.
func FilterByStack(stack string) EventFilter {
	return func(event Event) bool { return event.Stack == stack }
}

// FilterByLevel only allows events at or above minLevel.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}
	min := levels[minLevel]
	return func(event Event) bool { return levels[event.Level] >= min }
}
