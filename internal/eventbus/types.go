package eventbus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	// Group lifecycle events
	EventTypeGroupCreated EventType = "group.created"
	EventTypeGroupDropped EventType = "group.dropped"
	EventTypeGroupCleared EventType = "group.cleared"

	// Health events
	EventTypeGroupStatusChanged EventType = "group.status.changed"
	EventTypeShardStatusChanged EventType = "shard.status.changed"

	// Alert events
	EventTypeCapacityAlert EventType = "capacity.alert"
)

// Event represents a generic event in the system
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	Subject   string                 `json:"subject"`
	Data      map[string]interface{} `json:"data"`
	TraceID   string                 `json:"trace_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version"`
}

// NewEvent creates a new event with generated ID and timestamp
func NewEvent(eventType EventType, source, subject string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Subject:   subject,
		Data:      data,
		Timestamp: time.Now().UTC(),
		Version:   "1.0",
	}
}

// WithTraceID adds a trace ID to the event
func (e *Event) WithTraceID(traceID string) *Event {
	e.TraceID = traceID
	return e
}

// GroupCreatedEvent carries the sizing of a freshly built group
type GroupCreatedEvent struct {
	Group   string `json:"group"`
	Shards  int    `json:"shards"`
	MaxSize int    `json:"max_size"`
	Strict  bool   `json:"strict"`
}

// GroupStatusChangedEvent marks a group moving between health grades
type GroupStatusChangedEvent struct {
	Group     string  `json:"group"`
	OldStatus string  `json:"old_status"`
	NewStatus string  `json:"new_status"`
	Usage     float64 `json:"usage"`
}

// ShardStatusChangedEvent marks one shard moving between health grades
type ShardStatusChangedEvent struct {
	Group     string  `json:"group"`
	ShardID   string  `json:"shard_id"`
	Position  int     `json:"position"`
	OldStatus string  `json:"old_status"`
	NewStatus string  `json:"new_status"`
	Usage     float64 `json:"usage"`
}

// CapacityAlertEvent fires when a group runs into its critical band
type CapacityAlertEvent struct {
	Group   string  `json:"group"`
	Status  string  `json:"status"`
	Size    int     `json:"size"`
	MaxSize int     `json:"max_size"`
	Usage   float64 `json:"usage"`
}

// EventHandler defines the interface for handling events
type EventHandler interface {
	Handle(ctx context.Context, event *Event) error
}

// EventHandlerFunc is a function adapter for EventHandler
type EventHandlerFunc func(ctx context.Context, event *Event) error

func (f EventHandlerFunc) Handle(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// Publisher defines the interface for publishing events
type Publisher interface {
	PublishEvent(ctx context.Context, event *Event) error
	PublishEventAsync(ctx context.Context, event *Event) error
	Close() error
}

// Subscriber defines the interface for subscribing to events
type Subscriber interface {
	SubscribeToEventType(ctx context.Context, eventType EventType, handler EventHandler) error
	SubscribeToPattern(ctx context.Context, pattern string, handler EventHandler) error
	UnsubscribeFromEventType(eventType EventType) error
	Close() error
}

// EventBus defines the interface for event publishing and subscription
type EventBus interface {
	PublishEvent(ctx context.Context, event *Event) error
	PublishEventAsync(ctx context.Context, event *Event) error
	SubscribeToEventType(ctx context.Context, eventType EventType, handler EventHandler) error
	SubscribeToPattern(ctx context.Context, pattern string, handler EventHandler) error
	UnsubscribeFromEventType(eventType EventType) error
	Close() error
}

// NoopBus is an EventBus that drops everything. It stands in when
// eventing is disabled so callers never need a nil check.
type NoopBus struct{}

// NewNoopBus returns a bus that accepts and discards all events.
func NewNoopBus() *NoopBus { return &NoopBus{} }

func (n *NoopBus) PublishEvent(ctx context.Context, event *Event) error      { return nil }
func (n *NoopBus) PublishEventAsync(ctx context.Context, event *Event) error { return nil }

func (n *NoopBus) SubscribeToEventType(ctx context.Context, eventType EventType, handler EventHandler) error {
	return nil
}

func (n *NoopBus) SubscribeToPattern(ctx context.Context, pattern string, handler EventHandler) error {
	return nil
}

func (n *NoopBus) UnsubscribeFromEventType(eventType EventType) error { return nil }
func (n *NoopBus) Close() error                                       { return nil }

var _ EventBus = (*NoopBus)(nil)
