package eventbus

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event creation helpers for typed events

// NewGroupCreatedEvent creates a new group created event
func NewGroupCreatedEvent(source string, data *GroupCreatedEvent, traceID string) *Event {
	eventData := make(map[string]interface{})
	if jsonData, err := json.Marshal(data); err == nil {
		json.Unmarshal(jsonData, &eventData)
	}

	event := NewEvent(EventTypeGroupCreated, source, data.Group, eventData)
	if traceID != "" {
		event.WithTraceID(traceID)
	}
	return event
}

// NewGroupDroppedEvent creates a new group dropped event
func NewGroupDroppedEvent(source, group string, traceID string) *Event {
	eventData := map[string]interface{}{
		"group":      group,
		"dropped_at": time.Now().UTC(),
	}

	event := NewEvent(EventTypeGroupDropped, source, group, eventData)
	if traceID != "" {
		event.WithTraceID(traceID)
	}
	return event
}

// NewGroupClearedEvent creates a new group cleared event
func NewGroupClearedEvent(source, group string, removed int, traceID string) *Event {
	eventData := map[string]interface{}{
		"group":      group,
		"removed":    removed,
		"cleared_at": time.Now().UTC(),
	}

	event := NewEvent(EventTypeGroupCleared, source, group, eventData)
	if traceID != "" {
		event.WithTraceID(traceID)
	}
	return event
}

// NewGroupStatusChangedEvent creates a new group status changed event
func NewGroupStatusChangedEvent(source string, data *GroupStatusChangedEvent, traceID string) *Event {
	eventData := make(map[string]interface{})
	if jsonData, err := json.Marshal(data); err == nil {
		json.Unmarshal(jsonData, &eventData)
	}

	event := NewEvent(EventTypeGroupStatusChanged, source, data.Group, eventData)
	if traceID != "" {
		event.WithTraceID(traceID)
	}
	return event
}

// NewShardStatusChangedEvent creates a new shard status changed event
func NewShardStatusChangedEvent(source string, data *ShardStatusChangedEvent, traceID string) *Event {
	eventData := make(map[string]interface{})
	if jsonData, err := json.Marshal(data); err == nil {
		json.Unmarshal(jsonData, &eventData)
	}

	subject := fmt.Sprintf("%s.%s", data.Group, data.ShardID)
	event := NewEvent(EventTypeShardStatusChanged, source, subject, eventData)
	if traceID != "" {
		event.WithTraceID(traceID)
	}
	return event
}

// NewCapacityAlertEvent creates a new capacity alert event
func NewCapacityAlertEvent(source string, data *CapacityAlertEvent, traceID string) *Event {
	eventData := make(map[string]interface{})
	if jsonData, err := json.Marshal(data); err == nil {
		json.Unmarshal(jsonData, &eventData)
	}

	event := NewEvent(EventTypeCapacityAlert, source, data.Group, eventData)
	if traceID != "" {
		event.WithTraceID(traceID)
	}
	return event
}

// ParseEventData parses event data into a specific type
func ParseEventData[T any](event *Event, target *T) error {
	jsonData, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	if err := json.Unmarshal(jsonData, target); err != nil {
		return fmt.Errorf("failed to unmarshal event data: %w", err)
	}

	return nil
}
