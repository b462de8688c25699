package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// startEmbeddedNATS runs a JetStream-enabled server on a random port.
func startEmbeddedNATS(t *testing.T) *server.Server {
	t.Helper()
	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1, // Random port
		JetStream: true,
		StoreDir:  t.TempDir(),
	}

	s, err := server.NewServer(opts)
	require.NoError(t, err)

	go s.Start()

	if !s.ReadyForConnections(10 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(s.Shutdown)
	return s
}

func testBus(t *testing.T, s *server.Server) *NATSEventBus {
	t.Helper()
	config := &NATSConfig{
		URL:            s.ClientURL(),
		StreamName:     "TEST_EVENTS",
		StreamSubjects: []string{"lattice.events.>"},
		MaxAge:         time.Hour,
		MaxBytes:       1024 * 1024,
		MaxMsgs:        1000,
		Replicas:       1,
	}

	bus, err := NewNATSEventBus(config, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { bus.Close() })
	return bus
}

func TestNATSEventBus_PublishSubscribe(t *testing.T) {
	s := startEmbeddedNATS(t)
	bus := testBus(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Stream was created with the configured shape.
	info, err := bus.GetStreamInfo()
	require.NoError(t, err)
	assert.Equal(t, "TEST_EVENTS", info.Config.Name)
	assert.Equal(t, []string{"lattice.events.>"}, info.Config.Subjects)

	var (
		mu       sync.Mutex
		received *Event
	)
	done := make(chan struct{})

	handler := EventHandlerFunc(func(ctx context.Context, event *Event) error {
		mu.Lock()
		defer mu.Unlock()
		if received == nil {
			received = event
			close(done)
		}
		return nil
	})
	require.NoError(t, bus.SubscribeToEventType(ctx, EventTypeGroupCreated, handler))

	sent := NewGroupCreatedEvent("engine", &GroupCreatedEvent{
		Group:   "events",
		Shards:  5,
		MaxSize: 25000,
		Strict:  true,
	}, "trace-1")
	require.NoError(t, bus.PublishEvent(ctx, sent))

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("event not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, received)
	assert.Equal(t, sent.ID, received.ID)
	assert.Equal(t, EventTypeGroupCreated, received.Type)
	assert.Equal(t, "events", received.Subject)
	assert.Equal(t, "trace-1", received.TraceID)

	var payload GroupCreatedEvent
	require.NoError(t, ParseEventData(received, &payload))
	assert.Equal(t, 5, payload.Shards)
	assert.True(t, payload.Strict)
}

func TestNATSEventBus_PatternSubscription(t *testing.T) {
	s := startEmbeddedNATS(t)
	bus := testBus(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var (
		mu    sync.Mutex
		types []EventType
	)
	both := make(chan struct{})

	handler := EventHandlerFunc(func(ctx context.Context, event *Event) error {
		mu.Lock()
		defer mu.Unlock()
		types = append(types, event.Type)
		if len(types) == 2 {
			close(both)
		}
		return nil
	})
	// "group.>" covers created, dropped, cleared and status changes.
	require.NoError(t, bus.SubscribeToPattern(ctx, "group.>", handler))

	require.NoError(t, bus.PublishEvent(ctx, NewGroupDroppedEvent("engine", "events", "")))
	require.NoError(t, bus.PublishEvent(ctx, NewGroupClearedEvent("engine", "sessions", 7, "")))

	select {
	case <-both:
	case <-time.After(10 * time.Second):
		t.Fatal("pattern subscription missed events")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []EventType{EventTypeGroupDropped, EventTypeGroupCleared}, types)
}

func TestNATSEventBus_DuplicateDelivery(t *testing.T) {
	s := startEmbeddedNATS(t)
	bus := testBus(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	event := NewGroupDroppedEvent("engine", "events", "")
	require.NoError(t, bus.PublishEvent(ctx, event))
	// Same event ID again: JetStream deduplicates on MsgId.
	require.NoError(t, bus.PublishEvent(ctx, event))

	// Give the stream a moment to settle before counting.
	time.Sleep(100 * time.Millisecond)

	info, err := bus.GetStreamInfo()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.State.Msgs)
}

func TestNATSEventBus_SubscribeTwiceFails(t *testing.T) {
	s := startEmbeddedNATS(t)
	bus := testBus(t, s)

	ctx := context.Background()
	handler := EventHandlerFunc(func(ctx context.Context, event *Event) error { return nil })

	require.NoError(t, bus.SubscribeToEventType(ctx, EventTypeCapacityAlert, handler))
	err := bus.SubscribeToEventType(ctx, EventTypeCapacityAlert, handler)
	assert.Error(t, err)
}

func TestNATSEventBus_Unsubscribe(t *testing.T) {
	s := startEmbeddedNATS(t)
	bus := testBus(t, s)

	ctx := context.Background()
	handler := EventHandlerFunc(func(ctx context.Context, event *Event) error { return nil })

	require.NoError(t, bus.SubscribeToEventType(ctx, EventTypeCapacityAlert, handler))
	require.NoError(t, bus.UnsubscribeFromEventType(EventTypeCapacityAlert))

	// Not subscribed anymore.
	assert.Error(t, bus.UnsubscribeFromEventType(EventTypeCapacityAlert))

	// And the slot is free for a new subscription.
	assert.NoError(t, bus.SubscribeToEventType(ctx, EventTypeCapacityAlert, handler))
}

func TestNATSEventBus_PublishAsync(t *testing.T) {
	s := startEmbeddedNATS(t)
	bus := testBus(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.PublishEventAsync(ctx, NewGroupClearedEvent("engine", "events", i, "")))
	}

	// Async publishes land eventually; poll the stream state.
	require.Eventually(t, func() bool {
		info, err := bus.GetStreamInfo()
		return err == nil && info.State.Msgs == 5
	}, 10*time.Second, 50*time.Millisecond)
}

func TestNATSEventBus_PurgeStream(t *testing.T) {
	s := startEmbeddedNATS(t)
	bus := testBus(t, s)

	ctx := context.Background()
	require.NoError(t, bus.PublishEvent(ctx, NewGroupDroppedEvent("engine", "events", "")))

	require.NoError(t, bus.PurgeStream())

	info, err := bus.GetStreamInfo()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), info.State.Msgs)
}
