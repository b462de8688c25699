package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lattice-storage/lattice/internal/containerdb"
	"github.com/lattice-storage/lattice/internal/eventbus"
	"github.com/lattice-storage/lattice/internal/logging"
	"github.com/lattice-storage/lattice/internal/models"
	"github.com/lattice-storage/lattice/internal/storage"
)

// recordingBus captures published events for assertions.
type recordingBus struct {
	mu     sync.Mutex
	events []*eventbus.Event
}

func (b *recordingBus) PublishEvent(ctx context.Context, ev *eventbus.Event) error {
	return b.record(ev)
}

func (b *recordingBus) PublishEventAsync(ctx context.Context, ev *eventbus.Event) error {
	return b.record(ev)
}

func (b *recordingBus) Close() error { return nil }

func (b *recordingBus) record(ev *eventbus.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

func (b *recordingBus) ofType(eventType eventbus.EventType) []*eventbus.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*eventbus.Event
	for _, ev := range b.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func testEngine(t *testing.T) (*Engine, *recordingBus) {
	t.Helper()
	db, err := containerdb.Create(filepath.Join(t.TempDir(), "containers.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	bus := &recordingBus{}
	e, err := Open(context.Background(), db, bus, logging.FromZap(zaptest.NewLogger(t)))
	require.NoError(t, err)
	return e, bus
}

func TestOpenRestoresPersistedGroups(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "containers.db")
	logger := logging.FromZap(zaptest.NewLogger(t))

	db, err := containerdb.Create(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	e, err := Open(ctx, db, nil, logger)
	require.NoError(t, err)

	_, err = e.CreateGroup(ctx, "alpha", models.SizingSpec{TotalShards: 2, MaxShardCapacity: 10})
	require.NoError(t, err)
	require.NoError(t, e.Create(ctx, "alpha", "a", []byte("1")))
	require.NoError(t, e.Create(ctx, "alpha", "b", []byte("2")))
	require.NoError(t, db.Close())

	db, err = containerdb.Load(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer db.Close()

	restored, err := Open(ctx, db, nil, logger)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha"}, restored.Names())

	v, err := restored.Read(ctx, "alpha", "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	stats, err := restored.Stats("alpha")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Size)
	assert.Equal(t, 20, stats.MaxSize)
}

func TestCreateGroupValidation(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t)

	_, err := e.CreateGroup(ctx, "", models.SizingSpec{TotalShards: 1})
	assert.ErrorIs(t, err, ErrInvalidGroupName)

	_, err = e.CreateGroup(ctx, "unsized", models.SizingSpec{})
	assert.ErrorIs(t, err, storage.ErrNoSizing)

	_, err = e.CreateGroup(ctx, "taken", models.SizingSpec{TotalShards: 1, MaxShardCapacity: 5})
	require.NoError(t, err)
	_, err = e.CreateGroup(ctx, "taken", models.SizingSpec{TotalShards: 3})
	assert.ErrorIs(t, err, ErrGroupExists)
}

func TestCreateGroupLayout(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t)

	manifest, err := e.CreateGroup(ctx, "custom", models.SizingSpec{
		MaxShardCapacity: 15,
		Layout:           map[int]int{0: 10, 2: 5},
	})
	require.NoError(t, err)

	require.Len(t, manifest.Shards, 3, "gap between layout positions is filled")
	assert.Equal(t, 10, manifest.Shards[0].MaxSize)
	assert.Equal(t, 15, manifest.Shards[1].MaxSize)
	assert.Equal(t, 5, manifest.Shards[2].MaxSize)
	for i, sh := range manifest.Shards {
		assert.Equal(t, i, sh.Index)
		assert.NotEqual(t, "00000000-0000-0000-0000-000000000000", sh.ID.String())
	}
	assert.Equal(t, 30, manifest.MaxSize())

	stored, err := e.Manifest("custom")
	require.NoError(t, err)
	assert.Equal(t, manifest, stored)
}

func TestCreateGroupPublishesEvent(t *testing.T) {
	ctx := context.Background()
	e, bus := testEngine(t)

	_, err := e.CreateGroup(ctx, "alpha", models.SizingSpec{TotalShards: 2, MaxShardCapacity: 10, Strict: true})
	require.NoError(t, err)

	created := bus.ofType(eventbus.EventTypeGroupCreated)
	require.Len(t, created, 1)
	assert.Equal(t, "alpha", created[0].Subject)

	var data eventbus.GroupCreatedEvent
	require.NoError(t, eventbus.ParseEventData(created[0], &data))
	assert.Equal(t, "alpha", data.Group)
	assert.Equal(t, 2, data.Shards)
	assert.Equal(t, 20, data.MaxSize)
	assert.True(t, data.Strict)
}

func TestObjectCreateReadDelete(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t)

	_, err := e.CreateGroup(ctx, "g", models.SizingSpec{TotalShards: 2, MaxShardCapacity: 10})
	require.NoError(t, err)

	require.NoError(t, e.Create(ctx, "g", "a", []byte("first")))
	assert.ErrorIs(t, e.Create(ctx, "g", "a", []byte("second")), ErrObjectExists)

	v, err := e.Read(ctx, "g", "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), v, "create must not overwrite")

	_, err = e.Read(ctx, "g", "missing")
	assert.ErrorIs(t, err, storage.ErrKeyNotFound)

	v, err = e.ReadOr(ctx, "g", "missing", []byte("fallback"))
	require.NoError(t, err)
	assert.Equal(t, []byte("fallback"), v)
	v, err = e.ReadOr(ctx, "g", "a", []byte("fallback"))
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), v)

	removed, err := e.Delete(ctx, "g", "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), removed)
	_, err = e.Delete(ctx, "g", "a")
	assert.ErrorIs(t, err, storage.ErrKeyNotFound)
}

func TestCreateRefusedAtCapacity(t *testing.T) {
	ctx := context.Background()
	e, bus := testEngine(t)

	_, err := e.CreateGroup(ctx, "tight", models.SizingSpec{TotalShards: 1, MaxShardCapacity: 2, Strict: true})
	require.NoError(t, err)

	require.NoError(t, e.Create(ctx, "tight", "a", []byte("1")))
	require.NoError(t, e.Create(ctx, "tight", "b", []byte("2")))
	assert.ErrorIs(t, e.Create(ctx, "tight", "c", []byte("3")), storage.ErrCapacityExceeded)

	stats, err := e.Stats("tight")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Size)
	assert.Equal(t, models.StatusCritical, stats.Status)

	alerts := bus.ofType(eventbus.EventTypeCapacityAlert)
	require.Len(t, alerts, 1)
	var alert eventbus.CapacityAlertEvent
	require.NoError(t, eventbus.ParseEventData(alerts[0], &alert))
	assert.Equal(t, 2, alert.Size)
	assert.Equal(t, 2, alert.MaxSize)
}

func TestUpdateReturnsPrevious(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t)

	_, err := e.CreateGroup(ctx, "g", models.SizingSpec{TotalShards: 2, MaxShardCapacity: 10})
	require.NoError(t, err)

	previous, existed, err := e.Update(ctx, "g", "a", []byte("v1"))
	require.NoError(t, err)
	assert.False(t, existed)
	assert.Nil(t, previous)

	previous, existed, err = e.Update(ctx, "g", "a", []byte("v2"))
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, []byte("v1"), previous)

	v, err := e.Read(ctx, "g", "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), v)
}

func TestUpdateBatchIsAtomic(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t)

	_, err := e.CreateGroup(ctx, "tight", models.SizingSpec{TotalShards: 1, MaxShardCapacity: 2, Strict: true})
	require.NoError(t, err)

	err = e.UpdateBatch(ctx, "tight", map[string][]byte{
		"a": []byte("1"),
		"b": []byte("2"),
		"c": []byte("3"),
	})
	assert.ErrorIs(t, err, storage.ErrCapacityExceeded)

	stats, err := e.Stats("tight")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Size, "an oversized batch must not land partially")

	require.NoError(t, e.UpdateBatch(ctx, "tight", map[string][]byte{
		"a": []byte("1"),
		"b": []byte("2"),
	}))
	stats, err = e.Stats("tight")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Size)
}

func TestClearGroupReportsRemoved(t *testing.T) {
	ctx := context.Background()
	e, bus := testEngine(t)

	_, err := e.CreateGroup(ctx, "g", models.SizingSpec{TotalShards: 2, MaxShardCapacity: 10})
	require.NoError(t, err)
	for _, key := range []string{"a", "b", "c"} {
		require.NoError(t, e.Create(ctx, "g", key, []byte(key)))
	}

	removed, err := e.ClearGroup(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	stats, err := e.Stats("g")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Size)
	assert.Equal(t, 20, stats.MaxSize, "capacity survives a clear")

	cleared := bus.ofType(eventbus.EventTypeGroupCleared)
	require.Len(t, cleared, 1)
	assert.Equal(t, "g", cleared[0].Subject)
	assert.Equal(t, 3, cleared[0].Data["removed"])
}

func TestDropGroup(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "containers.db")
	logger := logging.FromZap(zaptest.NewLogger(t))

	db, err := containerdb.Create(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	bus := &recordingBus{}
	e, err := Open(ctx, db, bus, logger)
	require.NoError(t, err)

	_, err = e.CreateGroup(ctx, "doomed", models.SizingSpec{TotalShards: 2, MaxShardCapacity: 10})
	require.NoError(t, err)
	require.NoError(t, e.Create(ctx, "doomed", "a", []byte("1")))

	require.NoError(t, e.DropGroup(ctx, "doomed"))
	assert.Empty(t, e.Names())
	_, err = e.Read(ctx, "doomed", "a")
	assert.ErrorIs(t, err, ErrGroupNotFound)
	assert.ErrorIs(t, e.DropGroup(ctx, "doomed"), ErrGroupNotFound)

	dropped := bus.ofType(eventbus.EventTypeGroupDropped)
	require.Len(t, dropped, 1)
	assert.Equal(t, "doomed", dropped[0].Subject)

	// The drop reaches disk, not just the registry.
	require.NoError(t, db.Close())
	db, err = containerdb.Load(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer db.Close()
	restored, err := Open(ctx, db, nil, logger)
	require.NoError(t, err)
	assert.Empty(t, restored.Names())
}

func TestStatsShape(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t)

	// Shard capacities 10 and 40; keys a, c route to position 1 and b
	// to position 0 under two-shard modulo routing.
	_, err := e.CreateGroup(ctx, "g", models.SizingSpec{
		TotalShards:      2,
		MaxShardCapacity: 10,
		Layout:           map[int]int{1: 40},
	})
	require.NoError(t, err)
	for _, key := range []string{"a", "b", "c"} {
		require.NoError(t, e.Create(ctx, "g", key, []byte(key)))
	}

	stats, err := e.Stats("g")
	require.NoError(t, err)
	assert.Equal(t, "g", stats.Name)
	assert.Equal(t, 3, stats.Size)
	assert.Equal(t, 50, stats.MaxSize)
	assert.Equal(t, 40, stats.MaxShardCapacity)
	assert.InEpsilon(t, 0.06, stats.Usage, 1e-9)
	assert.InEpsilon(t, 0.1, stats.HighestShardUsage, 1e-9)
	assert.InEpsilon(t, 0.05, stats.LowestShardUsage, 1e-9)
	assert.Equal(t, models.StatusHealthy, stats.Status)
	assert.False(t, stats.CollectedAt.IsZero())

	require.Len(t, stats.Shards, 2)
	assert.Equal(t, 1, stats.Shards[0].Size)
	assert.Equal(t, 10, stats.Shards[0].MaxSize)
	assert.Equal(t, 2, stats.Shards[1].Size)
	assert.Equal(t, 40, stats.Shards[1].MaxSize)

	all := e.StatsAll()
	require.Len(t, all, 1)
	assert.Equal(t, "g", all[0].Name)
}

func TestHealthTransitionEvents(t *testing.T) {
	ctx := context.Background()
	e, bus := testEngine(t)

	_, err := e.CreateGroup(ctx, "hot", models.SizingSpec{TotalShards: 1, MaxShardCapacity: 10})
	require.NoError(t, err)

	for i := 1; i <= 9; i++ {
		require.NoError(t, e.Create(ctx, "hot", fmt.Sprintf("k%d", i), []byte("v")))
	}

	groupChanges := bus.ofType(eventbus.EventTypeGroupStatusChanged)
	require.Len(t, groupChanges, 4, "one event per grade boundary crossed")

	var first eventbus.GroupStatusChangedEvent
	require.NoError(t, eventbus.ParseEventData(groupChanges[0], &first))
	assert.Equal(t, models.StatusHealthy, first.OldStatus)
	assert.Equal(t, models.StatusAcceptable, first.NewStatus)
	assert.InEpsilon(t, 0.6, first.Usage, 1e-9)

	var last eventbus.GroupStatusChangedEvent
	require.NoError(t, eventbus.ParseEventData(groupChanges[3], &last))
	assert.Equal(t, models.StatusWarning, last.OldStatus)
	assert.Equal(t, models.StatusCritical, last.NewStatus)

	assert.Len(t, bus.ofType(eventbus.EventTypeShardStatusChanged), 4)

	alerts := bus.ofType(eventbus.EventTypeCapacityAlert)
	require.Len(t, alerts, 1)
	var alert eventbus.CapacityAlertEvent
	require.NoError(t, eventbus.ParseEventData(alerts[0], &alert))
	assert.Equal(t, 9, alert.Size)
	assert.Equal(t, 10, alert.MaxSize)
	assert.Equal(t, models.StatusCritical, alert.Status)

	// Dropping back below the critical band reports the improvement
	// without another alert.
	_, err = e.Delete(ctx, "hot", "k1")
	require.NoError(t, err)

	groupChanges = bus.ofType(eventbus.EventTypeGroupStatusChanged)
	require.Len(t, groupChanges, 5)
	var recovered eventbus.GroupStatusChangedEvent
	require.NoError(t, eventbus.ParseEventData(groupChanges[4], &recovered))
	assert.Equal(t, models.StatusCritical, recovered.OldStatus)
	assert.Equal(t, models.StatusWarning, recovered.NewStatus)
	assert.Len(t, bus.ofType(eventbus.EventTypeCapacityAlert), 1)
}

func TestGrowthPlan(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t)

	_, err := e.CreateGroup(ctx, "even", models.SizingSpec{TotalShards: 2, MaxShardCapacity: 10})
	require.NoError(t, err)

	plan, err := e.GrowthPlan("even")
	require.NoError(t, err)
	assert.Equal(t, models.GrowthPlan{
		Group:            "even",
		CurrentShards:    2,
		CurrentMaxSize:   20,
		NextShards:       3,
		ProjectedMaxSize: 30,
	}, plan)

	// With uneven shards the plan sizes by the largest capacity.
	_, err = e.CreateGroup(ctx, "uneven", models.SizingSpec{
		TotalShards:      2,
		MaxShardCapacity: 10,
		Layout:           map[int]int{1: 40},
	})
	require.NoError(t, err)

	plan, err = e.GrowthPlan("uneven")
	require.NoError(t, err)
	assert.Equal(t, 50, plan.CurrentMaxSize)
	assert.Equal(t, 2, plan.NextShards)
	assert.Equal(t, 80, plan.ProjectedMaxSize)
}

func TestUnknownGroupErrors(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t)

	_, err := e.Group("ghost")
	assert.ErrorIs(t, err, ErrGroupNotFound)
	_, err = e.Manifest("ghost")
	assert.ErrorIs(t, err, ErrGroupNotFound)
	assert.ErrorIs(t, e.Create(ctx, "ghost", "k", nil), ErrGroupNotFound)
	_, err = e.Read(ctx, "ghost", "k")
	assert.ErrorIs(t, err, ErrGroupNotFound)
	_, _, err = e.Update(ctx, "ghost", "k", nil)
	assert.ErrorIs(t, err, ErrGroupNotFound)
	assert.ErrorIs(t, e.UpdateBatch(ctx, "ghost", nil), ErrGroupNotFound)
	_, err = e.Delete(ctx, "ghost", "k")
	assert.ErrorIs(t, err, ErrGroupNotFound)
	_, err = e.Stats("ghost")
	assert.ErrorIs(t, err, ErrGroupNotFound)
	_, err = e.ClearGroup(ctx, "ghost")
	assert.ErrorIs(t, err, ErrGroupNotFound)
	_, err = e.GrowthPlan("ghost")
	assert.ErrorIs(t, err, ErrGroupNotFound)
	assert.ErrorIs(t, e.DropGroup(ctx, "ghost"), ErrGroupNotFound)
}

func TestGroupHandleSeesEngineWrites(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t)

	_, err := e.CreateGroup(ctx, "g", models.SizingSpec{TotalShards: 2, MaxShardCapacity: 10})
	require.NoError(t, err)

	g, err := e.Group("g")
	require.NoError(t, err)

	require.NoError(t, e.Create(ctx, "g", "a", []byte("1")))
	assert.True(t, g.Has("a"))
	assert.Equal(t, []string{"a"}, g.Keys())
}

func TestScans(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t)

	_, err := e.CreateGroup(ctx, "g", models.SizingSpec{TotalShards: 3, MaxShardCapacity: 10})
	require.NoError(t, err)

	for _, k := range []string{"d", "a", "c", "b", "e"} {
		require.NoError(t, e.Create(ctx, "g", k, []byte("v-"+k)))
	}

	keys, err := e.Keys("g", "", "", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, keys)

	keys, err = e.Keys("g", "b", "d", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "d"}, keys)

	keys, err = e.Keys("g", "", "", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)

	items, err := e.Items("g", "b", "", 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "b", items[0].Key)
	assert.Equal(t, []byte("v-b"), items[0].Value)
	assert.Equal(t, "c", items[1].Key)

	min, max, err := e.Extrema("g")
	require.NoError(t, err)
	assert.Equal(t, "a", min)
	assert.Equal(t, "e", max)

	// Scans on unknown groups fail like everything else.
	_, err = e.Keys("ghost", "", "", 0)
	assert.ErrorIs(t, err, ErrGroupNotFound)
	_, err = e.Items("ghost", "", "", 0)
	assert.ErrorIs(t, err, ErrGroupNotFound)
	_, _, err = e.Extrema("ghost")
	assert.ErrorIs(t, err, ErrGroupNotFound)
}

func TestExtremaEmptyGroup(t *testing.T) {
	ctx := context.Background()
	e, _ := testEngine(t)

	_, err := e.CreateGroup(ctx, "g", models.SizingSpec{TotalShards: 2, MaxShardCapacity: 10})
	require.NoError(t, err)

	_, _, err = e.Extrema("g")
	assert.ErrorIs(t, err, storage.ErrEmptyGroup)

	keys, err := e.Keys("g", "", "", 0)
	require.NoError(t, err)
	assert.Empty(t, keys)
}
