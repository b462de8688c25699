// Package engine serves named shard groups out of one container
// database. Groups restore from their persisted manifests on open and
// stay fully in memory afterwards; every mutation writes through to
// the database, and health-grade transitions go out on the event bus.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lattice-storage/lattice/internal/containerdb"
	"github.com/lattice-storage/lattice/internal/eventbus"
	"github.com/lattice-storage/lattice/internal/keyspace"
	"github.com/lattice-storage/lattice/internal/logging"
	"github.com/lattice-storage/lattice/internal/models"
	"github.com/lattice-storage/lattice/internal/storage"
)

// eventSource tags events published by this component.
const eventSource = "engine"

// Engine is the serving layer over one container database: a registry
// of named groups, object CRUD on top of them, and health reporting
// around every write.
//
// All methods are safe for concurrent use.
type Engine struct {
	db     *containerdb.DB
	logger logging.Logger
	bus    eventbus.Publisher

	mu     sync.RWMutex
	groups map[string]*managedGroup
}

// managedGroup pairs a live group with its persisted manifest and the
// last health grades reported for it.
type managedGroup struct {
	manifest models.GroupManifest
	group    *storage.Group

	healthMu    sync.Mutex
	groupStatus storage.Status
	shardStatus map[uuid.UUID]storage.Status
}

func newManagedGroup(m models.GroupManifest, g *storage.Group) *managedGroup {
	mg := &managedGroup{
		manifest:    m,
		group:       g,
		groupStatus: g.Status(),
		shardStatus: make(map[uuid.UUID]storage.Status, g.ShardCount()),
	}
	for _, sh := range g.Shards() {
		mg.shardStatus[sh.ID()] = sh.Status()
	}
	return mg
}

// Open loads every group persisted in db and returns an engine serving
// them. A nil bus drops events; a nil logger falls back to the global
// one.
func Open(ctx context.Context, db *containerdb.DB, bus eventbus.Publisher, logger logging.Logger) (*Engine, error) {
	if logger == nil {
		logger = logging.GetLogger()
	}
	if bus == nil {
		bus = eventbus.NewNoopBus()
	}
	e := &Engine{db: db, logger: logger, bus: bus}
	if err := e.reload(ctx); err != nil {
		return nil, err
	}
	e.logger.Info(ctx, "Storage engine opened",
		zap.String("database", db.Path()),
		zap.Int("groups", len(e.groups)))
	return e, nil
}

// reload replaces the registry with the groups persisted in the
// database.
func (e *Engine) reload(ctx context.Context) error {
	manifests, err := e.db.Manifests(ctx)
	if err != nil {
		return fmt.Errorf("load manifests: %w", err)
	}
	groups := make(map[string]*managedGroup, len(manifests))
	for _, m := range manifests {
		g, err := e.restoreGroup(ctx, m)
		if err != nil {
			return err
		}
		groups[m.Name] = newManagedGroup(m, g)
	}
	e.mu.Lock()
	e.groups = groups
	e.mu.Unlock()
	return nil
}

func (e *Engine) restoreGroup(ctx context.Context, m models.GroupManifest) (*storage.Group, error) {
	states := make([]storage.ShardState, len(m.Shards))
	for i, sh := range m.Shards {
		entries, err := e.db.LoadEntries(ctx, sh.ID)
		if err != nil {
			return nil, fmt.Errorf("load group %q: %w", m.Name, err)
		}
		states[i] = storage.ShardState{ID: sh.ID, MaxSize: sh.MaxSize, Entries: entries}
	}
	g, err := storage.Restore(states, m.Strict, e.db.Provider())
	if err != nil {
		return nil, fmt.Errorf("restore group %q: %w", m.Name, err)
	}
	return g, nil
}

// CreateGroup builds a group from spec, persists its manifest, and
// registers it under name.
func (e *Engine) CreateGroup(ctx context.Context, name string, spec models.SizingSpec) (models.GroupManifest, error) {
	if name == "" {
		return models.GroupManifest{}, ErrInvalidGroupName
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.groups[name]; ok {
		return models.GroupManifest{}, fmt.Errorf("group %q: %w", name, ErrGroupExists)
	}

	group, err := storage.Build(storage.Options{
		TotalShards:      spec.TotalShards,
		MaxShardCapacity: spec.MaxShardCapacity,
		Strict:           spec.Strict,
		Layout:           spec.Layout,
		Provider:         e.db.Provider(),
	})
	if err != nil {
		return models.GroupManifest{}, fmt.Errorf("build group %q: %w", name, err)
	}

	manifest := models.GroupManifest{
		Name:      name,
		Strict:    spec.Strict,
		CreatedAt: time.Now().UTC(),
	}
	for i, sh := range group.Shards() {
		manifest.Shards = append(manifest.Shards, models.ShardManifest{
			ID:      sh.ID(),
			Index:   i,
			MaxSize: sh.MaxSize(),
		})
	}
	if err := e.db.SaveManifest(ctx, manifest); err != nil {
		if errors.Is(err, containerdb.ErrManifestExists) {
			err = fmt.Errorf("group %q: %w", name, ErrGroupExists)
		}
		return models.GroupManifest{}, err
	}
	e.groups[name] = newManagedGroup(manifest, group)

	e.logger.Info(ctx, "Group created",
		zap.String("group", name),
		zap.Int("shards", group.ShardCount()),
		zap.Int("max_size", group.MaxSize()),
		zap.Bool("strict", spec.Strict))
	e.send(ctx, eventbus.NewGroupCreatedEvent(eventSource, &eventbus.GroupCreatedEvent{
		Group:   name,
		Shards:  group.ShardCount(),
		MaxSize: group.MaxSize(),
		Strict:  spec.Strict,
	}, extractTraceID(ctx)))
	return manifest, nil
}

// Group returns the live group registered under name. The handle is a
// direct view: reads and range scans on it see writes made through the
// engine immediately.
func (e *Engine) Group(name string) (*storage.Group, error) {
	mg, err := e.managed(name)
	if err != nil {
		return nil, err
	}
	return mg.group, nil
}

// Manifest returns the persisted identity of the group.
func (e *Engine) Manifest(name string) (models.GroupManifest, error) {
	mg, err := e.managed(name)
	if err != nil {
		return models.GroupManifest{}, err
	}
	return mg.manifest, nil
}

func (e *Engine) managed(name string) (*managedGroup, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	mg, ok := e.groups[name]
	if !ok {
		return nil, fmt.Errorf("group %q: %w", name, ErrGroupNotFound)
	}
	return mg, nil
}

// DropGroup removes the group and every entry it holds, in memory and
// on disk.
func (e *Engine) DropGroup(ctx context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.groups[name]; !ok {
		return fmt.Errorf("group %q: %w", name, ErrGroupNotFound)
	}
	if err := e.db.DropGroup(ctx, name); err != nil {
		return err
	}
	delete(e.groups, name)

	e.logger.Info(ctx, "Group dropped", zap.String("group", name))
	e.send(ctx, eventbus.NewGroupDroppedEvent(eventSource, name, extractTraceID(ctx)))
	return nil
}

// Names returns the registered group names in lexical order.
func (e *Engine) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.groups))
	for name := range e.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ClearGroup removes every object from the group and reports how many
// went. Capacity and shard identities survive.
func (e *Engine) ClearGroup(ctx context.Context, name string) (int, error) {
	mg, err := e.managed(name)
	if err != nil {
		return 0, err
	}
	removed := mg.group.Size()
	if err := mg.group.Clear(ctx); err != nil {
		return 0, fmt.Errorf("clear group %q: %w", name, err)
	}
	e.noteHealth(ctx, mg)

	e.logger.Info(ctx, "Group cleared",
		zap.String("group", name),
		zap.Int("removed", removed))
	e.send(ctx, eventbus.NewGroupClearedEvent(eventSource, name, removed, extractTraceID(ctx)))
	return removed, nil
}

// Stats reports the group's current fill state.
func (e *Engine) Stats(name string) (models.GroupStats, error) {
	mg, err := e.managed(name)
	if err != nil {
		return models.GroupStats{}, err
	}
	return snapshotStats(name, mg.group), nil
}

// StatsAll reports every registered group, in name order.
func (e *Engine) StatsAll() []models.GroupStats {
	names := e.Names()
	stats := make([]models.GroupStats, 0, len(names))
	for _, name := range names {
		if s, err := e.Stats(name); err == nil {
			stats = append(stats, s)
		}
	}
	return stats
}

// GrowthPlan reports the shard count a grown replacement of the group
// should use. Applying it means building a new group and re-routing
// every key, so the plan is advisory.
func (e *Engine) GrowthPlan(name string) (models.GrowthPlan, error) {
	mg, err := e.managed(name)
	if err != nil {
		return models.GrowthPlan{}, err
	}
	g := mg.group
	capacity := g.Meta().MaxShardCapacity()
	next := keyspace.NextShardCount(g.MaxSize(), capacity)
	return models.GrowthPlan{
		Group:            name,
		CurrentShards:    g.ShardCount(),
		CurrentMaxSize:   g.MaxSize(),
		NextShards:       next,
		ProjectedMaxSize: next * capacity,
	}, nil
}

// Create stores value under key and refuses keys the group already
// holds.
func (e *Engine) Create(ctx context.Context, group, key string, value []byte) error {
	mg, err := e.managed(group)
	if err != nil {
		return err
	}
	inserted, err := mg.group.Insert(ctx, key, value)
	if err != nil {
		return err
	}
	if !inserted {
		return fmt.Errorf("object %q in group %q: %w", key, group, ErrObjectExists)
	}
	e.noteHealth(ctx, mg)
	return nil
}

// Read returns the value stored under key, or an error wrapping
// storage.ErrKeyNotFound when the group does not hold it.
func (e *Engine) Read(ctx context.Context, group, key string) ([]byte, error) {
	mg, err := e.managed(group)
	if err != nil {
		return nil, err
	}
	value, ok := mg.group.Get(key)
	if !ok {
		return nil, fmt.Errorf("object %q in group %q: %w", key, group, storage.ErrKeyNotFound)
	}
	return value, nil
}

// ReadOr returns the value stored under key, or def when the group
// does not hold it.
func (e *Engine) ReadOr(ctx context.Context, group, key string, def []byte) ([]byte, error) {
	mg, err := e.managed(group)
	if err != nil {
		return nil, err
	}
	if value, ok := mg.group.Get(key); ok {
		return value, nil
	}
	return def, nil
}

// Update stores value under key, overwriting any current value.
// previous is the value read immediately before the write and existed
// reports whether there was one.
func (e *Engine) Update(ctx context.Context, group, key string, value []byte) (previous []byte, existed bool, err error) {
	mg, err := e.managed(group)
	if err != nil {
		return nil, false, err
	}
	previous, existed = mg.group.Get(key)
	if err := mg.group.Update(ctx, map[string][]byte{key: value}); err != nil {
		return nil, false, err
	}
	e.noteHealth(ctx, mg)
	return previous, existed, nil
}

// UpdateBatch stores every pair in batch, overwriting existing keys.
// The batch lands in full or not at all.
func (e *Engine) UpdateBatch(ctx context.Context, group string, batch map[string][]byte) error {
	mg, err := e.managed(group)
	if err != nil {
		return err
	}
	if err := mg.group.Update(ctx, batch); err != nil {
		return err
	}
	e.noteHealth(ctx, mg)
	return nil
}

// Delete removes key from the group and returns the removed value.
func (e *Engine) Delete(ctx context.Context, group, key string) ([]byte, error) {
	mg, err := e.managed(group)
	if err != nil {
		return nil, err
	}
	removed, err := mg.group.Pop(ctx, key)
	if err != nil {
		return nil, err
	}
	e.noteHealth(ctx, mg)
	return removed, nil
}

// Keys returns up to limit keys of the group in ascending order within
// the inclusive bounds. Empty bounds leave the scan open; limit <= 0
// means unbounded.
func (e *Engine) Keys(group, lo, hi string, limit int) ([]string, error) {
	mg, err := e.managed(group)
	if err != nil {
		return nil, err
	}
	keys := []string{}
	for k := range mg.group.IterKeys(lo, hi) {
		if limit > 0 && len(keys) >= limit {
			break
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// Items returns up to limit entries of the group in ascending key
// order within the inclusive bounds. Empty bounds leave the scan open;
// limit <= 0 means unbounded.
func (e *Engine) Items(group, lo, hi string, limit int) ([]storage.Entry, error) {
	mg, err := e.managed(group)
	if err != nil {
		return nil, err
	}
	items := []storage.Entry{}
	for k, v := range mg.group.IterItems(lo, hi) {
		if limit > 0 && len(items) >= limit {
			break
		}
		items = append(items, storage.Entry{Key: k, Value: v})
	}
	return items, nil
}

// Extrema returns the smallest and largest key the group holds, or an
// error wrapping storage.ErrEmptyGroup when it holds nothing.
func (e *Engine) Extrema(group string) (string, string, error) {
	mg, err := e.managed(group)
	if err != nil {
		return "", "", err
	}
	min, err := mg.group.MinKey("")
	if err != nil {
		return "", "", fmt.Errorf("group %q: %w", group, err)
	}
	max, err := mg.group.MaxKey("")
	if err != nil {
		return "", "", fmt.Errorf("group %q: %w", group, err)
	}
	return min, max, nil
}

// noteHealth publishes grade transitions after a write on mg. Grades
// update under the health lock; publication happens outside it.
func (e *Engine) noteHealth(ctx context.Context, mg *managedGroup) {
	name := mg.manifest.Name

	type shardTransition struct {
		id        uuid.UUID
		position  int
		oldStatus storage.Status
		newStatus storage.Status
		usage     float64
	}

	mg.healthMu.Lock()
	groupOld := mg.groupStatus
	groupNew := mg.group.Status()
	usage := mg.group.Usage()
	size := mg.group.Size()
	maxSize := mg.group.MaxSize()
	groupChanged := groupNew != groupOld
	if groupChanged {
		mg.groupStatus = groupNew
	}
	var transitions []shardTransition
	for i, sh := range mg.group.Shards() {
		cur := sh.Status()
		if prev := mg.shardStatus[sh.ID()]; cur != prev {
			mg.shardStatus[sh.ID()] = cur
			transitions = append(transitions, shardTransition{
				id:        sh.ID(),
				position:  i,
				oldStatus: prev,
				newStatus: cur,
				usage:     sh.Usage(),
			})
		}
	}
	mg.healthMu.Unlock()

	traceID := extractTraceID(ctx)
	for _, tr := range transitions {
		e.logger.Info(ctx, "Shard status changed",
			zap.String("group", name),
			zap.String("shard_id", tr.id.String()),
			zap.Int("position", tr.position),
			zap.String("old_status", tr.oldStatus.String()),
			zap.String("new_status", tr.newStatus.String()))
		e.send(ctx, eventbus.NewShardStatusChangedEvent(eventSource, &eventbus.ShardStatusChangedEvent{
			Group:     name,
			ShardID:   tr.id.String(),
			Position:  tr.position,
			OldStatus: tr.oldStatus.String(),
			NewStatus: tr.newStatus.String(),
			Usage:     tr.usage,
		}, traceID))
	}
	if !groupChanged {
		return
	}
	e.logger.Info(ctx, "Group status changed",
		zap.String("group", name),
		zap.String("old_status", groupOld.String()),
		zap.String("new_status", groupNew.String()),
		zap.Float64("usage", usage))
	e.send(ctx, eventbus.NewGroupStatusChangedEvent(eventSource, &eventbus.GroupStatusChangedEvent{
		Group:     name,
		OldStatus: groupOld.String(),
		NewStatus: groupNew.String(),
		Usage:     usage,
	}, traceID))

	if groupNew == storage.StatusCritical {
		e.logger.Warn(ctx, "Group capacity critical",
			zap.String("group", name),
			zap.Int("size", size),
			zap.Int("max_size", maxSize),
			zap.Float64("usage", usage))
		e.send(ctx, eventbus.NewCapacityAlertEvent(eventSource, &eventbus.CapacityAlertEvent{
			Group:   name,
			Status:  groupNew.String(),
			Size:    size,
			MaxSize: maxSize,
			Usage:   usage,
		}, traceID))
	}
}

// send publishes ev without letting delivery failures surface into the
// storage path.
func (e *Engine) send(ctx context.Context, ev *eventbus.Event) {
	if err := e.bus.PublishEventAsync(ctx, ev); err != nil {
		e.logger.Error(ctx, "Failed to publish event",
			zap.String("event_type", string(ev.Type)),
			zap.Error(err))
	}
}

// snapshotStats derives a stats record from the group's live state.
func snapshotStats(name string, g *storage.Group) models.GroupStats {
	shards := g.Shards()
	stats := models.GroupStats{
		Name:             name,
		Size:             g.Size(),
		MaxSize:          g.MaxSize(),
		MaxShardCapacity: g.Meta().MaxShardCapacity(),
		Usage:            g.Usage(),
		Status:           g.Status().String(),
		Shards:           make([]models.ShardStats, len(shards)),
		CollectedAt:      time.Now().UTC(),
	}
	for i, sh := range shards {
		u := sh.Usage()
		stats.Shards[i] = models.ShardStats{
			ID:      sh.ID(),
			Index:   i,
			Size:    sh.Size(),
			MaxSize: sh.MaxSize(),
			Usage:   u,
			Status:  sh.Status().String(),
		}
		if i == 0 || u > stats.HighestShardUsage {
			stats.HighestShardUsage = u
		}
		if i == 0 || u < stats.LowestShardUsage {
			stats.LowestShardUsage = u
		}
	}
	return stats
}

// extractTraceID pulls the active trace identity out of ctx for event
// correlation.
func extractTraceID(ctx context.Context) string {
	spanCtx := trace.SpanContextFromContext(ctx)
	if spanCtx.HasTraceID() {
		return spanCtx.TraceID().String()
	}
	return ""
}
