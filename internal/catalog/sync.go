package catalog

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lattice-storage/lattice/internal/logging"
	"github.com/lattice-storage/lattice/internal/models"
)

// Source is the local view the syncer publishes. *engine.Engine
// satisfies it.
type Source interface {
	Names() []string
	Manifest(name string) (models.GroupManifest, error)
	Stats(name string) (models.GroupStats, error)
}

// Syncer periodically pushes every local group's manifest and usage
// snapshot into the catalog. Groups that disappear locally are removed
// from the catalog on the next pass.
type Syncer struct {
	catalog  Catalog
	source   Source
	interval time.Duration
	logger   logging.Logger

	stopCh chan struct{}

	// seen holds the names pushed on the previous pass, so local drops
	// can be propagated. Touched only by the sync goroutine.
	seen map[string]struct{}
}

// NewSyncer builds a syncer. Call Start to begin pushing.
func NewSyncer(cat Catalog, source Source, interval time.Duration, logger logging.Logger) *Syncer {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if logger == nil {
		logger = logging.GetLogger().Named("catalog")
	}
	return &Syncer{
		catalog:  cat,
		source:   source,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
		seen:     make(map[string]struct{}),
	}
}

// Start begins the sync loop. The first pass runs immediately.
func (s *Syncer) Start(ctx context.Context) {
	go s.loop(ctx)
}

// Stop stops the sync loop.
func (s *Syncer) Stop() {
	close(s.stopCh)
}

func (s *Syncer) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.syncOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.syncOnce(ctx)
		}
	}
}

func (s *Syncer) syncOnce(ctx context.Context) {
	current := make(map[string]struct{})
	for _, name := range s.source.Names() {
		current[name] = struct{}{}
		manifest, err := s.source.Manifest(name)
		if err != nil {
			// Dropped between listing and lookup.
			delete(current, name)
			continue
		}
		if err := s.catalog.UpsertGroup(ctx, manifest); err != nil {
			s.logger.Warn(ctx, "Failed to register group in catalog",
				zap.String("group", name), zap.Error(err))
			continue
		}
		stats, err := s.source.Stats(name)
		if err != nil {
			continue
		}
		if err := s.catalog.RecordUsage(ctx, stats); err != nil {
			s.logger.Warn(ctx, "Failed to record usage in catalog",
				zap.String("group", name), zap.Error(err))
		}
	}

	for name := range s.seen {
		if _, ok := current[name]; ok {
			continue
		}
		if err := s.catalog.RemoveGroup(ctx, name); err != nil {
			s.logger.Warn(ctx, "Failed to remove group from catalog",
				zap.String("group", name), zap.Error(err))
			// Keep it pending so removal is retried next pass.
			current[name] = struct{}{}
		} else {
			s.logger.Info(ctx, "Group removed from catalog", zap.String("group", name))
		}
	}
	s.seen = current
}
