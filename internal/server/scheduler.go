package server

import (
	"context"
	"sync"
	"time"

	"github.com/catherinevee/cloudauditor/internal/discovery"
	"github.com/catherinevee/cloudauditor/internal/logger"
	"github.com/catherinevee/cloudauditor/pkg/models"
)

// Discoverer runs one discovery pass
type Discoverer interface {
	Discover(ctx context.Context) *models.DiscoveryResult
}

// EngineFactory builds a discoverer for a run configuration
type EngineFactory func(cfg models.DiscoveryConfig) Discoverer

// RunStore persists scheduled runs
type RunStore interface {
	discovery.Sink
	RecordRun(ctx context.Context, run models.RunRecord) error
	CleanupRuns(ctx context.Context, retention time.Duration) (int64, error)
}

// DefaultRetention is how long run history is kept
const DefaultRetention = 30 * 24 * time.Hour

// Scheduler runs discovery on an interval. Configuration changes take effect
// on the next run.
type Scheduler struct {
	factory   EngineFactory
	store     RunStore
	retention time.Duration
	log       logger.Logger

	mu       sync.RWMutex
	cfg      models.DiscoveryConfig
	interval time.Duration
	latest   *models.DiscoveryResult
	running  bool

	trigger chan struct{}
}

// NewScheduler creates a scheduler. store may be nil to skip persistence.
func NewScheduler(factory EngineFactory, cfg models.DiscoveryConfig, interval time.Duration, store RunStore) *Scheduler {
	return &Scheduler{
		factory:   factory,
		store:     store,
		retention: DefaultRetention,
		log:       logger.New("scheduler"),
		cfg:       cfg.Clone(),
		interval:  interval,
		trigger:   make(chan struct{}, 1),
	}
}

// SetRetention overrides the run history retention; zero disables cleanup
func (s *Scheduler) SetRetention(d time.Duration) {
	s.retention = d
}

// UpdateConfig replaces the configuration used by subsequent runs
func (s *Scheduler) UpdateConfig(cfg models.DiscoveryConfig, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg.Clone()
	if interval > 0 {
		s.interval = interval
	}
	s.log.Info("discovery configuration updated", logger.Duration("interval", s.interval))
}

// Latest returns the most recent result, or nil before the first run
func (s *Scheduler) Latest() *models.DiscoveryResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

// Running reports whether a run is in progress
func (s *Scheduler) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Trigger requests an immediate run. It reports false when one is already
// queued.
func (s *Scheduler) Trigger() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// RunOnce performs one discovery pass and persists it
func (s *Scheduler) RunOnce(ctx context.Context) *models.DiscoveryResult {
	s.mu.Lock()
	cfg := s.cfg.Clone()
	s.running = true
	s.mu.Unlock()

	result := s.factory(cfg).Discover(ctx)
	s.persist(ctx, result)

	s.mu.Lock()
	s.latest = result
	s.running = false
	s.mu.Unlock()
	return result
}

func (s *Scheduler) persist(ctx context.Context, result *models.DiscoveryResult) {
	if s.store == nil {
		return
	}
	log := s.log.WithFields(logger.String("run_id", result.RunID))

	if len(result.Resources) > 0 {
		n, err := s.store.UpsertResources(ctx, result.Resources)
		if err != nil {
			result.AddError("persist: " + err.Error())
			log.Error("failed to persist resources", logger.Error(err))
		} else {
			log.Info("resources persisted", logger.Int("count", n))
		}
	}

	if err := s.store.RecordRun(ctx, models.NewRunRecord(result)); err != nil {
		log.Error("failed to record run", logger.Error(err))
	}

	if s.retention > 0 {
		removed, err := s.store.CleanupRuns(ctx, s.retention)
		if err != nil {
			log.Warn("failed to clean up run history", logger.Error(err))
		} else if removed > 0 {
			log.Debug("old runs removed", logger.Int64("count", removed))
		}
	}
}

// Start runs discovery immediately and then on every interval until ctx is
// cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	for {
		result := s.RunOnce(ctx)
		s.log.Info("scheduled discovery finished",
			logger.String("run_id", result.RunID),
			logger.Int("resources", result.TotalCount),
			logger.Bool("success", result.Success))

		s.mu.RLock()
		interval := s.interval
		s.mu.RUnlock()

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		case <-s.trigger:
			timer.Stop()
		}
	}
}
