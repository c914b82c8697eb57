package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/devdeploy/orchestrator/internal/config"
	"github.com/devdeploy/orchestrator/internal/db"
	"github.com/devdeploy/orchestrator/internal/models"
)

// Executor runs an admitted build to a terminal state
type Executor interface {
	Run(ctx context.Context, build *models.Build)
}

// Manager is the single admission authority for the build queue.
// Pending builds live in the database; the manager owns the running
// slot count and is the only component that moves a build from pending
// to running, so the concurrency cap cannot be exceeded by
// construction.
type Manager struct {
	db       *db.DB
	executor Executor
	config   *config.Config

	mu      sync.Mutex
	running map[string]struct{}

	kick   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a queue manager
func NewManager(database *db.DB, executor Executor, cfg *config.Config) *Manager {
	return &Manager{
		db:       database,
		executor: executor,
		config:   cfg,
		running:  make(map[string]struct{}),
		kick:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Start runs the admission loop until the context is cancelled or Stop
// is called. The ticker is a backstop for missed wakeups.
func (m *Manager) Start(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(m.config.QueuePollSeconds) * time.Second)
	defer ticker.Stop()

	log.Info().
		Int("maxConcurrent", m.config.MaxConcurrentBuilds).
		Int("pollSeconds", m.config.QueuePollSeconds).
		Msg("queue manager started")

	// Pending builds survive restarts; admit immediately on start
	m.admit(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("queue manager shutting down")
			m.wg.Wait()
			return
		case <-m.stopCh:
			log.Info().Msg("queue manager stopped")
			m.wg.Wait()
			return
		case <-m.kick:
			m.admit(ctx)
		case <-ticker.C:
			m.admit(ctx)
		}
	}
}

// Stop signals the manager to stop
func (m *Manager) Stop() {
	close(m.stopCh)
}

// Enqueue notifies the manager that a new pending build exists. The
// database row is the durable queue entry, so calling this for an
// already-queued build changes nothing.
func (m *Manager) Enqueue(buildID string) {
	log.Debug().Str("buildID", buildID).Msg("build enqueued")
	m.kickAdmission()
}

// Release frees the concurrency slot held by a build. Only the first
// call for an admitted build frees the slot and re-triggers admission;
// repeated calls and calls for never-admitted builds do nothing.
func (m *Manager) Release(buildID string) {
	m.mu.Lock()
	_, held := m.running[buildID]
	delete(m.running, buildID)
	m.mu.Unlock()

	if !held {
		return
	}

	log.Debug().Str("buildID", buildID).Msg("build slot released")
	m.kickAdmission()
}

func (m *Manager) kickAdmission() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// admit starts pending builds while free slots remain. Runs only on
// the manager goroutine.
func (m *Manager) admit(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		m.mu.Lock()
		free := m.config.MaxConcurrentBuilds - len(m.running)
		m.mu.Unlock()
		if free <= 0 {
			return
		}

		build, err := m.db.NextPendingBuild()
		if err != nil {
			log.Error().Err(err).Msg("failed to fetch next pending build")
			return
		}
		if build == nil {
			return
		}

		started, err := m.db.StartBuild(build.ID)
		if err != nil {
			log.Error().Err(err).Str("buildID", build.ID).Msg("failed to admit build")
			return
		}
		if !started {
			// lost to a concurrent cancel; look at the next candidate
			continue
		}

		m.mu.Lock()
		m.running[build.ID] = struct{}{}
		m.mu.Unlock()

		build.Status = models.BuildStatusRunning

		log.Info().
			Str("buildID", build.ID).
			Str("buildNumber", build.BuildNumber).
			Msg("build admitted")

		m.wg.Add(1)
		go func(b *models.Build) {
			defer m.wg.Done()
			defer m.Release(b.ID)
			m.executor.Run(ctx, b)
		}(build)
	}
}

// Status reports queue occupancy as seen by the admission authority
func (m *Manager) Status() (models.QueueStatus, error) {
	pending, err := m.db.CountBuildsByStatus(models.BuildStatusPending)
	if err != nil {
		return models.QueueStatus{}, err
	}

	m.mu.Lock()
	running := len(m.running)
	m.mu.Unlock()

	available := m.config.MaxConcurrentBuilds - running
	if available < 0 {
		available = 0
	}

	return models.QueueStatus{
		Pending:        pending,
		Running:        running,
		MaxConcurrent:  m.config.MaxConcurrentBuilds,
		AvailableSlots: available,
	}, nil
}
