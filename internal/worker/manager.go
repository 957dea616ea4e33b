// Package worker runs the polling loop: N goroutines lease work items
// through the store and hand them to the orchestrator. Claim coordination
// is the store's CAS semantics; the only state workers share is the
// per-agent in-flight count that caps concurrent executions.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/cloud-shuttle/muster/internal/db"
	"github.com/cloud-shuttle/muster/internal/orchestrator"
	"github.com/cloud-shuttle/muster/pkg/types"
)

// Manager owns the worker goroutines and the stale-lock reaper
type Manager struct {
	store        *db.Store
	orch         *orchestrator.Orchestrator
	logger       *zap.Logger
	workers      int
	pollInterval time.Duration
	stallTimeout time.Duration

	mu       sync.Mutex
	inFlight map[string]int
}

// NewManager creates a worker manager
func NewManager(store *db.Store, orch *orchestrator.Orchestrator, workers int, pollInterval, stallTimeout time.Duration, logger *zap.Logger) *Manager {
	if workers <= 0 {
		workers = 1
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Manager{
		store:        store,
		orch:         orch,
		logger:       logger,
		workers:      workers,
		pollInterval: pollInterval,
		stallTimeout: stallTimeout,
		inFlight:     make(map[string]int),
	}
}

// Run starts the workers and the reaper and blocks until the context is
// cancelled. In-flight executions finish before Run returns.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("starting workers", zap.Int("count", m.workers))

	reaper := m.startReaper()
	if reaper != nil {
		defer func() { <-reaper.Stop().Done() }()
	}

	var wg sync.WaitGroup
	for i := 0; i < m.workers; i++ {
		wg.Add(1)
		go m.worker(ctx, i, &wg)
	}

	<-ctx.Done()
	m.logger.Info("stopping workers")
	wg.Wait()
	return ctx.Err()
}

// worker leases and executes work items until the context is cancelled
func (m *Manager) worker(ctx context.Context, id int, wg *sync.WaitGroup) {
	defer wg.Done()

	log := m.logger.With(zap.Int("worker", id))
	log.Info("worker started")

	for {
		select {
		case <-ctx.Done():
			log.Info("worker stopping")
			return
		default:
		}

		claimed, err := m.pollOnce(ctx, log)
		if err != nil {
			log.Error("poll failed", zap.Error(err))
		}
		if !claimed {
			select {
			case <-ctx.Done():
			case <-time.After(m.pollInterval):
			}
		}
	}
}

// pollOnce attempts one claim per registered agent and executes the first
// claimed item. Agents already running at their concurrency cap are skipped.
// Returns whether anything was claimed.
func (m *Manager) pollOnce(ctx context.Context, log *zap.Logger) (bool, error) {
	agents, err := m.store.ListAgents()
	if err != nil {
		return false, err
	}

	for _, agent := range agents {
		if !m.acquireSlot(agent) {
			continue
		}

		item, run, err := m.store.LeaseNext(agent)
		if err != nil {
			m.releaseSlot(agent)
			return false, err
		}
		if item == nil {
			m.releaseSlot(agent)
			continue
		}

		m.execute(ctx, log, agent, item, run)
		m.releaseSlot(agent)
		return true, nil
	}
	return false, nil
}

// acquireSlot reserves one of the agent's concurrency slots. An unset or
// non-positive MaxConcurrency means one slot.
func (m *Manager) acquireSlot(agent *types.Agent) bool {
	limit := agent.MaxConcurrency
	if limit <= 0 {
		limit = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight[agent.ID] >= limit {
		return false
	}
	m.inFlight[agent.ID]++
	return true
}

func (m *Manager) releaseSlot(agent *types.Agent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight[agent.ID] > 0 {
		m.inFlight[agent.ID]--
	}
}

func (m *Manager) execute(ctx context.Context, log *zap.Logger, agent *types.Agent, item *types.WorkItem, run *types.Run) {
	project, err := m.store.GetProject(item.ProjectID)
	if err != nil || project == nil {
		// Claim without a resolvable project cannot proceed; put it back.
		log.Error("resolving project failed",
			zap.String("work_item", item.ID),
			zap.String("project", item.ProjectID),
			zap.Error(err))
		if relErr := m.store.ReleaseWorkItem(item.ID); relErr != nil {
			log.Error("releasing work item failed", zap.String("work_item", item.ID), zap.Error(relErr))
		}
		return
	}

	log.Info("executing work item",
		zap.String("work_item", item.ID),
		zap.String("work_type", string(item.WorkType)),
		zap.String("agent", agent.Key))

	result := m.orch.Run(ctx, agent, project, item, run)
	if result.Success {
		log.Info("work item completed",
			zap.String("work_item", item.ID),
			zap.String("message", result.Message))
	} else {
		log.Warn("work item failed",
			zap.String("work_item", item.ID),
			zap.String("error", result.Error))
	}
}

// startReaper schedules the periodic release of stale in_progress claims
// left behind by crashed or timed-out executions. Disabled when the stall
// timeout is zero.
func (m *Manager) startReaper() *cron.Cron {
	if m.stallTimeout <= 0 {
		return nil
	}

	c := cron.New()
	_, err := c.AddFunc("@every 1m", func() {
		cutoff := time.Now().Add(-m.stallTimeout)
		n, err := m.store.ReleaseStaleLocks(cutoff)
		if err != nil {
			m.logger.Error("releasing stale locks failed", zap.Error(err))
			return
		}
		if n > 0 {
			m.logger.Warn("released stale work item locks", zap.Int("count", n))
		}
	})
	if err != nil {
		m.logger.Error("scheduling reaper failed", zap.Error(err))
		return nil
	}
	c.Start()
	return c
}
