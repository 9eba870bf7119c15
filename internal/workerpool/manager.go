package workerpool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/keytempo/keytempo-go/internal/errors"
	"github.com/keytempo/keytempo-go/internal/logging"
)

// Manager owns the process-wide pool registry. It is constructed explicitly
// and injected; there is no ambient global instance.
type Manager struct {
	mu            sync.RWMutex
	pools         map[string]*Pool
	queueCapacity int
	logger        *slog.Logger
}

// NewManager creates an empty pool registry.
func NewManager(queueCapacity int) *Manager {
	if queueCapacity <= 0 {
		queueCapacity = DefaultQueueCapacity
	}
	return &Manager{
		pools:         make(map[string]*Pool),
		queueCapacity: queueCapacity,
		logger:        logging.ForService("workerpool").With("component", "manager"),
	}
}

// CreatePool creates a named pool running handler on at most maxWorkers
// goroutines (capped by hardware parallelism). Idempotent per name: a
// second call returns the existing pool unchanged.
func (m *Manager) CreatePool(name string, handler Handler, maxWorkers int) (*Pool, error) {
	if name == "" {
		return nil, errors.Newf("pool name must not be empty").
			Component(componentWorkerPool).
			Category(errors.CategoryValidation).
			Build()
	}
	if handler == nil {
		return nil, errors.Newf("pool %s needs a task handler", name).
			Component(componentWorkerPool).
			Category(errors.CategoryValidation).
			Context("pool", name).
			Build()
	}
	if maxWorkers <= 0 {
		return nil, errors.Newf("pool %s needs at least one worker, got %d", name, maxWorkers).
			Component(componentWorkerPool).
			Category(errors.CategoryValidation).
			Context("pool", name).
			Build()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.pools[name]; ok {
		return existing, nil
	}
	pool := newPool(name, handler, maxWorkers, m.queueCapacity)
	m.pools[name] = pool
	return pool, nil
}

// Execute runs one task on the named pool, honoring the per-task timeout.
// Exactly one outcome is returned per call. An unknown pool is a not-found
// error so callers can fall back to same-thread execution.
func (m *Manager) Execute(ctx context.Context, poolName, taskType string, payload any, timeout time.Duration) (any, error) {
	m.mu.RLock()
	pool, ok := m.pools[poolName]
	m.mu.RUnlock()
	if !ok {
		return nil, errors.Newf("pool %s not found", poolName).
			Component(componentWorkerPool).
			Category(errors.CategoryNotFound).
			Context("pool", poolName).
			Build()
	}
	return pool.execute(ctx, taskType, payload, timeout)
}

// Stats returns a snapshot for the named pool, or nil when it does not
// exist.
func (m *Manager) Stats(poolName string) *PoolStats {
	m.mu.RLock()
	pool, ok := m.pools[poolName]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	stats := pool.stats()
	return &stats
}

// TerminatePool stops every worker in the named pool and rejects its
// pending and queued tasks, then removes the pool from the registry.
func (m *Manager) TerminatePool(poolName string) {
	m.mu.Lock()
	pool, ok := m.pools[poolName]
	delete(m.pools, poolName)
	m.mu.Unlock()
	if ok {
		pool.terminate()
	}
}

// TerminateAll terminates every registered pool.
func (m *Manager) TerminateAll() {
	m.mu.Lock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.pools = make(map[string]*Pool)
	m.mu.Unlock()

	for _, p := range pools {
		p.terminate()
	}
	m.logger.Info("all pools terminated", "count", len(pools))
}

// HasPool reports whether the named pool exists.
func (m *Manager) HasPool(poolName string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.pools[poolName]
	return ok
}
