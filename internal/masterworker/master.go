package masterworker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Config mirrors the tunables orchestration/master.py exposes for its
// MasterAgent: how many workers to keep warm, how often to expect a
// heartbeat, how often to sweep for dead workers, and the message-length
// threshold below which a request is considered cheap enough to answer
// inline instead of handing off.
type Config struct {
	MinWorkers          int
	MaxWorkers          int
	HeartbeatInterval   time.Duration
	HealthCheckInterval time.Duration
	SimpleTaskThreshold int
	TaskTimeout         time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinWorkers:          1,
		MaxWorkers:          5,
		HeartbeatInterval:   5 * time.Second,
		HealthCheckInterval: 10 * time.Second,
		SimpleTaskThreshold: 50,
		TaskTimeout:         2 * time.Minute,
	}
}

// Stats counts lifetime task routing decisions, the same tallies
// get_dashboard_data() reports in the original.
type Stats struct {
	TasksTotal       int64
	TasksLocal       int64
	TasksDistributed int64
	TasksSucceeded   int64
	TasksFailed      int64
}

// Master routes incoming tasks either to inline handling or to a pool of
// worker goroutines, depending on current load and task size, and keeps
// that pool healthy by reassigning work away from workers that stop
// heartbeating.
type Master struct {
	registry      *Registry
	localHandler  Handler
	workerHandler Handler
	cfg           Config
	log           *slog.Logger

	mu      sync.Mutex
	workers map[string]*worker
	pending map[string]chan TaskResult
	results chan workerReport

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	stats Stats
}

// New builds a Master. localHandler answers requests handled inline;
// workerHandler is what every spawned worker runs. Callers that want
// workers to behave identically to the inline path can pass the same
// function for both.
func New(localHandler, workerHandler Handler, cfg Config, log *slog.Logger) *Master {
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = DefaultConfig().MinWorkers
	}
	if cfg.MaxWorkers <= 0 || cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = DefaultConfig().MaxWorkers
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = DefaultConfig().HealthCheckInterval
	}
	if cfg.SimpleTaskThreshold <= 0 {
		cfg.SimpleTaskThreshold = DefaultConfig().SimpleTaskThreshold
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultConfig().TaskTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Master{
		registry:      NewRegistry(RegistryConfig{HeartbeatTimeout: cfg.HeartbeatInterval * 3}),
		localHandler:  localHandler,
		workerHandler: workerHandler,
		cfg:           cfg,
		log:           log,
		workers:       make(map[string]*worker),
		pending:       make(map[string]chan TaskResult),
		results:       make(chan workerReport, 32),
		stopCh:        make(chan struct{}),
	}
}

// Start spawns the minimum worker pool and begins collecting results and
// health-checking.
func (m *Master) Start(ctx context.Context) error {
	for i := 0; i < m.cfg.MinWorkers; i++ {
		if _, err := m.SpawnWorker(ctx, nil); err != nil {
			return err
		}
	}
	m.wg.Add(2)
	go m.collectResults(ctx)
	go m.healthCheckLoop(ctx)
	return nil
}

// Stop tears down every worker and the background loops.
func (m *Master) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	for id, w := range m.workers {
		w.stop()
		delete(m.workers, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// SpawnWorker starts a new worker goroutine and registers it, refusing if
// MaxWorkers is already reached.
func (m *Master) SpawnWorker(ctx context.Context, capabilities []string) (string, error) {
	m.mu.Lock()
	if len(m.workers) >= m.cfg.MaxWorkers {
		m.mu.Unlock()
		return "", fmt.Errorf("max workers (%d) reached", m.cfg.MaxWorkers)
	}
	id := "worker-" + uuid.NewString()[:8]
	w := newWorker(id, m.workerHandler, m.results)
	m.workers[id] = w
	m.mu.Unlock()

	m.registry.Register(id, capabilities)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		w.run(ctx)
	}()
	return id, nil
}

// TerminateWorker stops a worker. Graceful lets its in-flight task finish
// by simply not force-killing the goroutine; ungraceful stops it
// immediately, abandoning whatever it was running.
func (m *Master) TerminateWorker(id string, graceful bool) {
	m.mu.Lock()
	w, ok := m.workers[id]
	if ok {
		delete(m.workers, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if graceful {
		m.waitForIdle(id, 5*time.Second)
	}
	w.stop()
	m.registry.Unregister(id)
}

// waitForIdle blocks until worker id is no longer busy or deadline elapses.
func (m *Master) waitForIdle(id string, deadline time.Duration) {
	cutoff := time.Now().Add(deadline)
	for time.Now().Before(cutoff) {
		info, ok := m.registry.Get(id)
		if !ok || info.Status != WorkerBusy {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// HandleRequest is the single entrypoint callers route every inbound task
// through, matching handle_request in the original: it decides whether to
// answer locally or distribute to a worker, then does so.
func (m *Master) HandleRequest(ctx context.Context, task *TaskPayload) (string, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	atomic.AddInt64(&m.stats.TasksTotal, 1)

	if m.shouldHandleLocally(task) {
		atomic.AddInt64(&m.stats.TasksLocal, 1)
		text, err := m.localHandler(ctx, task)
		if err != nil {
			atomic.AddInt64(&m.stats.TasksFailed, 1)
			return "", err
		}
		atomic.AddInt64(&m.stats.TasksSucceeded, 1)
		return text, nil
	}

	atomic.AddInt64(&m.stats.TasksDistributed, 1)
	text, err := m.distribute(ctx, task)
	if err != nil {
		atomic.AddInt64(&m.stats.TasksFailed, 1)
		return "", err
	}
	atomic.AddInt64(&m.stats.TasksSucceeded, 1)
	return text, nil
}

// shouldHandleLocally reproduces _should_handle_locally's heuristics: with
// no workers at all there's nothing to distribute to; with every worker
// busy, only a short message is worth queuing behind them instead of just
// answering; with an idle worker sitting there, only a very short,
// context-free message is cheap enough that spinning up a handoff costs
// more than it saves.
func (m *Master) shouldHandleLocally(task *TaskPayload) bool {
	counts := m.registry.CountByStatus()
	idle := counts[WorkerIdle]
	busy := counts[WorkerBusy]

	if idle == 0 && busy == 0 {
		return true
	}
	if idle == 0 && busy > 0 && len(task.Query) < m.cfg.SimpleTaskThreshold {
		return true
	}
	if idle > 0 && len(task.Query) < 30 && task.SessionMsgs == 0 {
		return true
	}
	return false
}

// distribute hands a task to an idle worker (spawning one if the pool has
// room and none is currently idle) and blocks until that worker reports a
// result, times out, or ctx is cancelled.
func (m *Master) distribute(ctx context.Context, task *TaskPayload) (string, error) {
	info, ok := m.registry.FindIdle(task.Capability)
	if !ok {
		id, err := m.SpawnWorker(ctx, nil)
		if err != nil {
			return "", fmt.Errorf("no idle worker and %w", err)
		}
		info, ok = m.registry.Get(id)
		if !ok {
			return "", fmt.Errorf("spawned worker %s vanished before dispatch", id)
		}
	}

	m.mu.Lock()
	w, ok := m.workers[info.ID]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("worker %s not found", info.ID)
	}
	resultCh := make(chan TaskResult, 1)
	m.pending[task.ID] = resultCh
	m.mu.Unlock()

	m.registry.SetTask(info.ID, task.ID)

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = m.cfg.TaskTimeout
	}

	select {
	case w.inbox <- task:
	case <-ctx.Done():
		m.clearPending(task.ID)
		m.registry.ClearTask(info.ID, false)
		return "", ctx.Err()
	}

	select {
	case result := <-resultCh:
		if !result.Success {
			return "", fmt.Errorf("worker %s: %s", info.ID, result.Error)
		}
		return result.Result, nil
	case <-time.After(timeout):
		m.clearPending(task.ID)
		m.registry.ClearTask(info.ID, false)
		return "", fmt.Errorf("task %s timed out after %s", task.ID, timeout)
	case <-ctx.Done():
		m.clearPending(task.ID)
		m.registry.ClearTask(info.ID, false)
		return "", ctx.Err()
	}
}

func (m *Master) clearPending(taskID string) {
	m.mu.Lock()
	delete(m.pending, taskID)
	m.mu.Unlock()
}

// collectResults drains worker reports, resolves the waiting distribute
// call, and frees the worker back to idle.
func (m *Master) collectResults(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case report := <-m.results:
			m.mu.Lock()
			ch, ok := m.pending[report.result.TaskID]
			delete(m.pending, report.result.TaskID)
			m.mu.Unlock()
			m.registry.ClearTask(report.workerID, report.result.Success)
			if ok {
				select {
				case ch <- report.result:
				default:
				}
			}
		}
	}
}

// healthCheckLoop periodically sweeps for workers that have stopped
// heartbeating, reassigns whatever they were doing to a failure result
// (the original does the same: a stuck worker's in-flight task is failed
// back to its caller, not silently requeued), and tops the pool back up
// to MinWorkers.
func (m *Master) healthCheckLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			dead := m.registry.CheckHeartbeats()
			for _, id := range dead {
				m.handleDeadWorker(id)
			}
			m.registry.CleanupDead(time.Hour)
			m.refillPool(ctx)
		}
	}
}

func (m *Master) handleDeadWorker(id string) {
	info, ok := m.registry.Get(id)
	if !ok {
		return
	}
	m.log.Warn("masterworker: worker missed heartbeats, terminating", "worker_id", id)
	if info.CurrentTaskID != "" {
		m.mu.Lock()
		ch, ok := m.pending[info.CurrentTaskID]
		delete(m.pending, info.CurrentTaskID)
		m.mu.Unlock()
		if ok {
			select {
			case ch <- TaskResult{TaskID: info.CurrentTaskID, Success: false, Error: "worker failed, please retry"}:
			default:
			}
		}
	}
	m.TerminateWorker(id, false)
}

func (m *Master) refillPool(ctx context.Context) {
	m.mu.Lock()
	n := len(m.workers)
	m.mu.Unlock()
	for i := n; i < m.cfg.MinWorkers; i++ {
		if _, err := m.SpawnWorker(ctx, nil); err != nil {
			m.log.Error("masterworker: refill failed", "error", err)
			return
		}
	}
}

// Heartbeat lets a worker (or whatever drives it) refresh its liveness; in
// this in-process design workers heartbeat themselves implicitly by
// finishing tasks, but an explicit call is exposed for completeness and
// for tests that want to simulate a long-idle worker staying alive.
func (m *Master) Heartbeat(workerID string) {
	m.registry.Heartbeat(workerID)
}

// GetStats returns a snapshot of lifetime routing counters.
func (m *Master) GetStats() Stats {
	return Stats{
		TasksTotal:       atomic.LoadInt64(&m.stats.TasksTotal),
		TasksLocal:       atomic.LoadInt64(&m.stats.TasksLocal),
		TasksDistributed: atomic.LoadInt64(&m.stats.TasksDistributed),
		TasksSucceeded:   atomic.LoadInt64(&m.stats.TasksSucceeded),
		TasksFailed:      atomic.LoadInt64(&m.stats.TasksFailed),
	}
}

// Registry exposes the underlying worker registry for dashboards/health
// endpoints.
func (m *Master) Registry() *Registry { return m.registry }
