// Package masterworker implements the Master-Worker component: a registry of
// worker goroutines tracked by heartbeat and capability, and a master that
// decides whether an incoming task is cheap enough to handle inline or
// should be handed to an idle worker, then waits for that worker to report
// back.
//
// The original design (see orchestration/master.py in the retrieval corpus)
// spawns one OS process per worker and talks to them over a message bus,
// because Python's GIL makes a single process a poor place to run several
// agent loops at once. Go doesn't have that constraint: goroutines already
// give true concurrency within one process, so a "worker" here is a
// goroutine with its own inbox channel rather than a subprocess, and
// dispatch happens over channels rather than a wire protocol. The
// heartbeat/idle-tracking/circuit-breaker shape of the registry is kept
// intact because it solves a real problem independent of process
// boundaries: knowing which workers are alive and free.
package masterworker

import (
	"sync"
	"time"
)

// WorkerStatus is the lifecycle state of a registered worker.
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerBusy    WorkerStatus = "busy"
	WorkerOffline WorkerStatus = "offline"
)

// WorkerInfo is a registry's view of one worker.
type WorkerInfo struct {
	ID            string
	Capabilities  []string
	Status        WorkerStatus
	CurrentTaskID string
	StartedAt     time.Time
	LastHeartbeat time.Time
	TasksHandled  int
	TasksFailed   int
}

func (w *WorkerInfo) clone() *WorkerInfo {
	c := *w
	c.Capabilities = append([]string(nil), w.Capabilities...)
	return &c
}

// hasCapability reports whether the worker advertises cap, or whether it
// advertises no capabilities at all (a generalist worker matches anything).
func (w *WorkerInfo) hasCapability(cap string) bool {
	if cap == "" || len(w.Capabilities) == 0 {
		return true
	}
	for _, c := range w.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// RegistryConfig controls heartbeat tracking.
type RegistryConfig struct {
	// HeartbeatTimeout is how long a worker can go without a heartbeat
	// before CheckHeartbeats considers it dead. Defaults to 3x the
	// expected heartbeat interval, the same ratio orchestration/registry.py
	// uses.
	HeartbeatTimeout time.Duration

	// OnStatusChange, if set, is called whenever a worker's status changes.
	OnStatusChange func(workerID string, from, to WorkerStatus)
}

func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{HeartbeatTimeout: 15 * time.Second}
}

// Registry tracks worker liveness and task assignment.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*WorkerInfo
	cfg     RegistryConfig
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultRegistryConfig().HeartbeatTimeout
	}
	return &Registry{workers: make(map[string]*WorkerInfo), cfg: cfg}
}

// Register adds a worker in the idle state.
func (r *Registry) Register(id string, capabilities []string) *WorkerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	info := &WorkerInfo{
		ID:            id,
		Capabilities:  append([]string(nil), capabilities...),
		Status:        WorkerIdle,
		StartedAt:     now,
		LastHeartbeat: now,
	}
	r.workers[id] = info
	return info.clone()
}

// Unregister removes a worker entirely.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workers, id)
}

// Heartbeat refreshes a worker's liveness timestamp.
func (r *Registry) Heartbeat(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[id]; ok {
		w.LastHeartbeat = time.Now()
	}
}

// SetTask marks a worker busy with a task.
func (r *Registry) SetTask(id, taskID string) {
	r.setStatus(id, WorkerBusy, taskID)
}

// ClearTask marks a worker idle again, recording whether the task it was
// running succeeded.
func (r *Registry) ClearTask(id string, success bool) {
	r.mu.Lock()
	if w, ok := r.workers[id]; ok {
		if success {
			w.TasksHandled++
		} else {
			w.TasksFailed++
		}
	}
	r.mu.Unlock()
	r.setStatus(id, WorkerIdle, "")
}

func (r *Registry) setStatus(id string, status WorkerStatus, taskID string) {
	r.mu.Lock()
	w, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	from := w.Status
	w.Status = status
	w.CurrentTaskID = taskID
	cb := r.cfg.OnStatusChange
	r.mu.Unlock()
	if cb != nil && from != status {
		cb(id, from, status)
	}
}

// Get returns a copy of a worker's info.
func (r *Registry) Get(id string) (*WorkerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok {
		return nil, false
	}
	return w.clone(), true
}

// FindIdle returns the first idle worker able to handle capability (empty
// string matches any worker), or false if none is free.
func (r *Registry) FindIdle(capability string) (*WorkerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, w := range r.workers {
		if w.Status == WorkerIdle && w.hasCapability(capability) {
			return w.clone(), true
		}
	}
	return nil, false
}

// CountByStatus returns how many registered workers are in each state.
func (r *Registry) CountByStatus() map[WorkerStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := map[WorkerStatus]int{}
	for _, w := range r.workers {
		counts[w.Status]++
	}
	return counts
}

// List returns a snapshot of every registered worker.
func (r *Registry) List() []*WorkerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*WorkerInfo, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w.clone())
	}
	return out
}

// CheckHeartbeats returns the IDs of workers whose last heartbeat is older
// than HeartbeatTimeout, marking them offline.
func (r *Registry) CheckHeartbeats() []string {
	r.mu.Lock()
	now := time.Now()
	var dead []string
	for id, w := range r.workers {
		if w.Status == WorkerOffline {
			continue
		}
		if now.Sub(w.LastHeartbeat) > r.cfg.HeartbeatTimeout {
			dead = append(dead, id)
		}
	}
	r.mu.Unlock()
	for _, id := range dead {
		r.setStatus(id, WorkerOffline, "")
	}
	return dead
}

// CleanupDead removes offline workers that have been offline for longer
// than maxAge, so the registry doesn't accumulate stale entries forever.
func (r *Registry) CleanupDead(maxAge time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for id, w := range r.workers {
		if w.Status == WorkerOffline && now.Sub(w.LastHeartbeat) > maxAge {
			delete(r.workers, id)
		}
	}
}
