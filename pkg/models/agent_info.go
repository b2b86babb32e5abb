package models

import "time"

// AgentType distinguishes the coordinating master from fungible workers in
// the Master-Worker registry.
type AgentType string

const (
	AgentTypeMaster      AgentType = "master"
	AgentTypeWorker      AgentType = "worker"
	AgentTypeSpecialized AgentType = "specialized"
)

// AgentStatus is an entry's liveness/availability state in the registry.
type AgentStatus string

const (
	AgentIdle     AgentStatus = "idle"
	AgentBusy     AgentStatus = "busy"
	AgentStopping AgentStatus = "stopping"
	AgentDead     AgentStatus = "dead"
)

// AgentInfo is one registry entry, mirroring orchestration/registry.py's
// in-memory record of a master or worker process.
type AgentInfo struct {
	AgentID          string      `json:"agent_id"`
	AgentType        AgentType   `json:"agent_type"`
	ProcessID        int         `json:"process_id"`
	Status           AgentStatus `json:"status"`
	Capabilities     []string    `json:"capabilities,omitempty"`
	CurrentTaskID    string      `json:"current_task_id,omitempty"`
	CurrentTaskDesc  string      `json:"current_task_desc,omitempty"`
	TasksCompleted   int         `json:"tasks_completed"`
	TasksFailed      int         `json:"tasks_failed"`
	StartedAt        time.Time   `json:"started_at"`
	LastHeartbeat    time.Time   `json:"last_heartbeat"`
}

// UpdateHeartbeat stamps the entry's last-seen time.
func (a *AgentInfo) UpdateHeartbeat() {
	a.LastHeartbeat = time.Now()
}

// SetTask marks the entry busy with the given task.
func (a *AgentInfo) SetTask(taskID, desc string) {
	a.Status = AgentBusy
	a.CurrentTaskID = taskID
	a.CurrentTaskDesc = desc
}

// ClearTask releases the entry back to idle, recording success or failure.
func (a *AgentInfo) ClearTask(success bool) {
	if success {
		a.TasksCompleted++
	} else {
		a.TasksFailed++
	}
	a.Status = AgentIdle
	a.CurrentTaskID = ""
	a.CurrentTaskDesc = ""
}

// HasCapabilities reports whether a has every capability in required.
func (a *AgentInfo) HasCapabilities(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]bool, len(a.Capabilities))
	for _, c := range a.Capabilities {
		have[c] = true
	}
	for _, r := range required {
		if !have[r] {
			return false
		}
	}
	return true
}
