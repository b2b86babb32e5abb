package models

import "time"

// TaskStatus is a state in the Reasoning Engine's run loop. The valid
// transition table lives alongside TaskState.Transition, not here, so that
// illegal transitions fail at the point they're attempted.
type TaskStatus string

const (
	TaskIdle           TaskStatus = "idle"
	TaskCompiling      TaskStatus = "compiling"
	TaskReasoning      TaskStatus = "reasoning"
	TaskActing         TaskStatus = "acting"
	TaskObserving      TaskStatus = "observing"
	TaskVerifying      TaskStatus = "verifying"
	TaskModelSwitching TaskStatus = "model_switching"
	TaskWaitingUser    TaskStatus = "waiting_user"
	TaskCompleted      TaskStatus = "completed"
	TaskFailed         TaskStatus = "failed"
	TaskCancelled      TaskStatus = "cancelled"
)

// validTaskTransitions mirrors the original implementation's transition
// table exactly (core/agent_state.py::_VALID_TRANSITIONS).
var validTaskTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskIdle:           set(TaskCompiling, TaskReasoning),
	TaskCompiling:      set(TaskReasoning, TaskCancelled, TaskFailed),
	TaskReasoning:      set(TaskActing, TaskObserving, TaskVerifying, TaskCompleted, TaskWaitingUser, TaskCancelled, TaskModelSwitching, TaskFailed),
	TaskActing:         set(TaskObserving, TaskWaitingUser, TaskCancelled, TaskFailed),
	TaskObserving:      set(TaskReasoning, TaskVerifying, TaskCancelled, TaskFailed),
	TaskVerifying:      set(TaskCompleted, TaskReasoning, TaskCancelled),
	TaskModelSwitching: set(TaskReasoning, TaskFailed),
	TaskWaitingUser:    set(TaskReasoning, TaskIdle, TaskCancelled),
	TaskCompleted:      set(TaskIdle),
	TaskFailed:         set(TaskIdle),
	TaskCancelled:      set(TaskIdle),
}

func set(statuses ...TaskStatus) map[TaskStatus]bool {
	m := make(map[TaskStatus]bool, len(statuses))
	for _, s := range statuses {
		m[s] = true
	}
	return m
}

// terminalStatuses excludes TaskWaitingUser deliberately: a task suspended
// waiting on the user is not done, but it also is not actively looping.
var terminalStatuses = set(TaskCompleted, TaskFailed, TaskCancelled)
var idleOrTerminal = set(TaskIdle, TaskCompleted, TaskFailed, TaskCancelled)

// DecisionType classifies what the Reasoning Engine's model call produced.
type DecisionType string

const (
	DecisionFinalAnswer DecisionType = "final_answer"
	DecisionToolCalls   DecisionType = "tool_calls"
)

// Decision is the parsed result of one reasoning turn.
type Decision struct {
	Type             DecisionType
	TextContent      string
	ToolCalls        []ToolCall
	ThinkingContent  string
	StopReason       string
	AssistantContent []ContentBlock
}

// ContentBlock is one block of an assistant turn (text, thinking, or
// tool_use), preserved verbatim so it can be replayed into message history.
type ContentBlock struct {
	Type     string     `json:"type"`
	Text     string     `json:"text,omitempty"`
	Thinking string     `json:"thinking,omitempty"`
	ToolCall *ToolCall  `json:"tool_call,omitempty"`
}

// Checkpoint is a snapshot the Reasoning Engine can roll back to when a
// tool-call batch fails outright or a tool fails repeatedly in a row.
type Checkpoint struct {
	ID              string    `json:"id"`
	MessagesSnapshot []Message `json:"messages_snapshot"`
	Iteration       int       `json:"iteration"`
	DecisionSummary string    `json:"decision_summary"`
	ToolNames       []string  `json:"tool_names"`
	Timestamp       time.Time `json:"timestamp"`
}

// TaskState is the Reasoning Engine's working state for one run of the
// ReAct loop, mirroring core/agent_state.py::TaskState field for field.
type TaskState struct {
	TaskID         string     `json:"task_id"`
	SessionID      string     `json:"session_id"`
	ConversationID string     `json:"conversation_id"`
	Status         TaskStatus `json:"status"`

	TaskDefinition string `json:"task_definition,omitempty"`
	TaskQuery      string `json:"task_query,omitempty"`

	Cancelled    bool   `json:"cancelled"`
	CancelReason string `json:"cancel_reason,omitempty"`

	CurrentModel string `json:"current_model,omitempty"`
	Iteration    int    `json:"iteration"`

	ConsecutiveToolRounds  int      `json:"consecutive_tool_rounds"`
	ToolsExecuted          []string `json:"tools_executed"`
	ToolsExecutedInTask    bool     `json:"tools_executed_in_task"`
	DeliveryReceipts       []string `json:"delivery_receipts"`
	NoToolCallCount        int      `json:"no_tool_call_count"`
	VerifyIncompleteCount  int      `json:"verify_incomplete_count"`
	NoConfirmationTextCount int     `json:"no_confirmation_text_count"`

	RecentToolSignatures  []string `json:"recent_tool_signatures"`
	ToolPatternWindow     int      `json:"tool_pattern_window"`
	LLMSelfCheckInterval  int      `json:"llm_self_check_interval"`
	ExtremeSafetyThreshold int     `json:"extreme_safety_threshold"`

	LastBrowserURL        string    `json:"last_browser_url,omitempty"`
	OriginalUserMessages  []Message `json:"original_user_messages"`

	ToolFailureCounter map[string]int `json:"-"`
	Checkpoints        []Checkpoint   `json:"-"`
}

// NewTaskState constructs a task in TaskIdle with the original implementation's
// loop-detection defaults (window 8, self-check interval 10, extreme
// safety threshold 50).
func NewTaskState(taskID, sessionID, conversationID string) *TaskState {
	return &TaskState{
		TaskID:                 taskID,
		SessionID:              sessionID,
		ConversationID:         conversationID,
		Status:                 TaskIdle,
		ToolPatternWindow:      8,
		LLMSelfCheckInterval:   10,
		ExtremeSafetyThreshold: 50,
		ToolFailureCounter:     make(map[string]int),
	}
}

// Transition moves the task to newStatus, returning an error describing the
// legal next states if the transition is not allowed.
func (t *TaskState) Transition(newStatus TaskStatus) error {
	allowed, ok := validTaskTransitions[t.Status]
	if !ok || !allowed[newStatus] {
		return &InvalidTransitionError{From: t.Status, To: newStatus, Allowed: allowed}
	}
	t.Status = newStatus
	return nil
}

// InvalidTransitionError reports an illegal TaskStatus transition attempt.
type InvalidTransitionError struct {
	From    TaskStatus
	To      TaskStatus
	Allowed map[TaskStatus]bool
}

func (e *InvalidTransitionError) Error() string {
	legal := make([]string, 0, len(e.Allowed))
	for s := range e.Allowed {
		legal = append(legal, string(s))
	}
	msg := "invalid task transition " + string(e.From) + " -> " + string(e.To) + " (legal: "
	for i, s := range legal {
		if i > 0 {
			msg += ", "
		}
		msg += s
	}
	return msg + ")"
}

// IsActive reports whether the task is still being worked: not idle and not
// in a terminal status.
func (t *TaskState) IsActive() bool {
	return !idleOrTerminal[t.Status]
}

// IsTerminal reports whether the task has finished one way or another.
// WAITING_USER is deliberately excluded: the task is suspended, not done.
func (t *TaskState) IsTerminal() bool {
	return terminalStatuses[t.Status]
}

// Cancel marks the task cancelled and forces the transition unless the task
// is already idle or terminal.
func (t *TaskState) Cancel(reason string) {
	t.Cancelled = true
	t.CancelReason = reason
	if !idleOrTerminal[t.Status] {
		t.Status = TaskCancelled
	}
}

// ResetForModelSwitch clears the loop-detection and completion counters
// that should not carry across an LLM endpoint failover.
func (t *TaskState) ResetForModelSwitch() {
	t.NoToolCallCount = 0
	t.ToolsExecutedInTask = false
	t.VerifyIncompleteCount = 0
	t.ToolsExecuted = nil
	t.ConsecutiveToolRounds = 0
	t.RecentToolSignatures = nil
	t.NoConfirmationTextCount = 0
}

// RecordToolSignature appends a call signature, trimming to the last
// ToolPatternWindow entries.
func (t *TaskState) RecordToolSignature(sig string) {
	t.RecentToolSignatures = append(t.RecentToolSignatures, sig)
	if len(t.RecentToolSignatures) > t.ToolPatternWindow {
		t.RecentToolSignatures = t.RecentToolSignatures[len(t.RecentToolSignatures)-t.ToolPatternWindow:]
	}
}

// TriggerType names how a ScheduledTask decides when to fire.
type TriggerType string

const (
	TriggerOnce     TriggerType = "once"
	TriggerInterval TriggerType = "interval"
	TriggerCron     TriggerType = "cron"
)

// ScheduleKind distinguishes a plain reminder (delivered verbatim, no LLM
// involved) from a task that must be run through the Reasoning Engine.
type ScheduleKind string

const (
	ScheduleReminder ScheduleKind = "reminder"
	ScheduleTask     ScheduleKind = "task"
)

// ScheduledTaskStatus tracks lifecycle state distinct from whether the task
// is currently enabled.
type ScheduledTaskStatus string

const (
	ScheduledPending   ScheduledTaskStatus = "pending"
	ScheduledScheduled ScheduledTaskStatus = "scheduled"
	ScheduledRunning   ScheduledTaskStatus = "running"
	ScheduledCompleted ScheduledTaskStatus = "completed"
	ScheduledFailed    ScheduledTaskStatus = "failed"
	ScheduledDisabled  ScheduledTaskStatus = "disabled"
	ScheduledCancelled ScheduledTaskStatus = "cancelled"
)

// MaxConsecutiveFailures is the circuit-breaker threshold ported from
// scheduler/task.py::mark_failed: a task disables itself after this many
// consecutive failures rather than retrying forever.
const MaxConsecutiveFailures = 5

// ScheduledTask is a task the Scheduler fires on a trigger, mirroring
// scheduler/task.py::ScheduledTask field for field.
type ScheduledTask struct {
	ID              string              `json:"id"`
	Name            string              `json:"name"`
	Description     string              `json:"description,omitempty"`
	TriggerType     TriggerType         `json:"trigger_type"`
	TriggerConfig   map[string]any      `json:"trigger_config"`
	Kind            ScheduleKind        `json:"task_type"`
	ReminderMessage string              `json:"reminder_message,omitempty"`
	Prompt          string              `json:"prompt,omitempty"`
	Action          string              `json:"action,omitempty"`
	ChannelID       string              `json:"channel_id,omitempty"`
	ChatID          string              `json:"chat_id,omitempty"`
	UserID          string              `json:"user_id,omitempty"`
	Enabled         bool                `json:"enabled"`
	Status          ScheduledTaskStatus `json:"status"`
	Deletable       bool                `json:"deletable"`
	LastRun         *time.Time          `json:"last_run,omitempty"`
	NextRun         *time.Time          `json:"next_run,omitempty"`
	RunCount        int                 `json:"run_count"`
	FailCount       int                 `json:"fail_count"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
	Metadata        map[string]any      `json:"metadata,omitempty"`
}

// IsActive reports whether the task should be considered by the trigger loop.
func (s *ScheduledTask) IsActive() bool {
	return s.Enabled && (s.Status == ScheduledPending || s.Status == ScheduledScheduled)
}

func (s *ScheduledTask) IsOneTime() bool { return s.TriggerType == TriggerOnce }
func (s *ScheduledTask) IsReminder() bool { return s.Kind == ScheduleReminder }

// MarkRunning transitions the task into RUNNING.
func (s *ScheduledTask) MarkRunning() {
	s.Status = ScheduledRunning
	s.UpdatedAt = time.Now()
}

// MarkCompleted records a successful run. One-time tasks disable themselves
// after firing; recurring tasks go back to SCHEDULED with their next fire
// time.
func (s *ScheduledTask) MarkCompleted(next *time.Time) {
	s.RunCount++
	now := time.Now()
	s.LastRun = &now
	if s.IsOneTime() {
		s.Status = ScheduledCompleted
		s.Enabled = false
	} else {
		s.Status = ScheduledScheduled
		s.NextRun = next
	}
	s.UpdatedAt = now
}

// MarkFailed records a failed run, disabling the task once FailCount reaches
// MaxConsecutiveFailures.
func (s *ScheduledTask) MarkFailed() {
	s.FailCount++
	if s.FailCount >= MaxConsecutiveFailures {
		s.Status = ScheduledFailed
		s.Enabled = false
	} else {
		s.Status = ScheduledScheduled
	}
	s.UpdatedAt = time.Now()
}

// TaskExecution is one run record for a ScheduledTask.
type TaskExecution struct {
	ID         string     `json:"id"`
	TaskID     string     `json:"task_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `json:"status"` // running, success, failed, timeout
	Result     string     `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	DurationMS int64      `json:"duration_ms,omitempty"`
}

// Finish records the outcome of an execution and its duration.
func (e *TaskExecution) Finish(success bool, result, errMsg string) {
	now := time.Now()
	e.FinishedAt = &now
	e.DurationMS = now.Sub(e.StartedAt).Milliseconds()
	if success {
		e.Status = "success"
	} else {
		e.Status = "failed"
	}
	e.Result = result
	e.Error = errMsg
}
