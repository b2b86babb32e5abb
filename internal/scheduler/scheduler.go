package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aviaryai/aviary/pkg/models"
)

// Dispatcher delivers a due task: a reminder is sent verbatim, a task is run
// through the Reasoning Engine. Implementations live above this package
// (reminders go out over the Message Gateway, tasks go through the
// orchestrator) so the scheduler itself never depends on either.
type Dispatcher interface {
	DispatchReminder(ctx context.Context, task *models.ScheduledTask) error
	DispatchTask(ctx context.Context, task *models.ScheduledTask) (result string, err error)
}

// Config controls the scheduler loop.
type Config struct {
	PollInterval time.Duration
	Concurrency  int
}

func DefaultConfig() Config {
	return Config{PollInterval: 15 * time.Second, Concurrency: 4}
}

// Scheduler polls TaskStore for due tasks and dispatches them with bounded
// concurrency. A task missed while the process was down is not replayed
// once per missed tick: its Trigger computes the single next fire time
// relative to now, so the scheduler catches up by firing once, not by
// flooding the dispatcher with backlog.
type Scheduler struct {
	store      TaskStore
	dispatcher Dispatcher
	config     Config
	log        *slog.Logger

	triggers map[string]Trigger
	mu       sync.Mutex

	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(store TaskStore, dispatcher Dispatcher, config Config, log *slog.Logger) *Scheduler {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultConfig().Concurrency
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		store:      store,
		dispatcher: dispatcher,
		config:     config,
		log:        log,
		triggers:   make(map[string]Trigger),
		stopCh:     make(chan struct{}),
	}
}

// Schedule registers a new task, computing its initial NextRun.
func (s *Scheduler) Schedule(ctx context.Context, task *models.ScheduledTask) error {
	trigger, err := TriggerFromTask(task)
	if err != nil {
		return err
	}
	var last time.Time
	if task.LastRun != nil {
		last = *task.LastRun
	}
	next, ok := trigger.NextRunTime(last)
	if ok {
		task.NextRun = &next
	}
	if task.Status == "" {
		task.Status = models.ScheduledScheduled
	}
	if err := s.store.Create(ctx, task); err != nil {
		return err
	}
	s.mu.Lock()
	s.triggers[task.ID] = trigger
	s.mu.Unlock()
	return nil
}

// Run polls for due tasks until ctx is cancelled or Stop is called.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Scheduler) tick(ctx context.Context) {
	tasks, err := s.store.List(ctx)
	if err != nil {
		s.log.Error("scheduler: list tasks failed", "error", err)
		return
	}
	now := time.Now()
	due := make([]*models.ScheduledTask, 0)
	for _, t := range tasks {
		if t.IsActive() && t.NextRun != nil && !t.NextRun.After(now) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return
	}

	sem := make(chan struct{}, s.config.Concurrency)
	var wg sync.WaitGroup
	for _, task := range due {
		wg.Add(1)
		sem <- struct{}{}
		go func(task *models.ScheduledTask) {
			defer wg.Done()
			defer func() { <-sem }()
			s.run(ctx, task)
		}(task)
	}
	wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, task *models.ScheduledTask) {
	task.MarkRunning()
	if err := s.store.Update(ctx, task); err != nil {
		s.log.Error("scheduler: mark running failed", "task_id", task.ID, "error", err)
	}

	exec := &models.TaskExecution{TaskID: task.ID, StartedAt: time.Now(), Status: "running"}

	var runErr error
	var result string
	switch task.Kind {
	case models.ScheduleReminder:
		runErr = s.dispatcher.DispatchReminder(ctx, task)
	default:
		result, runErr = s.dispatcher.DispatchTask(ctx, task)
	}
	exec.Finish(runErr == nil, result, errString(runErr))
	if err := s.store.RecordExecution(ctx, exec); err != nil {
		s.log.Error("scheduler: record execution failed", "task_id", task.ID, "error", err)
	}

	if runErr != nil {
		s.log.Warn("scheduler: task run failed", "task_id", task.ID, "error", runErr)
		task.MarkFailed()
		if err := s.store.Update(ctx, task); err != nil {
			s.log.Error("scheduler: update after failure failed", "task_id", task.ID, "error", err)
		}
		return
	}

	trigger := s.triggerFor(task)
	var next *time.Time
	if trigger != nil {
		n, ok := trigger.NextRunTime(time.Now())
		if ok {
			next = &n
		}
	}
	task.MarkCompleted(next)
	if err := s.store.Update(ctx, task); err != nil {
		s.log.Error("scheduler: update after completion failed", "task_id", task.ID, "error", err)
	}
}

func (s *Scheduler) triggerFor(task *models.ScheduledTask) Trigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.triggers[task.ID]; ok {
		return t
	}
	trigger, err := TriggerFromTask(task)
	if err != nil {
		return nil
	}
	s.triggers[task.ID] = trigger
	return trigger
}

// Cancel disables a task so the loop no longer considers it.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	task, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	task.Enabled = false
	task.Status = models.ScheduledCancelled
	return s.store.Update(ctx, task)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
