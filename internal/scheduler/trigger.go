// Package scheduler implements the Scheduler: computing when each
// ScheduledTask should next fire, running a loop that dispatches due tasks
// (with a bounded-concurrency worker pool and a catch-up policy for tasks
// missed while the process was down), and persisting task state so a
// restart doesn't lose pending schedules.
package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aviaryai/aviary/pkg/models"
)

// Trigger computes the next time a task should fire given when it last ran
// (zero time if it never has).
type Trigger interface {
	NextRunTime(lastRun time.Time) (time.Time, bool)
}

// OnceTrigger fires exactly once at RunAt.
type OnceTrigger struct {
	RunAt time.Time
	fired bool
}

func NewOnceTrigger(runAt time.Time) *OnceTrigger { return &OnceTrigger{RunAt: runAt} }

func (t *OnceTrigger) NextRunTime(lastRun time.Time) (time.Time, bool) {
	if t.fired || !lastRun.IsZero() {
		return time.Time{}, false
	}
	return t.RunAt, true
}

func (t *OnceTrigger) MarkFired() { t.fired = true }

// IntervalTrigger fires every Interval, aligned to StartTime rather than to
// whenever it happens to be checked: the first fire after StartTime is
// StartTime plus the smallest whole number of intervals that lands at or
// after now, not StartTime+Interval regardless of how late the scheduler
// got around to looking. Once it has a LastRun, it simply walks forward by
// Interval until it's past now, which catches up a scheduler that was
// asleep for multiple interval periods without firing once per missed tick.
type IntervalTrigger struct {
	Interval  time.Duration
	StartTime time.Time
}

func NewIntervalTrigger(interval time.Duration, start time.Time) (*IntervalTrigger, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	if start.IsZero() {
		start = time.Now()
	}
	return &IntervalTrigger{Interval: interval, StartTime: start}, nil
}

func (t *IntervalTrigger) NextRunTime(lastRun time.Time) (time.Time, bool) {
	now := time.Now()
	if lastRun.IsZero() {
		if now.Before(t.StartTime) {
			return t.StartTime, true
		}
		elapsed := now.Sub(t.StartTime)
		intervalsPassed := int(elapsed / t.Interval)
		return t.StartTime.Add(t.Interval * time.Duration(intervalsPassed+1)), true
	}
	next := lastRun.Add(t.Interval)
	for next.Before(now) {
		next = next.Add(t.Interval)
	}
	return next, true
}

// CronTrigger wraps robfig/cron's standard 5-field parser (minute hour dom
// month dow, Sunday=0) for cron-expression schedules.
type CronTrigger struct {
	Expression string
	schedule   cron.Schedule
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

func NewCronTrigger(expr string) (*CronTrigger, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return &CronTrigger{Expression: expr, schedule: sched}, nil
}

func (t *CronTrigger) NextRunTime(lastRun time.Time) (time.Time, bool) {
	from := time.Now()
	if !lastRun.IsZero() && lastRun.After(from) {
		from = lastRun
	}
	next := t.schedule.Next(from)
	return next, !next.IsZero()
}

// TriggerFromTask builds the Trigger a ScheduledTask's TriggerType and
// TriggerConfig describe.
func TriggerFromTask(task *models.ScheduledTask) (Trigger, error) {
	switch task.TriggerType {
	case models.TriggerOnce:
		runAt, err := configTime(task.TriggerConfig, "run_at")
		if err != nil {
			return nil, err
		}
		return NewOnceTrigger(runAt), nil
	case models.TriggerInterval:
		minutes, _ := task.TriggerConfig["interval_minutes"].(float64)
		hours, _ := task.TriggerConfig["interval_hours"].(float64)
		days, _ := task.TriggerConfig["interval_days"].(float64)
		interval := time.Duration(minutes)*time.Minute + time.Duration(hours)*time.Hour + time.Duration(days)*24*time.Hour
		start, _ := configTime(task.TriggerConfig, "start_time")
		return NewIntervalTrigger(interval, start)
	case models.TriggerCron:
		expr, _ := task.TriggerConfig["expression"].(string)
		return NewCronTrigger(expr)
	default:
		return nil, fmt.Errorf("unknown trigger type %q", task.TriggerType)
	}
}

func configTime(cfg map[string]any, key string) (time.Time, error) {
	v, ok := cfg[key]
	if !ok {
		return time.Time{}, nil
	}
	switch val := v.(type) {
	case string:
		return time.Parse(time.RFC3339, val)
	case float64:
		return time.Unix(int64(val), 0), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported %s value type %T", key, v)
	}
}
