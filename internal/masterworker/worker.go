package masterworker

import (
	"context"
	"time"
)

// TaskPayload is a unit of work distributed to a worker. It is deliberately
// free of any dependency on sessions or reasoning types so this package
// doesn't import the whole agent stack: the Handler the caller supplies
// is the seam that reconnects it.
type TaskPayload struct {
	ID           string
	SessionKey   string
	Query        string
	Capability   string
	SessionMsgs  int // len(session_messages) in the original heuristic
	Timeout      time.Duration
	CreatedAt    time.Time
}

// TaskResult is what a worker reports back after running a TaskPayload.
type TaskResult struct {
	TaskID  string
	Success bool
	Result  string
	Error   string
}

// Handler executes one task to completion. The same Handler value is used
// for the always-on local path and for every spawned worker: what makes a
// worker a worker is that its invocations are serialized behind its own
// inbox channel, not that it runs different code.
type Handler func(ctx context.Context, task *TaskPayload) (string, error)

// worker is a goroutine pulling tasks off its own inbox and reporting
// results to the master's shared results channel.
type worker struct {
	id      string
	handler Handler
	inbox   chan *TaskPayload
	results chan<- workerReport
	done    chan struct{}
}

type workerReport struct {
	workerID string
	result   TaskResult
}

func newWorker(id string, handler Handler, results chan<- workerReport) *worker {
	return &worker{
		id:      id,
		handler: handler,
		inbox:   make(chan *TaskPayload, 1),
		results: results,
		done:    make(chan struct{}),
	}
}

func (w *worker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case task := <-w.inbox:
			if task == nil {
				continue
			}
			w.execute(ctx, task)
		}
	}
}

func (w *worker) execute(ctx context.Context, task *TaskPayload) {
	runCtx := ctx
	var cancel context.CancelFunc
	if task.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}
	text, err := w.handler(runCtx, task)
	report := workerReport{workerID: w.id, result: TaskResult{TaskID: task.ID, Success: err == nil, Result: text}}
	if err != nil {
		report.result.Error = err.Error()
	}
	select {
	case w.results <- report:
	case <-ctx.Done():
	}
}

func (w *worker) stop() { close(w.done) }
