package masterworker

import (
	"context"
	"strings"
	"testing"
	"time"
)

func echoHandler(ctx context.Context, task *TaskPayload) (string, error) {
	return "worker: " + task.Query, nil
}

func TestMaster_HandlesLocallyWhenNoWorkers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinWorkers = 0
	local := func(ctx context.Context, task *TaskPayload) (string, error) {
		return "local: " + task.Query, nil
	}
	m := New(local, echoHandler, cfg, nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	text, err := m.HandleRequest(context.Background(), &TaskPayload{Query: "hi"})
	if err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	if text != "local: hi" {
		t.Errorf("expected local handling, got %q", text)
	}
	if m.GetStats().TasksLocal != 1 {
		t.Errorf("expected 1 local task, got %+v", m.GetStats())
	}
}

func TestMaster_DistributesLongTaskToIdleWorker(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinWorkers = 1
	local := func(ctx context.Context, task *TaskPayload) (string, error) {
		return "local: " + task.Query, nil
	}
	m := New(local, echoHandler, cfg, nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	longQuery := strings.Repeat("a", 100)
	text, err := m.HandleRequest(context.Background(), &TaskPayload{Query: longQuery, SessionMsgs: 3})
	if err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	if !strings.HasPrefix(text, "worker: ") {
		t.Errorf("expected worker to handle the long task, got %q", text)
	}
	if m.GetStats().TasksDistributed != 1 {
		t.Errorf("expected 1 distributed task, got %+v", m.GetStats())
	}
}

func TestMaster_WorkerGoesIdleAgainAfterTask(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinWorkers = 1
	m := New(func(ctx context.Context, task *TaskPayload) (string, error) { return "x", nil }, echoHandler, cfg, nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	longQuery := strings.Repeat("a", 100)
	if _, err := m.HandleRequest(context.Background(), &TaskPayload{Query: longQuery, SessionMsgs: 1}); err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := m.Registry().FindIdle(""); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected worker to return to idle after completing its task")
}

func TestMaster_DeadWorkerFailsItsPendingTask(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinWorkers = 1
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.HealthCheckInterval = 20 * time.Millisecond

	blockUntil := make(chan struct{})
	slow := func(ctx context.Context, task *TaskPayload) (string, error) {
		<-blockUntil
		return "too late", nil
	}
	m := New(func(ctx context.Context, task *TaskPayload) (string, error) { return "local", nil }, slow, cfg, nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer close(blockUntil)
	defer m.Stop()

	longQuery := strings.Repeat("a", 100)
	_, err := m.HandleRequest(context.Background(), &TaskPayload{Query: longQuery, SessionMsgs: 1, Timeout: 5 * time.Second})
	if err == nil {
		t.Fatal("expected the dead worker's task to fail")
	}
	if !strings.Contains(err.Error(), "retry") {
		t.Errorf("expected a retry message, got %v", err)
	}
}
