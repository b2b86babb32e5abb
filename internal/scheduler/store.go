package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aviaryai/aviary/pkg/models"
)

// TaskStore persists ScheduledTask records.
type TaskStore interface {
	Create(ctx context.Context, task *models.ScheduledTask) error
	Get(ctx context.Context, id string) (*models.ScheduledTask, error)
	Update(ctx context.Context, task *models.ScheduledTask) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*models.ScheduledTask, error)
	RecordExecution(ctx context.Context, exec *models.TaskExecution) error
}

// FileTaskStore persists one JSON file per task under BaseDir, using the
// same write-to-temp-then-rename pattern as the session store so a crash
// mid-write can never leave a half-written task file behind.
type FileTaskStore struct {
	BaseDir string

	mu         sync.RWMutex
	tasks      map[string]*models.ScheduledTask
	executions map[string][]*models.TaskExecution
}

func NewFileTaskStore(baseDir string) (*FileTaskStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, err
	}
	ts := &FileTaskStore{
		BaseDir:    baseDir,
		tasks:      map[string]*models.ScheduledTask{},
		executions: map[string][]*models.TaskExecution{},
	}
	if err := ts.loadAll(); err != nil {
		return nil, err
	}
	return ts, nil
}

type taskFile struct {
	Task       *models.ScheduledTask    `json:"task"`
	Executions []*models.TaskExecution `json:"executions,omitempty"`
}

func (ts *FileTaskStore) pathFor(id string) string {
	return filepath.Join(ts.BaseDir, id+".json")
}

func (ts *FileTaskStore) loadAll() error {
	entries, err := os.ReadDir(ts.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(ts.BaseDir, entry.Name()))
		if err != nil {
			continue
		}
		var tf taskFile
		if err := json.Unmarshal(data, &tf); err != nil || tf.Task == nil {
			continue
		}
		ts.tasks[tf.Task.ID] = tf.Task
		ts.executions[tf.Task.ID] = tf.Executions
	}
	return nil
}

func (ts *FileTaskStore) persist(id string) error {
	task, ok := ts.tasks[id]
	if !ok {
		return nil
	}
	tf := taskFile{Task: task, Executions: ts.executions[id]}
	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(ts.BaseDir, id+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, ts.pathFor(id))
}

func (ts *FileTaskStore) Create(ctx context.Context, task *models.ScheduledTask) error {
	if task == nil {
		return errors.New("task is required")
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	ts.tasks[task.ID] = task
	return ts.persist(task.ID)
}

func (ts *FileTaskStore) Get(ctx context.Context, id string) (*models.ScheduledTask, error) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	t, ok := ts.tasks[id]
	if !ok {
		return nil, errors.New("task not found")
	}
	clone := *t
	return &clone, nil
}

func (ts *FileTaskStore) Update(ctx context.Context, task *models.ScheduledTask) error {
	if task == nil {
		return errors.New("task is required")
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if _, ok := ts.tasks[task.ID]; !ok {
		return errors.New("task not found")
	}
	task.UpdatedAt = time.Now()
	ts.tasks[task.ID] = task
	return ts.persist(task.ID)
}

func (ts *FileTaskStore) Delete(ctx context.Context, id string) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if _, ok := ts.tasks[id]; !ok {
		return errors.New("task not found")
	}
	delete(ts.tasks, id)
	delete(ts.executions, id)
	return os.Remove(ts.pathFor(id))
}

func (ts *FileTaskStore) List(ctx context.Context) ([]*models.ScheduledTask, error) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	out := make([]*models.ScheduledTask, 0, len(ts.tasks))
	for _, t := range ts.tasks {
		clone := *t
		out = append(out, &clone)
	}
	return out, nil
}

func (ts *FileTaskStore) RecordExecution(ctx context.Context, exec *models.TaskExecution) error {
	if exec == nil {
		return errors.New("execution is required")
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	ts.executions[exec.TaskID] = append(ts.executions[exec.TaskID], exec)
	const maxExecutionsPerTask = 50
	if len(ts.executions[exec.TaskID]) > maxExecutionsPerTask {
		excess := len(ts.executions[exec.TaskID]) - maxExecutionsPerTask
		ts.executions[exec.TaskID] = ts.executions[exec.TaskID][excess:]
	}
	return ts.persist(exec.TaskID)
}
