package toolexec

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aviaryai/aviary/pkg/models"
)

type echoTool struct{}

func (echoTool) Name() string            { return "echo" }
func (echoTool) Description() string     { return "echoes input" }
func (echoTool) Schema() json.RawMessage { return json.RawMessage(`{}`) }
func (echoTool) Execute(_ context.Context, input json.RawMessage) (string, error) {
	return string(input), nil
}

type failingTool struct{ err error }

func (f failingTool) Name() string            { return "fail" }
func (f failingTool) Description() string     { return "always fails" }
func (f failingTool) Schema() json.RawMessage { return json.RawMessage(`{}`) }
func (f failingTool) Execute(_ context.Context, _ json.RawMessage) (string, error) {
	return "", f.err
}

type panicTool struct{}

func (panicTool) Name() string            { return "panicky" }
func (panicTool) Description() string     { return "panics" }
func (panicTool) Schema() json.RawMessage { return json.RawMessage(`{}`) }
func (panicTool) Execute(_ context.Context, _ json.RawMessage) (string, error) {
	panic("boom")
}

func TestExecuteBatch_Success(t *testing.T) {
	reg := NewRegistry()
	reg.Register(echoTool{})
	ex := NewExecutor(reg, DefaultConfig())

	results, executed, err := ex.ExecuteBatch(context.Background(), []models.ToolCall{
		{ID: "1", Name: "echo", Input: json.RawMessage(`"hi"`)},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(executed) != 1 || executed[0] != "echo" {
		t.Errorf("expected echo to be recorded as executed, got %v", executed)
	}
	if results[0].IsError || results[0].Content != `"hi"` {
		t.Errorf("unexpected result: %+v", results[0])
	}
}

func TestExecuteBatch_UnknownToolIsClassifiedNotExecuted(t *testing.T) {
	reg := NewRegistry()
	ex := NewExecutor(reg, DefaultConfig())

	results, executed, _ := ex.ExecuteBatch(context.Background(), []models.ToolCall{
		{ID: "1", Name: "nonexistent", Input: json.RawMessage(`{}`)},
	})
	if len(executed) != 0 {
		t.Errorf("unknown tool should not be recorded as executed")
	}
	if !results[0].IsError || !strings.Contains(results[0].Content, "permanent") {
		t.Errorf("expected a classified permanent error, got %+v", results[0])
	}
}

func TestExecuteBatch_PanicRecovered(t *testing.T) {
	reg := NewRegistry()
	reg.Register(panicTool{})
	ex := NewExecutor(reg, DefaultConfig())

	results, _, err := ex.ExecuteBatch(context.Background(), []models.ToolCall{
		{ID: "1", Name: "panicky", Input: json.RawMessage(`{}`)},
	})
	if err != nil {
		t.Fatalf("ExecuteBatch itself should not error on a tool panic: %v", err)
	}
	if !results[0].IsError || !strings.Contains(results[0].Content, "panicked") {
		t.Errorf("expected panic to be reported as a tool error, got %+v", results[0])
	}
}

func TestExecuteWithRetry_RetriesTransientErrors(t *testing.T) {
	reg := NewRegistry()
	reg.Register(failingTool{err: errors.New("connection refused")})
	cfg := Config{Concurrency: 1, PerToolTimeout: time.Second, MaxAttempts: 3, RetryBackoff: time.Millisecond}
	ex := NewExecutor(reg, cfg)

	results, _, _ := ex.ExecuteBatch(context.Background(), []models.ToolCall{
		{ID: "1", Name: "fail", Input: json.RawMessage(`{}`)},
	})
	if !results[0].IsError || !strings.Contains(results[0].Content, "transient") {
		t.Errorf("expected a transient classified error after exhausting retries, got %+v", results[0])
	}
}
