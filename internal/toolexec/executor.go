// Package toolexec implements the Tool Executor: concurrent, timeout-bound
// dispatch of a batch of tool calls against a registry of callable tools,
// with structured error classification on every failure path. It follows
// internal/agent/tool_exec.go's semaphore/goroutine-per-call shape, but
// replaces its ad hoc error strings with the toolerr taxonomy so a failed
// tool_result always carries a classified error_type the Reasoning Engine
// can act on.
package toolexec

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aviaryai/aviary/internal/toolerr"
	"github.com/aviaryai/aviary/pkg/models"
)

// Tool is one callable tool implementation.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, input json.RawMessage) (string, error)
}

// Registry looks tools up by name for dispatch.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

func (r *Registry) Specs() []ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]ToolSpec, 0, len(r.tools))
	for _, t := range r.tools {
		specs = append(specs, ToolSpec{Name: t.Name(), Description: t.Description(), Schema: t.Schema()})
	}
	return specs
}

// ToolSpec mirrors reasoning.ToolSpec without importing that package
// (toolexec sits below reasoning in the dependency graph; callers convert).
type ToolSpec struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Config bounds execution concurrency, per-call timeout, and retry policy.
type Config struct {
	Concurrency    int
	PerToolTimeout time.Duration
	MaxAttempts    int
	RetryBackoff   time.Duration
}

func DefaultConfig() Config {
	return Config{Concurrency: 4, PerToolTimeout: 30 * time.Second, MaxAttempts: 1}
}

// Executor runs tool-call batches concurrently against a Registry.
type Executor struct {
	registry *Registry
	config   Config
}

func NewExecutor(registry *Registry, cfg Config) *Executor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PerToolTimeout <= 0 {
		cfg.PerToolTimeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Executor{registry: registry, config: cfg}
}

// ExecuteBatch runs every call in toolCalls concurrently (bounded by
// Config.Concurrency), in call order in the returned results slice, and
// also returns the list of tool names that were actually dispatched (as
// opposed to rejected before execution, e.g. unknown tool name) so the
// Reasoning Engine's loop-detection and tools_executed bookkeeping stays
// accurate even when a call never ran.
func (e *Executor) ExecuteBatch(ctx context.Context, toolCalls []models.ToolCall) ([]models.ToolResult, []string, error) {
	results := make([]models.ToolResult, len(toolCalls))
	executedFlags := make([]bool, len(toolCalls))

	sem := make(chan struct{}, e.config.Concurrency)
	var wg sync.WaitGroup

	for i, tc := range toolCalls {
		wg.Add(1)
		go func(idx int, call models.ToolCall) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				te := toolerr.Classify(ctx.Err(), call.Name).WithRetrySuggestion("retry once the request is no longer canceled")
				results[idx] = toResult(te, call.ID)
				return
			}

			tool, ok := e.registry.Get(call.Name)
			if !ok {
				te := toolerr.New(toolerr.Permanent, call.Name, "unknown tool")
				results[idx] = toResult(te, call.ID)
				return
			}
			executedFlags[idx] = true
			results[idx] = e.executeWithRetry(ctx, tool, call)
		}(i, tc)
	}
	wg.Wait()

	executed := make([]string, 0, len(toolCalls))
	for i, tc := range toolCalls {
		if executedFlags[i] {
			executed = append(executed, tc.Name)
		}
	}
	return results, executed, nil
}

func (e *Executor) executeWithRetry(ctx context.Context, tool Tool, call models.ToolCall) models.ToolResult {
	var last models.ToolResult
	for attempt := 1; attempt <= e.config.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, e.config.PerToolTimeout)
		out, err := e.runOnce(callCtx, tool, call)
		cancel()
		if err == nil {
			return models.ToolResult{ToolCallID: call.ID, Content: out}
		}
		te := toolerr.Classify(err, call.Name)
		last = toResult(te, call.ID)
		if !te.IsRetryable() || attempt == e.config.MaxAttempts {
			return last
		}
		if e.config.RetryBackoff > 0 {
			select {
			case <-time.After(e.config.RetryBackoff):
			case <-ctx.Done():
				return last
			}
		}
	}
	return last
}

// runOnce executes a single attempt, recovering from a tool panic and
// converting it into a classified error rather than crashing the executor.
func (e *Executor) runOnce(ctx context.Context, tool Tool, call models.ToolCall) (result string, err error) {
	type outcome struct {
		result string
		err    error
	}
	ch := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		res, execErr := tool.Execute(ctx, call.Input)
		ch <- outcome{result: res, err: execErr}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case o := <-ch:
		return o.result, o.err
	}
}

func toResult(te *toolerr.ToolError, callID string) models.ToolResult {
	return models.ToolResult{ToolCallID: callID, Content: te.ToToolResult(), IsError: true}
}
