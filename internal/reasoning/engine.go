// Package reasoning implements the Reasoning Engine: the ReAct (reason,
// act, observe) loop that drives one task to completion. It owns the
// TaskState machine, checkpoint/rollback recovery from dead-end tool
// batches, loop detection over repeated tool-call signatures, the ask_user
// suspension protocol, and LLM failover when the active model errors out.
package reasoning

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/aviaryai/aviary/internal/audit"
	"github.com/aviaryai/aviary/internal/toolerr"
	"github.com/aviaryai/aviary/pkg/models"
)

// Tuning constants ported from the original reasoning engine. These are not
// exposed as config because changing them changes the shape of the loop
// detector's guarantees, not just a knob.
const (
	MaxCheckpoints           = 5
	ConsecutiveFailThreshold = 3
	askUserTimeout           = 60 * time.Second
	askUserMaxReminders      = 1
	askUserPollInterval      = 2 * time.Second
)

// TokenUsage reports the input/output token cost of one model call, for
// tracing and cost accounting.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
}

// LLM is the narrow surface the Reasoning Engine needs from a model
// provider: produce the next decision given the running transcript.
type LLM interface {
	Model() string
	Reason(ctx context.Context, messages []models.Message, tools []ToolSpec, systemPrompt string) (*models.Decision, TokenUsage, error)
}

// ToolSpec describes one callable tool for the LLM's tool-use schema.
type ToolSpec struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// ToolExecutor runs a batch of tool calls concurrently and reports which
// tool names actually ran (so the caller can attribute loop-detection state
// even to calls that errored).
type ToolExecutor interface {
	ExecuteBatch(ctx context.Context, calls []models.ToolCall) (results []models.ToolResult, executed []string, err error)
}

// ContextManager compresses message history to fit the active model's
// context budget.
type ContextManager interface {
	CompressIfNeeded(ctx context.Context, messages []models.Message, systemPrompt string, toolsTokens, maxTokens int) ([]models.Message, error)
}

// ResponseHandler sanitizes model output and verifies that a claimed final
// answer actually satisfies the user's request.
type ResponseHandler interface {
	Clean(text string) string
	VerifyTaskCompletion(ctx context.Context, taskQuery string, messages []models.Message) (complete bool, note string, err error)
}

// ModelSwitcher selects a fallback LLM when the active one errors out
// repeatedly, and reports the name the new endpoint should be announced
// under.
type ModelSwitcher interface {
	Switch(ctx context.Context, failed LLM) (LLM, string, error)
}

// Tracer receives span-shaped lifecycle notifications for observability.
// Implementations that don't care can embed NoopTracer.
type Tracer interface {
	BeginTrace(taskID string)
	EndTrace(taskID string, outcome string)
}

type NoopTracer struct{}

func (NoopTracer) BeginTrace(string)        {}
func (NoopTracer) EndTrace(string, string) {}

// Config bounds the loop's behavior.
type Config struct {
	MaxIterations          int
	ForceToolCallMaxRetries int // 0 for IM sessions, 1 otherwise (see Engine.Run)
	MaxVerifyRetries       int
	MaxConfirmationRetries int
}

func DefaultConfig() Config {
	return Config{
		MaxIterations:           50,
		ForceToolCallMaxRetries: 1,
		MaxVerifyRetries:        3,
		MaxConfirmationRetries:  1,
	}
}

// Engine runs the ReAct loop for one task at a time (callers serialize
// multiple tasks on the same session through the Session Manager).
type Engine struct {
	LLM             LLM
	Tools           ToolExecutor
	Context         ContextManager
	Response        ResponseHandler
	ModelSwitcher   ModelSwitcher
	Tracer          Tracer
	Config          Config
	Audit           *audit.Logger

	toolFailureCounter map[string]int
	checkpoints        []models.Checkpoint
	lastBrowserURL     string
}

// NewEngine wires an Engine from its collaborators, applying DefaultConfig
// where cfg leaves fields at their zero value.
func NewEngine(llm LLM, tools ToolExecutor, cm ContextManager, rh ResponseHandler, ms ModelSwitcher, tracer Tracer, cfg Config) *Engine {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultConfig().MaxIterations
	}
	if cfg.MaxVerifyRetries <= 0 {
		cfg.MaxVerifyRetries = DefaultConfig().MaxVerifyRetries
	}
	if tracer == nil {
		tracer = NoopTracer{}
	}
	auditLogger, err := audit.NewLogger(audit.Config{})
	if err != nil {
		auditLogger = &audit.Logger{}
	}
	return &Engine{
		LLM: llm, Tools: tools, Context: cm, Response: rh, ModelSwitcher: ms, Tracer: tracer, Config: cfg,
		Audit:              auditLogger,
		toolFailureCounter: make(map[string]int),
	}
}

// browserPageReadTools folds the last-seen browser URL into loop-detection
// signatures for these tools, since their real parameters are often empty
// or trivial (a page-read call that differs only by which URL is open is
// not actually a repeat).
var browserPageReadTools = map[string]bool{
	"browser_get_content":  true,
	"browser_screenshot":   true,
	"browser_list_tabs":    true,
}

// sessionHandle is the minimal view of a Session the engine needs to
// support ask_user suspension without importing the gateway package.
type sessionHandle struct {
	Key     string
	Gateway models.GatewaySession
}

// Run drives the ReAct loop until the task reaches a terminal status or the
// iteration budget is exhausted, returning the text to show the user.
func (e *Engine) Run(ctx context.Context, sess *models.Session, state *models.TaskState, tools []ToolSpec, systemPrompt, taskQuery string, isIM bool) (string, error) {
	e.Tracer.BeginTrace(state.TaskID)
	defer func() { e.Tracer.EndTrace(state.TaskID, string(state.Status)) }()

	state.TaskQuery = taskQuery
	state.CurrentModel = e.LLM.Model()
	state.OriginalUserMessages = filterHumanMessages(sess.Context.Messages)

	working := append([]models.Message(nil), sess.Context.Messages...)

	forceRetries := e.Config.ForceToolCallMaxRetries
	if isIM {
		forceRetries = 0
	}
	maxNoToolRetries := forceRetries
	noToolCallCount := 0
	verifyIncompleteCount := 0
	noConfirmationTextCount := 0

	for iteration := 0; iteration < e.Config.MaxIterations; iteration++ {
		if state.Cancelled {
			return "Task stopped.", nil
		}
		state.Iteration = iteration

		if iteration > 0 {
			compressed, err := e.Context.CompressIfNeeded(ctx, working, systemPrompt, estimateToolsTokens(tools), 124000)
			if err == nil {
				working = compressed
			}
		}

		if err := state.Transition(models.TaskReasoning); err != nil {
			return "", err
		}

		decision, _, err := e.LLM.Reason(ctx, working, tools, systemPrompt)
		if err != nil {
			recovered, switched, handleErr := e.handleLLMError(ctx, err, state)
			if handleErr != nil {
				return "", handleErr
			}
			if switched {
				working = append([]models.Message(nil), state.OriginalUserMessages...)
				working = append(working, models.Message{Role: models.RoleSystem, Content: "model switched due to repeated errors"})
				state.ResetForModelSwitch()
				noToolCallCount, verifyIncompleteCount, noConfirmationTextCount = 0, 0, 0
			}
			_ = recovered
			continue
		}

		switch decision.Type {
		case models.DecisionFinalAnswer:
			result, cont, err := e.handleFinalAnswer(ctx, decision, state, taskQuery, working, &noToolCallCount, &verifyIncompleteCount, &noConfirmationTextCount, maxNoToolRetries)
			if err != nil {
				return "", err
			}
			if cont != nil {
				working = cont
				continue
			}
			if err := state.Transition(models.TaskCompleted); err != nil {
				return "", err
			}
			return result, nil

		case models.DecisionToolCalls:
			askUserCall, otherCalls := splitAskUser(decision.ToolCalls)

			if askUserCall != nil {
				working = append(working, assistantMessage(decision))
				var otherResults []models.ToolResult
				if len(otherCalls) > 0 {
					otherResults, _, _ = e.Tools.ExecuteBatch(ctx, otherCalls)
				}
				question := extractText(*askUserCall)

				if err := state.Transition(models.TaskWaitingUser); err != nil {
					return "", err
				}
				reply, timedOut := e.waitForUserReply(ctx, sess, question, state)
				if reply != "" {
					for _, r := range otherResults {
						working = append(working, models.Message{Role: models.RoleTool, ToolResults: []models.ToolResult{r}})
					}
					working = append(working, models.Message{
						Role: models.RoleTool,
						ToolResults: []models.ToolResult{{ToolCallID: askUserCall.ID, Content: "user replied: " + reply}},
					})
					if err := state.Transition(models.TaskReasoning); err != nil {
						return "", err
					}
					continue
				}
				if timedOut && sess.Gateway != nil {
					working = append(working, models.Message{Role: models.RoleSystem, Content: "user did not reply in time; proceed using your best judgement"})
					continue
				}
				// CLI / no gateway: return the question directly, task stays WAITING_USER.
				return question, nil
			}

			if err := e.saveCheckpoint(decision, state, working); err != nil {
				slog.Warn("failed to save checkpoint", "error", err)
			}
			working = append(working, assistantMessage(decision))
			if state.Cancelled {
				return "Task stopped.", nil
			}

			if err := state.Transition(models.TaskActing); err != nil {
				return "", err
			}
			callNames := make(map[string]string, len(otherCalls))
			for _, tc := range otherCalls {
				callNames[tc.ID] = tc.Name
				e.Audit.LogToolInvocation(ctx, tc.Name, tc.ID, tc.Input, state.SessionID)
			}
			batchStart := time.Now()
			results, executed, _ := e.Tools.ExecuteBatch(ctx, otherCalls)
			batchDuration := time.Since(batchStart)
			for _, r := range results {
				e.Audit.LogToolCompletion(ctx, callNames[r.ToolCallID], r.ToolCallID, !r.IsError, r.Content, batchDuration, state.SessionID)
			}
			state.ToolsExecutedInTask = true
			state.ToolsExecuted = append(state.ToolsExecuted, executed...)
			e.recordToolResults(executed, results)

			if err := state.Transition(models.TaskObserving); err != nil {
				return "", err
			}

			if rollback, reason := e.shouldRollback(results); rollback {
				working = e.rollback(working, reason, state)
				continue
			}

			for _, r := range results {
				working = append(working, models.Message{Role: models.RoleTool, ToolResults: []models.ToolResult{r}})
			}
			state.ConsecutiveToolRounds++

			sigs := make([]string, 0, len(otherCalls))
			for _, tc := range otherCalls {
				sig := e.toolSignature(tc)
				sigs = append(sigs, sig)
				state.RecordToolSignature(sig)
			}

			switch e.detectLoops(state) {
			case loopTerminate:
				if err := state.Transition(models.TaskFailed); err != nil {
					return "", err
				}
				return "This task appears to be stuck repeating the same tool calls; stopping to avoid an infinite loop.", nil
			case loopNudge:
				working = append(working, models.Message{
					Role:    models.RoleSystem,
					Content: "You've repeated the same tool call several times with no new progress. Stop and reconsider: try a different approach, or report back if you're stuck.",
				})
			case loopDisableForce:
				maxNoToolRetries = 0
			}
		}
	}

	if err := state.Transition(models.TaskFailed); err != nil {
		return "", err
	}
	return "Reached the maximum number of reasoning iterations for this task.", nil
}

type loopVerdict int

const (
	loopNone loopVerdict = iota
	loopNudge
	loopTerminate
	loopDisableForce
)

func (e *Engine) detectLoops(state *models.TaskState) loopVerdict {
	counts := map[string]int{}
	for _, s := range state.RecentToolSignatures {
		counts[s]++
	}
	most := 0
	for _, c := range counts {
		if c > most {
			most = c
		}
	}
	if most >= 5 {
		return loopTerminate
	}
	if state.ConsecutiveToolRounds > 0 && state.ConsecutiveToolRounds == state.ExtremeSafetyThreshold {
		return loopDisableForce
	}
	if most >= 3 {
		return loopNudge
	}
	return loopNone
}

func (e *Engine) toolSignature(tc models.ToolCall) string {
	input := string(tc.Input)
	if browserPageReadTools[tc.Name] && len(input) < 64 {
		input = e.lastBrowserURL
	}
	h := md5.Sum([]byte(input))
	return tc.Name + ":" + hex.EncodeToString(h[:])[:8]
}

func (e *Engine) saveCheckpoint(decision *models.Decision, state *models.TaskState, messages []models.Message) error {
	names := make([]string, 0, len(decision.ToolCalls))
	for _, tc := range decision.ToolCalls {
		names = append(names, tc.Name)
	}
	sort.Strings(names)
	cp := models.Checkpoint{
		ID:               fmt.Sprintf("cp_%d_%d", state.Iteration, time.Now().UnixNano()),
		MessagesSnapshot: append([]models.Message(nil), messages...),
		Iteration:        state.Iteration,
		DecisionSummary:  fmt.Sprintf("tool calls: %v", names),
		ToolNames:        names,
		Timestamp:        time.Now(),
	}
	state.Checkpoints = append(state.Checkpoints, cp)
	if len(state.Checkpoints) > MaxCheckpoints {
		state.Checkpoints = state.Checkpoints[len(state.Checkpoints)-MaxCheckpoints:]
	}
	return nil
}

func (e *Engine) recordToolResults(executed []string, results []models.ToolResult) {
	if e.toolFailureCounter == nil {
		e.toolFailureCounter = make(map[string]int)
	}
	failed := map[string]bool{}
	for _, r := range results {
		if r.IsError {
			failed[r.ToolCallID] = true
		}
	}
	for _, name := range executed {
		if failed[name] {
			e.toolFailureCounter[name]++
		} else {
			e.toolFailureCounter[name] = 0
		}
	}
}

// shouldRollback reports whether the just-executed batch was a dead end: a
// tool call that fails 3 times in a row, or a batch where every result
// errored. A batch where at least one call succeeded is never rolled back
// even if others failed, since an irreversible side effect (a message sent,
// a file written) may already have happened.
func (e *Engine) shouldRollback(results []models.ToolResult) (bool, string) {
	if len(results) == 0 {
		return false, ""
	}
	allFailed := true
	for _, r := range results {
		if !r.IsError {
			allFailed = false
			break
		}
	}
	if allFailed {
		return true, "all tool calls in the batch failed"
	}
	for name, count := range e.toolFailureCounter {
		if count >= ConsecutiveFailThreshold {
			return true, fmt.Sprintf("%s failed %d times in a row", name, count)
		}
	}
	return false, ""
}

func (e *Engine) rollback(working []models.Message, reason string, state *models.TaskState) []models.Message {
	if len(state.Checkpoints) == 0 {
		return working
	}
	last := state.Checkpoints[len(state.Checkpoints)-1]
	state.Checkpoints = state.Checkpoints[:len(state.Checkpoints)-1]
	restored := append([]models.Message(nil), last.MessagesSnapshot...)
	restored = append(restored, models.Message{
		Role: models.RoleUser,
		Content: fmt.Sprintf(
			"[system notice] the previous approach failed (reason: %s). failed decision: %s. try a substantially different approach; avoid repeating the same tool/argument combination.",
			reason, last.DecisionSummary,
		),
	})
	e.toolFailureCounter = make(map[string]int)
	return restored
}

func (e *Engine) handleFinalAnswer(ctx context.Context, decision *models.Decision, state *models.TaskState, taskQuery string, working []models.Message, noToolCallCount, verifyIncompleteCount, noConfirmationTextCount *int, maxNoToolRetries int) (string, []models.Message, error) {
	text := e.Response.Clean(decision.TextContent)

	if state.ToolsExecutedInTask {
		if text == "" {
			*noConfirmationTextCount++
			if *noConfirmationTextCount > e.Config.MaxConfirmationRetries {
				return "The model executed tools but never returned a visible confirmation; the task was interrupted.", nil, nil
			}
			return "", append(working, assistantMessage(decision), models.Message{Role: models.RoleUser, Content: "please confirm the outcome in plain text"}), nil
		}
		complete, note, err := e.Response.VerifyTaskCompletion(ctx, taskQuery, working)
		if err != nil || complete {
			return text, nil, nil
		}
		*verifyIncompleteCount++
		cap := e.Config.MaxVerifyRetries
		if *verifyIncompleteCount > cap {
			return text + "\n\n(could not fully confirm task completion)", nil, nil
		}
		return "", append(working, assistantMessage(decision), models.Message{Role: models.RoleUser, Content: "the task doesn't look fully complete yet: " + note}), nil
	}

	*noToolCallCount++
	if *noToolCallCount > maxNoToolRetries {
		if text != "" {
			return text, nil, nil
		}
		return "The model did not produce a usable response.", nil, nil
	}
	return "", append(working, assistantMessage(decision), models.Message{Role: models.RoleUser, Content: "please use the available tools to complete this request"}), nil
}

func (e *Engine) handleLLMError(ctx context.Context, err error, state *models.TaskState) (recovered bool, switched bool, outErr error) {
	if e.ModelSwitcher == nil {
		return false, false, err
	}
	if err := state.Transition(models.TaskModelSwitching); err != nil {
		return false, false, err
	}
	newLLM, _, switchErr := e.ModelSwitcher.Switch(ctx, e.LLM)
	if switchErr != nil {
		return false, false, errors.Join(err, switchErr)
	}
	e.LLM = newLLM
	state.CurrentModel = newLLM.Model()
	if err := state.Transition(models.TaskReasoning); err != nil {
		return false, false, err
	}
	return true, true, nil
}

func (e *Engine) waitForUserReply(ctx context.Context, sess *models.Session, question string, state *models.TaskState) (reply string, timedOut bool) {
	if sess == nil || sess.Gateway == nil {
		return "", false
	}
	if err := sess.Gateway.SendToSession(ctx, sess.Key, models.OutgoingMessage{SessionID: sess.ID, Content: question}); err != nil {
		return "", false
	}

	deadline := time.Now().Add(askUserTimeout)
	reminded := 0
	ticker := time.NewTicker(askUserPollInterval)
	defer ticker.Stop()

	for {
		if state.Cancelled {
			return "", false
		}
		if msg, ok := sess.Gateway.CheckInterrupt(sess.Key); ok {
			return msg.Content, false
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-ticker.C:
			if time.Now().After(deadline) {
				if reminded < askUserMaxReminders {
					reminded++
					_ = sess.Gateway.SendToSession(ctx, sess.Key, models.OutgoingMessage{SessionID: sess.ID, Content: "still waiting on your answer to the question above"})
					deadline = time.Now().Add(askUserTimeout)
					continue
				}
				return "", true
			}
		}
	}
}

func splitAskUser(calls []models.ToolCall) (askUser *models.ToolCall, rest []models.ToolCall) {
	for i, c := range calls {
		if c.Name == "ask_user" {
			cp := calls[i]
			return &cp, append(append([]models.ToolCall(nil), calls[:i]...), calls[i+1:]...)
		}
	}
	return nil, calls
}

func extractText(tc models.ToolCall) string {
	var payload struct {
		Question string `json:"question"`
	}
	_ = json.Unmarshal(tc.Input, &payload)
	if payload.Question != "" {
		return payload.Question
	}
	return string(tc.Input)
}

func assistantMessage(decision *models.Decision) models.Message {
	return models.Message{
		Role:      models.RoleAssistant,
		Content:   decision.TextContent,
		ToolCalls: decision.ToolCalls,
	}
}

func filterHumanMessages(messages []models.Message) []models.Message {
	out := make([]models.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == models.RoleUser && len(m.ToolResults) == 0 {
			out = append(out, m)
		}
	}
	return out
}

func estimateToolsTokens(tools []ToolSpec) int {
	total := 0
	for _, t := range tools {
		total += len(t.Description)/4 + len(t.Schema)/4 + 20
	}
	return total
}

// ClassifyToolResult wraps a tool error for inclusion in a ToolResult,
// sharing the same taxonomy the Tool Executor uses.
func ClassifyToolResult(err error, toolName, callID string) models.ToolResult {
	te := toolerr.Classify(err, toolName)
	return models.ToolResult{ToolCallID: callID, Content: te.ToToolResult(), IsError: true}
}
