// Package llm adapts the teacher's streaming agent.LLMProvider backends
// (Anthropic, OpenAI, Google, Azure, Bedrock, Ollama, OpenRouter, Copilot
// proxy — see internal/agent/providers) to the Reasoning Engine's narrow,
// non-streaming LLM interface: one call in, one parsed Decision out.
//
// The engine doesn't want a channel of partial chunks; it wants the model's
// finished turn so it can inspect whether the turn ended in a final answer
// or a batch of tool calls. Adapter drains a provider's completion stream
// internally and assembles the result.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aviaryai/aviary/internal/agent"
	"github.com/aviaryai/aviary/internal/reasoning"
	"github.com/aviaryai/aviary/pkg/models"
)

// Adapter wraps one agent.LLMProvider bound to a specific model name and
// generation parameters.
type Adapter struct {
	Provider       agent.LLMProvider
	ModelName      string
	MaxTokens      int
	EnableThinking bool
	ThinkingBudget int
}

// New builds an Adapter. maxTokens <= 0 leaves the provider's own default.
func New(provider agent.LLMProvider, model string, maxTokens int) *Adapter {
	return &Adapter{Provider: provider, ModelName: model, MaxTokens: maxTokens}
}

// Model implements reasoning.LLM.
func (a *Adapter) Model() string { return a.ModelName }

// Reason implements reasoning.LLM: it issues one completion request, drains
// the streamed response into a single Decision, and reports token usage
// from the stream's final chunk.
func (a *Adapter) Reason(ctx context.Context, messages []models.Message, tools []reasoning.ToolSpec, systemPrompt string) (*models.Decision, reasoning.TokenUsage, error) {
	req := &agent.CompletionRequest{
		Model:                a.ModelName,
		System:               systemPrompt,
		Messages:             toCompletionMessages(messages),
		Tools:                toProviderTools(tools),
		MaxTokens:            a.MaxTokens,
		EnableThinking:       a.EnableThinking,
		ThinkingBudgetTokens: a.ThinkingBudget,
	}

	chunks, err := a.Provider.Complete(ctx, req)
	if err != nil {
		return nil, reasoning.TokenUsage{}, fmt.Errorf("llm: %s: %w", a.Provider.Name(), err)
	}

	var text strings.Builder
	var thinking strings.Builder
	var toolCalls []models.ToolCall
	var usage reasoning.TokenUsage

	for chunk := range chunks {
		if chunk.Error != nil {
			return nil, usage, fmt.Errorf("llm: %s: %w", a.Provider.Name(), chunk.Error)
		}
		if chunk.Thinking != "" {
			thinking.WriteString(chunk.Thinking)
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
		}
		if chunk.ToolCall != nil {
			toolCalls = append(toolCalls, *chunk.ToolCall)
		}
		if chunk.Done {
			usage.InputTokens = chunk.InputTokens
			usage.OutputTokens = chunk.OutputTokens
		}
	}

	decision := &models.Decision{
		TextContent:     text.String(),
		ThinkingContent: thinking.String(),
		ToolCalls:       toolCalls,
	}
	if len(toolCalls) > 0 {
		decision.Type = models.DecisionToolCalls
	} else {
		decision.Type = models.DecisionFinalAnswer
	}
	decision.AssistantContent = toContentBlocks(decision)

	return decision, usage, nil
}

func toCompletionMessages(messages []models.Message) []agent.CompletionMessage {
	out := make([]agent.CompletionMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, agent.CompletionMessage{
			Role:        string(m.Role),
			Content:     m.Content,
			ToolCalls:   m.ToolCalls,
			ToolResults: m.ToolResults,
			Attachments: m.Attachments,
		})
	}
	return out
}

// toProviderTools wraps each ToolSpec as an agent.Tool. Execute is never
// invoked through this path: tool calls the model requests are run by the
// Tool Executor, not by the provider adapter, so it returns an error if
// something ever calls it by mistake.
func toProviderTools(specs []reasoning.ToolSpec) []agent.Tool {
	out := make([]agent.Tool, 0, len(specs))
	for _, s := range specs {
		out = append(out, toolSpecAdapter{spec: s})
	}
	return out
}

type toolSpecAdapter struct {
	spec reasoning.ToolSpec
}

func (t toolSpecAdapter) Name() string            { return t.spec.Name }
func (t toolSpecAdapter) Description() string     { return t.spec.Description }
func (t toolSpecAdapter) Schema() json.RawMessage { return t.spec.Schema }
func (t toolSpecAdapter) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	return nil, fmt.Errorf("toolSpecAdapter %q is schema-only, not executable", t.spec.Name)
}

func toContentBlocks(d *models.Decision) []models.ContentBlock {
	var blocks []models.ContentBlock
	if d.ThinkingContent != "" {
		blocks = append(blocks, models.ContentBlock{Type: "thinking", Thinking: d.ThinkingContent})
	}
	if d.TextContent != "" {
		blocks = append(blocks, models.ContentBlock{Type: "text", Text: d.TextContent})
	}
	for i := range d.ToolCalls {
		blocks = append(blocks, models.ContentBlock{Type: "tool_use", ToolCall: &d.ToolCalls[i]})
	}
	return blocks
}
