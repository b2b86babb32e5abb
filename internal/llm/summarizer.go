package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/aviaryai/aviary/internal/agent"
	"github.com/aviaryai/aviary/pkg/models"
)

// Summarizer implements context.Summarizer over a plain agent.LLMProvider:
// it asks the model to compress a run of messages into a short running
// summary, the same LLM-backed chunked summarization core/context_manager.py
// falls back to once truncation alone would lose too much.
type Summarizer struct {
	Provider agent.LLMProvider
	Model    string
}

// NewSummarizer builds a Summarizer bound to one provider and model.
func NewSummarizer(provider agent.LLMProvider, model string) *Summarizer {
	return &Summarizer{Provider: provider, Model: model}
}

func (s *Summarizer) Summarize(ctx context.Context, messages []models.Message, targetTokens int, contextType string) (string, error) {
	req := &agent.CompletionRequest{
		Model: s.Model,
		System: fmt.Sprintf(
			"Summarize the following %s conversation history in roughly %d tokens or fewer. "+
				"Preserve decisions, open questions, and anything a continuation would need; drop pleasantries.",
			contextType, targetTokens,
		),
		Messages:  toCompletionMessages(messages),
		MaxTokens: targetTokens * 2,
	}

	chunks, err := s.Provider.Complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("llm: summarize: %w", err)
	}

	var out strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			return "", fmt.Errorf("llm: summarize: %w", chunk.Error)
		}
		out.WriteString(chunk.Text)
	}
	return out.String(), nil
}
