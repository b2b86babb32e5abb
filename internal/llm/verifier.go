package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/aviaryai/aviary/internal/agent"
	"github.com/aviaryai/aviary/pkg/models"
)

// Verifier implements reply.Verifier over a plain agent.LLMProvider: a
// cheap, separate model call asking whether the transcript so far actually
// satisfies the original request, grounded on response_handler.py's task
// completion verification step (a second pass distinct from the main
// reasoning call, so a model that prematurely claims done gets caught).
type Verifier struct {
	Provider agent.LLMProvider
	Model    string
}

func NewVerifier(provider agent.LLMProvider, model string) *Verifier {
	return &Verifier{Provider: provider, Model: model}
}

const verifierSystemPrompt = `You check whether an assistant's conversation actually
completed the user's original request. Answer with exactly one line: either
"COMPLETE" or "INCOMPLETE: <short reason>".`

func (v *Verifier) Verify(ctx context.Context, taskQuery string, transcript []models.Message) (bool, string, error) {
	req := &agent.CompletionRequest{
		Model:     v.Model,
		System:    verifierSystemPrompt,
		Messages:  append(toCompletionMessages(transcript), agent.CompletionMessage{Role: "user", Content: "Original request: " + taskQuery}),
		MaxTokens: 100,
	}

	chunks, err := v.Provider.Complete(ctx, req)
	if err != nil {
		return false, "", fmt.Errorf("llm: verify: %w", err)
	}

	var out strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			return false, "", fmt.Errorf("llm: verify: %w", chunk.Error)
		}
		out.WriteString(chunk.Text)
	}

	verdict := strings.TrimSpace(out.String())
	if strings.HasPrefix(strings.ToUpper(verdict), "COMPLETE") {
		return true, "", nil
	}
	return false, verdict, nil
}
