// Package reply implements the Response Handler: sanitizing raw model
// output before it reaches a channel, and verifying that a claimed final
// answer actually satisfies the task that was asked, before the Reasoning
// Engine commits to ending the loop.
package reply

import (
	"context"
	"regexp"
	"strings"

	"github.com/aviaryai/aviary/pkg/models"
)

// thinkingTagPattern strips <thinking>...</thinking> and similar
// scratch-space blocks some providers leave in the text channel even when
// a dedicated "thinking" content block was also present.
var thinkingTagPattern = regexp.MustCompile(`(?s)<thinking>.*?</thinking>`)
var systemNoticePattern = regexp.MustCompile(`(?s)\[system notice\].*?(\n|$)`)

// Verifier asks an LLM whether a candidate final answer actually completes
// the original task. A nil Verifier makes VerifyTaskCompletion always
// report complete=true (useful for CLI/test contexts with no budget for an
// extra model round-trip).
type Verifier interface {
	Verify(ctx context.Context, taskQuery string, transcript []models.Message) (complete bool, note string, err error)
}

// Handler implements reasoning.ResponseHandler.
type Handler struct {
	Verifier Verifier
}

func NewHandler(v Verifier) *Handler {
	return &Handler{Verifier: v}
}

// Clean strips internal scratch-space markers and trims whitespace so the
// user only ever sees the part of the response meant for them.
func (h *Handler) Clean(text string) string {
	text = thinkingTagPattern.ReplaceAllString(text, "")
	text = systemNoticePattern.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

// VerifyTaskCompletion asks the Verifier (if any) whether the transcript so
// far actually satisfies taskQuery. Without a Verifier it trusts the model's
// own final-answer signal.
func (h *Handler) VerifyTaskCompletion(ctx context.Context, taskQuery string, transcript []models.Message) (bool, string, error) {
	if h.Verifier == nil {
		return true, "", nil
	}
	return h.Verifier.Verify(ctx, taskQuery, transcript)
}

// GetLastUserRequest walks the transcript backwards for the most recent
// plain user message, used to re-anchor a verification prompt when the
// original task description has scrolled out of the active window.
func GetLastUserRequest(messages []models.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Role == models.RoleUser && len(m.ToolResults) == 0 && m.Content != "" {
			return m.Content
		}
	}
	return ""
}

// Retrospect produces a short, user-facing summary of what a task actually
// did, for audit logs and for the "done, here's what I did" confirmation
// some channels show after a long multi-tool task.
func Retrospect(toolsExecuted []string, finalAnswer string) string {
	if len(toolsExecuted) == 0 {
		return finalAnswer
	}
	seen := make(map[string]bool, len(toolsExecuted))
	unique := make([]string, 0, len(toolsExecuted))
	for _, t := range toolsExecuted {
		if !seen[t] {
			seen[t] = true
			unique = append(unique, t)
		}
	}
	return finalAnswer + "\n\n(used: " + strings.Join(unique, ", ") + ")"
}
