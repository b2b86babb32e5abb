package reply

import (
	"testing"

	"github.com/aviaryai/aviary/pkg/models"
)

func TestClean_StripsThinkingAndSystemNotices(t *testing.T) {
	h := NewHandler(nil)
	in := "<thinking>internal scratch space</thinking>Here is your answer.\n[system notice] context was truncated\n"
	out := h.Clean(in)
	if out != "Here is your answer." {
		t.Errorf("got %q", out)
	}
}

func TestGetLastUserRequest_SkipsToolResultMessages(t *testing.T) {
	messages := []models.Message{
		{Role: models.RoleUser, Content: "first request"},
		{Role: models.RoleAssistant, Content: "ok", ToolCalls: []models.ToolCall{{ID: "1", Name: "search"}}},
		{Role: models.RoleTool, ToolResults: []models.ToolResult{{ToolCallID: "1", Content: "result"}}},
		{Role: models.RoleUser, Content: "second request"},
	}
	got := GetLastUserRequest(messages)
	if got != "second request" {
		t.Errorf("got %q, want %q", got, "second request")
	}
}

func TestRetrospect_DeduplicatesTools(t *testing.T) {
	got := Retrospect([]string{"search", "search", "fetch"}, "done")
	want := "done\n\n(used: search, fetch)"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
