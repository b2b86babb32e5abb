package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/aviaryai/aviary/pkg/models"
)

func TestManager_GetSession_CreatesAndPopulatesHistory(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store, 0, 0)
	ctx := context.Background()

	sess, err := m.GetSession(ctx, "agent1", models.ChannelTelegram, "chat-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.ID == "" {
		t.Fatalf("expected a generated session ID")
	}

	if err := m.AddMessage(ctx, sess.ID, &models.Message{Role: models.RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	sess2, err := m.GetSession(ctx, "agent1", models.ChannelTelegram, "chat-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess2.ID != sess.ID {
		t.Errorf("expected the same session to be returned for the same channel identity")
	}
	if len(sess2.Context.Messages) != 1 || sess2.Context.Messages[0].Content != "hi" {
		t.Errorf("expected history to be populated, got %+v", sess2.Context.Messages)
	}
}

func TestManager_Cleanup_RemovesIdleSessions(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store, time.Millisecond, 0)
	ctx := context.Background()

	sess, err := m.GetSession(ctx, "agent1", models.ChannelTelegram, "chat-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	removed, err := m.Cleanup(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 session removed, got %d", removed)
	}
	if _, err := store.Get(ctx, sess.ID); err == nil {
		t.Errorf("expected session to be deleted")
	}
}
