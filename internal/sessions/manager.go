package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/aviaryai/aviary/pkg/models"
)

// Flusher is implemented by stores that buffer writes and need an explicit
// signal to persist a session (FileStore persists synchronously on every
// write and so satisfies this trivially; a database-backed store would use
// it to batch writes instead of round-tripping per message).
type Flusher interface {
	Flush(ctx context.Context, sessionID string) error
}

// Manager is the Session Manager: the single place the rest of the system
// goes to resolve a channel-bound conversation into a Session with its
// message history attached, append new turns, and reclaim idle sessions. It
// tracks a dirty flag per session so a hot conversation doesn't force a
// disk write on every single message.
type Manager struct {
	store         Store
	idleTimeout   time.Duration
	flushInterval time.Duration

	mu    sync.Mutex
	dirty map[string]bool

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewManager constructs a Session Manager over store. idleTimeout governs
// Cleanup; flushInterval governs how often dirty sessions are flushed if
// store implements Flusher (0 disables the background flush loop).
func NewManager(store Store, idleTimeout, flushInterval time.Duration) *Manager {
	m := &Manager{
		store:         store,
		idleTimeout:   idleTimeout,
		flushInterval: flushInterval,
		dirty:         make(map[string]bool),
		stopCh:        make(chan struct{}),
	}
	if flushInterval > 0 {
		go m.flushLoop()
	}
	return m
}

func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Manager) flushLoop() {
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.flushDirty()
		}
	}
}

func (m *Manager) flushDirty() {
	flusher, ok := m.store.(Flusher)
	if !ok {
		m.mu.Lock()
		m.dirty = make(map[string]bool)
		m.mu.Unlock()
		return
	}
	m.mu.Lock()
	ids := make([]string, 0, len(m.dirty))
	for id := range m.dirty {
		ids = append(ids, id)
	}
	m.dirty = make(map[string]bool)
	m.mu.Unlock()

	for _, id := range ids {
		_ = flusher.Flush(context.Background(), id)
	}
}

func (m *Manager) markDirty(id string) {
	m.mu.Lock()
	m.dirty[id] = true
	m.mu.Unlock()
}

// GetSession resolves (creating if necessary) the session for a channel
// identity and populates its Context.Messages from history.
func (m *Manager) GetSession(ctx context.Context, agentID string, channel models.ChannelType, channelID string) (*models.Session, error) {
	key := models.SessionKey(channel, channelID)
	sess, err := m.store.GetOrCreate(ctx, key, agentID, channel, channelID)
	if err != nil {
		return nil, err
	}
	history, err := m.store.GetHistory(ctx, sess.ID, 0)
	if err != nil {
		return nil, err
	}
	sess.Context.Messages = make([]models.Message, 0, len(history))
	for _, h := range history {
		sess.Context.Messages = append(sess.Context.Messages, *h)
	}
	sess.LastActiveAt = time.Now()
	return sess, nil
}

// AddMessage appends a turn to the session's history and marks the session
// dirty for the next background flush.
func (m *Manager) AddMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	if err := m.store.AppendMessage(ctx, sessionID, msg); err != nil {
		return err
	}
	m.markDirty(sessionID)
	return nil
}

// Touch updates a session's activity timestamp without adding a message,
// used when a session is resumed (e.g. a scheduled reminder fires into it).
func (m *Manager) Touch(ctx context.Context, sess *models.Session) error {
	sess.LastActiveAt = time.Now()
	sess.UpdatedAt = sess.LastActiveAt
	if err := m.store.Update(ctx, sess); err != nil {
		return err
	}
	m.markDirty(sess.ID)
	return nil
}

// Cleanup deletes sessions whose UpdatedAt predates idleTimeout, returning
// how many were removed. Intended to run on a schedule, not per-request.
func (m *Manager) Cleanup(ctx context.Context) (int, error) {
	if m.idleTimeout <= 0 {
		return 0, nil
	}
	all, err := m.store.List(ctx, "", ListOptions{})
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-m.idleTimeout)
	removed := 0
	for _, s := range all {
		if s.UpdatedAt.Before(cutoff) {
			if err := m.store.Delete(ctx, s.ID); err != nil {
				continue
			}
			removed++
		}
	}
	return removed, nil
}
