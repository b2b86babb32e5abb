package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/aviaryai/aviary/pkg/models"
)

// sessionFile is the on-disk shape of one session: the Session record plus
// its message history in one file, matching the persistent state file
// layout (one JSON document per session, keyed by session ID).
type sessionFile struct {
	Session  *models.Session   `json:"session"`
	Messages []*models.Message `json:"messages"`
}

// FileStore persists sessions as one JSON file per session under BaseDir,
// written with the temp-file-rename pattern so a crash mid-write never
// corrupts the previous good copy. It layers an in-memory index on top so
// reads don't round-trip through disk on every call.
type FileStore struct {
	BaseDir string

	mu       sync.RWMutex
	sessions map[string]*models.Session
	byKey    map[string]string
	messages map[string][]*models.Message
}

// NewFileStore opens (or creates) BaseDir and loads any sessions already
// persisted there, purging ones that have gone stale past maxAge.
func NewFileStore(baseDir string, maxAge time.Duration) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, err
	}
	fs := &FileStore{
		BaseDir:  baseDir,
		sessions: map[string]*models.Session{},
		byKey:    map[string]string{},
		messages: map[string][]*models.Message{},
	}
	if err := fs.loadAll(maxAge); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FileStore) pathFor(id string) string {
	return filepath.Join(fs.BaseDir, id+".json")
}

// loadAll reads every session file at startup. A session whose UpdatedAt is
// older than maxAge is dropped rather than loaded, mirroring the original
// Session Manager's load-time staleness purge: a conversation that's been
// untouched long enough is not worth restoring into memory.
func (fs *FileStore) loadAll(maxAge time.Duration) error {
	entries, err := os.ReadDir(fs.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(fs.BaseDir, entry.Name()))
		if err != nil {
			continue
		}
		var sf sessionFile
		if err := json.Unmarshal(data, &sf); err != nil || sf.Session == nil {
			continue
		}
		if maxAge > 0 && sf.Session.UpdatedAt.Before(cutoff) {
			_ = os.Remove(filepath.Join(fs.BaseDir, entry.Name()))
			continue
		}
		fs.sessions[sf.Session.ID] = sf.Session
		if sf.Session.Key != "" {
			fs.byKey[sf.Session.Key] = sf.Session.ID
		}
		fs.messages[sf.Session.ID] = sf.Messages
	}
	return nil
}

// persist writes one session's file atomically: write to a temp file in the
// same directory, fsync, then rename over the target. The rename is atomic
// on any POSIX filesystem, so readers never observe a partially written
// file.
func (fs *FileStore) persist(id string) error {
	sess, ok := fs.sessions[id]
	if !ok {
		return nil
	}
	sf := sessionFile{Session: sess, Messages: fs.messages[id]}
	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(fs.BaseDir, id+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, fs.pathFor(id))
}

func (fs *FileStore) Create(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	clone := cloneSession(session)
	fs.sessions[clone.ID] = clone
	if clone.Key != "" {
		fs.byKey[clone.Key] = clone.ID
	}
	return fs.persist(clone.ID)
}

func (fs *FileStore) Get(ctx context.Context, id string) (*models.Session, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	s, ok := fs.sessions[id]
	if !ok {
		return nil, errors.New("session not found")
	}
	return cloneSession(s), nil
}

func (fs *FileStore) Update(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	existing, ok := fs.sessions[session.ID]
	if !ok {
		return errors.New("session not found")
	}
	clone := cloneSession(session)
	clone.CreatedAt = existing.CreatedAt
	clone.UpdatedAt = time.Now()
	fs.sessions[clone.ID] = clone
	if clone.Key != "" {
		fs.byKey[clone.Key] = clone.ID
	}
	return fs.persist(clone.ID)
}

func (fs *FileStore) Delete(ctx context.Context, id string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	s, ok := fs.sessions[id]
	if !ok {
		return errors.New("session not found")
	}
	delete(fs.sessions, id)
	delete(fs.messages, id)
	if s.Key != "" {
		delete(fs.byKey, s.Key)
	}
	return os.Remove(fs.pathFor(id))
}

func (fs *FileStore) GetByKey(ctx context.Context, key string) (*models.Session, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	id, ok := fs.byKey[key]
	if !ok {
		return nil, errors.New("session not found")
	}
	return cloneSession(fs.sessions[id]), nil
}

func (fs *FileStore) GetOrCreate(ctx context.Context, key, agentID string, channel models.ChannelType, channelID string) (*models.Session, error) {
	fs.mu.Lock()
	if id, ok := fs.byKey[key]; ok {
		if s, ok := fs.sessions[id]; ok {
			fs.mu.Unlock()
			return cloneSession(s), nil
		}
	}
	fs.mu.Unlock()

	now := time.Now()
	s := &models.Session{
		ID: uuid.NewString(), AgentID: agentID, Channel: channel, ChannelID: channelID,
		Key: key, CreatedAt: now, UpdatedAt: now, LastActiveAt: now,
	}
	if err := fs.Create(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (fs *FileStore) List(ctx context.Context, agentID string, opts ListOptions) ([]*models.Session, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	var out []*models.Session
	for _, s := range fs.sessions {
		if agentID != "" && s.AgentID != agentID {
			continue
		}
		if opts.Channel != "" && s.Channel != opts.Channel {
			continue
		}
		out = append(out, cloneSession(s))
	}
	return out, nil
}

func (fs *FileStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.sessions[sessionID]; !ok {
		return errors.New("session not found")
	}
	clone := cloneMessage(msg)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	fs.messages[sessionID] = append(fs.messages[sessionID], clone)
	if len(fs.messages[sessionID]) > maxMessagesPerSession {
		excess := len(fs.messages[sessionID]) - maxMessagesPerSession
		fs.messages[sessionID] = fs.messages[sessionID][excess:]
	}
	return fs.persist(sessionID)
}

func (fs *FileStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	messages := fs.messages[sessionID]
	start := 0
	if limit > 0 && len(messages) > limit {
		start = len(messages) - limit
	}
	out := make([]*models.Message, 0, len(messages)-start)
	for _, m := range messages[start:] {
		out = append(out, cloneMessage(m))
	}
	return out, nil
}
