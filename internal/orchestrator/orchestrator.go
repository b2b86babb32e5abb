// Package orchestrator is the Agent Orchestrator: the composition root that
// wires the Session Manager, Reasoning Engine, Tool Executor, and Master
// Worker pool into the single entry point the Message Gateway and the
// Scheduler call through. Neither of those callers needs to know the
// Reasoning Engine exists; they hand it a session and some text and get a
// reply back.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aviaryai/aviary/internal/masterworker"
	"github.com/aviaryai/aviary/internal/reasoning"
	"github.com/aviaryai/aviary/internal/toolexec"
	"github.com/aviaryai/aviary/pkg/models"
)

// SessionResolver is the subset of the Session Manager the orchestrator
// needs: fetch a session (loading prior history) and persist a new message
// to it. It mirrors msggateway.SessionResolver so the same
// *sessions.Manager satisfies both without adaptation.
type SessionResolver interface {
	GetSession(ctx context.Context, agentID string, channel models.ChannelType, channelID string) (*models.Session, error)
	AddMessage(ctx context.Context, sessionID string, msg *models.Message) error
}

// Sender delivers a proactive message to a session outside of the normal
// inbound-message turn, e.g. a scheduled reminder. *msggateway.Gateway
// satisfies this.
type Sender interface {
	SendToSession(ctx context.Context, sessionKey string, msg models.OutgoingMessage) error
}

// Config bounds orchestrator behavior.
type Config struct {
	AgentID      string
	SystemPrompt string
	// UseMasterWorker routes HandleMessage through the Master Worker pool
	// instead of always reasoning inline. Leave nil to always run locally,
	// e.g. for a single-session CLI agent with no worker pool to spread
	// load across.
	Worker *masterworker.Master
}

// Orchestrator is the Agent Orchestrator. It builds one *models.TaskState
// per turn, folds the inbound text into the session transcript (GetSession
// only returns prior history; the current turn is handed in separately),
// and drives it through the Reasoning Engine.
type Orchestrator struct {
	sessions SessionResolver
	sender   Sender
	engine   *reasoning.Engine
	tools    *toolexec.Registry
	cfg      Config
}

// New wires an Orchestrator from its collaborators.
func New(sessions SessionResolver, sender Sender, engine *reasoning.Engine, tools *toolexec.Registry, cfg Config) *Orchestrator {
	if cfg.AgentID == "" {
		cfg.AgentID = "main"
	}
	return &Orchestrator{sessions: sessions, sender: sender, engine: engine, tools: tools, cfg: cfg}
}

// HandleMessage satisfies msggateway.AgentHandler: it is the direct entry
// point for one inbound turn. When a worker pool is configured it lets the
// Master decide whether to run the turn locally or hand it to an idle
// worker; otherwise it always reasons inline.
func (o *Orchestrator) HandleMessage(ctx context.Context, sess *models.Session, inputText string) (string, error) {
	if o.cfg.Worker == nil {
		return o.runReasoning(ctx, sess, inputText)
	}

	task := &masterworker.TaskPayload{
		ID:          uuid.NewString(),
		SessionKey:  sess.Key,
		Query:       inputText,
		SessionMsgs: len(sess.Context.Messages),
		CreatedAt:   time.Now(),
	}
	return o.cfg.Worker.HandleRequest(ctx, task)
}

// localHandler is the Handler the Master runs a task with when it decides
// to handle a turn on the calling goroutine rather than distributing it.
// Wire the same function as both the local and worker handler when building
// the Master: the Master only distinguishes "local" from "worker" for
// heuristic/stats purposes, the work is identical either way.
func (o *Orchestrator) localHandler(ctx context.Context, task *masterworker.TaskPayload) (string, error) {
	channel, channelID, err := splitSessionKey(task.SessionKey)
	if err != nil {
		return "", err
	}
	sess, err := o.sessions.GetSession(ctx, o.cfg.AgentID, channel, channelID)
	if err != nil {
		return "", fmt.Errorf("orchestrator: resolve session %s: %w", task.SessionKey, err)
	}
	return o.runReasoning(ctx, sess, task.Query)
}

// Handler exposes localHandler for wiring into masterworker.New as both the
// local and worker callback.
func (o *Orchestrator) Handler() masterworker.Handler {
	return o.localHandler
}

// runReasoning folds inputText into the session's transcript and drives the
// Reasoning Engine to a final reply. sess.Context.Messages, as returned by
// GetSession, holds only history prior to this turn: the caller (the
// Message Gateway) has already persisted inputText to the store via
// AddMessage, but that call never mutates the in-memory Session it handed
// to us, so the current turn has to be appended here before the engine
// builds its working transcript.
func (o *Orchestrator) runReasoning(ctx context.Context, sess *models.Session, inputText string) (string, error) {
	turn := models.Message{
		SessionID: sess.ID,
		Channel:   sess.Channel,
		ChannelID: sess.ChannelID,
		Role:      models.RoleUser,
		Content:   inputText,
		CreatedAt: time.Now(),
	}
	sess.Context.Messages = append(sess.Context.Messages, turn)

	state := models.NewTaskState(uuid.NewString(), sess.ID, sess.Key)
	tools := toEngineSpecs(o.tools.Specs())
	isIM := sess.Channel == models.ChannelTelegram || sess.Channel == models.ChannelDiscord || sess.Channel == models.ChannelSlack || sess.Channel == models.ChannelIM

	return o.engine.Run(ctx, sess, state, tools, o.cfg.SystemPrompt, inputText, isIM)
}

// DispatchReminder implements scheduler.Dispatcher: a reminder is sent
// verbatim, without going through the Reasoning Engine.
func (o *Orchestrator) DispatchReminder(ctx context.Context, task *models.ScheduledTask) error {
	channel := models.ChannelType(task.ChannelID)
	sess, err := o.sessions.GetSession(ctx, o.cfg.AgentID, channel, task.ChatID)
	if err != nil {
		return fmt.Errorf("orchestrator: resolve reminder session: %w", err)
	}

	text := task.ReminderMessage
	if text == "" {
		text = task.Description
	}

	if err := o.sessions.AddMessage(ctx, sess.ID, &models.Message{
		SessionID: sess.ID,
		Channel:   channel,
		ChannelID: task.ChatID,
		Role:      models.RoleAssistant,
		Content:   text,
		CreatedAt: time.Now(),
	}); err != nil {
		return fmt.Errorf("orchestrator: persist reminder message: %w", err)
	}

	return o.sender.SendToSession(ctx, sess.Key, models.OutgoingMessage{
		SessionID: sess.ID,
		Channel:   channel,
		ChannelID: task.ChatID,
		Content:   text,
	})
}

// DispatchTask implements scheduler.Dispatcher: a scheduled task runs its
// prompt through the full reasoning loop and delivers whatever the engine
// produces, the same as an inbound message would.
func (o *Orchestrator) DispatchTask(ctx context.Context, task *models.ScheduledTask) (string, error) {
	channel := models.ChannelType(task.ChannelID)
	sess, err := o.sessions.GetSession(ctx, o.cfg.AgentID, channel, task.ChatID)
	if err != nil {
		return "", fmt.Errorf("orchestrator: resolve task session: %w", err)
	}

	prompt := task.Prompt
	if prompt == "" {
		prompt = task.Description
	}

	result, err := o.runReasoning(ctx, sess, prompt)
	if err != nil {
		return "", err
	}

	if err := o.sender.SendToSession(ctx, sess.Key, models.OutgoingMessage{
		SessionID: sess.ID,
		Channel:   channel,
		ChannelID: task.ChatID,
		Content:   result,
	}); err != nil {
		return result, fmt.Errorf("orchestrator: deliver task result: %w", err)
	}

	return result, nil
}

func toEngineSpecs(specs []toolexec.ToolSpec) []reasoning.ToolSpec {
	out := make([]reasoning.ToolSpec, 0, len(specs))
	for _, s := range specs {
		out = append(out, reasoning.ToolSpec{Name: s.Name, Description: s.Description, Schema: s.Schema})
	}
	return out
}

// splitSessionKey reverses models.SessionKey(channel, channelID), which
// joins the two with ":". Channel IDs of platform origin (Telegram chat
// IDs, Slack channel IDs) never contain ":", so splitting on the first
// occurrence is safe and matches how the key was built.
func splitSessionKey(key string) (models.ChannelType, string, error) {
	idx := strings.IndexByte(key, ':')
	if idx < 0 {
		return "", "", fmt.Errorf("orchestrator: malformed session key %q", key)
	}
	return models.ChannelType(key[:idx]), key[idx+1:], nil
}
