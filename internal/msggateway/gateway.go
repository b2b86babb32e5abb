// Package gateway implements the Message Gateway: the single entry and exit
// point for every channel, routing inbound messages into a session and an
// agent call, sending typing indicators while the agent works, chunking and
// retrying outbound replies, and queuing interrupts so a suspended
// ask_user turn can be resumed by a later inbound message on the same
// session. It is a Go-native rework of myagent/channels/gateway.py's
// MessageGateway over the teacher's internal/channels.Registry.
package msggateway

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aviaryai/aviary/internal/channels"
	"github.com/aviaryai/aviary/internal/ratelimit"
	"github.com/aviaryai/aviary/pkg/models"
)

// maxMessageLength mirrors the gateway's chunking limit: comfortably under
// Telegram's 4096-character cap with room for chunk-continuation markers.
const maxMessageLength = 4000

// typingInterval is how often a typing indicator is re-sent while the agent
// is still working a turn; most channels' "is typing" state expires after a
// few seconds on its own.
const typingInterval = 4 * time.Second

const sendMaxAttempts = 3

// AgentHandler processes one turn of a session and returns the reply text.
// It is the seam the Reasoning Engine (via the orchestrator) plugs into;
// the gateway itself never imports internal/reasoning.
type AgentHandler func(ctx context.Context, sess *models.Session, inputText string) (string, error)

// PreProcessHook can rewrite an inbound message before it reaches the agent.
type PreProcessHook func(ctx context.Context, msg *models.Message) (*models.Message, error)

// PostProcessHook can rewrite the agent's reply text before it is sent.
type PostProcessHook func(ctx context.Context, msg *models.Message, reply string) (string, error)

// SessionResolver is the subset of the Session Manager the gateway needs.
type SessionResolver interface {
	GetSession(ctx context.Context, agentID string, channel models.ChannelType, channelID string) (*models.Session, error)
	AddMessage(ctx context.Context, sessionID string, msg *models.Message) error
}

// Gateway is the Message Gateway.
type Gateway struct {
	registry *channels.Registry
	sessions SessionResolver
	handler  AgentHandler
	limiter  *ratelimit.Limiter
	log      *slog.Logger

	agentID string

	mu    sync.Mutex
	pre   []PreProcessHook
	post  []PostProcessHook

	interrupts *interruptQueue
}

// Config bundles the gateway's dependencies.
type Config struct {
	AgentID string
	Limiter *ratelimit.Limiter // nil disables rate limiting
	Log     *slog.Logger
}

func New(registry *channels.Registry, sessions SessionResolver, handler AgentHandler, cfg Config) *Gateway {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Gateway{
		registry:   registry,
		sessions:   sessions,
		handler:    handler,
		limiter:    cfg.Limiter,
		log:        cfg.Log,
		agentID:    cfg.AgentID,
		interrupts: newInterruptQueue(),
	}
}

func (g *Gateway) AddPreProcessHook(h PreProcessHook)   { g.mu.Lock(); g.pre = append(g.pre, h); g.mu.Unlock() }
func (g *Gateway) AddPostProcessHook(h PostProcessHook) { g.mu.Lock(); g.post = append(g.post, h); g.mu.Unlock() }

// Run consumes the registry's aggregated inbound stream and processes each
// message until ctx is cancelled. It does not start or stop adapters;
// callers own adapter lifecycle via the Registry directly.
func (g *Gateway) Run(ctx context.Context) {
	for msg := range g.registry.AggregateMessages(ctx) {
		msg := msg
		go g.handle(ctx, msg)
	}
}

func (g *Gateway) handle(ctx context.Context, msg *models.Message) {
	key := models.SessionKey(msg.Channel, msg.ChannelID)
	if g.limiter != nil && !g.limiter.Allow(key) {
		g.log.Warn("gateway: rate limited", "channel", msg.Channel, "channel_id", msg.ChannelID)
		return
	}

	// A message arriving for a session that's currently suspended in
	// ask_user is routed to the waiting reasoning loop instead of starting
	// a fresh agent turn.
	if g.interrupts.deliver(key, msg) {
		return
	}

	g.processTurn(ctx, msg)
}

func (g *Gateway) processTurn(ctx context.Context, msg *models.Message) {
	stopTyping := g.keepTyping(ctx, msg)
	defer stopTyping()

	for _, hook := range g.snapshotPreHooks() {
		updated, err := hook(ctx, msg)
		if err != nil {
			g.log.Warn("gateway: pre-process hook failed", "error", err)
			continue
		}
		msg = updated
	}

	sess, err := g.sessions.GetSession(ctx, g.agentID, msg.Channel, msg.ChannelID)
	if err != nil {
		g.log.Error("gateway: resolve session failed", "error", err)
		g.sendError(ctx, msg, err)
		return
	}
	sess.Gateway = g

	userMsg := *msg
	userMsg.Role = models.RoleUser
	if err := g.sessions.AddMessage(ctx, sess.ID, &userMsg); err != nil {
		g.log.Error("gateway: record inbound message failed", "error", err)
	}

	reply, err := g.callAgent(ctx, sess, msg.Content)
	if err != nil {
		g.sendError(ctx, msg, err)
		return
	}

	for _, hook := range g.snapshotPostHooks() {
		updated, err := hook(ctx, msg, reply)
		if err != nil {
			g.log.Warn("gateway: post-process hook failed", "error", err)
			continue
		}
		reply = updated
	}

	assistantMsg := models.Message{
		SessionID: sess.ID,
		Channel:   msg.Channel,
		ChannelID: msg.ChannelID,
		Role:      models.RoleAssistant,
		Content:   reply,
		CreatedAt: time.Now(),
	}
	if err := g.sessions.AddMessage(ctx, sess.ID, &assistantMsg); err != nil {
		g.log.Error("gateway: record outbound message failed", "error", err)
	}

	g.sendReply(ctx, msg, reply)
}

func (g *Gateway) callAgent(ctx context.Context, sess *models.Session, text string) (string, error) {
	if g.handler == nil {
		return "", errors.New("gateway: no agent handler configured")
	}
	return g.handler(ctx, sess, text)
}

// keepTyping sends a typing indicator immediately and then on a fixed
// interval until the returned stop function is called, matching the
// original gateway's _keep_typing loop.
func (g *Gateway) keepTyping(ctx context.Context, msg *models.Message) func() {
	outbound, ok := g.registry.GetOutbound(msg.Channel)
	if !ok {
		return func() {}
	}
	typer, ok := outbound.(interface{ SendTyping(context.Context, string) error })
	if !ok {
		return func() {}
	}

	stop := make(chan struct{})
	go func() {
		_ = typer.SendTyping(ctx, msg.ChannelID)
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = typer.SendTyping(ctx, msg.ChannelID)
			}
		}
	}()
	return func() { close(stop) }
}

// sendReply chunks a long reply on line boundaries (never mid-paragraph
// where avoidable) and sends each chunk with a bounded retry, same as the
// original gateway's _send_response.
func (g *Gateway) sendReply(ctx context.Context, original *models.Message, text string) {
	outbound, ok := g.registry.GetOutbound(original.Channel)
	if !ok {
		g.log.Error("gateway: no outbound adapter", "channel", original.Channel)
		return
	}

	for i, chunk := range chunkMessage(text, maxMessageLength) {
		reply := &models.Message{
			Channel:   original.Channel,
			ChannelID: original.ChannelID,
			Content:   chunk,
			Role:      models.RoleAssistant,
		}
		if i == 0 {
			reply.Metadata = map[string]any{"reply_to": original.ID}
		}
		g.sendWithRetry(ctx, outbound, reply)
	}
}

func (g *Gateway) sendWithRetry(ctx context.Context, outbound channels.OutboundAdapter, msg *models.Message) {
	var lastErr error
	for attempt := 0; attempt < sendMaxAttempts; attempt++ {
		if err := outbound.Send(ctx, msg); err == nil {
			return
		} else {
			lastErr = err
		}
		if attempt < sendMaxAttempts-1 {
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
		}
	}
	g.log.Error("gateway: send failed after retries", "channel", msg.Channel, "error", lastErr)
}

func (g *Gateway) sendError(ctx context.Context, original *models.Message, cause error) {
	outbound, ok := g.registry.GetOutbound(original.Channel)
	if !ok {
		return
	}
	g.sendWithRetry(ctx, outbound, &models.Message{
		Channel:   original.Channel,
		ChannelID: original.ChannelID,
		Content:   "Something went wrong handling that: " + cause.Error(),
		Role:      models.RoleAssistant,
	})
}

func (g *Gateway) snapshotPreHooks() []PreProcessHook {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]PreProcessHook, len(g.pre))
	copy(out, g.pre)
	return out
}

func (g *Gateway) snapshotPostHooks() []PostProcessHook {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]PostProcessHook, len(g.post))
	copy(out, g.post)
	return out
}

// SendToSession implements models.GatewaySession for proactive sends (e.g.
// a scheduled reminder waking a session rather than a reply to an inbound
// message).
func (g *Gateway) SendToSession(ctx context.Context, sessionKey string, msg models.OutgoingMessage) error {
	outbound, ok := g.registry.GetOutbound(msg.Channel)
	if !ok {
		return errors.New("gateway: no outbound adapter for channel " + string(msg.Channel))
	}
	return outbound.Send(ctx, &models.Message{
		Channel:   msg.Channel,
		ChannelID: msg.ChannelID,
		Content:   msg.Content,
		Role:      models.RoleAssistant,
		Metadata:  msg.Metadata,
	})
}

// CheckInterrupt implements models.GatewaySession: it is polled by a
// reasoning loop suspended on ask_user, and returns the first inbound
// message that arrives for sessionKey once RegisterWait has been called.
func (g *Gateway) CheckInterrupt(sessionKey string) (*models.Message, bool) {
	return g.interrupts.poll(sessionKey)
}

// RegisterWait opens an interrupt slot for sessionKey so the next inbound
// message routed to it is captured instead of starting a new agent turn.
// Callers (the reasoning loop's ask_user handling) must call Unregister
// when they stop waiting, successful or not.
func (g *Gateway) RegisterWait(sessionKey string) {
	g.interrupts.register(sessionKey)
}

func (g *Gateway) Unregister(sessionKey string) {
	g.interrupts.unregister(sessionKey)
}

// Broadcast sends text to every session matching the given channel/user
// filters (nil/empty means no filter on that dimension), returning a
// per-channel sent count.
func (g *Gateway) Broadcast(ctx context.Context, text string, sess []*models.Session, channelFilter []models.ChannelType) map[models.ChannelType]int {
	results := make(map[models.ChannelType]int)
	for _, s := range sess {
		if len(channelFilter) > 0 && !containsChannel(channelFilter, s.Channel) {
			continue
		}
		outbound, ok := g.registry.GetOutbound(s.Channel)
		if !ok {
			continue
		}
		if err := outbound.Send(ctx, &models.Message{
			Channel:   s.Channel,
			ChannelID: s.ChannelID,
			Content:   text,
			Role:      models.RoleAssistant,
		}); err != nil {
			g.log.Error("gateway: broadcast send failed", "session_id", s.ID, "error", err)
			continue
		}
		results[s.Channel]++
	}
	return results
}

func containsChannel(set []models.ChannelType, c models.ChannelType) bool {
	for _, s := range set {
		if s == c {
			return true
		}
	}
	return false
}

// chunkMessage splits text on line boundaries so no chunk exceeds maxLen,
// keeping paragraphs intact where possible rather than cutting mid-line.
func chunkMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}
	var chunks []string
	var current strings.Builder
	for _, line := range strings.Split(text, "\n") {
		if current.Len()+len(line)+1 > maxLen && current.Len() > 0 {
			chunks = append(chunks, strings.TrimRight(current.String(), "\n"))
			current.Reset()
		}
		current.WriteString(line)
		current.WriteByte('\n')
	}
	if current.Len() > 0 {
		chunks = append(chunks, strings.TrimRight(current.String(), "\n"))
	}
	return chunks
}
