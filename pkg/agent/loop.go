package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"teamsrelay/pkg/bus"
	"teamsrelay/pkg/logger"
	"teamsrelay/pkg/provider"
	providertypes "teamsrelay/pkg/provider/types"
)

const (
	// FailureReply is sent in place of model output when a turn fails.
	FailureReply = "Sorry, I couldn't complete that request. Please try again."
	// ProgressReply is the interim update published when progress is enabled.
	ProgressReply = "Working on it..."
)

// Transport is the slice of the message bus the loop consumes from and
// replies on.
type Transport interface {
	ConsumeInbound(ctx context.Context) (bus.InboundMessage, bool)
	PublishOutbound(ctx context.Context, msg bus.OutboundMessage) bool
}

type Options struct {
	Model        string
	SystemPrompt string
	// Progress publishes an interim reply before each provider call.
	Progress bool
	// MemoryLimit bounds each session transcript; zero uses DefaultMemoryLimit.
	MemoryLimit int
}

type session struct {
	id     string
	memory *Memory
}

// Loop consumes inbound turns one at a time, prompts the provider session
// bound to each session key, and publishes exactly one final reply per turn.
type Loop struct {
	client    provider.Client
	transport Transport
	events    bus.EventPublisher
	opts      Options
	log       *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	usage    providertypes.TokenUsage

	stopOnce sync.Once
	stop     chan struct{}
}

func NewLoop(client provider.Client, transport Transport, opts Options) *Loop {
	l := &Loop{
		client:    client,
		transport: transport,
		opts:      opts,
		log:       slog.Default().With("component", "agent.loop"),
		sessions:  make(map[string]*session),
		stop:      make(chan struct{}),
	}
	if events, ok := transport.(bus.EventPublisher); ok {
		l.events = events
	}
	return l
}

// Check verifies the provider is reachable.
func (l *Loop) Check(ctx context.Context) error {
	return l.client.Health(ctx)
}

// Run processes turns until Stop is called, ctx is cancelled, or the bus
// closes. Stop and a closed bus return nil.
func (l *Loop) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-l.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	l.log.Info("agent loop started", "model", l.opts.Model, "progress", l.opts.Progress)
	for {
		inbound, ok := l.transport.ConsumeInbound(ctx)
		if !ok {
			if l.stopped() {
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			l.log.Info("agent loop exiting: bus closed")
			return nil
		}

		outbound := l.Handle(ctx, inbound)
		if !l.transport.PublishOutbound(ctx, outbound) {
			l.log.Warn("reply not published", "request_id", outbound.RequestID(), "chat_id", outbound.ChatID)
		}
	}
}

// Stop makes Run return. It is safe to call more than once.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Loop) stopped() bool {
	select {
	case <-l.stop:
		return true
	default:
		return false
	}
}

// Close forgets every provider session.
func (l *Loop) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessions = make(map[string]*session)
	return nil
}

// Handle runs one turn and returns the final reply. Panics inside the turn
// become a failure reply.
func (l *Loop) Handle(ctx context.Context, inbound bus.InboundMessage) (outbound bus.OutboundMessage) {
	requestID := inbound.RequestID()
	key := sessionKey(inbound)
	ctx = logger.WithFields(ctx, logger.Fields{
		RequestID: requestID,
		ChatID:    inbound.ChatID,
		Channel:   inbound.Channel,
		SenderID:  inbound.SenderID,
	})

	outbound = bus.OutboundMessage{
		Channel:    inbound.Channel,
		ChatID:     inbound.ChatID,
		SessionKey: key,
	}

	defer func() {
		if r := recover(); r != nil {
			l.log.ErrorContext(ctx, "agent turn panicked", "panic", r)
			outbound.Content = FailureReply
			outbound.Error = fmt.Sprintf("panic: %v", r)
			outbound.Metadata = replyMetadata(nil, inbound)
		}
	}()

	l.publishEvent(ctx, bus.Event{
		Type:       bus.EventPromptReceived,
		Channel:    inbound.Channel,
		ChatID:     inbound.ChatID,
		SessionKey: key,
		RequestID:  requestID,
		Payload:    map[string]string{"prompt_length": strconv.Itoa(len(inbound.Content))},
	})

	if l.opts.Progress {
		progress := bus.OutboundMessage{
			Channel:    inbound.Channel,
			ChatID:     inbound.ChatID,
			SessionKey: key,
			Content:    ProgressReply,
			Metadata:   replyMetadata(map[string]string{bus.MetadataProgress: "true"}, inbound),
		}
		if !l.transport.PublishOutbound(ctx, progress) {
			l.log.DebugContext(ctx, "progress update not published")
		}
	}

	result, sess, err := l.prompt(ctx, key, inbound.Content)
	if err != nil {
		l.log.ErrorContext(ctx, "agent turn failed", "session_key", key, "error", err)
		outbound.Content = FailureReply
		outbound.Error = err.Error()
		outbound.Metadata = replyMetadata(nil, inbound)
		l.publishEvent(ctx, bus.Event{
			Type:       bus.EventPromptFailed,
			Channel:    inbound.Channel,
			ChatID:     inbound.ChatID,
			SessionKey: key,
			RequestID:  requestID,
			Error:      err.Error(),
		})
		return outbound
	}

	sess.memory.Append("user", inbound.Content, requestID)
	sess.memory.Append("assistant", result.Text, requestID)

	payload := map[string]string{"response_length": strconv.Itoa(len(result.Text))}
	if usage := result.Metadata.Usage; usage != nil {
		total := l.addUsage(*usage)
		payload[UsageTotalTokensKey] = strconv.FormatInt(usage.TotalTokens, 10)
		payload["process_usage_total_tokens"] = strconv.FormatInt(total.TotalTokens, 10)
	}
	l.publishEvent(ctx, bus.Event{
		Type:       bus.EventPromptCompleted,
		Channel:    inbound.Channel,
		ChatID:     inbound.ChatID,
		SessionKey: key,
		RequestID:  requestID,
		Payload:    payload,
	})
	l.log.InfoContext(ctx, "agent turn completed", "session_key", key, "response_length", len(result.Text))

	outbound.Content = result.Text
	outbound.Metadata = replyMetadata(PromptResultMetadata(result), inbound)
	return outbound
}

func (l *Loop) prompt(ctx context.Context, key, text string) (providertypes.PromptResult, *session, error) {
	if strings.TrimSpace(text) == "" {
		return providertypes.PromptResult{}, nil, errors.New("prompt cannot be empty")
	}

	sess, err := l.session(ctx, key)
	if err != nil {
		return providertypes.PromptResult{}, nil, err
	}

	result, err := l.client.Prompt(ctx, sess.id, providertypes.PromptRequest{
		Text:         text,
		Model:        l.opts.Model,
		SystemPrompt: l.opts.SystemPrompt,
	})
	if err != nil {
		return providertypes.PromptResult{}, nil, err
	}
	return result, sess, nil
}

func (l *Loop) session(ctx context.Context, key string) (*session, error) {
	l.mu.Lock()
	sess, ok := l.sessions[key]
	l.mu.Unlock()
	if ok {
		return sess, nil
	}

	id, err := l.client.CreateSession(ctx, "teamsrelay "+key)
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.sessions[key]; ok {
		return existing, nil
	}
	sess = &session{id: id, memory: NewMemoryWithLimit(l.opts.MemoryLimit)}
	l.sessions[key] = sess
	l.log.DebugContext(ctx, "provider session started", "session_key", key, "session_id", id)
	return sess, nil
}

func (l *Loop) addUsage(usage providertypes.TokenUsage) providertypes.TokenUsage {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.usage.Add(usage)
	return l.usage
}

// Usage returns the token usage accumulated across all sessions.
func (l *Loop) Usage() providertypes.TokenUsage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.usage
}

// Sessions returns the number of live provider sessions.
func (l *Loop) Sessions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}

// Transcript returns the recorded turns for a session key.
func (l *Loop) Transcript(key string) []MemoryEntry {
	l.mu.Lock()
	sess, ok := l.sessions[key]
	l.mu.Unlock()
	if !ok {
		return nil
	}
	return sess.memory.List()
}

func (l *Loop) publishEvent(ctx context.Context, event bus.Event) {
	if l.events == nil {
		return
	}
	_ = l.events.PublishEvent(ctx, event)
}

func sessionKey(inbound bus.InboundMessage) string {
	if key := strings.TrimSpace(inbound.SessionKey); key != "" {
		return key
	}
	return inbound.Channel + ":" + inbound.ChatID
}

// replyMetadata copies the correlation id and channel from the inbound turn
// onto reply metadata.
func replyMetadata(metadata map[string]string, inbound bus.InboundMessage) map[string]string {
	if metadata == nil {
		metadata = map[string]string{}
	}
	if requestID := inbound.RequestID(); requestID != "" {
		metadata[bus.MetadataRequestID] = requestID
	}
	if inbound.Channel != "" {
		metadata[bus.MetadataChannel] = inbound.Channel
	}
	return metadata
}
