package relay

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"teamsrelay/pkg/bus"
	"teamsrelay/pkg/logger"
)

const (
	TokenHeader = "X-Internal-Token"

	DefaultSenderID = "teams-user"
	DefaultChannel  = "teams"

	StatusOK       = "ok"
	StatusAccepted = "accepted"

	maxInboundBody = 1 << 20
)

var ErrBusUnavailable = errors.New("bus unavailable")

// InboundRequest is the body accepted on POST /internal/inbound.
type InboundRequest struct {
	RequestID string            `json:"request_id,omitempty"`
	ChatID    string            `json:"chat_id"`
	SenderID  string            `json:"sender_id,omitempty"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// InboundResponse is returned for every accepted request. Content is only
// set when Status is StatusOK.
type InboundResponse struct {
	Status    string `json:"status"`
	Content   string `json:"content,omitempty"`
	RequestID string `json:"request_id"`
}

// Publisher is the inbound half of the bus.
type Publisher interface {
	PublishInbound(ctx context.Context, msg bus.InboundMessage) bool
}

// Gateway turns an HTTP call into a published inbound message and holds the
// call open until the correlated reply arrives or the deadline passes.
type Gateway struct {
	registry *Registry
	bus      Publisher
	timeout  time.Duration
	token    string

	// fallback receives a reply that was fulfilled after the caller went away.
	fallback        Deliverer
	fallbackChannel string
	events          bus.EventPublisher

	newID func() string
	log   *slog.Logger
}

func NewGateway(registry *Registry, publisher Publisher, timeout time.Duration, token string) *Gateway {
	return &Gateway{
		registry: registry,
		bus:      publisher,
		timeout:  timeout,
		token:    token,
		newID:    NewRequestID,
		log:      slog.Default().With("component", "relay.gateway"),
	}
}

// NewRequestID returns "req_" followed by 32 hex characters.
func NewRequestID() string {
	return "req_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !g.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	req, err := decodeInbound(http.MaxBytesReader(w, r.Body, maxInboundBody))
	if err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	msg, err := g.normalize(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	requestID := msg.RequestID()
	ctx := logger.WithFields(r.Context(), logger.Fields{
		RequestID: requestID,
		ChatID:    msg.ChatID,
		Channel:   msg.Channel,
		SenderID:  msg.SenderID,
	})

	resp, err := g.Relay(ctx, msg)
	switch {
	case errors.Is(err, ErrDuplicateRequest):
		http.Error(w, "request_id already pending", http.StatusConflict)
		return
	case errors.Is(err, ErrBusUnavailable):
		http.Error(w, "bus unavailable", http.StatusServiceUnavailable)
		return
	case err != nil:
		// The caller disconnected; nobody is reading the response.
		g.log.DebugContext(ctx, "Inbound request abandoned", "error", err)
		return
	}

	respondJSON(w, http.StatusOK, resp)
}

// Relay registers msg, publishes it and waits for the correlated reply.
// msg must already carry its request id in metadata.
func (g *Gateway) Relay(ctx context.Context, msg bus.InboundMessage) (InboundResponse, error) {
	requestID := msg.RequestID()

	pending, err := g.registry.Register(requestID)
	if err != nil {
		g.log.WarnContext(ctx, "Rejected inbound request", "error", err)
		return InboundResponse{}, err
	}

	if !g.bus.PublishInbound(ctx, msg) {
		g.registry.Evict(requestID)
		g.log.ErrorContext(ctx, "Publishing inbound message failed")
		return InboundResponse{}, ErrBusUnavailable
	}
	g.log.DebugContext(ctx, "Inbound message published", "content_length", len(msg.Content))

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case content := <-pending.Done():
		g.log.InfoContext(ctx, "Inbound request answered")
		return InboundResponse{Status: StatusOK, Content: content, RequestID: requestID}, nil

	case <-timer.C:
		if _, evicted := g.registry.Evict(requestID); evicted {
			g.log.InfoContext(ctx, "Inbound request accepted", "timeout", g.timeout)
			g.publishEvent(ctx, bus.EventRequestAccepted, msg)
			return InboundResponse{Status: StatusAccepted, RequestID: requestID}, nil
		}
		// Fulfillment won the race; its content is already on the slot.
		content := <-pending.Done()
		g.log.InfoContext(ctx, "Inbound request answered at deadline")
		return InboundResponse{Status: StatusOK, Content: content, RequestID: requestID}, nil

	case <-ctx.Done():
		if _, evicted := g.registry.Evict(requestID); !evicted {
			g.deliverOrphan(ctx, msg, <-pending.Done())
		}
		return InboundResponse{}, ctx.Err()
	}
}

// deliverOrphan pushes out-of-band a reply whose caller left between
// fulfillment and response.
func (g *Gateway) deliverOrphan(ctx context.Context, msg bus.InboundMessage, content string) {
	if g.fallback == nil || msg.Channel != g.fallbackChannel {
		g.log.WarnContext(ctx, "Dropped reply for disconnected caller")
		return
	}
	_ = g.fallback.Deliver(context.WithoutCancel(ctx), msg.ChatID, content, msg.RequestID())
}

func (g *Gateway) publishEvent(ctx context.Context, eventType bus.EventType, msg bus.InboundMessage) {
	if g.events == nil {
		return
	}
	g.events.PublishEvent(ctx, bus.Event{
		Type:      eventType,
		Channel:   msg.Channel,
		ChatID:    msg.ChatID,
		RequestID: msg.RequestID(),
	})
}

func (g *Gateway) authorized(r *http.Request) bool {
	if g.token == "" {
		return true
	}
	got := r.Header.Get(TokenHeader)
	return subtle.ConstantTimeCompare([]byte(got), []byte(g.token)) == 1
}

func (g *Gateway) normalize(req InboundRequest) (bus.InboundMessage, error) {
	chatID := strings.TrimSpace(req.ChatID)
	content := strings.TrimSpace(req.Content)
	if chatID == "" || content == "" {
		return bus.InboundMessage{}, errors.New("chat_id/content required")
	}

	requestID := strings.TrimSpace(req.RequestID)
	if requestID == "" {
		requestID = g.newID()
	}

	senderID := strings.TrimSpace(req.SenderID)
	if senderID == "" {
		senderID = DefaultSenderID
	}

	metadata := make(map[string]string, len(req.Metadata)+1)
	for key, value := range req.Metadata {
		metadata[key] = value
	}
	channel := strings.TrimSpace(metadata[bus.MetadataChannel])
	if channel == "" {
		channel = DefaultChannel
	}
	metadata[bus.MetadataRequestID] = requestID

	return bus.InboundMessage{
		Channel:    channel,
		SenderID:   senderID,
		ChatID:     chatID,
		Content:    content,
		SessionKey: channel + ":" + chatID,
		Metadata:   metadata,
	}, nil
}

// decodeInbound reads a JSON object leniently: scalar values of any JSON
// type are stringified, and camelCase aliases of the id fields are accepted.
func decodeInbound(body io.Reader) (InboundRequest, error) {
	decoder := json.NewDecoder(body)
	decoder.UseNumber()

	var raw map[string]any
	if err := decoder.Decode(&raw); err != nil {
		return InboundRequest{}, err
	}
	if raw == nil {
		return InboundRequest{}, errors.New("body is not a json object")
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return InboundRequest{}, errors.New("body has data after the json object")
	}

	req := InboundRequest{
		RequestID: firstString(raw, "request_id", "requestId"),
		ChatID:    firstString(raw, "chat_id", "chatId"),
		SenderID:  firstString(raw, "sender_id", "senderId"),
		Content:   firstString(raw, "content"),
	}

	if meta, ok := raw["metadata"].(map[string]any); ok {
		req.Metadata = make(map[string]string, len(meta))
		for key, value := range meta {
			req.Metadata[key] = stringify(value)
		}
	}

	return req, nil
}

func firstString(raw map[string]any, keys ...string) string {
	for _, key := range keys {
		if value, ok := raw[key]; ok && value != nil {
			return stringify(value)
		}
	}
	return ""
}

func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		if v {
			return "true"
		}
		return "false"
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(encoded)
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
