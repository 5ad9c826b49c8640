package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"teamsrelay/pkg/logger"
)

const NotifyTimeout = 15 * time.Second

type proactivePayload struct {
	ChatID    string `json:"chat_id"`
	Content   string `json:"content"`
	RequestID string `json:"request_id,omitempty"`
}

// Notifier posts replies to the channel backend's proactive endpoint. Every
// attempt is made once; failures are logged and returned but never retried.
type Notifier struct {
	url    string
	token  string
	client *http.Client
	log    *slog.Logger
}

// NewNotifier returns a notifier for endpoint. A nil client gets a dedicated
// one with NotifyTimeout. An empty endpoint disables delivery.
func NewNotifier(endpoint, token string, client *http.Client) *Notifier {
	if client == nil {
		client = &http.Client{Timeout: NotifyTimeout}
	}
	return &Notifier{
		url:    strings.TrimSpace(endpoint),
		token:  token,
		client: client,
		log:    slog.Default().With("component", "relay.notifier"),
	}
}

func (n *Notifier) Enabled() bool {
	return n != nil && n.url != ""
}

func (n *Notifier) Deliver(ctx context.Context, chatID, content, requestID string) error {
	if !n.Enabled() {
		return nil
	}

	ctx = logger.WithFields(ctx, logger.Fields{RequestID: requestID, ChatID: chatID})
	startedAt := time.Now()

	err := n.post(ctx, proactivePayload{ChatID: chatID, Content: content, RequestID: requestID})
	if err != nil {
		n.log.ErrorContext(ctx, "Proactive delivery failed",
			"duration_ms", time.Since(startedAt).Milliseconds(),
			"error", err,
		)
		return err
	}

	n.log.InfoContext(ctx, "Proactive delivery sent", "duration_ms", time.Since(startedAt).Milliseconds())
	return nil
}

func (n *Notifier) post(ctx context.Context, payload proactivePayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode proactive payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build proactive request: %w", scrubURL(err))
	}
	req.Header.Set("Content-Type", "application/json")
	if n.token != "" {
		req.Header.Set(TokenHeader, n.token)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send proactive request: %w", scrubURL(err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("proactive endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Close releases idle connections held by the client.
func (n *Notifier) Close() {
	if n == nil || n.client == nil {
		return
	}
	n.client.CloseIdleConnections()
}

// scrubURL drops the endpoint from transport errors so it stays out of logs.
func scrubURL(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%s: %w", strings.ToLower(urlErr.Op), urlErr.Err)
	}
	return err
}
