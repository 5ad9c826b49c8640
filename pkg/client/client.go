package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"teamsrelay/pkg/relay"
)

const (
	StatusOK       = relay.StatusOK
	StatusAccepted = relay.StatusAccepted
	StatusError    = "error"

	// DefaultTimeout leaves headroom over the relay's default inbound wait.
	DefaultTimeout = 30 * time.Second

	EmptyReply    = "(empty response)"
	AcceptedReply = "Your request was received. I'll follow up here when it's done."
)

// Request is one user turn forwarded to the relay.
type Request struct {
	ChatID   string
	SenderID string
	Content  string
	Metadata map[string]string
}

// Result mirrors the relay response. Status is StatusError when the relay
// could not be reached or answered with a non-2xx status.
type Result struct {
	Status    string
	Content   string
	RequestID string
	Error     string
}

// Reply is the text a channel backend shows the user for r.
func (r Result) Reply() string {
	switch r.Status {
	case StatusOK:
		if strings.TrimSpace(r.Content) == "" {
			return EmptyReply
		}
		return r.Content
	case StatusAccepted:
		return AcceptedReply
	default:
		return fmt.Sprintf("The assistant is unavailable right now. request_id=%s", r.RequestID)
	}
}

// Client posts turns to a relay's inbound endpoint.
type Client struct {
	endpoint string
	token    string
	http     *http.Client
	log      *slog.Logger
}

// New builds a client for the relay at baseURL. A nil httpClient gets
// DefaultTimeout.
func New(baseURL, token string, httpClient *http.Client) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("relay url is required")
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("relay url %q must start with http:// or https://", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		endpoint: baseURL + relay.InboundPath,
		token:    strings.TrimSpace(token),
		http:     httpClient,
		log:      slog.Default().With("component", "relay.client"),
	}, nil
}

func (c *Client) Endpoint() string {
	return c.endpoint
}

// Ask sends req under a fresh request id. On failure the returned Result
// still carries that id with Status StatusError.
func (c *Client) Ask(ctx context.Context, req Request) (Result, error) {
	requestID := relay.NewRequestID()
	result, err := c.ask(ctx, requestID, req)
	if err != nil {
		c.log.WarnContext(ctx, "relay request failed", "request_id", requestID, "error", err)
		return Result{Status: StatusError, RequestID: requestID, Error: err.Error()}, err
	}
	return result, nil
}

func (c *Client) ask(ctx context.Context, requestID string, req Request) (Result, error) {
	body, err := json.Marshal(relay.InboundRequest{
		RequestID: requestID,
		ChatID:    req.ChatID,
		SenderID:  req.SenderID,
		Content:   req.Content,
		Metadata:  req.Metadata,
	})
	if err != nil {
		return Result{}, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set(relay.TokenHeader, c.token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("post inbound: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("relay returned %d: %s", resp.StatusCode, errorText(raw))
	}

	var decoded relay.InboundResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Result{}, fmt.Errorf("decode response: %w", err)
	}

	result := Result{
		Status:    decoded.Status,
		Content:   decoded.Content,
		RequestID: decoded.RequestID,
	}
	if result.Status == "" {
		result.Status = StatusOK
	}
	if result.RequestID == "" {
		result.RequestID = requestID
	}
	return result, nil
}

// errorText pulls the message out of a relay error body.
func errorText(raw []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return body.Error
	}
	text := strings.TrimSpace(string(raw))
	if len(text) > 200 {
		text = text[:200]
	}
	if text == "" {
		return "empty body"
	}
	return text
}
