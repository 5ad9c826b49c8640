package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"

	"teamsrelay/pkg/config"
	providerfantasy "teamsrelay/pkg/provider/fantasy"
	provideropenai "teamsrelay/pkg/provider/openai"
	"teamsrelay/pkg/provider/opencode"
	providertypes "teamsrelay/pkg/provider/types"
)

const (
	OpenAI   = "openai"
	OpenCode = "opencode"
	Fantasy  = "fantasy"
	Echo     = "echo"
)

// Client is a model backend with server- or client-side sessions.
type Client interface {
	Health(ctx context.Context) error
	CreateSession(ctx context.Context, title string) (string, error)
	Prompt(ctx context.Context, sessionID string, req providertypes.PromptRequest) (providertypes.PromptResult, error)
}

// New resolves the provider named by agents.defaults.provider.
func New(cfg *config.Config) (Client, error) {
	providerID := strings.ToLower(strings.TrimSpace(cfg.Agents.Defaults.Provider))
	if providerID == "" {
		providerID = config.DefaultProvider
	}

	slog.Default().With("component", "provider.factory").Debug("resolving provider client", "provider", providerID)

	switch providerID {
	case OpenCode:
		return opencode.New(cfg)
	case OpenAI:
		return provideropenai.New(cfg)
	case Fantasy:
		return providerfantasy.New(cfg)
	case Echo:
		return &EchoClient{}, nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", providerID)
	}
}

// EchoClient answers every prompt with its own text. It needs no credentials
// and backs local runs of the relay.
type EchoClient struct {
	next atomic.Uint64
}

func (e *EchoClient) Health(context.Context) error { return nil }

func (e *EchoClient) CreateSession(ctx context.Context, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "echo-" + strconv.FormatUint(e.next.Add(1), 10), nil
}

func (e *EchoClient) Prompt(ctx context.Context, sessionID string, req providertypes.PromptRequest) (providertypes.PromptResult, error) {
	if err := ctx.Err(); err != nil {
		return providertypes.PromptResult{}, err
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return providertypes.PromptResult{}, fmt.Errorf("prompt is required")
	}
	return providertypes.PromptResult{
		Text:     "echo: " + text,
		Metadata: providertypes.PromptMetadata{Provider: Echo, Model: Echo},
	}, nil
}
