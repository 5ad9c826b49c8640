package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"teamsrelay/pkg/bus"
)

const (
	Channel  = "system"
	ChatID   = "heartbeat"
	SenderID = "heartbeat"

	// MetadataSource marks inbound messages produced by background services.
	MetadataSource = "source"
)

type Publisher interface {
	PublishInbound(ctx context.Context, msg bus.InboundMessage) bool
}

type Options struct {
	Enabled  bool
	Interval time.Duration
	// File is re-read on every beat; Prompt is used when it is missing.
	File   string
	Prompt string
}

// Service periodically asks the agent to review its heartbeat checklist.
type Service struct {
	pub  Publisher
	opts Options
	log  *slog.Logger

	mu        sync.Mutex
	started   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func New(pub Publisher, opts Options) *Service {
	return &Service{
		pub:  pub,
		opts: opts,
		log:  slog.Default().With("component", "heartbeat"),
	}
}

// Start launches the ticker. It is a no-op when the service is disabled or
// already running.
func (s *Service) Start(ctx context.Context) error {
	if !s.opts.Enabled {
		s.log.Debug("heartbeat disabled")
		return nil
	}
	if s.opts.Interval <= 0 {
		return errors.New("heartbeat interval must be greater than zero")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true
	s.stopCh = make(chan struct{})
	s.stoppedCh = make(chan struct{})

	go s.run(ctx, s.stopCh, s.stoppedCh)
	return nil
}

// Stop ends the ticker and waits for an in-flight beat to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	stopCh, stoppedCh := s.stopCh, s.stoppedCh
	s.mu.Unlock()

	close(stopCh)
	<-stoppedCh
}

func (s *Service) run(ctx context.Context, stopCh <-chan struct{}, stoppedCh chan<- struct{}) {
	defer close(stoppedCh)

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.log.Info("heartbeat started", "interval", s.opts.Interval, "file", s.opts.File)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			s.log.Info("heartbeat stopping")
			return
		case <-ticker.C:
			if _, err := s.Beat(ctx); err != nil {
				s.log.Warn("heartbeat skipped", "error", err)
			}
		}
	}
}

// Beat publishes one heartbeat prompt. It reports false without error when
// there is nothing to ask.
func (s *Service) Beat(ctx context.Context) (bool, error) {
	prompt, err := s.resolvePrompt()
	if err != nil {
		return false, err
	}
	if prompt == "" {
		s.log.Debug("heartbeat has no actionable content")
		return false, nil
	}

	msg := bus.InboundMessage{
		Channel:    Channel,
		SenderID:   SenderID,
		ChatID:     ChatID,
		Content:    prompt,
		SessionKey: Channel + ":" + ChatID,
		Metadata:   map[string]string{MetadataSource: "heartbeat"},
	}
	if !s.pub.PublishInbound(ctx, msg) {
		return false, errors.New("bus unavailable")
	}
	s.log.Debug("heartbeat published", "prompt_length", len(prompt))
	return true, nil
}

func (s *Service) resolvePrompt() (string, error) {
	if path := strings.TrimSpace(s.opts.File); path != "" {
		content, err := os.ReadFile(path)
		switch {
		case err == nil:
			if isEmptyChecklist(string(content)) {
				return "", nil
			}
			return strings.TrimSpace(string(content)), nil
		case errors.Is(err, os.ErrNotExist):
		default:
			return "", fmt.Errorf("read heartbeat file: %w", err)
		}
	}
	return strings.TrimSpace(s.opts.Prompt), nil
}

// isEmptyChecklist reports whether content holds only blank lines, headings,
// or HTML comments.
func isEmptyChecklist(content string) bool {
	inComment := false
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if inComment {
			if strings.Contains(line, "-->") {
				inComment = false
			}
			continue
		}
		switch {
		case line == "", strings.HasPrefix(line, "#"):
		case strings.HasPrefix(line, "<!--"):
			inComment = !strings.Contains(line, "-->")
		default:
			return false
		}
	}
	return true
}
