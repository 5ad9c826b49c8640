package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"teamsrelay/pkg/bus"
)

const (
	InboundPath = "/internal/inbound"

	DefaultAddr           = "0.0.0.0:18800"
	DefaultInboundTimeout = 15 * time.Second
	shutdownPadding       = 5 * time.Second
)

// State is the lifecycle phase of a Server.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Bus is what the relay needs from the message bus.
type Bus interface {
	Publisher
	Consumer
}

// AgentLoop consumes inbound messages and eventually publishes outbound ones.
type AgentLoop interface {
	Run(ctx context.Context) error
	Stop()
}

// Service is an auxiliary background service such as the scheduler or the
// heartbeat.
type Service interface {
	Start(ctx context.Context) error
	Stop()
}

type Options struct {
	Addr           string
	InboundTimeout time.Duration
	InternalToken  string
	PollInterval   time.Duration

	ProactiveURL     string
	ProactiveToken   string
	ProactiveChannel string
	// HTTPClient overrides the notifier's client. Nil uses NotifyTimeout.
	HTTPClient *http.Client
}

// Server owns the relay: registry, gateway, dispatcher, notifier and the
// HTTP listener, plus the goroutines of the agent loop and auxiliary services.
type Server struct {
	opts     Options
	agent    AgentLoop
	services []Service

	registry   *Registry
	notifier   *Notifier
	gateway    *Gateway
	dispatcher *Dispatcher
	log        *slog.Logger

	mu           sync.Mutex
	state        State
	startedAt    time.Time
	httpServer   *http.Server
	listener     net.Listener
	serveErr     chan error
	dispatchStop context.CancelFunc
	dispatchDone chan error
	agentStop    context.CancelFunc
	agentDone    chan error
	started      []Service
}

// New wires a relay on b. agent may be nil when the agent loop runs in
// another process on a shared bus.
func New(b Bus, agent AgentLoop, opts Options, services ...Service) *Server {
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	if opts.InboundTimeout <= 0 {
		opts.InboundTimeout = DefaultInboundTimeout
	}
	if opts.ProactiveChannel == "" {
		opts.ProactiveChannel = DefaultChannel
	}

	registry := NewRegistry()
	notifier := NewNotifier(opts.ProactiveURL, opts.ProactiveToken, opts.HTTPClient)

	gateway := NewGateway(registry, b, opts.InboundTimeout, opts.InternalToken)
	gateway.fallback = notifier
	gateway.fallbackChannel = opts.ProactiveChannel

	dispatcher := NewDispatcher(registry, b, notifier, opts.ProactiveChannel, opts.PollInterval)

	if events, ok := b.(bus.EventPublisher); ok {
		gateway.events = events
		dispatcher.events = events
	}

	return &Server{
		opts:       opts,
		agent:      agent,
		services:   services,
		registry:   registry,
		notifier:   notifier,
		gateway:    gateway,
		dispatcher: dispatcher,
		log:        slog.Default().With("component", "relay.server"),
	}
}

func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Addr is the bound listener address, or "" when not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Pending is the number of callers currently waiting for a reply.
func (s *Server) Pending() int {
	return s.registry.Len()
}

// Handler exposes the relay routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST "+InboundPath, s.gateway)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	return mux
}

// Start brings the relay up: auxiliary services, agent loop, dispatcher, and
// the HTTP listener last. It is a no-op unless the server is stopped.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStarting
	s.mu.Unlock()

	if err := s.start(ctx); err != nil {
		s.teardown(ctx)
		s.setState(StateStopped)
		return err
	}

	s.mu.Lock()
	s.state = StateRunning
	s.startedAt = time.Now().UTC()
	addr := s.listener.Addr().String()
	s.mu.Unlock()

	s.log.Info("Relay listening",
		"address", addr,
		"inbound_path", InboundPath,
		"inbound_timeout", s.opts.InboundTimeout,
		"proactive_enabled", s.notifier.Enabled(),
	)
	return nil
}

func (s *Server) start(ctx context.Context) error {
	// Background work must outlive a request-scoped start context.
	base := context.WithoutCancel(ctx)

	for _, svc := range s.services {
		if err := svc.Start(base); err != nil {
			return fmt.Errorf("start %T: %w", svc, err)
		}
		s.mu.Lock()
		s.started = append(s.started, svc)
		s.mu.Unlock()
	}

	if s.agent != nil {
		agentCtx, cancel := context.WithCancel(base)
		done := make(chan error, 1)
		s.mu.Lock()
		s.agentStop, s.agentDone = cancel, done
		s.mu.Unlock()
		go func() { done <- s.agent.Run(agentCtx) }()
	}

	dispatchCtx, cancel := context.WithCancel(base)
	done := make(chan error, 1)
	s.mu.Lock()
	s.dispatchStop, s.dispatchDone = cancel, done
	s.mu.Unlock()
	go func() { done <- s.dispatcher.Run(dispatchCtx) }()

	listener, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.opts.Addr, err)
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)

	s.mu.Lock()
	s.listener = listener
	s.httpServer = server
	s.serveErr = serveErr
	s.mu.Unlock()

	go func() {
		err := server.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveErr <- err
	}()

	return nil
}

// Stop shuts the relay down in a fixed order. A failing step is logged and
// the remaining steps still run. It is a no-op unless the server is running.
func (s *Server) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	s.mu.Unlock()

	s.log.Info("Relay stopping", "pending", s.registry.Len())
	s.teardown(ctx)
	s.setState(StateStopped)
	s.log.Info("Relay stopped")
	return nil
}

// Run starts the relay, blocks until ctx is done or the listener fails, and
// then stops with a grace period long enough for waiting callers to resolve.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	serveErr := s.serveErr
	s.mu.Unlock()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("serve relay: %w", err)
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), s.opts.InboundTimeout+shutdownPadding)
	defer cancel()
	_ = s.Stop(stopCtx)

	return runErr
}

func (s *Server) teardown(ctx context.Context) {
	s.mu.Lock()
	dispatchStop, dispatchDone := s.dispatchStop, s.dispatchDone
	agentStop, agentDone := s.agentStop, s.agentDone
	started := s.started
	httpServer := s.httpServer
	s.dispatchStop, s.dispatchDone = nil, nil
	s.agentStop, s.agentDone = nil, nil
	s.started = nil
	s.httpServer, s.listener, s.serveErr = nil, nil, nil
	s.mu.Unlock()

	if dispatchStop != nil {
		dispatchStop()
	}

	for i := len(started) - 1; i >= 0; i-- {
		svc := started[i]
		s.step(fmt.Sprintf("stop %T", svc), func() error {
			svc.Stop()
			return nil
		})
	}

	if s.agent != nil && agentDone != nil {
		s.step("stop agent loop", func() error {
			s.agent.Stop()
			return nil
		})
	}
	if agentStop != nil {
		agentStop()
	}

	s.await(ctx, "dispatcher", dispatchDone)
	s.await(ctx, "agent loop", agentDone)

	s.step("close notifier", func() error {
		s.notifier.Close()
		return nil
	})
	if closer, ok := s.agent.(io.Closer); ok && agentDone != nil {
		s.step("close agent resources", closer.Close)
	}

	if httpServer != nil {
		s.step("shutdown http listener", func() error {
			if err := httpServer.Shutdown(ctx); err != nil {
				_ = httpServer.Close()
				return err
			}
			return nil
		})
	}
}

func (s *Server) await(ctx context.Context, name string, done <-chan error) {
	if done == nil {
		return
	}
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error("Background task exited with error", "task", name, "error", err)
		}
	case <-ctx.Done():
		s.log.Warn("Gave up waiting for background task", "task", name, "error", ctx.Err())
	}
}

// step runs one shutdown action, logging its error or panic.
func (s *Server) step(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Shutdown step panicked", "step", name, "panic", fmt.Sprint(r))
		}
	}()
	if err := fn(); err != nil {
		s.log.Error("Shutdown step failed", "step", name, "error", err)
	}
}

func (s *Server) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

type statusResponse struct {
	Status        string `json:"status"`
	State         string `json:"state,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds,omitempty"`
	Pending       *int   `json:"pending,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	state := s.state
	startedAt := s.startedAt
	s.mu.Unlock()

	pending := s.registry.Len()
	payload := statusResponse{Status: "ready", State: state.String(), Pending: &pending}
	code := http.StatusOK
	if state != StateRunning {
		payload.Status = "not_ready"
		code = http.StatusServiceUnavailable
	} else {
		payload.UptimeSeconds = int64(time.Since(startedAt).Seconds())
	}

	respondJSON(w, code, payload)
}
