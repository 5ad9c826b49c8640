package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"teamsrelay/pkg/bus"
	"teamsrelay/pkg/config"
)

const (
	SenderID        = "scheduler"
	DefaultChannel  = "teams"
	MetadataJobName = "job"
)

type Publisher interface {
	PublishInbound(ctx context.Context, msg bus.InboundMessage) bool
}

// Job publishes Message to Channel/ChatID every Every.
type Job struct {
	Name    string
	Every   time.Duration
	Channel string
	ChatID  string
	Message string
}

func (j Job) validate() error {
	var errs []error
	if strings.TrimSpace(j.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if j.Every <= 0 {
		errs = append(errs, errors.New("interval must be greater than zero"))
	}
	if strings.TrimSpace(j.ChatID) == "" {
		errs = append(errs, errors.New("chat_id is required"))
	}
	if strings.TrimSpace(j.Message) == "" {
		errs = append(errs, errors.New("message is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("job %q: %w", j.Name, err)
	}
	return nil
}

// JobsFromConfig converts configured jobs, defaulting the channel.
func JobsFromConfig(cfg config.ScheduleConfig) []Job {
	jobs := make([]Job, 0, len(cfg.Jobs))
	for _, item := range cfg.Jobs {
		channel := strings.TrimSpace(item.Channel)
		if channel == "" {
			channel = DefaultChannel
		}
		jobs = append(jobs, Job{
			Name:    strings.TrimSpace(item.Name),
			Every:   time.Duration(item.EverySeconds) * time.Second,
			Channel: channel,
			ChatID:  strings.TrimSpace(item.ChatID),
			Message: strings.TrimSpace(item.Message),
		})
	}
	return jobs
}

// Scheduler runs one ticker per job. Replies to scheduled messages carry no
// request id, so the dispatcher routes them out of band.
type Scheduler struct {
	pub  Publisher
	jobs []Job
	log  *slog.Logger

	mu      sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

func New(pub Publisher, jobs ...Job) *Scheduler {
	return &Scheduler{
		pub:  pub,
		jobs: jobs,
		log:  slog.Default().With("component", "schedule"),
	}
}

func (s *Scheduler) Jobs() []Job {
	return append([]Job(nil), s.jobs...)
}

// Start validates every job and launches their tickers. Nothing starts when
// any job is invalid.
func (s *Scheduler) Start(ctx context.Context) error {
	var errs []error
	for _, job := range s.jobs {
		if err := job.validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})

	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.runJob(ctx, job, s.stopCh)
	}
	if len(s.jobs) > 0 {
		s.log.Info("scheduler started", "jobs", len(s.jobs))
	}
	return nil
}

// Stop ends every ticker and waits for in-flight publishes.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Scheduler) runJob(ctx context.Context, job Job, stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(job.Every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if !s.Fire(ctx, job) {
				s.log.Warn("scheduled job not published", "job", job.Name)
			}
		}
	}
}

// Fire publishes one run of job.
func (s *Scheduler) Fire(ctx context.Context, job Job) bool {
	msg := bus.InboundMessage{
		Channel:    job.Channel,
		SenderID:   SenderID,
		ChatID:     job.ChatID,
		Content:    job.Message,
		SessionKey: job.Channel + ":" + job.ChatID,
		Metadata:   map[string]string{MetadataJobName: job.Name},
	}
	ok := s.pub.PublishInbound(ctx, msg)
	if ok {
		s.log.Debug("scheduled job published", "job", job.Name, "chat_id", job.ChatID)
	}
	return ok
}
