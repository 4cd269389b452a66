// Package cron injects scheduled messages into the channel hub, letting
// cron jobs talk to the agent like any other peer.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/claw/internal/config"
	"github.com/haasonsaas/claw/pkg/models"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Injector is the hub-side entry point for synthetic inbound messages.
type Injector interface {
	Inject(ctx context.Context, msg *models.InboundMessage) error
}

// JobStatus is one scheduled job's state for cron.list.
type JobStatus struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Channel  string    `json:"channel,omitempty"`
	Peer     string    `json:"peer,omitempty"`
	NextRun  time.Time `json:"next_run,omitempty"`
}

type job struct {
	cfg config.CronJobConfig
	id  cron.EntryID
}

// Scheduler drives the configured jobs. Configure replaces the whole job
// set, so config reloads just call it again.
type Scheduler struct {
	injector Injector
	log      *slog.Logger

	mu     sync.Mutex
	runner *cron.Cron
	jobs   map[string]*job
	base   context.Context
}

// NewScheduler creates a stopped scheduler; base bounds injected runs.
func NewScheduler(base context.Context, injector Injector) *Scheduler {
	if base == nil {
		base = context.Background()
	}
	return &Scheduler{
		injector: injector,
		log:      slog.With("component", "cron"),
		jobs:     make(map[string]*job),
		base:     base,
	}
}

// Configure replaces the job set and (re)starts the runner. Jobs with
// invalid schedules are rejected as a group so a bad reload changes
// nothing.
func (s *Scheduler) Configure(jobs []config.CronJobConfig) error {
	for _, cfg := range jobs {
		if cfg.Name == "" {
			return fmt.Errorf("cron job without a name")
		}
		if _, err := cronParser.Parse(cfg.Schedule); err != nil {
			return fmt.Errorf("job %q: invalid schedule %q: %w", cfg.Name, cfg.Schedule, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.runner != nil {
		s.runner.Stop()
	}
	s.runner = cron.New(cron.WithParser(cronParser))
	s.jobs = make(map[string]*job, len(jobs))

	for _, cfg := range jobs {
		cfg := cfg
		id, err := s.runner.AddFunc(cfg.Schedule, func() { s.fire(cfg) })
		if err != nil {
			return fmt.Errorf("job %q: %w", cfg.Name, err)
		}
		s.jobs[cfg.Name] = &job{cfg: cfg, id: id}
	}
	s.runner.Start()
	s.log.Info("cron configured", "jobs", len(jobs))
	return nil
}

// Stop halts the runner; running injections finish on their own.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runner != nil {
		s.runner.Stop()
	}
}

// Jobs lists the configured jobs with their next run time.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		st := JobStatus{
			Name:     j.cfg.Name,
			Schedule: j.cfg.Schedule,
			Channel:  j.cfg.Channel,
			Peer:     j.cfg.Peer,
		}
		if s.runner != nil {
			st.NextRun = s.runner.Entry(j.id).Next
		}
		out = append(out, st)
	}
	return out
}

// Trigger fires a job immediately, outside its schedule.
func (s *Scheduler) Trigger(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no cron job named %q", name)
	}
	s.fire(j.cfg)
	return nil
}

func (s *Scheduler) fire(cfg config.CronJobConfig) {
	msg := &models.InboundMessage{
		Channel:    cfg.Channel,
		Account:    "cron",
		ChatType:   models.ChatDirect,
		PeerID:     cfg.Peer,
		SenderID:   "cron/" + cfg.Name,
		Text:       cfg.Message,
		ReceivedAt: time.Now().UTC(),
	}
	if err := s.injector.Inject(s.base, msg); err != nil {
		s.log.Error("cron injection failed", "job", cfg.Name, "err", err)
	}
}
