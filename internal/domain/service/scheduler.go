// Copyright 2026 Loomgate Authors. All rights reserved.

package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/loomgate/loomgate/internal/domain/entity"
	"github.com/loomgate/loomgate/pkg/safego"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// HeartbeatOK is the sentinel a model replies with when the heartbeat
// checklist needs no action.
const HeartbeatOK = "HEARTBEAT_OK"

const heartbeatFile = "HEARTBEAT.md"

// HeartbeatOutcome classifies one heartbeat run.
type HeartbeatOutcome string

const (
	HeartbeatOKEmpty HeartbeatOutcome = "ok-empty" // HEARTBEAT.md missing or blank
	HeartbeatOKToken HeartbeatOutcome = "ok-token" // model answered with the sentinel
	HeartbeatSent    HeartbeatOutcome = "sent"     // model produced real output
	HeartbeatSkipped HeartbeatOutcome = "skipped"  // disabled or session busy
	HeartbeatFailed  HeartbeatOutcome = "failed"
)

// HeartbeatEvent is broadcast after every run.
type HeartbeatEvent struct {
	Outcome   HeartbeatOutcome `json:"outcome"`
	Content   string           `json:"content,omitempty"`
	SessionID string           `json:"session_id"`
	Timestamp time.Time        `json:"timestamp"`
}

// Broadcaster pushes events to connected clients.
type Broadcaster interface {
	BroadcastHeartbeat(ev HeartbeatEvent)
}

// Job is one scheduled agent invocation. Empty Session targets the main
// session.
type Job struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Prompt   string `json:"prompt"`
	Session  string `json:"session,omitempty"`
}

// Scheduler fires cron jobs and the heartbeat as elevated agent turns
// against their target session.
type Scheduler struct {
	agent     *Agent
	sessions  *SessionManager
	memory    MemoryProvider
	broadcast Broadcaster
	logger    *zap.Logger

	cron    *cron.Cron
	entries map[string]cron.EntryID

	mu               sync.Mutex
	heartbeatOn      bool
	heartbeatEntry   cron.EntryID
	lastHeartbeat    HeartbeatEvent
	heartbeatStarted bool
	observer         func(outcome string)
}

// SetHeartbeatObserver registers a per-run hook, called with the
// classified outcome after every heartbeat cycle.
func (s *Scheduler) SetHeartbeatObserver(fn func(outcome string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = fn
}

// NewScheduler creates a stopped scheduler. Call Start after registering
// jobs.
func NewScheduler(agent *Agent, sessions *SessionManager, memory MemoryProvider, broadcast Broadcaster, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		agent:     agent,
		sessions:  sessions,
		memory:    memory,
		broadcast: broadcast,
		logger:    logger.With(zap.String("component", "scheduler")),
		cron:      cron.New(),
		entries:   make(map[string]cron.EntryID),
	}
}

// Start begins firing registered jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Scheduler started", zap.Int("jobs", len(s.entries)))
}

// Stop halts the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Scheduler stopped")
}

// AddJob registers a cron job, replacing any job with the same name.
func (s *Scheduler) AddJob(job Job) error {
	if job.Name == "" || job.Schedule == "" || job.Prompt == "" {
		return fmt.Errorf("job needs name, schedule and prompt")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[job.Name]; ok {
		s.cron.Remove(old)
	}

	id, err := s.cron.AddFunc(job.Schedule, func() {
		safego.Go(s.logger, "job-"+job.Name, func() {
			s.fire(job)
		})
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", job.Schedule, err)
	}
	s.entries[job.Name] = id
	s.logger.Info("Job registered",
		zap.String("job", job.Name),
		zap.String("schedule", job.Schedule),
	)
	return nil
}

// RemoveJob unregisters a job by name.
func (s *Scheduler) RemoveJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		delete(s.entries, name)
	}
}

// Jobs lists registered job names.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	return names
}

// fire runs one job turn with the target session elevated.
func (s *Scheduler) fire(job Job) {
	target := job.Session
	if target == "" {
		target = s.sessions.MainSessionID()
	}
	if target == "" {
		s.logger.Warn("Job has no target session", zap.String("job", job.Name))
		return
	}

	channel, userID := entity.ParseSessionID(target)
	wasElevated := s.sessions.IsElevated(target)
	if err := s.sessions.SetElevated(target, true); err != nil {
		s.logger.Warn("Job target session missing",
			zap.String("job", job.Name), zap.String("session_id", target))
		return
	}
	defer func() {
		_ = s.sessions.SetElevated(target, wasElevated)
	}()

	resp := s.agent.ProcessMessage(context.Background(), channel, userID, job.Prompt,
		TurnOptions{Mode: ModeNonStreaming}, TurnCallbacks{})
	s.logger.Info("Job fired",
		zap.String("job", job.Name),
		zap.String("session_id", target),
		zap.Int("content_len", len(resp.Content)),
	)
}

// EnableHeartbeat turns the heartbeat job on or off. schedule is a cron
// expression; "" keeps the previous one (default hourly).
func (s *Scheduler) EnableHeartbeat(on bool, schedule string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !on {
		if s.heartbeatStarted {
			s.cron.Remove(s.heartbeatEntry)
			s.heartbeatStarted = false
		}
		s.heartbeatOn = false
		return nil
	}

	if schedule == "" {
		schedule = "@hourly"
	}
	if s.heartbeatStarted {
		s.cron.Remove(s.heartbeatEntry)
	}
	id, err := s.cron.AddFunc(schedule, func() {
		safego.Go(s.logger, "heartbeat", func() {
			s.RunHeartbeat(context.Background())
		})
	})
	if err != nil {
		return fmt.Errorf("invalid heartbeat schedule %q: %w", schedule, err)
	}
	s.heartbeatEntry = id
	s.heartbeatStarted = true
	s.heartbeatOn = true
	s.logger.Info("Heartbeat enabled", zap.String("schedule", schedule))
	return nil
}

// HeartbeatEnabled reports the heartbeat toggle.
func (s *Scheduler) HeartbeatEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heartbeatOn
}

// LastHeartbeat returns the most recent heartbeat event.
func (s *Scheduler) LastHeartbeat() HeartbeatEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}

// RunHeartbeat executes one heartbeat cycle immediately and returns the
// classified outcome.
func (s *Scheduler) RunHeartbeat(ctx context.Context) HeartbeatOutcome {
	target := s.sessions.MainSessionID()
	ev := HeartbeatEvent{SessionID: target, Timestamp: time.Now()}

	outcome := s.heartbeatOnce(ctx, target, &ev)
	ev.Outcome = outcome

	s.mu.Lock()
	s.lastHeartbeat = ev
	obs := s.observer
	s.mu.Unlock()
	if obs != nil {
		obs(string(outcome))
	}

	if s.broadcast != nil {
		s.broadcast.BroadcastHeartbeat(ev)
	}
	s.logger.Info("Heartbeat",
		zap.String("outcome", string(outcome)),
		zap.String("session_id", target),
	)
	return outcome
}

func (s *Scheduler) heartbeatOnce(ctx context.Context, target string, ev *HeartbeatEvent) HeartbeatOutcome {
	if target == "" {
		return HeartbeatSkipped
	}
	if s.agent.IsProcessing(target) {
		return HeartbeatSkipped
	}

	checklist, err := s.memory.ReadFile(heartbeatFile)
	if err != nil || strings.TrimSpace(checklist) == "" {
		return HeartbeatOKEmpty
	}

	channel, userID := entity.ParseSessionID(target)
	wasElevated := s.sessions.IsElevated(target)
	if err := s.sessions.SetElevated(target, true); err != nil {
		return HeartbeatFailed
	}
	defer func() {
		_ = s.sessions.SetElevated(target, wasElevated)
	}()

	prompt := "Heartbeat check. Work through the following checklist. " +
		"If nothing needs attention, reply with exactly " + HeartbeatOK + ".\n\n" + checklist
	resp := s.agent.ProcessMessage(ctx, channel, userID, prompt,
		TurnOptions{Mode: ModeNonStreaming}, TurnCallbacks{})

	content := strings.TrimSpace(resp.Content)
	switch {
	case resp.Interrupted || strings.HasPrefix(content, "Error:"):
		ev.Content = content
		return HeartbeatFailed
	case content == HeartbeatOK:
		return HeartbeatOKToken
	case content == "":
		return HeartbeatOKEmpty
	default:
		ev.Content = content
		return HeartbeatSent
	}
}
