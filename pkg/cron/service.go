package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/sipeed/oxibot/pkg/bus"
	"github.com/sipeed/oxibot/pkg/logger"
)

// OnJobFunc is invoked when a job fires. It typically wraps
// AgentLoop.ProcessDirectWithChannel against the job's own session.
type OnJobFunc func(ctx context.Context, job CronJob) (string, error)

const idleSleep = time.Hour

// Service is the persistent scheduler (spec.md §4.9): a single re-arming
// timer sleeps until the nearest next_run_at_ms across all enabled jobs,
// fires everything due, recomputes, and repeats.
type Service struct {
	storePath string
	bus       *bus.MessageBus

	mu    sync.Mutex
	store *CronStore
	onJob OnJobFunc

	rearm  chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewService constructs a scheduler backed by storePath. storePath is
// typically Config.CronStorePath().
func NewService(storePath string, msgBus *bus.MessageBus) *Service {
	return &Service{
		storePath: storePath,
		bus:       msgBus,
		store:     NewCronStore(),
		rearm:     make(chan struct{}, 1),
	}
}

// SetOnJob sets the job-execution callback. Must be called before Start.
func (s *Service) SetOnJob(fn OnJobFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onJob = fn
}

// Load reads the store from disk. A missing file starts empty, not an error.
func (s *Service) Load() error {
	data, err := os.ReadFile(s.storePath)
	if err != nil {
		if os.IsNotExist(err) {
			logger.DebugCF("cron", "no store file, starting empty", map[string]interface{}{"path": s.storePath})
			return nil
		}
		return fmt.Errorf("read cron store: %w", err)
	}

	loaded := NewCronStore()
	if err := json.Unmarshal(data, loaded); err != nil {
		return fmt.Errorf("parse cron store: %w", err)
	}

	s.mu.Lock()
	s.store = loaded
	n := len(loaded.Jobs)
	s.mu.Unlock()

	logger.InfoCF("cron", "loaded store", map[string]interface{}{"path": s.storePath, "jobs": n})
	return nil
}

// saveLocked persists the store. Caller must hold s.mu.
func (s *Service) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.storePath), 0755); err != nil {
		return fmt.Errorf("create cron dir: %w", err)
	}
	data, err := json.MarshalIndent(s.store, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cron store: %w", err)
	}
	if err := os.WriteFile(s.storePath, data, 0644); err != nil {
		return fmt.Errorf("write cron store: %w", err)
	}
	return nil
}

func (s *Service) notifyRearm() {
	select {
	case s.rearm <- struct{}{}:
	default:
	}
}

// AddJob computes the job's initial next run time, persists it, and
// re-arms the scheduler.
func (s *Service) AddJob(job CronJob) (string, error) {
	now := time.Now().UnixMilli()
	job.State.NextRunAtMS = computeNextRunFrom(&job.Schedule, now)

	s.mu.Lock()
	s.store.Jobs = append(s.store.Jobs, job)
	err := s.saveLocked()
	s.mu.Unlock()
	if err != nil {
		return "", err
	}

	s.notifyRearm()
	logger.InfoCF("cron", "added job", map[string]interface{}{"id": job.ID, "name": job.Name})
	return job.ID, nil
}

// RemoveJob deletes a job by ID.
func (s *Service) RemoveJob(id string) (bool, error) {
	s.mu.Lock()
	removed := s.store.remove(id)
	var err error
	if removed {
		err = s.saveLocked()
	}
	s.mu.Unlock()
	if err != nil {
		return false, err
	}
	if removed {
		s.notifyRearm()
		logger.InfoCF("cron", "removed job", map[string]interface{}{"id": id})
	}
	return removed, nil
}

// SetEnabled toggles a job and, if re-enabling, recomputes its next run.
func (s *Service) SetEnabled(id string, enabled bool) (bool, error) {
	s.mu.Lock()
	job := s.store.find(id)
	if job == nil {
		s.mu.Unlock()
		return false, nil
	}
	job.Enabled = enabled
	job.UpdatedAtMS = time.Now().UnixMilli()
	if enabled {
		job.State.NextRunAtMS = computeNextRunFrom(&job.Schedule, time.Now().UnixMilli())
	}
	err := s.saveLocked()
	s.mu.Unlock()
	if err != nil {
		return false, err
	}
	s.notifyRearm()
	return true, nil
}

// ListJobs returns a snapshot of all jobs.
func (s *Service) ListJobs() []CronJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CronJob, len(s.store.Jobs))
	copy(out, s.store.Jobs)
	return out
}

// GetJob returns a single job by ID.
func (s *Service) GetJob(id string) (CronJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.store.find(id)
	if job == nil {
		return CronJob{}, false
	}
	return *job, true
}

// Start loads the store and runs the timer loop until ctx is cancelled or
// Stop is called.
func (s *Service) Start(ctx context.Context) error {
	if err := s.Load(); err != nil {
		logger.WarnCF("cron", "failed to load store, starting empty", map[string]interface{}{"error": err.Error()})
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	logger.InfoCF("cron", "service started", nil)
	go s.loop(runCtx)
	return nil
}

// Stop signals the timer loop to exit and waits for it.
func (s *Service) Stop(_ context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
	return nil
}

func (s *Service) loop(ctx context.Context) {
	defer close(s.done)
	for {
		sleepFor := s.nextSleepDuration()

		timer := time.NewTimer(sleepFor)
		select {
		case <-timer.C:
			s.executeDueJobs(ctx)
		case <-s.rearm:
			timer.Stop()
			logger.DebugCF("cron", "timer re-armed", nil)
		case <-ctx.Done():
			timer.Stop()
			logger.InfoCF("cron", "service shutting down", nil)
			return
		}
	}
}

func (s *Service) nextSleepDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	var earliest *int64
	for i := range s.store.Jobs {
		j := &s.store.Jobs[i]
		if !j.Enabled || j.State.NextRunAtMS == nil {
			continue
		}
		if earliest == nil || *j.State.NextRunAtMS < *earliest {
			earliest = j.State.NextRunAtMS
		}
	}

	if earliest == nil {
		return idleSleep
	}
	delay := *earliest - time.Now().UnixMilli()
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay) * time.Millisecond
}

func (s *Service) executeDueJobs(ctx context.Context) {
	now := time.Now().UnixMilli()

	s.mu.Lock()
	var dueIDs []string
	for i := range s.store.Jobs {
		if s.store.Jobs[i].IsDue(now) {
			dueIDs = append(dueIDs, s.store.Jobs[i].ID)
		}
	}
	s.mu.Unlock()

	if len(dueIDs) == 0 {
		return
	}

	logger.DebugCF("cron", "executing due jobs", map[string]interface{}{"count": len(dueIDs)})
	for _, id := range dueIDs {
		s.executeJob(ctx, id)
	}
}

// executeJob runs a single job's callback and updates its persisted state.
func (s *Service) executeJob(ctx context.Context, id string) {
	s.mu.Lock()
	job := s.store.find(id)
	var jobCopy CronJob
	if job != nil {
		jobCopy = *job
	}
	onJob := s.onJob
	s.mu.Unlock()

	if job == nil {
		logger.WarnCF("cron", "job not found for execution", map[string]interface{}{"id": id})
		return
	}

	logger.InfoCF("cron", "executing job", map[string]interface{}{"id": jobCopy.ID, "name": jobCopy.Name})

	var response string
	var runErr error
	var status JobStatus
	if onJob != nil {
		response, runErr = onJob(ctx, jobCopy)
		if runErr != nil {
			status = JobStatusError
		} else {
			status = JobStatusOK
		}
	} else {
		status = JobStatusSkipped
		logger.WarnCF("cron", "no job callback set, skipping execution", map[string]interface{}{"id": id})
	}

	if status == JobStatusOK && jobCopy.Payload.Deliver && jobCopy.Payload.Channel != "" && jobCopy.Payload.To != "" {
		s.bus.PublishOutbound(bus.OutboundMessage{
			Channel: jobCopy.Payload.Channel,
			ChatID:  jobCopy.Payload.To,
			Content: response,
		})
	}

	now := time.Now().UnixMilli()

	s.mu.Lock()
	j := s.store.find(id)
	shouldDelete := false
	if j != nil {
		j.State.LastRunAtMS = &now
		j.State.LastStatus = status
		if runErr != nil {
			j.State.LastError = runErr.Error()
			logger.ErrorCF("cron", "job failed", map[string]interface{}{"id": id, "name": j.Name, "error": runErr.Error()})
		} else {
			j.State.LastError = ""
		}

		switch {
		case j.Schedule.Kind == ScheduleAt && j.DeleteAfterRun:
			shouldDelete = true
		case j.Schedule.Kind == ScheduleAt:
			j.Enabled = false
			j.State.NextRunAtMS = nil
		default:
			j.State.NextRunAtMS = computeNextRunFrom(&j.Schedule, now)
		}
		j.UpdatedAtMS = now
	}
	if shouldDelete {
		s.store.remove(id)
	}
	err := s.saveLocked()
	s.mu.Unlock()

	if err != nil {
		logger.ErrorCF("cron", "failed to save store after execution", map[string]interface{}{"error": err.Error()})
	}
}

// computeNextRunFrom computes the next run time for a schedule, anchored at
// nowMS. A Cron schedule with an invalid expression yields nil — the job
// effectively pauses rather than erroring the scheduler.
func computeNextRunFrom(schedule *CronSchedule, nowMS int64) *int64 {
	switch schedule.Kind {
	case ScheduleAt:
		return schedule.AtMS
	case ScheduleEvery:
		interval := int64(60_000)
		if schedule.EveryMS != nil && *schedule.EveryMS > 0 {
			interval = *schedule.EveryMS
		}
		next := nowMS + interval
		return &next
	case ScheduleCron:
		if schedule.Expr == "" {
			return nil
		}
		now := time.UnixMilli(nowMS)
		if schedule.TZ != "" {
			if loc, err := time.LoadLocation(schedule.TZ); err == nil {
				now = now.In(loc)
			}
		}
		next, err := gronx.NextTickAfter(schedule.Expr, now, false)
		if err != nil {
			logger.WarnCF("cron", "invalid cron expression", map[string]interface{}{"expr": schedule.Expr, "error": err.Error()})
			return nil
		}
		ms := next.UnixMilli()
		return &ms
	default:
		return nil
	}
}
