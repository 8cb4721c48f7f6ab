// Package cron implements the persistent scheduler (spec.md §4.9): a job
// store backed by a JSON file plus a single re-arming timer that fires due
// jobs and feeds their results back through the agent.
package cron

import (
	"time"

	"github.com/google/uuid"
)

// ScheduleKind selects which of CronSchedule's fields are meaningful.
type ScheduleKind string

const (
	ScheduleAt    ScheduleKind = "at"
	ScheduleEvery ScheduleKind = "every"
	ScheduleCron  ScheduleKind = "cron"
)

// CronSchedule describes when a job fires. Exactly one of AtMS/EveryMS/Expr
// is populated, selected by Kind.
type CronSchedule struct {
	Kind    ScheduleKind `json:"kind"`
	AtMS    *int64       `json:"atMs,omitempty"`
	EveryMS *int64       `json:"everyMs,omitempty"`
	Expr    string       `json:"expr,omitempty"`
	TZ      string       `json:"tz,omitempty"`
}

// ScheduleAtTime builds a one-shot schedule.
func ScheduleAtTime(t time.Time) CronSchedule {
	ms := t.UnixMilli()
	return CronSchedule{Kind: ScheduleAt, AtMS: &ms}
}

// ScheduleEveryInterval builds a fixed-interval schedule.
func ScheduleEveryInterval(d time.Duration) CronSchedule {
	ms := d.Milliseconds()
	return CronSchedule{Kind: ScheduleEvery, EveryMS: &ms}
}

// ScheduleCronExpr builds a standard 5-field cron-expression schedule.
func ScheduleCronExpr(expr, tz string) CronSchedule {
	return CronSchedule{Kind: ScheduleCron, Expr: expr, TZ: tz}
}

// CronPayload is what a job does when it fires.
type CronPayload struct {
	Message string `json:"message"`
	Deliver bool   `json:"deliver"`
	Channel string `json:"channel,omitempty"`
	To      string `json:"to,omitempty"`
}

// JobStatus is the run status of the last execution.
type JobStatus string

const (
	JobStatusOK      JobStatus = "ok"
	JobStatusError   JobStatus = "error"
	JobStatusSkipped JobStatus = "skipped"
)

// CronJobState is the mutable run state of a job.
type CronJobState struct {
	NextRunAtMS *int64    `json:"nextRunAtMs,omitempty"`
	LastRunAtMS *int64    `json:"lastRunAtMs,omitempty"`
	LastStatus  JobStatus `json:"lastStatus,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
}

// CronJob is a scheduled job.
type CronJob struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Enabled        bool         `json:"enabled"`
	Schedule       CronSchedule `json:"schedule"`
	Payload        CronPayload  `json:"payload"`
	State          CronJobState `json:"state"`
	CreatedAtMS    int64        `json:"createdAtMs"`
	UpdatedAtMS    int64        `json:"updatedAtMs"`
	DeleteAfterRun bool         `json:"deleteAfterRun"`
}

// NewCronJob creates a job with a generated 8-character ID.
func NewCronJob(name string, schedule CronSchedule, payload CronPayload) CronJob {
	now := time.Now().UnixMilli()
	return CronJob{
		ID:          uuid.NewString()[:8],
		Name:        name,
		Enabled:     true,
		Schedule:    schedule,
		Payload:     payload,
		CreatedAtMS: now,
		UpdatedAtMS: now,
	}
}

// IsDue reports whether the job is enabled and its next run time has passed.
func (j *CronJob) IsDue(nowMS int64) bool {
	if !j.Enabled || j.State.NextRunAtMS == nil {
		return false
	}
	return nowMS >= *j.State.NextRunAtMS
}

// SessionKey is the session identity used for a job's conversation history.
func (j *CronJob) SessionKey() string {
	return "cron:" + j.ID
}

// CronStore is the on-disk JSON shape: a version tag plus the job list.
type CronStore struct {
	Version int       `json:"version"`
	Jobs    []CronJob `json:"jobs"`
}

// NewCronStore returns an empty store at the current format version.
func NewCronStore() *CronStore {
	return &CronStore{Version: 1, Jobs: []CronJob{}}
}

func (s *CronStore) find(id string) *CronJob {
	for i := range s.Jobs {
		if s.Jobs[i].ID == id {
			return &s.Jobs[i]
		}
	}
	return nil
}

func (s *CronStore) remove(id string) bool {
	for i, j := range s.Jobs {
		if j.ID == id {
			s.Jobs = append(s.Jobs[:i], s.Jobs[i+1:]...)
			return true
		}
	}
	return false
}
