package cron

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sipeed/oxibot/pkg/bus"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobs.json")
	return NewService(path, bus.NewMessageBus(10))
}

func TestAddAndListJobs(t *testing.T) {
	svc := newTestService(t)

	job := NewCronJob("test", ScheduleEveryInterval(10*time.Second), CronPayload{Message: "hi"})
	id, err := svc.AddJob(job)
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	jobs := svc.ListJobs()
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	if jobs[0].ID != id || jobs[0].Name != "test" {
		t.Fatalf("unexpected job: %+v", jobs[0])
	}
	if jobs[0].State.NextRunAtMS == nil {
		t.Fatal("expected next_run_at_ms to be set on add")
	}
}

func TestPersistenceAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	svc1 := NewService(path, bus.NewMessageBus(10))

	job := NewCronJob("persistent", ScheduleEveryInterval(5*time.Second), CronPayload{Message: "hello"})
	if _, err := svc1.AddJob(job); err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	svc2 := NewService(path, bus.NewMessageBus(10))
	if err := svc2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	jobs := svc2.ListJobs()
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job after reload, got %d", len(jobs))
	}
	if jobs[0].Name != "persistent" || jobs[0].Payload.Message != "hello" {
		t.Fatalf("unexpected reloaded job: %+v", jobs[0])
	}
}

func TestRemoveJob(t *testing.T) {
	svc := newTestService(t)
	job := NewCronJob("gone", ScheduleEveryInterval(time.Minute), CronPayload{})
	id, _ := svc.AddJob(job)

	removed, err := svc.RemoveJob(id)
	if err != nil || !removed {
		t.Fatalf("RemoveJob: removed=%v err=%v", removed, err)
	}
	if len(svc.ListJobs()) != 0 {
		t.Fatal("expected no jobs after removal")
	}

	removed, err = svc.RemoveJob(id)
	if err != nil || removed {
		t.Fatalf("second RemoveJob should be a no-op: removed=%v err=%v", removed, err)
	}
}

func TestSetEnabledDisabledJobNeverFires(t *testing.T) {
	svc := newTestService(t)
	job := NewCronJob("toggle", ScheduleEveryInterval(time.Minute), CronPayload{})
	id, _ := svc.AddJob(job)

	if ok, err := svc.SetEnabled(id, false); err != nil || !ok {
		t.Fatalf("SetEnabled(false): ok=%v err=%v", ok, err)
	}
	j, _ := svc.GetJob(id)
	if j.IsDue(time.Now().Add(time.Hour).UnixMilli()) {
		t.Fatal("disabled job must never be due")
	}
}

func TestAtJobDisablesAfterFiring(t *testing.T) {
	svc := newTestService(t)
	past := time.Now().Add(-time.Second)
	job := NewCronJob("one-shot", ScheduleAtTime(past), CronPayload{Message: "hi"})
	id, _ := svc.AddJob(job)

	svc.SetOnJob(func(_ context.Context, _ CronJob) (string, error) { return "done", nil })
	svc.executeJob(context.Background(), id)

	j, ok := svc.GetJob(id)
	if !ok {
		t.Fatal("expected job to still exist (delete_after_run is false)")
	}
	if j.Enabled {
		t.Fatal("at-schedule job must be disabled after firing")
	}
	if j.State.NextRunAtMS != nil {
		t.Fatal("at-schedule job must clear next_run_at_ms after firing")
	}
	if j.State.LastStatus != JobStatusOK {
		t.Fatalf("expected ok status, got %s", j.State.LastStatus)
	}
}

func TestAtJobDeletesWhenDeleteAfterRun(t *testing.T) {
	svc := newTestService(t)
	past := time.Now().Add(-time.Second)
	job := NewCronJob("one-shot-delete", ScheduleAtTime(past), CronPayload{})
	job.DeleteAfterRun = true
	id, _ := svc.AddJob(job)

	svc.SetOnJob(func(_ context.Context, _ CronJob) (string, error) { return "", nil })
	svc.executeJob(context.Background(), id)

	if _, ok := svc.GetJob(id); ok {
		t.Fatal("expected job to be deleted after firing")
	}
}

func TestEveryJobReschedulesByInterval(t *testing.T) {
	svc := newTestService(t)
	job := NewCronJob("recurring", ScheduleEveryInterval(5*time.Second), CronPayload{})
	id, _ := svc.AddJob(job)

	svc.SetOnJob(func(_ context.Context, _ CronJob) (string, error) { return "", nil })
	before := time.Now().UnixMilli()
	svc.executeJob(context.Background(), id)

	j, _ := svc.GetJob(id)
	if j.State.NextRunAtMS == nil {
		t.Fatal("expected next_run_at_ms to be recomputed")
	}
	if *j.State.NextRunAtMS < before+4000 {
		t.Fatalf("expected next run roughly 5s out, got %d (before=%d)", *j.State.NextRunAtMS, before)
	}
}

func TestJobErrorRecordsLastError(t *testing.T) {
	svc := newTestService(t)
	job := NewCronJob("flaky", ScheduleEveryInterval(time.Minute), CronPayload{})
	id, _ := svc.AddJob(job)

	svc.SetOnJob(func(_ context.Context, _ CronJob) (string, error) {
		return "", errBoom
	})
	svc.executeJob(context.Background(), id)

	j, _ := svc.GetJob(id)
	if j.State.LastStatus != JobStatusError {
		t.Fatalf("expected error status, got %s", j.State.LastStatus)
	}
	if j.State.LastError == "" {
		t.Fatal("expected last_error to be recorded")
	}
}

func TestInvalidCronExprPausesJob(t *testing.T) {
	schedule := ScheduleCronExpr("not a cron expr", "")
	next := computeNextRunFrom(&schedule, time.Now().UnixMilli())
	if next != nil {
		t.Fatal("expected nil next-run for an invalid cron expression")
	}
}

func TestValidCronExprComputesFutureRun(t *testing.T) {
	schedule := ScheduleCronExpr("0 9 * * *", "")
	now := time.Now().UnixMilli()
	next := computeNextRunFrom(&schedule, now)
	if next == nil {
		t.Fatal("expected a computed next-run for a valid cron expression")
	}
	if *next <= now {
		t.Fatal("next run must be in the future")
	}
}

type boomError struct{}

func (boomError) Error() string { return "boom" }

var errBoom = boomError{}
