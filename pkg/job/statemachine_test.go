package job

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestJob() *Job {
	return &Job{
		ID:          uuid.New(),
		State:       StateQueued,
		MaxAttempts: 3,
	}
}

func TestStartIncrementsAttemptsAndMovesToRunning(t *testing.T) {
	j := newTestJob()
	if err := Start(j); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if j.State != StateRunning {
		t.Fatalf("expected RUNNING, got %s", j.State)
	}
	if j.Attempts != 1 {
		t.Fatalf("expected attempts=1, got %d", j.Attempts)
	}
}

func TestStartRejectsFromSucceeded(t *testing.T) {
	j := newTestJob()
	j.State = StateSucceeded
	if err := Start(j); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
}

func TestScheduleRetryMovesToRetryingUnderBudget(t *testing.T) {
	j := newTestJob()
	_ = Start(j)

	if err := ScheduleRetry(j, "overloaded", time.Second); err != nil {
		t.Fatalf("ScheduleRetry: %v", err)
	}
	if j.State != StateRetrying {
		t.Fatalf("expected RETRYING, got %s", j.State)
	}
	if j.NextAttemptAt == nil {
		t.Fatal("expected NextAttemptAt to be set")
	}
}

func TestScheduleRetryFailsPermanentlyAtMaxAttempts(t *testing.T) {
	j := newTestJob()
	j.MaxAttempts = 1
	_ = Start(j) // attempts=1

	err := ScheduleRetry(j, "overloaded", time.Second)
	if !errors.Is(err, ErrMaxAttemptsExceeded) {
		t.Fatalf("expected ErrMaxAttemptsExceeded, got %v", err)
	}
	if j.State != StateFailed {
		t.Fatalf("expected FAILED, got %s", j.State)
	}
}

func TestSucceedAppendsImageURLs(t *testing.T) {
	j := newTestJob()
	_ = Start(j)
	AppendProgress(j, []string{"https://a"})

	if err := Succeed(j, []string{"https://b"}); err != nil {
		t.Fatalf("Succeed: %v", err)
	}
	if j.State != StateSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s", j.State)
	}
	if len(j.ImageURLs) != 2 {
		t.Fatalf("expected 2 image urls, got %d", len(j.ImageURLs))
	}
}

func TestCancelFromQueued(t *testing.T) {
	j := newTestJob()
	if err := Cancel(j); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if j.State != StateCanceled {
		t.Fatalf("expected CANCELED, got %s", j.State)
	}
}

func TestCancelRejectsFromTerminalState(t *testing.T) {
	j := newTestJob()
	j.State = StateFailed
	if err := Cancel(j); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
}
