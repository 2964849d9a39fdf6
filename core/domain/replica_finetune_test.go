package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestJobStatusTransitions(t *testing.T) {
	tests := []struct {
		from    JobStatus
		to      JobStatus
		allowed bool
	}{
		{JobStatusPending, JobStatusPreparingData, true},
		{JobStatusPending, JobStatusRunning, true},
		{JobStatusPending, JobStatusFailed, true},
		{JobStatusPreparingData, JobStatusRunning, true},
		{JobStatusRunning, JobStatusCompleted, true},
		{JobStatusRunning, JobStatusCancelled, true},
		{JobStatusRunning, JobStatusPending, false},
		{JobStatusRunning, JobStatusPreparingData, false},
		{JobStatusCompleted, JobStatusFailed, false},
		{JobStatusFailed, JobStatusRunning, false},
		{JobStatusCancelled, JobStatusCompleted, false},
	}

	for _, tt := range tests {
		got := tt.from.CanTransitionTo(tt.to)
		if got != tt.allowed {
			t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.allowed)
		}
	}
}

func TestJobStatusTerminal(t *testing.T) {
	terminals := []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCancelled}
	for _, s := range terminals {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	for _, s := range []JobStatus{JobStatusPending, JobStatusPreparingData, JobStatusRunning} {
		if s.Terminal() {
			t.Errorf("expected %s not to be terminal", s)
		}
	}
}

func TestJobAdvanceToStampsTimes(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	job := &FineTuningJob{Status: JobStatusPending}

	if err := job.AdvanceTo(JobStatusRunning, now); err != nil {
		t.Fatalf("advance to running: %v", err)
	}
	if !job.StartedAt.Equal(now) {
		t.Errorf("expected StartedAt %v, got %v", now, job.StartedAt)
	}
	if !job.FinishedAt.IsZero() {
		t.Error("expected FinishedAt to stay zero while running")
	}

	later := now.Add(time.Hour)
	if err := job.AdvanceTo(JobStatusCompleted, later); err != nil {
		t.Fatalf("advance to completed: %v", err)
	}
	if !job.FinishedAt.Equal(later) {
		t.Errorf("expected FinishedAt %v, got %v", later, job.FinishedAt)
	}

	// Terminal jobs never move again.
	if err := job.AdvanceTo(JobStatusFailed, later); err == nil {
		t.Error("expected error advancing a completed job")
	}
	if job.Status != JobStatusCompleted {
		t.Errorf("expected status to stay completed, got %s", job.Status)
	}
}

func TestJobFail(t *testing.T) {
	now := time.Now()
	job := &FineTuningJob{Status: JobStatusRunning}

	job.Fail("upstream rejected the file", now)
	if job.Status != JobStatusFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
	if job.ErrorMessage != "upstream rejected the file" {
		t.Errorf("unexpected error message: %s", job.ErrorMessage)
	}

	// Failing a terminal job keeps the original message.
	job.Fail("second failure", now.Add(time.Minute))
	if job.ErrorMessage != "upstream rejected the file" {
		t.Error("expected Fail on terminal job to be a no-op")
	}
}

func TestCachedEmailTrainable(t *testing.T) {
	row := &CachedEmail{
		CoachID:          uuid.New(),
		IsFromCoach:      true,
		IsToClientOrLead: true,
	}
	if !row.Trainable() {
		t.Error("expected fresh coach-to-client row to be trainable")
	}

	row.IncludedInFineTuning = true
	if row.Trainable() {
		t.Error("expected consumed row not to be trainable")
	}

	row.IncludedInFineTuning = false
	row.IsToClientOrLead = false
	if row.Trainable() {
		t.Error("expected non-client row not to be trainable")
	}
}
