// Package job models the asynchronous image-generation job: its lifecycle
// state machine, idempotent intake, bounded retries, and the progressive
// result list clients poll or receive over webhook.
package job

import (
	"time"

	"github.com/google/uuid"

	"github.com/arclight/imagegate/pkg/provider"
)

// State is a job's lifecycle state.
type State string

const (
	StateQueued    State = "QUEUED"
	StateRunning   State = "RUNNING"
	StateRetrying  State = "RETRYING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
	StateCanceled  State = "CANCELED"
)

// IsTerminal reports whether s is a state a job will never leave.
func (s State) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCanceled:
		return true
	default:
		return false
	}
}

// Job is a single image-generation request and its execution state.
type Job struct {
	ID             uuid.UUID
	TenantID       uuid.UUID
	IdempotencyKey string
	State          State
	Config         provider.ImageConfig
	CredentialID   *uuid.UUID
	Attempts       int
	MaxAttempts    int
	ImageURLs      []string // append-only; the executor sets every URL at once when the job succeeds
	EndpointUsed   string   // which provider endpoint served the request, e.g. "primary" or "fallback"
	ErrorMessage   string
	WebhookURL     string
	NextAttemptAt  *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CanTransition reports whether moving from the job's current state to next
// is a legal transition.
func (j *Job) CanTransition(next State) bool {
	switch j.State {
	case StateQueued:
		return next == StateRunning || next == StateCanceled
	case StateRunning:
		return next == StateSucceeded || next == StateFailed || next == StateRetrying
	case StateRetrying:
		return next == StateRunning || next == StateFailed || next == StateCanceled
	case StateSucceeded, StateFailed, StateCanceled:
		return false
	default:
		return false
	}
}
