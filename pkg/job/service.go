package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/arclight/imagegate/internal/telemetry"
	"github.com/arclight/imagegate/pkg/limiter"
	"github.com/arclight/imagegate/pkg/provider"
	"github.com/arclight/imagegate/pkg/queue"
	"github.com/arclight/imagegate/pkg/tenant"
)

// SubmitRequest is the validated, decoded intake request.
type SubmitRequest struct {
	IdempotencyKey string
	Config         provider.ImageConfig
	WebhookURL     string
}

// ErrAdmissionDenied is returned when a tenant has exceeded its plan's
// requests-per-minute budget at intake.
var ErrAdmissionDenied = errors.New("admission denied: tenant over plan limit")

// Service implements job intake: idempotency, tenant admission, and
// enqueueing for execution. The result cache is consulted later, by the
// executor, once admission tokens for the job are held.
type Service struct {
	repo    Repository
	queue   *queue.Queue
	limiter *limiter.Limiter
	logger  *slog.Logger
}

// NewService creates a job intake Service.
func NewService(repo Repository, q *queue.Queue, l *limiter.Limiter, logger *slog.Logger) *Service {
	return &Service{repo: repo, queue: q, limiter: l, logger: logger}
}

// Submit handles a new job request: replays an existing job for a repeated
// idempotency key, admits the request against the tenant's RPM limit, and
// enqueues the job for execution. It never consults the result cache.
func (s *Service) Submit(ctx context.Context, t *tenant.Tenant, req SubmitRequest) (*Job, error) {
	if req.IdempotencyKey != "" {
		existing, err := s.repo.GetByIdempotencyKey(ctx, t.ID, req.IdempotencyKey)
		if err == nil {
			telemetry.JobsSubmittedTotal.WithLabelValues("replayed").Inc()
			return existing, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("checking idempotency key: %w", err)
		}
	}

	allowed, err := s.limiter.AllowRPM(ctx, tenantScope(t.ID), t.RPM)
	if err != nil {
		return nil, fmt.Errorf("checking tenant rpm: %w", err)
	}
	if !allowed {
		telemetry.JobsSubmittedTotal.WithLabelValues("rejected_rpm").Inc()
		telemetry.AdmissionDeniedTotal.WithLabelValues("tenant", "rpm").Inc()
		return nil, ErrAdmissionDenied
	}

	now := time.Now()
	j := &Job{
		ID:             uuid.New(),
		TenantID:       t.ID,
		IdempotencyKey: req.IdempotencyKey,
		State:          StateQueued,
		Config:         req.Config,
		MaxAttempts:    defaultMaxAttempts,
		WebhookURL:     req.WebhookURL,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	// The result cache is consulted by the executor after admission tokens
	// are acquired, not here: a cache hit still has to pay for its slot in
	// the rate/concurrency budget so it can't be used to bypass it.
	if err := s.repo.Create(ctx, j); err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			existing, getErr := s.repo.GetByIdempotencyKey(ctx, t.ID, req.IdempotencyKey)
			if getErr != nil {
				return nil, fmt.Errorf("fetching job after duplicate create: %w", getErr)
			}
			telemetry.JobsSubmittedTotal.WithLabelValues("replayed").Inc()
			return existing, nil
		}
		return nil, fmt.Errorf("creating job: %w", err)
	}

	if err := s.queue.Enqueue(ctx, j.ID, now); err != nil {
		return nil, fmt.Errorf("enqueueing job: %w", err)
	}

	telemetry.JobsSubmittedTotal.WithLabelValues("accepted").Inc()
	return j, nil
}

// Get fetches a job by ID, scoped to the requesting tenant.
func (s *Service) Get(ctx context.Context, tenantID, jobID uuid.UUID) (*Job, error) {
	j, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return j, nil
}

// Cancel moves a tenant's job to CANCELED and removes it from the dispatch
// queue, if it hasn't already started.
func (s *Service) Cancel(ctx context.Context, tenantID, jobID uuid.UUID) (*Job, error) {
	j, err := s.Get(ctx, tenantID, jobID)
	if err != nil {
		return nil, err
	}
	if j.State.IsTerminal() {
		return j, nil
	}
	if err := Cancel(j); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, j); err != nil {
		return nil, fmt.Errorf("persisting cancellation: %w", err)
	}
	if err := s.queue.Remove(ctx, j.ID); err != nil {
		s.logger.Warn("removing canceled job from queue", "job_id", j.ID, "error", err)
	}
	return j, nil
}

// List returns a tenant's most recent jobs.
func (s *Service) List(ctx context.Context, tenantID uuid.UUID, limit int) ([]*Job, error) {
	return s.repo.ListByTenant(ctx, tenantID, limit)
}

const defaultMaxAttempts = 4

func tenantScope(id uuid.UUID) string {
	return "tenant:" + id.String()
}
