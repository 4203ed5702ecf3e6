// Package executor drives a single job from dequeue to terminal state: it
// acquires the global RPM and concurrency tokens, then the tenant's
// concurrency slot, then picks a healthy credential and acquires that
// credential's RPM and concurrency tokens (so admission runs Global ->
// Tenant -> Credential), calls the provider, uploads resulting images in
// parallel, updates the cache and job record, and releases every acquired
// admission token in reverse order regardless of outcome.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/arclight/imagegate/internal/telemetry"
	"github.com/arclight/imagegate/pkg/blobstore"
	"github.com/arclight/imagegate/pkg/cache"
	"github.com/arclight/imagegate/pkg/credential"
	"github.com/arclight/imagegate/pkg/job"
	"github.com/arclight/imagegate/pkg/limiter"
	"github.com/arclight/imagegate/pkg/provider"
	"github.com/arclight/imagegate/pkg/queue"
	"github.com/arclight/imagegate/pkg/tenant"
	"github.com/arclight/imagegate/pkg/webhook"
)

const globalScope = "global"

// Config holds the admission limits and retry policy an Executor enforces.
type Config struct {
	GlobalRPM            int
	GlobalConcurrency    int
	RetryBaseDelay       time.Duration
	RetryOverloadMaxWait time.Duration
}

// Executor runs jobs end to end.
type Executor struct {
	jobs        job.Repository
	tenants     tenant.Repository
	credentials credential.Repository
	scheduler   *credential.Scheduler
	health      *credential.HealthTracker
	queue       *queue.Queue
	limiter     *limiter.Limiter
	provider    provider.Provider
	blobs       blobstore.Store
	cache       *cache.Cache
	deliverer   *webhook.Deliverer
	logger      *slog.Logger
	cfg         Config
}

// New creates an Executor.
func New(
	jobs job.Repository,
	tenants tenant.Repository,
	credentials credential.Repository,
	scheduler *credential.Scheduler,
	health *credential.HealthTracker,
	q *queue.Queue,
	l *limiter.Limiter,
	p provider.Provider,
	blobs blobstore.Store,
	c *cache.Cache,
	deliverer *webhook.Deliverer,
	logger *slog.Logger,
	cfg Config,
) *Executor {
	return &Executor{
		jobs:        jobs,
		tenants:     tenants,
		credentials: credentials,
		scheduler:   scheduler,
		health:      health,
		queue:       q,
		limiter:     l,
		provider:    p,
		blobs:       blobs,
		cache:       c,
		deliverer:   deliverer,
		logger:      logger,
		cfg:         cfg,
	}
}

// releaseStack accumulates release callbacks and runs them in reverse (LIFO)
// order: whichever admission scope was acquired last gets released first.
type releaseStack struct {
	fns []func()
}

func (s *releaseStack) push(fn func()) { s.fns = append(s.fns, fn) }

func (s *releaseStack) unwind() {
	for i := len(s.fns) - 1; i >= 0; i-- {
		s.fns[i]()
	}
}

// PollAndRun dequeues up to n ready jobs and runs them concurrently, waiting
// for all of them to finish before returning the number actually dequeued.
// Errors running an individual job are logged, not propagated, so one bad
// job never blocks the rest of the batch.
func (e *Executor) PollAndRun(ctx context.Context, n int) (int, error) {
	ids, err := e.queue.Dequeue(ctx, n)
	if err != nil {
		return 0, fmt.Errorf("dequeuing jobs: %w", err)
	}
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			if err := e.Run(ctx, id); err != nil {
				e.logger.Error("running job", "job_id", id, "error", err)
			}
		}(id)
	}
	wg.Wait()
	return len(ids), nil
}

// Run executes a single job by ID: admission, credential selection,
// provider call, upload, and terminal-state persistence with webhook
// delivery. Admission denial or a transient provider failure reschedules
// the job for retry rather than returning an error, since rescheduling is
// itself the correct successful outcome of Run in that case.
func (e *Executor) Run(ctx context.Context, jobID uuid.UUID) error {
	start := time.Now()

	j, err := e.jobs.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("loading job: %w", err)
	}
	if j.State.IsTerminal() {
		return nil
	}

	t, err := e.tenants.Get(ctx, j.TenantID)
	if err != nil {
		return fmt.Errorf("loading tenant: %w", err)
	}

	var release releaseStack
	defer release.unwind()

	admitted, err := e.admitGlobalAndTenant(ctx, t, &release)
	if err != nil {
		return fmt.Errorf("checking admission: %w", err)
	}
	if !admitted {
		return e.retryAfterDenial(ctx, j, "admission denied, retrying")
	}

	cred, err := e.scheduler.Pick(ctx, credential.PickInput{
		ProviderTag: provider.TagGemini,
		Model:       j.Config.Model,
	})
	if err != nil {
		return e.retryAfterDenial(ctx, j, "no healthy credential available, retrying")
	}

	credScope := credential.Scope(cred.ID)
	credAdmitted, err := e.admitCredential(ctx, cred, &release)
	if err != nil {
		return fmt.Errorf("checking credential admission for %s: %w", credScope, err)
	}
	if !credAdmitted {
		return e.retryAfterDenial(ctx, j, "credential over budget, retrying")
	}

	j.CredentialID = &cred.ID

	if err := job.Start(j); err != nil {
		return fmt.Errorf("starting job: %w", err)
	}
	if err := e.jobs.Update(ctx, j); err != nil {
		return fmt.Errorf("persisting running state: %w", err)
	}

	// Cache consultation happens here, after every admission token is
	// already held, not at intake: a hit still pays for its slot in the
	// rate/concurrency budget, which is what gives the cache its natural
	// backpressure during a stampede of identical prompts.
	fp := fingerprintOf(j)
	if j.Config.Mode == provider.ModeFinal && e.cache.Eligible(fp) {
		if entry, ok, err := e.cache.Get(ctx, fp); err != nil {
			e.logger.Warn("result cache lookup failed", "job_id", j.ID, "error", err)
		} else if ok {
			return e.finishFromCache(ctx, j, cred, entry)
		} else {
			telemetry.CacheResultTotal.WithLabelValues("miss").Inc()
		}
	}

	providerStart := time.Now()
	result, genErr := e.provider.Generate(ctx, cred.SecretRef, j.Config)
	if genErr != nil {
		telemetry.ProviderRequestDuration.WithLabelValues("error").Observe(time.Since(providerStart).Seconds())
		return e.handleProviderError(ctx, j, cred, genErr)
	}
	telemetry.ProviderRequestDuration.WithLabelValues("ok").Observe(time.Since(providerStart).Seconds())

	if err := e.health.RecordSuccess(ctx, cred.ID, cred.ProviderTag, cred.EndpointTag); err != nil {
		e.logger.Warn("recording credential success", "credential_id", cred.ID, "error", err)
	}

	j.EndpointUsed = result.EndpointUsed

	urls, err := e.uploadAll(ctx, j, result.Images)
	if err != nil {
		return e.handleProviderError(ctx, j, cred, err)
	}

	if err := job.Succeed(j, urls); err != nil {
		return fmt.Errorf("marking job succeeded: %w", err)
	}
	if err := e.jobs.Update(ctx, j); err != nil {
		return fmt.Errorf("persisting succeeded state: %w", err)
	}

	if j.Config.Mode == provider.ModeFinal {
		if err := e.cache.Set(ctx, fingerprintOf(j), cache.Entry{JobID: j.ID.String(), ImageURLs: j.ImageURLs}); err != nil {
			e.logger.Warn("writing result cache", "job_id", j.ID, "error", err)
		}
	}

	telemetry.JobsCompletedTotal.WithLabelValues(string(job.StateSucceeded)).Inc()
	telemetry.JobProcessingDuration.WithLabelValues("succeeded").Observe(time.Since(start).Seconds())

	e.notify(ctx, j)
	return nil
}

// finishFromCache completes a job from a prior result-cache entry instead of
// calling the provider: it resets the credential's failure streak, since it
// shouldn't be penalized for a request the cache satisfied on its behalf,
// but leaves the endpoint health rollups untouched since no provider call
// actually happened.
func (e *Executor) finishFromCache(ctx context.Context, j *job.Job, cred *credential.Credential, entry cache.Entry) error {
	if err := e.health.ResetFailureStreak(ctx, cred.ID); err != nil {
		e.logger.Warn("recording credential success", "credential_id", cred.ID, "error", err)
	}

	if err := job.Succeed(j, entry.ImageURLs); err != nil {
		return fmt.Errorf("marking cached job succeeded: %w", err)
	}
	if err := e.jobs.Update(ctx, j); err != nil {
		return fmt.Errorf("persisting cached succeeded state: %w", err)
	}

	telemetry.JobsCompletedTotal.WithLabelValues(string(job.StateSucceeded)).Inc()
	telemetry.CacheResultTotal.WithLabelValues("hit").Inc()

	e.notify(ctx, j)
	return nil
}

func (e *Executor) admitGlobalAndTenant(ctx context.Context, t *tenant.Tenant, release *releaseStack) (bool, error) {
	globalOK, err := e.limiter.AllowRPM(ctx, globalScope, e.cfg.GlobalRPM)
	if err != nil {
		return false, err
	}
	if !globalOK {
		telemetry.AdmissionDeniedTotal.WithLabelValues("global", "rpm").Inc()
		return false, nil
	}

	globalAcquired, err := e.limiter.AcquireConcurrency(ctx, globalScope, e.cfg.GlobalConcurrency)
	if err != nil {
		return false, err
	}
	if !globalAcquired {
		telemetry.AdmissionDeniedTotal.WithLabelValues("global", "concurrency").Inc()
		return false, nil
	}
	release.push(func() { _ = e.limiter.ReleaseConcurrency(context.Background(), globalScope) })

	tenantScope := "tenant:" + t.ID.String()
	tenantAcquired, err := e.limiter.AcquireConcurrency(ctx, tenantScope, t.Concurrency)
	if err != nil {
		return false, err
	}
	if !tenantAcquired {
		telemetry.AdmissionDeniedTotal.WithLabelValues("tenant", "concurrency").Inc()
		return false, nil
	}
	release.push(func() { _ = e.limiter.ReleaseConcurrency(context.Background(), tenantScope) })

	return true, nil
}

func (e *Executor) admitCredential(ctx context.Context, cred *credential.Credential, release *releaseStack) (bool, error) {
	scope := credential.Scope(cred.ID)

	rpmOK, err := e.limiter.AllowRPM(ctx, scope, cred.RPM)
	if err != nil {
		return false, err
	}
	if !rpmOK {
		telemetry.AdmissionDeniedTotal.WithLabelValues("credential", "rpm").Inc()
		return false, nil
	}

	acquired, err := e.limiter.AcquireConcurrency(ctx, scope, cred.Concurrency)
	if err != nil {
		return false, err
	}
	if !acquired {
		telemetry.AdmissionDeniedTotal.WithLabelValues("credential", "concurrency").Inc()
		return false, nil
	}
	release.push(func() { _ = e.limiter.ReleaseConcurrency(context.Background(), scope) })

	return true, nil
}

func (e *Executor) retryAfterDenial(ctx context.Context, j *job.Job, message string) error {
	delay := e.cfg.RetryBaseDelay
	if err := job.ScheduleRetry(j, message, delay); err != nil {
		e.logger.Info("job exhausted retries", "job_id", j.ID, "error", err)
	}
	if err := e.jobs.Update(ctx, j); err != nil {
		return fmt.Errorf("persisting retry state: %w", err)
	}

	if j.State.IsTerminal() {
		telemetry.JobsCompletedTotal.WithLabelValues(string(j.State)).Inc()
		e.notify(ctx, j)
		return nil
	}

	readyAt := time.Now()
	if j.NextAttemptAt != nil {
		readyAt = *j.NextAttemptAt
	}
	if err := e.queue.Enqueue(ctx, j.ID, readyAt); err != nil {
		return fmt.Errorf("re-enqueueing job: %w", err)
	}
	return nil
}

func (e *Executor) handleProviderError(ctx context.Context, j *job.Job, cred *credential.Credential, genErr error) error {
	class := provider.ClassOf(genErr)

	trippedCooldown, err := e.health.RecordFailure(ctx, cred.ID, cred.ProviderTag, cred.EndpointTag, class == provider.ErrClassOverloaded)
	if err != nil {
		e.logger.Warn("recording credential failure", "credential_id", cred.ID, "error", err)
	}
	if trippedCooldown {
		telemetry.CredentialCooldownTransitionsTotal.WithLabelValues(cred.ID.String()).Inc()
	}

	delay := backoffDelay(e.cfg.RetryBaseDelay, j.Attempts)

	if !class.Retryable() {
		if err := job.Fail(j, genErr.Error()); err != nil {
			return fmt.Errorf("marking job failed: %w", err)
		}
	} else {
		if class == provider.ErrClassOverloaded || class == provider.ErrClassRateLimited {
			if delay > e.cfg.RetryOverloadMaxWait {
				delay = e.cfg.RetryOverloadMaxWait
			}
		}
		if err := job.ScheduleRetry(j, genErr.Error(), delay); err != nil {
			e.logger.Info("job exhausted retries", "job_id", j.ID, "error", err)
		}
	}

	if err := e.jobs.Update(ctx, j); err != nil {
		return fmt.Errorf("persisting provider error state: %w", err)
	}

	if !j.State.IsTerminal() {
		readyAt := time.Now()
		if j.NextAttemptAt != nil {
			readyAt = *j.NextAttemptAt
		}
		if err := e.queue.Enqueue(ctx, j.ID, readyAt); err != nil {
			return fmt.Errorf("re-enqueueing job after provider error: %w", err)
		}
		return nil
	}

	telemetry.JobsCompletedTotal.WithLabelValues(string(j.State)).Inc()
	e.notify(ctx, j)
	return nil
}

// uploadAll stores every generated image in parallel, returning their URLs
// in the same order the provider returned the images.
func (e *Executor) uploadAll(ctx context.Context, j *job.Job, images []provider.GeneratedImage) ([]string, error) {
	urls := make([]string, len(images))

	g, gctx := errgroup.WithContext(ctx)
	for i, img := range images {
		i, img := i, img
		g.Go(func() error {
			key := fmt.Sprintf("%s/%d.bin", j.ID.String(), i)
			obj, err := e.blobs.Put(gctx, key, img.MimeType, bytes.NewReader(img.Data))
			if err != nil {
				return fmt.Errorf("uploading image %d: %w", i, err)
			}
			urls[i] = obj.URL
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return urls, nil
}

func (e *Executor) notify(ctx context.Context, j *job.Job) {
	if j.WebhookURL == "" {
		return
	}

	t, err := e.tenants.Get(ctx, j.TenantID)
	if err != nil {
		e.logger.Warn("loading tenant for webhook delivery", "job_id", j.ID, "error", err)
		return
	}

	event := webhook.Event{
		JobID:     j.ID,
		State:     string(j.State),
		ImageURLs: j.ImageURLs,
		Error:     j.ErrorMessage,
		Timestamp: time.Now().UTC(),
	}

	if err := e.deliverer.Deliver(ctx, j.WebhookURL, t.WebhookSecret, event); err != nil {
		e.logger.Warn("webhook delivery failed", "job_id", j.ID, "error", err)
	}
}

func backoffDelay(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
	}
	return delay
}

func fingerprintOf(j *job.Job) cache.Fingerprint {
	return cache.Fingerprint{
		Prompt:         j.Config.Prompt,
		Model:          j.Config.Model,
		ImageSize:      j.Config.ImageSize,
		AspectRatio:    j.Config.AspectRatio,
		NumberOfImages: j.Config.NumberOfImages,
	}
}
