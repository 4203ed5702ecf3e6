package credential

import (
	"context"
	"fmt"

	"github.com/arclight/imagegate/pkg/limiter"
)

// Scheduler picks a credential for a job from the enabled pool, excluding
// anything in cooldown or already saturated, and ranks the rest by caller
// preference, priority, recent health, and current load — the same
// shared-Redis-counter approach this codebase's limiter already uses,
// applied here to rank candidates instead of just admitting or denying them.
type Scheduler struct {
	repo    Repository
	health  *HealthTracker
	limiter *limiter.Limiter
}

// NewScheduler creates a Scheduler over the given credential pool, health
// tracker, and limiter (used to read each candidate's current in-flight count).
func NewScheduler(repo Repository, health *HealthTracker, l *limiter.Limiter) *Scheduler {
	return &Scheduler{repo: repo, health: health, limiter: l}
}

// ErrNoCandidates is returned when every enabled credential is in cooldown,
// saturated, or excluded by the request.
var ErrNoCandidates = errNoCandidates{}

type errNoCandidates struct{}

func (errNoCandidates) Error() string { return "no healthy credentials available" }

// PickInput describes what the caller wants from the credential pool:
// which provider to draw from, which model and endpoint (if any) it would
// prefer, and which endpoints are off-limits (e.g. ones that already
// overloaded on an earlier attempt for this job).
type PickInput struct {
	ProviderTag       string
	Model             string
	PreferredEndpoint string
	ExcludeEndpoints  map[string]bool
}

// candidate carries a credential alongside everything the ranking needs
// that isn't stored on the row itself.
type candidate struct {
	cred        *Credential
	inFlight    int
	healthScore float64
	failureRate float64
}

// healthScoreGap is the minimum health_score difference the scheduler
// treats as meaningful; smaller gaps are noise and fall through to the
// next tier instead of letting a 1-point blip decide the pick.
const healthScoreGap = 10

// Pick selects the best available credential for in, applying, in order:
// whether the caller's model is on the credential's preferred-models list,
// whether its endpoint matches the caller's preferred endpoint, its
// priority (lower wins), its recent health_score (a >10-point gap wins,
// otherwise treated as tied), its current in-flight count, and its recent
// failure rate. Remaining ties are broken by credential-row creation order
// so that two workers observing the same state independently choose the
// same winner.
func (s *Scheduler) Pick(ctx context.Context, in PickInput) (*Credential, error) {
	pool, err := s.repo.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing enabled credentials: %w", err)
	}

	var best *candidate

	for i := range pool {
		c := &pool[i]

		if in.ProviderTag != "" && c.ProviderTag != in.ProviderTag {
			continue
		}
		if in.ExcludeEndpoints[c.EndpointTag] {
			continue
		}

		cooling, err := s.health.InCooldown(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("checking cooldown for %s: %w", c.ID, err)
		}
		if cooling {
			continue
		}

		inFlight, err := s.limiter.Inflight(ctx, Scope(c.ID))
		if err != nil {
			return nil, fmt.Errorf("reading in-flight count for %s: %w", c.ID, err)
		}
		if c.Concurrency > 0 && inFlight >= c.Concurrency {
			continue
		}

		healthScore, failureRate, err := s.health.EndpointHealth(ctx, c.ProviderTag, c.EndpointTag)
		if err != nil {
			return nil, fmt.Errorf("reading endpoint health for %s/%s: %w", c.ProviderTag, c.EndpointTag, err)
		}

		cc := *c
		cand := &candidate{cred: &cc, inFlight: inFlight, healthScore: healthScore, failureRate: failureRate}

		if best == nil || better(cand, best, in) {
			best = cand
		}
	}

	if best == nil {
		return nil, ErrNoCandidates
	}
	return best.cred, nil
}

// better reports whether candidate c should be preferred over the current
// best b, given the caller's preferences.
func better(c, b *candidate, in PickInput) bool {
	cModel := isModelPreferred(c.cred, in.Model)
	bModel := isModelPreferred(b.cred, in.Model)
	if cModel != bModel {
		return cModel
	}

	cEndpoint := in.PreferredEndpoint != "" && c.cred.EndpointTag == in.PreferredEndpoint
	bEndpoint := in.PreferredEndpoint != "" && b.cred.EndpointTag == in.PreferredEndpoint
	if cEndpoint != bEndpoint {
		return cEndpoint
	}

	if c.cred.Priority != b.cred.Priority {
		return c.cred.Priority < b.cred.Priority
	}

	if gap := c.healthScore - b.healthScore; gap > healthScoreGap || gap < -healthScoreGap {
		return c.healthScore > b.healthScore
	}

	if c.inFlight != b.inFlight {
		return c.inFlight < b.inFlight
	}

	if c.failureRate != b.failureRate {
		return c.failureRate < b.failureRate
	}

	if !c.cred.CreatedAt.Equal(b.cred.CreatedAt) {
		return c.cred.CreatedAt.Before(b.cred.CreatedAt)
	}
	return c.cred.ID.String() < b.cred.ID.String()
}

func isModelPreferred(c *Credential, model string) bool {
	if model == "" {
		return false
	}
	for _, m := range c.PreferredModels {
		if m == model {
			return true
		}
	}
	return false
}
