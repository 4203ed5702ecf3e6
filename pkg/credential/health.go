package credential

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// recordFailureScript increments a credential's consecutive-failure counter
// and, once it reaches the threshold, sets a cooldown marker with the given
// TTL and clears the counter so the next failure streak starts fresh once
// the cooldown expires. It returns 1 when this call tripped the cooldown, 0
// otherwise.
var recordFailureScript = redis.NewScript(`
local failures = redis.call("INCR", KEYS[1])
redis.call("EXPIRE", KEYS[1], ARGV[2])
if failures >= tonumber(ARGV[1]) then
	redis.call("SET", KEYS[2], "1", "EX", tonumber(ARGV[3]))
	redis.call("DEL", KEYS[1])
	return 1
end
return 0
`)

// healthFailureCounterTTL bounds how long a failure streak survives without
// a new failure, so a credential recovers automatically once it starts
// succeeding again (or simply stops being used).
const healthFailureCounterTTL = 30 * time.Minute

// endpointRollupTTL bounds the rolling window the endpoint-level
// successes/failures/503 counters are aggregated over, so health_score
// reflects recent behavior rather than a credential's entire lifetime.
const endpointRollupTTL = 5 * time.Minute

// HealthTracker records per-credential failure streaks and enforces a
// cooldown once a credential crosses the configured failure threshold,
// generalizing the INCR+EXPIRE login rate limiter pattern used elsewhere in
// this codebase from "deny after N" to "cool down after N". It also keeps a
// rolling success/failure/503 tally per provider endpoint, which the
// scheduler consults as a health_score when ranking candidates.
type HealthTracker struct {
	rdb              *redis.Client
	failureThreshold int
	cooldown         time.Duration
}

// NewHealthTracker creates a HealthTracker. failureThreshold is the number of
// consecutive failures that trips a cooldown of the given duration.
func NewHealthTracker(rdb *redis.Client, failureThreshold int, cooldown time.Duration) *HealthTracker {
	return &HealthTracker{rdb: rdb, failureThreshold: failureThreshold, cooldown: cooldown}
}

// ResetFailureStreak clears the consecutive-failure streak for a credential
// without touching the endpoint-level rollups, for callers that complete a
// job without making an actual provider call (a result-cache hit).
func (h *HealthTracker) ResetFailureStreak(ctx context.Context, id uuid.UUID) error {
	if err := h.rdb.Del(ctx, failureKey(id)).Err(); err != nil {
		return fmt.Errorf("clearing failure streak: %w", err)
	}
	return nil
}

// RecordSuccess clears the credential's failure streak and records a
// success against its endpoint's rolling health window.
func (h *HealthTracker) RecordSuccess(ctx context.Context, id uuid.UUID, providerTag, endpointTag string) error {
	if err := h.ResetFailureStreak(ctx, id); err != nil {
		return err
	}
	if err := h.bumpRollup(ctx, successesAggKey(providerTag, endpointTag)); err != nil {
		return fmt.Errorf("recording endpoint success: %w", err)
	}
	return nil
}

// RecordFailure increments the failure streak for a credential and reports
// whether this call tripped the credential into cooldown. serviceOverload
// marks whether the failure was specifically a 503 (service unavailable),
// which is tallied separately from other failures.
func (h *HealthTracker) RecordFailure(ctx context.Context, id uuid.UUID, providerTag, endpointTag string, serviceOverload bool) (trippedCooldown bool, err error) {
	res, err := recordFailureScript.Run(ctx, h.rdb,
		[]string{failureKey(id), cooldownKey(id)},
		h.failureThreshold, int(healthFailureCounterTTL.Seconds()), int(h.cooldown.Seconds()),
	).Int()
	if err != nil {
		return false, fmt.Errorf("recording credential failure: %w", err)
	}

	if err := h.bumpRollup(ctx, failuresAggKey(providerTag, endpointTag)); err != nil {
		return false, fmt.Errorf("recording endpoint failure: %w", err)
	}
	if serviceOverload {
		if err := h.bumpRollup(ctx, overloadCountKey(providerTag, endpointTag)); err != nil {
			return false, fmt.Errorf("recording endpoint overload count: %w", err)
		}
	}

	return res == 1, nil
}

// InCooldown reports whether a credential is currently in cooldown.
func (h *HealthTracker) InCooldown(ctx context.Context, id uuid.UUID) (bool, error) {
	n, err := h.rdb.Exists(ctx, cooldownKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("checking cooldown: %w", err)
	}
	return n > 0, nil
}

// EndpointHealth reports health_score (100 * successes / (successes +
// failures) over the rolling window, defaulting to 100 when there's no
// recent data) and failure_rate for a provider endpoint.
func (h *HealthTracker) EndpointHealth(ctx context.Context, providerTag, endpointTag string) (healthScore, failureRate float64, err error) {
	successes, err := h.readRollup(ctx, successesAggKey(providerTag, endpointTag))
	if err != nil {
		return 0, 0, err
	}
	failures, err := h.readRollup(ctx, failuresAggKey(providerTag, endpointTag))
	if err != nil {
		return 0, 0, err
	}

	total := successes + failures
	if total == 0 {
		return 100, 0, nil
	}
	return 100 * float64(successes) / float64(total), float64(failures) / float64(total), nil
}

func (h *HealthTracker) bumpRollup(ctx context.Context, key string) error {
	if err := h.rdb.Incr(ctx, key).Err(); err != nil {
		return err
	}
	return h.rdb.Expire(ctx, key, endpointRollupTTL).Err()
}

func (h *HealthTracker) readRollup(ctx context.Context, key string) (int, error) {
	n, err := h.rdb.Get(ctx, key).Int()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("reading rollup counter %s: %w", key, err)
	}
	return n, nil
}

func failureKey(id uuid.UUID) string  { return fmt.Sprintf("credential:failures:%s", id) }
func cooldownKey(id uuid.UUID) string { return fmt.Sprintf("credential:cooldown:%s", id) }

func successesAggKey(providerTag, endpointTag string) string {
	return fmt.Sprintf("ep:%s:%s:successes", providerTag, endpointTag)
}

func failuresAggKey(providerTag, endpointTag string) string {
	return fmt.Sprintf("ep:%s:%s:failures", providerTag, endpointTag)
}

func overloadCountKey(providerTag, endpointTag string) string {
	return fmt.Sprintf("ep:%s:%s:503_count", providerTag, endpointTag)
}
