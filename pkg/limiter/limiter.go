// Package limiter implements the distributed admission primitives shared by
// every scope (global, per-credential, per-tenant): a sliding-window
// requests-per-minute gate and a bounded-concurrency gate. Both are backed by
// Redis so that every API and worker process admits against the same shared
// counters, the same shared-Redis-counter pattern this codebase uses
// elsewhere for login rate limiting, generalized from INCR+EXPIRE to atomic
// Lua scripts since the sliding window and the acquire/release pair each
// need more than one round trip to stay race-free under concurrent callers.
package limiter

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// rpmScript implements the sliding-window admission primitive: KEYS[1] is a
// sorted set of admitted-request timestamps. It first evicts every member
// older than the window, then admits the caller (recording its arrival time
// as a new member) only if fewer than the limit remain. ARGV[1] is the
// limit; ARGV[2] is the window width in milliseconds; ARGV[3] is the current
// time in milliseconds; ARGV[4] is a per-call random tiebreaker so two
// requests arriving in the same millisecond get distinct members.
var rpmScript = redis.NewScript(`
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
local count = redis.call("ZCARD", KEYS[1])
if count >= limit then
	return 0
end
redis.call("ZADD", KEYS[1], now, now .. "-" .. ARGV[4])
redis.call("PEXPIRE", KEYS[1], window + 1000)
return 1
`)

// concurrencyAcquireScript admits the caller if the current in-flight count
// for KEYS[1] is below ARGV[1], incrementing it atomically when admitted.
var concurrencyAcquireScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current >= tonumber(ARGV[1]) then
	return 0
end
redis.call("INCR", KEYS[1])
redis.call("EXPIRE", KEYS[1], ARGV[2])
return 1
`)

// concurrencyReleaseScript decrements the in-flight counter, never below zero.
var concurrencyReleaseScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current <= 0 then
	redis.call("SET", KEYS[1], "0")
	return 0
end
return redis.call("DECR", KEYS[1])
`)

// staleConcurrencyTTL bounds how long a concurrency counter can survive
// without a matching release, so a crashed worker can't wedge a scope shut.
const staleConcurrencyTTL = 10 * time.Minute

// Limiter admits requests against a shared Redis-backed RPM and concurrency
// budget for an arbitrary scope key (e.g. "global", "key:<id>",
// "tenant:<id>").
type Limiter struct {
	rdb *redis.Client
}

// New creates a Limiter backed by the given Redis client.
func New(rdb *redis.Client) *Limiter {
	return &Limiter{rdb: rdb}
}

// rpmWindow is the sliding-window width every RPM scope slides over.
const rpmWindow = 60 * time.Second

// AllowRPM reports whether scope is within its requests-per-minute budget
// over the trailing 60-second sliding window, admitting (and recording) the
// current request if so.
func (l *Limiter) AllowRPM(ctx context.Context, scope string, rpm int) (bool, error) {
	if rpm <= 0 {
		return true, nil
	}
	key := rpmKey(scope)
	now := time.Now().UnixMilli()

	res, err := rpmScript.Run(ctx, l.rdb, []string{key}, rpm, rpmWindow.Milliseconds(), now, randToken()).Int()
	if err != nil {
		return false, fmt.Errorf("evaluating rpm script: %w", err)
	}
	return res == 1, nil
}

// AcquireConcurrency attempts to reserve one of scope's concurrency slots.
// The caller must call ReleaseConcurrency exactly once after the reserved
// work completes, regardless of outcome.
func (l *Limiter) AcquireConcurrency(ctx context.Context, scope string, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	key := concurrencyKey(scope)

	res, err := concurrencyAcquireScript.Run(ctx, l.rdb, []string{key}, limit, int(staleConcurrencyTTL.Seconds())).Int()
	if err != nil {
		return false, fmt.Errorf("evaluating concurrency acquire script: %w", err)
	}
	return res == 1, nil
}

// ReleaseConcurrency returns a previously acquired concurrency slot for scope.
func (l *Limiter) ReleaseConcurrency(ctx context.Context, scope string) error {
	key := concurrencyKey(scope)
	if err := concurrencyReleaseScript.Run(ctx, l.rdb, []string{key}, 0, 0).Err(); err != nil {
		return fmt.Errorf("evaluating concurrency release script: %w", err)
	}
	return nil
}

// Inflight reports scope's current in-flight count without acquiring or
// releasing a slot, for callers (the credential scheduler) that need to read
// load without admitting against it.
func (l *Limiter) Inflight(ctx context.Context, scope string) (int, error) {
	n, err := l.rdb.Get(ctx, concurrencyKey(scope)).Int()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("reading in-flight count: %w", err)
	}
	return n, nil
}

func rpmKey(scope string) string {
	return fmt.Sprintf("lim:%s:rpm", scope)
}

// concurrencyKey names a scope's concurrency counter "inflight" for
// per-credential scopes and "conc" for global/tenant scopes, matching the
// documented key layout for each.
func concurrencyKey(scope string) string {
	suffix := "conc"
	if strings.HasPrefix(scope, "key:") {
		suffix = "inflight"
	}
	return fmt.Sprintf("lim:%s:%s", scope, suffix)
}

// randToken disambiguates sliding-window members that land on the same
// millisecond; it has no security purpose, so math/rand is sufficient.
func randToken() int64 {
	return rand.Int63()
}
