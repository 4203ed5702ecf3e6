package credential

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func newTestTracker(t *testing.T, threshold int, cooldown time.Duration) *HealthTracker {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewHealthTracker(rdb, threshold, cooldown)
}

func TestHealthTrackerTripsCooldownAtThreshold(t *testing.T) {
	h := newTestTracker(t, 3, 10*time.Minute)
	ctx := context.Background()
	id := uuid.New()

	for i := 0; i < 2; i++ {
		tripped, err := h.RecordFailure(ctx, id, "gemini", "primary", false)
		if err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
		if tripped {
			t.Fatalf("failure %d: did not expect cooldown yet", i)
		}
	}

	tripped, err := h.RecordFailure(ctx, id, "gemini", "primary", false)
	if err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if !tripped {
		t.Fatal("expected third failure to trip cooldown")
	}

	inCooldown, err := h.InCooldown(ctx, id)
	if err != nil {
		t.Fatalf("InCooldown: %v", err)
	}
	if !inCooldown {
		t.Fatal("expected credential to be in cooldown")
	}
}

func TestHealthTrackerSuccessResetsStreak(t *testing.T) {
	h := newTestTracker(t, 3, 10*time.Minute)
	ctx := context.Background()
	id := uuid.New()

	if _, err := h.RecordFailure(ctx, id, "gemini", "primary", false); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if _, err := h.RecordFailure(ctx, id, "gemini", "primary", false); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}

	if err := h.RecordSuccess(ctx, id, "gemini", "primary"); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}

	for i := 0; i < 2; i++ {
		tripped, err := h.RecordFailure(ctx, id, "gemini", "primary", false)
		if err != nil {
			t.Fatalf("RecordFailure after reset: %v", err)
		}
		if tripped {
			t.Fatal("expected streak to have reset after success")
		}
	}
}

func TestHealthTrackerRecordFailureDeletesCounterOnCooldownTrip(t *testing.T) {
	h := newTestTracker(t, 2, 10*time.Minute)
	ctx := context.Background()
	id := uuid.New()

	if tripped, err := h.RecordFailure(ctx, id, "gemini", "primary", false); err != nil || tripped {
		t.Fatalf("RecordFailure: tripped=%v err=%v", tripped, err)
	}
	tripped, err := h.RecordFailure(ctx, id, "gemini", "primary", true)
	if err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if !tripped {
		t.Fatal("expected second failure to trip cooldown")
	}

	n, err := h.rdb.Exists(ctx, failureKey(id)).Result()
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if n != 0 {
		t.Fatal("expected failure counter to be cleared once cooldown tripped")
	}
}

func TestHealthTrackerEndpointHealthReflectsRollups(t *testing.T) {
	h := newTestTracker(t, 5, 10*time.Minute)
	ctx := context.Background()

	score, rate, err := h.EndpointHealth(ctx, "gemini", "primary")
	if err != nil {
		t.Fatalf("EndpointHealth: %v", err)
	}
	if score != 100 || rate != 0 {
		t.Fatalf("expected default 100/0 with no data, got %v/%v", score, rate)
	}

	if err := h.RecordSuccess(ctx, uuid.New(), "gemini", "primary"); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}
	if _, err := h.RecordFailure(ctx, uuid.New(), "gemini", "primary", true); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}

	score, rate, err = h.EndpointHealth(ctx, "gemini", "primary")
	if err != nil {
		t.Fatalf("EndpointHealth: %v", err)
	}
	if score != 50 {
		t.Fatalf("expected health_score 50 after one success and one failure, got %v", score)
	}
	if rate != 0.5 {
		t.Fatalf("expected failure_rate 0.5, got %v", rate)
	}
}
