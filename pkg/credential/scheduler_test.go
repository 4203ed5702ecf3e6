package credential

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/arclight/imagegate/pkg/limiter"
)

func newTestScheduler(t *testing.T, creds ...Credential) (*Scheduler, *HealthTracker) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	health := NewHealthTracker(rdb, 5, 10*time.Minute)
	repo := NewMemoryRepository(creds...)
	return NewScheduler(repo, health, limiter.New(rdb)), health
}

func TestPickPrefersLowerPriority(t *testing.T) {
	low := Credential{ID: uuid.New(), Priority: 10, Enabled: true, CreatedAt: time.Now()}
	high := Credential{ID: uuid.New(), Priority: 1, Enabled: true, CreatedAt: time.Now()}
	s, _ := newTestScheduler(t, low, high)

	got, err := s.Pick(context.Background(), PickInput{})
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if got.ID != high.ID {
		t.Fatalf("expected lower-priority-value credential to win, got %s", got.Label)
	}
}

func TestPickPrefersModelMatchOverPriority(t *testing.T) {
	generalist := Credential{ID: uuid.New(), Priority: 1, Enabled: true, CreatedAt: time.Now()}
	specialist := Credential{ID: uuid.New(), Priority: 5, Enabled: true, CreatedAt: time.Now(), PreferredModels: []string{"imagen-4"}}
	s, _ := newTestScheduler(t, generalist, specialist)

	got, err := s.Pick(context.Background(), PickInput{Model: "imagen-4"})
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if got.ID != specialist.ID {
		t.Fatalf("expected model-preferred credential to win despite lower priority, got %s", got.ID)
	}
}

func TestPickExcludesSaturatedCredentials(t *testing.T) {
	narrow := Credential{ID: uuid.New(), Priority: 1, Concurrency: 1, Enabled: true, CreatedAt: time.Now()}
	roomy := Credential{ID: uuid.New(), Priority: 9, Concurrency: 5, Enabled: true, CreatedAt: time.Now()}
	s, _ := newTestScheduler(t, narrow, roomy)

	acquired, err := s.limiter.AcquireConcurrency(context.Background(), Scope(narrow.ID), narrow.Concurrency)
	if err != nil {
		t.Fatalf("AcquireConcurrency: %v", err)
	}
	if !acquired {
		t.Fatal("expected to acquire the only slot")
	}

	got, err := s.Pick(context.Background(), PickInput{})
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if got.ID != roomy.ID {
		t.Fatalf("expected saturated credential to be skipped, got %s", got.ID)
	}
}

func TestPickExcludesCooldownCredentials(t *testing.T) {
	cooling := Credential{ID: uuid.New(), Priority: 1, Enabled: true, CreatedAt: time.Now()}
	healthy := Credential{ID: uuid.New(), Priority: 9, Enabled: true, CreatedAt: time.Now()}
	s, health := newTestScheduler(t, cooling, healthy)

	for i := 0; i < 5; i++ {
		if _, err := health.RecordFailure(context.Background(), cooling.ID, "gemini", "primary", false); err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
	}

	got, err := s.Pick(context.Background(), PickInput{})
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if got.ID != healthy.ID {
		t.Fatalf("expected cooling-down credential to be skipped, got %s", got.ID)
	}
}

func TestPickReturnsErrNoCandidatesWhenAllCoolingDown(t *testing.T) {
	only := Credential{ID: uuid.New(), Priority: 1, Enabled: true, CreatedAt: time.Now()}
	s, health := newTestScheduler(t, only)

	for i := 0; i < 5; i++ {
		if _, err := health.RecordFailure(context.Background(), only.ID, "gemini", "primary", false); err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
	}

	_, err := s.Pick(context.Background(), PickInput{})
	if err != ErrNoCandidates {
		t.Fatalf("expected ErrNoCandidates, got %v", err)
	}
}
