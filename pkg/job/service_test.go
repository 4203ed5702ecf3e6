package job

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/arclight/imagegate/pkg/limiter"
	"github.com/arclight/imagegate/pkg/provider"
	"github.com/arclight/imagegate/pkg/queue"
	"github.com/arclight/imagegate/pkg/tenant"
)

func newTestService(t *testing.T) (*Service, Repository) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	repo := NewMemoryRepository()
	q := queue.New(rdb)
	l := limiter.New(rdb)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return NewService(repo, q, l, logger), repo
}

func testTenant() *tenant.Tenant {
	return &tenant.Tenant{ID: uuid.New(), Slug: "acme", RPM: 60, Concurrency: 10, Enabled: true}
}

func TestSubmitAcceptsNewJob(t *testing.T) {
	svc, _ := newTestService(t)
	tnt := testTenant()

	j, err := svc.Submit(context.Background(), tnt, SubmitRequest{
		Config: provider.ImageConfig{Prompt: "a castle on a hill", Model: "imagen-4", NumberOfImages: 1},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if j.State != StateQueued {
		t.Fatalf("expected QUEUED, got %s", j.State)
	}
}

func TestSubmitReplaysOnRepeatedIdempotencyKey(t *testing.T) {
	svc, _ := newTestService(t)
	tnt := testTenant()
	req := SubmitRequest{
		IdempotencyKey: "request-123",
		Config:         provider.ImageConfig{Prompt: "a castle on a hill", Model: "imagen-4", NumberOfImages: 1},
	}

	first, err := svc.Submit(context.Background(), tnt, req)
	if err != nil {
		t.Fatalf("first Submit: %v", err)
	}

	second, err := svc.Submit(context.Background(), tnt, req)
	if err != nil {
		t.Fatalf("second Submit: %v", err)
	}

	if first.ID != second.ID {
		t.Fatalf("expected replayed job to have same ID, got %s vs %s", first.ID, second.ID)
	}
}

func TestSubmitDeniesOverRPMBudget(t *testing.T) {
	svc, _ := newTestService(t)
	tnt := testTenant()
	tnt.RPM = 1

	_, err := svc.Submit(context.Background(), tnt, SubmitRequest{
		Config: provider.ImageConfig{Prompt: "first prompt here", Model: "imagen-4", NumberOfImages: 1},
	})
	if err != nil {
		t.Fatalf("first Submit: %v", err)
	}

	_, err = svc.Submit(context.Background(), tnt, SubmitRequest{
		Config: provider.ImageConfig{Prompt: "second prompt here", Model: "imagen-4", NumberOfImages: 1},
	})
	if err != ErrAdmissionDenied {
		t.Fatalf("expected ErrAdmissionDenied, got %v", err)
	}
}

func TestCancelRemovesFromQueue(t *testing.T) {
	svc, _ := newTestService(t)
	tnt := testTenant()

	j, err := svc.Submit(context.Background(), tnt, SubmitRequest{
		Config: provider.ImageConfig{Prompt: "a castle on a hill", Model: "imagen-4", NumberOfImages: 1},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	canceled, err := svc.Cancel(context.Background(), tnt.ID, j.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if canceled.State != StateCanceled {
		t.Fatalf("expected CANCELED, got %s", canceled.State)
	}
}
