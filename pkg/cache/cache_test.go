package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T, minPromptChars int) *Cache {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, time.Hour, minPromptChars)
}

func TestCacheMissThenHit(t *testing.T) {
	c := newTestCache(t, 5)
	ctx := context.Background()
	fp := Fingerprint{Prompt: "a castle at sunset", Model: "imagen-4", ImageSize: "2K", AspectRatio: "16:9", NumberOfImages: 2}

	_, ok, err := c.Get(ctx, fp)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected cache miss before Set")
	}

	entry := Entry{JobID: "job-1", ImageURLs: []string{"https://blobs/a.png", "https://blobs/b.png"}}
	if err := c.Set(ctx, fp, entry); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok, err := c.Get(ctx, fp)
	if err != nil {
		t.Fatalf("Get after Set: %v", err)
	}
	if !ok {
		t.Fatal("expected cache hit after Set")
	}
	if got.JobID != entry.JobID || len(got.ImageURLs) != 2 {
		t.Fatalf("unexpected cached entry: %+v", got)
	}
}

func TestCacheIneligibleForShortPrompts(t *testing.T) {
	c := newTestCache(t, 10)
	ctx := context.Background()
	fp := Fingerprint{Prompt: "cat", Model: "imagen-4", ImageSize: "1K", AspectRatio: "1:1", NumberOfImages: 1}

	if c.Eligible(fp) {
		t.Fatal("expected short prompt to be ineligible")
	}

	if err := c.Set(ctx, fp, Entry{JobID: "job-2"}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	_, ok, err := c.Get(ctx, fp)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected ineligible fingerprint to never be cached")
	}
}

func TestFingerprintKeyDistinguishesFields(t *testing.T) {
	base := Fingerprint{Prompt: "a red bicycle", Model: "imagen-4", ImageSize: "1K", AspectRatio: "1:1", NumberOfImages: 1}
	variant := base
	variant.AspectRatio = "16:9"

	if base.Key() == variant.Key() {
		t.Fatal("expected different aspect ratios to produce different keys")
	}
}
