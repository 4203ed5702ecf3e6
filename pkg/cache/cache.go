// Package cache implements the result cache: identical generation requests
// (same prompt, model, image size, aspect ratio, and sample count) within the
// TTL window are served from a prior job's results instead of re-invoking
// the upstream provider.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Fingerprint is the set of request fields that determine cache identity.
type Fingerprint struct {
	Prompt         string
	Model          string
	ImageSize      string
	AspectRatio    string
	NumberOfImages int
}

// Key computes the stable cache key for a fingerprint.
func (f Fingerprint) Key() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00%d", f.Prompt, f.Model, f.ImageSize, f.AspectRatio, f.NumberOfImages)
	return "rc:gemini:" + hex.EncodeToString(h.Sum(nil))
}

// Entry is the cached payload: the terminal set of image URLs produced by
// the job that first computed this fingerprint.
type Entry struct {
	JobID     string   `json:"job_id"`
	ImageURLs []string `json:"image_urls"`
}

// Cache is a Redis-backed result cache.
type Cache struct {
	rdb            *redis.Client
	ttl            time.Duration
	minPromptChars int
}

// New creates a Cache. Fingerprints whose prompt is shorter than
// minPromptChars are never read from or written to, since very short prompts
// are more likely to collide in intent while producing very different
// images (e.g. "cat" issued by two different tenants for two different
// looks).
func New(rdb *redis.Client, ttl time.Duration, minPromptChars int) *Cache {
	return &Cache{rdb: rdb, ttl: ttl, minPromptChars: minPromptChars}
}

// Eligible reports whether a fingerprint is a candidate for caching at all.
func (c *Cache) Eligible(f Fingerprint) bool {
	return len(f.Prompt) >= c.minPromptChars
}

// Get looks up a cached entry for the fingerprint. ok is false on a cache
// miss or when the fingerprint is ineligible for caching.
func (c *Cache) Get(ctx context.Context, f Fingerprint) (entry Entry, ok bool, err error) {
	if !c.Eligible(f) {
		return Entry{}, false, nil
	}

	raw, err := c.rdb.Get(ctx, f.Key()).Bytes()
	if err != nil {
		if err == redis.Nil {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("reading cache entry: %w", err)
	}

	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("decoding cache entry: %w", err)
	}
	return entry, true, nil
}

// Set stores entry for the fingerprint, replacing any existing entry. A
// no-op for ineligible fingerprints.
func (c *Cache) Set(ctx context.Context, f Fingerprint, entry Entry) error {
	if !c.Eligible(f) {
		return nil
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}

	if err := c.rdb.Set(ctx, f.Key(), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}
	return nil
}
