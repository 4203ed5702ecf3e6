// Package credential manages the pool of upstream provider credentials the
// executor draws from: their per-credential plan limits, health state, and
// the deterministic tiered-ranking scheduler used to pick a candidate for a
// job.
package credential

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Credential is a single upstream provider API key, scoped to one or more
// tenants' jobs by the scheduler.
type Credential struct {
	ID              uuid.UUID
	Label           string
	SecretRef       string // opaque reference the Provider resolves to the real key
	ProviderTag     string // e.g. "gemini": which provider pool this credential belongs to
	EndpointTag     string // e.g. "primary", "proxy-a": which named endpoint it's routed through
	PreferredModels []string
	RPM             int
	Concurrency     int
	Priority        int // lower is preferred; ties broken by health, load, and insertion order
	Enabled         bool
	CreatedAt       time.Time
}

// Scope returns the limiter scope key for a credential's rpm/concurrency
// admission, shared between the executor (to admit/release) and the
// scheduler (to read the current in-flight count).
func Scope(id uuid.UUID) string {
	return "key:" + id.String()
}

// Repository provides lookups for the credential pool.
type Repository interface {
	ListEnabled(ctx context.Context) ([]Credential, error)
	Get(ctx context.Context, id uuid.UUID) (*Credential, error)
}

// MemoryRepository is an in-memory Repository for tests and local development.
type MemoryRepository struct {
	items []Credential
}

// NewMemoryRepository creates a MemoryRepository seeded with the given credentials.
func NewMemoryRepository(items ...Credential) *MemoryRepository {
	return &MemoryRepository{items: items}
}

func (r *MemoryRepository) ListEnabled(_ context.Context) ([]Credential, error) {
	out := make([]Credential, 0, len(r.items))
	for _, c := range r.items {
		if c.Enabled {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *MemoryRepository) Get(_ context.Context, id uuid.UUID) (*Credential, error) {
	for i := range r.items {
		if r.items[i].ID == id {
			c := r.items[i]
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

// ErrNotFound is returned when a credential cannot be located.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "credential not found" }
