// Package tenant models the gateway's callers: each tenant carries its own
// rate/concurrency plan limits, API-key fingerprint, and optional webhook
// delivery target. Tenants are provisioned out of band (no admin CRUD API
// ships here); this package only authenticates requests and exposes the
// plan limits the admission controller and webhook deliverer need.
package tenant

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Tenant is a provisioned caller of the intake API.
type Tenant struct {
	ID            uuid.UUID
	Slug          string
	KeySalt       []byte
	KeyHash       string // hex SHA-256 of salt||rawKey
	RPM           int
	Concurrency   int
	WebhookURL    string
	WebhookSecret string
	Enabled       bool
	CreatedAt     time.Time
}

// Repository provides lookups needed to authenticate and admit tenant requests.
type Repository interface {
	GetBySlug(ctx context.Context, slug string) (*Tenant, error)
	Get(ctx context.Context, id uuid.UUID) (*Tenant, error)
}

// MemoryRepository is an in-memory Repository, used in tests and for local
// development without a database.
type MemoryRepository struct {
	bySlug map[string]*Tenant
	byID   map[uuid.UUID]*Tenant
}

// NewMemoryRepository creates a MemoryRepository seeded with the given tenants.
func NewMemoryRepository(tenants ...*Tenant) *MemoryRepository {
	r := &MemoryRepository{
		bySlug: make(map[string]*Tenant),
		byID:   make(map[uuid.UUID]*Tenant),
	}
	for _, t := range tenants {
		r.bySlug[t.Slug] = t
		r.byID[t.ID] = t
	}
	return r
}

func (r *MemoryRepository) GetBySlug(_ context.Context, slug string) (*Tenant, error) {
	t, ok := r.bySlug[slug]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

func (r *MemoryRepository) Get(_ context.Context, id uuid.UUID) (*Tenant, error) {
	t, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

// ErrNotFound is returned when a tenant cannot be located.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "tenant not found" }
