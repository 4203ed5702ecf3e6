package job

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a job cannot be located.
var ErrNotFound = errors.New("job not found")

// ErrDuplicateIdempotencyKey is returned by Create when a job with the same
// tenant+idempotency key already exists; callers should fetch and return the
// existing job instead of creating a new one.
var ErrDuplicateIdempotencyKey = errors.New("job with this idempotency key already exists")

// Repository persists jobs and supports idempotent creation.
type Repository interface {
	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id uuid.UUID) (*Job, error)
	GetByIdempotencyKey(ctx context.Context, tenantID uuid.UUID, key string) (*Job, error)
	Update(ctx context.Context, j *Job) error
	ListByTenant(ctx context.Context, tenantID uuid.UUID, limit int) ([]*Job, error)
}

// MemoryRepository is an in-memory Repository used in tests.
type MemoryRepository struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*Job
	byIK map[string]uuid.UUID // tenantID.String()+":"+idempotencyKey -> job ID
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID: make(map[uuid.UUID]*Job),
		byIK: make(map[string]uuid.UUID),
	}
}

func ikIndexKey(tenantID uuid.UUID, key string) string {
	return tenantID.String() + ":" + key
}

func (r *MemoryRepository) Create(_ context.Context, j *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if j.IdempotencyKey != "" {
		ik := ikIndexKey(j.TenantID, j.IdempotencyKey)
		if _, exists := r.byIK[ik]; exists {
			return ErrDuplicateIdempotencyKey
		}
		r.byIK[ik] = j.ID
	}

	clone := *j
	r.byID[j.ID] = &clone
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id uuid.UUID) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *j
	return &clone, nil
}

func (r *MemoryRepository) GetByIdempotencyKey(_ context.Context, tenantID uuid.UUID, key string) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byIK[ikIndexKey(tenantID, key)]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *r.byID[id]
	return &clone, nil
}

func (r *MemoryRepository) Update(_ context.Context, j *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[j.ID]; !ok {
		return ErrNotFound
	}
	clone := *j
	r.byID[j.ID] = &clone
	return nil
}

func (r *MemoryRepository) ListByTenant(_ context.Context, tenantID uuid.UUID, limit int) ([]*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Job
	for _, j := range r.byID {
		if j.TenantID == tenantID {
			clone := *j
			out = append(out, &clone)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
