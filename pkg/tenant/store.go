package tenant

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const tenantColumns = `id, slug, key_salt, key_hash, rpm, concurrency, webhook_url, webhook_secret, enabled, created_at`

// Store is a pgx-backed Repository over the public.tenants table.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a tenant Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func scanTenant(row pgx.Row) (*Tenant, error) {
	var t Tenant
	err := row.Scan(
		&t.ID, &t.Slug, &t.KeySalt, &t.KeyHash, &t.RPM, &t.Concurrency,
		&t.WebhookURL, &t.WebhookSecret, &t.Enabled, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetBySlug looks up a tenant by its slug.
func (s *Store) GetBySlug(ctx context.Context, slug string) (*Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM public.tenants WHERE slug = $1`
	t, err := scanTenant(s.pool.QueryRow(ctx, query, slug))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("looking up tenant by slug: %w", err)
	}
	return t, nil
}

// Get looks up a tenant by ID.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM public.tenants WHERE id = $1`
	t, err := scanTenant(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("looking up tenant: %w", err)
	}
	return t, nil
}
