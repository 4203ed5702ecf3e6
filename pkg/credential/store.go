package credential

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const credentialColumns = `id, label, secret_ref, provider_tag, endpoint_tag, preferred_models,
	rpm, concurrency, priority, enabled, created_at`

// Store is a pgx-backed Repository over the public.credentials table.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a credential Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func scanCredential(row pgx.Row) (Credential, error) {
	var c Credential
	err := row.Scan(
		&c.ID, &c.Label, &c.SecretRef, &c.ProviderTag, &c.EndpointTag, &c.PreferredModels,
		&c.RPM, &c.Concurrency, &c.Priority, &c.Enabled, &c.CreatedAt,
	)
	return c, err
}

// ListEnabled returns every enabled credential in the pool.
func (s *Store) ListEnabled(ctx context.Context) ([]Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM public.credentials WHERE enabled ORDER BY label`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing credentials: %w", err)
	}
	defer rows.Close()

	var out []Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning credential: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Get looks up a credential by ID.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM public.credentials WHERE id = $1`
	c, err := scanCredential(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting credential: %w", err)
	}
	return &c, nil
}
