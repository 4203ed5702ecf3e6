package job

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arclight/imagegate/pkg/provider"
)

const jobColumns = `id, tenant_id, idempotency_key, state, config, credential_id, attempts, max_attempts,
	image_urls, endpoint_used, error_message, webhook_url, next_attempt_at, created_at, updated_at`

// PGStore is a pgx-backed Repository over the public.jobs table.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a job PGStore backed by the given connection pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

type jobConfigJSON struct {
	Prompt         string `json:"prompt"`
	Model          string `json:"model"`
	Mode           string `json:"mode"`
	ReferenceImage string `json:"reference_image,omitempty"`
	ImageSize      string `json:"image_size"`
	AspectRatio    string `json:"aspect_ratio"`
	NumberOfImages int    `json:"number_of_images"`
}

func encodeConfig(cfg provider.ImageConfig) ([]byte, error) {
	return json.Marshal(jobConfigJSON{
		Prompt:         cfg.Prompt,
		Model:          cfg.Model,
		Mode:           cfg.Mode,
		ReferenceImage: cfg.ReferenceImage,
		ImageSize:      cfg.ImageSize,
		AspectRatio:    cfg.AspectRatio,
		NumberOfImages: cfg.NumberOfImages,
	})
}

func decodeConfig(raw []byte) (provider.ImageConfig, error) {
	var c jobConfigJSON
	if err := json.Unmarshal(raw, &c); err != nil {
		return provider.ImageConfig{}, err
	}
	return provider.ImageConfig{
		Prompt:         c.Prompt,
		Model:          c.Model,
		Mode:           c.Mode,
		ReferenceImage: c.ReferenceImage,
		ImageSize:      c.ImageSize,
		AspectRatio:    c.AspectRatio,
		NumberOfImages: c.NumberOfImages,
	}, nil
}

func scanJob(row pgx.Row) (*Job, error) {
	var (
		j             Job
		configRaw     []byte
		credentialID  pgtype.UUID
		nextAttemptAt pgtype.Timestamptz
	)

	err := row.Scan(
		&j.ID, &j.TenantID, &j.IdempotencyKey, &j.State, &configRaw, &credentialID,
		&j.Attempts, &j.MaxAttempts, &j.ImageURLs, &j.EndpointUsed, &j.ErrorMessage, &j.WebhookURL,
		&nextAttemptAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.Config, err = decodeConfig(configRaw)
	if err != nil {
		return nil, fmt.Errorf("decoding job config: %w", err)
	}

	if credentialID.Valid {
		id := uuid.UUID(credentialID.Bytes)
		j.CredentialID = &id
	}
	if nextAttemptAt.Valid {
		t := nextAttemptAt.Time
		j.NextAttemptAt = &t
	}

	return &j, nil
}

func (s *PGStore) Create(ctx context.Context, j *Job) error {
	configRaw, err := encodeConfig(j.Config)
	if err != nil {
		return fmt.Errorf("encoding job config: %w", err)
	}

	query := `INSERT INTO public.jobs
		(id, tenant_id, idempotency_key, state, config, credential_id, attempts, max_attempts,
		 image_urls, endpoint_used, error_message, webhook_url, next_attempt_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err = s.pool.Exec(ctx, query,
		j.ID, j.TenantID, nullableText(j.IdempotencyKey), j.State, configRaw, credentialUUID(j.CredentialID),
		j.Attempts, j.MaxAttempts, j.ImageURLs, j.EndpointUsed, j.ErrorMessage, j.WebhookURL,
		nullableTime(j.NextAttemptAt), j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("creating job: %w", err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, id uuid.UUID) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM public.jobs WHERE id = $1`
	j, err := scanJob(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting job: %w", err)
	}
	return j, nil
}

func (s *PGStore) GetByIdempotencyKey(ctx context.Context, tenantID uuid.UUID, key string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM public.jobs WHERE tenant_id = $1 AND idempotency_key = $2`
	j, err := scanJob(s.pool.QueryRow(ctx, query, tenantID, key))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting job by idempotency key: %w", err)
	}
	return j, nil
}

func (s *PGStore) Update(ctx context.Context, j *Job) error {
	query := `UPDATE public.jobs SET
		state = $2, credential_id = $3, attempts = $4, image_urls = $5,
		endpoint_used = $6, error_message = $7, next_attempt_at = $8, updated_at = $9
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		j.ID, j.State, credentialUUID(j.CredentialID), j.Attempts, j.ImageURLs,
		j.EndpointUsed, j.ErrorMessage, nullableTime(j.NextAttemptAt), j.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) ListByTenant(ctx context.Context, tenantID uuid.UUID, limit int) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM public.jobs WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := s.pool.Query(ctx, query, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func nullableText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableTime(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

func credentialUUID(id *uuid.UUID) pgtype.UUID {
	if id == nil {
		return pgtype.UUID{}
	}
	return pgtype.UUID{Bytes: *id, Valid: true}
}

func isUniqueViolation(err error) bool {
	return err != nil && (containsCode(err, "23505"))
}

func containsCode(err error, code string) bool {
	type pgError interface{ SQLState() string }
	if pe, ok := err.(pgError); ok {
		return pe.SQLState() == code
	}
	return false
}
