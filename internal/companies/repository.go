package companies

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/portalmark/backend/internal/models"
	"github.com/portalmark/backend/pkg/database"
)

const companyColumns = `id, name, slug, contact_email, storage_connection_id, storage_path,
	storage_quota_bytes, storage_used_bytes, storage_status, subscription_tier,
	subscription_expires_at, is_active, created_at, updated_at`

// maxSlugAttempts bounds the numeric-suffix search during Create.
const maxSlugAttempts = 50

// Repository persists companies.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a companies repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scan(row rowScanner) (*models.Company, error) {
	var c models.Company
	err := row.Scan(&c.ID, &c.Name, &c.Slug, &c.ContactEmail, &c.StorageConnectionID,
		&c.StoragePath, &c.StorageQuotaBytes, &c.StorageUsedBytes, &c.StorageStatus,
		&c.SubscriptionTier, &c.SubscriptionExpiresAt, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Create inserts a company. c.Slug must hold the base slug; on a collision
// the suffixes -2, -3, ... are tried in order. An empty c.StoragePath is
// derived from the slug that wins.
func (r *Repository) Create(ctx context.Context, c *models.Company) error {
	const q = `INSERT INTO companies
		(name, slug, contact_email, storage_connection_id, storage_path,
		 storage_quota_bytes, subscription_tier, subscription_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + companyColumns

	base := c.Slug
	derivePath := c.StoragePath == ""
	for i := 0; i < maxSlugAttempts; i++ {
		slug := base
		if i > 0 {
			slug = fmt.Sprintf("%s-%d", base, i+1)
		}
		path := c.StoragePath
		if derivePath {
			path = slug
		}
		row := r.pool.QueryRow(ctx, q,
			c.Name, slug, c.ContactEmail, c.StorageConnectionID, path,
			c.StorageQuotaBytes, c.SubscriptionTier, c.SubscriptionExpiresAt)
		created, err := scan(row)
		if err != nil {
			if database.IsUniqueViolation(err) {
				continue
			}
			return err
		}
		*c = *created
		return nil
	}
	return fmt.Errorf("no free slug for %q after %d attempts", base, maxSlugAttempts)
}

// GetByID loads one company.
func (r *Repository) GetByID(ctx context.Context, id int64) (*models.Company, error) {
	q := `SELECT ` + companyColumns + ` FROM companies WHERE id = $1`
	return scan(r.pool.QueryRow(ctx, q, id))
}

// GetBySlug loads one company by its slug.
func (r *Repository) GetBySlug(ctx context.Context, slug string) (*models.Company, error) {
	q := `SELECT ` + companyColumns + ` FROM companies WHERE slug = $1`
	return scan(r.pool.QueryRow(ctx, q, slug))
}

// List returns all companies ordered by name.
func (r *Repository) List(ctx context.Context) ([]models.Company, error) {
	q := `SELECT ` + companyColumns + ` FROM companies ORDER BY name, id`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Company
	for rows.Next() {
		c, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// UpdateParams are the mutable company fields. Nil means keep current. The
// slug and storage connection are fixed at creation.
type UpdateParams struct {
	Name                  *string
	ContactEmail          *string
	StorageQuotaBytes     *int64
	SubscriptionTier      *string
	SubscriptionExpiresAt *time.Time
	IsActive              *bool
}

// Update applies params and returns the fresh row.
func (r *Repository) Update(ctx context.Context, id int64, p UpdateParams) (*models.Company, error) {
	const q = `UPDATE companies SET
			name = COALESCE($2, name),
			contact_email = COALESCE($3, contact_email),
			storage_quota_bytes = COALESCE($4, storage_quota_bytes),
			subscription_tier = COALESCE($5, subscription_tier),
			subscription_expires_at = COALESCE($6, subscription_expires_at),
			is_active = COALESCE($7, is_active),
			updated_at = NOW()
		WHERE id = $1
		RETURNING ` + companyColumns
	return scan(r.pool.QueryRow(ctx, q, id,
		p.Name, p.ContactEmail, p.StorageQuotaBytes, p.SubscriptionTier, p.SubscriptionExpiresAt, p.IsActive))
}

// SetStorageStatus flips the provisioning flag.
func (r *Repository) SetStorageStatus(ctx context.Context, id int64, status string) error {
	const q = `UPDATE companies SET storage_status = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, q, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// SetUsedBytes records provider-reported usage.
func (r *Repository) SetUsedBytes(ctx context.Context, id int64, used int64) error {
	const q = `UPDATE companies SET storage_used_bytes = $2, updated_at = NOW() WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id, used)
	return err
}

// AddUsedBytes adjusts the best-effort usage counter after uploads and
// deletes. The counter never goes below zero.
func (r *Repository) AddUsedBytes(ctx context.Context, id int64, delta int64) error {
	const q = `UPDATE companies
		SET storage_used_bytes = GREATEST(0, storage_used_bytes + $2), updated_at = NOW()
		WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id, delta)
	return err
}

// Delete removes a company and, through FK cascades, its projects, content,
// videos, schedules, and notifications.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM companies WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}
