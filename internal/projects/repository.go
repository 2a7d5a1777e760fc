package projects

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/portalmark/backend/internal/models"
	"github.com/portalmark/backend/internal/notifications"
	"github.com/portalmark/backend/pkg/metrics"
)

// ErrNotActive is returned by Expire when the project is already expired or
// archived.
var ErrNotActive = errors.New("projects: project is not active")

const projectColumns = `id, company_id, name, starts_at, expires_at, status,
	notify_before_expiry_days, last_notification_sent_at, created_at, updated_at`

// Repository persists projects and owns the expiry compound operations.
type Repository struct {
	pool  *pgxpool.Pool
	notes *notifications.Repository
}

// NewRepository creates a projects repository.
func NewRepository(pool *pgxpool.Pool, notes *notifications.Repository) *Repository {
	return &Repository{pool: pool, notes: notes}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scan(row rowScanner) (*models.Project, error) {
	var p models.Project
	err := row.Scan(&p.ID, &p.CompanyID, &p.Name, &p.StartsAt, &p.ExpiresAt, &p.Status,
		&p.NotifyBeforeExpiryDays, &p.LastNotificationSentAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Create inserts a project. (company_id, name) is unique; violations surface
// as a database unique-violation error.
func (r *Repository) Create(ctx context.Context, p *models.Project) error {
	const q = `INSERT INTO projects
		(company_id, name, starts_at, expires_at, notify_before_expiry_days)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + projectColumns
	if p.StartsAt.IsZero() {
		p.StartsAt = time.Now().UTC()
	}
	if p.NotifyBeforeExpiryDays <= 0 {
		p.NotifyBeforeExpiryDays = models.DefaultNotifyBeforeExpiryDays
	}
	created, err := scan(r.pool.QueryRow(ctx, q,
		p.CompanyID, p.Name, p.StartsAt, p.ExpiresAt, p.NotifyBeforeExpiryDays))
	if err != nil {
		return err
	}
	*p = *created
	return nil
}

// GetByID loads one project.
func (r *Repository) GetByID(ctx context.Context, id int64) (*models.Project, error) {
	q := `SELECT ` + projectColumns + ` FROM projects WHERE id = $1`
	return scan(r.pool.QueryRow(ctx, q, id))
}

// List returns projects, optionally narrowed to one company.
func (r *Repository) List(ctx context.Context, companyID int64) ([]models.Project, error) {
	q := `SELECT ` + projectColumns + ` FROM projects
		WHERE ($1 = 0 OR company_id = $1)
		ORDER BY created_at DESC, id DESC`
	rows, err := r.pool.Query(ctx, q, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Project
	for rows.Next() {
		p, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// UpdateParams are the mutable project fields. Nil means keep current;
// SetExpiresAt distinguishes "clear the deadline" from "leave it alone".
type UpdateParams struct {
	Name                   *string
	StartsAt               *time.Time
	ExpiresAt              *time.Time
	SetExpiresAt           bool
	NotifyBeforeExpiryDays *int
	Status                 *string
}

// Update applies params and returns the fresh row. Status transitions to
// expired must go through Expire instead.
func (r *Repository) Update(ctx context.Context, id int64, p UpdateParams) (*models.Project, error) {
	const q = `UPDATE projects SET
			name = COALESCE($2, name),
			starts_at = COALESCE($3, starts_at),
			expires_at = CASE WHEN $4 THEN $5 ELSE expires_at END,
			notify_before_expiry_days = COALESCE($6, notify_before_expiry_days),
			status = COALESCE($7, status),
			updated_at = NOW()
		WHERE id = $1
		RETURNING ` + projectColumns
	return scan(r.pool.QueryRow(ctx, q, id,
		p.Name, p.StartsAt, p.SetExpiresAt, p.ExpiresAt, p.NotifyBeforeExpiryDays, p.Status))
}

// Delete removes a project and cascades to its content.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// Expire marks an active project expired, deactivates all its AR content,
// and appends the expired notification, in one transaction. Projects that
// are not active return ErrNotActive, which makes the sweep idempotent.
func (r *Repository) Expire(ctx context.Context, id int64, now time.Time) (*models.Project, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	const expireQ = `UPDATE projects
		SET status = 'expired', updated_at = NOW()
		WHERE id = $1 AND status = 'active'
		RETURNING ` + projectColumns
	p, err := scan(tx.QueryRow(ctx, expireQ, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotActive
		}
		return nil, err
	}

	const cascadeQ = `UPDATE ar_contents
		SET is_active = FALSE, updated_at = NOW()
		WHERE project_id = $1 AND is_active`
	if _, err := tx.Exec(ctx, cascadeQ, id); err != nil {
		return nil, err
	}

	n := &models.Notification{
		CompanyID: p.CompanyID,
		ProjectID: &p.ID,
		Kind:      models.NotificationExpired,
		Subject:   "Project expired",
		Message:   "project " + p.Name + " has expired; its AR content is no longer served",
		Metadata:  map[string]string{"expired_at": now.UTC().Format(time.RFC3339)},
	}
	if err := r.notes.CreateTx(ctx, tx, n); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	metrics.ProjectsExpired.Inc()
	return p, nil
}

// ListExpired returns ids of active projects whose deadline has passed.
func (r *Repository) ListExpired(ctx context.Context, now time.Time) ([]int64, error) {
	const q = `SELECT id FROM projects
		WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at < $1
		ORDER BY id`
	rows, err := r.pool.Query(ctx, q, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListExpiring returns active projects whose deadline falls inside the
// warning window [now, now+window].
func (r *Repository) ListExpiring(ctx context.Context, now time.Time, window time.Duration) ([]models.Project, error) {
	q := `SELECT ` + projectColumns + ` FROM projects
		WHERE status = 'active'
		  AND expires_at IS NOT NULL
		  AND expires_at >= $1 AND expires_at <= $2
		ORDER BY expires_at, id`
	rows, err := r.pool.Query(ctx, q, now, now.Add(window))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Project
	for rows.Next() {
		p, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// WarnExpiring appends the expiry_warning notification for one project and
// stamps last_notification_sent_at, atomically. The claim enforces the
// project's own cooldown: it only succeeds when no warning was sent within
// the last notify_before_expiry_days days. Returns false when the cooldown
// swallowed the warning.
func (r *Repository) WarnExpiring(ctx context.Context, p *models.Project, now time.Time) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	const claimQ = `UPDATE projects
		SET last_notification_sent_at = $2, updated_at = NOW()
		WHERE id = $1
		  AND status = 'active'
		  AND (last_notification_sent_at IS NULL
		       OR last_notification_sent_at <= $2 - make_interval(days => notify_before_expiry_days))
		RETURNING expires_at`
	var expiresAt *time.Time
	if err := tx.QueryRow(ctx, claimQ, p.ID, now).Scan(&expiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}

	metadata := map[string]string{}
	if expiresAt != nil {
		metadata["expires_at"] = expiresAt.UTC().Format(time.RFC3339)
	}
	n := &models.Notification{
		CompanyID: p.CompanyID,
		ProjectID: &p.ID,
		Kind:      models.NotificationExpiryWarning,
		Subject:   "Project expiring soon",
		Message:   "project " + p.Name + " expires soon; renew it to keep its AR content live",
		Metadata:  metadata,
	}
	if err := r.notes.CreateTx(ctx, tx, n); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}
