package notifications

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/portalmark/backend/internal/models"
	"github.com/portalmark/backend/pkg/metrics"
)

// Repository persists notifications. Rows are append-only: there is no update
// or delete path.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a notifications repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const insertQ = `INSERT INTO notifications (company_id, project_id, ar_content_id, kind, subject, message, metadata)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	RETURNING id, created_at`

// Create appends a notification.
func (r *Repository) Create(ctx context.Context, n *models.Notification) error {
	if n.Metadata == nil {
		n.Metadata = map[string]string{}
	}
	err := r.pool.QueryRow(ctx, insertQ,
		n.CompanyID, n.ProjectID, n.ARContentID, n.Kind, n.Subject, n.Message, n.Metadata).
		Scan(&n.ID, &n.CreatedAt)
	if err != nil {
		return err
	}
	metrics.NotificationsCreated.WithLabelValues(n.Kind).Inc()
	return nil
}

// CreateTx appends a notification inside an existing transaction, for
// compound operations that must stay atomic.
func (r *Repository) CreateTx(ctx context.Context, tx pgx.Tx, n *models.Notification) error {
	if n.Metadata == nil {
		n.Metadata = map[string]string{}
	}
	err := tx.QueryRow(ctx, insertQ,
		n.CompanyID, n.ProjectID, n.ARContentID, n.Kind, n.Subject, n.Message, n.Metadata).
		Scan(&n.ID, &n.CreatedAt)
	if err != nil {
		return err
	}
	metrics.NotificationsCreated.WithLabelValues(n.Kind).Inc()
	return nil
}

// ListOptions filter the notification feed.
type ListOptions struct {
	CompanyID int64 // 0 = all companies
	ProjectID int64 // 0 = all projects
	Kind      string
	Limit     int
	Offset    int
}

// List returns notifications newest first.
func (r *Repository) List(ctx context.Context, opts ListOptions) ([]models.Notification, error) {
	if opts.Limit <= 0 || opts.Limit > 200 {
		opts.Limit = 50
	}
	const q = `SELECT id, company_id, project_id, ar_content_id, kind, subject, message, metadata, created_at
		FROM notifications
		WHERE ($1 = 0 OR company_id = $1)
		  AND ($2 = 0 OR project_id = $2)
		  AND ($3 = '' OR kind = $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4 OFFSET $5`
	rows, err := r.pool.Query(ctx, q, opts.CompanyID, opts.ProjectID, opts.Kind, opts.Limit, opts.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []models.Notification
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.ID, &n.CompanyID, &n.ProjectID, &n.ARContentID,
			&n.Kind, &n.Subject, &n.Message, &n.Metadata, &n.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, n)
	}
	return list, rows.Err()
}
