package content

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/portalmark/backend/internal/models"
	"github.com/portalmark/backend/pkg/metrics"
)

// ErrVideoMismatch is returned when a video does not belong to the AR
// content it is being activated for.
var ErrVideoMismatch = errors.New("content: video belongs to a different ar content")

const arColumns = `id, project_id, company_id, unique_id, title, image_path, image_url,
	marker_path, marker_url, marker_status, marker_feature_points, is_active,
	active_video_id, created_at, updated_at`

// Repository persists AR content and its videos, and owns the compound
// operations the pipeline and scheduler rely on.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a content repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContent(row rowScanner) (*models.ARContent, error) {
	var ac models.ARContent
	err := row.Scan(&ac.ID, &ac.ProjectID, &ac.CompanyID, &ac.UniqueID, &ac.Title,
		&ac.ImagePath, &ac.ImageURL, &ac.MarkerPath, &ac.MarkerURL, &ac.MarkerStatus,
		&ac.MarkerFeaturePoints, &ac.IsActive, &ac.ActiveVideoID, &ac.CreatedAt, &ac.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &ac, nil
}

// Create inserts AR content. The unique_id is assigned here and never
// changes afterwards.
func (r *Repository) Create(ctx context.Context, ac *models.ARContent) error {
	const q = `INSERT INTO ar_contents
		(project_id, company_id, unique_id, title, image_path, image_url)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + arColumns
	if ac.UniqueID == uuid.Nil {
		ac.UniqueID = uuid.New()
	}
	created, err := scanContent(r.pool.QueryRow(ctx, q,
		ac.ProjectID, ac.CompanyID, ac.UniqueID, ac.Title, ac.ImagePath, ac.ImageURL))
	if err != nil {
		return err
	}
	*ac = *created
	return nil
}

// GetByID loads one AR content row.
func (r *Repository) GetByID(ctx context.Context, id int64) (*models.ARContent, error) {
	q := `SELECT ` + arColumns + ` FROM ar_contents WHERE id = $1`
	return scanContent(r.pool.QueryRow(ctx, q, id))
}

// GetByUniqueID loads one AR content row by its public UUID.
func (r *Repository) GetByUniqueID(ctx context.Context, uid uuid.UUID) (*models.ARContent, error) {
	q := `SELECT ` + arColumns + ` FROM ar_contents WHERE unique_id = $1`
	return scanContent(r.pool.QueryRow(ctx, q, uid))
}

// ListOptions narrow a content listing.
type ListOptions struct {
	ProjectID    int64
	CompanyID    int64
	MarkerStatus string
}

// List returns AR content newest first.
func (r *Repository) List(ctx context.Context, opts ListOptions) ([]models.ARContent, error) {
	q := `SELECT ` + arColumns + ` FROM ar_contents
		WHERE ($1 = 0 OR project_id = $1)
		  AND ($2 = 0 OR company_id = $2)
		  AND ($3 = '' OR marker_status = $3)
		ORDER BY created_at DESC, id DESC`
	rows, err := r.pool.Query(ctx, q, opts.ProjectID, opts.CompanyID, opts.MarkerStatus)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ARContent
	for rows.Next() {
		ac, err := scanContent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ac)
	}
	return out, rows.Err()
}

// UpdateParams are the mutable AR content fields. Everything else is owned
// by the pipeline or fixed at creation.
type UpdateParams struct {
	Title    *string
	IsActive *bool
}

// Update applies params and returns the fresh row.
func (r *Repository) Update(ctx context.Context, id int64, p UpdateParams) (*models.ARContent, error) {
	const q = `UPDATE ar_contents SET
			title = COALESCE($2, title),
			is_active = COALESCE($3, is_active),
			updated_at = NOW()
		WHERE id = $1
		RETURNING ` + arColumns
	return scanContent(r.pool.QueryRow(ctx, q, id, p.Title, p.IsActive))
}

// Delete removes AR content and, through FK cascades, its videos and
// rotation schedule.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM ar_contents WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ClaimMarkerProcessing moves pending or failed content into processing.
// The compare-and-set makes concurrent workers and stale jobs drop out: only
// one claim wins, and ready content is never reprocessed.
func (r *Repository) ClaimMarkerProcessing(ctx context.Context, id int64) (bool, error) {
	const q = `UPDATE ar_contents
		SET marker_status = 'processing', updated_at = NOW()
		WHERE id = $1 AND marker_status IN ('pending', 'failed')`
	tag, err := r.pool.Exec(ctx, q, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// MarkerResult is the terminal outcome of one marker compilation attempt.
type MarkerResult struct {
	Status        string
	MarkerPath    string
	MarkerURL     string
	FeaturePoints *int
}

// UpdateMarkerResult records a compilation outcome. The update only applies
// while the row is still processing, so a concurrent admin reset or a
// duplicate job cannot clobber a terminal state.
func (r *Repository) UpdateMarkerResult(ctx context.Context, id int64, res MarkerResult) (bool, error) {
	if res.Status != models.MarkerStatusReady && res.Status != models.MarkerStatusFailed {
		return false, fmt.Errorf("content: invalid marker result status %q", res.Status)
	}
	const q = `UPDATE ar_contents SET
			marker_status = $2,
			marker_path = CASE WHEN $3 = '' THEN marker_path ELSE $3 END,
			marker_url = CASE WHEN $4 = '' THEN marker_url ELSE $4 END,
			marker_feature_points = COALESCE($5, marker_feature_points),
			updated_at = NOW()
		WHERE id = $1 AND marker_status = 'processing'`
	tag, err := r.pool.Exec(ctx, q, id, res.Status, res.MarkerPath, res.MarkerURL, res.FeaturePoints)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ResetMarker is the explicit admin path back to pending. It clears the
// compiled artifact fields so the next pipeline run starts clean.
func (r *Repository) ResetMarker(ctx context.Context, id int64) (*models.ARContent, error) {
	const q = `UPDATE ar_contents SET
			marker_status = 'pending',
			marker_path = '',
			marker_url = '',
			marker_feature_points = NULL,
			updated_at = NOW()
		WHERE id = $1
		RETURNING ` + arColumns
	return scanContent(r.pool.QueryRow(ctx, q, id))
}

// RotateActiveVideo deactivates the current video, activates next, and
// repoints active_video_id, in one transaction. The content row is locked
// first so concurrent rotations and admin writes serialize.
func (r *Repository) RotateActiveVideo(ctx context.Context, arContentID, nextVideoID int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := r.RotateActiveVideoTx(ctx, tx, arContentID, nextVideoID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	metrics.RotationsApplied.Inc()
	return nil
}

// RotateActiveVideoTx runs the active-video swap inside a caller-owned
// transaction. The rotation sweep uses this to keep the swap under the same
// lock as the schedule bookkeeping; callers that commit themselves must also
// record metrics themselves.
func (r *Repository) RotateActiveVideoTx(ctx context.Context, tx pgx.Tx, arContentID, nextVideoID int64) error {
	var lockedID int64
	err := tx.QueryRow(ctx, `SELECT id FROM ar_contents WHERE id = $1 FOR UPDATE`, arContentID).Scan(&lockedID)
	if err != nil {
		return err
	}

	var owner int64
	err = tx.QueryRow(ctx, `SELECT ar_content_id FROM videos WHERE id = $1`, nextVideoID).Scan(&owner)
	if err != nil {
		return err
	}
	if owner != arContentID {
		return ErrVideoMismatch
	}

	if _, err := tx.Exec(ctx,
		`UPDATE videos SET is_active = FALSE, updated_at = NOW()
		 WHERE ar_content_id = $1 AND is_active AND id <> $2`, arContentID, nextVideoID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE videos SET is_active = TRUE, updated_at = NOW() WHERE id = $1`, nextVideoID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE ar_contents SET active_video_id = $2, updated_at = NOW() WHERE id = $1`,
		arContentID, nextVideoID); err != nil {
		return err
	}
	return nil
}

// MarkerSource is what the marker processor needs to compile one content
// item: the row plus its company's storage coordinates.
type MarkerSource struct {
	Content             models.ARContent
	StorageConnectionID int64
	StoragePath         string
}

// GetMarkerSource loads content with its company storage coordinates.
func (r *Repository) GetMarkerSource(ctx context.Context, id int64) (*MarkerSource, error) {
	q := `SELECT ` + prefixColumns("ac", arColumns) + `, c.storage_connection_id, c.storage_path
		FROM ar_contents ac
		JOIN companies c ON c.id = ac.company_id
		WHERE ac.id = $1`
	var src MarkerSource
	ac := &src.Content
	err := r.pool.QueryRow(ctx, q, id).Scan(
		&ac.ID, &ac.ProjectID, &ac.CompanyID, &ac.UniqueID, &ac.Title,
		&ac.ImagePath, &ac.ImageURL, &ac.MarkerPath, &ac.MarkerURL, &ac.MarkerStatus,
		&ac.MarkerFeaturePoints, &ac.IsActive, &ac.ActiveVideoID, &ac.CreatedAt, &ac.UpdatedAt,
		&src.StorageConnectionID, &src.StoragePath)
	if err != nil {
		return nil, err
	}
	return &src, nil
}

// Manifest is the public view of one AR content item resolved by UUID.
type Manifest struct {
	Content             models.ARContent
	ActiveVideo         *models.Video
	CompanyName         string
	ProjectName         string
	ProjectStatus       string
	StorageConnectionID int64
	StoragePath         string
}

// GetManifest loads everything the resolution API serves for one UUID. The
// caller applies the gating rules; a missing row is pgx.ErrNoRows.
func (r *Repository) GetManifest(ctx context.Context, uid uuid.UUID) (*Manifest, error) {
	q := `SELECT ` + prefixColumns("ac", arColumns) + `,
			co.name, p.name, p.status, co.storage_connection_id, co.storage_path
		FROM ar_contents ac
		JOIN projects p ON p.id = ac.project_id
		JOIN companies co ON co.id = ac.company_id
		WHERE ac.unique_id = $1`
	var m Manifest
	ac := &m.Content
	err := r.pool.QueryRow(ctx, q, uid).Scan(
		&ac.ID, &ac.ProjectID, &ac.CompanyID, &ac.UniqueID, &ac.Title,
		&ac.ImagePath, &ac.ImageURL, &ac.MarkerPath, &ac.MarkerURL, &ac.MarkerStatus,
		&ac.MarkerFeaturePoints, &ac.IsActive, &ac.ActiveVideoID, &ac.CreatedAt, &ac.UpdatedAt,
		&m.CompanyName, &m.ProjectName, &m.ProjectStatus, &m.StorageConnectionID, &m.StoragePath)
	if err != nil {
		return nil, err
	}
	if ac.ActiveVideoID != nil {
		v, err := r.GetVideo(ctx, *ac.ActiveVideoID)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		if err == nil {
			m.ActiveVideo = v
		}
	}
	return &m, nil
}

// prefixColumns qualifies a comma-separated column list with a table alias.
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
