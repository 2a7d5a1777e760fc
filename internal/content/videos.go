package content

import (
	"context"
	"errors"

	"github.com/portalmark/backend/internal/models"
)

// ErrActiveVideo is returned when deleting the active video while other
// videos remain; the caller must activate another one first.
var ErrActiveVideo = errors.New("content: video is active; activate another video first")

const videoColumns = `id, ar_content_id, title, video_path, video_url, duration_seconds,
	width, height, mime_type, is_active, rotation_order, created_at, updated_at`

func scanVideo(row rowScanner) (*models.Video, error) {
	var v models.Video
	err := row.Scan(&v.ID, &v.ARContentID, &v.Title, &v.VideoPath, &v.VideoURL,
		&v.DurationSeconds, &v.Width, &v.Height, &v.MimeType, &v.IsActive,
		&v.RotationOrder, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// CreateVideo attaches a video to AR content. The first video of a content
// item becomes active immediately so the manifest is servable as soon as the
// marker is ready.
func (r *Repository) CreateVideo(ctx context.Context, v *models.Video) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var contentID int64
	err = tx.QueryRow(ctx, `SELECT id FROM ar_contents WHERE id = $1 FOR UPDATE`, v.ARContentID).Scan(&contentID)
	if err != nil {
		return err
	}

	var existing int
	err = tx.QueryRow(ctx, `SELECT COUNT(*) FROM videos WHERE ar_content_id = $1`, v.ARContentID).Scan(&existing)
	if err != nil {
		return err
	}
	first := existing == 0

	const q = `INSERT INTO videos
		(ar_content_id, title, video_path, video_url, duration_seconds, width, height,
		 mime_type, is_active, rotation_order)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9,
			CASE WHEN $10 = 0
			     THEN (SELECT COALESCE(MAX(rotation_order), 0) + 1 FROM videos WHERE ar_content_id = $1)
			     ELSE $10 END)
		RETURNING ` + videoColumns
	created, err := scanVideo(tx.QueryRow(ctx, q,
		v.ARContentID, v.Title, v.VideoPath, v.VideoURL, v.DurationSeconds,
		v.Width, v.Height, v.MimeType, first, v.RotationOrder))
	if err != nil {
		return err
	}
	if first {
		if _, err := tx.Exec(ctx,
			`UPDATE ar_contents SET active_video_id = $2, updated_at = NOW() WHERE id = $1`,
			v.ARContentID, created.ID); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	*v = *created
	return nil
}

// GetVideo loads one video.
func (r *Repository) GetVideo(ctx context.Context, id int64) (*models.Video, error) {
	q := `SELECT ` + videoColumns + ` FROM videos WHERE id = $1`
	return scanVideo(r.pool.QueryRow(ctx, q, id))
}

// ListVideos returns a content item's videos in rotation order.
func (r *Repository) ListVideos(ctx context.Context, arContentID int64) ([]models.Video, error) {
	q := `SELECT ` + videoColumns + ` FROM videos
		WHERE ar_content_id = $1
		ORDER BY rotation_order, id`
	rows, err := r.pool.Query(ctx, q, arContentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// VideoUpdateParams are the mutable video fields.
type VideoUpdateParams struct {
	Title           *string
	DurationSeconds *float64
	Width           *int
	Height          *int
	RotationOrder   *int
}

// UpdateVideo applies params and returns the fresh row.
func (r *Repository) UpdateVideo(ctx context.Context, id int64, p VideoUpdateParams) (*models.Video, error) {
	const q = `UPDATE videos SET
			title = COALESCE($2, title),
			duration_seconds = COALESCE($3, duration_seconds),
			width = COALESCE($4, width),
			height = COALESCE($5, height),
			rotation_order = COALESCE($6, rotation_order),
			updated_at = NOW()
		WHERE id = $1
		RETURNING ` + videoColumns
	return scanVideo(r.pool.QueryRow(ctx, q, id, p.Title, p.DurationSeconds, p.Width, p.Height, p.RotationOrder))
}

// DeleteVideo removes a video. The active video can only be removed when it
// is the last one; otherwise another video must be activated first so the
// content never serves without an active video while videos remain.
func (r *Repository) DeleteVideo(ctx context.Context, id int64) (*models.Video, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	q := `SELECT ` + videoColumns + ` FROM videos WHERE id = $1 FOR UPDATE`
	v, err := scanVideo(tx.QueryRow(ctx, q, id))
	if err != nil {
		return nil, err
	}
	if v.IsActive {
		var others int
		err = tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM videos WHERE ar_content_id = $1 AND id <> $2`,
			v.ARContentID, id).Scan(&others)
		if err != nil {
			return nil, err
		}
		if others > 0 {
			return nil, ErrActiveVideo
		}
	}
	if _, err := tx.Exec(ctx, `DELETE FROM videos WHERE id = $1`, id); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return v, nil
}

// OwnedVideoIDs filters ids down to those belonging to the content item.
// Order is preserved.
func (r *Repository) OwnedVideoIDs(ctx context.Context, arContentID int64, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	const q = `SELECT id FROM videos WHERE ar_content_id = $1 AND id = ANY($2)`
	rows, err := r.pool.Query(ctx, q, arContentID, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	owned := make(map[int64]bool, len(ids))
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		owned[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if owned[id] {
			out = append(out, id)
		}
	}
	return out, nil
}
