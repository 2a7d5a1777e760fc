package rotation

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/portalmark/backend/internal/content"
	"github.com/portalmark/backend/internal/models"
	"github.com/portalmark/backend/pkg/metrics"
)

const scheduleColumns = `id, ar_content_id, rotation_type, time_of_day, day_of_week, day_of_month,
	video_sequence, current_index, last_rotation_at, next_rotation_at, is_active, created_at, updated_at`

// Outcome of one due-schedule execution.
type Outcome string

const (
	// OutcomeRotated means the active video changed.
	OutcomeRotated Outcome = "rotated"
	// OutcomeSkipped means the schedule was no longer due, usually because a
	// concurrent worker already handled it.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeHeld means the active video did not change; the current one
	// stays and only the bookkeeping advanced.
	OutcomeHeld Outcome = "held"
	// OutcomeEmpty means every sequence entry was stale. The schedule is
	// disabled until an admin fixes the sequence and re-enables it.
	OutcomeEmpty Outcome = "empty"
)

// Repository persists rotation schedules and executes due rotations.
type Repository struct {
	pool    *pgxpool.Pool
	content *content.Repository
}

// NewRepository creates a rotation repository.
func NewRepository(pool *pgxpool.Pool, contentRepo *content.Repository) *Repository {
	return &Repository{pool: pool, content: contentRepo}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scan(row rowScanner) (*models.VideoRotationSchedule, error) {
	var s models.VideoRotationSchedule
	err := row.Scan(&s.ID, &s.ARContentID, &s.RotationType, &s.TimeOfDay, &s.DayOfWeek,
		&s.DayOfMonth, &s.VideoSequence, &s.CurrentIndex, &s.LastRotationAt,
		&s.NextRotationAt, &s.IsActive, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Create inserts a schedule. One schedule per AR content; duplicates surface
// as a unique violation.
func (r *Repository) Create(ctx context.Context, s *models.VideoRotationSchedule) error {
	const q = `INSERT INTO video_rotation_schedules
		(ar_content_id, rotation_type, time_of_day, day_of_week, day_of_month,
		 video_sequence, next_rotation_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + scheduleColumns
	created, err := scan(r.pool.QueryRow(ctx, q,
		s.ARContentID, s.RotationType, s.TimeOfDay, s.DayOfWeek, s.DayOfMonth,
		s.VideoSequence, s.NextRotationAt))
	if err != nil {
		return err
	}
	*s = *created
	return nil
}

// GetByID loads one schedule.
func (r *Repository) GetByID(ctx context.Context, id int64) (*models.VideoRotationSchedule, error) {
	q := `SELECT ` + scheduleColumns + ` FROM video_rotation_schedules WHERE id = $1`
	return scan(r.pool.QueryRow(ctx, q, id))
}

// GetByARContent loads the schedule owned by one content item.
func (r *Repository) GetByARContent(ctx context.Context, arContentID int64) (*models.VideoRotationSchedule, error) {
	q := `SELECT ` + scheduleColumns + ` FROM video_rotation_schedules WHERE ar_content_id = $1`
	return scan(r.pool.QueryRow(ctx, q, arContentID))
}

// List returns schedules, optionally narrowed to one content item.
func (r *Repository) List(ctx context.Context, arContentID int64) ([]models.VideoRotationSchedule, error) {
	q := `SELECT ` + scheduleColumns + ` FROM video_rotation_schedules
		WHERE ($1 = 0 OR ar_content_id = $1)
		ORDER BY id`
	rows, err := r.pool.Query(ctx, q, arContentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.VideoRotationSchedule
	for rows.Next() {
		s, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// UpdateParams are the mutable schedule fields. Nil keeps current. A new
// VideoSequence resets current_index to zero; a new NextRotationAt is
// supplied by the handler whenever a timing field changed.
type UpdateParams struct {
	RotationType   *string
	TimeOfDay      *string
	DayOfWeek      *int
	DayOfMonth     *int
	VideoSequence  []int64
	NextRotationAt *time.Time
	IsActive       *bool
}

// Update applies params and returns the fresh row.
func (r *Repository) Update(ctx context.Context, id int64, p UpdateParams) (*models.VideoRotationSchedule, error) {
	const q = `UPDATE video_rotation_schedules SET
			rotation_type = COALESCE($2, rotation_type),
			time_of_day = COALESCE($3, time_of_day),
			day_of_week = COALESCE($4, day_of_week),
			day_of_month = COALESCE($5, day_of_month),
			video_sequence = COALESCE($6, video_sequence),
			current_index = CASE WHEN $6::BIGINT[] IS NULL THEN current_index ELSE 0 END,
			next_rotation_at = COALESCE($7, next_rotation_at),
			is_active = COALESCE($8, is_active),
			updated_at = NOW()
		WHERE id = $1
		RETURNING ` + scheduleColumns
	return scan(r.pool.QueryRow(ctx, q, id,
		p.RotationType, p.TimeOfDay, p.DayOfWeek, p.DayOfMonth, p.VideoSequence,
		p.NextRotationAt, p.IsActive))
}

// Delete removes a schedule.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM video_rotation_schedules WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// DueScheduleIDs returns active schedules due at now, soonest first.
func (r *Repository) DueScheduleIDs(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 500
	}
	const q = `SELECT id FROM video_rotation_schedules
		WHERE is_active AND next_rotation_at <= $1
		ORDER BY next_rotation_at, id
		LIMIT $2`
	rows, err := r.pool.Query(ctx, q, now, limit)
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

// ExecuteDue runs one due rotation end to end: claim the schedule row with
// a lock, pick the next usable video, swap it in, and advance the
// bookkeeping, all in one transaction. Concurrent runs for the same content
// serialize on the schedule row; the due re-check makes the second one a
// no-op.
func (r *Repository) ExecuteDue(ctx context.Context, scheduleID int64, now time.Time) (Outcome, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return OutcomeSkipped, err
	}
	defer tx.Rollback(ctx)

	q := `SELECT ` + scheduleColumns + ` FROM video_rotation_schedules WHERE id = $1 FOR UPDATE`
	s, err := scan(tx.QueryRow(ctx, q, scheduleID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return OutcomeSkipped, nil
		}
		return OutcomeSkipped, err
	}
	if !s.IsActive || s.NextRotationAt.After(now) {
		return OutcomeSkipped, nil
	}

	owned, err := r.ownedSet(ctx, tx, s.ARContentID, s.VideoSequence)
	if err != nil {
		return OutcomeSkipped, err
	}

	next := NextFire(s.RotationType, s.TimeOfDay, s.DayOfWeek, s.DayOfMonth, now)
	nextIdx, nextID, usable := pickNext(s, owned)
	if !usable {
		if err := r.disable(ctx, tx, s.ID); err != nil {
			return OutcomeEmpty, err
		}
		return OutcomeEmpty, tx.Commit(ctx)
	}

	outcome := OutcomeRotated
	currentID := currentVideoID(s)
	if nextID == currentID {
		outcome = OutcomeHeld
	} else {
		if err := r.content.RotateActiveVideoTx(ctx, tx, s.ARContentID, nextID); err != nil {
			if errors.Is(err, content.ErrVideoMismatch) || errors.Is(err, pgx.ErrNoRows) {
				// The video vanished between the ownership check and the
				// swap. Hold the current video; the next sweep sees the
				// entry as stale.
				if rerr := r.reschedule(ctx, tx, s.ID, s.CurrentIndex, now, next); rerr != nil {
					return OutcomeHeld, rerr
				}
				return OutcomeHeld, tx.Commit(ctx)
			}
			return OutcomeSkipped, err
		}
	}

	if err := r.reschedule(ctx, tx, s.ID, nextIdx, now, next); err != nil {
		return outcome, err
	}
	if err := tx.Commit(ctx); err != nil {
		return outcome, err
	}
	if outcome == OutcomeRotated {
		metrics.RotationsApplied.Inc()
	}
	return outcome, nil
}

func (r *Repository) reschedule(ctx context.Context, tx pgx.Tx, id int64, index int, now, next time.Time) error {
	const q = `UPDATE video_rotation_schedules
		SET current_index = $2, last_rotation_at = $3, next_rotation_at = $4, updated_at = NOW()
		WHERE id = $1`
	_, err := tx.Exec(ctx, q, id, index, now, next)
	return err
}

func (r *Repository) disable(ctx context.Context, tx pgx.Tx, id int64) error {
	const q = `UPDATE video_rotation_schedules
		SET is_active = FALSE, updated_at = NOW()
		WHERE id = $1`
	_, err := tx.Exec(ctx, q, id)
	return err
}

// ownedSet returns which sequence entries still belong to the content.
func (r *Repository) ownedSet(ctx context.Context, tx pgx.Tx, arContentID int64, seq []int64) (map[int64]bool, error) {
	owned := make(map[int64]bool, len(seq))
	if len(seq) == 0 {
		return owned, nil
	}
	rows, err := tx.Query(ctx,
		`SELECT id FROM videos WHERE ar_content_id = $1 AND id = ANY($2)`, arContentID, seq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		owned[id] = true
	}
	return owned, rows.Err()
}

func currentVideoID(s *models.VideoRotationSchedule) int64 {
	if len(s.VideoSequence) == 0 {
		return 0
	}
	idx := s.CurrentIndex
	if idx < 0 || idx >= len(s.VideoSequence) {
		idx = 0
	}
	return s.VideoSequence[idx]
}

// pickNext chooses the next video per the schedule's rotation type,
// skipping stale sequence entries. Random picks uniformly among the other
// usable videos and holds the current one when it is the only candidate.
func pickNext(s *models.VideoRotationSchedule, owned map[int64]bool) (index int, videoID int64, usable bool) {
	seq := s.VideoSequence
	if len(seq) == 0 {
		return 0, 0, false
	}
	ci := s.CurrentIndex
	if ci < 0 || ci >= len(seq) {
		ci = 0
	}
	currentID := seq[ci]

	if s.RotationType == models.RotationRandom {
		candidates := make([]int64, 0, len(seq))
		seen := map[int64]bool{}
		for _, id := range seq {
			if id != currentID && owned[id] && !seen[id] {
				candidates = append(candidates, id)
				seen[id] = true
			}
		}
		if len(candidates) == 0 {
			if owned[currentID] {
				return ci, currentID, true
			}
			return 0, 0, false
		}
		pick := candidates[rand.Intn(len(candidates))]
		for i, id := range seq {
			if id == pick {
				return i, pick, true
			}
		}
		return ci, currentID, true
	}

	for k := 1; k <= len(seq); k++ {
		idx := (ci + k) % len(seq)
		if owned[seq[idx]] {
			return idx, seq[idx], true
		}
	}
	return 0, 0, false
}
