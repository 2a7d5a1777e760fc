package rotation

import (
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/portalmark/backend/internal/content"
	"github.com/portalmark/backend/internal/models"
	"github.com/portalmark/backend/pkg/database"
	"github.com/portalmark/backend/pkg/response"
)

// Handler exposes the admin rotation schedule endpoints.
type Handler struct {
	repo    *Repository
	content *content.Repository
	logger  *zap.Logger
}

// NewHandler creates a rotation handler.
func NewHandler(repo *Repository, contentRepo *content.Repository, logger *zap.Logger) *Handler {
	return &Handler{repo: repo, content: contentRepo, logger: logger}
}

// CreateScheduleRequest is the body for POST /admin/schedules.
type CreateScheduleRequest struct {
	ARContentID   int64   `json:"ar_content_id" binding:"required"`
	RotationType  string  `json:"rotation_type" binding:"required"`
	TimeOfDay     string  `json:"time_of_day"`
	DayOfWeek     *int    `json:"day_of_week"`
	DayOfMonth    *int    `json:"day_of_month"`
	VideoSequence []int64 `json:"video_sequence" binding:"required"`
}

// UpdateScheduleRequest is the body for PATCH /admin/schedules/:id.
// Nil fields keep their current value; a new video_sequence restarts the
// rotation at index zero.
type UpdateScheduleRequest struct {
	RotationType  *string `json:"rotation_type"`
	TimeOfDay     *string `json:"time_of_day"`
	DayOfWeek     *int    `json:"day_of_week"`
	DayOfMonth    *int    `json:"day_of_month"`
	VideoSequence []int64 `json:"video_sequence"`
	IsActive      *bool   `json:"is_active"`
}

func idParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.BadRequest(c, "invalid schedule id")
		return 0, false
	}
	return id, true
}

// validateTiming checks the timing fields for one rotation type. Weekly and
// monthly schedules must carry their anchor day.
func validateTiming(rotationType, timeOfDay string, dayOfWeek, dayOfMonth *int) string {
	if !models.ValidRotationType(rotationType) {
		return "unknown rotation_type: " + rotationType
	}
	if timeOfDay != "" {
		if _, _, ok := parseTimeOfDay(timeOfDay); !ok {
			return "time_of_day must be HH:MM"
		}
	}
	if dayOfWeek != nil && (*dayOfWeek < 1 || *dayOfWeek > 7) {
		return "day_of_week must be 1 (Monday) through 7 (Sunday)"
	}
	if dayOfMonth != nil && (*dayOfMonth < 1 || *dayOfMonth > 31) {
		return "day_of_month must be 1 through 31"
	}
	if rotationType == models.RotationWeekly && dayOfWeek == nil {
		return "day_of_week is required for weekly rotation"
	}
	if rotationType == models.RotationMonthly && dayOfMonth == nil {
		return "day_of_month is required for monthly rotation"
	}
	return ""
}

// checkSequence verifies every sequence entry is a video of the content.
func (h *Handler) checkSequence(c *gin.Context, arContentID int64, seq []int64) bool {
	owned, err := h.content.OwnedVideoIDs(c.Request.Context(), arContentID, seq)
	if err != nil {
		h.logger.Error("check video sequence failed", zap.Int64("ar_content_id", arContentID), zap.Error(err))
		response.Internal(c, "failed to verify video sequence")
		return false
	}
	if len(owned) != len(seq) {
		response.BadRequest(c, "video_sequence contains videos that do not belong to the content")
		return false
	}
	return true
}

// Create handles POST /admin/schedules. Each content item carries at
// most one schedule.
func (h *Handler) Create(c *gin.Context) {
	var req CreateScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if msg := validateTiming(req.RotationType, req.TimeOfDay, req.DayOfWeek, req.DayOfMonth); msg != "" {
		response.BadRequest(c, msg)
		return
	}
	if len(req.VideoSequence) == 0 {
		response.BadRequest(c, "video_sequence must not be empty")
		return
	}
	if _, err := h.content.GetByID(c.Request.Context(), req.ARContentID); err != nil {
		response.BadRequest(c, "ar content not found")
		return
	}
	if !h.checkSequence(c, req.ARContentID, req.VideoSequence) {
		return
	}

	s := &models.VideoRotationSchedule{
		ARContentID:    req.ARContentID,
		RotationType:   req.RotationType,
		TimeOfDay:      req.TimeOfDay,
		DayOfWeek:      req.DayOfWeek,
		DayOfMonth:     req.DayOfMonth,
		VideoSequence:  req.VideoSequence,
		NextRotationAt: NextFire(req.RotationType, req.TimeOfDay, req.DayOfWeek, req.DayOfMonth, time.Now().UTC()),
	}
	if err := h.repo.Create(c.Request.Context(), s); err != nil {
		if database.IsUniqueViolation(err) {
			response.Conflict(c, "the content already has a rotation schedule")
			return
		}
		h.logger.Error("create schedule failed", zap.Error(err))
		response.Internal(c, "failed to create rotation schedule")
		return
	}
	response.Created(c, s)
}

// List handles GET /admin/schedules with an optional ar_content_id
// filter.
func (h *Handler) List(c *gin.Context) {
	var arContentID int64
	if v := c.Query("ar_content_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			response.BadRequest(c, "invalid ar_content_id")
			return
		}
		arContentID = id
	}
	list, err := h.repo.List(c.Request.Context(), arContentID)
	if err != nil {
		h.logger.Error("list schedules failed", zap.Error(err))
		response.Internal(c, "failed to list rotation schedules")
		return
	}
	response.OK(c, list)
}

// Get handles GET /admin/schedules/:id.
func (h *Handler) Get(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	s, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.NotFound(c, "rotation schedule not found")
		return
	}
	response.OK(c, s)
}

// Update handles PATCH /admin/schedules/:id. Touching a timing field
// or re-enabling the schedule recomputes next_rotation_at.
func (h *Handler) Update(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req UpdateScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	s, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.NotFound(c, "rotation schedule not found")
		return
	}

	rotationType := s.RotationType
	if req.RotationType != nil {
		rotationType = *req.RotationType
	}
	timeOfDay := s.TimeOfDay
	if req.TimeOfDay != nil {
		timeOfDay = *req.TimeOfDay
	}
	dayOfWeek := s.DayOfWeek
	if req.DayOfWeek != nil {
		dayOfWeek = req.DayOfWeek
	}
	dayOfMonth := s.DayOfMonth
	if req.DayOfMonth != nil {
		dayOfMonth = req.DayOfMonth
	}
	if msg := validateTiming(rotationType, timeOfDay, dayOfWeek, dayOfMonth); msg != "" {
		response.BadRequest(c, msg)
		return
	}
	if req.VideoSequence != nil {
		if len(req.VideoSequence) == 0 {
			response.BadRequest(c, "video_sequence must not be empty")
			return
		}
		if !h.checkSequence(c, s.ARContentID, req.VideoSequence) {
			return
		}
	}

	timingTouched := req.RotationType != nil || req.TimeOfDay != nil ||
		req.DayOfWeek != nil || req.DayOfMonth != nil
	reEnabled := req.IsActive != nil && *req.IsActive && !s.IsActive
	var next *time.Time
	if timingTouched || reEnabled {
		n := NextFire(rotationType, timeOfDay, dayOfWeek, dayOfMonth, time.Now().UTC())
		next = &n
	}

	updated, err := h.repo.Update(c.Request.Context(), id, UpdateParams{
		RotationType:   req.RotationType,
		TimeOfDay:      req.TimeOfDay,
		DayOfWeek:      req.DayOfWeek,
		DayOfMonth:     req.DayOfMonth,
		VideoSequence:  req.VideoSequence,
		NextRotationAt: next,
		IsActive:       req.IsActive,
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			response.NotFound(c, "rotation schedule not found")
			return
		}
		h.logger.Error("update schedule failed", zap.Int64("schedule_id", id), zap.Error(err))
		response.Internal(c, "failed to update rotation schedule")
		return
	}
	response.OK(c, updated)
}

// Delete handles DELETE /admin/schedules/:id.
func (h *Handler) Delete(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := h.repo.Delete(c.Request.Context(), id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			response.NotFound(c, "rotation schedule not found")
			return
		}
		h.logger.Error("delete schedule failed", zap.Int64("schedule_id", id), zap.Error(err))
		response.Internal(c, "failed to delete rotation schedule")
		return
	}
	response.NoContent(c)
}
