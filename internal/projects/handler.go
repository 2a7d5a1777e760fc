package projects

import (
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/portalmark/backend/internal/models"
	"github.com/portalmark/backend/pkg/database"
	"github.com/portalmark/backend/pkg/response"
)

// Handler exposes the admin project endpoints.
type Handler struct {
	repo   *Repository
	logger *zap.Logger
}

// NewHandler creates a projects handler.
func NewHandler(repo *Repository, logger *zap.Logger) *Handler {
	return &Handler{repo: repo, logger: logger}
}

// CreateProjectRequest is the body for POST /admin/projects.
type CreateProjectRequest struct {
	CompanyID              int64      `json:"company_id" binding:"required"`
	Name                   string     `json:"name" binding:"required"`
	StartsAt               *time.Time `json:"starts_at"`
	ExpiresAt              *time.Time `json:"expires_at"`
	NotifyBeforeExpiryDays int        `json:"notify_before_expiry_days"`
}

// UpdateProjectRequest is the body for PATCH /admin/projects/:id. Nil fields
// keep their current value; clear_expires_at removes the deadline.
type UpdateProjectRequest struct {
	Name                   *string    `json:"name"`
	StartsAt               *time.Time `json:"starts_at"`
	ExpiresAt              *time.Time `json:"expires_at"`
	ClearExpiresAt         bool       `json:"clear_expires_at"`
	NotifyBeforeExpiryDays *int       `json:"notify_before_expiry_days"`
	Status                 *string    `json:"status"`
}

func idParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.BadRequest(c, "invalid project id")
		return 0, false
	}
	return id, true
}

// Create handles POST /admin/projects.
func (h *Handler) Create(c *gin.Context) {
	var req CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if req.NotifyBeforeExpiryDays < 0 {
		response.BadRequest(c, "notify_before_expiry_days must not be negative")
		return
	}

	p := &models.Project{
		CompanyID:              req.CompanyID,
		Name:                   req.Name,
		ExpiresAt:              req.ExpiresAt,
		NotifyBeforeExpiryDays: req.NotifyBeforeExpiryDays,
	}
	if req.StartsAt != nil {
		p.StartsAt = *req.StartsAt
	}
	if err := h.repo.Create(c.Request.Context(), p); err != nil {
		if database.IsUniqueViolation(err) {
			response.Conflict(c, "a project with this name already exists for the company")
			return
		}
		if database.IsForeignKeyViolation(err) {
			response.BadRequest(c, "company not found")
			return
		}
		h.logger.Error("create project failed", zap.Error(err))
		response.Internal(c, "failed to create project")
		return
	}
	response.Created(c, p)
}

// List handles GET /admin/projects with an optional company_id filter.
func (h *Handler) List(c *gin.Context) {
	var companyID int64
	if v := c.Query("company_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			response.BadRequest(c, "invalid company_id")
			return
		}
		companyID = id
	}
	list, err := h.repo.List(c.Request.Context(), companyID)
	if err != nil {
		h.logger.Error("list projects failed", zap.Error(err))
		response.Internal(c, "failed to list projects")
		return
	}
	response.OK(c, list)
}

// Get handles GET /admin/projects/:id.
func (h *Handler) Get(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	p, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.NotFound(c, "project not found")
		return
	}
	response.OK(c, p)
}

// Update handles PATCH /admin/projects/:id. Setting status to expired is not
// allowed here: expiry must cascade, so it goes through the expire endpoint.
func (h *Handler) Update(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req UpdateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if req.NotifyBeforeExpiryDays != nil && *req.NotifyBeforeExpiryDays < 0 {
		response.BadRequest(c, "notify_before_expiry_days must not be negative")
		return
	}
	if req.Status != nil {
		switch *req.Status {
		case models.ProjectStatusActive, models.ProjectStatusArchived:
		case models.ProjectStatusExpired:
			response.BadRequest(c, "use the expire endpoint; expiry cascades to content")
			return
		default:
			response.BadRequest(c, "unknown status: "+*req.Status)
			return
		}
	}

	expiresAt := req.ExpiresAt
	if req.ClearExpiresAt {
		expiresAt = nil
	}
	p, err := h.repo.Update(c.Request.Context(), id, UpdateParams{
		Name:                   req.Name,
		StartsAt:               req.StartsAt,
		ExpiresAt:              expiresAt,
		SetExpiresAt:           req.ClearExpiresAt || req.ExpiresAt != nil,
		NotifyBeforeExpiryDays: req.NotifyBeforeExpiryDays,
		Status:                 req.Status,
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			response.NotFound(c, "project not found")
			return
		}
		if database.IsUniqueViolation(err) {
			response.Conflict(c, "a project with this name already exists for the company")
			return
		}
		h.logger.Error("update project failed", zap.Int64("project_id", id), zap.Error(err))
		response.Internal(c, "failed to update project")
		return
	}
	response.OK(c, p)
}

// Delete handles DELETE /admin/projects/:id, cascading to content and
// videos.
func (h *Handler) Delete(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := h.repo.Delete(c.Request.Context(), id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			response.NotFound(c, "project not found")
			return
		}
		h.logger.Error("delete project failed", zap.Int64("project_id", id), zap.Error(err))
		response.Internal(c, "failed to delete project")
		return
	}
	response.NoContent(c)
}

// Expire handles POST /admin/projects/:id/expire, the manual path into the
// same cascade the scheduler uses.
func (h *Handler) Expire(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	p, err := h.repo.Expire(c.Request.Context(), id, time.Now().UTC())
	if err != nil {
		if errors.Is(err, ErrNotActive) {
			// The claim matches neither missing nor inactive rows; look the
			// project up so the two cases answer differently.
			if _, getErr := h.repo.GetByID(c.Request.Context(), id); errors.Is(getErr, pgx.ErrNoRows) {
				response.NotFound(c, "project not found")
				return
			}
			response.Conflict(c, "project is not active")
			return
		}
		h.logger.Error("expire project failed", zap.Int64("project_id", id), zap.Error(err))
		response.Internal(c, "failed to expire project")
		return
	}
	response.OK(c, p)
}
