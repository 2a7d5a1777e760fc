package content

import (
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/portalmark/backend/config"
	"github.com/portalmark/backend/internal/companies"
	"github.com/portalmark/backend/internal/connections"
	"github.com/portalmark/backend/internal/models"
	"github.com/portalmark/backend/internal/projects"
	"github.com/portalmark/backend/pkg/queue"
	"github.com/portalmark/backend/pkg/response"
	"github.com/portalmark/backend/pkg/storage"
)

var imageMimeByExt = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
}

var videoMimeByExt = map[string]string{
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".webm": "video/webm",
}

// Handler exposes the admin AR content and video endpoints.
type Handler struct {
	repo      *Repository
	projects  *projects.Repository
	companies *companies.Repository
	registry  *connections.Registry
	queue     *queue.Queue
	cfg       *config.Config
	logger    *zap.Logger
}

// NewHandler creates a content handler.
func NewHandler(repo *Repository, proj *projects.Repository, comp *companies.Repository,
	registry *connections.Registry, q *queue.Queue, cfg *config.Config, logger *zap.Logger) *Handler {
	return &Handler{
		repo:      repo,
		projects:  proj,
		companies: comp,
		registry:  registry,
		queue:     q,
		cfg:       cfg,
		logger:    logger,
	}
}

func idParam(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		response.BadRequest(c, "invalid "+name)
		return 0, false
	}
	return id, true
}

// scratchPath returns a unique temp path for a staged upload.
func (h *Handler) scratchPath(ext string) string {
	dir := h.cfg.Storage.ScratchDir
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "upload-"+uuid.NewString()+ext)
}

// Create handles POST /admin/content: multipart form with project_id,
// title, and the marker source image. The image is uploaded first; the row
// is only written once the object exists, and the marker job is enqueued
// last.
func (h *Handler) Create(c *gin.Context) {
	ctx := c.Request.Context()

	projectID, err := strconv.ParseInt(c.PostForm("project_id"), 10, 64)
	if err != nil || projectID <= 0 {
		response.BadRequest(c, "project_id is required")
		return
	}
	file, err := c.FormFile("image")
	if err != nil {
		response.BadRequest(c, "image file is required")
		return
	}
	ext := strings.ToLower(path.Ext(file.Filename))
	mime, ok := imageMimeByExt[ext]
	if !ok {
		response.BadRequest(c, "unsupported image type "+ext+"; use jpg or png")
		return
	}
	title := c.PostForm("title")
	if title == "" {
		title = strings.TrimSuffix(path.Base(file.Filename), ext)
	}

	project, err := h.projects.GetByID(ctx, projectID)
	if err != nil {
		response.BadRequest(c, "project not found")
		return
	}
	company, err := h.companies.GetByID(ctx, project.CompanyID)
	if err != nil {
		h.logger.Error("load company failed", zap.Int64("company_id", project.CompanyID), zap.Error(err))
		response.Internal(c, "failed to load company")
		return
	}
	provider, err := h.registry.Provider(ctx, company.StorageConnectionID)
	if err != nil {
		response.ServiceUnavailable(c, "storage backend unavailable")
		return
	}

	tmp := h.scratchPath(ext)
	if err := c.SaveUploadedFile(file, tmp); err != nil {
		h.logger.Error("stage upload failed", zap.Error(err))
		response.Internal(c, "failed to stage upload")
		return
	}
	defer os.Remove(tmp)

	uniqueID := uuid.New()
	key := storage.ContentImageKey(company.StoragePath, uniqueID.String(), file.Filename)
	url, err := provider.Upload(ctx, tmp, key, mime)
	if err != nil {
		h.logger.Error("image upload failed", zap.String("key", key), zap.Error(err))
		response.ServiceUnavailable(c, "storage upload failed")
		return
	}

	ac := &models.ARContent{
		ProjectID: project.ID,
		CompanyID: company.ID,
		UniqueID:  uniqueID,
		Title:     title,
		ImagePath: key,
		ImageURL:  url,
	}
	if err := h.repo.Create(ctx, ac); err != nil {
		if derr := provider.Delete(ctx, key); derr != nil {
			h.logger.Warn("orphaned image cleanup failed", zap.String("key", key), zap.Error(derr))
		}
		h.logger.Error("create ar content failed", zap.Error(err))
		response.Internal(c, "failed to create ar content")
		return
	}

	if err := h.queue.EnqueueGenerateMarker(ctx, queue.GenerateMarkerPayload{ARContentID: ac.ID}); err != nil {
		// Row stays pending; the admin can reset the marker to re-enqueue.
		h.logger.Error("enqueue marker job failed", zap.Int64("ar_content_id", ac.ID), zap.Error(err))
	}
	if err := h.companies.AddUsedBytes(ctx, company.ID, file.Size); err != nil {
		h.logger.Warn("usage accounting failed", zap.Int64("company_id", company.ID), zap.Error(err))
	}
	response.Created(c, ac)
}

// List handles GET /admin/content with optional project_id, company_id,
// and marker_status filters.
func (h *Handler) List(c *gin.Context) {
	var opts ListOptions
	if v := c.Query("project_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			response.BadRequest(c, "invalid project_id")
			return
		}
		opts.ProjectID = id
	}
	if v := c.Query("company_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			response.BadRequest(c, "invalid company_id")
			return
		}
		opts.CompanyID = id
	}
	opts.MarkerStatus = c.Query("marker_status")

	list, err := h.repo.List(c.Request.Context(), opts)
	if err != nil {
		h.logger.Error("list ar contents failed", zap.Error(err))
		response.Internal(c, "failed to list ar contents")
		return
	}
	response.OK(c, list)
}

// Get handles GET /admin/content/:id.
func (h *Handler) Get(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	ac, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.NotFound(c, "ar content not found")
		return
	}
	response.OK(c, ac)
}

// UpdateContentRequest is the body for PATCH /admin/content/:id. The
// image, marker fields, and unique_id are not editable; edits that need a
// new image create new content.
type UpdateContentRequest struct {
	Title    *string `json:"title"`
	IsActive *bool   `json:"is_active"`
}

// Update handles PATCH /admin/content/:id.
func (h *Handler) Update(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req UpdateContentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	ac, err := h.repo.Update(c.Request.Context(), id, UpdateParams{Title: req.Title, IsActive: req.IsActive})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			response.NotFound(c, "ar content not found")
			return
		}
		h.logger.Error("update ar content failed", zap.Int64("ar_content_id", id), zap.Error(err))
		response.Internal(c, "failed to update ar content")
		return
	}
	response.OK(c, ac)
}

// Delete handles DELETE /admin/content/:id. The row goes first; storage
// objects are cleaned up best effort afterwards.
func (h *Handler) Delete(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	ac, err := h.repo.GetByID(ctx, id)
	if err != nil {
		response.NotFound(c, "ar content not found")
		return
	}
	videos, err := h.repo.ListVideos(ctx, id)
	if err != nil {
		h.logger.Error("list videos for delete failed", zap.Int64("ar_content_id", id), zap.Error(err))
		response.Internal(c, "failed to delete ar content")
		return
	}
	if err := h.repo.Delete(ctx, id); err != nil {
		h.logger.Error("delete ar content failed", zap.Int64("ar_content_id", id), zap.Error(err))
		response.Internal(c, "failed to delete ar content")
		return
	}

	keys := []string{ac.ImagePath, ac.MarkerPath}
	for _, v := range videos {
		keys = append(keys, v.VideoPath)
	}
	h.deleteObjects(ctx, ac.CompanyID, keys...)
	response.NoContent(c)
}

// deleteObjects removes storage objects for a company, best effort.
// Failures only log: the rows are gone and a leaked object is reconciled by
// the usage sweep, not by failing the request.
func (h *Handler) deleteObjects(ctx context.Context, companyID int64, keys ...string) {
	company, err := h.companies.GetByID(ctx, companyID)
	if err != nil {
		h.logger.Warn("cleanup skipped: company gone", zap.Int64("company_id", companyID), zap.Error(err))
		return
	}
	provider, err := h.registry.Provider(ctx, company.StorageConnectionID)
	if err != nil {
		h.logger.Warn("cleanup skipped: provider unavailable", zap.Int64("company_id", companyID), zap.Error(err))
		return
	}
	for _, key := range keys {
		if key == "" {
			continue
		}
		if err := provider.Delete(ctx, key); err != nil && !errors.Is(err, storage.ErrNotFound) {
			h.logger.Warn("object cleanup failed", zap.String("key", key), zap.Error(err))
		}
	}
}

// ResetMarker handles POST /admin/content/:id/marker/reset, the explicit
// path back to pending that re-enqueues compilation.
func (h *Handler) ResetMarker(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	ac, err := h.repo.ResetMarker(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			response.NotFound(c, "ar content not found")
			return
		}
		h.logger.Error("reset marker failed", zap.Int64("ar_content_id", id), zap.Error(err))
		response.Internal(c, "failed to reset marker")
		return
	}
	if err := h.queue.EnqueueGenerateMarker(ctx, queue.GenerateMarkerPayload{ARContentID: id}); err != nil {
		h.logger.Error("enqueue marker job failed", zap.Int64("ar_content_id", id), zap.Error(err))
		response.Internal(c, "marker reset but job enqueue failed; retry the reset")
		return
	}
	response.OK(c, ac)
}
