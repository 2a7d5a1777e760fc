package content

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"mime/multipart"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/portalmark/backend/internal/models"
	"github.com/portalmark/backend/pkg/response"
	"github.com/portalmark/backend/pkg/storage"
)

// UploadVideo handles POST /admin/content/:id/videos: multipart form
// with the video file plus client-supplied dimensions and duration. The
// first video becomes the active one.
func (h *Handler) UploadVideo(c *gin.Context) {
	ctx := c.Request.Context()
	contentID, ok := idParam(c, "id")
	if !ok {
		return
	}
	file, err := c.FormFile("video")
	if err != nil {
		response.BadRequest(c, "video file is required")
		return
	}
	ext := strings.ToLower(path.Ext(file.Filename))
	mime, known := videoMimeByExt[ext]
	if !known {
		response.BadRequest(c, "unsupported video type "+ext+"; use mp4, mov, or webm")
		return
	}

	ac, err := h.repo.GetByID(ctx, contentID)
	if err != nil {
		response.NotFound(c, "ar content not found")
		return
	}
	company, err := h.companies.GetByID(ctx, ac.CompanyID)
	if err != nil {
		h.logger.Error("load company failed", zap.Int64("company_id", ac.CompanyID), zap.Error(err))
		response.Internal(c, "failed to load company")
		return
	}
	provider, err := h.registry.Provider(ctx, company.StorageConnectionID)
	if err != nil {
		response.ServiceUnavailable(c, "storage backend unavailable")
		return
	}

	tmp := h.scratchPath(ext)
	hash8, err := stageWithHash(file, tmp)
	if err != nil {
		h.logger.Error("stage upload failed", zap.Error(err))
		response.Internal(c, "failed to stage upload")
		return
	}
	defer os.Remove(tmp)

	key := storage.VideoKey(company.StoragePath, hash8, file.Filename)
	url, err := provider.Upload(ctx, tmp, key, mime)
	if err != nil {
		h.logger.Error("video upload failed", zap.String("key", key), zap.Error(err))
		response.ServiceUnavailable(c, "storage upload failed")
		return
	}

	title := c.PostForm("title")
	if title == "" {
		title = strings.TrimSuffix(path.Base(file.Filename), ext)
	}
	v := &models.Video{
		ARContentID:     contentID,
		Title:           title,
		VideoPath:       key,
		VideoURL:        url,
		DurationSeconds: formFloat(c, "duration_seconds"),
		Width:           formInt(c, "width"),
		Height:          formInt(c, "height"),
		MimeType:        mime,
		RotationOrder:   formInt(c, "rotation_order"),
	}
	if err := h.repo.CreateVideo(ctx, v); err != nil {
		if derr := provider.Delete(ctx, key); derr != nil {
			h.logger.Warn("orphaned video cleanup failed", zap.String("key", key), zap.Error(derr))
		}
		h.logger.Error("create video failed", zap.Int64("ar_content_id", contentID), zap.Error(err))
		response.Internal(c, "failed to create video")
		return
	}
	if err := h.companies.AddUsedBytes(ctx, company.ID, file.Size); err != nil {
		h.logger.Warn("usage accounting failed", zap.Int64("company_id", company.ID), zap.Error(err))
	}
	response.Created(c, v)
}

// stageWithHash writes the upload to tmp while hashing it, returning the
// first eight hex chars of the SHA-256 for collision-free keys.
func stageWithHash(file *multipart.FileHeader, tmp string) (string, error) {
	src, err := file.Open()
	if err != nil {
		return "", err
	}
	defer src.Close()

	dst, err := os.Create(tmp)
	if err != nil {
		return "", err
	}
	defer dst.Close()

	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(dst, hasher), src); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil))[:8], nil
}

func formFloat(c *gin.Context, key string) float64 {
	f, err := strconv.ParseFloat(c.PostForm(key), 64)
	if err != nil || f < 0 {
		return 0
	}
	return f
}

func formInt(c *gin.Context, key string) int {
	n, err := strconv.Atoi(c.PostForm(key))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// ListVideos handles GET /admin/content/:id/videos.
func (h *Handler) ListVideos(c *gin.Context) {
	contentID, ok := idParam(c, "id")
	if !ok {
		return
	}
	videos, err := h.repo.ListVideos(c.Request.Context(), contentID)
	if err != nil {
		h.logger.Error("list videos failed", zap.Int64("ar_content_id", contentID), zap.Error(err))
		response.Internal(c, "failed to list videos")
		return
	}
	response.OK(c, videos)
}

// ownsVideo rejects video routes whose video does not belong to the content
// in the path. Mismatches read as 404, same as a missing video.
func (h *Handler) ownsVideo(c *gin.Context, contentID, videoID int64) bool {
	v, err := h.repo.GetVideo(c.Request.Context(), videoID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			response.NotFound(c, "video not found")
		} else {
			h.logger.Error("load video failed", zap.Int64("video_id", videoID), zap.Error(err))
			response.Internal(c, "failed to load video")
		}
		return false
	}
	if v.ARContentID != contentID {
		response.NotFound(c, "video not found")
		return false
	}
	return true
}

// UpdateVideoRequest is the body for PATCH /admin/content/:id/videos/:video_id.
type UpdateVideoRequest struct {
	Title           *string  `json:"title"`
	DurationSeconds *float64 `json:"duration_seconds"`
	Width           *int     `json:"width"`
	Height          *int     `json:"height"`
	RotationOrder   *int     `json:"rotation_order"`
}

// UpdateVideo handles PATCH /admin/content/:id/videos/:video_id.
func (h *Handler) UpdateVideo(c *gin.Context) {
	contentID, ok := idParam(c, "id")
	if !ok {
		return
	}
	videoID, ok := idParam(c, "video_id")
	if !ok {
		return
	}
	var req UpdateVideoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if !h.ownsVideo(c, contentID, videoID) {
		return
	}
	v, err := h.repo.UpdateVideo(c.Request.Context(), videoID, VideoUpdateParams{
		Title:           req.Title,
		DurationSeconds: req.DurationSeconds,
		Width:           req.Width,
		Height:          req.Height,
		RotationOrder:   req.RotationOrder,
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			response.NotFound(c, "video not found")
			return
		}
		h.logger.Error("update video failed", zap.Int64("video_id", videoID), zap.Error(err))
		response.Internal(c, "failed to update video")
		return
	}
	response.OK(c, v)
}

// DeleteVideo handles DELETE /admin/content/:id/videos/:video_id.
func (h *Handler) DeleteVideo(c *gin.Context) {
	contentID, ok := idParam(c, "id")
	if !ok {
		return
	}
	videoID, ok := idParam(c, "video_id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if !h.ownsVideo(c, contentID, videoID) {
		return
	}
	v, err := h.repo.DeleteVideo(ctx, videoID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			response.NotFound(c, "video not found")
			return
		}
		if errors.Is(err, ErrActiveVideo) {
			response.Conflict(c, "video is active; activate another video first")
			return
		}
		h.logger.Error("delete video failed", zap.Int64("video_id", videoID), zap.Error(err))
		response.Internal(c, "failed to delete video")
		return
	}

	if ac, aerr := h.repo.GetByID(ctx, contentID); aerr == nil {
		h.deleteObjects(ctx, ac.CompanyID, v.VideoPath)
	}
	response.NoContent(c)
}

// ActivateVideo handles POST /admin/content/:id/videos/:video_id/activate.
// It runs the same compound swap the rotation sweep uses, so the one-active
// invariant holds under concurrent writes.
func (h *Handler) ActivateVideo(c *gin.Context) {
	contentID, ok := idParam(c, "id")
	if !ok {
		return
	}
	videoID, ok := idParam(c, "video_id")
	if !ok {
		return
	}
	err := h.repo.RotateActiveVideo(c.Request.Context(), contentID, videoID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			response.NotFound(c, "ar content or video not found")
			return
		}
		if errors.Is(err, ErrVideoMismatch) {
			response.BadRequest(c, "video belongs to a different ar content")
			return
		}
		h.logger.Error("activate video failed",
			zap.Int64("ar_content_id", contentID), zap.Int64("video_id", videoID), zap.Error(err))
		response.Internal(c, "failed to activate video")
		return
	}
	v, err := h.repo.GetVideo(c.Request.Context(), videoID)
	if err != nil {
		response.NoContent(c)
		return
	}
	response.OK(c, v)
}
