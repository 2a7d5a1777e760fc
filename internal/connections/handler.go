package connections

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/portalmark/backend/internal/models"
	"github.com/portalmark/backend/pkg/database"
	"github.com/portalmark/backend/pkg/queue"
	"github.com/portalmark/backend/pkg/response"
	"github.com/portalmark/backend/pkg/storage"
)

// Handler exposes the admin storage-connection endpoints plus the OAuth
// connect flow for cloud disks.
type Handler struct {
	repo     *Repository
	registry *Registry
	queue    *queue.Queue
	oauth    *oauth2.Config
	states   *cache.Cache
	logger   *zap.Logger
}

// NewHandler creates a connections handler.
func NewHandler(repo *Repository, registry *Registry, q *queue.Queue, oauthCfg *oauth2.Config, logger *zap.Logger) *Handler {
	return &Handler{
		repo:     repo,
		registry: registry,
		queue:    q,
		oauth:    oauthCfg,
		states:   newStateCache(),
		logger:   logger,
	}
}

// CreateConnectionRequest is the body for POST /admin/connections. Credentials are
// provider specific: S3 keys, or pre-obtained cloud-disk tokens.
type CreateConnectionRequest struct {
	Name        string            `json:"name" binding:"required"`
	Provider    string            `json:"provider" binding:"required"`
	BasePath    string            `json:"base_path"`
	IsDefault   bool              `json:"is_default"`
	Credentials map[string]string `json:"credentials"`
}

// UpdateConnectionRequest is the body for PATCH /admin/connections/:id. Nil fields
// keep their current value; non-nil credentials replace the stored set.
type UpdateConnectionRequest struct {
	Name        *string           `json:"name"`
	BasePath    *string           `json:"base_path"`
	IsActive    *bool             `json:"is_active"`
	Credentials map[string]string `json:"credentials"`
}

// TestResult is the response of POST /connections/:id/test.
type TestResult struct {
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

func idParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.BadRequest(c, "invalid connection id")
		return 0, false
	}
	return id, true
}

// List handles GET /admin/connections.
func (h *Handler) List(c *gin.Context) {
	list, err := h.repo.List(c.Request.Context())
	if err != nil {
		h.logger.Error("list connections failed", zap.Error(err))
		response.Internal(c, "failed to list connections")
		return
	}
	response.OK(c, list)
}

// Get handles GET /admin/connections/:id.
func (h *Handler) Get(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	conn, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.NotFound(c, "connection not found")
		return
	}
	response.OK(c, conn)
}

// Create handles POST /admin/connections.
func (h *Handler) Create(c *gin.Context) {
	var req CreateConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if !models.ValidProvider(req.Provider) {
		response.BadRequest(c, "unknown provider: "+req.Provider)
		return
	}

	conn := &models.StorageConnection{
		Name:        req.Name,
		Provider:    req.Provider,
		Credentials: req.Credentials,
		BasePath:    req.BasePath,
		IsDefault:   req.IsDefault,
		IsActive:    true,
	}
	if err := h.repo.Create(c.Request.Context(), conn); err != nil {
		if database.IsUniqueViolation(err) {
			response.Conflict(c, "a default connection for this provider already exists")
			return
		}
		h.logger.Error("create connection failed", zap.Error(err))
		response.Internal(c, "failed to create connection")
		return
	}
	response.Created(c, conn)
}

// Update handles PATCH /admin/connections/:id.
func (h *Handler) Update(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req UpdateConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	conn, err := h.repo.Update(c.Request.Context(), id, UpdateParams{
		Name:        req.Name,
		BasePath:    req.BasePath,
		IsActive:    req.IsActive,
		Credentials: req.Credentials,
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			response.NotFound(c, "connection not found")
			return
		}
		h.logger.Error("update connection failed", zap.Int64("connection_id", id), zap.Error(err))
		response.Internal(c, "failed to update connection")
		return
	}
	h.registry.Invalidate(id)
	response.OK(c, conn)
}

// Delete handles DELETE /admin/connections/:id. Connections referenced by a
// company cannot be removed.
func (h *Handler) Delete(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := h.repo.Delete(c.Request.Context(), id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			response.NotFound(c, "connection not found")
			return
		}
		if database.IsForeignKeyViolation(err) {
			response.Conflict(c, "connection is in use by one or more companies")
			return
		}
		h.logger.Error("delete connection failed", zap.Int64("connection_id", id), zap.Error(err))
		response.Internal(c, "failed to delete connection")
		return
	}
	h.registry.Invalidate(id)
	response.NoContent(c)
}

// SetDefault handles POST /admin/connections/:id/default.
func (h *Handler) SetDefault(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := h.repo.SetDefault(c.Request.Context(), id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			response.NotFound(c, "connection not found")
			return
		}
		h.logger.Error("set default connection failed", zap.Int64("connection_id", id), zap.Error(err))
		response.Internal(c, "failed to set default connection")
		return
	}
	response.NoContent(c)
}

// Test handles POST /admin/connections/:id/test. It rebuilds the provider so the
// probe exercises the stored credentials, then records the outcome.
func (h *Handler) Test(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	h.registry.Invalidate(id)
	provider, err := h.registry.Provider(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			response.NotFound(c, "connection not found")
			return
		}
		response.BadRequest(c, err.Error())
		return
	}

	st := provider.Test(c.Request.Context())
	status := models.TestStatusOK
	if !st.OK {
		status = models.TestStatusFailed
	}
	if err := h.repo.MarkTested(c.Request.Context(), id, status, st.Error); err != nil {
		h.logger.Error("record connection test failed", zap.Int64("connection_id", id), zap.Error(err))
	}
	response.OK(c, TestResult{Status: status, LatencyMS: st.Latency.Milliseconds(), Error: st.Error})
}

// Refresh handles POST /admin/connections/:id/refresh. The exchange itself runs on
// the worker so a slow OAuth endpoint cannot stall the request.
func (h *Handler) Refresh(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	conn, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.NotFound(c, "connection not found")
		return
	}
	if conn.Provider != models.ProviderCloudDisk {
		response.BadRequest(c, "only cloud-disk connections hold refreshable tokens")
		return
	}
	if err := h.queue.EnqueueRefreshTokens(c.Request.Context(), queue.TokenRefreshPayload{ConnectionID: id}); err != nil {
		h.logger.Error("enqueue token refresh failed", zap.Int64("connection_id", id), zap.Error(err))
		response.Internal(c, "failed to schedule refresh")
		return
	}
	c.JSON(http.StatusAccepted, response.Body{Success: true, Data: gin.H{"connection_id": id, "scheduled": true}})
}

// Browse handles GET /admin/connections/:id/browse. With dirs=true only folders
// are returned, which is what the folder picker needs.
func (h *Handler) Browse(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	provider, err := h.registry.Provider(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			response.NotFound(c, "connection not found")
			return
		}
		response.BadRequest(c, err.Error())
		return
	}

	entries, err := provider.List(c.Request.Context(), c.Query("path"), false)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			response.NotFound(c, "path not found")
		case errors.Is(err, storage.ErrPermission):
			response.Forbidden(c, "storage backend rejected the request")
		default:
			h.logger.Error("browse failed", zap.Int64("connection_id", id), zap.Error(err))
			response.ServiceUnavailable(c, "storage backend unavailable")
		}
		return
	}

	if c.Query("dirs") == "true" {
		dirs := entries[:0]
		for _, e := range entries {
			if e.IsDir {
				dirs = append(dirs, e)
			}
		}
		entries = dirs
	}
	if entries == nil {
		entries = []storage.Entry{}
	}
	response.OK(c, entries)
}
