package companies

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/portalmark/backend/internal/connections"
	"github.com/portalmark/backend/internal/models"
	"github.com/portalmark/backend/pkg/queue"
	"github.com/portalmark/backend/pkg/response"
	"github.com/portalmark/backend/pkg/storage"
)

// Handler exposes the admin company endpoints.
type Handler struct {
	repo     *Repository
	conns    *connections.Repository
	registry *connections.Registry
	queue    *queue.Queue
	logger   *zap.Logger
}

// NewHandler creates a companies handler.
func NewHandler(repo *Repository, conns *connections.Repository, registry *connections.Registry, q *queue.Queue, logger *zap.Logger) *Handler {
	return &Handler{repo: repo, conns: conns, registry: registry, queue: q, logger: logger}
}

// CreateCompanyRequest is the body for POST /admin/companies.
type CreateCompanyRequest struct {
	Name                  string     `json:"name" binding:"required"`
	ContactEmail          string     `json:"contact_email" binding:"omitempty,email"`
	StorageConnectionID   int64      `json:"storage_connection_id" binding:"required"`
	StoragePath           string     `json:"storage_path"`
	StorageQuotaBytes     int64      `json:"storage_quota_bytes"`
	SubscriptionTier      string     `json:"subscription_tier"`
	SubscriptionExpiresAt *time.Time `json:"subscription_expires_at"`
}

// UpdateCompanyRequest is the body for PATCH /admin/companies/:id. Nil fields
// keep their current value.
type UpdateCompanyRequest struct {
	Name                  *string    `json:"name"`
	ContactEmail          *string    `json:"contact_email" binding:"omitempty,email"`
	StorageQuotaBytes     *int64     `json:"storage_quota_bytes"`
	SubscriptionTier      *string    `json:"subscription_tier"`
	SubscriptionExpiresAt *time.Time `json:"subscription_expires_at"`
	IsActive              *bool      `json:"is_active"`
}

func idParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.BadRequest(c, "invalid company id")
		return 0, false
	}
	return id, true
}

// Create handles POST /admin/companies. The company row and its storage
// folders are not covered by one transaction: a folder failure leaves the
// company created but degraded.
func (h *Handler) Create(c *gin.Context) {
	var req CreateCompanyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if req.StorageQuotaBytes < 0 {
		response.BadRequest(c, "storage_quota_bytes must not be negative")
		return
	}
	ctx := c.Request.Context()

	conn, err := h.conns.GetByID(ctx, req.StorageConnectionID)
	if err != nil {
		response.BadRequest(c, "storage connection not found")
		return
	}
	if !conn.IsActive {
		response.BadRequest(c, "storage connection is disabled")
		return
	}
	// The seeded system connection is reserved for the default company.
	if conn.IsDefault && conn.Provider == models.ProviderLocal {
		response.BadRequest(c, "the default connection may not be used for client companies")
		return
	}

	tier := req.SubscriptionTier
	if tier == "" {
		tier = models.TierBasic
	}
	company := &models.Company{
		Name:                  req.Name,
		Slug:                  Slugify(req.Name),
		ContactEmail:          req.ContactEmail,
		StorageConnectionID:   conn.ID,
		StoragePath:           req.StoragePath,
		StorageQuotaBytes:     req.StorageQuotaBytes,
		SubscriptionTier:      tier,
		SubscriptionExpiresAt: req.SubscriptionExpiresAt,
	}
	if err := h.repo.Create(ctx, company); err != nil {
		h.logger.Error("create company failed", zap.String("name", req.Name), zap.Error(err))
		response.Internal(c, "failed to create company")
		return
	}

	h.provision(ctx, company)
	response.Created(c, company)
}

// provision creates the purpose subfolders for a company, best effort. On
// failure the company is flagged degraded and a notification raised; the
// admin can re-run provisioning later.
func (h *Handler) provision(ctx context.Context, company *models.Company) {
	err := h.createFolders(ctx, company)
	if err == nil {
		if company.StorageStatus != models.StorageStatusOK {
			if uerr := h.repo.SetStorageStatus(ctx, company.ID, models.StorageStatusOK); uerr == nil {
				company.StorageStatus = models.StorageStatusOK
			}
		}
		return
	}

	h.logger.Warn("company folder provisioning failed",
		zap.Int64("company_id", company.ID), zap.String("slug", company.Slug), zap.Error(err))
	if uerr := h.repo.SetStorageStatus(ctx, company.ID, models.StorageStatusDegraded); uerr != nil {
		h.logger.Error("set degraded storage status failed", zap.Int64("company_id", company.ID), zap.Error(uerr))
	} else {
		company.StorageStatus = models.StorageStatusDegraded
	}
	payload := queue.SendNotificationPayload{
		CompanyID: company.ID,
		Kind:      models.NotificationStorageDegraded,
		Subject:   "Storage folders could not be created",
		Message:   "folder provisioning failed: " + err.Error(),
		Metadata:  map[string]string{"storage_path": company.StoragePath},
	}
	if qerr := h.queue.EnqueueSendNotification(ctx, payload); qerr != nil {
		h.logger.Error("enqueue storage_degraded notification failed",
			zap.Int64("company_id", company.ID), zap.Error(qerr))
	}
}

func (h *Handler) createFolders(ctx context.Context, company *models.Company) error {
	provider, err := h.registry.Provider(ctx, company.StorageConnectionID)
	if err != nil {
		return err
	}
	for _, folder := range storage.CompanyFolders(company.StoragePath) {
		if err := provider.CreateFolder(ctx, folder); err != nil && !errors.Is(err, storage.ErrExists) {
			return err
		}
	}
	return nil
}

// List handles GET /admin/companies.
func (h *Handler) List(c *gin.Context) {
	list, err := h.repo.List(c.Request.Context())
	if err != nil {
		h.logger.Error("list companies failed", zap.Error(err))
		response.Internal(c, "failed to list companies")
		return
	}
	response.OK(c, list)
}

// Get handles GET /admin/companies/:id.
func (h *Handler) Get(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	company, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.NotFound(c, "company not found")
		return
	}
	response.OK(c, company)
}

// Update handles PATCH /admin/companies/:id. The slug and storage connection
// are immutable; moving a company between backends is a manual migration.
func (h *Handler) Update(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req UpdateCompanyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	company, err := h.repo.Update(c.Request.Context(), id, UpdateParams{
		Name:                  req.Name,
		ContactEmail:          req.ContactEmail,
		StorageQuotaBytes:     req.StorageQuotaBytes,
		SubscriptionTier:      req.SubscriptionTier,
		SubscriptionExpiresAt: req.SubscriptionExpiresAt,
		IsActive:              req.IsActive,
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			response.NotFound(c, "company not found")
			return
		}
		h.logger.Error("update company failed", zap.Int64("company_id", id), zap.Error(err))
		response.Internal(c, "failed to update company")
		return
	}
	response.OK(c, company)
}

// Delete handles DELETE /admin/companies/:id. This is the hard path: all
// projects, content, videos, schedules, and notifications go with it.
func (h *Handler) Delete(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := h.repo.Delete(c.Request.Context(), id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			response.NotFound(c, "company not found")
			return
		}
		h.logger.Error("delete company failed", zap.Int64("company_id", id), zap.Error(err))
		response.Internal(c, "failed to delete company")
		return
	}
	response.NoContent(c)
}

// Provision handles POST /admin/companies/:id/provision, re-running folder
// creation for a degraded company.
func (h *Handler) Provision(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	company, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.NotFound(c, "company not found")
		return
	}
	h.provision(c.Request.Context(), company)
	response.OK(c, company)
}

// Usage handles GET /admin/companies/:id/usage. It asks the provider for
// fresh numbers and reconciles the stored counter.
func (h *Handler) Usage(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	company, err := h.repo.GetByID(ctx, id)
	if err != nil {
		response.NotFound(c, "company not found")
		return
	}
	provider, err := h.registry.Provider(ctx, company.StorageConnectionID)
	if err != nil {
		response.ServiceUnavailable(c, "storage backend unavailable")
		return
	}
	usage, err := provider.Usage(ctx, company.StoragePath)
	if err != nil {
		h.logger.Warn("usage probe failed", zap.Int64("company_id", id), zap.Error(err))
		response.ServiceUnavailable(c, "storage backend unavailable")
		return
	}
	if err := h.repo.SetUsedBytes(ctx, id, usage.UsedBytes); err != nil {
		h.logger.Warn("record usage failed", zap.Int64("company_id", id), zap.Error(err))
	}
	response.OK(c, gin.H{
		"used_bytes":  usage.UsedBytes,
		"quota_bytes": company.StorageQuotaBytes,
	})
}
