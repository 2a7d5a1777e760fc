package notifications

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/portalmark/backend/pkg/response"
)

// Handler serves the admin notification feed.
type Handler struct {
	repo   *Repository
	logger *zap.Logger
}

// NewHandler creates a notifications handler.
func NewHandler(repo *Repository, logger *zap.Logger) *Handler {
	return &Handler{repo: repo, logger: logger}
}

// List handles GET /admin/notifications with optional company_id, project_id,
// kind, limit and offset query parameters.
func (h *Handler) List(c *gin.Context) {
	opts := ListOptions{
		Kind: c.Query("kind"),
	}
	if v := c.Query("company_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			response.BadRequest(c, "invalid company_id")
			return
		}
		opts.CompanyID = id
	}
	if v := c.Query("project_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			response.BadRequest(c, "invalid project_id")
			return
		}
		opts.ProjectID = id
	}
	opts.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	opts.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))

	list, err := h.repo.List(c.Request.Context(), opts)
	if err != nil {
		h.logger.Error("list notifications failed", zap.Error(err))
		response.Internal(c, "failed to list notifications")
		return
	}
	response.OK(c, list)
}
