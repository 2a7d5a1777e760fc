// Package viewer serves the public resolution API: the AR manifest, the
// active-video envelope, and the HTML shell the mobile viewer loads. Every
// gated miss is a plain 404; the viewer simply refuses to initialize.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/portalmark/backend/internal/content"
	"github.com/portalmark/backend/internal/models"
	"github.com/portalmark/backend/pkg/response"
	"github.com/portalmark/backend/pkg/storage"
)

// urlTTL bounds how long a minted ephemeral URL is reused. It must stay well
// under the provider's own link validity.
const urlTTL = 5 * time.Minute

// manifestStore is the slice of the content repository the viewer reads.
type manifestStore interface {
	GetManifest(ctx context.Context, uid uuid.UUID) (*content.Manifest, error)
}

// providerSource resolves storage providers by connection id.
type providerSource interface {
	Provider(ctx context.Context, id int64) (storage.Provider, error)
}

// Handler exposes the public viewer endpoints.
type Handler struct {
	repo     manifestStore
	registry providerSource
	urls     *cache.Cache
	logger   *zap.Logger
}

// NewHandler creates a viewer handler.
func NewHandler(repo manifestStore, registry providerSource, logger *zap.Logger) *Handler {
	return &Handler{
		repo:     repo,
		registry: registry,
		urls:     cache.New(urlTTL, 2*urlTTL),
		logger:   logger,
	}
}

// ManifestVideo is the active-video envelope inside the manifest.
type ManifestVideo struct {
	URL             string  `json:"url"`
	Width           int     `json:"width,omitempty"`
	Height          int     `json:"height,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	MimeType        string  `json:"mime_type,omitempty"`
}

// ContentManifest is the public AR manifest for one content UUID.
type ContentManifest struct {
	UniqueID    string         `json:"unique_id"`
	Title       string         `json:"title"`
	MarkerURL   string         `json:"marker_url,omitempty"`
	ActiveVideo *ManifestVideo `json:"active_video,omitempty"`
	Company     string         `json:"company"`
	Project     string         `json:"project"`
}

// resolve fetches and gates the manifest without writing a response. Missing,
// inactive and expired all collapse into the same nil, nil miss so a caller
// cannot tell them apart.
func (h *Handler) resolve(c *gin.Context) (*content.Manifest, error) {
	uid, err := uuid.Parse(c.Param("uuid"))
	if err != nil {
		return nil, nil
	}
	m, err := h.repo.GetManifest(c.Request.Context(), uid)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if !m.Content.IsActive || m.ProjectStatus != models.ProjectStatusActive {
		return nil, nil
	}
	return m, nil
}

// load resolves the manifest for the JSON endpoints, writing the miss and
// error responses itself.
func (h *Handler) load(c *gin.Context) (*content.Manifest, bool) {
	m, err := h.resolve(c)
	if err != nil {
		h.logger.Error("load manifest failed", zap.String("unique_id", c.Param("uuid")), zap.Error(err))
		response.Internal(c, "failed to load content")
		return nil, false
	}
	if m == nil {
		response.NotFound(c, "content not found")
		return nil, false
	}
	return m, true
}

// Manifest handles GET /content/:uuid.
func (h *Handler) Manifest(c *gin.Context) {
	m, ok := h.load(c)
	if !ok {
		return
	}
	response.OK(c, h.manifest(c.Request.Context(), m))
}

// ActiveVideo handles GET /content/:uuid/active-video.
func (h *Handler) ActiveVideo(c *gin.Context) {
	m, ok := h.load(c)
	if !ok {
		return
	}
	if m.ActiveVideo == nil {
		response.NotFound(c, "no active video")
		return
	}
	response.OK(c, h.video(c.Request.Context(), m))
}

func (h *Handler) manifest(ctx context.Context, m *content.Manifest) *ContentManifest {
	out := &ContentManifest{
		UniqueID:  m.Content.UniqueID.String(),
		Title:     m.Content.Title,
		MarkerURL: h.freshURL(ctx, m.StorageConnectionID, m.Content.MarkerPath, m.Content.MarkerURL),
		Company:   m.CompanyName,
		Project:   m.ProjectName,
	}
	if m.ActiveVideo != nil {
		out.ActiveVideo = h.video(ctx, m)
	}
	return out
}

func (h *Handler) video(ctx context.Context, m *content.Manifest) *ManifestVideo {
	v := m.ActiveVideo
	return &ManifestVideo{
		URL:             h.freshURL(ctx, m.StorageConnectionID, v.VideoPath, v.VideoURL),
		Width:           v.Width,
		Height:          v.Height,
		DurationSeconds: v.DurationSeconds,
		MimeType:        v.MimeType,
	}
}

// freshURL returns a servable URL for key. Stable providers serve the
// persisted URL; ephemeral providers mint a fresh link, cached briefly so hot
// content does not hammer the backend.
func (h *Handler) freshURL(ctx context.Context, connID int64, key, stored string) string {
	if key == "" {
		return stored
	}
	provider, err := h.registry.Provider(ctx, connID)
	if err != nil {
		h.logger.Warn("storage provider unavailable",
			zap.Int64("connection_id", connID), zap.Error(err))
		return stored
	}
	if provider.StableURLs() {
		return stored
	}

	cacheKey := fmt.Sprintf("%d:%s", connID, key)
	if v, ok := h.urls.Get(cacheKey); ok {
		return v.(string)
	}
	u, err := provider.ResolveURL(ctx, key)
	if err != nil {
		h.logger.Warn("resolve url failed", zap.String("key", key), zap.Error(err))
		return stored
	}
	h.urls.Set(cacheKey, u, cache.DefaultExpiration)
	return u
}
