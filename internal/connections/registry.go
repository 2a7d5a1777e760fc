package connections

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/portalmark/backend/config"
	"github.com/portalmark/backend/internal/models"
	"github.com/portalmark/backend/pkg/storage"
)

// Registry builds and caches one storage.Provider per connection. Entries
// are evicted explicitly when a connection or its credentials change.
type Registry struct {
	cfg    *config.Config
	repo   *Repository
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[int64]storage.Provider
}

// NewRegistry creates a provider registry.
func NewRegistry(cfg *config.Config, repo *Repository, logger *zap.Logger) *Registry {
	return &Registry{
		cfg:    cfg,
		repo:   repo,
		logger: logger,
		cache:  make(map[int64]storage.Provider),
	}
}

// Provider returns the provider for a connection id, building it on first
// use. Disabled connections are refused.
func (g *Registry) Provider(ctx context.Context, id int64) (storage.Provider, error) {
	g.mu.RLock()
	p, ok := g.cache[id]
	g.mu.RUnlock()
	if ok {
		return p, nil
	}

	conn, err := g.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load connection %d: %w", id, err)
	}
	if !conn.IsActive {
		return nil, fmt.Errorf("connection %d (%s) is disabled", id, conn.Name)
	}
	p, err = g.build(ctx, conn)
	if err != nil {
		return nil, err
	}
	p = storage.Instrument(p)

	g.mu.Lock()
	g.cache[id] = p
	g.mu.Unlock()
	return p, nil
}

// Invalidate evicts a cached provider after a connection change.
func (g *Registry) Invalidate(id int64) {
	g.mu.Lock()
	delete(g.cache, id)
	g.mu.Unlock()
}

func (g *Registry) build(ctx context.Context, conn *models.StorageConnection) (storage.Provider, error) {
	switch conn.Provider {
	case models.ProviderLocal:
		base := g.cfg.Storage.LocalBasePath
		publicURL := strings.TrimRight(g.cfg.Storage.PublicBaseURL, "/") + "/files"
		if conn.BasePath != "" {
			base = filepath.Join(base, conn.BasePath)
			publicURL += "/" + strings.Trim(conn.BasePath, "/")
		}
		return storage.NewLocal(base, publicURL)

	case models.ProviderS3:
		return storage.NewS3(ctx, g.s3Config(conn), g.logger)

	case models.ProviderCloudDisk:
		apiBase := conn.Credentials["api_base"]
		if apiBase == "" {
			apiBase = g.cfg.CloudDisk.APIBase
		}
		src := &storeTokenSource{ctx: ctx, repo: g.repo, id: conn.ID}
		return storage.NewCloudDisk(storage.CloudDiskConfig{
			APIBase:  apiBase,
			BasePath: conn.BasePath,
		}, src), nil

	default:
		return nil, fmt.Errorf("unknown storage provider %q", conn.Provider)
	}
}

// s3Config maps connection credentials onto the provider config, falling
// back to environment defaults for any omitted field.
func (g *Registry) s3Config(conn *models.StorageConnection) storage.S3Config {
	creds := conn.Credentials
	def := g.cfg.S3

	pick := func(key, fallback string) string {
		if v, ok := creds[key]; ok && v != "" {
			return v
		}
		return fallback
	}
	pickBool := func(key string, fallback bool) bool {
		if v, ok := creds[key]; ok && v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				return b
			}
		}
		return fallback
	}

	return storage.S3Config{
		Region:               pick("region", def.Region),
		Endpoint:             pick("endpoint", def.Endpoint),
		UseTLS:               pickBool("use_tls", def.UseTLS),
		UsePathStyle:         pickBool("use_path_style", def.UsePathStyle),
		AccessKeyID:          pick("access_key_id", def.AccessKeyID),
		SecretAccessKey:      pick("secret_access_key", def.SecretAccessKey),
		Bucket:               pick("bucket", def.Bucket),
		MarkersBucket:        pick("markers_bucket", def.MarkersBucket),
		VideosBucket:         pick("videos_bucket", def.VideosBucket),
		ThumbnailsBucket:     pick("thumbnails_bucket", def.ThumbnailsBucket),
		PublicRead:           pickBool("public_read", def.PublicRead),
		PresignExpireMinutes: def.PresignExpireMinutes,
	}
}

// storeTokenSource yields the connection's current access token on every
// call. The background refresher keeps the stored token fresh; this source
// never refreshes on its own.
type storeTokenSource struct {
	ctx  context.Context
	repo *Repository
	id   int64
}

func (s *storeTokenSource) Token() (*oauth2.Token, error) {
	conn, err := s.repo.GetByID(s.ctx, s.id)
	if err != nil {
		return nil, err
	}
	tok := &oauth2.Token{
		AccessToken:  conn.Credentials["access_token"],
		RefreshToken: conn.Credentials["refresh_token"],
		TokenType:    "Bearer",
	}
	if exp := conn.Credentials["expires_at"]; exp != "" {
		if t, err := time.Parse(time.RFC3339, exp); err == nil {
			tok.Expiry = t
		}
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("connection %d has no access token", s.id)
	}
	return tok, nil
}
