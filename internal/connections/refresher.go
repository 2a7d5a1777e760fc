package connections

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/portalmark/backend/config"
	"github.com/portalmark/backend/internal/models"
	"github.com/portalmark/backend/pkg/queue"
)

const (
	// refreshWindow is how far ahead of expiry tokens are refreshed.
	refreshWindow = 5 * time.Minute
	// exchangeTimeout bounds one refresh round-trip.
	exchangeTimeout = 10 * time.Second
)

// Refresher keeps cloud-disk access tokens fresh. It runs on its own loop:
// every interval it refreshes tokens expiring within the next five minutes
// and atomically swaps them into the store. Permanent refresh failures mark
// the connection broken and fan out credential_failed notifications.
type Refresher struct {
	repo     *Repository
	registry *Registry
	queue    *queue.Queue
	oauth    *oauth2.Config
	logger   *zap.Logger
	interval time.Duration
	now      func() time.Time
}

// NewRefresher creates a token refresher.
func NewRefresher(repo *Repository, registry *Registry, q *queue.Queue, cfg *config.Config, logger *zap.Logger) *Refresher {
	interval := cfg.Scheduler.TokenRefreshInterval()
	if interval <= 0 {
		interval = time.Minute
	}
	return &Refresher{
		repo:     repo,
		registry: registry,
		queue:    q,
		oauth:    OAuthConfig(cfg),
		logger:   logger,
		interval: interval,
		now:      time.Now,
	}
}

// OAuthConfig builds the cloud-disk OAuth client from configuration.
func OAuthConfig(cfg *config.Config) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.CloudDisk.ClientID,
		ClientSecret: cfg.CloudDisk.ClientSecret,
		RedirectURL:  cfg.CloudDisk.RedirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.CloudDisk.AuthURL,
			TokenURL: cfg.CloudDisk.TokenURL,
		},
	}
}

// Start runs the refresh loop until ctx is done.
func (r *Refresher) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("token refresher started", zap.Duration("interval", r.interval))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("token refresher stopped")
			return
		case <-ticker.C:
			if _, err := r.RefreshDue(ctx); err != nil {
				r.logger.Error("refresh pass failed", zap.Error(err))
			}
		}
	}
}

// RefreshDue refreshes every cloud-disk token expiring within the window.
// Returns how many tokens were swapped.
func (r *Refresher) RefreshDue(ctx context.Context) (int, error) {
	conns, err := r.repo.ListActiveByProvider(ctx, models.ProviderCloudDisk)
	if err != nil {
		return 0, err
	}
	deadline := r.now().Add(refreshWindow)
	refreshed := 0
	for i := range conns {
		conn := &conns[i]
		if !tokenExpiringBy(conn, deadline) {
			continue
		}
		if err := r.refresh(ctx, conn); err != nil {
			r.logger.Warn("token refresh failed",
				zap.Int64("connection_id", conn.ID),
				zap.String("name", conn.Name),
				zap.Error(err))
			continue
		}
		refreshed++
	}
	return refreshed, nil
}

// RefreshOne refreshes a single connection regardless of its expiry window.
// Used by the refresh_tokens job and the admin refresh action.
func (r *Refresher) RefreshOne(ctx context.Context, connID int64) error {
	conn, err := r.repo.GetByID(ctx, connID)
	if err != nil {
		return err
	}
	if conn.Provider != models.ProviderCloudDisk {
		return fmt.Errorf("connection %d is not OAuth-backed", connID)
	}
	return r.refresh(ctx, conn)
}

// tokenExpiringBy reports whether the stored token needs a refresh before
// deadline. Tokens without a refresh token or an expiry never qualify.
func tokenExpiringBy(conn *models.StorageConnection, deadline time.Time) bool {
	if conn.Credentials["refresh_token"] == "" {
		return false
	}
	exp := conn.Credentials["expires_at"]
	if exp == "" {
		return false
	}
	t, err := time.Parse(time.RFC3339, exp)
	if err != nil {
		return true // unparseable expiry: refresh to repair the blob
	}
	return !t.After(deadline)
}

func (r *Refresher) refresh(ctx context.Context, conn *models.StorageConnection) error {
	exCtx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()

	src := r.oauth.TokenSource(exCtx, &oauth2.Token{RefreshToken: conn.Credentials["refresh_token"]})
	tok, err := src.Token()
	if err != nil {
		if permanentOAuthError(err) {
			r.markBroken(ctx, conn, err)
		}
		return err
	}

	creds := make(map[string]string, len(conn.Credentials)+3)
	for k, v := range conn.Credentials {
		creds[k] = v
	}
	creds["access_token"] = tok.AccessToken
	if tok.RefreshToken != "" {
		creds["refresh_token"] = tok.RefreshToken
	}
	if !tok.Expiry.IsZero() {
		creds["expires_at"] = tok.Expiry.UTC().Format(time.RFC3339)
	} else {
		delete(creds, "expires_at")
	}

	if err := r.repo.SwapCredentials(ctx, conn.ID, creds); err != nil {
		return fmt.Errorf("swap credentials: %w", err)
	}
	r.registry.Invalidate(conn.ID)
	r.logger.Info("token refreshed",
		zap.Int64("connection_id", conn.ID),
		zap.String("name", conn.Name),
		zap.Time("expires_at", tok.Expiry))
	return nil
}

// permanentOAuthError reports whether the authorization server rejected the
// grant outright, as opposed to a transient transport failure.
func permanentOAuthError(err error) bool {
	var rerr *oauth2.RetrieveError
	if !errors.As(err, &rerr) {
		return false
	}
	if rerr.Response == nil {
		return false
	}
	code := rerr.Response.StatusCode
	return code == 400 || code == 401 || code == 403
}

func (r *Refresher) markBroken(ctx context.Context, conn *models.StorageConnection, cause error) {
	if err := r.repo.MarkTested(ctx, conn.ID, models.TestStatusBroken, cause.Error()); err != nil {
		r.logger.Error("mark connection broken failed", zap.Int64("connection_id", conn.ID), zap.Error(err))
		return
	}
	r.registry.Invalidate(conn.ID)

	companyIDs, err := r.repo.CompanyIDs(ctx, conn.ID)
	if err != nil {
		r.logger.Error("load companies for broken connection failed", zap.Int64("connection_id", conn.ID), zap.Error(err))
		return
	}
	for _, companyID := range companyIDs {
		payload := queue.SendNotificationPayload{
			CompanyID: companyID,
			Kind:      models.NotificationCredentialFailed,
			Subject:   "Storage authorization expired",
			Message:   fmt.Sprintf("storage connection %q can no longer refresh its access token", conn.Name),
			Metadata: map[string]string{
				"connection_id": fmt.Sprintf("%d", conn.ID),
				"error":         cause.Error(),
			},
		}
		if err := r.queue.EnqueueSendNotification(ctx, payload); err != nil {
			r.logger.Error("enqueue credential_failed notification failed",
				zap.Int64("company_id", companyID), zap.Error(err))
		}
	}
}
