package connections

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/portalmark/backend/internal/models"
	"github.com/portalmark/backend/pkg/response"
)

// stateTTL is how long an OAuth authorization may stay pending.
const stateTTL = 10 * time.Minute

// pendingOAuth is the connection the operator asked for, parked until the
// provider redirects back with a code.
type pendingOAuth struct {
	Name        string
	BasePath    string
	MakeDefault bool
}

// OAuthStart handles GET /admin/oauth/:provider/start. It parks the requested
// connection under a state nonce and redirects to the provider's consent
// page.
func (h *Handler) OAuthStart(c *gin.Context) {
	if c.Param("provider") != models.ProviderCloudDisk {
		response.BadRequest(c, "oauth is only supported for cloud_disk connections")
		return
	}
	name := c.Query("name")
	if name == "" {
		response.BadRequest(c, "name is required")
		return
	}
	pending := pendingOAuth{
		Name:        name,
		BasePath:    c.Query("base_path"),
		MakeDefault: c.Query("make_default") == "true",
	}
	state := uuid.New().String()
	h.states.Set(state, pending, stateTTL)

	url := h.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline)
	c.Redirect(http.StatusFound, url)
}

// OAuthCallback handles GET /oauth/:provider/callback. It exchanges the
// code, stores the connection with sealed tokens, runs a first connection
// test, and hands the result to the opener window.
func (h *Handler) OAuthCallback(c *gin.Context) {
	if c.Param("provider") != models.ProviderCloudDisk {
		response.BadRequest(c, "oauth is only supported for cloud_disk connections")
		return
	}
	state := c.Query("state")
	code := c.Query("code")
	if state == "" || code == "" {
		response.BadRequest(c, "missing code or state")
		return
	}
	v, ok := h.states.Get(state)
	if !ok {
		response.BadRequest(c, "unknown or expired state")
		return
	}
	h.states.Delete(state)
	pending := v.(pendingOAuth)

	ctx, cancel := context.WithTimeout(c.Request.Context(), exchangeTimeout)
	defer cancel()
	tok, err := h.oauth.Exchange(ctx, code)
	if err != nil {
		h.logger.Error("oauth exchange failed", zap.Error(err))
		response.BadRequest(c, "authorization exchange failed")
		return
	}

	creds := map[string]string{
		"access_token":  tok.AccessToken,
		"refresh_token": tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		creds["expires_at"] = tok.Expiry.UTC().Format(time.RFC3339)
	}

	conn := &models.StorageConnection{
		Name:        pending.Name,
		Provider:    models.ProviderCloudDisk,
		Credentials: creds,
		BasePath:    pending.BasePath,
		IsDefault:   pending.MakeDefault,
		IsActive:    true,
	}
	if err := h.repo.Create(c.Request.Context(), conn); err != nil {
		h.logger.Error("create cloud-disk connection failed", zap.Error(err))
		response.Internal(c, "failed to store connection")
		return
	}
	h.testAndRecord(c.Request.Context(), conn.ID)

	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, oauthDonePage, conn.ID)
}

// oauthDonePage notifies the opener window and closes the popup.
const oauthDonePage = `<!doctype html>
<html><body>
<p>Storage connected. You can close this window.</p>
<script>
if (window.opener) {
  window.opener.postMessage({type: "storage-connected", connection_id: %d}, "*");
}
window.close();
</script>
</body></html>`

// testAndRecord runs a connection test and stores the outcome. Best effort:
// a failing first test leaves the connection usable for retry.
func (h *Handler) testAndRecord(ctx context.Context, connID int64) {
	provider, err := h.registry.Provider(ctx, connID)
	if err != nil {
		h.logger.Warn("provider build failed after connect", zap.Int64("connection_id", connID), zap.Error(err))
		return
	}
	st := provider.Test(ctx)
	status := models.TestStatusOK
	if !st.OK {
		status = models.TestStatusFailed
	}
	if err := h.repo.MarkTested(ctx, connID, status, st.Error); err != nil {
		h.logger.Warn("record connection test failed", zap.Int64("connection_id", connID), zap.Error(err))
	}
}

func newStateCache() *cache.Cache {
	return cache.New(stateTTL, 2*stateTTL)
}
