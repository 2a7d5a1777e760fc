package connections

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/portalmark/backend/config"
	"github.com/portalmark/backend/internal/models"
)

func connWithCreds(creds map[string]string) *models.StorageConnection {
	return &models.StorageConnection{
		ID:          7,
		Provider:    models.ProviderCloudDisk,
		Credentials: creds,
		IsActive:    true,
	}
}

func TestTokenExpiringBy(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	deadline := now.Add(refreshWindow)

	cases := []struct {
		name  string
		creds map[string]string
		want  bool
	}{
		{"no refresh token", map[string]string{"access_token": "a"}, false},
		{"no expiry recorded", map[string]string{"access_token": "a", "refresh_token": "r"}, false},
		{"unparseable expiry", map[string]string{"refresh_token": "r", "expires_at": "soon"}, true},
		{"already expired", map[string]string{"refresh_token": "r", "expires_at": now.Add(-time.Hour).Format(time.RFC3339)}, true},
		{"inside window", map[string]string{"refresh_token": "r", "expires_at": now.Add(2 * time.Minute).Format(time.RFC3339)}, true},
		{"beyond window", map[string]string{"refresh_token": "r", "expires_at": now.Add(time.Hour).Format(time.RFC3339)}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tokenExpiringBy(connWithCreds(tc.creds), deadline))
		})
	}
}

func tokenEndpoint(t *testing.T, status int, body string) *oauth2.Config {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return &oauth2.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		Endpoint:     oauth2.Endpoint{TokenURL: srv.URL},
	}
}

func TestPermanentOAuthError(t *testing.T) {
	cfg := tokenEndpoint(t, http.StatusBadRequest, `{"error":"invalid_grant"}`)
	_, err := cfg.TokenSource(context.Background(), &oauth2.Token{RefreshToken: "revoked"}).Token()
	require.Error(t, err)
	assert.True(t, permanentOAuthError(err), "invalid_grant must not be retried")
}

func TestTransientOAuthError(t *testing.T) {
	cfg := tokenEndpoint(t, http.StatusInternalServerError, `oops`)
	_, err := cfg.TokenSource(context.Background(), &oauth2.Token{RefreshToken: "r"}).Token()
	require.Error(t, err)
	assert.False(t, permanentOAuthError(err), "backend 5xx should be retried next cycle")
}

func TestRefreshExchange(t *testing.T) {
	cfg := tokenEndpoint(t, http.StatusOK,
		`{"access_token":"new-access","refresh_token":"new-refresh","token_type":"Bearer","expires_in":3600}`)

	tok, err := cfg.TokenSource(context.Background(), &oauth2.Token{RefreshToken: "old-refresh"}).Token()
	require.NoError(t, err)
	assert.Equal(t, "new-access", tok.AccessToken)
	assert.Equal(t, "new-refresh", tok.RefreshToken)
	assert.True(t, tok.Expiry.After(time.Now().Add(30*time.Minute)))
}

func TestOAuthConfigFromEnv(t *testing.T) {
	cfg := &config.Config{}
	cfg.CloudDisk.ClientID = "cid"
	cfg.CloudDisk.ClientSecret = "csecret"
	cfg.CloudDisk.AuthURL = "https://oauth.example/authorize"
	cfg.CloudDisk.TokenURL = "https://oauth.example/token"
	cfg.CloudDisk.RedirectURL = "https://portalmark.example/api/connections/oauth/callback"

	oc := OAuthConfig(cfg)
	assert.Equal(t, "cid", oc.ClientID)
	assert.Equal(t, "https://oauth.example/token", oc.Endpoint.TokenURL)
	assert.Contains(t, oc.AuthCodeURL("state-1"), "state=state-1")
}
