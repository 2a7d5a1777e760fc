package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/portalmark/backend/internal/content"
	"github.com/portalmark/backend/internal/models"
	"github.com/portalmark/backend/pkg/storage"
)

type fakeStore struct {
	uid uuid.UUID
	m   *content.Manifest
	err error
}

func (f *fakeStore) GetManifest(_ context.Context, uid uuid.UUID) (*content.Manifest, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.m == nil || uid != f.uid {
		return nil, pgx.ErrNoRows
	}
	return f.m, nil
}

type fakeProvider struct {
	stable   bool
	resolved map[string]int
}

func (f *fakeProvider) Kind() string { return "fake" }

func (f *fakeProvider) Test(context.Context) storage.Status { return storage.Status{OK: true} }

func (f *fakeProvider) Upload(_ context.Context, _, key, _ string) (string, error) {
	return "https://up.example.com/" + key, nil
}

func (f *fakeProvider) Download(context.Context, string, string) error { return nil }

func (f *fakeProvider) Delete(context.Context, string) error { return nil }

func (f *fakeProvider) List(context.Context, string, bool) ([]storage.Entry, error) { return nil, nil }

func (f *fakeProvider) CreateFolder(context.Context, string) error { return nil }

func (f *fakeProvider) Usage(context.Context, string) (storage.Usage, error) {
	return storage.Usage{}, nil
}

func (f *fakeProvider) StableURLs() bool { return f.stable }

func (f *fakeProvider) ResolveURL(_ context.Context, key string) (string, error) {
	if f.resolved == nil {
		f.resolved = map[string]int{}
	}
	f.resolved[key]++
	return fmt.Sprintf("https://fresh.example.com/%s?n=%d", key, f.resolved[key]), nil
}

type fakeRegistry struct {
	provider storage.Provider
	err      error
}

func (f *fakeRegistry) Provider(context.Context, int64) (storage.Provider, error) {
	return f.provider, f.err
}

func sampleManifest(uid uuid.UUID) *content.Manifest {
	return &content.Manifest{
		Content: models.ARContent{
			ID:         7,
			UniqueID:   uid,
			Title:      "Lobby Poster",
			MarkerPath: "acme/markers/7.mind",
			MarkerURL:  "https://cdn.example.com/acme/markers/7.mind",
			IsActive:   true,
		},
		ActiveVideo: &models.Video{
			ID:              12,
			ARContentID:     7,
			VideoPath:       "acme/videos/12.mp4",
			VideoURL:        "https://cdn.example.com/acme/videos/12.mp4",
			Width:           1920,
			Height:          1080,
			DurationSeconds: 12.5,
			MimeType:        "video/mp4",
			IsActive:        true,
		},
		CompanyName:         "Acme",
		ProjectName:         "Spring Launch",
		ProjectStatus:       models.ProjectStatusActive,
		StorageConnectionID: 1,
		StoragePath:         "acme",
	}
}

func testRouter(store *fakeStore, registry providerSource) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewHandler(store, registry, zap.NewNop())
	r := gin.New()
	r.GET("/content/:uuid", h.Manifest)
	r.GET("/content/:uuid/active-video", h.ActiveVideo)
	r.GET("/view/:uuid", h.ViewPage)
	return r
}

func get(t *testing.T, r *gin.Engine, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	r.ServeHTTP(w, req)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	var body struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.True(t, body.Success)
	require.NoError(t, json.Unmarshal(body.Data, out))
}

func TestManifest(t *testing.T) {
	uid := uuid.New()
	store := &fakeStore{uid: uid, m: sampleManifest(uid)}
	r := testRouter(store, &fakeRegistry{provider: &fakeProvider{stable: true}})

	w := get(t, r, "/content/"+uid.String())
	require.Equal(t, http.StatusOK, w.Code)

	var m ContentManifest
	decodeData(t, w, &m)
	assert.Equal(t, uid.String(), m.UniqueID)
	assert.Equal(t, "Lobby Poster", m.Title)
	assert.Equal(t, "https://cdn.example.com/acme/markers/7.mind", m.MarkerURL)
	require.NotNil(t, m.ActiveVideo)
	assert.Equal(t, "https://cdn.example.com/acme/videos/12.mp4", m.ActiveVideo.URL)
	assert.Equal(t, 1920, m.ActiveVideo.Width)
	assert.Equal(t, 1080, m.ActiveVideo.Height)
	assert.InDelta(t, 12.5, m.ActiveVideo.DurationSeconds, 0.001)
	assert.Equal(t, "video/mp4", m.ActiveVideo.MimeType)
	assert.Equal(t, "Acme", m.Company)
	assert.Equal(t, "Spring Launch", m.Project)
}

func TestManifestGating(t *testing.T) {
	uid := uuid.New()

	inactive := sampleManifest(uid)
	inactive.Content.IsActive = false

	// An expired project hides its content even while the content row itself
	// is still flagged active.
	expired := sampleManifest(uid)
	expired.ProjectStatus = models.ProjectStatusExpired

	cases := []struct {
		name string
		m    *content.Manifest
		path string
	}{
		{"unknown uuid", nil, "/content/" + uuid.New().String()},
		{"invalid uuid", nil, "/content/not-a-uuid"},
		{"content deactivated", inactive, "/content/" + uid.String()},
		{"project expired", expired, "/content/" + uid.String()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := &fakeStore{uid: uid, m: tc.m}
			r := testRouter(store, &fakeRegistry{provider: &fakeProvider{stable: true}})
			w := get(t, r, tc.path)
			assert.Equal(t, http.StatusNotFound, w.Code)
		})
	}
}

func TestManifestMintsEphemeralURLs(t *testing.T) {
	uid := uuid.New()
	provider := &fakeProvider{stable: false}
	store := &fakeStore{uid: uid, m: sampleManifest(uid)}
	r := testRouter(store, &fakeRegistry{provider: provider})

	w := get(t, r, "/content/"+uid.String())
	require.Equal(t, http.StatusOK, w.Code)

	var m ContentManifest
	decodeData(t, w, &m)
	assert.Equal(t, "https://fresh.example.com/acme/markers/7.mind?n=1", m.MarkerURL)
	assert.Equal(t, "https://fresh.example.com/acme/videos/12.mp4?n=1", m.ActiveVideo.URL)

	// A second hit inside the TTL reuses the minted links instead of asking
	// the backend again.
	w = get(t, r, "/content/"+uid.String())
	decodeData(t, w, &m)
	assert.Equal(t, "https://fresh.example.com/acme/markers/7.mind?n=1", m.MarkerURL)
	assert.Equal(t, 1, provider.resolved["acme/markers/7.mind"])
	assert.Equal(t, 1, provider.resolved["acme/videos/12.mp4"])
}

func TestManifestProviderUnavailable(t *testing.T) {
	uid := uuid.New()
	store := &fakeStore{uid: uid, m: sampleManifest(uid)}
	r := testRouter(store, &fakeRegistry{err: errors.New("connection disabled")})

	w := get(t, r, "/content/"+uid.String())
	require.Equal(t, http.StatusOK, w.Code)

	var m ContentManifest
	decodeData(t, w, &m)
	assert.Equal(t, "https://cdn.example.com/acme/markers/7.mind", m.MarkerURL, "stored URL is the fallback")
}

func TestActiveVideo(t *testing.T) {
	uid := uuid.New()
	store := &fakeStore{uid: uid, m: sampleManifest(uid)}
	r := testRouter(store, &fakeRegistry{provider: &fakeProvider{stable: true}})

	w := get(t, r, "/content/"+uid.String()+"/active-video")
	require.Equal(t, http.StatusOK, w.Code)

	var v ManifestVideo
	decodeData(t, w, &v)
	assert.Equal(t, "https://cdn.example.com/acme/videos/12.mp4", v.URL)
	assert.Equal(t, "video/mp4", v.MimeType)
}

func TestActiveVideoMissing(t *testing.T) {
	uid := uuid.New()
	m := sampleManifest(uid)
	m.ActiveVideo = nil
	store := &fakeStore{uid: uid, m: m}
	r := testRouter(store, &fakeRegistry{provider: &fakeProvider{stable: true}})

	w := get(t, r, "/content/"+uid.String()+"/active-video")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestViewPage(t *testing.T) {
	uid := uuid.New()
	store := &fakeStore{uid: uid, m: sampleManifest(uid)}
	r := testRouter(store, &fakeRegistry{provider: &fakeProvider{stable: true}})

	w := get(t, r, "/view/"+uid.String())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), uid.String())
	assert.Contains(t, w.Body.String(), "Lobby Poster")
}

func TestViewPageGated(t *testing.T) {
	uid := uuid.New()
	m := sampleManifest(uid)
	m.ProjectStatus = models.ProjectStatusExpired
	store := &fakeStore{uid: uid, m: m}
	r := testRouter(store, &fakeRegistry{provider: &fakeProvider{stable: true}})

	w := get(t, r, "/view/"+uid.String())
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "not available")
}
