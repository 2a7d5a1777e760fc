package storage

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

const testDiskToken = "disk-access-token"

// fakeDisk emulates the cloud-disk REST API: href-based uploads and
// downloads, folder resources, and whole-disk accounting.
type fakeDisk struct {
	mu      sync.Mutex
	files   map[string][]byte
	folders map[string]bool
	srv     *httptest.Server
}

func newFakeDisk(t *testing.T) *fakeDisk {
	t.Helper()
	d := &fakeDisk{
		files:   map[string][]byte{},
		folders: map[string]bool{},
	}
	d.srv = httptest.NewServer(http.HandlerFunc(d.handle))
	t.Cleanup(d.srv.Close)
	return d
}

func (d *fakeDisk) handle(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+testDiskToken && !strings.HasPrefix(r.URL.Path, "/up") && !strings.HasPrefix(r.URL.Path, "/dl") {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	p := r.URL.Query().Get("path")
	switch {
	case r.URL.Path == "/" && r.Method == http.MethodGet:
		var used int64
		for _, b := range d.files {
			used += int64(len(b))
		}
		json.NewEncoder(w).Encode(map[string]int64{"total_space": 1 << 30, "used_space": used})

	case r.URL.Path == "/resources/upload":
		json.NewEncoder(w).Encode(map[string]string{
			"href":   d.srv.URL + "/up?path=" + url.QueryEscape(p),
			"method": http.MethodPut,
		})

	case r.URL.Path == "/resources/download":
		if _, ok := d.files[p]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"href": d.srv.URL + "/dl?path=" + url.QueryEscape(p),
		})

	case r.URL.Path == "/up":
		body, _ := io.ReadAll(r.Body)
		d.files[p] = body
		w.WriteHeader(http.StatusCreated)

	case r.URL.Path == "/dl":
		b, ok := d.files[p]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(b)

	case r.URL.Path == "/resources" && r.Method == http.MethodPut:
		if d.folders[p] {
			w.WriteHeader(http.StatusConflict)
			return
		}
		d.folders[p] = true
		w.WriteHeader(http.StatusCreated)

	case r.URL.Path == "/resources" && r.Method == http.MethodDelete:
		if _, ok := d.files[p]; !ok && !d.folders[p] {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(d.files, p)
		delete(d.folders, p)
		w.WriteHeader(http.StatusNoContent)

	case r.URL.Path == "/resources" && r.Method == http.MethodGet:
		d.list(w, p)

	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

func (d *fakeDisk) list(w http.ResponseWriter, p string) {
	if !d.folders[p] {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	type item struct {
		Name string `json:"name"`
		Path string `json:"path"`
		Type string `json:"type"`
		Size int64  `json:"size"`
	}
	var items []item
	prefix := strings.TrimRight(p, "/") + "/"
	for f, b := range d.files {
		if strings.HasPrefix(f, prefix) && !strings.Contains(f[len(prefix):], "/") {
			items = append(items, item{Name: f[len(prefix):], Path: f, Type: "file", Size: int64(len(b))})
		}
	}
	for f := range d.folders {
		if strings.HasPrefix(f, prefix) && !strings.Contains(f[len(prefix):], "/") {
			items = append(items, item{Name: f[len(prefix):], Path: f, Type: "dir"})
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	json.NewEncoder(w).Encode(map[string]interface{}{
		"name": baseName(p), "path": p, "type": "dir",
		"_embedded": map[string]interface{}{"items": items},
	})
}

func baseName(p string) string {
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}

func newTestCloudDisk(t *testing.T, d *fakeDisk) *CloudDisk {
	t.Helper()
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: testDiskToken})
	return NewCloudDisk(CloudDiskConfig{APIBase: d.srv.URL, BasePath: "portalmark"}, src)
}

func TestCloudDiskUploadDownload(t *testing.T) {
	ctx := context.Background()
	d := newFakeDisk(t)
	c := newTestCloudDisk(t, d)

	src := writeTemp(t, "clip.mp4", "overlay-bytes")
	uploadURL, err := c.Upload(ctx, src, "acme/videos/ab12cd34_clip.mp4", "video/mp4")
	require.NoError(t, err)
	assert.Contains(t, uploadURL, "/dl?path=")

	assert.Equal(t, []byte("overlay-bytes"), d.files["/portalmark/acme/videos/ab12cd34_clip.mp4"])

	dst := filepath.Join(t.TempDir(), "out.mp4")
	require.NoError(t, c.Download(ctx, "acme/videos/ab12cd34_clip.mp4", dst))
	body, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "overlay-bytes", string(body))
}

func TestCloudDiskDownloadMissing(t *testing.T) {
	d := newFakeDisk(t)
	c := newTestCloudDisk(t, d)
	err := c.Download(context.Background(), "acme/markers/404.mind", filepath.Join(t.TempDir(), "out"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCloudDiskBadToken(t *testing.T) {
	d := newFakeDisk(t)
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "expired"})
	c := NewCloudDisk(CloudDiskConfig{APIBase: d.srv.URL, BasePath: "portalmark"}, src)

	st := c.Test(context.Background())
	assert.False(t, st.OK)
	assert.NotEmpty(t, st.Error)

	_, err := c.List(context.Background(), "acme", false)
	assert.ErrorIs(t, err, ErrPermission)
}

func TestCloudDiskCreateFolder(t *testing.T) {
	ctx := context.Background()
	d := newFakeDisk(t)
	c := newTestCloudDisk(t, d)

	require.NoError(t, c.CreateFolder(ctx, "acme/videos"))
	assert.True(t, d.folders["/portalmark"])
	assert.True(t, d.folders["/portalmark/acme"])
	assert.True(t, d.folders["/portalmark/acme/videos"])

	// Existing levels answer 409 and are tolerated.
	require.NoError(t, c.CreateFolder(ctx, "acme/videos"))
}

func TestCloudDiskList(t *testing.T) {
	ctx := context.Background()
	d := newFakeDisk(t)
	c := newTestCloudDisk(t, d)
	require.NoError(t, c.CreateFolder(ctx, "acme/videos"))

	for _, name := range []string{"a.mp4", "b.mp4"} {
		src := writeTemp(t, name, "data")
		_, err := c.Upload(ctx, src, "acme/videos/"+name, "video/mp4")
		require.NoError(t, err)
	}

	entries, err := c.List(ctx, "acme/videos", false)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "acme/videos/a.mp4", entries[0].Key)
	assert.Equal(t, "a.mp4", entries[0].Name)
	assert.EqualValues(t, 4, entries[0].Size)

	deep, err := c.List(ctx, "acme", true)
	require.NoError(t, err)
	var files int
	for _, e := range deep {
		if !e.IsDir {
			files++
		}
	}
	assert.Equal(t, 2, files)
}

func TestCloudDiskDelete(t *testing.T) {
	ctx := context.Background()
	d := newFakeDisk(t)
	c := newTestCloudDisk(t, d)

	src := writeTemp(t, "m.mind", "marker")
	_, err := c.Upload(ctx, src, "acme/markers/7.mind", "application/octet-stream")
	require.NoError(t, err)

	require.NoError(t, c.Delete(ctx, "acme/markers/7.mind"))
	err = c.Delete(ctx, "acme/markers/7.mind")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCloudDiskUsage(t *testing.T) {
	ctx := context.Background()
	d := newFakeDisk(t)
	c := newTestCloudDisk(t, d)

	src := writeTemp(t, "x.bin", "0123456789")
	_, err := c.Upload(ctx, src, "acme/content/x.bin", "")
	require.NoError(t, err)

	u, err := c.Usage(ctx, "acme")
	require.NoError(t, err)
	assert.EqualValues(t, 10, u.UsedBytes)
	assert.EqualValues(t, 1<<30, u.QuotaBytes)
}

func TestCloudDiskEphemeralURLs(t *testing.T) {
	d := newFakeDisk(t)
	c := newTestCloudDisk(t, d)
	assert.False(t, c.StableURLs())

	src := writeTemp(t, "p.jpg", "img")
	_, err := c.Upload(context.Background(), src, "acme/content/p.jpg", "image/jpeg")
	require.NoError(t, err)

	u, err := c.ResolveURL(context.Background(), "acme/content/p.jpg")
	require.NoError(t, err)
	assert.Contains(t, u, "path=%2Fportalmark%2Facme%2Fcontent%2Fp.jpg")
}
