package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocal(t *testing.T) *Local {
	t.Helper()
	l, err := NewLocal(t.TempDir(), "http://cdn.test/files")
	require.NoError(t, err)
	return l
}

func writeTemp(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLocalUploadDownload(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t)

	src := writeTemp(t, "marker.mind", "marker-bytes")
	url, err := l.Upload(ctx, src, "acme/markers/42.mind", "application/octet-stream")
	require.NoError(t, err)
	assert.Equal(t, "http://cdn.test/files/acme/markers/42.mind", url)

	dst := filepath.Join(t.TempDir(), "out.mind")
	require.NoError(t, l.Download(ctx, "acme/markers/42.mind", dst))
	body, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "marker-bytes", string(body))
}

func TestLocalDownloadMissing(t *testing.T) {
	l := newTestLocal(t)
	err := l.Download(context.Background(), "nope/missing.bin", filepath.Join(t.TempDir(), "out"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalDelete(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t)
	src := writeTemp(t, "v.mp4", "video")
	_, err := l.Upload(ctx, src, "acme/videos/ab12cd34_v.mp4", "video/mp4")
	require.NoError(t, err)

	require.NoError(t, l.Delete(ctx, "acme/videos/ab12cd34_v.mp4"))
	err = l.Delete(ctx, "acme/videos/ab12cd34_v.mp4")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalRejectsTraversal(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t)
	src := writeTemp(t, "x", "x")
	_, err := l.Upload(ctx, src, "../escape.txt", "text/plain")
	assert.ErrorIs(t, err, ErrPermission)

	err = l.Download(ctx, "../../etc/passwd", filepath.Join(t.TempDir(), "out"))
	assert.ErrorIs(t, err, ErrPermission)
}

func TestLocalList(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t)
	for _, key := range []string{"acme/videos/a.mp4", "acme/videos/b.mp4", "acme/markers/1.mind"} {
		src := writeTemp(t, filepath.Base(key), "data")
		_, err := l.Upload(ctx, src, key, "")
		require.NoError(t, err)
	}

	flat, err := l.List(ctx, "acme/videos", false)
	require.NoError(t, err)
	require.Len(t, flat, 2)
	assert.Equal(t, "acme/videos/a.mp4", flat[0].Key)
	assert.False(t, flat[0].IsDir)
	assert.EqualValues(t, 4, flat[0].Size)

	deep, err := l.List(ctx, "acme", true)
	require.NoError(t, err)
	var files, dirs int
	for _, e := range deep {
		if e.IsDir {
			dirs++
		} else {
			files++
		}
	}
	assert.Equal(t, 3, files)
	assert.Equal(t, 2, dirs)
}

func TestLocalCreateFolderAndUsage(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t)
	require.NoError(t, l.CreateFolder(ctx, "acme/thumbnails"))
	require.NoError(t, l.CreateFolder(ctx, "acme/thumbnails")) // idempotent

	src := writeTemp(t, "t.jpg", "0123456789")
	_, err := l.Upload(ctx, src, "acme/thumbnails/t.jpg", "image/jpeg")
	require.NoError(t, err)

	u, err := l.Usage(ctx, "acme")
	require.NoError(t, err)
	assert.EqualValues(t, 10, u.UsedBytes)
}

func TestLocalTest(t *testing.T) {
	l := newTestLocal(t)
	st := l.Test(context.Background())
	assert.True(t, st.OK)
	assert.Empty(t, st.Error)
}

func TestLocalStableURLs(t *testing.T) {
	l := newTestLocal(t)
	assert.True(t, l.StableURLs())

	url, err := l.ResolveURL(context.Background(), "acme/content/abc.jpg")
	require.NoError(t, err)
	assert.Equal(t, "http://cdn.test/files/acme/content/abc.jpg", url)
}

func TestOpErrorUnwraps(t *testing.T) {
	err := opErr("local", "download", "k", ErrNotFound)
	assert.ErrorIs(t, err, ErrNotFound)
	var oe *OpError
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, "download", oe.Op)
	assert.Equal(t, "k", oe.Key)
}
