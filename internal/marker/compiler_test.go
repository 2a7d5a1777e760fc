package marker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portalmark/backend/config"
)

// fakeCompiler writes a shell script standing in for the real binary. It is
// invoked as `script -i <image> -o <marker> -max-features <n>`, so $2 is the
// image and $4 the output path.
func fakeCompiler(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "compiler.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func newTestCompiler(binary string, timeoutSec int) *Compiler {
	return NewCompiler(config.CompilerConfig{
		BinaryPath:  binary,
		MaxFeatures: 500,
		TimeoutSec:  timeoutSec,
	})
}

func TestCompileSuccess(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "img.jpg")
	require.NoError(t, os.WriteFile(img, []byte("jpegdata"), 0o644))

	bin := fakeCompiler(t, `echo "scale 0 features: 120"
echo "features: 480"
cp "$2" "$4"
`)
	out := filepath.Join(dir, "out.mind")
	res, err := newTestCompiler(bin, 10).Compile(context.Background(), img, out)
	require.NoError(t, err)

	assert.Equal(t, out, res.OutputPath)
	require.NotNil(t, res.FeaturePoints)
	assert.Equal(t, 480, *res.FeaturePoints, "last reported count wins")

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "jpegdata", string(data))
}

func TestCompileNonZeroExit(t *testing.T) {
	bin := fakeCompiler(t, `echo "cannot read image" >&2
exit 3
`)
	out := filepath.Join(t.TempDir(), "out.mind")
	_, err := newTestCompiler(bin, 10).Compile(context.Background(), "in.jpg", out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot read image")
}

func TestCompileNoArtifact(t *testing.T) {
	bin := fakeCompiler(t, `echo "features: 10"`)
	out := filepath.Join(t.TempDir(), "out.mind")
	_, err := newTestCompiler(bin, 10).Compile(context.Background(), "in.jpg", out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no marker")
}

func TestCompileTimeout(t *testing.T) {
	bin := fakeCompiler(t, `sleep 5`)
	out := filepath.Join(t.TempDir(), "out.mind")

	start := time.Now()
	_, err := newTestCompiler(bin, 1).Compile(context.Background(), "in.jpg", out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestParseFeatureCount(t *testing.T) {
	n, ok := parseFeatureCount("features: 123")
	assert.True(t, ok)
	assert.Equal(t, 123, n)

	n, ok = parseFeatureCount("FEATURES=88")
	assert.True(t, ok)
	assert.Equal(t, 88, n)

	n, ok = parseFeatureCount("scale 0 features: 10\nscale 1 features: 20\nfeatures: 30")
	assert.True(t, ok)
	assert.Equal(t, 30, n)

	_, ok = parseFeatureCount("nothing to see")
	assert.False(t, ok)

	_, ok = parseFeatureCount("")
	assert.False(t, ok)
}
