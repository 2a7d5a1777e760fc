// Package marker runs the marker-generation pipeline: it claims content rows,
// feeds their source images through the external compiler and records the
// resulting artifacts.
package marker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/portalmark/backend/config"
)

// Compiler invokes the external marker compiler binary. The contract is
// `<binary> -i <image> -o <marker> -max-features <n>`; the binary writes the
// marker file and reports the detected feature count on stdout as
// "features: N".
type Compiler struct {
	binary      string
	maxFeatures int
	timeout     time.Duration
}

// NewCompiler builds a compiler from the configured binary path and limits.
func NewCompiler(cfg config.CompilerConfig) *Compiler {
	return &Compiler{
		binary:      cfg.BinaryPath,
		maxFeatures: cfg.MaxFeatures,
		timeout:     cfg.Timeout(),
	}
}

// Result describes one successful compile.
type Result struct {
	OutputPath    string
	FeaturePoints *int
	Elapsed       time.Duration
}

// Compile runs the binary against imagePath, writing the marker to outPath.
// The run is killed at the configured timeout.
func (c *Compiler) Compile(ctx context.Context, imagePath, outPath string) (*Result, error) {
	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, c.binary,
		"-i", imagePath,
		"-o", outPath,
		"-max-features", strconv.Itoa(c.maxFeatures),
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if cctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("compiler timed out after %s", c.timeout)
	}
	if err != nil {
		return nil, fmt.Errorf("compiler: %w: %s", err, tail(&stderr))
	}
	if fi, statErr := os.Stat(outPath); statErr != nil || fi.Size() == 0 {
		return nil, fmt.Errorf("compiler exited 0 but wrote no marker at %s", outPath)
	}

	res := &Result{OutputPath: outPath, Elapsed: time.Since(start)}
	if n, ok := parseFeatureCount(stdout.String()); ok {
		res.FeaturePoints = &n
	}
	return res, nil
}

var featureLine = regexp.MustCompile(`(?i)features?\s*[:=]\s*(\d+)`)

// parseFeatureCount returns the last feature count the compiler printed. The
// binary logs per-scale counts while it runs; the final line carries the
// total.
func parseFeatureCount(out string) (int, bool) {
	matches := featureLine.FindAllStringSubmatch(out, -1)
	if len(matches) == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(matches[len(matches)-1][1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// tail trims stderr for error messages, keeping the end where compilers put
// the actual failure.
func tail(b *bytes.Buffer) string {
	s := strings.TrimSpace(b.String())
	if len(s) > 400 {
		s = "..." + s[len(s)-400:]
	}
	return s
}
