package storage

import (
	"context"

	"github.com/portalmark/backend/pkg/metrics"
)

// instrumented wraps a Provider and counts every call by provider kind, op
// and result.
type instrumented struct {
	p Provider
}

// Instrument returns p with operation counting attached.
func Instrument(p Provider) Provider {
	return &instrumented{p: p}
}

func (i *instrumented) record(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.StorageOps.WithLabelValues(i.p.Kind(), op, result).Inc()
}

func (i *instrumented) Kind() string { return i.p.Kind() }

func (i *instrumented) StableURLs() bool { return i.p.StableURLs() }

func (i *instrumented) Test(ctx context.Context) Status {
	st := i.p.Test(ctx)
	result := "ok"
	if !st.OK {
		result = "error"
	}
	metrics.StorageOps.WithLabelValues(i.p.Kind(), "test", result).Inc()
	return st
}

func (i *instrumented) Upload(ctx context.Context, localPath, key, contentType string) (string, error) {
	url, err := i.p.Upload(ctx, localPath, key, contentType)
	i.record("upload", err)
	return url, err
}

func (i *instrumented) Download(ctx context.Context, key, localPath string) error {
	err := i.p.Download(ctx, key, localPath)
	i.record("download", err)
	return err
}

func (i *instrumented) Delete(ctx context.Context, key string) error {
	err := i.p.Delete(ctx, key)
	i.record("delete", err)
	return err
}

func (i *instrumented) List(ctx context.Context, folder string, recursive bool) ([]Entry, error) {
	entries, err := i.p.List(ctx, folder, recursive)
	i.record("list", err)
	return entries, err
}

func (i *instrumented) CreateFolder(ctx context.Context, path string) error {
	err := i.p.CreateFolder(ctx, path)
	i.record("create_folder", err)
	return err
}

func (i *instrumented) Usage(ctx context.Context, path string) (Usage, error) {
	u, err := i.p.Usage(ctx, path)
	i.record("usage", err)
	return u, err
}

func (i *instrumented) ResolveURL(ctx context.Context, key string) (string, error) {
	url, err := i.p.ResolveURL(ctx, key)
	i.record("resolve_url", err)
	return url, err
}
