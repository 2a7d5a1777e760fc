package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// CloudDiskConfig holds settings for an OAuth-backed cloud disk. APIBase is
// the provider's REST root; BasePath is the folder every key is placed under.
type CloudDiskConfig struct {
	APIBase  string
	BasePath string
	Timeout  time.Duration
}

// CloudDisk talks to a cloud-disk REST API with bearer-token auth. Uploads use
// the provider's two-step flow: request an upload href, then PUT the bytes to
// it. Download and overlay URLs are ephemeral and must be re-resolved on every
// read; never persist them.
type CloudDisk struct {
	cfg    CloudDiskConfig
	tokens oauth2.TokenSource
	client *http.Client
}

// NewCloudDisk creates a cloud-disk provider. tokens must yield a currently
// valid access token; the credential store refreshes the underlying grant.
func NewCloudDisk(cfg CloudDiskConfig, tokens oauth2.TokenSource) *CloudDisk {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &CloudDisk{
		cfg:    cfg,
		tokens: tokens,
		client: &http.Client{Timeout: timeout},
	}
}

// Kind returns the provider tag.
func (c *CloudDisk) Kind() string { return "cloud_disk" }

// StableURLs reports that cloud-disk URLs expire within minutes to hours and
// must not be cached or persisted.
func (c *CloudDisk) StableURLs() bool { return false }

func (c *CloudDisk) diskPath(key string) string {
	return "/" + joinKey(c.cfg.BasePath, key)
}

func (c *CloudDisk) do(ctx context.Context, method, endpoint string, query url.Values, out interface{}) error {
	u := strings.TrimRight(c.cfg.APIBase, "/") + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return err
	}
	tok, err := c.tokens.Token()
	if err != nil {
		return fmt.Errorf("%w: token: %v", ErrPermission, err)
	}
	tok.SetAuthHeader(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()
	if err := classifyHTTP(resp.StatusCode); err != nil {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(body)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode response: %v", ErrTransient, err)
		}
	}
	return nil
}

func classifyHTTP(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusConflict:
		return ErrExists
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrPermission
	case status >= 400 && status < 500:
		return ErrPermission
	default:
		return ErrTransient
	}
}

// hrefResponse is the disk API's answer to upload/download href requests.
type hrefResponse struct {
	Href   string `json:"href"`
	Method string `json:"method"`
}

// diskResource is one resource in the disk API's listing format.
type diskResource struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	Type     string    `json:"type"` // "dir" or "file"
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
	Embedded *struct {
		Items []diskResource `json:"items"`
	} `json:"_embedded,omitempty"`
}

// diskInfo is the disk API's root document with space accounting.
type diskInfo struct {
	TotalSpace int64 `json:"total_space"`
	UsedSpace  int64 `json:"used_space"`
}

// Test fetches the disk root document.
func (c *CloudDisk) Test(ctx context.Context) Status {
	start := time.Now()
	var info diskInfo
	if err := c.do(ctx, http.MethodGet, "/", nil, &info); err != nil {
		return Status{OK: false, Latency: time.Since(start), Error: err.Error()}
	}
	return Status{OK: true, Latency: time.Since(start)}
}

// Upload requests an upload href for key, then PUTs the file bytes to it.
// Returns an ephemeral download URL for the stored object.
func (c *CloudDisk) Upload(ctx context.Context, localPath, key, contentType string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", opErr("cloud_disk", "upload", key, fmt.Errorf("%w: source %s", ErrNotFound, localPath))
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return "", opErr("cloud_disk", "upload", key, err)
	}

	q := url.Values{"path": {c.diskPath(key)}, "overwrite": {"true"}}
	var href hrefResponse
	if err := c.do(ctx, http.MethodGet, "/resources/upload", q, &href); err != nil {
		return "", opErr("cloud_disk", "upload", key, err)
	}

	method := href.Method
	if method == "" {
		method = http.MethodPut
	}
	req, err := http.NewRequestWithContext(ctx, method, href.Href, f)
	if err != nil {
		return "", opErr("cloud_disk", "upload", key, err)
	}
	req.ContentLength = fi.Size()
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", opErr("cloud_disk", "upload", key, fmt.Errorf("%w: %v", ErrTransient, err))
	}
	defer resp.Body.Close()
	if err := classifyHTTP(resp.StatusCode); err != nil {
		return "", opErr("cloud_disk", "upload", key, err)
	}
	return c.ResolveURL(ctx, key)
}

// Download resolves a download href for key and streams it into localPath.
func (c *CloudDisk) Download(ctx context.Context, key, localPath string) error {
	href, err := c.downloadHref(ctx, key)
	if err != nil {
		return opErr("cloud_disk", "download", key, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, href, nil)
	if err != nil {
		return opErr("cloud_disk", "download", key, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return opErr("cloud_disk", "download", key, fmt.Errorf("%w: %v", ErrTransient, err))
	}
	defer resp.Body.Close()
	if err := classifyHTTP(resp.StatusCode); err != nil {
		return opErr("cloud_disk", "download", key, err)
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return opErr("cloud_disk", "download", key, err)
	}
	out, err := os.Create(localPath)
	if err != nil {
		return opErr("cloud_disk", "download", key, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return opErr("cloud_disk", "download", key, fmt.Errorf("%w: %v", ErrTransient, err))
	}
	return nil
}

func (c *CloudDisk) downloadHref(ctx context.Context, key string) (string, error) {
	q := url.Values{"path": {c.diskPath(key)}}
	var href hrefResponse
	if err := c.do(ctx, http.MethodGet, "/resources/download", q, &href); err != nil {
		return "", err
	}
	return href.Href, nil
}

// Delete removes the object at key permanently.
func (c *CloudDisk) Delete(ctx context.Context, key string) error {
	q := url.Values{"path": {c.diskPath(key)}, "permanently": {"true"}}
	if err := c.do(ctx, http.MethodDelete, "/resources", q, nil); err != nil {
		return opErr("cloud_disk", "delete", key, err)
	}
	return nil
}

// List returns entries under folder. The disk API has no recursive listing;
// recursive walks descend one level at a time.
func (c *CloudDisk) List(ctx context.Context, folder string, recursive bool) ([]Entry, error) {
	entries, err := c.listOne(ctx, folder)
	if err != nil {
		return nil, err
	}
	if !recursive {
		return entries, nil
	}
	var all []Entry
	for _, e := range entries {
		all = append(all, e)
		if e.IsDir {
			sub, err := c.List(ctx, e.Key, true)
			if err != nil {
				return nil, err
			}
			all = append(all, sub...)
		}
	}
	return all, nil
}

func (c *CloudDisk) listOne(ctx context.Context, folder string) ([]Entry, error) {
	q := url.Values{
		"path":  {c.diskPath(folder)},
		"limit": {"1000"},
	}
	var res diskResource
	if err := c.do(ctx, http.MethodGet, "/resources", q, &res); err != nil {
		return nil, opErr("cloud_disk", "list", folder, err)
	}
	if res.Embedded == nil {
		return nil, nil
	}
	entries := make([]Entry, 0, len(res.Embedded.Items))
	for _, item := range res.Embedded.Items {
		entries = append(entries, Entry{
			Key:        joinKey(folder, item.Name),
			Name:       item.Name,
			Size:       item.Size,
			IsDir:      item.Type == "dir",
			ModifiedAt: item.Modified.UTC(),
		})
	}
	return entries, nil
}

// CreateFolder creates path one level at a time, including the configured
// base path; already-existing levels are tolerated. The disk API refuses to
// create a folder whose parent is missing, so order matters.
func (c *CloudDisk) CreateFolder(ctx context.Context, path string) error {
	full := strings.Trim(joinKey(c.cfg.BasePath, path), "/")
	cur := ""
	for _, seg := range strings.Split(full, "/") {
		cur = joinKey(cur, seg)
		q := url.Values{"path": {"/" + cur}}
		err := c.do(ctx, http.MethodPut, "/resources", q, nil)
		if err != nil && !errors.Is(err, ErrExists) {
			return opErr("cloud_disk", "create_folder", path, err)
		}
	}
	return nil
}

// Usage reports the whole-disk accounting; the API exposes no per-folder sums.
func (c *CloudDisk) Usage(ctx context.Context, path string) (Usage, error) {
	var info diskInfo
	if err := c.do(ctx, http.MethodGet, "/", nil, &info); err != nil {
		return Usage{}, opErr("cloud_disk", "usage", path, err)
	}
	return Usage{UsedBytes: info.UsedSpace, QuotaBytes: info.TotalSpace}, nil
}

// ResolveURL mints a fresh ephemeral download URL for key.
func (c *CloudDisk) ResolveURL(ctx context.Context, key string) (string, error) {
	href, err := c.downloadHref(ctx, key)
	if err != nil {
		return "", opErr("cloud_disk", "resolve_url", key, err)
	}
	return href, nil
}
