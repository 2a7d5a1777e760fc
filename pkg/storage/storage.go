// Package storage provides a uniform interface over the storage backends that
// hold marker images, compiled markers, and overlay videos: the node-local
// filesystem, S3-compatible object stores, and OAuth-authenticated cloud disks.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Purpose subfolders created under every company's storage path.
const (
	FolderMarkers    = "markers"
	FolderVideos     = "videos"
	FolderThumbnails = "thumbnails"
	FolderContent    = "content"
)

// Typed error classes. Providers wrap backend failures into one of these so
// callers can decide between retry, notification, and plain 404.
var (
	// ErrNotFound means the key (or folder) does not exist on the backend.
	ErrNotFound = errors.New("storage: not found")
	// ErrPermission means the backend rejected the credentials or the
	// operation. Not retriable.
	ErrPermission = errors.New("storage: permission denied")
	// ErrExists means the target already exists; CreateFolder callers may
	// treat it as success.
	ErrExists = errors.New("storage: already exists")
	// ErrTransient covers network failures, timeouts, and backend 5xx.
	// Retriable with backoff.
	ErrTransient = errors.New("storage: transient failure")
)

// OpError carries provider, operation, and key context for a failed call.
type OpError struct {
	Provider string
	Op       string
	Key      string
	Err      error
}

func (e *OpError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s %q: %v", e.Provider, e.Op, e.Key, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// opErr wraps err with call context, preserving the typed class for errors.Is.
func opErr(provider, op, key string, err error) error {
	return &OpError{Provider: provider, Op: op, Key: key, Err: err}
}

// Status is the result of a connection test.
type Status struct {
	OK      bool          `json:"ok"`
	Latency time.Duration `json:"latency_ms"`
	Error   string        `json:"error,omitempty"`
}

// Entry is one object or folder in a listing.
type Entry struct {
	Key        string    `json:"key"`
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	IsDir      bool      `json:"is_dir"`
	ModifiedAt time.Time `json:"modified_at,omitempty"`
}

// Usage reports consumed space under a path. QuotaBytes is zero when the
// backend does not expose a quota.
type Usage struct {
	UsedBytes  int64 `json:"used_bytes"`
	QuotaBytes int64 `json:"quota_bytes,omitempty"`
}

// Provider is the capability interface every backend implements. Keys are
// slash-separated paths relative to the connection's base; implementations are
// safe for concurrent use.
type Provider interface {
	// Kind returns the provider tag (local, s3, cloud_disk).
	Kind() string
	// Test probes the backend and reports reachability plus latency.
	Test(ctx context.Context) Status
	// Upload stores the file at localPath under key and returns a URL for it.
	// For cloud-disk backends the URL is ephemeral; call ResolveURL at read
	// time instead of persisting it.
	Upload(ctx context.Context, localPath, key, contentType string) (string, error)
	// Download fetches key into localPath, creating parent directories.
	Download(ctx context.Context, key, localPath string) error
	// Delete removes the object at key.
	Delete(ctx context.Context, key string) error
	// List returns the entries under folder. With recursive false only the
	// immediate children are returned.
	List(ctx context.Context, folder string, recursive bool) ([]Entry, error)
	// CreateFolder creates the folder path (and parents where the backend
	// requires it).
	CreateFolder(ctx context.Context, path string) error
	// Usage sums object sizes under path.
	Usage(ctx context.Context, path string) (Usage, error)
	// StableURLs reports whether URLs returned by Upload/ResolveURL stay valid
	// indefinitely and may be persisted or cached.
	StableURLs() bool
	// ResolveURL mints a URL for an existing key.
	ResolveURL(ctx context.Context, key string) (string, error)
}

// CompanyFolders returns the purpose subfolders provisioned for a company
// under its storage path.
func CompanyFolders(storagePath string) []string {
	return []string{
		joinKey(storagePath, FolderMarkers),
		joinKey(storagePath, FolderVideos),
		joinKey(storagePath, FolderThumbnails),
		joinKey(storagePath, FolderContent),
	}
}
