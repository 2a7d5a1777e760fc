package models

import (
	"time"
)

// Storage provider kinds.
const (
	ProviderLocal     = "local"
	ProviderS3        = "s3"
	ProviderCloudDisk = "cloud_disk"
)

// Connection test statuses.
const (
	TestStatusUntested = "untested"
	TestStatusOK       = "ok"
	TestStatusFailed   = "failed"
	// TestStatusBroken marks a connection whose credentials can no longer be
	// refreshed; it is skipped by uploads until re-authorized.
	TestStatusBroken = "broken"
)

// StorageConnection is a configured storage backend instance. Credentials are
// opaque to the repository layer; providers interpret them. They are encrypted
// at rest and never serialized into API responses.
type StorageConnection struct {
	ID           int64             `json:"id"`
	Name         string            `json:"name"`
	Provider     string            `json:"provider"`
	Credentials  map[string]string `json:"-"`
	BasePath     string            `json:"base_path"`
	IsDefault    bool              `json:"is_default"`
	IsActive     bool              `json:"is_active"`
	LastTestedAt *time.Time        `json:"last_tested_at,omitempty"`
	TestStatus   string            `json:"test_status"`
	TestError    string            `json:"test_error,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// ValidProvider reports whether p names a known storage backend.
func ValidProvider(p string) bool {
	switch p {
	case ProviderLocal, ProviderS3, ProviderCloudDisk:
		return true
	}
	return false
}
