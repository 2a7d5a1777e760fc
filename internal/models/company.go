package models

import (
	"time"
)

// Company storage statuses. A company whose storage folders could not be
// provisioned is degraded until an admin re-runs folder creation.
const (
	StorageStatusOK       = "ok"
	StorageStatusDegraded = "degraded"
)

// Subscription tiers.
const (
	TierBasic      = "basic"
	TierPro        = "pro"
	TierEnterprise = "enterprise"
)

// Company is a client company owning projects and AR content.
type Company struct {
	ID                    int64      `json:"id"`
	Name                  string     `json:"name"`
	Slug                  string     `json:"slug"`
	ContactEmail          string     `json:"contact_email"`
	StorageConnectionID   int64      `json:"storage_connection_id"`
	StoragePath           string     `json:"storage_path"`
	StorageQuotaBytes     int64      `json:"storage_quota_bytes"`
	StorageUsedBytes      int64      `json:"storage_used_bytes"`
	StorageStatus         string     `json:"storage_status"`
	SubscriptionTier      string     `json:"subscription_tier"`
	SubscriptionExpiresAt *time.Time `json:"subscription_expires_at,omitempty"`
	IsActive              bool       `json:"is_active"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}
