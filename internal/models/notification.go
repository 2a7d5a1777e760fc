package models

import (
	"time"
)

// Notification kinds.
const (
	NotificationExpiryWarning    = "expiry_warning"
	NotificationExpired          = "expired"
	NotificationMarkerFailed     = "marker_failed"
	NotificationCredentialFailed = "credential_failed"
	NotificationStorageDegraded  = "storage_degraded"
)

// Notification is an append-only event visible in the admin feed. Rows are
// never mutated after insert.
type Notification struct {
	ID          int64             `json:"id"`
	CompanyID   int64             `json:"company_id"`
	ProjectID   *int64            `json:"project_id,omitempty"`
	ARContentID *int64            `json:"ar_content_id,omitempty"`
	Kind        string            `json:"kind"`
	Subject     string            `json:"subject"`
	Message     string            `json:"message"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}
