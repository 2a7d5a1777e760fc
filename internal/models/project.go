package models

import (
	"time"
)

// Project lifecycle statuses.
const (
	ProjectStatusActive   = "active"
	ProjectStatusExpired  = "expired"
	ProjectStatusArchived = "archived"
)

// DefaultNotifyBeforeExpiryDays is the warning window applied when a project
// does not override it.
const DefaultNotifyBeforeExpiryDays = 7

// Project groups AR content under a company with an optional expiry date.
// Expiry cascades deactivation to all content in the project.
type Project struct {
	ID                     int64      `json:"id"`
	CompanyID              int64      `json:"company_id"`
	Name                   string     `json:"name"`
	StartsAt               time.Time  `json:"starts_at"`
	ExpiresAt              *time.Time `json:"expires_at,omitempty"`
	Status                 string     `json:"status"`
	NotifyBeforeExpiryDays int        `json:"notify_before_expiry_days"`
	LastNotificationSentAt *time.Time `json:"last_notification_sent_at,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}
