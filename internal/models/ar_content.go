package models

import (
	"time"

	"github.com/google/uuid"
)

// Marker compilation statuses.
const (
	MarkerStatusPending    = "pending"
	MarkerStatusProcessing = "processing"
	MarkerStatusReady      = "ready"
	MarkerStatusFailed     = "failed"
)

// MarkerRetriable reports whether a marker job may start from this status.
// Ready is terminal for the pipeline; admins reset to pending explicitly.
func MarkerRetriable(status string) bool {
	return status == MarkerStatusPending || status == MarkerStatusFailed
}

// ARContent binds one marker image to one or more overlay videos. UniqueID is
// the stable public identifier embedded in QR codes and viewer URLs; it never
// changes after creation.
type ARContent struct {
	ID                  int64      `json:"id"`
	ProjectID           int64      `json:"project_id"`
	CompanyID           int64      `json:"company_id"`
	UniqueID            uuid.UUID  `json:"unique_id"`
	Title               string     `json:"title"`
	ImagePath           string     `json:"image_path,omitempty"`
	ImageURL            string     `json:"image_url,omitempty"`
	MarkerPath          string     `json:"marker_path,omitempty"`
	MarkerURL           string     `json:"marker_url,omitempty"`
	MarkerStatus        string     `json:"marker_status"`
	MarkerFeaturePoints *int       `json:"marker_feature_points,omitempty"`
	IsActive            bool       `json:"is_active"`
	ActiveVideoID       *int64     `json:"active_video_id,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}
