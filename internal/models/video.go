package models

import (
	"time"
)

// Video is one overlay video attached to an AR content item. At most one video
// per content is active at any instant; the scheduler and admin writes both
// maintain that invariant.
type Video struct {
	ID              int64     `json:"id"`
	ARContentID     int64     `json:"ar_content_id"`
	Title           string    `json:"title"`
	VideoPath       string    `json:"video_path,omitempty"`
	VideoURL        string    `json:"video_url,omitempty"`
	DurationSeconds float64   `json:"duration_seconds"`
	Width           int       `json:"width"`
	Height          int       `json:"height"`
	MimeType        string    `json:"mime_type"`
	IsActive        bool      `json:"is_active"`
	RotationOrder   int       `json:"rotation_order"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
