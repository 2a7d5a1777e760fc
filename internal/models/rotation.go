package models

import (
	"time"
)

// Rotation types for video rotation schedules.
const (
	RotationDaily   = "daily"
	RotationWeekly  = "weekly"
	RotationMonthly = "monthly"
	RotationRandom  = "random"
)

// ValidRotationType reports whether t names a known rotation type.
func ValidRotationType(t string) bool {
	switch t {
	case RotationDaily, RotationWeekly, RotationMonthly, RotationRandom:
		return true
	}
	return false
}

// VideoRotationSchedule configures automatic active-video rotation for one AR
// content item. VideoSequence is an ordered list of video ids belonging to the
// content; CurrentIndex always indexes into it.
type VideoRotationSchedule struct {
	ID             int64      `json:"id"`
	ARContentID    int64      `json:"ar_content_id"`
	RotationType   string     `json:"rotation_type"`
	TimeOfDay      string     `json:"time_of_day,omitempty"` // "HH:MM", UTC
	DayOfWeek      *int       `json:"day_of_week,omitempty"` // 1=Monday .. 7=Sunday
	DayOfMonth     *int       `json:"day_of_month,omitempty"`
	VideoSequence  []int64    `json:"video_sequence"`
	CurrentIndex   int        `json:"current_index"`
	LastRotationAt *time.Time `json:"last_rotation_at,omitempty"`
	NextRotationAt time.Time  `json:"next_rotation_at"`
	IsActive       bool       `json:"is_active"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
