package rotation

import (
	"strconv"
	"strings"
	"time"

	"github.com/portalmark/backend/internal/models"
)

// fallbackDelay is the safety interval for random rotation and for schedules
// whose fields cannot produce a calendar target.
const fallbackDelay = 5 * time.Minute

// defaultTimeOfDay applies when weekly or monthly schedules omit a time.
const defaultTimeOfDay = "09:00"

// NextFire computes the next rotation instant after now, in UTC. The result
// is always strictly after now so a schedule can never fire twice on one
// sweep.
func NextFire(rotationType, timeOfDay string, dayOfWeek, dayOfMonth *int, now time.Time) time.Time {
	now = now.UTC()
	switch rotationType {
	case models.RotationDaily:
		hour, minute, ok := parseTimeOfDay(timeOfDay)
		if !ok {
			return now.Add(fallbackDelay)
		}
		target := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
		if !target.After(now) {
			target = target.AddDate(0, 0, 1)
		}
		return target

	case models.RotationWeekly:
		if dayOfWeek == nil || *dayOfWeek < 1 || *dayOfWeek > 7 {
			return now.Add(fallbackDelay)
		}
		hour, minute, ok := parseTimeOfDay(withDefault(timeOfDay))
		if !ok {
			return now.Add(fallbackDelay)
		}
		delta := (*dayOfWeek - isoWeekday(now) + 7) % 7
		target := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC).
			AddDate(0, 0, delta)
		if !target.After(now) {
			target = target.AddDate(0, 0, 7)
		}
		return target

	case models.RotationMonthly:
		if dayOfMonth == nil || *dayOfMonth < 1 || *dayOfMonth > 31 {
			return now.Add(fallbackDelay)
		}
		hour, minute, ok := parseTimeOfDay(withDefault(timeOfDay))
		if !ok {
			return now.Add(fallbackDelay)
		}
		year, month := now.Year(), now.Month()
		if now.Day() >= *dayOfMonth {
			year, month = nextMonth(year, month)
		}
		target := monthlyTarget(year, month, *dayOfMonth, hour, minute)
		// Clamping can land the target earlier today; keep it in the future.
		if !target.After(now) {
			year, month = nextMonth(year, month)
			target = monthlyTarget(year, month, *dayOfMonth, hour, minute)
		}
		return target

	default:
		// random, unknown types
		return now.Add(fallbackDelay)
	}
}

// monthlyTarget builds the target instant for a monthly schedule, clamping
// the day to the month's length.
func monthlyTarget(year int, month time.Month, day, hour, minute int) time.Time {
	if last := daysIn(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, hour, minute, 0, 0, time.UTC)
}

func nextMonth(year int, month time.Month) (int, time.Month) {
	if month == time.December {
		return year + 1, time.January
	}
	return year, month + 1
}

// daysIn returns the number of days in a month; day 0 of the next month
// normalizes to the last day of this one.
func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// isoWeekday maps Go's Sunday-based weekday onto 1=Monday .. 7=Sunday.
func isoWeekday(t time.Time) int {
	return (int(t.Weekday())+6)%7 + 1
}

// parseTimeOfDay parses "HH:MM" in 24-hour UTC.
func parseTimeOfDay(s string) (hour, minute int, ok bool) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, false
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, false
	}
	return hour, minute, true
}

func withDefault(timeOfDay string) string {
	if timeOfDay == "" {
		return defaultTimeOfDay
	}
	return timeOfDay
}
