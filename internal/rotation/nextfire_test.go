package rotation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func intp(n int) *int { return &n }

// Monday.
var monday = time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

func TestNextFireDaily(t *testing.T) {
	before := time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC),
		NextFire("daily", "09:00", nil, nil, before), "time still ahead today")

	after := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 6, 3, 9, 0, 0, 0, time.UTC),
		NextFire("daily", "09:00", nil, nil, after), "time already passed")

	exact := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 6, 3, 9, 0, 0, 0, time.UTC),
		NextFire("daily", "09:00", nil, nil, exact), "exact boundary moves to tomorrow")

	assert.Equal(t, before.Add(fallbackDelay),
		NextFire("daily", "", nil, nil, before), "daily without a time falls back")
}

func TestNextFireWeekly(t *testing.T) {
	// Monday 10:00 → Wednesday 09:00 the same week.
	assert.Equal(t, time.Date(2025, 6, 4, 9, 0, 0, 0, time.UTC),
		NextFire("weekly", "09:00", intp(3), nil, monday))

	// Monday 10:00, target Monday 09:00 already passed → next Monday.
	assert.Equal(t, time.Date(2025, 6, 9, 9, 0, 0, 0, time.UTC),
		NextFire("weekly", "09:00", intp(1), nil, monday))

	// Monday 08:00, target Monday 09:00 still ahead → today.
	early := time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC),
		NextFire("weekly", "09:00", intp(1), nil, early))

	// Sunday is 7.
	assert.Equal(t, time.Date(2025, 6, 8, 9, 0, 0, 0, time.UTC),
		NextFire("weekly", "09:00", intp(7), nil, monday))

	// Missing time defaults to 09:00.
	assert.Equal(t, time.Date(2025, 6, 4, 9, 0, 0, 0, time.UTC),
		NextFire("weekly", "", intp(3), nil, monday))

	// Missing day of week falls back.
	assert.Equal(t, monday.Add(fallbackDelay),
		NextFire("weekly", "09:00", nil, nil, monday))
}

func TestNextFireMonthly(t *testing.T) {
	june10 := time.Date(2025, 6, 10, 10, 0, 0, 0, time.UTC)

	// Day still ahead this month.
	assert.Equal(t, time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC),
		NextFire("monthly", "09:00", nil, intp(15), june10))

	// On the day itself the schedule moves to next month.
	june15 := time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 7, 15, 9, 0, 0, 0, time.UTC),
		NextFire("monthly", "09:00", nil, intp(15), june15))

	// Day already passed.
	june20 := time.Date(2025, 6, 20, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 7, 15, 9, 0, 0, 0, time.UTC),
		NextFire("monthly", "09:00", nil, intp(15), june20))

	// Day 31 clamps to June's 30 days.
	assert.Equal(t, time.Date(2025, 6, 30, 9, 0, 0, 0, time.UTC),
		NextFire("monthly", "09:00", nil, intp(31), june10))

	// January 31 → February clamps to 28 in a non-leap year.
	jan31 := time.Date(2025, 1, 31, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 2, 28, 9, 0, 0, 0, time.UTC),
		NextFire("monthly", "09:00", nil, intp(31), jan31))

	// Leap year February keeps day 29.
	jan31leap := time.Date(2024, 1, 31, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 2, 29, 9, 0, 0, 0, time.UTC),
		NextFire("monthly", "09:00", nil, intp(31), jan31leap))

	// Clamping may land earlier today; the result must still be future.
	feb28 := time.Date(2025, 2, 28, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 3, 31, 9, 0, 0, 0, time.UTC),
		NextFire("monthly", "09:00", nil, intp(31), feb28))

	// Missing day of month falls back.
	assert.Equal(t, june10.Add(fallbackDelay),
		NextFire("monthly", "09:00", nil, nil, june10))
}

func TestNextFireRandomAndUnknown(t *testing.T) {
	assert.Equal(t, monday.Add(fallbackDelay), NextFire("random", "", nil, nil, monday))
	assert.Equal(t, monday.Add(fallbackDelay), NextFire("lunar", "12:00", nil, nil, monday))
	assert.Equal(t, monday.Add(fallbackDelay), NextFire("", "", nil, nil, monday))
}

func TestNextFireAlwaysFuture(t *testing.T) {
	times := []time.Time{
		time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 2, 28, 23, 59, 0, 0, time.UTC),
		time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC),
		time.Date(2025, 12, 31, 23, 59, 0, 0, time.UTC),
	}
	cases := []struct {
		typ string
		tod string
		dow *int
		dom *int
	}{
		{"daily", "09:00", nil, nil},
		{"weekly", "00:00", intp(1), nil},
		{"weekly", "23:59", intp(7), nil},
		{"monthly", "09:00", nil, intp(31)},
		{"monthly", "00:00", nil, intp(1)},
		{"random", "", nil, nil},
	}
	for _, now := range times {
		for _, tc := range cases {
			got := NextFire(tc.typ, tc.tod, tc.dow, tc.dom, now)
			assert.True(t, got.After(now), "%s at %s produced %s, not in the future", tc.typ, now, got)
		}
	}
}

func TestParseTimeOfDay(t *testing.T) {
	h, m, ok := parseTimeOfDay("09:30")
	assert.True(t, ok)
	assert.Equal(t, 9, h)
	assert.Equal(t, 30, m)

	for _, bad := range []string{"", "9", "25:00", "12:60", "ab:cd", "12:"} {
		_, _, ok := parseTimeOfDay(bad)
		assert.False(t, ok, "input %q", bad)
	}
}
