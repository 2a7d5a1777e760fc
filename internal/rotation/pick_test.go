package rotation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/portalmark/backend/internal/models"
)

func sched(typ string, seq []int64, ci int) *models.VideoRotationSchedule {
	return &models.VideoRotationSchedule{
		RotationType:  typ,
		VideoSequence: seq,
		CurrentIndex:  ci,
	}
}

func ownedAll(ids ...int64) map[int64]bool {
	m := make(map[int64]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

func TestPickNextSequential(t *testing.T) {
	s := sched(models.RotationDaily, []int64{10, 20, 30}, 0)
	idx, id, ok := pickNext(s, ownedAll(10, 20, 30))
	assert.True(t, ok)
	assert.Equal(t, 1, idx)
	assert.Equal(t, int64(20), id)
}

func TestPickNextWrapsAround(t *testing.T) {
	s := sched(models.RotationDaily, []int64{10, 20, 30}, 2)
	idx, id, ok := pickNext(s, ownedAll(10, 20, 30))
	assert.True(t, ok)
	assert.Equal(t, 0, idx)
	assert.Equal(t, int64(10), id)
}

func TestPickNextSkipsStale(t *testing.T) {
	// 20 was deleted; rotation moves straight to 30.
	s := sched(models.RotationDaily, []int64{10, 20, 30}, 0)
	idx, id, ok := pickNext(s, ownedAll(10, 30))
	assert.True(t, ok)
	assert.Equal(t, 2, idx)
	assert.Equal(t, int64(30), id)
}

func TestPickNextAllStale(t *testing.T) {
	s := sched(models.RotationDaily, []int64{10, 20, 30}, 0)
	_, _, ok := pickNext(s, map[int64]bool{})
	assert.False(t, ok)
}

func TestPickNextSingleVideo(t *testing.T) {
	// A one-entry sequence rotates onto itself.
	s := sched(models.RotationDaily, []int64{10}, 0)
	idx, id, ok := pickNext(s, ownedAll(10))
	assert.True(t, ok)
	assert.Equal(t, 0, idx)
	assert.Equal(t, int64(10), id)
}

func TestPickNextOutOfRangeIndex(t *testing.T) {
	// A trimmed sequence can leave current_index past the end.
	s := sched(models.RotationDaily, []int64{10, 20}, 9)
	idx, id, ok := pickNext(s, ownedAll(10, 20))
	assert.True(t, ok)
	assert.Equal(t, 1, idx)
	assert.Equal(t, int64(20), id)
}

func TestPickNextRandomAvoidsCurrent(t *testing.T) {
	s := sched(models.RotationRandom, []int64{10, 20, 30}, 0)
	for i := 0; i < 50; i++ {
		idx, id, ok := pickNext(s, ownedAll(10, 20, 30))
		assert.True(t, ok)
		assert.NotEqual(t, int64(10), id, "random never repeats the current video")
		assert.Equal(t, id, s.VideoSequence[idx])
	}
}

func TestPickNextRandomSingleHolds(t *testing.T) {
	s := sched(models.RotationRandom, []int64{10}, 0)
	idx, id, ok := pickNext(s, ownedAll(10))
	assert.True(t, ok)
	assert.Equal(t, 0, idx)
	assert.Equal(t, int64(10), id)
}

func TestPickNextRandomStaleCurrent(t *testing.T) {
	// Current entry gone: any usable candidate works.
	s := sched(models.RotationRandom, []int64{10, 20, 30}, 0)
	_, id, ok := pickNext(s, ownedAll(20, 30))
	assert.True(t, ok)
	assert.Contains(t, []int64{20, 30}, id)
}

func TestCurrentVideoID(t *testing.T) {
	assert.Equal(t, int64(20), currentVideoID(sched(models.RotationDaily, []int64{10, 20}, 1)))
	assert.Equal(t, int64(10), currentVideoID(sched(models.RotationDaily, []int64{10, 20}, 7)))
	assert.Equal(t, int64(0), currentVideoID(sched(models.RotationDaily, nil, 0)))
}
