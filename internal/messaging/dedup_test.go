package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedupSet_FirstSightingOnly(t *testing.T) {
	d := newDedupSet(8)

	assert.True(t, d.observe(5))
	assert.False(t, d.observe(5), "second sighting is a duplicate")
	assert.True(t, d.observe(3), "lower but unseen id is still new")
	assert.False(t, d.observe(3))
	assert.Equal(t, 2, d.len())
}

func TestDedupSet_EvictsLowestAndRaisesFloor(t *testing.T) {
	d := newDedupSet(3)

	for _, id := range []int64{10, 11, 12} {
		assert.True(t, d.observe(id))
	}

	assert.True(t, d.observe(13), "new id evicts 10")
	assert.Equal(t, 3, d.len())
	assert.Equal(t, int64(10), d.floor)

	assert.False(t, d.observe(10), "evicted id stays a duplicate")
	assert.False(t, d.observe(9), "ids under the floor are never redelivered")
	assert.False(t, d.observe(11), "still remembered")
}

func TestDedupSet_RejectsIDsOlderThanWindow(t *testing.T) {
	d := newDedupSet(2)

	d.observe(20)
	d.observe(21)

	assert.False(t, d.observe(15), "older than every remembered id")
	assert.Equal(t, 2, d.len())
	assert.True(t, d.observe(22))
}

func TestDedupSet_ReplayNeverDuplicates(t *testing.T) {
	d := newDedupSet(16)

	delivered := map[int64]int{}

	// Two overlapping replays of the same stream, interleaved with fresh ids.
	stream := []int64{}
	for id := int64(1); id <= 40; id++ {
		stream = append(stream, id)
		if id%5 == 0 {
			stream = append(stream, id-1, id-2, id-3)
		}
	}

	for _, id := range stream {
		if d.observe(id) {
			delivered[id]++
		}
	}

	for id, n := range delivered {
		assert.Equal(t, 1, n, "id %d delivered more than once", id)
	}

	assert.Len(t, delivered, 40)
}

func TestDedupSet_DefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultDedupCapacity, newDedupSet(0).capacity)
}
