package hoard

import (
	"math/rand"
	"testing"

	assertion "github.com/stretchr/testify/assert"
)

func TestARCTouchPromotesT1ToT2(t *testing.T) {
	assert := assertion.New(t)
	a := newARCEngine(4)

	a.Add(1, FrameRef(1))
	t1, t2, _, _ := a.sizes()
	assert.Equal(1, t1)
	assert.Equal(0, t2)

	assert.True(a.Touch(1))
	t1, t2, _, _ = a.sizes()
	assert.Equal(0, t1)
	assert.Equal(1, t2)
}

func TestARCResidentBoundNeverExceedsCapacity(t *testing.T) {
	assert := assertion.New(t)
	const capacity = 8
	a := newARCEngine(capacity)
	var evicted []PageId
	a.SetEvictionCallback(func(k PageId, v FrameRef) { evicted = append(evicted, k) })

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 5000; i++ {
		k := PageId(rng.Intn(64))
		if a.Contains(k) {
			a.Touch(k)
		} else {
			a.Add(k, FrameRef(i))
		}
		t1, t2, b1, b2 := a.sizes()
		assert.LessOrEqual(t1+t2, capacity)
		assert.LessOrEqual(b1, capacity)
		assert.LessOrEqual(b2, capacity)
	}
}

func TestARCGhostHitAdjustsTarget(t *testing.T) {
	assert := assertion.New(t)
	a := newARCEngine(2)
	a.Add(1, FrameRef(1))
	a.Add(2, FrameRef(2))
	a.Add(3, FrameRef(3)) // evicts LRU of T1 (page 1) into B1

	_, _, b1, _ := a.sizes()
	assert.Equal(1, b1)
	assert.Equal(0, a.Target())

	found := a.Touch(1) // B1 hit
	assert.True(found)
	assert.Greater(a.Target(), 0)
}

func TestARCCallbackFiresExactlyOncePerEviction(t *testing.T) {
	assert := assertion.New(t)
	a := newARCEngine(4)
	count := 0
	a.SetEvictionCallback(func(k PageId, v FrameRef) { count++ })

	for i := 0; i < 20; i++ {
		a.Add(PageId(i), FrameRef(i))
	}
	// capacity 4, 20 distinct inserts with no touches: every insert after the
	// fourth evicts exactly one resident entry, so the callback fires 16 times.
	assert.Equal(16, count)
}

func TestARCPinnedFrameNeverEvicted(t *testing.T) {
	assert := assertion.New(t)
	a := newARCEngine(2)
	pinnedRef := FrameRef(1)
	a.SetPinChecker(func(v FrameRef) bool { return v == pinnedRef })

	var evicted []PageId
	a.SetEvictionCallback(func(k PageId, v FrameRef) { evicted = append(evicted, k) })

	a.Add(1, pinnedRef)
	a.Add(2, FrameRef(2))
	a.Add(3, FrameRef(3)) // must evict page 2, not the pinned page 1

	assert.Contains(evicted, PageId(2))
	assert.NotContains(evicted, PageId(1))
}

func TestARCContainsExcludesGhosts(t *testing.T) {
	assert := assertion.New(t)
	a := newARCEngine(1)
	a.Add(1, FrameRef(1))
	a.Add(2, FrameRef(2)) // evicts 1 into B1

	assert.False(a.Contains(1))
	assert.True(a.Contains(2))
}
