package hoard

import (
	"testing"
	"time"

	assertion "github.com/stretchr/testify/assert"
)

func TestStatisticsCounters(t *testing.T) {
	assert := assertion.New(t)
	s := newStatistics()

	s.recordHit()
	s.recordHit()
	s.recordMiss()
	s.recordEviction()

	assert.Equal(uint64(2), s.HitCount())
	assert.Equal(uint64(1), s.MissCount())
	assert.Equal(uint64(1), s.EvictionCount())
}

func TestStatisticsFlushedRingBounded(t *testing.T) {
	assert := assertion.New(t)
	s := newStatistics()

	for i := 0; i < flushedRingCap+10; i++ {
		s.recordFlush(4096, uint64(i))
	}
	addrs := s.FlushedPageAddresses()
	assert.Len(addrs, flushedRingCap)
	// the oldest 10 addresses (0..9) should have been overwritten
	assert.Equal(uint64(10), addrs[0])
}

func TestEMAConverges(t *testing.T) {
	assert := assertion.New(t)
	var e ema
	for i := 0; i < 200; i++ {
		e.update(float64(time.Millisecond))
	}
	assert.InDelta(float64(time.Millisecond), e.value(), float64(time.Microsecond))
}

func TestStatisticsUsedMemoryAddSubtract(t *testing.T) {
	assert := assertion.New(t)
	s := newStatistics()
	s.addUsedMemory(100)
	s.addUsedMemory(-40)
	assert.Equal(uint64(60), s.UsedMemory())
}
