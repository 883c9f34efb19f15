package hoard

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// emaDecay is the fixed decay applied to every latency accumulator, an
// exponential moving average with a fixed decay rather than a windowed
// average.
const emaDecay = 0.2

// ema is a lock-free exponential moving average, updated via a
// compare-and-swap loop over the IEEE-754 bit pattern so Value() never
// blocks a concurrent Update.
type ema struct {
	bits atomic.Uint64
}

func (e *ema) update(sample float64) {
	for {
		old := e.bits.Load()
		oldF := math.Float64frombits(old)
		var next float64
		if old == 0 {
			next = sample
		} else {
			next = emaDecay*sample + (1-emaDecay)*oldF
		}
		if e.bits.CompareAndSwap(old, math.Float64bits(next)) {
			return
		}
	}
}

func (e *ema) value() float64 {
	return math.Float64frombits(e.bits.Load())
}

// flushedRingCap bounds the flushed-page address history to a ring rather
// than letting it grow without bound; see DESIGN.md.
const flushedRingCap = 256

// Statistics is the read-mostly observer surface for a Ball: atomic
// counters and moving averages, grounded on
// original_source/Furrballs/include/Furrballs.h's FurrBall::Statistics.
// The counter and moving-average getters are lock-free reads;
// FlushedPageAddresses takes a short mutex to copy the ring.
type Statistics struct {
	usedMemory           atomic.Uint64
	preallocatedSlabSize atomic.Uint64
	evictionCount        atomic.Uint64
	hitCount             atomic.Uint64
	missCount            atomic.Uint64
	flushedBufferSize    atomic.Uint64
	degraded             atomic.Bool

	ioTime, fetchTime, writeTime, reloadTime, redirectTime, expandTime ema

	flushedMu   sync.Mutex
	flushedRing []uint64
	flushedHead int
}

func newStatistics() *Statistics {
	return &Statistics{flushedRing: make([]uint64, 0, flushedRingCap)}
}

func (s *Statistics) UsedMemory() uint64           { return s.usedMemory.Load() }
func (s *Statistics) PreallocatedSlabSize() uint64 { return s.preallocatedSlabSize.Load() }
func (s *Statistics) EvictionCount() uint64        { return s.evictionCount.Load() }
func (s *Statistics) HitCount() uint64             { return s.hitCount.Load() }
func (s *Statistics) MissCount() uint64            { return s.missCount.Load() }
func (s *Statistics) FlushedBufferSize() uint64    { return s.flushedBufferSize.Load() }
func (s *Statistics) StoreDegraded() bool          { return s.degraded.Load() }

func (s *Statistics) AvgIOTime() float64             { return s.ioTime.value() }
func (s *Statistics) AvgFetchTime() float64          { return s.fetchTime.value() }
func (s *Statistics) AvgWriteTime() float64          { return s.writeTime.value() }
func (s *Statistics) AvgReloadTime() float64         { return s.reloadTime.value() }
func (s *Statistics) AvgPointerRedirectTime() float64 { return s.redirectTime.value() }
func (s *Statistics) AvgPageExpandTime() float64     { return s.expandTime.value() }

// FlushedPageAddresses returns up to the most recent 256 virtual addresses
// flushed to the store, oldest first.
func (s *Statistics) FlushedPageAddresses() []uint64 {
	s.flushedMu.Lock()
	defer s.flushedMu.Unlock()
	if len(s.flushedRing) < flushedRingCap {
		out := make([]uint64, len(s.flushedRing))
		copy(out, s.flushedRing)
		return out
	}
	out := make([]uint64, flushedRingCap)
	n := copy(out, s.flushedRing[s.flushedHead:])
	copy(out[n:], s.flushedRing[:s.flushedHead])
	return out
}

func (s *Statistics) recordHit()  { s.hitCount.Add(1) }
func (s *Statistics) recordMiss() { s.missCount.Add(1) }
func (s *Statistics) recordEviction() { s.evictionCount.Add(1) }

func (s *Statistics) recordFlush(bufSize int, vaddr uint64) {
	s.flushedBufferSize.Add(uint64(bufSize))
	s.flushedMu.Lock()
	defer s.flushedMu.Unlock()
	if len(s.flushedRing) < flushedRingCap {
		s.flushedRing = append(s.flushedRing, vaddr)
	} else {
		s.flushedRing[s.flushedHead] = vaddr
		s.flushedHead = (s.flushedHead + 1) % flushedRingCap
	}
}

func (s *Statistics) setUsedMemory(n uint64)      { s.usedMemory.Store(n) }
func (s *Statistics) addUsedMemory(delta int64) {
	if delta >= 0 {
		s.usedMemory.Add(uint64(delta))
		return
	}
	s.usedMemory.Add(^uint64(-delta - 1)) // atomic subtraction
}
func (s *Statistics) setPreallocated(n uint64) { s.preallocatedSlabSize.Store(n) }
func (s *Statistics) markDegraded()            { s.degraded.Store(true) }

func (s *Statistics) observeIO(d time.Duration)       { s.ioTime.update(float64(d)) }
func (s *Statistics) observeFetch(d time.Duration)    { s.fetchTime.update(float64(d)) }
func (s *Statistics) observeWrite(d time.Duration)    { s.writeTime.update(float64(d)) }
func (s *Statistics) observeReload(d time.Duration)   { s.reloadTime.update(float64(d)) }
func (s *Statistics) observeRedirect(d time.Duration) { s.redirectTime.update(float64(d)) }
func (s *Statistics) observeExpand(d time.Duration)   { s.expandTime.update(float64(d)) }
