package hoard

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// pagingLayer translates virtual addresses to frame bytes, faulting pages
// in from the store on miss and growing the resident working set under
// sustained pressure. It is the one component that reaches into all the
// others: Pool, frameTable, arcEngine, store, Statistics and the
// process-wide worker queue.
type pagingLayer struct {
	cfg      Config
	pageSize int

	pool   *Pool
	frames *frameTable
	arc    *arcEngine
	st     *store
	stats  *Statistics
	queue  *jobQueue

	growMu       sync.Mutex
	slabBytes    int
	missCounter  int
	multiplier   int
	compactSince int

	largeObjects sync.Map // PageId -> []byte, caller-owned
	nextLargeID  atomic.Uint64
}

func resolvePageSize(configured int) int {
	if configured != 0 {
		return configured
	}
	if n := unix.Getpagesize(); n > 0 {
		return n
	}
	return DefaultPageSize
}

func newPagingLayer(cfg Config, pool *Pool, st *store, stats *Statistics, queue *jobQueue) (*pagingLayer, error) {
	pageSize := resolvePageSize(cfg.PageSize)

	pl := &pagingLayer{
		cfg:        cfg,
		pageSize:   pageSize,
		pool:       pool,
		st:         st,
		stats:      stats,
		queue:      queue,
		multiplier: cfg.ExpansionMultiplier,
	}

	pl.frames = newFrameTable(pageSize, cfg.LockablePages)

	initialBytes := cfg.InitialPageCount * pageSize
	if initialBytes < pageSize {
		initialBytes = pageSize
	}
	if initialBytes > cfg.CapacityLimit && cfg.CapacityLimit > 0 {
		initialBytes = cfg.CapacityLimit
	}
	numaHint := -1
	if cfg.EnableNuma {
		numaHint = 0
	}
	slab, err := pool.Allocate(initialBytes, numaHint)
	if err != nil {
		return nil, err
	}
	added := pl.frames.addSlab(slab)
	pl.slabBytes = len(slab.Bytes())
	stats.setPreallocated(uint64(pl.slabBytes))

	pl.arc = newARCEngine(added)
	pl.arc.SetEvictionCallback(pl.onEvict)
	pl.arc.SetPinChecker(pl.frames.isPinned)

	return pl, nil
}

// Pin marks the frame resident at vaddr as ineligible for eviction.
// Pinning a vaddr with no resident frame is a no-op; ErrExhausted from
// acquireFrame is the caller-visible signal that every frame is pinned.
func (pl *pagingLayer) Pin(vaddr uint64) {
	pageID, _ := pl.translate(vaddr)
	if ref, found := pl.arc.Get(pageID); found && ref != emptyFrameRef {
		fh := pl.frames.at(ref)
		fh.lock()
		fh.setPinned(true)
		fh.unlock()
	}
}

// Unpin clears a previous Pin, if the page is still resident.
func (pl *pagingLayer) Unpin(vaddr uint64) {
	pageID, _ := pl.translate(vaddr)
	if ref, found := pl.arc.Get(pageID); found && ref != emptyFrameRef {
		fh := pl.frames.at(ref)
		fh.lock()
		fh.setPinned(false)
		fh.unlock()
	}
}

func (pl *pagingLayer) translate(vaddr uint64) (PageId, int) {
	return PageId(vaddr / uint64(pl.pageSize)), int(vaddr % uint64(pl.pageSize))
}

// Get returns a private copy of the bytes at vaddr, or nil if the page has
// never been written and holds nothing in the store. It never
// materialises an uninitialised page: an address with no data anywhere
// always yields nil rather than a freshly zeroed frame.
func (pl *pagingLayer) Get(vaddr uint64) ([]byte, error) {
	if isLargeObjectId(PageId(vaddr)) {
		return pl.getLarge(PageId(vaddr))
	}

	pageID, offset := pl.translate(vaddr)
	start := time.Now()

	ref, found := pl.arc.Get(pageID)
	if found && ref != emptyFrameRef {
		pl.stats.recordHit()
		out := pl.copyFrame(ref, offset)
		pl.stats.observeIO(time.Since(start))
		return out, nil
	}

	pl.stats.recordMiss()
	newRef, hadData, err := pl.materialize(pageID, false)
	if err != nil {
		return nil, err
	}
	if !hadData {
		return nil, nil
	}
	if found {
		pl.arc.Set(pageID, newRef)
	} else {
		pl.arc.Add(pageID, newRef)
	}
	out := pl.copyFrame(newRef, offset)
	pl.stats.observeFetch(time.Since(start))
	return out, nil
}

// Prefetch warms the cache for vaddrs without returning their bytes,
// faulting in whichever pages are not already resident. When
// EnableBurstMode is set and more than one address is given, the reloads
// run concurrently across a short-lived worker pool instead of one at a
// time; large-object addresses are skipped, since they are never faulted
// through frames.
func (pl *pagingLayer) Prefetch(vaddrs []uint64) error {
	ids := make([]PageId, 0, len(vaddrs))
	for _, v := range vaddrs {
		if isLargeObjectId(PageId(v)) {
			continue
		}
		pageID, _ := pl.translate(v)
		ids = append(ids, pageID)
	}

	var mu sync.Mutex
	var firstErr error
	runBurst(pl.cfg.EnableBurstMode, ids, func(pageID PageId) {
		if err := pl.prefetchOne(pageID); err != nil {
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
		}
	})
	return firstErr
}

// prefetchOne faults pageID in exactly as Get would, but discards the
// bytes rather than copying them out.
func (pl *pagingLayer) prefetchOne(pageID PageId) error {
	ref, found := pl.arc.Get(pageID)
	if found && ref != emptyFrameRef {
		pl.stats.recordHit()
		return nil
	}
	pl.stats.recordMiss()
	newRef, hadData, err := pl.materialize(pageID, false)
	if err != nil {
		return err
	}
	if !hadData {
		return nil
	}
	if found {
		pl.arc.Set(pageID, newRef)
	} else {
		pl.arc.Add(pageID, newRef)
	}
	return nil
}

// Put writes data at vaddr, which must not cross a page boundary. The
// frame is faulted in first (from the store, or zeroed if nothing is
// there yet) so a partial-page write never clobbers the rest of the page.
func (pl *pagingLayer) Put(vaddr uint64, data []byte) error {
	if isLargeObjectId(PageId(vaddr)) {
		return errors.Wrap(ErrInvalidArgument, "large objects are written via StoreLarge")
	}
	pageID, offset := pl.translate(vaddr)
	if offset+len(data) > pl.pageSize {
		return errors.Wrap(ErrInvalidArgument, "write crosses a page boundary")
	}

	ref, found := pl.arc.Get(pageID)
	if !found || ref == emptyFrameRef {
		newRef, _, err := pl.materialize(pageID, true)
		if err != nil {
			return err
		}
		if found {
			pl.arc.Set(pageID, newRef)
		} else {
			pl.arc.Add(pageID, newRef)
		}
		ref = newRef
	}

	fh := pl.frames.at(ref)
	fh.lock()
	copy(fh.data()[offset:], data)
	fh.setDirty(true)
	fh.unlock()
	return nil
}

// StoreLarge registers an out-of-band buffer whose bytes the layer never
// copies or frees; the returned virtual address is a synthetic id with
// the large-object bit set.
func (pl *pagingLayer) StoreLarge(buf []byte, size int) (uint64, error) {
	if size <= 0 || size > len(buf) {
		return 0, errors.Wrap(ErrInvalidArgument, "size out of range for buffer")
	}
	id := largeObjectBit | PageId(pl.nextLargeID.Add(1))
	pl.largeObjects.Store(id, buf[:size])
	if !pl.cfg.IsVolatile {
		if err := pl.st.putLarge(id, buf[:size]); err != nil {
			pl.stats.markDegraded()
		}
	}
	return uint64(id), nil
}

// ReleaseLarge drops a large object's bytes from the in-process cache and
// removes its on-disk record. The caller is responsible for ensuring
// vaddr is not read again afterward.
func (pl *pagingLayer) ReleaseLarge(vaddr uint64) error {
	if !isLargeObjectId(PageId(vaddr)) {
		return errors.Wrap(ErrInvalidArgument, "not a large object address")
	}
	id := PageId(vaddr)
	pl.largeObjects.Delete(id)
	if pl.cfg.IsVolatile {
		return nil
	}
	if err := pl.st.delete(id); err != nil {
		pl.stats.markDegraded()
		return err
	}
	return nil
}

// getLarge returns a large object's bytes, consulting the in-process
// cache first and falling back to the store for one reloaded in an
// earlier process (e.g. after Close and reopen). Nothing is cached back
// into largeObjects for an is_volatile ball, since the store never held
// it either.
func (pl *pagingLayer) getLarge(id PageId) ([]byte, error) {
	if v, ok := pl.largeObjects.Load(id); ok {
		return v.([]byte), nil
	}
	if pl.cfg.IsVolatile {
		return nil, nil
	}
	raw, err := pl.st.getLarge(id)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		pl.stats.markDegraded()
		return nil, err
	}
	pl.largeObjects.Store(id, raw)
	return raw, nil
}

func (pl *pagingLayer) RegisterThread(threadID uint64, numaNode int) {
	pl.pool.RegisterThread(threadID, numaNode)
}

// copyFrame takes a defensive copy of a frame's bytes under its own lock,
// so a torn read is impossible even under concurrent writers when the
// frame is lockable.
func (pl *pagingLayer) copyFrame(ref FrameRef, offset int) []byte {
	fh := pl.frames.at(ref)
	fh.lock()
	out := append([]byte(nil), fh.data()[offset:]...)
	fh.unlock()
	return out
}

// materialize ensures pageID occupies a real frame, loading its bytes from
// the store when present. hadData reports whether the store actually held
// bytes for pageID. keepOnMiss distinguishes the two callers: Get needs an
// address with nothing anywhere to yield nil rather than a freshly zeroed
// frame, so it passes false and the frame is released on a miss, while Put
// always needs a real frame to write into regardless of what, if anything,
// was there before, so it passes true.
func (pl *pagingLayer) materialize(pageID PageId, keepOnMiss bool) (FrameRef, bool, error) {
	ref, err := pl.acquireFrame()
	if err != nil {
		return emptyFrameRef, false, err
	}
	hadData, err := pl.loadInto(ref, pageID)
	if err != nil {
		pl.frames.release(ref)
		return emptyFrameRef, false, err
	}
	if !hadData && !keepOnMiss {
		pl.frames.release(ref)
		return emptyFrameRef, false, nil
	}
	return ref, hadData, nil
}

// loadInto fills ref's bytes from the store, or leaves them zeroed when
// is_volatile is set or nothing is stored yet.
func (pl *pagingLayer) loadInto(ref FrameRef, pageID PageId) (bool, error) {
	fh := pl.frames.at(ref)
	if pl.cfg.IsVolatile {
		fh.lock()
		clear(fh.data())
		fh.setPage(pageID)
		fh.setDirty(false)
		fh.unlock()
		return false, nil
	}
	raw, err := pl.st.get(pageID)
	if err != nil {
		if IsNotFound(err) {
			fh.lock()
			clear(fh.data())
			fh.setPage(pageID)
			fh.setDirty(false)
			fh.unlock()
			return false, nil
		}
		pl.stats.markDegraded()
		return false, err
	}
	data, verr := pl.decodeHashed(raw)
	if verr != nil {
		pl.stats.markDegraded()
		return false, newStoreError(StoreCorrupt, pageID, verr)
	}
	fh.lock()
	copy(fh.data(), data)
	fh.setPage(pageID)
	fh.setDirty(false)
	fh.unlock()
	return true, nil
}

// acquireFrame returns a free physical frame, forcing one ARC eviction if
// none is currently free, and waits for that eviction synchronously. The
// ARC engine can also evict on its own, when a lookup hits a ghost entry
// while every resident slot is taken.
func (pl *pagingLayer) acquireFrame() (FrameRef, error) {
	if ref, ok := pl.frames.acquireFree(); ok {
		return ref, nil
	}
	pl.arc.EvictForRoom()
	ref, ok := pl.frames.acquireFree()
	if !ok {
		return emptyFrameRef, ErrExhausted
	}
	pl.onMissEviction()
	return ref, nil
}

// onEvict is the ARC engine's eviction callback. It is invoked with the
// ARC lock already released. The flush itself runs on the process-wide
// worker, but the caller that needed the frame back waits for it to
// finish.
func (pl *pagingLayer) onEvict(key PageId, ref FrameRef) {
	fh := pl.frames.at(ref)
	fh.lock()
	dirty := fh.dirty()
	var payload []byte
	if dirty {
		payload = append([]byte(nil), fh.data()...)
	}
	fh.unlock()

	vaddr := uint64(key) * uint64(pl.pageSize)
	pl.stats.recordEviction()

	done := make(chan struct{})
	pl.queue.push(job{kind: jobFlushDirty, run: func() {
		defer close(done)
		if dirty && !pl.cfg.IsVolatile {
			if err := pl.st.put(key, pl.encodeHashed(payload)); err != nil {
				pl.stats.markDegraded()
			} else {
				pl.stats.recordFlush(len(payload), vaddr)
			}
		}
		if pl.cfg.EvictionCallback != nil {
			pl.cfg.EvictionCallback(vaddr, payload)
		}
		pl.frames.release(ref)
	}})
	<-done

	pl.maybeCompactHint()
}

// maybeCompactHint pushes an unwaited compaction hint every 64 evictions,
// exercising jobCompactHint without slowing down the eviction path itself.
func (pl *pagingLayer) maybeCompactHint() {
	pl.growMu.Lock()
	pl.compactSince++
	due := pl.compactSince >= 64
	if due {
		pl.compactSince = 0
	}
	pl.growMu.Unlock()
	if due {
		pl.queue.push(job{kind: jobCompactHint, run: func() {
			_ = pl.st.compactHint()
		}})
	}
}

// onMissEviction runs the Adaptive Memory Pool bookkeeping: it counts
// misses that required an eviction and grows the working set once the
// count reaches ResizeThreshold, provided the capacity ceiling allows it.
func (pl *pagingLayer) onMissEviction() {
	pl.growMu.Lock()
	defer pl.growMu.Unlock()
	pl.missCounter++
	if pl.missCounter < pl.cfg.ResizeThreshold {
		return
	}
	pl.missCounter = 0
	if pl.slabBytes >= pl.cfg.CapacityLimit {
		return
	}
	pl.growLocked()
}

func (pl *pagingLayer) growLocked() {
	grow := pl.multiplier * pl.pageSize
	if pl.slabBytes+grow > pl.cfg.CapacityLimit {
		grow = pl.cfg.CapacityLimit - pl.slabBytes
	}
	if grow < pl.pageSize {
		return
	}
	numaHint := -1
	if pl.cfg.EnableNuma {
		numaHint = 0
	}
	slab, err := pl.pool.Allocate(grow, numaHint)
	if err != nil {
		return
	}
	added := pl.frames.addSlab(slab)
	pl.slabBytes += len(slab.Bytes())
	pl.arc.SetCapacity(pl.arc.Capacity() + added)
	pl.stats.setPreallocated(uint64(pl.slabBytes))
	if pl.multiplier < pl.cfg.ExpansionMultiplierMax {
		pl.multiplier *= 2
	}
	pl.queue.push(job{kind: jobPrefetch, run: func() {
		b := slab.Bytes()
		if len(b) > 0 {
			_ = b[0]
		}
	}})
}

// drainDirty flushes every still-dirty frame synchronously, bypassing the
// ARC engine and the worker entirely. Called once, from Ball.Close.
func (pl *pagingLayer) drainDirty() {
	pl.frames.mu.Lock()
	frames := append([]frameHandle(nil), pl.frames.frames...)
	pl.frames.mu.Unlock()

	for _, fh := range frames {
		fh.lock()
		dirty := fh.dirty()
		page := fh.page()
		var data []byte
		if dirty && page != noPage {
			data = append([]byte(nil), fh.data()...)
		}
		fh.unlock()
		if !dirty || page == noPage || pl.cfg.IsVolatile {
			continue
		}
		if err := pl.st.put(page, pl.encodeHashed(data)); err != nil {
			pl.stats.markDegraded()
			continue
		}
		pl.stats.recordFlush(len(data), uint64(page)*uint64(pl.pageSize))
	}
}

func (pl *pagingLayer) encodeHashed(data []byte) []byte {
	h := pl.cfg.HashFunction(data)
	buf := make([]byte, 8+len(data))
	binary.BigEndian.PutUint64(buf, h)
	copy(buf[8:], data)
	return buf
}

func (pl *pagingLayer) decodeHashed(raw []byte) ([]byte, error) {
	if len(raw) < 8 {
		return nil, errors.New("short page record")
	}
	want := binary.BigEndian.Uint64(raw[:8])
	payload := raw[8:]
	if pl.cfg.HashFunction(payload) != want {
		return nil, errors.New("content hash mismatch")
	}
	return payload, nil
}
