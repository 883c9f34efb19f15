package hoard

import "sync"

// FrameRef indexes into a Ball's frame table. emptyFrameRef marks a value
// bound by an ARC ghost-hit (touch cases 3/4) that the caller must still
// refill with a real frame.
type FrameRef int

const emptyFrameRef FrameRef = -1

const noPage PageId = ^PageId(0)

// frameHandle is the polymorphic-in-one-dimension frame contract (design
// note "Polymorphic frames"): a lockable or non-lockable concrete type,
// chosen once per ball and never mixed within one table. Frames are held
// as frameHandle values, so every call goes through this interface. The
// Worker is the single writer for non-lockable frames.
type frameHandle interface {
	page() PageId
	setPage(PageId)
	data() []byte
	dirty() bool
	setDirty(bool)
	pinned() bool
	setPinned(bool)
	lock()
	unlock()
}

// frame is the non-lockable, single-writer frame used when
// Config.LockablePages is false. Its dirty and pinned bits share one byte,
// set and read through the flag helpers rather than separate bools.
type frame struct {
	buf   []byte
	pgID  PageId
	flags uint8
}

func (f *frame) page() PageId      { return f.pgID }
func (f *frame) setPage(id PageId) { f.pgID = id }
func (f *frame) data() []byte      { return f.buf }
func (f *frame) dirty() bool       { return hasBit(f.flags, frameDirty) }
func (f *frame) pinned() bool      { return hasBit(f.flags, framePinned) }
func (f *frame) lock()             {}
func (f *frame) unlock()           {}

func (f *frame) setDirty(d bool) {
	if d {
		f.flags = setBit(f.flags, frameDirty)
	} else {
		f.flags = clearBit(f.flags, frameDirty)
	}
}

func (f *frame) setPinned(p bool) {
	if p {
		f.flags = setBit(f.flags, framePinned)
	} else {
		f.flags = clearBit(f.flags, framePinned)
	}
}

// lockableFrame guards its bytes and status bits with a per-frame mutex.
type lockableFrame struct {
	mu    sync.Mutex
	buf   []byte
	pgID  PageId
	flags uint8
}

func (f *lockableFrame) page() PageId      { return f.pgID }
func (f *lockableFrame) setPage(id PageId) { f.pgID = id }
func (f *lockableFrame) data() []byte      { return f.buf }
func (f *lockableFrame) dirty() bool       { return hasBit(f.flags, frameDirty) }
func (f *lockableFrame) pinned() bool      { return hasBit(f.flags, framePinned) }
func (f *lockableFrame) lock()             { f.mu.Lock() }
func (f *lockableFrame) unlock()           { f.mu.Unlock() }

func (f *lockableFrame) setDirty(d bool) {
	if d {
		f.flags = setBit(f.flags, frameDirty)
	} else {
		f.flags = clearBit(f.flags, frameDirty)
	}
}

func (f *lockableFrame) setPinned(p bool) {
	if p {
		f.flags = setBit(f.flags, framePinned)
	} else {
		f.flags = clearBit(f.flags, framePinned)
	}
}

// frameTable is a flat, index-addressed collection of frames built once at
// ball creation and extended only by AMP expansion (§4.B).
type frameTable struct {
	mu       sync.Mutex
	lockable bool
	pageSize int
	frames   []frameHandle
	free     []FrameRef
	slabs    []*Slab
}

func newFrameTable(pageSize int, lockable bool) *frameTable {
	return &frameTable{pageSize: pageSize, lockable: lockable}
}

// addSlab carves a new slab into frames and appends them to the table,
// returning how many frames were added. Used both at ball creation and by
// AMP growth.
func (t *frameTable) addSlab(s *Slab) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := s.FrameCount(t.pageSize)
	for i := 0; i < n; i++ {
		buf := s.Page(i, t.pageSize)
		var h frameHandle
		if t.lockable {
			h = &lockableFrame{buf: buf, pgID: noPage}
		} else {
			h = &frame{buf: buf, pgID: noPage}
		}
		idx := FrameRef(len(t.frames))
		t.frames = append(t.frames, h)
		t.free = append(t.free, idx)
	}
	t.slabs = append(t.slabs, s)
	return n
}

// acquireFree pops a free frame, or reports false when none remain.
func (t *frameTable) acquireFree() (FrameRef, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.free) == 0 {
		return emptyFrameRef, false
	}
	last := len(t.free) - 1
	ref := t.free[last]
	t.free = t.free[:last]
	return ref, true
}

// release returns a frame to the free list after it has been evicted and
// (if dirty) flushed.
func (t *frameTable) release(ref FrameRef) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f := t.frames[ref]
	f.setPage(noPage)
	f.setDirty(false)
	f.setPinned(false)
	t.free = append(t.free, ref)
}

func (t *frameTable) at(ref FrameRef) frameHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frames[ref]
}

// isPinned reports a frame's pinned bit. ref may be emptyFrameRef (an
// unbound ghost-hit placeholder), which is never pinned.
func (t *frameTable) isPinned(ref FrameRef) bool {
	if ref == emptyFrameRef {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frames[ref].pinned()
}

func (t *frameTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.frames)
}
