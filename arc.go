package hoard

import (
	"container/list"
	"sync"
)

// evictedEntry is a captured (key, value) pair pulled out of the ARC lists
// while the lock is held, so the eviction callback can be invoked once the
// lock has been released (design note "Eviction callback").
type evictedEntry struct {
	key PageId
	val FrameRef
}

// EvictionFunc is invoked once per resident-to-non-resident transition.
// It must not re-enter the owning arcEngine's methods on the same key.
type EvictionFunc func(key PageId, val FrameRef)

// arcEngine implements the Adaptive Replacement Cache policy specialised
// for fixed-size frames: T1/T2 hold resident entries, B1/B2 hold ghost
// entries evicted from each, and p adapts the balance between recency
// and frequency on every ghost hit.
//
// The engine is protected by a single mutex, never held across I/O: public
// methods collect evicted (key, value) pairs while locked, release the
// lock, then invoke the eviction callback.
type arcEngine struct {
	mu sync.Mutex

	capacity int
	p        int

	t1, t2         *list.List
	t1idx, t2idx   map[PageId]*list.Element
	b1, b2         *list.List
	b1idx, b2idx   map[PageId]*list.Element

	m map[PageId]FrameRef

	onEvict EvictionFunc
	pinned  func(FrameRef) bool
}

func newARCEngine(capacity int) *arcEngine {
	return &arcEngine{
		capacity: capacity,
		p:        0,
		t1:       list.New(),
		t2:       list.New(),
		b1:       list.New(),
		b2:       list.New(),
		t1idx:    make(map[PageId]*list.Element),
		t2idx:    make(map[PageId]*list.Element),
		b1idx:    make(map[PageId]*list.Element),
		b2idx:    make(map[PageId]*list.Element),
		m:        make(map[PageId]FrameRef),
	}
}

// SetEvictionCallback installs the single hook invoked with (k, v) whenever
// a resident entry leaves T1 or T2.
func (a *arcEngine) SetEvictionCallback(fn EvictionFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onEvict = fn
}

// SetCapacity grows (or, in principle, shrinks) the resident bound c,
// clamping p back into range. Used by AMP growth; never evicts by itself.
func (a *arcEngine) SetCapacity(c int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.capacity = c
	a.p = clampInt(a.p, 0, a.capacity)
}

func (a *arcEngine) Capacity() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.capacity
}

func (a *arcEngine) Target() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.p
}

// Contains reports membership in T1∪T2 only; ghosts do not count as present.
func (a *arcEngine) Contains(k PageId) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.m[k]
	return ok
}

// Touch promotes k per the ARC rules; never blocks on I/O.
func (a *arcEngine) Touch(k PageId) bool {
	a.mu.Lock()
	found, pending := a.touchLocked(k)
	a.mu.Unlock()
	a.fireAll(pending)
	return found
}

// Add inserts a fresh resident entry at the MRU end of T1 after making
// room by evict() if needed. The caller must ensure k is not already
// resident.
func (a *arcEngine) Add(k PageId, v FrameRef) {
	a.mu.Lock()
	var pending []evictedEntry
	if len(a.m) >= a.capacity {
		pending = a.evictLocked(pending)
	}
	elem := a.t1.PushFront(k)
	a.t1idx[k] = elem
	a.m[k] = v
	a.mu.Unlock()
	a.fireAll(pending)
}

// Get is equivalent to Touch(k) followed by returning the mapped value.
// Unlike the source (which leaves this undefined), this implementation
// safely reports ok=false rather than panicking when k is not resident.
func (a *arcEngine) Get(k PageId) (FrameRef, bool) {
	a.mu.Lock()
	found, pending := a.touchLocked(k)
	var v FrameRef
	if found {
		v = a.m[k]
	}
	a.mu.Unlock()
	a.fireAll(pending)
	return v, found
}

// Set replaces the value if k is resident (touching it), else adds it.
func (a *arcEngine) Set(k PageId, v FrameRef) {
	a.mu.Lock()
	if _, ok := a.m[k]; ok {
		a.m[k] = v
		_, pending := a.touchLocked(k)
		a.mu.Unlock()
		a.fireAll(pending)
		return
	}
	var pending []evictedEntry
	if len(a.m) >= a.capacity {
		pending = a.evictLocked(pending)
	}
	elem := a.t1.PushFront(k)
	a.t1idx[k] = elem
	a.m[k] = v
	a.mu.Unlock()
	a.fireAll(pending)
}

func (a *arcEngine) fireAll(pending []evictedEntry) {
	if a.onEvict == nil {
		return
	}
	for _, e := range pending {
		a.onEvict(e.key, e.val)
	}
}

// touchLocked implements the five-case touch algorithm. Caller holds a.mu.
func (a *arcEngine) touchLocked(k PageId) (bool, []evictedEntry) {
	if elem, ok := a.t1idx[k]; ok {
		a.t1.Remove(elem)
		delete(a.t1idx, k)
		ne := a.t2.PushFront(k)
		a.t2idx[k] = ne
		return true, nil
	}
	if elem, ok := a.t2idx[k]; ok {
		a.t2.MoveToFront(elem)
		return true, nil
	}
	if elem, ok := a.b1idx[k]; ok {
		denom := a.b1.Len()
		if denom == 0 {
			denom = 1
		}
		delta := a.b2.Len() / denom
		if delta < 1 {
			delta = 1
		}
		a.p = clampInt(a.p+delta, 0, a.capacity)
		var pending []evictedEntry
		if a.t1.Len()+a.t2.Len() >= a.capacity {
			pending = a.evictOnceLocked(pending)
		}
		a.b1.Remove(elem)
		delete(a.b1idx, k)
		ne := a.t2.PushFront(k)
		a.t2idx[k] = ne
		a.m[k] = emptyFrameRef
		a.trimGhostPair(a.t2, a.b2, a.b2idx)
		return true, pending
	}
	if elem, ok := a.b2idx[k]; ok {
		denom := a.b2.Len()
		if denom == 0 {
			denom = 1
		}
		delta := a.b1.Len() / denom
		if delta < 1 {
			delta = 1
		}
		a.p = clampInt(a.p-delta, 0, a.capacity)
		var pending []evictedEntry
		if a.t1.Len()+a.t2.Len() >= a.capacity {
			pending = a.evictOnceLocked(pending)
		}
		a.b2.Remove(elem)
		delete(a.b2idx, k)
		ne := a.t2.PushFront(k)
		a.t2idx[k] = ne
		a.m[k] = emptyFrameRef
		a.trimGhostPair(a.t2, a.b2, a.b2idx)
		return true, pending
	}
	return false, nil
}

// trimGhostPair drops the LRU entry of ghost if resident+ghost exceeds
// capacity. A B1/B2 ghost hit promotes its key straight into T2, growing
// the T2/B2 pair independently of whichever list evictOnceLocked actually
// evicted from to make room, so the pair's own bound needs a check here
// too, not just inside demoteLocked.
func (a *arcEngine) trimGhostPair(resident, ghost *list.List, ghostIdx map[PageId]*list.Element) {
	if resident.Len()+ghost.Len() <= a.capacity {
		return
	}
	if old := ghost.Back(); old != nil {
		delete(ghostIdx, old.Value.(PageId))
		ghost.Remove(old)
	}
}

// evictOnceLocked evicts a single resident entry, preferring the LRU end
// of T1 over T2 once |T1| exceeds p, and always ghosts the evicted key,
// capping the ghost list it lands in at capacity by dropping its own LRU
// entry. Falls back to the other resident list when the preferred one has
// nothing evictable (every entry pinned), and returns pending unchanged
// if both lists are entirely pinned.
func (a *arcEngine) evictOnceLocked(pending []evictedEntry) []evictedEntry {
	preferT1 := a.t1.Len() > 0 && a.t1.Len() > a.p

	if preferT1 {
		if p, ok := a.demoteLocked(a.t1, a.t1idx, a.b1, a.b1idx, pending); ok {
			return p
		}
	}
	if p, ok := a.demoteLocked(a.t2, a.t2idx, a.b2, a.b2idx, pending); ok {
		return p
	}
	if !preferT1 {
		if p, ok := a.demoteLocked(a.t1, a.t1idx, a.b1, a.b1idx, pending); ok {
			return p
		}
	}
	return pending
}

// demoteLocked moves the LRU evictable entry of a resident list into its
// ghost list, trims the ghost list back to capacity, and reports whether it
// found anything to move.
func (a *arcEngine) demoteLocked(resident *list.List, residentIdx map[PageId]*list.Element, ghost *list.List, ghostIdx map[PageId]*list.Element, pending []evictedEntry) ([]evictedEntry, bool) {
	elem := a.evictableBack(resident)
	if elem == nil {
		return pending, false
	}
	k := elem.Value.(PageId)
	v := a.m[k]
	pending = append(pending, evictedEntry{k, v})
	delete(a.m, k)
	resident.Remove(elem)
	delete(residentIdx, k)
	ghostIdx[k] = ghost.PushFront(k)
	a.trimGhostPair(resident, ghost, ghostIdx)
	return pending, true
}

// evictLocked evicts resident entries until |T1|+|T2| fits within
// capacity, invoked from Add/Set whenever the map is already at capacity.
// Stops early, with room still short, if every remaining candidate is
// pinned; Add and Set return no error and insert the new entry anyway.
func (a *arcEngine) evictLocked(pending []evictedEntry) []evictedEntry {
	for a.t1.Len()+a.t2.Len() >= a.capacity {
		before := len(pending)
		pending = a.evictOnceLocked(pending)
		if len(pending) == before {
			return pending
		}
	}
	return pending
}

// evictableBack walks a resident list from its LRU end toward the front,
// returning the first element whose frame the pin checker does not reject.
// Returns nil when every resident entry in the list is pinned.
func (a *arcEngine) evictableBack(l *list.List) *list.Element {
	for elem := l.Back(); elem != nil; elem = elem.Prev() {
		k := elem.Value.(PageId)
		if a.pinned == nil || !a.pinned(a.m[k]) {
			return elem
		}
	}
	return nil
}

// SetPinChecker installs a predicate consulted on every victim selection
// (through demoteLocked) so a pinned frame is never chosen as an eviction
// victim: if every candidate is pinned, nothing is evicted, which the
// Paging Layer reports as ErrExhausted when it needed a frame.
func (a *arcEngine) SetPinChecker(fn func(FrameRef) bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pinned = fn
}

// EvictForRoom runs the same eviction rules Add/Set apply internally when
// at capacity, unconditionally once. The Paging Layer calls this to
// reclaim a physical frame before it has a value ready to hand to Add,
// since Add's contract takes the FrameRef as an argument rather than
// producing one.
func (a *arcEngine) EvictForRoom() {
	a.mu.Lock()
	pending := a.evictOnceLocked(nil)
	a.mu.Unlock()
	a.fireAll(pending)
}

// sizes reports |T1|, |T2|, |B1|, |B2| for tests and statistics.
func (a *arcEngine) sizes() (t1, t2, b1, b2 int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.t1.Len(), a.t2.Len(), a.b1.Len(), a.b2.Len()
}
