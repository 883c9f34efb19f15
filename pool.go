package hoard

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Slab is a contiguous, page-aligned memory region allocated by a Pool.
// One ball may hold several slabs if AMP expands the working set; each
// slab is owned exclusively by the ball that allocated it.
type Slab struct {
	mem      []byte
	numaNode int
}

// Bytes returns the slab's backing memory.
func (s *Slab) Bytes() []byte { return s.mem }

// Page returns the i'th pageSize-length window of the slab.
func (s *Slab) Page(i, pageSize int) []byte {
	return s.mem[i*pageSize : (i+1)*pageSize]
}

// FrameCount returns how many pageSize-sized frames the slab holds.
func (s *Slab) FrameCount(pageSize int) int { return len(s.mem) / pageSize }

// Pool is the platform memory allocator: page-aligned slabs, optional
// NUMA pinning, and per-thread ownership tracking so Free can fast-path
// unlocked releases for thread-local buffers (§4.A).
//
// freeMu guards Free's cross-thread path and protectMu guards Protect.
// Both belong to the Pool, and each ball creates its own Pool. ownersMu
// guards the ownership and thread-preference maps; Allocate takes it
// briefly to record the new slab's owner.
type Pool struct {
	freeMu    sync.Mutex
	protectMu sync.Mutex
	numaOn    bool

	ownersMu   sync.Mutex
	owners     map[*Slab]int // slab -> owning OS thread id (best-effort)
	threadNuma map[uint64]int
}

// NewPool creates a Pool. numaOn enables the best-effort NUMA binding path
// when a caller supplies a non-negative numaHint to Allocate.
func NewPool(numaOn bool) *Pool {
	return &Pool{
		numaOn:     numaOn,
		owners:     make(map[*Slab]int),
		threadNuma: make(map[uint64]int),
	}
}

// Allocate reserves a page-aligned, anonymous memory region of the given
// size. A numaHint >= 0 requests best-effort pinning to that NUMA node;
// pass -1 to let the kernel place it however it likes.
func (p *Pool) Allocate(bytes int, numaHint int) (*Slab, error) {
	mem, err := unix.Mmap(-1, 0, bytes, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrapf(ErrOutOfMemory, "mmap %d bytes: %v", bytes, err)
	}
	slab := &Slab{mem: mem, numaNode: numaHint}
	if numaHint >= 0 {
		p.bindBestEffort(mem, numaHint)
	}
	p.ownersMu.Lock()
	p.owners[slab] = currentOSThread()
	p.ownersMu.Unlock()
	return slab, nil
}

// Free releases a slab. When the calling OS thread is the one that
// allocated it, Free takes an unlocked fast path; otherwise it is guarded
// by freeMu for the cross-thread release.
func (p *Pool) Free(s *Slab) error {
	tid := currentOSThread()
	p.ownersMu.Lock()
	owner, tracked := p.owners[s]
	delete(p.owners, s)
	p.ownersMu.Unlock()

	if tracked && owner == tid {
		return unix.Munmap(s.mem)
	}
	p.freeMu.Lock()
	defer p.freeMu.Unlock()
	return unix.Munmap(s.mem)
}

// Protect changes the read/write protection of a slab's memory.
func (p *Pool) Protect(s *Slab, writable bool) error {
	p.protectMu.Lock()
	defer p.protectMu.Unlock()
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	return unix.Mprotect(s.mem, prot)
}

// AvailableBytes reports the platform's current free physical memory.
func (p *Pool) AvailableBytes() (uint64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, errors.Wrap(err, "sysinfo")
	}
	return uint64(info.Freeram) * uint64(info.Unit), nil
}

// LargestContiguous attempts to allocate increasingly larger blocks of
// memory until it fails, then returns the size of the largest successful
// allocation. It fails only if the very first probe fails.
func (p *Pool) LargestContiguous() (int, error) {
	const step = 1 << 20 // 1 MiB
	size := 0
	for {
		next := size + step
		mem, err := unix.Mmap(-1, 0, next, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
		if err != nil {
			if size == 0 {
				return 0, errors.Wrapf(ErrOutOfMemory, "first probe of %d bytes failed: %v", next, err)
			}
			break
		}
		_ = unix.Munmap(mem)
		size = next
	}
	return size, nil
}

// RegisterThread records a caller-chosen NUMA preference for a logical
// thread id. Allocate does not consult it; the NUMA node comes only from
// the numaHint argument.
func (p *Pool) RegisterThread(threadID uint64, numaNode int) {
	p.ownersMu.Lock()
	defer p.ownersMu.Unlock()
	p.threadNuma[threadID] = numaNode
}

// bindBestEffort nudges mem toward numa node by touching it from a
// goroutine pinned (via LockOSThread + sched_setaffinity) to a CPU that
// belongs to that node, relying on the kernel's first-touch placement
// policy. There is no numa_alloc_onnode binding in golang.org/x/sys/unix,
// so true NUMA-node allocation is not available; this is a best-effort
// emulation and silently does nothing if the node cannot be resolved.
func (p *Pool) bindBestEffort(mem []byte, node int) {
	if !p.numaOn {
		return
	}
	cpus := cpusForNode(node)
	if len(cpus) == 0 {
		return
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		var set unix.CPUSet
		set.Zero()
		set.Set(cpus[0])
		_ = unix.SchedSetaffinity(0, &set)
		pageSize := os.Getpagesize()
		for i := 0; i < len(mem); i += pageSize {
			mem[i] |= 0
		}
	}()
	<-done
}

func currentOSThread() int { return unix.Gettid() }

// cpusForNode parses /sys/devices/system/node/node<N>/cpulist, a comma
// separated list of ranges like "0-3,8,10-11".
func cpusForNode(node int) []int {
	raw, err := os.ReadFile("/sys/devices/system/node/node" + strconv.Itoa(node) + "/cpulist")
	if err != nil {
		return nil
	}
	var cpus []int
	for _, part := range strings.Split(strings.TrimSpace(string(raw)), ",") {
		if part == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			a, errA := strconv.Atoi(lo)
			b, errB := strconv.Atoi(hi)
			if errA != nil || errB != nil {
				continue
			}
			for c := a; c <= b; c++ {
				cpus = append(cpus, c)
			}
		} else {
			c, errC := strconv.Atoi(part)
			if errC == nil {
				cpus = append(cpus, c)
			}
		}
	}
	return cpus
}
