package hoard

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// openBalls is the process-wide open-balls registry, keyed by resolved
// absolute directory path so two Ball handles never straddle the same
// on-disk store within one process.
var (
	openBallsMu sync.Mutex
	openBalls   = map[string]*Ball{}
)

// Ball is a handle bound to one persistent store directory plus its
// in-memory page cache; it is the type every other component in this
// package exists to support.
type Ball struct {
	cfg    Config
	dir    string
	lock   *dirLock
	store  *store
	stats  *Statistics
	paging *pagingLayer
	log    LogFunction

	closed atomic.Bool
}

// CreateBall opens (or creates) a ball rooted at path. overwrite discards
// any existing store contents first. A validation or setup failure is
// logged (when logging is enabled) and returned as an error rather than a
// panic, with a nil handle. A path that cannot be resolved, or a directory
// already open in this process, is reported through the error alone.
func CreateBall(path string, cfg Config, overwrite bool) (*Ball, error) {
	cfg = cfg.withDefaults()
	logFn := resolveLogFunction(cfg)

	if err := cfg.validate(); err != nil {
		logFn("error", "ball configuration rejected", logrus.Fields{"path": path, "error": err.Error()})
		return nil, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrap(err, "resolve ball path")
	}

	openBallsMu.Lock()
	if _, exists := openBalls[abs]; exists {
		openBallsMu.Unlock()
		return nil, errors.Wrap(ErrInvalidArgument, "ball already open in this process: "+abs)
	}
	openBalls[abs] = nil
	openBallsMu.Unlock()

	b, err := createBall(abs, cfg, overwrite, logFn)

	openBallsMu.Lock()
	if err != nil {
		delete(openBalls, abs)
	} else {
		openBalls[abs] = b
	}
	openBallsMu.Unlock()

	if err != nil {
		logFn("error", "ball setup failed", logrus.Fields{"path": abs, "error": err.Error()})
	}
	return b, err
}

func createBall(abs string, cfg Config, overwrite bool, logFn LogFunction) (*Ball, error) {
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, errors.Wrap(err, "create ball directory")
	}
	lk, err := acquireDirLock(abs)
	if err != nil {
		return nil, err
	}

	st, err := openStore(abs, openStoreOptions{
		createIfMissing: true,
		overwrite:       overwrite,
		compression:     cfg.Compression,
	})
	if err != nil {
		_ = lk.release()
		return nil, err
	}

	stats := newStatistics()
	queue := ensureWorkerStarted()

	pool := NewPool(cfg.EnableNuma)
	paging, err := newPagingLayer(cfg, pool, st, stats, queue)
	if err != nil {
		_ = st.close()
		_ = lk.release()
		return nil, err
	}

	return &Ball{
		cfg:    cfg,
		dir:    abs,
		lock:   lk,
		store:  st,
		stats:  stats,
		paging: paging,
		log:    logFn,
	}, nil
}

func resolveLogFunction(cfg Config) LogFunction {
	if !cfg.EnableLogging {
		return func(string, string, map[string]interface{}) {}
	}
	if cfg.LogFunction != nil {
		return cfg.LogFunction
	}
	logger := logrus.New()
	return func(level, msg string, fields map[string]interface{}) {
		entry := logger.WithFields(fields)
		switch level {
		case "error":
			entry.Error(msg)
		case "warn":
			entry.Warn(msg)
		default:
			entry.Info(msg)
		}
	}
}

// Get reads the bytes at vaddr, returning nil if nothing has ever been
// written there and the store holds nothing for it.
func (b *Ball) Get(vaddr uint64) ([]byte, error) {
	if b.closed.Load() {
		return nil, ErrShutdownInProgress
	}
	return b.paging.Get(vaddr)
}

// Put writes data at vaddr, which must lie entirely within one page.
func (b *Ball) Put(vaddr uint64, data []byte) error {
	if b.closed.Load() {
		return ErrShutdownInProgress
	}
	return b.paging.Put(vaddr, data)
}

// StoreLarge registers a caller-owned buffer larger than one page under a
// synthetic virtual address; the buffer is never copied or freed by the
// ball.
func (b *Ball) StoreLarge(buf []byte, size int) (uint64, error) {
	if b.closed.Load() {
		return 0, ErrShutdownInProgress
	}
	return b.paging.StoreLarge(buf, size)
}

// ReleaseLarge drops a large object previously registered with StoreLarge
// from the ball's cache and removes its record from the store. The
// caller's buffer itself is left untouched.
func (b *Ball) ReleaseLarge(vaddr uint64) error {
	if b.closed.Load() {
		return ErrShutdownInProgress
	}
	return b.paging.ReleaseLarge(vaddr)
}

// Prefetch warms the cache for a batch of virtual addresses ahead of the
// reads that will need them, without returning their bytes.
func (b *Ball) Prefetch(vaddrs []uint64) error {
	if b.closed.Load() {
		return ErrShutdownInProgress
	}
	return b.paging.Prefetch(vaddrs)
}

// Pin marks the frame resident at vaddr as ineligible for eviction until
// Unpin is called.
func (b *Ball) Pin(vaddr uint64) {
	b.paging.Pin(vaddr)
}

// Unpin clears a previous Pin.
func (b *Ball) Unpin(vaddr uint64) {
	b.paging.Unpin(vaddr)
}

// RegisterThread records a NUMA preference for a caller's logical thread
// id. The preference is stored only; slab allocations do not read it.
func (b *Ball) RegisterThread(threadID uint64, numaNode int) {
	b.paging.RegisterThread(threadID, numaNode)
}

// Statistics returns the ball's live counters and moving averages.
func (b *Ball) Statistics() *Statistics {
	return b.stats
}

// Close flushes every dirty frame synchronously, closes the store, frees
// every slab, and deregisters the ball, in that order.
func (b *Ball) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	b.paging.drainDirty()

	var firstErr error
	if err := b.store.close(); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, slab := range b.paging.frames.slabs {
		if err := b.paging.pool.Free(slab); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := b.lock.release(); err != nil && firstErr == nil {
		firstErr = err
	}

	openBallsMu.Lock()
	delete(openBalls, b.dir)
	openBallsMu.Unlock()
	return firstErr
}
