package hoard

import (
	"os"
	"testing"

	assertion "github.com/stretchr/testify/assert"
)

func newTestPagingLayer(t *testing.T, cfg Config) *pagingLayer {
	t.Helper()
	dir, err := os.MkdirTemp("", "hoard-paging-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg = cfg.withDefaults()
	st, err := openStore(dir, openStoreOptions{createIfMissing: true, compression: cfg.Compression})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.close() })

	stats := newStatistics()
	queue := ensureWorkerStarted()
	pool := NewPool(false)

	pl, err := newPagingLayer(cfg, pool, st, stats, queue)
	if err != nil {
		t.Fatal(err)
	}
	return pl
}

func fill(n int, b byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func TestPagingWriteReadRoundTrip(t *testing.T) {
	assert := assertion.New(t)
	pl := newTestPagingLayer(t, Config{PageSize: 4096, InitialPageCount: 4, CapacityLimit: 4 * 4096})

	data := fill(4096, 0xAA)
	assert.NoError(pl.Put(0, data))

	got, err := pl.Get(0)
	assert.NoError(err)
	assert.Equal(data, got)
}

func TestPagingColdMissReturnsNil(t *testing.T) {
	assert := assertion.New(t)
	pl := newTestPagingLayer(t, Config{PageSize: 4096, InitialPageCount: 4, CapacityLimit: 4 * 4096})

	got, err := pl.Get(999 * 4096)
	assert.NoError(err)
	assert.Nil(got)
}

func TestPagingEvictionReloadsFromStore(t *testing.T) {
	assert := assertion.New(t)
	pl := newTestPagingLayer(t, Config{
		PageSize:         4096,
		InitialPageCount: 2,
		CapacityLimit:    2 * 4096,
		ResizeThreshold:  1000, // keep AMP from growing mid-test
	})

	pageA := fill(4096, 0xAA)
	pageB := fill(4096, 0xBB)
	pageC := fill(4096, 0xCC)

	assert.NoError(pl.Put(0, pageA))
	assert.NoError(pl.Put(4096, pageB))
	_, err := pl.Get(0)
	assert.NoError(err)

	// after the touch above, T1=[vaddr 4096], T2=[vaddr 0], p=0: the third
	// distinct page forces the LRU of T1 out, so vaddr 4096 is the victim,
	// not vaddr 0.
	missesBefore := pl.stats.MissCount()
	assert.NoError(pl.Put(2*4096, pageC))
	assert.Equal(uint64(1), pl.stats.EvictionCount())
	assert.False(pl.arc.Contains(PageId(1)))
	assert.True(pl.arc.Contains(PageId(0)))

	back, err := pl.Get(4096)
	assert.NoError(err)
	assert.Equal(pageB, back)
	assert.Equal(missesBefore+1, pl.stats.MissCount())
}

func TestPagingVolatileNeverPersists(t *testing.T) {
	assert := assertion.New(t)
	pl := newTestPagingLayer(t, Config{
		PageSize:         4096,
		InitialPageCount: 1,
		CapacityLimit:    1 * 4096,
		ResizeThreshold:  1000,
		IsVolatile:       true,
	})

	pageA := fill(4096, 0xAA)
	pageB := fill(4096, 0xBB)

	assert.NoError(pl.Put(0, pageA))
	assert.NoError(pl.Put(4096, pageB)) // evicts page A, but is_volatile drops it

	back, err := pl.Get(0)
	assert.NoError(err)
	assert.Nil(back)
	assert.Equal(uint64(0), pl.stats.FlushedBufferSize())
}

func TestPagingAddressSnapping(t *testing.T) {
	assert := assertion.New(t)
	pl := newTestPagingLayer(t, Config{PageSize: 4096, InitialPageCount: 2, CapacityLimit: 2 * 4096})

	data := fill(4096, 0x11)
	assert.NoError(pl.Put(4096, data))

	a, err := pl.Get(4096)
	assert.NoError(err)
	b, err := pl.Get(4096 + 100)
	assert.NoError(err)

	assert.Equal(data, a)
	assert.Equal(data[100:], b)
}

func TestPagingLargeObjectBypassesFrames(t *testing.T) {
	assert := assertion.New(t)
	pl := newTestPagingLayer(t, Config{PageSize: 4096, InitialPageCount: 2, CapacityLimit: 2 * 4096})

	buf := make([]byte, 9000)
	for i := range buf {
		buf[i] = byte(i)
	}
	vaddr, err := pl.StoreLarge(buf, len(buf))
	assert.NoError(err)

	got, err := pl.Get(vaddr)
	assert.NoError(err)
	assert.Equal(buf, got)

	// mutating the caller's buffer is visible through the cache entry: the
	// layer never copied it.
	buf[0] = 0xFF
	got2, err := pl.Get(vaddr)
	assert.NoError(err)
	assert.Equal(byte(0xFF), got2[0])
}

func TestPagingLargeObjectReloadsAfterCacheDrop(t *testing.T) {
	assert := assertion.New(t)
	pl := newTestPagingLayer(t, Config{PageSize: 4096, InitialPageCount: 2, CapacityLimit: 2 * 4096})

	buf := fill(9000, 0x5A)
	vaddr, err := pl.StoreLarge(buf, len(buf))
	assert.NoError(err)

	// simulate the object having fallen out of the in-process cache (the
	// case after a process restart, with the bytes persisted by putLarge):
	// Get must still find them in the store.
	pl.largeObjects.Delete(PageId(vaddr))
	got, err := pl.Get(vaddr)
	assert.NoError(err)
	assert.Equal(buf, got)
}

func TestPagingReleaseLargeRemovesPersistedRecord(t *testing.T) {
	assert := assertion.New(t)
	pl := newTestPagingLayer(t, Config{PageSize: 4096, InitialPageCount: 2, CapacityLimit: 2 * 4096})

	buf := fill(9000, 0x5A)
	vaddr, err := pl.StoreLarge(buf, len(buf))
	assert.NoError(err)

	assert.NoError(pl.ReleaseLarge(vaddr))

	got, err := pl.Get(vaddr)
	assert.NoError(err)
	assert.Nil(got)
}

func TestPagingPrefetchWarmsWithoutReturningBytes(t *testing.T) {
	assert := assertion.New(t)
	pl := newTestPagingLayer(t, Config{
		PageSize:         4096,
		InitialPageCount: 8,
		CapacityLimit:    8 * 4096,
		EnableBurstMode:  true,
	})

	for i := uint64(0); i < 4; i++ {
		assert.NoError(pl.Put(i*4096, fill(4096, byte(i))))
	}
	for i := uint64(0); i < 4; i++ {
		assert.True(pl.arc.Contains(PageId(i)))
	}

	// a cold miss alongside four already-resident hits still succeeds and
	// leaves every one of them resident afterward.
	missesBefore := pl.stats.MissCount()
	assert.NoError(pl.Prefetch([]uint64{0, 4096, 8192, 12288, 999 * 4096}))
	assert.Greater(pl.stats.MissCount(), missesBefore)
	for i := uint64(0); i < 4; i++ {
		assert.True(pl.arc.Contains(PageId(i)))
	}
}
