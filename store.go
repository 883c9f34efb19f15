package hoard

import (
	"encoding/binary"
	"os"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// store is the thin capability set the core requires of the external LSM
// engine: open/get/put/close, narrow enough that swapping the backing
// engine never touches the ARC Engine or Paging Layer.
type store struct {
	db   *leveldb.DB
	comp CompressAlgorithm
}

// openStoreOptions mirrors the flags the adapter accepts at open time.
type openStoreOptions struct {
	createIfMissing bool
	errorIfExists   bool
	overwrite       bool
	compression     CompressAlgorithm
}

func openStore(path string, opts openStoreOptions) (*store, error) {
	if opts.overwrite {
		_ = os.RemoveAll(path)
	}
	ldbOpts := &opt.Options{
		ErrorIfMissing: !opts.createIfMissing,
		ErrorIfExist:   opts.errorIfExists,
		Filter:         filter.NewBloomFilter(10), // "filter-for-hits hint"
	}
	switch opts.compression {
	case CompSnappy:
		ldbOpts.Compression = opt.SnappyCompression
	default:
		// CompNone and CompLz4 both run the backing engine uncompressed;
		// CompLz4 compresses in the adapter itself (see compress.go).
		ldbOpts.Compression = opt.NoCompression
	}

	db, err := leveldb.OpenFile(path, ldbOpts)
	if err != nil {
		return nil, errors.Wrapf(err, "open store %q", path)
	}
	return &store{db: db, comp: opts.compression}, nil
}

func pageKey(id PageId) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(id))
	return b[:]
}

// get loads a page's bytes, applying the adapter-side decompression step
// for CompLz4. A missing key maps to StoreError{NotFound}.
func (s *store) get(id PageId) ([]byte, error) {
	raw, err := s.db.Get(pageKey(id), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, newStoreError(StoreNotFound, id, err)
		}
		return nil, newStoreError(StoreIoError, id, errors.Wrap(err, "get"))
	}
	if s.comp == CompLz4 {
		out, derr := lz4Decompress(raw)
		if derr != nil {
			return nil, newStoreError(StoreCorrupt, id, errors.Wrap(derr, "lz4 decompress"))
		}
		return out, nil
	}
	return raw, nil
}

// put persists a page's bytes, applying the adapter-side compression step
// for CompLz4.
func (s *store) put(id PageId, data []byte) error {
	payload := data
	if s.comp == CompLz4 {
		payload = lz4Compress(data)
	}
	if err := s.db.Put(pageKey(id), payload, nil); err != nil {
		return newStoreError(StoreIoError, id, errors.Wrap(err, "put"))
	}
	return nil
}

// delete removes a page, used when a large object is released.
func (s *store) delete(id PageId) error {
	if err := s.db.Delete(pageKey(id), nil); err != nil {
		return newStoreError(StoreIoError, id, errors.Wrap(err, "delete"))
	}
	return nil
}

// putLarge persists a large object end-to-end under its synthetic id, with
// an 8-byte big-endian length record ahead of the payload. The id's
// largeObjectBit already gives it a distinct key prefix from ordinary
// pages. Unlike ordinary pages, a large object's bytes are compressed at
// this layer for both CompSnappy and CompLz4: goleveldb's native block
// compression only sees the already-compressed payload, so a large value
// still benefits from compression the backing store's native path alone
// would otherwise skip for a value stored under one opaque key.
func (s *store) putLarge(id PageId, buf []byte) error {
	payload := buf
	switch s.comp {
	case CompSnappy:
		payload = snappyCompress(buf)
	case CompLz4:
		payload = lz4Compress(buf)
	}
	val := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint64(val[:8], uint64(len(payload)))
	copy(val[8:], payload)
	if err := s.db.Put(pageKey(id), val, nil); err != nil {
		return newStoreError(StoreIoError, id, errors.Wrap(err, "put large object"))
	}
	return nil
}

func (s *store) getLarge(id PageId) ([]byte, error) {
	raw, err := s.db.Get(pageKey(id), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, newStoreError(StoreNotFound, id, err)
		}
		return nil, newStoreError(StoreIoError, id, errors.Wrap(err, "get large object"))
	}
	if len(raw) < 8 {
		return nil, newStoreError(StoreCorrupt, id, errors.New("short large object record"))
	}
	n := binary.BigEndian.Uint64(raw[:8])
	if uint64(len(raw)-8) < n {
		return nil, newStoreError(StoreCorrupt, id, errors.New("truncated large object record"))
	}
	payload := raw[8 : 8+n]
	switch s.comp {
	case CompSnappy:
		out, derr := snappyDecompress(payload)
		if derr != nil {
			return nil, newStoreError(StoreCorrupt, id, errors.Wrap(derr, "snappy decompress"))
		}
		return out, nil
	case CompLz4:
		out, derr := lz4Decompress(payload)
		if derr != nil {
			return nil, newStoreError(StoreCorrupt, id, errors.Wrap(derr, "lz4 decompress"))
		}
		return out, nil
	default:
		return payload, nil
	}
}

func (s *store) close() error {
	return s.db.Close()
}

// compactHint nudges the backing engine to compact its full key range. It
// is invoked occasionally from a jobCompactHint job, never from the
// caller-facing path.
func (s *store) compactHint() error {
	return s.db.CompactRange(util.Range{})
}
