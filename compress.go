package hoard

import (
	"bytes"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4"
)

// CompressAlgorithm selects how the Store Adapter compresses page bytes
// before they reach the backing LSM engine. Compression is applied at the
// persistence layer; the cache itself never sees compressed bytes.
type CompressAlgorithm uint16

const (
	// CompSnappy is the default: goleveldb compresses blocks natively, so
	// the adapter passes page bytes through untouched. Large objects are
	// the exception: putLarge snappy-compresses them itself.
	CompSnappy CompressAlgorithm = iota
	// CompNone disables compression entirely.
	CompNone
	// CompLz4 compresses pages in the adapter itself, since goleveldb has
	// no native LZ4 block compressor; the backing store is opened with
	// NoCompression when this is selected.
	CompLz4
)

type compressor func([]byte) []byte
type decompressor func([]byte) ([]byte, error)

var snappyCompress compressor = func(in []byte) []byte {
	return snappy.Encode(nil, in)
}

var snappyDecompress decompressor = func(in []byte) ([]byte, error) {
	return snappy.Decode(nil, in)
}

var lz4Compress compressor = func(in []byte) []byte {
	buf := &bytes.Buffer{}
	w := lz4.NewWriter(buf)
	w.NoChecksum = true
	if _, err := w.Write(in); err != nil {
		panic(err)
	}
	if err := w.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

var lz4Decompress decompressor = func(in []byte) ([]byte, error) {
	buf := &bytes.Buffer{}
	r := lz4.NewReader(bytes.NewReader(in))
	_, err := buf.ReadFrom(r)
	return buf.Bytes(), err
}
