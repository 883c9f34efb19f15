package hoard

import (
	"os"
	"testing"

	assertion "github.com/stretchr/testify/assert"
)

func TestStorePutGetRoundTrip(t *testing.T) {
	assert := assertion.New(t)
	dir, err := os.MkdirTemp("", "hoard-store-*")
	assert.NoError(err)
	defer os.RemoveAll(dir)

	s, err := openStore(dir, openStoreOptions{createIfMissing: true, compression: CompSnappy})
	assert.NoError(err)
	defer s.close()

	assert.NoError(s.put(7, []byte("hello page")))
	got, err := s.get(7)
	assert.NoError(err)
	assert.Equal([]byte("hello page"), got)
}

func TestStoreGetMissingIsNotFound(t *testing.T) {
	assert := assertion.New(t)
	dir, err := os.MkdirTemp("", "hoard-store-*")
	assert.NoError(err)
	defer os.RemoveAll(dir)

	s, err := openStore(dir, openStoreOptions{createIfMissing: true})
	assert.NoError(err)
	defer s.close()

	_, err = s.get(99)
	assert.Error(err)
	assert.True(IsNotFound(err))
}

func TestStoreLz4RoundTrip(t *testing.T) {
	assert := assertion.New(t)
	dir, err := os.MkdirTemp("", "hoard-store-*")
	assert.NoError(err)
	defer os.RemoveAll(dir)

	s, err := openStore(dir, openStoreOptions{createIfMissing: true, compression: CompLz4})
	assert.NoError(err)
	defer s.close()

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	assert.NoError(s.put(1, payload))
	got, err := s.get(1)
	assert.NoError(err)
	assert.Equal(payload, got)
}

func TestStoreLargeObjectRoundTrip(t *testing.T) {
	assert := assertion.New(t)
	dir, err := os.MkdirTemp("", "hoard-store-*")
	assert.NoError(err)
	defer os.RemoveAll(dir)

	s, err := openStore(dir, openStoreOptions{createIfMissing: true})
	assert.NoError(err)
	defer s.close()

	buf := make([]byte, 10000)
	for i := range buf {
		buf[i] = byte(i)
	}
	id := largeObjectBit | PageId(1)
	assert.NoError(s.putLarge(id, buf))
	got, err := s.getLarge(id)
	assert.NoError(err)
	assert.Equal(buf, got)
}

func TestStoreOverwriteDiscardsPriorContents(t *testing.T) {
	assert := assertion.New(t)
	dir, err := os.MkdirTemp("", "hoard-store-*")
	assert.NoError(err)
	defer os.RemoveAll(dir)

	s, err := openStore(dir, openStoreOptions{createIfMissing: true})
	assert.NoError(err)
	assert.NoError(s.put(1, []byte("old")))
	assert.NoError(s.close())

	s2, err := openStore(dir, openStoreOptions{createIfMissing: true, overwrite: true})
	assert.NoError(err)
	defer s2.close()
	_, err = s2.get(1)
	assert.True(IsNotFound(err))
}
