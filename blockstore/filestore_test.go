package blockstore

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreAppendReadReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volume.dat")

	var seen []LogicAddr
	s, err := OpenFileStore(path, WithAppendCallback(func(a LogicAddr) { seen = append(seen, a) }))
	require.NoError(t, err)

	blocks := make([][]byte, 8)
	for i := range blocks {
		blocks[i] = testBlock(byte(i+1), s.BlockSize())
		addr, err := s.AppendBlock(blocks[i])
		require.NoError(t, err)
		assert.Equal(t, LogicAddr(i), addr)
	}
	assert.Len(t, seen, 8)

	// Read back through the cache and past it.
	for i := range blocks {
		got, err := s.ReadBlock(LogicAddr(i))
		require.NoError(t, err)
		assert.True(t, bytes.Equal(got, blocks[i]), "block %d", i)
	}

	volume := s.VolumeID()
	require.NoError(t, s.Sync())
	require.NoError(t, s.Close())

	// Reopen: identity and contents survive.
	s, err = OpenFileStore(path)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, volume, s.VolumeID())

	for i := range blocks {
		got, err := s.ReadBlock(LogicAddr(i))
		require.NoError(t, err)
		assert.True(t, bytes.Equal(got, blocks[i]), "block %d after reopen", i)
	}

	addr, err := s.AppendBlock(testBlock(0xAA, s.BlockSize()))
	require.NoError(t, err)
	assert.Equal(t, LogicAddr(8), addr)

	_, err = s.ReadBlock(100)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStoreBadBlockSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volume.dat")
	s, err := OpenFileStore(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.AppendBlock(make([]byte, 100))
	assert.ErrorIs(t, err, ErrBadBlockSize)
}
