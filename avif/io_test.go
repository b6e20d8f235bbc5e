package avif

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryIO(t *testing.T) {
	rd := &MemoryIO{Data: []byte{0, 1, 2, 3, 4, 5, 6, 7}}
	assert.True(t, rd.Persistent())
	assert.Equal(t, uint64(8), rd.SizeHint())

	data, err := rd.Read(2, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 3, 4, 5}, data)

	// Short read at the tail signals EOF.
	data, err = rd.Read(6, 10)
	require.NoError(t, err)
	assert.Equal(t, []byte{6, 7}, data)

	data, err = rd.Read(100, 4)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestReadExact(t *testing.T) {
	rd := &MemoryIO{Data: []byte{1, 2, 3}}
	_, err := readExact(rd, 0, 4)
	assert.ErrorIs(t, err, ErrTruncatedData)
	data, err := readExact(rd, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 3}, data)
}

func TestFileIO(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.bin")
	content := []byte("the quick brown fox")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	rd, err := NewFileIO(path)
	require.NoError(t, err)
	defer rd.Close()
	assert.False(t, rd.Persistent())
	assert.Equal(t, uint64(len(content)), rd.SizeHint())

	data, err := rd.Read(4, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("quick"), data)

	data, err = rd.Read(uint64(len(content)), 5)
	require.NoError(t, err)
	assert.Empty(t, data)

	_, err = NewFileIO(filepath.Join(t.TempDir(), "missing.bin"))
	assert.ErrorIs(t, err, ErrIOError)
}
