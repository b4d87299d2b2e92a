package chunklist

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/prxssh/rabbit/internal/clock"
	"github.com/prxssh/rabbit/internal/memregion"
)

func newTestManager(t *testing.T, pieceCount uint32, pieceLen int64) (*Manager, clock.Clock) {
	dir := t.TempDir()
	files := []*memregion.File{{Path: filepath.Join(dir, "a.bin"), Offset: 0, Length: pieceLen * int64(pieceCount)}}
	region, err := memregion.NewRegion(files, pieceLen, 1<<20, nil)
	require.NoError(t, err)

	fc := clock.NewFake(time.Unix(0, 0))
	m := NewManager(region, pieceCount, fc, Options{})
	return m, fc
}

func TestGetReadOnlyThenWritableRebuildsChunk(t *testing.T) {
	m, _ := newTestManager(t, 2, 16384)

	h1, err := m.Get(0, 0)
	require.NoError(t, err)
	require.NotNil(t, h1.Chunk())

	h2, err := m.Get(0, Writable)
	require.NoError(t, err)
	require.NotNil(t, h2.Chunk())
}

func TestReleaseEnqueuesOnWritableDrop(t *testing.T) {
	m, _ := newTestManager(t, 1, 16384)

	h, err := m.Get(0, Writable)
	require.NoError(t, err)
	require.NoError(t, m.Release(h))

	require.Equal(t, 1, m.dirty.Len())
}

func TestSyncChunksTwiceEmptiesQueue(t *testing.T) {
	m, _ := newTestManager(t, 1, 16384)

	h, err := m.Get(0, Writable)
	require.NoError(t, err)
	require.NoError(t, m.Release(h))
	require.Equal(t, 1, m.dirty.Len())

	require.NoError(t, m.SyncChunks(SyncSafe))
	require.NoError(t, m.SyncChunks(SyncSafe))

	require.Equal(t, 0, m.dirty.Len())
}

func TestSyncChunksForceReleasesImmediately(t *testing.T) {
	m, _ := newTestManager(t, 1, 16384)

	h, err := m.Get(0, Writable)
	require.NoError(t, err)
	require.NoError(t, m.Release(h))

	require.NoError(t, m.SyncChunks(SyncForce))
	require.Equal(t, 0, m.dirty.Len())
}

func TestReleaseNonWritableDestroysAtZeroReferences(t *testing.T) {
	m, _ := newTestManager(t, 1, 16384)

	h, err := m.Get(0, 0)
	require.NoError(t, err)
	require.NoError(t, m.Release(h))

	n := m.nodes[0]
	n.mu.Lock()
	defer n.mu.Unlock()
	require.Nil(t, n.chunk)
}
