package memregion

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/prxssh/rabbit/internal/clock"
)

func TestChunkSingleFileSpansOnePiece(t *testing.T) {
	dir := t.TempDir()
	files := []*File{{Path: filepath.Join(dir, "a.bin"), Offset: 0, Length: 32768}}

	r, err := NewRegion(files, 16384, 1<<20, clock.NewReal())
	require.NoError(t, err)
	defer r.Close()

	c, err := r.Chunk(0, ProtRead)
	require.NoError(t, err)
	defer c.Close()

	require.Len(t, c.Parts, 1)
	require.Equal(t, int64(16384), c.Size())
}

func TestChunkSpansMultipleFiles(t *testing.T) {
	dir := t.TempDir()
	files := []*File{
		{Path: filepath.Join(dir, "a.bin"), Offset: 0, Length: 10000},
		{Path: filepath.Join(dir, "b.bin"), Offset: 10000, Length: 10000},
	}

	r, err := NewRegion(files, 16384, 1<<20, clock.NewReal())
	require.NoError(t, err)
	defer r.Close()

	c, err := r.Chunk(0, ProtRead)
	require.NoError(t, err)
	defer c.Close()

	require.Len(t, c.Parts, 2)
	require.Equal(t, int64(0), c.Parts[0].PositionWithinPiece)
	require.Equal(t, int64(10000), c.Parts[1].PositionWithinPiece)
}

func TestChunkZeroLengthFileBetweenNonEmptyFiles(t *testing.T) {
	dir := t.TempDir()
	files := []*File{
		{Path: filepath.Join(dir, "a.bin"), Offset: 0, Length: 8000},
		{Path: filepath.Join(dir, "empty.bin"), Offset: 8000, Length: 0},
		{Path: filepath.Join(dir, "b.bin"), Offset: 8000, Length: 8384},
	}

	r, err := NewRegion(files, 16384, 1<<20, clock.NewReal())
	require.NoError(t, err)
	defer r.Close()

	c, err := r.Chunk(0, ProtRead)
	require.NoError(t, err)
	defer c.Close()

	require.Len(t, c.Parts, 3)
	require.Nil(t, c.Parts[1].Chunk)
	require.Equal(t, int64(0), c.Parts[1].Length)
}

func TestTryReserveHonoursCeiling(t *testing.T) {
	dir := t.TempDir()
	files := []*File{{Path: filepath.Join(dir, "a.bin"), Offset: 0, Length: 100}}

	r, err := NewRegion(files, 100, 150, clock.NewReal())
	require.NoError(t, err)
	defer r.Close()

	require.True(t, r.TryReserve(100))
	require.False(t, r.TryReserve(100))
	r.Release(100)
	require.True(t, r.TryReserve(100))
}

func TestTryFreeMemoryRateLimited(t *testing.T) {
	dir := t.TempDir()
	files := []*File{{Path: filepath.Join(dir, "a.bin"), Offset: 0, Length: 100}}

	r, err := NewRegion(files, 100, 150, clock.NewReal())
	require.NoError(t, err)
	defer r.Close()

	calls := 0
	r.SetFreeFunc(func(ctx context.Context, target int64) bool {
		calls++
		return true
	})

	require.True(t, r.TryFreeMemory(context.Background(), 50))
	require.False(t, r.TryFreeMemory(context.Background(), 50)) // rate-limited, second call within 10s
	require.Equal(t, 1, calls)
}

func TestNewRegionTruncatesFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.bin")
	files := []*File{{Path: path, Offset: 0, Length: 4096}}

	r, err := NewRegion(files, 4096, 1<<20, clock.NewReal())
	require.NoError(t, err)
	defer r.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(4096), info.Size())
}
