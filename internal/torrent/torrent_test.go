package torrent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/prxssh/rabbit/internal/clock"
	"github.com/prxssh/rabbit/internal/memregion"
	"github.com/prxssh/rabbit/internal/meta"
)

func TestBuildFilesSingleFile(t *testing.T) {
	dir := t.TempDir()
	mi := &meta.Metainfo{Info: &meta.Info{Name: "movie.mkv", Length: 4096}}

	files, err := buildFiles(mi, dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Equal(t, filepath.Join(dir, "movie.mkv"), files[0].Path)
	require.Equal(t, int64(0), files[0].Offset)
	require.Equal(t, int64(4096), files[0].Length)
}

func TestBuildFilesMultiFileLayout(t *testing.T) {
	dir := t.TempDir()
	mi := &meta.Metainfo{Info: &meta.Info{
		Name: "album",
		Files: []*meta.File{
			{Path: []string{"01.flac"}, Length: 1000},
			{Path: []string{"02.flac"}, Length: 2000},
		},
	}}

	files, err := buildFiles(mi, dir)
	require.NoError(t, err)
	require.Len(t, files, 2)
	require.Equal(t, filepath.Join(dir, "album", "01.flac"), files[0].Path)
	require.Equal(t, int64(0), files[0].Offset)
	require.Equal(t, filepath.Join(dir, "album", "02.flac"), files[1].Path)
	require.Equal(t, int64(1000), files[1].Offset)
}

func TestWriteBlockSingleFile(t *testing.T) {
	dir := t.TempDir()
	files := []*memregion.File{{Path: filepath.Join(dir, "a.bin"), Offset: 0, Length: 16384}}

	region, err := memregion.NewRegion(files, 16384, 1<<20, clock.NewReal())
	require.NoError(t, err)
	defer region.Close()

	chunk, err := region.Chunk(0, memregion.ProtWrite)
	require.NoError(t, err)
	defer chunk.Close()

	block := []byte("hello, bittorrent")
	require.NoError(t, writeBlock(chunk, 10, block))

	got, err := os.ReadFile(filepath.Join(dir, "a.bin"))
	require.NoError(t, err)
	require.Equal(t, block, got[10:10+len(block)])
}

func TestWriteBlockAcrossFileBoundary(t *testing.T) {
	dir := t.TempDir()
	files := []*memregion.File{
		{Path: filepath.Join(dir, "a.bin"), Offset: 0, Length: 10},
		{Path: filepath.Join(dir, "b.bin"), Offset: 10, Length: 10},
	}

	region, err := memregion.NewRegion(files, 20, 1<<20, clock.NewReal())
	require.NoError(t, err)
	defer region.Close()

	chunk, err := region.Chunk(0, memregion.ProtWrite)
	require.NoError(t, err)
	defer chunk.Close()

	block := []byte("0123456789ABCDEFGHIJ")
	require.NoError(t, writeBlock(chunk, 0, block))

	a, err := os.ReadFile(filepath.Join(dir, "a.bin"))
	require.NoError(t, err)
	require.Equal(t, block[:10], a)

	b, err := os.ReadFile(filepath.Join(dir, "b.bin"))
	require.NoError(t, err)
	require.Equal(t, block[10:], b)
}
