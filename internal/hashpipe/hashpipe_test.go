package hashpipe

import (
	"crypto/sha1"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/prxssh/rabbit/internal/chunklist"
	"github.com/prxssh/rabbit/internal/clock"
	"github.com/prxssh/rabbit/internal/memregion"
)

func newTestPipe(t *testing.T, pieceLen int64, data []byte) (*Pipe, *chunklist.Manager, chan Result) {
	t.Helper()

	dir := t.TempDir()
	files := []*memregion.File{{Path: filepath.Join(dir, "a.bin"), Offset: 0, Length: pieceLen}}
	region, err := memregion.NewRegion(files, pieceLen, 1<<20, nil)
	require.NoError(t, err)

	_, err = files[0].WriteAt(data, 0)
	require.NoError(t, err)

	manager := chunklist.NewManager(region, 1, clock.NewReal(), chunklist.Options{})

	results := make(chan Result, 4)
	pipe := New(manager, clock.NewReal(), func(r Result) { results <- r })
	return pipe, manager, results
}

func TestPipeHashesResidentData(t *testing.T) {
	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i)
	}
	pipe, manager, results := newTestPipe(t, int64(len(data)), data)
	defer pipe.Close()

	require.NoError(t, pipe.Enqueue("dl", 0, int64(len(data))))

	select {
	case res := <-results:
		require.False(t, res.Cancelled)
		require.Equal(t, sha1.Sum(data), res.Sum)
		require.NoError(t, manager.Release(res.Handle))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for hash result")
	}
}

func TestCancelDrainsInFlightJob(t *testing.T) {
	data := make([]byte, 4096)
	pipe, manager, results := newTestPipe(t, int64(len(data)), data)
	defer pipe.Close()

	require.NoError(t, pipe.Enqueue("dl", 0, int64(len(data))))
	pipe.Cancel("dl")

	select {
	case res := <-results:
		require.True(t, res.Cancelled)
		require.NoError(t, manager.Release(res.Handle))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cancellation result")
	}
}

func TestInitialVerifierRespectsOutstandingJobCap(t *testing.T) {
	pieceLen := int64(1024)
	pieceCount := uint32(20)
	dir := t.TempDir()
	files := []*memregion.File{{Path: filepath.Join(dir, "a.bin"), Offset: 0, Length: pieceLen * int64(pieceCount)}}
	region, err := memregion.NewRegion(files, pieceLen, 1<<20, nil)
	require.NoError(t, err)
	manager := chunklist.NewManager(region, pieceCount, clock.NewReal(), chunklist.Options{})

	pipe := New(manager, clock.NewReal(), func(r Result) {})
	defer pipe.Close()

	v := NewInitialVerifier(pipe, "dl", pieceCount, func(uint32) int64 { return pieceLen }, false, nil)
	v.Step()

	require.LessOrEqual(t, int(v.next), maxOutstandingJobs)
}
