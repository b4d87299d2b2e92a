package hashpipe

import (
	"errors"
	"sync/atomic"
	"syscall"

	"github.com/prxssh/rabbit/internal/rerror"
)

// Caps from spec §4.C's InitialVerifier ("HashTorrent"): never exceed
// 10 outstanding jobs or 128 MiB of outstanding data.
const (
	maxOutstandingJobs  = 10
	maxOutstandingBytes = 128 << 20
)

// InitialVerifier walks every piece index once at startup, respecting
// the outstanding-job and outstanding-byte caps. Callers drive it by
// calling Step after construction and again from Done (or from the
// pipe's onResult callback) as jobs free up headroom.
type InitialVerifier struct {
	pipe       *Pipe
	downloadID string
	pieceCount uint32
	pieceSize  func(index uint32) int64
	tryQuick   bool
	onFatal    func(error)

	next             uint32
	stopped          bool
	outstanding      atomic.Int32
	outstandingBytes atomic.Int64
}

// NewInitialVerifier wires a verifier over pipe. pieceSize returns the
// byte length of a given piece index (the last piece is typically
// shorter). tryQuick, when true, skips pieces whose backing file is
// absent (ENOENT) instead of treating it as fatal.
func NewInitialVerifier(pipe *Pipe, downloadID string, pieceCount uint32, pieceSize func(uint32) int64, tryQuick bool, onFatal func(error)) *InitialVerifier {
	return &InitialVerifier{
		pipe:       pipe,
		downloadID: downloadID,
		pieceCount: pieceCount,
		pieceSize:  pieceSize,
		tryQuick:   tryQuick,
		onFatal:    onFatal,
	}
}

// Step submits as many pieces as the outstanding caps currently allow.
// It returns false once the verifier has stopped for good: either
// every piece has been submitted and finished, or a fatal get error
// was hit and every job already submitted has finished.
func (v *InitialVerifier) Step() bool {
	if v.stopped {
		return v.outstanding.Load() > 0
	}

	for v.next < v.pieceCount {
		if v.outstanding.Load() >= maxOutstandingJobs {
			break
		}
		size := v.pieceSize(v.next)
		if v.outstandingBytes.Load()+size > maxOutstandingBytes {
			break
		}

		index := v.next
		v.next++

		err := v.pipe.Enqueue(v.downloadID, index, size)
		if err != nil {
			if v.tryQuick && isENOENT(err) {
				continue
			}
			v.stopped = true
			if v.onFatal != nil {
				v.onFatal(err)
			}
			return v.outstanding.Load() > 0
		}

		v.outstanding.Add(1)
		v.outstandingBytes.Add(size)
	}

	return v.outstanding.Load() > 0 || v.next < v.pieceCount
}

// Done reports that a previously submitted job of the given size has
// finished, freeing headroom for the next Step call.
func (v *InitialVerifier) Done(size int64) {
	v.outstanding.Add(-1)
	v.outstandingBytes.Add(-size)
}

func isENOENT(err error) bool {
	var s *rerror.Storage
	if !errors.As(err, &s) || s.Errno == nil {
		return false
	}
	var errno syscall.Errno
	return errors.As(s.Errno, &errno) && errno == syscall.ENOENT
}

// LiveVerifier enqueues exactly once per completed piece during a
// session (spec §4.C: "the slot_check_chunk pointer connects to the
// delegator's completion path").
type LiveVerifier struct {
	pipe       *Pipe
	downloadID string
}

func NewLiveVerifier(pipe *Pipe, downloadID string) *LiveVerifier {
	return &LiveVerifier{pipe: pipe, downloadID: downloadID}
}

// OnPieceComplete is wired as the delegator's piece-complete callback.
func (v *LiveVerifier) OnPieceComplete(pieceIndex uint32, pieceSize int64) error {
	return v.pipe.Enqueue(v.downloadID, pieceIndex, pieceSize)
}
