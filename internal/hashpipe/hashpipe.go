// Package hashpipe implements spec.md §4.C, the hash pipeline: a
// single-goroutine worker that streams resident bytes of a chunk into
// SHA-1, a piece at a time, yielding whenever it runs ahead of the
// page cache instead of blocking on disk I/O.
package hashpipe

import (
	"context"
	"crypto/sha1"
	"sync"
	"time"

	"github.com/elliotchance/orderedmap/v2"
	"golang.org/x/sys/unix"

	"github.com/prxssh/rabbit/internal/chunklist"
	"github.com/prxssh/rabbit/internal/clock"
	"github.com/prxssh/rabbit/internal/memregion"
)

// tickInterval bounds how long a job with no resident bytes yet waits
// before the worker retries it (it also wakes immediately on Enqueue).
const tickInterval = 2 * time.Millisecond

// Result is delivered once a job is finalised or cancelled (spec §4.C:
// "moves (job, digest) into a mutex-protected done map").
type Result struct {
	DownloadID string
	PieceIndex uint32
	Sum        [sha1.Size]byte
	Cancelled  bool

	// Handle is the chunk handle the job hashed from. Per spec §4.C,
	// release is the main-thread drain's responsibility: it compares
	// Sum to the expected piece hash, fires chunk-passed/chunk-failed,
	// and only then releases Handle via the same Manager it was
	// acquired from.
	Handle *chunklist.ChunkHandle
}

// job is one HashChunk: an acquired ChunkHandle plus streaming SHA-1
// state and a byte cursor (spec §4.C).
type job struct {
	id         uint64
	downloadID string
	pieceIndex uint32
	handle     *chunklist.ChunkHandle
	digest     interface {
		Write([]byte) (int, error)
		Sum([]byte) []byte
	}
	cursor    int64
	size      int64
	cancelled bool
	done      chan struct{}
}

// Pipe is the single-goroutine hash worker. Jobs are fed from a FIFO
// keyed by a monotonically increasing id, so "pop without removing"
// is simply peeking the front element.
type Pipe struct {
	manager *chunklist.Manager
	clk     clock.Clock
	onResult func(Result)

	mu     sync.Mutex
	queue  *orderedmap.OrderedMap[uint64, *job]
	nextID uint64
	wake   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New starts the worker goroutine. onResult is invoked from the
// worker goroutine itself for every finalised or cancelled job; the
// main-thread drain described in spec §4.C is the caller's
// responsibility (compare digest, mark completed/failed, release the
// handle — hashpipe only produces the digest).
func New(manager *chunklist.Manager, clk clock.Clock, onResult func(Result)) *Pipe {
	if clk == nil {
		clk = clock.NewReal()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipe{
		manager:  manager,
		clk:      clk,
		onResult: onResult,
		queue:    orderedmap.NewOrderedMap[uint64, *job](),
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Enqueue submits pieceIndex for hashing, acquiring a blocking
// read-only chunk handle up front (spec §4.C: "each wrapping an
// acquired ChunkHandle").
func (p *Pipe) Enqueue(downloadID string, pieceIndex uint32, pieceSize int64) error {
	h, err := p.manager.Get(pieceIndex, chunklist.Blocking)
	if err != nil {
		return err
	}

	p.mu.Lock()
	id := p.nextID
	p.nextID++
	j := &job{
		id:         id,
		downloadID: downloadID,
		pieceIndex: pieceIndex,
		handle:     h,
		digest:     sha1.New(),
		size:       pieceSize,
		done:       make(chan struct{}),
	}
	p.queue.Set(id, j)
	p.mu.Unlock()

	p.poke()
	return nil
}

func (p *Pipe) poke() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Cancel marks every queued job belonging to downloadID cancelled and
// waits for each to finish its current tick before returning (spec
// §4.C's remove(download_id), replacing the original's 100 µs
// spin-sleep with a per-job done channel — see DESIGN.md Open
// Question #2).
func (p *Pipe) Cancel(downloadID string) {
	p.mu.Lock()
	var waiting []*job
	for el := p.queue.Front(); el != nil; el = el.Next() {
		j := el.Value
		if j.downloadID != downloadID {
			continue
		}
		j.cancelled = true
		waiting = append(waiting, j)
	}
	p.mu.Unlock()

	p.poke()
	for _, j := range waiting {
		<-j.done
	}
}

// Close stops the worker goroutine. Outstanding jobs are abandoned
// with their handles unreleased; callers are expected to Cancel every
// in-flight download first.
func (p *Pipe) Close() {
	p.cancel()
	p.wg.Wait()
}

func (p *Pipe) run() {
	defer p.wg.Done()

	timer := p.clk.NewTimer(tickInterval)
	defer timer.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.wake:
			p.tick()
		case <-timer.C():
			p.tick()
		}
		timer.Reset(tickInterval)
	}
}

// tick implements spec §4.C's per-tick step: peek the front job, feed
// it as many resident bytes as are currently available, and either
// finalise it or issue a willneed advice and yield.
func (p *Pipe) tick() {
	p.mu.Lock()
	front := p.queue.Front()
	if front == nil {
		p.mu.Unlock()
		return
	}
	j := front.Value
	p.mu.Unlock()

	if j.cancelled {
		p.finish(j, Result{DownloadID: j.downloadID, PieceIndex: j.pieceIndex, Handle: j.handle, Cancelled: true})
		return
	}

	chunk := j.handle.Chunk()
	part, localOff, ok := findPart(chunk, j.cursor)
	if !ok {
		// Cursor past the last part: nothing left to feed, piece is
		// zero-length at the tail. Finalise with whatever was hashed.
		p.finalize(j)
		return
	}

	if part.Chunk == nil {
		// Null part (zero-length file): advance the cursor past it and
		// retry on the next tick without consuming an I/O wait.
		j.cursor += part.Length
		p.poke()
		return
	}

	n, err := part.Chunk.ResidentLen(localOff)
	if err != nil || n == 0 {
		_ = part.Chunk.Advise(unix.MADV_WILLNEED)
		return
	}

	remaining := part.Length - localOff
	if n > remaining {
		n = remaining
	}

	b := part.Chunk.Bytes()
	j.digest.Write(b[localOff : localOff+n])
	j.cursor += n

	if n < remaining {
		_ = part.Chunk.Advise(unix.MADV_WILLNEED)
		return
	}

	if j.cursor >= j.size {
		p.finalize(j)
		return
	}
	p.poke()
}

func (p *Pipe) finalize(j *job) {
	var sum [sha1.Size]byte
	copy(sum[:], j.digest.Sum(nil))
	p.finish(j, Result{DownloadID: j.downloadID, PieceIndex: j.pieceIndex, Handle: j.handle, Sum: sum})
}

func (p *Pipe) finish(j *job, res Result) {
	p.mu.Lock()
	p.queue.Delete(j.id)
	p.mu.Unlock()

	close(j.done)
	if p.onResult != nil {
		p.onResult(res)
	}
}

// findPart locates the ChunkPart that logical offset cursor falls
// within, and the offset relative to that part's start.
func findPart(c *memregion.Chunk, cursor int64) (part memregion.ChunkPart, localOff int64, ok bool) {
	for _, p := range c.Parts {
		if p.Length == 0 {
			continue
		}
		if cursor >= p.PositionWithinPiece && cursor < p.PositionWithinPiece+p.Length {
			return p, cursor - p.PositionWithinPiece, true
		}
	}
	return memregion.ChunkPart{}, 0, false
}
