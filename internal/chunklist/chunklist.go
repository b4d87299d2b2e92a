// Package chunklist implements spec.md §4.B, the chunk list and
// manager: get/release/sync_chunks over a fixed-size array of
// ChunkListNodes backed by internal/memregion, plus the close-index
// run optimizer and the dirty-page sync FIFO.
package chunklist

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/elliotchance/orderedmap/v2"

	"github.com/prxssh/rabbit/internal/clock"
	"github.com/prxssh/rabbit/internal/memregion"
	"github.com/prxssh/rabbit/internal/rerror"
)

// GetFlags controls node acquisition semantics (spec §4.B get()).
type GetFlags uint8

const (
	Writable GetFlags = 1 << iota
	Blocking
	Nonblock
	DontLog
)

// SyncFlags controls sync_chunks()'s behaviour.
type SyncFlags uint8

const (
	SyncAll SyncFlags = 1 << iota
	SyncForce
	SyncSafe
	SyncSloppy
	SyncUseTimeout
	SyncIgnoreError
)

// node is one ChunkListNode (spec §3): it exclusively owns its
// current Chunk, tracked by reference/writable/blocking counters.
type node struct {
	index uint32

	mu            sync.Mutex
	chunk         *memregion.Chunk
	prot          memregion.Prot
	references    int
	writable      int
	blocking      int
	syncTriggered bool
	timeModified  time.Time
	queued        bool
}

// ChunkHandle is a non-owning borrow that pins a node via its
// reference counter (spec §3).
type ChunkHandle struct {
	node     *node
	writable bool
	blocking bool
}

// Chunk exposes the underlying memregion.Chunk for reads/writes.
func (h *ChunkHandle) Chunk() *memregion.Chunk {
	h.node.mu.Lock()
	defer h.node.mu.Unlock()
	return h.node.chunk
}

// Manager owns the fixed-size node array and the dirty FIFO (spec
// §4.B). The dirty queue is keyed by node index using
// elliotchance/orderedmap so release() can assert "no node appears
// twice" in O(1) and sync_chunks can walk it in FIFO or re-sorted
// order as needed — grounded on DannyZB-torrent's use of the same
// library for its piece request queue.
type Manager struct {
	mu     sync.Mutex
	region *memregion.Region
	nodes  []*node
	dirty  *orderedmap.OrderedMap[uint32, *node]
	clk    clock.Clock

	closeGap    uint32
	maxDistance uint32
	timeoutSync time.Duration

	safeSync          bool
	freeDiskSpace      func() int64
	safeFreeDiskspace int64

	onStorageError func(error)
}

// Options configures a Manager; zero values fall back to spec.md's
// defaults (close-gap=5, max-distance=50 — see DESIGN.md Open
// Question #1).
type Options struct {
	CloseGap          uint32
	MaxDistance       uint32
	TimeoutSync       time.Duration
	SafeSync          bool
	FreeDiskSpace     func() int64
	SafeFreeDiskspace int64
	OnStorageError    func(error)
}

func NewManager(region *memregion.Region, pieceCount uint32, clk clock.Clock, opts Options) *Manager {
	if clk == nil {
		clk = clock.NewReal()
	}
	if opts.CloseGap == 0 {
		opts.CloseGap = 5
	}
	if opts.MaxDistance == 0 {
		opts.MaxDistance = 50
	}
	if opts.TimeoutSync == 0 {
		opts.TimeoutSync = 60 * time.Second
	}

	nodes := make([]*node, pieceCount)
	for i := range nodes {
		nodes[i] = &node{index: uint32(i)}
	}

	m := &Manager{
		region:            region,
		nodes:             nodes,
		dirty:             orderedmap.NewOrderedMap[uint32, *node](),
		clk:               clk,
		closeGap:          opts.CloseGap,
		maxDistance:       opts.MaxDistance,
		timeoutSync:       opts.TimeoutSync,
		safeSync:          opts.SafeSync,
		freeDiskSpace:      opts.FreeDiskSpace,
		safeFreeDiskspace: opts.SafeFreeDiskspace,
		onStorageError:    opts.OnStorageError,
	}
	region.SetFreeFunc(m.tryFreeMemory)
	return m
}

// Get implements spec §4.B's get(index, flags) contract.
func (m *Manager) Get(index uint32, flags GetFlags) (*ChunkHandle, error) {
	n := m.nodes[index]
	n.mu.Lock()
	defer n.mu.Unlock()

	wantWritable := flags&Writable != 0

	switch {
	case n.chunk == nil:
		prot := memregion.ProtRead
		if wantWritable {
			prot |= memregion.ProtWrite
		}
		c, err := m.region.Chunk(index, prot)
		if err != nil {
			return nil, err
		}
		n.chunk = c
		n.prot = prot
		n.timeModified = m.clk.Now()

	case wantWritable && n.prot&memregion.ProtWrite == 0:
		if n.blocking > 0 {
			if flags&Nonblock == 0 {
				return nil, &rerror.Internal{
					Op:  "chunklist.get",
					Err: fmt.Errorf("writer requested on node %d while a blocking reader holds it", index),
				}
			}
			return nil, rerror.ErrAgain
		}

		newChunk, err := m.region.Chunk(index, memregion.ProtRead|memregion.ProtWrite)
		if err != nil {
			return nil, err
		}
		old := n.chunk
		oldSize := old.Size()
		n.chunk = newChunk
		n.prot = memregion.ProtRead | memregion.ProtWrite
		old.Close()
		m.region.Release(oldSize)
	}

	n.references++
	if wantWritable {
		n.writable++
		n.syncTriggered = false
	}
	if flags&Blocking != 0 {
		n.blocking++
	}

	return &ChunkHandle{node: n, writable: wantWritable, blocking: flags&Blocking != 0}, nil
}

// Release implements spec §4.B's release(handle, flags) contract.
func (m *Manager) Release(h *ChunkHandle) error {
	n := h.node
	n.mu.Lock()

	if h.blocking {
		n.blocking--
	}

	enqueue := false
	if h.writable {
		n.writable--
		if n.writable == 0 {
			enqueue = true
		}
	}
	n.references--

	destroyNow := !h.writable && n.references == 0 && !n.queued

	n.mu.Unlock()

	if enqueue {
		m.mu.Lock()
		n.mu.Lock()
		if n.queued {
			n.mu.Unlock()
			m.mu.Unlock()
			return &rerror.Internal{Op: "chunklist.release", Err: fmt.Errorf("node %d double-queued", n.index)}
		}
		n.queued = true
		n.mu.Unlock()
		m.dirty.Set(n.index, n)
		m.mu.Unlock()
	}

	if destroyNow {
		n.mu.Lock()
		if n.chunk != nil && n.references == 0 && !n.queued {
			size := n.chunk.Size()
			n.chunk.Close()
			n.chunk = nil
			m.region.Release(size)
		}
		n.mu.Unlock()
	}

	return nil
}

// SyncChunks implements spec §4.B's sync_chunks(flags) contract.
func (m *Manager) SyncChunks(flags SyncFlags) error {
	m.mu.Lock()

	all := flags&SyncAll != 0
	safe := flags&SyncSafe != 0
	force := flags&SyncForce != 0
	if !safe && !force {
		if m.safeSync || (m.freeDiskSpace != nil && m.freeDiskSpace() <= m.safeFreeDiskspace) {
			safe = true
		} else {
			force = true
		}
	}

	var tail []*node
	for el := m.dirty.Front(); el != nil; el = el.Next() {
		n := el.Value
		if all {
			tail = append(tail, n)
			continue
		}
		n.mu.Lock()
		stillWriting := n.writable > 0
		n.mu.Unlock()
		if !stillWriting {
			tail = append(tail, n)
		}
	}

	sort.Slice(tail, func(i, j int) bool { return tail[i].index < tail[j].index })

	if flags&SyncUseTimeout != 0 && !force {
		tail = m.optimize(tail)
	}

	failures := 0
	for _, n := range tail {
		n.mu.Lock()

		if n.chunk == nil {
			n.mu.Unlock()
			continue
		}

		// spec §4.B step 5's (msync_mode, then_release) table.
		var (
			release bool
			async   bool
		)
		switch {
		case force && safe:
			release, async = true, false
		case safe && !force:
			if n.syncTriggered {
				release, async = true, false
			} else {
				release, async = false, true
			}
		case force && !safe:
			release, async = true, true
		default:
			release, async = true, true
		}

		var flushErr error
		if async {
			flushErr = n.chunk.FlushAsync()
		} else {
			flushErr = n.chunk.Flush()
		}
		if flushErr != nil {
			failures++
			n.mu.Unlock()
			continue
		}

		n.syncTriggered = true
		if release {
			n.queued = false
			if n.references == 0 {
				size := n.chunk.Size()
				n.chunk.Close()
				n.chunk = nil
				m.region.Release(size)
			}
			m.dirty.Delete(n.index)
		}
		n.mu.Unlock()
	}

	m.mu.Unlock()

	if failures > 0 && flags&SyncIgnoreError == 0 && m.onStorageError != nil {
		m.onStorageError(&rerror.Storage{Op: "sync_chunks", Err: fmt.Errorf("%d node(s) failed to sync", failures)})
	}

	return nil
}

// optimize implements spec §4.B's close-index run optimizer: group
// indices within closeGap of each other into runs; a run is required
// if any of its nodes has gone untouched past timeoutSync, and
// non-required runs shorter than maxDistance are skipped (left
// queued, untouched).
func (m *Manager) optimize(tail []*node) []*node {
	if len(tail) == 0 {
		return tail
	}

	now := m.clk.Now()
	var out []*node
	i := 0
	for i < len(tail) {
		j := i + 1
		for j < len(tail) && tail[j].index-tail[j-1].index <= m.closeGap {
			j++
		}
		run := tail[i:j]

		required := false
		for _, n := range run {
			n.mu.Lock()
			stale := now.Sub(n.timeModified) >= m.timeoutSync
			n.mu.Unlock()
			if stale {
				required = true
				break
			}
		}

		if required || len(run) >= int(m.maxDistance) {
			out = append(out, run...)
		}
		i = j
	}
	return out
}

// tryFreeMemory is installed as the memregion.Region's FreeFunc: it
// forces a full sync of the dirty queue to drop memory usage toward
// target (spec §4.A's try_free_memory).
func (m *Manager) tryFreeMemory(ctx context.Context, target int64) bool {
	_ = m.SyncChunks(SyncAll | SyncForce)
	return m.region.Used() <= target
}

// FindAddress resolves a live chunk's (piece, within-piece offset) to
// the underlying File it maps to, used for SIGBUS-adjacent
// diagnostics (spec §4.B find_address). It looks up the piece's node
// by index and scans only that chunk's parts.
func (m *Manager) FindAddress(pieceIndex uint32, withinPiece int64) (*memregion.File, int64, bool) {
	if int(pieceIndex) >= len(m.nodes) {
		return nil, 0, false
	}
	n := m.nodes[pieceIndex]
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.chunk == nil {
		return nil, 0, false
	}
	for _, p := range n.chunk.Parts {
		if withinPiece >= p.PositionWithinPiece && withinPiece < p.PositionWithinPiece+p.Length {
			return p.File, n.chunk.InFileOffset(p) + (withinPiece - p.PositionWithinPiece), true
		}
	}
	return nil, 0, false
}
