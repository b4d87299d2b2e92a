// Package memregion implements spec.md §4.A, the memory-chunk region:
// turning (piece_index, prot) into a page-aligned mmap Chunk spanning
// one or more on-disk files, behind a global byte ceiling.
package memregion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/prxssh/rabbit/internal/clock"
	"github.com/prxssh/rabbit/internal/rerror"
)

// defaultCeiling is the fallback max_memory_usage when RLIMIT_AS is
// unset or unlimited (spec.md §6).
const defaultCeiling = 1 << 30 // 1 GiB

var pageSize = int64(os.Getpagesize())

// Prot mirrors spec.md §3's MemoryChunk.prot_flags.
type Prot uint8

const (
	ProtRead Prot = 1 << iota
	ProtWrite
)

// File is one on-disk component of the download, already positioned
// within the torrent's flat address space (the layout is built by
// internal/torrent's buildFiles).
type File struct {
	Path   string
	Offset int64 // absolute offset of this file's first byte within the torrent
	Length int64

	handle *os.File
}

// WriteAt writes directly to the underlying file at an in-file offset
// (spec.md §9 design notes: "prefer pwrite into a sparse file" over
// writing through the mmap'd bytes, to avoid SIGBUS-on-disk-full).
func (f *File) WriteAt(b []byte, off int64) (int, error) { return f.handle.WriteAt(b, off) }

// ReadAt reads directly from the underlying file at an in-file offset.
func (f *File) ReadAt(b []byte, off int64) (int, error) { return f.handle.ReadAt(b, off) }

// MemoryChunk is a page-aligned mapping into a range of one File
// (spec.md §3: "(ptr, size, file_offset, prot_flags, mapped_kind)").
// It is immutable from creation until Close.
type MemoryChunk struct {
	mapping    mmap.MMap
	fileOffset int64
	prot       Prot
	skew       int64 // bytes between the page-aligned mapping start and fileOffset
}

// Bytes returns the chunk's logical content, with the page-alignment
// skew already trimmed off.
func (m *MemoryChunk) Bytes() []byte {
	if m.mapping == nil {
		return nil
	}
	return m.mapping[m.skew:]
}

func (m *MemoryChunk) Flush() error {
	if m.mapping == nil {
		return nil
	}
	return m.mapping.Flush()
}

// FlushAsync issues a non-blocking MS_ASYNC msync: the kernel schedules
// the writeback and returns immediately, rather than waiting for it to
// land (spec.md §4.B step 5's ASYNC msync_mode).
func (m *MemoryChunk) FlushAsync() error {
	if m.mapping == nil {
		return nil
	}
	return unix.Msync(m.mapping, unix.MS_ASYNC)
}

func (m *MemoryChunk) Close() error {
	if m.mapping == nil {
		return nil
	}
	err := m.mapping.Unmap()
	m.mapping = nil
	return err
}

// ResidentLen reports how many bytes starting at logical offset from
// (an index into Bytes()) are currently resident in memory without
// interruption, using the OS residency probe (spec §4.C: "mincore or
// equivalent").
func (m *MemoryChunk) ResidentLen(from int64) (int64, error) {
	if m.mapping == nil {
		return 0, nil
	}
	limit := int64(len(m.mapping)) - m.skew
	if from >= limit {
		return 0, nil
	}

	vec := make([]byte, (len(m.mapping)+int(pageSize)-1)/int(pageSize))
	if err := unix.Mincore(m.mapping, vec); err != nil {
		return 0, &rerror.Storage{Op: "mincore", Errno: firstErrno(err), Err: err}
	}

	abs := m.skew + from
	var resident int64
	for abs < int64(len(m.mapping)) {
		page := int(abs / pageSize)
		if page >= len(vec) || vec[page]&1 == 0 {
			break
		}
		pageEnd := int64(page+1) * pageSize
		if pageEnd > int64(len(m.mapping)) {
			pageEnd = int64(len(m.mapping))
		}
		resident += pageEnd - abs
		abs = pageEnd
	}
	if want := limit - from; resident > want {
		resident = want
	}
	return resident, nil
}

// Advise issues a madvise hint over the mapping (spec §4.C: "issue a
// willneed advice for the remainder").
func (m *MemoryChunk) Advise(advice int) error {
	if m.mapping == nil {
		return nil
	}
	if err := unix.Madvise(m.mapping, advice); err != nil {
		return &rerror.Storage{Op: "madvise", Errno: firstErrno(err), Err: err}
	}
	return nil
}

// ChunkPart is one (mapped_chunk, position_within_piece) pair (spec
// §3); parts are ordered and PositionWithinPiece values are strictly
// increasing and contiguous across the piece.
type ChunkPart struct {
	Chunk               *MemoryChunk
	PositionWithinPiece int64
	Length              int64
	File                *File
}

// Chunk is an ordered, non-empty sequence of ChunkParts spanning
// exactly one piece (spec §3). Creation is atomic: Region.Chunk either
// returns a fully built Chunk or an error, never a partial one.
type Chunk struct {
	PieceIndex uint32
	PieceStart int64 // absolute offset of the piece within the torrent
	Parts      []ChunkPart
	Prot       Prot
}

// InFileOffset returns where part p begins within its own File, for
// pwrite-based writes (spec §9: prefer pwrite over mmap writes).
func (c *Chunk) InFileOffset(p ChunkPart) int64 {
	return c.PieceStart + p.PositionWithinPiece - p.File.Offset
}

// Close releases every underlying MemoryChunk.
func (c *Chunk) Close() error {
	var first error
	for _, p := range c.Parts {
		if p.Chunk == nil {
			continue
		}
		if err := p.Chunk.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Size returns the total byte span the chunk covers, used to release
// the matching reservation.
func (c *Chunk) Size() int64 {
	var n int64
	for _, p := range c.Parts {
		n += p.Length
	}
	return n
}

// FreeFunc is installed by the chunk list manager (component B),
// which is the only thing that knows how to cycle the dirty FIFO and
// sync pages; Region only owns the byte ceiling itself.
type FreeFunc func(ctx context.Context, target int64) bool

// Region turns (piece_index, prot) into a Chunk, honouring a global
// byte ceiling (spec §4.A).
type Region struct {
	files    []*File
	pieceLen int64
	total    int64

	mu       sync.Mutex
	used     int64
	ceiling  int64
	onFree   FreeFunc
	freeRate *rate.Limiter
	clk      clock.Clock
}

// NewRegion opens (creating and truncating as needed) every file and
// returns a Region ready to resolve chunks. ceiling <= 0 derives a
// default from RLIMIT_AS.
func NewRegion(files []*File, pieceLen int64, ceiling int64, clk clock.Clock) (*Region, error) {
	if ceiling <= 0 {
		ceiling = deriveCeiling()
	}
	if clk == nil {
		clk = clock.NewReal()
	}

	var total int64
	for _, f := range files {
		if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
			return nil, &rerror.Storage{Op: "mkdir", Err: err}
		}
		fh, err := os.OpenFile(f.Path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, &rerror.Storage{Op: "open", Errno: firstErrno(err), Err: err}
		}
		if err := fh.Truncate(f.Length); err != nil {
			fh.Close()
			return nil, &rerror.Storage{Op: "truncate", Errno: firstErrno(err), Err: err}
		}
		f.handle = fh
		if end := f.Offset + f.Length; end > total {
			total = end
		}
	}

	return &Region{
		files:    files,
		pieceLen: pieceLen,
		total:    total,
		ceiling:  ceiling,
		freeRate: rate.NewLimiter(rate.Every(10*time.Second), 1),
		clk:      clk,
	}, nil
}

// deriveCeiling implements spec §6: 4/5 of RLIMIT_AS, capped at 1 GiB
// if the limit is unset or unlimited.
func deriveCeiling() int64 {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_AS, &rlim); err != nil {
		return defaultCeiling
	}
	if rlim.Cur == 0 || rlim.Cur == unix.RLIM_INFINITY {
		return defaultCeiling
	}
	return int64(rlim.Cur) * 4 / 5
}

// SetFreeFunc installs the chunk list manager's free hook.
func (r *Region) SetFreeFunc(fn FreeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFree = fn
}

// TryReserve implements spec §4.A's reservation API: the caller must
// not map unless this returns true.
func (r *Region) TryReserve(size int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.used+size > r.ceiling {
		return false
	}
	r.used += size
	return true
}

// Release gives back a reservation made by TryReserve.
func (r *Region) Release(size int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.used -= size
	if r.used < 0 {
		r.used = 0
	}
}

func (r *Region) Used() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.used
}

func (r *Region) Ceiling() int64 { return r.ceiling }

// TryFreeMemory asks the installed FreeFunc to cycle the chunk list
// and sync enough dirty pages to drop memory usage below target,
// rate-limited to at most once per 10 seconds (spec §4.A).
func (r *Region) TryFreeMemory(ctx context.Context, target int64) bool {
	r.mu.Lock()
	fn := r.onFree
	r.mu.Unlock()

	if fn == nil || !r.freeRate.Allow() {
		return false
	}
	return fn(ctx, target)
}

// Chunk resolves pieceIndex into a page-aligned mapping across
// whichever files the piece spans (spec §4.A).
func (r *Region) Chunk(pieceIndex uint32, prot Prot) (*Chunk, error) {
	pieceStart := int64(pieceIndex) * r.pieceLen
	pieceEnd := min(pieceStart+r.pieceLen, r.total)
	if pieceStart >= pieceEnd {
		return nil, &rerror.Input{Field: "pieceIndex", Value: fmt.Sprint(pieceIndex), Err: errors.New("out of range")}
	}

	size := pieceEnd - pieceStart
	if !r.TryReserve(size) {
		return nil, rerror.ErrNoMem
	}

	var parts []ChunkPart
	var position int64

	for _, f := range r.files {
		fileStart, fileEnd := f.Offset, f.Offset+f.Length

		overlapStart := max(pieceStart, fileStart)
		overlapEnd := min(pieceEnd, fileEnd)
		if overlapStart > overlapEnd || (overlapStart == overlapEnd && f.Length > 0) {
			continue
		}

		length := overlapEnd - overlapStart
		if length == 0 {
			// Zero-length file between two non-empty files (spec §8
			// boundary behaviour): a null part, skipped by callers that
			// iterate for bytes but still present for completeness.
			parts = append(parts, ChunkPart{PositionWithinPiece: position, File: f})
			continue
		}

		mc, err := r.mapFile(f, overlapStart-fileStart, length, prot)
		if err != nil {
			r.Release(size)
			for _, p := range parts {
				if p.Chunk != nil {
					p.Chunk.Close()
				}
			}
			return nil, err
		}

		parts = append(parts, ChunkPart{Chunk: mc, PositionWithinPiece: position, Length: length, File: f})
		position += length
	}

	if len(parts) == 0 {
		r.Release(size)
		return nil, &rerror.Storage{Op: "chunk", Errno: syscall.ENOENT, Err: fmt.Errorf("piece %d maps to no file", pieceIndex)}
	}

	return &Chunk{PieceIndex: pieceIndex, PieceStart: pieceStart, Parts: parts, Prot: prot}, nil
}

func (r *Region) mapFile(f *File, offset, length int64, prot Prot) (*MemoryChunk, error) {
	aligned := offset - (offset % pageSize)
	skew := offset - aligned
	mapLen := int(length + skew)

	flags := mmap.RDONLY
	if prot&ProtWrite != 0 {
		flags = mmap.RDWR
	}

	mapping, err := mmap.MapRegion(f.handle, mapLen, flags, 0, aligned)
	if err != nil {
		return nil, &rerror.Storage{Op: "mmap", Errno: firstErrno(err), Err: err}
	}

	return &MemoryChunk{mapping: mapping, fileOffset: offset, prot: prot, skew: skew}, nil
}

// firstErrno extracts the raw syscall errno from err if present (spec
// §4.A: "propagate as a typed error with the raw OS errno preserved").
func firstErrno(err error) error {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return nil
}

// FindAddress resolves which File and in-file offset the given
// logical piece offset belongs to, used for SIGBUS-adjacent
// diagnostics (spec §4.B find_address — kept here since Region is the
// only place that knows the file layout).
func (r *Region) FindAddress(pieceIndex uint32, withinPiece int64) (file *File, fileOffset int64, ok bool) {
	abs := int64(pieceIndex)*r.pieceLen + withinPiece
	for _, f := range r.files {
		if abs >= f.Offset && abs < f.Offset+f.Length {
			return f, abs - f.Offset, true
		}
	}
	return nil, 0, false
}

// Close closes every underlying file handle.
func (r *Region) Close() error {
	var first error
	for _, f := range r.files {
		if f.handle == nil {
			continue
		}
		if err := f.handle.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
