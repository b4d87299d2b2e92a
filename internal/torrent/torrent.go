package torrent

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/prxssh/rabbit/internal/chunklist"
	"github.com/prxssh/rabbit/internal/clock"
	"github.com/prxssh/rabbit/internal/config"
	"github.com/prxssh/rabbit/internal/delegator"
	"github.com/prxssh/rabbit/internal/hashpipe"
	"github.com/prxssh/rabbit/internal/memregion"
	"github.com/prxssh/rabbit/internal/meta"
	"github.com/prxssh/rabbit/internal/peer"
	"github.com/prxssh/rabbit/internal/rerror"
	"github.com/prxssh/rabbit/internal/scheduler"
	"github.com/prxssh/rabbit/internal/tracker"
	"github.com/prxssh/rabbit/pkg/bitfield"
)

// Torrent is the top-level orchestrator for one download: it owns the
// memory-mapped region (component A), the chunk list (component B),
// the hash pipeline (component C), the piece delegator (component D),
// one reqlist per connected peer (component E), and wires them
// together through internal/peer.Swarm's callbacks. It replaces the
// teacher's Storage+PieceManager+PieceScheduler+DHT stack: piece
// storage is now memory-mapped rather than buffered and written
// piece-at-a-time, and DHT is out of scope (spec.md Non-goals).
type Torrent struct {
	Metainfo *meta.Metainfo

	downloadID string // hex info hash, used as the hashpipe job namespace
	clientID   [sha1.Size]byte
	cfg        *Config
	logger     *slog.Logger
	clk        clock.Clock

	region    *memregion.Region
	chunks    *chunklist.Manager
	state     *delegator.DownloadState
	delegator *delegator.Delegator
	swarm     *peer.Swarm
	sched     *scheduler.Scheduler
	hashPipe  *hashpipe.Pipe
	tracker   *tracker.Tracker

	pieceCount  uint32
	pieceLength int64
	size        int64

	bitfieldMu sync.RWMutex
	bitfield   bitfield.Bitfield

	initialVerifier *hashpipe.InitialVerifier
	liveVerifier    *hashpipe.LiveVerifier
	verifyDone      chan struct{}

	// results is the hash pipeline's done-map handoff (spec §5: "the
	// sole shared structure between threads is the hash pipeline's
	// done map"). The worker goroutine only ever sends on it;
	// onHashResult, which is the only code that mutates chunks,
	// delegator, state and bitfield, runs exclusively on the drain
	// goroutine started in Run.
	results chan hashpipe.Result

	cancel context.CancelFunc
}

// resultQueueDepth bounds how many finished hash jobs can be
// outstanding before the worker blocks handing one to the main-thread
// drain; comfortably above InitialVerifier's own outstanding-job cap.
const resultQueueDepth = 64

func NewTorrent(clientID [sha1.Size]byte, data []byte, cfg *Config) (*Torrent, error) {
	if cfg == nil {
		cfg = WithDefaultConfig()
	}

	metainfo, err := meta.ParseMetainfo(data)
	if err != nil {
		return nil, err
	}

	logger := slog.Default().With("torrent", metainfo.Info.Name)

	downloadDir := cfg.DownloadDir
	if downloadDir == "" {
		downloadDir = config.Load().DefaultDownloadDir
	}

	files, err := buildFiles(metainfo, downloadDir)
	if err != nil {
		return nil, fmt.Errorf("build files: %w", err)
	}

	size := metainfo.Size()
	pieceCount, ok := delegator.PieceCount(uint64(size), uint32(metainfo.Info.PieceLength))
	if !ok {
		return nil, fmt.Errorf("torrent: cannot derive piece count from size=%d piece_length=%d", size, metainfo.Info.PieceLength)
	}
	if int(pieceCount) != len(metainfo.Info.Pieces) {
		return nil, fmt.Errorf("torrent: piece count mismatch: computed %d, metainfo has %d", pieceCount, len(metainfo.Info.Pieces))
	}

	clk := clock.NewReal()

	region, err := memregion.NewRegion(files, int64(metainfo.Info.PieceLength), cfg.MaxMemoryUsage, clk)
	if err != nil {
		return nil, fmt.Errorf("new region: %w", err)
	}

	chunks := chunklist.NewManager(region, pieceCount, clk, chunklist.Options{
		OnStorageError: func(err error) { logger.Error("chunk list storage error", "error", err) },
	})

	state := delegator.NewDownloadState(pieceCount)
	state.SetNormalPriority(0, pieceCount)

	deleg := delegator.New(pieceCount, func(i uint32) uint32 {
		l, _ := delegator.PieceLengthAt(i, uint64(size), uint32(metainfo.Info.PieceLength))
		return l
	}, state, int(cfg.Peer.MaxPeers), cfg.Strategy)

	sched := scheduler.New(clk)

	t := &Torrent{
		Metainfo:    metainfo,
		downloadID:  hex.EncodeToString(metainfo.InfoHash[:]),
		clientID:    clientID,
		cfg:         cfg,
		logger:      logger,
		clk:         clk,
		region:      region,
		chunks:      chunks,
		state:       state,
		delegator:   deleg,
		sched:       sched,
		pieceCount:  pieceCount,
		pieceLength: int64(metainfo.Info.PieceLength),
		size:        size,
		bitfield:    bitfield.New(int(pieceCount)),
		verifyDone:  make(chan struct{}),
		results:     make(chan hashpipe.Result, resultQueueDepth),
	}

	t.hashPipe = hashpipe.New(chunks, clk, func(r hashpipe.Result) { t.results <- r })
	t.liveVerifier = hashpipe.NewLiveVerifier(t.hashPipe, t.downloadID)
	t.initialVerifier = hashpipe.NewInitialVerifier(
		t.hashPipe, t.downloadID, pieceCount,
		func(i uint32) int64 { l, _ := delegator.PieceLengthAt(i, uint64(size), uint32(metainfo.Info.PieceLength)); return int64(l) },
		true,
		func(err error) { logger.Error("initial verification failed", "error", err) },
	)

	deleg.OnPieceComplete = t.onPieceComplete

	swarm, err := peer.NewSwarm(&peer.SwarmOpts{
		Config:          cfg.Peer,
		Logger:          logger,
		Clock:           clk,
		InfoHash:        metainfo.InfoHash,
		ClientID:        clientID,
		Delegator:       deleg,
		Scheduler:       sched,
		PieceCount:      int(pieceCount),
		OwnBitfield:     t.ownBitfield,
		OnBlockReceived: t.onBlockReceived,
	})
	if err != nil {
		return nil, err
	}
	t.swarm = swarm

	trk, err := tracker.NewTracker(metainfo.Announce, metainfo.AnnounceList, &tracker.TrackerOpts{
		Log:               logger,
		OnAnnounceStart:   t.buildAnnounceParams,
		OnAnnounceSuccess: swarm.AdmitPeers,
	})
	if err != nil {
		return nil, err
	}
	t.tracker = trk

	return t, nil
}

// buildFiles lays out the torrent's files in a flat address space,
// adapted from the teacher's internal/storage.setupFiles: same offset
// arithmetic, but it returns memregion.File descriptors rather than
// opening the handles itself — NewRegion owns that.
func buildFiles(metainfo *meta.Metainfo, downloadDir string) ([]*memregion.File, error) {
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return nil, &rerror.Storage{Op: "mkdir", Err: err}
	}

	var (
		offset int64
		files  []*memregion.File
	)

	if metainfo.Info.Length > 0 {
		return []*memregion.File{{
			Path:   filepath.Join(downloadDir, metainfo.Info.Name),
			Offset: 0,
			Length: metainfo.Info.Length,
		}}, nil
	}

	for _, f := range metainfo.Info.Files {
		parts := append([]string{downloadDir, metainfo.Info.Name}, f.Path...)
		files = append(files, &memregion.File{
			Path:   filepath.Join(parts...),
			Offset: offset,
			Length: f.Length,
		})
		offset += f.Length
	}

	return files, nil
}

func (t *Torrent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	// resultLoop is the only reader of t.results and the only caller of
	// onHashResult, keeping chunks/delegator/state/bitfield mutation on
	// a single goroutine (spec §5's done-map handoff). It ranges over
	// the channel rather than selecting on ctx.Done so it keeps draining
	// through the Cancel/Close sequence below; the worker goroutine's
	// finish() send would otherwise deadlock against Cancel's per-job
	// wait.
	resultLoopDone := make(chan struct{})
	go func() {
		defer close(resultLoopDone)
		for res := range t.results {
			t.onHashResult(res)
		}
	}()

	go t.runInitialVerification()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return t.swarm.Run(gctx) })
	g.Go(func() error { return t.tracker.Run(gctx) })
	g.Go(func() error { return t.syncLoop(gctx) })
	g.Go(func() error { return t.aggressiveLoop(gctx) })

	<-gctx.Done()
	t.hashPipe.Cancel(t.downloadID)
	t.sched.Close()
	t.hashPipe.Close()
	close(t.results)
	<-resultLoopDone
	_ = t.chunks.SyncChunks(chunklist.SyncAll | chunklist.SyncForce)
	_ = t.region.Close()

	return g.Wait()
}

func (t *Torrent) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

// runInitialVerification drives the InitialVerifier to completion
// before anything is reported complete, comparing every piece already
// on disk against its expected hash (spec §4.C InitialVerifier).
func (t *Torrent) runInitialVerification() {
	defer close(t.verifyDone)

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		if !t.initialVerifier.Step() {
			return
		}
	}
}

// syncLoop periodically flushes the chunk list's dirty FIFO so pages
// written via pwrite are durable without waiting for every node's
// writable refcount to drop to zero (spec §4.B sync_chunks).
func (t *Torrent) syncLoop(ctx context.Context) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := t.chunks.SyncChunks(chunklist.SyncAll); err != nil {
				t.logger.Warn("sync chunks failed", "error", err)
			}
		}
	}
}

// aggressiveLoop turns on endgame mode once the download is
// sufficiently close to completion (spec §4.D step 7 / §8 property 5).
func (t *Torrent) aggressiveLoop(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			completed := int(t.pieceCount) - t.state.Wanted()
			frac := float64(completed) / float64(t.pieceCount)
			t.delegator.SetAggressive(frac >= t.cfg.AggressiveAfter)
		}
	}
}

func (t *Torrent) ownBitfield() bitfield.Bitfield {
	t.bitfieldMu.RLock()
	defer t.bitfieldMu.RUnlock()
	return t.bitfield.Clone()
}

// onBlockReceived persists one PIECE payload's bytes via pwrite,
// following spec §9's guidance to write through the file handle
// rather than through the mmap'd bytes.
func (t *Torrent) onBlockReceived(pieceIndex, begin uint32, block []byte) {
	handle, err := t.chunks.Get(pieceIndex, chunklist.Writable)
	if err != nil {
		t.logger.Error("failed to acquire writable chunk", "piece", pieceIndex, "error", err)
		return
	}
	defer t.chunks.Release(handle)

	if err := writeBlock(handle.Chunk(), begin, block); err != nil {
		t.logger.Error("failed to write block", "piece", pieceIndex, "begin", begin, "error", err)
	}
}

// writeBlock pwrites block's bytes at logical offset begin within
// chunk, splitting across file boundaries when the block straddles
// more than one underlying file (spec §4.A/§4.B: a Chunk may span
// several Files).
func writeBlock(chunk *memregion.Chunk, begin uint32, block []byte) error {
	start := int64(begin)
	end := start + int64(len(block))

	for _, part := range chunk.Parts {
		if part.Chunk == nil {
			continue
		}

		partStart := part.PositionWithinPiece
		partEnd := partStart + part.Length

		overlapStart := max(start, partStart)
		overlapEnd := min(end, partEnd)
		if overlapStart >= overlapEnd {
			continue
		}

		inFileOff := chunk.InFileOffset(part) + (overlapStart - partStart)
		if _, err := part.File.WriteAt(block[overlapStart-start:overlapEnd-start], inFileOff); err != nil {
			return &rerror.Storage{Op: "pwrite", Err: err}
		}
	}

	return nil
}

// onPieceComplete fires once every block of a piece has finished
// (spec §4.D finished()); it hands the piece to the hash pipeline for
// verification.
func (t *Torrent) onPieceComplete(pieceIndex uint32) {
	pieceLen, _ := delegator.PieceLengthAt(pieceIndex, uint64(t.size), uint32(t.pieceLength))
	if err := t.liveVerifier.OnPieceComplete(pieceIndex, int64(pieceLen)); err != nil {
		t.logger.Error("failed to enqueue piece for hashing", "piece", pieceIndex, "error", err)
	}
}

// onHashResult is the main-thread drain spec §4.C requires: compare
// the digest against the expected hash, mark the piece completed or
// re-queue it, and release the handle last.
func (t *Torrent) onHashResult(res hashpipe.Result) {
	defer func() {
		if res.Handle != nil {
			_ = t.chunks.Release(res.Handle)
		}
	}()

	if res.Cancelled {
		return
	}

	if int(res.PieceIndex) >= len(t.Metainfo.Info.Pieces) {
		return
	}

	pieceLen, _ := delegator.PieceLengthAt(res.PieceIndex, uint64(t.size), uint32(t.pieceLength))
	t.initialVerifier.Done(int64(pieceLen))

	expected := t.Metainfo.Info.Pieces[res.PieceIndex]
	if res.Sum == expected {
		t.state.MarkCompleted(res.PieceIndex)
		t.delegator.Done(res.PieceIndex)

		t.bitfieldMu.Lock()
		t.bitfield.Set(int(res.PieceIndex))
		t.bitfieldMu.Unlock()

		t.swarm.BroadcastHave(res.PieceIndex)
		t.logger.Debug("piece verified", "piece", res.PieceIndex)
	} else {
		t.delegator.Redo(res.PieceIndex)
		t.logger.Warn("piece failed hash check", "piece", res.PieceIndex)
	}
}

type Stats struct {
	peer.SwarmMetrics
	tracker.TrackerMetrics
	Progress    float64            `json:"progress"`
	Peers       []peer.PeerMetrics `json:"peers"`
	PieceStates []bool             `json:"pieceStates"`
}

func (t *Torrent) GetStats() *Stats {
	swarmStats := t.swarm.Stats()
	trackerStats := t.tracker.Stats()

	t.bitfieldMu.RLock()
	pieceStates := make([]bool, t.pieceCount)
	for i := range pieceStates {
		pieceStates[i] = t.bitfield.Has(i)
	}
	t.bitfieldMu.RUnlock()

	s := &Stats{
		Peers:       t.swarm.PeerMetrics(),
		PieceStates: pieceStates,
	}
	s.SwarmMetrics = swarmStats
	s.TrackerMetrics = trackerStats

	completed := int(t.pieceCount) - t.state.Wanted()
	if t.pieceCount > 0 {
		s.Progress = (float64(completed) / float64(t.pieceCount)) * 100.0
	}
	return s
}

func (t *Torrent) GetConfig() *Config {
	return t.cfg
}

func (t *Torrent) buildAnnounceParams() *tracker.AnnounceParams {
	stats := t.swarm.Stats()
	downloaded := stats.TotalDownloaded
	left := uint64(t.size) - downloaded

	event := tracker.EventNone
	if left == 0 {
		event = tracker.EventCompleted
	} else if downloaded > 0 {
		event = tracker.EventStarted
	}

	return &tracker.AnnounceParams{
		Event:      event,
		InfoHash:   t.Metainfo.InfoHash,
		PeerID:     t.clientID,
		Uploaded:   stats.TotalUploaded,
		Downloaded: downloaded,
		Left:       left,
	}
}
