package delegator

import "github.com/RoaringBitmap/roaring"

// DownloadState holds the download-level sets spec §3 names:
// completed_bitfield, untouched_bitfield, high/normal priority ranges,
// and the cached wanted_chunks count. completed/untouched use
// roaring.Bitmap rather than the wire-format pkg/bitfield.Bitfield —
// this is pure in-process set math (membership tests, intersection
// with priority ranges) that never touches the network, so the
// RoaringBitmap dependency (grounded on DannyZB-torrent's storage
// layer) is a better fit than the byte-dense wire bitfield. Peer
// bitfields are converted to/from pkg/bitfield at the connection
// boundary only.
type DownloadState struct {
	pieceCount uint32
	completed  *roaring.Bitmap
	untouched  *roaring.Bitmap
	high       PriorityRanges
	normal     PriorityRanges
	wanted     int
}

func NewDownloadState(pieceCount uint32) *DownloadState {
	untouched := roaring.New()
	for i := uint32(0); i < pieceCount; i++ {
		untouched.Add(i)
	}
	return &DownloadState{
		pieceCount: pieceCount,
		completed:  roaring.New(),
		untouched:  untouched,
	}
}

func (d *DownloadState) IsCompleted(i uint32) bool { return d.completed.Contains(i) }

func (d *DownloadState) MarkCompleted(i uint32) {
	d.completed.Add(i)
	d.untouched.Remove(i)
	d.recomputeWanted()
}

func (d *DownloadState) MarkUncompleted(i uint32) {
	d.completed.Remove(i)
	d.recomputeWanted()
}

func (d *DownloadState) MarkTouched(i uint32) { d.untouched.Remove(i) }

func (d *DownloadState) SetHighPriority(begin, end uint32) {
	d.high.Insert(begin, end)
	d.recomputeWanted()
}

func (d *DownloadState) SetNormalPriority(begin, end uint32) {
	d.normal.Insert(begin, end)
	d.recomputeWanted()
}

func (d *DownloadState) ClearPriority(begin, end uint32) {
	d.high.Erase(begin, end)
	d.normal.Erase(begin, end)
	d.recomputeWanted()
}

func (d *DownloadState) InHighPriority(i uint32) bool { return d.high.Contains(i) }
func (d *DownloadState) InNormalPriority(i uint32) bool {
	return d.normal.Contains(i)
}

// Wanted returns the cached count, which must always equal
// |{i : !completed[i] && i in high ∪ normal}| (spec §8 property 6).
func (d *DownloadState) Wanted() int { return d.wanted }

func (d *DownloadState) recomputeWanted() {
	n := 0
	for i := uint32(0); i < d.pieceCount; i++ {
		if d.completed.Contains(i) {
			continue
		}
		if d.high.Contains(i) || d.normal.Contains(i) {
			n++
		}
	}
	d.wanted = n
}

// CompletedBitmap returns a defensive copy for external consumption
// (e.g. building the wire-format bitfield to send to peers).
func (d *DownloadState) CompletedBitmap() *roaring.Bitmap {
	return d.completed.Clone()
}
