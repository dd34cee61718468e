/*
 *    ooo_buffer.go - out-of-order segment store
 *
 *    streamlens - passive TCP sequence analysis and stream reassembly
 *
 *    This program is free software: you can redistribute it and/or modify
 *    it under the terms of the GNU General Public License as published by
 *    the Free Software Foundation, either version 3 of the License, or
 *    (at your option) any later version.
 *
 *    This program is distributed in the hope that it will be useful,
 *    but WITHOUT ANY WARRANTY; without even the implied warranty of
 *    MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 *    GNU General Public License for more details.
 *
 *    You should have received a copy of the GNU General Public License
 *    along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package streamlens

import (
	"github.com/google/btree"
	"github.com/sirupsen/logrus"

	"github.com/streamlens/streamlens/types"
)

// oooSegment is one buffered out-of-order segment.  Entries are ordered by
// (seq, frame) so a drain visits equal-sequence duplicates oldest first.
type oooSegment struct {
	Frame uint64
	Seq   types.Sequence
	Bytes []byte
}

func (s *oooSegment) Less(than btree.Item) bool {
	o := than.(*oooSegment)
	if s.Seq != o.Seq {
		return s.Seq < o.Seq
	}
	return s.Frame < o.Frame
}

// SplicedSegment is a buffered segment returned by Drain once the contiguous
// frontier reached it.  Seq and Bytes are already trimmed of any overlap with
// data delivered before it.
type SplicedSegment struct {
	Frame uint64
	Seq   types.Sequence
	Bytes []byte
}

// OutOfOrderBuffer stores segments seen beyond a flow direction's contiguous
// frontier until the gap before them closes.  All state is per flow; nothing
// here depends on globals, so replay passes reproduce identical decisions.
type OutOfOrderBuffer struct {
	tree        *btree.BTree
	bufferedLen int

	maxSegments int
	maxBytes    int

	log *logrus.Entry
}

// NewOutOfOrderBuffer returns an empty buffer with the given caps.  A cap of
// <= 0 means unbounded.
func NewOutOfOrderBuffer(maxSegments, maxBytes int, log *logrus.Entry) *OutOfOrderBuffer {
	return &OutOfOrderBuffer{
		tree:        btree.New(8),
		maxSegments: maxSegments,
		maxBytes:    maxBytes,
		log:         log,
	}
}

// Len returns the number of buffered segments.
func (b *OutOfOrderBuffer) Len() int {
	return b.tree.Len()
}

// BufferedBytes returns the total payload bytes held.
func (b *OutOfOrderBuffer) BufferedBytes() int {
	return b.bufferedLen
}

// Record stores a segment that lies beyond frontier with a genuine gap
// before it.  The payload is copied; capture buffers are reused by their
// sources.  Re-recording the same (seq, frame) replaces the entry, which
// keeps replay passes idempotent.
func (b *OutOfOrderBuffer) Record(frame uint64, seq types.Sequence, data []byte, frontier types.Sequence) {
	entry := &oooSegment{
		Frame: frame,
		Seq:   seq,
		Bytes: append([]byte(nil), data...),
	}
	if old := b.tree.ReplaceOrInsert(entry); old != nil {
		b.bufferedLen -= len(old.(*oooSegment).Bytes)
	}
	b.bufferedLen += len(entry.Bytes)

	for (b.maxSegments > 0 && b.tree.Len() > b.maxSegments) ||
		(b.maxBytes > 0 && b.bufferedLen > b.maxBytes) {
		// Evict the entry furthest past the frontier; it is the least
		// likely to ever be spliced.
		v := b.evictFurthest(frontier)
		if v == nil {
			break
		}
		b.bufferedLen -= len(v.Bytes)
		b.log.WithFields(logrus.Fields{
			"frame": v.Frame,
			"seq":   v.Seq,
		}).Warn("out-of-order buffer full, dropping segment")
		if v.Frame == frame && v.Seq == seq {
			return
		}
	}
}

// evictFurthest removes and returns the buffered entry furthest beyond
// frontier.  Raw tree order misranks entries straddling a sequence wrap, so
// rank by modular distance instead.  The tree never holds more entries than
// the caps allow, so the scan stays short.
func (b *OutOfOrderBuffer) evictFurthest(frontier types.Sequence) *oooSegment {
	var victim *oooSegment
	worst := 0
	b.tree.Ascend(func(i btree.Item) bool {
		e := i.(*oooSegment)
		if d := frontier.Difference(e.Seq); victim == nil || d > worst {
			victim = e
			worst = d
		}
		return true
	})
	if victim == nil {
		return nil
	}
	b.tree.Delete(victim)
	return victim
}

// Each visits every buffered segment's frame number in (seq, frame) order.
func (b *OutOfOrderBuffer) Each(fn func(frame uint64)) {
	b.tree.Ascend(func(i btree.Item) bool {
		fn(i.(*oooSegment).Frame)
		return true
	})
}

// Drain repeatedly removes the lowest-sequence entry whose sequence number is
// at or before frontier, advancing frontier past each spliced entry's bytes,
// until no entry qualifies.  Equal sequence numbers splice in frame order.
// Entries made wholly stale by the advancing frontier are discarded.
func (b *OutOfOrderBuffer) Drain(frontier types.Sequence) ([]SplicedSegment, types.Sequence) {
	var out []SplicedSegment
	for {
		best, bestDiff := b.nextSplice(frontier)
		if best == nil {
			return out, frontier
		}
		b.tree.Delete(best)
		b.bufferedLen -= len(best.Bytes)
		if bestDiff >= len(best.Bytes) {
			continue
		}
		out = append(out, SplicedSegment{
			Frame: best.Frame,
			Seq:   frontier,
			Bytes: best.Bytes[bestDiff:],
		})
		frontier = frontier.Add(len(best.Bytes) - bestDiff)
	}
}

// Arc boundaries mirroring the quarter-space cutoffs in
// types.Sequence.Difference.
const (
	seqLowQuarter  = types.Sequence(0xFFFFFFFF / 4)
	seqHighQuarter = types.Sequence(0xFFFFFFFF - 0xFFFFFFFF/4)
)

// nextSplice returns the entry starting earliest at or before frontier,
// with its distance behind it.  Entries sort by raw sequence number, so the
// winner is the first entry visited once any run of wrapped entries at the
// raw head or tail of the tree is stepped over, and a splice costs one
// bounded tree descent instead of a full scan.
func (b *OutOfOrderBuffer) nextSplice(frontier types.Sequence) (*oooSegment, int) {
	var best *oooSegment
	bestDiff := -1
	take := func(i btree.Item) bool {
		e := i.(*oooSegment)
		if d := e.Seq.Difference(frontier); d >= 0 {
			best = e
			bestDiff = d
		}
		return false
	}
	switch {
	case frontier < seqLowQuarter:
		// Just past a wrap: entries from before it sort to the raw tail
		// yet sit further behind the frontier than anything at the head.
		b.tree.AscendGreaterOrEqual(&oooSegment{Seq: seqHighQuarter + 1}, take)
		if best == nil {
			b.tree.Ascend(take)
		}
	case frontier > seqHighQuarter:
		// Approaching a wrap: entries from after it sort to the raw head
		// and are still in the future; step over them.
		b.tree.AscendGreaterOrEqual(&oooSegment{Seq: seqLowQuarter}, take)
	default:
		b.tree.Ascend(take)
	}
	return best, bestDiff
}
