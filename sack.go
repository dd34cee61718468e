/*
 *    sack.go - selective acknowledgment tracking and bytes-in-flight
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

import "github.com/streamlens/streamlens/types"

// MaxSackRanges caps the SACK ranges recorded per segment.
const MaxSackRanges = 15

// SackTracker stores a flow's currently reported SACK ranges and answers
// D-SACK and bytes-in-flight questions from them.  Option syntax decoding is
// the collaborator's job; ranges arrive here already parsed.
type SackTracker struct {
	opts *Options
}

// RecordRanges replaces flow's current-packet SACK ranges with blocks, up to
// MaxSackRanges.
func (t *SackTracker) RecordRanges(flow *FlowState, blocks []types.SackBlock) {
	if len(blocks) > MaxSackRanges {
		blocks = blocks[:MaxSackRanges]
	}
	flow.Sack = flow.Sack[:0]
	flow.Sack = append(flow.Sack, blocks...)
}

// IsDSack reports whether the first reported range duplicates data the
// cumulative ACK already covers: it ends at or before cumAck, or it nests
// inside the second range.
func (t *SackTracker) IsDSack(blocks []types.SackBlock, cumAck types.Sequence) bool {
	if len(blocks) == 0 {
		return false
	}
	first := blocks[0]
	if !first.Right.GreaterThan(cumAck) {
		return true
	}
	if len(blocks) >= 2 {
		second := blocks[1]
		if !first.Left.LessThan(second.Left) && !first.Right.GreaterThan(second.Right) {
			return true
		}
	}
	return false
}

// Covers reports whether [seq, seq+length) lies entirely inside one of the
// given SACK ranges.
func (t *SackTracker) Covers(blocks []types.SackBlock, seq types.Sequence, length int) bool {
	end := seq.Add(length)
	for _, b := range blocks {
		if !seq.LessThan(b.Left) && !end.GreaterThan(b.Right) {
			return true
		}
	}
	return false
}

// BytesInFlight estimates the sender fwd's data sent but not cumulatively
// acknowledged by rev.  Depending on configuration it spans the currently
// unacked segment payloads or subtracts the peer's last ACK from the
// frontier; either way, spans the peer has selectively acknowledged are
// subtracted.  Returns 0 while the estimate is known to be invalid.
func (t *SackTracker) BytesInFlight(fwd, rev *FlowState) int {
	if !fwd.ValidBytesInFlight {
		return 0
	}

	var inFlight int
	if t.opts.BytesInFlightFromUnacked {
		if len(fwd.unacked) == 0 {
			return 0
		}
		low := fwd.unacked[0].Seq
		high := fwd.unacked[0].NextSeq
		for _, u := range fwd.unacked[1:] {
			if u.Seq.LessThan(low) {
				low = u.Seq
			}
			if u.NextSeq.GreaterThan(high) {
				high = u.NextSeq
			}
		}
		inFlight = low.Difference(high)
	} else {
		if fwd.NextSeq == types.InvalidSequence || rev.LastAck == types.InvalidSequence {
			return 0
		}
		inFlight = rev.LastAck.Difference(fwd.NextSeq)
	}

	// The peer's reported ranges were received even though the cumulative
	// ACK has not caught up with them yet.
	for _, b := range rev.Sack {
		span := b.Left.Difference(b.Right)
		if span > 0 {
			inFlight -= span
		}
	}
	if inFlight < 0 {
		inFlight = 0
	}
	return inFlight
}
