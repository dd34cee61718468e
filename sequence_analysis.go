/*
 *    sequence_analysis.go - per-segment TCP sequence number analysis
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
	"time"

	"github.com/streamlens/streamlens/types"
)

// SequenceAnalyzer classifies each segment against its flow's history and
// mutates both FlowStates in place.  It never fails: combinations no rule
// recognizes simply stay unclassified, since the output is advisory
// annotation rather than control flow.
//
// Classification runs as an ordered list of rules; each either passes,
// matches and continues, or matches and finishes the segment.  The ordering
// encodes the check interdependencies, so do not reorder rules without
// revisiting the ones below them.
type SequenceAnalyzer struct {
	conv  *Conversation
	opts  *Options
	rules []classificationRule
}

type ruleVerdict int

const (
	ruleContinue ruleVerdict = iota
	ruleFinished
)

type classificationRule struct {
	name string
	fn   func(*classifyContext) ruleVerdict
}

// classifyContext carries one segment's analysis through the rule list.
type classifyContext struct {
	seg      *types.SegmentManifest
	fwd, rev *FlowState
	rec      *AnalysisRecord

	seq    types.Sequence
	ack    types.Sequence
	segLen int
	ts     time.Time
}

func (ctx *classifyContext) setFlag(f types.ClassificationFlags) {
	ctx.rec.Flags |= f
}

// NewSequenceAnalyzer builds the analyzer with its rule list in evaluation
// order.
func NewSequenceAnalyzer(conv *Conversation, opts *Options) *SequenceAnalyzer {
	a := &SequenceAnalyzer{conv: conv, opts: opts}
	a.rules = []classificationRule{
		{"zero-window-probe", a.ruleZeroWindowProbe},
		{"zero-window", a.ruleZeroWindow},
		{"lost-packet", a.ruleLostPacket},
		{"keep-alive", a.ruleKeepAlive},
		{"window-update", a.ruleWindowUpdate},
		{"window-full", a.ruleWindowFull},
		{"keep-alive-ack", a.ruleKeepAliveAck},
		{"zero-window-probe-ack", a.ruleZeroWindowProbeAck},
		{"duplicate-ack", a.ruleDuplicateAck},
		{"ack-streak-reset", a.ruleAckStreakReset},
		{"acked-lost-packet", a.ruleAckedLostPacket},
		{"retransmission", a.ruleRetransmissionFamily},
	}
	return a
}

// Classify evaluates the rule list over one segment, then performs the
// unconditional bookkeeping that keeps both FlowStates current.  All timing
// heuristics use the capture timestamp, never the wall clock, so replays of
// the same frames reproduce the same answers.
func (a *SequenceAnalyzer) Classify(seg *types.SegmentManifest, fwd, rev *FlowState, rec *AnalysisRecord) types.ClassificationFlags {
	ctx := &classifyContext{
		seg:    seg,
		fwd:    fwd,
		rev:    rev,
		rec:    rec,
		seq:    seg.Seq(),
		ack:    seg.Ack(),
		segLen: seg.Len(),
		ts:     seg.Timestamp,
	}

	a.conv.sack.RecordRanges(fwd, seg.Sack)
	if len(seg.Sack) > 0 && seg.TCP.ACK && a.conv.sack.IsDSack(seg.Sack, ctx.ack) {
		ctx.setFlag(types.DSack)
	}

	for _, rule := range a.rules {
		if rule.fn(ctx) == ruleFinished {
			break
		}
	}

	a.bookkeep(ctx)
	return rec.Flags
}

// Rule 1: a one byte segment sent into a peer-advertised zero window is a
// probe, fully handled here.
func (a *SequenceAnalyzer) ruleZeroWindowProbe(ctx *classifyContext) ruleVerdict {
	if ctx.segLen == 1 &&
		ctx.fwd.NextSeq != types.InvalidSequence && ctx.seq == ctx.fwd.NextSeq &&
		ctx.rev.windowSet && ctx.rev.Window == 0 {
		ctx.setFlag(types.ZeroWindowProbe)
		return ruleFinished
	}
	return ruleContinue
}

// Rule 2: advertising a zero receive window outside connection setup and
// teardown.
func (a *SequenceAnalyzer) ruleZeroWindow(ctx *classifyContext) ruleVerdict {
	tcp := &ctx.seg.TCP
	if ctx.seg.TCP.Window == 0 && !tcp.SYN && !tcp.FIN && !tcp.RST {
		ctx.setFlag(types.ZeroWindow)
	}
	return ruleContinue
}

// Rule 3: a sequence number beyond the frontier means the capture is missing
// at least one earlier segment.  The bytes-in-flight estimate is unreliable
// until the peer's next ACK.
func (a *SequenceAnalyzer) ruleLostPacket(ctx *classifyContext) ruleVerdict {
	if ctx.fwd.NextSeq != types.InvalidSequence &&
		ctx.seq.GreaterThan(ctx.fwd.NextSeq) &&
		!ctx.seg.TCP.RST {
		ctx.setFlag(types.LostPacket)
		ctx.fwd.ValidBytesInFlight = false
	}
	return ruleContinue
}

// Rule 4: a zero or one byte segment one before the frontier keeps the
// connection alive.
func (a *SequenceAnalyzer) ruleKeepAlive(ctx *classifyContext) ruleVerdict {
	tcp := &ctx.seg.TCP
	if (ctx.segLen == 0 || ctx.segLen == 1) &&
		ctx.fwd.NextSeq != types.InvalidSequence &&
		ctx.seq == ctx.fwd.NextSeq.Add(-1) &&
		!tcp.SYN && !tcp.FIN && !tcp.RST {
		ctx.setFlag(types.KeepAlive)
	}
	return ruleContinue
}

// Rule 5: a zero length segment that changes only the advertised window.  A
// SACK option on such a segment makes it definitionally a duplicate ACK
// instead: the peer is signalling missing data, not window growth.
func (a *SequenceAnalyzer) ruleWindowUpdate(ctx *classifyContext) ruleVerdict {
	tcp := &ctx.seg.TCP
	if ctx.segLen != 0 || tcp.SYN || tcp.FIN || tcp.RST {
		return ruleContinue
	}
	if tcp.Window == 0 || !ctx.fwd.windowSet || tcp.Window == ctx.fwd.Window {
		return ruleContinue
	}
	if ctx.fwd.NextSeq == types.InvalidSequence || ctx.seq != ctx.fwd.NextSeq {
		return ruleContinue
	}
	if ctx.fwd.LastAck == types.InvalidSequence || ctx.ack != ctx.fwd.LastAck {
		return ruleContinue
	}
	if len(ctx.seg.Sack) > 0 {
		if a.opts.SuppressMptcpDupAcks && ctx.seg.MptcpDivergent {
			return ruleContinue
		}
		ctx.fwd.DupAckCount++
		ctx.setFlag(types.DuplicateAck)
		ctx.rec.DupAckNum = ctx.fwd.DupAckCount
		ctx.rec.DupAckFrame = ctx.fwd.StreakFrame
		return ruleContinue
	}
	ctx.setFlag(types.WindowUpdate)
	return ruleContinue
}

// Rule 6: the segment's far edge lands exactly on the peer's advertised
// window edge.
func (a *SequenceAnalyzer) ruleWindowFull(ctx *classifyContext) ruleVerdict {
	tcp := &ctx.seg.TCP
	if ctx.segLen == 0 || tcp.SYN || tcp.FIN || tcp.RST {
		return ruleContinue
	}
	if ctx.rev.WindowScale == WindowScaleUnknown || !ctx.rev.windowSet ||
		ctx.rev.LastAck == types.InvalidSequence {
		return ruleContinue
	}
	scale := 0
	if ctx.rev.seenFirstAck && ctx.rev.WindowScale >= 0 {
		scale = ctx.rev.WindowScale
	}
	edge := ctx.rev.LastAck.Add(int(ctx.rev.Window) << uint(scale))
	if ctx.seq.Add(ctx.segLen) == edge {
		ctx.setFlag(types.WindowFull)
	}
	return ruleContinue
}

// Rule 7: an exact repeat of the previous ACK while the peer's last segment
// was a keep-alive.
func (a *SequenceAnalyzer) ruleKeepAliveAck(ctx *classifyContext) ruleVerdict {
	tcp := &ctx.seg.TCP
	if ctx.segLen == 0 &&
		ctx.fwd.windowSet && tcp.Window == ctx.fwd.Window &&
		ctx.fwd.LastAck != types.InvalidSequence && ctx.ack == ctx.fwd.LastAck &&
		ctx.fwd.NextSeq != types.InvalidSequence && ctx.seq == ctx.fwd.NextSeq &&
		ctx.rev.LastClass.Has(types.KeepAlive) &&
		!tcp.SYN && !tcp.FIN && !tcp.RST {
		ctx.setFlag(types.KeepAliveAck)
		return ruleFinished
	}
	return ruleContinue
}

// Rule 8: the answer to a zero-window probe.  When the ACK moves exactly one
// byte past the previous one, the probe's byte was accepted and the peer's
// frontier advances to match.
func (a *SequenceAnalyzer) ruleZeroWindowProbeAck(ctx *classifyContext) ruleVerdict {
	tcp := &ctx.seg.TCP
	if ctx.segLen != 0 || tcp.SYN || tcp.FIN || tcp.RST {
		return ruleContinue
	}
	if tcp.Window != 0 || !ctx.rev.LastClass.Has(types.ZeroWindowProbe) {
		return ruleContinue
	}
	if ctx.fwd.NextSeq == types.InvalidSequence || ctx.seq != ctx.fwd.NextSeq ||
		ctx.fwd.LastAck == types.InvalidSequence {
		return ruleContinue
	}
	if ctx.ack == ctx.fwd.LastAck {
		ctx.setFlag(types.ZeroWindowProbeAck)
		return ruleFinished
	}
	if ctx.ack == ctx.fwd.LastAck.Add(1) {
		ctx.setFlag(types.ZeroWindowProbeAck)
		// The probe's one byte is now considered delivered.
		ctx.rev.NextSeq = ctx.ack
		ctx.rev.MaxSeqAcked = ctx.ack
		return ruleFinished
	}
	return ruleContinue
}

// Rule 9: an exact repeat of seq, ack and window on a bare ACK.
func (a *SequenceAnalyzer) ruleDuplicateAck(ctx *classifyContext) ruleVerdict {
	tcp := &ctx.seg.TCP
	if ctx.segLen != 0 || tcp.SYN || tcp.FIN || tcp.RST {
		return ruleContinue
	}
	if !ctx.fwd.windowSet || tcp.Window != ctx.fwd.Window {
		return ruleContinue
	}
	if ctx.fwd.NextSeq == types.InvalidSequence || ctx.seq != ctx.fwd.NextSeq {
		return ruleContinue
	}
	if ctx.fwd.LastAck == types.InvalidSequence || ctx.ack != ctx.fwd.LastAck {
		return ruleContinue
	}
	if ctx.rec.Flags.Has(types.DuplicateAck) || ctx.rec.Flags.Has(types.WindowUpdate) {
		return ruleContinue
	}
	if a.opts.SuppressMptcpDupAcks && ctx.seg.MptcpDivergent {
		return ruleContinue
	}
	ctx.fwd.DupAckCount++
	ctx.setFlag(types.DuplicateAck)
	ctx.rec.DupAckNum = ctx.fwd.DupAckCount
	ctx.rec.DupAckFrame = ctx.fwd.StreakFrame
	return ruleContinue
}

// Rule 10: an advancing ACK ends the duplicate streak; this frame becomes the
// streak anchor duplicates will be attributed to.
func (a *SequenceAnalyzer) ruleAckStreakReset(ctx *classifyContext) ruleVerdict {
	if !ctx.seg.TCP.ACK {
		return ruleContinue
	}
	if ctx.fwd.LastAck == types.InvalidSequence || ctx.ack != ctx.fwd.LastAck {
		ctx.fwd.DupAckCount = 0
		ctx.fwd.StreakFrame = ctx.seg.Frame
	}
	return ruleContinue
}

// Rule 11: the ACK reaches past everything the capture shows the peer
// sending.  Either the trailing edge of a zero-window probe exchange, or
// acknowledgment of a segment the trace never contained.
func (a *SequenceAnalyzer) ruleAckedLostPacket(ctx *classifyContext) ruleVerdict {
	if !ctx.seg.TCP.ACK || ctx.rev.MaxSeqAcked == types.InvalidSequence ||
		!ctx.ack.GreaterThan(ctx.rev.MaxSeqAcked) {
		return ruleContinue
	}

	if ctx.fwd.LastAck != types.InvalidSequence &&
		ctx.ack == ctx.fwd.LastAck.Add(1) &&
		ctx.fwd.NextSeq != types.InvalidSequence && ctx.seq == ctx.fwd.NextSeq &&
		ctx.rev.LastClass.Has(types.ZeroWindowProbe) {
		ctx.setFlag(types.WindowUpdate)
		ctx.rev.NextSeq = ctx.ack
		ctx.rev.MaxSeqAcked = ctx.ack
		return ruleContinue
	}

	if edge, ok := ctx.rev.contiguousRunEnd(ctx.rev.MaxSeqAcked, ctx.ack); ok {
		// Every byte up to the ACK appears in the trace; the intermediate
		// ACKs are what's missing, not the data.
		ctx.rev.MaxSeqAcked = edge
		return ruleContinue
	}
	ctx.rev.MaxSeqAcked = ctx.ack
	ctx.setFlag(types.AckedLostPacket)
	return ruleContinue
}

// Rule 12: the retransmission family.  Only data-bearing (or SYN/FIN)
// segments whose sequence number failed to advance are candidates; the
// fast-retransmission and out-of-order checks alternate in configurable
// precedence before falling through to a plain retransmission.
func (a *SequenceAnalyzer) ruleRetransmissionFamily(ctx *classifyContext) ruleVerdict {
	tcp := &ctx.seg.TCP
	if ctx.segLen == 0 && !tcp.SYN && !tcp.FIN {
		return ruleContinue
	}
	if ctx.rec.Flags.Has(types.KeepAlive) {
		return ruleContinue
	}

	if ctx.segLen > 0 && ctx.rev.LastAck != types.InvalidSequence &&
		!ctx.seq.Add(ctx.segLen).GreaterThan(ctx.rev.LastAck) {
		// Every byte was already cumulatively acknowledged.
		ctx.setFlag(types.SpuriousRetransmission)
		return ruleContinue
	}

	seqNotAdvanced := ctx.fwd.NextSeq != types.InvalidSequence &&
		ctx.seq.LessThan(ctx.fwd.NextSeq)
	if ctx.fwd.NextSeq != types.InvalidSequence && ctx.segLen > 1 &&
		ctx.seq == ctx.fwd.NextSeq.Add(-1) {
		// Presumed to extend a just-completed zero-window probe.
		seqNotAdvanced = false
	}
	if !seqNotAdvanced {
		return ruleContinue
	}

	fastFirst := a.opts.FastRetransFirst
	for i := 0; i < 2; i++ {
		if fastFirst {
			if a.checkFastRetransmission(ctx) {
				return ruleContinue
			}
		} else {
			if a.checkOutOfOrder(ctx) {
				return ruleContinue
			}
		}
		fastFirst = !fastFirst
	}

	ctx.setFlag(types.Retransmission)
	ctx.rec.RTO = a.estimateRTO(ctx)
	return ruleContinue
}

// checkFastRetransmission: at least two duplicate ACKs from the peer, the
// segment starts exactly at the duplicated ACK point and arrives hot on its
// heels.  A segment lying inside a peer-reported SACK range is the sender
// obeying SACK, not panicking into a fast retransmit.
func (a *SequenceAnalyzer) checkFastRetransmission(ctx *classifyContext) bool {
	if ctx.rev.DupAckCount < 2 ||
		ctx.rev.LastAck == types.InvalidSequence || ctx.seq != ctx.rev.LastAck {
		return false
	}
	if ctx.ts.Sub(ctx.rev.LastAckTime) >= a.opts.FastRetransWindow {
		return false
	}
	if a.conv.sack.Covers(ctx.rev.Sack, ctx.seq, ctx.segLen) {
		return false
	}
	ctx.setFlag(types.FastRetransmission)
	return true
}

// checkOutOfOrder: the segment arrived within the adaptive reordering window
// of the last frontier advance and is not a repeat of data already seen.
func (a *SequenceAnalyzer) checkOutOfOrder(ctx *classifyContext) bool {
	threshold := a.opts.OutOfOrderWindow
	if rtt := a.conv.InitialRTT(); rtt > 0 {
		threshold = rtt
	}
	if ctx.ts.Sub(ctx.fwd.FrontierTime) >= threshold {
		return false
	}
	if ctx.fwd.coversUnacked(ctx.seq, ctx.segLen) {
		return false
	}
	if ctx.fwd.NextSeq == ctx.seg.NextSeq() && ctx.fwd.LastSegLen > 0 {
		// A segment closing the gap right up to the frontier after a data
		// segment is a straggler retransmission, not reordering.  After a
		// pure ACK it still counts as out-of-order.
		return false
	}
	ctx.setFlag(types.OutOfOrder)
	return true
}

// estimateRTO measures how long the sender waited before retransmitting: the
// age of the earliest still-unacked segment at or beyond this sequence
// number, falling back to the time since the frontier last advanced.
func (a *SequenceAnalyzer) estimateRTO(ctx *classifyContext) time.Duration {
	var earliest time.Time
	for _, u := range ctx.fwd.unacked {
		if u.Seq.LessThan(ctx.seq) {
			continue
		}
		if earliest.IsZero() || u.Seen.Before(earliest) {
			earliest = u.Seen
		}
	}
	if !earliest.IsZero() {
		return ctx.ts.Sub(earliest)
	}
	return ctx.ts.Sub(ctx.fwd.FrontierTime)
}

// bookkeep runs unconditionally after classification and is the only place
// flow state advances.
func (a *SequenceAnalyzer) bookkeep(ctx *classifyContext) {
	seg := ctx.seg
	tcp := &seg.TCP
	fwd, rev := ctx.fwd, ctx.rev

	if ctx.segLen > 0 || tcp.SYN || tcp.FIN {
		fwd.pushUnacked(UnackedSegment{
			Frame:   seg.Frame,
			Seq:     ctx.seq,
			NextSeq: seg.NextSeq(),
			Seen:    ctx.ts,
		}, a.opts.MaxUnackedSegments)
	}

	// The probe's phantom byte must not distort the frontier permanently;
	// rule 8 advances it if the probe turns out to have been accepted.
	if !ctx.rec.Flags.Has(types.ZeroWindowProbe) {
		edge := seg.NextSeq()
		if fwd.NextSeq == types.InvalidSequence || edge.GreaterThan(fwd.NextSeq) {
			fwd.NextSeq = edge
			fwd.FrontierTime = ctx.ts
		}
		if fwd.MaxSeqAcked == types.InvalidSequence || edge.GreaterThan(fwd.MaxSeqAcked) {
			fwd.MaxSeqAcked = edge
		}
	}

	fwd.Window = tcp.Window
	fwd.windowSet = true

	if tcp.SYN {
		if seg.WindowScale >= 0 {
			fwd.WindowScale = seg.WindowScale
		} else {
			fwd.WindowScale = WindowScaleNotScaled
		}
	}

	if tcp.ACK {
		fwd.LastAck = ctx.ack
		fwd.LastAckTime = ctx.ts
		fwd.seenFirstAck = true
		rev.ValidBytesInFlight = true
		rev.pruneAcked(ctx.ack)
	}

	fwd.PushBytes += ctx.segLen
	ctx.rec.PushBytes = fwd.PushBytes
	if tcp.PSH {
		fwd.PushBytes = 0
	}

	a.trackHandshake(ctx)

	fwd.LastClass = ctx.rec.Flags
	fwd.LastSegLen = ctx.segLen

	ctx.rec.BytesInFlight = a.conv.sack.BytesInFlight(fwd, rev)
}

// trackHandshake measures the initial RTT from SYN to the first ACK the
// initiator sends after the SYN/ACK.
func (a *SequenceAnalyzer) trackHandshake(ctx *classifyContext) {
	conv := a.conv
	tcp := &ctx.seg.TCP
	switch {
	case tcp.SYN && !tcp.ACK:
		conv.synSeen = true
		conv.synAckSeen = false
		conv.synTime = ctx.ts
	case tcp.SYN && tcp.ACK:
		conv.synAckSeen = true
	case tcp.ACK && conv.synSeen && conv.synAckSeen && conv.initialRTT == 0:
		conv.initialRTT = ctx.ts.Sub(conv.synTime)
	}
}
