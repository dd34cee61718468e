/*
 *    reassembly.go - multi-segment PDU tracking and in-order dispatch
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
	"io"
	"time"

	"github.com/google/btree"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/streamlens/streamlens/types"
)

// VerdictKind enumerates the upper-layer parser's possible answers.  The
// variants replace exception-style "need more data" signalling with ordinary
// return values the state machine branches on.
type VerdictKind int

const (
	VerdictConsumed VerdictKind = iota
	VerdictNeedMoreBytes
	VerdictNeedOneMoreSegment
	VerdictNeedUntilConnectionEnd
	VerdictMalformed
)

// Verdict is the upper-layer parser's answer for one byte range.
type Verdict struct {
	Kind VerdictKind
	// Consumed is how many bytes the parser accepted before stopping.
	// Negative means everything it was given.
	Consumed int
	// More is the additional byte count for VerdictNeedMoreBytes.
	More int
}

// ConsumedAll reports full consumption.
func ConsumedAll() Verdict { return Verdict{Kind: VerdictConsumed, Consumed: -1} }

// Consumed reports that the parser accepted n bytes and needs nothing more.
func Consumed(n int) Verdict { return Verdict{Kind: VerdictConsumed, Consumed: n} }

// NeedMoreBytes reports that the parser stopped after consumed bytes and
// needs n more past what it was given.
func NeedMoreBytes(consumed, n int) Verdict {
	return Verdict{Kind: VerdictNeedMoreBytes, Consumed: consumed, More: n}
}

// NeedOneMoreSegment asks for exactly one further segment.
func NeedOneMoreSegment() Verdict { return Verdict{Kind: VerdictNeedOneMoreSegment} }

// NeedUntilConnectionEnd asks for all bytes up to the end of the connection.
func NeedUntilConnectionEnd() Verdict { return Verdict{Kind: VerdictNeedUntilConnectionEnd} }

// MalformedAbort reports unparseable data; analysis of the contributing
// frames is abandoned and their bytes rendered raw.
func MalformedAbort() Verdict { return Verdict{Kind: VerdictMalformed} }

// UpperLayerDispatch is the registered higher-level parser.  The engine
// assumes nothing about its internals beyond this contract.
type UpperLayerDispatch interface {
	Dispatch(data []byte, reassembled bool, seq types.Sequence) Verdict
}

// PduFlags describe a multi-segment PDU's progress.
type PduFlags uint8

const (
	PduReassembleEntireSegment PduFlags = 1 << iota
	PduGotAllSegments
	PduMissingFirstSegment
	pduOneMoreSegment
	pduUntilEnd
)

// connectionEndOffset extends an until-connection-end PDU: large enough to
// outlast any plausible stream, small enough that wraparound comparisons
// against it stay valid.
const connectionEndOffset = 1 << 30

// frameSpan records which frame contributed which slice of a PDU's buffer.
type frameSpan struct {
	frame  uint64
	length int
}

// MultiSegmentPdu tracks one upper-layer message spanning several segments.
type MultiSegmentPdu struct {
	StartSeq types.Sequence
	// EndSeq is exclusive: the expected start of the next PDU.  It may be
	// sentinel-extended and never shrinks, so a late out-of-order arrival
	// cannot truncate a reassembly a later contiguous segment would
	// complete.
	EndSeq types.Sequence

	FirstFrame        uint64
	FirstFrameWithSeq uint64
	LastFrame         uint64
	LastFrameTime     time.Time
	Flags             PduFlags

	buf   []byte
	spans []frameSpan
}

func (p *MultiSegmentPdu) Less(than btree.Item) bool {
	return p.StartSeq < than.(*MultiSegmentPdu).StartSeq
}

// ReassemblyEngine reconstructs one direction's in-order byte stream and
// drives the upper-layer parser across segment boundaries.  Its decisions are
// a pure function of per-flow state and the segment under analysis, so replay
// passes re-dispatch byte-identical data with identical frame attribution.
type ReassemblyEngine struct {
	conv  *Conversation
	state *FlowState
	opts  *Options

	// nextSeq is the contiguous frontier: all bytes before it have been
	// delivered in order.
	nextSeq types.Sequence

	ooo  *OutOfOrderBuffer
	pdus *btree.BTree

	writer     io.Writer
	writerInit bool

	// disabled is set on an internal index inconsistency; reassembly for
	// this flow stops rather than corrupting anything else.
	disabled bool

	log *logrus.Entry
}

func newReassemblyEngine(conv *Conversation, state *FlowState, opts *Options) *ReassemblyEngine {
	log := conv.log.WithField("dir", state.Key.String())
	return &ReassemblyEngine{
		conv:  conv,
		state: state,
		opts:  opts,
		ooo:   NewOutOfOrderBuffer(opts.MaxBufferedSegments, opts.MaxBufferedBytes, log),
		pdus:  btree.New(4),

		nextSeq: types.InvalidSequence,
		log:     log,
	}
}

// Frontier returns the contiguous reassembly frontier for this direction.
func (r *ReassemblyEngine) Frontier() types.Sequence {
	return r.nextSeq
}

// Err reports why reassembly stopped for this flow, or nil while it is
// still running.
func (r *ReassemblyEngine) Err() error {
	if r.disabled {
		return errors.Wrap(ErrReassemblyDisabled, r.state.Key.String())
	}
	return nil
}

// Handle accepts one classified, deliverable segment.  Data beyond the
// frontier is buffered; data at or behind it is trimmed to its novel tail and
// delivered, after which any buffered segments the advance reaches are
// spliced in.
func (r *ReassemblyEngine) Handle(frame uint64, seq types.Sequence, data []byte, ts time.Time) {
	if len(data) == 0 {
		return
	}
	if r.nextSeq == types.InvalidSequence {
		r.nextSeq = seq
	}

	diff := r.nextSeq.Difference(seq)
	if diff > 0 {
		r.ooo.Record(frame, seq, data, r.nextSeq)
		return
	}
	if diff < 0 {
		skip := -diff
		if skip >= len(data) {
			// A wholly stale duplicate.  If it falls inside an in-progress
			// PDU this is retransmitted PDU data: annotate, never
			// re-dispatch.
			if pdu := r.findPdu(seq); pdu != nil {
				r.log.WithFields(logrus.Fields{
					"frame": frame,
					"seq":   seq,
				}).Debug("retransmission inside in-progress PDU")
			}
			return
		}
		data = data[skip:]
		seq = r.nextSeq
	}

	r.deliver(frame, seq, data, ts)

	spliced, _ := r.ooo.Drain(r.nextSeq)
	for _, s := range spliced {
		r.deliver(s.Frame, s.Seq, s.Bytes, ts)
	}
}

// deliver advances the frontier over data and runs the PDU machinery.
func (r *ReassemblyEngine) deliver(frame uint64, seq types.Sequence, data []byte, ts time.Time) {
	r.nextSeq = seq.Add(len(data))
	r.write(data)
	if r.opts.Dispatch == nil || r.disabled {
		return
	}
	r.process([]frameSpan{{frame: frame, length: len(data)}}, seq, data, ts)
}

func (r *ReassemblyEngine) write(data []byte) {
	if !r.writerInit {
		r.writerInit = true
		if r.opts.StreamWriterFactory != nil {
			r.writer = r.opts.StreamWriterFactory(r.state.Key)
		}
	}
	if r.writer != nil {
		if _, err := r.writer.Write(data); err != nil {
			r.log.WithError(err).Warn("stream writer failed")
			r.writer = nil
		}
	}
}

// process feeds contiguous bytes starting at seq into the PDU state machine.
func (r *ReassemblyEngine) process(spans []frameSpan, seq types.Sequence, data []byte, ts time.Time) {
	if len(data) == 0 || r.disabled {
		return
	}
	frame := spans[len(spans)-1].frame

	if pdu := r.findPdu(seq); pdu != nil {
		if expected := pdu.StartSeq.Add(len(pdu.buf)); expected != seq {
			// The index says this PDU must continue exactly at its
			// accumulated edge.  If it doesn't, the index is corrupt for
			// this flow; stop reassembling it rather than guess.
			r.disable(frame, pdu)
			return
		}
		pdu.buf = append(pdu.buf, data...)
		pdu.spans = append(pdu.spans, spans...)
		pdu.LastFrame = frame
		pdu.LastFrameTime = ts

		if pdu.Flags&pduUntilEnd != 0 {
			return
		}
		if pdu.Flags&pduOneMoreSegment != 0 {
			pdu.Flags &^= pduOneMoreSegment
			r.completePdu(pdu, ts)
			return
		}
		if len(pdu.buf) >= pdu.StartSeq.Difference(pdu.EndSeq) {
			r.completePdu(pdu, ts)
		}
		return
	}

	v := r.opts.Dispatch.Dispatch(data, false, seq)
	r.applyVerdict(v, spans, seq, data, ts)
}

// completePdu hands the accumulated buffer to the parser and transitions the
// PDU per the verdict.
func (r *ReassemblyEngine) completePdu(pdu *MultiSegmentPdu, ts time.Time) {
	v := r.opts.Dispatch.Dispatch(pdu.buf, true, pdu.StartSeq)
	completedIn := pdu.LastFrame

	switch v.Kind {
	case VerdictConsumed:
		n := v.Consumed
		if n < 0 || n >= len(pdu.buf) {
			r.finalize(pdu, completedIn)
			return
		}
		// The parser took less than assumed: freeze what it consumed and
		// see whether another PDU starts right at the leftover.
		rest, restSpans := pdu.buf[n:], spansAfter(pdu.spans, n)
		head := *pdu
		head.buf = pdu.buf[:n]
		head.spans = spansHead(pdu.spans, n)
		head.EndSeq = pdu.StartSeq.Add(n)
		r.pdus.Delete(pdu)
		r.finalize(&head, completedIn)
		r.process(restSpans, pdu.StartSeq.Add(n), rest, ts)

	case VerdictNeedMoreBytes:
		c := v.Consumed
		if c <= 0 {
			pdu.EndSeq = pdu.StartSeq.Add(len(pdu.buf) + v.More)
			return
		}
		// Split: the consumed portion is frozen with its attribution
		// resolved, so re-analysis of a growing capture never changes its
		// dissection; a fresh descriptor takes over from the split offset.
		head := *pdu
		head.buf = pdu.buf[:c]
		head.spans = spansHead(pdu.spans, c)
		head.EndSeq = pdu.StartSeq.Add(c)
		r.pdus.Delete(pdu)
		r.finalize(&head, completedIn)

		next := &MultiSegmentPdu{
			StartSeq:          pdu.StartSeq.Add(c),
			EndSeq:            pdu.StartSeq.Add(len(pdu.buf) + v.More),
			FirstFrame:        firstFrameAt(pdu.spans, c),
			FirstFrameWithSeq: firstFrameAt(pdu.spans, c),
			LastFrame:         pdu.LastFrame,
			LastFrameTime:     ts,
			buf:               append([]byte(nil), pdu.buf[c:]...),
			spans:             spansAfter(pdu.spans, c),
		}
		r.pdus.ReplaceOrInsert(next)

	case VerdictNeedOneMoreSegment:
		pdu.Flags |= pduOneMoreSegment
		// One past the accumulated edge, so the next segment still finds
		// this descriptor.
		if end := pdu.StartSeq.Add(len(pdu.buf) + 1); end.GreaterThan(pdu.EndSeq) {
			pdu.EndSeq = end
		}

	case VerdictNeedUntilConnectionEnd:
		pdu.Flags |= pduUntilEnd
		pdu.EndSeq = pdu.StartSeq.Add(len(pdu.buf)).Add(connectionEndOffset)

	case VerdictMalformed:
		r.log.WithField("seq", pdu.StartSeq).Warn("upper layer parser aborted PDU")
		r.pdus.Delete(pdu)
		r.markRaw(pdu)
	}
}

// applyVerdict handles the parser's answer to a first-sight byte range.
func (r *ReassemblyEngine) applyVerdict(v Verdict, spans []frameSpan, seq types.Sequence, data []byte, ts time.Time) {
	frame := spans[len(spans)-1].frame

	switch v.Kind {
	case VerdictConsumed:
		n := v.Consumed
		if n <= 0 || n >= len(data) {
			return
		}
		// Leftover bytes may begin the next PDU.
		r.process(spansAfter(spans, n), seq.Add(n), data[n:], ts)

	case VerdictNeedMoreBytes:
		c := v.Consumed
		if c < 0 {
			c = 0
		}
		pdu := &MultiSegmentPdu{
			StartSeq:          seq.Add(c),
			EndSeq:            seq.Add(len(data) + v.More),
			FirstFrame:        frame,
			FirstFrameWithSeq: frame,
			LastFrame:         frame,
			LastFrameTime:     ts,
			buf:               append([]byte(nil), data[c:]...),
			spans:             spansAfter(spans, c),
		}
		if c == 0 {
			pdu.Flags |= PduReassembleEntireSegment
		}
		if !r.conv.synSeen {
			pdu.Flags |= PduMissingFirstSegment
		}
		r.pdus.ReplaceOrInsert(pdu)

	case VerdictNeedOneMoreSegment:
		// EndSeq reaches one past the data so the next segment still finds
		// this descriptor; the flag, not the length, decides completion.
		pdu := &MultiSegmentPdu{
			StartSeq:          seq,
			EndSeq:            seq.Add(len(data) + 1),
			FirstFrame:        frame,
			FirstFrameWithSeq: frame,
			LastFrame:         frame,
			LastFrameTime:     ts,
			Flags:             PduReassembleEntireSegment | pduOneMoreSegment,
			buf:               append([]byte(nil), data...),
			spans:             append([]frameSpan(nil), spans...),
		}
		if !r.conv.synSeen {
			pdu.Flags |= PduMissingFirstSegment
		}
		r.pdus.ReplaceOrInsert(pdu)

	case VerdictNeedUntilConnectionEnd:
		pdu := &MultiSegmentPdu{
			StartSeq:          seq,
			EndSeq:            seq.Add(len(data)).Add(connectionEndOffset),
			FirstFrame:        frame,
			FirstFrameWithSeq: frame,
			LastFrame:         frame,
			LastFrameTime:     ts,
			Flags:             PduReassembleEntireSegment | pduUntilEnd,
			buf:               append([]byte(nil), data...),
			spans:             append([]frameSpan(nil), spans...),
		}
		r.pdus.ReplaceOrInsert(pdu)

	case VerdictMalformed:
		r.log.WithFields(logrus.Fields{
			"frame": frame,
			"seq":   seq,
		}).Warn("upper layer parser aborted segment")
		for _, s := range spans {
			if rec := r.conv.records[s.frame]; rec != nil {
				rec.RawRemaining = true
			}
		}
	}
}

// finalize marks a PDU complete and records the reassembled-in and
// continuation attribution on every contributing frame's record.
func (r *ReassemblyEngine) finalize(pdu *MultiSegmentPdu, completedIn uint64) {
	pdu.Flags |= PduGotAllSegments
	r.pdus.Delete(pdu)
	if len(pdu.spans) < 2 {
		return
	}
	for _, s := range pdu.spans {
		if s.frame == completedIn {
			continue
		}
		if rec := r.conv.records[s.frame]; rec != nil && rec.ReassembledIn == 0 {
			rec.ReassembledIn = completedIn
		}
	}
	if rec := r.conv.records[completedIn]; rec != nil && rec.ContinuationOf == 0 &&
		pdu.FirstFrame != completedIn {
		rec.ContinuationOf = pdu.FirstFrame
	}
}

// markRaw flags every contributing frame as rendered with raw remaining
// bytes.
func (r *ReassemblyEngine) markRaw(pdu *MultiSegmentPdu) {
	for _, s := range pdu.spans {
		if rec := r.conv.records[s.frame]; rec != nil {
			rec.RawRemaining = true
		}
	}
}

// disable turns reassembly off for this flow after an index inconsistency.
func (r *ReassemblyEngine) disable(frame uint64, pdu *MultiSegmentPdu) {
	r.disabled = true
	r.log.WithFields(logrus.Fields{
		"frame":     frame,
		"pdu_start": pdu.StartSeq,
		"pdu_end":   pdu.EndSeq,
	}).Error("reassembly index inconsistency, disabling reassembly for flow")
	r.pdus.Ascend(func(i btree.Item) bool {
		r.markRaw(i.(*MultiSegmentPdu))
		return true
	})
	r.pdus.Clear(false)
}

// Finish is called when this direction's stream ends (FIN or RST).  PDUs
// waiting for the connection end are completed; everything else keeps
// waiting, since retransmissions may still close gaps.
func (r *ReassemblyEngine) Finish(frame uint64, ts time.Time) {
	if r.opts.Dispatch == nil || r.disabled {
		return
	}
	var ending []*MultiSegmentPdu
	r.pdus.Ascend(func(i btree.Item) bool {
		pdu := i.(*MultiSegmentPdu)
		if pdu.Flags&pduUntilEnd != 0 {
			ending = append(ending, pdu)
		}
		return true
	})
	for _, pdu := range ending {
		pdu.Flags &^= pduUntilEnd
		v := r.opts.Dispatch.Dispatch(pdu.buf, true, pdu.StartSeq)
		if v.Kind == VerdictMalformed {
			r.pdus.Delete(pdu)
			r.markRaw(pdu)
			continue
		}
		r.finalize(pdu, pdu.LastFrame)
	}
}

// Flush abandons whatever could not be reassembled by the end of the
// capture: incomplete PDUs and never-spliced out-of-order segments are
// rendered as raw remaining bytes rather than lost silently.
func (r *ReassemblyEngine) Flush() {
	var incomplete []*MultiSegmentPdu
	r.pdus.Ascend(func(i btree.Item) bool {
		incomplete = append(incomplete, i.(*MultiSegmentPdu))
		return true
	})
	for _, pdu := range incomplete {
		r.pdus.Delete(pdu)
		r.markRaw(pdu)
	}
	r.ooo.Each(func(frame uint64) {
		if rec := r.conv.records[frame]; rec != nil {
			rec.RawRemaining = true
		}
	})
}

// findPdu returns the in-progress PDU whose [StartSeq, EndSeq) range
// contains seq, if any.
func (r *ReassemblyEngine) findPdu(seq types.Sequence) *MultiSegmentPdu {
	var found *MultiSegmentPdu
	r.pdus.Ascend(func(i btree.Item) bool {
		pdu := i.(*MultiSegmentPdu)
		if !seq.LessThan(pdu.StartSeq) && seq.LessThan(pdu.EndSeq) {
			found = pdu
			return false
		}
		return true
	})
	return found
}

// spansHead returns the spans covering the first n buffer bytes.
func spansHead(spans []frameSpan, n int) []frameSpan {
	out := make([]frameSpan, 0, len(spans))
	for _, s := range spans {
		if n <= 0 {
			break
		}
		l := s.length
		if l > n {
			l = n
		}
		out = append(out, frameSpan{frame: s.frame, length: l})
		n -= l
	}
	return out
}

// spansAfter returns the spans covering buffer bytes from offset onward.
func spansAfter(spans []frameSpan, offset int) []frameSpan {
	out := make([]frameSpan, 0, len(spans))
	for _, s := range spans {
		if offset >= s.length {
			offset -= s.length
			continue
		}
		out = append(out, frameSpan{frame: s.frame, length: s.length - offset})
		offset = 0
	}
	return out
}

// firstFrameAt returns the frame contributing the byte at offset.
func firstFrameAt(spans []frameSpan, offset int) uint64 {
	for _, s := range spans {
		if offset < s.length {
			return s.frame
		}
		offset -= s.length
	}
	if len(spans) > 0 {
		return spans[len(spans)-1].frame
	}
	return 0
}
