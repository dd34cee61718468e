/*
 *    conversation.go - per-connection flow state and the conversation store
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
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/streamlens/streamlens/types"
)

// Window scale sentinels, kept distinct so "never saw the option" and "saw a
// SYN without it" behave differently in the window-full check.
const (
	WindowScaleUnknown   = -1
	WindowScaleNotScaled = -2
)

// UnackedSegment tracks one data-carrying (or SYN/FIN) segment until the peer
// acknowledges it.
type UnackedSegment struct {
	Frame   uint64
	Seq     types.Sequence
	NextSeq types.Sequence
	Seen    time.Time
}

// FlowState is the per-direction half of a conversation.  Every field is
// derived purely from segments already processed, which is what lets replay
// passes reproduce identical classifications.
type FlowState struct {
	Key types.FlowKey

	// BaseSeq is the ISN, used to convert absolute and relative sequence
	// numbers.
	BaseSeq    types.Sequence
	baseSeqSet bool

	// NextSeq is the frontier: one past the highest byte edge seen.
	// FrontierTime is when it last advanced.
	NextSeq      types.Sequence
	FrontierTime time.Time

	// MaxSeqAcked is the high-water mark for detecting data that was
	// acknowledged without ever appearing in the capture.
	MaxSeqAcked types.Sequence

	LastAck     types.Sequence
	LastAckTime time.Time

	Window      uint16
	windowSet   bool
	WindowScale int

	DupAckCount int
	// StreakFrame is the frame where the current non-duplicate ACK streak
	// began; every duplicate ACK in the streak is attributed to it.
	StreakFrame uint64

	// LastClass and LastSegLen describe the previous segment sent in this
	// direction; several checks key off them.
	LastClass  types.ClassificationFlags
	LastSegLen int

	ValidBytesInFlight bool
	seenFirstAck       bool

	// PushBytes accumulates payload bytes since the last PSH.
	PushBytes int

	// Sack holds the SACK ranges reported on this direction's most recent
	// segment.
	Sack []types.SackBlock

	// unacked is most-recent-first and capped by Options.MaxUnackedSegments.
	unacked []UnackedSegment
}

func newFlowState(key types.FlowKey) *FlowState {
	return &FlowState{
		Key:                key,
		NextSeq:            types.InvalidSequence,
		MaxSeqAcked:        types.InvalidSequence,
		LastAck:            types.InvalidSequence,
		WindowScale:        WindowScaleUnknown,
		ValidBytesInFlight: true,
	}
}

// pushUnacked prepends a segment to the unacked list, evicting the oldest
// entry once the cap is reached.
func (f *FlowState) pushUnacked(u UnackedSegment, cap int) {
	f.unacked = append([]UnackedSegment{u}, f.unacked...)
	if cap > 0 && len(f.unacked) > cap {
		f.unacked = f.unacked[:cap]
	}
}

// pruneAcked removes every unacked entry fully covered by ack and trims the
// start of any entry it partially covers.
func (f *FlowState) pruneAcked(ack types.Sequence) {
	kept := f.unacked[:0]
	for _, u := range f.unacked {
		if !u.NextSeq.GreaterThan(ack) {
			continue
		}
		if u.Seq.LessThan(ack) {
			u.Seq = ack
		}
		kept = append(kept, u)
	}
	f.unacked = kept
}

// coversUnacked reports whether [seq, seq+length) lies inside a single
// previously seen unacked range.
func (f *FlowState) coversUnacked(seq types.Sequence, length int) bool {
	end := seq.Add(length)
	for _, u := range f.unacked {
		if !seq.LessThan(u.Seq) && !end.GreaterThan(u.NextSeq) {
			return true
		}
	}
	return false
}

// contiguousRunEnd walks the unacked list from start looking for a contiguous
// run of seen segments reaching at least target.  It returns the run's far
// edge and whether such a run exists.
func (f *FlowState) contiguousRunEnd(start, target types.Sequence) (types.Sequence, bool) {
	cursor := start
	for {
		advanced := false
		for _, u := range f.unacked {
			if !u.Seq.GreaterThan(cursor) && u.NextSeq.GreaterThan(cursor) {
				cursor = u.NextSeq
				advanced = true
			}
		}
		if !cursor.LessThan(target) {
			return cursor, true
		}
		if !advanced {
			return cursor, false
		}
	}
}

// Conversation owns the two FlowStates of one TCP connection plus the
// per-frame analysis memo and the two reassembly engines.
type Conversation struct {
	Stream    uint64
	FirstSeen time.Time
	LastSeen  time.Time

	clientKey types.FlowKey
	serverKey types.FlowKey

	clientState *FlowState
	serverState *FlowState

	// clientReasm reassembles bytes sent by the client, serverReasm bytes
	// sent by the server.
	clientReasm *ReassemblyEngine
	serverReasm *ReassemblyEngine

	analyzer *SequenceAnalyzer
	sack     *SackTracker

	// records memoizes per-frame results keyed by frame identity so a
	// replay pass short-circuits to the identical answer.
	records map[uint64]*AnalysisRecord

	// Handshake timing for the initial RTT estimate.
	synSeen    bool
	synAckSeen bool
	synTime    time.Time
	initialRTT time.Duration

	opts *Options
	log  *logrus.Entry
}

func newConversation(stream uint64, key types.FlowKey, ts time.Time, opts *Options, log *logrus.Logger) *Conversation {
	c := &Conversation{
		Stream:      stream,
		FirstSeen:   ts,
		LastSeen:    ts,
		clientKey:   key,
		serverKey:   key.Reverse(),
		clientState: newFlowState(key),
		serverState: newFlowState(key.Reverse()),
		records:     make(map[uint64]*AnalysisRecord),
		opts:        opts,
		log: log.WithFields(logrus.Fields{
			"stream": stream,
			"flow":   key.String(),
		}),
	}
	c.sack = &SackTracker{opts: opts}
	c.analyzer = NewSequenceAnalyzer(c, opts)
	c.clientReasm = newReassemblyEngine(c, c.clientState, opts)
	c.serverReasm = newReassemblyEngine(c, c.serverState, opts)
	return c
}

// states returns the sender's FlowState first, the peer's second.
func (c *Conversation) states(flow types.FlowKey) (fwd, rev *FlowState) {
	if flow.Equal(c.clientKey) {
		return c.clientState, c.serverState
	}
	return c.serverState, c.clientState
}

func (c *Conversation) reassemblerFor(flow types.FlowKey) *ReassemblyEngine {
	if flow.Equal(c.clientKey) {
		return c.clientReasm
	}
	return c.serverReasm
}

// InitialRTT returns the handshake round-trip estimate, or zero while
// unknown.
func (c *Conversation) InitialRTT() time.Duration {
	return c.initialRTT
}

// Record returns the memoized analysis record for a frame, or nil.
func (c *Conversation) Record(frame uint64) *AnalysisRecord {
	return c.records[frame]
}

// Records returns all analysis records in frame order.
func (c *Conversation) Records() []*AnalysisRecord {
	out := make([]*AnalysisRecord, 0, len(c.records))
	for _, r := range c.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Frame < out[j].Frame })
	return out
}

// OverrideClassification replaces a frame's retransmission-family
// classification with flag.  It exists for analyst correction only and does
// not feed back into flow state.
func (c *Conversation) OverrideClassification(frame uint64, flag types.ClassificationFlags) error {
	if flag&types.RetransmissionKind != flag || flag == 0 {
		return errors.Wrapf(ErrBadOverride, "flag %q", flag)
	}
	rec, ok := c.records[frame]
	if !ok {
		return errors.Wrapf(ErrUnknownFrame, "frame %d", frame)
	}
	rec.Flags = rec.Flags&^types.RetransmissionKind | flag
	rec.FlagNames = rec.Flags.String()
	return nil
}

// ReceiveSegment classifies one segment, updates both flow states and feeds
// usable payload to the reassembly side.  Reprocessing an already seen frame
// returns the memoized record untouched.
func (c *Conversation) ReceiveSegment(seg *types.SegmentManifest) (*AnalysisRecord, error) {
	if rec, ok := c.records[seg.Frame]; ok {
		return rec, nil
	}
	if err := validateSegment(seg); err != nil {
		return nil, errors.Wrapf(err, "frame %d", seg.Frame)
	}
	if seg.Timestamp.After(c.LastSeen) {
		c.LastSeen = seg.Timestamp
	}

	rec := &AnalysisRecord{
		Frame:  seg.Frame,
		Stream: c.Stream,
	}
	fwd, rev := c.states(seg.Flow)

	if !fwd.baseSeqSet {
		fwd.BaseSeq = seg.Seq()
		fwd.baseSeqSet = true
	}

	c.analyzer.Classify(seg, fwd, rev, rec)
	rec.FlagNames = rec.Flags.String()
	c.records[seg.Frame] = rec

	if seg.Len() > 0 && deliverable(rec.Flags) {
		seq := seg.Seq()
		if seg.TCP.SYN {
			seq = seq.Add(1)
		}
		c.reassemblerFor(seg.Flow).Handle(seg.Frame, seq, seg.Payload, seg.Timestamp)
	}
	if seg.TCP.FIN || seg.TCP.RST {
		c.reassemblerFor(seg.Flow).Finish(seg.Frame, seg.Timestamp)
	}
	return rec, nil
}

// Flush abandons reassembly state that can no longer complete; call it once
// the capture is exhausted so unfinished frames render as raw bytes.
func (c *Conversation) Flush() {
	c.clientReasm.Flush()
	c.serverReasm.Flush()
}

// deliverable reports whether a segment's payload is new stream data rather
// than retransmission noise or probe garbage.
func deliverable(flags types.ClassificationFlags) bool {
	const suppressed = types.Retransmission |
		types.FastRetransmission |
		types.SpuriousRetransmission |
		types.KeepAlive |
		types.ZeroWindowProbe
	return flags&suppressed == 0
}

func validateSegment(seg *types.SegmentManifest) error {
	if seg.TCP.DataOffset != 0 && seg.TCP.DataOffset < 5 {
		return errors.Wrap(ErrMalformedSegment, "data offset shorter than header")
	}
	return nil
}

// ConversationStore maps direction-normalized flow keys to conversations.
// It is the single entry point for segment processing.
type ConversationStore struct {
	sync.RWMutex

	conversations map[types.ConversationHash]*Conversation
	// retired holds conversations displaced by port reuse; their memoized
	// records keep replay passes stable for pre-reuse frames.
	retired    map[types.ConversationHash][]*Conversation
	nextStream uint64

	opts Options
	log  *logrus.Logger
}

// NewConversationStore returns an empty store using opts.
func NewConversationStore(opts Options) *ConversationStore {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &ConversationStore{
		conversations: make(map[types.ConversationHash]*Conversation),
		retired:       make(map[types.ConversationHash][]*Conversation),
		opts:          opts,
		log:           opts.Logger,
	}
}

// GetOrCreate looks up the conversation for key, creating it on first
// sighting.
func (s *ConversationStore) GetOrCreate(key types.FlowKey, ts time.Time) *Conversation {
	s.Lock()
	defer s.Unlock()
	return s.getOrCreateLocked(key, ts)
}

func (s *ConversationStore) getOrCreateLocked(key types.FlowKey, ts time.Time) *Conversation {
	hash := types.NewConversationHash(key)
	if conv, ok := s.conversations[hash]; ok {
		return conv
	}
	conv := newConversation(s.nextStream, key, ts, &s.opts, s.log)
	s.nextStream++
	s.conversations[hash] = conv
	return conv
}

// Receive routes one segment to its conversation and returns the resulting
// analysis record.  A SYN whose sequence number contradicts the recorded ISN
// signals port reuse: the old conversation is replaced and the segment is
// flagged REUSED_PORTS on the new one.
func (s *ConversationStore) Receive(seg *types.SegmentManifest) (*AnalysisRecord, error) {
	s.Lock()
	hash := types.NewConversationHash(seg.Flow)
	conv := s.getOrCreateLocked(seg.Flow, seg.Timestamp)

	// Replay pass: a frame analyzed before port reuse belongs to the
	// conversation that was current at the time.
	if rec := conv.Record(seg.Frame); rec != nil {
		s.Unlock()
		return rec, nil
	}
	for _, old := range s.retired[hash] {
		if rec := old.Record(seg.Frame); rec != nil {
			s.Unlock()
			return rec, nil
		}
	}

	reused := false
	if seg.TCP.SYN && !seg.TCP.ACK {
		fwd, _ := conv.states(seg.Flow)
		if fwd.baseSeqSet && fwd.BaseSeq != seg.Seq() {
			s.retired[hash] = append(s.retired[hash], conv)
			conv = newConversation(s.nextStream, seg.Flow, seg.Timestamp, &s.opts, s.log)
			s.nextStream++
			s.conversations[hash] = conv
			reused = true
		}
	}
	s.Unlock()

	rec, err := conv.ReceiveSegment(seg)
	if err != nil {
		return nil, err
	}
	if reused {
		rec.Flags |= types.ReusedPorts
		rec.FlagNames = rec.Flags.String()
	}
	return rec, nil
}

// Get returns the conversation a flow belongs to, if any.
func (s *ConversationStore) Get(key types.FlowKey) (*Conversation, bool) {
	s.RLock()
	defer s.RUnlock()
	conv, ok := s.conversations[types.NewConversationHash(key)]
	return conv, ok
}

// Conversations returns every tracked conversation in stream order.
func (s *ConversationStore) Conversations() []*Conversation {
	s.RLock()
	defer s.RUnlock()
	out := make([]*Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		out = append(out, conv)
	}
	for _, old := range s.retired {
		out = append(out, old...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stream < out[j].Stream })
	return out
}

// Flush flushes every conversation's reassembly state.
func (s *ConversationStore) Flush() {
	for _, conv := range s.Conversations() {
		conv.Flush()
	}
}

// CloseOlderThan frees every conversation last seen at or before t and
// returns how many were removed.
func (s *ConversationStore) CloseOlderThan(t time.Time) int {
	s.Lock()
	defer s.Unlock()
	closed := 0
	for hash, conv := range s.conversations {
		if !conv.LastSeen.After(t) {
			delete(s.conversations, hash)
			closed++
		}
	}
	return closed
}
