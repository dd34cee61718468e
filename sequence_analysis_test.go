package streamlens

import (
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"

	"github.com/streamlens/streamlens/types"
)

var testBase = time.Date(2017, 4, 1, 10, 0, 0, 0, time.UTC)

func testClientKey() types.FlowKey {
	ipFlow, _ := gopacket.FlowFromEndpoints(layers.NewIPEndpoint(net.IPv4(1, 2, 3, 4)), layers.NewIPEndpoint(net.IPv4(2, 3, 4, 5)))
	tcpFlow, _ := gopacket.FlowFromEndpoints(layers.NewTCPPortEndpoint(layers.TCPPort(1)), layers.NewTCPPortEndpoint(layers.TCPPort(2)))
	return types.NewFlowKeyFromFlows(ipFlow, tcpFlow)
}

func newSeg(frame uint64, ts time.Time, flow types.FlowKey, tcp layers.TCP, payload []byte) *types.SegmentManifest {
	return &types.SegmentManifest{
		Frame:       frame,
		Timestamp:   ts,
		Flow:        flow,
		TCP:         tcp,
		Payload:     payload,
		WindowScale: -1,
	}
}

func newTestConversation(opts Options) *Conversation {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	opts.Logger = log
	o := opts
	return newConversation(0, testClientKey(), testBase, &o, log)
}

func feed(t *testing.T, conv *Conversation, seg *types.SegmentManifest) *AnalysisRecord {
	rec, err := conv.ReceiveSegment(seg)
	if err != nil {
		t.Fatalf("frame %d: %v", seg.Frame, err)
	}
	return rec
}

// doHandshake runs SYN, SYN/ACK, ACK as frames 1-3 with client ISN 1000 and
// server ISN 2000, spreading the exchange over rtt.
func doHandshake(t *testing.T, conv *Conversation, rtt time.Duration) {
	client := testClientKey()
	server := client.Reverse()

	r1 := feed(t, conv, newSeg(1, testBase, client,
		layers.TCP{SYN: true, Seq: 1000, Window: 65535}, nil))
	r2 := feed(t, conv, newSeg(2, testBase.Add(rtt/2), server,
		layers.TCP{SYN: true, ACK: true, Seq: 2000, Ack: 1001, Window: 65535}, nil))
	r3 := feed(t, conv, newSeg(3, testBase.Add(rtt), client,
		layers.TCP{ACK: true, Seq: 1001, Ack: 2001, Window: 65535}, nil))
	for _, rec := range []*AnalysisRecord{r1, r2, r3} {
		if rec.Flags != 0 {
			t.Fatalf("handshake frame %d unexpectedly flagged %s", rec.Frame, rec.Flags)
		}
	}
}

func TestHandshakeInitialRTT(t *testing.T) {
	conv := newTestConversation(DefaultOptions())
	doHandshake(t, conv, 50*time.Millisecond)
	if conv.InitialRTT() != 50*time.Millisecond {
		t.Errorf("InitialRTT = %v, want 50ms\n", conv.InitialRTT())
		t.Fail()
	}
}

func TestRetransmission(t *testing.T) {
	conv := newTestConversation(DefaultOptions())
	doHandshake(t, conv, 50*time.Millisecond)
	client := testClientKey()
	payload := make([]byte, 100)

	r4 := feed(t, conv, newSeg(4, testBase.Add(60*time.Millisecond), client,
		layers.TCP{ACK: true, Seq: 1001, Ack: 2001, Window: 65535}, payload))
	if r4.Flags != 0 {
		t.Errorf("fresh data flagged %s\n", r4.Flags)
		t.Fail()
	}
	if r4.BytesInFlight != 100 {
		t.Errorf("BytesInFlight = %d, want 100\n", r4.BytesInFlight)
		t.Fail()
	}

	// Same bytes again long after every timing heuristic's window.
	r5 := feed(t, conv, newSeg(5, testBase.Add(560*time.Millisecond), client,
		layers.TCP{ACK: true, Seq: 1001, Ack: 2001, Window: 65535}, payload))
	if r5.Flags != types.Retransmission {
		t.Errorf("flags = %s, want RETRANSMISSION\n", r5.Flags)
		t.Fail()
	}
	if r5.RTO != 500*time.Millisecond {
		t.Errorf("RTO = %v, want 500ms\n", r5.RTO)
		t.Fail()
	}
}

func TestSpuriousRetransmission(t *testing.T) {
	conv := newTestConversation(DefaultOptions())
	doHandshake(t, conv, 50*time.Millisecond)
	client := testClientKey()
	server := client.Reverse()
	payload := make([]byte, 100)

	feed(t, conv, newSeg(4, testBase.Add(60*time.Millisecond), client,
		layers.TCP{ACK: true, Seq: 1001, Ack: 2001, Window: 65535}, payload))
	feed(t, conv, newSeg(5, testBase.Add(80*time.Millisecond), server,
		layers.TCP{ACK: true, Seq: 2001, Ack: 1101, Window: 65535}, nil))

	// The peer already acknowledged every byte of this copy.
	r6 := feed(t, conv, newSeg(6, testBase.Add(600*time.Millisecond), client,
		layers.TCP{ACK: true, Seq: 1001, Ack: 2001, Window: 65535}, payload))
	if r6.Flags != types.SpuriousRetransmission {
		t.Errorf("flags = %s, want SPURIOUS_RETRANSMISSION\n", r6.Flags)
		t.Fail()
	}
}

func TestDuplicateAckCounting(t *testing.T) {
	conv := newTestConversation(DefaultOptions())
	doHandshake(t, conv, 50*time.Millisecond)
	client := testClientKey()
	server := client.Reverse()
	payload := make([]byte, 100)

	feed(t, conv, newSeg(4, testBase.Add(60*time.Millisecond), client,
		layers.TCP{ACK: true, Seq: 1001, Ack: 2001, Window: 65535}, payload))

	// First ACK of new data anchors the streak.
	r5 := feed(t, conv, newSeg(5, testBase.Add(70*time.Millisecond), server,
		layers.TCP{ACK: true, Seq: 2001, Ack: 1101, Window: 65535}, nil))
	if r5.Flags.Has(types.DuplicateAck) {
		t.Error("streak anchor misflagged as duplicate\n")
		t.Fail()
	}

	r6 := feed(t, conv, newSeg(6, testBase.Add(80*time.Millisecond), server,
		layers.TCP{ACK: true, Seq: 2001, Ack: 1101, Window: 65535}, nil))
	if !r6.Flags.Has(types.DuplicateAck) || r6.DupAckNum != 1 || r6.DupAckFrame != 5 {
		t.Errorf("first duplicate: flags %s num %d frame %d\n", r6.Flags, r6.DupAckNum, r6.DupAckFrame)
		t.Fail()
	}
	r7 := feed(t, conv, newSeg(7, testBase.Add(90*time.Millisecond), server,
		layers.TCP{ACK: true, Seq: 2001, Ack: 1101, Window: 65535}, nil))
	if r7.DupAckNum != 2 || r7.DupAckFrame != 5 {
		t.Errorf("second duplicate: num %d frame %d\n", r7.DupAckNum, r7.DupAckFrame)
		t.Fail()
	}

	// New data and an advancing ACK reset the streak.
	feed(t, conv, newSeg(8, testBase.Add(100*time.Millisecond), client,
		layers.TCP{ACK: true, Seq: 1101, Ack: 2001, Window: 65535}, payload))
	r9 := feed(t, conv, newSeg(9, testBase.Add(110*time.Millisecond), server,
		layers.TCP{ACK: true, Seq: 2001, Ack: 1201, Window: 65535}, nil))
	if r9.Flags.Has(types.DuplicateAck) {
		t.Error("advancing ACK misflagged as duplicate\n")
		t.Fail()
	}
	r10 := feed(t, conv, newSeg(10, testBase.Add(120*time.Millisecond), server,
		layers.TCP{ACK: true, Seq: 2001, Ack: 1201, Window: 65535}, nil))
	if r10.DupAckNum != 1 || r10.DupAckFrame != 9 {
		t.Errorf("streak did not restart: num %d frame %d\n", r10.DupAckNum, r10.DupAckFrame)
		t.Fail()
	}
}

func TestWindowUpdate(t *testing.T) {
	conv := newTestConversation(DefaultOptions())
	doHandshake(t, conv, 50*time.Millisecond)
	client := testClientKey()
	server := client.Reverse()
	payload := make([]byte, 100)

	feed(t, conv, newSeg(4, testBase.Add(60*time.Millisecond), client,
		layers.TCP{ACK: true, Seq: 1001, Ack: 2001, Window: 65535}, payload))
	feed(t, conv, newSeg(5, testBase.Add(70*time.Millisecond), server,
		layers.TCP{ACK: true, Seq: 2001, Ack: 1101, Window: 65535}, nil))

	// Same seq and ack, bigger window: the receiver grew its buffer.
	r6 := feed(t, conv, newSeg(6, testBase.Add(80*time.Millisecond), server,
		layers.TCP{ACK: true, Seq: 2001, Ack: 1101, Window: 60000}, nil))
	if r6.Flags != types.WindowUpdate {
		t.Errorf("flags = %s, want WINDOW_UPDATE\n", r6.Flags)
		t.Fail()
	}
}

func TestWindowUpdateWithSackIsDuplicateAck(t *testing.T) {
	conv := newTestConversation(DefaultOptions())
	doHandshake(t, conv, 50*time.Millisecond)
	client := testClientKey()
	server := client.Reverse()
	payload := make([]byte, 100)

	feed(t, conv, newSeg(4, testBase.Add(60*time.Millisecond), client,
		layers.TCP{ACK: true, Seq: 1001, Ack: 2001, Window: 65535}, payload))
	feed(t, conv, newSeg(5, testBase.Add(70*time.Millisecond), server,
		layers.TCP{ACK: true, Seq: 2001, Ack: 1101, Window: 65535}, nil))

	// A window change with SACK on board reports missing data, not window
	// growth.
	seg := newSeg(6, testBase.Add(80*time.Millisecond), server,
		layers.TCP{ACK: true, Seq: 2001, Ack: 1101, Window: 60000}, nil)
	seg.Sack = []types.SackBlock{{Left: 1201, Right: 1301}}
	r6 := feed(t, conv, seg)
	if !r6.Flags.Has(types.DuplicateAck) || r6.Flags.Has(types.WindowUpdate) {
		t.Errorf("flags = %s, want DUPLICATE_ACK without WINDOW_UPDATE\n", r6.Flags)
		t.Fail()
	}
	if r6.DupAckNum != 1 || r6.DupAckFrame != 5 {
		t.Errorf("duplicate accounting: num %d frame %d\n", r6.DupAckNum, r6.DupAckFrame)
		t.Fail()
	}
}

func TestMptcpDupAckSuppression(t *testing.T) {
	run := func(suppress bool) types.ClassificationFlags {
		opts := DefaultOptions()
		opts.SuppressMptcpDupAcks = suppress
		conv := newTestConversation(opts)
		doHandshake(t, conv, 50*time.Millisecond)
		client := testClientKey()
		server := client.Reverse()
		payload := make([]byte, 100)

		feed(t, conv, newSeg(4, testBase.Add(60*time.Millisecond), client,
			layers.TCP{ACK: true, Seq: 1001, Ack: 2001, Window: 65535}, payload))
		feed(t, conv, newSeg(5, testBase.Add(70*time.Millisecond), server,
			layers.TCP{ACK: true, Seq: 2001, Ack: 1101, Window: 65535}, nil))

		seg := newSeg(6, testBase.Add(80*time.Millisecond), server,
			layers.TCP{ACK: true, Seq: 2001, Ack: 1101, Window: 65535}, nil)
		seg.MptcpDivergent = true
		return feed(t, conv, seg).Flags
	}

	if flags := run(true); flags.Has(types.DuplicateAck) {
		t.Errorf("suppressed MPTCP duplicate still flagged: %s\n", flags)
		t.Fail()
	}
	if flags := run(false); !flags.Has(types.DuplicateAck) {
		t.Errorf("unsuppressed MPTCP duplicate not flagged: %s\n", flags)
		t.Fail()
	}
}

func TestKeepAliveAndAck(t *testing.T) {
	conv := newTestConversation(DefaultOptions())
	doHandshake(t, conv, 50*time.Millisecond)
	client := testClientKey()
	server := client.Reverse()
	payload := make([]byte, 100)

	feed(t, conv, newSeg(4, testBase.Add(60*time.Millisecond), client,
		layers.TCP{ACK: true, Seq: 1001, Ack: 2001, Window: 65535}, payload))
	feed(t, conv, newSeg(5, testBase.Add(70*time.Millisecond), server,
		layers.TCP{ACK: true, Seq: 2001, Ack: 1101, Window: 65535}, nil))

	// One garbage byte just before the frontier.
	r6 := feed(t, conv, newSeg(6, testBase.Add(30*time.Second), client,
		layers.TCP{ACK: true, Seq: 1100, Ack: 2001, Window: 65535}, []byte{0}))
	if !r6.Flags.Has(types.KeepAlive) || r6.Flags.Has(types.Retransmission) {
		t.Errorf("flags = %s, want KEEP_ALIVE without RETRANSMISSION\n", r6.Flags)
		t.Fail()
	}

	r7 := feed(t, conv, newSeg(7, testBase.Add(30*time.Second+time.Millisecond), server,
		layers.TCP{ACK: true, Seq: 2001, Ack: 1101, Window: 65535}, nil))
	if !r7.Flags.Has(types.KeepAliveAck) || r7.Flags.Has(types.DuplicateAck) {
		t.Errorf("flags = %s, want KEEP_ALIVE_ACK without DUPLICATE_ACK\n", r7.Flags)
		t.Fail()
	}
}

func TestZeroWindowProbeExchange(t *testing.T) {
	conv := newTestConversation(DefaultOptions())
	doHandshake(t, conv, 50*time.Millisecond)
	client := testClientKey()
	server := client.Reverse()
	payload := make([]byte, 100)

	feed(t, conv, newSeg(4, testBase.Add(60*time.Millisecond), client,
		layers.TCP{ACK: true, Seq: 1001, Ack: 2001, Window: 65535}, payload))
	r5 := feed(t, conv, newSeg(5, testBase.Add(70*time.Millisecond), server,
		layers.TCP{ACK: true, Seq: 2001, Ack: 1101, Window: 0}, nil))
	if !r5.Flags.Has(types.ZeroWindow) {
		t.Errorf("flags = %s, want ZERO_WINDOW\n", r5.Flags)
		t.Fail()
	}

	// One byte into the closed window.
	r6 := feed(t, conv, newSeg(6, testBase.Add(170*time.Millisecond), client,
		layers.TCP{ACK: true, Seq: 1101, Ack: 2001, Window: 65535}, []byte{42}))
	if r6.Flags != types.ZeroWindowProbe {
		t.Errorf("flags = %s, want ZERO_WINDOW_PROBE\n", r6.Flags)
		t.Fail()
	}
	if conv.clientState.NextSeq != 1101 {
		t.Errorf("probe advanced the frontier to %d\n", conv.clientState.NextSeq)
		t.Fail()
	}

	// Rejected: the ACK stays put.
	r7 := feed(t, conv, newSeg(7, testBase.Add(180*time.Millisecond), server,
		layers.TCP{ACK: true, Seq: 2001, Ack: 1101, Window: 0}, nil))
	if !r7.Flags.Has(types.ZeroWindowProbeAck) {
		t.Errorf("flags = %s, want ZERO_WINDOW_PROBE_ACK\n", r7.Flags)
		t.Fail()
	}
	if conv.clientState.NextSeq != 1101 {
		t.Errorf("rejected probe advanced the frontier to %d\n", conv.clientState.NextSeq)
		t.Fail()
	}

	// Accepted: the ACK moves exactly one byte and the probed byte counts
	// as delivered.
	r8 := feed(t, conv, newSeg(8, testBase.Add(190*time.Millisecond), server,
		layers.TCP{ACK: true, Seq: 2001, Ack: 1102, Window: 0}, nil))
	if !r8.Flags.Has(types.ZeroWindowProbeAck) {
		t.Errorf("flags = %s, want ZERO_WINDOW_PROBE_ACK\n", r8.Flags)
		t.Fail()
	}
	if conv.clientState.NextSeq != 1102 || conv.clientState.MaxSeqAcked != 1102 {
		t.Errorf("accepted probe frontier %d acked %d, want 1102\n",
			conv.clientState.NextSeq, conv.clientState.MaxSeqAcked)
		t.Fail()
	}
}

// After a probe, an ACK that both reopens the window and moves exactly one
// byte past the previous one is the window update ending the exchange, not
// acknowledgment of data the capture never contained.
func TestWindowReopenedAfterProbe(t *testing.T) {
	conv := newTestConversation(DefaultOptions())
	doHandshake(t, conv, 50*time.Millisecond)
	client := testClientKey()
	server := client.Reverse()

	feed(t, conv, newSeg(4, testBase.Add(60*time.Millisecond), client,
		layers.TCP{ACK: true, Seq: 1001, Ack: 2001, Window: 65535}, make([]byte, 100)))
	feed(t, conv, newSeg(5, testBase.Add(70*time.Millisecond), server,
		layers.TCP{ACK: true, Seq: 2001, Ack: 1101, Window: 0}, nil))
	feed(t, conv, newSeg(6, testBase.Add(170*time.Millisecond), client,
		layers.TCP{ACK: true, Seq: 1101, Ack: 2001, Window: 65535}, []byte{42}))

	r7 := feed(t, conv, newSeg(7, testBase.Add(180*time.Millisecond), server,
		layers.TCP{ACK: true, Seq: 2001, Ack: 1102, Window: 65535}, nil))
	if r7.Flags != types.WindowUpdate {
		t.Errorf("flags = %s, want WINDOW_UPDATE\n", r7.Flags)
		t.Fail()
	}
	if conv.clientState.NextSeq != 1102 || conv.clientState.MaxSeqAcked != 1102 {
		t.Errorf("reopened window frontier %d acked %d, want 1102\n",
			conv.clientState.NextSeq, conv.clientState.MaxSeqAcked)
		t.Fail()
	}
}

func TestWindowFull(t *testing.T) {
	conv := newTestConversation(DefaultOptions())
	client := testClientKey()
	server := client.Reverse()

	feed(t, conv, newSeg(1, testBase, client,
		layers.TCP{SYN: true, Seq: 1000, Window: 65535}, nil))
	synAck := newSeg(2, testBase.Add(25*time.Millisecond), server,
		layers.TCP{SYN: true, ACK: true, Seq: 2000, Ack: 1001, Window: 100}, nil)
	synAck.WindowScale = 2
	feed(t, conv, synAck)
	feed(t, conv, newSeg(3, testBase.Add(50*time.Millisecond), client,
		layers.TCP{ACK: true, Seq: 1001, Ack: 2001, Window: 65535}, nil))

	// 100 << 2 = 400 bytes of scaled window, filled to the last byte.
	r4 := feed(t, conv, newSeg(4, testBase.Add(60*time.Millisecond), client,
		layers.TCP{ACK: true, Seq: 1001, Ack: 2001, Window: 65535}, make([]byte, 400)))
	if !r4.Flags.Has(types.WindowFull) {
		t.Errorf("flags = %s, want WINDOW_FULL\n", r4.Flags)
		t.Fail()
	}
}

func TestAckedLostPacket(t *testing.T) {
	conv := newTestConversation(DefaultOptions())
	doHandshake(t, conv, 50*time.Millisecond)
	client := testClientKey()
	server := client.Reverse()

	feed(t, conv, newSeg(4, testBase.Add(60*time.Millisecond), server,
		layers.TCP{ACK: true, Seq: 2001, Ack: 1001, Window: 65535}, make([]byte, 100)))

	// The capture never contained [2101,2201) yet the client acknowledges
	// it.
	r5 := feed(t, conv, newSeg(5, testBase.Add(80*time.Millisecond), client,
		layers.TCP{ACK: true, Seq: 1001, Ack: 2201, Window: 65535}, nil))
	if !r5.Flags.Has(types.AckedLostPacket) {
		t.Errorf("flags = %s, want ACKED_LOST_PACKET\n", r5.Flags)
		t.Fail()
	}
	if conv.serverState.MaxSeqAcked != 2201 {
		t.Errorf("acked high-water mark %d, want 2201\n", conv.serverState.MaxSeqAcked)
		t.Fail()
	}
}

func TestContiguousRunEnd(t *testing.T) {
	f := newFlowState(types.FlowKey{})
	f.pushUnacked(UnackedSegment{Frame: 1, Seq: 1000, NextSeq: 1100}, 0)
	f.pushUnacked(UnackedSegment{Frame: 2, Seq: 1100, NextSeq: 1200}, 0)

	edge, ok := f.contiguousRunEnd(types.Sequence(1000), types.Sequence(1200))
	if !ok || edge != 1200 {
		t.Errorf("contiguous run: edge %d ok %v\n", edge, ok)
		t.Fail()
	}

	// A hole breaks the run.
	g := newFlowState(types.FlowKey{})
	g.pushUnacked(UnackedSegment{Frame: 1, Seq: 1000, NextSeq: 1100}, 0)
	g.pushUnacked(UnackedSegment{Frame: 2, Seq: 1150, NextSeq: 1200}, 0)
	if _, ok := g.contiguousRunEnd(types.Sequence(1000), types.Sequence(1200)); ok {
		t.Error("run reported across a hole\n")
		t.Fail()
	}
}

// lostSegmentTrace sends data, skips a segment so duplicate ACKs accumulate,
// then resends the missing range hot on the last duplicate's heels.  The
// resend matches both the fast-retransmission and the out-of-order heuristics.
func lostSegmentTrace(t *testing.T, conv *Conversation) *AnalysisRecord {
	client := testClientKey()
	server := client.Reverse()
	payload := make([]byte, 100)

	feed(t, conv, newSeg(4, testBase.Add(60*time.Millisecond), client,
		layers.TCP{ACK: true, Seq: 1001, Ack: 2001, Window: 65535}, payload))
	r5 := feed(t, conv, newSeg(5, testBase.Add(61*time.Millisecond), client,
		layers.TCP{ACK: true, Seq: 1201, Ack: 2001, Window: 65535}, payload))
	if !r5.Flags.Has(types.LostPacket) {
		t.Fatalf("gap not flagged LOST_PACKET: %s", r5.Flags)
	}

	feed(t, conv, newSeg(6, testBase.Add(62*time.Millisecond), server,
		layers.TCP{ACK: true, Seq: 2001, Ack: 1101, Window: 65535}, nil))
	feed(t, conv, newSeg(7, testBase.Add(63*time.Millisecond), server,
		layers.TCP{ACK: true, Seq: 2001, Ack: 1101, Window: 65535}, nil))
	r8 := feed(t, conv, newSeg(8, testBase.Add(64*time.Millisecond), server,
		layers.TCP{ACK: true, Seq: 2001, Ack: 1101, Window: 65535}, nil))
	if r8.DupAckNum != 2 {
		t.Fatalf("expected second duplicate ACK, got num %d", r8.DupAckNum)
	}

	return feed(t, conv, newSeg(9, testBase.Add(65*time.Millisecond), client,
		layers.TCP{ACK: true, Seq: 1101, Ack: 2001, Window: 65535}, payload))
}

func TestFastRetransmissionPrecedence(t *testing.T) {
	conv := newTestConversation(DefaultOptions())
	doHandshake(t, conv, 50*time.Millisecond)
	rec := lostSegmentTrace(t, conv)
	if !rec.Flags.Has(types.FastRetransmission) || rec.Flags.Has(types.OutOfOrder) {
		t.Errorf("flags = %s, want FAST_RETRANSMISSION\n", rec.Flags)
		t.Fail()
	}
}

func TestOutOfOrderPrecedence(t *testing.T) {
	opts := DefaultOptions()
	opts.FastRetransFirst = false
	conv := newTestConversation(opts)
	doHandshake(t, conv, 50*time.Millisecond)
	rec := lostSegmentTrace(t, conv)
	if !rec.Flags.Has(types.OutOfOrder) || rec.Flags.Has(types.FastRetransmission) {
		t.Errorf("flags = %s, want OUT_OF_ORDER\n", rec.Flags)
		t.Fail()
	}
}

func TestOutOfOrderWithoutDuplicates(t *testing.T) {
	conv := newTestConversation(DefaultOptions())
	doHandshake(t, conv, 50*time.Millisecond)
	client := testClientKey()
	payload := make([]byte, 100)

	feed(t, conv, newSeg(4, testBase.Add(60*time.Millisecond), client,
		layers.TCP{ACK: true, Seq: 1001, Ack: 2001, Window: 65535}, payload))
	feed(t, conv, newSeg(5, testBase.Add(61*time.Millisecond), client,
		layers.TCP{ACK: true, Seq: 1201, Ack: 2001, Window: 65535}, payload))

	// The straggler closes the gap right after the jump: reordering, not a
	// retransmission.
	r6 := feed(t, conv, newSeg(6, testBase.Add(62*time.Millisecond), client,
		layers.TCP{ACK: true, Seq: 1101, Ack: 2001, Window: 65535}, payload))
	if !r6.Flags.Has(types.OutOfOrder) || r6.Flags.Has(types.Retransmission) {
		t.Errorf("flags = %s, want OUT_OF_ORDER\n", r6.Flags)
		t.Fail()
	}
}

func TestSackObedienceIsNotFastRetransmission(t *testing.T) {
	conv := newTestConversation(DefaultOptions())
	doHandshake(t, conv, 50*time.Millisecond)
	client := testClientKey()
	server := client.Reverse()
	payload := make([]byte, 100)

	feed(t, conv, newSeg(4, testBase.Add(60*time.Millisecond), client,
		layers.TCP{ACK: true, Seq: 1001, Ack: 2001, Window: 65535}, payload))
	feed(t, conv, newSeg(5, testBase.Add(61*time.Millisecond), client,
		layers.TCP{ACK: true, Seq: 1201, Ack: 2001, Window: 65535}, payload))

	mkDup := func(frame uint64, at time.Duration) *types.SegmentManifest {
		seg := newSeg(frame, testBase.Add(at), server,
			layers.TCP{ACK: true, Seq: 2001, Ack: 1101, Window: 65535}, nil)
		seg.Sack = []types.SackBlock{{Left: 1101, Right: 1201}}
		return seg
	}
	feed(t, conv, mkDup(6, 62*time.Millisecond))
	feed(t, conv, mkDup(7, 63*time.Millisecond))
	feed(t, conv, mkDup(8, 64*time.Millisecond))

	// The resend lies inside the peer's reported SACK range: the sender is
	// obeying SACK, so the fast-retransmission check steps aside.
	r9 := feed(t, conv, newSeg(9, testBase.Add(65*time.Millisecond), client,
		layers.TCP{ACK: true, Seq: 1101, Ack: 2001, Window: 65535}, payload))
	if r9.Flags.Has(types.FastRetransmission) {
		t.Errorf("SACK-obedient resend misflagged: %s\n", r9.Flags)
		t.Fail()
	}
}

func TestSequenceWraparoundAnalysis(t *testing.T) {
	conv := newTestConversation(DefaultOptions())
	client := testClientKey()
	server := client.Reverse()

	var isn uint32 = 0xFFFFFF00
	feed(t, conv, newSeg(1, testBase, client,
		layers.TCP{SYN: true, Seq: isn, Window: 65535}, nil))
	feed(t, conv, newSeg(2, testBase.Add(25*time.Millisecond), server,
		layers.TCP{SYN: true, ACK: true, Seq: 2000, Ack: isn + 1, Window: 65535}, nil))
	feed(t, conv, newSeg(3, testBase.Add(50*time.Millisecond), client,
		layers.TCP{ACK: true, Seq: isn + 1, Ack: 2001, Window: 65535}, nil))

	// 300 bytes crossing the 2^32 boundary, then 100 more past it.
	r4 := feed(t, conv, newSeg(4, testBase.Add(60*time.Millisecond), client,
		layers.TCP{ACK: true, Seq: isn + 1, Ack: 2001, Window: 65535}, make([]byte, 300)))
	r5 := feed(t, conv, newSeg(5, testBase.Add(70*time.Millisecond), client,
		layers.TCP{ACK: true, Seq: 45, Ack: 2001, Window: 65535}, make([]byte, 100)))
	if r4.Flags != 0 || r5.Flags != 0 {
		t.Errorf("wraparound misclassified: f4 %s f5 %s\n", r4.Flags, r5.Flags)
		t.Fail()
	}
	if conv.clientState.NextSeq != 145 {
		t.Errorf("frontier after wrap = %d, want 145\n", conv.clientState.NextSeq)
		t.Fail()
	}
}

func TestDSackFlag(t *testing.T) {
	conv := newTestConversation(DefaultOptions())
	doHandshake(t, conv, 50*time.Millisecond)
	client := testClientKey()
	server := client.Reverse()

	feed(t, conv, newSeg(4, testBase.Add(60*time.Millisecond), client,
		layers.TCP{ACK: true, Seq: 1001, Ack: 2001, Window: 65535}, make([]byte, 100)))

	// First SACK range wholly below the cumulative ACK reports a duplicate
	// arrival.
	seg := newSeg(5, testBase.Add(70*time.Millisecond), server,
		layers.TCP{ACK: true, Seq: 2001, Ack: 1101, Window: 65535}, nil)
	seg.Sack = []types.SackBlock{{Left: 1001, Right: 1101}}
	r5 := feed(t, conv, seg)
	if !r5.Flags.Has(types.DSack) {
		t.Errorf("flags = %s, want D-SACK\n", r5.Flags)
		t.Fail()
	}
}
