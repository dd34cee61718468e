package streamlens

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/streamlens/streamlens/types"
)

func newTestBuffer(maxSegments, maxBytes int) *OutOfOrderBuffer {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewOutOfOrderBuffer(maxSegments, maxBytes, logrus.NewEntry(log))
}

func TestOutOfOrderDrainSplice(t *testing.T) {
	b := newTestBuffer(0, 0)
	b.Record(3, types.Sequence(1200), []byte{7, 8, 9}, types.Sequence(1000))
	b.Record(4, types.Sequence(1100), []byte{4, 5, 6}, types.Sequence(1000))

	// Frontier below both entries: nothing qualifies.
	spliced, frontier := b.Drain(types.Sequence(1000))
	if len(spliced) != 0 || frontier != 1000 {
		t.Errorf("premature splice: %d entries, frontier %d\n", len(spliced), frontier)
		t.Fail()
	}

	// Frontier reaches 1100: the 1100 entry splices, advancing the frontier
	// to 1103, which does not reach 1200.
	spliced, frontier = b.Drain(types.Sequence(1100))
	if len(spliced) != 1 || spliced[0].Frame != 4 || frontier != 1103 {
		t.Errorf("first splice wrong: %v frontier %d\n", spliced, frontier)
		t.Fail()
	}
	if b.Len() != 1 {
		t.Errorf("buffer should still hold the far entry, Len = %d\n", b.Len())
		t.Fail()
	}

	spliced, frontier = b.Drain(types.Sequence(1200))
	if len(spliced) != 1 || spliced[0].Frame != 3 || frontier != 1203 {
		t.Errorf("second splice wrong: %v frontier %d\n", spliced, frontier)
		t.Fail()
	}
}

func TestOutOfOrderDrainChain(t *testing.T) {
	// Two adjacent entries behind the frontier splice in one Drain call.
	b := newTestBuffer(0, 0)
	b.Record(2, types.Sequence(1100), []byte{1, 2, 3}, types.Sequence(1000))
	b.Record(3, types.Sequence(1103), []byte{4, 5}, types.Sequence(1000))

	spliced, frontier := b.Drain(types.Sequence(1100))
	if len(spliced) != 2 || frontier != 1105 {
		t.Errorf("chain splice: %d entries, frontier %d\n", len(spliced), frontier)
		t.Fail()
	}
	if spliced[0].Frame != 2 || spliced[1].Frame != 3 {
		t.Error("chain splice order wrong\n")
		t.Fail()
	}
	if b.Len() != 0 {
		t.Error("buffer not empty after chain splice\n")
		t.Fail()
	}
}

func TestOutOfOrderDrainOverlapTrim(t *testing.T) {
	b := newTestBuffer(0, 0)
	b.Record(2, types.Sequence(1100), []byte{1, 2, 3, 4, 5}, types.Sequence(1000))

	// The frontier already advanced into the entry: only the novel tail
	// comes back.
	spliced, frontier := b.Drain(types.Sequence(1102))
	if len(spliced) != 1 {
		t.Fatalf("expected 1 spliced entry, got %d", len(spliced))
	}
	if !bytes.Equal(spliced[0].Bytes, []byte{3, 4, 5}) {
		t.Errorf("overlap not trimmed: %v\n", spliced[0].Bytes)
		t.Fail()
	}
	if spliced[0].Seq != 1102 || frontier != 1105 {
		t.Errorf("trimmed seq %d frontier %d\n", spliced[0].Seq, frontier)
		t.Fail()
	}
}

func TestOutOfOrderDrainDiscardsStale(t *testing.T) {
	b := newTestBuffer(0, 0)
	b.Record(2, types.Sequence(1000), []byte{1, 2, 3}, types.Sequence(1000))

	spliced, frontier := b.Drain(types.Sequence(1050))
	if len(spliced) != 0 || frontier != 1050 {
		t.Error("wholly stale entry should be discarded, not spliced\n")
		t.Fail()
	}
	if b.Len() != 0 {
		t.Error("stale entry left in buffer\n")
		t.Fail()
	}
}

func TestOutOfOrderRecordIdempotent(t *testing.T) {
	b := newTestBuffer(0, 0)
	b.Record(2, types.Sequence(1100), []byte{1, 2, 3}, types.Sequence(1000))
	b.Record(2, types.Sequence(1100), []byte{1, 2, 3}, types.Sequence(1000))
	if b.Len() != 1 || b.BufferedBytes() != 3 {
		t.Errorf("re-recording the same frame grew the buffer: Len %d bytes %d\n", b.Len(), b.BufferedBytes())
		t.Fail()
	}
}

func TestOutOfOrderEviction(t *testing.T) {
	b := newTestBuffer(2, 0)
	b.Record(2, types.Sequence(1100), []byte{1}, types.Sequence(1000))
	b.Record(3, types.Sequence(1200), []byte{2}, types.Sequence(1000))
	b.Record(4, types.Sequence(1050), []byte{3}, types.Sequence(1000))

	// The entry furthest from the frontier goes first.
	if b.Len() != 2 {
		t.Fatalf("cap not enforced, Len = %d", b.Len())
	}
	frames := []uint64{}
	b.Each(func(frame uint64) { frames = append(frames, frame) })
	if len(frames) != 2 || frames[0] != 4 || frames[1] != 2 {
		t.Errorf("wrong entries survived eviction: %v\n", frames)
		t.Fail()
	}
}

func TestOutOfOrderEvictionAcrossWrap(t *testing.T) {
	// A post-wrap entry sorts to the raw head of the tree but is further
	// beyond the frontier than anything before the wrap; it must be the
	// one evicted.
	var frontier types.Sequence = 0xFFFFFFF0
	b := newTestBuffer(2, 0)
	b.Record(2, types.Sequence(0xFFFFFFF8), []byte{1}, frontier)
	b.Record(3, types.Sequence(100), []byte{2}, frontier)
	b.Record(4, types.Sequence(0xFFFFFFFA), []byte{3}, frontier)

	if b.Len() != 2 {
		t.Fatalf("cap not enforced, Len = %d", b.Len())
	}
	frames := []uint64{}
	b.Each(func(frame uint64) { frames = append(frames, frame) })
	if len(frames) != 2 || frames[0] != 2 || frames[1] != 4 {
		t.Errorf("wrong entries survived eviction across the wrap: %v\n", frames)
		t.Fail()
	}
}

func TestOutOfOrderDrainAcrossWrap(t *testing.T) {
	// Entries straddling the 2^32 boundary splice in modular order even
	// though raw tree order puts the post-wrap entry first.
	var frontier types.Sequence = 0xFFFFFFFE
	b := newTestBuffer(0, 0)
	b.Record(3, types.Sequence(2), []byte{5, 6}, frontier)
	b.Record(2, types.Sequence(0xFFFFFFFE), []byte{1, 2, 3, 4}, frontier)

	spliced, out := b.Drain(frontier)
	if len(spliced) != 2 || out != 4 {
		t.Fatalf("wrap splice: %d entries, frontier %d", len(spliced), out)
	}
	if spliced[0].Frame != 2 || spliced[0].Seq != 0xFFFFFFFE {
		t.Errorf("pre-wrap entry did not splice first: %+v\n", spliced[0])
		t.Fail()
	}
	if spliced[1].Frame != 3 || spliced[1].Seq != 2 {
		t.Errorf("post-wrap entry did not follow: %+v\n", spliced[1])
		t.Fail()
	}
	if b.Len() != 0 {
		t.Error("buffer not empty after wrap splice\n")
		t.Fail()
	}
}
