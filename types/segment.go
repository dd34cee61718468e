/*
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

package types

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// SackBlock is one peer-reported selective acknowledgment range
// [Left, Right).  Option syntax decoding happens outside the engine;
// blocks arrive here already parsed.
type SackBlock struct {
	Left  Sequence
	Right Sequence
}

// SegmentManifest carries one decoded TCP segment plus capture metadata into
// the analysis engine.
type SegmentManifest struct {
	// Frame is the capture-order frame number, starting at 1.
	Frame     uint64
	Timestamp time.Time
	Flow      FlowKey
	TCP       layers.TCP
	Payload   gopacket.Payload

	// Sack holds the already-decoded SACK ranges from this segment's
	// options, oldest block first.
	Sack []SackBlock

	// WindowScale is the window scale shift from a SYN segment's options,
	// or -1 when the option was absent.
	WindowScale int

	// MptcpDivergent is set by the options collaborator when this segment's
	// MPTCP operation set differs from the connection-level one, which makes
	// RFC-tolerated duplicate ACKs expected rather than anomalous.
	MptcpDivergent bool
}

// Seq returns the segment's sequence number as a wraparound-safe Sequence.
func (s *SegmentManifest) Seq() Sequence {
	return Sequence(s.TCP.Seq)
}

// Ack returns the segment's acknowledgment number as a Sequence.
func (s *SegmentManifest) Ack() Sequence {
	return Sequence(s.TCP.Ack)
}

// Len returns the payload length in bytes.
func (s *SegmentManifest) Len() int {
	return len(s.Payload)
}

// NextSeq returns the sequence number one past this segment's data,
// counting the phantom byte of SYN and FIN.
func (s *SegmentManifest) NextSeq() Sequence {
	next := s.Seq().Add(len(s.Payload))
	if s.TCP.SYN || s.TCP.FIN {
		next = next.Add(1)
	}
	return next
}

func (s SegmentManifest) String() string {
	var buffer bytes.Buffer
	buffer.WriteString(fmt.Sprintf("Frame %d flow %s\n", s.Frame, s.Flow))
	buffer.WriteString(fmt.Sprintf("TCP Sequence %d Ack %d Window %d\n", s.TCP.Seq, s.TCP.Ack, s.TCP.Window))
	buffer.WriteString("Segment payload hex dump:\n")
	buffer.WriteString(hex.Dump(s.Payload))
	return buffer.String()
}
