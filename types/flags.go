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

import "strings"

// ClassificationFlags is a bitset describing how a segment relates to its
// flow's history.  Several flags may be set on the same segment.
type ClassificationFlags uint32

const (
	ZeroWindowProbe ClassificationFlags = 1 << iota
	ZeroWindow
	LostPacket
	KeepAlive
	WindowUpdate
	WindowFull
	KeepAliveAck
	ZeroWindowProbeAck
	DuplicateAck
	AckedLostPacket
	Retransmission
	FastRetransmission
	SpuriousRetransmission
	OutOfOrder
	ReusedPorts
	DSack
)

var flagNames = []struct {
	flag ClassificationFlags
	name string
}{
	{ZeroWindowProbe, "ZERO_WINDOW_PROBE"},
	{ZeroWindow, "ZERO_WINDOW"},
	{LostPacket, "LOST_PACKET"},
	{KeepAlive, "KEEP_ALIVE"},
	{WindowUpdate, "WINDOW_UPDATE"},
	{WindowFull, "WINDOW_FULL"},
	{KeepAliveAck, "KEEP_ALIVE_ACK"},
	{ZeroWindowProbeAck, "ZERO_WINDOW_PROBE_ACK"},
	{DuplicateAck, "DUPLICATE_ACK"},
	{AckedLostPacket, "ACKED_LOST_PACKET"},
	{Retransmission, "RETRANSMISSION"},
	{FastRetransmission, "FAST_RETRANSMISSION"},
	{SpuriousRetransmission, "SPURIOUS_RETRANSMISSION"},
	{OutOfOrder, "OUT_OF_ORDER"},
	{ReusedPorts, "REUSED_PORTS"},
	{DSack, "D-SACK"},
}

// Has returns true if all bits of f2 are set in f.
func (f ClassificationFlags) Has(f2 ClassificationFlags) bool {
	return f&f2 == f2
}

// RetransmissionKind is the subset of flags the analyst override hook may
// replace on an already-classified segment.
const RetransmissionKind = Retransmission | FastRetransmission | SpuriousRetransmission | OutOfOrder

// String renders the set flags as a space separated list of names.
func (f ClassificationFlags) String() string {
	if f == 0 {
		return ""
	}
	names := make([]string, 0, 4)
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			names = append(names, fn.name)
		}
	}
	return strings.Join(names, " ")
}
