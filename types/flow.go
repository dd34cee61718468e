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
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// FlowKey identifies one unidirectional TCP flow: an IP address pair plus a
// TCP port pair.  Two FlowKeys that are each other's Reverse belong to the
// same conversation.
type FlowKey struct {
	ipFlow  gopacket.Flow
	tcpFlow gopacket.Flow
}

// NewFlowKeyFromLayers builds a FlowKey from decoded IPv4 and TCP layers.
func NewFlowKeyFromLayers(ipLayer *layers.IPv4, tcpLayer *layers.TCP) FlowKey {
	return FlowKey{
		ipFlow:  ipLayer.NetworkFlow(),
		tcpFlow: tcpLayer.TransportFlow(),
	}
}

// NewFlowKeyFromLayers6 builds a FlowKey from decoded IPv6 and TCP layers.
func NewFlowKeyFromLayers6(ipLayer *layers.IPv6, tcpLayer *layers.TCP) FlowKey {
	return FlowKey{
		ipFlow:  ipLayer.NetworkFlow(),
		tcpFlow: tcpLayer.TransportFlow(),
	}
}

// NewFlowKeyFromFlows builds a FlowKey from a network flow (v4 or v6) and a
// TCP transport flow.
func NewFlowKeyFromFlows(ipFlow, tcpFlow gopacket.Flow) FlowKey {
	return FlowKey{
		ipFlow:  ipFlow,
		tcpFlow: tcpFlow,
	}
}

// String returns the src:port-dst:port rendering of the flow.
func (k FlowKey) String() string {
	return fmt.Sprintf("%s:%s-%s:%s", k.ipFlow.Src().String(), k.tcpFlow.Src().String(), k.ipFlow.Dst().String(), k.tcpFlow.Dst().String())
}

// Reverse returns the FlowKey of the opposite direction.
func (k FlowKey) Reverse() FlowKey {
	return FlowKey{
		ipFlow:  k.ipFlow.Reverse(),
		tcpFlow: k.tcpFlow.Reverse(),
	}
}

// Equal returns true if both flows have the same endpoints in the same order.
func (k FlowKey) Equal(other FlowKey) bool {
	return k.ipFlow == other.ipFlow && k.tcpFlow == other.tcpFlow
}

// Flows returns the component network and transport flows.
func (k FlowKey) Flows() (gopacket.Flow, gopacket.Flow) {
	return k.ipFlow, k.tcpFlow
}

// ConversationHash is a direction-normalized key: a FlowKey and its Reverse
// hash identically, so either side of a conversation finds the same entry.
// Sized for IPv6 addresses; IPv4 raw bytes simply leave the tail zeroed.
type ConversationHash struct {
	// ip 16 bytes + tcp port 2 bytes
	Lo [18]byte
	Hi [18]byte
}

// NewConversationHash returns the normalized hash for a FlowKey.
func NewConversationHash(key FlowKey) ConversationHash {
	var a, b [18]byte

	src := make([]byte, 18)
	copy(src, key.ipFlow.Src().Raw())
	copy(src[len(key.ipFlow.Src().Raw()):], key.tcpFlow.Src().Raw())
	copy(a[:], src)

	dst := make([]byte, 18)
	copy(dst, key.ipFlow.Dst().Raw())
	copy(dst[len(key.ipFlow.Dst().Raw()):], key.tcpFlow.Dst().Raw())
	copy(b[:], dst)

	if bytes.Compare(a[:], b[:]) > 0 {
		return ConversationHash{Lo: b, Hi: a}
	}
	return ConversationHash{Lo: a, Hi: b}
}
