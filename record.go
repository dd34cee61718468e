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

package streamlens

import (
	"time"

	"github.com/streamlens/streamlens/types"
)

// AnalysisRecord is the per-frame output of the engine: the classification
// bitset plus derived metrics and reassembly attribution.  Records are
// memoized per frame so replay passes return the identical record.
type AnalysisRecord struct {
	Frame  uint64                    `json:"frame"`
	Stream uint64                    `json:"stream"`
	Flags  types.ClassificationFlags `json:"flags"`

	// DupAckNum is which duplicate this ACK is within the current streak;
	// DupAckFrame is the frame where the non-duplicate streak began.
	DupAckNum   int    `json:"dup_ack_num,omitempty"`
	DupAckFrame uint64 `json:"dup_ack_frame,omitempty"`

	// ReassembledIn names the frame whose dispatch consumed this frame's
	// bytes; ContinuationOf is the reverse link on the completing frame.
	ReassembledIn  uint64 `json:"reassembled_in,omitempty"`
	ContinuationOf uint64 `json:"continuation_of,omitempty"`

	// RTO is the estimated retransmission-timeout delta for a segment
	// classified as a plain retransmission.
	RTO time.Duration `json:"rto,omitempty"`

	BytesInFlight int `json:"bytes_in_flight,omitempty"`
	PushBytes     int `json:"push_bytes,omitempty"`

	// RawRemaining marks a frame whose bytes could not be reassembled into
	// a PDU and are rendered as raw remaining data instead.
	RawRemaining bool `json:"raw_remaining,omitempty"`

	// FlagNames mirrors Flags for human readable export.
	FlagNames string `json:"flag_names,omitempty"`
}
