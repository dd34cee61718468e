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
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/streamlens/streamlens/types"
)

const (
	// DefaultMaxUnackedSegments bounds the per-flow unacked segment list so
	// a capture that never contains ACKs cannot grow it without limit.
	DefaultMaxUnackedSegments = 1000

	// DefaultMaxBufferedSegments bounds the per-flow out-of-order store.
	DefaultMaxBufferedSegments = 4096

	// DefaultMaxBufferedBytes bounds the payload bytes held in the per-flow
	// out-of-order store.
	DefaultMaxBufferedBytes = 8 * 1024 * 1024

	// DefaultFastRetransWindow is how close to the last duplicate ACK a
	// non-advancing segment must arrive to count as a fast retransmission.
	DefaultFastRetransWindow = 20 * time.Millisecond

	// DefaultOutOfOrderWindow is the base threshold for classifying a
	// non-advancing segment as out-of-order rather than retransmitted.
	// The measured initial RTT replaces it once known.
	DefaultOutOfOrderWindow = 3 * time.Millisecond
)

// Options controls the analysis engine.  The zero value is not usable;
// start from DefaultOptions.
type Options struct {
	MaxUnackedSegments  int
	MaxBufferedSegments int
	MaxBufferedBytes    int

	FastRetransWindow time.Duration
	OutOfOrderWindow  time.Duration

	// FastRetransFirst selects which of the two competing non-advancing
	// segment checks runs first when both could match: true tries the
	// fast-retransmission check before the out-of-order check.
	FastRetransFirst bool

	// BytesInFlightFromUnacked selects the bytes-in-flight method: true
	// spans the currently unacked segment payloads, false subtracts the
	// peer's last ACK from the frontier.
	BytesInFlightFromUnacked bool

	// SuppressMptcpDupAcks disables duplicate-ACK flagging on segments the
	// options collaborator marked as carrying divergent MPTCP operations.
	SuppressMptcpDupAcks bool

	// Dispatch is the upper-layer parser handed every in-order byte range.
	// Nil disables PDU tracking; segments are still classified and spliced.
	Dispatch UpperLayerDispatch

	// StreamWriterFactory, when set, is called once per flow direction and
	// receives the reconstructed in-order byte stream.
	StreamWriterFactory func(flow types.FlowKey) io.Writer

	Logger *logrus.Logger
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		MaxUnackedSegments:       DefaultMaxUnackedSegments,
		MaxBufferedSegments:      DefaultMaxBufferedSegments,
		MaxBufferedBytes:         DefaultMaxBufferedBytes,
		FastRetransWindow:        DefaultFastRetransWindow,
		OutOfOrderWindow:         DefaultOutOfOrderWindow,
		FastRetransFirst:         true,
		BytesInFlightFromUnacked: true,
		SuppressMptcpDupAcks:     true,
		Logger:                   logrus.StandardLogger(),
	}
}
