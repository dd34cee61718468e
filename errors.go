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

import "github.com/pkg/errors"

var (
	// ErrMalformedSegment means a frame's TCP header was inconsistent with
	// its captured bytes.  Analysis of that frame is aborted; the
	// conversation's other frames are unaffected.
	ErrMalformedSegment = errors.New("malformed TCP segment")

	// ErrReassemblyDisabled means an internal reassembly index
	// inconsistency was detected for this flow and further reassembly on
	// it has been turned off.  Classification continues.
	ErrReassemblyDisabled = errors.New("reassembly disabled for flow")

	// ErrUnknownFrame is returned by the classification override hook when
	// the frame has no analysis record.
	ErrUnknownFrame = errors.New("no analysis record for frame")

	// ErrBadOverride is returned when an override flag is not one of the
	// retransmission-family classifications.
	ErrBadOverride = errors.New("override flag is not a retransmission-family classification")
)
