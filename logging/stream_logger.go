/*
 *    stream_logger.go - persists reconstructed TCP byte streams
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

package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// StreamLogger persists one flow direction's reconstructed in-order byte
// stream to a file named after the flow.
type StreamLogger struct {
	name      string
	byteCount int64
	writer    io.WriteCloser
	log       *logrus.Entry
}

// NewStreamLogger opens (or truncates) dir/<name>.stream for writing.
func NewStreamLogger(dir, name string, log *logrus.Logger) (*StreamLogger, error) {
	writer, err := os.OpenFile(filepath.Join(dir, fmt.Sprintf("%s.stream", name)), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		return nil, errors.Wrapf(err, "open stream log for %s", name)
	}
	return &StreamLogger{
		name:   name,
		writer: writer,
		log:    log.WithField("stream_log", name),
	}, nil
}

// Write appends reconstructed stream bytes.
func (s *StreamLogger) Write(p []byte) (int, error) {
	s.byteCount += int64(len(p))
	return s.writer.Write(p)
}

// ByteCount returns the total stream bytes written so far.
func (s *StreamLogger) ByteCount() int64 {
	return s.byteCount
}

// Close flushes and closes the underlying file.
func (s *StreamLogger) Close() error {
	s.log.WithField("bytes", s.byteCount).Debug("closing stream log")
	return s.writer.Close()
}
