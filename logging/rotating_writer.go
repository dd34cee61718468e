/*
 *    rotating_writer.go - disk-quota-bounded log writer
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
	"os"

	"github.com/pkg/errors"
)

// RotatingQuotaWriter is an io.WriteCloser that keeps at most numLogs rotated
// files and never writes more than quotaSize megabytes to disk in total.
type RotatingQuotaWriter struct {
	filename       string
	fp             *os.File
	numLogs        int
	logSize        int
	quotaSizeBytes int
	sizes          []int
}

// NewRotatingQuotaWriter takes a starting filename, a quota size in megabytes
// and the number of rotated files to spread it over.
func NewRotatingQuotaWriter(filename string, quotaSize, numLogs int) *RotatingQuotaWriter {
	quotaSizeBytes := quotaSize * 1024 * 1024
	return &RotatingQuotaWriter{
		filename:       filename,
		numLogs:        numLogs,
		logSize:        quotaSizeBytes / numLogs,
		quotaSizeBytes: quotaSizeBytes,
		sizes:          make([]int, numLogs),
	}
}

func (w *RotatingQuotaWriter) Write(output []byte) (int, error) {
	var err error
	if w.fp == nil {
		w.fp, err = os.Create(w.filename)
		if err != nil {
			return 0, errors.Wrap(err, "create log file")
		}
		w.sizes[0] += len(output)
		return w.fp.Write(output)
	}
	if w.sizes[0]+len(output) > w.logSize {
		if err = w.rotate(); err != nil {
			return 0, err
		}
		w.sizes = append([]int{len(output)}, w.sizes[:len(w.sizes)-1]...)
		w.fp, err = os.Create(w.filename)
		if err != nil {
			return 0, errors.Wrap(err, "create log file after rotation")
		}
	} else {
		w.sizes[0] += len(output)
	}
	return w.fp.Write(output)
}

func (w *RotatingQuotaWriter) Close() error {
	if w.fp == nil {
		return nil
	}
	err := w.fp.Close()
	w.fp = nil
	return err
}

func (w *RotatingQuotaWriter) rotate() error {
	if w.fp != nil {
		if err := w.fp.Close(); err != nil {
			return errors.Wrap(err, "close log file before rotation")
		}
		w.fp = nil
	}
	for i := w.numLogs; i > 0; i-- {
		w.shiftLog(i)
	}
	return errors.Wrap(os.Rename(w.filename, fmt.Sprintf("%s.1", w.filename)), "rotate log file")
}

// shiftLog renames filename.num to filename.num+1, dropping the oldest.
func (w *RotatingQuotaWriter) shiftLog(num int) {
	name := fmt.Sprintf("%s.%d", w.filename, num)
	if _, err := os.Stat(name); err != nil {
		return
	}
	if num == w.numLogs {
		os.Remove(name)
		return
	}
	os.Rename(name, fmt.Sprintf("%s.%d", w.filename, num+1))
}
