package sensor

import (
	"bytes"
	"errors"
	"strings"
	"time"

	"github.com/banshee-data/anemometer/internal/serialmux"
)

// maxPartialLine caps how far an unterminated line may grow before it is
// discarded as noise.
const maxPartialLine = 4096

// errLineTimeout reports that the port's read timeout elapsed before a
// complete line arrived. Any accumulated partial line has been discarded.
var errLineTimeout = errors.New("line read timed out")

// lineReader assembles newline-terminated lines from a serial port whose
// driver returns zero-byte reads on timeout. A read that times out with a
// partial line pending discards the partial rather than buffering it for
// continuation.
type lineReader struct {
	port    serialmux.SerialPorter
	buf     []byte
	scratch [256]byte
}

func newLineReader(port serialmux.SerialPorter) *lineReader {
	return &lineReader{port: port}
}

// ReadLine returns the next line with trailing CR/LF stripped. It returns
// errLineTimeout on a driver timeout and passes through I/O errors.
func (r *lineReader) ReadLine() (string, error) {
	for {
		if i := bytes.IndexByte(r.buf, '\n'); i >= 0 {
			line := strings.TrimRight(string(r.buf[:i]), "\r")
			rest := len(r.buf) - i - 1
			copy(r.buf, r.buf[i+1:])
			r.buf = r.buf[:rest]
			return line, nil
		}

		if len(r.buf) > maxPartialLine {
			r.buf = r.buf[:0]
			return "", errLineTimeout
		}

		n, err := r.port.Read(r.scratch[:])
		if err != nil {
			return "", err
		}
		if n == 0 {
			r.buf = r.buf[:0]
			return "", errLineTimeout
		}
		r.buf = append(r.buf, r.scratch[:n]...)
	}
}

// Discard drops any buffered bytes, including a pending partial line.
func (r *lineReader) Discard() {
	r.buf = r.buf[:0]
}

// ReadLineUntil keeps reading across driver timeouts until a line arrives,
// the deadline passes, or an I/O error occurs. On deadline it returns
// errLineTimeout.
func (r *lineReader) ReadLineUntil(deadline time.Time) (string, error) {
	for {
		line, err := r.ReadLine()
		if err == nil {
			return line, nil
		}
		if !errors.Is(err, errLineTimeout) {
			return "", err
		}
		if !time.Now().Before(deadline) {
			return "", errLineTimeout
		}
	}
}
