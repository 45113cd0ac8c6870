// ABOUTME: Accumulating frame reader that splits a byte stream on newline delimiters.
// ABOUTME: Bytes after a delimiter stay buffered; a read timeout preserves partial frames.

package protocol

import (
	"bytes"
	"errors"
	"io"
)

// DefaultMaxFrameSize bounds how many bytes may accumulate without a
// delimiter before the connection is considered broken.
const DefaultMaxFrameSize = 1 << 20 // 1 MiB

// ErrFrameTooLarge is a fatal framing error: the peer sent more than the
// frame limit without a delimiter. Unlike decode errors, the session must
// close because resynchronization is impossible.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size without delimiter")

const readChunkSize = 4096

// FrameReader accumulates bytes from an io.Reader and yields complete frames.
// It is not safe for concurrent use; each session owns exactly one.
type FrameReader struct {
	r   io.Reader
	buf []byte
	max int
	tmp [readChunkSize]byte
}

// NewFrameReader wraps r with a frame accumulator limited to max bytes per
// frame. A max of zero selects DefaultMaxFrameSize.
func NewFrameReader(r io.Reader, max int) *FrameReader {
	if max <= 0 {
		max = DefaultMaxFrameSize
	}
	return &FrameReader{r: r, max: max}
}

// Next returns the next complete frame without its trailing delimiter.
//
// An error from the underlying reader is returned as-is with the partial
// buffer preserved, so a net.Conn read deadline can expire mid-frame and the
// caller can resume reading after probing the peer. io.EOF with no buffered
// delimiter means the peer closed in an orderly way.
func (f *FrameReader) Next() ([]byte, error) {
	for {
		if i := bytes.IndexByte(f.buf, '\n'); i >= 0 {
			frame := make([]byte, i)
			copy(frame, f.buf[:i])
			f.buf = f.buf[i+1:]
			return frame, nil
		}

		if len(f.buf) >= f.max {
			return nil, ErrFrameTooLarge
		}

		n, err := f.r.Read(f.tmp[:])
		if n > 0 {
			f.buf = append(f.buf, f.tmp[:n]...)
			continue
		}
		if err != nil {
			return nil, err
		}
	}
}

// Buffered reports how many undelivered bytes are held, for diagnostics.
func (f *FrameReader) Buffered() int {
	return len(f.buf)
}
