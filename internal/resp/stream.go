package resp

import (
	"fmt"
	"io"
	"net"
	"time"
)

const readChunkSize = 8 * 1024

// ProtocolError reports a malformed frame. Protocol desync is
// unrecoverable, so callers terminate the connection on it.
type ProtocolError struct {
	Version Version
	Err     error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s decode error: %v", e.Version, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Stream is a buffered frame reader/writer over one TCP connection. It
// tracks the connection's current protocol version so that ReadFrame can
// select the right decoder, and it hands back the exact raw bytes each
// decoded frame consumed so callers can replay them verbatim.
type Stream struct {
	conn    net.Conn
	buf     []byte
	version Version
}

// NewStream wraps conn at the given protocol version.
func NewStream(conn net.Conn, v Version) *Stream {
	return &Stream{
		conn:    conn,
		buf:     make([]byte, 0, readChunkSize),
		version: v,
	}
}

// Version returns the stream's current protocol version.
func (s *Stream) Version() Version {
	return s.version
}

// SetVersion switches the decoder used for subsequent frames. Must only be
// called between frames.
func (s *Stream) SetVersion(v Version) {
	s.version = v
}

// ReadFrame reads exactly one frame from the stream, returning the decoded
// frame together with the raw bytes it consumed. Clean EOF with no pending
// bytes returns io.EOF; EOF mid-frame returns io.ErrUnexpectedEOF.
func (s *Stream) ReadFrame() (Frame, []byte, error) {
	for {
		var (
			frame Frame
			n     int
			err   error
		)
		if s.version == Resp3 {
			frame, n, err = DecodeResp3(s.buf)
		} else {
			frame, n, err = DecodeResp2(s.buf)
		}
		if err != nil {
			return nil, nil, &ProtocolError{Version: s.version, Err: err}
		}
		if frame != nil {
			raw := make([]byte, n)
			copy(raw, s.buf[:n])
			s.buf = append(s.buf[:0], s.buf[n:]...)
			return frame, raw, nil
		}

		chunk := make([]byte, readChunkSize)
		rn, rerr := s.conn.Read(chunk)
		if rn > 0 {
			s.buf = append(s.buf, chunk[:rn]...)
			continue
		}
		if rerr == io.EOF {
			if len(s.buf) == 0 {
				return nil, nil, io.EOF
			}
			return nil, nil, io.ErrUnexpectedEOF
		}
		if rerr != nil {
			return nil, nil, rerr
		}
	}
}

// WriteAll writes the whole byte slice to the connection.
func (s *Stream) WriteAll(b []byte) error {
	_, err := s.conn.Write(b)
	return err
}

// SetReadDeadline bounds subsequent reads on the underlying connection.
// A zero time clears the deadline.
func (s *Stream) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

// Close closes the underlying connection.
func (s *Stream) Close() error {
	return s.conn.Close()
}
