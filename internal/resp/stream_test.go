package resp

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// writeChunked trickles bytes into the connection a few at a time to force
// the stream through its need-more path.
func writeChunked(t *testing.T, conn net.Conn, data []byte, chunk int) {
	t.Helper()
	go func() {
		for len(data) > 0 {
			n := min(chunk, len(data))
			if _, err := conn.Write(data[:n]); err != nil {
				return
			}
			data = data[n:]
		}
	}()
}

func TestStream_ReadFrameReturnsRawBytes(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	stream := NewStream(local, Resp2)
	raw := []byte("*2\r\n$3\r\nGET\r\n$1\r\nk\r\n")
	writeChunked(t, remote, raw, 3)

	frame, got, err := stream.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, raw, got, "raw bytes must match the client's wire bytes exactly")
	require.Len(t, frame.(*Array).Items, 2)
}

func TestStream_ReadFrameSplitsPipelinedFrames(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	stream := NewStream(local, Resp2)
	writeChunked(t, remote, []byte("+OK\r\n:7\r\n"), 64)

	_, raw, err := stream.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, []byte("+OK\r\n"), raw)

	frame, raw, err := stream.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, []byte(":7\r\n"), raw)
	require.Equal(t, int64(7), frame.(*Number).Value)
}

func TestStream_CleanEOF(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()

	stream := NewStream(local, Resp2)
	require.NoError(t, remote.Close())

	_, _, err := stream.ReadFrame()
	require.ErrorIs(t, err, io.EOF)
}

func TestStream_EOFMidFrame(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()

	stream := NewStream(local, Resp2)
	go func() {
		_, _ = remote.Write([]byte("$10\r\nhel"))
		_ = remote.Close()
	}()

	_, _, err := stream.ReadFrame()
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestStream_DecodeErrorIsProtocolError(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	stream := NewStream(local, Resp2)
	writeChunked(t, remote, []byte("?bogus\r\n"), 64)

	_, _, err := stream.ReadFrame()
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, Resp2, perr.Version)
}

func TestStream_SetVersionSwitchesDecoder(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	stream := NewStream(local, Resp2)
	require.Equal(t, Resp2, stream.Version())

	stream.SetVersion(Resp3)
	writeChunked(t, remote, []byte("%1\r\n$5\r\nproto\r\n:3\r\n"), 64)

	frame, _, err := stream.ReadFrame()
	require.NoError(t, err)
	require.IsType(t, &Map{}, frame)
}

func TestStream_ReadDeadline(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	stream := NewStream(local, Resp2)
	require.NoError(t, stream.SetReadDeadline(time.Now().Add(20*time.Millisecond)))

	_, _, err := stream.ReadFrame()
	var nerr net.Error
	require.ErrorAs(t, err, &nerr)
	require.True(t, nerr.Timeout())
}
