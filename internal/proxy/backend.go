package proxy

import (
	"bytes"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/appnet-org/rwproxy/internal/config"
	"github.com/appnet-org/rwproxy/internal/resp"
)

// Connect dials a backend and performs the AUTH/SELECT handshake. The
// timeout bounds the TCP connect and the whole handshake together. The
// returned stream speaks RESP2 until a HELLO upgrades it.
func Connect(ep config.Endpoint, timeout time.Duration) (*resp.Stream, error) {
	// One deadline covers the dial and the handshake together.
	deadline := time.Now().Add(timeout)

	dialer := net.Dialer{Deadline: deadline}
	conn, err := dialer.Dial("tcp", ep.Addr())
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", ep.Addr(), err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	_ = conn.SetDeadline(deadline)

	stream := resp.NewStream(conn, resp.Resp2)

	if ep.HasPassword {
		var cmd []byte
		if ep.Username != "" {
			cmd = resp.EncodeCommandStrings("AUTH", ep.Username, ep.Password)
		} else {
			// Password-only AUTH is valid and implies the default user.
			cmd = resp.EncodeCommandStrings("AUTH", ep.Password)
		}
		if err := handshakeRoundTrip(stream, cmd, "AUTH"); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}

	if ep.HasDB {
		cmd := resp.EncodeCommandStrings("SELECT", strconv.Itoa(ep.DB))
		if err := handshakeRoundTrip(stream, cmd, "SELECT"); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}

	_ = conn.SetDeadline(time.Time{})
	return stream, nil
}

func handshakeRoundTrip(stream *resp.Stream, cmd []byte, op string) error {
	if err := stream.WriteAll(cmd); err != nil {
		return fmt.Errorf("backend %s write: %w", op, err)
	}
	frame, raw, err := stream.ReadFrame()
	if err != nil {
		return fmt.Errorf("backend closed during %s: %w", op, err)
	}
	if resp.IsErrorReply(frame) {
		return fmt.Errorf("backend %s failed: %s", op, bytes.TrimSpace(raw))
	}
	return nil
}
