package proxy

import (
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/appnet-org/rwproxy/internal/resp"
	"github.com/appnet-org/rwproxy/pkg/logging"
)

// errMasterClosed terminates the session: without the source of truth there
// is nothing left to proxy.
var errMasterClosed = errors.New("master connection closed")

// forwardMaster replays the raw request bytes on the master and relays one
// reply back to the client.
func (s *Session) forwardMaster(raw []byte) error {
	if err := s.master.WriteAll(raw); err != nil {
		return err
	}
	reply, err := s.readMasterReply()
	if err != nil {
		return err
	}
	return s.client.WriteAll(reply)
}

// readMasterReply reads frames from the master until a non-push frame
// arrives. Out-of-band push frames are relayed to the client as-is; they do
// not count as the reply.
func (s *Session) readMasterReply() ([]byte, error) {
	for {
		frame, raw, err := s.master.ReadFrame()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, errMasterClosed
		}
		if err != nil {
			return nil, fmt.Errorf("master read: %w", err)
		}
		if s.master.Version() == resp.Resp3 {
			if _, ok := frame.(*resp.Push); ok {
				if err := s.client.WriteAll(raw); err != nil {
					return nil, err
				}
				continue
			}
		}
		return raw, nil
	}
}

// forwardReplicaWithFallback sends a whitelisted read to the replica. If
// the replica errors or times out, the same bytes are resent to the master
// so the client still gets a reply. healthy=false means the caller must
// disable the replica.
func (s *Session) forwardReplicaWithFallback(raw []byte) (healthy bool, err error) {
	if err := s.replica.WriteAll(raw); err != nil {
		logging.Warn("replica write failed, falling back to master", zap.Error(err))
		return false, s.forwardMaster(raw)
	}

	reply, err := s.readReplicaFrame()
	if err != nil {
		logging.Warn("replica read failed, falling back to master", zap.Error(err))
		return false, s.forwardMaster(raw)
	}

	return true, s.client.WriteAll(reply)
}

// forwardBoth sends the raw bytes to both backends so each advances its
// per-connection state, relays the master's reply, and drains the
// replica's. Replica failures disable the replica but never fail the
// command.
func (s *Session) forwardBoth(raw []byte) error {
	if err := s.master.WriteAll(raw); err != nil {
		return err
	}
	if s.replica != nil {
		if err := s.replica.WriteAll(raw); err != nil {
			s.disableReplica("replica write failed, disabling replica", err)
		}
	}

	reply, err := s.readMasterReply()
	if err != nil {
		return err
	}
	if err := s.client.WriteAll(reply); err != nil {
		return err
	}

	if s.replica != nil {
		if _, err := s.readReplicaFrame(); err != nil {
			s.disableReplica("replica drain failed, disabling replica", err)
		}
	}
	return nil
}

// readReplicaFrame reads one frame from the replica under the configured
// replica timeout.
func (s *Session) readReplicaFrame() ([]byte, error) {
	if err := s.replica.SetReadDeadline(time.Now().Add(s.cfg.ReplicaTimeout)); err != nil {
		return nil, err
	}
	_, raw, err := s.replica.ReadFrame()
	if err != nil {
		return nil, err
	}
	_ = s.replica.SetReadDeadline(time.Time{})
	return raw, nil
}
