package proxy

import (
	"github.com/appnet-org/rwproxy/internal/command"
	"github.com/appnet-org/rwproxy/internal/resp"
	"github.com/appnet-org/rwproxy/internal/routing"
)

// handleHello negotiates the protocol version across all three streams.
// Client credentials carried in HELLO AUTH are verified locally and
// stripped before the command reaches any backend. The version flip on each
// stream happens between the request and the reply on that stream, because
// the reply is already encoded in the new version.
func (s *Session) handleHello(hello *command.Hello) error {
	if s.cfg.Auth.Enabled {
		if hello.HasAuth {
			if !s.cfg.Auth.Verify(hello.AuthUser, hello.AuthPass) {
				return s.client.WriteAll([]byte("-WRONGPASS invalid username-password pair\r\n"))
			}
			s.authenticated = true
		}
		if !s.authenticated {
			return s.client.WriteAll([]byte("-NOAUTH Authentication required.\r\n"))
		}
	}

	target := hello.Protover

	// Rebuild the backend HELLO without AUTH, keeping SETNAME for
	// transparency.
	parts := [][]byte{[]byte("HELLO"), []byte(target.Token())}
	if hello.HasSetName {
		parts = append(parts, []byte("SETNAME"), []byte(hello.SetName))
	}
	helloCmd := resp.EncodeCommand(parts...)

	if s.replica != nil {
		s.stats.Record(routing.RouteBoth, "HELLO")
	} else {
		s.stats.Record(routing.RouteMaster, "HELLO")
	}

	if err := s.master.WriteAll(helloCmd); err != nil {
		return err
	}
	s.master.SetVersion(target)

	if s.replica != nil {
		if err := s.replica.WriteAll(helloCmd); err != nil {
			s.disableReplica("replica write failed during HELLO, disabling replica", err)
		} else {
			s.replica.SetVersion(target)
		}
	}

	reply, err := s.readMasterReply()
	if err != nil {
		return err
	}
	s.client.SetVersion(target)
	if err := s.client.WriteAll(reply); err != nil {
		return err
	}

	if s.replica != nil {
		if _, err := s.readReplicaFrame(); err != nil {
			s.disableReplica("replica drain failed during HELLO, disabling replica", err)
		}
	}
	return nil
}
