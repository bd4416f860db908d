// Package proxy implements the per-connection dual-backend session machine:
// one client stream, one master stream, and an optional replica stream,
// driven parse → route → forward until the client disconnects.
package proxy

import (
	"errors"
	"fmt"
	"io"
	"net"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/appnet-org/rwproxy/internal/command"
	"github.com/appnet-org/rwproxy/internal/config"
	"github.com/appnet-org/rwproxy/internal/resp"
	"github.com/appnet-org/rwproxy/internal/routing"
	"github.com/appnet-org/rwproxy/internal/stats"
	"github.com/appnet-org/rwproxy/pkg/logging"
)

// Session owns one client connection and its backend connections. It is
// driven by exactly one goroutine; no locking is needed inside a session.
type Session struct {
	cfg   *config.Config
	stats *stats.Stats

	client *resp.Stream
	master *resp.Stream

	// replica is nil when absent at connect or disabled after a failure.
	// The transition to nil closes the socket; it never comes back within
	// a session.
	replica *resp.Stream

	authenticated bool
	inMulti       bool
	watchActive   bool
}

// Handle runs one accepted client connection to completion. It connects the
// backends, drives the session loop, and closes everything on the way out.
func Handle(conn net.Conn, cfg *config.Config, st *stats.Stats) {
	if err := runClient(conn, cfg, st); err != nil {
		logging.Debug("session terminated", zap.Error(err))
	}
}

func runClient(conn net.Conn, cfg *config.Config, st *stats.Stats) error {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	client := resp.NewStream(conn, resp.Resp2)

	master, err := Connect(cfg.Master, cfg.ConnectTimeout)
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("master handshake: %w", err)
	}

	replica, err := Connect(cfg.Replica, cfg.ConnectTimeout)
	if err != nil {
		logging.Warn("replica unavailable at connect, running master-only", zap.Error(err))
		replica = nil
	}

	s := &Session{
		cfg:           cfg,
		stats:         st,
		client:        client,
		master:        master,
		replica:       replica,
		authenticated: !cfg.Auth.Enabled,
	}
	return s.run()
}

// run is the session loop. Commands are strictly sequential: request N+1 is
// not read until request N's reply has been written. A hung master blocks
// the session indefinitely; master reads are deliberately unbounded.
func (s *Session) run() error {
	defer s.close()

	for {
		frame, raw, err := s.client.ReadFrame()
		if errors.Is(err, io.EOF) {
			return nil
		}
		var perr *resp.ProtocolError
		if errors.As(err, &perr) {
			s.writeProtocolError(err)
			return err
		}
		if err != nil {
			return err
		}

		req, err := command.Parse(frame, s.client.Version())
		if err != nil {
			s.writeProtocolError(err)
			return err
		}

		switch r := req.(type) {
		case *command.Hello:
			if err := s.handleHello(r); err != nil {
				return err
			}
		case *command.Command:
			quit, err := s.handleCommand(r, raw)
			if err != nil {
				return err
			}
			if quit {
				return nil
			}
		}
	}
}

// handleCommand dispatches one non-HELLO command. It returns quit=true when
// the client asked to close the session.
func (s *Session) handleCommand(cmd *command.Command, raw []byte) (quit bool, err error) {
	if !s.authenticated && !isAuthExempt(cmd.Name) {
		return false, s.client.WriteAll([]byte("-NOAUTH Authentication required.\r\n"))
	}

	switch cmd.Name {
	case "AUTH":
		return false, s.handleAuth(cmd)
	case "QUIT":
		return true, s.client.WriteAll([]byte("+OK\r\n"))
	}

	route := routing.Decide(cmd.Name, cmd.FirstArgUpper(), s.inMulti, s.watchActive, s.replica != nil)

	switch route {
	case routing.RouteMaster:
		s.stats.Record(routing.RouteMaster, cmd.Name)
		err = s.forwardMaster(raw)
	case routing.RouteReplica:
		s.stats.Record(routing.RouteReplica, cmd.Name)
		var healthy bool
		healthy, err = s.forwardReplicaWithFallback(raw)
		if err == nil && !healthy {
			s.stats.RecordReplicaFallback(cmd.Name)
			s.disableReplica("replica unusable, disabling for this session", nil)
		}
	case routing.RouteBoth:
		if s.replica != nil {
			s.stats.Record(routing.RouteBoth, cmd.Name)
			err = s.forwardBoth(raw)
		} else {
			// Without a replica the dual route degenerates to master-only.
			s.stats.Record(routing.RouteMaster, cmd.Name)
			err = s.forwardMaster(raw)
		}
	}
	if err != nil {
		return false, err
	}

	s.updateState(cmd.Name)
	return false, nil
}

// updateState applies post-command transaction transitions. It runs after
// forwarding so the triggering command itself still follows pre-transition
// routing.
func (s *Session) updateState(name string) {
	switch name {
	case "MULTI":
		s.inMulti = true
	case "EXEC", "DISCARD":
		s.inMulti = false
		s.watchActive = false // commit/abort clears watches
	case "WATCH":
		s.watchActive = true
	case "UNWATCH":
		s.watchActive = false
	}
}

// isAuthExempt reports commands allowed before authentication.
func isAuthExempt(name string) bool {
	switch name {
	case "AUTH", "HELLO", "QUIT":
		return true
	}
	return false
}

// handleAuth verifies client credentials locally. AUTH is never forwarded
// to a backend.
func (s *Session) handleAuth(cmd *command.Command) error {
	var user, pass string
	switch len(cmd.Args) {
	case 1:
		user = config.DefaultUsername
		pass = string(cmd.Args[0])
	case 2:
		user = string(cmd.Args[0])
		pass = string(cmd.Args[1])
	default:
		return s.client.WriteAll([]byte("-ERR wrong number of arguments for 'auth' command\r\n"))
	}

	if s.cfg.Auth.Verify(user, pass) {
		s.authenticated = true
		return s.client.WriteAll([]byte("+OK\r\n"))
	}
	return s.client.WriteAll([]byte("-WRONGPASS invalid username-password pair\r\n"))
}

// disableReplica closes the replica socket and removes it for the rest of
// the session. All later replica-eligible commands go to master.
func (s *Session) disableReplica(msg string, err error) {
	if s.replica == nil {
		return
	}
	if err != nil {
		logging.Warn(msg, zap.Error(err))
	} else {
		logging.Warn(msg)
	}
	_ = s.replica.Close()
	s.replica = nil
}

func (s *Session) writeProtocolError(err error) {
	_ = s.client.WriteAll(fmt.Appendf(nil, "-ERR Protocol error: %v\r\n", err))
}

func (s *Session) close() {
	err := s.client.Close()
	err = multierr.Append(err, s.master.Close())
	if s.replica != nil {
		err = multierr.Append(err, s.replica.Close())
	}
	if err != nil {
		logging.Debug("session close", zap.Error(err))
	}
}
