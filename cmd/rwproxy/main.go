// rwproxy is a transparent read/write splitting proxy for Redis. It routes
// each client command to a master or a read replica and keeps both backend
// connections congruent with the client's connection state.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/appnet-org/rwproxy/internal/config"
	"github.com/appnet-org/rwproxy/internal/proxy"
	"github.com/appnet-org/rwproxy/internal/stats"
	"github.com/appnet-org/rwproxy/pkg/logging"
)

const (
	defaultConnectTimeoutMS = 3000
	defaultReplicaTimeoutMS = 5000
)

type options struct {
	username         string
	password         string
	connectTimeoutMS uint64
	replicaTimeoutMS uint64
	configFile       string
}

func main() {
	cmd, _ := newRootCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() (*cobra.Command, *options) {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "rwproxy <listen_addr> <master_url> <replica_url>",
		Short: "Transparent Redis master/replica read-write splitting proxy (RESP3-capable)",
		Args:  cobra.MaximumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, args, opts)
		},
		SilenceUsage: true,
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.username, "username", "", "username required from clients (proxy-level AUTH)")
	flags.StringVar(&opts.password, "password", "", "password required from clients; if omitted, the proxy does not enforce authentication")
	flags.Uint64Var(&opts.connectTimeoutMS, "connect-timeout-ms", defaultConnectTimeoutMS, "backend connect timeout in milliseconds")
	flags.Uint64Var(&opts.replicaTimeoutMS, "replica-timeout-ms", defaultReplicaTimeoutMS, "how long to wait for replica replies, including drain replies for dual-forward commands")
	flags.StringVar(&opts.configFile, "config", "", "optional YAML config file; command-line values take precedence")

	return cmd, opts
}

// buildConfig merges the optional config file, the flags, and the
// positional arguments into an immutable Config. Flags and positionals win
// over file values.
func buildConfig(cmd *cobra.Command, args []string, opts *options) (*config.Config, error) {
	var file config.File
	if opts.configFile != "" {
		loaded, err := config.LoadFile(opts.configFile)
		if err != nil {
			return nil, err
		}
		file = *loaded
	}

	listen := file.Listen
	masterURL := file.MasterURL
	replicaURL := file.ReplicaURL
	if len(args) > 0 {
		listen = args[0]
	}
	if len(args) > 1 {
		masterURL = args[1]
	}
	if len(args) > 2 {
		replicaURL = args[2]
	}
	if listen == "" || masterURL == "" || replicaURL == "" {
		return nil, errors.New("listen address, master URL and replica URL are required (positional arguments or config file)")
	}

	username := file.Username
	if cmd.Flags().Changed("username") {
		username = opts.username
	}
	password := file.Password
	if cmd.Flags().Changed("password") {
		password = opts.password
	}

	connectMS := opts.connectTimeoutMS
	if !cmd.Flags().Changed("connect-timeout-ms") && file.ConnectTimeoutMS != 0 {
		connectMS = file.ConnectTimeoutMS
	}
	replicaMS := opts.replicaTimeoutMS
	if !cmd.Flags().Changed("replica-timeout-ms") && file.ReplicaTimeoutMS != 0 {
		replicaMS = file.ReplicaTimeoutMS
	}

	master, err := config.ParseRedisURL(masterURL)
	if err != nil {
		return nil, err
	}
	replica, err := config.ParseRedisURL(replicaURL)
	if err != nil {
		return nil, err
	}

	auth := config.DisabledAuth()
	if password != "" {
		auth = config.ProxyAuth{Enabled: true, Username: username, Password: password}
		if auth.Username == "" {
			auth.Username = config.DefaultUsername
		}
	}

	return &config.Config{
		Listen:         listen,
		Master:         master,
		Replica:        replica,
		Auth:           auth,
		ConnectTimeout: time.Duration(connectMS) * time.Millisecond,
		ReplicaTimeout: time.Duration(replicaMS) * time.Millisecond,
	}, nil
}

func run(cmd *cobra.Command, args []string, opts *options) error {
	logging.Init()
	defer logging.Sync()

	cfg, err := buildConfig(cmd, args, opts)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("bind %s: %w", cfg.Listen, err)
	}
	logging.Info("rwproxy listening",
		zap.String("listen", cfg.Listen),
		zap.String("master", cfg.Master.Addr()),
		zap.String("replica", cfg.Replica.Addr()))

	st := stats.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Stop accepting on shutdown; in-flight sessions are not drained.
		<-gctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		return acceptLoop(gctx, ln, cfg, st)
	})

	err = g.Wait()

	for _, line := range st.SummaryLines() {
		fmt.Println(line)
	}

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	logging.Info("rwproxy shut down")
	return nil
}

func acceptLoop(ctx context.Context, ln net.Listener, cfg *config.Config, st *stats.Stats) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		logging.Info("accepted connection", zap.String("client", conn.RemoteAddr().String()))
		go proxy.Handle(conn, cfg, st)
	}
}
