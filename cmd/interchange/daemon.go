package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"go.klb.dev/interchange/internal/config"
	"go.klb.dev/interchange/internal/crypto"
	"go.klb.dev/interchange/internal/ipc"
	"go.klb.dev/interchange/internal/peer"
	"go.klb.dev/interchange/internal/tlsconf"
)

func newDaemonCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Own clipboard selections on behalf of copy/paste tools",
		Long: `Starts the interchange daemon. It connects to the display (Wayland when
WAYLAND_DISPLAY is set, X11 otherwise), serves whatever "interchange copy"
publishes, and answers paste, targets, watch and status requests on a unix
socket.

With --listen the same requests are accepted over TCP. --token is then
required; messages are sealed with a key derived from it, or carried over TLS
with --tls.

Config file search order:
  /etc/interchange/interchange.toml
  $HOME/.config/interchange/interchange.toml
  path supplied via --config

Precedence (lowest → highest): defaults → config file → INTERCHANGE_* env vars → flags`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(cmd *cobra.Command, _ []string) error { return runDaemon(cmd.Context(), v) },
	}

	f := cmd.Flags()
	f.String(config.KeySocket, "", "unix socket path (default: $XDG_RUNTIME_DIR/interchange.sock)")
	f.String(config.KeyListen, "", "also accept requests on this TCP address")
	f.String(config.KeyToken, "", "shared secret for --listen")
	f.Bool("tls", false, "serve --listen over TLS keyed by the token")
	addTransportFlags(cmd)
	addLoggingFlags(cmd)
	addConfigFlag(cmd)

	return cmd
}

func runDaemon(parent context.Context, v *viper.Viper) error {
	setupLogging(v)
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	socket := ipc.Resolve(cfg.Socket)
	ln, err := ipc.Listen(socket)
	if err != nil {
		return err
	}

	lc, err := startLocal(ctx, cfg)
	if err != nil {
		ln.Close()
		return fmt.Errorf("start: %w", err)
	}
	defer lc.Close()

	slog.Info("interchange daemon starting",
		"version", Version,
		"transport", cfg.ResolveTransport(),
		"socket", socket,
		"listen", cfg.Listen,
	)

	srv := peer.NewServer(lc.h, lc.b, peer.Options{
		RequestTimeout: cfg.Limits.MaxDuration + 5*time.Second,
		Version:        Version,
		Logger:         slog.Default(),
	})

	var (
		tln net.Listener
		ep  peer.Endpoint
	)
	if cfg.Listen != "" {
		if tln, ep, err = listenTCP(cfg.Listen, cfg.Token, v.GetBool("tls")); err != nil {
			ln.Close()
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx, ln, peer.Endpoint{}) })
	if tln != nil {
		g.Go(func() error { return srv.Serve(gctx, tln, ep) })
	}

	err = g.Wait()
	_ = os.Remove(socket)
	slog.Info("interchange daemon stopped")
	return err
}

func listenTCP(addr, token string, useTLS bool) (net.Listener, peer.Endpoint, error) {
	ep := peer.Endpoint{Token: token}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, ep, fmt.Errorf("listen %s: %w", addr, err)
	}
	if useTLS {
		cfg, err := tlsconf.ServerConfig(token)
		if err != nil {
			ln.Close()
			return nil, ep, err
		}
		return tls.NewListener(ln, cfg), ep, nil
	}
	if ep.Key, err = crypto.DeriveKey(token); err != nil {
		ln.Close()
		return nil, ep, err
	}
	return ln, ep, nil
}
