package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.klb.dev/interchange/internal/bridge"
	"go.klb.dev/interchange/internal/clipboard"
	"go.klb.dev/interchange/internal/config"
	"go.klb.dev/interchange/internal/hub"
	"go.klb.dev/interchange/internal/logging"
	"go.klb.dev/interchange/internal/loop"
	"go.klb.dev/interchange/internal/transport"
	"go.klb.dev/interchange/internal/transport/wayland"
	"go.klb.dev/interchange/internal/transport/x11"
)

// local is a clipboard service running in this process: the daemon's core,
// and the foreground fallback of copy and paste.
type local struct {
	l       *loop.Loop
	svc     *clipboard.Service
	h       *hub.Hub
	b       *bridge.Bridge
	stopped chan struct{}
}

// startLocal runs a loop, opens the configured transport on it and starts
// the service. The loop stops when ctx ends or Close is called.
func startLocal(ctx context.Context, cfg config.Config) (*local, error) {
	lc := &local{l: loop.New(), h: hub.New(), stopped: make(chan struct{})}
	go func() {
		defer close(lc.stopped)
		_ = lc.l.Run(ctx)
	}()

	var err error
	if cerr := lc.l.Call(ctx, func() {
		var tr transport.ClipboardTransport
		if tr, err = openTransport(lc.l, cfg); err != nil {
			return
		}
		opts := cfg.Service()
		opts.Logger = logging.Component("service")
		lc.svc = clipboard.New(lc.l, tr, opts)
	}); cerr != nil {
		err = cerr
	}
	if err != nil {
		lc.l.Close()
		return nil, err
	}
	lc.b = bridge.New(lc.l, lc.svc, lc.h, logging.Component("bridge"))
	return lc, nil
}

func openTransport(sched loop.Scheduler, cfg config.Config) (transport.ClipboardTransport, error) {
	name := cfg.ResolveTransport()
	slog.Debug("opening transport", "transport", name, "display", cfg.Display)
	switch name {
	case config.TransportWayland:
		opts := cfg.Wayland()
		opts.Logger = logging.Component("wayland")
		return wayland.Open(sched, opts)
	case config.TransportX11:
		opts := cfg.X11()
		opts.Logger = logging.Component("x11")
		return x11.Open(sched, opts)
	}
	return nil, fmt.Errorf("unknown transport %q", name)
}

// Close shuts the service down on the loop and stops it.
func (lc *local) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := lc.l.Call(ctx, func() {
		if err := lc.svc.Close(); err != nil {
			slog.Debug("transport close", "err", err)
		}
	}); err != nil {
		slog.Debug("service close skipped", "err", err)
	}
	lc.l.Close()
	<-lc.stopped
}
