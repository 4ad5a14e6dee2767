package peer

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"go.klb.dev/interchange/internal/crypto"
	"go.klb.dev/interchange/internal/hub"
	"go.klb.dev/interchange/internal/wire"
)

// Endpoint describes how one listener's connections are secured.
type Endpoint struct {
	// Token is required in an AUTH message when set.
	Token string
	// Key seals every message with secretbox. Nil for the unix socket and
	// for TLS listeners.
	Key *crypto.Key
}

// Server accepts connections and runs a Peer for each.
type Server struct {
	h       *hub.Hub
	backend Backend
	opts    Options
	log     *slog.Logger
}

// NewServer returns a server answering through backend.
func NewServer(h *hub.Hub, backend Backend, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.StartedAt.IsZero() {
		opts.StartedAt = time.Now()
	}
	return &Server{
		h:       h,
		backend: backend,
		opts:    opts,
		log:     opts.Logger.With("component", "ipc"),
	}
}

// Serve accepts on ln until ctx is cancelled, then closes ln and every
// connection it accepted and waits for their peers to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener, ep Endpoint) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	s.log.Info("listening", "addr", ln.Addr().String(), "auth", ep.Token != "", "sealed", ep.Key != nil)

	opts := s.opts
	opts.Token = ep.Token
	opts.Logger = s.log
	var (
		mu    sync.Mutex
		conns = make(map[net.Conn]struct{})
		wg    sync.WaitGroup
		err   error
	)
	for {
		var conn net.Conn
		conn, err = ln.Accept()
		if err != nil {
			break
		}
		mu.Lock()
		conns[conn] = struct{}{}
		mu.Unlock()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				mu.Lock()
				delete(conns, conn)
				mu.Unlock()
			}()
			newPeer(wire.New(conn, ep.Key, opts.MaxMessage), s.h, s.backend, opts).Serve(ctx)
		}()
	}

	mu.Lock()
	for c := range conns {
		c.Close()
	}
	mu.Unlock()
	wg.Wait()

	if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
