// Package peer serves daemon clients. Each connection is one Peer: it
// authenticates, answers requests through a Backend, and once it sends
// WATCH it becomes a hub.Watcher that streams CHANGED messages.
package peer

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"go.klb.dev/interchange/internal/clipboard"
	"go.klb.dev/interchange/internal/format"
	"go.klb.dev/interchange/internal/hub"
	"go.klb.dev/interchange/internal/message"
	"go.klb.dev/interchange/internal/slot"
	"go.klb.dev/interchange/internal/wire"
)

const (
	pingInterval = 15 * time.Second
	pongDeadline = 10 * time.Second
	authTimeout  = 10 * time.Second
	sendQueue    = 64
)

// Backend answers requests. bridge.Bridge is the production implementation.
type Backend interface {
	Publish(ctx context.Context, id slot.ID, kind format.Tag, data []byte) error
	Paste(ctx context.Context, id slot.ID, kind format.Tag) (clipboard.PasteResult, error)
	Targets(ctx context.Context, id slot.ID) ([]format.Tag, error)
	Status(ctx context.Context) (clipboard.Status, error)
}

// Options configure every peer of a server.
type Options struct {
	// Token, when set, must arrive in an AUTH message before anything else.
	Token string
	// MaxMessage bounds one line in either direction.
	MaxMessage int
	// RequestTimeout bounds one request against the backend.
	RequestTimeout time.Duration
	Version        string
	StartedAt      time.Time
	Logger         *slog.Logger
}

// Peer wraps a single client connection.
type Peer struct {
	id      string
	conn    *wire.Conn
	h       *hub.Hub
	backend Backend
	opts    Options
	log     *slog.Logger

	sendCh chan *message.Message
	pongCh chan struct{}
	done   chan struct{}

	watching    atomic.Bool
	connectedAt time.Time
	lastSeen    atomic.Int64 // UnixNano
}

func newPeer(conn *wire.Conn, h *hub.Hub, backend Backend, opts Options) *Peer {
	now := time.Now()
	id := uuid.NewString()[:8]
	p := &Peer{
		id:          id,
		conn:        conn,
		h:           h,
		backend:     backend,
		opts:        opts,
		log:         opts.Logger.With("peer", id),
		sendCh:      make(chan *message.Message, sendQueue),
		pongCh:      make(chan struct{}, 1),
		done:        make(chan struct{}),
		connectedAt: now,
	}
	p.lastSeen.Store(now.UnixNano())
	return p
}

// ID implements hub.Watcher.
func (p *Peer) ID() string { return p.id }

// Info implements hub.Watcher.
func (p *Peer) Info() message.PeerInfo {
	addr := "local"
	if a := p.conn.RemoteAddr(); a != nil && a.String() != "" && a.String() != "@" {
		addr = a.String()
	}
	return message.PeerInfo{
		ID:          p.id,
		Addr:        addr,
		Watching:    p.watching.Load(),
		ConnectedAt: p.connectedAt,
		LastSeen:    time.Unix(0, p.lastSeen.Load()),
	}
}

// Send implements hub.Watcher.
func (p *Peer) Send(ev hub.Event) {
	p.enqueue(&message.Message{Type: message.TypeChanged, Slot: ev.Slot.String()})
}

func (p *Peer) enqueue(msg *message.Message) {
	select {
	case p.sendCh <- msg:
	case <-p.done:
	default:
		p.log.Warn("send queue full, dropping", "type", msg.Type)
	}
}

func (p *Peer) notifyAlive() {
	p.lastSeen.Store(time.Now().UnixNano())
	select {
	case p.pongCh <- struct{}{}:
	default:
	}
}

// Serve authenticates and runs the read/write loops until the connection
// ends or ctx is cancelled.
func (p *Peer) Serve(ctx context.Context) {
	defer p.conn.Close()
	defer close(p.done)

	if p.opts.Token != "" && !p.auth() {
		return
	}

	go p.writer()
	defer func() {
		if p.watching.Load() {
			p.h.Unregister(p)
		}
	}()

	for {
		msg, err := p.conn.ReadMsg()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				p.log.Debug("connection closed")
			case errors.Is(err, wire.ErrTooLarge):
				p.log.Warn("oversized message, closing", "err", err)
			default:
				p.log.Info("connection closed", "err", err)
			}
			return
		}
		p.notifyAlive()
		p.handle(ctx, msg)
	}
}

func (p *Peer) auth() bool {
	p.conn.SetReadDeadline(authTimeout)
	msg, err := p.conn.ReadMsg()
	if err != nil {
		p.log.Warn("auth read failed", "err", err)
		return false
	}
	p.conn.SetReadDeadline(0)

	token, _ := base64.StdEncoding.DecodeString(msg.Payload)
	if msg.Type != message.TypeAuth || subtle.ConstantTimeCompare(token, []byte(p.opts.Token)) != 1 {
		p.log.Warn("auth failed", "addr", p.conn.RemoteAddr())
		_ = p.conn.WriteMsg(message.Errorf("auth_failed"))
		return false
	}
	p.log.Debug("authenticated")
	return true
}

func (p *Peer) writer() {
	for {
		select {
		case msg := <-p.sendCh:
			if err := p.conn.WriteMsg(msg); err != nil {
				p.log.Error("write failed", "err", err)
				p.conn.Close()
				return
			}
		case <-p.done:
			return
		}
	}
}

// pinger keeps a watch connection honest; request connections are short
// lived and never pinged.
func (p *Peer) pinger() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-p.done:
			return
		}
		p.enqueue(&message.Message{Type: message.TypePing})
		select {
		case <-p.pongCh:
		case <-time.After(pongDeadline):
			p.log.Warn("pong timeout, closing")
			p.conn.Close()
			return
		case <-p.done:
			return
		}
	}
}

func (p *Peer) handle(ctx context.Context, msg *message.Message) {
	switch msg.Type {
	case message.TypePing:
		p.enqueue(&message.Message{Type: message.TypePong})
		return
	case message.TypePong:
		return
	case message.TypeWatch:
		if p.watching.CompareAndSwap(false, true) {
			p.h.Register(p)
			go p.pinger()
		}
		p.enqueue(&message.Message{Type: message.TypeOK})
		return
	}

	if p.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.RequestTimeout)
		defer cancel()
	}
	reply, err := p.request(ctx, msg)
	if err != nil {
		p.log.Debug("request failed", "type", msg.Type, "err", err)
		reply = message.Errorf("%v", err)
	}
	p.enqueue(reply)
}

func (p *Peer) request(ctx context.Context, msg *message.Message) (*message.Message, error) {
	id, err := slot.ParseID(msg.Slot)
	if err != nil && msg.Type != message.TypeStatus {
		return nil, err
	}
	switch msg.Type {
	case message.TypePublish:
		if len(msg.Items) == 0 {
			return nil, fmt.Errorf("publish: no item")
		}
		it := msg.Items[0]
		data, err := it.Decode()
		if err != nil {
			return nil, fmt.Errorf("publish: %w", err)
		}
		if err := p.backend.Publish(ctx, id, format.Parse(it.Format), data); err != nil {
			return nil, err
		}
		return &message.Message{Type: message.TypeOK, Slot: id.String()}, nil

	case message.TypePaste:
		res, err := p.backend.Paste(ctx, id, format.Parse(msg.Format))
		if err != nil {
			return nil, err
		}
		reply := &message.Message{Type: message.TypePasteResult, Slot: res.Slot.String(), Partial: res.Partial}
		if !res.Empty() {
			reply.Format = res.Kind.String()
			reply.Items = []message.Item{message.NewItem(res.Kind.String(), res.Data)}
		}
		if res.Image != nil {
			reply.Image = &message.Image{Width: res.Image.Width, Height: res.Image.Height}
		}
		return reply, nil

	case message.TypeTargets:
		tags, err := p.backend.Targets(ctx, id)
		if err != nil {
			return nil, err
		}
		reply := &message.Message{Type: message.TypeTargetsResult, Slot: id.String()}
		for _, t := range tags {
			reply.Formats = append(reply.Formats, t.String())
		}
		return reply, nil

	case message.TypeStatus:
		st, err := p.backend.Status(ctx)
		if err != nil {
			return nil, err
		}
		return &message.Message{Type: message.TypeStatusResponse, Status: p.status(st)}, nil
	}
	return nil, fmt.Errorf("unexpected message type %q", msg.Type)
}

func (p *Peer) status(st clipboard.Status) *message.Status {
	out := &message.Status{
		Version:   p.opts.Version,
		Transport: st.Transport,
		Ownership: st.Ownership,
		Reads:     st.Reads,
		Drag:      st.Drag,
		StartedAt: p.opts.StartedAt,
		Peers:     p.h.Watchers(),
	}
	for _, s := range st.Slots {
		out.Slots = append(out.Slots, message.SlotInfo{
			Slot:   s.ID.String(),
			Owned:  s.Owned,
			Format: s.Kind.String(),
			Length: s.Length,
			Since:  s.Since,
		})
	}
	return out
}

var _ hub.Watcher = (*Peer)(nil)
