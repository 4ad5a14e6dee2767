// Package wayland is the clipboard transport for Wayland compositors.
//
// Selections go through the data-control protocol (ext_data_control_v1, or
// the older zwlr_data_control_unstable_v1 it was standardised from), which
// lets a client without a focused surface own and read both the clipboard and
// the primary selection. Drag and drop needs a real surface and an input
// serial, so it is only available when the host shares its connection.
//
// Events are read on the connection's reader goroutine and handled on the
// loop. The reader only registers objects the compositor creates, because
// their first events follow immediately.
package wayland

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"go.klb.dev/interchange/internal/drag"
	"go.klb.dev/interchange/internal/format"
	"go.klb.dev/interchange/internal/loop"
	"go.klb.dev/interchange/internal/slot"
	"go.klb.dev/interchange/internal/transfer"
	"go.klb.dev/interchange/internal/transport"
	"go.klb.dev/interchange/internal/wlwire"
)

// Options configures the transport.
type Options struct {
	// Display overrides $WAYLAND_DISPLAY.
	Display string
	// Conn shares a connection the host already serves. The host keeps
	// running its Serve loop; the transport only registers its own objects.
	Conn *wlwire.Conn
	// DragSurface is the host surface drags start from. Zero disables drag
	// and drop.
	DragSurface wlwire.ObjectID
	// Serial returns the serial of the input event that started a drag.
	Serial func() uint32

	// SetupTimeout bounds the registry round trips in Open.
	SetupTimeout time.Duration
	// ChunkTimeout abandons a send whose reader stopped draining the pipe.
	ChunkTimeout time.Duration
	// MaxTransfer bounds a whole receive.
	MaxTransfer time.Duration
	MaxPayload  int
	Logger      *slog.Logger
}

// DefaultOptions returns the stock limits.
func DefaultOptions() Options {
	return Options{
		SetupTimeout: 2 * time.Second,
		ChunkTimeout: 5 * time.Second,
		MaxTransfer:  2 * time.Minute,
		MaxPayload:   transfer.DefaultLimits().Ceiling,
	}
}

type global struct {
	name    uint32
	version uint32
}

// offer is a selection or drag offer with the MIME types announced for it.
type offer struct {
	id    wlwire.ObjectID
	mimes []string
	dnd   bool
}

// mimeFor picks the name kind was announced under, so receive asks for the
// exact string the owner listed.
func (o *offer) mimeFor(kind format.Tag) string {
	for _, m := range o.mimes {
		if format.Parse(m) == kind {
			return m
		}
	}
	return kind.Names()[0]
}

// source is one of our selection sources.
type source struct {
	id   wlwire.ObjectID
	slot slot.ID
}

// Transport implements transport.ClipboardTransport and
// transport.DragTransport over one Wayland connection.
type Transport struct {
	c     *wlwire.Conn
	sched loop.Scheduler
	opts  Options
	log   *slog.Logger
	own   bool

	proto    string
	registry wlwire.ObjectID
	seat     wlwire.ObjectID
	manager  wlwire.ObjectID
	device   wlwire.ObjectID
	primary  bool

	h  transport.Handler
	dh transport.DragHandler

	mu      sync.Mutex
	globals map[uint32]string

	offers  map[wlwire.ObjectID]*offer
	current [slot.Count]*offer
	gen     [slot.Count]uint64
	sources map[wlwire.ObjectID]*source
	owned   [slot.Count]*source
	sends   map[*pipeSend]struct{}
	reads   map[*pipeRead]struct{}

	ddm        wlwire.ObjectID
	ddmVersion uint32
	ddev       wlwire.ObjectID
	dst        *dndTarget
	src        *dndSource
	nextDrag   uint64

	closed bool
}

// Open connects to the compositor, or adopts opts.Conn, and binds the
// data-control device for the first seat.
func Open(sched loop.Scheduler, opts Options) (*Transport, error) {
	def := DefaultOptions()
	if opts.SetupTimeout <= 0 {
		opts.SetupTimeout = def.SetupTimeout
	}
	if opts.ChunkTimeout <= 0 {
		opts.ChunkTimeout = def.ChunkTimeout
	}
	if opts.MaxTransfer <= 0 {
		opts.MaxTransfer = def.MaxTransfer
	}
	if opts.MaxPayload <= 0 {
		opts.MaxPayload = def.MaxPayload
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	c := opts.Conn
	own := c == nil
	if own {
		var err error
		c, err = wlwire.Dial(opts.Display)
		if err != nil {
			return nil, fmt.Errorf("wayland: connect: %w", errors.Join(transport.ErrUnavailable, err))
		}
	}
	t := &Transport{
		c:        c,
		sched:    sched,
		opts:     opts,
		log:      log.With("component", "wayland"),
		own:      own,
		globals:  make(map[uint32]string),
		offers:   make(map[wlwire.ObjectID]*offer),
		sources:  make(map[wlwire.ObjectID]*source),
		sends:    make(map[*pipeSend]struct{}),
		reads:    make(map[*pipeRead]struct{}),
		nextDrag: 1 << 32,
	}
	if own {
		go t.serve()
	}
	if err := t.setup(); err != nil {
		if own {
			c.Close()
		}
		return nil, err
	}
	t.log.Info("connected", "protocol", t.proto, "primary", t.primary, "drag", t.ddev != 0)
	return t, nil
}

func (t *Transport) serve() {
	err := t.c.Serve()
	t.sched.Post(func() { t.disconnected(err) })
}

// setup runs on the calling goroutine and blocks on round trips answered by
// the reader; nothing here touches loop state.
func (t *Transport) setup() error {
	found := make(map[string]global)
	var fmu sync.Mutex
	t.registry = t.c.NewID()
	t.c.Register(t.registry, registryIface, func(ev wlwire.Event) {
		d := ev.Decoder()
		switch ev.Opcode {
		case registryGlobal:
			name, iface, version := d.Uint(), d.String(), d.Uint()
			if d.Err() != nil {
				return
			}
			fmu.Lock()
			if _, dup := found[iface]; !dup {
				found[iface] = global{name: name, version: version}
			}
			fmu.Unlock()
			t.mu.Lock()
			t.globals[name] = iface
			t.mu.Unlock()
		case registryGlobalRemove:
			name := d.Uint()
			t.sched.Post(func() { t.globalRemoved(name) })
		}
	})
	if err := t.c.Send(wlwire.NewMessage(wlwire.Display, 1).NewID(t.registry)); err != nil {
		return fmt.Errorf("wayland: get registry: %w", err)
	}
	if err := t.roundtrip(); err != nil {
		return fmt.Errorf("wayland: registry: %w", err)
	}

	fmu.Lock()
	globals := maps.Clone(found)
	fmu.Unlock()
	seat, ok := globals[ifSeat]
	if !ok {
		return fmt.Errorf("wayland: compositor has no seat: %w", transport.ErrUnavailable)
	}
	mgr, version := global{}, uint32(0)
	switch g, ext := globals[ifExtManager]; {
	case ext:
		t.proto, mgr, version, t.primary = ifExtManager, g, 1, true
	default:
		g, wlr := globals[ifWlrManager]
		if !wlr {
			return fmt.Errorf("wayland: compositor offers no data-control protocol: %w", transport.ErrUnavailable)
		}
		version = min(g.version, 2)
		t.proto, mgr, t.primary = ifWlrManager, g, version >= 2
	}

	var err error
	if t.seat, err = bind(t.c, t.registry, seat.name, ifSeat, 1); err != nil {
		return fmt.Errorf("wayland: bind seat: %w", err)
	}
	t.c.Register(t.seat, seatIface, func(wlwire.Event) {})
	if t.manager, err = bind(t.c, t.registry, mgr.name, t.proto, version); err != nil {
		return fmt.Errorf("wayland: bind %s: %w", t.proto, err)
	}
	t.device = t.c.NewID()
	t.c.Register(t.device, controlDevIface, t.deviceEvent)
	if err := t.c.Send(wlwire.NewMessage(t.manager, managerGetDevice).NewID(t.device).Object(t.seat)); err != nil {
		return fmt.Errorf("wayland: get data device: %w", err)
	}

	if g, ok := globals[ifDeviceManager]; ok && t.opts.DragSurface != 0 {
		if err := t.setupDrag(g); err != nil {
			return err
		}
	}
	return t.roundtrip()
}

func (t *Transport) roundtrip() error {
	ctx, cancel := context.WithTimeout(context.Background(), t.opts.SetupTimeout)
	defer cancel()
	return t.c.Roundtrip(ctx)
}

// onLoop wraps fn so the event is handled on the loop. Descriptors of events
// that can no longer be handled are closed.
func (t *Transport) onLoop(fn func(wlwire.Event)) wlwire.Handler {
	return func(ev wlwire.Event) {
		if !t.sched.Post(func() {
			if t.closed {
				closeFDs(ev.FDs)
				return
			}
			fn(ev)
		}) {
			closeFDs(ev.FDs)
		}
	}
}

func (t *Transport) globalRemoved(name uint32) {
	t.mu.Lock()
	iface := t.globals[name]
	delete(t.globals, name)
	t.mu.Unlock()
	if iface == ifSeat || iface == t.proto {
		t.log.Warn("global removed", "interface", iface)
	}
}

func (t *Transport) disconnected(err error) {
	if t.closed {
		return
	}
	t.log.Error("compositor connection lost", "err", err)
	t.shutdown(transport.ErrUnavailable)
}

// Name implements transport.ClipboardTransport.
func (t *Transport) Name() string { return "wayland" }

// Attach implements transport.ClipboardTransport.
func (t *Transport) Attach(h transport.Handler) { t.h = h }

// AttachDrag implements transport.DragTransport.
func (t *Transport) AttachDrag(h transport.DragHandler) { t.dh = h }

// PushesOwnership implements transport.ClipboardTransport. The compositor
// announces every selection change.
func (t *Transport) PushesOwnership() bool { return true }

// Protocol returns the data-control protocol in use.
func (t *Transport) Protocol() string { return t.proto }

// Close destroys our objects and releases the connection if the transport
// opened it.
func (t *Transport) Close() error {
	if t.closed {
		return nil
	}
	for _, src := range t.sources {
		t.request(wlwire.NewMessage(src.id, sourceDestroy))
	}
	for _, o := range t.offers {
		t.destroyOffer(o)
	}
	if t.ddev != 0 {
		t.request(wlwire.NewMessage(t.ddev, ddRelease))
	}
	t.request(wlwire.NewMessage(t.device, deviceDestroy))
	t.request(wlwire.NewMessage(t.manager, managerDestroy))
	t.shutdown(transfer.ErrClosed)
	return nil
}

func (t *Transport) shutdown(cause error) {
	t.closed = true
	for ps := range t.sends {
		t.endSend(ps)
	}
	for pr := range t.reads {
		pr.cancel()
	}
	if t.src != nil {
		t.endSource(t.src, false, drag.ActionNone)
	}
	t.dst = nil
	lost := t.owned
	t.owned = [slot.Count]*source{}
	t.sources = map[wlwire.ObjectID]*source{}
	if t.h != nil {
		for _, id := range slot.All {
			if lost[id] != nil {
				t.h.OwnershipLost(id)
			}
		}
	}
	t.log.Debug("transport shut down", "cause", cause)
	if t.own {
		t.c.Close()
	}
}

// request sends m, logging failures. The connection reports the same error
// to the reader, which shuts the transport down.
func (t *Transport) request(m *wlwire.Message) {
	if err := t.c.Send(m); err != nil {
		t.log.Debug("request failed", "err", err)
	}
}

func (t *Transport) destroyOffer(o *offer) {
	if o == nil {
		return
	}
	op := uint16(offerDestroy)
	if o.dnd {
		op = dOfferDestroy
	}
	t.request(wlwire.NewMessage(o.id, op))
	// Compositor-created ids are never confirmed with delete_id.
	t.c.Unregister(o.id)
	delete(t.offers, o.id)
}

// mimesFor expands offered kinds into every name they are announced under.
func mimesFor(offered []format.Tag) []string {
	var out []string
	seen := make(map[string]bool)
	for _, tag := range offered {
		for _, n := range tag.Names() {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	return out
}

var (
	_ transport.ClipboardTransport = (*Transport)(nil)
	_ transport.DragTransport      = (*Transport)(nil)
)
