// Package x11 is the selection-ownership transport for X11 displays.
//
// The loop never blocks on a round trip except where the transport contract
// is synchronous (claiming ownership, starting a drag). Every other request
// that needs a reply runs on an ordered worker goroutine and posts its
// continuation back to the loop; events are read by a pump goroutine and
// posted the same way.
package x11

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xfixes"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/BurntSushi/xgbutil"
	"github.com/BurntSushi/xgbutil/xprop"

	"go.klb.dev/interchange/internal/format"
	"go.klb.dev/interchange/internal/loop"
	"go.klb.dev/interchange/internal/slot"
	"go.klb.dev/interchange/internal/transfer"
	"go.klb.dev/interchange/internal/transport"
)

// Options configures the transport.
type Options struct {
	// Display overrides $DISPLAY.
	Display string
	// Conn adopts a connection owned by the host toolkit. The host keeps
	// reading events and must hand every one of them to HandleEvent.
	Conn *xgbutil.XUtil

	ClaimTimeout      time.Duration
	ConvertTimeout    time.Duration
	ChunkTimeout      time.Duration
	DragFinishTimeout time.Duration
	// MaxPayload bounds non-incremental reads.
	MaxPayload int
	// ChunkSize overrides the per-property chunk derived from the server's
	// maximum request length.
	ChunkSize int
	Logger    *slog.Logger
}

// DefaultOptions returns the stock timeouts.
func DefaultOptions() Options {
	return Options{
		ClaimTimeout:      time.Second,
		ConvertTimeout:    2 * time.Second,
		ChunkTimeout:      5 * time.Second,
		DragFinishTimeout: 10 * time.Second,
		MaxPayload:        transfer.DefaultLimits().Ceiling,
	}
}

type ownership struct {
	ok      bool
	time    xproto.Timestamp
	targets []target
}

// Transport implements transport.ClipboardTransport and
// transport.DragTransport over one X connection.
type Transport struct {
	xu    *xgbutil.XUtil
	conn  *xgb.Conn
	x     server
	win   xproto.Window
	root  xproto.Window
	sched loop.Scheduler
	opts  Options
	log   *slog.Logger
	a     atoms
	chunk int
	fixes bool
	own   bool

	h  transport.Handler
	dh transport.DragHandler

	jobs   *worker
	stamps chan xproto.Timestamp

	owned   [slot.Count]ownership
	offers  map[xproto.Atom]map[format.Tag]xproto.Atom
	sends   map[sendKey]*incrSend
	pending []*convert
	free    []xproto.Atom
	incr    map[xproto.Atom]*incrRead

	dst      *dndTarget
	src      *dndSource
	nextDrag uint64

	closed bool
}

// Open connects to the display and prepares the hidden window used as
// requestor and owner.
func Open(sched loop.Scheduler, opts Options) (*Transport, error) {
	def := DefaultOptions()
	if opts.ClaimTimeout <= 0 {
		opts.ClaimTimeout = def.ClaimTimeout
	}
	if opts.ConvertTimeout <= 0 {
		opts.ConvertTimeout = def.ConvertTimeout
	}
	if opts.ChunkTimeout <= 0 {
		opts.ChunkTimeout = def.ChunkTimeout
	}
	if opts.DragFinishTimeout <= 0 {
		opts.DragFinishTimeout = def.DragFinishTimeout
	}
	if opts.MaxPayload <= 0 {
		opts.MaxPayload = def.MaxPayload
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	xu := opts.Conn
	own := xu == nil
	if own {
		var err error
		xu, err = xgbutil.NewConnDisplay(opts.Display)
		if err != nil {
			return nil, fmt.Errorf("x11: connect %q: %w", opts.Display, errors.Join(transport.ErrUnavailable, err))
		}
	}
	a, err := internAtoms(xu)
	if err != nil {
		if own {
			xu.Conn().Close()
		}
		return nil, fmt.Errorf("x11: intern atoms: %w", err)
	}

	t := &Transport{
		xu:     xu,
		conn:   xu.Conn(),
		x:      xserver{xu.Conn()},
		win:    xu.Dummy(),
		root:   xu.RootWin(),
		sched:  sched,
		opts:   opts,
		log:    log.With("component", "x11"),
		a:      a,
		chunk:  chunkSize(xu.Setup().MaximumRequestLength, opts.ChunkSize),
		own:    own,
		stamps: make(chan xproto.Timestamp, 1),
		offers: make(map[xproto.Atom]map[format.Tag]xproto.Atom),
		sends:  make(map[sendKey]*incrSend),
		free:   append([]xproto.Atom(nil), a.props...),
		incr:   make(map[xproto.Atom]*incrRead),
	}
	t.jobs = newWorker(sched.Post)
	t.fixes = t.selectOwnerEvents()

	go t.jobs.run()
	if own {
		go t.pump()
	}
	t.log.Info("connected", "window", t.win, "chunk", t.chunk, "xfixes", t.fixes)
	return t, nil
}

// chunkSize is the largest property a single ChangeProperty carries: a
// quarter of the maximum request. maxRequest counts 4-byte units, so that is
// maxRequest bytes.
func chunkSize(maxRequest uint16, override int) int {
	if override > 0 {
		return override
	}
	return max(int(maxRequest), 4096)
}

func (t *Transport) selectOwnerEvents() bool {
	if err := xfixes.Init(t.conn); err != nil {
		t.log.Debug("xfixes unavailable, polling ownership", "err", err)
		return false
	}
	if _, err := xfixes.QueryVersion(t.conn, 5, 0).Reply(); err != nil {
		t.log.Debug("xfixes version query failed, polling ownership", "err", err)
		return false
	}
	mask := uint32(xfixes.SelectionEventMaskSetSelectionOwner |
		xfixes.SelectionEventMaskSelectionWindowDestroy |
		xfixes.SelectionEventMaskSelectionClientClose)
	for _, sel := range []xproto.Atom{t.a.clipboard, t.a.primary} {
		xfixes.SelectSelectionInput(t.conn, t.win, sel, mask)
	}
	return true
}

func (t *Transport) pump() {
	for {
		ev, xerr := t.conn.WaitForEvent()
		if ev == nil && xerr == nil {
			t.sched.Post(t.disconnected)
			return
		}
		if xerr != nil {
			t.sched.Post(func() { t.log.Debug("x error", "err", xerr) })
			continue
		}
		t.HandleEvent(ev)
	}
}

// HandleEvent feeds one event to the transport. It may be called from any
// goroutine; the server-time probe used while claiming is answered directly,
// everything else is handled on the loop.
func (t *Transport) HandleEvent(ev xgb.Event) {
	if pn, ok := ev.(xproto.PropertyNotifyEvent); ok &&
		pn.Window == t.win && pn.Atom == t.a.stamp && pn.State == xproto.PropertyNewValue {
		select {
		case t.stamps <- pn.Time:
		default:
		}
		return
	}
	t.sched.Post(func() { t.dispatch(ev) })
}

func (t *Transport) dispatch(ev xgb.Event) {
	if t.closed {
		return
	}
	switch e := ev.(type) {
	case xproto.SelectionRequestEvent:
		t.serve(e)
	case xproto.SelectionClearEvent:
		t.cleared(e)
	case xproto.SelectionNotifyEvent:
		t.notified(e)
	case xproto.PropertyNotifyEvent:
		t.property(e)
	case xfixes.SelectionNotifyEvent:
		t.ownerChanged(e)
	case xproto.ClientMessageEvent:
		t.clientMessage(e)
	case xproto.MotionNotifyEvent:
		t.dragMotion(e)
	case xproto.ButtonReleaseEvent:
		t.dragRelease(e)
	}
}

func (t *Transport) disconnected() {
	if t.closed {
		return
	}
	t.log.Error("display connection lost")
	t.shutdown(transport.ErrUnavailable)
}

// Name implements transport.ClipboardTransport.
func (t *Transport) Name() string { return "x11" }

// Attach implements transport.ClipboardTransport.
func (t *Transport) Attach(h transport.Handler) { t.h = h }

// AttachDrag implements transport.DragTransport.
func (t *Transport) AttachDrag(h transport.DragHandler) { t.dh = h }

// PushesOwnership implements transport.ClipboardTransport.
func (t *Transport) PushesOwnership() bool { return t.fixes }

// Window returns the hidden window acting as selection owner and requestor.
func (t *Transport) Window() xproto.Window { return t.win }

// Close gives up every selection and releases the connection if the
// transport opened it.
func (t *Transport) Close() error {
	if t.closed {
		return nil
	}
	for _, id := range slot.All {
		if t.owned[id].ok {
			xproto.SetSelectionOwner(t.conn, xproto.WindowNone, t.selection(id), t.owned[id].time)
		}
	}
	t.shutdown(transfer.ErrClosed)
	return nil
}

func (t *Transport) shutdown(cause error) {
	t.closed = true
	for _, is := range t.sends {
		t.endSend(is)
	}
	for _, c := range t.pending {
		c.timer.Stop()
		c.done(xproto.AtomNone, cause)
	}
	t.pending = nil
	for _, ir := range t.incr {
		ir.q.Fail(cause)
	}
	t.incr = map[xproto.Atom]*incrRead{}
	if t.src != nil {
		t.endSource(t.src, false, 0)
	}
	lost := t.owned
	t.owned = [slot.Count]ownership{}
	if t.h != nil {
		for _, id := range slot.All {
			if lost[id].ok {
				t.h.OwnershipLost(id)
			}
		}
	}
	t.jobs.close()
	if t.own {
		t.conn.Close()
	}
}

func (t *Transport) selection(id slot.ID) xproto.Atom {
	if id == slot.Primary {
		return t.a.primary
	}
	return t.a.clipboard
}

func (t *Transport) slotOf(sel xproto.Atom) (slot.ID, bool) {
	switch sel {
	case t.a.clipboard:
		return slot.Clipboard, true
	case t.a.primary:
		return slot.Primary, true
	}
	return 0, false
}

// atom interns name. Canonical names are cached at startup, so this only
// reaches the server for opaque formats.
func (t *Transport) atom(name string) (xproto.Atom, error) {
	return xprop.Atm(t.xu, name)
}

// targetsFor expands offered kinds into every atom they are advertised under.
func (t *Transport) targetsFor(offered []format.Tag) []target {
	var out []target
	for _, tag := range offered {
		for _, n := range tag.Names() {
			a, err := t.atom(n)
			if err != nil {
				t.log.Warn("cannot intern target", "format", tag, "name", n, "err", err)
				continue
			}
			out = append(out, target{atom: a, tag: tag})
		}
	}
	return out
}

// targetAtom picks the atom to request kind as from sel, preferring the name
// the owner itself advertised.
func (t *Transport) targetAtom(sel xproto.Atom, kind format.Tag) (xproto.Atom, error) {
	if a, ok := t.offers[sel][kind]; ok {
		return a, nil
	}
	return t.atom(legacyName(kind))
}

// worker runs blocking round trips one at a time, in submission order, and
// posts the continuation each returns.
type worker struct {
	mu     sync.Mutex
	cond   *sync.Cond
	jobs   []func() func()
	closed bool
	post   func(func()) bool
}

func newWorker(post func(func()) bool) *worker {
	w := &worker{post: post}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *worker) do(job func() func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.jobs = append(w.jobs, job)
	w.cond.Signal()
}

func (w *worker) run() {
	for {
		w.mu.Lock()
		for len(w.jobs) == 0 && !w.closed {
			w.cond.Wait()
		}
		if w.closed {
			w.mu.Unlock()
			return
		}
		job := w.jobs[0]
		w.jobs = w.jobs[1:]
		w.mu.Unlock()

		if next := job(); next != nil {
			w.post(next)
		}
	}
}

func (w *worker) close() {
	w.mu.Lock()
	w.closed = true
	w.jobs = nil
	w.cond.Broadcast()
	w.mu.Unlock()
}
