package drag

import (
	"log/slog"
	"slices"

	"go.klb.dev/interchange/internal/format"
	"go.klb.dev/interchange/internal/loop"
)

// Target is the widget layer receiving drops.
type Target interface {
	// OnDragEnter and OnDragMove report whether a drop at p would be taken.
	OnDragEnter(p Point) bool
	OnDragMove(p Point) bool
	// OnDrop asks for the final decision; a true answer is followed by
	// OnDropData once the payload has been fetched.
	OnDrop(p Point) bool
	OnDropData(kind format.Tag, data []byte, err error)
	OnDragLeave()
}

// Feedback carries destination decisions back to the dragging peer.
type Feedback interface {
	SendStatus(peer Handle, accept bool, kind format.Tag)
	FinishDrop(peer Handle, success bool, action Action)
}

// Fetch retrieves the dropped payload in kind from peer.
type Fetch func(peer Handle, kind format.Tag, reply func([]byte, error))

// Starter begins a source gesture with the transport and returns the handle
// later events refer to.
type Starter interface {
	StartDrag(offered []format.Tag) (Handle, error)
	CancelDrag(h Handle)
}

// Options configures a Manager.
type Options struct {
	// Accept ranks the kinds the destination side takes, most wanted first.
	Accept []format.Tag
	// DropAction is the action reported for successful drops.
	DropAction Action
	Catalog    format.Catalog
	Target     Target
	Feedback   Feedback
	Fetch      Fetch
	Starter    Starter
	// Convert produces data in another kind of the same family for source
	// requests that do not match the published kind.
	Convert func(data []byte, from, to format.Tag) ([]byte, error)
	// OnEnd is the terminal callback; it runs once per session.
	OnEnd  func(*Session)
	Logger *slog.Logger
}

// DefaultAccept is the destination preference used when Options.Accept is
// empty.
var DefaultAccept = []format.Tag{format.UriList, format.Utf8Text, format.PlainText, format.Png, format.Bitmap}

// Manager runs drag sessions on the loop. It holds at most one session per
// role, so a process can drop onto its own windows.
type Manager struct {
	sched loop.Scheduler
	opts  Options
	log   *slog.Logger

	source *Session
	dest   *Session

	// coalesced position
	pending    bool
	pendingPos Point
}

// NewManager returns a manager scheduling on sched.
func NewManager(sched loop.Scheduler, opts Options) *Manager {
	if len(opts.Accept) == 0 {
		opts.Accept = DefaultAccept
	}
	if opts.DropAction == ActionNone {
		opts.DropAction = ActionCopy
	}
	if opts.Catalog.Default == "" {
		opts.Catalog = format.DefaultCatalog()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{sched: sched, opts: opts, log: log.With("component", "drag")}
}

// Source returns the active source session, if any.
func (m *Manager) Source() *Session { return m.source }

// Destination returns the active destination session, if any.
func (m *Manager) Destination() *Session { return m.dest }

func (m *Manager) finish(s *Session, r Result) {
	if !s.end(r) {
		return
	}
	if m.source == s {
		m.source = nil
	}
	if m.dest == s {
		m.dest = nil
		m.pending = false
	}
	m.log.Debug("drag ended", "session", s.ID, "role", s.Role, "state", r.State, "success", r.Success)
}

func (m *Manager) track(s *Session) {
	s.onEnd = m.opts.OnEnd
}

// Enter starts a destination session for a gesture from peer offering
// offered. A destination session still open for another peer is closed as
// Left first.
func (m *Manager) Enter(peer Handle, offered []format.Tag) *Session {
	if d := m.dest; d != nil {
		if d.Peer == peer {
			return d
		}
		m.leave(d)
	}
	s := newSession(Destination, Entered, peer)
	m.track(s)
	s.Offered = slices.Clone(offered)
	s.Negotiated, s.HasKind = format.Negotiate(m.opts.Accept, offered)
	m.dest = s
	m.log.Debug("drag entered", "session", s.ID, "peer", peer, "offered", len(offered), "kind", s.Negotiated, "negotiated", s.HasKind)
	return s
}

// Position records pointer motion. Positions arriving faster than the loop
// drains them are coalesced; only the latest is processed.
func (m *Manager) Position(peer Handle, p Point) {
	d := m.dest
	if d == nil || d.Peer != peer {
		if m.opts.Feedback != nil {
			m.opts.Feedback.SendStatus(peer, false, "")
		}
		return
	}
	m.pendingPos = p
	if m.pending {
		return
	}
	m.pending = true
	m.sched.Post(m.flushPosition)
}

func (m *Manager) flushPosition() {
	if !m.pending {
		return
	}
	m.pending = false
	d := m.dest
	if d == nil {
		return
	}
	p := m.pendingPos
	d.LastPoint = p

	var want bool
	switch d.State {
	case Entered:
		want = m.opts.Target != nil && m.opts.Target.OnDragEnter(p)
		d.State = Positioning
	case Positioning:
		want = m.opts.Target != nil && m.opts.Target.OnDragMove(p)
	default:
		return
	}
	d.Accepted = want && d.HasKind
	if m.opts.Feedback != nil {
		m.opts.Feedback.SendStatus(d.Peer, d.Accepted, d.Negotiated)
	}
}

// Drop handles the drop. Any pending position is processed first so the
// decision is made at the final pointer location.
func (m *Manager) Drop(peer Handle) {
	m.flushPosition()
	d := m.dest
	if d == nil || d.Peer != peer || (d.State != Entered && d.State != Positioning) {
		m.log.Debug("drop without session", "peer", peer)
		if m.opts.Feedback != nil {
			m.opts.Feedback.FinishDrop(peer, false, ActionNone)
		}
		return
	}
	if !d.Accepted || m.opts.Target == nil || !m.opts.Target.OnDrop(d.LastPoint) {
		m.refuse(d)
		return
	}
	d.State = Dropped
	if m.opts.Fetch == nil {
		m.complete(d, nil, ErrUnsupported)
		return
	}
	m.opts.Fetch(d.Peer, d.Negotiated, func(data []byte, err error) {
		m.complete(d, data, err)
	})
}

func (m *Manager) refuse(d *Session) {
	if m.opts.Feedback != nil {
		m.opts.Feedback.FinishDrop(d.Peer, false, ActionNone)
	}
	if m.opts.Target != nil && d.State == Positioning {
		m.opts.Target.OnDragLeave()
	}
	m.finish(d, Result{State: Cancelled})
}

func (m *Manager) complete(d *Session, data []byte, err error) {
	if d.State != Dropped {
		return
	}
	ok := err == nil
	if m.opts.Target != nil {
		m.opts.Target.OnDropData(d.Negotiated, data, err)
	}
	action := ActionNone
	if ok {
		action = m.opts.DropAction
	} else {
		m.log.Warn("drop transfer failed", "session", d.ID, "kind", d.Negotiated, "err", err)
	}
	if m.opts.Feedback != nil {
		m.opts.Feedback.FinishDrop(d.Peer, ok, action)
	}
	m.finish(d, Result{State: Finished, Success: ok, Action: action, Kind: d.Negotiated, Data: data, Err: err})
}

// Leave ends the destination session for peer. It is ignored once the drop
// has been taken, since some transports report leave after drop.
func (m *Manager) Leave(peer Handle) {
	d := m.dest
	if d == nil || d.Peer != peer {
		return
	}
	if d.State == Dropped {
		return
	}
	m.leave(d)
}

func (m *Manager) leave(d *Session) {
	m.pending = false
	if d.State == Dropped {
		// The payload never arrived; the source still needs an answer.
		if m.opts.Feedback != nil {
			m.opts.Feedback.FinishDrop(d.Peer, false, ActionNone)
		}
		m.finish(d, Result{State: Cancelled, Err: ErrNoSession})
		return
	}
	if m.opts.Target != nil && d.State == Positioning {
		m.opts.Target.OnDragLeave()
	}
	m.finish(d, Result{State: Left})
}

// Begin starts a source gesture offering data as kind. offered defaults to
// the catalog offer for kind.
func (m *Manager) Begin(kind format.Tag, data []byte, offered []format.Tag) (*Session, error) {
	if m.source != nil {
		return nil, ErrSessionActive
	}
	if len(offered) == 0 {
		offered = m.opts.Catalog.Offer(kind)
	}
	if m.opts.Starter == nil {
		return nil, ErrUnsupported
	}
	s := newSession(Source, Armed, 0)
	m.track(s)
	s.Kind = kind
	s.data = slices.Clone(data)
	s.Offered = slices.Clone(offered)
	m.source = s

	h, err := m.opts.Starter.StartDrag(s.Offered)
	if err != nil {
		if m.source == s {
			m.source = nil
		}
		return nil, err
	}
	s.Peer = h
	m.log.Debug("drag started", "session", s.ID, "kind", kind, "bytes", len(data))
	return s, nil
}

// sourceFor returns the source session started under peer. Events for an
// earlier gesture's handle find nothing.
func (m *Manager) sourceFor(peer Handle) *Session {
	if s := m.source; s != nil && s.Peer == peer {
		return s
	}
	return nil
}

// Feedback records the current target's verdict for the source gesture.
func (m *Manager) Feedback(peer Handle, accepted bool, action Action) {
	s := m.sourceFor(peer)
	if s == nil {
		return
	}
	if s.State == Armed {
		s.State = Dragging
	}
	s.Accepted = accepted
	s.Action = action
}

// Performed notes that the drop was delivered to the target and the source
// is now waiting for it to finish.
func (m *Manager) Performed(peer Handle) {
	if s := m.sourceFor(peer); s != nil && (s.State == Armed || s.State == Dragging) {
		s.State = Dropped
	}
}

// Finished ends the source gesture. A failure before the drop was performed
// is a cancellation.
func (m *Manager) Finished(peer Handle, success bool, action Action) {
	s := m.sourceFor(peer)
	if s == nil {
		return
	}
	state := Finished
	if !success && s.State != Dropped {
		state = Cancelled
	}
	m.finish(s, Result{State: state, Success: success, Action: action, Kind: s.Kind})
}

// Provide returns the source payload in kind for the drop target.
func (m *Manager) Provide(peer Handle, kind format.Tag) ([]byte, bool) {
	s := m.sourceFor(peer)
	if s == nil || !slices.Contains(s.Offered, kind) {
		return nil, false
	}
	if kind == s.Kind || m.opts.Convert == nil {
		return s.data, true
	}
	out, err := m.opts.Convert(s.data, s.Kind, kind)
	if err != nil {
		m.log.Warn("drag conversion failed", "session", s.ID, "from", s.Kind, "to", kind, "err", err)
		return nil, false
	}
	return out, true
}

// Cancel aborts the source gesture.
func (m *Manager) Cancel() {
	s := m.source
	if s == nil {
		return
	}
	if m.opts.Starter != nil {
		m.opts.Starter.CancelDrag(s.Peer)
	}
	m.finish(s, Result{State: Cancelled, Kind: s.Kind})
}

// Close ends every session, notifying the peers involved.
func (m *Manager) Close() {
	m.Cancel()
	if d := m.dest; d != nil {
		if m.opts.Feedback != nil {
			m.opts.Feedback.FinishDrop(d.Peer, false, ActionNone)
		}
		m.finish(d, Result{State: Cancelled})
	}
}
