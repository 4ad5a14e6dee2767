package x11

import (
	"fmt"

	"github.com/BurntSushi/xgb/xproto"
	"github.com/BurntSushi/xgbutil/xprop"

	"go.klb.dev/interchange/internal/drag"
	"go.klb.dev/interchange/internal/format"
	"go.klb.dev/interchange/internal/loop"
	"go.klb.dev/interchange/internal/transport"
)

// xdndVersion is the XDND protocol revision spoken on both sides.
const xdndVersion = 5

// dndTarget is a foreign drag over one of our windows.
type dndTarget struct {
	source   xproto.Window
	window   xproto.Window
	version  uint32
	offered  map[format.Tag]xproto.Atom
	dropTime xproto.Timestamp
}

// dndSource is our own outgoing drag.
type dndSource struct {
	handle  drag.Handle
	targets []target
	time    xproto.Timestamp

	target   xproto.Window
	version  uint32
	x, y     int16
	when     xproto.Timestamp
	locating bool
	moved    bool

	waiting        bool
	positionQueued bool
	releaseQueued  bool
	accepted       bool
	dropped        bool
	timer          loop.Timer
}

// AdoptWindow marks w as a drop target. Drag events for it reach the
// transport through the connection w was created on.
func (t *Transport) AdoptWindow(w xproto.Window) error {
	return xprop.ChangeProp32(t.xu, w, "XdndAware", "ATOM", xdndVersion)
}

func (t *Transport) clientMessage(e xproto.ClientMessageEvent) {
	if e.Format != 32 || len(e.Data.Data32) < 5 {
		return
	}
	d := e.Data.Data32
	switch e.Type {
	case t.a.xdndEnter:
		t.dndEnter(e.Window, d)
	case t.a.xdndPosition:
		src, win := xproto.Window(d[0]), e.Window
		rx, ry := unpackPoint(d[2])
		t.jobs.do(func() func() {
			x, y := rx, ry
			if r, err := xproto.TranslateCoordinates(t.conn, t.root, win, rx, ry).Reply(); err == nil {
				x, y = r.DstX, r.DstY
			}
			return func() {
				t.withTarget(src, func(dt *dndTarget) {
					dt.window = win
					t.dh.DragPosition(drag.Handle(src), drag.Point{X: int32(x), Y: int32(y)})
				}, func() { t.sendStatus(src, win, false) })
			}
		})
	case t.a.xdndDrop:
		src, win := xproto.Window(d[0]), e.Window
		stamp := xproto.Timestamp(d[2])
		t.inOrder(func() {
			t.withTarget(src, func(dt *dndTarget) {
				dt.dropTime = stamp
				t.dh.DragDrop(drag.Handle(src))
			}, func() { t.sendFinished(src, win, xdndVersion, false, drag.ActionNone) })
		})
	case t.a.xdndLeave:
		src := xproto.Window(d[0])
		t.inOrder(func() {
			t.withTarget(src, func(dt *dndTarget) {
				t.dst = nil
				t.dh.DragLeave(drag.Handle(src))
			}, nil)
		})
	case t.a.xdndStatus:
		t.dndStatus(d)
	case t.a.xdndFinished:
		t.dndFinished(d)
	}
}

// dndEnter starts a destination session. Types beyond the three carried by
// the message live in the source's XdndTypeList, so naming them takes a
// round trip. Every destination event goes through the worker, which keeps
// them in order behind it.
func (t *Transport) dndEnter(win xproto.Window, d []uint32) {
	if t.dh == nil {
		return
	}
	src := xproto.Window(d[0])
	version, more, types := unpackEnter(d)
	if old := t.dst; old != nil && old.source != src {
		t.dh.DragLeave(drag.Handle(old.source))
	}
	dt := &dndTarget{source: src, window: win, version: min(version, xdndVersion)}
	t.dst = dt

	t.jobs.do(func() func() {
		ids := types
		var err error
		if more {
			var r *xproto.GetPropertyReply
			r, err = xproto.GetProperty(t.conn, false, src, t.a.xdndTypeList, xproto.AtomAtom, 0, 1024).Reply()
			if err == nil {
				ids = decodeAtoms(r.Value)
			}
		}
		var names []string
		if err == nil {
			names, err = t.atomNames(ids)
		}
		return func() {
			if t.dst != dt {
				return
			}
			if err != nil {
				t.log.Warn("cannot read drag types", "source", src, "err", err)
			}
			dt.offered = make(map[format.Tag]xproto.Atom)
			for i, n := range names {
				tag := format.Parse(n)
				if _, ok := dt.offered[tag]; !ok {
					dt.offered[tag] = ids[i]
				}
			}
			t.dh.DragEnter(drag.Handle(src), format.ParseAll(names))
		}
	})
}

// inOrder runs f on the loop once every earlier worker job has finished.
func (t *Transport) inOrder(f func()) {
	t.jobs.do(func() func() { return f })
}

// withTarget runs f for the session with src once its Enter has been
// resolved. Events from unknown sources get orphan instead.
func (t *Transport) withTarget(src xproto.Window, f func(*dndTarget), orphan func()) {
	dt := t.dst
	if dt == nil || dt.source != src || dt.offered == nil || t.dh == nil {
		if orphan != nil {
			orphan()
		}
		return
	}
	f(dt)
}

// SendStatus implements drag.Feedback.
func (t *Transport) SendStatus(peer drag.Handle, accept bool, kind format.Tag) {
	win := t.win
	if dt := t.dst; dt != nil && drag.Handle(dt.source) == peer {
		win = dt.window
	}
	t.sendStatus(xproto.Window(peer), win, accept)
}

// FinishDrop implements drag.Feedback.
func (t *Transport) FinishDrop(peer drag.Handle, success bool, action drag.Action) {
	win, version := t.win, uint32(xdndVersion)
	if dt := t.dst; dt != nil && drag.Handle(dt.source) == peer {
		win, version = dt.window, dt.version
		t.dst = nil
	}
	t.sendFinished(xproto.Window(peer), win, version, success, action)
}

// FetchDrop implements transport.DragTransport.
func (t *Transport) FetchDrop(peer drag.Handle, kind format.Tag, reply func(transport.Stream, error)) {
	dt := t.dst
	if dt == nil || drag.Handle(dt.source) != peer {
		reply(nil, fmt.Errorf("x11: no drop from %d: %w", peer, drag.ErrNoSession))
		return
	}
	if a, ok := dt.offered[kind]; ok {
		t.offers[t.a.xdndSelection] = map[format.Tag]xproto.Atom{kind: a}
	}
	t.read(t.a.xdndSelection, kind, dt.dropTime, reply)
}

func (t *Transport) sendStatus(to, from xproto.Window, accept bool) {
	action := xproto.Atom(xproto.AtomNone)
	var flags uint32 = 2 // keep sending positions
	if accept {
		flags |= 1
		action = t.a.actionCopy
	}
	t.send(to, t.a.xdndStatus, uint32(from), flags, 0, 0, uint32(action))
}

func (t *Transport) sendFinished(to, from xproto.Window, version uint32, success bool, action drag.Action) {
	var ok uint32
	a := xproto.Atom(xproto.AtomNone)
	if success {
		ok = 1
		a = t.actionAtom(action)
	}
	if version < 5 {
		ok, a = 0, xproto.AtomNone
	}
	t.send(to, t.a.xdndFinished, uint32(from), ok, uint32(a), 0, 0)
}

func (t *Transport) send(to xproto.Window, typ xproto.Atom, data ...uint32) {
	ev := xproto.ClientMessageEvent{
		Format: 32,
		Window: to,
		Type:   typ,
		Data:   xproto.ClientMessageDataUnionData32New(pad5(data)),
	}
	t.x.SendEvent(to, ev.Bytes())
}

func (t *Transport) actionAtom(a drag.Action) xproto.Atom {
	switch a {
	case drag.ActionMove:
		return t.a.actionMove
	case drag.ActionLink:
		return t.a.actionLink
	case drag.ActionNone:
		return xproto.AtomNone
	}
	return t.a.actionCopy
}

func (t *Transport) action(a xproto.Atom) drag.Action {
	switch a {
	case t.a.actionCopy:
		return drag.ActionCopy
	case t.a.actionMove:
		return drag.ActionMove
	case t.a.actionLink:
		return drag.ActionLink
	}
	return drag.ActionNone
}

// StartDrag implements drag.Starter. The pointer must be held down; the grab
// taken here follows it until release.
func (t *Transport) StartDrag(offered []format.Tag) (drag.Handle, error) {
	if t.closed || t.dh == nil {
		return 0, transport.ErrUnavailable
	}
	if t.src != nil {
		return 0, transport.ErrBusy
	}
	targets := t.targetsFor(offered)
	list := targetAtoms(targets)
	t.x.ChangeProperty(xproto.PropModeReplace, t.win, t.a.xdndTypeList, xproto.AtomAtom, 32, encodeAtoms(list))

	ts := t.serverTime()
	xproto.SetSelectionOwner(t.conn, t.win, t.a.xdndSelection, ts)
	mask := uint16(xproto.EventMaskPointerMotion | xproto.EventMaskButtonRelease)
	g, err := xproto.GrabPointer(t.conn, false, t.win, mask, xproto.GrabModeAsync, xproto.GrabModeAsync,
		xproto.WindowNone, xproto.CursorNone, ts).Reply()
	if err != nil {
		return 0, fmt.Errorf("x11: grab pointer: %w", err)
	}
	if g.Status != xproto.GrabStatusSuccess {
		return 0, fmt.Errorf("x11: grab pointer: status %d: %w", g.Status, transport.ErrBusy)
	}
	t.nextDrag++
	t.src = &dndSource{handle: drag.Handle(t.nextDrag), targets: targets, time: ts}
	t.log.Debug("drag started", "handle", t.nextDrag, "targets", len(targets))
	return t.src.handle, nil
}

// CancelDrag implements drag.Starter.
func (t *Transport) CancelDrag(h drag.Handle) {
	s := t.src
	if s == nil || s.handle != h {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	if !s.dropped {
		t.x.UngrabPointer()
		if s.target != xproto.WindowNone {
			t.send(s.target, t.a.xdndLeave, uint32(t.win))
		}
	}
	t.src = nil
}

func (t *Transport) dragMotion(e xproto.MotionNotifyEvent) {
	s := t.src
	if s == nil || s.dropped || s.releaseQueued {
		return
	}
	s.x, s.y, s.when = e.RootX, e.RootY, e.Time
	if s.locating {
		s.moved = true
		return
	}
	t.locate(s)
}

// locate finds the XdndAware window under the pointer on the worker, then
// moves the drag there.
func (t *Transport) locate(s *dndSource) {
	s.locating = true
	t.jobs.do(func() func() {
		w, version := t.awareUnderPointer()
		return func() {
			s.locating = false
			if t.src != s || s.dropped || s.releaseQueued {
				return
			}
			t.moveTo(s, w, version)
			if s.moved {
				s.moved = false
				t.locate(s)
			}
		}
	})
}

// awareUnderPointer descends from the root through the children containing
// the pointer and returns the first one carrying XdndAware. Worker only.
func (t *Transport) awareUnderPointer() (xproto.Window, uint32) {
	w := t.root
	for range 32 {
		r, err := xproto.QueryPointer(t.conn, w).Reply()
		if err != nil || r.Child == xproto.WindowNone {
			return xproto.WindowNone, 0
		}
		w = r.Child
		if w == t.win {
			continue
		}
		v, err := xprop.PropValNum(xprop.GetProperty(t.xu, w, "XdndAware"))
		if err == nil && v >= 3 {
			return w, uint32(v)
		}
	}
	return xproto.WindowNone, 0
}

func (t *Transport) moveTo(s *dndSource, w xproto.Window, version uint32) {
	if w != s.target {
		if s.target != xproto.WindowNone {
			t.send(s.target, t.a.xdndLeave, uint32(t.win))
		}
		s.target, s.version = w, min(version, xdndVersion)
		s.waiting, s.positionQueued = false, false
		if s.accepted {
			s.accepted = false
			t.dh.DragFeedback(s.handle, false, drag.ActionNone)
		}
		if w == xproto.WindowNone {
			return
		}
		list := targetAtoms(s.targets)
		t.send(w, t.a.xdndEnter, packEnter(uint32(t.win), s.version, list)...)
	}
	if w == xproto.WindowNone {
		return
	}
	if s.waiting {
		s.positionQueued = true
		return
	}
	t.sendPosition(s)
}

func (t *Transport) sendPosition(s *dndSource) {
	s.waiting = true
	t.send(s.target, t.a.xdndPosition, uint32(t.win), 0, packPoint(s.x, s.y), uint32(s.when), uint32(t.a.actionCopy))
}

func (t *Transport) dndStatus(d []uint32) {
	s := t.src
	if s == nil || xproto.Window(d[0]) != s.target {
		return
	}
	s.waiting = false
	s.accepted = d[1]&1 != 0
	t.dh.DragFeedback(s.handle, s.accepted, t.action(xproto.Atom(d[4])))
	switch {
	case s.releaseQueued:
		t.release(s)
	case s.positionQueued:
		s.positionQueued = false
		t.sendPosition(s)
	}
}

func (t *Transport) dragRelease(e xproto.ButtonReleaseEvent) {
	s := t.src
	if s == nil || s.dropped {
		return
	}
	s.when = e.Time
	if s.waiting {
		// The target has not answered the last position yet. The button is
		// up, so the grab goes now; a target that never answers gets a leave.
		s.releaseQueued = true
		t.x.UngrabPointer()
		t.armFinish(s, "drop target never answered the last position", func() {
			if s.target != xproto.WindowNone {
				t.send(s.target, t.a.xdndLeave, uint32(t.win))
			}
		})
		return
	}
	t.release(s)
}

// armFinish bounds how long the gesture may wait on the target. On expiry
// bye runs and the source ends unsuccessfully.
func (t *Transport) armFinish(s *dndSource, why string, bye func()) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = t.sched.AfterFunc(t.opts.DragFinishTimeout, func() {
		if t.src != s {
			return
		}
		t.log.Warn(why, "target", s.target, "timeout", t.opts.DragFinishTimeout)
		if bye != nil {
			bye()
		}
		t.endSource(s, false, drag.ActionNone)
	})
}

func (t *Transport) release(s *dndSource) {
	s.releaseQueued = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	t.x.UngrabPointer()
	if s.target == xproto.WindowNone || !s.accepted {
		if s.target != xproto.WindowNone {
			t.send(s.target, t.a.xdndLeave, uint32(t.win))
		}
		t.endSource(s, false, drag.ActionNone)
		return
	}
	s.dropped = true
	t.send(s.target, t.a.xdndDrop, uint32(t.win), 0, uint32(s.when))
	t.dh.DragPerformed(s.handle)
	t.armFinish(s, "drop target never finished", nil)
}

func (t *Transport) dndFinished(d []uint32) {
	s := t.src
	if s == nil || !s.dropped || xproto.Window(d[0]) != s.target {
		return
	}
	success, action := true, drag.ActionCopy
	if s.version >= 5 {
		success = d[1]&1 != 0
		action = t.action(xproto.Atom(d[2]))
	}
	t.endSource(s, success, action)
}

func (t *Transport) endSource(s *dndSource, success bool, action drag.Action) {
	if s.timer != nil {
		s.timer.Stop()
	}
	if t.src == s {
		t.src = nil
	}
	if !s.dropped {
		t.x.UngrabPointer()
	}
	if t.dh != nil {
		t.dh.DragFinished(s.handle, success, action)
	}
}

// packPoint encodes root coordinates the way XdndPosition carries them.
func packPoint(x, y int16) uint32 {
	return uint32(uint16(x))<<16 | uint32(uint16(y))
}

func unpackPoint(v uint32) (x, y int16) {
	return int16(v >> 16), int16(v & 0xffff)
}

// packEnter builds XdndEnter data. More than three types sets the flag
// telling the target to read XdndTypeList instead.
func packEnter(source, version uint32, types []xproto.Atom) []uint32 {
	d := []uint32{source, version << 24, 0, 0, 0}
	if len(types) > 3 {
		d[1] |= 1
	}
	for i := 0; i < len(types) && i < 3; i++ {
		d[2+i] = uint32(types[i])
	}
	return d
}

func unpackEnter(d []uint32) (version uint32, more bool, types []xproto.Atom) {
	version = d[1] >> 24
	more = d[1]&1 != 0
	for _, v := range d[2:5] {
		if v != 0 {
			types = append(types, xproto.Atom(v))
		}
	}
	return version, more, types
}

func pad5(d []uint32) []uint32 {
	out := make([]uint32, 5)
	copy(out, d)
	return out
}
