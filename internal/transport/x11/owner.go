package x11

import (
	"fmt"
	"time"

	"github.com/BurntSushi/xgb/xfixes"
	"github.com/BurntSushi/xgb/xproto"

	"go.klb.dev/interchange/internal/format"
	"go.klb.dev/interchange/internal/loop"
	"go.klb.dev/interchange/internal/slot"
	"go.klb.dev/interchange/internal/transfer"
	"go.klb.dev/interchange/internal/transport"
)

// ClaimOwnership implements transport.ClipboardTransport. It blocks the loop
// for at most the claim timeout plus one round trip.
func (t *Transport) ClaimOwnership(id slot.ID, offered []format.Tag) error {
	if t.closed {
		return transport.ErrUnavailable
	}
	sel := t.selection(id)
	targets := t.targetsFor(offered)
	ts := t.serverTime()

	if err := xproto.SetSelectionOwnerChecked(t.conn, t.win, sel, ts).Check(); err != nil {
		return fmt.Errorf("x11: set owner of %s: %w", id, err)
	}
	reply, err := xproto.GetSelectionOwner(t.conn, sel).Reply()
	if err != nil {
		return fmt.Errorf("x11: verify owner of %s: %w", id, err)
	}
	if reply.Owner != t.win {
		return fmt.Errorf("x11: %s owned by window %d: %w", id, reply.Owner, transport.ErrRefused)
	}
	t.owned[id] = ownership{ok: true, time: ts, targets: targets}
	t.log.Debug("selection claimed", "slot", id, "time", ts, "targets", len(targets))
	return nil
}

// serverTime obtains a real server timestamp by appending nothing to a
// property on our window and waiting for the resulting PropertyNotify.
// Without one it falls back to CurrentTime, which ICCCM discourages but
// every server accepts.
func (t *Transport) serverTime() xproto.Timestamp {
	for drained := false; !drained; {
		select {
		case <-t.stamps:
		default:
			drained = true
		}
	}
	t.x.ChangeProperty(xproto.PropModeAppend, t.win, t.a.stamp, xproto.AtomInteger, 32, nil)
	select {
	case ts := <-t.stamps:
		return ts
	case <-time.After(t.opts.ClaimTimeout):
		t.log.Warn("no server timestamp within claim timeout, using CurrentTime", "timeout", t.opts.ClaimTimeout)
		return xproto.TimeCurrentTime
	}
}

func (t *Transport) cleared(e xproto.SelectionClearEvent) {
	id, ok := t.slotOf(e.Selection)
	if !ok || e.Owner != t.win || !t.owned[id].ok {
		return
	}
	t.owned[id] = ownership{}
	t.log.Info("selection cleared", "slot", id)
	if t.h != nil {
		t.h.OwnershipLost(id)
	}
}

func (t *Transport) ownerChanged(e xfixes.SelectionNotifyEvent) {
	id, ok := t.slotOf(e.Selection)
	if !ok || t.h == nil {
		return
	}
	owner := e.Owner
	if e.Subtype != xfixes.SelectionEventSetSelectionOwner {
		owner = xproto.WindowNone
	}
	t.h.OwnershipChanged(id, ownerToken(owner, e.SelectionTimestamp))
}

// serve answers a SelectionRequest. Whatever happens the requestor gets a
// SelectionNotify; a refusal carries property None.
func (t *Transport) serve(e xproto.SelectionRequestEvent) {
	prop := e.Property
	if prop == xproto.AtomNone {
		// Pre-ICCCM requestors leave the property to the owner.
		prop = e.Target
	}
	if !t.answer(e, prop) {
		t.log.Debug("selection request refused", "target", e.Target, "requestor", e.Requestor)
		prop = xproto.AtomNone
	}
	ev := xproto.SelectionNotifyEvent{
		Time:      e.Time,
		Requestor: e.Requestor,
		Selection: e.Selection,
		Target:    e.Target,
		Property:  prop,
	}
	t.x.SendEvent(e.Requestor, ev.Bytes())
}

func (t *Transport) answer(e xproto.SelectionRequestEvent, prop xproto.Atom) bool {
	var (
		targets []target
		stamp   xproto.Timestamp
		provide func(format.Tag) ([]byte, bool)
	)
	if e.Selection == t.a.xdndSelection {
		s := t.src
		if s == nil || t.dh == nil {
			return false
		}
		targets, stamp = s.targets, s.time
		provide = func(tag format.Tag) ([]byte, bool) { return t.dh.ProvideDrag(s.handle, tag) }
	} else {
		id, ok := t.slotOf(e.Selection)
		if !ok || !t.owned[id].ok || t.h == nil {
			return false
		}
		own := t.owned[id]
		if e.Time != xproto.TimeCurrentTime && own.time != xproto.TimeCurrentTime && e.Time < own.time {
			// The request predates our ownership.
			return false
		}
		targets, stamp = own.targets, own.time
		provide = func(tag format.Tag) ([]byte, bool) { return t.h.Provide(id, tag) }
	}

	switch e.Target {
	case t.a.targets:
		list := append([]xproto.Atom{t.a.targets, t.a.timestamp}, targetAtoms(targets)...)
		t.x.ChangeProperty(xproto.PropModeReplace, e.Requestor, prop, xproto.AtomAtom, 32, encodeAtoms(list))
		return true
	case t.a.timestamp:
		t.x.ChangeProperty(xproto.PropModeReplace, e.Requestor, prop, xproto.AtomInteger, 32, encode32(uint32(stamp)))
		return true
	}

	tag, ok := lookupTarget(targets, e.Target)
	if !ok {
		return false
	}
	data, ok := provide(tag)
	if !ok {
		return false
	}
	if len(data) <= t.chunk {
		t.x.ChangeProperty(xproto.PropModeReplace, e.Requestor, prop, e.Target, 8, data)
		return true
	}
	t.startSend(e.Requestor, prop, e.Target, tag, data)
	return true
}

type sendKey struct {
	win  xproto.Window
	prop xproto.Atom
}

// incrSend is one outgoing INCR transfer. Each deletion of the requestor's
// property by the requestor releases the next chunk.
type incrSend struct {
	key    sendKey
	target xproto.Atom
	s      *transfer.Sender
	timer  loop.Timer
}

func (t *Transport) startSend(req xproto.Window, prop, typ xproto.Atom, tag format.Tag, data []byte) {
	key := sendKey{win: req, prop: prop}
	if old := t.sends[key]; old != nil {
		t.log.Warn("incr send superseded", "requestor", req, "sent", old.s.Written())
		t.endSend(old)
	}
	t.x.SetEventMask(req, xproto.EventMaskPropertyChange)
	t.x.ChangeProperty(xproto.PropModeReplace, req, prop, t.a.incr, 32, encode32(uint32(len(data))))

	is := &incrSend{key: key, target: typ, s: transfer.NewSender(tag, data, t.chunk, true)}
	t.sends[key] = is
	t.armSend(is)
	t.log.Debug("incr send started", "format", tag, "bytes", len(data), "requestor", req)
}

func (t *Transport) armSend(is *incrSend) {
	if is.timer != nil {
		is.timer.Stop()
	}
	is.timer = t.sched.AfterFunc(t.opts.ChunkTimeout, func() {
		if t.sends[is.key] != is {
			return
		}
		t.log.Warn("incr send stalled, abandoning", "requestor", is.key.win,
			"sent", is.s.Written(), "remaining", is.s.Remaining())
		t.endSend(is)
	})
}

// resumeSend writes the next chunk. The writer reports ErrWouldBlock after
// every chunk so the Sender parks until the next deletion.
func (t *Transport) resumeSend(is *incrSend) {
	done, err := is.s.Resume(func(p []byte) (int, error) {
		t.x.ChangeProperty(xproto.PropModeReplace, is.key.win, is.key.prop, is.target, 8, p)
		if len(p) == 0 {
			return 0, nil
		}
		return len(p), transfer.ErrWouldBlock
	})
	switch {
	case err != nil:
		t.log.Error("incr send failed", "requestor", is.key.win, "err", err)
		t.endSend(is)
	case done:
		t.log.Debug("incr send finished", "format", is.s.Kind, "bytes", is.s.Written())
		t.endSend(is)
	default:
		t.armSend(is)
	}
}

func (t *Transport) endSend(is *incrSend) {
	if is.timer != nil {
		is.timer.Stop()
	}
	delete(t.sends, is.key)
	if is.key.win != t.win && !t.sendingTo(is.key.win) {
		t.x.SetEventMask(is.key.win, xproto.EventMaskNoEvent)
	}
}

func (t *Transport) sendingTo(w xproto.Window) bool {
	for k := range t.sends {
		if k.win == w {
			return true
		}
	}
	return false
}

// property routes PropertyNotify: deletions on a requestor drive INCR sends,
// new values on our window drive INCR reads, and anything else on our window
// is reported to reads in flight as unrelated traffic.
func (t *Transport) property(e xproto.PropertyNotifyEvent) {
	if e.Window != t.win {
		if e.State == xproto.PropertyDelete {
			if is := t.sends[sendKey{win: e.Window, prop: e.Atom}]; is != nil {
				t.resumeSend(is)
			}
		}
		return
	}
	if ir := t.incr[e.Atom]; ir != nil {
		if e.State == xproto.PropertyNewValue {
			t.fetchChunk(ir)
		}
		return
	}
	for _, ir := range t.incr {
		ir.q.Push(transfer.Other())
	}
}
