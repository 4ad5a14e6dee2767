package wayland

import (
	"fmt"

	"go.klb.dev/interchange/internal/drag"
	"go.klb.dev/interchange/internal/format"
	"go.klb.dev/interchange/internal/transport"
	"go.klb.dev/interchange/internal/wlwire"
)

// dndTarget is the drag currently over one of the host's surfaces.
type dndTarget struct {
	offer    *offer
	serial   uint32
	accepted bool
	dropped  bool
}

func (d *dndTarget) handle() drag.Handle { return drag.Handle(d.offer.id) }

// dndSource is the drag this process started.
type dndSource struct {
	handle   drag.Handle
	id       wlwire.ObjectID
	accepted bool
	action   drag.Action
}

func (t *Transport) setupDrag(g global) error {
	t.ddmVersion = min(g.version, 3)
	var err error
	if t.ddm, err = bind(t.c, t.registry, g.name, ifDeviceManager, t.ddmVersion); err != nil {
		return fmt.Errorf("wayland: bind %s: %w", ifDeviceManager, err)
	}
	t.ddev = t.c.NewID()
	t.c.Register(t.ddev, dataDeviceIface, t.dragDeviceEvent)
	if err := t.c.Send(wlwire.NewMessage(t.ddm, ddmGetDevice).NewID(t.ddev).Object(t.seat)); err != nil {
		return fmt.Errorf("wayland: get drag device: %w", err)
	}
	return nil
}

// dragDeviceEvent runs on the reader goroutine, like deviceEvent.
func (t *Transport) dragDeviceEvent(ev wlwire.Event) {
	d := ev.Decoder()
	switch ev.Opcode {
	case ddEvDataOffer:
		id := d.Object()
		if d.Err() != nil {
			return
		}
		o := &offer{id: id, dnd: true}
		t.c.Register(id, dataOfferIface, t.onLoop(func(ev wlwire.Event) { t.dragOfferEvent(o, ev) }))
		t.sched.Post(func() { t.offers[id] = o })
	case ddEvEnter:
		serial, surface, x, y, id := d.Uint(), d.Object(), d.Fixed(), d.Fixed(), d.Object()
		if d.Err() != nil {
			return
		}
		t.sched.Post(func() {
			if !t.closed {
				t.dndEnter(serial, surface, toPoint(x, y), id)
			}
		})
	case ddEvMotion:
		_, x, y := d.Uint(), d.Fixed(), d.Fixed()
		t.sched.Post(func() {
			if !t.closed {
				t.dndMotion(toPoint(x, y))
			}
		})
	case ddEvDrop:
		t.sched.Post(func() {
			if !t.closed {
				t.dndDrop()
			}
		})
	case ddEvLeave:
		t.sched.Post(func() {
			if !t.closed {
				t.dndLeave()
			}
		})
	case ddEvSelection:
		// The regular clipboard for our focused surface. Selections are
		// tracked through data-control instead.
		id := d.Object()
		t.sched.Post(func() {
			if o := t.offers[id]; o != nil && (t.dst == nil || t.dst.offer != o) {
				t.destroyOffer(o)
			}
		})
	}
}

func (t *Transport) dragOfferEvent(o *offer, ev wlwire.Event) {
	if ev.Opcode != dOfferEvOffer {
		return
	}
	d := ev.Decoder()
	if mime := d.String(); d.Err() == nil && mime != "" {
		o.mimes = append(o.mimes, mime)
	}
}

func toPoint(x, y float64) drag.Point {
	return drag.Point{X: int32(x), Y: int32(y)}
}

func (t *Transport) dndEnter(serial uint32, surface wlwire.ObjectID, p drag.Point, id wlwire.ObjectID) {
	if t.dst != nil {
		t.dndAbandon()
	}
	o := t.offers[id]
	if o == nil {
		// A drag from the host itself without a data source.
		return
	}
	if surface != t.opts.DragSurface {
		t.log.Debug("drag entered a foreign surface", "surface", surface)
	}
	t.dst = &dndTarget{offer: o, serial: serial}
	if t.ddmVersion >= 3 {
		t.request(wlwire.NewMessage(o.id, dOfferSetActions).Uint(dndCopy | dndMove).Uint(dndCopy))
	}
	if t.dh == nil {
		return
	}
	t.dh.DragEnter(t.dst.handle(), format.ParseAll(o.mimes))
	t.dh.DragPosition(t.dst.handle(), p)
}

func (t *Transport) dndMotion(p drag.Point) {
	if t.dst == nil || t.dst.dropped || t.dh == nil {
		return
	}
	t.dh.DragPosition(t.dst.handle(), p)
}

func (t *Transport) dndDrop() {
	if t.dst == nil || t.dst.dropped {
		return
	}
	t.dst.dropped = true
	if t.dh != nil {
		t.dh.DragDrop(t.dst.handle())
	}
}

// dndLeave follows every drop as well; a dropped offer stays alive until
// FinishDrop.
func (t *Transport) dndLeave() {
	if t.dst == nil || t.dst.dropped {
		return
	}
	t.dndAbandon()
}

func (t *Transport) dndAbandon() {
	dt := t.dst
	t.dst = nil
	if t.dh != nil && !dt.dropped {
		t.dh.DragLeave(dt.handle())
	}
	t.destroyOffer(dt.offer)
}

func (t *Transport) target(peer drag.Handle) *dndTarget {
	if t.dst == nil || t.dst.handle() != peer {
		return nil
	}
	return t.dst
}

// SendStatus implements drag.Feedback.
func (t *Transport) SendStatus(peer drag.Handle, accept bool, kind format.Tag) {
	dt := t.target(peer)
	if dt == nil {
		return
	}
	dt.accepted = accept
	m := wlwire.NewMessage(dt.offer.id, dOfferAccept).Uint(dt.serial)
	if accept {
		m.String(dt.offer.mimeFor(kind))
	} else {
		m.NullString()
	}
	t.request(m)
	if t.ddmVersion >= 3 {
		actions := dndNone
		if accept {
			actions = dndCopy | dndMove
		}
		t.request(wlwire.NewMessage(dt.offer.id, dOfferSetActions).Uint(actions).Uint(dndCopy))
	}
}

// FinishDrop implements drag.Feedback.
func (t *Transport) FinishDrop(peer drag.Handle, success bool, action drag.Action) {
	dt := t.target(peer)
	if dt == nil {
		return
	}
	t.dst = nil
	// finish is only legal once a type and an action were accepted.
	if success && dt.dropped && dt.accepted && t.ddmVersion >= 3 {
		t.request(wlwire.NewMessage(dt.offer.id, dOfferFinish))
	}
	t.log.Debug("drop finished", "peer", peer, "success", success, "action", action)
	t.destroyOffer(dt.offer)
}

// FetchDrop implements transport.DragTransport.
func (t *Transport) FetchDrop(peer drag.Handle, kind format.Tag, reply func(transport.Stream, error)) {
	dt := t.target(peer)
	if dt == nil {
		reply(nil, drag.ErrNoSession)
		return
	}
	t.receive(dt.offer, dOfferReceive, kind, reply)
}

// StartDrag implements drag.Starter. The compositor needs the serial of the
// button press that began the gesture, so the host must have supplied one.
func (t *Transport) StartDrag(offered []format.Tag) (drag.Handle, error) {
	if t.closed || t.ddev == 0 || t.opts.Serial == nil || t.dh == nil {
		return 0, drag.ErrUnsupported
	}
	if t.src != nil {
		return 0, drag.ErrSessionActive
	}
	t.nextDrag++
	s := &dndSource{handle: drag.Handle(t.nextDrag), id: t.c.NewID()}
	t.c.Register(s.id, dataSourceIface, t.onLoop(func(ev wlwire.Event) { t.dragSourceEvent(s, ev) }))
	if err := t.c.Send(wlwire.NewMessage(t.ddm, ddmCreateSource).NewID(s.id)); err != nil {
		return 0, fmt.Errorf("wayland: create drag source: %w", err)
	}
	for _, m := range mimesFor(offered) {
		t.request(wlwire.NewMessage(s.id, dSourceOffer).String(m))
	}
	if t.ddmVersion >= 3 {
		t.request(wlwire.NewMessage(s.id, dSourceSetActions).Uint(dndCopy | dndMove))
	}
	err := t.c.Send(wlwire.NewMessage(t.ddev, ddStartDrag).
		Object(s.id).Object(t.opts.DragSurface).Object(0).Uint(t.opts.Serial()))
	if err != nil {
		t.request(wlwire.NewMessage(s.id, dSourceDestroy))
		return 0, fmt.Errorf("wayland: start drag: %w", err)
	}
	t.src = s
	t.log.Debug("drag started", "peer", s.handle, "formats", offered)
	return s.handle, nil
}

// CancelDrag implements drag.Starter. Destroying the source ends the gesture
// on the compositor side.
func (t *Transport) CancelDrag(h drag.Handle) {
	s := t.src
	if s == nil || s.handle != h {
		return
	}
	t.src = nil
	t.request(wlwire.NewMessage(s.id, dSourceDestroy))
}

func (t *Transport) dragSourceEvent(s *dndSource, ev wlwire.Event) {
	d := ev.Decoder()
	if t.src != s {
		closeFDs(ev.FDs)
		return
	}
	switch ev.Opcode {
	case dSourceEvTarget:
		s.accepted = d.String() != ""
		t.dh.DragFeedback(s.handle, s.accepted, s.action)
	case dSourceEvAction:
		s.action = fromDnd(d.Uint())
		t.dh.DragFeedback(s.handle, s.accepted, s.action)
	case dSourceEvSend:
		mime, fd := d.String(), d.FD()
		if d.Err() != nil {
			closeFDs(ev.FDs)
			return
		}
		kind := format.Parse(mime)
		data, ok := t.dh.ProvideDrag(s.handle, kind)
		if !ok {
			closeFD(fd)
			return
		}
		t.startSend(fd, kind, data)
	case dSourceEvPerformed:
		t.dh.DragPerformed(s.handle)
	case dSourceEvFinished:
		t.endSource(s, true, s.action)
	case dSourceEvCancelled:
		t.endSource(s, false, drag.ActionNone)
	}
}

func (t *Transport) endSource(s *dndSource, success bool, action drag.Action) {
	if t.src == s {
		t.src = nil
	}
	t.request(wlwire.NewMessage(s.id, dSourceDestroy))
	if t.dh != nil {
		t.dh.DragFinished(s.handle, success, action)
	}
}

func fromDnd(a uint32) drag.Action {
	switch {
	case a&dndMove != 0:
		return drag.ActionMove
	case a&(dndCopy|dndAsk) != 0:
		return drag.ActionCopy
	}
	return drag.ActionNone
}
