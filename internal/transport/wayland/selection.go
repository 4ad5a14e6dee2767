package wayland

import (
	"fmt"

	"go.klb.dev/interchange/internal/format"
	"go.klb.dev/interchange/internal/slot"
	"go.klb.dev/interchange/internal/transport"
	"go.klb.dev/interchange/internal/wlwire"
)

// deviceEvent runs on the reader goroutine. New offers are registered here,
// before their MIME announcements are read; everything else moves to the
// loop.
func (t *Transport) deviceEvent(ev wlwire.Event) {
	d := ev.Decoder()
	switch ev.Opcode {
	case deviceEvDataOffer:
		id := d.Object()
		if d.Err() != nil {
			return
		}
		o := &offer{id: id}
		t.c.Register(id, controlOfferIf, t.onLoop(func(ev wlwire.Event) { t.offerEvent(o, ev) }))
		t.sched.Post(func() { t.offers[id] = o })
	case deviceEvSelection, deviceEvPrimarySelection:
		id := d.Object()
		which := slot.Clipboard
		if ev.Opcode == deviceEvPrimarySelection {
			which = slot.Primary
		}
		t.sched.Post(func() {
			if !t.closed {
				t.selected(which, id)
			}
		})
	case deviceEvFinished:
		t.sched.Post(func() {
			if t.closed {
				return
			}
			t.log.Error("data-control device invalidated by the compositor")
			t.shutdown(transport.ErrUnavailable)
		})
	}
}

func (t *Transport) offerEvent(o *offer, ev wlwire.Event) {
	if ev.Opcode != offerEvOffer {
		return
	}
	d := ev.Decoder()
	if mime := d.String(); d.Err() == nil && mime != "" {
		o.mimes = append(o.mimes, mime)
	}
}

// selected records a new selection for which. Every announcement is a new
// selection, so it always moves the ownership token.
func (t *Transport) selected(which slot.ID, id wlwire.ObjectID) {
	old := t.current[which]
	t.current[which] = nil
	if id != 0 {
		t.current[which] = t.offers[id]
	}
	if old != nil && old != t.current[slot.Clipboard] && old != t.current[slot.Primary] {
		t.destroyOffer(old)
	}
	t.gen[which]++
	var mimes []string
	if o := t.current[which]; o != nil {
		mimes = o.mimes
	}
	t.log.Debug("selection changed", "slot", which, "offer", id, "types", len(mimes))
	if t.h != nil {
		t.h.OwnershipChanged(which, t.gen[which])
	}
}

// ClaimOwnership implements transport.ClipboardTransport. The claim takes
// effect once the compositor processes it; a competing claim arriving first
// shows up as cancelled on our source.
func (t *Transport) ClaimOwnership(id slot.ID, offered []format.Tag) error {
	if t.closed {
		return transport.ErrUnavailable
	}
	if id == slot.Primary && !t.primary {
		return fmt.Errorf("wayland: %s has no primary selection: %w", t.proto, transport.ErrUnavailable)
	}
	src := &source{id: t.c.NewID(), slot: id}
	t.c.Register(src.id, controlSourceIf, t.onLoop(func(ev wlwire.Event) { t.sourceEvent(src, ev) }))
	if err := t.c.Send(wlwire.NewMessage(t.manager, managerCreateSource).NewID(src.id)); err != nil {
		return fmt.Errorf("wayland: create source: %w", err)
	}
	for _, m := range mimesFor(offered) {
		t.request(wlwire.NewMessage(src.id, sourceOffer).String(m))
	}
	op := uint16(deviceSetSelection)
	if id == slot.Primary {
		op = deviceSetPrimarySelection
	}
	if err := t.c.Send(wlwire.NewMessage(t.device, op).Object(src.id)); err != nil {
		return fmt.Errorf("wayland: set selection: %w", err)
	}
	if old := t.owned[id]; old != nil {
		t.dropSource(old)
	}
	t.owned[id] = src
	t.sources[src.id] = src
	t.log.Info("claimed selection", "slot", id, "formats", offered)
	return nil
}

func (t *Transport) sourceEvent(src *source, ev wlwire.Event) {
	d := ev.Decoder()
	switch ev.Opcode {
	case sourceEvSend:
		mime, fd := d.String(), d.FD()
		if d.Err() != nil {
			closeFDs(ev.FDs)
			return
		}
		if t.sources[src.id] != src || t.h == nil {
			closeFD(fd)
			return
		}
		kind := format.Parse(mime)
		data, ok := t.h.Provide(src.slot, kind)
		if !ok {
			t.log.Debug("nothing to send", "slot", src.slot, "format", kind)
			closeFD(fd)
			return
		}
		t.startSend(fd, kind, data)
	case sourceEvCancelled:
		if t.sources[src.id] != src {
			return
		}
		t.dropSource(src)
		if t.owned[src.slot] == src {
			t.owned[src.slot] = nil
			t.log.Info("selection taken by another client", "slot", src.slot)
			if t.h != nil {
				t.h.OwnershipLost(src.slot)
			}
		}
	}
}

// dropSource destroys src. Its id is released when the compositor confirms.
func (t *Transport) dropSource(src *source) {
	delete(t.sources, src.id)
	t.request(wlwire.NewMessage(src.id, sourceDestroy))
}

// QueryOfferedFormats implements transport.ClipboardTransport. Offers carry
// their MIME lists, so the answer is immediate.
func (t *Transport) QueryOfferedFormats(id slot.ID, reply func([]format.Tag, error)) {
	if t.owned[id] != nil && t.h != nil {
		reply(t.h.Offered(id), nil)
		return
	}
	o := t.current[id]
	if o == nil {
		reply(nil, nil)
		return
	}
	reply(format.ParseAll(o.mimes), nil)
}

// ReadPayload implements transport.ClipboardTransport.
func (t *Transport) ReadPayload(id slot.ID, kind format.Tag, reply func(transport.Stream, error)) {
	if t.closed {
		reply(nil, transport.ErrUnavailable)
		return
	}
	o := t.current[id]
	if o == nil {
		reply(nil, transport.ErrRefused)
		return
	}
	t.receive(o, offerReceive, kind, reply)
}

// OwnershipTimestamp implements transport.ClipboardTransport. Ownership is
// pushed, so this only reports the current announcement count.
func (t *Transport) OwnershipTimestamp(id slot.ID, reply func(uint64, error)) {
	reply(t.gen[id], nil)
}
