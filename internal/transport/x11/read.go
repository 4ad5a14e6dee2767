package x11

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"

	"github.com/BurntSushi/xgb/xproto"
	"github.com/BurntSushi/xgbutil/xprop"

	"go.klb.dev/interchange/internal/format"
	"go.klb.dev/interchange/internal/loop"
	"go.klb.dev/interchange/internal/slot"
	"go.klb.dev/interchange/internal/transfer"
	"go.klb.dev/interchange/internal/transport"
)

// maxTargets bounds a TARGETS reply; nobody advertises thousands of atoms.
const maxTargets = 64 << 10

// convert is one ConvertSelection waiting for its SelectionNotify.
type convert struct {
	sel, target, prop xproto.Atom
	timer             loop.Timer
	done              func(prop xproto.Atom, err error)
}

func (t *Transport) takeProp() (xproto.Atom, bool) {
	if len(t.free) == 0 {
		return xproto.AtomNone, false
	}
	p := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]
	return p, true
}

func (t *Transport) releaseProp(p xproto.Atom) {
	if !slices.Contains(t.free, p) {
		t.free = append(t.free, p)
	}
}

// convert asks the owner of sel for target, delivered into one of our pooled
// properties. done receives the property holding the answer; the caller
// releases it. A refusal is transport.ErrRefused, silence past the convert
// timeout is transfer.ErrTimedOut.
func (t *Transport) convert(sel, target xproto.Atom, when xproto.Timestamp, done func(xproto.Atom, error)) {
	if t.closed {
		done(xproto.AtomNone, transport.ErrUnavailable)
		return
	}
	prop, ok := t.takeProp()
	if !ok {
		done(xproto.AtomNone, transport.ErrBusy)
		return
	}
	c := &convert{sel: sel, target: target, prop: prop, done: done}
	t.pending = append(t.pending, c)
	t.x.ConvertSelection(t.win, sel, target, prop, when)
	c.timer = t.sched.AfterFunc(t.opts.ConvertTimeout, func() {
		if !t.dropConvert(c) {
			return
		}
		t.releaseProp(prop)
		t.log.Warn("selection owner did not answer", "target", target, "timeout", t.opts.ConvertTimeout)
		done(xproto.AtomNone, fmt.Errorf("x11: convert: %w", transfer.ErrTimedOut))
	})
}

func (t *Transport) dropConvert(c *convert) bool {
	i := slices.Index(t.pending, c)
	if i < 0 {
		return false
	}
	t.pending = slices.Delete(t.pending, i, i+1)
	return true
}

func (t *Transport) notified(e xproto.SelectionNotifyEvent) {
	if e.Requestor != t.win {
		return
	}
	for _, c := range t.pending {
		if c.sel != e.Selection || c.target != e.Target {
			continue
		}
		if e.Property != xproto.AtomNone && e.Property != c.prop {
			continue
		}
		t.dropConvert(c)
		c.timer.Stop()
		if e.Property == xproto.AtomNone {
			t.releaseProp(c.prop)
			c.done(xproto.AtomNone, transport.ErrRefused)
			return
		}
		c.done(c.prop, nil)
		return
	}
}

// QueryOfferedFormats implements transport.ClipboardTransport.
func (t *Transport) QueryOfferedFormats(id slot.ID, reply func([]format.Tag, error)) {
	sel := t.selection(id)
	t.jobs.do(func() func() {
		r, err := xproto.GetSelectionOwner(t.conn, sel).Reply()
		return func() {
			switch {
			case err != nil:
				reply(nil, fmt.Errorf("x11: owner of %s: %w", id, err))
			case r.Owner == xproto.WindowNone:
				reply(nil, nil)
			case r.Owner == t.win && t.h != nil:
				reply(t.h.Offered(id), nil)
			default:
				t.queryTargets(sel, xproto.TimeCurrentTime, reply)
			}
		}
	})
}

// queryTargets reads the TARGETS list of sel. Owners that refuse TARGETS
// predate it and are assumed to speak STRING only.
func (t *Transport) queryTargets(sel xproto.Atom, when xproto.Timestamp, reply func([]format.Tag, error)) {
	t.convert(sel, t.a.targets, when, func(prop xproto.Atom, err error) {
		if errors.Is(err, transport.ErrRefused) {
			t.log.Debug("owner refused TARGETS, assuming STRING")
			reply([]format.Tag{format.PlainText}, nil)
			return
		}
		if err != nil {
			reply(nil, err)
			return
		}
		t.jobs.do(func() func() {
			data, err := t.readAll(prop, maxTargets)
			var names []string
			var ids []xproto.Atom
			if err == nil {
				ids = decodeAtoms(data)
				names, err = t.atomNames(ids)
			}
			return func() {
				t.releaseProp(prop)
				if err != nil {
					reply(nil, fmt.Errorf("x11: read TARGETS: %w", err))
					return
				}
				reply(t.recordOffer(sel, ids, names), nil)
			}
		})
	})
}

// atomNames resolves atoms to names through xgbutil's cache. Worker only.
func (t *Transport) atomNames(ids []xproto.Atom) ([]string, error) {
	names := make([]string, len(ids))
	for i, a := range ids {
		n, err := xprop.AtomName(t.xu, a)
		if err != nil {
			return nil, err
		}
		names[i] = n
	}
	return names, nil
}

// recordOffer remembers which atom the owner used for each kind, so reads ask
// for the spelling the owner advertised.
func (t *Transport) recordOffer(sel xproto.Atom, ids []xproto.Atom, names []string) []format.Tag {
	byTag := make(map[format.Tag]xproto.Atom)
	var kept []string
	for i, n := range names {
		if meta(n) {
			continue
		}
		tag := format.Parse(n)
		if _, ok := byTag[tag]; !ok {
			byTag[tag] = ids[i]
		}
		kept = append(kept, n)
	}
	t.offers[sel] = byTag
	return format.ParseAll(kept)
}

// ReadPayload implements transport.ClipboardTransport.
func (t *Transport) ReadPayload(id slot.ID, kind format.Tag, reply func(transport.Stream, error)) {
	sel := t.selection(id)
	t.read(sel, kind, xproto.TimeCurrentTime, reply)
}

func (t *Transport) read(sel xproto.Atom, kind format.Tag, when xproto.Timestamp, reply func(transport.Stream, error)) {
	target, err := t.targetAtom(sel, kind)
	if err != nil {
		reply(nil, fmt.Errorf("x11: target for %s: %w", kind, err))
		return
	}
	t.convert(sel, target, when, func(prop xproto.Atom, err error) {
		if err != nil {
			reply(nil, err)
			return
		}
		t.readProperty(prop, reply)
	})
}

// readProperty turns the answer left in prop into a stream: a complete
// payload for ordinary properties, or an incremental stream when the owner
// announced INCR.
func (t *Transport) readProperty(prop xproto.Atom, reply func(transport.Stream, error)) {
	t.jobs.do(func() func() {
		head, err := t.x.GetProperty(false, t.win, prop, 0, 1)
		if err != nil {
			return func() {
				t.releaseProp(prop)
				reply(nil, fmt.Errorf("x11: read property: %w", err))
			}
		}
		if head.Type == t.a.incr {
			hint := 0
			if len(head.Value) >= 4 {
				hint = int(binary.LittleEndian.Uint32(head.Value))
			}
			return func() { t.startRead(prop, hint, reply) }
		}
		data, err := t.readAll(prop, t.opts.MaxPayload)
		return func() {
			t.releaseProp(prop)
			if err != nil {
				reply(nil, fmt.Errorf("x11: read property: %w", err))
				return
			}
			reply(transport.NewChunkStream(data), nil)
		}
	})
}

// readAll pages prop through GetProperty and deletes it. Worker only.
func (t *Transport) readAll(prop xproto.Atom, limit int) ([]byte, error) {
	var (
		offset uint32
		rest   []byte
		eof    bool
	)
	data, err := transfer.Receive(limit, func(p []byte) (int, error) {
		if len(rest) == 0 {
			if eof {
				return 0, io.EOF
			}
			longs := max(uint32(len(p))/4, 1)
			r, err := t.x.GetProperty(false, t.win, prop, offset, longs)
			if err != nil {
				return 0, err
			}
			offset += uint32(len(r.Value)) / 4
			rest = r.Value
			eof = r.BytesAfter == 0
			if len(rest) == 0 {
				return 0, io.EOF
			}
		}
		n := copy(p, rest)
		rest = rest[n:]
		return n, nil
	})
	t.x.DeleteProperty(t.win, prop)
	return data, err
}

// incrRead is one incoming INCR transfer. Every NewValue on its property is
// a chunk; a zero-length value ends it.
type incrRead struct {
	prop xproto.Atom
	q    *transport.Queue
}

func (t *Transport) startRead(prop xproto.Atom, hint int, reply func(transport.Stream, error)) {
	if t.closed {
		t.releaseProp(prop)
		reply(nil, transport.ErrUnavailable)
		return
	}
	ir := &incrRead{prop: prop}
	ir.q = transport.NewQueue(hint, true, func() { t.endRead(ir) })
	t.incr[prop] = ir
	t.log.Debug("incr read started", "hint", hint)
	// Deleting the INCR announcement tells the owner to start sending. It
	// happens only now that the read is registered for the first NewValue.
	t.x.DeleteProperty(t.win, prop)
	reply(ir.q, nil)
}

func (t *Transport) fetchChunk(ir *incrRead) {
	t.jobs.do(func() func() {
		r, err := t.x.GetProperty(true, t.win, ir.prop, 0, math.MaxUint32/4)
		return func() {
			if t.incr[ir.prop] != ir {
				return
			}
			switch {
			case err != nil:
				t.endRead(ir)
				ir.q.Fail(fmt.Errorf("x11: read chunk: %w", err))
			case len(r.Value) == 0:
				t.endRead(ir)
				ir.q.Push(transfer.End())
			default:
				ir.q.Push(transfer.Chunk(r.Value))
			}
		}
	})
}

func (t *Transport) endRead(ir *incrRead) {
	if t.incr[ir.prop] != ir {
		return
	}
	delete(t.incr, ir.prop)
	t.releaseProp(ir.prop)
}

// OwnershipTimestamp implements transport.ClipboardTransport. The token
// combines the owner window with its TIMESTAMP answer, so an owner that
// refuses TIMESTAMP is still told apart from the next one.
func (t *Transport) OwnershipTimestamp(id slot.ID, reply func(uint64, error)) {
	sel := t.selection(id)
	t.jobs.do(func() func() {
		r, err := xproto.GetSelectionOwner(t.conn, sel).Reply()
		return func() {
			switch {
			case err != nil:
				reply(0, fmt.Errorf("x11: owner of %s: %w", id, err))
			case r.Owner == xproto.WindowNone:
				reply(0, nil)
			case r.Owner == t.win:
				reply(ownerToken(r.Owner, t.owned[id].time), nil)
			default:
				t.ownerStamp(sel, r.Owner, reply)
			}
		}
	})
}

func (t *Transport) ownerStamp(sel xproto.Atom, owner xproto.Window, reply func(uint64, error)) {
	t.convert(sel, t.a.timestamp, xproto.TimeCurrentTime, func(prop xproto.Atom, err error) {
		if errors.Is(err, transport.ErrRefused) {
			reply(ownerToken(owner, 0), nil)
			return
		}
		if err != nil {
			reply(0, err)
			return
		}
		t.jobs.do(func() func() {
			data, err := t.readAll(prop, 8)
			return func() {
				t.releaseProp(prop)
				if err != nil {
					reply(0, fmt.Errorf("x11: read TIMESTAMP: %w", err))
					return
				}
				var ts xproto.Timestamp
				if len(data) >= 4 {
					ts = xproto.Timestamp(binary.LittleEndian.Uint32(data))
				}
				reply(ownerToken(owner, ts), nil)
			}
		})
	})
}
