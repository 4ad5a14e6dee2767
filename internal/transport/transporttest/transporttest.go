// Package transporttest provides a scriptable in-memory transport for tests.
package transporttest

import (
	"slices"

	"go.klb.dev/interchange/internal/drag"
	"go.klb.dev/interchange/internal/format"
	"go.klb.dev/interchange/internal/loop"
	"go.klb.dev/interchange/internal/slot"
	"go.klb.dev/interchange/internal/transfer"
	"go.klb.dev/interchange/internal/transport"
)

// Claim records one ClaimOwnership call.
type Claim struct {
	ID      slot.ID
	Offered []format.Tag
}

// Status records one SendStatus call.
type Status struct {
	Peer   drag.Handle
	Accept bool
	Kind   format.Tag
}

// Finish records one FinishDrop call.
type Finish struct {
	Peer    drag.Handle
	Success bool
	Action  drag.Action
}

type selection struct {
	kinds    []format.Tag
	payloads map[format.Tag][]byte
}

// Transport implements transport.ClipboardTransport and
// transport.DragTransport. Replies are posted to the scheduler, so tests see
// them after draining it.
type Transport struct {
	sched loop.Scheduler

	// Push selects push-mode ownership notifications.
	Push bool
	// ChunkSize > 0 makes payload streams incremental with chunks of that size.
	ChunkSize int
	// Hold makes ReadPayload and FetchDrop return streams the test feeds
	// through Streams.
	Hold    bool
	Streams []*transport.Queue

	ClaimErr error
	QueryErr error
	ReadErr  error
	StartErr error

	Claims    []Claim
	Statuses  []Status
	Finishes  []Finish
	Started   [][]format.Tag
	Cancelled []drag.Handle
	Probes    int
	Closed    bool

	handler     transport.Handler
	dragHandler transport.DragHandler
	remote      [slot.Count]*selection
	owned       [slot.Count]bool
	stamps      [slot.Count]uint64
	drops       map[drag.Handle]*selection
}

// New returns a transport replying through sched.
func New(sched loop.Scheduler) *Transport {
	return &Transport{sched: sched, drops: make(map[drag.Handle]*selection)}
}

// Name implements transport.ClipboardTransport.
func (t *Transport) Name() string { return "fake" }

// Attach implements transport.ClipboardTransport.
func (t *Transport) Attach(h transport.Handler) { t.handler = h }

// AttachDrag implements transport.DragTransport.
func (t *Transport) AttachDrag(h transport.DragHandler) { t.dragHandler = h }

// Owns reports whether this process holds id according to the fake.
func (t *Transport) Owns(id slot.ID) bool { return t.owned[id] }

// ClaimOwnership implements transport.ClipboardTransport.
func (t *Transport) ClaimOwnership(id slot.ID, offered []format.Tag) error {
	t.Claims = append(t.Claims, Claim{ID: id, Offered: slices.Clone(offered)})
	if t.ClaimErr != nil {
		return t.ClaimErr
	}
	t.owned[id] = true
	t.remote[id] = nil
	t.stamps[id]++
	return nil
}

// SetRemote makes another client the owner of id offering payloads in the
// order of kinds. Local ownership is lost as a real server would report it.
func (t *Transport) SetRemote(id slot.ID, kinds []format.Tag, payloads map[format.Tag][]byte) {
	t.remote[id] = &selection{kinds: slices.Clone(kinds), payloads: payloads}
	t.stamps[id]++
	if t.owned[id] {
		t.owned[id] = false
		if t.handler != nil {
			t.handler.OwnershipLost(id)
		}
	}
	if t.Push && t.handler != nil {
		t.handler.OwnershipChanged(id, t.stamps[id])
	}
}

// ClearRemote leaves id without an owner.
func (t *Transport) ClearRemote(id slot.ID) {
	t.remote[id] = nil
	t.stamps[id]++
}

// QueryOfferedFormats implements transport.ClipboardTransport.
func (t *Transport) QueryOfferedFormats(id slot.ID, reply func([]format.Tag, error)) {
	t.sched.Post(func() {
		switch {
		case t.QueryErr != nil:
			reply(nil, t.QueryErr)
		case t.owned[id] && t.handler != nil:
			reply(t.handler.Offered(id), nil)
		case t.remote[id] != nil:
			reply(slices.Clone(t.remote[id].kinds), nil)
		default:
			reply(nil, nil)
		}
	})
}

// ReadPayload implements transport.ClipboardTransport.
func (t *Transport) ReadPayload(id slot.ID, kind format.Tag, reply func(transport.Stream, error)) {
	t.sched.Post(func() {
		if t.ReadErr != nil {
			reply(nil, t.ReadErr)
			return
		}
		var data []byte
		var ok bool
		switch {
		case t.owned[id] && t.handler != nil:
			data, ok = t.handler.Provide(id, kind)
		case t.remote[id] != nil:
			data, ok = t.remote[id].payloads[kind]
		}
		if !ok && !t.Hold {
			reply(nil, transport.ErrRefused)
			return
		}
		reply(t.stream(data), nil)
	})
}

func (t *Transport) stream(data []byte) transport.Stream {
	if t.Hold {
		q := transport.NewQueue(len(data), true, nil)
		t.Streams = append(t.Streams, q)
		return q
	}
	if t.ChunkSize <= 0 {
		return transport.NewChunkStream(data)
	}
	q := transport.NewQueue(len(data), true, nil)
	for off := 0; off < len(data); off += t.ChunkSize {
		q.Push(transfer.Chunk(data[off:min(off+t.ChunkSize, len(data))]))
	}
	q.Push(transfer.End())
	return q
}

// PushesOwnership implements transport.ClipboardTransport.
func (t *Transport) PushesOwnership() bool { return t.Push }

// OwnershipTimestamp implements transport.ClipboardTransport.
func (t *Transport) OwnershipTimestamp(id slot.ID, reply func(uint64, error)) {
	t.Probes++
	stamp := t.stamps[id]
	t.sched.Post(func() { reply(stamp, nil) })
}

// Close implements transport.ClipboardTransport.
func (t *Transport) Close() error {
	t.Closed = true
	return nil
}

// SetDrop registers the payloads a drag peer provides.
func (t *Transport) SetDrop(peer drag.Handle, payloads map[format.Tag][]byte) {
	t.drops[peer] = &selection{payloads: payloads}
}

// SendStatus implements transport.DragTransport.
func (t *Transport) SendStatus(peer drag.Handle, accept bool, kind format.Tag) {
	t.Statuses = append(t.Statuses, Status{Peer: peer, Accept: accept, Kind: kind})
}

// FinishDrop implements transport.DragTransport.
func (t *Transport) FinishDrop(peer drag.Handle, success bool, action drag.Action) {
	t.Finishes = append(t.Finishes, Finish{Peer: peer, Success: success, Action: action})
}

// FetchDrop implements transport.DragTransport.
func (t *Transport) FetchDrop(peer drag.Handle, kind format.Tag, reply func(transport.Stream, error)) {
	t.sched.Post(func() {
		sel := t.drops[peer]
		var data []byte
		var ok bool
		if sel != nil {
			data, ok = sel.payloads[kind]
		}
		if !ok && !t.Hold {
			reply(nil, transport.ErrRefused)
			return
		}
		reply(t.stream(data), nil)
	})
}

// StartDrag implements transport.DragTransport.
func (t *Transport) StartDrag(offered []format.Tag) (drag.Handle, error) {
	if t.StartErr != nil {
		return 0, t.StartErr
	}
	t.Started = append(t.Started, slices.Clone(offered))
	return drag.Handle(len(t.Started)), nil
}

// CancelDrag implements transport.DragTransport.
func (t *Transport) CancelDrag(h drag.Handle) {
	t.Cancelled = append(t.Cancelled, h)
}

// DragHandler returns the attached drag handler so tests can inject events.
func (t *Transport) DragHandler() transport.DragHandler { return t.dragHandler }

var (
	_ transport.ClipboardTransport = (*Transport)(nil)
	_ transport.DragTransport      = (*Transport)(nil)
)
