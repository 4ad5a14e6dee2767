// Package transport defines what the clipboard service needs from a
// windowing-system backend. There are two implementations, x11 and wayland;
// exactly one is chosen at startup.
//
// Every method is called on the loop and every callback is delivered on the
// loop. Backends do their blocking I/O on their own goroutines.
package transport

import (
	"errors"

	"go.klb.dev/interchange/internal/drag"
	"go.klb.dev/interchange/internal/format"
	"go.klb.dev/interchange/internal/slot"
	"go.klb.dev/interchange/internal/transfer"
)

var (
	// ErrUnavailable reports that the backend cannot perform the operation at
	// all right now (no window, no seat, connection gone).
	ErrUnavailable = errors.New("transport unavailable")
	// ErrRefused reports that the peer declined a conversion.
	ErrRefused = errors.New("transfer refused by peer")
	// ErrBusy reports a request issued while an identical one is in flight.
	ErrBusy = errors.New("transport busy")
)

// Handler is implemented by the clipboard service.
type Handler interface {
	// Offered lists the kinds this process advertises for id.
	Offered(id slot.ID) []format.Tag
	// Provide returns the payload a peer asked for. It is only called once a
	// peer actually requests data.
	Provide(id slot.ID, kind format.Tag) ([]byte, bool)
	// OwnershipLost reports that another client took id.
	OwnershipLost(id slot.ID)
	// OwnershipChanged is the push-mode ownership signal. token identifies the
	// new selection and changes whenever ownership does.
	OwnershipChanged(id slot.ID, token uint64)
}

// ClipboardTransport moves selections between processes.
type ClipboardTransport interface {
	Name() string
	Attach(h Handler)
	// ClaimOwnership makes this process the owner of id, advertising offered.
	ClaimOwnership(id slot.ID, offered []format.Tag) error
	// QueryOfferedFormats asks the current owner what it offers. An ownerless
	// slot yields an empty list.
	QueryOfferedFormats(id slot.ID, reply func([]format.Tag, error))
	// ReadPayload starts reading id converted to kind.
	ReadPayload(id slot.ID, kind format.Tag, reply func(Stream, error))
	// PushesOwnership reports whether OwnershipChanged will be called. When
	// false the service polls OwnershipTimestamp.
	PushesOwnership() bool
	OwnershipTimestamp(id slot.ID, reply func(uint64, error))
	Close() error
}

// Stream is one inbound payload, delivered as transfer events.
type Stream interface {
	// Hint returns the announced size (a lower bound for incremental streams)
	// and whether the payload arrives incrementally.
	Hint() (n int, incremental bool)
	// Next delivers the next event to fn, now if one is queued or later on the
	// loop. Each call delivers one event.
	Next(fn func(transfer.Event))
	// Err reports why the stream ended early, after its End event.
	Err() error
	// Close abandons the stream and releases backend resources.
	Close()
}

// DragHandler is implemented by the clipboard service and forwarded to its
// drag manager.
type DragHandler interface {
	DragEnter(peer drag.Handle, offered []format.Tag)
	DragPosition(peer drag.Handle, p drag.Point)
	DragDrop(peer drag.Handle)
	DragLeave(peer drag.Handle)

	DragFeedback(peer drag.Handle, accepted bool, action drag.Action)
	DragPerformed(peer drag.Handle)
	DragFinished(peer drag.Handle, success bool, action drag.Action)
	ProvideDrag(peer drag.Handle, kind format.Tag) ([]byte, bool)
}

// DragTransport is the optional drag-and-drop side of a backend. It doubles
// as the drag.Feedback and drag.Starter for the service's drag manager.
type DragTransport interface {
	AttachDrag(h DragHandler)
	SendStatus(peer drag.Handle, accept bool, kind format.Tag)
	FinishDrop(peer drag.Handle, success bool, action drag.Action)
	FetchDrop(peer drag.Handle, kind format.Tag, reply func(Stream, error))
	StartDrag(offered []format.Tag) (drag.Handle, error)
	CancelDrag(h drag.Handle)
}
