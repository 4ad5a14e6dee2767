package clipboard

import (
	"go.klb.dev/interchange/internal/drag"
	"go.klb.dev/interchange/internal/format"
	"go.klb.dev/interchange/internal/transport"
)

// BeginDrag starts dragging data as kind out of this process. The session's
// Done channel closes exactly once, when the gesture completes or is
// cancelled.
func (s *Service) BeginDrag(kind format.Tag, data []byte) (*drag.Session, error) {
	if s.drag == nil {
		return nil, drag.ErrUnsupported
	}
	return s.drag.Begin(kind, data, nil)
}

// CancelDrag aborts the outgoing drag, if any.
func (s *Service) CancelDrag() {
	if s.drag != nil {
		s.drag.Cancel()
	}
}

// Drag returns the drag manager, nil when the transport cannot drag.
func (s *Service) Drag() *drag.Manager { return s.drag }

func (s *Service) fetchDrop(peer drag.Handle, kind format.Tag, reply func([]byte, error)) {
	s.dt.FetchDrop(peer, kind, func(st transport.Stream, err error) {
		if err != nil {
			reply(nil, err)
			return
		}
		s.receive(st, kind, func(data []byte, _ bool, err error) {
			reply(data, err)
		})
	})
}

// DragEnter implements transport.DragHandler.
func (s *Service) DragEnter(peer drag.Handle, offered []format.Tag) { s.drag.Enter(peer, offered) }

// DragPosition implements transport.DragHandler.
func (s *Service) DragPosition(peer drag.Handle, p drag.Point) { s.drag.Position(peer, p) }

// DragDrop implements transport.DragHandler.
func (s *Service) DragDrop(peer drag.Handle) { s.drag.Drop(peer) }

// DragLeave implements transport.DragHandler.
func (s *Service) DragLeave(peer drag.Handle) { s.drag.Leave(peer) }

// DragFeedback implements transport.DragHandler.
func (s *Service) DragFeedback(peer drag.Handle, accepted bool, action drag.Action) {
	s.drag.Feedback(peer, accepted, action)
}

// DragPerformed implements transport.DragHandler.
func (s *Service) DragPerformed(peer drag.Handle) { s.drag.Performed(peer) }

// DragFinished implements transport.DragHandler.
func (s *Service) DragFinished(peer drag.Handle, success bool, action drag.Action) {
	s.drag.Finished(peer, success, action)
}

// ProvideDrag implements transport.DragHandler.
func (s *Service) ProvideDrag(peer drag.Handle, kind format.Tag) ([]byte, bool) {
	return s.drag.Provide(peer, kind)
}

var _ transport.DragHandler = (*Service)(nil)
