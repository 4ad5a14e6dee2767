package clipboard

import (
	"errors"
	"fmt"
	"slices"

	"go.klb.dev/interchange/internal/bitmap"
	"go.klb.dev/interchange/internal/format"
	"go.klb.dev/interchange/internal/loop"
	"go.klb.dev/interchange/internal/slot"
	"go.klb.dev/interchange/internal/transfer"
	"go.klb.dev/interchange/internal/transport"
)

// Image is a decoded raster payload as packed RGB triples.
type Image struct {
	RGB    []byte
	Width  uint32
	Height uint32
}

// PasteResult is the outcome of a paste. An empty Data with a nil error
// means the clipboard had nothing to offer.
type PasteResult struct {
	Slot slot.ID
	Kind format.Tag
	Data []byte
	// Image is set for image kinds.
	Image *Image
	// Local is set when the paste was served from this process's own buffer.
	Local bool
	// Partial is set when a timed-out transfer was kept.
	Partial bool
}

// Empty reports whether nothing was pasted.
func (r PasteResult) Empty() bool { return len(r.Data) == 0 }

// read is one paste in flight.
type read struct {
	id   slot.ID
	kind format.Tag
	fut  *loop.Future[PasteResult]
	rc   *receiver
	done bool
}

// RequestPaste reads id as kind. A slot owned by this process is answered
// immediately from its buffer; otherwise the current owner is asked through
// the transport. Both reads Clipboard. An empty kind asks for the catalog
// default.
func (s *Service) RequestPaste(id slot.ID, kind format.Tag) *loop.Future[PasteResult] {
	if id == slot.Both {
		id = slot.Clipboard
	}
	if !id.Valid() {
		return loop.Resolved(PasteResult{}, fmt.Errorf("paste: invalid slot %v", id))
	}
	if kind == "" {
		kind = s.opts.Catalog.Default
	}
	if s.closed {
		return loop.Resolved(PasteResult{Slot: id}, loop.ErrClosed)
	}
	if sl, ok := s.table.Owned(id); ok {
		res, err := s.local(id, kind, sl)
		s.notifyPaste(id, res, err)
		return loop.Resolved(res, err)
	}
	if s.tr == nil {
		return loop.Resolved(PasteResult{Slot: id, Kind: kind}, nil)
	}

	r := &read{id: id, kind: kind, fut: loop.NewFuture[PasteResult]()}
	s.reads[id] = append(s.reads[id], r)
	s.tr.QueryOfferedFormats(id, func(offered []format.Tag, err error) {
		s.onOffer(r, offered, err)
	})
	return r.fut
}

// local serves a paste from the slot buffer.
func (s *Service) local(id slot.ID, kind format.Tag, sl slot.Slot) (PasteResult, error) {
	res := PasteResult{Slot: id, Kind: sl.Kind, Data: sl.Buffer, Local: true}
	if want, err := s.opts.Catalog.Resolve(s.opts.Catalog.Wanted(kind), s.opts.Catalog.Offer(sl.Kind)); err == nil {
		out, err := convert(sl.Buffer, sl.Kind, want)
		if err != nil {
			return res, err
		}
		res.Kind, res.Data = want, out
	}
	return s.decode(res)
}

func (s *Service) onOffer(r *read, offered []format.Tag, err error) {
	if r.done {
		return
	}
	if err != nil {
		s.finishRead(r, PasteResult{Slot: r.id}, fmt.Errorf("query %s: %w", r.id, err))
		return
	}
	if len(offered) == 0 {
		s.log.Debug("nothing offered", "slot", r.id)
		s.finishRead(r, PasteResult{Slot: r.id, Kind: r.kind}, nil)
		return
	}
	tag, nerr := s.opts.Catalog.Resolve(s.opts.Catalog.Wanted(r.kind), offered)
	if nerr != nil {
		s.log.Debug("negotiation failed, using default", "slot", r.id, "want", r.kind, "offered", offered, "format", tag)
	} else {
		s.log.Debug("negotiated", "slot", r.id, "want", r.kind, "format", tag)
	}
	s.tr.ReadPayload(r.id, tag, func(st transport.Stream, err error) {
		s.onStream(r, tag, st, err)
	})
}

func (s *Service) onStream(r *read, tag format.Tag, st transport.Stream, err error) {
	if r.done {
		if st != nil {
			st.Close()
		}
		return
	}
	if err != nil {
		s.readFailed(r, tag, err)
		return
	}
	r.rc = s.receive(st, tag, func(data []byte, partial bool, err error) {
		r.rc = nil
		if err != nil {
			s.readFailed(r, tag, err)
			return
		}
		res := PasteResult{Slot: r.id, Kind: tag, Data: data, Partial: partial}
		if tag != r.kind && slices.Contains(s.opts.Catalog.Wanted(r.kind), tag) {
			if out, cerr := convert(data, tag, r.kind); cerr == nil {
				res.Kind, res.Data = r.kind, out
			}
		}
		res, err = s.decode(res)
		s.finishRead(r, res, err)
	})
}

func (s *Service) readFailed(r *read, tag format.Tag, err error) {
	if errors.Is(err, transport.ErrRefused) {
		s.log.Warn("conversion refused", "slot", r.id, "format", tag)
		s.finishRead(r, PasteResult{Slot: r.id, Kind: tag}, nil)
		return
	}
	if errors.Is(err, transfer.ErrOverflow) || errors.Is(err, transfer.ErrTimedOut) {
		s.log.Warn("transfer failed", "slot", r.id, "format", tag, "err", err)
	} else {
		s.log.Error("transfer failed", "slot", r.id, "format", tag, "err", err)
	}
	s.finishRead(r, PasteResult{Slot: r.id, Kind: tag}, fmt.Errorf("read %s as %s: %w", r.id, tag, err))
}

// decode fills in Image for image kinds. Malformed images keep their raw
// bytes and report an error wrapping bitmap.ErrCodec.
func (s *Service) decode(res PasteResult) (PasteResult, error) {
	if res.Empty() || !res.Kind.IsImage() {
		return res, nil
	}
	var (
		rgb  []byte
		w, h uint32
		err  error
	)
	if res.Kind == format.Png {
		rgb, w, h, err = bitmap.DecodePNG(res.Data)
	} else {
		rgb, w, h, err = bitmap.Decode(res.Data)
	}
	if err != nil {
		return res, err
	}
	res.Image = &Image{RGB: rgb, Width: w, Height: h}
	return res, nil
}

func (s *Service) finishRead(r *read, res PasteResult, err error) {
	if r.done {
		return
	}
	r.done = true
	if r.rc != nil {
		r.rc.cancel()
		r.rc = nil
	}
	s.reads[r.id] = slices.DeleteFunc(s.reads[r.id], func(x *read) bool { return x == r })
	s.notifyPaste(r.id, res, err)
	r.fut.Resolve(res, err)
}

// supersedeReads answers reads still in flight for id with the content just
// published, which is what they would have fetched had they started now.
func (s *Service) supersedeReads(id slot.ID, sl slot.Slot) {
	for _, r := range slices.Clone(s.reads[id]) {
		res, err := s.local(id, r.kind, sl)
		s.finishRead(r, res, err)
	}
}

func (s *Service) notifyPaste(id slot.ID, res PasteResult, err error) {
	if err != nil {
		s.log.Debug("paste failed", "slot", id, "err", err)
		return
	}
	if s.opts.Collaborator != nil && !res.Empty() {
		s.opts.Collaborator.OnPaste(id, res)
	}
}

// convert re-encodes data from one kind into another of the same family.
// Text kinds share their bytes; images are transcoded between BMP and PNG.
func convert(data []byte, from, to format.Tag) ([]byte, error) {
	switch {
	case from == to:
		return data, nil
	case from.IsText() && to.IsText():
		return data, nil
	case from.IsImage() && to.IsImage():
		return bitmap.Convert(data, from == format.Png, to == format.Png)
	default:
		return nil, fmt.Errorf("convert %s to %s: %w", from, to, format.ErrNegotiationFailed)
	}
}

// Targets lists the formats id is offered in. A slot owned by this process
// answers from the catalog; otherwise the current owner is asked. An empty
// clipboard yields an empty list.
func (s *Service) Targets(id slot.ID) *loop.Future[[]format.Tag] {
	if id == slot.Both {
		id = slot.Clipboard
	}
	if !id.Valid() {
		return loop.Resolved[[]format.Tag](nil, fmt.Errorf("targets: invalid slot %v", id))
	}
	if s.closed {
		return loop.Resolved[[]format.Tag](nil, loop.ErrClosed)
	}
	if _, ok := s.table.Owned(id); ok || s.tr == nil {
		return loop.Resolved(s.Offered(id), nil)
	}
	fut := loop.NewFuture[[]format.Tag]()
	s.tr.QueryOfferedFormats(id, func(offered []format.Tag, err error) {
		if err != nil {
			fut.Resolve(nil, fmt.Errorf("query %s: %w", id, err))
			return
		}
		fut.Resolve(offered, nil)
	})
	return fut
}
