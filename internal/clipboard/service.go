// Package clipboard is the façade the rest of an application talks to. A
// Service owns the clipboard slots, answers paste requests from the local
// buffer or through the transport, watches for ownership changes and runs drag
// sessions.
//
// A Service belongs to one loop. Every method must be called on that loop;
// code on other goroutines goes through loop.Loop.Call.
package clipboard

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.klb.dev/interchange/internal/drag"
	"go.klb.dev/interchange/internal/format"
	"go.klb.dev/interchange/internal/loop"
	"go.klb.dev/interchange/internal/monitor"
	"go.klb.dev/interchange/internal/slot"
	"go.klb.dev/interchange/internal/transfer"
	"go.klb.dev/interchange/internal/transport"
)

// Collaborator is the widget layer. All hooks run on the loop.
type Collaborator interface {
	// OnPaste receives every successful paste.
	OnPaste(id slot.ID, res PasteResult)
	drag.Target
}

// Options configures a Service.
type Options struct {
	Catalog format.Catalog
	Limits  transfer.Limits
	// KeepPartial delivers what arrived before a transfer timed out instead
	// of failing the paste.
	KeepPartial  bool
	PollInterval time.Duration
	ProbeTimeout time.Duration
	Collaborator Collaborator
	// Drag overrides the drag side of the transport. When nil the transport
	// is used if it implements transport.DragTransport.
	Drag       transport.DragTransport
	DragAccept []format.Tag
	Logger     *slog.Logger
}

// DefaultOptions returns the stock configuration.
func DefaultOptions() Options {
	return Options{
		Catalog:      format.DefaultCatalog(),
		Limits:       transfer.DefaultLimits(),
		PollInterval: 500 * time.Millisecond,
		ProbeTimeout: 2 * time.Second,
	}
}

// Service is the clipboard façade.
type Service struct {
	sched loop.Scheduler
	tr    transport.ClipboardTransport
	dt    transport.DragTransport
	opts  Options
	log   *slog.Logger

	table    slot.Table
	reads    [slot.Count][]*read
	mon      *monitor.Monitor
	watchers map[int]func(slot.ID)
	nextSub  int
	drag     *drag.Manager
	closed   bool
}

// New returns a service driving tr on sched. tr may be nil, in which case
// the service only serves its own process.
func New(sched loop.Scheduler, tr transport.ClipboardTransport, opts Options) *Service {
	def := DefaultOptions()
	if opts.Catalog.Default == "" {
		opts.Catalog = def.Catalog
	}
	if opts.Limits == (transfer.Limits{}) {
		opts.Limits = def.Limits
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = def.ProbeTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		sched:    sched,
		tr:       tr,
		opts:     opts,
		log:      log.With("component", "clipboard"),
		watchers: make(map[int]func(slot.ID)),
	}

	switch {
	case tr == nil:
		s.mon = monitor.NewPush(log, s.changed)
	case tr.PushesOwnership():
		s.mon = monitor.NewPush(log, s.changed)
	default:
		s.mon = monitor.NewPoll(log, prober{tr}, sched, opts.PollInterval, opts.ProbeTimeout, s.changed)
	}
	if tr != nil {
		tr.Attach(s)
	}

	s.dt = opts.Drag
	if s.dt == nil {
		if dt, ok := tr.(transport.DragTransport); ok {
			s.dt = dt
		}
	}
	if s.dt != nil {
		var target drag.Target
		if opts.Collaborator != nil {
			target = opts.Collaborator
		}
		s.drag = drag.NewManager(sched, drag.Options{
			Accept:   opts.DragAccept,
			Catalog:  opts.Catalog,
			Target:   target,
			Feedback: s.dt,
			Starter:  s.dt,
			Fetch:    s.fetchDrop,
			Convert:  convert,
			Logger:   log,
		})
		s.dt.AttachDrag(s)
	}
	return s
}

type prober struct{ tr transport.ClipboardTransport }

func (p prober) ProbeOwnership(id slot.ID, reply func(uint64, error)) {
	p.tr.OwnershipTimestamp(id, reply)
}

// Publish makes this process the owner of id with data in kind. Both
// publishes to Clipboard and then Primary. The local slot is updated even
// when the transport refuses the claim; that error is returned.
func (s *Service) Publish(id slot.ID, kind format.Tag, data []byte) error {
	if id == slot.Both {
		var errs []error
		for _, sub := range id.Expand() {
			errs = append(errs, s.Publish(sub, kind, data))
		}
		return errors.Join(errs...)
	}
	if !id.Valid() {
		return fmt.Errorf("publish: invalid slot %v", id)
	}
	if s.closed {
		return loop.ErrClosed
	}
	sl := s.table.Publish(id, kind, data, s.sched.Now())
	s.log.Info("published", "slot", id, "format", kind, "bytes", len(data))
	s.supersedeReads(id, sl)

	if s.tr == nil {
		return nil
	}
	if err := s.tr.ClaimOwnership(id, s.opts.Catalog.Offer(kind)); err != nil {
		s.log.Warn("ownership claim failed", "slot", id, "err", err)
		return fmt.Errorf("claim %s: %w", id, err)
	}
	return nil
}

// Subscribe registers fn for clipboard change signals. Change detection only
// runs while at least one subscriber exists.
func (s *Service) Subscribe(fn func(slot.ID)) (unsubscribe func()) {
	s.nextSub++
	key := s.nextSub
	s.watchers[key] = fn
	if len(s.watchers) == 1 {
		s.mon.InterestChanged(true)
	}
	return func() {
		if _, ok := s.watchers[key]; !ok {
			return
		}
		delete(s.watchers, key)
		if len(s.watchers) == 0 {
			s.mon.InterestChanged(false)
		}
	}
}

func (s *Service) changed(id slot.ID) {
	keys := make([]int, 0, len(s.watchers))
	for k := range s.watchers {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if fn, ok := s.watchers[k]; ok {
			fn(id)
		}
	}
}

// SlotStatus describes one slot.
type SlotStatus struct {
	ID     slot.ID    `json:"slot"`
	Owned  bool       `json:"owned"`
	Kind   format.Tag `json:"format,omitempty"`
	Length int        `json:"length,omitempty"`
	Since  time.Time  `json:"since,omitzero"`
}

// Status is a snapshot of the service.
type Status struct {
	Transport string       `json:"transport"`
	Ownership string       `json:"ownership"`
	Slots     []SlotStatus `json:"slots"`
	Watchers  int          `json:"watchers"`
	Reads     int          `json:"reads"`
	Drag      string       `json:"drag,omitempty"`
}

// Status returns a snapshot of the service.
func (s *Service) Status() Status {
	st := Status{
		Transport: "none",
		Ownership: s.mon.Mode().String(),
		Watchers:  len(s.watchers),
	}
	if s.tr != nil {
		st.Transport = s.tr.Name()
	}
	for _, id := range slot.All {
		ss := SlotStatus{ID: id}
		if sl, ok := s.table.Owned(id); ok {
			ss.Owned = true
			ss.Kind = sl.Kind
			ss.Length = sl.DeclaredLength
			ss.Since = sl.Stamp
		}
		st.Slots = append(st.Slots, ss)
		st.Reads += len(s.reads[id])
	}
	if s.drag != nil {
		if d := s.drag.Source(); d != nil {
			st.Drag = d.String()
		} else if d := s.drag.Destination(); d != nil {
			st.Drag = d.String()
		}
	}
	return st
}

// Close ends drags, fails reads in flight and closes the transport.
func (s *Service) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.drag != nil {
		s.drag.Close()
	}
	for _, id := range slot.All {
		for _, r := range slices.Clone(s.reads[id]) {
			s.finishRead(r, PasteResult{Slot: id}, transfer.ErrClosed)
		}
	}
	if s.mon.Watching() {
		s.mon.InterestChanged(false)
	}
	s.table.Reset()
	if s.tr != nil {
		return s.tr.Close()
	}
	return nil
}

// Offered implements transport.Handler.
func (s *Service) Offered(id slot.ID) []format.Tag {
	sl, ok := s.table.Owned(id)
	if !ok {
		return nil
	}
	return s.opts.Catalog.Offer(sl.Kind)
}

// Provide implements transport.Handler.
func (s *Service) Provide(id slot.ID, kind format.Tag) ([]byte, bool) {
	sl, ok := s.table.Owned(id)
	if !ok || !slices.Contains(s.opts.Catalog.Offer(sl.Kind), kind) {
		return nil, false
	}
	out, err := convert(sl.Buffer, sl.Kind, kind)
	if err != nil {
		s.log.Warn("conversion failed", "slot", id, "from", sl.Kind, "to", kind, "err", err)
		return nil, false
	}
	s.log.Debug("serving", "slot", id, "format", kind, "bytes", len(out))
	return out, true
}

// OwnershipLost implements transport.Handler.
func (s *Service) OwnershipLost(id slot.ID) {
	if s.table.Revoke(id) {
		s.log.Info("ownership lost", "slot", id)
	}
}

// OwnershipChanged implements transport.Handler.
func (s *Service) OwnershipChanged(id slot.ID, token uint64) {
	s.mon.Push(id, token)
}

var _ transport.Handler = (*Service)(nil)
