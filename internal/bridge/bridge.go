// Package bridge connects the clipboard service, which lives on the event
// loop, to the daemon's connection goroutines and its change hub.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.klb.dev/interchange/internal/clipboard"
	"go.klb.dev/interchange/internal/format"
	"go.klb.dev/interchange/internal/hub"
	"go.klb.dev/interchange/internal/loop"
	"go.klb.dev/interchange/internal/slot"
)

// Runner is the part of loop.Loop the bridge needs.
type Runner interface {
	Post(f func()) bool
	Call(ctx context.Context, f func()) error
}

// Bridge hands requests to the service on the loop and forwards the
// service's change signals to the hub while anyone is watching.
type Bridge struct {
	run Runner
	svc *clipboard.Service
	h   *hub.Hub
	log *slog.Logger

	// loop only
	unsubscribe func()
}

// New returns a bridge and makes it the hub's interest listener.
func New(run Runner, svc *clipboard.Service, h *hub.Hub, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	b := &Bridge{run: run, svc: svc, h: h, log: log.With("component", "bridge")}
	h.SetInterestListener(b)
	return b
}

// OnInterestChange implements hub.InterestListener. The hub's current count
// is re-read on the loop, so notifications racing each other settle on the
// right state.
func (b *Bridge) OnInterestChange(bool) {
	b.run.Post(b.sync)
}

func (b *Bridge) sync() {
	want := b.h.Count() > 0
	switch {
	case want && b.unsubscribe == nil:
		b.unsubscribe = b.svc.Subscribe(b.changed)
		b.log.Debug("change detection started")
	case !want && b.unsubscribe != nil:
		b.unsubscribe()
		b.unsubscribe = nil
		b.log.Debug("change detection stopped")
	}
}

func (b *Bridge) changed(id slot.ID) {
	b.h.Publish(hub.Event{Slot: id, At: time.Now()})
}

// Publish makes the daemon own id with data.
func (b *Bridge) Publish(ctx context.Context, id slot.ID, kind format.Tag, data []byte) error {
	var err error
	if cerr := b.run.Call(ctx, func() { err = b.svc.Publish(id, kind, data) }); cerr != nil {
		return fmt.Errorf("publish: %w", cerr)
	}
	if err == nil {
		hub.LogPayload(b.log, "published", id, kind, data)
	}
	return err
}

// Paste reads id as kind. An empty clipboard is an empty result.
func (b *Bridge) Paste(ctx context.Context, id slot.ID, kind format.Tag) (clipboard.PasteResult, error) {
	var fut *loop.Future[clipboard.PasteResult]
	if err := b.run.Call(ctx, func() { fut = b.svc.RequestPaste(id, kind) }); err != nil {
		return clipboard.PasteResult{}, fmt.Errorf("paste: %w", err)
	}
	res, err := fut.Wait(ctx)
	if err == nil && !res.Empty() {
		hub.LogPayload(b.log, "pasted", res.Slot, res.Kind, res.Data)
	}
	return res, err
}

// Targets lists the formats id is offered in.
func (b *Bridge) Targets(ctx context.Context, id slot.ID) ([]format.Tag, error) {
	var fut *loop.Future[[]format.Tag]
	if err := b.run.Call(ctx, func() { fut = b.svc.Targets(id) }); err != nil {
		return nil, fmt.Errorf("targets: %w", err)
	}
	return fut.Wait(ctx)
}

// Status snapshots the service.
func (b *Bridge) Status(ctx context.Context) (clipboard.Status, error) {
	var st clipboard.Status
	if err := b.run.Call(ctx, func() { st = b.svc.Status() }); err != nil {
		return st, fmt.Errorf("status: %w", err)
	}
	return st, nil
}

// Owned reports whether the daemon still owns any slot. The foreground copy
// mode exits once this turns false.
func (b *Bridge) Owned(ctx context.Context) (bool, error) {
	st, err := b.Status(ctx)
	if err != nil {
		return false, err
	}
	for _, s := range st.Slots {
		if s.Owned {
			return true, nil
		}
	}
	return false, nil
}
