// Package hub fans clipboard change events out to the daemon's watchers.
// It is transport-agnostic: watchers register, receive events through a
// non-blocking Send, and the bridge to the clipboard service publishes.
package hub

import (
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"go.klb.dev/interchange/internal/message"
	"go.klb.dev/interchange/internal/slot"
)

// Event is a clipboard change delivered to a watcher.
type Event struct {
	Slot slot.ID
	At   time.Time
}

// Watcher is anything that can receive change events from the hub.
type Watcher interface {
	ID() string
	Info() message.PeerInfo
	// Send delivers an event to the watcher. Must be non-blocking.
	Send(Event)
}

// InterestListener is notified when the hub gains its first watcher or loses
// its last one. Change detection only needs to run in between.
type InterestListener interface {
	OnInterestChange(active bool)
}

// Hub routes change events to all registered watchers.
type Hub struct {
	mu       sync.RWMutex
	watchers map[string]Watcher
	latest   [slot.Count]Event

	listenerMu sync.RWMutex
	listener   InterestListener
}

// New returns an empty Hub.
func New() *Hub {
	return &Hub{watchers: make(map[string]Watcher)}
}

// SetInterestListener registers the listener called when the watcher count
// crosses zero. Only one listener is supported; calling again replaces it.
func (h *Hub) SetInterestListener(l InterestListener) {
	h.listenerMu.Lock()
	h.listener = l
	h.listenerMu.Unlock()
}

// Register adds a watcher. Registering the same ID twice replaces the
// earlier watcher.
func (h *Hub) Register(w Watcher) {
	h.mu.Lock()
	_, dup := h.watchers[w.ID()]
	h.watchers[w.ID()] = w
	total := len(h.watchers)
	h.mu.Unlock()

	slog.Info("watcher registered", "peer", w.ID(), "addr", w.Info().Addr, "total", total)
	if total == 1 && !dup {
		h.notifyListener(true)
	}
}

// Unregister removes a watcher. Unknown watchers are ignored.
func (h *Hub) Unregister(w Watcher) {
	h.mu.Lock()
	if h.watchers[w.ID()] != w {
		h.mu.Unlock()
		return
	}
	delete(h.watchers, w.ID())
	total := len(h.watchers)
	h.mu.Unlock()

	slog.Info("watcher unregistered", "peer", w.ID(), "total", total)
	if total == 0 {
		h.notifyListener(false)
	}
}

// Publish records ev as the latest change of its slot and fans it out to
// every watcher.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	if ev.Slot.Valid() {
		h.latest[ev.Slot] = ev
	}
	targets := make([]Watcher, 0, len(h.watchers))
	for _, w := range h.watchers {
		targets = append(targets, w)
	}
	h.mu.Unlock()

	slog.Debug("change published", "slot", ev.Slot, "watchers", len(targets))
	for _, w := range targets {
		w.Send(ev)
	}
}

// Latest returns the most recent change seen for id.
func (h *Hub) Latest(id slot.ID) (Event, bool) {
	if !id.Valid() {
		return Event{}, false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	ev := h.latest[id]
	return ev, !ev.At.IsZero()
}

// Count returns the number of registered watchers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watchers)
}

// Watchers returns a snapshot of watcher metadata ordered by ID.
func (h *Hub) Watchers() []message.PeerInfo {
	h.mu.RLock()
	out := make([]message.PeerInfo, 0, len(h.watchers))
	for _, w := range h.watchers {
		out = append(out, w.Info())
	}
	h.mu.RUnlock()
	slices.SortFunc(out, func(a, b message.PeerInfo) int { return strings.Compare(a.ID, b.ID) })
	return out
}

func (h *Hub) notifyListener(active bool) {
	h.listenerMu.RLock()
	l := h.listener
	h.listenerMu.RUnlock()
	if l != nil {
		l.OnInterestChange(active)
	}
}
