package hub

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	assert "github.com/stretchr/testify/assert"
	require "github.com/stretchr/testify/require"

	"go.klb.dev/interchange/internal/format"
	"go.klb.dev/interchange/internal/message"
	"go.klb.dev/interchange/internal/slot"
)

type watcher struct {
	id     string
	events []Event
}

func (w *watcher) ID() string             { return w.id }
func (w *watcher) Info() message.PeerInfo { return message.PeerInfo{ID: w.id, Watching: true} }
func (w *watcher) Send(ev Event)          { w.events = append(w.events, ev) }

type listener struct{ calls []bool }

func (l *listener) OnInterestChange(active bool) { l.calls = append(l.calls, active) }

func TestInterestFollowsWatcherCount(t *testing.T) {
	h := New()
	l := &listener{}
	h.SetInterestListener(l)

	a, b := &watcher{id: "a"}, &watcher{id: "b"}
	h.Register(a)
	h.Register(b)
	h.Unregister(a)
	assert.Equal(t, []bool{true}, l.calls)
	h.Unregister(b)
	assert.Equal(t, []bool{true, false}, l.calls)
	assert.Zero(t, h.Count())

	h.Unregister(b)
	assert.Len(t, l.calls, 2, "unknown watchers are ignored")
}

func TestPublishFansOut(t *testing.T) {
	h := New()
	a, b := &watcher{id: "a"}, &watcher{id: "b"}
	h.Register(a)
	h.Register(b)

	ev := Event{Slot: slot.Primary, At: time.Unix(100, 0)}
	h.Publish(ev)
	assert.Equal(t, []Event{ev}, a.events)
	assert.Equal(t, []Event{ev}, b.events)

	got, ok := h.Latest(slot.Primary)
	require.True(t, ok)
	assert.Equal(t, ev, got)
	_, ok = h.Latest(slot.Clipboard)
	assert.False(t, ok)
}

func TestWatchersSorted(t *testing.T) {
	h := New()
	h.Register(&watcher{id: "b"})
	h.Register(&watcher{id: "a"})
	got := h.Watchers()
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
}

func TestLogPayloadPreview(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	LogPayload(log, "published", slot.Clipboard, format.Utf8Text, []byte(strings.Repeat("é", 100)))
	out := buf.String()
	assert.Contains(t, out, "bytes=200")
	assert.Contains(t, out, "…")

	buf.Reset()
	LogPayload(log, "published", slot.Clipboard, format.Png, []byte("png"))
	assert.NotContains(t, buf.String(), "preview")
}
