package bridge

import (
	"context"
	"testing"
	"time"

	assert "github.com/stretchr/testify/assert"
	require "github.com/stretchr/testify/require"

	"go.klb.dev/interchange/internal/clipboard"
	"go.klb.dev/interchange/internal/format"
	"go.klb.dev/interchange/internal/hub"
	"go.klb.dev/interchange/internal/loop"
	"go.klb.dev/interchange/internal/message"
	"go.klb.dev/interchange/internal/slot"
	"go.klb.dev/interchange/internal/transport/transporttest"
)

type watcher struct{ events chan hub.Event }

func (w *watcher) ID() string             { return "w" }
func (w *watcher) Info() message.PeerInfo { return message.PeerInfo{ID: "w", Watching: true} }
func (w *watcher) Send(ev hub.Event)      { w.events <- ev }

type fixture struct {
	l  *loop.Loop
	tr *transporttest.Transport
	h  *hub.Hub
	b  *Bridge
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	f := &fixture{l: loop.New(), h: hub.New()}
	go f.l.Run(ctx)
	t.Cleanup(func() {
		cancel()
		f.l.Close()
	})
	var svc *clipboard.Service
	require.NoError(t, f.l.Call(ctx, func() {
		f.tr = transporttest.New(f.l)
		f.tr.Push = true
		svc = clipboard.New(f.l, f.tr, clipboard.Options{})
	}))
	f.b = New(f.l, svc, f.h, nil)
	return f
}

func ctx(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return c
}

func TestPublishThenPaste(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.b.Publish(ctx(t), slot.Both, format.PlainText, []byte("hi")))

	res, err := f.b.Paste(ctx(t), slot.Primary, format.Utf8Text)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(res.Data))
	assert.True(t, res.Local)

	owned, err := f.b.Owned(ctx(t))
	require.NoError(t, err)
	assert.True(t, owned)
}

func TestTargetsFromRemoteOwner(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.l.Call(ctx(t), func() {
		f.tr.SetRemote(slot.Primary, []format.Tag{format.Png}, map[format.Tag][]byte{format.Png: {1}})
	}))
	got, err := f.b.Targets(ctx(t), slot.Primary)
	require.NoError(t, err)
	assert.Equal(t, []format.Tag{format.Png}, got)
}

func TestChangesReachWatchersOnlyWhileWatched(t *testing.T) {
	f := newFixture(t)
	w := &watcher{events: make(chan hub.Event, 4)}
	f.h.Register(w)

	require.NoError(t, f.l.Call(ctx(t), func() {
		f.tr.SetRemote(slot.Clipboard, []format.Tag{format.Utf8Text}, nil)
	}))
	select {
	case ev := <-w.events:
		assert.Equal(t, slot.Clipboard, ev.Slot)
	case <-time.After(2 * time.Second):
		t.Fatal("no change event")
	}

	f.h.Unregister(w)
	st, err := f.b.Status(ctx(t))
	require.NoError(t, err)
	assert.Zero(t, st.Watchers, "service subscription dropped with the last watcher")
}

func TestClosedLoop(t *testing.T) {
	f := newFixture(t)
	f.l.Close()
	_, err := f.b.Paste(ctx(t), slot.Clipboard, "")
	assert.ErrorIs(t, err, loop.ErrClosed)
}
