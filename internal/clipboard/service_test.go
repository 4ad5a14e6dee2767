package clipboard

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	assert "github.com/stretchr/testify/assert"
	require "github.com/stretchr/testify/require"

	"go.klb.dev/interchange/internal/bitmap"
	"go.klb.dev/interchange/internal/drag"
	"go.klb.dev/interchange/internal/format"
	"go.klb.dev/interchange/internal/loop"
	"go.klb.dev/interchange/internal/slot"
	"go.klb.dev/interchange/internal/transfer"
	"go.klb.dev/interchange/internal/transport"
	"go.klb.dev/interchange/internal/transport/transporttest"
)

type collaborator struct {
	pastes   []PasteResult
	dropData []byte
	dropErr  error
	leaves   int
}

func (c *collaborator) OnPaste(_ slot.ID, res PasteResult) { c.pastes = append(c.pastes, res) }
func (c *collaborator) OnDragEnter(drag.Point) bool        { return true }
func (c *collaborator) OnDragMove(drag.Point) bool         { return true }
func (c *collaborator) OnDrop(drag.Point) bool             { return true }
func (c *collaborator) OnDragLeave()                       { c.leaves++ }

func (c *collaborator) OnDropData(_ format.Tag, data []byte, err error) {
	c.dropData, c.dropErr = data, err
}

type fixture struct {
	sched *loop.Manual
	tr    *transporttest.Transport
	col   *collaborator
	svc   *Service
}

func newFixture(t *testing.T, mutate ...func(*transporttest.Transport, *Options)) *fixture {
	t.Helper()
	f := &fixture{sched: loop.NewManual(), col: &collaborator{}}
	f.tr = transporttest.New(f.sched)
	opts := Options{Collaborator: f.col}
	for _, m := range mutate {
		m(f.tr, &opts)
	}
	f.svc = New(f.sched, f.tr, opts)
	return f
}

func result(t *testing.T, fut *loop.Future[PasteResult]) (PasteResult, error) {
	t.Helper()
	require.True(t, fut.Ready(), "paste still pending")
	return fut.Result()
}

func TestPublishThenPasteIsSynchronous(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.Publish(slot.Clipboard, format.PlainText, []byte("hello")))

	res, err := result(t, f.svc.RequestPaste(slot.Clipboard, format.PlainText))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(res.Data))
	assert.Equal(t, format.PlainText, res.Kind)
	assert.True(t, res.Local)

	require.Len(t, f.tr.Claims, 1)
	assert.Equal(t, []format.Tag{format.PlainText, format.Utf8Text}, f.tr.Claims[0].Offered)
	require.Len(t, f.col.pastes, 1)
}

func TestSecondPublishWins(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.Publish(slot.Clipboard, format.Utf8Text, []byte("first")))
	require.NoError(t, f.svc.Publish(slot.Clipboard, format.Utf8Text, []byte("second")))

	res, err := result(t, f.svc.RequestPaste(slot.Clipboard, format.Utf8Text))
	require.NoError(t, err)
	assert.Equal(t, "second", string(res.Data))
}

func TestPublishIsolatesCallerBuffer(t *testing.T) {
	f := newFixture(t)
	buf := []byte("hello")
	require.NoError(t, f.svc.Publish(slot.Clipboard, format.PlainText, buf))
	buf[0] = 'j'
	res, _ := result(t, f.svc.RequestPaste(slot.Clipboard, format.PlainText))
	assert.Equal(t, "hello", string(res.Data))
}

func TestPublishBothFansOutInOrder(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.Publish(slot.Both, format.Utf8Text, []byte("x")))
	require.Len(t, f.tr.Claims, 2)
	assert.Equal(t, slot.Clipboard, f.tr.Claims[0].ID)
	assert.Equal(t, slot.Primary, f.tr.Claims[1].ID)

	for _, id := range []slot.ID{slot.Primary, slot.Clipboard, slot.Both} {
		res, err := result(t, f.svc.RequestPaste(id, format.Utf8Text))
		require.NoError(t, err)
		assert.Equal(t, "x", string(res.Data), id.String())
	}
}

func TestClaimFailureKeepsLocalOwnership(t *testing.T) {
	boom := errors.New("no window")
	f := newFixture(t, func(tr *transporttest.Transport, _ *Options) { tr.ClaimErr = boom })
	err := f.svc.Publish(slot.Primary, format.PlainText, []byte("still mine"))
	assert.ErrorIs(t, err, boom)

	res, err := result(t, f.svc.RequestPaste(slot.Primary, format.PlainText))
	require.NoError(t, err)
	assert.Equal(t, "still mine", string(res.Data))
}

func TestLocalPasteConvertsWithinFamily(t *testing.T) {
	f := newFixture(t)
	rgb := []byte{1, 2, 3, 4, 5, 6}
	bmp, err := bitmap.Encode(rgb, 2, 1)
	require.NoError(t, err)
	require.NoError(t, f.svc.Publish(slot.Clipboard, format.Bitmap, bmp))

	res, err := result(t, f.svc.RequestPaste(slot.Clipboard, format.Png))
	require.NoError(t, err)
	assert.Equal(t, format.Png, res.Kind)
	require.NotNil(t, res.Image)
	assert.Equal(t, rgb, res.Image.RGB)
	assert.Equal(t, uint32(2), res.Image.Width)
}

func TestRemotePaste(t *testing.T) {
	f := newFixture(t)
	f.tr.SetRemote(slot.Clipboard, []format.Tag{format.PlainText, format.Utf8Text}, map[format.Tag][]byte{
		format.PlainText: []byte("plain"),
		format.Utf8Text:  []byte("utf8 ✓"),
	})

	fut := f.svc.RequestPaste(slot.Clipboard, format.Utf8Text)
	assert.False(t, fut.Ready())
	f.sched.Drain()

	res, err := result(t, fut)
	require.NoError(t, err)
	assert.Equal(t, format.Utf8Text, res.Kind)
	assert.Equal(t, "utf8 ✓", string(res.Data))
	assert.False(t, res.Local)
	assert.Equal(t, 0, f.svc.Status().Reads)
}

func TestRemoteIncrementalPasteGrows(t *testing.T) {
	f := newFixture(t, func(tr *transporttest.Transport, o *Options) {
		tr.ChunkSize = 1000
		o.Limits = transfer.Limits{MinAlloc: 64, MaxInitialAlloc: 128, GrowIncrement: 64, Ceiling: 1 << 20, ChunkTimeout: time.Second, MaxDuration: time.Minute}
	})
	payload := bytes.Repeat([]byte("0123456789abcdef"), 1000)
	f.tr.SetRemote(slot.Primary, []format.Tag{format.Utf8Text}, map[format.Tag][]byte{format.Utf8Text: payload})

	fut := f.svc.RequestPaste(slot.Primary, format.Utf8Text)
	f.sched.Drain()
	res, err := result(t, fut)
	require.NoError(t, err)
	assert.Equal(t, payload, res.Data)
}

func TestRemoteOverflowIsAnError(t *testing.T) {
	f := newFixture(t, func(tr *transporttest.Transport, o *Options) {
		tr.ChunkSize = 10
		o.Limits = transfer.Limits{MinAlloc: 8, MaxInitialAlloc: 8, GrowIncrement: 8, Ceiling: 50, ChunkTimeout: time.Second, MaxDuration: time.Minute}
	})
	f.tr.SetRemote(slot.Clipboard, []format.Tag{format.PlainText}, map[format.Tag][]byte{format.PlainText: make([]byte, 100)})

	fut := f.svc.RequestPaste(slot.Clipboard, format.PlainText)
	f.sched.Drain()
	_, err := result(t, fut)
	assert.ErrorIs(t, err, transfer.ErrOverflow)
}

func TestEmptyClipboardIsNotAnError(t *testing.T) {
	f := newFixture(t)
	fut := f.svc.RequestPaste(slot.Clipboard, format.PlainText)
	f.sched.Drain()
	res, err := result(t, fut)
	require.NoError(t, err)
	assert.True(t, res.Empty())
	assert.Empty(t, f.col.pastes)
}

func TestNegotiationFallsBackToDefault(t *testing.T) {
	f := newFixture(t)
	f.tr.SetRemote(slot.Clipboard, []format.Tag{"application/x-foo"}, map[format.Tag][]byte{"application/x-foo": []byte("?")})

	fut := f.svc.RequestPaste(slot.Clipboard, format.Png)
	f.sched.Drain()
	res, err := result(t, fut)
	require.NoError(t, err, "refused fallback conversion is a no-op")
	assert.True(t, res.Empty())
	assert.Equal(t, format.PlainText, res.Kind)
}

func TestRemoteImageIsDecoded(t *testing.T) {
	f := newFixture(t)
	rgb := []byte{9, 8, 7, 6, 5, 4, 3, 2, 1, 0, 0, 0}
	bmp, err := bitmap.Encode(rgb, 2, 2)
	require.NoError(t, err)
	f.tr.SetRemote(slot.Clipboard, []format.Tag{format.Bitmap}, map[format.Tag][]byte{format.Bitmap: bmp})

	fut := f.svc.RequestPaste(slot.Clipboard, format.Png)
	f.sched.Drain()
	res, err := result(t, fut)
	require.NoError(t, err)
	assert.Equal(t, format.Png, res.Kind, "converted to the requested encoding")
	require.NotNil(t, res.Image)
	assert.Equal(t, rgb, res.Image.RGB)
	assert.Equal(t, uint32(2), res.Image.Height)
}

func TestMalformedImageSurfacesCodecError(t *testing.T) {
	f := newFixture(t)
	f.tr.SetRemote(slot.Clipboard, []format.Tag{format.Bitmap}, map[format.Tag][]byte{format.Bitmap: []byte("BMnope")})

	fut := f.svc.RequestPaste(slot.Clipboard, format.Bitmap)
	f.sched.Drain()
	res, err := result(t, fut)
	assert.ErrorIs(t, err, bitmap.ErrCodec)
	assert.Nil(t, res.Image)
	assert.Empty(t, f.col.pastes)
}

func TestPublishSupersedesInflightRead(t *testing.T) {
	f := newFixture(t, func(tr *transporttest.Transport, _ *Options) { tr.Hold = true })
	f.tr.SetRemote(slot.Clipboard, []format.Tag{format.PlainText}, map[format.Tag][]byte{format.PlainText: []byte("theirs")})

	fut := f.svc.RequestPaste(slot.Clipboard, format.PlainText)
	f.sched.Drain()
	require.Len(t, f.tr.Streams, 1)
	f.tr.Streams[0].Push(transfer.Chunk([]byte("the")))
	assert.False(t, fut.Ready())

	require.NoError(t, f.svc.Publish(slot.Clipboard, format.PlainText, []byte("mine")))
	res, err := result(t, fut)
	require.NoError(t, err)
	assert.Equal(t, "mine", string(res.Data))
	assert.True(t, res.Local)

	f.tr.Streams[0].Push(transfer.Chunk([]byte("irs")))
	f.tr.Streams[0].Push(transfer.End())
	res, _ = fut.Result()
	assert.Equal(t, "mine", string(res.Data))
}

func TestStalledReadTimesOut(t *testing.T) {
	f := newFixture(t, func(tr *transporttest.Transport, _ *Options) { tr.Hold = true })
	f.tr.SetRemote(slot.Clipboard, []format.Tag{format.PlainText}, nil)

	fut := f.svc.RequestPaste(slot.Clipboard, format.PlainText)
	f.sched.Drain()
	f.tr.Streams[0].Push(transfer.Chunk([]byte("part")))

	f.sched.Advance(6 * time.Second)
	res, err := result(t, fut)
	assert.ErrorIs(t, err, transfer.ErrTimedOut)
	assert.True(t, res.Empty(), "partial data discarded")
}

func TestStalledReadKeepsPartial(t *testing.T) {
	f := newFixture(t, func(tr *transporttest.Transport, o *Options) {
		tr.Hold = true
		o.KeepPartial = true
	})
	f.tr.SetRemote(slot.Clipboard, []format.Tag{format.PlainText}, nil)

	fut := f.svc.RequestPaste(slot.Clipboard, format.PlainText)
	f.sched.Drain()
	f.tr.Streams[0].Push(transfer.Chunk([]byte("part")))

	f.sched.Advance(6 * time.Second)
	res, err := result(t, fut)
	require.NoError(t, err)
	assert.True(t, res.Partial)
	assert.Equal(t, "part", string(res.Data))
}

func TestOwnershipLostFallsBackToTransport(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.Publish(slot.Clipboard, format.PlainText, []byte("mine")))
	f.tr.SetRemote(slot.Clipboard, []format.Tag{format.PlainText}, map[format.Tag][]byte{format.PlainText: []byte("theirs")})

	fut := f.svc.RequestPaste(slot.Clipboard, format.PlainText)
	assert.False(t, fut.Ready(), "stale buffer is never served")
	f.sched.Drain()
	res, err := result(t, fut)
	require.NoError(t, err)
	assert.Equal(t, "theirs", string(res.Data))
}

func TestHandlerServesOwnedSlots(t *testing.T) {
	f := newFixture(t)
	assert.Nil(t, f.svc.Offered(slot.Clipboard))
	require.NoError(t, f.svc.Publish(slot.Clipboard, format.UriList, []byte("file:///a\r\n")))
	assert.Equal(t, []format.Tag{format.UriList, format.Utf8Text, format.PlainText}, f.svc.Offered(slot.Clipboard))

	b, ok := f.svc.Provide(slot.Clipboard, format.PlainText)
	assert.True(t, ok)
	assert.Equal(t, "file:///a\r\n", string(b))

	_, ok = f.svc.Provide(slot.Clipboard, format.Png)
	assert.False(t, ok)
	_, ok = f.svc.Provide(slot.Primary, format.PlainText)
	assert.False(t, ok)
}

func TestWatchersPollMode(t *testing.T) {
	f := newFixture(t)
	var got []slot.ID
	unsub := f.svc.Subscribe(func(id slot.ID) { got = append(got, id) })
	f.sched.Drain()
	assert.Equal(t, 1, f.svc.Status().Watchers)
	assert.Equal(t, "poll", f.svc.Status().Ownership)

	f.tr.SetRemote(slot.Clipboard, []format.Tag{format.PlainText}, nil)
	f.sched.Advance(500 * time.Millisecond)
	assert.Equal(t, []slot.ID{slot.Clipboard}, got)

	unsub()
	unsub()
	probes := f.tr.Probes
	f.tr.SetRemote(slot.Clipboard, []format.Tag{format.PlainText}, nil)
	f.sched.Advance(5 * time.Second)
	assert.Equal(t, probes, f.tr.Probes, "no polling without watchers")
	assert.Len(t, got, 1)
}

func TestWatchersPushMode(t *testing.T) {
	f := newFixture(t, func(tr *transporttest.Transport, _ *Options) { tr.Push = true })
	var got []slot.ID
	f.svc.Subscribe(func(id slot.ID) { got = append(got, id) })
	assert.Equal(t, "push", f.svc.Status().Ownership)

	f.tr.SetRemote(slot.Primary, []format.Tag{format.PlainText}, nil)
	assert.Equal(t, []slot.ID{slot.Primary}, got)
	assert.Equal(t, 0, f.tr.Probes)
}

func TestDropIsDelivered(t *testing.T) {
	f := newFixture(t)
	f.tr.SetDrop(5, map[format.Tag][]byte{format.Utf8Text: []byte("dropped")})
	dh := f.tr.DragHandler()
	require.NotNil(t, dh)

	dh.DragEnter(5, []format.Tag{format.PlainText, format.Utf8Text})
	dh.DragPosition(5, drag.Point{X: 3, Y: 4})
	f.sched.Drain()
	assert.Equal(t, []transporttest.Status{{Peer: 5, Accept: true, Kind: format.Utf8Text}}, f.tr.Statuses)

	dh.DragDrop(5)
	f.sched.Drain()
	assert.Equal(t, "dropped", string(f.col.dropData))
	assert.Equal(t, []transporttest.Finish{{Peer: 5, Success: true, Action: drag.ActionCopy}}, f.tr.Finishes)
}

func TestBeginDrag(t *testing.T) {
	f := newFixture(t)
	s, err := f.svc.BeginDrag(format.Utf8Text, []byte("drag me"))
	require.NoError(t, err)
	require.Len(t, f.tr.Started, 1)
	assert.Equal(t, []format.Tag{format.Utf8Text, format.PlainText}, f.tr.Started[0])

	_, err = f.svc.BeginDrag(format.Utf8Text, []byte("again"))
	assert.ErrorIs(t, err, drag.ErrSessionActive)

	dh := f.tr.DragHandler()
	b, ok := dh.ProvideDrag(s.Peer, format.PlainText)
	assert.True(t, ok)
	assert.Equal(t, "drag me", string(b))

	dh.DragFinished(s.Peer, true, drag.ActionCopy)
	select {
	case <-s.Done():
	default:
		t.Fatal("session not done")
	}
	assert.Equal(t, drag.Finished, s.State)
}

func TestCloseFailsInflightReads(t *testing.T) {
	f := newFixture(t, func(tr *transporttest.Transport, _ *Options) { tr.Hold = true })
	f.tr.SetRemote(slot.Clipboard, []format.Tag{format.PlainText}, nil)
	fut := f.svc.RequestPaste(slot.Clipboard, format.PlainText)
	f.sched.Drain()

	require.NoError(t, f.svc.Close())
	_, err := fut.Wait(context.Background())
	assert.ErrorIs(t, err, transfer.ErrClosed)
	assert.True(t, f.tr.Closed)

	assert.Error(t, f.svc.Publish(slot.Clipboard, format.PlainText, []byte("x")))
}

func TestNoTransportServesOnlyLocal(t *testing.T) {
	sched := loop.NewManual()
	svc := New(sched, nil, Options{})
	res, err := result(t, svc.RequestPaste(slot.Clipboard, format.PlainText))
	require.NoError(t, err)
	assert.True(t, res.Empty())

	require.NoError(t, svc.Publish(slot.Clipboard, format.PlainText, []byte("solo")))
	res, err = result(t, svc.RequestPaste(slot.Clipboard, ""))
	require.NoError(t, err)
	assert.Equal(t, "solo", string(res.Data))

	_, err = svc.BeginDrag(format.PlainText, nil)
	assert.ErrorIs(t, err, drag.ErrUnsupported)
	assert.Equal(t, "none", svc.Status().Transport)
}

var _ transport.ClipboardTransport = (*transporttest.Transport)(nil)

func TestTargets(t *testing.T) {
	f := newFixture(t)
	f.tr.SetRemote(slot.Primary, []format.Tag{format.Png, format.Bitmap}, nil)
	fut := f.svc.Targets(slot.Primary)
	assert.False(t, fut.Ready())
	f.sched.Drain()
	got, err := fut.Result()
	require.NoError(t, err)
	assert.Equal(t, []format.Tag{format.Png, format.Bitmap}, got)

	require.NoError(t, f.svc.Publish(slot.Clipboard, format.PlainText, []byte("x")))
	fut = f.svc.Targets(slot.Both)
	require.True(t, fut.Ready(), "owned slots answer locally")
	got, _ = fut.Result()
	assert.Equal(t, []format.Tag{format.PlainText, format.Utf8Text}, got)
}

func TestTargets_QueryError(t *testing.T) {
	f := newFixture(t)
	f.tr.QueryErr = transport.ErrBusy
	fut := f.svc.Targets(slot.Clipboard)
	f.sched.Drain()
	_, err := fut.Result()
	assert.ErrorIs(t, err, transport.ErrBusy)
}
