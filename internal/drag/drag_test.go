package drag

import (
	"context"
	"errors"
	"testing"
	"time"

	assert "github.com/stretchr/testify/assert"
	require "github.com/stretchr/testify/require"

	"go.klb.dev/interchange/internal/format"
	"go.klb.dev/interchange/internal/loop"
)

type target struct {
	accept bool
	drop   bool
	moves  []Point
	enters int
	leaves int
	data   []byte
	err    error
	got    bool
}

func (t *target) OnDragEnter(p Point) bool {
	t.enters++
	return t.OnDragMove(p)
}

func (t *target) OnDragMove(p Point) bool {
	t.moves = append(t.moves, p)
	return t.accept
}

func (t *target) OnDrop(Point) bool { return t.drop }
func (t *target) OnDragLeave()      { t.leaves++ }

func (t *target) OnDropData(_ format.Tag, data []byte, err error) {
	t.data, t.err, t.got = data, err, true
}

type status struct {
	accept bool
	kind   format.Tag
}

type finish struct {
	success bool
	action  Action
}

type feedback struct {
	statuses []status
	finishes []finish
}

func (f *feedback) SendStatus(_ Handle, accept bool, kind format.Tag) {
	f.statuses = append(f.statuses, status{accept, kind})
}

func (f *feedback) FinishDrop(_ Handle, success bool, action Action) {
	f.finishes = append(f.finishes, finish{success, action})
}

type starter struct {
	err       error
	started   int
	cancelled []Handle
}

// StartDrag hands out 42, 43, ... so gestures are told apart.
func (s *starter) StartDrag([]format.Tag) (Handle, error) {
	if s.err != nil {
		return 0, s.err
	}
	h := Handle(42 + s.started)
	s.started++
	return h, nil
}

func (s *starter) CancelDrag(h Handle) { s.cancelled = append(s.cancelled, h) }

type fixture struct {
	sched *loop.Manual
	tgt   *target
	fb    *feedback
	st    *starter
	ended []*Session
	fetch func(Handle, format.Tag, func([]byte, error))
	m     *Manager
}

func newFixture() *fixture {
	f := &fixture{
		sched: loop.NewManual(),
		tgt:   &target{accept: true, drop: true},
		fb:    &feedback{},
		st:    &starter{},
	}
	f.fetch = func(_ Handle, kind format.Tag, reply func([]byte, error)) {
		reply([]byte("payload:"+string(kind)), nil)
	}
	f.m = NewManager(f.sched, Options{
		Target:   f.tgt,
		Feedback: f.fb,
		Starter:  f.st,
		Fetch:    func(p Handle, k format.Tag, r func([]byte, error)) { f.fetch(p, k, r) },
		OnEnd:    func(s *Session) { f.ended = append(f.ended, s) },
	})
	return f
}

func TestDestination_DropDeliversNegotiatedKind(t *testing.T) {
	f := newFixture()
	s := f.m.Enter(7, []format.Tag{format.PlainText, format.Utf8Text, "application/x-foo"})
	assert.Equal(t, Entered, s.State)
	assert.Equal(t, format.Utf8Text, s.Negotiated)

	f.m.Position(7, Point{1, 1})
	f.sched.Drain()
	assert.Equal(t, Positioning, s.State)
	assert.Equal(t, []status{{true, format.Utf8Text}}, f.fb.statuses)

	f.m.Drop(7)
	assert.True(t, f.tgt.got)
	assert.Equal(t, "payload:text/plain;charset=utf-8", string(f.tgt.data))
	assert.Equal(t, []finish{{true, ActionCopy}}, f.fb.finishes)

	require.Len(t, f.ended, 1)
	assert.Equal(t, Finished, s.State)
	assert.True(t, s.Result().Success)
	assert.Nil(t, f.m.Destination())
	select {
	case <-s.Done():
	default:
		t.Fatal("done not closed")
	}
}

func TestDestination_PositionsCoalesce(t *testing.T) {
	f := newFixture()
	f.m.Enter(7, []format.Tag{format.PlainText})
	f.m.Position(7, Point{1, 1})
	f.m.Position(7, Point{2, 2})
	f.m.Position(7, Point{3, 3})
	f.sched.Drain()
	assert.Equal(t, []Point{{3, 3}}, f.tgt.moves)
	assert.Len(t, f.fb.statuses, 1)

	f.m.Position(7, Point{4, 4})
	f.sched.Drain()
	assert.Equal(t, []Point{{3, 3}, {4, 4}}, f.tgt.moves)
	assert.Equal(t, 1, f.tgt.enters)
}

func TestDestination_DropFlushesPendingPosition(t *testing.T) {
	f := newFixture()
	s := f.m.Enter(7, []format.Tag{format.PlainText})
	f.m.Position(7, Point{5, 6})
	f.m.Drop(7)
	assert.Equal(t, Point{5, 6}, s.LastPoint)
	assert.Equal(t, Finished, s.State)

	f.sched.Drain()
	assert.Len(t, f.tgt.moves, 1, "queued flush is a no-op after drop")
}

func TestDestination_NoCommonFormatRefuses(t *testing.T) {
	f := newFixture()
	s := f.m.Enter(7, []format.Tag{"application/x-foo"})
	assert.False(t, s.HasKind)

	f.m.Position(7, Point{1, 1})
	f.sched.Drain()
	assert.Equal(t, []status{{false, ""}}, f.fb.statuses)

	f.m.Drop(7)
	assert.False(t, f.tgt.got)
	assert.Equal(t, []finish{{false, ActionNone}}, f.fb.finishes)
	assert.Equal(t, Cancelled, s.State)
	assert.Len(t, f.ended, 1)
}

func TestDestination_WidgetRefusalNotifiesSource(t *testing.T) {
	f := newFixture()
	f.tgt.drop = false
	s := f.m.Enter(7, []format.Tag{format.PlainText})
	f.m.Position(7, Point{1, 1})
	f.m.Drop(7)
	assert.Equal(t, Cancelled, s.State)
	assert.Equal(t, []finish{{false, ActionNone}}, f.fb.finishes)
	assert.Equal(t, 1, f.tgt.leaves)
}

func TestDestination_DropBeforeAnyPositionSkipsLeave(t *testing.T) {
	f := newFixture()
	s := f.m.Enter(7, []format.Tag{format.PlainText})
	f.m.Drop(7)
	assert.Equal(t, Cancelled, s.State)
	assert.Equal(t, []finish{{false, ActionNone}}, f.fb.finishes)
	assert.Zero(t, f.tgt.enters)
	assert.Zero(t, f.tgt.leaves, "the widget never saw an enter")
}

func TestDestination_LeaveEndsSession(t *testing.T) {
	f := newFixture()
	s := f.m.Enter(7, []format.Tag{format.PlainText})
	f.m.Position(7, Point{1, 1})
	f.sched.Drain()
	f.m.Leave(7)
	f.m.Leave(7)
	assert.Equal(t, Left, s.State)
	assert.Equal(t, 1, f.tgt.leaves)
	assert.Len(t, f.ended, 1)
}

func TestDestination_LeaveAfterDropIgnored(t *testing.T) {
	f := newFixture()
	var reply func([]byte, error)
	f.fetch = func(_ Handle, _ format.Tag, r func([]byte, error)) { reply = r }
	s := f.m.Enter(7, []format.Tag{format.PlainText})
	f.m.Position(7, Point{1, 1})
	f.m.Drop(7)
	assert.Equal(t, Dropped, s.State)

	f.m.Leave(7)
	assert.Equal(t, Dropped, s.State)

	reply([]byte("late"), nil)
	assert.Equal(t, Finished, s.State)
	assert.Equal(t, "late", string(f.tgt.data))
	assert.Len(t, f.ended, 1)
}

func TestDestination_FetchErrorStillFinishes(t *testing.T) {
	f := newFixture()
	boom := errors.New("timed out")
	f.fetch = func(_ Handle, _ format.Tag, r func([]byte, error)) { r(nil, boom) }
	s := f.m.Enter(7, []format.Tag{format.PlainText})
	f.m.Position(7, Point{1, 1})
	f.m.Drop(7)
	assert.Equal(t, Finished, s.State)
	assert.False(t, s.Result().Success)
	assert.ErrorIs(t, f.tgt.err, boom)
	assert.Equal(t, []finish{{false, ActionNone}}, f.fb.finishes)
}

func TestDestination_NewPeerLeavesOld(t *testing.T) {
	f := newFixture()
	a := f.m.Enter(7, []format.Tag{format.PlainText})
	b := f.m.Enter(8, []format.Tag{format.PlainText})
	assert.Equal(t, Left, a.State)
	assert.Equal(t, Entered, b.State)
	assert.Same(t, b, f.m.Destination())
}

func TestDestination_DropFromUnknownPeer(t *testing.T) {
	f := newFixture()
	f.m.Drop(9)
	assert.Equal(t, []finish{{false, ActionNone}}, f.fb.finishes)
	assert.Empty(t, f.ended)
}

func TestSource_FinishedFiresOnce(t *testing.T) {
	f := newFixture()
	s, err := f.m.Begin(format.Utf8Text, []byte("hi"), nil)
	require.NoError(t, err)
	assert.Equal(t, Armed, s.State)
	assert.Equal(t, Handle(42), s.Peer)

	f.m.Feedback(42, true, ActionCopy)
	assert.Equal(t, Dragging, s.State)
	f.m.Performed(42)
	assert.Equal(t, Dropped, s.State)

	f.m.Finished(42, true, ActionCopy)
	f.m.Finished(42, true, ActionCopy)
	f.m.Cancel()
	require.Len(t, f.ended, 1)
	assert.Equal(t, Finished, s.State)
	assert.Equal(t, ActionCopy, s.Result().Action)
	assert.Empty(t, f.st.cancelled)
}

func TestSource_FailureBeforeDropIsCancel(t *testing.T) {
	f := newFixture()
	s, err := f.m.Begin(format.PlainText, []byte("hi"), nil)
	require.NoError(t, err)
	f.m.Finished(42, false, ActionNone)
	assert.Equal(t, Cancelled, s.State)
	assert.Len(t, f.ended, 1)
}

func TestSource_SecondBeginRejected(t *testing.T) {
	f := newFixture()
	_, err := f.m.Begin(format.PlainText, []byte("a"), nil)
	require.NoError(t, err)
	_, err = f.m.Begin(format.PlainText, []byte("b"), nil)
	assert.ErrorIs(t, err, ErrSessionActive)

	f.m.Cancel()
	assert.Equal(t, []Handle{42}, f.st.cancelled)
	_, err = f.m.Begin(format.PlainText, []byte("c"), nil)
	assert.NoError(t, err)
}

func TestSource_StaleHandleIgnored(t *testing.T) {
	f := newFixture()
	old, err := f.m.Begin(format.PlainText, []byte("a"), nil)
	require.NoError(t, err)
	f.m.Cancel()
	assert.Equal(t, Cancelled, old.State)

	cur, err := f.m.Begin(format.PlainText, []byte("b"), nil)
	require.NoError(t, err)
	require.Equal(t, Handle(43), cur.Peer)

	f.m.Feedback(old.Peer, true, ActionMove)
	f.m.Performed(old.Peer)
	f.m.Finished(old.Peer, false, ActionNone)
	assert.Equal(t, Armed, cur.State)
	assert.False(t, cur.Accepted)
	assert.True(t, cur.Active())
	assert.Same(t, cur, f.m.Source())
	assert.Len(t, f.ended, 1)

	f.m.Finished(cur.Peer, false, ActionNone)
	assert.Equal(t, Cancelled, cur.State)
}

func TestPosition_PostsWithoutWaitingOnBusyLoop(t *testing.T) {
	l := loop.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Run(ctx) }()

	tgt := &target{accept: true}
	m := NewManager(l, Options{Target: tgt, Feedback: &feedback{}})
	done := make(chan struct{})
	require.True(t, l.Post(func() {
		// Bury the flush behind more work than any fixed queue would hold.
		for i := 0; i < 4096; i++ {
			l.Post(func() {})
		}
		m.Enter(7, []format.Tag{format.PlainText})
		m.Position(7, Point{3, 4})
		close(done)
	}))

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Position blocked the loop")
	}
	require.NoError(t, l.Call(ctx, func() {
		assert.Equal(t, []Point{{3, 4}}, tgt.moves)
	}))
}

func TestSource_StartFailure(t *testing.T) {
	f := newFixture()
	f.st.err = errors.New("no pointer grab")
	_, err := f.m.Begin(format.PlainText, []byte("a"), nil)
	assert.Error(t, err)
	assert.Nil(t, f.m.Source())
	assert.Empty(t, f.ended)
}

func TestSource_ProvideOfferedKinds(t *testing.T) {
	f := newFixture()
	_, err := f.m.Begin(format.UriList, []byte("file:///tmp/a\r\n"), nil)
	require.NoError(t, err)

	b, ok := f.m.Provide(42, format.UriList)
	assert.True(t, ok)
	assert.Equal(t, "file:///tmp/a\r\n", string(b))

	_, ok = f.m.Provide(42, format.PlainText)
	assert.True(t, ok)

	_, ok = f.m.Provide(42, format.Png)
	assert.False(t, ok)

	_, ok = f.m.Provide(3, format.UriList)
	assert.False(t, ok, "another gesture's handle")
}

func TestManager_CloseEndsEverything(t *testing.T) {
	f := newFixture()
	src, err := f.m.Begin(format.PlainText, []byte("a"), nil)
	require.NoError(t, err)
	dst := f.m.Enter(7, []format.Tag{format.PlainText})

	f.m.Close()
	assert.Equal(t, Cancelled, src.State)
	assert.Equal(t, Cancelled, dst.State)
	assert.Len(t, f.ended, 2)
}

func TestState_Terminal(t *testing.T) {
	for _, s := range []State{Finished, Cancelled, Left} {
		assert.True(t, s.Terminal(), s.String())
	}
	for _, s := range []State{Idle, Armed, Dragging, Entered, Positioning, Dropped} {
		assert.False(t, s.Terminal(), s.String())
	}
}
