package monitor

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"
	"time"

	assert "github.com/stretchr/testify/assert"
	require "github.com/stretchr/testify/require"

	"go.klb.dev/interchange/internal/loop"
	"go.klb.dev/interchange/internal/slot"
)

// prober answers probes from stamps, or holds them when hold is set.
type prober struct {
	stamps [slot.Count]uint64
	err    error
	hold   bool
	held   []func(uint64, error)
	calls  [slot.Count]int
}

func (p *prober) ProbeOwnership(id slot.ID, reply func(uint64, error)) {
	p.calls[id]++
	if p.hold {
		p.held = append(p.held, reply)
		return
	}
	reply(p.stamps[id], p.err)
}

type recorder struct{ got []slot.ID }

func (r *recorder) fire(id slot.ID) { r.got = append(r.got, id) }

func newPoll(p *prober) (*Monitor, *loop.Manual, *recorder) {
	m := loop.NewManual()
	r := &recorder{}
	return NewPoll(nil, p, m, 500*time.Millisecond, 2*time.Second, r.fire), m, r
}

func TestPoll_FirstObservationSeeds(t *testing.T) {
	p := &prober{stamps: [slot.Count]uint64{10, 20}}
	mon, sched, rec := newPoll(p)

	mon.InterestChanged(true)
	assert.Equal(t, Polling, mon.State())
	sched.Advance(2 * time.Second)
	assert.Empty(t, rec.got, "unchanged stamps never fire")
	assert.Greater(t, p.calls[slot.Clipboard], 1)
}

func TestPoll_DistinctStampFires(t *testing.T) {
	p := &prober{stamps: [slot.Count]uint64{10, 20}}
	mon, sched, rec := newPoll(p)
	mon.InterestChanged(true)

	p.stamps[slot.Clipboard] = 21
	sched.Advance(500 * time.Millisecond)
	assert.Equal(t, []slot.ID{slot.Clipboard}, rec.got)

	sched.Advance(time.Second)
	assert.Equal(t, []slot.ID{slot.Clipboard}, rec.got, "fires once per change")
}

func TestPoll_IdleHasNoTimers(t *testing.T) {
	p := &prober{}
	mon, sched, _ := newPoll(p)
	assert.Equal(t, Idle, mon.State())
	assert.Equal(t, 0, sched.Pending())

	mon.InterestChanged(true)
	mon.InterestChanged(false)
	assert.Equal(t, Idle, mon.State())
	assert.Equal(t, 0, sched.Pending())

	before := p.calls
	sched.Advance(10 * time.Second)
	assert.Equal(t, before, p.calls)
}

func TestPoll_HaltResetsBaseline(t *testing.T) {
	p := &prober{stamps: [slot.Count]uint64{1, 1}}
	mon, sched, rec := newPoll(p)
	mon.InterestChanged(true)
	mon.InterestChanged(false)

	p.stamps = [slot.Count]uint64{2, 2}
	mon.InterestChanged(true)
	sched.Advance(time.Second)
	assert.Empty(t, rec.got, "reactivation seeds afresh")
}

func TestPoll_OneOutstandingProbePerSlot(t *testing.T) {
	p := &prober{hold: true}
	mon, _, _ := newPoll(p)
	mon.InterestChanged(true)
	require.Len(t, p.held, 2)

	mon.PollTick()
	mon.PollTick()
	assert.Len(t, p.held, 2)
	assert.Equal(t, 1, p.calls[slot.Primary])
}

func TestPoll_UnansweredProbeIsAbandoned(t *testing.T) {
	p := &prober{hold: true}
	mon, sched, rec := newPoll(p)
	mon.InterestChanged(true)
	require.Len(t, p.held, 2)

	sched.Advance(2 * time.Second)
	assert.Equal(t, 2, p.calls[slot.Clipboard], "retried after the probe timeout")

	// The abandoned reply arrives late and is ignored.
	p.held[0](99, nil)
	p.held[1](99, nil)
	assert.Empty(t, rec.got)
}

func TestPoll_StaleReplyAfterHaltIgnored(t *testing.T) {
	p := &prober{hold: true}
	mon, _, rec := newPoll(p)
	mon.InterestChanged(true)
	held := p.held
	mon.InterestChanged(false)

	p.held = nil
	p.hold = false
	p.stamps = [slot.Count]uint64{5, 5}
	mon.InterestChanged(true)

	for _, reply := range held {
		reply(6, nil)
	}
	assert.Empty(t, rec.got)
}

func TestPoll_ErrorsKeepBaseline(t *testing.T) {
	p := &prober{stamps: [slot.Count]uint64{1, 1}}
	mon, sched, rec := newPoll(p)
	mon.InterestChanged(true)

	p.err = errors.New("no reply")
	p.stamps[slot.Primary] = 7
	sched.Advance(time.Second)
	assert.Empty(t, rec.got)

	p.err = nil
	sched.Advance(500 * time.Millisecond)
	assert.Equal(t, []slot.ID{slot.Primary}, rec.got)
}

func TestPush_Dedupes(t *testing.T) {
	rec := &recorder{}
	mon := NewPush(nil, rec.fire)
	mon.InterestChanged(true)
	assert.Equal(t, Push, mon.Mode())
	assert.Equal(t, Idle, mon.State())

	mon.Push(slot.Clipboard, 1)
	mon.Push(slot.Clipboard, 1)
	mon.Push(slot.Primary, 1)
	mon.Push(slot.Clipboard, 2)
	mon.Push(slot.Clipboard, 1)
	assert.Equal(t, []slot.ID{slot.Clipboard, slot.Primary, slot.Clipboard, slot.Clipboard}, rec.got)
}

func TestPush_SilentWithoutWatchers(t *testing.T) {
	rec := &recorder{}
	mon := NewPush(nil, rec.fire)
	mon.Push(slot.Clipboard, 1)
	mon.InterestChanged(true)
	mon.Push(slot.Clipboard, 1)
	assert.Empty(t, rec.got)
	mon.Push(slot.Clipboard, 2)
	assert.Equal(t, []slot.ID{slot.Clipboard}, rec.got)
}

func TestPoll_LogsToGivenLogger(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	m := loop.NewManual()
	mon := NewPoll(log, &prober{hold: true}, m, 500*time.Millisecond, time.Second, func(slot.ID) {})

	mon.InterestChanged(true)
	m.Advance(time.Second)
	out := buf.String()
	assert.Contains(t, out, "ownership probe timed out")
	assert.Contains(t, out, "component=monitor")
	assert.Contains(t, out, "mode=poll")
}

func TestPush_LogsToGivenLogger(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	mon := NewPush(log, func(slot.ID) {})
	mon.InterestChanged(true)
	mon.Push(slot.Primary, 7)
	assert.Contains(t, buf.String(), "mode=push")
	assert.Contains(t, buf.String(), "token=7")
}
