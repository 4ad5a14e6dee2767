// Package monitor detects clipboard ownership changes made by other
// processes and raises one de-duplicated change signal per slot.
//
// Transports that announce ownership changes themselves use push mode. The
// rest are polled: while anybody is watching, the monitor periodically asks
// the transport for each slot's ownership timestamp and fires when it moves.
package monitor

import (
	"log/slog"
	"time"

	"go.klb.dev/interchange/internal/loop"
	"go.klb.dev/interchange/internal/slot"
)

// Mode selects how changes are detected.
type Mode int

const (
	Push Mode = iota
	Poll
)

func (m Mode) String() string {
	if m == Push {
		return "push"
	}
	return "poll"
}

// State is the poll-mode activity state. Push monitors are always Idle.
type State int

const (
	Idle State = iota
	Polling
)

func (s State) String() string {
	if s == Polling {
		return "polling"
	}
	return "idle"
}

// Prober asks the transport who owns a slot. reply receives an opaque stamp
// that changes whenever ownership does; it may be called synchronously.
type Prober interface {
	ProbeOwnership(id slot.ID, reply func(stamp uint64, err error))
}

// Monitor runs on the loop; none of its methods are safe for concurrent use.
type Monitor struct {
	mode     Mode
	onChange func(slot.ID)
	log      *slog.Logger

	watching bool

	// push
	last    [slot.Count]uint64
	lastSet [slot.Count]bool

	// poll
	prober   Prober
	sched    loop.Scheduler
	interval time.Duration
	timeout  time.Duration
	state    State
	tick     loop.Timer
	seq      uint64
	pending  [slot.Count]uint64
	deadline [slot.Count]loop.Timer
	baseline [slot.Count]uint64
	seeded   [slot.Count]bool
}

// NewPush returns a monitor for transports that deliver ownership events.
// A nil log means slog.Default.
func NewPush(log *slog.Logger, onChange func(slot.ID)) *Monitor {
	return &Monitor{
		mode:     Push,
		onChange: onChange,
		log:      logger(log, Push),
	}
}

// NewPoll returns a monitor that probes prober every interval while watched.
// A probe left unanswered for timeout is abandoned so the next tick can retry.
func NewPoll(log *slog.Logger, prober Prober, sched loop.Scheduler, interval, timeout time.Duration, onChange func(slot.ID)) *Monitor {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Monitor{
		mode:     Poll,
		onChange: onChange,
		log:      logger(log, Poll),
		prober:   prober,
		sched:    sched,
		interval: interval,
		timeout:  timeout,
	}
}

func logger(log *slog.Logger, mode Mode) *slog.Logger {
	if log == nil {
		log = slog.Default()
	}
	return log.With("component", "monitor", "mode", mode.String())
}

// Mode returns the detection mode.
func (m *Monitor) Mode() Mode { return m.mode }

// State returns Polling while a poll monitor has watchers.
func (m *Monitor) State() State { return m.state }

// Watching reports the last interest value.
func (m *Monitor) Watching() bool { return m.watching }

// InterestChanged starts or stops change detection. Polling starts with an
// immediate probe that only seeds the baselines.
func (m *Monitor) InterestChanged(watchers bool) {
	if watchers == m.watching {
		return
	}
	m.watching = watchers
	if m.mode != Poll {
		return
	}
	if watchers {
		m.state = Polling
		m.log.Debug("polling started", "interval", m.interval)
		m.PollTick()
		m.arm()
		return
	}
	m.halt()
}

func (m *Monitor) arm() {
	m.tick = m.sched.AfterFunc(m.interval, func() {
		if m.state != Polling {
			return
		}
		m.PollTick()
		m.arm()
	})
}

// halt drops the tick timer, forgets the baselines and invalidates probes in
// flight so their replies are ignored.
func (m *Monitor) halt() {
	m.state = Idle
	if m.tick != nil {
		m.tick.Stop()
		m.tick = nil
	}
	for i := range m.pending {
		m.pending[i] = 0
		if m.deadline[i] != nil {
			m.deadline[i].Stop()
			m.deadline[i] = nil
		}
		m.seeded[i] = false
		m.baseline[i] = 0
	}
	m.log.Debug("polling stopped")
}

// PollTick probes every slot that has no probe outstanding.
func (m *Monitor) PollTick() {
	if m.mode != Poll || m.state != Polling {
		return
	}
	for _, id := range slot.All {
		if m.pending[id] != 0 {
			continue
		}
		m.probe(id)
	}
}

func (m *Monitor) probe(id slot.ID) {
	m.seq++
	seq := m.seq
	m.pending[id] = seq
	if m.timeout > 0 {
		m.deadline[id] = m.sched.AfterFunc(m.timeout, func() {
			if m.pending[id] != seq {
				return
			}
			m.pending[id] = 0
			m.deadline[id] = nil
			m.log.Warn("ownership probe timed out", "slot", id, "timeout", m.timeout)
		})
	}
	m.prober.ProbeOwnership(id, func(stamp uint64, err error) {
		m.reply(id, seq, stamp, err)
	})
}

func (m *Monitor) reply(id slot.ID, seq, stamp uint64, err error) {
	if m.pending[id] != seq {
		return
	}
	m.pending[id] = 0
	if m.deadline[id] != nil {
		m.deadline[id].Stop()
		m.deadline[id] = nil
	}
	if err != nil {
		m.log.Debug("ownership probe failed", "slot", id, "err", err)
		return
	}
	if !m.seeded[id] {
		m.seeded[id] = true
		m.baseline[id] = stamp
		return
	}
	if stamp == m.baseline[id] {
		return
	}
	m.baseline[id] = stamp
	m.log.Info("clipboard changed", "slot", id)
	m.onChange(id)
}

// Push records an ownership event from the transport. Repeats of the same
// token are dropped; nothing is forwarded while nobody is watching.
func (m *Monitor) Push(id slot.ID, token uint64) {
	if !id.Valid() {
		return
	}
	if m.lastSet[id] && m.last[id] == token {
		return
	}
	m.last[id] = token
	m.lastSet[id] = true
	if !m.watching {
		return
	}
	m.log.Debug("clipboard changed", "slot", id, "token", token)
	m.onChange(id)
}
