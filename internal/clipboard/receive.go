package clipboard

import (
	"errors"
	"time"

	"go.klb.dev/interchange/internal/format"
	"go.klb.dev/interchange/internal/loop"
	"go.klb.dev/interchange/internal/transfer"
	"go.klb.dev/interchange/internal/transport"
)

// receiver drains one stream into a transfer.Request. A watchdog timer feeds
// Timeout events so a silent peer cannot stall the transfer past its limits.
type receiver struct {
	s     *Service
	st    transport.Stream
	req   *transfer.Request
	timer loop.Timer
	done  func(data []byte, partial bool, err error)
	over  bool
}

func (s *Service) receive(st transport.Stream, kind format.Tag, done func([]byte, bool, error)) *receiver {
	rc := &receiver{s: s, st: st, done: done}
	hint, incremental := st.Hint()
	req, err := transfer.NewRequest(kind, hint, s.opts.Limits, s.sched.Now())
	if err != nil {
		rc.over = true
		st.Close()
		done(nil, false, err)
		return rc
	}
	rc.req = req
	s.log.Debug("receiving", "format", kind, "hint", hint, "incremental", incremental)
	rc.arm()
	st.Next(rc.next)
	return rc
}

// watchdogPeriod bounds how late an expired transfer is noticed: at most one
// period after its limit.
func (rc *receiver) watchdogPeriod() time.Duration {
	l := rc.s.opts.Limits
	if l.ChunkTimeout > 0 {
		return l.ChunkTimeout
	}
	return l.MaxDuration
}

func (rc *receiver) arm() {
	d := rc.watchdogPeriod()
	if d <= 0 || rc.over {
		return
	}
	rc.timer = rc.s.sched.AfterFunc(d, func() {
		if rc.over {
			return
		}
		if rc.req.Feed(transfer.Timeout(), rc.s.sched.Now()) {
			rc.finish()
			return
		}
		rc.arm()
	})
}

func (rc *receiver) next(ev transfer.Event) {
	if rc.over {
		return
	}
	if rc.req.Feed(ev, rc.s.sched.Now()) {
		rc.finish()
		return
	}
	rc.st.Next(rc.next)
}

func (rc *receiver) finish() {
	rc.over = true
	if rc.timer != nil {
		rc.timer.Stop()
	}
	err := rc.req.Err()
	if err == nil {
		err = rc.st.Err()
	}
	rc.st.Close()
	data := rc.req.Bytes()
	switch {
	case err == nil:
		rc.s.log.Debug("received", "format", rc.req.Kind, "bytes", len(data))
		rc.done(data, false, nil)
	case errors.Is(err, transfer.ErrTimedOut) && rc.s.opts.KeepPartial && len(data) > 0:
		rc.s.log.Warn("transfer timed out, keeping partial data", "format", rc.req.Kind, "bytes", len(data))
		rc.done(data, true, nil)
	default:
		rc.done(nil, false, err)
	}
}

// cancel abandons the transfer without calling done.
func (rc *receiver) cancel() {
	if rc.over {
		return
	}
	rc.over = true
	if rc.timer != nil {
		rc.timer.Stop()
	}
	rc.st.Close()
}
