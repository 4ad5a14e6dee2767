package wayland

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"go.klb.dev/interchange/internal/format"
	"go.klb.dev/interchange/internal/loop"
	"go.klb.dev/interchange/internal/transfer"
	"go.klb.dev/interchange/internal/transport"
	"go.klb.dev/interchange/internal/wlwire"
)

// retryDelay is how long a send waits after the pipe filled up.
const retryDelay = 10 * time.Millisecond

// pipeSend serves one send request on the write end the compositor passed
// us. The descriptor is non-blocking, so a full pipe parks the sender until
// the next retry instead of stalling the loop.
type pipeSend struct {
	fd       int
	s        *transfer.Sender
	timer    loop.Timer
	started  time.Time
	progress time.Time
}

func (t *Transport) startSend(fd int, kind format.Tag, data []byte) {
	if err := unix.SetNonblock(fd, true); err != nil {
		t.log.Warn("cannot serve send", "format", kind, "err", err)
		closeFD(fd)
		return
	}
	now := t.sched.Now()
	ps := &pipeSend{fd: fd, s: transfer.NewSender(kind, data, 0, false), started: now, progress: now}
	t.sends[ps] = struct{}{}
	t.log.Debug("send started", "format", kind, "size", len(data))
	t.pump(ps)
}

func (t *Transport) pump(ps *pipeSend) {
	if _, ok := t.sends[ps]; !ok {
		return
	}
	before := ps.s.Written()
	done, err := ps.s.Resume(fdWriter(ps.fd))
	switch {
	case err != nil:
		if errors.Is(err, unix.EPIPE) {
			t.log.Debug("reader closed the pipe", "format", ps.s.Kind, "written", ps.s.Written())
		} else {
			t.log.Warn("send failed", "format", ps.s.Kind, "err", err)
		}
		t.endSend(ps)
		return
	case done:
		t.log.Debug("send finished", "format", ps.s.Kind, "size", ps.s.Written())
		t.endSend(ps)
		return
	}
	now := t.sched.Now()
	if ps.s.Written() > before {
		ps.progress = now
	}
	if now.Sub(ps.progress) >= t.opts.ChunkTimeout || now.Sub(ps.started) >= t.opts.MaxTransfer {
		t.log.Warn("send stalled, abandoning", "format", ps.s.Kind, "written", ps.s.Written(), "remaining", ps.s.Remaining())
		t.endSend(ps)
		return
	}
	ps.timer = t.sched.AfterFunc(retryDelay, func() { t.pump(ps) })
}

func (t *Transport) endSend(ps *pipeSend) {
	if _, ok := t.sends[ps]; !ok {
		return
	}
	delete(t.sends, ps)
	if ps.timer != nil {
		ps.timer.Stop()
	}
	closeFD(ps.fd)
}

// fdWriter adapts a non-blocking descriptor to transfer.Writer.
func fdWriter(fd int) transfer.Writer {
	return func(p []byte) (int, error) {
		n, err := unix.Write(fd, p)
		if n < 0 {
			n = 0
		}
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return n, transfer.ErrWouldBlock
		}
		return n, err
	}
}

// pipeRead is one receive being drained by its own goroutine.
type pipeRead struct {
	f         *os.File
	cancelled bool
}

func (pr *pipeRead) read(p []byte) (int, error) { return pr.f.Read(p) }

// cancel unblocks the reader; it reports the read as closed.
func (pr *pipeRead) cancel() {
	pr.cancelled = true
	pr.f.SetReadDeadline(time.Now())
}

// receive asks the owner of o to write kind into a fresh pipe and drains the
// read end off the loop. The whole payload arrives as one stream.
func (t *Transport) receive(o *offer, op uint16, kind format.Tag, reply func(transport.Stream, error)) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		reply(nil, fmt.Errorf("wayland: pipe: %w", err))
		return
	}
	mime := o.mimeFor(kind)
	err := t.c.Send(wlwire.NewMessage(o.id, op).String(mime).FD(p[1]))
	closeFD(p[1])
	if err != nil {
		closeFD(p[0])
		reply(nil, fmt.Errorf("wayland: receive %s: %w", mime, err))
		return
	}

	// A non-blocking descriptor gives a pollable file, so deadlines work.
	f := os.NewFile(uintptr(p[0]), "wayland-receive")
	if err := f.SetReadDeadline(time.Now().Add(t.opts.MaxTransfer)); err != nil {
		t.log.Debug("receive without deadline", "err", err)
	}
	pr := &pipeRead{f: f}
	t.reads[pr] = struct{}{}
	limit := t.opts.MaxPayload
	t.log.Debug("receive started", "offer", o.id, "mime", mime)

	go func() {
		data, err := transfer.Receive(limit, pr.read)
		f.Close()
		t.sched.Post(func() {
			delete(t.reads, pr)
			switch {
			case pr.cancelled:
				reply(nil, fmt.Errorf("wayland: receive %s: %w", mime, transfer.ErrClosed))
			case errors.Is(err, os.ErrDeadlineExceeded):
				reply(nil, fmt.Errorf("wayland: receive %s: %w", mime, transfer.ErrTimedOut))
			case err != nil:
				reply(nil, fmt.Errorf("wayland: receive %s: %w", mime, err))
			default:
				t.log.Debug("receive finished", "mime", mime, "size", len(data))
				reply(transport.NewChunkStream(data), nil)
			}
		})
	}()
}

func closeFD(fd int) {
	if fd >= 0 {
		unix.Close(fd)
	}
}

func closeFDs(fds []int) {
	for _, fd := range fds {
		closeFD(fd)
	}
}
