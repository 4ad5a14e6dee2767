package transfer

import (
	"errors"
	"io"
	"time"

	"go.klb.dev/interchange/internal/format"
)

// Reader reads the next piece of a payload into p. A 0-byte read or io.EOF
// ends the payload.
type Reader func(p []byte) (int, error)

const readSize = 64 << 10

// Receive reads a bounded payload until EOF. Payloads longer than maxLen are
// not truncated silently: the first maxLen bytes come back with ErrOverflow.
func Receive(maxLen int, read Reader) ([]byte, error) {
	buf := make([]byte, 0, min(maxLen, readSize))
	tmp := make([]byte, readSize)
	for {
		// Ask for one byte past the limit so overflow is observable.
		want := min(len(tmp), maxLen-len(buf)+1)
		n, err := read(tmp[:want])
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			if len(buf) > maxLen {
				return buf[:maxLen], ErrOverflow
			}
		}
		if errors.Is(err, io.EOF) {
			return buf, nil
		}
		if err != nil {
			return buf, err
		}
		if n == 0 {
			return buf, nil
		}
	}
}

// Limits bounds incremental transfers.
type Limits struct {
	// MinAlloc and MaxInitialAlloc clamp the size hint used for the first
	// allocation.
	MinAlloc        int
	MaxInitialAlloc int
	// GrowIncrement is the least a full buffer grows by.
	GrowIncrement int
	// Ceiling is the largest payload accepted at all.
	Ceiling int
	// ChunkTimeout is how long to wait for the next chunk.
	ChunkTimeout time.Duration
	// MaxDuration bounds the whole transfer.
	MaxDuration time.Duration
}

// DefaultLimits returns the stock limits.
func DefaultLimits() Limits {
	return Limits{
		MinAlloc:        4 << 20,
		MaxInitialAlloc: 200 << 20,
		GrowIncrement:   4 << 20,
		Ceiling:         1 << 30,
		ChunkTimeout:    5 * time.Second,
		MaxDuration:     2 * time.Minute,
	}
}

// EventKind classifies what an incremental transfer observed.
type EventKind int

const (
	EventChunk EventKind = iota
	EventEnd
	EventTimeout
	EventOther
)

func (k EventKind) String() string {
	switch k {
	case EventChunk:
		return "chunk"
	case EventEnd:
		return "end"
	case EventTimeout:
		return "timeout"
	case EventOther:
		return "other"
	default:
		return "unknown"
	}
}

// Event is one step of an incremental transfer.
type Event struct {
	Kind EventKind
	Data []byte
}

func Chunk(b []byte) Event { return Event{Kind: EventChunk, Data: b} }
func End() Event           { return Event{Kind: EventEnd} }
func Timeout() Event       { return Event{Kind: EventTimeout} }
func Other() Event         { return Event{Kind: EventOther} }

// Request accumulates one inbound payload. All resumable state lives here, so
// a transport can feed it from separate event-loop callbacks.
type Request struct {
	Kind format.Tag
	Hint int

	limits    Limits
	buf       []byte
	started   time.Time
	lastChunk time.Time
	done      bool
	err       error
}

// NewRequest sizes the first allocation from hint. A hint above the ceiling
// fails immediately with ErrOverflow.
func NewRequest(kind format.Tag, hint int, limits Limits, now time.Time) (*Request, error) {
	if limits.Ceiling > 0 && hint > limits.Ceiling {
		return nil, ErrOverflow
	}
	size := max(hint, limits.MinAlloc)
	if limits.MaxInitialAlloc > 0 {
		size = min(size, limits.MaxInitialAlloc)
	}
	if limits.Ceiling > 0 {
		size = min(size, limits.Ceiling)
	}
	return &Request{
		Kind:      kind,
		Hint:      hint,
		limits:    limits,
		buf:       make([]byte, 0, max(size, 0)),
		started:   now,
		lastChunk: now,
	}, nil
}

// Feed applies ev and reports whether the transfer is over. Zero-length chunks
// are ignored; only End terminates normally. Timeouts and unrelated transport
// events are tolerated until the chunk timeout or overall duration runs out.
func (r *Request) Feed(ev Event, now time.Time) bool {
	if r.done {
		return true
	}
	switch ev.Kind {
	case EventChunk:
		if len(ev.Data) == 0 {
			break
		}
		if err := r.append(ev.Data); err != nil {
			r.finish(err)
			return true
		}
		r.lastChunk = now
	case EventEnd:
		r.finish(nil)
		return true
	}
	if r.expired(now) {
		r.finish(ErrTimedOut)
	}
	return r.done
}

// Fail ends the transfer with err unless it is already over.
func (r *Request) Fail(err error) {
	if !r.done {
		r.finish(err)
	}
}

func (r *Request) expired(now time.Time) bool {
	if r.limits.ChunkTimeout > 0 && now.Sub(r.lastChunk) >= r.limits.ChunkTimeout {
		return true
	}
	return r.limits.MaxDuration > 0 && now.Sub(r.started) >= r.limits.MaxDuration
}

func (r *Request) finish(err error) {
	r.done = true
	r.err = err
}

func (r *Request) append(p []byte) error {
	need := len(r.buf) + len(p)
	if r.limits.Ceiling > 0 && need > r.limits.Ceiling {
		return ErrOverflow
	}
	if need > cap(r.buf) {
		size := max(2*cap(r.buf), cap(r.buf)+r.limits.GrowIncrement, need)
		if r.limits.Ceiling > 0 {
			size = min(size, r.limits.Ceiling)
		}
		grown := make([]byte, len(r.buf), size)
		copy(grown, r.buf)
		r.buf = grown
	}
	r.buf = append(r.buf, p...)
	return nil
}

// Done reports whether the transfer is over.
func (r *Request) Done() bool { return r.done }

// Err returns why the transfer ended, nil on success.
func (r *Request) Err() error { return r.err }

// Received returns the number of bytes accumulated.
func (r *Request) Received() int { return len(r.buf) }

// Cap returns the current buffer capacity.
func (r *Request) Cap() int { return cap(r.buf) }

// Bytes returns what has been accumulated, complete or not.
func (r *Request) Bytes() []byte { return r.buf }

// ReceiveIncremental drives a Request from poll until it ends. poll must not
// block forever: it should return a Timeout event when nothing arrived within
// a reasonable interval. On ErrTimedOut the partial payload is returned too.
func ReceiveIncremental(hint int, limits Limits, now func() time.Time, poll func() Event) ([]byte, error) {
	r, err := NewRequest("", hint, limits, now())
	if err != nil {
		return nil, err
	}
	for !r.Feed(poll(), now()) {
	}
	return r.Bytes(), r.Err()
}
