package transport

import "go.klb.dev/interchange/internal/transfer"

// Queue is a Stream fed by its backend. Events pushed before the consumer
// asks for them are buffered in order.
type Queue struct {
	size        int
	incremental bool

	events     []transfer.Event
	waiter     func(transfer.Event)
	delivering bool
	ended      bool
	closed     bool
	err        error
	onClose    func()
}

// NewQueue returns an empty stream. onClose, if set, runs once when the
// consumer closes the stream before it ended.
func NewQueue(size int, incremental bool, onClose func()) *Queue {
	return &Queue{size: size, incremental: incremental, onClose: onClose}
}

// NewChunkStream wraps a payload that is already complete.
func NewChunkStream(data []byte) *Queue {
	q := NewQueue(len(data), false, nil)
	q.Push(transfer.Chunk(data))
	q.Push(transfer.End())
	return q
}

// Hint implements Stream.
func (q *Queue) Hint() (int, bool) { return q.size, q.incremental }

// SetHint updates the announced size.
func (q *Queue) SetHint(n int, incremental bool) {
	q.size, q.incremental = n, incremental
}

// Push appends ev. Nothing is accepted after End or Close.
func (q *Queue) Push(ev transfer.Event) {
	if q.ended || q.closed {
		return
	}
	if ev.Kind == transfer.EventEnd {
		q.ended = true
	}
	q.events = append(q.events, ev)
	q.deliver()
}

// Fail ends the stream with err.
func (q *Queue) Fail(err error) {
	if q.ended || q.closed {
		return
	}
	q.err = err
	q.Push(transfer.End())
}

// Next implements Stream.
func (q *Queue) Next(fn func(transfer.Event)) {
	if q.closed {
		return
	}
	q.waiter = fn
	q.deliver()
}

// deliver hands queued events to the waiter iteratively, so a consumer that
// calls Next from inside its callback does not recurse.
func (q *Queue) deliver() {
	if q.delivering {
		return
	}
	q.delivering = true
	defer func() { q.delivering = false }()
	for q.waiter != nil && len(q.events) > 0 && !q.closed {
		fn := q.waiter
		q.waiter = nil
		ev := q.events[0]
		q.events = q.events[1:]
		fn(ev)
	}
}

// Err implements Stream.
func (q *Queue) Err() error { return q.err }

// Ended reports whether End has been pushed.
func (q *Queue) Ended() bool { return q.ended }

// Close implements Stream.
func (q *Queue) Close() {
	if q.closed {
		return
	}
	q.closed = true
	q.events = nil
	q.waiter = nil
	if !q.ended && q.onClose != nil {
		q.onClose()
	}
}
