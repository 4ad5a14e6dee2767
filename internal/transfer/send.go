// Package transfer moves payloads of any size through bounded transport
// channels.
//
// Sending is done by a Sender that keeps an explicit cursor, so a transport
// that cannot accept more bytes right now can suspend the transfer and resume
// it from the next event without re-sending anything. Receiving is either
// bounded (Receive, for readers that signal EOF) or incremental (Request, for
// the legacy "more data is coming" protocol where the total size is unknown).
package transfer

import (
	"errors"
	"fmt"
	"io"

	"go.klb.dev/interchange/internal/format"
)

var (
	// ErrWouldBlock is returned by a Writer or Reader that cannot make
	// progress until the transport is ready again.
	ErrWouldBlock = errors.New("transfer would block")
	// ErrTimedOut reports a transfer that did not finish within its limits.
	ErrTimedOut = errors.New("transfer timed out")
	// ErrOverflow reports a payload larger than the configured ceiling.
	ErrOverflow = errors.New("transfer exceeds size ceiling")
	// ErrClosed reports a transfer abandoned by either side.
	ErrClosed = errors.New("transfer closed")
)

// Writer writes one chunk, returning how many bytes were accepted. It returns
// ErrWouldBlock (optionally with n > 0) when the channel is momentarily full.
type Writer func(p []byte) (int, error)

// Sender is one outgoing payload transfer.
type Sender struct {
	Kind format.Tag

	data      []byte
	cursor    int
	chunk     int
	terminate bool
	finished  bool
}

// NewSender prepares data for sending in pieces of at most chunk bytes
// (chunk <= 0 means no limit). When terminate is set a final zero-length
// write marks the end of the payload, as the incremental protocol requires.
//
// data is not copied; callers hand over a buffer nobody mutates.
func NewSender(kind format.Tag, data []byte, chunk int, terminate bool) *Sender {
	return &Sender{Kind: kind, data: data, chunk: chunk, terminate: terminate}
}

// Written returns how many payload bytes have been accepted so far.
func (s *Sender) Written() int { return s.cursor }

// Remaining returns how many payload bytes are still to be written.
func (s *Sender) Remaining() int { return len(s.data) - s.cursor }

// Done reports whether the whole payload (and terminator) has been written.
func (s *Sender) Done() bool { return s.finished }

// Resume writes from the cursor until the payload is exhausted or write
// blocks. A blocked write returns (false, nil) with the cursor parked on the
// first byte the transport has not accepted.
func (s *Sender) Resume(write Writer) (bool, error) {
	if s.finished {
		return true, nil
	}
	for s.cursor < len(s.data) {
		end := len(s.data)
		if s.chunk > 0 && end-s.cursor > s.chunk {
			end = s.cursor + s.chunk
		}
		n, err := write(s.data[s.cursor:end])
		if n < 0 || n > end-s.cursor {
			return false, fmt.Errorf("transfer: writer reported %d of %d bytes", n, end-s.cursor)
		}
		s.cursor += n
		if errors.Is(err, ErrWouldBlock) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, io.ErrShortWrite
		}
	}
	if s.terminate {
		if _, err := write(nil); err != nil {
			if errors.Is(err, ErrWouldBlock) {
				return false, nil
			}
			return false, err
		}
	}
	s.finished = true
	return true, nil
}

// Serve starts sending data through write. It returns nil once everything was
// written, or the suspended Sender to Resume when the transport blocked.
func Serve(kind format.Tag, data []byte, write Writer) (*Sender, error) {
	s := NewSender(kind, data, 0, false)
	done, err := s.Resume(write)
	if err != nil {
		return nil, err
	}
	if done {
		return nil, nil
	}
	return s, nil
}
