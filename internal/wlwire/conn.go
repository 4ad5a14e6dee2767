// Package wlwire is a minimal Wayland wire-protocol client: object ids,
// request marshalling, event framing and descriptor passing over the
// compositor's Unix socket. It knows nothing about individual protocols
// beyond wl_display; callers describe their objects with an Interface.
package wlwire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// maxFDs bounds the descriptors accepted per read, as libwayland does.
const maxFDs = 28

var (
	// ErrNoDisplay reports that no compositor socket could be located.
	ErrNoDisplay = errors.New("wlwire: no wayland display")
	// ErrClosed reports use of a closed connection.
	ErrClosed = errors.New("wlwire: connection closed")
)

// ProtocolError is a fatal wl_display.error sent by the compositor.
type ProtocolError struct {
	Object  ObjectID
	Code    uint32
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("wayland protocol error on object %d (code %d): %s", e.Object, e.Code, e.Message)
}

// Interface describes an object's events to the reader.
type Interface struct {
	Name string
	// FDs maps event opcodes to the number of descriptors they carry.
	FDs map[uint16]int
}

// Handler receives an object's events on the goroutine running Serve.
type Handler func(Event)

type entry struct {
	iface Interface
	h     Handler
}

// Conn is one client connection. Send and the id/handler registry are safe
// for concurrent use; Serve must run on a single goroutine.
type Conn struct {
	uc *net.UnixConn

	wmu sync.Mutex

	mu       sync.Mutex
	next     uint32
	free     []uint32
	handlers map[ObjectID]entry
	closed   bool

	rbuf []byte
	fds  []int
	tmp  []byte
	oob  []byte
}

// Dial connects to the compositor named by name, $WAYLAND_DISPLAY or
// wayland-0, in that order. Relative names live in $XDG_RUNTIME_DIR.
func Dial(name string) (*Conn, error) {
	if name == "" {
		name = os.Getenv("WAYLAND_DISPLAY")
	}
	if name == "" {
		name = "wayland-0"
	}
	path := name
	if !filepath.IsAbs(path) {
		dir := os.Getenv("XDG_RUNTIME_DIR")
		if dir == "" {
			return nil, fmt.Errorf("%w: XDG_RUNTIME_DIR is not set", ErrNoDisplay)
		}
		path = filepath.Join(dir, name)
	}
	uc, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoDisplay, err)
	}
	return NewConn(uc), nil
}

// NewConn wraps an already connected socket.
func NewConn(uc *net.UnixConn) *Conn {
	return &Conn{
		uc:       uc,
		next:     uint32(Display) + 1,
		handlers: make(map[ObjectID]entry),
		tmp:      make([]byte, 4096),
		oob:      make([]byte, unix.CmsgSpace(maxFDs*4)),
	}
}

// NewID allocates a client object id, reusing ids the compositor released.
func (c *Conn) NewID() ObjectID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := len(c.free); n > 0 {
		id := c.free[n-1]
		c.free = c.free[:n-1]
		return ObjectID(id)
	}
	id := c.next
	c.next++
	return ObjectID(id)
}

// Register routes events for id to h.
func (c *Conn) Register(id ObjectID, iface Interface, h Handler) {
	c.mu.Lock()
	c.handlers[id] = entry{iface: iface, h: h}
	c.mu.Unlock()
}

// Unregister stops routing events for id. Later events for it are dropped.
func (c *Conn) Unregister(id ObjectID) {
	c.mu.Lock()
	delete(c.handlers, id)
	c.mu.Unlock()
}

// Send writes one request. Descriptors attached to m are duplicated into the
// compositor; the caller still owns its copies.
func (c *Conn) Send(m *Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	var oob []byte
	if fds := m.FDs(); len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, _, err := c.uc.WriteMsgUnix(m.Bytes(), oob, nil)
	return err
}

// Roundtrip blocks until the compositor has processed every request sent
// before it. Serve must be running on another goroutine.
func (c *Conn) Roundtrip(ctx context.Context) error {
	cb := c.NewID()
	done := make(chan struct{})
	c.Register(cb, Interface{Name: "wl_callback"}, func(Event) {
		c.Unregister(cb)
		close(done)
	})
	if err := c.Send(NewMessage(Display, 0).NewID(cb)); err != nil {
		c.Unregister(cb)
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Serve reads events and hands each to its object's handler until the
// connection fails. A compositor error comes back as *ProtocolError.
func (c *Conn) Serve() error {
	for {
		ev, err := c.readEvent()
		if err != nil {
			closeAll(c.fds)
			c.fds = nil
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return ErrClosed
			}
			return err
		}
		if ev.Object == Display {
			if err := c.displayEvent(ev); err != nil {
				return err
			}
			continue
		}
		c.mu.Lock()
		e, ok := c.handlers[ev.Object]
		c.mu.Unlock()
		if ok {
			e.h(ev)
		} else {
			closeAll(ev.FDs)
		}
	}
}

func (c *Conn) displayEvent(ev Event) error {
	d := ev.Decoder()
	switch ev.Opcode {
	case 0: // error
		pe := &ProtocolError{Object: d.Object(), Code: d.Uint(), Message: d.String()}
		return pe
	case 1: // delete_id
		id := d.Uint()
		c.mu.Lock()
		delete(c.handlers, ObjectID(id))
		c.free = append(c.free, id)
		c.mu.Unlock()
	}
	return d.Err()
}

func (c *Conn) readEvent() (Event, error) {
	if err := c.fill(headerSize); err != nil {
		return Event{}, err
	}
	obj := ObjectID(order.Uint32(c.rbuf[0:]))
	word := order.Uint32(c.rbuf[4:])
	size, op := int(word>>16), uint16(word&0xffff)
	if size < headerSize {
		return Event{}, fmt.Errorf("wlwire: event size %d below header size", size)
	}
	if err := c.fill(size); err != nil {
		return Event{}, err
	}
	ev := Event{
		Object: obj,
		Opcode: op,
		Data:   append([]byte(nil), c.rbuf[headerSize:size]...),
	}
	c.rbuf = c.rbuf[size:]

	c.mu.Lock()
	n := c.handlers[obj].iface.FDs[op]
	c.mu.Unlock()
	if n > len(c.fds) {
		return Event{}, fmt.Errorf("wlwire: event %d on object %d expects %d descriptors, have %d", op, obj, n, len(c.fds))
	}
	if n > 0 {
		ev.FDs = append([]int(nil), c.fds[:n]...)
		c.fds = c.fds[n:]
	}
	return ev, nil
}

// fill reads until at least n bytes are buffered, collecting any
// descriptors that arrive alongside.
func (c *Conn) fill(n int) error {
	for len(c.rbuf) < n {
		k, oobn, _, _, err := c.uc.ReadMsgUnix(c.tmp, c.oob)
		if oobn > 0 {
			if perr := c.collect(c.oob[:oobn]); perr != nil {
				return perr
			}
		}
		if k > 0 {
			c.rbuf = append(c.rbuf, c.tmp[:k]...)
		}
		if err != nil {
			return err
		}
		if k == 0 {
			return io.EOF
		}
	}
	return nil
}

func (c *Conn) collect(oob []byte) error {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return fmt.Errorf("wlwire: control message: %w", err)
	}
	for i := range msgs {
		fds, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		c.fds = append(c.fds, fds...)
	}
	return nil
}

// Close shuts the socket down. Serve returns ErrClosed.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.uc.Close()
}

func closeAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
