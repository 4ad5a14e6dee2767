package wlwire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ObjectID names a protocol object on one connection. Zero is the null
// object.
type ObjectID uint32

// Display is the wl_display singleton every connection starts with.
const Display ObjectID = 1

const headerSize = 8

var order = binary.NativeEndian

// Message is one request being marshalled. Arguments are appended in
// protocol order.
type Message struct {
	obj ObjectID
	op  uint16
	buf []byte
	fds []int
}

// NewMessage starts request opcode on obj.
func NewMessage(obj ObjectID, opcode uint16) *Message {
	return &Message{obj: obj, op: opcode, buf: make([]byte, headerSize, 64)}
}

// Uint appends a uint argument.
func (m *Message) Uint(v uint32) *Message {
	m.buf = order.AppendUint32(m.buf, v)
	return m
}

// Int appends an int argument.
func (m *Message) Int(v int32) *Message { return m.Uint(uint32(v)) }

// Fixed appends a 24.8 fixed-point argument.
func (m *Message) Fixed(v float64) *Message { return m.Int(int32(math.Round(v * 256))) }

// Object appends an object argument; zero encodes null.
func (m *Message) Object(id ObjectID) *Message { return m.Uint(uint32(id)) }

// NewID appends a typed new_id argument.
func (m *Message) NewID(id ObjectID) *Message { return m.Uint(uint32(id)) }

// String appends a string argument. The empty string is sent as a real empty
// string; use NullString for null.
func (m *Message) String(s string) *Message {
	m.Uint(uint32(len(s) + 1))
	m.buf = append(m.buf, s...)
	m.buf = append(m.buf, 0)
	m.pad()
	return m
}

// NullString appends a null string argument.
func (m *Message) NullString() *Message { return m.Uint(0) }

// Array appends an array argument.
func (m *Message) Array(b []byte) *Message {
	m.Uint(uint32(len(b)))
	m.buf = append(m.buf, b...)
	m.pad()
	return m
}

// FD attaches a file descriptor. It travels out of band, in order.
func (m *Message) FD(fd int) *Message {
	m.fds = append(m.fds, fd)
	return m
}

func (m *Message) pad() {
	for len(m.buf)%4 != 0 {
		m.buf = append(m.buf, 0)
	}
}

// Bytes returns the wire form with the header filled in.
func (m *Message) Bytes() []byte {
	order.PutUint32(m.buf[0:], uint32(m.obj))
	order.PutUint32(m.buf[4:], uint32(len(m.buf))<<16|uint32(m.op))
	return m.buf
}

// FDs returns the attached descriptors.
func (m *Message) FDs() []int { return m.fds }

// Event is one message received from the compositor.
type Event struct {
	Object ObjectID
	Opcode uint16
	Data   []byte
	// FDs holds the descriptors the event carried, as declared by the
	// receiving object's Interface. The handler owns them.
	FDs []int
}

// ErrShortEvent reports an event whose body ended before its arguments did.
var ErrShortEvent = errors.New("wlwire: event shorter than its arguments")

// Decoder reads arguments off an event in protocol order. The first failure
// sticks; later reads return zero values.
type Decoder struct {
	data []byte
	fds  []int
	err  error
}

// Decoder returns a decoder over the event's arguments.
func (e Event) Decoder() *Decoder { return &Decoder{data: e.Data, fds: e.FDs} }

// Err reports the first decoding failure.
func (d *Decoder) Err() error { return d.err }

// Uint reads a uint argument.
func (d *Decoder) Uint() uint32 {
	if d.err != nil {
		return 0
	}
	if len(d.data) < 4 {
		d.err = ErrShortEvent
		return 0
	}
	v := order.Uint32(d.data)
	d.data = d.data[4:]
	return v
}

// Int reads an int argument.
func (d *Decoder) Int() int32 { return int32(d.Uint()) }

// Fixed reads a 24.8 fixed-point argument.
func (d *Decoder) Fixed() float64 { return float64(d.Int()) / 256 }

// Object reads an object or new_id argument.
func (d *Decoder) Object() ObjectID { return ObjectID(d.Uint()) }

// String reads a string argument; null comes back empty.
func (d *Decoder) String() string {
	b := d.bytes()
	if len(b) == 0 {
		return ""
	}
	if b[len(b)-1] != 0 {
		d.err = fmt.Errorf("wlwire: string argument not NUL-terminated")
		return ""
	}
	return string(b[:len(b)-1])
}

// Array reads an array argument.
func (d *Decoder) Array() []byte { return d.bytes() }

// FD takes the next descriptor the event carried.
func (d *Decoder) FD() int {
	if d.err != nil {
		return -1
	}
	if len(d.fds) == 0 {
		d.err = fmt.Errorf("wlwire: event carried no descriptor")
		return -1
	}
	fd := d.fds[0]
	d.fds = d.fds[1:]
	return fd
}

func (d *Decoder) bytes() []byte {
	n := int(d.Uint())
	if d.err != nil {
		return nil
	}
	padded := (n + 3) &^ 3
	if len(d.data) < padded {
		d.err = ErrShortEvent
		return nil
	}
	b := d.data[:n]
	d.data = d.data[padded:]
	return b
}
