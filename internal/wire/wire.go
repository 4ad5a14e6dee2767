// Package wire handles reading and writing newline-delimited JSON messages
// over a net.Conn, with optional NaCl secretbox encryption.
//
// Wire format (unencrypted):
//
//	<json>\n
//
// Wire format (encrypted):
//
//	<base64(nonce+ciphertext)>\n
//
// The encrypted form is just a base64 blob on the wire so that the framing
// logic is identical in both cases: every line is a single message.
package wire

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.klb.dev/interchange/internal/crypto"
	"go.klb.dev/interchange/internal/message"
)

const (
	// DefaultMaxMessage bounds a line when New is given no limit. Clipboard
	// payloads travel inside messages, so it follows the default payload
	// ceiling plus base64 growth.
	DefaultMaxMessage = 1<<30/3*4 + 64<<10

	writeDeadline = 5 * time.Second
)

// ErrTooLarge is returned when a line exceeds the connection's limit. The
// connection is unusable afterwards.
var ErrTooLarge = errors.New("wire: message too large")

// Conn wraps a net.Conn with buffered newline-delimited JSON framing
// and optional encryption. Reads must come from one goroutine; writes are
// serialised internally.
type Conn struct {
	conn net.Conn
	br   *bufio.Reader
	key  *crypto.Key // nil = no encryption
	max  int

	wmu sync.Mutex
}

// New wraps conn. If key is non-nil every message is encrypted with NaCl
// secretbox before being written and decrypted after being read. max bounds
// one line; zero selects DefaultMaxMessage.
func New(conn net.Conn, key *crypto.Key, max int) *Conn {
	if max <= 0 {
		max = DefaultMaxMessage
	}
	return &Conn{
		conn: conn,
		br:   bufio.NewReaderSize(conn, 64*1024),
		key:  key,
		max:  max,
	}
}

// SetReadDeadline sets or clears the read deadline.
func (c *Conn) SetReadDeadline(d time.Duration) {
	if d == 0 {
		_ = c.conn.SetReadDeadline(time.Time{})
	} else {
		_ = c.conn.SetReadDeadline(time.Now().Add(d))
	}
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.conn.Close() }

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// WriteMsg serialises msg to JSON, optionally encrypts it, and writes it
// followed by a newline.
func (c *Conn) WriteMsg(msg *message.Message) error {
	raw, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	var line []byte
	if c.key != nil {
		ct, err := crypto.Seal(raw, c.key)
		if err != nil {
			return fmt.Errorf("encrypt: %w", err)
		}
		line = base64.StdEncoding.AppendEncode(nil, ct)
		line = append(line, '\n')
	} else {
		line = append(raw, '\n')
	}
	if len(line) > c.max {
		return fmt.Errorf("%w (%d bytes)", ErrTooLarge, len(line))
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline + time.Duration(len(line)>>20)*time.Second))
	_, err = c.conn.Write(line)
	_ = c.conn.SetWriteDeadline(time.Time{})
	return err
}

// ReadMsg reads one newline-terminated line, optionally decrypts it, and
// deserialises it into a Message.
func (c *Conn) ReadMsg() (*message.Message, error) {
	line, err := c.readLine()
	if err != nil {
		return nil, err
	}

	raw := line
	if c.key != nil {
		ct, err := base64.StdEncoding.AppendDecode(nil, line)
		if err != nil {
			return nil, fmt.Errorf("base64 decode: %w", err)
		}
		raw, err = crypto.Open(ct, c.key)
		if err != nil {
			return nil, fmt.Errorf("decrypt: %w", err)
		}
	}
	return message.Decode(raw)
}

// readLine collects one line without the newline, refusing to buffer more
// than max bytes.
func (c *Conn) readLine() ([]byte, error) {
	var buf bytes.Buffer
	for {
		frag, err := c.br.ReadSlice('\n')
		if buf.Len()+len(frag) > c.max {
			return nil, fmt.Errorf("%w (over %d bytes)", ErrTooLarge, c.max)
		}
		buf.Write(frag)
		switch {
		case err == nil:
			return buf.Bytes()[:buf.Len()-1], nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && buf.Len() > 0:
			return nil, io.ErrUnexpectedEOF
		default:
			return nil, err
		}
	}
}
