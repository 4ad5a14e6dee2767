package peer

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"

	"go.klb.dev/interchange/internal/crypto"
	"go.klb.dev/interchange/internal/ipc"
	"go.klb.dev/interchange/internal/message"
	"go.klb.dev/interchange/internal/slot"
	"go.klb.dev/interchange/internal/tlsconf"
	"go.klb.dev/interchange/internal/wire"
)

// Client speaks to a daemon. It is not safe for concurrent use.
type Client struct {
	conn *wire.Conn
}

// NewClient wraps an established connection, sending AUTH first when token
// is set.
func NewClient(conn net.Conn, key *crypto.Key, token string, maxMessage int) (*Client, error) {
	c := &Client{conn: wire.New(conn, key, maxMessage)}
	if token != "" {
		auth := &message.Message{Type: message.TypeAuth, Payload: base64.StdEncoding.EncodeToString([]byte(token))}
		if err := c.conn.WriteMsg(auth); err != nil {
			conn.Close()
			return nil, fmt.Errorf("auth: %w", err)
		}
	}
	return c, nil
}

// DialUnix connects to the daemon's socket; an empty path selects the
// default.
func DialUnix(ctx context.Context, path string, maxMessage int) (*Client, error) {
	conn, err := ipc.Dial(ctx, path)
	if err != nil {
		return nil, err
	}
	return NewClient(conn, nil, "", maxMessage)
}

// DialTCP connects to a daemon's TCP listener. useTLS selects the TLS
// listener flavour; otherwise messages are sealed with a key derived from
// token.
func DialTCP(ctx context.Context, addr, token string, useTLS bool, maxMessage int) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	var key *crypto.Key
	if useTLS {
		cfg, err := tlsconf.ClientConfig(token)
		if err != nil {
			conn.Close()
			return nil, err
		}
		tc := tls.Client(conn, cfg)
		if err := tc.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("tls: %w", err)
		}
		conn = tc
	} else if key, err = crypto.DeriveKey(token); err != nil {
		conn.Close()
		return nil, err
	}
	return NewClient(conn, key, token, maxMessage)
}

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }

// roundTrip sends req and returns the first reply that is not a ping.
func (c *Client) roundTrip(ctx context.Context, req *message.Message) (*message.Message, error) {
	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()
	if err := c.conn.WriteMsg(req); err != nil {
		return nil, c.ctxErr(ctx, err)
	}
	for {
		m, err := c.conn.ReadMsg()
		if err != nil {
			return nil, c.ctxErr(ctx, err)
		}
		switch m.Type {
		case message.TypePing:
			if err := c.conn.WriteMsg(&message.Message{Type: message.TypePong}); err != nil {
				return nil, err
			}
			continue
		case message.TypeError:
			return nil, m.Err()
		}
		return m, nil
	}
}

func (c *Client) ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func expect(m *message.Message, t message.Type) error {
	if m.Type != t {
		return fmt.Errorf("unexpected reply %q, want %q", m.Type, t)
	}
	return nil
}

// Publish hands data in format to the daemon, which claims id.
func (c *Client) Publish(ctx context.Context, id slot.ID, format string, data []byte) error {
	m, err := c.roundTrip(ctx, &message.Message{
		Type:  message.TypePublish,
		Slot:  id.String(),
		Items: []message.Item{message.NewItem(format, data)},
	})
	if err != nil {
		return err
	}
	return expect(m, message.TypeOK)
}

// Paste reads id, preferring format. The reply's Data is empty for an
// empty clipboard.
func (c *Client) Paste(ctx context.Context, id slot.ID, format string) (*message.Message, error) {
	m, err := c.roundTrip(ctx, &message.Message{Type: message.TypePaste, Slot: id.String(), Format: format})
	if err != nil {
		return nil, err
	}
	return m, expect(m, message.TypePasteResult)
}

// Targets lists the formats id is offered in.
func (c *Client) Targets(ctx context.Context, id slot.ID) ([]string, error) {
	m, err := c.roundTrip(ctx, &message.Message{Type: message.TypeTargets, Slot: id.String()})
	if err != nil {
		return nil, err
	}
	return m.Formats, expect(m, message.TypeTargetsResult)
}

// Status fetches the daemon's status.
func (c *Client) Status(ctx context.Context) (*message.Status, error) {
	m, err := c.roundTrip(ctx, &message.Message{Type: message.TypeStatus})
	if err != nil {
		return nil, err
	}
	if err := expect(m, message.TypeStatusResponse); err != nil {
		return nil, err
	}
	if m.Status == nil {
		return nil, fmt.Errorf("status reply without body")
	}
	return m.Status, nil
}

// Watch subscribes to change events and calls fn for each until ctx ends or
// the connection drops. Pings are answered along the way.
func (c *Client) Watch(ctx context.Context, fn func(slot.ID)) error {
	m, err := c.roundTrip(ctx, &message.Message{Type: message.TypeWatch})
	if err != nil {
		return err
	}
	if err := expect(m, message.TypeOK); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()
	for {
		m, err := c.conn.ReadMsg()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		switch m.Type {
		case message.TypePing:
			if err := c.conn.WriteMsg(&message.Message{Type: message.TypePong}); err != nil {
				return err
			}
		case message.TypeChanged:
			id, err := slot.ParseID(m.Slot)
			if err != nil {
				continue
			}
			fn(id)
		case message.TypeError:
			return m.Err()
		}
	}
}
