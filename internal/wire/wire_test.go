package wire

import (
	"bytes"
	"net"
	"strings"
	"testing"

	assert "github.com/stretchr/testify/assert"
	require "github.com/stretchr/testify/require"

	"go.klb.dev/interchange/internal/crypto"
	"go.klb.dev/interchange/internal/message"
)

func pipe(t *testing.T, key *crypto.Key, max int) (*Conn, *Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return New(a, key, max), New(b, key, max)
}

func TestRoundTripPlain(t *testing.T) {
	a, b := pipe(t, nil, 0)
	go a.WriteMsg(&message.Message{Type: message.TypePaste, Slot: "primary", Format: "text/plain"})

	m, err := b.ReadMsg()
	require.NoError(t, err)
	assert.Equal(t, message.TypePaste, m.Type)
	assert.Equal(t, "primary", m.Slot)
}

func TestRoundTripEncrypted(t *testing.T) {
	key, err := crypto.DeriveKey("token")
	require.NoError(t, err)
	a, b := pipe(t, key, 0)
	payload := bytes.Repeat([]byte{0xff, 0x00}, 100<<10)
	go a.WriteMsg(&message.Message{Type: message.TypePublish, Items: []message.Item{message.NewItem("image/bmp", payload)}})

	m, err := b.ReadMsg()
	require.NoError(t, err)
	data, err := m.Data()
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestReadMsg_WrongKey(t *testing.T) {
	ka, _ := crypto.DeriveKey("a")
	kb, _ := crypto.DeriveKey("b")
	x, y := net.Pipe()
	t.Cleanup(func() { x.Close(); y.Close() })
	go New(x, ka, 0).WriteMsg(&message.Message{Type: message.TypePing})

	_, err := New(y, kb, 0).ReadMsg()
	assert.ErrorIs(t, err, crypto.ErrAuth)
}

func TestReadMsg_TooLarge(t *testing.T) {
	x, y := net.Pipe()
	t.Cleanup(func() { x.Close(); y.Close() })
	go x.Write([]byte(`{"type":"PUBLISH","items":[{"data":"` + strings.Repeat("A", 200<<10) + `"}]}` + "\n"))

	_, err := New(y, nil, 128<<10).ReadMsg()
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestWriteMsg_TooLarge(t *testing.T) {
	a, _ := pipe(t, nil, 64)
	err := a.WriteMsg(&message.Message{Type: message.TypePublish, Items: []message.Item{message.NewItem("text/plain", make([]byte, 100))}})
	assert.ErrorIs(t, err, ErrTooLarge)
}
