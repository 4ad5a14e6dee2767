package tlsconf

import (
	"crypto/tls"
	"net"
	"testing"
	"time"

	assert "github.com/stretchr/testify/assert"
	require "github.com/stretchr/testify/require"
)

// handshake runs both ends over loopback TCP and returns the client's error
// and the server's. Deadlines keep a stuck peer from hanging the test.
func handshake(t *testing.T, serverToken, clientToken string) (error, error) {
	t.Helper()
	scfg, err := ServerConfig(serverToken)
	require.NoError(t, err)
	ccfg, err := ClientConfig(clientToken)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	deadline := time.Now().Add(5 * time.Second)
	served := make(chan error, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			served <- err
			return
		}
		defer c.Close()
		c.SetDeadline(deadline)
		served <- tls.Server(c, scfg).Handshake()
	}()

	c, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	c.SetDeadline(deadline)
	cerr := tls.Client(c, ccfg).Handshake()
	c.Close()

	select {
	case serr := <-served:
		return cerr, serr
	case <-time.After(10 * time.Second):
		t.Fatal("server handshake did not return")
		return nil, nil
	}
}

func TestHandshake_SameToken(t *testing.T) {
	cerr, serr := handshake(t, "token", "token")
	assert.NoError(t, cerr)
	assert.NoError(t, serr)
}

func TestHandshake_DifferentToken(t *testing.T) {
	cerr, serr := handshake(t, "token", "other")
	assert.ErrorIs(t, cerr, ErrKeyMismatch)
	assert.Error(t, serr)
}

func TestDeriveKey(t *testing.T) {
	a, err := deriveKey("x")
	require.NoError(t, err)
	b, err := deriveKey("x")
	require.NoError(t, err)
	assert.True(t, a.PublicKey.Equal(&b.PublicKey))

	_, err = deriveKey("")
	assert.Error(t, err)
}
