package ipc

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	assert "github.com/stretchr/testify/assert"
	require "github.com/stretchr/testify/require"
)

func TestSocketPathPrecedence(t *testing.T) {
	t.Setenv("INTERCHANGE_SOCKET", "/run/custom.sock")
	assert.Equal(t, "/run/custom.sock", SocketPath())

	t.Setenv("INTERCHANGE_SOCKET", "")
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	assert.Equal(t, "/run/user/1000/interchange.sock", SocketPath())

	t.Setenv("XDG_RUNTIME_DIR", "")
	assert.Equal(t, os.TempDir(), filepath.Dir(SocketPath()))
}

func TestListenDialAndStaleSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.sock")
	require.NoError(t, os.WriteFile(path, nil, 0o600), "stale file")

	ln, err := Listen(path)
	require.NoError(t, err)
	defer ln.Close()

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), st.Mode().Perm())

	go func() {
		if c, err := ln.Accept(); err == nil {
			c.Close()
		}
	}()
	c, err := Dial(context.Background(), path)
	require.NoError(t, err)
	c.Close()
}

func TestListen_RefusesSecondDaemon(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.sock")
	ln, err := Listen(path)
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	assert.True(t, IsRunning(path))
	_, err = Listen(path)
	assert.ErrorIs(t, err, ErrRunning)
}

func TestIsRunning_NoSocket(t *testing.T) {
	assert.False(t, IsRunning(filepath.Join(t.TempDir(), "none.sock")))
}
