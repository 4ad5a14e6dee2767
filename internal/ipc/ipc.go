// Package ipc locates and opens the unix socket the interchange daemon
// serves. The copy, paste, targets, watch and status commands dial it; copy
// falls back to owning the selection itself when nothing is listening.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const socketName = "interchange.sock"

// dialTimeout bounds connecting to a socket that exists but has no server.
const dialTimeout = time.Second

// ErrRunning is returned by Listen when a daemon already serves the socket.
var ErrRunning = errors.New("ipc: daemon already running")

// SocketPath returns the socket path, in order of preference:
// $INTERCHANGE_SOCKET, $XDG_RUNTIME_DIR/interchange.sock, then a per-user
// name in the temp directory.
func SocketPath() string {
	if s := os.Getenv("INTERCHANGE_SOCKET"); s != "" {
		return s
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, socketName)
	}
	return filepath.Join(os.TempDir(), "interchange-"+strconv.Itoa(os.Getuid())+".sock")
}

// Resolve returns path, or SocketPath when path is empty.
func Resolve(path string) string {
	if path == "" {
		return SocketPath()
	}
	return path
}

// IsRunning reports whether a daemon appears to be listening on path. It
// does a cheap dial-and-close; no data is exchanged.
func IsRunning(path string) bool {
	c, err := net.DialTimeout("unix", Resolve(path), dialTimeout)
	if err != nil {
		return false
	}
	_ = c.Close()
	return true
}

// Listen creates a listener on path, removing a stale socket left by a
// crashed daemon first. The socket is only accessible to its owner.
func Listen(path string) (net.Listener, error) {
	path = Resolve(path)
	if IsRunning(path) {
		return nil, fmt.Errorf("%w on %s", ErrRunning, path)
	}
	_ = os.Remove(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("ipc: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("ipc: listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("ipc: %w", err)
	}
	return ln, nil
}

// Dial connects to the daemon on path.
func Dial(ctx context.Context, path string) (net.Conn, error) {
	d := net.Dialer{Timeout: dialTimeout}
	c, err := d.DialContext(ctx, "unix", Resolve(path))
	if err != nil {
		return nil, fmt.Errorf("ipc: %w", err)
	}
	return c, nil
}
