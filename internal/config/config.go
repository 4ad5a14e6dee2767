// Package config turns the merged viper settings into typed options for the
// transports and the clipboard service.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"go.klb.dev/interchange/internal/clipboard"
	"go.klb.dev/interchange/internal/transfer"
	"go.klb.dev/interchange/internal/transport/wayland"
	"go.klb.dev/interchange/internal/transport/x11"
)

// Keys, shared by flags, config files and INTERCHANGE_* variables.
const (
	KeyTransport         = "transport"
	KeyDisplay           = "display"
	KeyPollInterval      = "poll-interval"
	KeyProbeTimeout      = "probe-timeout"
	KeyClaimTimeout      = "claim-timeout"
	KeyConvertTimeout    = "convert-timeout"
	KeyMinAlloc          = "min-alloc"
	KeyMaxInitialAlloc   = "max-initial-alloc"
	KeyGrowIncrement     = "grow-increment"
	KeyAllocCeiling      = "alloc-ceiling"
	KeyChunkTimeout      = "chunk-timeout"
	KeyMaxTransfer       = "max-transfer"
	KeyKeepPartial       = "keep-partial"
	KeyDragFinishTimeout = "drag-finish-timeout"
	KeySocket            = "socket"
	KeyListen            = "listen"
	KeyToken             = "token"
	KeyLogFormat         = "log-format"
	KeyLogLevel          = "log-level"
)

// Transport names accepted by the transport key.
const (
	TransportAuto    = "auto"
	TransportX11     = "x11"
	TransportWayland = "wayland"
)

// Config is the resolved daemon configuration.
type Config struct {
	Transport string
	Display   string

	PollInterval      time.Duration
	ProbeTimeout      time.Duration
	ClaimTimeout      time.Duration
	ConvertTimeout    time.Duration
	DragFinishTimeout time.Duration
	KeepPartial       bool
	Limits            transfer.Limits

	Socket string
	Listen string
	Token  string

	LogFormat string
	LogLevel  string
}

// SetDefaults registers the stock value of every key on v.
func SetDefaults(v *viper.Viper) {
	lim := transfer.DefaultLimits()
	v.SetDefault(KeyTransport, TransportAuto)
	v.SetDefault(KeyPollInterval, 500*time.Millisecond)
	v.SetDefault(KeyProbeTimeout, 2*time.Second)
	v.SetDefault(KeyClaimTimeout, time.Second)
	v.SetDefault(KeyConvertTimeout, 2*time.Second)
	v.SetDefault(KeyMinAlloc, "4mb")
	v.SetDefault(KeyMaxInitialAlloc, "200mb")
	v.SetDefault(KeyGrowIncrement, "4mb")
	v.SetDefault(KeyAllocCeiling, "1gb")
	v.SetDefault(KeyChunkTimeout, lim.ChunkTimeout)
	v.SetDefault(KeyMaxTransfer, lim.MaxDuration)
	v.SetDefault(KeyKeepPartial, false)
	v.SetDefault(KeyDragFinishTimeout, 10*time.Second)
	v.SetDefault(KeyLogFormat, "auto")
}

// Load reads a Config out of v. Defaults must already be registered.
func Load(v *viper.Viper) (Config, error) {
	c := Config{
		Transport:         strings.ToLower(v.GetString(KeyTransport)),
		Display:           v.GetString(KeyDisplay),
		PollInterval:      v.GetDuration(KeyPollInterval),
		ProbeTimeout:      v.GetDuration(KeyProbeTimeout),
		ClaimTimeout:      v.GetDuration(KeyClaimTimeout),
		ConvertTimeout:    v.GetDuration(KeyConvertTimeout),
		DragFinishTimeout: v.GetDuration(KeyDragFinishTimeout),
		KeepPartial:       v.GetBool(KeyKeepPartial),
		Limits: transfer.Limits{
			MinAlloc:        int(v.GetSizeInBytes(KeyMinAlloc)),
			MaxInitialAlloc: int(v.GetSizeInBytes(KeyMaxInitialAlloc)),
			GrowIncrement:   int(v.GetSizeInBytes(KeyGrowIncrement)),
			Ceiling:         int(v.GetSizeInBytes(KeyAllocCeiling)),
			ChunkTimeout:    v.GetDuration(KeyChunkTimeout),
			MaxDuration:     v.GetDuration(KeyMaxTransfer),
		},
		Socket:    v.GetString(KeySocket),
		Listen:    v.GetString(KeyListen),
		Token:     v.GetString(KeyToken),
		LogFormat: v.GetString(KeyLogFormat),
		LogLevel:  v.GetString(KeyLogLevel),
	}
	return c, c.Validate()
}

// Validate rejects settings the components cannot run with.
func (c Config) Validate() error {
	switch c.Transport {
	case TransportAuto, TransportX11, TransportWayland:
	default:
		return fmt.Errorf("config: unknown transport %q", c.Transport)
	}
	for key, d := range map[string]time.Duration{
		KeyPollInterval:      c.PollInterval,
		KeyProbeTimeout:      c.ProbeTimeout,
		KeyClaimTimeout:      c.ClaimTimeout,
		KeyConvertTimeout:    c.ConvertTimeout,
		KeyChunkTimeout:      c.Limits.ChunkTimeout,
		KeyMaxTransfer:       c.Limits.MaxDuration,
		KeyDragFinishTimeout: c.DragFinishTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive, got %s", key, d)
		}
	}
	l := c.Limits
	if l.MinAlloc <= 0 || l.GrowIncrement <= 0 {
		return fmt.Errorf("config: %s and %s must be positive", KeyMinAlloc, KeyGrowIncrement)
	}
	if l.MaxInitialAlloc < l.MinAlloc {
		return fmt.Errorf("config: %s (%d) is below %s (%d)", KeyMaxInitialAlloc, l.MaxInitialAlloc, KeyMinAlloc, l.MinAlloc)
	}
	if l.Ceiling < l.MaxInitialAlloc {
		return fmt.Errorf("config: %s (%d) is below %s (%d)", KeyAllocCeiling, l.Ceiling, KeyMaxInitialAlloc, l.MaxInitialAlloc)
	}
	if c.Listen != "" && c.Token == "" {
		return fmt.Errorf("config: %s requires %s", KeyListen, KeyToken)
	}
	return nil
}

// ResolveTransport turns "auto" into a concrete transport name using the
// session environment: Wayland when WAYLAND_DISPLAY is set, X11 otherwise.
func (c Config) ResolveTransport() string {
	if c.Transport != TransportAuto {
		return c.Transport
	}
	if os.Getenv("WAYLAND_DISPLAY") != "" {
		return TransportWayland
	}
	if rt := os.Getenv("XDG_RUNTIME_DIR"); rt != "" && os.Getenv("DISPLAY") == "" {
		if _, err := os.Stat(filepath.Join(rt, "wayland-0")); err == nil {
			return TransportWayland
		}
	}
	return TransportX11
}

// Service returns the clipboard service options.
func (c Config) Service() clipboard.Options {
	o := clipboard.DefaultOptions()
	o.Limits = c.Limits
	o.KeepPartial = c.KeepPartial
	o.PollInterval = c.PollInterval
	o.ProbeTimeout = c.ProbeTimeout
	return o
}

// X11 returns the legacy transport options.
func (c Config) X11() x11.Options {
	o := x11.DefaultOptions()
	o.Display = c.Display
	o.ClaimTimeout = c.ClaimTimeout
	o.ConvertTimeout = c.ConvertTimeout
	o.ChunkTimeout = c.Limits.ChunkTimeout
	o.DragFinishTimeout = c.DragFinishTimeout
	o.MaxPayload = c.Limits.Ceiling
	return o
}

// Wayland returns the modern transport options.
func (c Config) Wayland() wayland.Options {
	o := wayland.DefaultOptions()
	o.Display = c.Display
	o.ChunkTimeout = c.Limits.ChunkTimeout
	o.MaxTransfer = c.Limits.MaxDuration
	o.MaxPayload = c.Limits.Ceiling
	return o
}
