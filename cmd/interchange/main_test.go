package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	assert "github.com/stretchr/testify/assert"
	require "github.com/stretchr/testify/require"

	"go.klb.dev/interchange/internal/config"
	"go.klb.dev/interchange/internal/message"
)

func TestBindViper_EnvAndFlags(t *testing.T) {
	t.Setenv("INTERCHANGE_POLL_INTERVAL", "2s")
	t.Setenv("INTERCHANGE_TRANSPORT", "wayland")
	t.Setenv("HOME", t.TempDir())

	cmd := newDaemonCmd()
	require.NoError(t, cmd.Flags().Parse([]string{"--transport", "x11"}))
	v := viper.New()
	require.NoError(t, bindViper(cmd, v))

	cfg, err := config.Load(v)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.PollInterval, "env beats defaults")
	assert.Equal(t, config.TransportX11, cfg.Transport, "flags beat env")
}

func TestBindViper_MissingConfigFile(t *testing.T) {
	cmd := newStatusCmd()
	require.NoError(t, cmd.Flags().Parse([]string{"--config", "/nonexistent/interchange.toml"}))
	assert.Error(t, bindViper(cmd, viper.New()))
}

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	cmd := newVersionCmd()
	cmd.SetOut(&out)
	cmd.Run(cmd, nil)
	assert.Equal(t, "interchange dev\n", out.String())
}

func TestPrintStatus(t *testing.T) {
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	st := &message.Status{
		Version:   "1.0",
		Transport: "x11",
		Ownership: "push",
		StartedAt: now.Add(-90 * time.Second),
		Slots: []message.SlotInfo{
			{Slot: "primary"},
			{Slot: "clipboard", Owned: true, Format: "text/plain", Length: 5, Since: now.Add(-3 * time.Second)},
		},
		Peers: []message.PeerInfo{{ID: "ab12cd34", Addr: "local", ConnectedAt: now.Add(-time.Minute), LastSeen: now}},
	}
	var out bytes.Buffer
	printStatus(&out, st, now)
	s := out.String()
	assert.Contains(t, s, "x11 (push)")
	assert.Contains(t, s, "(1m ago)")
	assert.Regexp(t, `clipboard\s+yes\s+text/plain\s+5\s+3s ago`, s)
	assert.Regexp(t, `primary\s+no\s+-`, s)
	assert.Contains(t, s, "ab12cd34")
	assert.False(t, strings.Contains(s, "No watchers"))
}

func TestFmtAge(t *testing.T) {
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, "-", fmtAge(time.Time{}, now))
	assert.Equal(t, "42s ago", fmtAge(now.Add(-42*time.Second), now))
	assert.Equal(t, "5m ago", fmtAge(now.Add(-5*time.Minute), now))
	assert.Equal(t, "08:00:00", fmtAge(now.Add(-2*time.Hour), now))
}

func TestFromMessage(t *testing.T) {
	m := &message.Message{
		Type:   message.TypePasteResult,
		Format: "image/png",
		Items:  []message.Item{message.NewItem("image/png", []byte{1, 2})},
		Image:  &message.Image{Width: 3, Height: 4},
	}
	p, err := fromMessage(m)
	require.NoError(t, err)
	assert.True(t, p.image)
	assert.Equal(t, uint32(3), p.width)
	assert.Equal(t, []byte{1, 2}, p.data)
}
