package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/interchange/internal/config"
	"go.klb.dev/interchange/internal/logging"
	"go.klb.dev/interchange/internal/peer"
	"go.klb.dev/interchange/internal/slot"
)

// envKeys maps flag names onto env var suffixes: poll-interval → POLL_INTERVAL.
var envKeys = strings.NewReplacer("-", "_")

// bindViper wires a command's flags into a viper instance with the standard
// config file search order and INTERCHANGE_* env var prefix.
//
// Precedence (lowest → highest): defaults → config file → INTERCHANGE_* env vars → flags
func bindViper(cmd *cobra.Command, v *viper.Viper) error {
	config.SetDefaults(v)

	configFlag, _ := cmd.Flags().GetString("config")
	if configFlag != "" {
		v.SetConfigFile(configFlag)
	} else {
		v.SetConfigName("interchange")
		v.SetConfigType("toml")
		v.AddConfigPath("/etc/interchange/")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(fmt.Sprintf("%s/.config/interchange", home))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("config: %w", err)
		}
	}

	v.SetEnvPrefix("INTERCHANGE")
	v.SetEnvKeyReplacer(envKeys)
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("binding flags: %w", err)
	}
	return nil
}

// addLoggingFlags adds the standard logging flags to a command.
func addLoggingFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("no-background", false, "run interactively: tinter logs + debug level")
	cmd.Flags().String(config.KeyLogFormat, "auto", "log format: auto|text|json")
	cmd.Flags().String(config.KeyLogLevel, "", "log level: debug|info|warn|error (default: info for the daemon, debug for interactive)")
}

// addConfigFlag adds the --config flag to a command.
func addConfigFlag(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "path to config file (overrides auto-discovery)")
}

// addTransportFlags adds the flags that shape a transport and service, for
// the daemon and the commands that can run one in the foreground.
func addTransportFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String(config.KeyTransport, config.TransportAuto, "display protocol: auto|x11|wayland")
	f.String(config.KeyDisplay, "", "display to connect to (default: $DISPLAY or $WAYLAND_DISPLAY)")
	f.Duration(config.KeyPollInterval, 500*time.Millisecond, "ownership poll interval when the server cannot push changes")
	f.Duration(config.KeyClaimTimeout, time.Second, "how long to wait for the server to confirm a claim")
	f.Duration(config.KeyConvertTimeout, 2*time.Second, "how long to wait for a selection owner to answer")
	f.Duration(config.KeyChunkTimeout, 5*time.Second, "how long to wait for the next chunk of a transfer")
	f.Duration(config.KeyMaxTransfer, 2*time.Minute, "upper bound for a whole transfer")
	f.String(config.KeyAllocCeiling, "1gb", "largest payload accepted")
	f.Bool(config.KeyKeepPartial, false, "keep what arrived before a transfer timed out")
}

// addClientFlags adds the flags for reaching a daemon.
func addClientFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String(config.KeySocket, "", "daemon socket path (default: $XDG_RUNTIME_DIR/interchange.sock)")
	f.String("server", "", "reach a daemon's TCP listener instead of the local socket")
	f.String(config.KeyToken, "", "shared secret for --server")
	f.Bool("tls", false, "the --server listener speaks TLS")
}

// setupLogging reads logging flags from viper and configures slog.
func setupLogging(v *viper.Viper) {
	interactive := v.GetBool("no-background") || logging.IsTTY(os.Stderr)
	resolveLogging(interactive, v.GetString(config.KeyLogFormat), v.GetString(config.KeyLogLevel))
}

// dialDaemon connects to the daemon named by the client flags. It returns a
// nil client without error when no local daemon is listening, so callers can
// fall back to running in the foreground.
func dialDaemon(ctx context.Context, v *viper.Viper) (*peer.Client, error) {
	if addr := v.GetString("server"); addr != "" {
		token := v.GetString(config.KeyToken)
		if token == "" {
			return nil, fmt.Errorf("--server requires --token")
		}
		return peer.DialTCP(ctx, addr, token, v.GetBool("tls"), 0)
	}
	socket := v.GetString(config.KeySocket)
	c, err := peer.DialUnix(ctx, socket, 0)
	if err != nil {
		return nil, nil
	}
	return c, nil
}

func slotFlag(v *viper.Viper) (slot.ID, error) {
	return slot.ParseID(v.GetString("slot"))
}

func requestContext(v *viper.Viper) (context.Context, context.CancelFunc) {
	d := v.GetDuration(config.KeyMaxTransfer)
	if d <= 0 {
		d = 2 * time.Minute
	}
	return context.WithTimeout(context.Background(), d+5*time.Second)
}
