// interchange: clipboard and drag-and-drop daemon for X11 and Wayland.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"go.klb.dev/interchange/internal/logging"
)

// Version is set at build time via -ldflags "-X main.Version=x.y.z".
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "interchange",
		Short: "Clipboard daemon and tools for X11 and Wayland",
		Long: `interchange owns clipboard selections on behalf of short-lived tools.

Run "interchange daemon" once per session. "interchange copy" hands stdin to
the daemon, which keeps serving it after copy exits; without a daemon, copy
stays in the foreground until another client takes the clipboard.
"interchange paste", "targets", "watch" and "status" query the clipboard.

Config file search order (first found wins):
  /etc/interchange/interchange.toml
  $HOME/.config/interchange/interchange.toml
  path supplied via --config

All flags can be set via INTERCHANGE_<FLAG> env vars or config-file keys.
See "interchange daemon --help" for the full flag reference.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newDaemonCmd(),
		newCopyCmd(),
		newPasteCmd(),
		newTargetsCmd(),
		newWatchCmd(),
		newStatusCmd(),
		newVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "interchange %s\n", Version)
		},
	}
}

// resolveLogging sets up the global slog logger after flags are parsed.
// Interactive runs default to debug, background runs to info.
func resolveLogging(interactive bool, formatStr, levelStr string) {
	def := slog.LevelInfo
	if interactive {
		def = slog.LevelDebug
	}
	logging.Setup(logging.ParseFormat(formatStr), logging.ParseLevel(levelStr, def))
}
