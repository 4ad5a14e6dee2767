package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/interchange/internal/config"
	"go.klb.dev/interchange/internal/format"
	"go.klb.dev/interchange/internal/slot"
)

// ownershipCheck is how often a foreground copy checks it still owns a slot.
const ownershipCheck = 250 * time.Millisecond

func newCopyCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "copy",
		Short: "Copy stdin to the clipboard (like xclip -i)",
		Long: `Reads stdin and makes it the content of the selected clipboard.

If the daemon is running it takes ownership and copy returns at once.
Otherwise copy owns the selection itself and stays in the foreground until
another client takes the clipboard over.

Without --format the data is classified: PNG and BMP by signature, UTF-8 as
text, anything else as application/octet-stream.`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(cmd *cobra.Command, _ []string) error { return runCopy(cmd.InOrStdin(), v) },
	}

	f := cmd.Flags()
	f.String("slot", "clipboard", "clipboard|primary|both")
	f.String("format", "", "format of the data being copied (MIME type or X11 target)")
	addClientFlags(cmd)
	addTransportFlags(cmd)
	addLoggingFlags(cmd)
	addConfigFlag(cmd)

	return cmd
}

func runCopy(stdin io.Reader, v *viper.Viper) error {
	setupLogging(v)
	id, err := slotFlag(v)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	kind := format.Parse(v.GetString("format"))
	if kind == "" {
		kind = format.Detect(data)
	}

	ctx, cancel := requestContext(v)
	defer cancel()
	c, err := dialDaemon(ctx, v)
	if err != nil {
		return err
	}
	if c != nil {
		defer c.Close()
		return c.Publish(ctx, id, kind.String(), data)
	}
	slog.Debug("no daemon, serving in the foreground", "slot", id, "format", kind)
	return copyForeground(v, id, kind, data)
}

// copyForeground owns the selection from this process until every slot it
// claimed has been taken by someone else.
func copyForeground(v *viper.Viper, id slot.ID, kind format.Tag, data []byte) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lc, err := startLocal(ctx, cfg)
	if err != nil {
		return err
	}
	defer lc.Close()
	if err := lc.b.Publish(ctx, id, kind, data); err != nil {
		return err
	}

	ticker := time.NewTicker(ownershipCheck)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-lc.stopped:
			return errors.New("event loop stopped")
		case <-ticker.C:
		}
		owned, err := lc.b.Owned(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !owned {
			slog.Debug("ownership lost, exiting")
			return nil
		}
	}
}
