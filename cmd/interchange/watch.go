package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/interchange/internal/slot"
)

func newWatchCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print clipboard change events",
		Long: `Subscribes to the daemon's change events and prints one line per change
until interrupted. Change detection only runs while someone watches.`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(cmd *cobra.Command, _ []string) error { return runWatch(cmd.OutOrStdout(), v) },
	}

	cmd.Flags().Bool("json", false, "print events as JSON lines")
	addClientFlags(cmd)
	addLoggingFlags(cmd)
	addConfigFlag(cmd)

	return cmd
}

type changeEvent struct {
	Slot string    `json:"slot"`
	At   time.Time `json:"at"`
}

func runWatch(out io.Writer, v *viper.Viper) error {
	setupLogging(v)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := dialDaemon(ctx, v)
	if err != nil {
		return err
	}
	if c == nil {
		return errors.New("no daemon running; start one with \"interchange daemon\"")
	}
	defer c.Close()

	asJSON := v.GetBool("json")
	enc := json.NewEncoder(out)
	return c.Watch(ctx, func(id slot.ID) {
		ev := changeEvent{Slot: id.String(), At: time.Now()}
		if asJSON {
			_ = enc.Encode(ev)
			return
		}
		fmt.Fprintf(out, "%s\t%s changed\n", ev.At.Format("15:04:05.000"), ev.Slot)
	})
}
