package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/interchange/internal/config"
	"go.klb.dev/interchange/internal/format"
)

func newTargetsCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "targets",
		Short: "List the formats the clipboard is offered in",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return bindViper(cmd, v)
		},
		RunE: func(cmd *cobra.Command, _ []string) error { return runTargets(cmd.OutOrStdout(), v) },
	}

	cmd.Flags().String("slot", "clipboard", "clipboard|primary")
	addClientFlags(cmd)
	addTransportFlags(cmd)
	addLoggingFlags(cmd)
	addConfigFlag(cmd)

	return cmd
}

func runTargets(out io.Writer, v *viper.Viper) error {
	setupLogging(v)
	id, err := slotFlag(v)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(v)
	defer cancel()

	var names []string
	c, err := dialDaemon(ctx, v)
	if err != nil {
		return err
	}
	if c != nil {
		defer c.Close()
		if names, err = c.Targets(ctx, id); err != nil {
			return err
		}
	} else {
		cfg, err := config.Load(v)
		if err != nil {
			return err
		}
		lc, err := startLocal(ctx, cfg)
		if err != nil {
			return err
		}
		defer lc.Close()
		tags, err := lc.b.Targets(ctx, id)
		if err != nil {
			return err
		}
		for _, t := range tags {
			names = append(names, t.String())
		}
	}

	for _, n := range names {
		marker := ""
		if !format.Parse(n).Supported() {
			marker = "\t(opaque)"
		}
		if _, err := fmt.Fprintf(out, "%s%s\n", n, marker); err != nil {
			return err
		}
	}
	return nil
}
