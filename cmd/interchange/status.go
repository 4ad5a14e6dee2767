package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/interchange/internal/message"
)

func newStatusCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the daemon's clipboard state and watchers",
		Long: `Displays the transport, the slots the daemon owns and the clients watching
for changes.

The request goes to the local unix socket unless --server names a TCP
listener.`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(cmd *cobra.Command, _ []string) error { return runStatus(cmd.OutOrStdout(), v) },
	}

	cmd.Flags().Bool("json", false, "output raw JSON")
	addClientFlags(cmd)
	addConfigFlag(cmd)

	return cmd
}

func runStatus(out io.Writer, v *viper.Viper) error {
	ctx, cancel := requestContext(v)
	defer cancel()

	c, err := dialDaemon(ctx, v)
	if err != nil {
		return err
	}
	if c == nil {
		return errors.New("no daemon running")
	}
	defer c.Close()

	st, err := c.Status(ctx)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}

	if v.GetBool("json") {
		enc, _ := json.MarshalIndent(st, "", "  ")
		_, err = fmt.Fprintln(out, string(enc))
		return err
	}
	printStatus(out, st, time.Now())
	return nil
}

func printStatus(out io.Writer, st *message.Status, now time.Time) {
	w := tabwriter.NewWriter(out, 1, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Version:\t%s\n", st.Version)
	fmt.Fprintf(w, "Transport:\t%s (%s)\n", st.Transport, st.Ownership)
	if !st.StartedAt.IsZero() {
		fmt.Fprintf(w, "Started:\t%s (%s)\n", st.StartedAt.UTC().Format(time.RFC3339), fmtAge(st.StartedAt, now))
	}
	if st.Reads > 0 {
		fmt.Fprintf(w, "Reads:\t%d in flight\n", st.Reads)
	}
	if st.Drag != "" {
		fmt.Fprintf(w, "Drag:\t%s\n", st.Drag)
	}
	fmt.Fprintln(w)
	_ = w.Flush()

	tw := tabwriter.NewWriter(out, 1, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "SLOT\tOWNED\tFORMAT\tBYTES\tSINCE\n")
	_, _ = fmt.Fprintf(tw, "----\t-----\t------\t-----\t-----\n")
	for _, s := range st.Slots {
		owned, kind, size, since := "no", "-", "-", "-"
		if s.Owned {
			owned, kind, size = "yes", s.Format, fmt.Sprint(s.Length)
			since = fmtAge(s.Since, now)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.Slot, owned, kind, size, since)
	}
	_ = tw.Flush()

	if len(st.Peers) == 0 {
		fmt.Fprintln(out, "\nNo watchers connected.")
		return
	}
	fmt.Fprintln(out)
	tw = tabwriter.NewWriter(out, 1, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "WATCHER\tADDR\tCONNECTED\tLAST SEEN\n")
	_, _ = fmt.Fprintf(tw, "-------\t----\t---------\t---------\n")
	for _, p := range st.Peers {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.ID, p.Addr, fmtAge(p.ConnectedAt, now), fmtAge(p.LastSeen, now))
	}
	_ = tw.Flush()
}

func fmtAge(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	age := now.Sub(t).Round(time.Second)
	if age < time.Minute {
		return fmt.Sprintf("%ds ago", int(age.Seconds()))
	}
	if age < time.Hour {
		return fmt.Sprintf("%dm ago", int(age.Minutes()))
	}
	return t.Format("15:04:05")
}
