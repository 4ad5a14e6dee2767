package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/interchange/internal/clipboard"
	"go.klb.dev/interchange/internal/config"
	"go.klb.dev/interchange/internal/format"
	"go.klb.dev/interchange/internal/message"
	"go.klb.dev/interchange/internal/slot"
)

func newPasteCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "paste",
		Short: "Print the clipboard to stdout (like xclip -o)",
		Long: `Retrieves the selected clipboard and writes it to stdout.

--format names the preferred format; the owner's closest offer is used when
it lacks that one. An empty clipboard prints nothing (exit 0). To retrieve an
image:

  interchange paste --format image/png > screenshot.png

With --rgb only the decoded image dimensions are printed.`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(cmd *cobra.Command, _ []string) error { return runPaste(cmd.OutOrStdout(), v) },
	}

	f := cmd.Flags()
	f.String("slot", "clipboard", "clipboard|primary")
	f.String("format", "", "preferred format (default: UTF-8 text)")
	f.Bool("rgb", false, "print the dimensions of a decoded image instead of its bytes")
	addClientFlags(cmd)
	addTransportFlags(cmd)
	addLoggingFlags(cmd)
	addConfigFlag(cmd)

	return cmd
}

// pasted is what paste prints, from either the daemon or a local service.
type pasted struct {
	kind          string
	data          []byte
	width, height uint32
	image         bool
}

func runPaste(out io.Writer, v *viper.Viper) error {
	setupLogging(v)
	id, err := slotFlag(v)
	if err != nil {
		return err
	}
	want := v.GetString("format")

	ctx, cancel := requestContext(v)
	defer cancel()
	c, err := dialDaemon(ctx, v)
	if err != nil {
		return err
	}

	var p pasted
	if c != nil {
		defer c.Close()
		m, err := c.Paste(ctx, id, want)
		if err != nil {
			return err
		}
		p, err = fromMessage(m)
		if err != nil {
			return err
		}
	} else {
		res, err := pasteLocal(ctx, v, id, format.Parse(want))
		if err != nil {
			return err
		}
		p = fromResult(res)
	}

	if v.GetBool("rgb") {
		if !p.image {
			return fmt.Errorf("clipboard holds %q, not an image", p.kind)
		}
		_, err = fmt.Fprintf(out, "%dx%d %s\n", p.width, p.height, p.kind)
		return err
	}
	_, err = out.Write(p.data)
	return err
}

func fromMessage(m *message.Message) (pasted, error) {
	data, err := m.Data()
	p := pasted{kind: m.Format, data: data}
	if m.Image != nil {
		p.image, p.width, p.height = true, m.Image.Width, m.Image.Height
	}
	return p, err
}

func fromResult(res clipboard.PasteResult) pasted {
	p := pasted{kind: res.Kind.String(), data: res.Data}
	if res.Image != nil {
		p.image, p.width, p.height = true, res.Image.Width, res.Image.Height
	}
	return p
}

// pasteLocal reads the clipboard through a short-lived service of our own.
func pasteLocal(ctx context.Context, v *viper.Viper, id slot.ID, kind format.Tag) (clipboard.PasteResult, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return clipboard.PasteResult{}, err
	}
	lc, err := startLocal(ctx, cfg)
	if err != nil {
		return clipboard.PasteResult{}, err
	}
	defer lc.Close()
	return lc.b.Paste(ctx, id, kind)
}
