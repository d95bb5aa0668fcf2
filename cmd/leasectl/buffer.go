package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kailas-cloud/leasegate/internal/repository/buffer"
	"github.com/kailas-cloud/leasegate/internal/transport/authority"
	"github.com/kailas-cloud/leasegate/internal/usecase/reconcile"
)

func newBufferCmd() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "buffer",
		Short: "Inspect the runtime's durable event buffer",
	}
	cmd.PersistentFlags().StringVar(&path, "path", "leasegate-buffer.db", "path to the buffer database")

	var limit int
	inspectCmd := &cobra.Command{
		Use:   "inspect",
		Short: "List undelivered usage and audit events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			buf, err := buffer.Open(path)
			if err != nil {
				return err
			}
			defer func() { _ = buf.Close() }()
			return inspectBuffer(cmd, buf, limit)
		},
	}
	inspectCmd.Flags().IntVar(&limit, "limit", 50, "max entries to list")

	var (
		authorityURL string
		timeout      time.Duration
	)
	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Deliver buffered events to the authority now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			buf, err := buffer.Open(path)
			if err != nil {
				return err
			}
			defer func() { _ = buf.Close() }()

			client := authority.New(authority.Config{BaseURL: authorityURL, Timeout: timeout})
			q := reconcile.New(reconcile.NewAuthoritySink(client), buf, reconcile.Config{}, zap.NewNop())
			n, err := q.Replay(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %d events\n", n)
			return err
		},
	}
	replayCmd.Flags().StringVar(&authorityURL, "authority-url", "http://localhost:8080", "authority base URL")
	replayCmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "per-request timeout")

	cmd.AddCommand(inspectCmd, replayCmd)
	return cmd
}

func inspectBuffer(cmd *cobra.Command, buf *buffer.Buffer, limit int) error {
	ctx := cmd.Context()
	total, err := buf.Count(ctx)
	if err != nil {
		return err
	}
	entries, err := buf.Pending(ctx, limit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%d pending events\n", total)
	if len(entries) == 0 {
		return nil
	}
	return printEntries(out, entries)
}

func printEntries(out io.Writer, entries []buffer.Entry) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tKIND\tKEY\tBUFFERED AT")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", e.Seq, e.Kind, e.Key, e.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}
