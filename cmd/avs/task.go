package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"avs/internal/task"

	"github.com/spf13/cobra"
)

type taskOptions struct {
	checker string
	asJSON  bool
}

func newTaskCommand(root *rootOptions) *cobra.Command {
	opts := &taskOptions{}
	cmd := &cobra.Command{
		Use:   "task [file-reference]",
		Short: "Run one task against the checking sidecar and record its results",
		Long: `Run one task against the checking sidecar and record its results.

Without --checker a checking sidecar is provisioned for the run and removed
afterwards. The file reference defaults to trigger.default_file_reference.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runTask(ctx, cmd.OutOrStdout(), root, opts, args)
		},
	}
	cmd.Flags().StringVar(&opts.checker, "checker", "", "Address (host:port) of an already running checking sidecar")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "Print the summary as JSON")
	return cmd
}

func runTask(ctx context.Context, out io.Writer, root *rootOptions, opts *taskOptions, args []string) error {
	n, err := newNode(root)
	if err != nil {
		return err
	}
	defer n.shutdown()

	ref := n.cfg.Trigger.DefaultFileReference
	if len(args) == 1 {
		ref = args[0]
	}
	if ref == "" {
		return fmt.Errorf("no file reference given and trigger.default_file_reference is empty")
	}

	checker := opts.checker
	if checker == "" {
		mgr := n.manager()
		if err := mgr.Preflight(ctx); err != nil {
			return err
		}
		if err := mgr.EnsureNetwork(ctx); err != nil {
			return err
		}
		c, err := mgr.Provision(ctx, sidecarSpec(n.cfg.Checker.Sidecar()))
		if err != nil {
			return err
		}
		defer func() {
			teardownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
			defer cancel()
			if err := mgr.Teardown(teardownCtx, c); err != nil {
				n.logger.Warn("Checker teardown: %v", err)
			}
		}()
		checker = c.HostAddress()
	}

	client, err := n.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	ks, err := n.keystore()
	if err != nil {
		return err
	}
	ledger, err := n.ledger(ctx, client)
	if err != nil {
		return err
	}

	summary, err := n.pipeline(ks, ledger).Run(ctx, ref, checker)
	if err != nil {
		return err
	}
	if opts.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}
	printSummary(out, summary)
	return nil
}

func printSummary(out io.Writer, s task.Summary) {
	if s.NoWork {
		fmt.Fprintf(out, "%s %s: %s\n", yellow("○"), s.FileReference, "no work")
		return
	}
	fmt.Fprintf(out, "%s %s\n", green("✓"), bold(s.FileReference))
	fmt.Fprintf(out, "  processed %s  submitted %s  skipped %s\n",
		cyan(s.ProcessedCount), green(s.Submitted), yellow(s.Skipped))
	for _, tx := range s.Transactions {
		fmt.Fprintf(out, "  %s %s\n", gray("tx"), tx)
	}
}
