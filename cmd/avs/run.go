package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"avs/internal/devops"
	avserrors "avs/internal/errors"
	"avs/internal/ledger/evm"
	"avs/internal/logging"
	"avs/internal/server"
	"avs/internal/task"
	"avs/internal/trigger"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type runOptions struct {
	serverAddr    string
	dockerNetwork string
	noServer      bool
}

func newRunCommand(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Provision sidecars and process tasks until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runNode(ctx, root, opts)
		},
	}
	cmd.Flags().StringVar(&opts.serverAddr, "addr", "", "Override the HTTP listen address")
	cmd.Flags().StringVar(&opts.dockerNetwork, "network", "", "Override the Docker network name")
	cmd.Flags().BoolVar(&opts.noServer, "no-server", false, "Disable the HTTP server")
	return cmd
}

func runNode(ctx context.Context, root *rootOptions, opts *runOptions) error {
	n, err := newNode(root, withRunOverrides(opts))
	if err != nil {
		return err
	}
	defer n.shutdown()
	cfg := n.cfg

	mgr := n.manager()
	if err := mgr.Preflight(ctx); err != nil {
		return err
	}
	if err := mgr.EnsureNetwork(ctx); err != nil {
		return err
	}
	sidecars, err := mgr.ProvisionAll(ctx, n.sidecarSpecs()...)
	if err != nil {
		return err
	}
	defer func() {
		// The run context is already cancelled on shutdown.
		teardownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()
		if err := mgr.TeardownAll(teardownCtx); err != nil {
			n.logger.Error("Sidecar teardown: %v", err)
		}
	}()
	for _, c := range sidecars {
		n.logger.Info("%s sidecar %s ready at %s", c.Role(), c.Name, c.HostAddress())
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
	pipeline := n.pipeline(ks, ledger)

	dispatcher := trigger.NewDispatcher(pipeline,
		func() (string, error) { return mgr.HostAddress(devops.RoleChecker) },
		trigger.WithDispatcherLogger(logging.NewComponentLogger("trigger")),
		trigger.WithObserver(logOutcome(n.logger)),
	)

	var sources []trigger.Source
	if cfg.Trigger.WatchEvents {
		watcher, err := evm.NewTaskWatcher(client, evm.WatcherConfig{
			Contract:             ledger.Address(),
			PollInterval:         cfg.Trigger.PollInterval,
			StartBlock:           cfg.Trigger.StartBlock,
			DefaultFileReference: cfg.Trigger.DefaultFileReference,
			Logger:               logging.NewComponentLogger("watcher"),
		})
		if err != nil {
			return err
		}
		sources = append(sources, watcher)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := dispatcher.Run(gctx, sources...); err != nil {
			return err
		}
		// Manual tasks still arrive over HTTP after every source finished.
		<-gctx.Done()
		return gctx.Err()
	})

	if cfg.Server.Enabled && !opts.noServer {
		srv := server.New(server.Config{
			Addr:        cfg.Server.Addr,
			CORSOrigins: cfg.Server.CORSOrigins,
			Debug:       cfg.Observability.Logging.Level == "debug",
		}, server.Deps{
			Tasks:    dispatcher,
			Sidecars: mgr,
			Metrics:  n.metrics.Handler(),
			Version:  Version,
			Logger:   logging.NewComponentLogger("server"),
		})
		g.Go(func() error { return srv.Start(gctx) })
	}

	n.logger.Info("Node running (contract %s, network %s)", ledger.Address().Hex(), mgr.Network())
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func withRunOverrides(opts *runOptions) func(*nodeOptions) {
	return func(o *nodeOptions) {
		o.serverAddr = opts.serverAddr
		o.dockerNetwork = opts.dockerNetwork
	}
}

func logOutcome(logger logging.Logger) func(trigger.Request, task.Summary, error) {
	return func(req trigger.Request, summary task.Summary, err error) {
		switch {
		case avserrors.IsPermanent(err):
			logger.Error("Task %q from %s failed permanently: %v", req.FileReference, req.Origin, err)
		case err != nil:
			logger.Warn("Task %q from %s failed: %v", req.FileReference, req.Origin, err)
		case summary.NoWork:
			logger.Info("Task %q from %s: no work", req.FileReference, req.Origin)
		default:
			logger.Info("Task %q from %s: %d processed, %d submitted, %d skipped",
				req.FileReference, req.Origin, summary.ProcessedCount, summary.Submitted, summary.Skipped)
		}
	}
}
