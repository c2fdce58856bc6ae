package main

import (
	"os"
	"os/signal"
	"syscall"

	"avs/internal/ledger/evm"
	"avs/internal/logging"

	"github.com/spf13/cobra"
)

type seedOptions struct {
	once bool
}

func newSeedCommand(root *rootOptions) *cobra.Command {
	opts := &seedOptions{}
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Periodically create tasks on the task-manager contract (development)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			n, err := newNode(root)
			if err != nil {
				return err
			}
			defer n.shutdown()

			client, err := n.dial(ctx)
			if err != nil {
				return err
			}
			defer client.Close()
			ks, err := n.keystore()
			if err != nil {
				return err
			}
			key, cred, err := ks.FirstKey(ctx)
			if err != nil {
				return err
			}
			contract, err := n.contractAddress()
			if err != nil {
				return err
			}
			seeder, err := evm.NewTaskSeeder(ctx, client, key, evm.SeederConfig{
				Contract:       contract,
				ChainID:        n.chainID(),
				Interval:       n.cfg.Trigger.SeedInterval,
				FileReference:  n.cfg.Trigger.SeedFileReference,
				ReceiptTimeout: n.cfg.Ledger.ReceiptTimeout,
				Logger:         logging.NewComponentLogger("seeder"),
			})
			if err != nil {
				return err
			}
			cmd.Printf("%s seeding tasks as %s every %s\n", cyan("→"), cred.Address, n.cfg.Trigger.SeedInterval)
			if opts.once {
				return seeder.CreateTask(ctx)
			}
			if err := seeder.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.once, "once", false, "Create a single task and exit")
	return cmd
}
