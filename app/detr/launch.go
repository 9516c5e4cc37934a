package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tsawler/go-detr/distributed"
	"github.com/tsawler/go-detr/logging"
	"github.com/tsawler/go-detr/tracking"
)

type launchOptions struct {
	nproc      int
	masterAddr string
	masterPort int
	verbose    bool
}

func newLaunchCmd() *cobra.Command {
	opts := launchOptions{}
	cmd := &cobra.Command{
		Use:   "launch [flags] -- [train flags]",
		Short: "Start one training worker per local device",
		Long: `launch runs "detr train" once per local rank with RANK, WORLD_SIZE,
LOCAL_RANK, MASTER_ADDR and MASTER_PORT set. Arguments after -- are passed to every
worker. All workers share one tracking run id.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("failed to locate worker executable: %w", err)
			}
			logger, err := logging.New(logging.Options{Verbose: opts.verbose, Master: true})
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			runID := tracking.NewRunID(os.LookupEnv)
			l := &distributed.Launcher{
				NProcPerNode: opts.nproc,
				MasterAddr:   opts.masterAddr,
				MasterPort:   opts.masterPort,
				Executable:   exe,
				Args:         workerArgs(args),
				ExtraEnv:     []string{tracking.RunIDEnv + "=" + runID},
				Stdout:       cmd.OutOrStdout(),
				Stderr:       cmd.ErrOrStderr(),
				Logger:       logger,
			}
			logger.Info("launching workers", zap.Int("nproc_per_node", opts.nproc), zap.String("run_id", runID))
			return l.Run(cmd.Context())
		},
	}
	f := cmd.Flags()
	f.IntVar(&opts.nproc, "nproc_per_node", 1, "number of worker processes on this node")
	f.StringVar(&opts.masterAddr, "master_addr", "127.0.0.1", "address of the rank 0 process")
	f.IntVar(&opts.masterPort, "master_port", 29500, "port of the rank 0 process")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging for the launcher")
	return cmd
}

func workerArgs(trainArgs []string) []string {
	return append([]string{"train"}, trainArgs...)
}
