// Command detr trains and evaluates DETR detectors.
//
//	detr train --output_dir runs/r50 --epochs 300
//	detr launch --nproc_per_node 4 -- --output_dir runs/r50
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	_ "github.com/tsawler/go-detr/synthetic"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "detr",
		Short: "DETR training orchestration",
		Long: `detr drives end-to-end object detection training: configuration,
distributed setup, checkpointing and resume, evaluation and experiment tracking.

Models and datasets come from a registered backend (--backend).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newTrainCmd(), newLaunchCmd())
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		logger, lerr := zap.NewProduction()
		if lerr != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		logger.Error("error: "+err.Error(), zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}
