package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/tsawler/go-detr/checkpoints"
	"github.com/tsawler/go-detr/config"
	"github.com/tsawler/go-detr/distributed"
	"github.com/tsawler/go-detr/logging"
	"github.com/tsawler/go-detr/tracking"
	"github.com/tsawler/go-detr/training"
	"github.com/tsawler/go-detr/visualization"
)

// ConfigSnapshotName is written next to the checkpoints.
const ConfigSnapshotName = "config.yaml"

func newTrainCmd() *cobra.Command {
	cfg := config.Default()
	var configPath string

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a detector, or evaluate it with --eval",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resolved, err := resolveConfig(cmd.Flags(), configPath, cfg)
			if err != nil {
				return err
			}
			return runTrain(cmd.Context(), resolved, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "YAML configuration file; flags set on the command line take precedence")
	cfg.BindFlags(cmd.Flags())
	return cmd
}

// resolveConfig layers defaults, the optional YAML file and explicitly set flags,
// in that order.
func resolveConfig(fs *pflag.FlagSet, path string, flagged *config.RunConfig) (*config.RunConfig, error) {
	if path == "" {
		return flagged, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	overrides := pflag.NewFlagSet("overrides", pflag.ContinueOnError)
	cfg.BindFlags(overrides)
	var setErr error
	fs.Visit(func(f *pflag.Flag) {
		if setErr != nil || overrides.Lookup(f.Name) == nil {
			return
		}
		if err := overrides.Set(f.Name, f.Value.String()); err != nil {
			setErr = &config.ConfigurationError{Field: f.Name, Reason: err.Error()}
		}
	})
	if setErr != nil {
		return nil, setErr
	}
	return cfg, nil
}

func runTrain(ctx context.Context, cfg *config.RunConfig, stdout io.Writer) error {
	// Nothing is written or announced for a configuration that cannot run.
	if err := cfg.Validate(); err != nil {
		return err
	}
	id, err := distributed.Initialize(distributed.OSEnv(), cfg.Run.Device, cfg.Distributed.DistURL)
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Options{Verbose: cfg.Run.Verbose, Rank: id.Rank, Master: id.IsMaster()})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting", zap.String("git", logging.Revision()), zap.Stringer("identity", id))
	logger.Debug("configuration", zap.Any("config", cfg))

	backend, err := training.NewBackend(cfg.Run.Backend)
	if err != nil {
		return &config.ConfigurationError{Field: "backend", Reason: err.Error()}
	}

	if id.IsMaster() && cfg.Run.OutputDir != "" {
		if err := cfg.Save(filepath.Join(cfg.Run.OutputDir, ConfigSnapshotName)); err != nil {
			return fmt.Errorf("failed to write config snapshot: %w", err)
		}
	}

	sink, err := buildSink(ctx, cfg, id, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := sink.Close(); err != nil {
			logger.Warn("failed to close tracking sinks", zap.Error(err))
		}
	}()

	var progress io.Writer
	if id.IsMaster() {
		progress = stdout
	}

	scheduler := training.NewEpochScheduler(training.Options{
		Config:   cfg,
		Identity: id,
		Backend:  backend,
		Sink:     sink,
		Fetcher:  &checkpoints.Fetcher{CacheDir: cfg.Run.CacheDir, Logger: logger},
		Labels:   visualization.NewLabelResolver(nil),
		Logger:   logger,
		Progress: progress,
	})
	return scheduler.Run(ctx)
}

// buildSink assembles the tracking fan-out. Files are written by the master only;
// the remote service hears from every rank.
func buildSink(ctx context.Context, cfg *config.RunConfig, id distributed.Identity, logger *zap.Logger) (tracking.Sink, error) {
	sinks := []tracking.Sink{tracking.LoggerSink{Logger: logger}}

	if cfg.Tracking.URL != "" {
		hc := tracking.DefaultHTTPSinkConfig()
		hc.BaseURL = cfg.Tracking.URL
		hc.Project = cfg.Tracking.Project
		hc.RunID = tracking.NewRunID(os.LookupEnv)
		hc.Rank = id.Rank
		remote := tracking.NewHTTPSink(hc, logger)
		if err := remote.CheckHealth(ctx); err != nil {
			logger.Warn("tracking service unavailable, continuing without it", zap.String("url", hc.BaseURL), zap.Error(err))
			remote.Disable()
		} else if id.IsMaster() {
			snapshot, err := cfg.Snapshot()
			if err != nil {
				return nil, fmt.Errorf("failed to snapshot config: %w", err)
			}
			if err := remote.Start(ctx, snapshot); err != nil {
				logger.Warn("failed to register run with tracking service", zap.Error(err))
			}
		}
		sinks = append(sinks, remote)
	}

	if !id.IsMaster() {
		return tracking.Combine(sinks...), nil
	}
	if cfg.Run.OutputDir != "" {
		file, err := tracking.OpenFileSink(filepath.Join(cfg.Run.OutputDir, tracking.LogFileName))
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, file)
	}
	if path := tracking.ProgressionPath(os.LookupEnv, cfg.Run.OutputDir); path != "" {
		sinks = append(sinks, tracking.NewProgressionSink(path, cfg.Optim.Epochs))
	}
	return tracking.Combine(sinks...), nil
}
