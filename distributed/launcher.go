package distributed

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Launcher starts one worker process per local rank and supervises them. When any
// worker exits with an error the remaining workers are killed.
type Launcher struct {
	NProcPerNode int
	MasterAddr   string
	MasterPort   int
	// Executable and Args describe the worker command line.
	Executable string
	Args       []string
	// ExtraEnv is appended to every worker's environment after the inherited one.
	ExtraEnv []string
	Stdout   io.Writer
	Stderr   io.Writer
	Logger   *zap.Logger
}

// WorkerEnv returns the launch variables for one local rank on a single node.
func (l *Launcher) WorkerEnv(rank int) []string {
	return []string{
		EnvRank + "=" + strconv.Itoa(rank),
		EnvLocalRank + "=" + strconv.Itoa(rank),
		EnvWorldSize + "=" + strconv.Itoa(l.NProcPerNode),
		EnvMasterAddr + "=" + l.MasterAddr,
		EnvMasterPort + "=" + strconv.Itoa(l.MasterPort),
	}
}

// Run blocks until every worker has exited.
func (l *Launcher) Run(ctx context.Context) error {
	if l.NProcPerNode < 1 {
		return fmt.Errorf("nproc_per_node must be at least 1, got %d", l.NProcPerNode)
	}
	if l.Executable == "" {
		return fmt.Errorf("no worker executable configured")
	}
	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	stdout, stderr := l.Stdout, l.Stderr
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	g, gctx := errgroup.WithContext(ctx)
	for rank := 0; rank < l.NProcPerNode; rank++ {
		cmd := exec.CommandContext(gctx, l.Executable, l.Args...)
		cmd.Env = append(append(os.Environ(), l.WorkerEnv(rank)...), l.ExtraEnv...)
		cmd.Stdout = stdout
		cmd.Stderr = stderr

		g.Go(func() error {
			logger.Debug("starting worker", zap.Int("worker", rank), zap.String("executable", l.Executable))
			if err := cmd.Run(); err != nil {
				return fmt.Errorf("worker %d failed: %w", rank, err)
			}
			logger.Debug("worker finished", zap.Int("worker", rank))
			return nil
		})
	}
	return g.Wait()
}
