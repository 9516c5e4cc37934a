package distributed

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// TestHelperProcess is not a real test: the launcher tests re-execute the test binary
// with it as the worker entry point.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_DETR_HELPER_PROCESS") != "1" {
		return
	}
	rank := os.Getenv(EnvRank)
	fmt.Printf("worker rank=%s world=%s\n", rank, os.Getenv(EnvWorldSize))
	if rank == os.Getenv("GO_DETR_FAIL_RANK") {
		os.Exit(3)
	}
	os.Exit(0)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func helperLauncher(n int, out *lockedBuffer, extra ...string) *Launcher {
	return &Launcher{
		NProcPerNode: n,
		MasterAddr:   "127.0.0.1",
		MasterPort:   29500,
		Executable:   os.Args[0],
		Args:         []string{"-test.run=TestHelperProcess"},
		ExtraEnv:     append([]string{"GO_DETR_HELPER_PROCESS=1"}, extra...),
		Stdout:       out,
		Stderr:       out,
	}
}

func TestLauncher_AllWorkersSucceed(t *testing.T) {
	defer goleak.VerifyNone(t)

	out := &lockedBuffer{}
	require.NoError(t, helperLauncher(3, out).Run(context.Background()))

	for rank := 0; rank < 3; rank++ {
		assert.Contains(t, out.String(), fmt.Sprintf("worker rank=%d world=3", rank))
	}
}

func TestLauncher_WorkerFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	out := &lockedBuffer{}
	err := helperLauncher(2, out, "GO_DETR_FAIL_RANK=1").Run(context.Background())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "worker 1"), "got %v", err)
}

func TestLauncher_Validation(t *testing.T) {
	assert.Error(t, (&Launcher{NProcPerNode: 0, Executable: "x"}).Run(context.Background()))
	assert.Error(t, (&Launcher{NProcPerNode: 1}).Run(context.Background()))
}

func TestLauncher_WorkerEnv(t *testing.T) {
	l := &Launcher{NProcPerNode: 4, MasterAddr: "10.1.1.1", MasterPort: 1234}
	env := l.WorkerEnv(2)
	assert.Contains(t, env, "RANK=2")
	assert.Contains(t, env, "LOCAL_RANK=2")
	assert.Contains(t, env, "WORLD_SIZE=4")
	assert.Contains(t, env, "MASTER_ADDR=10.1.1.1")
	assert.Contains(t, env, "MASTER_PORT=1234")
}
