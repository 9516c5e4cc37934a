package checkpoints

import (
	"fmt"
	"os"
	"path/filepath"
)

// File names inside an output directory.
const (
	LatestName = "checkpoint.pth"
	EvalName   = "eval.pth"
)

// centuryInterval is the period of the unconditional milestone files.
const centuryInterval = 100

// MilestoneName is the file name of the extra checkpoint kept for epoch.
func MilestoneName(epoch int) string {
	return fmt.Sprintf("checkpoint%04d.pth", epoch)
}

// IsDropEpoch reports whether epoch is the last one before a learning-rate drop.
func IsDropEpoch(epoch, lrDrop int) bool {
	return lrDrop > 0 && (epoch+1)%lrDrop == 0
}

// IsCenturyEpoch reports whether epoch completes a multiple of 100 epochs.
func IsCenturyEpoch(epoch int) bool {
	return (epoch+1)%centuryInterval == 0
}

// Config configures checkpoint saving behavior
type Config struct {
	Directory string // Output directory; empty disables saving
	LRDrop    int    // Learning-rate drop period, in epochs
	Format    Format
}

// Manager writes the per-epoch checkpoint files. It always refreshes LatestName and
// adds a MilestoneName file before every learning-rate drop and every 100 epochs.
// Milestones are only ever added: nothing is deleted.
type Manager struct {
	config Config
	saver  *Saver
}

// NewManager creates a new checkpoint manager
func NewManager(config Config) *Manager {
	return &Manager{
		config: config,
		saver:  NewSaver(config.Format),
	}
}

// Enabled reports whether an output directory is configured.
func (m *Manager) Enabled() bool {
	return m.config.Directory != ""
}

// LatestPath is the path of the fixed-name checkpoint.
func (m *Manager) LatestPath() string {
	return filepath.Join(m.config.Directory, LatestName)
}

// EvalPath is the path of the evaluation-only artifact.
func (m *Manager) EvalPath() string {
	return filepath.Join(m.config.Directory, EvalName)
}

// Paths lists the files Save writes for epoch.
func (m *Manager) Paths(epoch int) []string {
	return checkpointPaths(m.config.Directory, epoch, IsDropEpoch(epoch, m.config.LRDrop), IsCenturyEpoch(epoch))
}

// Save stamps state with epoch and writes it to every path returned by Paths.
func (m *Manager) Save(state *Full, epoch int) ([]string, error) {
	if !m.Enabled() {
		return nil, nil
	}
	state.Epoch = epoch
	return SaveTo(m.saver, m.config.Directory, state, epoch, IsDropEpoch(epoch, m.config.LRDrop), IsCenturyEpoch(epoch))
}

// SaveTo is the policy-free form of Manager.Save: latest is always written, the
// numbered file only when one of the milestone flags is set.
func SaveTo(saver *Saver, dir string, state Checkpoint, epoch int, isDropEpoch, isCenturyEpoch bool) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	data, err := Encode(state, saver.Format())
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint: %w", err)
	}
	paths := checkpointPaths(dir, epoch, isDropEpoch, isCenturyEpoch)
	for _, p := range paths {
		if err := writeFileAtomic(p, data); err != nil {
			return nil, fmt.Errorf("failed to save checkpoint %s: %w", p, err)
		}
	}
	return paths, nil
}

// Latest returns the fixed-name checkpoint path when it exists.
func (m *Manager) Latest() (string, bool) {
	if !m.Enabled() {
		return "", false
	}
	p := m.LatestPath()
	if _, err := os.Stat(p); err != nil {
		return "", false
	}
	return p, true
}

// SaveEval persists the evaluator accumulator as the evaluation-only artifact.
func (m *Manager) SaveEval(stats map[string]any) (string, error) {
	if !m.Enabled() {
		return "", nil
	}
	if err := os.MkdirAll(m.config.Directory, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	data, err := EncodePayload(stats, m.config.Format)
	if err != nil {
		return "", err
	}
	p := m.EvalPath()
	if err := writeFileAtomic(p, data); err != nil {
		return "", fmt.Errorf("failed to save evaluation artifact: %w", err)
	}
	return p, nil
}

func checkpointPaths(dir string, epoch int, isDropEpoch, isCenturyEpoch bool) []string {
	paths := []string{filepath.Join(dir, LatestName)}
	if isDropEpoch || isCenturyEpoch {
		paths = append(paths, filepath.Join(dir, MilestoneName(epoch)))
	}
	return paths
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
