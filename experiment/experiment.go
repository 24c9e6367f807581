// Package experiment manages the output directory of one training run:
// creation, single-run locking, the run identifier, and the resolved
// hyperparameter dump.
package experiment

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"

	"phonet/hparams"
)

// Experiment is one locked output directory.
type Experiment struct {
	Dir      string
	RunID    string
	lock     *flock.Flock
	lockPath string
}

// Create prepares the experiment directory, acquires its lock, mints the
// run id, and records the resolved hyperparameters plus the overrides that
// produced them.
func Create(hp hparams.Hyperparams, overrides []string) (*Experiment, error) {
	dir := hp.Paths.OutputFolder
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create experiment directory: %w", err)
	}
	for _, sub := range []string{hp.SaveFolder(), hp.ManifestFolder()} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", sub, err)
		}
	}

	lockPath := filepath.Join(dir, "experiment.lock")
	lock := flock.New(lockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire experiment lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("experiment directory %s is in use by another run", dir)
	}

	e := &Experiment{
		Dir:      dir,
		RunID:    uuid.NewString(),
		lock:     lock,
		lockPath: lockPath,
	}
	if err := e.writeResolved(hp, overrides); err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	return e, nil
}

// Close releases the experiment lock.
func (e *Experiment) Close() error {
	return e.lock.Unlock()
}

// writeResolved dumps the merged hyperparameters and the raw overrides so
// the run is reproducible from the directory alone.
func (e *Experiment) writeResolved(hp hparams.Hyperparams, overrides []string) error {
	resolved, err := toml.Marshal(hp)
	if err != nil {
		return fmt.Errorf("marshal resolved hyperparameters: %w", err)
	}
	header := fmt.Sprintf("# run_id = %q\n", e.RunID)
	if len(overrides) > 0 {
		header += fmt.Sprintf("# overrides = %q\n", strings.Join(overrides, " "))
	}
	path := filepath.Join(e.Dir, "hyperparams.toml")
	if err := os.WriteFile(path, append([]byte(header), resolved...), 0o644); err != nil {
		return fmt.Errorf("write resolved hyperparameters: %w", err)
	}
	return nil
}
