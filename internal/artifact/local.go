package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"ftpipe/internal/common/fsutil"
)

// LocalStore keeps adapters under a base directory, one subdirectory per run.
type LocalStore struct {
	baseDir string
}

var _ Store = (*LocalStore)(nil)

func NewLocalStore(dir string) (*LocalStore, error) {
	if dir == "" {
		dir = "."
	}
	baseDir, err := fsutil.AbsPath(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path for %s: %w", dir, err)
	}
	return &LocalStore{baseDir: baseDir}, nil
}

func (s *LocalStore) path(runName string) string { return filepath.Join(s.baseDir, runName) }

func (s *LocalStore) Save(ctx context.Context, runName, dir string) (string, error) {
	if err := checkRunName(runName); err != nil {
		return "", err
	}
	dest := s.path(runName)
	src, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	// Training may write straight into the store.
	if src == dest {
		return "file://" + dest, nil
	}
	if !fsutil.IsDir(src) {
		return "", fmt.Errorf("adapter dir %s does not exist", src)
	}
	if err := os.RemoveAll(dest); err != nil {
		return "", fmt.Errorf("failed to remove existing destination: %w", err)
	}
	if err := fsutil.CopyDir(src, dest); err != nil {
		return "", fmt.Errorf("failed to copy adapter %s to %s: %w", src, dest, err)
	}
	return "file://" + dest, ctx.Err()
}

func (s *LocalStore) Load(ctx context.Context, runName, dest string) error {
	if err := checkRunName(runName); err != nil {
		return err
	}
	src := s.path(runName)
	if !fsutil.IsDir(src) {
		return fmt.Errorf("no adapter stored for run %q under %s: %w", runName, s.baseDir, os.ErrNotExist)
	}
	abs, err := filepath.Abs(dest)
	if err != nil {
		return err
	}
	if abs == src {
		return nil
	}
	if err := os.RemoveAll(abs); err != nil {
		return fmt.Errorf("failed to remove existing destination: %w", err)
	}
	if err := fsutil.CopyDir(src, abs); err != nil {
		return err
	}
	return ctx.Err()
}
