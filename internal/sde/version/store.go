// Package version persists the last imported build and resolves the current
// upstream build from the metadata feed.
package version

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/sde-sync/internal/sde"
)

// FileStore keeps the checkpoint as a single plain-text file holding the
// build id.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Get returns the checkpointed build. ok is false when no checkpoint exists.
func (s *FileStore) Get(ctx context.Context) (sde.BuildID, bool, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading checkpoint %s: %w", s.path, err)
	}
	build := strings.TrimSpace(string(data))
	if build == "" {
		return "", false, nil
	}
	return sde.BuildID(build), true, nil
}

// Set replaces the checkpoint. The write goes through a temp file and rename
// so a crash never leaves a truncated build id behind.
func (s *FileStore) Set(ctx context.Context, build sde.BuildID) error {
	if build == "" {
		return fmt.Errorf("refusing to checkpoint an empty build id")
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating checkpoint directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("creating checkpoint temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(build.String()); err != nil {
		tmp.Close()
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replacing checkpoint %s: %w", s.path, err)
	}
	return nil
}
